package catalog

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"storefront/internal/errs"
	"storefront/internal/upload"
)

const (
	maxNameLen        = 200
	maxCategoryLen    = 100
	maxDescriptionLen = 5000
	maxRating         = 5
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ImageStore is the part of the upload pipeline the catalog needs.
type ImageStore interface {
	StoreOne(ctx context.Context, dest upload.Dest, f upload.File) (string, error)
	RemoveOne(dest upload.Dest, name string) error
}

// Input is an add-product request as received from a form.
type Input struct {
	Name        string
	Description string
	Price       string
	Category    string
	Rating      string
	Image       *upload.File
}

type Service struct {
	repo          Repository
	images        ImageStore
	placeholder   string
	productPrefix string
	logger        *zap.Logger
	now           func() time.Time
}

// NewService wires the catalog. productPrefix is the reference prefix for
// uploaded product images, e.g. "/images/products/".
func NewService(repo Repository, images ImageStore, placeholder, productPrefix string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !strings.HasSuffix(productPrefix, "/") {
		productPrefix += "/"
	}
	return &Service{
		repo:          repo,
		images:        images,
		placeholder:   placeholder,
		productPrefix: productPrefix,
		logger:        logger,
		now:           time.Now,
	}
}

// List returns every product, newest first.
func (s *Service) List(ctx context.Context) ([]Product, error) {
	items, err := s.repo.Load(ctx)
	if err != nil {
		return nil, storeErr(err, "read catalog")
	}
	sortNewestFirst(items)
	return items, nil
}

// Add validates in, stores its image (if any) and appends the new record.
func (s *Service) Add(ctx context.Context, in Input) (Product, error) {
	p, err := validate(in)
	if err != nil {
		return Product{}, err
	}

	var stored string
	p.Image = s.placeholder
	if in.Image != nil {
		stored, err = s.images.StoreOne(ctx, upload.Products, *in.Image)
		if err != nil {
			return Product{}, err
		}
		p.Image = s.productPrefix + stored
	}

	p.ID = uuid.NewString()
	p.CreatedAt = s.now().UTC()
	err = s.repo.Update(ctx, func(cur []Product) ([]Product, error) {
		for _, q := range cur {
			if q.ID == p.ID {
				return nil, errors.Errorf("duplicate id %s", p.ID)
			}
		}
		return append(cur, p), nil
	})
	if err != nil {
		if stored != "" {
			if rerr := s.images.RemoveOne(upload.Products, stored); rerr != nil {
				s.logger.Warn("orphan product image not removed", zap.String("image", stored), zap.Error(rerr))
			}
		}
		return Product{}, storeErr(err, "save catalog")
	}
	s.logger.Info("product added", zap.String("id", p.ID), zap.String("name", p.Name), zap.String("image", p.Image))
	return p, nil
}

// Delete removes the product with id. Its uploaded image is removed
// afterwards on a best-effort basis; the placeholder is never touched.
func (s *Service) Delete(ctx context.Context, id string) (Product, error) {
	id = strings.TrimSpace(id)
	if !idPattern.MatchString(id) {
		return Product{}, errs.Validation("invalid product id")
	}

	var removed Product
	err := s.repo.Update(ctx, func(cur []Product) ([]Product, error) {
		for i, q := range cur {
			if q.ID == id {
				removed = q
				next := make([]Product, 0, len(cur)-1)
				next = append(next, cur[:i]...)
				return append(next, cur[i+1:]...), nil
			}
		}
		return nil, errs.NotFound("product not found")
	})
	if err != nil {
		return Product{}, storeErr(err, "save catalog")
	}
	s.logger.Info("product deleted", zap.String("id", id))

	if name, ok := s.ownedImage(removed.Image); ok {
		if err := s.images.RemoveOne(upload.Products, name); err != nil {
			s.logger.Warn("product image cleanup failed",
				zap.String("id", id),
				zap.String("image", removed.Image),
				zap.Error(err))
		}
	}
	return removed, nil
}

// ownedImage reports the stored basename of ref if it is an uploaded product
// image rather than the placeholder or an external reference.
func (s *Service) ownedImage(ref string) (string, bool) {
	if ref == "" || ref == s.placeholder || !strings.HasPrefix(ref, s.productPrefix) {
		return "", false
	}
	name := strings.TrimPrefix(ref, s.productPrefix)
	if name == "" {
		return "", false
	}
	return name, true
}

func validate(in Input) (Product, error) {
	p := Product{
		Name:        strings.TrimSpace(in.Name),
		Description: strings.TrimSpace(in.Description),
		Price:       strings.TrimSpace(in.Price),
		Category:    strings.TrimSpace(in.Category),
	}
	if p.Name == "" {
		return Product{}, errs.Validation("name is required")
	}
	if utf8.RuneCountInString(p.Name) > maxNameLen {
		return Product{}, errs.Validation(fmt.Sprintf("name exceeds %d characters", maxNameLen))
	}
	if utf8.RuneCountInString(p.Description) > maxDescriptionLen {
		return Product{}, errs.Validation(fmt.Sprintf("description exceeds %d characters", maxDescriptionLen))
	}
	if p.Category == "" {
		p.Category = DefaultCategory
	}
	if utf8.RuneCountInString(p.Category) > maxCategoryLen {
		return Product{}, errs.Validation(fmt.Sprintf("category exceeds %d characters", maxCategoryLen))
	}
	if p.Price != "" {
		d, err := decimal.NewFromString(p.Price)
		if err != nil {
			return Product{}, errs.Validation("price must be a decimal number")
		}
		if d.IsNegative() {
			return Product{}, errs.Validation("price must not be negative")
		}
	}
	if r := strings.TrimSpace(in.Rating); r != "" {
		v, err := strconv.ParseFloat(r, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v > maxRating {
			return Product{}, errs.Validation(fmt.Sprintf("rating must be a number between 0 and %d", maxRating))
		}
		p.Rating = v
	}
	return p, nil
}

func sortNewestFirst(items []Product) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
}

// storeErr keeps taxonomy errors as they are and classifies the rest as
// processing failures.
func storeErr(err error, msg string) error {
	var e *errs.Error
	if errors.As(err, &e) {
		return err
	}
	return errs.Processing(err, msg)
}
