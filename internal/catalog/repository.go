package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"storefront/internal/fsutil"
)

// Repository owns the persisted catalog. Update runs fn against the latest
// committed collection and persists its result; concurrent Updates are
// serialized so no mutation is lost. If fn returns an error nothing is written.
type Repository interface {
	Load(ctx context.Context) ([]Product, error)
	Update(ctx context.Context, fn func([]Product) ([]Product, error)) error
	Close() error
}

// FileRepository keeps the catalog as a single JSON array document.
type FileRepository struct {
	path string
	mu   sync.Mutex
}

// OpenFile opens (creating an empty document if absent) the catalog at p.
func OpenFile(p string) (*FileRepository, error) {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, errors.Wrap(err, "mkdir catalog dir")
	}
	if _, err := os.Stat(p); os.IsNotExist(err) {
		if err := fsutil.WriteFileAtomic(p, []byte("[]\n"), 0o644); err != nil {
			return nil, errors.Wrap(err, "create catalog")
		}
	} else if err != nil {
		return nil, errors.Wrap(err, "stat catalog")
	}
	return &FileRepository{path: p}, nil
}

func (r *FileRepository) Load(ctx context.Context) ([]Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.read()
}

func (r *FileRepository) Update(ctx context.Context, fn func([]Product) ([]Product, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, err := r.read()
	if err != nil {
		return err
	}
	next, err := fn(cur)
	if err != nil {
		return err
	}
	b, err := encode(next)
	if err != nil {
		return err
	}
	return errors.Wrap(fsutil.WriteFileAtomic(r.path, b, 0o644), "write catalog")
}

func (r *FileRepository) Close() error { return nil }

func (r *FileRepository) read() ([]Product, error) {
	b, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Product{}, nil
		}
		return nil, errors.Wrap(err, "read catalog")
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return []Product{}, nil
	}
	var items []Product
	if err := json.Unmarshal(b, &items); err != nil {
		return nil, errors.Wrap(err, "parse catalog")
	}
	if items == nil {
		items = []Product{}
	}
	return items, nil
}

func encode(items []Product) ([]byte, error) {
	if items == nil {
		items = []Product{}
	}
	b, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "encode catalog")
	}
	return append(b, '\n'), nil
}

var productsBucket = []byte("products")

// BoltRepository keeps one record per product in a bbolt bucket. bbolt allows
// a single writer at a time, so each Update is one serialized transaction.
type BoltRepository struct {
	db *bolt.DB
}

func OpenBolt(p string) (*BoltRepository, error) {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, errors.Wrap(err, "mkdir catalog dir")
	}
	db, err := bolt.Open(p, 0o644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "open bolt")
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(productsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create bucket")
	}
	return &BoltRepository{db: db}, nil
}

func (r *BoltRepository) Load(ctx context.Context) ([]Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var items []Product
	err := r.db.View(func(tx *bolt.Tx) error {
		var err error
		items, err = readBucket(tx.Bucket(productsBucket))
		return err
	})
	return items, err
}

func (r *BoltRepository) Update(ctx context.Context, fn func([]Product) ([]Product, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(productsBucket)
		cur, err := readBucket(b)
		if err != nil {
			return err
		}
		next, err := fn(cur)
		if err != nil {
			return err
		}
		keep := make(map[string]bool, len(next))
		for _, p := range next {
			v, err := json.Marshal(p)
			if err != nil {
				return errors.Wrap(err, "encode product")
			}
			if err := b.Put([]byte(p.ID), v); err != nil {
				return err
			}
			keep[p.ID] = true
		}
		for _, p := range cur {
			if !keep[p.ID] {
				if err := b.Delete([]byte(p.ID)); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (r *BoltRepository) Close() error { return r.db.Close() }

func readBucket(b *bolt.Bucket) ([]Product, error) {
	items := []Product{}
	err := b.ForEach(func(_, v []byte) error {
		var p Product
		if err := json.Unmarshal(v, &p); err != nil {
			return errors.Wrap(err, "decode product")
		}
		items = append(items, p)
		return nil
	})
	return items, err
}
