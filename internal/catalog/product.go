package catalog

import "time"

const DefaultCategory = "Uncategorized"

// Product is one catalog record. The JSON field names are the wire and
// storage format.
type Product struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Price       string    `json:"price"`
	Category    string    `json:"category"`
	Rating      float64   `json:"rating"`
	Image       string    `json:"image"`
	CreatedAt   time.Time `json:"createdAt"`
}
