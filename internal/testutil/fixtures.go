package testutil

import "github.com/HerbHall/orderlist/pkg/models"

// NewItem returns the canonical record for id, as first materialization
// produces it. Override individual fields with options.
func NewItem(id int64, opts ...func(*models.Item)) models.Item {
	it := models.Item{
		ID:    id,
		Value: id,
		Order: float64(id),
	}
	for _, opt := range opts {
		opt(&it)
	}
	return it
}

// NewItems returns canonical records for each id, in the given order.
func NewItems(ids ...int64) []models.Item {
	out := make([]models.Item, len(ids))
	for i, id := range ids {
		out[i] = NewItem(id)
	}
	return out
}

// WithSelected sets the selected flag.
func WithSelected(sel bool) func(*models.Item) {
	return func(it *models.Item) { it.Selected = sel }
}

// WithOrder sets the order score.
func WithOrder(order float64) func(*models.Item) {
	return func(it *models.Item) { it.Order = order }
}

// IDs extracts item IDs, preserving order.
func IDs(items []models.Item) []int64 {
	out := make([]int64, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}
