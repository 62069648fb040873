package items

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/HerbHall/orderlist/pkg/models"
)

// Move relocates items[source] to index destination and persists positions
// 1..len(items) for the resulting sequence. The slice is the caller's view
// of a contiguous stretch of the order; ids outside it keep their scores.
// It returns the records in their new order.
func (s *Store) Move(ctx context.Context, source, destination int, items []models.Item) ([]models.Item, error) {
	n := len(items)
	if source < 0 || source >= n || destination < 0 || destination >= n {
		return nil, fmt.Errorf("%w: move %d -> %d over %d items", ErrInvalidRange, source, destination, n)
	}

	moved := slices.Clone(items)
	it := moved[source]
	moved = slices.Delete(moved, source, source+1)
	moved = slices.Insert(moved, destination, it)

	// Resolve everything before the first write so an unknown id leaves the
	// order untouched.
	out := make([]models.Item, len(moved))
	for i, m := range moved {
		rec, err := s.Resolve(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		out[i] = rec
	}

	for i := range out {
		score := float64(i + 1)
		if err := s.setScore(ctx, out[i].ID, score); err != nil {
			return nil, err
		}
		out[i].Order = score
	}

	s.logger.Debug("moved item",
		zap.Int64("id", it.ID),
		zap.Int("from", source),
		zap.Int("to", destination),
	)
	if err := s.invalidate(ctx, "move"); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateOrder sets the position score of a single item and returns the
// updated record.
func (s *Store) UpdateOrder(ctx context.Context, id int64, score float64) (models.Item, error) {
	if err := s.setScore(ctx, id, score); err != nil {
		return models.Item{}, err
	}
	if err := s.invalidate(ctx, "update_order"); err != nil {
		return models.Item{}, err
	}
	return s.Resolve(ctx, id)
}
