package items

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/HerbHall/orderlist/internal/kv"
	"github.com/HerbHall/orderlist/pkg/models"
)

// Resolve returns the record for id, materializing the canonical default
// record on first reference. ids outside [1, MaxItems] fail with ErrOutOfRange.
func (s *Store) Resolve(ctx context.Context, id int64) (models.Item, error) {
	if !s.inDomain(id) {
		return models.Item{}, fmt.Errorf("%w: %d not in [1, %d]", ErrOutOfRange, id, s.cfg.MaxItems)
	}

	key := itemKey(id)
	fields, err := s.kv.HGetAll(ctx, key)
	if err != nil {
		s.metrics.backendError("resolve")
		return models.Item{}, fmt.Errorf("resolve item %d: %w", id, err)
	}
	if len(fields) > 0 {
		return s.parseItem(id, fields), nil
	}
	return s.materialize(ctx, id)
}

// materialize creates the canonical record for id. The index entry goes in
// first so a failure between the two writes never leaves a record without
// a position; both writes are conditional, so concurrent creators converge
// on one record and one index entry.
func (s *Store) materialize(ctx context.Context, id int64) (models.Item, error) {
	it := s.canonical(id)

	if _, err := s.kv.ZAddNX(ctx, orderKey, kv.Z{Member: s.member(id), Score: it.Order}); err != nil {
		s.metrics.backendError("materialize")
		return models.Item{}, fmt.Errorf("index item %d: %w", id, err)
	}
	if err := s.noteAbove(ctx, id); err != nil {
		return models.Item{}, err
	}

	created, err := s.kv.HSetNX(ctx, itemKey(id), itemFields(it))
	if err != nil {
		s.metrics.backendError("materialize")
		return models.Item{}, fmt.Errorf("create item %d: %w", id, err)
	}
	if created {
		s.metrics.materialized.Inc()
		s.logger.Debug("materialized item", zap.Int64("id", id))
		return it, nil
	}

	// Another caller created it first; return what they stored.
	fields, err := s.kv.HGetAll(ctx, itemKey(id))
	if err != nil {
		s.metrics.backendError("materialize")
		return models.Item{}, fmt.Errorf("reload item %d: %w", id, err)
	}
	return s.parseItem(id, fields), nil
}

func itemFields(it models.Item) map[string]string {
	return map[string]string{
		"id":       strconv.FormatInt(it.ID, 10),
		"value":    strconv.FormatInt(it.Value, 10),
		"selected": strconv.FormatBool(it.Selected),
		"order":    formatScore(it.Order),
	}
}

// parseItem decodes a stored hash. Missing or malformed fields keep their
// canonical values.
func (s *Store) parseItem(id int64, fields map[string]string) models.Item {
	it := s.canonical(id)
	if v, err := strconv.ParseInt(fields["value"], 10, 64); err == nil {
		it.Value = v
	}
	it.Selected = fields["selected"] == "true"
	if o, err := strconv.ParseFloat(fields["order"], 64); err == nil {
		it.Order = o
	}
	return it
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
