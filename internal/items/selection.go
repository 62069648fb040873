package items

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/HerbHall/orderlist/pkg/models"
)

// ToggleSelection flips the selected flag of id and returns the updated
// record. Unknown ids are not written and do not invalidate the cache.
//
// The flag is authoritative. After writing it, set membership is made to
// follow the flag as re-read, repairing a racing toggle's stale set update,
// and ListSelected filters on the flag.
func (s *Store) ToggleSelection(ctx context.Context, id int64) (models.Item, error) {
	it, err := s.Resolve(ctx, id)
	if err != nil {
		return models.Item{}, err
	}
	it.Selected = !it.Selected

	if err := s.kv.HSet(ctx, itemKey(id), "selected", strconv.FormatBool(it.Selected)); err != nil {
		s.metrics.backendError("toggle")
		return models.Item{}, fmt.Errorf("toggle item %d: %w", id, err)
	}
	if err := s.setMembership(ctx, id, it.Selected); err != nil {
		return models.Item{}, err
	}
	if err := s.syncMembership(ctx, id); err != nil {
		return models.Item{}, err
	}

	if err := s.invalidate(ctx, "toggle"); err != nil {
		return models.Item{}, err
	}
	return it, nil
}

func (s *Store) setMembership(ctx context.Context, id int64, selected bool) error {
	member := strconv.FormatInt(id, 10)
	var err error
	if selected {
		err = s.kv.SAdd(ctx, selectedKey, member)
	} else {
		err = s.kv.SRem(ctx, selectedKey, member)
	}
	if err != nil {
		s.metrics.backendError("toggle")
		return fmt.Errorf("update selection of %d: %w", id, err)
	}
	return nil
}

// syncMembership re-reads the flag of id and applies it to the set.
func (s *Store) syncMembership(ctx context.Context, id int64) error {
	fields, err := s.kv.HGetAll(ctx, itemKey(id))
	if err != nil {
		s.metrics.backendError("toggle")
		return fmt.Errorf("reread item %d: %w", id, err)
	}
	return s.setMembership(ctx, id, fields["selected"] == "true")
}

// ListSelected returns every selected item ordered by position, ties by id.
// Set members whose record is not flagged selected are left out. A backing
// store failure degrades to an empty list.
func (s *Store) ListSelected(ctx context.Context) ([]models.Item, error) {
	selected, err := s.listSelected(ctx)
	if errors.Is(err, ErrUnavailable) {
		s.logger.Warn("selected listing degraded to empty", zap.Error(err))
		return []models.Item{}, nil
	}
	return selected, err
}

func (s *Store) listSelected(ctx context.Context) ([]models.Item, error) {
	members, err := s.kv.SMembers(ctx, selectedKey)
	if err != nil {
		s.metrics.backendError("selected")
		return nil, fmt.Errorf("read selection: %w", err)
	}

	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			s.logger.Warn("skipping selection member", zap.String("member", m))
			continue
		}
		ids = append(ids, id)
	}

	resolved, err := s.resolveAll(ctx, ids)
	if err != nil {
		return nil, err
	}
	items := make([]models.Item, 0, len(resolved))
	for _, it := range resolved {
		if it.Selected {
			items = append(items, it)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Order != items[j].Order {
			return items[i].Order < items[j].Order
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}
