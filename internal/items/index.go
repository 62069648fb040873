package items

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/HerbHall/orderlist/internal/kv"
)

// The logical order covers every id in [1, MaxItems]. An id's score is its
// index entry when it has one and the id itself otherwise. Ties break by id.
//
// Ids 1..W (the watermark) always have index entries. Ids above W without
// an entry have implicit scores > W, so the index entries scoring <= W are
// exactly the leading ranks of the logical order. rangeByRank relies on
// that: it seeds past W until enough entries score <= W to cover the
// requested ranks, then reads them straight from the index.

// rangeByRank returns the ids whose rank falls in [start, end], extending
// the index as needed.
func (s *Store) rangeByRank(ctx context.Context, start, end int64) ([]int64, error) {
	if start < 0 || start > end || start >= s.cfg.MaxItems {
		return nil, nil
	}
	end = min(end, s.cfg.MaxItems-1)

	if err := s.ensureIndexed(ctx, end+1); err != nil {
		return nil, err
	}
	zs, err := s.kv.ZRange(ctx, orderKey, start, end)
	if err != nil {
		s.metrics.backendError("range")
		return nil, fmt.Errorf("range %d..%d: %w", start, end, err)
	}
	ids := make([]int64, 0, len(zs))
	for _, z := range zs {
		id, err := parseMember(z.Member)
		if err != nil {
			s.logger.Warn("skipping index member", zap.Error(err))
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ensureIndexed seeds ids past the watermark until at least n index entries
// score <= W, or the whole domain is indexed.
func (s *Store) ensureIndexed(ctx context.Context, n int64) error {
	w, err := s.watermark(ctx)
	if err != nil {
		return err
	}
	for w < s.cfg.MaxItems {
		covered, err := s.kv.ZCount(ctx, orderKey, float64(w))
		if err != nil {
			s.metrics.backendError("zcount")
			return fmt.Errorf("count indexed: %w", err)
		}
		if covered >= n {
			return nil
		}
		next := min(w+(n-covered), s.cfg.MaxItems)
		if err := s.seed(ctx, w, next); err != nil {
			return err
		}
		w = next
	}
	return nil
}

// seed adds index entries for ids in (from, to] at their default scores,
// leaving existing entries untouched, then raises the watermark to `to`.
func (s *Store) seed(ctx context.Context, from, to int64) error {
	for lo := from + 1; lo <= to; lo += s.cfg.SeedBatch {
		hi := min(lo+s.cfg.SeedBatch-1, to)
		batch := make([]kv.Z, 0, hi-lo+1)
		for id := lo; id <= hi; id++ {
			batch = append(batch, kv.Z{Member: s.member(id), Score: float64(id)})
		}
		if _, err := s.kv.ZAddNX(ctx, orderKey, batch...); err != nil {
			s.metrics.backendError("seed")
			return fmt.Errorf("seed %d..%d: %w", lo, hi, err)
		}
	}
	// Racing seeders may lower the watermark; ids 1..W stay indexed either way.
	if err := s.kv.Set(ctx, watermarkKey, strconv.FormatInt(to, 10), 0); err != nil {
		s.metrics.backendError("seed")
		return fmt.Errorf("store watermark: %w", err)
	}
	s.metrics.seeded.Add(float64(to - from))
	return nil
}

func (s *Store) watermark(ctx context.Context) (int64, error) {
	v, err := s.kv.Get(ctx, watermarkKey)
	if errors.Is(err, kv.ErrNil) {
		return 0, nil
	}
	if err != nil {
		s.metrics.backendError("watermark")
		return 0, fmt.Errorf("read watermark: %w", err)
	}
	w, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("watermark %q: %w", v, err)
	}
	return min(w, s.cfg.MaxItems), nil
}

// setScore repositions id. The record is materialized first so the hash
// never holds a lone order field; the hash and the index are then written
// one after the other, each last-writer-wins.
func (s *Store) setScore(ctx context.Context, id int64, score float64) error {
	if _, err := s.Resolve(ctx, id); err != nil {
		return err
	}
	if err := s.kv.HSet(ctx, itemKey(id), "order", formatScore(score)); err != nil {
		s.metrics.backendError("set_score")
		return fmt.Errorf("set order of %d: %w", id, err)
	}
	if err := s.kv.ZAdd(ctx, orderKey, kv.Z{Member: s.member(id), Score: score}); err != nil {
		s.metrics.backendError("set_score")
		return fmt.Errorf("reindex %d: %w", id, err)
	}
	return nil
}

// noteAbove records id in the above-watermark set when it was indexed past
// W, so scans can find it without probing every implicit id.
func (s *Store) noteAbove(ctx context.Context, id int64) error {
	w, err := s.watermark(ctx)
	if err != nil {
		return err
	}
	if id <= w {
		return nil
	}
	if err := s.kv.SAdd(ctx, aboveKey, s.member(id)); err != nil {
		s.metrics.backendError("index")
		return fmt.Errorf("note indexed item %d: %w", id, err)
	}
	return nil
}

// indexedAbove returns the ids above w that have index entries, read from
// the above-watermark set. ok is false when the set does not account for
// every such entry, e.g. after entries were written by another path or a
// write failed half way, and callers must look ids up in the index instead.
func (s *Store) indexedAbove(ctx context.Context, w, card int64) (present map[int64]bool, ok bool, err error) {
	members, err := s.kv.SMembers(ctx, aboveKey)
	if err != nil {
		s.metrics.backendError("scan")
		return nil, false, fmt.Errorf("read indexed ids above watermark: %w", err)
	}
	present = make(map[int64]bool, len(members))
	for _, m := range members {
		if id, err := parseMember(m); err == nil && id > w && id <= s.cfg.MaxItems {
			present[id] = true
		}
	}
	return present, int64(len(present)) == card-w, nil
}

// entry is one position of the logical order.
type entry struct {
	id    int64
	score float64
}

func (e entry) less(o entry) bool {
	if e.score != o.score {
		return e.score < o.score
	}
	return e.id < o.id
}

// scan walks the logical order ascending, calling fn until it returns false.
// It never writes: index entries are merged with the implicit ids above the
// watermark. The walk is not a snapshot; concurrent reorders may be seen
// partially.
func (s *Store) scan(ctx context.Context, fn func(id int64) bool) error {
	w, err := s.watermark(ctx)
	if err != nil {
		return err
	}
	card, err := s.kv.ZCard(ctx, orderKey)
	if err != nil {
		s.metrics.backendError("scan")
		return fmt.Errorf("index size: %w", err)
	}

	// Ids 1..W account for W entries. The rest are ids above W, normally all
	// listed in the above-watermark set; only when it falls short are
	// implicit ids looked up in the index one chunk at a time.
	implicit := &implicitStream{s: s, next: w + 1}
	if card != w {
		present, ok, err := s.indexedAbove(ctx, w, card)
		if err != nil {
			return err
		}
		if ok {
			implicit.present = present
		} else {
			s.logger.Debug("above-watermark set incomplete, looking ids up in index",
				zap.Int64("watermark", w),
				zap.Int64("indexed", card),
				zap.Int("listed", len(present)),
			)
			implicit.lookup = true
		}
	}
	indexed := &indexedStream{s: s}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		a, okA, err := indexed.peek(ctx)
		if err != nil {
			return err
		}
		b, okB, err := implicit.peek(ctx)
		if err != nil {
			return err
		}

		var e entry
		switch {
		case !okA && !okB:
			return nil
		case okA && (!okB || a.less(b)):
			e = a
			indexed.pop()
		default:
			e = b
			implicit.pop()
		}
		if !s.inDomain(e.id) {
			continue
		}
		if !fn(e.id) {
			return nil
		}
	}
}

// indexedStream yields index entries in rank order, a chunk at a time.
type indexedStream struct {
	s    *Store
	rank int64
	buf  []entry
	done bool
}

func (st *indexedStream) peek(ctx context.Context) (entry, bool, error) {
	if len(st.buf) == 0 && !st.done {
		chunk := st.s.cfg.ScanChunk
		zs, err := st.s.kv.ZRange(ctx, orderKey, st.rank, st.rank+chunk-1)
		if err != nil {
			st.s.metrics.backendError("scan")
			return entry{}, false, fmt.Errorf("scan index at %d: %w", st.rank, err)
		}
		st.rank += int64(len(zs))
		st.done = int64(len(zs)) < chunk
		for _, z := range zs {
			id, err := parseMember(z.Member)
			if err != nil {
				continue
			}
			st.buf = append(st.buf, entry{id: id, score: z.Score})
		}
	}
	if len(st.buf) == 0 {
		return entry{}, false, nil
	}
	return st.buf[0], true, nil
}

func (st *indexedStream) pop() { st.buf = st.buf[1:] }

// implicitStream yields ids above the watermark that have no index entry,
// each scored by its own id. Indexed ids are skipped using present, or by
// probing the index when lookup is set.
type implicitStream struct {
	s       *Store
	next    int64
	present map[int64]bool
	lookup  bool
	buf     []entry
}

func (st *implicitStream) peek(ctx context.Context) (entry, bool, error) {
	for len(st.buf) == 0 && st.next <= st.s.cfg.MaxItems {
		hi := min(st.next+st.s.cfg.ScanChunk-1, st.s.cfg.MaxItems)

		present := st.present
		if st.lookup {
			members := make([]string, 0, hi-st.next+1)
			for id := st.next; id <= hi; id++ {
				members = append(members, st.s.member(id))
			}
			zs, err := st.s.kv.ZScores(ctx, orderKey, members)
			if err != nil {
				st.s.metrics.backendError("scan")
				return entry{}, false, fmt.Errorf("scan implicit ids at %d: %w", st.next, err)
			}
			present = make(map[int64]bool, len(zs))
			for _, z := range zs {
				if id, err := parseMember(z.Member); err == nil {
					present[id] = true
				}
			}
		}
		for id := st.next; id <= hi; id++ {
			if !present[id] {
				st.buf = append(st.buf, entry{id: id, score: float64(id)})
			}
		}
		st.next = hi + 1
	}
	if len(st.buf) == 0 {
		return entry{}, false, nil
	}
	return st.buf[0], true, nil
}

func (st *implicitStream) pop() { st.buf = st.buf[1:] }
