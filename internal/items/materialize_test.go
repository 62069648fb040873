package items

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/HerbHall/orderlist/internal/testutil"
	"github.com/HerbHall/orderlist/pkg/models"
)

func TestResolve_MaterializesCanonicalRecord(t *testing.T) {
	s, b := setupStore(t)
	ctx := context.Background()

	ok, err := b.Exists(ctx, itemKey(37))
	if err != nil || ok {
		t.Fatalf("item:37 exists before first reference (ok=%v, err=%v)", ok, err)
	}

	first, err := s.Resolve(ctx, 37)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if want := testutil.NewItem(37); first != want {
		t.Errorf("Resolve(37) = %+v, want %+v", first, want)
	}

	second, err := s.Resolve(ctx, 37)
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if second != first {
		t.Errorf("second Resolve = %+v, want %+v", second, first)
	}

	zs, err := b.ZScores(ctx, orderKey, []string{s.member(37)})
	if err != nil {
		t.Fatalf("ZScores: %v", err)
	}
	if len(zs) != 1 || zs[0].Score != 37 {
		t.Errorf("index entry for 37 = %+v, want score 37", zs)
	}
}

func TestResolve_ReturnsStoredRecord(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	if _, err := s.ToggleSelection(ctx, 4); err != nil {
		t.Fatalf("ToggleSelection: %v", err)
	}
	got, err := s.Resolve(ctx, 4)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if want := testutil.NewItem(4, testutil.WithSelected(true)); got != want {
		t.Errorf("Resolve(4) = %+v, want %+v", got, want)
	}
}

func TestResolve_OutOfRange(t *testing.T) {
	s, b := setupStore(t)
	ctx := context.Background()

	for _, id := range []int64{0, -1, 51} {
		_, err := s.Resolve(ctx, id)
		if !errors.Is(err, ErrOutOfRange) {
			t.Errorf("Resolve(%d) error = %v, want ErrOutOfRange", id, err)
		}
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Resolve(%d) error should also match ErrNotFound", id)
		}
		if ok, _ := b.Exists(ctx, itemKey(id)); ok {
			t.Errorf("Resolve(%d) wrote a record", id)
		}
	}
}

func TestResolve_CustomValueFunc(t *testing.T) {
	b := testutil.NewBackend(t)
	s := newTestStore(t, b, testConfig(), WithValueFunc(func(id int64) int64 { return id * 10 }))

	it, err := s.Resolve(context.Background(), 7)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if it.Value != 70 {
		t.Errorf("Value = %d, want 70", it.Value)
	}
}

func TestResolve_ConcurrentCreatorsConverge(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := newTestStore(t, testutil.NewBackend(t), testConfig(), WithRegisterer(reg))
	ctx := context.Background()

	const n = 8
	results := make([]models.Item, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			it, err := s.Resolve(ctx, 44)
			if err != nil {
				t.Errorf("Resolve: %v", err)
			}
			results[i] = it
		}(i)
	}
	wg.Wait()

	for i, it := range results {
		if it != testutil.NewItem(44) {
			t.Errorf("results[%d] = %+v", i, it)
		}
	}
	if got := promtest.ToFloat64(s.metrics.materialized); got != 1 {
		t.Errorf("materialized = %v, want 1", got)
	}
}

func TestNew_SharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	b := testutil.NewBackend(t)
	a := newTestStore(t, b, testConfig(), WithRegisterer(reg))
	c := newTestStore(t, b, testConfig(), WithRegisterer(reg))

	if _, err := a.Resolve(context.Background(), 20); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := c.Resolve(context.Background(), 21); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := promtest.ToFloat64(c.metrics.materialized); got != 2 {
		t.Errorf("materialized = %v, want 2 across stores sharing a registry", got)
	}
}
