package items

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/HerbHall/orderlist/internal/kv"
	"github.com/HerbHall/orderlist/internal/testutil"
)

func TestNormalizeListOptions(t *testing.T) {
	tests := []struct {
		name string
		in   ListOptions
		want ListOptions
	}{
		{"defaults", ListOptions{}, ListOptions{Page: 1, Limit: 20}},
		{"negative page", ListOptions{Page: -3, Limit: 5}, ListOptions{Page: 1, Limit: 5}},
		{"limit capped", ListOptions{Page: 2, Limit: 5000}, ListOptions{Page: 2, Limit: 1000}},
		{"search trimmed", ListOptions{Page: 1, Limit: 5, Search: "  12 "}, ListOptions{Page: 1, Limit: 5, Search: "12"}},
		{"blank search", ListOptions{Page: 1, Limit: 5, Search: " \t"}, ListOptions{Page: 1, Limit: 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := normalizeListOptions(tt.in); got != tt.want {
				t.Errorf("normalizeListOptions(%+v) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestList_PagesCoverDomain(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	var all []int64
	for p := 1; p <= 8; p++ {
		page, err := s.List(ctx, ListOptions{Page: p, Limit: 7})
		if err != nil {
			t.Fatalf("List page %d: %v", p, err)
		}
		if page.Total != 50 || page.TotalPages != 8 {
			t.Errorf("page %d: total=%d totalPages=%d, want 50/8", p, page.Total, page.TotalPages)
		}
		if page.Page != p || page.Limit != 7 {
			t.Errorf("page %d echoed page=%d limit=%d", p, page.Page, page.Limit)
		}
		all = append(all, testutil.IDs(page.Items)...)
	}
	if !equalIDs(all, seq(1, 50)) {
		t.Errorf("pages concatenated = %v, want 1..50", all)
	}

	if ids := listIDs(t, s, ListOptions{Page: 9, Limit: 7}); len(ids) != 0 {
		t.Errorf("page past the end = %v, want empty", ids)
	}
}

func TestList_DeepPageExtendsWatermark(t *testing.T) {
	s, b := setupStore(t)
	ctx := context.Background()

	if ids := listIDs(t, s, ListOptions{Page: 3, Limit: 10}); !equalIDs(ids, seq(21, 30)) {
		t.Fatalf("page 3 = %v, want 21..30", ids)
	}
	w, err := s.watermark(ctx)
	if err != nil {
		t.Fatalf("watermark: %v", err)
	}
	if w != 30 {
		t.Errorf("watermark = %d, want 30", w)
	}
	card, _ := b.ZCard(ctx, orderKey)
	if card != 30 {
		t.Errorf("index size = %d, want 30", card)
	}
}

func TestList_SearchSubstring(t *testing.T) {
	s, b := setupStore(t)
	ctx := context.Background()

	// Values containing "3" in 1..50: 3 13 23 30..39 43.
	page, err := s.List(ctx, ListOptions{Page: 1, Limit: 5, Search: "3"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if got := testutil.IDs(page.Items); !equalIDs(got, []int64{3, 13, 23, 30, 31}) {
		t.Errorf("page 1 = %v", got)
	}
	if page.Total != 14 || page.TotalPages != 3 {
		t.Errorf("total=%d totalPages=%d, want 14/3", page.Total, page.TotalPages)
	}

	if got := listIDs(t, s, ListOptions{Page: 3, Limit: 5, Search: "3"}); !equalIDs(got, []int64{37, 38, 39, 43}) {
		t.Errorf("page 3 = %v, want [37 38 39 43]", got)
	}

	// Scanning past an id does not materialize it.
	if ok, _ := b.Exists(ctx, itemKey(36)); ok {
		t.Error("search materialized an id outside the returned pages")
	}

	if got := listIDs(t, s, ListOptions{Page: 1, Limit: 5, Search: "xyz"}); len(got) != 0 {
		t.Errorf("no-match search = %v, want empty", got)
	}
}

func TestList_SearchStopsAtCap(t *testing.T) {
	s, _ := setupStore(t)

	if got := s.SearchCap(2, 3); got != 12 {
		t.Fatalf("SearchCap(2, 3) = %d, want 12", got)
	}
	// Values containing "1": 1 10..19 21 31 41. The scan stops after 12
	// matches, which still covers page 2.
	got := listIDs(t, s, ListOptions{Page: 2, Limit: 3, Search: "1"})
	if !equalIDs(got, []int64{12, 13, 14}) {
		t.Errorf("page 2 of search 1 = %v, want [12 13 14]", got)
	}
}

func TestList_SearchFollowsMovedItems(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	// 40 and 41 sit above the seeded watermark; moving them gives them
	// index entries with low scores.
	if _, err := s.Move(ctx, 1, 0, testutil.NewItems(40, 41)); err != nil {
		t.Fatalf("Move: %v", err)
	}

	if got := listIDs(t, s, ListOptions{Page: 1, Limit: 4}); !equalIDs(got, []int64{1, 41, 2, 40}) {
		t.Errorf("first page = %v, want [1 41 2 40]", got)
	}

	page, err := s.List(ctx, ListOptions{Page: 1, Limit: 3, Search: "4"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if got := testutil.IDs(page.Items); !equalIDs(got, []int64{41, 40, 4}) {
		t.Errorf("search page = %v, want [41 40 4]", got)
	}
	// 4 14 24 34 40..49
	if page.Total != 14 {
		t.Errorf("total = %d, want 14", page.Total)
	}

	all := listIDs(t, s, ListOptions{Page: 1, Limit: 20, Search: "4"})
	want := []int64{41, 40, 4, 14, 24, 34, 42, 43, 44, 45, 46, 47, 48, 49}
	if !equalIDs(all, want) {
		t.Errorf("full search = %v, want %v", all, want)
	}
}

func TestTotalCount(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	tests := []struct {
		search string
		want   int64
	}{
		{"", 50},
		{"  ", 50},
		{"5", 6}, // 5 15 25 35 45 50
		{"50", 1},
		{"99", 0},
	}
	for _, tt := range tests {
		got, err := s.TotalCount(ctx, tt.search)
		if err != nil {
			t.Fatalf("TotalCount(%q): %v", tt.search, err)
		}
		if got != tt.want {
			t.Errorf("TotalCount(%q) = %d, want %d", tt.search, got, tt.want)
		}
	}
}

func TestList_CachedUntilMutation(t *testing.T) {
	s, b := setupStore(t)
	ctx := context.Background()

	if got := listIDs(t, s, ListOptions{Page: 1, Limit: 5}); !equalIDs(got, seq(1, 5)) {
		t.Fatalf("first page = %v", got)
	}
	if ok, _ := b.Exists(ctx, "items:page:1:limit:5:search:"); !ok {
		t.Fatal("page was not cached")
	}

	// Reorder behind the store's back: the cached page still wins.
	if err := b.ZAdd(ctx, orderKey, kv.Z{Member: s.member(50), Score: 0}); err != nil {
		t.Fatalf("ZAdd: %v", err)
	}
	if got := listIDs(t, s, ListOptions{Page: 1, Limit: 5}); !equalIDs(got, seq(1, 5)) {
		t.Errorf("cached page = %v, want 1..5", got)
	}

	// A failed mutation does not invalidate.
	if _, err := s.ToggleSelection(ctx, 999); err == nil {
		t.Fatal("ToggleSelection(999) should fail")
	}
	if ok, _ := b.Exists(ctx, "items:page:1:limit:5:search:"); !ok {
		t.Error("failed toggle purged the cache")
	}

	if _, err := s.ToggleSelection(ctx, 2); err != nil {
		t.Fatalf("ToggleSelection: %v", err)
	}
	page, err := s.List(ctx, ListOptions{Page: 1, Limit: 5})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if got := testutil.IDs(page.Items); !equalIDs(got, []int64{50, 1, 2, 3, 4}) {
		t.Errorf("page after toggle = %v, want [50 1 2 3 4]", got)
	}
	if !page.Items[2].Selected {
		t.Error("item 2 should show as selected after invalidation")
	}
}

func TestList_CacheExpires(t *testing.T) {
	clock := testutil.NewClock()
	b := testutil.NewBackend(t, kv.WithClock(clock.Now))
	s := newTestStore(t, b, testConfig())
	ctx := context.Background()

	listIDs(t, s, ListOptions{Page: 1, Limit: 3})
	if err := b.ZAdd(ctx, orderKey, kv.Z{Member: s.member(9), Score: 0}); err != nil {
		t.Fatalf("ZAdd: %v", err)
	}

	clock.Advance(30 * time.Second)
	if got := listIDs(t, s, ListOptions{Page: 1, Limit: 3}); !equalIDs(got, []int64{1, 2, 3}) {
		t.Errorf("before expiry = %v, want cached [1 2 3]", got)
	}

	clock.Advance(31 * time.Second)
	if got := listIDs(t, s, ListOptions{Page: 1, Limit: 3}); !equalIDs(got, []int64{9, 1, 2}) {
		t.Errorf("after expiry = %v, want [9 1 2]", got)
	}
}

func TestList_GenerationInvalidation(t *testing.T) {
	b := testutil.NewBackend(t)
	cfg := testConfig()
	cfg.Invalidation = InvalidateGeneration
	s := newTestStore(t, b, cfg)
	ctx := context.Background()

	listIDs(t, s, ListOptions{Page: 1, Limit: 3})
	if ok, _ := b.Exists(ctx, "items:page:g0:1:limit:3:search:"); !ok {
		t.Fatal("page not cached under generation 0")
	}
	if err := b.ZAdd(ctx, orderKey, kv.Z{Member: s.member(8), Score: 0}); err != nil {
		t.Fatalf("ZAdd: %v", err)
	}
	if got := listIDs(t, s, ListOptions{Page: 1, Limit: 3}); !equalIDs(got, []int64{1, 2, 3}) {
		t.Errorf("cached page = %v", got)
	}

	if _, err := s.UpdateOrder(ctx, 30, 100); err != nil {
		t.Fatalf("UpdateOrder: %v", err)
	}
	gen, err := b.Get(ctx, generationKey)
	if err != nil || gen != "1" {
		t.Fatalf("generation = %q (err %v), want 1", gen, err)
	}
	if got := listIDs(t, s, ListOptions{Page: 1, Limit: 3}); !equalIDs(got, []int64{8, 1, 2}) {
		t.Errorf("page after invalidation = %v, want [8 1 2]", got)
	}
	// The old entry is unreachable but left to expire.
	if ok, _ := b.Exists(ctx, "items:page:g0:1:limit:3:search:"); !ok {
		t.Error("generation strategy should not delete old entries")
	}
}

func TestList_UnavailableDegrades(t *testing.T) {
	s, b := setupStore(t)
	ctx := context.Background()
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	page, err := s.List(ctx, ListOptions{Page: 2, Limit: 10, Search: "1"})
	if err != nil {
		t.Fatalf("List should degrade, got %v", err)
	}
	if len(page.Items) != 0 || page.Total != 0 || page.TotalPages != 0 {
		t.Errorf("degraded page = %+v, want empty", page)
	}
	if page.Page != 2 || page.Limit != 10 {
		t.Errorf("degraded page echoed page=%d limit=%d", page.Page, page.Limit)
	}

	if n, err := s.TotalCount(ctx, ""); err != nil || n != 0 {
		t.Errorf("TotalCount = %d, %v; want 0, nil", n, err)
	}
}

func TestList_HugePageIsEmpty(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		opts      ListOptions
		wantTotal int64
	}{
		{"search", ListOptions{Page: 1<<61 + 1, Limit: 2, Search: "1"}, 14},
		{"search max page", ListOptions{Page: math.MaxInt, Limit: 1000, Search: "1"}, 14},
		{"plain", ListOptions{Page: 1<<62 + 1, Limit: 4}, 50},
		{"plain max page", ListOptions{Page: math.MaxInt, Limit: 1000}, 50},
		{"one past last", ListOptions{Page: 14, Limit: 4}, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := s.List(ctx, tt.opts)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if page.Items == nil || len(page.Items) != 0 {
				t.Errorf("items = %v, want empty", testutil.IDs(page.Items))
			}
			if page.Total != tt.wantTotal {
				t.Errorf("total = %d, want %d", page.Total, tt.wantTotal)
			}
			if page.Page != tt.opts.Page {
				t.Errorf("page = %d, want %d", page.Page, tt.opts.Page)
			}
		})
	}

	if got := listIDs(t, s, ListOptions{Page: 13, Limit: 4}); !equalIDs(got, []int64{49, 50}) {
		t.Errorf("last page = %v, want [49 50]", got)
	}
}

func TestSearchCap_Saturates(t *testing.T) {
	s, _ := setupStore(t)

	tests := []struct {
		page, limit, want int
	}{
		{2, 3, 12},
		{30, 1000, 50},
		{math.MaxInt, 1000, 50},
		{math.MaxInt / 2, math.MaxInt / 2, 50},
		{0, 5, 0},
		{1, -1, 0},
	}
	for _, tt := range tests {
		if got := s.SearchCap(tt.page, tt.limit); got != tt.want {
			t.Errorf("SearchCap(%d, %d) = %d, want %d", tt.page, tt.limit, got, tt.want)
		}
	}
}

func TestList_FillRacedByInvalidationIsDropped(t *testing.T) {
	h := &hookedBackend{Backend: testutil.NewBackend(t)}
	s := newTestStore(t, h, testConfig())
	ctx := context.Background()
	key := "items:page:1:limit:5:search:"

	// The toggle lands after the page is computed but before it is cached,
	// so the purge runs ahead of the write.
	h.hookSetOnce(func(k string) bool { return k == key }, func() {
		if _, err := s.ToggleSelection(ctx, 2); err != nil {
			t.Errorf("ToggleSelection: %v", err)
		}
	})

	page, err := s.List(ctx, ListOptions{Page: 1, Limit: 5})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if page.Items[1].Selected {
		t.Fatal("first listing should predate the toggle")
	}
	if ok, _ := h.Exists(ctx, key); ok {
		t.Error("page computed before the toggle is still cached")
	}

	page, err = s.List(ctx, ListOptions{Page: 1, Limit: 5})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if !page.Items[1].Selected {
		t.Error("item 2 should show as selected")
	}
}

func TestScan_IndexedAboveWatermark(t *testing.T) {
	h := &hookedBackend{Backend: testutil.NewBackend(t)}
	s := newTestStore(t, h, testConfig())
	ctx := context.Background()

	// Both ids sit above the seeded watermark of 10.
	if _, err := s.Resolve(ctx, 44); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := s.UpdateOrder(ctx, 47, 0.5); err != nil {
		t.Fatalf("UpdateOrder: %v", err)
	}
	members, err := h.SMembers(ctx, aboveKey)
	if err != nil {
		t.Fatalf("SMembers: %v", err)
	}
	if len(members) != 2 {
		t.Errorf("above-watermark set = %v, want 44 and 47", members)
	}

	got := listIDs(t, s, ListOptions{Page: 1, Limit: 20, Search: "4"})
	want := []int64{47, 4, 14, 24, 34, 40, 41, 42, 43, 44, 45, 46, 48, 49}
	if !equalIDs(got, want) {
		t.Errorf("search = %v, want %v", got, want)
	}
	if n := h.zscores.Load(); n != 0 {
		t.Errorf("scan ran %d ZScores lookups, want 0", n)
	}

	// An entry written around the store is not in the set; the scan falls
	// back to index lookups and still places it. 35 was never materialized.
	if err := h.ZAdd(ctx, orderKey, kv.Z{Member: s.member(35), Score: 0}); err != nil {
		t.Fatalf("ZAdd: %v", err)
	}
	got = listIDs(t, s, ListOptions{Page: 1, Limit: 20, Search: "5"})
	if want := []int64{35, 5, 15, 25, 45, 50}; !equalIDs(got, want) {
		t.Errorf("search = %v, want %v", got, want)
	}
	if h.zscores.Load() == 0 {
		t.Error("scan should look ids up in the index when the set is incomplete")
	}
}
