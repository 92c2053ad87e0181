package book

import (
	"math/rand"
	"sort"
	"testing"
)

func TestTreeUpsertIsIdempotent(t *testing.T) {
	tr := NewRBTree()
	a := tr.UpsertLevel(100)
	b := tr.UpsertLevel(100)
	if a != b {
		t.Fatal("upsert of an existing price must return the same level")
	}
	if tr.Size() != 1 {
		t.Fatalf("size = %d, want 1", tr.Size())
	}
}

func TestTreeMinMax(t *testing.T) {
	tr := NewRBTree()
	if tr.MinLevel() != nil || tr.MaxLevel() != nil {
		t.Fatal("empty tree has no min/max")
	}
	for _, p := range []int64{50, 10, 90, 30, 70} {
		tr.UpsertLevel(p)
	}
	if tr.MinLevel().Price != 10 {
		t.Errorf("min = %d, want 10", tr.MinLevel().Price)
	}
	if tr.MaxLevel().Price != 90 {
		t.Errorf("max = %d, want 90", tr.MaxLevel().Price)
	}
}

func TestTreeOrderedIteration(t *testing.T) {
	tr := NewRBTree()
	rng := rand.New(rand.NewSource(42))
	want := make([]int64, 0, 200)
	seen := map[int64]bool{}
	for i := 0; i < 200; i++ {
		p := int64(rng.Intn(1000))
		if !seen[p] {
			seen[p] = true
			want = append(want, p)
		}
		tr.UpsertLevel(p)
	}
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })

	var asc []int64
	tr.ForEachAscending(func(lvl *PriceLevel) bool {
		asc = append(asc, lvl.Price)
		return true
	})
	if len(asc) != len(want) {
		t.Fatalf("visited %d levels, want %d", len(asc), len(want))
	}
	for i := range want {
		if asc[i] != want[i] {
			t.Fatalf("ascending order broken at %d: got %d want %d", i, asc[i], want[i])
		}
	}

	var desc []int64
	tr.ForEachDescending(func(lvl *PriceLevel) bool {
		desc = append(desc, lvl.Price)
		return true
	})
	for i := range want {
		if desc[i] != want[len(want)-1-i] {
			t.Fatalf("descending order broken at %d", i)
		}
	}
}

func TestTreeDeleteRandomized(t *testing.T) {
	tr := NewRBTree()
	rng := rand.New(rand.NewSource(7))
	prices := rng.Perm(500)
	for _, p := range prices {
		tr.UpsertLevel(int64(p))
	}

	// Delete every other price, then verify lookups and ordering survive.
	for i, p := range prices {
		if i%2 == 0 {
			tr.DeleteLevel(int64(p))
		}
	}
	if tr.Size() != 250 {
		t.Fatalf("size = %d, want 250", tr.Size())
	}
	for i, p := range prices {
		lvl := tr.FindLevel(int64(p))
		if i%2 == 0 && lvl != nil {
			t.Fatalf("price %d should be deleted", p)
		}
		if i%2 == 1 && (lvl == nil || lvl.Price != int64(p)) {
			t.Fatalf("price %d should be present", p)
		}
	}

	prev := int64(-1)
	tr.ForEachAscending(func(lvl *PriceLevel) bool {
		if lvl.Price <= prev {
			t.Fatalf("ordering broken: %d after %d", lvl.Price, prev)
		}
		prev = lvl.Price
		return true
	})
}

func TestTreeDeleteMissingIsNoop(t *testing.T) {
	tr := NewRBTree()
	tr.UpsertLevel(100)
	tr.DeleteLevel(200)
	if tr.Size() != 1 || tr.FindLevel(100) == nil {
		t.Fatal("deleting an absent price must not disturb the tree")
	}
}

func TestTreeIterationStops(t *testing.T) {
	tr := NewRBTree()
	for p := int64(1); p <= 10; p++ {
		tr.UpsertLevel(p)
	}
	n := 0
	tr.ForEachAscending(func(lvl *PriceLevel) bool {
		n++
		return n < 3
	})
	if n != 3 {
		t.Fatalf("iteration should stop at 3, made %d visits", n)
	}
}
