package clock

import "testing"

func TestIncrementIsImmutable(t *testing.T) {
	base := New()
	next := base.Increment("p1")

	if base.Get("p1") != 0 {
		t.Fatal("Increment mutated the receiver")
	}
	if next.Get("p1") != 1 {
		t.Fatalf("expected p1=1, got %d", next.Get("p1"))
	}
}

func TestMergeIsPointwiseMax(t *testing.T) {
	a := FromMap(map[string]uint64{"p1": 3, "p2": 1})
	b := FromMap(map[string]uint64{"p1": 1, "p2": 5, "p3": 2})

	merged := a.Merge(b)

	if merged.Get("p1") != 3 || merged.Get("p2") != 5 || merged.Get("p3") != 2 {
		t.Fatalf("unexpected merge result: %+v", merged.Map())
	}
}

func TestMergeIsCommutativeAssociativeIdempotent(t *testing.T) {
	a := FromMap(map[string]uint64{"p1": 3, "p2": 1})
	b := FromMap(map[string]uint64{"p1": 1, "p2": 5})
	c := FromMap(map[string]uint64{"p3": 7})

	if !a.Merge(b).Equal(b.Merge(a)) {
		t.Fatal("merge is not commutative")
	}
	if !a.Merge(b).Merge(c).Equal(a.Merge(b.Merge(c))) {
		t.Fatal("merge is not associative")
	}
	if !a.Merge(a).Equal(a) {
		t.Fatal("merge is not idempotent")
	}
}

func TestIsBeforeStrictPartialOrder(t *testing.T) {
	a := FromMap(map[string]uint64{"p1": 1})
	b := FromMap(map[string]uint64{"p1": 2})
	c := FromMap(map[string]uint64{"p1": 3})

	if !a.IsBefore(b) {
		t.Fatal("expected a before b")
	}
	if a.IsBefore(a) {
		t.Fatal("IsBefore must be irreflexive")
	}
	if !(a.IsBefore(b) && b.IsBefore(c)) || !a.IsBefore(c) {
		t.Fatal("IsBefore must be transitive")
	}
}

func TestConcurrentClocksNeitherBefore(t *testing.T) {
	a := FromMap(map[string]uint64{"p1": 2, "p2": 0})
	b := FromMap(map[string]uint64{"p1": 0, "p2": 2})

	if !a.IsConcurrent(b) {
		t.Fatal("expected a and b to be concurrent")
	}
	if a.IsBefore(b) || b.IsBefore(a) {
		t.Fatal("concurrent clocks must not satisfy IsBefore either way")
	}
}

func TestEqualityIgnoresZeroEntries(t *testing.T) {
	a := FromMap(map[string]uint64{"p1": 0})
	b := New()

	if !a.Equal(b) {
		t.Fatal("a zero-valued entry must hash/compare equal to an absent one")
	}
}

func TestIsAfterIsInverseOfIsBefore(t *testing.T) {
	a := FromMap(map[string]uint64{"p1": 1})
	b := FromMap(map[string]uint64{"p1": 2})

	if !b.IsAfter(a) {
		t.Fatal("expected b after a")
	}
}

func TestDominates(t *testing.T) {
	winner := FromMap(map[string]uint64{"p1": 3, "p2": 3})
	loserA := FromMap(map[string]uint64{"p1": 1, "p2": 1})
	loserB := FromMap(map[string]uint64{"p1": 2, "p2": 2})

	if !Dominates(winner, []VectorClock{loserA, loserB}) {
		t.Fatal("expected winner to dominate both losers")
	}

	concurrent := FromMap(map[string]uint64{"p1": 5, "p2": 0})
	if Dominates(winner, []VectorClock{loserA, concurrent}) {
		t.Fatal("winner should not dominate a concurrent clock")
	}

	if Dominates(winner, nil) {
		t.Fatal("Dominates over an empty set must be false")
	}
}
