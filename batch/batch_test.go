package batch

import (
	"testing"

	"github.com/julea-io/julea-go/semantics"
)

// TestGroupingRuns drives spec §8 testable property 6: executing
// [A, A, B, A] invokes A's exec twice (once with a 2-element run, once
// with 1) and B's exec once.
func TestGroupingRuns(t *testing.T) {
	keyA, keyB := new(int), new(int)
	var runs [][]int // lengths per dispatch, tagged by key

	execA := func(ops []*Operation, _ semantics.Semantics) bool {
		runs = append(runs, []int{1, len(ops)})
		return true
	}
	execB := func(ops []*Operation, _ semantics.Semantics) bool {
		runs = append(runs, []int{2, len(ops)})
		return true
	}

	b := New(semantics.Default())
	b.Add(&Operation{Key: keyA, Exec: execA})
	b.Add(&Operation{Key: keyA, Exec: execA})
	b.Add(&Operation{Key: keyB, Exec: execB})
	b.Add(&Operation{Key: keyA, Exec: execA})

	if !b.Execute() {
		t.Fatalf("Execute returned false")
	}
	want := [][]int{{1, 2}, {2, 1}, {1, 1}}
	if len(runs) != len(want) {
		t.Fatalf("got %d dispatches, want %d: %v", len(runs), len(want), runs)
	}
	for i := range want {
		if runs[i][0] != want[i][0] || runs[i][1] != want[i][1] {
			t.Fatalf("dispatch %d = %v, want %v", i, runs[i], want[i])
		}
	}
}

// TestSameKeyDifferentExec: a shared key does not merge runs when the
// exec function differs.
func TestSameKeyDifferentExec(t *testing.T) {
	key := new(int)
	var calls int
	e1 := func(ops []*Operation, _ semantics.Semantics) bool { calls++; return true }
	e2 := func(ops []*Operation, _ semantics.Semantics) bool { calls++; return true }

	b := New(semantics.Default())
	b.Add(&Operation{Key: key, Exec: e1})
	b.Add(&Operation{Key: key, Exec: e2})
	b.Execute()
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

// TestAggregateAndFree: the result is the AND of all run results, and
// every operation's free fn runs exactly once regardless of outcome.
func TestAggregateAndFree(t *testing.T) {
	key1, key2 := new(int), new(int)
	freed := 0
	free := func(any) { freed++ }

	ok := func(ops []*Operation, _ semantics.Semantics) bool { return true }
	fail := func(ops []*Operation, _ semantics.Semantics) bool { return false }

	b := New(semantics.Default())
	b.Add(&Operation{Key: key1, Exec: ok, Free: free})
	b.Add(&Operation{Key: key2, Exec: fail, Free: free})
	if b.Execute() {
		t.Fatalf("Execute = true, want false (one run failed)")
	}
	if freed != 2 {
		t.Fatalf("freed %d operations, want 2", freed)
	}
}

func TestEmptyBatch(t *testing.T) {
	b := New(semantics.Default())
	if !b.Execute() {
		t.Fatalf("empty batch must succeed")
	}
}
