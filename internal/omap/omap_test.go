package omap

import (
	"math/rand"
	"sort"
	"sync"
	"testing"

	stm "github.com/stampbench/vacation"
)

func TestInsertFindContains(t *testing.T) {
	tree := New[string]()
	stm.Atomically(func(txn *stm.Txn) {
		ok, err := tree.Insert(txn, 10, "ten")
		if err != nil || !ok {
			t.Fatalf("insert 10: ok=%v err=%v", ok, err)
		}
		ok, err = tree.Insert(txn, 5, "five")
		if err != nil || !ok {
			t.Fatalf("insert 5: ok=%v err=%v", ok, err)
		}
		ok, err = tree.Insert(txn, 10, "TEN-again")
		if err != nil || ok {
			t.Fatalf("duplicate insert should fail: ok=%v err=%v", ok, err)
		}
	})

	stm.AtomicallyReadOnly(func(txn *stm.Txn) {
		v, found, err := tree.Find(txn, 10)
		if err != nil || !found || v != "ten" {
			t.Fatalf("find 10: v=%q found=%v err=%v", v, found, err)
		}
		found, err = tree.Contains(txn, 999)
		if err != nil || found {
			t.Fatalf("contains 999 should be false")
		}
	})
}

func TestUpdateAndRemove(t *testing.T) {
	tree := New[int]()
	stm.Atomically(func(txn *stm.Txn) {
		tree.Insert(txn, 1, 100)
	})

	stm.Atomically(func(txn *stm.Txn) {
		ok, err := tree.Update(txn, 1, 200)
		if err != nil || !ok {
			t.Fatalf("update existing key: ok=%v err=%v", ok, err)
		}
		ok, err = tree.Update(txn, 2, 999)
		if err != nil || ok {
			t.Fatalf("update missing key should fail")
		}
	})

	stm.AtomicallyReadOnly(func(txn *stm.Txn) {
		v, found, _ := tree.Find(txn, 1)
		if !found || v != 200 {
			t.Fatalf("expected updated value 200, got %d found=%v", v, found)
		}
	})

	stm.Atomically(func(txn *stm.Txn) {
		ok, err := tree.Remove(txn, 1)
		if err != nil || !ok {
			t.Fatalf("remove existing key: ok=%v err=%v", ok, err)
		}
		ok, err = tree.Remove(txn, 1)
		if err != nil || ok {
			t.Fatalf("remove already-removed key should fail")
		}
	})

	stm.AtomicallyReadOnly(func(txn *stm.Txn) {
		found, _ := tree.Contains(txn, 1)
		if found {
			t.Fatal("expected key 1 to be gone")
		}
	})
}

func TestAscendIsInOrder(t *testing.T) {
	tree := New[int]()
	keys := []int64{50, 10, 90, 30, 70, 20, 60, 40, 80, 5}
	stm.Atomically(func(txn *stm.Txn) {
		for _, k := range keys {
			tree.Insert(txn, k, int(k)*2)
		}
	})

	var seen []int64
	stm.AtomicallyReadOnly(func(txn *stm.Txn) {
		err := tree.Ascend(txn, func(key int64, val int) (bool, error) {
			if int64(val) != key*2 {
				t.Fatalf("key %d has mismatched value %d", key, val)
			}
			seen = append(seen, key)
			return true, nil
		})
		if err != nil {
			t.Fatalf("ascend: %v", err)
		}
	})

	sorted := append([]int64(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	if len(seen) != len(sorted) {
		t.Fatalf("expected %d keys visited, got %d", len(sorted), len(seen))
	}
	for i := range sorted {
		if seen[i] != sorted[i] {
			t.Fatalf("ascend order mismatch at %d: want %d got %d", i, sorted[i], seen[i])
		}
	}
}

func TestAscendEarlyStop(t *testing.T) {
	tree := New[int]()
	stm.Atomically(func(txn *stm.Txn) {
		for i := int64(0); i < 20; i++ {
			tree.Insert(txn, i, int(i))
		}
	})

	count := 0
	stm.AtomicallyReadOnly(func(txn *stm.Txn) {
		tree.Ascend(txn, func(key int64, val int) (bool, error) {
			count++
			return key < 5, nil
		})
	})
	if count != 6 {
		t.Fatalf("expected visitor to stop after 6 calls, got %d", count)
	}
}

// TestConcurrentInsertRemove stresses the tree with many goroutines
// racing Insert/Remove over an overlapping key range, the same style
// of stress test the underlying STM package uses for its own Vars.
func TestConcurrentInsertRemove(t *testing.T) {
	tree := New[int]()
	const goroutines = 8
	const perGoroutine = 200

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for i := 0; i < perGoroutine; i++ {
				key := int64(r.Intn(50))
				stm.Atomically(func(txn *stm.Txn) {
					if r.Intn(2) == 0 {
						tree.Insert(txn, key, int(key))
					} else {
						tree.Remove(txn, key)
					}
				})
			}
		}(int64(g))
	}
	wg.Wait()

	// Whatever the final membership is, every present key must map to
	// itself and an in-order Ascend must still produce sorted output —
	// the tree's own invariants, not the race outcome, are under test.
	var last int64 = -1
	first := true
	stm.AtomicallyReadOnly(func(txn *stm.Txn) {
		tree.Ascend(txn, func(key int64, val int) (bool, error) {
			if int64(val) != key {
				t.Fatalf("key %d has wrong value %d", key, val)
			}
			if !first && key <= last {
				t.Fatalf("ascend order violated: %d after %d", key, last)
			}
			first = false
			last = key
			return true, nil
		})
	})
}

func TestParentOfReflectsStructure(t *testing.T) {
	tree := New[int]()
	stm.Atomically(func(txn *stm.Txn) {
		for _, k := range []int64{50, 25, 75, 10, 30} {
			tree.Insert(txn, k, int(k))
		}
	})

	stm.AtomicallyReadOnly(func(txn *stm.Txn) {
		_, ok, err := tree.ParentOf(txn, 50)
		if err != nil {
			t.Fatalf("ParentOf(50): %v", err)
		}
		if ok {
			t.Fatal("root must report no parent")
		}

		wantParent := map[int64]int64{25: 50, 75: 50, 10: 25, 30: 25}
		for k, want := range wantParent {
			parent, ok, err := tree.ParentOf(txn, k)
			if err != nil {
				t.Fatalf("ParentOf(%d): %v", k, err)
			}
			if !ok {
				t.Fatalf("expected %d to have a parent", k)
			}
			if parent != want {
				t.Fatalf("ParentOf(%d) = %d, want %d", k, parent, want)
			}
		}

		_, ok, err = tree.ParentOf(txn, 9999)
		if err != nil {
			t.Fatalf("ParentOf(missing): %v", err)
		}
		if ok {
			t.Fatal("missing key must report no parent")
		}
	})
}

func TestComposeKeyOrdersByKindThenID(t *testing.T) {
	type kv struct {
		kind int
		id   int64
	}
	pairs := []kv{{2, 1}, {1, 100}, {1, 1}, {0, 50}, {2, 0}}
	keys := make([]int64, len(pairs))
	for i, p := range pairs {
		keys[i] = ComposeKey(p.kind, p.id)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	// Decode and check (kind, id) is non-decreasing lexicographically.
	var prevKind int
	var prevID int64
	first := true
	for _, k := range keys {
		kind, id := DecomposeKey(k)
		if !first {
			if kind < prevKind || (kind == prevKind && id < prevID) {
				t.Fatalf("composite key ordering broken at kind=%d id=%d", kind, id)
			}
		}
		prevKind, prevID, first = kind, id, false
	}
}
