// Package omap implements a long-keyed, key-ordered map backed by a
// left-leaning red-black tree (Sedgewick) whose node fields are
// themselves STM-tracked words: every traversal step is a
// stm.Var.Load, every structural change a stm.Var.Store, so a Tree
// can be walked and mutated from inside an STM transaction with no
// locking of its own, or from a single throwaway transaction for
// sequential (setup/cleanup) use.
package omap

import (
	"sync"

	stm "github.com/stampbench/vacation"
)

// nilIdx marks the absence of a child, parent, or root node.
const nilIdx int32 = -1

// kindBits is the number of low bits of a composite key reserved for
// the id half. A customer's reservation-info set stores entries keyed
// by (kind, id) and must iterate them ordered primarily by kind, then
// by id within a kind — the reverse packing (id in the high bits)
// would order primarily by id instead, which is wrong.
const kindBits = 61

// ComposeKey packs a (kind, id) pair into a single ordered int64 key
// for use in a Tree, preserving "ordered by kind, then by id" as the
// resulting key ordering.
func ComposeKey(kind int, id int64) int64 {
	return int64(kind)<<kindBits | id
}

// DecomposeKey recovers the (kind, id) pair packed by ComposeKey.
func DecomposeKey(key int64) (kind int, id int64) {
	kind = int(key >> kindBits)
	id = key & (1<<kindBits - 1)
	return kind, id
}

// node is one red-black tree node. Every field is a shared word so
// that concurrent transactions serialize through the STM's own
// read/write protocol rather than through a lock the tree manages
// itself — the tree's BST-order and balance invariants only need to
// hold after every committed transaction; a transaction in flight may
// see them transiently broken, but no other transaction can observe
// that, because its reads will fail validation at commit.
type node[V any] struct {
	color  stm.Var // bool: true = red, false = black
	key    stm.Var // int64
	value  stm.Var // V
	left   stm.Var // int32 child index, nilIdx if absent
	right  stm.Var // int32 child index, nilIdx if absent
	parent stm.Var // int32 parent index, nilIdx if root
}

// arena owns node storage. Allocation and the free-list are handled
// outside the STM — like a real allocator, they're a resource the
// transaction borrows from (via Txn.Alloc/Txn.Free), not a location
// the transaction's own read/write set covers. A released node is
// only returned to the free list after the releasing transaction has
// actually committed (see Txn.Free's contract); any later reuse of
// that slot is itself published through stm.Var.Store, so a
// concurrent reader that had the old occupant in its read set still
// fails validation correctly instead of observing stale data.
type arena[V any] struct {
	mu    sync.RWMutex
	nodes []*node[V]
	free  []int32
}

func (a *arena[V]) alloc(txn *stm.Txn) int32 {
	a.mu.Lock()
	var idx int32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = int32(len(a.nodes))
		a.nodes = append(a.nodes, new(node[V]))
	}
	a.mu.Unlock()
	txn.Alloc(func() { a.release(idx) })
	return idx
}

func (a *arena[V]) scheduleFree(txn *stm.Txn, idx int32) {
	txn.Free(func() { a.release(idx) })
}

func (a *arena[V]) release(idx int32) {
	a.mu.Lock()
	a.free = append(a.free, idx)
	a.mu.Unlock()
}

func (a *arena[V]) at(idx int32) *node[V] {
	a.mu.RLock()
	n := a.nodes[idx]
	a.mu.RUnlock()
	return n
}

// Tree is an ordered map from int64 keys to values of type V.
type Tree[V any] struct {
	arena *arena[V]
	root  stm.Var // int32 index of the root node, nilIdx if empty
}

// New returns an empty Tree.
func New[V any]() *Tree[V] {
	return &Tree[V]{arena: &arena[V]{}}
}

func (t *Tree[V]) rootIdx(txn *stm.Txn) (int32, error) {
	v, err := t.root.Load(txn)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return nilIdx, nil
	}
	return v.(int32), nil
}

func (t *Tree[V]) setRoot(txn *stm.Txn, idx int32) {
	if idx == nilIdx {
		t.root.Store(txn, nil)
		return
	}
	t.root.Store(txn, idx)
	t.arena.at(idx).parent.Store(txn, nil)
}

func (t *Tree[V]) getColor(txn *stm.Txn, idx int32) (bool, error) {
	v, err := t.arena.at(idx).color.Load(txn)
	if err != nil {
		return false, err
	}
	if v == nil {
		return false, nil
	}
	return v.(bool), nil
}

func (t *Tree[V]) setColor(txn *stm.Txn, idx int32, red bool) {
	t.arena.at(idx).color.Store(txn, red)
}

func (t *Tree[V]) isRed(txn *stm.Txn, idx int32) (bool, error) {
	if idx == nilIdx {
		return false, nil
	}
	return t.getColor(txn, idx)
}

func (t *Tree[V]) getKey(txn *stm.Txn, idx int32) (int64, error) {
	v, err := t.arena.at(idx).key.Load(txn)
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (t *Tree[V]) setKey(txn *stm.Txn, idx int32, key int64) {
	t.arena.at(idx).key.Store(txn, key)
}

func (t *Tree[V]) getValue(txn *stm.Txn, idx int32) (V, error) {
	var zero V
	v, err := t.arena.at(idx).value.Load(txn)
	if err != nil {
		return zero, err
	}
	return v.(V), nil
}

func (t *Tree[V]) setValue(txn *stm.Txn, idx int32, val V) {
	t.arena.at(idx).value.Store(txn, val)
}

func (t *Tree[V]) getChild(txn *stm.Txn, idx int32, left bool) (int32, error) {
	n := t.arena.at(idx)
	var slot *stm.Var
	if left {
		slot = &n.left
	} else {
		slot = &n.right
	}
	v, err := slot.Load(txn)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return nilIdx, nil
	}
	return v.(int32), nil
}

func (t *Tree[V]) getLeft(txn *stm.Txn, idx int32) (int32, error) {
	return t.getChild(txn, idx, true)
}

func (t *Tree[V]) getRight(txn *stm.Txn, idx int32) (int32, error) {
	return t.getChild(txn, idx, false)
}

// setChild attaches child as idx's left or right child, updating
// child's parent pointer at the same time — every structural edge in
// this tree is always set through here, which keeps the parent field
// correct without the balancing algorithm ever needing to read it.
func (t *Tree[V]) setChild(txn *stm.Txn, idx int32, left bool, child int32) {
	n := t.arena.at(idx)
	var slot *stm.Var
	if left {
		slot = &n.left
	} else {
		slot = &n.right
	}
	if child == nilIdx {
		slot.Store(txn, nil)
		return
	}
	slot.Store(txn, child)
	t.arena.at(child).parent.Store(txn, idx)
}

func (t *Tree[V]) setLeft(txn *stm.Txn, idx, child int32) {
	t.setChild(txn, idx, true, child)
}

func (t *Tree[V]) setRight(txn *stm.Txn, idx, child int32) {
	t.setChild(txn, idx, false, child)
}

func (t *Tree[V]) getParent(txn *stm.Txn, idx int32) (int32, error) {
	v, err := t.arena.at(idx).parent.Load(txn)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return nilIdx, nil
	}
	return v.(int32), nil
}

// ParentOf returns the key of the parent of the node holding key, and
// false if key is absent or is the root. It exists to let a caller
// (or a test) verify the parent-pointer invariant setChild maintains,
// per spec.md's node-field list (color, key, value, left, right,
// parent).
func (t *Tree[V]) ParentOf(txn *stm.Txn, key int64) (parentKey int64, ok bool, err error) {
	idx, err := t.locate(txn, key)
	if err != nil || idx == nilIdx {
		return 0, false, err
	}
	pIdx, err := t.getParent(txn, idx)
	if err != nil || pIdx == nilIdx {
		return 0, false, err
	}
	pKey, err := t.getKey(txn, pIdx)
	if err != nil {
		return 0, false, err
	}
	return pKey, true, nil
}

func (t *Tree[V]) locate(txn *stm.Txn, key int64) (int32, error) {
	idx, err := t.rootIdx(txn)
	if err != nil {
		return nilIdx, err
	}
	for idx != nilIdx {
		k, err := t.getKey(txn, idx)
		if err != nil {
			return nilIdx, err
		}
		if key == k {
			return idx, nil
		}
		if key < k {
			idx, err = t.getLeft(txn, idx)
		} else {
			idx, err = t.getRight(txn, idx)
		}
		if err != nil {
			return nilIdx, err
		}
	}
	return nilIdx, nil
}

// Find returns the value stored for key, if any.
func (t *Tree[V]) Find(txn *stm.Txn, key int64) (V, bool, error) {
	var zero V
	idx, err := t.rootIdx(txn)
	if err != nil {
		return zero, false, err
	}
	for idx != nilIdx {
		k, err := t.getKey(txn, idx)
		if err != nil {
			return zero, false, err
		}
		if key == k {
			v, err := t.getValue(txn, idx)
			if err != nil {
				return zero, false, err
			}
			return v, true, nil
		}
		if key < k {
			idx, err = t.getLeft(txn, idx)
		} else {
			idx, err = t.getRight(txn, idx)
		}
		if err != nil {
			return zero, false, err
		}
	}
	return zero, false, nil
}

// Contains reports whether key is present.
func (t *Tree[V]) Contains(txn *stm.Txn, key int64) (bool, error) {
	_, found, err := t.Find(txn, key)
	return found, err
}

// Insert adds key/val and returns true, or returns false without
// modifying the tree if key is already present.
func (t *Tree[V]) Insert(txn *stm.Txn, key int64, val V) (bool, error) {
	if found, err := t.Contains(txn, key); err != nil {
		return false, err
	} else if found {
		return false, nil
	}
	root, err := t.rootIdx(txn)
	if err != nil {
		return false, err
	}
	newRoot, err := t.insertNode(txn, root, key, val)
	if err != nil {
		return false, err
	}
	t.setColor(txn, newRoot, false)
	t.setRoot(txn, newRoot)
	return true, nil
}

// Update overwrites the value stored for an existing key and returns
// true, or returns false without modifying the tree if key is absent.
func (t *Tree[V]) Update(txn *stm.Txn, key int64, val V) (bool, error) {
	idx, err := t.rootIdx(txn)
	if err != nil {
		return false, err
	}
	for idx != nilIdx {
		k, err := t.getKey(txn, idx)
		if err != nil {
			return false, err
		}
		if key == k {
			t.setValue(txn, idx, val)
			return true, nil
		}
		if key < k {
			idx, err = t.getLeft(txn, idx)
		} else {
			idx, err = t.getRight(txn, idx)
		}
		if err != nil {
			return false, err
		}
	}
	return false, nil
}

// Remove deletes key and returns true, or returns false if key was
// absent.
func (t *Tree[V]) Remove(txn *stm.Txn, key int64) (bool, error) {
	if found, err := t.Contains(txn, key); err != nil {
		return false, err
	} else if !found {
		return false, nil
	}
	root, err := t.rootIdx(txn)
	if err != nil {
		return false, err
	}
	newRoot, err := t.deleteNode(txn, root, key)
	if err != nil {
		return false, err
	}
	if newRoot != nilIdx {
		t.setColor(txn, newRoot, false)
	}
	t.setRoot(txn, newRoot)
	return true, nil
}

// Ascend visits every (key, value) pair in ascending key order,
// stopping early if visit returns false or an error. It is the
// "transactional traversal" the ordered map's contract requires —
// used, for example, by a customer's reservation-info list when a
// customer is deleted.
func (t *Tree[V]) Ascend(txn *stm.Txn, visit func(key int64, val V) (cont bool, err error)) error {
	root, err := t.rootIdx(txn)
	if err != nil {
		return err
	}
	_, err = t.ascend(txn, root, visit)
	return err
}

func (t *Tree[V]) ascend(txn *stm.Txn, idx int32, visit func(int64, V) (bool, error)) (bool, error) {
	if idx == nilIdx {
		return true, nil
	}
	left, err := t.getLeft(txn, idx)
	if err != nil {
		return false, err
	}
	cont, err := t.ascend(txn, left, visit)
	if err != nil || !cont {
		return cont, err
	}
	key, err := t.getKey(txn, idx)
	if err != nil {
		return false, err
	}
	val, err := t.getValue(txn, idx)
	if err != nil {
		return false, err
	}
	cont, err = visit(key, val)
	if err != nil || !cont {
		return cont, err
	}
	right, err := t.getRight(txn, idx)
	if err != nil {
		return false, err
	}
	return t.ascend(txn, right, visit)
}

// --- insertion ---

func (t *Tree[V]) insertNode(txn *stm.Txn, h int32, key int64, val V) (int32, error) {
	if h == nilIdx {
		idx := t.arena.alloc(txn)
		t.setColor(txn, idx, true) // new nodes are red
		t.setKey(txn, idx, key)
		t.setValue(txn, idx, val)
		t.setLeft(txn, idx, nilIdx)
		t.setRight(txn, idx, nilIdx)
		return idx, nil
	}
	k, err := t.getKey(txn, h)
	if err != nil {
		return 0, err
	}
	switch {
	case key < k:
		left, err := t.getLeft(txn, h)
		if err != nil {
			return 0, err
		}
		newLeft, err := t.insertNode(txn, left, key, val)
		if err != nil {
			return 0, err
		}
		t.setLeft(txn, h, newLeft)
	case key > k:
		right, err := t.getRight(txn, h)
		if err != nil {
			return 0, err
		}
		newRight, err := t.insertNode(txn, right, key, val)
		if err != nil {
			return 0, err
		}
		t.setRight(txn, h, newRight)
	default:
		// Insert's caller already rejected an existing key; reaching
		// here would mean the tree changed underneath us, which the
		// STM's own validation — not this code — is responsible for
		// catching. Overwrite defensively rather than leave the slot
		// structurally inconsistent.
		t.setValue(txn, h, val)
	}
	return t.fixUp(txn, h)
}

// fixUp restores the left-leaning red-black invariants on the path
// back up from an insertion.
func (t *Tree[V]) fixUp(txn *stm.Txn, h int32) (int32, error) {
	right, err := t.getRight(txn, h)
	if err != nil {
		return 0, err
	}
	redRight, err := t.isRed(txn, right)
	if err != nil {
		return 0, err
	}
	left, err := t.getLeft(txn, h)
	if err != nil {
		return 0, err
	}
	redLeft, err := t.isRed(txn, left)
	if err != nil {
		return 0, err
	}
	if redRight && !redLeft {
		h, err = t.rotateLeft(txn, h)
		if err != nil {
			return 0, err
		}
	}

	left, err = t.getLeft(txn, h)
	if err != nil {
		return 0, err
	}
	redLeft, err = t.isRed(txn, left)
	if err != nil {
		return 0, err
	}
	var leftLeft int32 = nilIdx
	if left != nilIdx {
		leftLeft, err = t.getLeft(txn, left)
		if err != nil {
			return 0, err
		}
	}
	redLeftLeft, err := t.isRed(txn, leftLeft)
	if err != nil {
		return 0, err
	}
	if redLeft && redLeftLeft {
		h, err = t.rotateRight(txn, h)
		if err != nil {
			return 0, err
		}
	}

	left, err = t.getLeft(txn, h)
	if err != nil {
		return 0, err
	}
	right, err = t.getRight(txn, h)
	if err != nil {
		return 0, err
	}
	redLeft, err = t.isRed(txn, left)
	if err != nil {
		return 0, err
	}
	redRight, err = t.isRed(txn, right)
	if err != nil {
		return 0, err
	}
	if redLeft && redRight {
		if err := t.flipColors(txn, h); err != nil {
			return 0, err
		}
	}
	return h, nil
}

func (t *Tree[V]) rotateLeft(txn *stm.Txn, h int32) (int32, error) {
	x, err := t.getRight(txn, h)
	if err != nil {
		return 0, err
	}
	xLeft, err := t.getLeft(txn, x)
	if err != nil {
		return 0, err
	}
	t.setRight(txn, h, xLeft)
	hColor, err := t.getColor(txn, h)
	if err != nil {
		return 0, err
	}
	t.setLeft(txn, x, h)
	t.setColor(txn, x, hColor)
	t.setColor(txn, h, true)
	return x, nil
}

func (t *Tree[V]) rotateRight(txn *stm.Txn, h int32) (int32, error) {
	x, err := t.getLeft(txn, h)
	if err != nil {
		return 0, err
	}
	xRight, err := t.getRight(txn, x)
	if err != nil {
		return 0, err
	}
	t.setLeft(txn, h, xRight)
	hColor, err := t.getColor(txn, h)
	if err != nil {
		return 0, err
	}
	t.setRight(txn, x, h)
	t.setColor(txn, x, hColor)
	t.setColor(txn, h, true)
	return x, nil
}

func (t *Tree[V]) flipColors(txn *stm.Txn, h int32) error {
	hc, err := t.getColor(txn, h)
	if err != nil {
		return err
	}
	left, err := t.getLeft(txn, h)
	if err != nil {
		return err
	}
	right, err := t.getRight(txn, h)
	if err != nil {
		return err
	}
	lc, err := t.getColor(txn, left)
	if err != nil {
		return err
	}
	rc, err := t.getColor(txn, right)
	if err != nil {
		return err
	}
	t.setColor(txn, h, !hc)
	t.setColor(txn, left, !lc)
	t.setColor(txn, right, !rc)
	return nil
}

// --- deletion ---

func (t *Tree[V]) moveRedLeft(txn *stm.Txn, h int32) (int32, error) {
	if err := t.flipColors(txn, h); err != nil {
		return 0, err
	}
	right, err := t.getRight(txn, h)
	if err != nil {
		return 0, err
	}
	rightLeft, err := t.getLeft(txn, right)
	if err != nil {
		return 0, err
	}
	redRightLeft, err := t.isRed(txn, rightLeft)
	if err != nil {
		return 0, err
	}
	if redRightLeft {
		newRight, err := t.rotateRight(txn, right)
		if err != nil {
			return 0, err
		}
		t.setRight(txn, h, newRight)
		h, err = t.rotateLeft(txn, h)
		if err != nil {
			return 0, err
		}
		if err := t.flipColors(txn, h); err != nil {
			return 0, err
		}
	}
	return h, nil
}

func (t *Tree[V]) moveRedRight(txn *stm.Txn, h int32) (int32, error) {
	if err := t.flipColors(txn, h); err != nil {
		return 0, err
	}
	left, err := t.getLeft(txn, h)
	if err != nil {
		return 0, err
	}
	leftLeft, err := t.getLeft(txn, left)
	if err != nil {
		return 0, err
	}
	redLeftLeft, err := t.isRed(txn, leftLeft)
	if err != nil {
		return 0, err
	}
	if redLeftLeft {
		h, err = t.rotateRight(txn, h)
		if err != nil {
			return 0, err
		}
		if err := t.flipColors(txn, h); err != nil {
			return 0, err
		}
	}
	return h, nil
}

func (t *Tree[V]) balance(txn *stm.Txn, h int32) (int32, error) {
	return t.fixUp(txn, h)
}

func (t *Tree[V]) minKey(txn *stm.Txn, h int32) (int32, error) {
	for {
		left, err := t.getLeft(txn, h)
		if err != nil {
			return 0, err
		}
		if left == nilIdx {
			return h, nil
		}
		h = left
	}
}

func (t *Tree[V]) deleteMin(txn *stm.Txn, h int32) (int32, error) {
	left, err := t.getLeft(txn, h)
	if err != nil {
		return 0, err
	}
	if left == nilIdx {
		t.arena.scheduleFree(txn, h)
		return nilIdx, nil
	}
	redLeft, err := t.isRed(txn, left)
	if err != nil {
		return 0, err
	}
	leftLeft, err := t.getLeft(txn, left)
	if err != nil {
		return 0, err
	}
	redLeftLeft, err := t.isRed(txn, leftLeft)
	if err != nil {
		return 0, err
	}
	if !redLeft && !redLeftLeft {
		h, err = t.moveRedLeft(txn, h)
		if err != nil {
			return 0, err
		}
	}
	left, err = t.getLeft(txn, h)
	if err != nil {
		return 0, err
	}
	newLeft, err := t.deleteMin(txn, left)
	if err != nil {
		return 0, err
	}
	t.setLeft(txn, h, newLeft)
	return t.balance(txn, h)
}

func (t *Tree[V]) deleteNode(txn *stm.Txn, h int32, key int64) (int32, error) {
	k, err := t.getKey(txn, h)
	if err != nil {
		return 0, err
	}
	if key < k {
		left, err := t.getLeft(txn, h)
		if err != nil {
			return 0, err
		}
		redLeft, err := t.isRed(txn, left)
		if err != nil {
			return 0, err
		}
		var leftLeft int32 = nilIdx
		if left != nilIdx {
			leftLeft, err = t.getLeft(txn, left)
			if err != nil {
				return 0, err
			}
		}
		redLeftLeft, err := t.isRed(txn, leftLeft)
		if err != nil {
			return 0, err
		}
		if !redLeft && !redLeftLeft {
			h, err = t.moveRedLeft(txn, h)
			if err != nil {
				return 0, err
			}
		}
		left, err = t.getLeft(txn, h)
		if err != nil {
			return 0, err
		}
		newLeft, err := t.deleteNode(txn, left, key)
		if err != nil {
			return 0, err
		}
		t.setLeft(txn, h, newLeft)
		return t.balance(txn, h)
	}

	left, err := t.getLeft(txn, h)
	if err != nil {
		return 0, err
	}
	redLeft, err := t.isRed(txn, left)
	if err != nil {
		return 0, err
	}
	if redLeft {
		h, err = t.rotateRight(txn, h)
		if err != nil {
			return 0, err
		}
	}

	k, err = t.getKey(txn, h)
	if err != nil {
		return 0, err
	}
	right, err := t.getRight(txn, h)
	if err != nil {
		return 0, err
	}
	if key == k && right == nilIdx {
		t.arena.scheduleFree(txn, h)
		return nilIdx, nil
	}

	redRight, err := t.isRed(txn, right)
	if err != nil {
		return 0, err
	}
	var rightLeft int32 = nilIdx
	if right != nilIdx {
		rightLeft, err = t.getLeft(txn, right)
		if err != nil {
			return 0, err
		}
	}
	redRightLeft, err := t.isRed(txn, rightLeft)
	if err != nil {
		return 0, err
	}
	if !redRight && !redRightLeft {
		h, err = t.moveRedRight(txn, h)
		if err != nil {
			return 0, err
		}
	}

	k, err = t.getKey(txn, h)
	if err != nil {
		return 0, err
	}
	right, err = t.getRight(txn, h)
	if err != nil {
		return 0, err
	}
	if key == k {
		successor, err := t.minKey(txn, right)
		if err != nil {
			return 0, err
		}
		sk, err := t.getKey(txn, successor)
		if err != nil {
			return 0, err
		}
		sv, err := t.getValue(txn, successor)
		if err != nil {
			return 0, err
		}
		newRight, err := t.deleteMin(txn, right)
		if err != nil {
			return 0, err
		}
		t.setKey(txn, h, sk)
		t.setValue(txn, h, sv)
		t.setRight(txn, h, newRight)
	} else {
		newRight, err := t.deleteNode(txn, right, key)
		if err != nil {
			return 0, err
		}
		t.setRight(txn, h, newRight)
	}
	return t.balance(txn, h)
}
