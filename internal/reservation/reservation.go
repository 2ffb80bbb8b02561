// Package reservation implements the per-relation object held in each
// of the manager's four tables: a capacity/usage/price record whose
// fields are individually tracked STM words, so every read or write
// against it participates in whatever transaction the caller is
// running.
package reservation

import stm "github.com/stampbench/vacation"

// Deleted is the sentinel price value marking a relation that has
// been logically removed but is still retained in its table, because
// reservations against it are outstanding or its numTotal is nonzero.
const Deleted = -1

// Reservation is one car, flight, or room entry. Id never changes
// after construction; the remaining fields are mutated only through
// the methods below, each of which is a pure composition of
// stm.Var.Load/Store calls and is safe to call from inside any
// enclosing transaction.
type Reservation struct {
	id       int64
	numTotal stm.Var // int
	numUsed  stm.Var // int
	numFree  stm.Var // int
	price    stm.Var // int
}

// New constructs a reservation with the given total capacity and
// price, zero usage. It must be called from within a transaction
// (typically the sequential setup phase's single enclosing
// Atomically) since it writes through stm.Var.Store.
func New(txn *stm.Txn, id int64, numTotal, price int) *Reservation {
	r := &Reservation{id: id}
	r.numTotal.Store(txn, numTotal)
	r.numUsed.Store(txn, 0)
	r.numFree.Store(txn, numTotal)
	r.price.Store(txn, price)
	return r
}

// ID returns the relation's immutable identifier.
func (r *Reservation) ID() int64 { return r.id }

func (r *Reservation) NumTotal(txn *stm.Txn) (int, error) { return loadInt(txn, &r.numTotal) }
func (r *Reservation) NumUsed(txn *stm.Txn) (int, error)  { return loadInt(txn, &r.numUsed) }
func (r *Reservation) NumFree(txn *stm.Txn) (int, error)  { return loadInt(txn, &r.numFree) }
func (r *Reservation) Price(txn *stm.Txn) (int, error)    { return loadInt(txn, &r.price) }

func loadInt(txn *stm.Txn, v *stm.Var) (int, error) {
	val, err := v.Load(txn)
	if err != nil {
		return 0, err
	}
	return val.(int), nil
}

// IsDeleted reports whether this relation is logically removed but
// still retained, i.e. whether its price holds the Deleted sentinel.
func (r *Reservation) IsDeleted(txn *stm.Txn) (bool, error) {
	p, err := r.Price(txn)
	if err != nil {
		return false, err
	}
	return p == Deleted, nil
}

// AddToTotal changes numTotal (and numFree in step) by delta. It
// fails — a logical failure, not an abort — if the result would make
// numTotal negative.
func (r *Reservation) AddToTotal(txn *stm.Txn, delta int) (bool, error) {
	total, err := r.NumTotal(txn)
	if err != nil {
		return false, err
	}
	if total+delta < 0 {
		return false, nil
	}
	free, err := r.NumFree(txn)
	if err != nil {
		return false, err
	}
	r.numTotal.Store(txn, total+delta)
	r.numFree.Store(txn, free+delta)
	return true, nil
}

// MakeOne consumes one unit of capacity. It fails if none is free.
func (r *Reservation) MakeOne(txn *stm.Txn) (bool, error) {
	free, err := r.NumFree(txn)
	if err != nil {
		return false, err
	}
	if free < 1 {
		return false, nil
	}
	used, err := r.NumUsed(txn)
	if err != nil {
		return false, err
	}
	r.numFree.Store(txn, free-1)
	r.numUsed.Store(txn, used+1)
	return true, nil
}

// Cancel returns one unit of capacity. It fails if nothing is in use.
func (r *Reservation) Cancel(txn *stm.Txn) (bool, error) {
	used, err := r.NumUsed(txn)
	if err != nil {
		return false, err
	}
	if used < 1 {
		return false, nil
	}
	free, err := r.NumFree(txn)
	if err != nil {
		return false, err
	}
	r.numUsed.Store(txn, used-1)
	r.numFree.Store(txn, free+1)
	return true, nil
}

// UpdatePrice sets price. It fails if price is negative — the
// negative sentinel is reserved for the deleted-but-retained state
// and may only be set by the manager's delete path, never directly.
func (r *Reservation) UpdatePrice(txn *stm.Txn, price int) (bool, error) {
	if price < 0 {
		return false, nil
	}
	r.price.Store(txn, price)
	return true, nil
}

// MarkDeleted sets the deleted-but-retained sentinel price directly;
// only the manager's delete path calls this.
func (r *Reservation) MarkDeleted(txn *stm.Txn) {
	r.price.Store(txn, Deleted)
}

// Kind enumerates the three relation kinds a customer's
// reservation-info can reference.
type Kind int

const (
	Car Kind = iota
	Flight
	Room
)

func (k Kind) String() string {
	switch k {
	case Car:
		return "car"
	case Flight:
		return "flight"
	case Room:
		return "room"
	default:
		return "unknown"
	}
}

// Info is the (kind, id, price) triple a customer's reservation set
// holds per booked relation.
type Info struct {
	Kind  Kind
	ID    int64
	Price int
}
