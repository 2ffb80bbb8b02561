// Package client implements the per-worker transaction generator: it
// picks an action (MAKE_RESERVATION, DELETE_CUSTOMER, UPDATE_TABLES)
// according to the configured mix, assembles the manager calls that
// action requires into a single transaction, and reports how many
// transactions of each kind actually committed with a true result.
package client

import (
	stm "github.com/stampbench/vacation"
	"github.com/stampbench/vacation/internal/config"
	"github.com/stampbench/vacation/internal/manager"
	"github.com/stampbench/vacation/internal/reservation"
	"github.com/stampbench/vacation/internal/xrand"
)

// Action names the three transaction shapes a client can generate.
type Action int

const (
	MakeReservation Action = iota
	DeleteCustomer
	UpdateTables
)

// Stats accumulates a single client's outcome counts, separated by
// action kind and by logical success/failure, so the end-to-end
// scenarios in SPEC_FULL.md (e.g. "final numUsed equals the number of
// successful MAKE_RESERVATIONs") can be checked against a client's own
// bookkeeping rather than re-deriving it from the manager.
type Stats struct {
	Reservations   int
	ReservationsOK int
	Deletions      int
	DeletionsOK    int
	Updates        int
	UpdatesOK      int
}

// Driver is one worker's state: a private PRNG, its transaction
// quota, and the shared manager it drives.
type Driver struct {
	mgr   *manager.Manager
	rng   *xrand.Source
	cfg   config.Config
	quota int64
	Stats Stats
}

// New returns a Driver for worker index id (0-based) out of cfg's
// configured client count.
func New(mgr *manager.Manager, cfg config.Config, id int) *Driver {
	return &Driver{
		mgr:   mgr,
		rng:   xrand.New(cfg.Seed, int64(id)+1),
		cfg:   cfg,
		quota: cfg.TransactionsPerClient(),
	}
}

// Run executes this driver's full transaction quota against the
// shared manager, one transaction at a time, and returns when the
// quota is exhausted — the body a thread-pool worker function would
// run once per worker.
func (d *Driver) Run() {
	for i := int64(0); i < d.quota; i++ {
		d.runOne()
	}
}

// selectAction rolls the action-mix die described in SPEC_FULL.md
// §7: a < u is MAKE_RESERVATION, the next (100-u)/2 is
// DELETE_CUSTOMER, the remainder is UPDATE_TABLES.
func (d *Driver) selectAction() Action {
	a := d.rng.Intn(100)
	u := d.cfg.UserPercent
	if a < u {
		return MakeReservation
	}
	if a < u+(100-u)/2 {
		return DeleteCustomer
	}
	return UpdateTables
}

func (d *Driver) randCustomerID() int64 {
	qr := d.cfg.QueryRange()
	if qr < 1 {
		qr = 1
	}
	return 1 + d.rng.Int63n(qr)
}

func (d *Driver) randRelationID() int64 {
	qr := d.cfg.QueryRange()
	if qr < 1 {
		qr = 1
	}
	return 1 + d.rng.Int63n(qr)
}

func (d *Driver) runOne() {
	switch d.selectAction() {
	case MakeReservation:
		d.Stats.Reservations++
		if d.makeReservation() {
			d.Stats.ReservationsOK++
		}
	case DeleteCustomer:
		d.Stats.Deletions++
		if d.deleteCustomer() {
			d.Stats.DeletionsOK++
		}
	case UpdateTables:
		d.Stats.Updates++
		if d.updateTables() {
			d.Stats.UpdatesOK++
		}
	}
}

// candidate is one (kind, id) pair drawn for a MAKE_RESERVATION or
// UPDATE_TABLES transaction.
type candidate struct {
	kind reservation.Kind
	id   int64
}

func (d *Driver) randCandidates() []candidate {
	n := d.cfg.QueriesPerTransaction
	if n < 1 {
		n = 1
	}
	out := make([]candidate, n)
	for i := range out {
		out[i] = candidate{kind: reservation.Kind(d.rng.Intn(3)), id: d.randRelationID()}
	}
	return out
}

// makeReservation queries the price of up to n candidate relations,
// picks the one with the maximum price (ties broken by whichever
// candidate is encountered first in randCandidates' draw order, not
// by a fixed kind priority — each candidate's kind is itself drawn at
// random), and reserves it for a random customer. It returns whether
// the reservation ultimately succeeded.
func (d *Driver) makeReservation() bool {
	custID := d.randCustomerID()
	candidates := d.randCandidates()

	var ok bool
	stm.Atomically(func(txn *stm.Txn) {
		var chosen candidate
		haveChoice := false
		bestPrice := -1
		for _, c := range candidates {
			free, price, err := d.query(txn, c.kind, c.id)
			if err != nil {
				return
			}
			if free <= 0 {
				continue
			}
			if price > bestPrice {
				bestPrice = price
				chosen = c
				haveChoice = true
			}
		}
		if !haveChoice {
			ok = false
			return
		}
		var rerr error
		ok, rerr = d.reserve(txn, chosen.kind, custID, chosen.id)
		if rerr != nil {
			ok = false
		}
	})
	return ok
}

// deleteCustomer queries the customer's bill (to exercise a
// read-before-write inside the same transaction) and then deletes the
// customer; the bill's value itself is discardable, it exists purely
// to match the workload shape SPEC_FULL.md specifies.
func (d *Driver) deleteCustomer() bool {
	custID := d.randCustomerID()
	var ok bool
	stm.Atomically(func(txn *stm.Txn) {
		if _, _, err := d.mgr.QueryCustomerBill(txn, custID); err != nil {
			return
		}
		var derr error
		ok, derr = d.mgr.DeleteCustomer(txn, custID)
		if derr != nil {
			ok = false
		}
	})
	return ok
}

// updateTables draws up to n candidate relations and, per candidate,
// flips a coin between growing it (Add*) and shrinking it (Delete*)
// with random magnitude/price. It returns true iff every candidate
// operation in the transaction succeeded.
func (d *Driver) updateTables() bool {
	candidates := d.randCandidates()
	allOK := true
	stm.Atomically(func(txn *stm.Txn) {
		allOK = true // reset on every attempt
		for _, c := range candidates {
			num := 1 + d.rng.Intn(5)
			price := d.rng.Intn(100)
			var ok bool
			var err error
			if d.rng.Intn(2) == 0 {
				ok, err = d.addOne(txn, c.kind, c.id, num, price)
			} else {
				ok, err = d.deleteOne(txn, c.kind, c.id, num)
			}
			if err != nil {
				return
			}
			if !ok {
				allOK = false
			}
		}
	})
	return allOK
}

func (d *Driver) query(txn *stm.Txn, kind reservation.Kind, id int64) (int, int, error) {
	switch kind {
	case reservation.Car:
		return d.mgr.QueryCar(txn, id)
	case reservation.Flight:
		return d.mgr.QueryFlight(txn, id)
	default:
		return d.mgr.QueryRoom(txn, id)
	}
}

func (d *Driver) reserve(txn *stm.Txn, kind reservation.Kind, custID, id int64) (bool, error) {
	switch kind {
	case reservation.Car:
		return d.mgr.ReserveCar(txn, custID, id)
	case reservation.Flight:
		return d.mgr.ReserveFlight(txn, custID, id)
	default:
		return d.mgr.ReserveRoom(txn, custID, id)
	}
}

func (d *Driver) addOne(txn *stm.Txn, kind reservation.Kind, id int64, num, price int) (bool, error) {
	switch kind {
	case reservation.Car:
		return d.mgr.AddCar(txn, id, num, price)
	case reservation.Flight:
		return d.mgr.AddFlight(txn, id, num, price)
	default:
		return d.mgr.AddRoom(txn, id, num, price)
	}
}

func (d *Driver) deleteOne(txn *stm.Txn, kind reservation.Kind, id int64, num int) (bool, error) {
	switch kind {
	case reservation.Car:
		return d.mgr.DeleteCar(txn, id, num)
	case reservation.Flight:
		return d.mgr.DeleteFlight(txn, id)
	default:
		return d.mgr.DeleteRoom(txn, id, num)
	}
}
