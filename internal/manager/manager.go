// Package manager owns the four relation tables (cars, flights,
// rooms, customers) and exposes every add/delete/query/reserve
// operation the client driver assembles into transactions. Every
// workload method here is a pure composition of omap and reservation
// calls wrapped by the caller's own stm.Atomically/AtomicallyReadOnly
// — the manager itself never begins or ends a transaction, so its
// methods can be freely composed inside a single larger one (as the
// client driver's MAKE_RESERVATION action does, querying several
// kinds before reserving one).
package manager

import (
	"log/slog"

	stm "github.com/stampbench/vacation"
	"github.com/stampbench/vacation/internal/omap"
	"github.com/stampbench/vacation/internal/reservation"
)

// customer holds a customer's id and an ordered set of
// reservation-infos keyed by (kind, id) via omap.ComposeKey, so the
// invariant "ordered by (kind, id), no duplicates" falls directly out
// of the ordered map's own contract.
type customer struct {
	id    int64
	infos *omap.Tree[reservation.Info]
}

// Manager is the shared in-memory database the whole benchmark
// contends over.
type Manager struct {
	log *slog.Logger

	cars      *omap.Tree[*reservation.Reservation]
	flights   *omap.Tree[*reservation.Reservation]
	rooms     *omap.Tree[*reservation.Reservation]
	customers *omap.Tree[*customer]
}

// New returns an empty Manager. log may be nil, in which case a
// discard logger is used.
func New(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.New(slog.NewTextHandler(discardWriter{}, nil))
	}
	return &Manager{
		log:       log,
		cars:      omap.New[*reservation.Reservation](),
		flights:   omap.New[*reservation.Reservation](),
		rooms:     omap.New[*reservation.Reservation](),
		customers: omap.New[*customer](),
	}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func (m *Manager) table(k reservation.Kind) *omap.Tree[*reservation.Reservation] {
	switch k {
	case reservation.Car:
		return m.cars
	case reservation.Flight:
		return m.flights
	case reservation.Room:
		return m.rooms
	default:
		panic("manager: unknown kind")
	}
}

// --- sequential (setup/cleanup) admin operations ---
//
// These carry a _Seq suffix, matching the source benchmark's
// *_seq naming, to mark that they are meant to be called from a
// single enclosing transaction during setup or cleanup, not
// interleaved with the concurrent workload phase.

// AddCarSeq, AddFlightSeq, AddRoomSeq insert a brand-new relation.
// Callers populating the initial tables use these rather than Add*,
// which additionally handles the revive-a-deleted-entry case that
// can only arise once the workload phase is running.
func (m *Manager) AddCarSeq(txn *stm.Txn, id int64, num, price int) {
	m.addSeq(txn, reservation.Car, id, num, price)
}
func (m *Manager) AddFlightSeq(txn *stm.Txn, id int64, num, price int) {
	m.addSeq(txn, reservation.Flight, id, num, price)
}
func (m *Manager) AddRoomSeq(txn *stm.Txn, id int64, num, price int) {
	m.addSeq(txn, reservation.Room, id, num, price)
}

func (m *Manager) addSeq(txn *stm.Txn, kind reservation.Kind, id int64, num, price int) {
	r := reservation.New(txn, id, num, price)
	m.table(kind).Insert(txn, id, r)
}

// AddCustomerSeq inserts a brand-new customer with an empty
// reservation-info set.
func (m *Manager) AddCustomerSeq(txn *stm.Txn, id int64) {
	m.customers.Insert(txn, id, &customer{id: id, infos: omap.New[reservation.Info]()})
}

// DeleteCustomerSeq is the sequential counterpart of DeleteCustomer,
// used during cleanup; it shares the same logic since there is
// nothing about customer deletion that differs between phases.
func (m *Manager) DeleteCustomerSeq(txn *stm.Txn, id int64) (bool, error) {
	return m.DeleteCustomer(txn, id)
}

// --- transactional workload operations ---

// ReserveCar, ReserveFlight, ReserveRoom look up the customer and the
// relation; if the relation exists, isn't deleted, and has capacity,
// they consume one unit and append a reservation-info to the
// customer. Any failure along the way — missing customer, missing or
// exhausted relation, or a duplicate (kind, id) already on the
// customer — is a logical failure, not an abort.
func (m *Manager) ReserveCar(txn *stm.Txn, custID, id int64) (bool, error) {
	return m.reserve(txn, reservation.Car, custID, id)
}
func (m *Manager) ReserveFlight(txn *stm.Txn, custID, id int64) (bool, error) {
	return m.reserve(txn, reservation.Flight, custID, id)
}
func (m *Manager) ReserveRoom(txn *stm.Txn, custID, id int64) (bool, error) {
	return m.reserve(txn, reservation.Room, custID, id)
}

func (m *Manager) reserve(txn *stm.Txn, kind reservation.Kind, custID, id int64) (bool, error) {
	cust, found, err := m.customers.Find(txn, custID)
	if err != nil {
		return false, err
	}
	if !found {
		m.log.Debug("reserve: no such customer", "custID", custID)
		return false, nil
	}
	r, found, err := m.table(kind).Find(txn, id)
	if err != nil {
		return false, err
	}
	if !found {
		m.log.Debug("reserve: no such relation", "kind", kind, "id", id)
		return false, nil
	}
	deleted, err := r.IsDeleted(txn)
	if err != nil {
		return false, err
	}
	if deleted {
		return false, nil
	}
	key := omap.ComposeKey(int(kind), id)
	if dup, err := cust.infos.Contains(txn, key); err != nil {
		return false, err
	} else if dup {
		return false, nil
	}
	price, err := r.Price(txn)
	if err != nil {
		return false, err
	}
	ok, err := r.MakeOne(txn)
	if err != nil || !ok {
		return false, err
	}
	if _, err := cust.infos.Insert(txn, key, reservation.Info{Kind: kind, ID: id, Price: price}); err != nil {
		return false, err
	}
	return true, nil
}

// CancelCar, CancelFlight, CancelRoom are the symmetric reverse of
// Reserve*: they require the customer to actually hold a
// reservation-info for (kind, id), release the unit of capacity, and
// drop the info.
func (m *Manager) CancelCar(txn *stm.Txn, custID, id int64) (bool, error) {
	return m.cancel(txn, reservation.Car, custID, id)
}
func (m *Manager) CancelFlight(txn *stm.Txn, custID, id int64) (bool, error) {
	return m.cancel(txn, reservation.Flight, custID, id)
}
func (m *Manager) CancelRoom(txn *stm.Txn, custID, id int64) (bool, error) {
	return m.cancel(txn, reservation.Room, custID, id)
}

func (m *Manager) cancel(txn *stm.Txn, kind reservation.Kind, custID, id int64) (bool, error) {
	cust, found, err := m.customers.Find(txn, custID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	key := omap.ComposeKey(int(kind), id)
	if found, err := cust.infos.Contains(txn, key); err != nil {
		return false, err
	} else if !found {
		return false, nil
	}
	r, found, err := m.table(kind).Find(txn, id)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	ok, err := r.Cancel(txn)
	if err != nil || !ok {
		return false, err
	}
	if _, err := cust.infos.Remove(txn, key); err != nil {
		return false, err
	}
	return true, nil
}

// QueryCar, QueryFlight, QueryRoom return the free count (or -1 if
// absent) and the price.
func (m *Manager) QueryCar(txn *stm.Txn, id int64) (free int, price int, err error) {
	return m.query(txn, reservation.Car, id)
}
func (m *Manager) QueryFlight(txn *stm.Txn, id int64) (free int, price int, err error) {
	return m.query(txn, reservation.Flight, id)
}
func (m *Manager) QueryRoom(txn *stm.Txn, id int64) (free int, price int, err error) {
	return m.query(txn, reservation.Room, id)
}

func (m *Manager) query(txn *stm.Txn, kind reservation.Kind, id int64) (int, int, error) {
	r, found, err := m.table(kind).Find(txn, id)
	if err != nil {
		return 0, 0, err
	}
	if !found {
		return -1, -1, nil
	}
	free, err := r.NumFree(txn)
	if err != nil {
		return 0, 0, err
	}
	price, err := r.Price(txn)
	if err != nil {
		return 0, 0, err
	}
	return free, price, nil
}

// CapacityCar and CapacityRoom return a relation's current numTotal,
// or (-1, false) if absent. The cleanup phase uses these to drain a
// relation's entire remaining capacity rather than guessing a
// deletion amount.
func (m *Manager) CapacityCar(txn *stm.Txn, id int64) (int, bool, error) {
	return m.capacity(txn, reservation.Car, id)
}
func (m *Manager) CapacityRoom(txn *stm.Txn, id int64) (int, bool, error) {
	return m.capacity(txn, reservation.Room, id)
}

func (m *Manager) capacity(txn *stm.Txn, kind reservation.Kind, id int64) (int, bool, error) {
	r, found, err := m.table(kind).Find(txn, id)
	if err != nil || !found {
		return -1, false, err
	}
	total, err := r.NumTotal(txn)
	if err != nil {
		return 0, false, err
	}
	return total, true, nil
}

// QueryCustomerBill sums the price over the customer's
// reservation-infos, or returns (-1, false) if the customer is
// absent.
func (m *Manager) QueryCustomerBill(txn *stm.Txn, custID int64) (int, bool, error) {
	cust, found, err := m.customers.Find(txn, custID)
	if err != nil {
		return 0, false, err
	}
	if !found {
		return -1, false, nil
	}
	total := 0
	err = cust.infos.Ascend(txn, func(_ int64, info reservation.Info) (bool, error) {
		total += info.Price
		return true, nil
	})
	if err != nil {
		return 0, false, err
	}
	return total, true, nil
}

// AddCar, AddFlight, AddRoom grow an existing relation's capacity by
// num and optionally change its price, or revive it if it was
// logically deleted, or insert a brand-new one if the id is unused.
func (m *Manager) AddCar(txn *stm.Txn, id int64, num, price int) (bool, error) {
	return m.add(txn, reservation.Car, id, num, price)
}
func (m *Manager) AddFlight(txn *stm.Txn, id int64, num, price int) (bool, error) {
	return m.add(txn, reservation.Flight, id, num, price)
}
func (m *Manager) AddRoom(txn *stm.Txn, id int64, num, price int) (bool, error) {
	return m.add(txn, reservation.Room, id, num, price)
}

func (m *Manager) add(txn *stm.Txn, kind reservation.Kind, id int64, num, price int) (bool, error) {
	table := m.table(kind)
	r, found, err := table.Find(txn, id)
	if err != nil {
		return false, err
	}
	if !found {
		r = reservation.New(txn, id, num, price)
		_, err := table.Insert(txn, id, r)
		return true, err
	}
	deleted, err := r.IsDeleted(txn)
	if err != nil {
		return false, err
	}
	if deleted && price < 0 {
		// A deleted-but-retained entry carries the Deleted sentinel as
		// its price; reviving it requires a real price to replace that
		// sentinel. A negative price (the "leave price unchanged"
		// convention for an already-priced entry) can't be honored here
		// — without it the entry would stay permanently deleted despite
		// AddCar/AddFlight/AddRoom being documented to revive it.
		return false, nil
	}
	if _, err := r.AddToTotal(txn, num); err != nil {
		return false, err
	}
	if price >= 0 {
		if _, err := r.UpdatePrice(txn, price); err != nil {
			return false, err
		}
	}
	return true, nil
}

// DeleteCar, DeleteRoom subtract num from numTotal; if the result is
// zero and nothing is in use, the entry is physically removed,
// otherwise it is logically marked unavailable but retained. The
// delete fails outright if it would drop numTotal below numUsed —
// AddToTotal's own check only rejects a negative numTotal, so the
// manager enforces the stricter 0 <= numUsed <= numTotal boundary
// itself before ever touching the reservation.
func (m *Manager) DeleteCar(txn *stm.Txn, id int64, num int) (bool, error) {
	return m.deleteCarOrRoom(txn, reservation.Car, id, num)
}
func (m *Manager) DeleteRoom(txn *stm.Txn, id int64, num int) (bool, error) {
	return m.deleteCarOrRoom(txn, reservation.Room, id, num)
}

func (m *Manager) deleteCarOrRoom(txn *stm.Txn, kind reservation.Kind, id int64, num int) (bool, error) {
	table := m.table(kind)
	r, found, err := table.Find(txn, id)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	total, err := r.NumTotal(txn)
	if err != nil {
		return false, err
	}
	used, err := r.NumUsed(txn)
	if err != nil {
		return false, err
	}
	if total-num < used {
		return false, nil
	}
	ok, err := r.AddToTotal(txn, -num)
	if err != nil || !ok {
		return false, err
	}
	total, err = r.NumTotal(txn)
	if err != nil {
		return false, err
	}
	if total == 0 && used == 0 {
		_, err := table.Remove(txn, id)
		return true, err
	}
	r.MarkDeleted(txn)
	return true, nil
}

// DeleteFlight physically removes the flight if no seats are in use
// and fails outright otherwise — a flight cannot be removed while a
// customer still holds a ticket. Unlike DeleteCar/DeleteRoom it takes
// no count and never leaves a deleted-but-retained entry behind.
func (m *Manager) DeleteFlight(txn *stm.Txn, id int64) (bool, error) {
	r, found, err := m.flights.Find(txn, id)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	used, err := r.NumUsed(txn)
	if err != nil {
		return false, err
	}
	if used > 0 {
		return false, nil
	}
	_, err = m.flights.Remove(txn, id)
	return true, err
}

// DeleteCustomer iterates the customer's reservation-infos,
// decrementing each referenced relation's numUsed, then removes the
// customer. An id that was never inserted as a customer simply
// returns false; this is the benign case the cleanup phase's
// id-sweep relies on, not an invariant violation.
func (m *Manager) DeleteCustomer(txn *stm.Txn, custID int64) (bool, error) {
	cust, found, err := m.customers.Find(txn, custID)
	if err != nil {
		return false, err
	}
	if !found {
		m.log.Debug("deleteCustomer: no such customer", "custID", custID)
		return false, nil
	}
	err = cust.infos.Ascend(txn, func(_ int64, info reservation.Info) (bool, error) {
		r, found, ferr := m.table(info.Kind).Find(txn, info.ID)
		if ferr != nil {
			return false, ferr
		}
		if found {
			if _, cerr := r.Cancel(txn); cerr != nil {
				return false, cerr
			}
		}
		return true, nil
	})
	if err != nil {
		return false, err
	}
	_, err = m.customers.Remove(txn, custID)
	return true, err
}
