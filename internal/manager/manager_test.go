package manager

import (
	"testing"

	stm "github.com/stampbench/vacation"
	"github.com/stretchr/testify/require"
)

func setupManager(t *testing.T) *Manager {
	t.Helper()
	m := New(nil)
	stm.Atomically(func(txn *stm.Txn) {
		m.AddCarSeq(txn, 1, 10, 50)
		m.AddFlightSeq(txn, 2, 5, 200)
		m.AddRoomSeq(txn, 3, 3, 75)
		m.AddCustomerSeq(txn, 100)
	})
	return m
}

func TestReserveAndCancelCar(t *testing.T) {
	m := setupManager(t)

	stm.Atomically(func(txn *stm.Txn) {
		ok, err := m.ReserveCar(txn, 100, 1)
		require.NoError(t, err)
		require.True(t, ok)
	})
	stm.AtomicallyReadOnly(func(txn *stm.Txn) {
		free, price, err := m.QueryCar(txn, 1)
		require.NoError(t, err)
		require.Equal(t, 9, free)
		require.Equal(t, 50, price)
	})

	// duplicate reservation for the same (kind, id) must fail
	stm.Atomically(func(txn *stm.Txn) {
		ok, err := m.ReserveCar(txn, 100, 1)
		require.NoError(t, err)
		require.False(t, ok)
	})

	stm.Atomically(func(txn *stm.Txn) {
		ok, err := m.CancelCar(txn, 100, 1)
		require.NoError(t, err)
		require.True(t, ok)
	})
	stm.AtomicallyReadOnly(func(txn *stm.Txn) {
		free, _, err := m.QueryCar(txn, 1)
		require.NoError(t, err)
		require.Equal(t, 10, free)
	})
}

func TestReserveMissingCustomerOrRelation(t *testing.T) {
	m := setupManager(t)

	stm.Atomically(func(txn *stm.Txn) {
		ok, err := m.ReserveCar(txn, 999, 1)
		require.NoError(t, err)
		require.False(t, ok)
	})
	stm.Atomically(func(txn *stm.Txn) {
		ok, err := m.ReserveCar(txn, 100, 999)
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestQueryCustomerBill(t *testing.T) {
	m := setupManager(t)

	stm.Atomically(func(txn *stm.Txn) {
		m.ReserveCar(txn, 100, 1)
		m.ReserveFlight(txn, 100, 2)
	})
	stm.AtomicallyReadOnly(func(txn *stm.Txn) {
		bill, found, err := m.QueryCustomerBill(txn, 100)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, 250, bill)
	})
}

func TestAddReviveDeletedCar(t *testing.T) {
	m := setupManager(t)

	// drain the car entirely; with nothing in use it is physically removed
	stm.Atomically(func(txn *stm.Txn) {
		ok, err := m.DeleteCar(txn, 1, 10)
		require.NoError(t, err)
		require.True(t, ok)
	})
	stm.AtomicallyReadOnly(func(txn *stm.Txn) {
		free, price, err := m.QueryCar(txn, 1)
		require.NoError(t, err)
		require.Equal(t, -1, free, "physically removed car reports absent")
		require.Equal(t, -1, price)
	})

	// re-add with the same id should insert fresh since it was removed
	stm.Atomically(func(txn *stm.Txn) {
		ok, err := m.AddCar(txn, 1, 20, 60)
		require.NoError(t, err)
		require.True(t, ok)
	})
	stm.AtomicallyReadOnly(func(txn *stm.Txn) {
		free, price, err := m.QueryCar(txn, 1)
		require.NoError(t, err)
		require.Equal(t, 20, free)
		require.Equal(t, 60, price)
	})
}

// TestAddReviveDeletedButRetainedCar covers the deleted-but-retained
// case TestAddReviveDeletedCar doesn't: a relation kept around because
// a reservation is still in use cannot be revived with a negative
// ("leave price unchanged") price, since there is no old price left to
// fall back to once the Deleted sentinel has overwritten it.
func TestAddReviveDeletedButRetainedCar(t *testing.T) {
	m := setupManager(t)
	stm.Atomically(func(txn *stm.Txn) {
		ok, err := m.ReserveCar(txn, 100, 1)
		require.NoError(t, err)
		require.True(t, ok)
	})
	stm.Atomically(func(txn *stm.Txn) {
		ok, err := m.DeleteCar(txn, 1, 9)
		require.NoError(t, err)
		require.True(t, ok, "drain down to numUsed should mark deleted, not remove")
	})
	stm.AtomicallyReadOnly(func(txn *stm.Txn) {
		_, price, err := m.QueryCar(txn, 1)
		require.NoError(t, err)
		require.Equal(t, -1, price)
	})

	stm.Atomically(func(txn *stm.Txn) {
		ok, err := m.AddCar(txn, 1, 5, -1)
		require.NoError(t, err)
		require.False(t, ok, "reviving a deleted entry without a price must fail")
	})

	stm.Atomically(func(txn *stm.Txn) {
		ok, err := m.AddCar(txn, 1, 5, 45)
		require.NoError(t, err)
		require.True(t, ok, "reviving with a real price must succeed")
	})
	stm.AtomicallyReadOnly(func(txn *stm.Txn) {
		free, price, err := m.QueryCar(txn, 1)
		require.NoError(t, err)
		require.Equal(t, 5, free, "revived numFree grows by num from the post-delete numFree of 0")
		require.Equal(t, 45, price)
	})
}

func TestDeleteCarRetainedWhileInUse(t *testing.T) {
	m := setupManager(t)
	stm.Atomically(func(txn *stm.Txn) {
		m.ReserveCar(txn, 100, 1)
	})

	// numTotal=10, numUsed=1: draining all 10 units would drop numTotal
	// below numUsed and must fail outright.
	stm.Atomically(func(txn *stm.Txn) {
		ok, err := m.DeleteCar(txn, 1, 10)
		require.NoError(t, err)
		require.False(t, ok, "delete dropping numTotal below numUsed must fail")
	})
	stm.AtomicallyReadOnly(func(txn *stm.Txn) {
		free, price, err := m.QueryCar(txn, 1)
		require.NoError(t, err)
		require.Equal(t, 9, free)
		require.NotEqual(t, -1, price, "a rejected delete must not mark the car deleted")
	})

	// draining down to exactly numUsed (9 of 10) must succeed and mark
	// the car deleted-but-retained, since one unit is still in use.
	stm.Atomically(func(txn *stm.Txn) {
		ok, err := m.DeleteCar(txn, 1, 9)
		require.NoError(t, err)
		require.True(t, ok, "delete should succeed but mark deleted, not remove")
	})

	stm.AtomicallyReadOnly(func(txn *stm.Txn) {
		_, price, err := m.QueryCar(txn, 1)
		require.NoError(t, err)
		require.Equal(t, -1, price, "retained-deleted entries report the deleted sentinel price")
	})

	// a reservation against a deleted car must fail
	stm.Atomically(func(txn *stm.Txn) {
		m.AddCustomerSeq(txn, 101)
	})
	stm.Atomically(func(txn *stm.Txn) {
		ok, err := m.ReserveCar(txn, 101, 1)
		require.NoError(t, err)
		require.False(t, ok)
	})
}

// TestDeleteCarRejectsBelowUsedBoundary specifically covers the gap
// AddToTotal's own total-only check misses: a delete amount that still
// leaves numTotal non-negative, but below numUsed.
func TestDeleteCarRejectsBelowUsedBoundary(t *testing.T) {
	m := setupManager(t)
	// numTotal=10; reserve 8 units so numUsed=8.
	for i := int64(101); i < 109; i++ {
		stm.Atomically(func(txn *stm.Txn) {
			m.AddCustomerSeq(txn, i)
		})
		stm.Atomically(func(txn *stm.Txn) {
			ok, err := m.ReserveCar(txn, i, 1)
			require.NoError(t, err)
			require.True(t, ok)
		})
	}

	// total-num = 10-5 = 5, which is >= 0 but < numUsed(8): AddToTotal's
	// own check alone would accept this; the manager must still reject it.
	stm.Atomically(func(txn *stm.Txn) {
		ok, err := m.DeleteCar(txn, 1, 5)
		require.NoError(t, err)
		require.False(t, ok, "delete reducing numTotal below numUsed must fail")
	})

	stm.AtomicallyReadOnly(func(txn *stm.Txn) {
		free, price, err := m.QueryCar(txn, 1)
		require.NoError(t, err)
		require.Equal(t, 2, free, "rejected delete must leave numTotal/numFree unchanged")
		require.NotEqual(t, -1, price)
	})
}

func TestDeleteFlightFailsWhileSeatsUsed(t *testing.T) {
	m := setupManager(t)
	stm.Atomically(func(txn *stm.Txn) {
		m.ReserveFlight(txn, 100, 2)
	})

	stm.Atomically(func(txn *stm.Txn) {
		ok, err := m.DeleteFlight(txn, 2)
		require.NoError(t, err)
		require.False(t, ok, "flight with used seats cannot be deleted")
	})

	stm.Atomically(func(txn *stm.Txn) {
		m.CancelFlight(txn, 100, 2)
	})
	stm.Atomically(func(txn *stm.Txn) {
		ok, err := m.DeleteFlight(txn, 2)
		require.NoError(t, err)
		require.True(t, ok)
	})
}

func TestDeleteCustomerReleasesReservations(t *testing.T) {
	m := setupManager(t)
	stm.Atomically(func(txn *stm.Txn) {
		m.ReserveCar(txn, 100, 1)
		m.ReserveRoom(txn, 100, 3)
	})
	stm.AtomicallyReadOnly(func(txn *stm.Txn) {
		free, _, _ := m.QueryCar(txn, 1)
		require.Equal(t, 9, free)
	})

	stm.Atomically(func(txn *stm.Txn) {
		ok, err := m.DeleteCustomer(txn, 100)
		require.NoError(t, err)
		require.True(t, ok)
	})

	stm.AtomicallyReadOnly(func(txn *stm.Txn) {
		free, _, err := m.QueryCar(txn, 1)
		require.NoError(t, err)
		require.Equal(t, 10, free, "deleting the customer must release its reservations")
	})

	stm.Atomically(func(txn *stm.Txn) {
		ok, err := m.DeleteCustomer(txn, 100)
		require.NoError(t, err)
		require.False(t, ok, "deleting an already-gone customer is a benign logical failure")
	})
}

func TestDeleteCustomerNeverInserted(t *testing.T) {
	m := setupManager(t)
	stm.Atomically(func(txn *stm.Txn) {
		ok, err := m.DeleteCustomer(txn, 424242)
		require.NoError(t, err)
		require.False(t, ok, "deleting an id that was never a customer is benign")
	})
}
