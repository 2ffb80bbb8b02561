package main

import (
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	stm "github.com/stampbench/vacation"
	"github.com/stampbench/vacation/internal/client"
	"github.com/stampbench/vacation/internal/config"
	"github.com/stampbench/vacation/internal/manager"
	"github.com/stampbench/vacation/internal/xrand"
)

const (
	defaultClients      = config.DefaultClients
	defaultNumber       = config.DefaultNumber
	defaultQueryPercent = config.DefaultQueryPercent
	defaultRelations    = config.DefaultRelations
	defaultTransactions = config.DefaultTransactions
	defaultUserPercent  = config.DefaultUserPercent
)

// runParams holds the raw flag values exactly as cobra/pflag parsed
// them, before being folded into an immutable config.Config.
type runParams struct {
	clients      int64
	number       int64
	queryPercent int64
	relations    int64
	transactions int64
	userPercent  int64
	seed         int64
}

func (p runParams) toConfig() config.Config {
	return config.Config{
		Clients:               int(p.clients),
		QueriesPerTransaction: int(p.number),
		QueryPercent:          int(p.queryPercent),
		Relations:             p.relations,
		Transactions:          p.transactions,
		UserPercent:           int(p.userPercent),
		Seed:                  p.seed,
	}
}

func run(p runParams) error {
	cfg := p.toConfig()
	log := slog.Default()

	fmt.Println("Initializing manager... ")
	mgr := manager.New(log)
	initializeManager(mgr, cfg)
	fmt.Println("done.")

	fmt.Println("Initializing clients... ")
	printParameterSummary(cfg)
	drivers := make([]*client.Driver, cfg.Clients)
	for i := range drivers {
		drivers[i] = client.New(mgr, cfg, i)
	}
	fmt.Println("done.")

	fmt.Println("Running clients... ")
	start := time.Now()
	if err := runClients(drivers); err != nil {
		return err
	}
	elapsed := time.Since(start).Seconds()
	fmt.Println("done.")
	fmt.Printf("Time = %0.6f\n", elapsed)

	fmt.Println("Deallocating memory... ")
	cleanupManager(mgr, cfg)
	fmt.Println("done.")

	return nil
}

// runClients is the thread-pool contract the driver assumes: it
// blocks until every client has run exactly once, in parallel.
// errgroup.Group realizes pool_start(fn, arg) idiomatically — each
// driver's Run is the fn, its goroutine index the implicit arg.
func runClients(drivers []*client.Driver) error {
	var g errgroup.Group
	for _, d := range drivers {
		d := d
		g.Go(func() error {
			d.Run()
			return nil
		})
	}
	return g.Wait()
}

// initializeManager populates the four tables exactly as the source
// benchmark's setup phase does: shuffle the id domain, then insert
// each relation with a random capacity/price drawn from the same
// ranges the original uses, followed by one customer per relation id.
func initializeManager(mgr *manager.Manager, cfg config.Config) {
	seedRNG := xrand.New(cfg.Seed, 0)
	ids := shuffledIDs(seedRNG, cfg.Relations)

	// Setup runs single-threaded before any client starts, so each id
	// gets its own small transaction rather than accumulating one
	// enormous write set across the whole relation domain.
	for _, id := range ids {
		num := int64(seedRNG.Intn(5)+1) * 100
		price := seedRNG.Intn(5)*10 + 50
		stm.Atomically(func(txn *stm.Txn) {
			mgr.AddCarSeq(txn, id, int(num), price)
			mgr.AddFlightSeq(txn, id, int(num), price)
			mgr.AddRoomSeq(txn, id, int(num), price)
			mgr.AddCustomerSeq(txn, id)
		})
	}
}

// shuffledIDs returns a Fisher-Yates shuffle of 1..n, matching the
// source benchmark's id-randomization before populating the tables.
func shuffledIDs(rng *xrand.Source, n int64) []int64 {
	ids := make([]int64, n)
	for i := range ids {
		ids[i] = int64(i) + 1
	}
	for i := len(ids) - 1; i > 0; i-- {
		j := rng.Int63n(int64(i) + 1)
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids
}

// cleanupManager mirrors the source benchmark's cleanup phase: it
// treats every id 1..Relations as a possible customer first
// (initializeManager inserted one customer per id, but the workload's
// DELETE_CUSTOMER transactions may already have removed some, and
// DeleteCustomer returning false for those is benign, not an invariant
// violation), then removes every car, flight, and room.
func cleanupManager(mgr *manager.Manager, cfg config.Config) {
	for id := int64(1); id <= cfg.Relations; id++ {
		stm.Atomically(func(txn *stm.Txn) {
			mgr.DeleteCustomerSeq(txn, id)
		})
	}
	for id := int64(1); id <= cfg.Relations; id++ {
		stm.Atomically(func(txn *stm.Txn) {
			deleteAllOf(txn, mgr.CapacityCar, mgr.DeleteCar, id)
			mgr.DeleteFlight(txn, id)
			deleteAllOf(txn, mgr.CapacityRoom, mgr.DeleteRoom, id)
		})
	}
}

// deleteAllOf drains a car or room relation's entire remaining
// capacity, the cleanup-phase equivalent of "delete everything this
// id still has"; an absent id is a no-op.
func deleteAllOf(txn *stm.Txn, capacity func(*stm.Txn, int64) (int, bool, error), del func(*stm.Txn, int64, int) (bool, error), id int64) {
	total, found, err := capacity(txn, id)
	if err != nil || !found {
		return
	}
	del(txn, id, total)
}

func printParameterSummary(cfg config.Config) {
	fmt.Printf("Transactions        = %d\n", cfg.Transactions)
	fmt.Printf("Clients              = %d\n", cfg.Clients)
	fmt.Printf("Transactions/client  = %d\n", cfg.TransactionsPerClient())
	fmt.Printf("Queries/transaction  = %d\n", cfg.QueriesPerTransaction)
	fmt.Printf("Relations            = %d\n", cfg.Relations)
	fmt.Printf("Query percent        = %d\n", cfg.QueryPercent)
	fmt.Printf("Query range          = %d\n", cfg.QueryRange())
	fmt.Printf("Percent user         = %d\n", cfg.UserPercent)
}
