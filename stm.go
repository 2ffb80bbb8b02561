// Package stm implements a word-level, lazy-versioning, optimistic
// software transactional memory runtime in the style of TL2 (Dice,
// Shalev, Shavit). Transactions read and write *Var slots; conflicts
// are detected at commit time against a global version clock instead
// of being prevented by blocking locks, so a transaction never waits
// for another one to finish — it just retries.
//
// The spec this package realizes names the contract as TxBegin /
// TxRead / TxWrite / TxCommit / TxAbort / TxAlloc / TxFree. Atomically
// and AtomicallyReadOnly are the TxBegin/TxCommit pair collapsed into
// a single closure call: the closure's body is everything between
// TxBegin and TxCommit, re-invoking the closure on conflict is
// TxAbort-then-TxBegin, and an ordinary return from the closure is
// TxCommit. Var.Load/Var.Store realize TxRead/TxWrite, and
// Txn.Alloc/Txn.Free realize TxAlloc/TxFree.
package stm

import (
	"errors"
	"runtime"
	"sync/atomic"
)

// Txn carries all per-transaction state: the read snapshot version,
// the read and write sets, and the rollback/release hooks registered
// by Alloc/Free.
type Txn struct {
	tmp [5]*Var // try to avoid allocation as much as possible

	rv       uint64 // read version
	readSet  []*Var
	writeSet map[*Var]interface{}

	readOnly bool

	retry  bool
	locked []*Var // need to release lock before retry

	aborts int // consecutive aborts seen by this Atomically call, for back-off

	// allocLog holds undo hooks for resources obtained via Alloc during
	// the transaction's current attempt. Run, in reverse order, on
	// abort; discarded without running on commit, since a committed
	// allocation is now part of durable state.
	allocLog []func()

	// freeLog holds release hooks registered via Free. Run only after
	// a successful commit; discarded on abort, since an aborted
	// transaction never actually freed anything.
	freeLog []func()
}

// Var is a single shared, STM-tracked word. The zero value is a valid
// Var holding a nil value.
type Var struct {
	lock   versionedWriteLock
	val    interface{}
	handle uint64 // lazily-assigned arena handle, used only for stripe ordering
}

// 1 bit for lock and 63 bits for version.
type versionedWriteLock uint64

func (l *versionedWriteLock) load() (locked bool, version uint64) {
	v := atomic.LoadUint64((*uint64)(l))
	locked = (v >> 63) > 0
	version = v & ((1 << 63) - 1)
	return
}

func (l *versionedWriteLock) tryAcquire() bool {
	v := atomic.LoadUint64((*uint64)(l))
	locked := (v >> 63) > 0
	if locked { // locked already
		return false
	}
	v1 := v | (1 << 63)
	return atomic.CompareAndSwapUint64((*uint64)(l), v, v1)
}

func (l *versionedWriteLock) commit(v uint64) {
	locked, _ := l.load()
	if !locked {
		panic("commit() something is wrong")
	}
	atomic.StoreUint64((*uint64)(l), v)
}

func (l *versionedWriteLock) release() {
	locked, version := l.load()
	if !locked {
		panic("release() something is wrong")
	}
	atomic.StoreUint64((*uint64)(l), version)
}

// VersionClock is a monotonically increasing, process-wide counter.
// Every successful read-write commit increments it; every transaction
// samples it at begin as its read version (rv).
type VersionClock uint64

func (global *VersionClock) load() uint64 {
	return atomic.LoadUint64((*uint64)(global))
}

func (global *VersionClock) increment() uint64 {
	return atomic.AddUint64((*uint64)(global), 1)
}

var global VersionClock

// handleCounter assigns each Var a stable, monotonically increasing
// handle the first time it takes part in a write set. The handle
// exists only so write-set entries can be sorted into a fixed order
// before lock acquisition (see sortedWriteSet); the lock itself still
// lives on the Var, which is the degenerate case of a striped lock
// table where the stripe count equals the number of live Vars.
var handleCounter uint64

func (v *Var) stripeHandle() uint64 {
	if h := atomic.LoadUint64(&v.handle); h != 0 {
		return h
	}
	h := atomic.AddUint64(&handleCounter, 1)
	if !atomic.CompareAndSwapUint64(&v.handle, 0, h) {
		return atomic.LoadUint64(&v.handle)
	}
	return h
}

// maxLockAttempts bounds the number of CAS attempts a commit makes to
// acquire a single write-set entry's lock before giving up and
// retrying the whole transaction (spec: "a bounded number of
// compare-and-swap attempts").
const maxLockAttempts = 64

// backoffThreshold is the number of consecutive aborts after which a
// transaction starts yielding the processor before retrying, a simple
// defense against livelock under heavy contention (spec: "may
// optionally back off exponentially before retry").
const backoffThreshold = 8

// errRetry marks a Load that must cause the enclosing transaction to
// abort and retry; it never escapes Atomically/AtomicallyReadOnly.
var errRetry = errors.New("stm: transaction conflicts, should retry")

// Atomically runs a read-write transaction. speculative is invoked
// repeatedly — once per attempt — until it completes without
// conflicting with any concurrent commit. Every side effect performed
// through the Txn passed to speculative (reads, writes, Alloc, Free)
// is rolled back between attempts; only the final, successful
// attempt's writes are published.
func Atomically(speculative func(*Txn)) {
	var txn Txn
	txn.readSet = txn.tmp[:0]
	runWithTxn(&global, &txn, speculative)
}

// AtomicallyReadOnly runs a read-only transaction: speculative may
// call Var.Load but must not call Var.Store. It takes no locks, never
// bumps the global clock, and needs no read-set validation beyond
// what each Load already performed.
func AtomicallyReadOnly(speculative func(*Txn)) {
	var txn Txn
	txn.readSet = txn.tmp[:0]
	txn.readOnly = true
	runWithTxn(&global, &txn, speculative)
}

func runWithTxn(global *VersionClock, txn *Txn, speculative func(*Txn)) {
	for {
		txn.retry = false
		// Step1: sample global version-clock
		txn.rv = global.load()

		// Step2: run through a speculative execution
		speculative(txn)
		if txn.retry {
			backoff(txn)
			continue
		}

		// optimize: if this is a read-only txn, all work is done.
		if txn.readOnly || len(txn.writeSet) == 0 {
			runFreeLog(txn)
			return
		}

		// Step3: lock the write-set, in a fixed stripe order so that
		// two transactions racing over an overlapping write-set always
		// attempt acquisition in the same relative order.
		writeVars := sortedWriteSet(txn)
		if txn.locked == nil {
			txn.locked = make([]*Var, 0, len(writeVars))
		}
		for _, writeVar := range writeVars {
			if ok := tryAcquireBounded(writeVar); !ok {
				abortAndRetry(txn)
				break
			}
			txn.locked = append(txn.locked, writeVar)
		}
		if txn.retry {
			backoff(txn)
			continue
		}

		// Step4: increment global version-clock
		writeVersion := global.increment()

		// Step5: validate the read-set
		if writeVersion == txn.rv+1 {
			// optimize: it means we are the only writer, so no need to validate the read set
		} else {
			for _, readVar := range txn.readSet {
				locked, version := readVar.lock.load()
				var lockedByMe bool
				if locked {
					_, lockedByMe = txn.writeSet[readVar]
				}
				if (locked && !lockedByMe) || version > txn.rv {
					abortAndRetry(txn)
					break
				}
			}
			if txn.retry {
				backoff(txn)
				continue
			}
		}

		// Step6: commit and free lock
		commitTxn(txn, writeVersion)
		runFreeLog(txn)
		return
	}
}

// tryAcquireBounded retries a single stripe lock's CAS up to
// maxLockAttempts times before declaring the acquisition failed.
func tryAcquireBounded(v *Var) bool {
	for attempt := 0; attempt < maxLockAttempts; attempt++ {
		if v.lock.tryAcquire() {
			return true
		}
	}
	return false
}

// sortedWriteSet returns the transaction's write-set Vars ordered by
// stripe handle. Go map iteration order is randomized, and spec.md
// requires a fixed acquisition order across transactions; duplicate
// stripes cannot occur here because the write set is keyed by *Var
// itself, so each Var appears at most once.
func sortedWriteSet(txn *Txn) []*Var {
	vars := make([]*Var, 0, len(txn.writeSet))
	for v := range txn.writeSet {
		vars = append(vars, v)
	}
	// insertion sort: write sets are small (spec.md: "small per-transaction
	// read/write footprints"), so this beats paying sort.Slice's overhead.
	for i := 1; i < len(vars); i++ {
		for j := i; j > 0 && vars[j-1].stripeHandle() > vars[j].stripeHandle(); j-- {
			vars[j-1], vars[j] = vars[j], vars[j-1]
		}
	}
	return vars
}

// backoff yields the processor a handful of times once a transaction
// has aborted more than backoffThreshold times in a row, giving whichever
// transaction is winning the contention a better chance to finish
// before this one tries again.
func backoff(txn *Txn) {
	if txn.aborts <= backoffThreshold {
		return
	}
	spins := txn.aborts - backoffThreshold
	if spins > 16 {
		spins = 16
	}
	for i := 0; i < spins; i++ {
		runtime.Gosched()
	}
}

// Run differs from Atomically in that it uses a caller-supplied
// VersionClock instead of the package-global one, and reuses a Txn
// object across calls for better performance.
func Run(global *VersionClock, txn *Txn, speculative func(*Txn)) {
	resetForReuse(txn)
	runWithTxn(global, txn, speculative)
}

// Load is the TxRead operation: it returns the current value of v as
// observed by txn. If txn already wrote v, the buffered value is
// returned without touching the lock at all, so repeated loads of a
// value this transaction already wrote are idempotent and side-effect
// free (spec.md's "idempotence of repeated read").
//
// On an invalid read (the lock is held, or the word changed more
// recently than txn's snapshot), Load marks txn for retry and returns
// a non-nil error; the caller must stop performing further
// transactional work and return, letting Atomically re-invoke the
// closure.
func (v *Var) Load(txn *Txn) (interface{}, error) {
	if val, ok := txn.writeSet[v]; ok {
		return val, nil
	}

	// A load instruction sampling the associated lock is inserted.
	locked, version1 := v.lock.load()
	if locked || version1 > txn.rv {
		abortAndRetry(txn)
		return nil, errRetry
	}

	// The original load.
	val := v.val

	// Post-validation: the location's versioned write-lock must still
	// be free and unchanged.
	locked, version2 := v.lock.load()
	if version1 != version2 || version2 > txn.rv || locked {
		abortAndRetry(txn)
		return nil, errRetry
	}

	if !txn.readOnly {
		txn.readSet = append(txn.readSet, v)
	}
	return val, nil
}

// Store is the TxWrite operation: it buffers val for v in txn's write
// set without touching shared memory. A Var written more than once in
// the same transaction simply has its buffered value overwritten.
func (v *Var) Store(txn *Txn, val interface{}) {
	if txn.writeSet == nil {
		txn.writeSet = make(map[*Var]interface{}, 5) // lazy initialize to get better performance
	}
	txn.writeSet[v] = val
}

// Alloc registers undo for a resource obtained during this
// transaction's current attempt. undo runs if and only if the attempt
// aborts; on a successful commit it is discarded, since the resource
// is now reachable from durable, committed state.
func (txn *Txn) Alloc(undo func()) {
	txn.allocLog = append(txn.allocLog, undo)
}

// Free schedules release to run once the transaction has committed
// successfully — never while the outcome is still speculative, so a
// resource is never handed back to an allocator while another
// transaction might still be validating a read of it. On abort,
// release is discarded without running.
func (txn *Txn) Free(release func()) {
	txn.freeLog = append(txn.freeLog, release)
}

func abortAndRetry(txn *Txn) {
	txn.rv = 0
	txn.readSet = txn.readSet[:0]
	if len(txn.locked) > 0 {
		for _, writeVar := range txn.locked {
			writeVar.lock.release()
		}
		txn.locked = txn.locked[:0]
	}
	clear(txn.writeSet)
	for i := len(txn.allocLog) - 1; i >= 0; i-- {
		txn.allocLog[i]()
	}
	txn.allocLog = txn.allocLog[:0]
	txn.freeLog = txn.freeLog[:0]
	txn.aborts++
	txn.retry = true
}

func discardLogs(txn *Txn) {
	txn.allocLog = txn.allocLog[:0]
	txn.freeLog = txn.freeLog[:0]
}

func runFreeLog(txn *Txn) {
	for _, release := range txn.freeLog {
		release()
	}
	txn.freeLog = txn.freeLog[:0]
	txn.allocLog = txn.allocLog[:0]
}

func resetForReuse(txn *Txn) {
	txn.readSet = txn.readSet[:0]
	txn.locked = txn.locked[:0]
	txn.readOnly = false
	txn.aborts = 0
	clear(txn.writeSet)
	txn.allocLog = txn.allocLog[:0]
	txn.freeLog = txn.freeLog[:0]
}

func commitTxn(txn *Txn, wv uint64) {
	for writeVar, val := range txn.writeSet {
		writeVar.val = val
		writeVar.lock.commit(wv)
	}
}
