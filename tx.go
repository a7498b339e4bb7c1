package docds

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxActionsPerTxn bounds the deferred actions of one transaction.
const maxActionsPerTxn = 5

// Transaction is an opaque handle returned by BeginTransaction.
type Transaction struct {
	handle uuid.UUID
}

func (tx *Transaction) String() string {
	if tx == nil {
		return "<no tx>"
	}
	return tx.handle.String()
}

// ParseTransaction reconstructs a handle from its String form.
func ParseTransaction(s string) (*Transaction, error) {
	h, err := uuid.Parse(s)
	if err != nil {
		return nil, badRequestf("invalid transaction handle %q", s)
	}
	return &Transaction{handle: h}, nil
}

// txState is the buffered state of the active transaction. Writes and
// deletes are keyed by namespace and encoded key; the order slices record
// the order in which each key was last touched.
type txState struct {
	handle uuid.UUID

	writes      map[string]*Entity
	writeOrder  []string
	deletes     map[string]*Key
	deleteOrder []string
	actions     []Action

	startTime time.Time
	stack     string
	done      bool
}

// txCoordinator owns the single commit gate: at most one transaction is
// active at a time, from BeginTransaction until Commit or Rollback returns.
type txCoordinator struct {
	mu     sync.Mutex
	active *txState
}

func txMapKey(k *Key) (string, error) {
	enc, err := EncodeKey(k)
	if err != nil {
		return "", err
	}
	return k.namespace + "\x00" + enc, nil
}

func (c *txCoordinator) begin(trackStack bool) (*Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return nil, ErrTransactionConflict
	}
	st := &txState{
		handle:    uuid.New(),
		writes:    make(map[string]*Entity),
		deletes:   make(map[string]*Key),
		startTime: time.Now(),
	}
	if trackStack {
		st.stack = string(debug.Stack())
	}
	c.active = st
	return &Transaction{handle: st.handle}, nil
}

// with runs f on the state of tx if it is the active, unfinished transaction.
func (c *txCoordinator) with(tx *Transaction, f func(st *txState) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tx == nil || c.active == nil || c.active.done || c.active.handle != tx.handle {
		return fmt.Errorf("%w: %v", ErrTransactionNotActive, tx)
	}
	return f(c.active)
}

func (c *txCoordinator) bufferPut(tx *Transaction, entities []*Entity) error {
	return c.with(tx, func(st *txState) error {
		for _, e := range entities {
			mk, err := txMapKey(e.Key)
			if err != nil {
				return err
			}
			if _, found := st.writes[mk]; found {
				st.writeOrder = slices.DeleteFunc(st.writeOrder, func(s string) bool { return s == mk })
			}
			st.writes[mk] = e
			st.writeOrder = append(st.writeOrder, mk)
			if _, found := st.deletes[mk]; found {
				delete(st.deletes, mk)
				st.deleteOrder = slices.DeleteFunc(st.deleteOrder, func(s string) bool { return s == mk })
			}
		}
		return nil
	})
}

func (c *txCoordinator) bufferDelete(tx *Transaction, keys []*Key) error {
	return c.with(tx, func(st *txState) error {
		for _, k := range keys {
			mk, err := txMapKey(k)
			if err != nil {
				return err
			}
			if _, found := st.writes[mk]; found {
				delete(st.writes, mk)
				st.writeOrder = slices.DeleteFunc(st.writeOrder, func(s string) bool { return s == mk })
			}
			if _, found := st.deletes[mk]; !found {
				st.deletes[mk] = k
				st.deleteOrder = append(st.deleteOrder, mk)
			}
		}
		return nil
	})
}

func (c *txCoordinator) addActions(tx *Transaction, actions []Action) error {
	for i := range actions {
		if err := actions[i].validate(); err != nil {
			return err
		}
	}
	return c.with(tx, func(st *txState) error {
		if n := len(st.actions) + len(actions); n > maxActionsPerTxn {
			return fmt.Errorf("%w: %d, maximum allowed %d", ErrTooManyActions, n, maxActionsPerTxn)
		}
		st.actions = append(st.actions, actions...)
		return nil
	})
}

// finish marks tx done and hands over its state. The gate stays held until
// release.
func (c *txCoordinator) finish(tx *Transaction) (*txState, error) {
	var result *txState
	err := c.with(tx, func(st *txState) error {
		st.done = true
		result = st
		return nil
	})
	return result, err
}

func (c *txCoordinator) release(st *txState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == st {
		c.active = nil
	}
}

func (c *txCoordinator) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = nil
}

// BeginTransaction starts the single active transaction. It fails with
// ErrTransactionConflict while another transaction holds the gate.
func (db *DB) BeginTransaction(ctx context.Context) (*Transaction, error) {
	tx, err := db.txc.begin(db.trackTxns)
	if err != nil {
		db.metrics.txnEvent("conflict")
		return nil, err
	}
	db.metrics.txnEvent("begin")
	if db.verbose {
		db.logger.Debug("db: BEGIN", "tx", tx.String())
	}
	return tx, nil
}

// AddActions schedules actions to be submitted to the ActionSink once tx
// commits. A transaction holds at most 5 actions.
func (db *DB) AddActions(ctx context.Context, tx *Transaction, actions ...Action) error {
	return db.txc.addActions(tx, actions)
}

// Commit records the transaction in the journal if one is configured,
// applies the buffered writes, then the buffered deletes, then submits the
// deferred actions. Action failures are logged and do not fail
// the commit. The gate is released even when a write fails, in which case
// the commit may be partially applied.
func (db *DB) Commit(ctx context.Context, tx *Transaction) error {
	st, err := db.txc.finish(tx)
	if err != nil {
		return err
	}
	defer db.txc.release(st)
	if db.verbose {
		db.logger.Debug("db: COMMIT", "tx", tx.String(), "writes", len(st.writeOrder), "deletes", len(st.deleteOrder), "actions", len(st.actions))
	}

	if err := db.journalCommit(tx, st); err != nil {
		db.metrics.txnEvent("failed")
		return err
	}
	for _, mk := range st.writeOrder {
		if err := db.writeEntity(ctx, st.writes[mk]); err != nil {
			db.metrics.txnEvent("failed")
			return fmt.Errorf("commit %v: %w", tx, err)
		}
	}
	for _, mk := range st.deleteOrder {
		if err := db.removeKey(ctx, st.deletes[mk]); err != nil {
			db.metrics.txnEvent("failed")
			return fmt.Errorf("commit %v: %w", tx, err)
		}
	}
	for _, a := range st.actions {
		if err := db.sink.Submit(ctx, a); err != nil {
			err = fmt.Errorf("%w: %v: %w", ErrDeferredActionFailed, &a, err)
			db.logger.LogAttrs(ctx, slog.LevelWarn, "transactional action dropped", slog.String("tx", tx.String()), slog.String("action", a.String()), slog.Any("err", err))
			db.metrics.actionEvent("dropped")
		} else {
			db.metrics.actionEvent("submitted")
		}
	}
	db.metrics.txnEvent("commit")
	return nil
}

// Rollback discards everything buffered in tx.
func (db *DB) Rollback(ctx context.Context, tx *Transaction) error {
	st, err := db.txc.finish(tx)
	if err != nil {
		return err
	}
	db.txc.release(st)
	db.metrics.txnEvent("rollback")
	if db.verbose {
		db.logger.Debug("db: ROLLBACK", "tx", tx.String())
	}
	return nil
}

// DescribeOpenTxns reports the active transaction, for debugging stuck gates.
func (db *DB) DescribeOpenTxns() string {
	db.txc.mu.Lock()
	st := db.txc.active
	var (
		handle    string
		startTime time.Time
		stack     string
		pending   string
	)
	if st != nil {
		handle, startTime, stack = st.handle.String(), st.startTime, st.stack
		pending = fmt.Sprintf("%d writes, %d deletes, %d actions", len(st.writeOrder), len(st.deleteOrder), len(st.actions))
	}
	db.txc.mu.Unlock()

	if st == nil {
		return "NO OPEN TRANSACTIONS"
	}

	var buf strings.Builder
	ms := time.Since(startTime).Milliseconds()
	fmt.Fprintf(&buf, "OPEN TRANSACTION %s: open for %d ms, %s\n", handle, ms, pending)
	if stack != "" && ms >= 100 {
		buf.WriteString(stack)
	}
	return buf.String()
}
