// Package store binds a declared schema to a versioned storage engine and
// exposes the stored rows as live, typed objects.
//
// A Store is opened from a Config. Opening reconciles the schema persisted in
// the engine with the declared one (see package schema), starts the
// notification dispatcher and, if configured, a sync collaborator. All reads
// and writes happen inside transactions:
//
//	s, err := store.Open(store.Config{Schema: sch})
//	...
//	err = s.Write(ctx, func(tx *store.Tx) error {
//		p, err := tx.Create("Person", map[string]any{"name": "Ada", "age": 36})
//		if err != nil {
//			return err
//		}
//		return p.Set("age", 37)
//	})
//
// Key Components:
//
//   - Tx: A transaction context pinned to one version of the engine. Read
//     transactions never block and can be advanced with Refresh. There is at
//     most one write transaction at a time; its Commit installs a new version
//     and fails with ErrTransaction if the engine detected a conflicting write.
//     Store.Write retries such conflicts.
//
//   - Object: An accessor for one row. Objects hold no values; every Get goes
//     to the snapshot of their transaction, so they always reflect the version
//     the transaction reads. An accessor becomes stale (ErrStaleAccessor) when
//     its transaction ends or its row is deleted. Typed access is available
//     through Get[T], Set[T] and Field[T].
//
//   - List, MutableSet, Dictionary: Accessors for collection properties of an
//     object. Links to other objects are returned as *Object.
//
//   - Results: A lazily evaluated query over one type, filtered by predicates
//     (Prop, And, Or, Not) and ordered by SortKeys. Results are re-evaluated
//     only when their transaction observes a new version or a local write.
//
//   - Migration: Steps supplied in Config.Migrations convert values when the
//     declared schema changes the type of a stored property. The whole
//     migration runs in one write transaction.
//
//   - ThreadSafeReference: A transaction independent handle for an object,
//     resolved with Tx.Resolve in another transaction.
//
// Notifications:
//
// Objects, collections and results can be observed. Observers are registered
// from read transactions and receive at most one change per committed version
// after the version of the registering transaction. Callbacks run on a
// goroutine owned by the observer; see package notify.
//
// Errors:
//
// All operations return *Error values carrying an ErrCode. Use errors.Is with
// the sentinels (ErrTransaction, ErrInvalidWrite, ErrTypeMismatch,
// ErrConstraintViolation, ErrStaleAccessor, ErrInvalidArgument, ErrClosed) to
// test for a specific condition. Schema reconciliation failures are reported
// as *schema.Error.
package store
