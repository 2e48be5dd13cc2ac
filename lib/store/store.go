package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dObj/lib/bridge"
	"github.com/ValentinKolb/dObj/lib/db"
	"github.com/ValentinKolb/dObj/lib/db/engines/maple"
	"github.com/ValentinKolb/dObj/lib/notify"
	"github.com/ValentinKolb/dObj/lib/schema"
	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("store")

// Store is an opened object store: a storage engine bound to a declared schema,
// its notification dispatcher and an optional sync collaborator.
//
// Thread-safety: all methods are safe for concurrent use. Transactions and the
// accessors created from them belong to a single goroutine.
type Store struct {
	id         uuid.UUID
	cfg        Config
	engine     db.Store
	schema     *schema.Schema
	dispatcher *notify.Dispatcher
	closed     atomic.Bool
	closeOnce  sync.Once

	// sync collaborator
	collab       bridge.Collaborator
	collabCtx    context.Context
	collabCancel context.CancelFunc
	uploadMu     sync.RWMutex // orders uploads.Add before uploads.Wait
	uploads      sync.WaitGroup

	metrics   *metrics.Set
	commits   *metrics.Counter
	conflicts *metrics.Counter
	retries   *metrics.Counter
	remote    *metrics.Counter
}

// Open opens the engine, reconciles the stored schema with the declared one
// and starts the notification dispatcher and the sync collaborator.
func Open(cfg Config) (*Store, error) {
	if cfg.Schema == nil {
		return nil, errorf(ErrCInvalidArgument, "no schema declared")
	}
	if cfg.Engine == nil {
		cfg.Engine = maple.Factory(nil)
	}
	if cfg.WriteRetries < 0 {
		cfg.WriteRetries = 0
	}

	engine, err := cfg.Engine(cfg.Path, cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}

	s := &Store{
		id:      uuid.New(),
		cfg:     cfg,
		engine:  engine,
		schema:  cfg.Schema,
		metrics: cfg.Metrics,
	}
	if s.metrics == nil {
		s.metrics = metrics.NewSet()
	}
	labels := fmt.Sprintf(`store=%q`, s.id.String())
	s.commits = s.metrics.GetOrCreateCounter(`dobj_commits_total{` + labels + `}`)
	s.conflicts = s.metrics.GetOrCreateCounter(`dobj_conflicts_total{` + labels + `}`)
	s.retries = s.metrics.GetOrCreateCounter(`dobj_write_retries_total{` + labels + `}`)
	s.remote = s.metrics.GetOrCreateCounter(`dobj_remote_versions_total{` + labels + `}`)
	s.metrics.GetOrCreateGauge(`dobj_version{`+labels+`}`, func() float64 {
		return float64(s.engine.CurrentVersion())
	})

	if err := s.migrate(); err != nil {
		engine.Close()
		return nil, err
	}

	s.dispatcher, err = notify.NewDispatcher(engine, &notify.Options{Metrics: s.metrics, Labels: labels})
	if err != nil {
		engine.Close()
		return nil, err
	}

	if cfg.Collaborator != nil {
		s.collab = cfg.Collaborator
		s.collabCtx, s.collabCancel = context.WithCancel(context.Background())
		if err := s.collab.Start(s.collabCtx, s); err != nil {
			s.collabCancel()
			s.dispatcher.Close()
			engine.Close()
			return nil, fmt.Errorf("store: start sync collaborator: %w", err)
		}
	}

	log.Infof("opened store %s at version %d (schema version %d)", s.id, engine.CurrentVersion(), s.schema.Version)
	return s, nil
}

// ID returns the unique id of this store instance.
func (s *Store) ID() uuid.UUID { return s.id }

// Schema returns the declared schema.
func (s *Store) Schema() *schema.Schema { return s.schema }

// Engine returns the underlying storage engine.
func (s *Store) Engine() db.Store { return s.engine }

// Dispatcher returns the notification dispatcher of the store.
func (s *Store) Dispatcher() *notify.Dispatcher { return s.dispatcher }

// WritePrometheus writes the store metrics in Prometheus text format.
func (s *Store) WritePrometheus(w io.Writer) {
	s.metrics.WritePrometheus(w)
}

// WaitForNotifications waits until every committed version was diffed and the
// resulting notifications were enqueued.
func (s *Store) WaitForNotifications(ctx context.Context) error {
	return s.dispatcher.Sync(ctx)
}

// --------------------------------------------------------------------------
// Transactions
// --------------------------------------------------------------------------

// BeginRead opens a read transaction on the latest version. It never blocks.
func (s *Store) BeginRead() (*Tx, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	snap, err := s.engine.BeginRead()
	if err != nil {
		return nil, wrap(ErrCInternal, err, "begin read")
	}
	return newTx(s, snap, TxReadActive), nil
}

// BeginWrite opens the write transaction. It blocks while another write
// transaction is active (engines in optimistic mode do not block and report
// conflicts at commit instead).
func (s *Store) BeginWrite(ctx context.Context) (*Tx, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	snap, err := s.engine.BeginWrite(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, wrap(ErrCInternal, err, "begin write")
	}
	return newTx(s, snap, TxWriteActive), nil
}

// Write runs fn in a write transaction and commits it. If fn fails the
// transaction is rolled back. Conflicting commits are retried up to
// Config.WriteRetries times, running fn again each time.
func (s *Store) Write(ctx context.Context, fn func(tx *Tx) error) error {
	for attempt := 0; ; attempt++ {
		err := s.writeOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrTransaction) || attempt >= s.cfg.WriteRetries {
			return err
		}
		s.retries.Inc()
		log.Debugf("retrying conflicting write (attempt %d)", attempt+1)
	}
}

// writeOnce runs one attempt of Write. The transaction is rolled back if fn
// fails or panics, so the writer lock is always released.
func (s *Store) writeOnce(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.BeginWrite(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if tx.Writable() {
			tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Read runs fn in a read transaction.
func (s *Store) Read(fn func(tx *Tx) error) error {
	tx, err := s.BeginRead()
	if err != nil {
		return err
	}
	defer tx.Close()
	return fn(tx)
}

// published is called by committing write transactions with the new version
// while the engine writer lock is still held.
func (s *Store) published(v db.Version) {
	s.commits.Inc()
	s.dispatcher.Publish(v)
}

// requestUpload notifies the collaborator about a local commit without waiting for it.
func (s *Store) requestUpload(since db.Version) {
	if s.collab == nil {
		return
	}
	s.uploadMu.RLock()
	if s.closed.Load() {
		s.uploadMu.RUnlock()
		return
	}
	s.uploads.Add(1)
	s.uploadMu.RUnlock()

	go func() {
		defer s.uploads.Done()
		if err := s.collab.RequestUpload(s.collabCtx, since); err != nil && s.collabCtx.Err() == nil {
			log.Warningf("upload request after version %d failed: %v", since, err)
		}
	}()
}

// --------------------------------------------------------------------------
// Sync Bridge
// --------------------------------------------------------------------------

// CurrentVersion returns the latest committed version.
func (s *Store) CurrentVersion() db.Version {
	return s.engine.CurrentVersion()
}

// ChangeSetSince returns the merged change set from v to the current version.
func (s *Store) ChangeSetSince(v db.Version) (db.ChangeSet, error) {
	return s.engine.ChangeSetSince(v)
}

// OnRemoteVersionAdvanced announces a version committed by the sync
// collaborator. Observers are notified exactly like for a local commit.
func (s *Store) OnRemoteVersionAdvanced(v db.Version) {
	if s.closed.Load() {
		return
	}
	s.remote.Inc()
	s.dispatcher.Publish(v)
}

var _ bridge.Bridge = (*Store)(nil)

// --------------------------------------------------------------------------
// Shutdown
// --------------------------------------------------------------------------

// Close stops the collaborator and the dispatcher and closes the engine.
// Open transactions must be finished before.
func (s *Store) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		s.uploadMu.Lock()
		s.closed.Store(true)
		s.uploadMu.Unlock()

		if s.collab != nil {
			s.collabCancel()
			s.uploads.Wait()
			if err := s.collab.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close sync collaborator: %w", err))
			}
		}
		if err := s.dispatcher.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := s.engine.Close(); err != nil {
			errs = append(errs, err)
		}
		log.Infof("closed store %s", s.id)
	})
	return errors.Join(errs...)
}
