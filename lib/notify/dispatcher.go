package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dObj/lib/db"
	"github.com/ValentinKolb/dObj/lib/db/util"
	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("notify")

// ErrClosed is returned when registering on or syncing with a closed dispatcher.
var ErrClosed = errors.New("notify: dispatcher is closed")

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Options configures a Dispatcher.
type Options struct {
	Metrics *metrics.Set // Set receiving the dispatcher metrics (a private set if nil)
	Labels  string       // Prometheus labels added to every metric, e.g. `store="a"`
}

// DefaultOptions returns the default dispatcher options.
func DefaultOptions() *Options {
	return &Options{}
}

func metricName(name, labels string) string {
	if labels == "" {
		return name
	}
	return name + "{" + labels + "}"
}

// --------------------------------------------------------------------------
// Dispatcher
// --------------------------------------------------------------------------

// event is one unit of work for the dispatcher worker: a version advance or the
// activation of a new observer.
type event struct {
	version db.Version
	obs     *observer
	base    db.Snapshot // registration snapshot of obs
}

// Dispatcher diffs every committed version transition of a store and enqueues
// one change record per affected observer.
//
// Thread-safety: all methods are safe for concurrent use. Callbacks of one
// observer run sequentially on the observer's own goroutine.
type Dispatcher struct {
	store db.Store

	events    *util.LockFreeMPSC[event]
	observers *xsync.MapOf[uuid.UUID, *observer]
	prev      db.Snapshot // snapshot of the last processed version, owned by the worker

	published atomic.Uint64
	processed atomic.Uint64

	progressMu sync.Mutex
	progress   chan struct{} // closed and replaced whenever processed advances

	closed atomic.Bool
	done   chan struct{}

	delivered  *metrics.Counter
	suppressed *metrics.Counter
	failures   *metrics.Counter
	diffErrors *metrics.Counter
}

// NewDispatcher creates a dispatcher for store that considers every version up
// to the current one as processed, and starts its worker.
func NewDispatcher(store db.Store, opts *Options) (*Dispatcher, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	set := opts.Metrics
	if set == nil {
		set = metrics.NewSet()
	}

	prev, err := store.BeginRead()
	if err != nil {
		return nil, fmt.Errorf("notify: pin current version: %w", err)
	}

	d := &Dispatcher{
		store:     store,
		events:    util.NewLockFreeMPSC[event](),
		observers: xsync.NewMapOf[uuid.UUID, *observer](),
		prev:      prev,
		progress:  make(chan struct{}),
		done:      make(chan struct{}),

		delivered:  set.GetOrCreateCounter(metricName("dobj_notifications_delivered_total", opts.Labels)),
		suppressed: set.GetOrCreateCounter(metricName("dobj_notifications_suppressed_total", opts.Labels)),
		failures:   set.GetOrCreateCounter(metricName("dobj_callback_failures_total", opts.Labels)),
		diffErrors: set.GetOrCreateCounter(metricName("dobj_diff_errors_total", opts.Labels)),
	}
	d.published.Store(uint64(prev.Version()))
	d.processed.Store(uint64(prev.Version()))

	set.GetOrCreateGauge(metricName("dobj_dispatcher_lag_versions", opts.Labels), func() float64 {
		return float64(d.published.Load() - d.processed.Load())
	})
	set.GetOrCreateGauge(metricName("dobj_observers", opts.Labels), func() float64 {
		return float64(d.observers.Size())
	})

	go d.run()
	return d, nil
}

// Publish announces a committed version. It never blocks and can be used as the
// db.PublishFunc of a commit. Versions may be published out of order and more
// than once.
func (d *Dispatcher) Publish(v db.Version) {
	for {
		cur := d.published.Load()
		if uint64(v) <= cur || d.published.CompareAndSwap(cur, uint64(v)) {
			break
		}
	}
	d.events.Push(&event{version: v})
}

// Processed returns the latest version whose transition was diffed and enqueued.
func (d *Dispatcher) Processed() db.Version {
	return db.Version(d.processed.Load())
}

// Sync waits until every version published before the call was diffed and all
// resulting notifications were enqueued.
func (d *Dispatcher) Sync(ctx context.Context) error {
	target := d.published.Load()
	for {
		d.progressMu.Lock()
		ch := d.progress
		d.progressMu.Unlock()

		if d.processed.Load() >= target {
			return nil
		}
		select {
		case <-ch:
		case <-d.done:
			if d.processed.Load() >= target {
				return nil
			}
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Register adds an observer of entity. The observer receives the changes of
// all transitions after base.Version(); base must be a snapshot at the version
// the caller last saw the entity at. The dispatcher takes ownership of base.
//
// Registration does not trigger an initial notification.
func (d *Dispatcher) Register(entity Entity, base db.Snapshot, callback func(Change)) (*Token, error) {
	if d.closed.Load() {
		base.Close()
		return nil, ErrClosed
	}

	obs := &observer{
		id:       uuid.New(),
		entity:   entity,
		callback: callback,
		queue:    util.NewLockFreeMPSC[Change](),
		d:        d,
	}
	d.observers.Store(obs.id, obs)
	go obs.run()

	if !d.events.Push(&event{obs: obs, base: base}) {
		base.Close()
		obs.stop()
		return nil, ErrClosed
	}
	return &Token{obs: obs}, nil
}

// Close stops the worker and all observer goroutines. Pending notifications
// are dropped.
func (d *Dispatcher) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	d.events.Close()
	<-d.done

	d.observers.Range(func(_ uuid.UUID, obs *observer) bool {
		obs.stop()
		return true
	})
	return d.prev.Close()
}

// --------------------------------------------------------------------------
// Worker
// --------------------------------------------------------------------------

func (d *Dispatcher) run() {
	defer close(d.done)

	for ev := range d.events.Recv() {
		if d.closed.Load() {
			if ev.base != nil {
				ev.base.Close()
			}
			continue
		}
		if ev.obs != nil {
			d.activate(ev.obs, ev.base)
			continue
		}
		d.advance(ev.version)
	}
}

// advance processes every transition up to target in order.
func (d *Dispatcher) advance(target db.Version) {
	for d.prev.Version() < target {
		next, err := d.store.BeginReadAt(d.prev.Version() + 1)
		if err != nil {
			// the version is gone, continue from the latest one
			log.Warningf("cannot read version %d, skipping to the latest version: %v", d.prev.Version()+1, err)
			if next, err = d.store.BeginRead(); err != nil {
				log.Errorf("cannot read latest version: %v", err)
				return
			}
			if next.Version() <= d.prev.Version() {
				next.Close()
				return
			}
		}
		d.transition(d.prev, next)
		d.prev.Close()
		d.prev = next
		d.setProcessed(next.Version())
	}
}

// transition diffs old -> new for every active observer registered before new.
func (d *Dispatcher) transition(old, new db.Snapshot) {
	var csp *db.ChangeSet
	if cs, err := d.store.ChangeSetBetween(old.Version(), new.Version()); err == nil {
		csp = &cs
	} else {
		log.Debugf("no change set for %d -> %d: %v", old.Version(), new.Version(), err)
	}

	d.observers.Range(func(_ uuid.UUID, obs *observer) bool {
		if !obs.active || obs.since >= new.Version() || obs.invalid.Load() {
			return true
		}
		d.diff(obs, old, new, csp)
		obs.since = new.Version()
		return true
	})
}

// activate makes a registered observer visible to the worker. If the observer
// registered at an older version than the worker processed, the missed
// transition is diffed in one step.
func (d *Dispatcher) activate(obs *observer, base db.Snapshot) {
	defer base.Close()

	obs.since = base.Version()
	if obs.since < d.prev.Version() && !obs.invalid.Load() {
		var csp *db.ChangeSet
		if cs, err := d.store.ChangeSetBetween(base.Version(), d.prev.Version()); err == nil {
			csp = &cs
		}
		d.diff(obs, base, d.prev, csp)
		obs.since = d.prev.Version()
	}
	obs.active = true
}

func (d *Dispatcher) diff(obs *observer, old, new db.Snapshot, cs *db.ChangeSet) {
	change, ok, err := obs.entity.Diff(old, new, cs)
	if err != nil {
		d.diffErrors.Inc()
		log.Errorf("observer %s: diff %d -> %d failed: %v", obs.id, old.Version(), new.Version(), err)
		return
	}
	if ok {
		obs.queue.Push(&change)
	}
}

func (d *Dispatcher) setProcessed(v db.Version) {
	d.processed.Store(uint64(v))

	d.progressMu.Lock()
	close(d.progress)
	d.progress = make(chan struct{})
	d.progressMu.Unlock()
}

// --------------------------------------------------------------------------
// Observers
// --------------------------------------------------------------------------

type observer struct {
	id       uuid.UUID
	entity   Entity
	callback func(Change)
	queue    *util.LockFreeMPSC[Change]
	d        *Dispatcher

	// owned by the worker
	active bool
	since  db.Version

	invalid atomic.Bool
}

// run delivers queued changes in order until the queue is closed.
func (o *observer) run() {
	for change := range o.queue.Recv() {
		if o.invalid.Load() {
			o.d.suppressed.Inc()
			continue
		}
		o.deliver(*change)
	}
}

func (o *observer) deliver(change Change) {
	defer func() {
		if r := recover(); r != nil {
			o.d.failures.Inc()
			log.Errorf("observer %s: callback panicked: %v", o.id, r)
		}
	}()
	o.callback(change)
	o.d.delivered.Inc()
}

func (o *observer) stop() {
	o.invalid.Store(true)
	o.d.observers.Delete(o.id)
	o.queue.Close()
}

// Token keeps an observer registered until Invalidate is called.
type Token struct {
	obs *observer
}

// ID returns the unique id of the registration.
func (t *Token) ID() uuid.UUID {
	return t.obs.id
}

// Invalidate deregisters the observer. Changes already enqueued but not yet
// delivered are suppressed; a callback running concurrently finishes.
// Invalidate is idempotent.
func (t *Token) Invalidate() {
	if t == nil || t.obs.invalid.Load() {
		return
	}
	t.obs.stop()
}
