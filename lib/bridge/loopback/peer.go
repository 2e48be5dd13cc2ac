// Package loopback replicates changes between stores in the same process.
//
// A Pair connects two stores: each side gets a Peer as its sync collaborator.
// After a local commit the store asks its peer to upload; the peer collects
// the batch of local changes since its last upload and integrates it into the
// other store. Versions a peer produced by integrating batches of the other
// side are recorded and never sent back.
//
// Uploads of both sides are serialized by one mutex, so integration order
// equals upload order. Integration takes the engine writer of the receiving
// store like any local write transaction.
//
//	a, b := loopback.NewPair()
//	left, _ := store.Open(store.Config{Schema: s, Collaborator: a})
//	right, _ := store.Open(store.Config{Schema: s, Collaborator: b})
package loopback

import (
	"context"
	"errors"
	"sync"

	"github.com/ValentinKolb/dObj/lib/bridge"
	"github.com/ValentinKolb/dObj/lib/db"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("loopback")

// ErrNotStarted is returned by uploads while a peer is not attached to a store.
var ErrNotStarted = errors.New("loopback: peer is not started")

type pair struct {
	mu sync.Mutex
}

// Peer is one side of a loopback pair. It implements bridge.Collaborator.
//
// Thread-safety: all methods are safe for concurrent use.
type Peer struct {
	pair  *pair
	other *Peer

	local    bridge.Bridge // guarded by pair.mu
	sent     db.Version    // last local version handed to the other side
	produced *bridge.VersionSet
	uploads  int
}

var _ bridge.Collaborator = (*Peer)(nil)

// NewPair returns two connected peers.
func NewPair() (*Peer, *Peer) {
	p := &pair{}
	a := &Peer{pair: p, produced: bridge.NewVersionSet()}
	b := &Peer{pair: p, produced: bridge.NewVersionSet()}
	a.other, b.other = b, a
	return a, b
}

// Start attaches the peer to its store. Local changes already present are
// sent with the first upload.
func (p *Peer) Start(_ context.Context, b bridge.Bridge) error {
	p.pair.mu.Lock()
	defer p.pair.mu.Unlock()
	if p.local != nil {
		return errors.New("loopback: peer already started")
	}
	p.local = b
	return nil
}

// RequestUpload integrates the local changes into the other store. Requests
// may arrive out of order, so the batch always starts at the last upload and
// not at since.
func (p *Peer) RequestUpload(ctx context.Context, _ db.Version) error {
	p.pair.mu.Lock()
	defer p.pair.mu.Unlock()
	return p.upload(ctx)
}

// Sync uploads every pending local change, regardless of upload requests.
func (p *Peer) Sync(ctx context.Context) error {
	p.pair.mu.Lock()
	defer p.pair.mu.Unlock()
	return p.upload(ctx)
}

func (p *Peer) upload(ctx context.Context) error {
	if p.local == nil || p.other.local == nil {
		return ErrNotStarted
	}

	batch, err := bridge.Collect(p.local, p.sent, p.produced)
	if err != nil {
		return err
	}
	if batch.Empty() {
		p.advance(batch.To)
		return nil
	}

	v, err := bridge.Integrate(ctx, p.other.local, batch)
	if err != nil {
		return err
	}
	p.advance(batch.To)
	p.other.produced.Add(v)
	p.uploads++
	log.Debugf("%s integrated as version %d", batch, v)
	return nil
}

func (p *Peer) advance(to db.Version) {
	if to > p.sent {
		p.sent = to
	}
	p.produced.Forget(p.sent)
}

// Uploads returns the number of batches this peer integrated into the other store.
func (p *Peer) Uploads() int {
	p.pair.mu.Lock()
	defer p.pair.mu.Unlock()
	return p.uploads
}

// Close detaches the peer from its store.
func (p *Peer) Close() error {
	p.pair.mu.Lock()
	defer p.pair.mu.Unlock()
	p.local = nil
	return nil
}
