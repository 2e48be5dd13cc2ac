package bridge

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/ValentinKolb/dObj/lib/db"
	"github.com/ValentinKolb/dObj/lib/schema"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// Mutations and Batches
// --------------------------------------------------------------------------

// MutationOp defines the row operations a batch can carry.
type MutationOp uint8

const (
	MutationCreateTable MutationOp = iota // Create a table and its indexes.
	MutationPut                           // Insert or replace a row.
	MutationDelete                        // Delete a row if it exists.
)

func (op MutationOp) String() string {
	switch op {
	case MutationCreateTable:
		return "CreateTable"
	case MutationPut:
		return "Put"
	case MutationDelete:
		return "Delete"
	default:
		return fmt.Sprintf("Unknown(%d)", op)
	}
}

// Mutation is a single replicated row operation.
type Mutation struct {
	Op      MutationOp
	Table   string
	Key     db.RowKey
	Row     db.Row   // MutationPut only
	Indexes []string // MutationCreateTable only
}

// Batch carries the net row changes of a store between two of its versions.
// Rows are identified by their row key on both sides, so replicating stores
// must allocate keys from distinct ranges (maple.Options.ReplicaID).
// Concurrent writes to the same row resolve last writer wins.
type Batch struct {
	Origin    uuid.UUID  // store instance the batch was collected from
	From      db.Version // exclusive
	To        db.Version // inclusive
	Full      bool       // the batch holds every row, not a delta
	Mutations []Mutation
}

// Empty reports whether the batch carries no mutation.
func (b *Batch) Empty() bool {
	return b == nil || len(b.Mutations) == 0
}

func (b *Batch) String() string {
	kind := "delta"
	if b.Full {
		kind = "full"
	}
	return fmt.Sprintf("batch %s %s %d..%d (%d mutations)", b.Origin, kind, b.From, b.To, len(b.Mutations))
}

// replicated reports whether a table takes part in synchronization. Schema
// metadata is owned by each store and never replicated.
func replicated(table string) bool {
	return strings.HasPrefix(table, schema.TablePrefix)
}

// --------------------------------------------------------------------------
// Collect and Integrate
// --------------------------------------------------------------------------

// VersionSet records versions a collaborator produced by integrating remote
// batches. Collect leaves them out so changes are not echoed back.
//
// Thread-safety: all methods are safe for concurrent use.
type VersionSet struct {
	m *xsync.MapOf[db.Version, struct{}]
}

// NewVersionSet returns an empty set.
func NewVersionSet() *VersionSet {
	return &VersionSet{m: xsync.NewMapOf[db.Version, struct{}]()}
}

// Add records v.
func (s *VersionSet) Add(v db.Version) { s.m.Store(v, struct{}{}) }

// Has reports whether v was recorded.
func (s *VersionSet) Has(v db.Version) bool {
	if s == nil {
		return false
	}
	_, ok := s.m.Load(v)
	return ok
}

// Forget drops all versions up to and including v.
func (s *VersionSet) Forget(v db.Version) {
	s.m.Range(func(k db.Version, _ struct{}) bool {
		if k <= v {
			s.m.Delete(k)
		}
		return true
	})
}

// Len returns the number of recorded versions.
func (s *VersionSet) Len() int { return s.m.Size() }

// Collect builds the batch of local changes after since up to the current
// version, leaving out the versions in skip (may be nil). Rows are read at
// the current version. If the engine no longer retains the history after
// since, a full batch of all rows is returned instead.
func Collect(b Bridge, since db.Version, skip *VersionSet) (*Batch, error) {
	engine := b.Engine()
	snap, err := engine.BeginRead()
	if err != nil {
		return nil, fmt.Errorf("bridge: collect: %w", err)
	}
	defer snap.Close()

	batch := &Batch{Origin: b.ID(), From: since, To: snap.Version()}
	if since >= batch.To {
		return batch, nil
	}

	builder := db.NewChangeBuilder(since, batch.To)
	for v := since + 1; v <= batch.To; v++ {
		if skip.Has(v) {
			continue
		}
		cs, err := engine.ChangeSetBetween(v-1, v)
		if errors.Is(err, db.ErrVersionUnavailable) {
			log.Infof("history after version %d is not retained, collecting a full batch", since)
			return collectFull(b.ID(), snap)
		}
		if err != nil {
			return nil, fmt.Errorf("bridge: collect version %d: %w", v, err)
		}
		builder.Merge(cs)
	}
	cs := builder.Build()

	for _, name := range cs.TableNames() {
		if !replicated(name) {
			continue
		}
		tc := cs.Tables[name]
		tbl, err := snap.ReadTable(name)
		if err != nil {
			// dropped again later, nothing left to send
			continue
		}
		if tc.Created {
			batch.Mutations = append(batch.Mutations, Mutation{Op: MutationCreateTable, Table: name, Indexes: tbl.Indexes()})
		}
		for _, k := range slices.Concat(tc.Inserted, tc.Modified) {
			row, ok := tbl.Get(k)
			if !ok {
				batch.Mutations = append(batch.Mutations, Mutation{Op: MutationDelete, Table: name, Key: k})
				continue
			}
			batch.Mutations = append(batch.Mutations, Mutation{Op: MutationPut, Table: name, Key: k, Row: db.CloneRow(row)})
		}
		for _, k := range tc.Deleted {
			batch.Mutations = append(batch.Mutations, Mutation{Op: MutationDelete, Table: name, Key: k})
		}
	}
	return batch, nil
}

// CollectFull builds a batch holding every replicated row at the current version.
func CollectFull(b Bridge) (*Batch, error) {
	snap, err := b.Engine().BeginRead()
	if err != nil {
		return nil, fmt.Errorf("bridge: collect: %w", err)
	}
	defer snap.Close()
	return collectFull(b.ID(), snap)
}

func collectFull(origin uuid.UUID, snap db.Snapshot) (*Batch, error) {
	batch := &Batch{Origin: origin, To: snap.Version(), Full: true}
	for _, name := range snap.Tables() {
		if !replicated(name) {
			continue
		}
		tbl, err := snap.ReadTable(name)
		if err != nil {
			return nil, fmt.Errorf("bridge: collect %s: %w", name, err)
		}
		batch.Mutations = append(batch.Mutations, Mutation{Op: MutationCreateTable, Table: name, Indexes: tbl.Indexes()})
		for _, k := range tbl.Keys() {
			row, _ := tbl.Get(k)
			batch.Mutations = append(batch.Mutations, Mutation{Op: MutationPut, Table: name, Key: k, Row: db.CloneRow(row)})
		}
	}
	return batch, nil
}

// Integrate applies a remote batch to the store through an ordinary engine
// write and announces the new version with OnRemoteVersionAdvanced. Puts
// overwrite whatever the store holds (last writer wins), deletes of missing
// rows are ignored. It returns the committed version, or the current version
// if the batch is empty.
func Integrate(ctx context.Context, b Bridge, batch *Batch) (db.Version, error) {
	return IntegrateWith(ctx, b, batch, nil)
}

// IntegrateWith is Integrate with a hook that runs inside the write snapshot
// after the mutations were applied. Collaborators use it to record their own
// bookkeeping atomically with the integrated rows.
func IntegrateWith(ctx context.Context, b Bridge, batch *Batch, hook func(w db.Snapshot) error) (db.Version, error) {
	if batch.Empty() && hook == nil {
		return b.CurrentVersion(), nil
	}
	if batch == nil {
		batch = &Batch{}
	}

	w, err := b.Engine().BeginWrite(ctx)
	if err != nil {
		return 0, fmt.Errorf("bridge: integrate: %w", err)
	}
	for _, m := range batch.Mutations {
		if err := apply(w, m); err != nil {
			w.Rollback()
			return 0, fmt.Errorf("bridge: integrate %s %s/%d: %w", m.Op, m.Table, m.Key, err)
		}
	}
	if hook != nil {
		if err := hook(w); err != nil {
			w.Rollback()
			return 0, fmt.Errorf("bridge: integrate: %w", err)
		}
	}
	v, err := w.Commit(b.OnRemoteVersionAdvanced)
	if err != nil {
		return 0, fmt.Errorf("bridge: integrate: %w", err)
	}
	log.Debugf("integrated %s as version %d", batch, v)
	return v, nil
}

func ensureTable(w db.Snapshot, table string) error {
	if w.HasTable(table) {
		return nil
	}
	return w.CreateTable(table)
}

func apply(w db.Snapshot, m Mutation) error {
	if !replicated(m.Table) {
		return fmt.Errorf("table %q is not replicated", m.Table)
	}
	switch m.Op {
	case MutationCreateTable:
		if err := ensureTable(w, m.Table); err != nil {
			return err
		}
		for _, col := range m.Indexes {
			if err := w.CreateIndex(m.Table, col); err != nil {
				return err
			}
		}
		return nil
	case MutationPut:
		if err := ensureTable(w, m.Table); err != nil {
			return err
		}
		tbl, err := w.WriteTable(m.Table)
		if err != nil {
			return err
		}
		return tbl.Put(m.Key, db.CloneRow(m.Row))
	case MutationDelete:
		if !w.HasTable(m.Table) {
			return nil
		}
		tbl, err := w.WriteTable(m.Table)
		if err != nil {
			return err
		}
		if err := tbl.Delete(m.Key); err != nil && !errors.Is(err, db.ErrNoSuchRow) {
			return err
		}
		return nil
	default:
		return fmt.Errorf("unknown mutation %s", m.Op)
	}
}

// --------------------------------------------------------------------------
// Binary Encoding
// --------------------------------------------------------------------------

const (
	batchMagic   = "DOBJ"
	batchFormat  = 1
	headerSize   = 4 + 1 + 1 + 16 + 8 + 8 + 4 // magic + format + flags + origin + from + to + count
	mutationHead = 1 + 8 + 4 + 4              // op + key + table length + payload length
)

// Serialize encodes the batch in the format:
//
//	4 bytes magic "DOBJ", 1 byte format, 1 byte flags (bit 0: full),
//	16 bytes origin, 8 bytes from, 8 bytes to (big endian),
//	4 bytes mutation count, then per mutation:
//	1 byte op, 8 bytes key, 4 bytes table length, 4 bytes payload length,
//	table name, payload (BSON row for puts, BSON list of index columns for
//	table creation, empty for deletes).
func (b *Batch) Serialize() ([]byte, error) {
	payloads := make([][]byte, len(b.Mutations))
	size := headerSize
	for i, m := range b.Mutations {
		var err error
		switch m.Op {
		case MutationPut:
			payloads[i], err = db.EncodeRow(m.Row)
		case MutationCreateTable:
			cols := make([]any, len(m.Indexes))
			for j, c := range m.Indexes {
				cols[j] = c
			}
			payloads[i], err = db.EncodeValue(cols)
		}
		if err != nil {
			return nil, fmt.Errorf("bridge: encode %s %s/%d: %w", m.Op, m.Table, m.Key, err)
		}
		size += mutationHead + len(m.Table) + len(payloads[i])
	}

	out := make([]byte, size)
	copy(out[0:4], batchMagic)
	out[4] = batchFormat
	if b.Full {
		out[5] = 1
	}
	copy(out[6:22], b.Origin[:])
	binary.BigEndian.PutUint64(out[22:30], uint64(b.From))
	binary.BigEndian.PutUint64(out[30:38], uint64(b.To))
	binary.BigEndian.PutUint32(out[38:42], uint32(len(b.Mutations)))

	pos := headerSize
	for i, m := range b.Mutations {
		out[pos] = byte(m.Op)
		binary.BigEndian.PutUint64(out[pos+1:pos+9], uint64(m.Key))
		binary.BigEndian.PutUint32(out[pos+9:pos+13], uint32(len(m.Table)))
		binary.BigEndian.PutUint32(out[pos+13:pos+17], uint32(len(payloads[i])))
		pos += mutationHead
		pos += copy(out[pos:], m.Table)
		pos += copy(out[pos:], payloads[i])
	}
	return out, nil
}

// Deserialize decodes a batch encoded by Serialize.
func (b *Batch) Deserialize(data []byte) error {
	if len(data) < headerSize {
		return fmt.Errorf("bridge: data too short for batch header")
	}
	if string(data[0:4]) != batchMagic {
		return fmt.Errorf("bridge: not a batch")
	}
	if data[4] != batchFormat {
		return fmt.Errorf("bridge: unsupported batch format %d", data[4])
	}
	b.Full = data[5]&1 != 0
	copy(b.Origin[:], data[6:22])
	b.From = db.Version(binary.BigEndian.Uint64(data[22:30]))
	b.To = db.Version(binary.BigEndian.Uint64(data[30:38]))
	count := binary.BigEndian.Uint32(data[38:42])

	b.Mutations = make([]Mutation, 0, min(int(count), len(data)/mutationHead))
	pos := headerSize
	for i := uint32(0); i < count; i++ {
		if len(data) < pos+mutationHead {
			return fmt.Errorf("bridge: data too short for mutation %d", i)
		}
		m := Mutation{
			Op:  MutationOp(data[pos]),
			Key: db.RowKey(binary.BigEndian.Uint64(data[pos+1 : pos+9])),
		}
		tableLen := int(binary.BigEndian.Uint32(data[pos+9 : pos+13]))
		payloadLen := int(binary.BigEndian.Uint32(data[pos+13 : pos+17]))
		pos += mutationHead
		if len(data) < pos+tableLen+payloadLen {
			return fmt.Errorf("bridge: data too short for mutation %d", i)
		}
		m.Table = string(data[pos : pos+tableLen])
		pos += tableLen
		payload := data[pos : pos+payloadLen]
		pos += payloadLen

		switch m.Op {
		case MutationPut:
			row, err := db.DecodeRow(payload)
			if err != nil {
				return fmt.Errorf("bridge: decode mutation %d: %w", i, err)
			}
			m.Row = row
		case MutationCreateTable:
			v, err := db.DecodeValue(payload)
			if err != nil {
				return fmt.Errorf("bridge: decode mutation %d: %w", i, err)
			}
			cols, _ := v.([]any)
			for _, c := range cols {
				if s, ok := c.(string); ok {
					m.Indexes = append(m.Indexes, s)
				}
			}
		case MutationDelete:
		default:
			return fmt.Errorf("bridge: unknown mutation %s", m.Op)
		}
		b.Mutations = append(b.Mutations, m)
	}
	if pos != len(data) {
		return fmt.Errorf("bridge: %d trailing bytes after batch", len(data)-pos)
	}
	return nil
}
