package maple

import (
	"bytes"
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"slices"

	"github.com/ValentinKolb/dObj/lib/db"
	"github.com/ValentinKolb/dObj/lib/db/engines/maple/internal"
	"github.com/natefinch/atomic"
	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// --------------------------------------------------------------------------
// File Format
// --------------------------------------------------------------------------

/*
	A store file consists of
	  8 bytes magic number ("MAPLEOBJ")
	  1 byte format version
	  1 byte flags (bit 0: encrypted)
	  payload

	The payload is the BSON encoded fileState. Encrypted payloads are prefixed with
	the XChaCha20-Poly1305 nonce and sealed with the header as additional data.
*/

const flagEncrypted = 1

type fileState struct {
	Version int64       `bson:"version"`
	KeySeq  int64       `bson:"key_seq"`
	Tables  []fileTable `bson:"tables"`
}

type fileTable struct {
	Name    string    `bson:"name"`
	Indexes []string  `bson:"indexes,omitempty"`
	Rows    []fileRow `bson:"rows,omitempty"`
}

type fileRow struct {
	Key  int64  `bson:"key"`
	Data []byte `bson:"data"`
}

// newAEAD derives the sealing key from a 64 byte store key.
func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != keyLength {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", db.ErrInvalidKey, keyLength, len(key))
	}
	derived := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, []byte(magicNum)), derived); err != nil {
		return nil, err
	}
	return chacha20poly1305.NewX(derived)
}

// --------------------------------------------------------------------------
// Encoding
// --------------------------------------------------------------------------

// collectState reads the complete state visible at version v.
func (s *mapleStore) collectState(v db.Version) (fileState, error) {
	state := fileState{
		Version: int64(v),
		KeySeq:  int64(s.keySeq.Load()),
	}

	var tables []*internal.Table
	s.tables.Range(func(_ string, tbl *internal.Table) bool {
		if tbl.CreatedAt <= v {
			tables = append(tables, tbl)
		}
		return true
	})
	slices.SortFunc(tables, func(a, b *internal.Table) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		default:
			return 0
		}
	})

	for _, tbl := range tables {
		ft := fileTable{Name: tbl.Name, Indexes: tbl.Indexes()}
		var keys []db.RowKey
		tbl.Rows.Range(func(key db.RowKey, chain *internal.RowChain) bool {
			if _, ok := chain.At(v); ok {
				keys = append(keys, key)
			}
			return true
		})
		slices.Sort(keys)
		for _, key := range keys {
			chain, ok := tbl.Rows.Load(key)
			if !ok {
				continue
			}
			row, ok := chain.At(v)
			if !ok {
				continue
			}
			data, err := db.EncodeRow(row)
			if err != nil {
				return state, fmt.Errorf("maple: encode %s/%d: %w", tbl.Name, key, err)
			}
			ft.Rows = append(ft.Rows, fileRow{Key: int64(key), Data: data})
		}
		state.Tables = append(state.Tables, ft)
	}
	return state, nil
}

// encodeFile serializes (and seals) a state.
func (s *mapleStore) encodeFile(state fileState) ([]byte, error) {
	payload, err := bson.Marshal(state)
	if err != nil {
		return nil, err
	}

	header := []byte(magicNum)
	header = append(header, mapleVersion, 0)

	if s.aead == nil {
		return append(header, payload...), nil
	}

	header[len(header)-1] = flagEncrypted
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := append(header, nonce...)
	return s.aead.Seal(out, nonce, payload, header), nil
}

// decodeFile verifies, opens and parses a serialized state.
func (s *mapleStore) decodeFile(data []byte) (fileState, error) {
	var state fileState
	headerLen := len(magicNum) + 2

	if len(data) < headerLen || string(data[:len(magicNum)]) != magicNum {
		return state, fmt.Errorf("%w: magic number mismatch", db.ErrCorrupt)
	}
	if data[len(magicNum)] != mapleVersion {
		return state, fmt.Errorf("%w: unsupported format version %d", db.ErrCorrupt, data[len(magicNum)])
	}

	header := data[:headerLen]
	payload := data[headerLen:]
	encrypted := header[headerLen-1]&flagEncrypted != 0

	switch {
	case encrypted && s.aead == nil:
		return state, fmt.Errorf("%w: store is encrypted", db.ErrInvalidKey)
	case !encrypted && s.aead != nil:
		return state, fmt.Errorf("%w: store is not encrypted", db.ErrInvalidKey)
	case encrypted:
		ns := s.aead.NonceSize()
		if len(payload) < ns {
			return state, fmt.Errorf("%w: truncated payload", db.ErrCorrupt)
		}
		opened, err := s.aead.Open(nil, payload[:ns], payload[ns:], header)
		if err != nil {
			return state, fmt.Errorf("%w: %v", db.ErrInvalidKey, err)
		}
		payload = opened
	}

	if err := bson.Unmarshal(payload, &state); err != nil {
		return state, fmt.Errorf("%w: %v", db.ErrCorrupt, err)
	}
	return state, nil
}

// applyState installs a decoded state into an empty store.
func (s *mapleStore) applyState(state fileState) error {
	v := db.Version(state.Version)
	for _, ft := range state.Tables {
		tbl := internal.NewTable(ft.Name, 0, s.hasher)
		tbl.SetIndexes(ft.Indexes)
		for _, fr := range ft.Rows {
			row, err := db.DecodeRow(fr.Data)
			if err != nil {
				return fmt.Errorf("table %s row %d: %w", ft.Name, fr.Key, err)
			}
			chain := internal.NewRowChain()
			chain.Append(v, row)
			tbl.Rows.Store(db.RowKey(fr.Key), chain)
		}
		s.tables.Store(ft.Name, tbl)
	}

	s.keySeq.Store(uint64(state.KeySeq))
	s.version.Store(uint64(v))
	s.horizon.Store(uint64(v))
	s.logMu.Lock()
	s.logBase = v
	s.changeLog = nil
	s.logMu.Unlock()
	s.pristine.Store(v == 0 && len(state.Tables) == 0)
	return nil
}

// --------------------------------------------------------------------------
// Persistence Operations
// --------------------------------------------------------------------------

// persistLocked writes version v to the store file if the store persists on commit.
// Must be called with commitMu held.
func (s *mapleStore) persistLocked(v db.Version) error {
	if s.path == "" || !s.opts.SyncOnCommit {
		return nil
	}
	return s.persistStateLocked(v)
}

// persistStateLocked atomically replaces the store file with version v.
// Must be called with commitMu held.
func (s *mapleStore) persistStateLocked(v db.Version) error {
	state, err := s.collectState(v)
	if err != nil {
		return err
	}
	data, err := s.encodeFile(state)
	if err != nil {
		return err
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("maple: persist %s: %w", s.path, err)
	}
	return nil
}

// Save writes the latest committed state to the writer (sealed if the store is encrypted).
//
// Thread-safety: This function allows concurrent operations with all other functions.
// Versions above the one being saved are ignored.
func (s *mapleStore) Save(w io.Writer) error {
	state, err := s.collectState(db.Version(s.version.Load()))
	if err != nil {
		return err
	}
	data, err := s.encodeFile(state)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// Load restores the state written by Save into a pristine store.
//
// Thread-safety: This function is thread-safe but fails once the store holds state.
func (s *mapleStore) Load(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	state, err := s.decodeFile(data)
	if err != nil {
		return err
	}

	if err := s.acquireWriter(context.Background()); err != nil {
		return err
	}
	defer s.releaseWriter()

	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	if !s.pristine.Load() || s.version.Load() != 0 {
		return db.ErrNotPristine
	}
	if err := s.applyState(state); err != nil {
		return err
	}
	return s.persistLocked(db.Version(state.Version))
}
