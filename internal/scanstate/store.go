package scanstate

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"image-optimizer/internal/logging"
)

var (
	bucketName   = []byte("scan")
	keyRemaining = []byte("remaining")
	keyQueued    = []byte("queued")
	keyMeta      = []byte("meta")
)

// meta is the non-list part of State.
type meta struct {
	Token         string    `json:"token"`
	QuotaExceeded bool      `json:"quotaExceeded"`
	StartedAt     time.Time `json:"startedAt"`
	Mode          Mode      `json:"mode"`
}

// Store is a bbolt-backed State.
type Store struct {
	db   *bolt.DB
	path string
}

// Open opens or creates the state file at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open scan state %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to initialize scan state: %w", err), db.Close())
	}

	logging.Debug("Scan state opened at %s", path)
	return &Store{db: db, path: path}, nil
}

// Close closes the state file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the state file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the current State.
func (s *Store) Load() (State, error) {
	var st State
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		st, err = read(tx.Bucket(bucketName))
		return err
	})
	return st, err
}

// save replaces the stored State.
func (s *Store) save(st State) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return write(tx.Bucket(bucketName), &st)
	})
}

// Update applies fn to the stored State in one transaction. Nothing is written
// when fn returns an error.
func (s *Store) Update(fn func(*State) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		st, err := read(b)
		if err != nil {
			return err
		}
		if err := fn(&st); err != nil {
			return err
		}
		return write(b, &st)
	})
}

// Token reads only the run token, for the per-file supersede check.
func (s *Store) Token() (string, error) {
	var m meta
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		m, err = readMeta(tx.Bucket(bucketName))
		return err
	})
	return m.Token, err
}

// Reset clears the whole State, token included.
func (s *Store) Reset() error {
	return s.save(State{})
}

// FileSize returns the size of the state file in bytes.
func (s *Store) FileSize() int64 {
	var size int64
	_ = s.db.View(func(tx *bolt.Tx) error {
		size = tx.Size()
		return nil
	})
	return size
}

func read(b *bolt.Bucket) (State, error) {
	m, err := readMeta(b)
	if err != nil {
		return State{}, err
	}

	st := State{
		Token:         m.Token,
		QuotaExceeded: m.QuotaExceeded,
		StartedAt:     m.StartedAt,
		Mode:          m.Mode,
	}
	if st.Remaining, err = decodeIDs(b.Get(keyRemaining)); err != nil {
		return State{}, fmt.Errorf("remaining: %w", err)
	}
	if st.Queued, err = decodeIDs(b.Get(keyQueued)); err != nil {
		return State{}, fmt.Errorf("queued: %w", err)
	}
	return st, nil
}

func readMeta(b *bolt.Bucket) (meta, error) {
	var m meta
	raw := b.Get(keyMeta)
	if raw == nil {
		return m, nil
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("corrupt scan state meta: %w", err)
	}
	return m, nil
}

func write(b *bolt.Bucket, st *State) error {
	raw, err := json.Marshal(meta{
		Token:         st.Token,
		QuotaExceeded: st.QuotaExceeded,
		StartedAt:     st.StartedAt,
		Mode:          st.Mode,
	})
	if err != nil {
		return err
	}
	if err := b.Put(keyMeta, raw); err != nil {
		return err
	}
	if err := b.Put(keyRemaining, encodeIDs(st.Remaining)); err != nil {
		return err
	}
	return b.Put(keyQueued, encodeIDs(st.Queued))
}

// Lists are packed big-endian uint64s.
func encodeIDs(ids []int64) []byte {
	buf := make([]byte, 8*len(ids))
	for i, id := range ids {
		binary.BigEndian.PutUint64(buf[i*8:], uint64(id))
	}
	return buf
}

func decodeIDs(raw []byte) ([]int64, error) {
	if len(raw)%8 != 0 {
		return nil, fmt.Errorf("corrupt id list of %d bytes", len(raw))
	}
	if len(raw) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(raw)/8)
	for i := range ids {
		ids[i] = int64(binary.BigEndian.Uint64(raw[i*8:]))
	}
	return ids, nil
}
