package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketWrites  = []byte("writes")
	bucketPending = []byte("pending")

	// ErrNotFound is returned when a journal entry does not exist.
	ErrNotFound = errors.New("journal entry not found")
)

// Outcome records how a journalled write resolved.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeReverted  Outcome = "reverted"
)

// Entry models one submitted state-changing transaction. Entries are
// written before confirmation is awaited so that a pending write survives a
// process restart and can be resolved against its receipt later.
type Entry struct {
	ID          string     `json:"id"`
	Op          string     `json:"op"`
	IPID        string     `json:"ipId"`
	TxHash      string     `json:"txHash"`
	SubmittedAt time.Time  `json:"submittedAt"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
	Outcome     Outcome    `json:"outcome"`
	Reason      string     `json:"reason,omitempty"`
}

// Store persists write entries in a local BoltDB file.
type Store struct {
	db *bolt.DB
}

// NewStore initialises (and migrates) the BoltDB-backed journal.
func NewStore(path string, options *bolt.Options) (*Store, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketWrites, bucketPending} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying Bolt database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append records a newly submitted write as pending.
func (s *Store) Append(entry Entry) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("journal store not initialised")
	}
	entry.ID = strings.TrimSpace(entry.ID)
	if entry.ID == "" {
		return fmt.Errorf("journal entry requires an id")
	}
	if entry.Outcome == "" {
		entry.Outcome = OutcomePending
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketWrites).Put([]byte(entry.ID), payload); err != nil {
			return err
		}
		if entry.Outcome == OutcomePending {
			return tx.Bucket(bucketPending).Put(pendingKey(entry.IPID, entry.ID), []byte(entry.ID))
		}
		return nil
	})
}

// Resolve marks an entry with its final outcome and drops it from the
// pending index.
func (s *Store) Resolve(id string, outcome Outcome, reason string, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("journal store not initialised")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		writes := tx.Bucket(bucketWrites)
		raw := writes.Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return err
		}
		entry.Outcome = outcome
		entry.Reason = reason
		resolved := at.UTC()
		entry.ResolvedAt = &resolved
		payload, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := writes.Put([]byte(id), payload); err != nil {
			return err
		}
		return tx.Bucket(bucketPending).Delete(pendingKey(entry.IPID, entry.ID))
	})
}

// PendingFor lists unresolved entries for a position, oldest first.
func (s *Store) PendingFor(ipID string) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("journal store not initialised")
	}
	prefix := []byte(normalizeID(ipID) + "|")
	var entries []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		pending := tx.Bucket(bucketPending).Cursor()
		writes := tx.Bucket(bucketWrites)
		for k, id := pending.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, id = pending.Next() {
			raw := writes.Get(id)
			if raw == nil {
				continue
			}
			var entry Entry
			if err := json.Unmarshal(raw, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Get fetches a single entry by id.
func (s *Store) Get(id string) (Entry, error) {
	var entry Entry
	if s == nil || s.db == nil {
		return entry, fmt.Errorf("journal store not initialised")
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketWrites).Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &entry)
	})
	return entry, err
}

func pendingKey(ipID, id string) []byte {
	return []byte(normalizeID(ipID) + "|" + id)
}

func normalizeID(ipID string) string {
	return strings.ToLower(strings.TrimSpace(ipID))
}
