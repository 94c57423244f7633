package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

const (
	bucketPending      = "pending"
	bucketUnbans       = "unbans"
	bucketActions      = "actions"
	bucketModNotes     = "modnotes"
	bucketModStatus    = "modstatus"
	bucketFlags        = "flags"
	bucketAllowList    = "allowlist"     // username -> score
	bucketAllowListIdx = "allowlist_idx" // score(8 BE) + username -> nil
	bucketJobs         = "jobs"
)

// expiringBuckets hold envelope-wrapped values and are pruned by the janitor.
var expiringBuckets = []string{bucketPending, bucketUnbans, bucketActions, bucketModNotes, bucketModStatus}

// envelope wraps every value in an expiring bucket.
type envelope struct {
	ExpiresAt time.Time // zero = never expires
	Data      []byte
}

func (e envelope) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !e.ExpiresAt.After(now)
}

type bboltStore struct {
	db *bolt.DB
}

// NewBboltStore opens (or creates) a bbolt database at dataDir/guard.db.
func NewBboltStore(dataDir string) (Store, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "guard.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		names := append([]string{bucketFlags, bucketAllowList, bucketAllowListIdx, bucketJobs}, expiringBuckets...)
		for _, name := range names {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &bboltStore{db: db}, nil
}

// ---- Expiring record helpers -----------------------------------------------

func (s *bboltStore) putExpiring(bucket, key string, v any, expiresAt time.Time) error {
	if !expiresAt.IsZero() && !expiresAt.After(time.Now()) {
		return s.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket([]byte(bucket)).Delete([]byte(key))
		})
	}
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", bucket, key, err)
	}
	raw, err := msgpack.Marshal(envelope{ExpiresAt: expiresAt.UTC(), Data: data})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put([]byte(key), raw)
	})
}

// getExpiring decodes a live value into out. out may be nil for existence checks.
func (s *bboltStore) getExpiring(bucket, key string, out any) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bucket)).Get([]byte(key))
		if raw == nil {
			return nil
		}
		var env envelope
		if err := msgpack.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("unmarshal envelope %s/%s: %w", bucket, key, err)
		}
		if env.expired(time.Now()) {
			return nil
		}
		found = true
		if out == nil {
			return nil
		}
		return msgpack.Unmarshal(env.Data, out)
	})
	return found, err
}

func (s *bboltStore) deleteKey(bucket, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Delete([]byte(key))
	})
}

// ---- Dedup markers ---------------------------------------------------------

func (s *bboltStore) PendingExists(_ context.Context, targetID string) (bool, error) {
	return s.getExpiring(bucketPending, targetID, nil)
}

func (s *bboltStore) PendingRecord(_ context.Context, p PendingConfirmation, expiresAt time.Time) error {
	return s.putExpiring(bucketPending, p.TargetID, p, expiresAt)
}

func (s *bboltStore) PendingDelete(_ context.Context, targetID string) error {
	return s.deleteKey(bucketPending, targetID)
}

// ---- Grace period ----------------------------------------------------------

func (s *bboltStore) UnbanExists(_ context.Context, username string) (bool, error) {
	return s.getExpiring(bucketUnbans, username, nil)
}

func (s *bboltStore) UnbanRecord(_ context.Context, r UnbanRecord, expiresAt time.Time) error {
	return s.putExpiring(bucketUnbans, r.Username, r, expiresAt)
}

// ---- Idempotency markers ---------------------------------------------------

func (s *bboltStore) ActionExists(_ context.Context, targetID string) (bool, error) {
	return s.getExpiring(bucketActions, targetID, nil)
}

func (s *bboltStore) ActionRecord(_ context.Context, r ActionRecord, expiresAt time.Time) error {
	return s.putExpiring(bucketActions, r.TargetID, r, expiresAt)
}

// ---- Mod notes -------------------------------------------------------------

func (s *bboltStore) ModNoteExists(_ context.Context, username string) (bool, error) {
	return s.getExpiring(bucketModNotes, username, nil)
}

func (s *bboltStore) ModNoteRecord(_ context.Context, username string, expiresAt time.Time) error {
	return s.putExpiring(bucketModNotes, username, time.Now().UTC(), expiresAt)
}

// ---- Moderator roster cache ------------------------------------------------

func (s *bboltStore) GetModStatus(_ context.Context, username string) (*ModStatus, error) {
	var st ModStatus
	found, err := s.getExpiring(bucketModStatus, username, &st)
	if err != nil || !found {
		return nil, err
	}
	return &st, nil
}

func (s *bboltStore) SetModStatus(_ context.Context, st ModStatus, expiresAt time.Time) error {
	return s.putExpiring(bucketModStatus, st.Username, st, expiresAt)
}

// ---- Flags -----------------------------------------------------------------

func (s *bboltStore) FlagIsSet(_ context.Context, name string) (bool, error) {
	var set bool
	err := s.db.View(func(tx *bolt.Tx) error {
		set = tx.Bucket([]byte(bucketFlags)).Get([]byte(name)) != nil
		return nil
	})
	return set, err
}

func (s *bboltStore) FlagSet(_ context.Context, name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketFlags)).Put([]byte(name), []byte("true"))
	})
}

// ---- Allow-list ------------------------------------------------------------

func scoreOf(t time.Time) uint64 {
	ms := t.UnixMilli()
	if ms < 0 {
		return 0
	}
	return uint64(ms)
}

func indexKey(score uint64, username string) []byte {
	k := make([]byte, 8+len(username))
	binary.BigEndian.PutUint64(k, score)
	copy(k[8:], username)
	return k
}

func decodeIndexKey(k []byte) AllowListEntry {
	score := binary.BigEndian.Uint64(k[:8])
	return AllowListEntry{
		Username:    string(k[8:]),
		NextCheckAt: time.UnixMilli(int64(score)).UTC(),
	}
}

func (s *bboltStore) AllowListAdd(_ context.Context, username string, nextCheckAt time.Time) error {
	score := scoreOf(nextCheckAt)
	return s.db.Update(func(tx *bolt.Tx) error {
		members := tx.Bucket([]byte(bucketAllowList))
		idx := tx.Bucket([]byte(bucketAllowListIdx))
		if old := members.Get([]byte(username)); old != nil {
			if err := idx.Delete(indexKey(binary.BigEndian.Uint64(old), username)); err != nil {
				return err
			}
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], score)
		if err := members.Put([]byte(username), buf[:]); err != nil {
			return err
		}
		return idx.Put(indexKey(score, username), []byte{})
	})
}

func (s *bboltStore) AllowListRemove(_ context.Context, username string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		members := tx.Bucket([]byte(bucketAllowList))
		old := members.Get([]byte(username))
		if old == nil {
			return nil
		}
		if err := tx.Bucket([]byte(bucketAllowListIdx)).Delete(indexKey(binary.BigEndian.Uint64(old), username)); err != nil {
			return err
		}
		return members.Delete([]byte(username))
	})
}

func (s *bboltStore) AllowListExists(_ context.Context, username string) (bool, error) {
	var exists bool
	err := s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket([]byte(bucketAllowList)).Get([]byte(username)) != nil
		return nil
	})
	return exists, err
}

// AllowListDue returns entries scored at or before now, lowest score first.
func (s *bboltStore) AllowListDue(_ context.Context, now time.Time) ([]AllowListEntry, error) {
	var limit [8]byte
	binary.BigEndian.PutUint64(limit[:], scoreOf(now))

	var due []AllowListEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketAllowListIdx)).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if bytes.Compare(k[:8], limit[:]) > 0 {
				break
			}
			due = append(due, decodeIndexKey(k))
		}
		return nil
	})
	return due, err
}

// AllowListPeek returns the lowest-scored entry, or nil if the set is empty.
func (s *bboltStore) AllowListPeek(_ context.Context) (*AllowListEntry, error) {
	var entry *AllowListEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		k, _ := tx.Bucket([]byte(bucketAllowListIdx)).Cursor().First()
		if k != nil {
			e := decodeIndexKey(k)
			entry = &e
		}
		return nil
	})
	return entry, err
}

// ---- Jobs ------------------------------------------------------------------

func (s *bboltStore) JobPut(_ context.Context, job JobRecord) error {
	data, err := msgpack.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal JobRecord: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketJobs)).Put([]byte(job.ID), data)
	})
}

func (s *bboltStore) JobDelete(_ context.Context, id string) error {
	return s.deleteKey(bucketJobs, id)
}

func (s *bboltStore) JobTake(_ context.Context, id string) (bool, error) {
	var taken bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketJobs))
		if b.Get([]byte(id)) == nil {
			return nil
		}
		taken = true
		return b.Delete([]byte(id))
	})
	return taken, err
}

func (s *bboltStore) JobList(_ context.Context) ([]JobRecord, error) {
	var jobs []JobRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketJobs)).ForEach(func(k, v []byte) error {
			var job JobRecord
			if err := msgpack.Unmarshal(v, &job); err != nil {
				return fmt.Errorf("unmarshal JobRecord for %s: %w", k, err)
			}
			jobs = append(jobs, job)
			return nil
		})
	})
	return jobs, err
}

// ---- Janitor ---------------------------------------------------------------

func (s *bboltStore) PruneExpired(_ context.Context) (int, error) {
	now := time.Now()
	var pruned int
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range expiringBuckets {
			b := tx.Bucket([]byte(name))
			var toDelete [][]byte
			if err := b.ForEach(func(k, v []byte) error {
				var env envelope
				if err := msgpack.Unmarshal(v, &env); err != nil {
					return nil // skip corrupt entries
				}
				if env.expired(now) {
					key := make([]byte, len(k))
					copy(key, k)
					toDelete = append(toDelete, key)
				}
				return nil
			}); err != nil {
				return err
			}
			for _, k := range toDelete {
				if err := b.Delete(k); err != nil {
					return err
				}
				pruned++
			}
		}
		return nil
	})
	return pruned, err
}

// ---- Utility ---------------------------------------------------------------

func (s *bboltStore) SizeBytes() (int64, error) {
	info, err := os.Stat(s.db.Path())
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *bboltStore) Close() error {
	return s.db.Close()
}
