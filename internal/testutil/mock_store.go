package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/developingchet/ban-evasion-guard/internal/storage"
)

type expiring struct {
	value     any
	expiresAt time.Time
}

// MockStore implements storage.Store with in-memory maps for testing.
// All methods are safe for concurrent use.
type MockStore struct {
	mu        sync.Mutex
	pending   map[string]expiring
	unbans    map[string]expiring
	actions   map[string]expiring
	modnotes  map[string]expiring
	modstatus map[string]expiring
	flags     map[string]bool
	allowlist map[string]time.Time
	jobs      map[string]storage.JobRecord

	// Error injection: method -> next error (consumed on first call)
	errors map[string]error

	// Size is returned by SizeBytes().
	Size int64

	// Now is the clock used for expiry checks.
	Now func() time.Time
}

// NewMockStore returns a zero-state MockStore ready for use.
func NewMockStore() *MockStore {
	return &MockStore{
		pending:   make(map[string]expiring),
		unbans:    make(map[string]expiring),
		actions:   make(map[string]expiring),
		modnotes:  make(map[string]expiring),
		modstatus: make(map[string]expiring),
		flags:     make(map[string]bool),
		allowlist: make(map[string]time.Time),
		jobs:      make(map[string]storage.JobRecord),
		errors:    make(map[string]error),
		Size:      1024,
		Now:       time.Now,
	}
}

// SetError injects an error to be returned on the next call to the named method.
func (m *MockStore) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

func (m *MockStore) popError(method string) error {
	err := m.errors[method]
	delete(m.errors, method)
	return err
}

func (m *MockStore) put(bucket map[string]expiring, key string, v any, expiresAt time.Time) {
	if !expiresAt.After(m.Now()) {
		delete(bucket, key)
		return
	}
	bucket[key] = expiring{value: v, expiresAt: expiresAt}
}

func (m *MockStore) get(bucket map[string]expiring, key string) (any, bool) {
	e, ok := bucket[key]
	if !ok || !e.expiresAt.After(m.Now()) {
		return nil, false
	}
	return e.value, true
}

// ExpiryOf returns the recorded expiry of an expiring key. Bucket is one of
// "pending", "unbans", "actions", "modnotes", "modstatus".
func (m *MockStore) ExpiryOf(bucket, key string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var b map[string]expiring
	switch bucket {
	case "pending":
		b = m.pending
	case "unbans":
		b = m.unbans
	case "actions":
		b = m.actions
	case "modnotes":
		b = m.modnotes
	case "modstatus":
		b = m.modstatus
	default:
		return time.Time{}, false
	}
	e, ok := b[key]
	return e.expiresAt, ok
}

// --- Dedup markers ----------------------------------------------------------

func (m *MockStore) PendingExists(_ context.Context, targetID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("PendingExists"); err != nil {
		return false, err
	}
	_, ok := m.get(m.pending, targetID)
	return ok, nil
}

func (m *MockStore) PendingRecord(_ context.Context, p storage.PendingConfirmation, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("PendingRecord"); err != nil {
		return err
	}
	m.put(m.pending, p.TargetID, p, expiresAt)
	return nil
}

func (m *MockStore) PendingDelete(_ context.Context, targetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("PendingDelete"); err != nil {
		return err
	}
	delete(m.pending, targetID)
	return nil
}

// --- Grace period -----------------------------------------------------------

func (m *MockStore) UnbanExists(_ context.Context, username string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("UnbanExists"); err != nil {
		return false, err
	}
	_, ok := m.get(m.unbans, username)
	return ok, nil
}

func (m *MockStore) UnbanRecord(_ context.Context, r storage.UnbanRecord, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("UnbanRecord"); err != nil {
		return err
	}
	m.put(m.unbans, r.Username, r, expiresAt)
	return nil
}

// --- Idempotency markers ----------------------------------------------------

func (m *MockStore) ActionExists(_ context.Context, targetID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("ActionExists"); err != nil {
		return false, err
	}
	_, ok := m.get(m.actions, targetID)
	return ok, nil
}

func (m *MockStore) ActionRecord(_ context.Context, r storage.ActionRecord, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("ActionRecord"); err != nil {
		return err
	}
	m.put(m.actions, r.TargetID, r, expiresAt)
	return nil
}

// --- Mod notes --------------------------------------------------------------

func (m *MockStore) ModNoteExists(_ context.Context, username string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("ModNoteExists"); err != nil {
		return false, err
	}
	_, ok := m.get(m.modnotes, username)
	return ok, nil
}

func (m *MockStore) ModNoteRecord(_ context.Context, username string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("ModNoteRecord"); err != nil {
		return err
	}
	m.put(m.modnotes, username, true, expiresAt)
	return nil
}

// --- Moderator cache --------------------------------------------------------

func (m *MockStore) GetModStatus(_ context.Context, username string) (*storage.ModStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("GetModStatus"); err != nil {
		return nil, err
	}
	v, ok := m.get(m.modstatus, username)
	if !ok {
		return nil, nil
	}
	st := v.(storage.ModStatus)
	return &st, nil
}

func (m *MockStore) SetModStatus(_ context.Context, st storage.ModStatus, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("SetModStatus"); err != nil {
		return err
	}
	m.put(m.modstatus, st.Username, st, expiresAt)
	return nil
}

// --- Flags ------------------------------------------------------------------

func (m *MockStore) FlagIsSet(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("FlagIsSet"); err != nil {
		return false, err
	}
	return m.flags[name], nil
}

func (m *MockStore) FlagSet(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("FlagSet"); err != nil {
		return err
	}
	m.flags[name] = true
	return nil
}

// --- Allow-list -------------------------------------------------------------

func (m *MockStore) AllowListAdd(_ context.Context, username string, nextCheckAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("AllowListAdd"); err != nil {
		return err
	}
	m.allowlist[username] = nextCheckAt
	return nil
}

func (m *MockStore) AllowListRemove(_ context.Context, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("AllowListRemove"); err != nil {
		return err
	}
	delete(m.allowlist, username)
	return nil
}

func (m *MockStore) AllowListExists(_ context.Context, username string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("AllowListExists"); err != nil {
		return false, err
	}
	_, ok := m.allowlist[username]
	return ok, nil
}

func (m *MockStore) sortedAllowList() []storage.AllowListEntry {
	entries := make([]storage.AllowListEntry, 0, len(m.allowlist))
	for u, at := range m.allowlist {
		entries = append(entries, storage.AllowListEntry{Username: u, NextCheckAt: at})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].NextCheckAt.Equal(entries[j].NextCheckAt) {
			return entries[i].Username < entries[j].Username
		}
		return entries[i].NextCheckAt.Before(entries[j].NextCheckAt)
	})
	return entries
}

func (m *MockStore) AllowListDue(_ context.Context, now time.Time) ([]storage.AllowListEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("AllowListDue"); err != nil {
		return nil, err
	}
	var due []storage.AllowListEntry
	for _, e := range m.sortedAllowList() {
		if e.NextCheckAt.After(now) {
			break
		}
		due = append(due, e)
	}
	return due, nil
}

func (m *MockStore) AllowListPeek(_ context.Context) (*storage.AllowListEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("AllowListPeek"); err != nil {
		return nil, err
	}
	entries := m.sortedAllowList()
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// AllowList returns a snapshot of the allow-list for assertions.
func (m *MockStore) AllowList() map[string]time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]time.Time, len(m.allowlist))
	for k, v := range m.allowlist {
		out[k] = v
	}
	return out
}

// --- Jobs -------------------------------------------------------------------

func (m *MockStore) JobPut(_ context.Context, job storage.JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("JobPut"); err != nil {
		return err
	}
	m.jobs[job.ID] = job
	return nil
}

func (m *MockStore) JobDelete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("JobDelete"); err != nil {
		return err
	}
	delete(m.jobs, id)
	return nil
}

func (m *MockStore) JobTake(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("JobTake"); err != nil {
		return false, err
	}
	if _, ok := m.jobs[id]; !ok {
		return false, nil
	}
	delete(m.jobs, id)
	return true, nil
}

func (m *MockStore) JobList(_ context.Context) ([]storage.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("JobList"); err != nil {
		return nil, err
	}
	jobs := make([]storage.JobRecord, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// --- Janitor / utility ------------------------------------------------------

func (m *MockStore) PruneExpired(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("PruneExpired"); err != nil {
		return 0, err
	}
	now := m.Now()
	var n int
	for _, b := range []map[string]expiring{m.pending, m.unbans, m.actions, m.modnotes, m.modstatus} {
		for k, e := range b {
			if !e.expiresAt.After(now) {
				delete(b, k)
				n++
			}
		}
	}
	return n, nil
}

func (m *MockStore) SizeBytes() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("SizeBytes"); err != nil {
		return 0, err
	}
	return m.Size, nil
}

func (m *MockStore) Close() error { return nil }

var _ storage.Store = (*MockStore)(nil)
