package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/developingchet/ban-evasion-guard/internal/platform"
)

// SentMail records a modmail conversation or notification created through the mock.
type SentMail struct {
	ID        string
	Subreddit string
	To        string // empty for notifications
	Subject   string
	Body      string
}

// SentReply records a modmail reply.
type SentReply struct {
	ConversationID string
	Body           string
	Internal       bool
}

// MockPlatform implements platform.Client for testing.
// All methods are safe for concurrent use.
type MockPlatform struct {
	mu sync.Mutex

	content        map[string]*platform.Content
	modlog         map[string][]platform.ModLogEntry // action -> entries
	accountsByID   map[string]*platform.Account
	accountsByName map[string]*platform.Account
	moderators     map[string]bool
	approved       map[string]bool
	conversations  []platform.Conversation
	notes          map[string][]platform.ModNote

	// Recorded writes
	Removed       []string
	Approved      []string
	Locked        []string
	Distinguished []string
	Replies       map[string]string // parentID -> text
	Bans          []platform.BanRequest
	Mail          []SentMail
	MailReplies   []SentReply
	Archived      []string
	AddedNotes    []platform.ModNoteRequest
	ModLogQueries []platform.ModLogQuery

	errors map[string]error
	calls  map[string]int
	nextID int
}

// NewMockPlatform returns a zero-state MockPlatform ready for use.
func NewMockPlatform() *MockPlatform {
	return &MockPlatform{
		content:        make(map[string]*platform.Content),
		modlog:         make(map[string][]platform.ModLogEntry),
		accountsByID:   make(map[string]*platform.Account),
		accountsByName: make(map[string]*platform.Account),
		moderators:     make(map[string]bool),
		approved:       make(map[string]bool),
		notes:          make(map[string][]platform.ModNote),
		Replies:        make(map[string]string),
		errors:         make(map[string]error),
		calls:          make(map[string]int),
	}
}

// AddContent presets a post or comment.
func (m *MockPlatform) AddContent(c platform.Content) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.content[c.ID] = &c
}

// AddModLog presets moderation log entries; they are returned by action type.
func (m *MockPlatform) AddModLog(entries ...platform.ModLogEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.modlog[e.Action] = append(m.modlog[e.Action], e)
	}
}

// AddAccount presets an account resolvable by ID and name.
func (m *MockPlatform) AddAccount(a platform.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accountsByID[a.ID] = &a
	m.accountsByName[strings.ToLower(a.Name)] = &a
}

// SetModerator marks username as a moderator of every subreddit.
func (m *MockPlatform) SetModerator(username string, is bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.moderators[strings.ToLower(username)] = is
}

// SetApprovedSubmitter marks username as an approved submitter.
func (m *MockPlatform) SetApprovedSubmitter(username string, is bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approved[strings.ToLower(username)] = is
}

// AddConversation presets a modmail conversation for ListConversations.
func (m *MockPlatform) AddConversation(c platform.Conversation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations = append(m.conversations, c)
}

// AddExistingNote presets an existing note for ListModNotes.
func (m *MockPlatform) AddExistingNote(username string, n platform.ModNote) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notes[username] = append(m.notes[username], n)
}

// SetError injects an error to be returned on the next call to the named method.
func (m *MockPlatform) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

// Calls returns how many times the named method was invoked.
func (m *MockPlatform) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *MockPlatform) enter(method string) error {
	m.calls[method]++
	err := m.errors[method]
	delete(m.errors, method)
	return err
}

func (m *MockPlatform) newID(prefix string) string {
	m.nextID++
	return fmt.Sprintf("%s%d", prefix, m.nextID)
}

// --- ContentStore -----------------------------------------------------------

func (m *MockPlatform) GetContent(_ context.Context, id string) (*platform.Content, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetContent"); err != nil {
		return nil, err
	}
	if !platform.IsComment(id) && !platform.IsPost(id) {
		return nil, &platform.ErrInvalidID{ID: id}
	}
	c, ok := m.content[id]
	if !ok {
		return nil, &platform.ErrNotFound{ID: id}
	}
	cp := *c
	return &cp, nil
}

func (m *MockPlatform) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Remove"); err != nil {
		return err
	}
	m.Removed = append(m.Removed, id)
	return nil
}

func (m *MockPlatform) Approve(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Approve"); err != nil {
		return err
	}
	m.Approved = append(m.Approved, id)
	return nil
}

func (m *MockPlatform) SubmitReply(_ context.Context, parentID, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SubmitReply"); err != nil {
		return "", err
	}
	m.Replies[parentID] = text
	return m.newID(platform.PrefixComment + "reply"), nil
}

func (m *MockPlatform) Lock(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Lock"); err != nil {
		return err
	}
	m.Locked = append(m.Locked, id)
	return nil
}

func (m *MockPlatform) Distinguish(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Distinguish"); err != nil {
		return err
	}
	m.Distinguished = append(m.Distinguished, id)
	return nil
}

// --- ModLog -----------------------------------------------------------------

func (m *MockPlatform) QueryModLog(_ context.Context, q platform.ModLogQuery) ([]platform.ModLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("QueryModLog"); err != nil {
		return nil, err
	}
	m.ModLogQueries = append(m.ModLogQueries, q)
	var out []platform.ModLogEntry
	for _, e := range m.modlog[q.Action] {
		if len(q.Moderators) > 0 && !containsFold(q.Moderators, e.ModeratorName) {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// --- UserDirectory ----------------------------------------------------------

func (m *MockPlatform) UserByID(_ context.Context, id string) (*platform.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UserByID"); err != nil {
		return nil, err
	}
	a, ok := m.accountsByID[id]
	if !ok {
		return nil, &platform.ErrNotFound{ID: id}
	}
	cp := *a
	return &cp, nil
}

func (m *MockPlatform) UserByName(_ context.Context, name string) (*platform.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UserByName"); err != nil {
		return nil, err
	}
	a, ok := m.accountsByName[strings.ToLower(name)]
	if !ok {
		return nil, &platform.ErrNotFound{ID: name}
	}
	cp := *a
	return &cp, nil
}

// --- Roster -----------------------------------------------------------------

func (m *MockPlatform) IsModerator(_ context.Context, _, username string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("IsModerator"); err != nil {
		return false, err
	}
	return m.moderators[strings.ToLower(username)], nil
}

func (m *MockPlatform) IsApprovedSubmitter(_ context.Context, _, username string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("IsApprovedSubmitter"); err != nil {
		return false, err
	}
	return m.approved[strings.ToLower(username)], nil
}

// --- Bans -------------------------------------------------------------------

func (m *MockPlatform) BanUser(_ context.Context, req platform.BanRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("BanUser"); err != nil {
		return err
	}
	m.Bans = append(m.Bans, req)
	return nil
}

// --- Modmail ----------------------------------------------------------------

func (m *MockPlatform) CreateConversation(_ context.Context, req platform.ConversationRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CreateConversation"); err != nil {
		return "", err
	}
	id := m.newID("conv")
	m.Mail = append(m.Mail, SentMail{ID: id, Subreddit: req.Subreddit, To: req.To, Subject: req.Subject, Body: req.Body})
	return id, nil
}

func (m *MockPlatform) CreateNotification(_ context.Context, subreddit, subject, body string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CreateNotification"); err != nil {
		return "", err
	}
	id := m.newID("conv")
	m.Mail = append(m.Mail, SentMail{ID: id, Subreddit: subreddit, Subject: subject, Body: body})
	return id, nil
}

func (m *MockPlatform) ListConversations(_ context.Context, _, state string) ([]platform.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListConversations"); err != nil {
		return nil, err
	}
	var out []platform.Conversation
	for _, c := range m.conversations {
		if state == "" || c.State == state {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MockPlatform) Reply(_ context.Context, conversationID, body string, internal bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Reply"); err != nil {
		return err
	}
	m.MailReplies = append(m.MailReplies, SentReply{ConversationID: conversationID, Body: body, Internal: internal})
	return nil
}

func (m *MockPlatform) Archive(_ context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Archive"); err != nil {
		return err
	}
	m.Archived = append(m.Archived, conversationID)
	return nil
}

// --- ModNotes ---------------------------------------------------------------

func (m *MockPlatform) ListModNotes(_ context.Context, _, username, _ string) ([]platform.ModNote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListModNotes"); err != nil {
		return nil, err
	}
	return append([]platform.ModNote(nil), m.notes[username]...), nil
}

func (m *MockPlatform) AddModNote(_ context.Context, req platform.ModNoteRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("AddModNote"); err != nil {
		return err
	}
	m.AddedNotes = append(m.AddedNotes, req)
	return nil
}

// --- Lifecycle --------------------------------------------------------------

func (m *MockPlatform) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enter("Ping")
}

func (m *MockPlatform) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["Close"]++
	return nil
}

// Snapshot helpers return copies of recorded writes for race-free assertions.

// BansSnapshot returns a copy of recorded bans.
func (m *MockPlatform) BansSnapshot() []platform.BanRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]platform.BanRequest(nil), m.Bans...)
}

// MailSnapshot returns a copy of recorded modmail.
func (m *MockPlatform) MailSnapshot() []SentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMail(nil), m.Mail...)
}

var _ platform.Client = (*MockPlatform)(nil)
