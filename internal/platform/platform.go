package platform

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Fullname prefixes for typed platform IDs.
const (
	PrefixComment = "t1_"
	PrefixAccount = "t2_"
	PrefixPost    = "t3_"
)

// Well-known account names.
const (
	SystemAccount    = "reddit"
	AutoModerator    = "AutoModerator"
	RedactedAccount  = "[ Redacted ]"
	DeletedAccount   = "[deleted]"
	modTeamSuffix    = "-ModTeam"
	defaultListLimit = 100
)

// IsComment reports whether id is a comment fullname.
func IsComment(id string) bool { return strings.HasPrefix(id, PrefixComment) }

// IsPost reports whether id is a post fullname.
func IsPost(id string) bool { return strings.HasPrefix(id, PrefixPost) }

// ModTeamAccount returns the moderator-team account name for a subreddit.
func ModTeamAccount(subreddit string) string { return subreddit + modTeamSuffix }

// Content is a post or comment.
type Content struct {
	ID            string
	AuthorName    string
	AuthorID      string
	Permalink     string
	SubredditName string
	Body          string
	Title         string // posts only
	URL           string // posts only
	IsSelf        bool   // posts only
}

// IsComment reports whether c is a comment.
func (c *Content) IsComment() bool { return IsComment(c.ID) }

// ModLogQuery selects moderation log entries.
type ModLogQuery struct {
	Subreddit  string
	Moderators []string
	Action     string
	Limit      int
}

// ModLogEntry is one moderation log row.
type ModLogEntry struct {
	ID            string
	Action        string
	TargetID      string
	TargetAuthor  string
	Description   string
	Details       string
	ModeratorName string
	CreatedAt     time.Time
}

// Account is a resolved user account.
type Account struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// BanRequest bans a user from a subreddit.
type BanRequest struct {
	Subreddit    string
	Username     string
	Reason       string
	Message      string // empty = no message
	DurationDays int    // 0 = permanent
	Context      string // fullname of the content that triggered the ban
}

// ConversationRequest opens a modmail conversation with a user.
type ConversationRequest struct {
	Subreddit string
	To        string
	Subject   string
	Body      string
}

// Conversation is a modmail conversation summary.
type Conversation struct {
	ID             string
	State          string
	Participant    string
	MessageAuthors []string
}

// ModNote is a moderator note attached to a user.
type ModNote struct {
	ID        string
	Operator  string
	Label     string
	Note      string
	CreatedAt time.Time
}

// ModNoteRequest adds a moderator note.
type ModNoteRequest struct {
	Subreddit string
	Username  string
	Note      string
	Label     string
	ContentID string
}

// ContentStore fetches and moderates posts and comments.
type ContentStore interface {
	GetContent(ctx context.Context, id string) (*Content, error)
	Remove(ctx context.Context, id string) error
	Approve(ctx context.Context, id string) error
	SubmitReply(ctx context.Context, parentID, text string) (string, error)
	Lock(ctx context.Context, id string) error
	Distinguish(ctx context.Context, id string) error
}

// ModLog queries the moderation log.
type ModLog interface {
	QueryModLog(ctx context.Context, q ModLogQuery) ([]ModLogEntry, error)
}

// UserDirectory resolves accounts. A missing, deleted or suspended account
// returns *ErrNotFound.
type UserDirectory interface {
	UserByID(ctx context.Context, id string) (*Account, error)
	UserByName(ctx context.Context, name string) (*Account, error)
}

// Roster answers membership questions about a subreddit.
type Roster interface {
	IsModerator(ctx context.Context, subreddit, username string) (bool, error)
	IsApprovedSubmitter(ctx context.Context, subreddit, username string) (bool, error)
}

// Bans issues subreddit bans.
type Bans interface {
	BanUser(ctx context.Context, req BanRequest) error
}

// Modmail sends and manages moderator mail.
type Modmail interface {
	CreateConversation(ctx context.Context, req ConversationRequest) (string, error)
	CreateNotification(ctx context.Context, subreddit, subject, body string) (string, error)
	ListConversations(ctx context.Context, subreddit, state string) ([]Conversation, error)
	Reply(ctx context.Context, conversationID, body string, internal bool) error
	Archive(ctx context.Context, conversationID string) error
}

// ModNotes reads and writes moderator notes.
type ModNotes interface {
	ListModNotes(ctx context.Context, subreddit, username, filter string) ([]ModNote, error)
	AddModNote(ctx context.Context, req ModNoteRequest) error
}

// Client is the full platform seam. All methods accept context for deadline control.
type Client interface {
	ContentStore
	ModLog
	UserDirectory
	Roster
	Bans
	Modmail
	ModNotes

	Ping(ctx context.Context) error
	Close() error
}

// --- Typed errors -----------------------------------------------------------

// ErrUnauthorized is returned on HTTP 401 responses.
type ErrUnauthorized struct {
	Msg string
}

func (e *ErrUnauthorized) Error() string {
	return fmt.Sprintf("unauthorized: %s", e.Msg)
}

// ErrNotFound is returned when a resource does not exist.
type ErrNotFound struct {
	ID string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("not found: %s", e.ID)
}

// ErrRateLimit is returned when the platform signals rate limiting.
type ErrRateLimit struct {
	RetryAfter time.Duration
}

func (e *ErrRateLimit) Error() string {
	return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
}

// ErrInvalidID is returned for IDs that are neither posts nor comments.
type ErrInvalidID struct {
	ID string
}

func (e *ErrInvalidID) Error() string {
	return fmt.Sprintf("invalid content id %q", e.ID)
}
