package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// --- Wire types (JSON mapping to platform API responses) --------------------

type apiListing struct {
	Data struct {
		Children []struct {
			Kind string          `json:"kind"`
			Data json.RawMessage `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type apiThing struct {
	Name           string `json:"name"`
	Author         string `json:"author"`
	AuthorFullname string `json:"author_fullname"`
	Permalink      string `json:"permalink"`
	Subreddit      string `json:"subreddit"`
	Body           string `json:"body"`
	Selftext       string `json:"selftext"`
	Title          string `json:"title"`
	URL            string `json:"url"`
	IsSelf         bool   `json:"is_self"`
}

type apiModAction struct {
	ID             string  `json:"id"`
	Action         string  `json:"action"`
	TargetFullname string  `json:"target_fullname"`
	TargetAuthor   string  `json:"target_author"`
	Description    string  `json:"description"`
	Details        string  `json:"details"`
	Mod            string  `json:"mod"`
	CreatedUTC     float64 `json:"created_utc"`
}

type apiAccount struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	CreatedUTC  float64 `json:"created_utc"`
	IsSuspended bool    `json:"is_suspended"`
}

type apiUserList struct {
	Data struct {
		Children []struct {
			Name string `json:"name"`
		} `json:"children"`
	} `json:"data"`
}

type apiJSONResult struct {
	JSON struct {
		Errors [][]interface{} `json:"errors"`
		Data   struct {
			Things []struct {
				Data struct {
					Name string `json:"name"`
				} `json:"data"`
			} `json:"things"`
		} `json:"data"`
	} `json:"json"`
}

func (r apiJSONResult) err(endpoint string) error {
	if len(r.JSON.Errors) == 0 {
		return nil
	}
	return fmt.Errorf("%s rejected: %v", endpoint, r.JSON.Errors[0])
}

type apiConversation struct {
	ID          string `json:"id"`
	State       int    `json:"state"`
	Participant struct {
		Name string `json:"name"`
	} `json:"participant"`
	Authors []struct {
		Name string `json:"name"`
	} `json:"authors"`
}

type apiModNote struct {
	ID           string `json:"id"`
	Operator     string `json:"operator"`
	CreatedAt    int64  `json:"created_at"`
	UserNoteData struct {
		Note  string `json:"note"`
		Label string `json:"label"`
	} `json:"user_note_data"`
}

func unixToTime(secs float64) time.Time {
	return time.Unix(int64(secs), 0).UTC()
}

// ---- Content ---------------------------------------------------------------

func (c *httpClient) GetContent(ctx context.Context, id string) (*Content, error) {
	if !IsComment(id) && !IsPost(id) {
		return nil, &ErrInvalidID{ID: id}
	}
	var listing apiListing
	if err := c.getJSON(ctx, "/api/info", url.Values{"id": {id}}, "info", &listing); err != nil {
		return nil, err
	}
	if len(listing.Data.Children) == 0 {
		return nil, &ErrNotFound{ID: id}
	}
	var t apiThing
	if err := json.Unmarshal(listing.Data.Children[0].Data, &t); err != nil {
		return nil, fmt.Errorf("decode %s: %w", id, err)
	}
	content := &Content{
		ID:            t.Name,
		AuthorName:    t.Author,
		AuthorID:      t.AuthorFullname,
		Permalink:     t.Permalink,
		SubredditName: t.Subreddit,
		Body:          t.Body,
	}
	if IsPost(id) {
		content.Body = t.Selftext
		content.Title = t.Title
		content.URL = t.URL
		content.IsSelf = t.IsSelf
	}
	return content, nil
}

func (c *httpClient) Remove(ctx context.Context, id string) error {
	return c.postForm(ctx, "/api/remove", url.Values{"id": {id}, "spam": {"false"}}, "remove", nil)
}

func (c *httpClient) Approve(ctx context.Context, id string) error {
	return c.postForm(ctx, "/api/approve", url.Values{"id": {id}}, "approve", nil)
}

func (c *httpClient) SubmitReply(ctx context.Context, parentID, text string) (string, error) {
	var res apiJSONResult
	form := url.Values{"thing_id": {parentID}, "text": {text}, "api_type": {"json"}}
	if err := c.postForm(ctx, "/api/comment", form, "comment", &res); err != nil {
		return "", err
	}
	if err := res.err("comment"); err != nil {
		return "", err
	}
	if len(res.JSON.Data.Things) == 0 {
		return "", fmt.Errorf("comment: empty response")
	}
	return res.JSON.Data.Things[0].Data.Name, nil
}

func (c *httpClient) Lock(ctx context.Context, id string) error {
	return c.postForm(ctx, "/api/lock", url.Values{"id": {id}}, "lock", nil)
}

func (c *httpClient) Distinguish(ctx context.Context, id string) error {
	form := url.Values{"id": {id}, "how": {"yes"}, "sticky": {"false"}, "api_type": {"json"}}
	return c.postForm(ctx, "/api/distinguish", form, "distinguish", nil)
}

// ---- Moderation log --------------------------------------------------------

func (c *httpClient) QueryModLog(ctx context.Context, q ModLogQuery) ([]ModLogEntry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := url.Values{"limit": {strconv.Itoa(limit)}}
	if q.Action != "" {
		query.Set("type", q.Action)
	}
	if len(q.Moderators) > 0 {
		query.Set("mod", strings.Join(q.Moderators, ","))
	}

	var listing apiListing
	if err := c.getJSON(ctx, "/r/"+url.PathEscape(q.Subreddit)+"/about/log", query, "modlog", &listing); err != nil {
		return nil, err
	}
	entries := make([]ModLogEntry, 0, len(listing.Data.Children))
	for _, child := range listing.Data.Children {
		var a apiModAction
		if err := json.Unmarshal(child.Data, &a); err != nil {
			return nil, fmt.Errorf("decode modlog entry: %w", err)
		}
		entries = append(entries, ModLogEntry{
			ID:            a.ID,
			Action:        a.Action,
			TargetID:      a.TargetFullname,
			TargetAuthor:  a.TargetAuthor,
			Description:   a.Description,
			Details:       a.Details,
			ModeratorName: a.Mod,
			CreatedAt:     unixToTime(a.CreatedUTC),
		})
	}
	return entries, nil
}

// ---- Users -----------------------------------------------------------------

func (c *httpClient) UserByName(ctx context.Context, name string) (*Account, error) {
	var body struct {
		Data apiAccount `json:"data"`
	}
	if err := c.getJSON(ctx, "/user/"+url.PathEscape(name)+"/about", nil, "user_about", &body); err != nil {
		return nil, err
	}
	if body.Data.IsSuspended || body.Data.Name == "" {
		return nil, &ErrNotFound{ID: name}
	}
	return &Account{
		ID:        PrefixAccount + body.Data.ID,
		Name:      body.Data.Name,
		CreatedAt: unixToTime(body.Data.CreatedUTC),
	}, nil
}

func (c *httpClient) UserByID(ctx context.Context, id string) (*Account, error) {
	var body map[string]apiAccount
	if err := c.getJSON(ctx, "/api/user_data_by_account_ids", url.Values{"ids": {id}}, "user_by_id", &body); err != nil {
		return nil, err
	}
	a, ok := body[id]
	if !ok || a.Name == "" {
		return nil, &ErrNotFound{ID: id}
	}
	return &Account{
		ID:        id,
		Name:      a.Name,
		CreatedAt: unixToTime(a.CreatedUTC),
	}, nil
}

// ---- Roster ----------------------------------------------------------------

func (c *httpClient) userListContains(ctx context.Context, subreddit, list, username, endpoint string) (bool, error) {
	var body apiUserList
	path := "/r/" + url.PathEscape(subreddit) + "/about/" + list
	if err := c.getJSON(ctx, path, url.Values{"user": {username}}, endpoint, &body); err != nil {
		return false, err
	}
	for _, u := range body.Data.Children {
		if strings.EqualFold(u.Name, username) {
			return true, nil
		}
	}
	return false, nil
}

func (c *httpClient) IsModerator(ctx context.Context, subreddit, username string) (bool, error) {
	return c.userListContains(ctx, subreddit, "moderators", username, "moderators")
}

func (c *httpClient) IsApprovedSubmitter(ctx context.Context, subreddit, username string) (bool, error) {
	return c.userListContains(ctx, subreddit, "contributors", username, "contributors")
}

// ---- Bans ------------------------------------------------------------------

func (c *httpClient) BanUser(ctx context.Context, req BanRequest) error {
	form := url.Values{
		"type":       {"banned"},
		"name":       {req.Username},
		"ban_reason": {req.Reason},
		"api_type":   {"json"},
	}
	if req.Message != "" {
		form.Set("ban_message", req.Message)
	}
	if req.DurationDays > 0 {
		form.Set("duration", strconv.Itoa(req.DurationDays))
	}
	if req.Context != "" {
		form.Set("ban_context", req.Context)
	}
	var res apiJSONResult
	if err := c.postForm(ctx, "/r/"+url.PathEscape(req.Subreddit)+"/api/friend", form, "ban", &res); err != nil {
		return err
	}
	return res.err("ban")
}

// ---- Modmail ---------------------------------------------------------------

type apiConversationCreated struct {
	Conversation struct {
		ID string `json:"id"`
	} `json:"conversation"`
}

func (c *httpClient) createConversation(ctx context.Context, form url.Values) (string, error) {
	var res apiConversationCreated
	if err := c.postForm(ctx, "/api/mod/conversations", form, "modmail_create", &res); err != nil {
		return "", err
	}
	if res.Conversation.ID == "" {
		return "", fmt.Errorf("modmail_create: empty conversation id")
	}
	return res.Conversation.ID, nil
}

func (c *httpClient) CreateConversation(ctx context.Context, req ConversationRequest) (string, error) {
	return c.createConversation(ctx, url.Values{
		"srName":         {req.Subreddit},
		"to":             {req.To},
		"subject":        {req.Subject},
		"body":           {req.Body},
		"isAuthorHidden": {"false"},
	})
}

// CreateNotification opens a conversation visible only to the moderator team.
func (c *httpClient) CreateNotification(ctx context.Context, subreddit, subject, body string) (string, error) {
	return c.createConversation(ctx, url.Values{
		"srName":         {subreddit},
		"subject":        {subject},
		"body":           {body},
		"isAuthorHidden": {"false"},
	})
}

var conversationStates = map[int]string{
	0: "new", 1: "inprogress", 2: "archived", 3: "appeals", 4: "join_requests", 5: "filtered",
}

func (c *httpClient) ListConversations(ctx context.Context, subreddit, state string) ([]Conversation, error) {
	var body struct {
		Conversations   map[string]apiConversation `json:"conversations"`
		ConversationIDs []string                   `json:"conversationIds"`
	}
	query := url.Values{"entity": {subreddit}, "state": {state}, "limit": {strconv.Itoa(defaultListLimit)}}
	if err := c.getJSON(ctx, "/api/mod/conversations", query, "modmail_list", &body); err != nil {
		return nil, err
	}
	out := make([]Conversation, 0, len(body.ConversationIDs))
	for _, id := range body.ConversationIDs {
		conv, ok := body.Conversations[id]
		if !ok {
			continue
		}
		authors := make([]string, 0, len(conv.Authors))
		for _, a := range conv.Authors {
			authors = append(authors, a.Name)
		}
		out = append(out, Conversation{
			ID:             conv.ID,
			State:          conversationStates[conv.State],
			Participant:    conv.Participant.Name,
			MessageAuthors: authors,
		})
	}
	return out, nil
}

func (c *httpClient) Reply(ctx context.Context, conversationID, body string, internal bool) error {
	form := url.Values{
		"body":           {body},
		"isAuthorHidden": {"false"},
		"isInternal":     {strconv.FormatBool(internal)},
	}
	return c.postForm(ctx, "/api/mod/conversations/"+url.PathEscape(conversationID), form, "modmail_reply", nil)
}

func (c *httpClient) Archive(ctx context.Context, conversationID string) error {
	return c.postForm(ctx, "/api/mod/conversations/"+url.PathEscape(conversationID)+"/archive", url.Values{}, "modmail_archive", nil)
}

// ---- Mod notes -------------------------------------------------------------

func (c *httpClient) ListModNotes(ctx context.Context, subreddit, username, filter string) ([]ModNote, error) {
	var body struct {
		ModNotes []apiModNote `json:"mod_notes"`
	}
	query := url.Values{"subreddit": {subreddit}, "user": {username}, "limit": {strconv.Itoa(defaultListLimit)}}
	if filter != "" {
		query.Set("filter", filter)
	}
	if err := c.getJSON(ctx, "/api/mod/notes", query, "modnotes_list", &body); err != nil {
		return nil, err
	}
	notes := make([]ModNote, 0, len(body.ModNotes))
	for _, n := range body.ModNotes {
		notes = append(notes, ModNote{
			ID:        n.ID,
			Operator:  n.Operator,
			Label:     n.UserNoteData.Label,
			Note:      n.UserNoteData.Note,
			CreatedAt: time.Unix(n.CreatedAt, 0).UTC(),
		})
	}
	return notes, nil
}

func (c *httpClient) AddModNote(ctx context.Context, req ModNoteRequest) error {
	form := url.Values{
		"subreddit": {req.Subreddit},
		"user":      {req.Username},
		"note":      {req.Note},
	}
	if req.Label != "" {
		form.Set("label", req.Label)
	}
	if req.ContentID != "" {
		form.Set("reddit_id", req.ContentID)
	}
	return c.postForm(ctx, "/api/mod/notes", form, "modnotes_add", nil)
}
