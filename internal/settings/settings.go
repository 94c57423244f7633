// Package settings defines the enforcement settings schema and loads it fresh
// for every invocation. Nothing is cached between loads.
package settings

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/developingchet/ban-evasion-guard/internal/config"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// SchemaVersion is the current settings schema version.
const SchemaVersion = 2

// DefaultModNote is the note text added by the mod-note action.
const DefaultModNote = "User was flagged by Reddit's ban evasion detection system."

// ModmailMode selects how the modmail action notifies moderators.
type ModmailMode string

const (
	ModmailNone         ModmailMode = "none"
	ModmailInbox        ModmailMode = "inbox"
	ModmailNotification ModmailMode = "notification"
)

// AgeUnit is the unit of the minimum-account-age threshold.
type AgeUnit string

const (
	UnitDay   AgeUnit = "day"
	UnitWeek  AgeUnit = "week"
	UnitMonth AgeUnit = "month"
	UnitYear  AgeUnit = "year"
)

// MaxBanDurationDays is the largest temporary ban the platform accepts.
const MaxBanDurationDays = 999

// Settings is the enforcement configuration consumed by the confirmation
// filter and the action dispatcher.
type Settings struct {
	Version int `koanf:"version"`

	BanEnabled                 bool   `koanf:"ban_enabled"`
	BanReason                  string `koanf:"ban_reason"`
	BanMessage                 string `koanf:"ban_message"`
	BanDurationDays            int    `koanf:"ban_duration_days"` // 0 = permanent
	BanIncludeContentInModmail bool   `koanf:"ban_include_content_in_modmail"`

	RemoveEnabled  bool   `koanf:"remove_enabled"`
	RemovalMessage string `koanf:"removal_message"`

	ModNoteEnabled bool   `koanf:"mod_note_enabled"`
	ModNoteMessage string `koanf:"mod_note_message"`

	ModmailMode ModmailMode `koanf:"modmail_mode"`

	AgeThresholdValue int     `koanf:"age_threshold_value"` // 0 = disabled
	AgeThresholdUnit  AgeUnit `koanf:"age_threshold_unit"`

	AutoApproveAfterUnban    bool     `koanf:"auto_approve_after_unban"`
	IgnoredUsernames         []string `koanf:"-"`
	IgnoreApprovedSubmitters bool     `koanf:"ignore_approved_submitters"`
	AutoIgnoreAfterApproval  bool     `koanf:"auto_ignore_after_approval"`
}

// Defaults returns the settings used when nothing is configured.
func Defaults() Settings {
	return Settings{
		Version:          SchemaVersion,
		BanReason:        "Ban evasion",
		BanMessage:       "Ban evasion",
		RemoveEnabled:    true,
		ModNoteMessage:   DefaultModNote,
		ModmailMode:      ModmailNone,
		AgeThresholdUnit: UnitDay,
	}
}

func defaultMap() map[string]interface{} {
	d := Defaults()
	return map[string]interface{}{
		"version":            d.Version,
		"ban_reason":         d.BanReason,
		"ban_message":        d.BanMessage,
		"remove_enabled":     d.RemoveEnabled,
		"mod_note_message":   d.ModNoteMessage,
		"modmail_mode":       string(d.ModmailMode),
		"age_threshold_unit": string(d.AgeThresholdUnit),
	}
}

// AnyActionEnabled reports whether at least one enforcement action is on.
func (s *Settings) AnyActionEnabled() bool {
	return s.BanEnabled || s.RemoveEnabled || s.ModNoteEnabled || s.ModmailMode != ModmailNone
}

// IsIgnored reports whether username is on the ignore list (case-insensitive).
func (s *Settings) IsIgnored(username string) bool {
	name := strings.TrimSpace(username)
	for _, u := range s.IgnoredUsernames {
		if strings.EqualFold(strings.TrimSpace(u), name) {
			return true
		}
	}
	return false
}

// AccountCutoff returns the creation time before which an account is too old
// to be treated as an evasion account. ok is false when no threshold is set.
func (s *Settings) AccountCutoff(now time.Time) (cutoff time.Time, ok bool) {
	v := s.AgeThresholdValue
	if v <= 0 {
		return time.Time{}, false
	}
	switch s.AgeThresholdUnit {
	case UnitWeek:
		return now.AddDate(0, 0, -7*v), true
	case UnitMonth:
		return now.AddDate(0, -v, 0), true
	case UnitYear:
		return now.AddDate(-v, 0, 0), true
	default:
		return now.AddDate(0, 0, -v), true
	}
}

// Validate rejects out-of-range values.
func (s *Settings) Validate() error {
	if s.BanDurationDays < 0 || s.BanDurationDays > MaxBanDurationDays {
		return fmt.Errorf("ban_duration_days must be 0–%d; got %d", MaxBanDurationDays, s.BanDurationDays)
	}
	switch s.AgeThresholdUnit {
	case UnitDay, UnitWeek, UnitMonth, UnitYear:
	default:
		return fmt.Errorf("age_threshold_unit must be day, week, month or year; got %q", s.AgeThresholdUnit)
	}
	if s.AgeThresholdValue < 0 {
		return fmt.Errorf("age_threshold_value must be >= 0; got %d", s.AgeThresholdValue)
	}
	switch s.ModmailMode {
	case ModmailNone, ModmailInbox, ModmailNotification:
	default:
		return fmt.Errorf("modmail_mode must be none, inbox or notification; got %q", s.ModmailMode)
	}
	if s.Version > SchemaVersion {
		return fmt.Errorf("settings version %d is newer than supported version %d", s.Version, SchemaVersion)
	}
	return nil
}

// Source yields the current settings. Implementations must not cache.
type Source interface {
	Load(ctx context.Context) (*Settings, error)
}

// FileSource reads settings from a YAML file layered over defaults, with
// SETTING_* environment variables taking precedence.
type FileSource struct {
	Path string
}

// NewFileSource returns a Source backed by the YAML file at path.
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

// Load re-reads the file on every call. A missing file yields defaults.
func (f *FileSource) Load(_ context.Context) (*Settings, error) {
	k := koanf.New(".")
	if err := k.Load(config.MapProvider(defaultMap()), nil); err != nil {
		return nil, fmt.Errorf("load settings defaults: %w", err)
	}

	if f.Path != "" {
		if _, err := os.Stat(f.Path); err == nil {
			if err := k.Load(file.Provider(f.Path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load settings file %s: %w", f.Path, err)
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("stat settings file %s: %w", f.Path, err)
		}
	}

	if err := k.Load(env.Provider("SETTING_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "SETTING_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("load settings env: %w", err)
	}

	s := &Settings{}
	if err := k.UnmarshalWithConf("", s, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	s.IgnoredUsernames = ignoreList(k)
	if s.Version == 0 {
		s.Version = SchemaVersion
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// ignoreList accepts either a YAML list or a comma-separated string.
func ignoreList(k *koanf.Koanf) []string {
	var raw []string
	switch k.Get("ignored_usernames").(type) {
	case []interface{}:
		raw = k.Strings("ignored_usernames")
	default:
		raw = strings.Split(k.String("ignored_usernames"), ",")
	}
	out := make([]string, 0, len(raw))
	for _, u := range raw {
		u = strings.ToLower(strings.TrimSpace(u))
		if u != "" {
			out = append(out, u)
		}
	}
	return out
}

// Static is a Source that always returns a copy of the wrapped settings.
type Static Settings

// Load returns a copy so callers cannot mutate the shared value.
func (s Static) Load(context.Context) (*Settings, error) {
	out := Settings(s)
	out.IgnoredUsernames = append([]string(nil), s.IgnoredUsernames...)
	return &out, nil
}
