package evasion

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/developingchet/ban-evasion-guard/internal/settings"
	"github.com/developingchet/ban-evasion-guard/internal/storage"
)

func TestSignal_JSON(t *testing.T) {
	raw := `{"action":"removecomment","targetId":"t1_abc","targetUser":"evader_1","moderator":"reddit","subreddit":"pics","occurredAt":"2025-06-01T12:00:00Z"}`
	var sig Signal
	if err := json.Unmarshal([]byte(raw), &sig); err != nil {
		t.Fatal(err)
	}
	if sig.Kind != KindRemoveComment || sig.TargetID != "t1_abc" || sig.TargetAuthor != "evader_1" ||
		sig.ModeratorName != "reddit" || sig.SubredditName != "pics" || !sig.OccurredAt.Equal(testNow) {
		t.Errorf("decoded = %+v", sig)
	}
}

func TestRouter_Removal(t *testing.T) {
	e := newEnv(settings.Defaults())
	if err := e.router.HandleModAction(context.Background(), removal("t1_abc")); err != nil {
		t.Fatal(err)
	}
	jobs, _ := e.sched.List(context.Background())
	if len(jobs) != 1 {
		t.Errorf("jobs = %d, want 1", len(jobs))
	}
}

func TestRouter_ForeignSubredditDropped(t *testing.T) {
	e := newEnv(settings.Defaults())
	sig := removal("t1_abc")
	sig.SubredditName = "other"
	if err := e.router.HandleModAction(context.Background(), sig); err != nil {
		t.Fatal(err)
	}
	if jobs, _ := e.sched.List(context.Background()); len(jobs) != 0 {
		t.Errorf("jobs = %d, want 0", len(jobs))
	}
}

func TestRouter_UnbanAndApprove(t *testing.T) {
	e := newEnv(settings.Defaults())
	ctx := context.Background()
	_ = e.store.ActionRecord(ctx, storage.ActionRecord{TargetID: "t3_p"}, testNow.Add(ActionRecordTTL))

	signals := []Signal{
		{Kind: KindUnban, TargetAuthor: "u1", SubredditName: "Pics", OccurredAt: testNow},
		{Kind: KindApproveLink, TargetID: "t3_p", TargetAuthor: "u2", SubredditName: "pics"},
		{Kind: "wikirevise", SubredditName: "pics"},
	}
	for _, sig := range signals {
		if err := e.router.HandleModAction(ctx, sig); err != nil {
			t.Fatalf("%s: %v", sig.Kind, err)
		}
	}
	if ok, _ := e.store.UnbanExists(ctx, "u1"); !ok {
		t.Error("unban not recorded")
	}
	if _, ok := e.store.AllowList()["u2"]; !ok {
		t.Error("approval not allow-listed")
	}
}

func TestRouter_RosterChangeRefreshesCache(t *testing.T) {
	e := newEnv(settings.Defaults())
	ctx := context.Background()

	if e.mods.IsModerator(ctx, "new_mod") {
		t.Fatal("not a moderator yet")
	}
	e.plat.SetModerator("new_mod", true)
	if e.mods.IsModerator(ctx, "new_mod") {
		t.Fatal("cached answer expected before refresh")
	}
	if err := e.router.HandleModAction(ctx, Signal{Kind: KindAddModerator, TargetAuthor: "new_mod", SubredditName: "pics"}); err != nil {
		t.Fatal(err)
	}
	if !e.mods.IsModerator(ctx, "new_mod") {
		t.Error("refresh should pick up the new moderator")
	}
}

func TestModeratorChecker_SpecialAccounts(t *testing.T) {
	e := newEnv(settings.Defaults())
	ctx := context.Background()
	tests := map[string]bool{
		"AutoModerator": true,
		"pics-ModTeam":  true,
		"reddit":        false,
		"[ Redacted ]":  false,
		"":              false,
	}
	for name, want := range tests {
		if got := e.mods.IsModerator(ctx, name); got != want {
			t.Errorf("IsModerator(%q) = %v, want %v", name, got, want)
		}
	}
	if e.plat.Calls("IsModerator") != 0 {
		t.Error("special accounts must not hit the roster")
	}
}

func TestModeratorChecker_Caches(t *testing.T) {
	e := newEnv(settings.Defaults())
	e.plat.SetModerator("Mod_A", true)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if !e.mods.IsModerator(ctx, "mod_a") {
			t.Fatal("expected moderator")
		}
	}
	if n := e.plat.Calls("IsModerator"); n != 1 {
		t.Errorf("roster calls = %d, want 1", n)
	}
	exp, ok := e.store.ExpiryOf("modstatus", "mod_a")
	if !ok || !exp.Equal(testNow.Add(DefaultModCacheTTL)) {
		t.Errorf("store cache expiry = %v (%v)", exp, ok)
	}

	// a fresh checker reads the shared store instead of the roster
	other := NewModeratorChecker(e.plat, e.store, "pics", 0, e.mods.log)
	if !other.IsModerator(ctx, "Mod_A") {
		t.Error("expected moderator from store cache")
	}
	if n := e.plat.Calls("IsModerator"); n != 1 {
		t.Errorf("roster calls = %d, want 1", n)
	}
}

func TestModeratorChecker_LookupErrorIsNotModerator(t *testing.T) {
	e := newEnv(settings.Defaults())
	e.plat.SetModerator("mod_b", true)
	e.plat.SetError("IsModerator", errors.New("boom"))
	ctx := context.Background()

	if e.mods.IsModerator(ctx, "mod_b") {
		t.Error("failed lookup should answer false")
	}
	if !e.mods.IsModerator(ctx, "mod_b") {
		t.Error("failures must not be cached")
	}
}
