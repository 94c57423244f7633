package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/developingchet/ban-evasion-guard/internal/pool"
	"github.com/developingchet/ban-evasion-guard/internal/storage"
	"github.com/developingchet/ban-evasion-guard/internal/testutil"
	"github.com/rs/zerolog"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestScheduler(t *testing.T) (*Scheduler, *testutil.MockStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 5, 0, 0, 0, time.UTC)}
	store := testutil.NewMockStore()
	store.Now = clock.Now
	return New(store, zerolog.Nop(), WithClock(clock.Now)), store, clock
}

type confirmPayload struct {
	TargetID      string `msgpack:"targetId"`
	SubredditName string `msgpack:"subredditName"`
}

func TestScheduleOneOffAndClaim(t *testing.T) {
	ctx := context.Background()
	s, _, clock := newTestScheduler(t)

	id, err := s.Schedule(ctx, Request{
		Name:    JobConfirmRemoval,
		RunAt:   clock.Now().Add(10 * time.Second),
		Payload: confirmPayload{TargetID: "t1_a", SubredditName: "pics"},
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	due, _ := s.Claim(ctx)
	if len(due) != 0 {
		t.Fatalf("job should not be due yet, got %d", len(due))
	}

	clock.Advance(10 * time.Second)
	due, err = s.Claim(ctx)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(due) != 1 || due[0].ID != id {
		t.Fatalf("expected job %s due, got %+v", id, due)
	}

	var p confirmPayload
	if err := DecodePayload(due[0].Payload, &p); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if p.TargetID != "t1_a" || p.SubredditName != "pics" {
		t.Errorf("unexpected payload %+v", p)
	}

	jobs, _ := s.List(ctx)
	if len(jobs) != 0 {
		t.Errorf("one-off job should be removed after claim, %d left", len(jobs))
	}
}

func TestScheduleCronAdvances(t *testing.T) {
	ctx := context.Background()
	s, _, clock := newTestScheduler(t)

	if _, err := s.Schedule(ctx, Request{Name: JobSweepAllowList, Cron: "0 6 * * *"}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	jobs, _ := s.List(ctx)
	want := time.Date(2025, 6, 1, 6, 0, 0, 0, time.UTC)
	if len(jobs) != 1 || !jobs[0].RunAt.Equal(want) {
		t.Fatalf("expected first tick %s, got %+v", want, jobs)
	}

	// Skip past three ticks: they collapse into one firing.
	clock.Advance(3*24*time.Hour + time.Hour)
	due, _ := s.Claim(ctx)
	if len(due) != 1 {
		t.Fatalf("expected one collapsed firing, got %d", len(due))
	}
	jobs, _ = s.List(ctx)
	if len(jobs) != 1 || !jobs[0].RunAt.After(clock.Now()) {
		t.Fatalf("cron job should be re-armed in the future, got %+v", jobs)
	}
}

func TestScheduleValidation(t *testing.T) {
	ctx := context.Background()
	s, _, clock := newTestScheduler(t)

	cases := []Request{
		{RunAt: clock.Now()},
		{Name: "x"},
		{Name: "x", RunAt: clock.Now(), Cron: "* * * * *"},
		{Name: "x", Cron: "not a cron"},
	}
	for _, req := range cases {
		if _, err := s.Schedule(ctx, req); err == nil {
			t.Errorf("expected error for %+v", req)
		}
	}
}

func TestCancelWhere(t *testing.T) {
	ctx := context.Background()
	s, _, clock := newTestScheduler(t)

	_, _ = s.Schedule(ctx, Request{Name: JobSweepAllowList, Cron: "0 6 * * *"})
	_, _ = s.Schedule(ctx, Request{Name: JobSweepAllowList, RunAt: clock.Now().Add(time.Hour)})
	_, _ = s.Schedule(ctx, Request{Name: JobConfirmRemoval, RunAt: clock.Now().Add(time.Minute)})

	n, err := s.CancelWhere(ctx, func(j storage.JobRecord) bool {
		return j.Name == JobSweepAllowList && j.Cron == ""
	})
	if err != nil || n != 1 {
		t.Fatalf("CancelWhere = %d, %v; want 1", n, err)
	}
	n, err = s.CancelAll(ctx)
	if err != nil || n != 2 {
		t.Fatalf("CancelAll = %d, %v; want 2", n, err)
	}
}

func TestNextCronTick(t *testing.T) {
	after := time.Date(2025, 6, 1, 6, 0, 0, 0, time.UTC)
	got, err := NextCronTick("0 6 * * *", after)
	if err != nil {
		t.Fatal(err)
	}
	if want := after.Add(24 * time.Hour); !got.Equal(want) {
		t.Errorf("NextCronTick = %s, want %s (strictly after)", got, want)
	}
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []pool.Job
	full bool
}

func (q *recordingQueue) Enqueue(job pool.Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.full {
		return false
	}
	q.jobs = append(q.jobs, job)
	return true
}

func TestRunnerTick(t *testing.T) {
	ctx := context.Background()
	s, _, clock := newTestScheduler(t)
	q := &recordingQueue{}
	r := NewRunner(s, q, time.Second, zerolog.Nop())

	_, _ = s.Schedule(ctx, Request{Name: JobConfirmRemoval, RunAt: clock.Now()})
	_, _ = s.Schedule(ctx, Request{Name: JobConfirmRemoval, RunAt: clock.Now().Add(time.Hour)})

	if n := r.Tick(ctx); n != 1 {
		t.Fatalf("Tick enqueued %d, want 1", n)
	}
	if q.jobs[0].Name != JobConfirmRemoval {
		t.Errorf("unexpected job %+v", q.jobs[0])
	}
}

func TestRunnerRestoresOneOffOnFullQueue(t *testing.T) {
	ctx := context.Background()
	s, _, clock := newTestScheduler(t)
	q := &recordingQueue{full: true}
	r := NewRunner(s, q, time.Second, zerolog.Nop())

	id, _ := s.Schedule(ctx, Request{Name: JobConfirmRemoval, RunAt: clock.Now()})
	if n := r.Tick(ctx); n != 0 {
		t.Fatalf("Tick enqueued %d on a full queue", n)
	}
	jobs, _ := s.List(ctx)
	if len(jobs) != 1 || jobs[0].ID != id {
		t.Fatalf("one-off job should be restored, got %+v", jobs)
	}

	q.full = false
	if n := r.Tick(ctx); n != 1 {
		t.Fatalf("restored job should fire on next tick, got %d", n)
	}
}

func TestRegistryJobHandler(t *testing.T) {
	var got []byte
	reg := Registry{
		JobConfirmRemoval: func(_ context.Context, payload []byte) error {
			got = payload
			return nil
		},
	}
	h := reg.JobHandler()

	if err := h(context.Background(), pool.Job{Name: JobConfirmRemoval, Payload: []byte("p")}); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if string(got) != "p" {
		t.Errorf("payload = %q", got)
	}

	err := h(context.Background(), pool.Job{Name: "unknown"})
	if !pool.IsPermanent(err) {
		t.Errorf("unknown job should fail permanently, got %v", err)
	}
}

func TestClaimOneOffAcrossSchedulers(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 5, 0, 0, 0, time.UTC)}
	store := testutil.NewMockStore()
	store.Now = clock.Now

	// Each replica has its own Scheduler, and therefore its own mutex.
	const replicas = 8
	scheds := make([]*Scheduler, replicas)
	for i := range scheds {
		scheds[i] = New(store, zerolog.Nop(), WithClock(clock.Now))
	}
	if _, err := scheds[0].Schedule(ctx, Request{
		Name:    JobConfirmRemoval,
		RunAt:   clock.Now(),
		Payload: confirmPayload{TargetID: "t1_a", SubredditName: "pics"},
	}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
	)
	for _, s := range scheds {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			due, err := s.Claim(ctx)
			if err != nil {
				t.Errorf("Claim: %v", err)
				return
			}
			mu.Lock()
			claimed += len(due)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if claimed != 1 {
		t.Errorf("one-off job claimed %d times, want 1", claimed)
	}
}

// lostRace lists jobs normally but reports every take as lost.
type lostRace struct{ *testutil.MockStore }

func (lostRace) JobTake(context.Context, string) (bool, error) { return false, nil }

func TestClaimSkipsJobTakenElsewhere(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 5, 0, 0, 0, time.UTC)}
	store := testutil.NewMockStore()
	store.Now = clock.Now
	s := New(lostRace{store}, zerolog.Nop(), WithClock(clock.Now))

	if _, err := s.Schedule(ctx, Request{
		Name:    JobConfirmRemoval,
		RunAt:   clock.Now(),
		Payload: confirmPayload{TargetID: "t1_a", SubredditName: "pics"},
	}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	due, err := s.Claim(ctx)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("due = %+v, want none", due)
	}
}
