package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"mensabot/internal/store"
	"mensabot/pkg/logx"
)

func testLogger() logx.Logger { return logx.Nop() }

// ---- fakes ----

type fakeStore struct {
	mu      sync.Mutex
	rows    map[int64]store.Row
	failAll bool
}

func newFakeStore() *fakeStore { return &fakeStore{rows: map[int64]store.Row{}} }

func (s *fakeStore) UpsertFull(_ context.Context, chatID, mensaID int64, hour, minute int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return fmt.Errorf("store down")
	}
	r := s.rows[chatID]
	r.ChatID = chatID
	r.MensaID = mensaID
	h, m := hour, minute
	r.Hour, r.Minute = &h, &m
	s.rows[chatID] = r
	return nil
}

func (s *fakeStore) UpdatePartial(_ context.Context, chatID int64, p store.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return fmt.Errorf("store down")
	}
	r, ok := s.rows[chatID]
	if !ok {
		return fmt.Errorf("no registration for chat %d", chatID)
	}
	if p.MensaID != nil {
		r.MensaID = *p.MensaID
	}
	if p.Hour != nil {
		h := *p.Hour
		r.Hour = &h
	}
	if p.Minute != nil {
		m := *p.Minute
		r.Minute = &m
	}
	s.rows[chatID] = r
	return nil
}

func (s *fakeStore) ClearSchedule(_ context.Context, chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return fmt.Errorf("store down")
	}
	r := s.rows[chatID]
	r.ChatID = chatID
	r.Hour, r.Minute = nil, nil
	s.rows[chatID] = r
	return nil
}

func (s *fakeStore) SetLastMarkup(_ context.Context, chatID int64, messageID int, sentAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return fmt.Errorf("store down")
	}
	r, ok := s.rows[chatID]
	if !ok {
		return fmt.Errorf("no registration for chat %d", chatID)
	}
	id := messageID
	at := sentAt
	r.LastMarkupID, r.LastSent = &id, &at
	s.rows[chatID] = r
	return nil
}

func (s *fakeStore) LoadAll(_ context.Context) ([]store.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Row, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, r)
	}
	return out, nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) row(chatID int64) (store.Row, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[chatID]
	return r, ok
}

type fakeJob struct {
	hour, minute int
	fn           func(ctx context.Context)
}

type fakeSched struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]fakeJob
}

func newFakeSched() *fakeSched { return &fakeSched{jobs: map[uuid.UUID]fakeJob{}} }

func (f *fakeSched) AddDaily(hour, minute int, job func(ctx context.Context)) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.New()
	f.jobs[id] = fakeJob{hour: hour, minute: minute, fn: job}
	return id, nil
}

func (f *fakeSched) Remove(id uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.jobs[id]
	delete(f.jobs, id)
	return ok
}

func (f *fakeSched) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

func (f *fakeSched) job(id uuid.UUID) (fakeJob, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	return j, ok
}

type sentMsg struct {
	chatID int64
	text   string
	msgID  int
}

type fakeNotifier struct {
	mu        sync.Mutex
	sends     []sentMsg
	retracted []int
	nextID    int
	failChats map[int64]bool
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{nextID: 100, failChats: map[int64]bool{}}
}

func (n *fakeNotifier) SendPlan(_ context.Context, chatID int64, text string) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failChats[chatID] {
		return 0, fmt.Errorf("chat %d unreachable", chatID)
	}
	n.nextID++
	n.sends = append(n.sends, sentMsg{chatID: chatID, text: text, msgID: n.nextID})
	return n.nextID, nil
}

func (n *fakeNotifier) RetractMarkup(_ context.Context, _ int64, messageID int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.retracted = append(n.retracted, messageID)
	return nil
}

func (n *fakeNotifier) sentTo() []sentMsg {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentMsg(nil), n.sends...)
}

type fakeProvider struct{}

func (fakeProvider) Fetch(_ context.Context, dayOffset int, mensaID int64) string {
	return fmt.Sprintf("plan mensa=%d offset=%d", mensaID, dayOffset)
}

// ---- harness ----

type fixture struct {
	coord *Coordinator
	store *fakeStore
	sched *fakeSched
	notif *fakeNotifier
	ctx   context.Context
}

// newFixture starts a coordinator loop with fakes and a clock pinned to
// 2024-03-06 08:00 UTC (a Wednesday).
func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := newFakeStore()
	sc := newFakeSched()
	nf := newFakeNotifier()
	now := time.Date(2024, 3, 6, 8, 0, 0, 0, time.UTC)

	c, err := New(Config{
		Store:        st,
		Scheduler:    sc,
		Provider:     fakeProvider{},
		Notifier:     nf,
		Location:     time.UTC,
		QueryTimeout: 2 * time.Second,
		Now:          func() time.Time { return now },
	}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() { cancel(); <-done })

	return &fixture{coord: c, store: st, sched: sc, notif: nf, ctx: ctx}
}

func (f *fixture) mustSubmit(t *testing.T, task Task) {
	t.Helper()
	if err := f.coord.Submit(f.ctx, task); err != nil {
		t.Fatalf("Submit(%T): %v", task, err)
	}
}

// mustQuery also acts as a barrier: tasks are serialized, so once the reply
// arrives every previously submitted task has been applied.
func (f *fixture) mustQuery(t *testing.T, chatID int64) QueryResult {
	t.Helper()
	res, err := f.coord.Query(f.ctx, chatID)
	if err != nil {
		t.Fatalf("Query(%d): %v", chatID, err)
	}
	return res
}

func (f *fixture) checkInvariant(t *testing.T, e Entry) {
	t.Helper()
	scheduled := e.Hour != nil && e.Minute != nil
	if (e.JobID != nil) != scheduled {
		t.Fatalf("invariant violated: JobID=%v Hour=%v Minute=%v", e.JobID, e.Hour, e.Minute)
	}
	if e.JobID != nil {
		if _, ok := f.sched.job(*e.JobID); !ok {
			t.Fatalf("entry holds job %s but scheduler does not", e.JobID)
		}
	}
}

func iptr(v int) *int     { return &v }
func i64ptr(v int64) *int64 { return &v }

// ---- tests ----

func TestRegisterUpdateUnregisterScenario(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	const chat = int64(42)

	f.mustSubmit(t, Register{ChatID: chat, MensaID: 106, Hour: 6, Minute: 0})
	res := f.mustQuery(t, chat)
	if !res.Found {
		t.Fatal("entry missing after Register")
	}
	f.checkInvariant(t, res.Entry)
	if res.Entry.MensaID != 106 || *res.Entry.Hour != 6 || *res.Entry.Minute != 0 {
		t.Fatalf("unexpected entry after Register: %+v", res.Entry)
	}
	firstJob := *res.Entry.JobID

	f.mustSubmit(t, UpdateRegistration{ChatID: chat, Hour: iptr(7)})
	res = f.mustQuery(t, chat)
	f.checkInvariant(t, res.Entry)
	if res.Entry.MensaID != 106 || *res.Entry.Hour != 7 || *res.Entry.Minute != 0 {
		t.Fatalf("unexpected entry after Update: %+v", res.Entry)
	}
	if *res.Entry.JobID == firstJob {
		t.Fatal("schedule change must re-create the job")
	}
	if f.sched.len() != 1 {
		t.Fatalf("scheduler holds %d jobs, want 1", f.sched.len())
	}

	f.mustSubmit(t, Unregister{ChatID: chat})
	res = f.mustQuery(t, chat)
	f.checkInvariant(t, res.Entry)
	if res.Entry.JobID != nil || res.Entry.Hour != nil || res.Entry.Minute != nil {
		t.Fatalf("schedule not cleared: %+v", res.Entry)
	}
	if res.Entry.MensaID != 106 {
		t.Fatal("Unregister must keep the mensa binding")
	}
	if f.sched.len() != 0 {
		t.Fatalf("scheduler holds %d jobs, want 0", f.sched.len())
	}

	// Store converged with the map.
	row, ok := f.store.row(chat)
	if !ok || row.MensaID != 106 || row.Hour != nil || row.Minute != nil {
		t.Fatalf("store row diverged: %+v (ok=%v)", row, ok)
	}
}

func TestUpdateMergeLastNonNilWins(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	const chat = int64(7)

	f.mustSubmit(t, Register{ChatID: chat, MensaID: 1, Hour: 6, Minute: 30})
	f.mustSubmit(t, UpdateRegistration{ChatID: chat, MensaID: i64ptr(2)})
	f.mustSubmit(t, UpdateRegistration{ChatID: chat, Minute: iptr(45)})
	f.mustSubmit(t, UpdateRegistration{ChatID: chat, Hour: iptr(9), MensaID: i64ptr(3)})

	res := f.mustQuery(t, chat)
	f.checkInvariant(t, res.Entry)
	if res.Entry.MensaID != 3 || *res.Entry.Hour != 9 || *res.Entry.Minute != 45 {
		t.Fatalf("fold mismatch: %+v", res.Entry)
	}
	row, _ := f.store.row(chat)
	if row.MensaID != 3 || *row.Hour != 9 || *row.Minute != 45 {
		t.Fatalf("store fold mismatch: %+v", row)
	}
}

func TestUpdateUnregisteredChatIsDropped(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.mustSubmit(t, UpdateRegistration{ChatID: 99, Hour: iptr(8)})
	res := f.mustQuery(t, 99)
	if res.Found {
		t.Fatal("update must not create an entry")
	}
	if _, ok := f.store.row(99); ok {
		t.Fatal("update must not create a store row")
	}
}

func TestUnregisterIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	const chat = int64(5)

	f.mustSubmit(t, Register{ChatID: chat, MensaID: 10, Hour: 12, Minute: 0})
	f.mustSubmit(t, Unregister{ChatID: chat})
	first := f.mustQuery(t, chat)

	f.mustSubmit(t, Unregister{ChatID: chat})
	second := f.mustQuery(t, chat)

	if fmt.Sprintf("%+v", first.Entry) != fmt.Sprintf("%+v", second.Entry) {
		t.Fatalf("unregister not idempotent:\nfirst:  %+v\nsecond: %+v", first.Entry, second.Entry)
	}
}

func TestQueryDoesNotMutate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	const chat = int64(11)

	f.mustSubmit(t, Register{ChatID: chat, MensaID: 4, Hour: 10, Minute: 15})
	a := f.mustQuery(t, chat)
	b := f.mustQuery(t, chat)
	if fmt.Sprintf("%+v", a.Entry) != fmt.Sprintf("%+v", b.Entry) {
		t.Fatalf("query mutated state:\nbefore: %+v\nafter:  %+v", a.Entry, b.Entry)
	}

	// Unknown chats complete too, signaling absence.
	res := f.mustQuery(t, 12345)
	if res.Found {
		t.Fatal("unknown chat reported as found")
	}
}

func TestQueryResultDoesNotAliasState(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	const chat = int64(13)

	f.mustSubmit(t, Register{ChatID: chat, MensaID: 8, Hour: 9, Minute: 0})
	res := f.mustQuery(t, chat)
	*res.Entry.Hour = 23 // must not leak into the coordinator

	again := f.mustQuery(t, chat)
	if *again.Entry.Hour != 9 {
		t.Fatal("query result aliases coordinator state")
	}
}

func TestInsertMarkupMessageID(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	const chat = int64(21)

	f.mustSubmit(t, Register{ChatID: chat, MensaID: 6, Hour: 11, Minute: 30})
	f.mustSubmit(t, InsertMarkupMessageID{ChatID: chat, MessageID: 555})
	res := f.mustQuery(t, chat)
	if res.Entry.LastMarkupID == nil || *res.Entry.LastMarkupID != 555 {
		t.Fatalf("markup id not recorded: %+v", res.Entry)
	}
	if res.Entry.LastSent == nil {
		t.Fatal("LastSent not stamped")
	}

	// Superseded values are discarded, never queued.
	f.mustSubmit(t, InsertMarkupMessageID{ChatID: chat, MessageID: 556})
	res = f.mustQuery(t, chat)
	if *res.Entry.LastMarkupID != 556 {
		t.Fatalf("markup id not overwritten: %+v", res.Entry)
	}
}

func TestInsertMarkupUnknownChatIsDropped(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.mustSubmit(t, InsertMarkupMessageID{ChatID: 404, MessageID: 1})
	res := f.mustQuery(t, 404)
	if res.Found {
		t.Fatal("markup insert must not create an entry")
	}
}

func TestBroadcastFiltersByMensaAndElapsedTime(t *testing.T) {
	t.Parallel()
	f := newFixture(t) // clock pinned to 08:00

	// chat A: mensa 106, 06:00 — elapsed, must be messaged
	f.mustSubmit(t, Register{ChatID: 1, MensaID: 106, Hour: 6, Minute: 0})
	// chat B: mensa 106, 09:00 — not yet elapsed, skipped
	f.mustSubmit(t, Register{ChatID: 2, MensaID: 106, Hour: 9, Minute: 0})
	// chat C: other mensa, elapsed — skipped
	f.mustSubmit(t, Register{ChatID: 3, MensaID: 200, Hour: 6, Minute: 0})
	// chat D: mensa 106 but unsubscribed — never contacted
	f.mustSubmit(t, Register{ChatID: 4, MensaID: 106, Hour: 6, Minute: 0})
	f.mustSubmit(t, Unregister{ChatID: 4})

	f.mustSubmit(t, BroadcastUpdate{MensaID: 106})
	f.mustQuery(t, 1) // barrier

	sent := f.notif.sentTo()
	if len(sent) != 1 || sent[0].chatID != 1 {
		t.Fatalf("broadcast sends = %+v, want exactly one to chat 1", sent)
	}

	// The new message id is recorded via the markup-insert path.
	res := f.mustQuery(t, 1)
	if res.Entry.LastMarkupID == nil || *res.Entry.LastMarkupID != sent[0].msgID {
		t.Fatalf("broadcast markup not recorded: %+v", res.Entry)
	}
}

func TestBroadcastBoundaryMinuteIsElapsed(t *testing.T) {
	t.Parallel()
	f := newFixture(t) // 08:00 exactly

	f.mustSubmit(t, Register{ChatID: 1, MensaID: 5, Hour: 8, Minute: 0})
	f.mustSubmit(t, BroadcastUpdate{MensaID: 5})
	f.mustQuery(t, 1)

	if sent := f.notif.sentTo(); len(sent) != 1 {
		t.Fatalf("send time equal to now must count as elapsed, got %d sends", len(sent))
	}
}

func TestBroadcastSendFailureIsIsolated(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.mustSubmit(t, Register{ChatID: 1, MensaID: 9, Hour: 6, Minute: 0})
	f.mustSubmit(t, Register{ChatID: 2, MensaID: 9, Hour: 6, Minute: 30})
	f.notif.mu.Lock()
	f.notif.failChats[1] = true
	f.notif.mu.Unlock()

	f.mustSubmit(t, BroadcastUpdate{MensaID: 9})
	f.mustQuery(t, 1)

	sent := f.notif.sentTo()
	if len(sent) != 1 || sent[0].chatID != 2 {
		t.Fatalf("failure for chat 1 must not abort fan-out; sends = %+v", sent)
	}
}

func TestBroadcastRetractsPreviousMarkup(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.mustSubmit(t, Register{ChatID: 1, MensaID: 9, Hour: 6, Minute: 0})
	f.mustSubmit(t, InsertMarkupMessageID{ChatID: 1, MessageID: 77})
	f.mustSubmit(t, BroadcastUpdate{MensaID: 9})
	f.mustQuery(t, 1)

	f.notif.mu.Lock()
	retracted := append([]int(nil), f.notif.retracted...)
	f.notif.mu.Unlock()
	if len(retracted) != 1 || retracted[0] != 77 {
		t.Fatalf("previous markup not retracted: %v", retracted)
	}
}

func TestStoreFailureLeavesMapUntouched(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	const chat = int64(31)

	f.mustSubmit(t, Register{ChatID: chat, MensaID: 2, Hour: 7, Minute: 0})
	f.mustQuery(t, chat)

	f.store.mu.Lock()
	f.store.failAll = true
	f.store.mu.Unlock()

	f.mustSubmit(t, UpdateRegistration{ChatID: chat, Hour: iptr(19)})
	res := f.mustQuery(t, chat)
	if *res.Entry.Hour != 7 {
		t.Fatalf("map mutated despite store failure: %+v", res.Entry)
	}
	f.checkInvariant(t, res.Entry)
}

func TestScheduledJobCallback(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	const chat = int64(50)

	f.mustSubmit(t, Register{ChatID: chat, MensaID: 77, Hour: 6, Minute: 0})
	f.mustSubmit(t, InsertMarkupMessageID{ChatID: chat, MessageID: 900})
	res := f.mustQuery(t, chat)

	job, ok := f.sched.job(*res.Entry.JobID)
	if !ok {
		t.Fatal("job not registered")
	}
	if job.hour != 6 || job.minute != 0 {
		t.Fatalf("job scheduled at %02d:%02d, want 06:00", job.hour, job.minute)
	}

	// Fire the job the way cron would: concurrently with the loop.
	job.fn(f.ctx)
	res = f.mustQuery(t, chat)

	sent := f.notif.sentTo()
	if len(sent) != 1 || sent[0].chatID != chat {
		t.Fatalf("job fire sends = %+v", sent)
	}
	if res.Entry.LastMarkupID == nil || *res.Entry.LastMarkupID != sent[0].msgID {
		t.Fatalf("new markup id not recorded: %+v", res.Entry)
	}

	f.notif.mu.Lock()
	retracted := append([]int(nil), f.notif.retracted...)
	f.notif.mu.Unlock()
	if len(retracted) != 1 || retracted[0] != 900 {
		t.Fatalf("previous markup not retracted on fire: %v", retracted)
	}
}

func TestBootstrapRoundTrip(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.mustSubmit(t, Register{ChatID: 1, MensaID: 106, Hour: 6, Minute: 15})
	f.mustSubmit(t, Register{ChatID: 2, MensaID: 200, Hour: 9, Minute: 45})
	f.mustSubmit(t, Unregister{ChatID: 2})
	f.mustQuery(t, 1)
	before := f.mustQuery(t, 1)

	// Restart simulation: fresh coordinator and scheduler, same store.
	sc2 := newFakeSched()
	c2, err := New(Config{
		Store:     f.store,
		Scheduler: sc2,
		Provider:  fakeProvider{},
		Notifier:  newFakeNotifier(),
		Location:  time.UTC,
	}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c2.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	e1, ok := c2.entries[1]
	if !ok {
		t.Fatal("chat 1 not reloaded")
	}
	if e1.MensaID != 106 || *e1.Hour != 6 || *e1.Minute != 15 {
		t.Fatalf("reloaded entry mismatch: %+v", e1)
	}
	if e1.JobID == nil {
		t.Fatal("scheduled row must regain a job on bootstrap")
	}
	if *e1.JobID == *before.Entry.JobID {
		t.Fatal("job handles are not persisted; a reload must mint a new one")
	}

	e2, ok := c2.entries[2]
	if !ok {
		t.Fatal("unsubscribed row must still load")
	}
	if e2.JobID != nil || e2.Hour != nil || e2.Minute != nil {
		t.Fatalf("unsubscribed row reloaded with a schedule: %+v", e2)
	}
	if sc2.len() != 1 {
		t.Fatalf("scheduler holds %d jobs after bootstrap, want 1", sc2.len())
	}
}

func TestLocationsListsScheduledMensas(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.mustSubmit(t, Register{ChatID: 1, MensaID: 300, Hour: 6, Minute: 0})
	f.mustSubmit(t, Register{ChatID: 2, MensaID: 100, Hour: 7, Minute: 0})
	f.mustSubmit(t, Register{ChatID: 3, MensaID: 300, Hour: 8, Minute: 0})
	f.mustSubmit(t, Register{ChatID: 4, MensaID: 400, Hour: 8, Minute: 0})
	f.mustSubmit(t, Unregister{ChatID: 4})

	ids, err := f.coord.Locations(f.ctx)
	if err != nil {
		t.Fatalf("Locations: %v", err)
	}
	want := []int64{100, 300}
	if len(ids) != len(want) || ids[0] != want[0] || ids[1] != want[1] {
		t.Fatalf("Locations = %v, want %v", ids, want)
	}
}

func TestSendTimeElapsed(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 6, 8, 30, 0, 0, time.UTC)
	tests := []struct {
		hour, minute int
		want         bool
	}{
		{6, 0, true},
		{8, 30, true},
		{8, 31, false},
		{9, 0, false},
		{8, 0, true},
	}
	for _, tt := range tests {
		if got := sendTimeElapsed(tt.hour, tt.minute, now); got != tt.want {
			t.Errorf("sendTimeElapsed(%02d:%02d) = %v, want %v", tt.hour, tt.minute, got, tt.want)
		}
	}
}
