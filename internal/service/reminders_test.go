package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hray3182/remindline/internal/delivery"
	"github.com/hray3182/remindline/internal/metrics"
	"github.com/hray3182/remindline/internal/models"
	"github.com/hray3182/remindline/internal/repository"
	"github.com/hray3182/remindline/internal/scheduler"
)

var now = time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)

// fakeStore backs both the service and a real scheduler.Engine.
type fakeStore struct {
	mu         sync.Mutex
	nextID     int64
	rows       map[int64]*models.Reminder
	recipients map[int64][]int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[int64]*models.Reminder), recipients: make(map[int64][]int64)}
}

func (s *fakeStore) Create(ctx context.Context, r *models.Reminder, recipientIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	r.ReminderID = s.nextID
	c := *r
	s.rows[r.ReminderID] = &c
	s.recipients[r.ReminderID] = recipientIDs
	return nil
}

func (s *fakeStore) GetByID(ctx context.Context, id int64) (*models.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *r
	return &c, nil
}

func (s *fakeStore) SearchScheduled(ctx context.Context, userID int64, keyword string) ([]*models.Reminder, error) {
	return s.filter(func(r *models.Reminder) bool {
		return r.UserID == userID && r.Status == models.StatusScheduled &&
			strings.Contains(strings.ToLower(r.Title), strings.ToLower(keyword))
	}), nil
}

func (s *fakeStore) ListByUser(ctx context.Context, userID int64, status models.Status, limit int) ([]*models.Reminder, error) {
	out := s.filter(func(r *models.Reminder) bool {
		return r.UserID == userID && r.Status == status
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) ListScheduled(ctx context.Context, userID *int64) ([]*models.Reminder, error) {
	return s.filter(func(r *models.Reminder) bool {
		return r.Status == models.StatusScheduled && (userID == nil || r.UserID == *userID)
	}), nil
}

func (s *fakeStore) CreateOccurrence(ctx context.Context, r *models.Reminder, recipientIDs []int64) error {
	return s.Create(ctx, r, recipientIDs)
}

func (s *fakeStore) TransitionStatus(ctx context.Context, id int64, from, to models.Status, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok || r.Status != from {
		return false, nil
	}
	r.Status = to
	if to == models.StatusSent {
		r.SentAt = &at
	}
	return true, nil
}

func (s *fakeStore) RecipientIDs(ctx context.Context, id int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.recipients[id]...), nil
}

func (s *fakeStore) CancelAssignments(ctx context.Context, id int64) error {
	return nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func (s *fakeStore) filter(keep func(*models.Reminder) bool) []*models.Reminder {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Reminder
	for id := int64(1); id <= s.nextID; id++ {
		if r, ok := s.rows[id]; ok && keep(r) {
			c := *r
			out = append(out, &c)
		}
	}
	return out
}

func (s *fakeStore) setStatus(id int64, status models.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[id].Status = status
}

type fakeDirectory map[string]int64

func (d fakeDirectory) GetByUserName(ctx context.Context, name string) (*models.User, error) {
	id, ok := d[strings.ToLower(name)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &models.User{UserID: id, UserName: name}, nil
}

// fakeScheduler cancels straight in the store.
type fakeScheduler struct {
	store     *fakeStore
	armed     []int64
	cancelled []int64
	inFlight  map[int64]bool
	firing    []*models.Reminder
}

func (f *fakeScheduler) Firing(userID int64) []*models.Reminder {
	var out []*models.Reminder
	for _, r := range f.firing {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeScheduler) Arm(ctx context.Context, r *models.Reminder) error {
	f.armed = append(f.armed, r.ReminderID)
	return nil
}

func (f *fakeScheduler) Cancel(ctx context.Context, id int64) (scheduler.CancelResult, error) {
	if f.inFlight[id] {
		return scheduler.AlreadyFired, nil
	}
	r, _ := f.store.GetByID(ctx, id)
	if r == nil || r.Status != models.StatusScheduled {
		return scheduler.AlreadyProcessed, nil
	}
	f.store.setStatus(id, models.StatusCancelled)
	f.cancelled = append(f.cancelled, id)
	return scheduler.Cancelled, nil
}

func newService() (*Reminders, *fakeStore, *fakeScheduler) {
	store := newFakeStore()
	sched := &fakeScheduler{store: store, inFlight: make(map[int64]bool)}
	dir := fakeDirectory{"alice": 100, "bob": 200}
	svc := New(store, dir, sched, clockwork.NewFakeClockAt(now), zerolog.Nop())
	return svc, store, sched
}

func request(title string, due time.Time) CreateRequest {
	return CreateRequest{UserID: 1, Title: title, DueAt: due, Timezone: "Asia/Taipei"}
}

func TestCreateAndArm_OneShot(t *testing.T) {
	svc, store, sched := newService()

	r, err := svc.CreateAndArm(context.Background(), request("  pay rent  ", now.Add(time.Hour)))

	require.NoError(t, err)
	assert.Equal(t, "pay rent", r.Title)
	assert.Equal(t, models.RepeatOnce, r.Repeat.Kind)
	assert.False(t, r.IsRecurring)
	assert.Empty(t, r.RecurrenceRule)
	assert.Equal(t, "Asia/Taipei", r.Timezone)
	assert.Equal(t, models.StatusScheduled, r.Status)
	assert.Equal(t, "⏰ **提醒**\n\npay rent", r.Message)
	assert.Equal(t, []int64{r.ReminderID}, sched.armed)
	assert.Empty(t, store.recipients[r.ReminderID])
}

func TestCreateAndArm_Recurring(t *testing.T) {
	svc, _, _ := newService()
	// 2024-01-31 09:00 in Taipei
	due := time.Date(2024, 1, 31, 1, 0, 0, 0, time.UTC)
	req := request("backup", due)
	req.Repeat = models.RepeatSpec{Kind: models.RepeatMonthly}

	r, err := svc.CreateAndArm(context.Background(), req)

	require.NoError(t, err)
	assert.True(t, r.IsRecurring)
	assert.Equal(t, 31, r.Repeat.Interval, "monthly target day is pinned")
	assert.Contains(t, r.RecurrenceRule, "FREQ=MONTHLY")
	assert.Contains(t, r.Message, "🔁 每月 31 號")
}

func TestCreateAndArm_Recipients(t *testing.T) {
	svc, store, _ := newService()
	req := request("standup", now.Add(time.Hour))
	req.Recipients = []string{"@alice", "Bob", "alice", " "}

	r, err := svc.CreateAndArm(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, []int64{100, 200}, store.recipients[r.ReminderID])
}

func TestCreateAndArm_Validation(t *testing.T) {
	end := now.Add(time.Minute)

	tests := []struct {
		name   string
		mutate func(*CreateRequest)
		want   error
	}{
		{"empty title", func(r *CreateRequest) { r.Title = "   " }, ErrInvalidTitle},
		{"title too long", func(r *CreateRequest) { r.Title = strings.Repeat("字", maxTitleLength+1) }, ErrInvalidTitle},
		{"due now", func(r *CreateRequest) { r.DueAt = now }, ErrDueInPast},
		{"due in past", func(r *CreateRequest) { r.DueAt = now.Add(-time.Hour) }, ErrDueInPast},
		{"unknown kind", func(r *CreateRequest) { r.Repeat.Kind = "fortnightly" }, ErrInvalidRepeat},
		{"weekday out of range", func(r *CreateRequest) { r.Repeat = models.RepeatSpec{Kind: models.RepeatWeekly, Interval: 8} }, ErrInvalidRepeat},
		{"end before due", func(r *CreateRequest) {
			r.Repeat = models.RepeatSpec{Kind: models.RepeatDaily, EndAt: &end}
		}, ErrInvalidRepeat},
		{"unknown recipient", func(r *CreateRequest) { r.Recipients = []string{"@carol"} }, ErrUnknownRecipient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store, sched := newService()
			req := request("water plants", now.Add(time.Hour))
			tt.mutate(&req)

			_, err := svc.CreateAndArm(context.Background(), req)

			assert.ErrorIs(t, err, tt.want)
			assert.Empty(t, store.rows)
			assert.Empty(t, sched.armed)
		})
	}
}

func TestCancelByID(t *testing.T) {
	svc, _, sched := newService()
	r, err := svc.CreateAndArm(context.Background(), request("call mom", now.Add(time.Hour)))
	require.NoError(t, err)

	res, err := svc.CancelByID(context.Background(), 1, r.ReminderID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.Cancelled, res)
	assert.Equal(t, []int64{r.ReminderID}, sched.cancelled)

	res, err = svc.CancelByID(context.Background(), 1, r.ReminderID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.AlreadyProcessed, res)
}

func TestCancelByID_OtherUsersReminder(t *testing.T) {
	svc, _, sched := newService()
	r, err := svc.CreateAndArm(context.Background(), request("secret", now.Add(time.Hour)))
	require.NoError(t, err)

	_, err = svc.CancelByID(context.Background(), 2, r.ReminderID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.CancelByID(context.Background(), 1, 999)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, sched.cancelled)
}

func TestCancelByID_FiredTemplateStopsChain(t *testing.T) {
	svc, store, sched := newService()
	req := request("stretch", now.Add(time.Hour))
	req.Repeat = models.RepeatSpec{Kind: models.RepeatDaily}
	tmpl, err := svc.CreateAndArm(context.Background(), req)
	require.NoError(t, err)

	store.setStatus(tmpl.ReminderID, models.StatusSent)
	parent := tmpl.ReminderID
	next := *tmpl
	next.ParentReminderID = &parent
	next.IsRecurring = false
	next.Status = models.StatusScheduled
	require.NoError(t, store.Create(context.Background(), &next, nil))

	res, err := svc.CancelByID(context.Background(), 1, tmpl.ReminderID)

	require.NoError(t, err)
	assert.Equal(t, scheduler.Cancelled, res)
	assert.Equal(t, []int64{next.ReminderID}, sched.cancelled)
}

func TestCancelByKeyword(t *testing.T) {
	svc, _, sched := newService()
	ctx := context.Background()
	a, _ := svc.CreateAndArm(ctx, request("Gym session", now.Add(time.Hour)))
	_, _ = svc.CreateAndArm(ctx, request("dentist", now.Add(time.Hour)))
	c, _ := svc.CreateAndArm(ctx, request("gym bag", now.Add(2*time.Hour)))
	sched.inFlight[c.ReminderID] = true

	stopped, err := svc.CancelByKeyword(ctx, 1, "gym")

	require.NoError(t, err)
	require.Len(t, stopped, 2)
	assert.Equal(t, a.ReminderID, stopped[0].ReminderID)
	assert.Equal(t, c.ReminderID, stopped[1].ReminderID)
	assert.Equal(t, []int64{a.ReminderID}, sched.cancelled)

	_, err = svc.CancelByKeyword(ctx, 1, " ")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancelAllAndList(t *testing.T) {
	svc, _, _ := newService()
	ctx := context.Background()
	_, _ = svc.CreateAndArm(ctx, request("one", now.Add(time.Hour)))
	_, _ = svc.CreateAndArm(ctx, request("two", now.Add(2*time.Hour)))

	listed, err := svc.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, listed, 2)

	stopped, err := svc.CancelAll(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, stopped, 2)

	listed, err = svc.List(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestCancelAll_NotCappedByListLimit(t *testing.T) {
	svc, store, sched := newService()
	ctx := context.Background()
	for i := 0; i < maxListed+10; i++ {
		_, err := svc.CreateAndArm(ctx, request("hydrate", now.Add(time.Duration(i+1)*time.Minute)))
		require.NoError(t, err)
	}

	listed, err := svc.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, listed, maxListed)

	stopped, err := svc.CancelAll(ctx, 1)

	require.NoError(t, err)
	assert.Len(t, stopped, maxListed+10)
	assert.Len(t, sched.cancelled, maxListed+10)
	left, err := store.ListScheduled(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestCancelByKeyword_IncludesFiringReminders(t *testing.T) {
	svc, store, sched := newService()
	ctx := context.Background()
	r, err := svc.CreateAndArm(ctx, request("Stand up", now.Add(time.Hour)))
	require.NoError(t, err)

	// being delivered: sent in the store, known only to the engine
	store.setStatus(r.ReminderID, models.StatusSent)
	sched.inFlight[r.ReminderID] = true
	sched.firing = []*models.Reminder{r}

	stopped, err := svc.CancelByKeyword(ctx, 1, "stand")

	require.NoError(t, err)
	require.Len(t, stopped, 1)
	assert.Equal(t, r.ReminderID, stopped[0].ReminderID)

	stopped, err = svc.CancelByKeyword(ctx, 1, "dentist")
	require.NoError(t, err)
	assert.Empty(t, stopped)
}

// gatedDeliverer blocks every delivery until release is closed.
type gatedDeliverer struct {
	started chan int64
	release chan struct{}
	once    sync.Once
}

func (d *gatedDeliverer) open() {
	d.once.Do(func() { close(d.release) })
}

func (d *gatedDeliverer) Deliver(ctx context.Context, r *models.Reminder) delivery.Report {
	d.started <- r.ReminderID
	<-d.release
	return delivery.Report{ReminderID: r.ReminderID, Outcomes: []delivery.Outcome{{RecipientID: r.UserID}}}
}

type engineFixture struct {
	svc       *Reminders
	store     *fakeStore
	engine    *scheduler.Engine
	clock     *clockwork.FakeClock
	deliverer *gatedDeliverer
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{
		store:     newFakeStore(),
		clock:     clockwork.NewFakeClockAt(now),
		deliverer: &gatedDeliverer{started: make(chan int64, 1), release: make(chan struct{})},
	}
	f.engine = scheduler.New(scheduler.DefaultConfig(), f.store, f.deliverer, f.clock, metrics.NewNoopSink(), zerolog.Nop())
	t.Cleanup(f.engine.Stop)
	t.Cleanup(f.deliverer.open)
	f.svc = New(f.store, fakeDirectory{}, f.engine, f.clock, zerolog.Nop())
	return f
}

// startDelivery creates a reminder repeating every five minutes and blocks
// its first delivery.
func (f *engineFixture) startDelivery(t *testing.T) *models.Reminder {
	t.Helper()
	req := request("stretch", now.Add(time.Minute))
	req.Repeat = models.RepeatSpec{Kind: models.RepeatMinutes, Interval: 5}
	r, err := f.svc.CreateAndArm(context.Background(), req)
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	select {
	case <-f.deliverer.started:
	case <-time.After(time.Second):
		t.Fatal("delivery did not start")
	}
	return r
}

func (f *engineFixture) assertChainStopped(t *testing.T) {
	t.Helper()
	f.deliverer.open()
	require.Eventually(t, func() bool { return f.engine.ArmedCount() == 0 }, time.Second, 5*time.Millisecond)

	left, err := f.store.ListScheduled(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, left, "no occurrence after the cancelled one")
	assert.Equal(t, 1, f.store.count())
}

func TestCancelDuringDelivery(t *testing.T) {
	tests := []struct {
		name   string
		cancel func(f *engineFixture, r *models.Reminder) (int, error)
	}{
		{"by id", func(f *engineFixture, r *models.Reminder) (int, error) {
			res, err := f.svc.CancelByID(context.Background(), 1, r.ReminderID)
			if res != scheduler.AlreadyFired {
				return 0, err
			}
			return 1, err
		}},
		{"by keyword", func(f *engineFixture, r *models.Reminder) (int, error) {
			stopped, err := f.svc.CancelByKeyword(context.Background(), 1, "STRETCH")
			return len(stopped), err
		}},
		{"all", func(f *engineFixture, r *models.Reminder) (int, error) {
			stopped, err := f.svc.CancelAll(context.Background(), 1)
			return len(stopped), err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newEngineFixture(t)
			r := f.startDelivery(t)

			n, err := tt.cancel(f, r)

			require.NoError(t, err)
			assert.Equal(t, 1, n)
			f.assertChainStopped(t)
		})
	}
}
