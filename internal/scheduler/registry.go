package scheduler

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hray3182/remindline/internal/clock"
	"github.com/hray3182/remindline/internal/models"
)

// ArmedJob is one live timer for a reminder occurrence. Token identifies this
// particular arming so a callback from a replaced timer can never act on its
// successor.
type ArmedJob struct {
	Reminder *models.Reminder
	FireAt   time.Time
	Token    uuid.UUID

	mu      sync.Mutex
	timer   clock.Timer
	stopped bool

	// guarded by Registry.mu
	firing          bool
	cancelRequested bool
}

func newArmedJob(r *models.Reminder, fireAt time.Time) *ArmedJob {
	return &ArmedJob{Reminder: r, FireAt: fireAt, Token: uuid.New()}
}

// attach stores the timer. When the job was already stopped the timer is
// stopped immediately.
func (j *ArmedJob) attach(t clock.Timer) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.stopped {
		t.Stop()
		return
	}
	j.timer = t
}

func (j *ArmedJob) stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.stopped = true
	if j.timer != nil {
		j.timer.Stop()
	}
}

type RemoveResult int

const (
	// NotArmed: no job for the id.
	NotArmed RemoveResult = iota
	// Removed: a pending job was removed before it fired.
	Removed
	// InFlight: the job already fired; it is flagged so the chain stops.
	InFlight
)

// Registry indexes armed jobs by reminder id. At most one job exists per id.
// The lock is never held while a caller does I/O.
type Registry struct {
	mu   sync.Mutex
	jobs map[int64]*ArmedJob
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[int64]*ArmedJob)}
}

// Add registers job, replacing any pending job for the same reminder. The
// replaced job is stopped and returned.
func (r *Registry) Add(job *ArmedJob) *ArmedJob {
	r.mu.Lock()
	prev, ok := r.jobs[job.Reminder.ReminderID]
	r.jobs[job.Reminder.ReminderID] = job
	r.mu.Unlock()

	if !ok {
		return nil
	}
	prev.stop()
	return prev
}

// Remove takes a pending job out of the registry. A job whose callback has
// already claimed it stays registered and is flagged instead.
func (r *Registry) Remove(id int64) (*ArmedJob, RemoveResult) {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return nil, NotArmed
	}
	if job.firing {
		job.cancelRequested = true
		r.mu.Unlock()
		return job, InFlight
	}
	delete(r.jobs, id)
	r.mu.Unlock()

	job.stop()
	return job, Removed
}

func (r *Registry) Has(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.jobs[id]
	return ok
}

// Claim marks the job as firing. It fails when the job was removed or
// replaced since the timer was created, which is how a cancel wins the race.
func (r *Registry) Claim(id int64, token uuid.UUID) (*ArmedJob, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || job.Token != token || job.firing {
		return nil, false
	}
	job.firing = true
	return job, true
}

// CancelRequested reports whether a cancel arrived for the job claimed with token.
func (r *Registry) CancelRequested(id int64, token uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	return ok && job.Token == token && job.cancelRequested
}

// Firing returns the reminders of userID whose jobs are being delivered.
func (r *Registry) Firing(userID int64) []*models.Reminder {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Reminder
	for _, job := range r.jobs {
		if job.firing && job.Reminder.UserID == userID {
			out = append(out, job.Reminder)
		}
	}
	return out
}

// Finish drops a fired job and reports whether a cancel arrived while it was in flight.
func (r *Registry) Finish(id int64, token uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || job.Token != token {
		return false
	}
	delete(r.jobs, id)
	return job.cancelRequested
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// Drain stops and removes every pending job. Jobs in flight are left to finish.
func (r *Registry) Drain() int {
	r.mu.Lock()
	var pending []*ArmedJob
	for id, job := range r.jobs {
		if job.firing {
			continue
		}
		pending = append(pending, job)
		delete(r.jobs, id)
	}
	r.mu.Unlock()

	for _, job := range pending {
		job.stop()
	}
	return len(pending)
}
