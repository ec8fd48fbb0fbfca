// Package scheduler owns the in-process registry of named notification jobs.
// A job binds a time trigger to a frozen recipient list and message template;
// definitions live only for the life of the process and are recreated at
// startup by whoever drives the service.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ratebell/server/expo"
)

const (
	defaultMaxJobs  = 100
	dispatchTimeout = time.Minute * 2
)

var (
	// ErrDuplicateName rejects a schedule call reusing an active job name.
	ErrDuplicateName = errors.New("job name already registered")

	// ErrRegistryFull rejects a schedule call past the configured job cap.
	ErrRegistryFull = errors.New("job registry is full")
)

// Dispatcher delivers a set of messages, returning the tickets of whatever
// was accepted. Delivery failures stay inside the dispatcher.
type Dispatcher interface {
	SendMessages(ctx context.Context, messages []expo.Message) []expo.Ticket
}

// Config controls registry limits and the default delivery parameters stamped
// on every message a job sends.
type Config struct {
	MaxJobs  int
	Location *time.Location

	DefaultSound     string
	DefaultPriority  string
	DefaultTTL       int
	DefaultChannelID string
}

// JobStatus is the read-only view of an active job.
type JobStatus struct {
	Name           string    `json:"name"`
	NextInvocation time.Time `json:"nextInvocation"`
}

type job struct {
	name      string
	spec      string
	entryID   cron.EntryID
	tokens    []string
	title     string
	body      string
	data      map[string]string
	createdAt time.Time
}

// Registry maps job names to armed triggers. Create, cancel and list are safe
// to call concurrently with running fires; fires of different jobs may
// overlap but a single job never re-enters itself at the trigger
// granularities this service uses (minutes or coarser). Callers arming
// sub-minute triggers need their own per-job exclusion.
type Registry struct {
	dispatcher Dispatcher
	validToken func(string) bool
	parser     cron.Parser
	cron       *cron.Cron
	maxJobs    int
	loc        *time.Location
	defaults   Config

	mu   sync.Mutex
	jobs map[string]*job
}

// NewRegistry builds a registry and starts its trigger loop. validToken is
// consulted for every recipient at schedule time.
func NewRegistry(dispatcher Dispatcher, validToken func(string) bool, cfg Config) *Registry {
	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = defaultMaxJobs
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour |
		cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithLocation(cfg.Location))
	c.Start()

	return &Registry{
		dispatcher: dispatcher,
		validToken: validToken,
		parser:     parser,
		cron:       c,
		maxJobs:    cfg.MaxJobs,
		loc:        cfg.Location,
		defaults:   cfg,
		jobs:       make(map[string]*job),
	}
}

// Stop halts the trigger loop. Running fires are allowed to finish.
func (r *Registry) Stop() {
	r.cron.Stop()
}

// ScheduleDaily arms a job that fires once per calendar day at the given
// local hour and minute in the registry's timezone.
func (r *Registry) ScheduleDaily(name string, hour, minute int, tokens []string, title, body string, data map[string]string) error {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return fmt.Errorf("schedule %q: invalid time of day %02d:%02d", name, hour, minute)
	}
	return r.schedule(name, fmt.Sprintf("%d %d * * *", minute, hour), tokens, title, body, data)
}

// ScheduleCron arms a job on a cron recurrence rule, five fields or six with
// a leading seconds field. An unparseable expression fails the call before
// anything is armed.
func (r *Registry) ScheduleCron(name, expression string, tokens []string, title, body string, data map[string]string) error {
	return r.schedule(name, expression, tokens, title, body, data)
}

func (r *Registry) schedule(name, spec string, tokens []string, title, body string, data map[string]string) error {
	if name == "" {
		return errors.New("schedule: job name is required")
	}
	if len(tokens) == 0 {
		return fmt.Errorf("schedule %q: at least one recipient token is required", name)
	}
	for _, tok := range tokens {
		if !r.validToken(tok) {
			return fmt.Errorf("schedule %q: invalid push token %q", name, tok)
		}
	}
	if _, err := r.parser.Parse(spec); err != nil {
		return fmt.Errorf("schedule %q: invalid trigger %q: %w", name, spec, err)
	}

	// Recipients and content are frozen at creation; rescheduling means
	// cancel and recreate.
	j := &job{
		name:      name,
		spec:      spec,
		tokens:    append([]string(nil), tokens...),
		title:     title,
		body:      body,
		data:      copyData(data),
		createdAt: time.Now().In(r.loc),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[name]; exists {
		return fmt.Errorf("schedule %q: %w", name, ErrDuplicateName)
	}
	if len(r.jobs) >= r.maxJobs {
		return fmt.Errorf("schedule %q: %w (cap %d)", name, ErrRegistryFull, r.maxJobs)
	}

	entryID, err := r.cron.AddFunc(spec, func() { r.fire(j) })
	if err != nil {
		return fmt.Errorf("schedule %q: arm trigger %q: %w", name, spec, err)
	}
	j.entryID = entryID
	r.jobs[name] = j
	log.Printf("scheduler: job %q armed (%s), %d recipients", name, spec, len(j.tokens))
	return nil
}

// fire runs on the trigger goroutine. Nothing may escape it: a panicking or
// failing dispatch is logged, never rethrown, so one bad fire cannot take
// down the trigger loop.
func (r *Registry) fire(j *job) {
	defer func() {
		if p := recover(); p != nil {
			log.Printf("scheduler: job %q: panic during fire: %v", j.name, p)
		}
	}()

	if !r.owns(j) {
		// Cancelled between trigger and execution.
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	messages := r.buildMessages(j)
	tickets := r.dispatcher.SendMessages(ctx, messages)
	log.Printf("scheduler: job %q fired, %d messages, %d tickets", j.name, len(messages), len(tickets))
}

func (r *Registry) owns(j *job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[j.name] == j
}

func (r *Registry) buildMessages(j *job) []expo.Message {
	messages := make([]expo.Message, 0, len(j.tokens))
	for _, token := range j.tokens {
		messages = append(messages, expo.Message{
			To:        token,
			Title:     j.title,
			Body:      j.body,
			Data:      j.data,
			Sound:     r.defaults.DefaultSound,
			Priority:  r.defaults.DefaultPriority,
			TTL:       r.defaults.DefaultTTL,
			ChannelID: r.defaults.DefaultChannelID,
		})
	}
	return messages
}

// Cancel removes the named job and reports whether it existed. The name is
// immediately reusable; an unknown name is not an error. A fire already in
// progress is not aborted, but the trigger will not fire again.
func (r *Registry) Cancel(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[name]
	if !ok {
		return false
	}
	r.cron.Remove(j.entryID)
	delete(r.jobs, name)
	log.Printf("scheduler: job %q cancelled", name)
	return true
}

// ListActive snapshots the active jobs with their next fire times.
func (r *Registry) ListActive() map[string]JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]JobStatus, len(r.jobs))
	for name, j := range r.jobs {
		out[name] = JobStatus{
			Name:           name,
			NextInvocation: r.cron.Entry(j.entryID).Next,
		}
	}
	return out
}

// NextInvocation reports the next fire time of the named job.
func (r *Registry) NextInvocation(name string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[name]
	if !ok {
		return time.Time{}, false
	}
	return r.cron.Entry(j.entryID).Next, true
}

// Count returns the number of active jobs.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func copyData(data map[string]string) map[string]string {
	if data == nil {
		return nil
	}
	out := make(map[string]string, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
