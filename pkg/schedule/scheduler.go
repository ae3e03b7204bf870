// Package schedule starts environment cascades from cron expressions.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/openfroyo/envrun/pkg/config"
	"github.com/openfroyo/envrun/pkg/engine"
	"github.com/openfroyo/envrun/pkg/telemetry"
)

// DefaultStartTimeout bounds the admission of one scheduled cascade.
const DefaultStartTimeout = 30 * time.Second

// ErrStillRunning is returned when the previous cascade of a schedule has
// not finished yet.
var ErrStillRunning = errors.New("previous scheduled cascade still running")

// CascadeStarter starts and inspects environment runs.
// *engine.CascadeScheduler satisfies it.
type CascadeStarter interface {
	StartCascade(ctx context.Context, req engine.StartCascadeRequest) (*engine.EnvironmentRun, error)
	GetEnvironmentRun(ctx context.Context, runID string) (*engine.EnvironmentRun, error)
}

// Entry describes one registered schedule.
type Entry struct {
	Name          string                  `json:"name"`
	Spec          string                  `json:"spec"`
	EnvironmentID string                  `json:"environment_id"`
	Operation     engine.CascadeOperation `json:"operation"`
	AutoConfirm   bool                    `json:"auto_confirm"`

	LastRunID string    `json:"last_run_id,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Prev      time.Time `json:"prev,omitempty"`
	Next      time.Time `json:"next,omitempty"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLocation evaluates cron expressions in loc instead of local time.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.location = loc
		}
	}
}

// WithParser replaces the standard five-field parser.
func WithParser(p rcron.ScheduleParser) Option {
	return func(s *Scheduler) {
		if p != nil {
			s.parser = p
		}
	}
}

// WithStartTimeout bounds how long one cascade admission may take.
func WithStartTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.startTimeout = d
		}
	}
}

// Scheduler starts cascades on cron schedules with trigger source schedule.
// A schedule never overlaps itself: a tick that finds the previous cascade
// still running is skipped.
type Scheduler struct {
	starter      CascadeStarter
	logger       *telemetry.Logger
	location     *time.Location
	parser       rcron.ScheduleParser
	startTimeout time.Duration

	cron *rcron.Cron

	mu   sync.Mutex
	jobs map[string]*job
}

type job struct {
	s     *Scheduler
	entry Entry
	id    rcron.EntryID

	// running guards against two ticks admitting concurrently.
	running sync.Mutex
}

// New creates a scheduler. Call Start to begin firing.
func New(starter CascadeStarter, tel *telemetry.Telemetry, opts ...Option) *Scheduler {
	if tel == nil {
		tel = telemetry.Noop()
	}
	s := &Scheduler{
		starter:      starter,
		logger:       tel.Logger.NewComponentLogger("schedule"),
		location:     time.Local,
		parser:       rcron.NewParser(rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor),
		startTimeout: DefaultStartTimeout,
		jobs:         make(map[string]*job),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	cl := cronLogger{logger: s.logger}
	s.cron = rcron.New(
		rcron.WithLocation(s.location),
		rcron.WithParser(s.parser),
		rcron.WithLogger(cl),
		rcron.WithChain(rcron.Recover(cl)),
	)
	return s
}

// Load registers every configured schedule. It stops at the first invalid one.
func (s *Scheduler) Load(schedules []config.ScheduleConfig) error {
	for _, sc := range schedules {
		if err := s.Add(sc); err != nil {
			return err
		}
	}
	return nil
}

// Add registers one schedule. Names are unique.
func (s *Scheduler) Add(sc config.ScheduleConfig) error {
	if sc.Name == "" {
		return fmt.Errorf("schedule name is required")
	}
	if sc.EnvironmentID == "" {
		return fmt.Errorf("schedule %s: environment_id is required", sc.Name)
	}
	op := engine.CascadeOperation(sc.Operation)
	if err := op.Validate(); err != nil {
		return fmt.Errorf("schedule %s: %w", sc.Name, err)
	}
	sched, err := s.parser.Parse(sc.Cron)
	if err != nil {
		return fmt.Errorf("schedule %s: invalid cron expression %q: %w", sc.Name, sc.Cron, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[sc.Name]; exists {
		return fmt.Errorf("schedule %s already registered", sc.Name)
	}

	j := &job{
		s: s,
		entry: Entry{
			Name:          sc.Name,
			Spec:          sc.Cron,
			EnvironmentID: sc.EnvironmentID,
			Operation:     op,
			AutoConfirm:   sc.AutoConfirm,
		},
	}
	j.id = s.cron.Schedule(sched, j)
	s.jobs[sc.Name] = j

	s.logger.WithFields(map[string]interface{}{
		"schedule":       sc.Name,
		"cron":           sc.Cron,
		"environment_id": sc.EnvironmentID,
		"operation":      sc.Operation,
	}).Info("schedule registered")
	return nil
}

// Remove unregisters a schedule. It reports whether the name was known.
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	j, ok := s.jobs[name]
	if ok {
		delete(s.jobs, name)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.cron.Remove(j.id)
	return true
}

// Entries returns the registered schedules ordered by name.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.jobs))
	for _, j := range s.jobs {
		e := j.entry
		ce := s.cron.Entry(j.id)
		e.Prev = ce.Prev
		e.Next = ce.Next
		out = append(out, e)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// RunNow fires a schedule immediately, outside its cron timing.
func (s *Scheduler) RunNow(ctx context.Context, name string) (*engine.EnvironmentRun, error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("schedule %s not found", name)
	}
	return j.trigger(ctx)
}

// Start begins firing schedules in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Infof("scheduler started with %d schedules", len(s.Entries()))
}

// Stop halts the cron loop and waits for in-flight admissions. Cascades
// already admitted keep running in the engine.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run implements rcron.Job.
func (j *job) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), j.s.startTimeout)
	defer cancel()
	_, _ = j.trigger(ctx)
}

func (j *job) trigger(ctx context.Context) (*engine.EnvironmentRun, error) {
	s := j.s
	if !j.running.TryLock() {
		return nil, ErrStillRunning
	}
	defer j.running.Unlock()

	s.mu.Lock()
	entry := j.entry
	s.mu.Unlock()

	log := s.logger.WithFields(map[string]interface{}{
		"schedule":       entry.Name,
		"environment_id": entry.EnvironmentID,
	})

	if entry.LastRunID != "" {
		prev, err := s.starter.GetEnvironmentRun(ctx, entry.LastRunID)
		if err == nil && !prev.Status.IsTerminal() {
			log.WithField("run_id", prev.ID).Warn("skipping tick, previous cascade still running")
			return nil, ErrStillRunning
		}
	}

	run, err := s.starter.StartCascade(ctx, engine.StartCascadeRequest{
		EnvironmentID: entry.EnvironmentID,
		Operation:     entry.Operation,
		AutoConfirm:   entry.AutoConfirm,
		TriggerSource: engine.TriggerSchedule,
		Actor:         engine.SystemActor,
	})

	s.mu.Lock()
	if err != nil {
		j.entry.LastError = err.Error()
	} else {
		j.entry.LastError = ""
		j.entry.LastRunID = run.ID
	}
	s.mu.Unlock()

	if err != nil {
		log.WithError(err).Error("scheduled cascade rejected")
		return nil, err
	}
	log.WithEnvironmentRun(run.ID).Infof("scheduled %s started", entry.Operation)
	return run, nil
}

// cronLogger adapts the telemetry logger to rcron.Logger.
type cronLogger struct {
	logger *telemetry.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithError(err).WithFields(kvFields(keysAndValues)).Error(msg)
}

func kvFields(kv []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		fields[key] = kv[i+1]
	}
	return fields
}
