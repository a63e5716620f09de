// Package sched owns the job lifecycle: definitions, triggers, the firing
// worker pool and the per-firing measurement pipeline.
package sched

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"prodpulse/internal/eventbus"
	"prodpulse/internal/idle"
	"prodpulse/internal/notify"
	"prodpulse/internal/production"
	"prodpulse/internal/sensor"
	"prodpulse/internal/shiftclock"
	"prodpulse/internal/storage"
	logx "prodpulse/pkg/logx"
)

// maxConcurrentPerJob bounds simultaneous firings of one job. A third
// overlapping firing coalesces into a single pending execution.
const maxConcurrentPerJob = 2

// Config controls trigger evaluation and the execution pool.
type Config struct {
	Timezone  string
	Workers   int
	QueueSize int

	// MisfireGrace drops firings that waited in the queue longer than this
	// instead of running them late. Defaults to one hour.
	MisfireGrace time.Duration

	// SkipEqCondition skips the equality check on snapshot jobs: every
	// snapshot is stored and announced even when identical to the last
	// one. By default identical snapshots are suppressed and count toward
	// the idle streak.
	SkipEqCondition bool
}

// Aggregator reads a job's sensors into values plus the all-zero and fault
// flags.
type Aggregator interface {
	Read(ctx context.Context, refs []sensor.Ref, summation bool) (values []sensor.TitledValue, isAllZero, hasFault bool)
}

// Notifier is the delivery port: Notify enqueues asynchronously, SendNow
// delivers synchronously and surfaces the error.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notification) error
	SendNow(ctx context.Context, n notify.Notification) error
}

// Deps are the collaborators the scheduler drives.
type Deps struct {
	Log      logx.Logger
	Bus      eventbus.Bus
	Store    storage.Store
	Recorder *production.Recorder
	Sensors  Aggregator
	Idle     *idle.Detector
	Notifier Notifier
	Router   *notify.Router
	Clock    shiftclock.Clock
}

// JobInfo is a job definition plus its derived next run time.
type JobInfo struct {
	Job
	NextRun time.Time
}

type entry struct {
	def     Job
	entryID cron.EntryID
	state   *runState
}

// runState gates overlapping firings of one job.
type runState struct {
	mu      sync.Mutex
	running int
	pending bool
}

func (r *runState) tryAcquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running >= maxConcurrentPerJob {
		r.pending = true
		return false
	}
	r.running++
	return true
}

// release returns true when a coalesced firing is pending and should be
// re-enqueued.
func (r *runState) release() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running--
	if r.pending {
		r.pending = false
		return true
	}
	return false
}

type firing struct {
	name string
	at   time.Time
}

type Scheduler struct {
	cfg Config

	log    logx.Logger
	bus    eventbus.Bus
	store  storage.Store
	rec    *production.Recorder
	agg    Aggregator
	idle   *idle.Detector
	nt     Notifier
	router *notify.Router
	clock  shiftclock.Clock

	parser cron.Parser
	loc    *time.Location
	now    func() time.Time

	mu      sync.Mutex
	c       *cron.Cron
	jobs    map[string]*entry
	queue   chan firing
	started bool

	wg sync.WaitGroup
}

func New(cfg Config, d Deps) *Scheduler {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.MisfireGrace <= 0 {
		cfg.MisfireGrace = time.Hour
	}

	loc := d.Clock.Location()
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		} else {
			d.Log.Warn("invalid timezone; using shift clock location", logx.String("tz", tz), logx.Err(err))
		}
	}

	return &Scheduler{
		cfg:    cfg,
		log:    d.Log,
		bus:    d.Bus,
		store:  d.Store,
		rec:    d.Recorder,
		agg:    d.Sensors,
		idle:   d.Idle,
		nt:     d.Notifier,
		router: d.Router,
		clock:  d.Clock,
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		loc:    loc,
		now:    time.Now,
		jobs:   map[string]*entry{},
	}
}

// Start rehydrates persisted definitions, registers their triggers and spins
// up the worker pool. It is not idempotent; call once.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	s.queue = make(chan firing, s.cfg.QueueSize)
	queue := s.queue
	s.mu.Unlock()

	if err := s.rehydrate(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	for name := range s.jobs {
		if err := s.scheduleLocked(name); err != nil {
			s.log.Error("trigger register failed", logx.String("job", name), logx.Err(err))
		}
	}
	s.c.Start()
	count := len(s.jobs)
	s.mu.Unlock()

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.worker(ctx, queue)
		}()
	}

	s.log.Info("scheduler started",
		logx.String("tz", s.loc.String()),
		logx.Int("jobs", count),
		logx.Int("workers", s.cfg.Workers),
	)
	return nil
}

// Stop halts trigger evaluation and waits for in-flight firings until ctx
// expires.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	q := s.queue
	s.c = nil
	s.queue = nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	// Stop triggers first so nothing new lands in the queue.
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}

	close(q)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out; firings abandoned")
	}
}

func (s *Scheduler) rehydrate(ctx context.Context) error {
	defs, err := s.store.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("load job registry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, raw := range defs {
		var def Job
		if err := json.Unmarshal(raw, &def); err != nil {
			s.log.Error("dropping unreadable job definition", logx.String("job", name), logx.Err(err))
			continue
		}
		if def.State == "" {
			def.State = StateActive
		}
		s.jobs[name] = &entry{def: def, state: &runState{}}
	}
	return nil
}

// triggerSpec renders a job trigger to a cron line.
func (s *Scheduler) triggerSpec(t Trigger) string {
	if t.Interval > 0 {
		return fmt.Sprintf("@every %s", t.Interval.String())
	}
	if t.Cron != nil {
		return t.Cron.Spec()
	}
	return ""
}

// scheduleLocked registers the job's trigger with the cron engine. Paused
// jobs stay unscheduled. Call with s.mu held.
func (s *Scheduler) scheduleLocked(name string) error {
	e, ok := s.jobs[name]
	if !ok || s.c == nil {
		return nil
	}
	if e.def.State == StatePaused {
		return nil
	}
	spec := s.triggerSpec(e.def.Trigger)
	if spec == "" {
		return fmt.Errorf("job %q has no trigger", name)
	}
	jobName := name
	id, err := s.c.AddFunc(spec, func() { s.fire(jobName) })
	if err != nil {
		return err
	}
	e.entryID = id
	s.log.Debug("trigger registered", logx.String("job", name), logx.String("spec", spec))
	return nil
}

// unscheduleLocked removes the job's cron entry. Call with s.mu held.
func (s *Scheduler) unscheduleLocked(name string) {
	e, ok := s.jobs[name]
	if !ok {
		return
	}
	if s.c != nil && e.entryID != 0 {
		s.c.Remove(e.entryID)
	}
	e.entryID = 0
}

// enqueue attempts a non-blocking send. The send happens under the mutex
// that Stop holds while retiring the queue, so it can never race the close.
// stopped reports a retired queue, queued a successful send.
func (s *Scheduler) enqueue(f firing) (queued, stopped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue == nil {
		return false, true
	}
	select {
	case s.queue <- f:
		return true, false
	default:
		return false, false
	}
}

// fire enqueues one firing. A full queue drops the firing rather than
// blocking the cron engine.
func (s *Scheduler) fire(name string) {
	queued, stopped := s.enqueue(firing{name: name, at: s.now()})
	if stopped || queued {
		return
	}
	s.log.Warn("firing dropped (queue full)", logx.String("job", name))
	s.publishSkip(name, "queue_full")
}

func (s *Scheduler) worker(ctx context.Context, q <-chan firing) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-q:
			if !ok {
				return
			}
			s.execOne(ctx, f)
		}
	}
}

func (s *Scheduler) execOne(ctx context.Context, f firing) {
	s.mu.Lock()
	e, ok := s.jobs[f.name]
	s.mu.Unlock()
	if !ok || e.def.State == StatePaused {
		return
	}

	// Misfire grace: a firing that waited too long describes the past.
	// Skip it instead of running it late.
	if delay := s.now().Sub(f.at); delay > s.cfg.MisfireGrace {
		s.log.Warn("firing skipped (misfire grace exceeded)",
			logx.String("job", f.name),
			logx.Duration("delay", delay),
			logx.Duration("grace", s.cfg.MisfireGrace),
		)
		s.publishSkip(f.name, "misfire")
		return
	}

	if !e.state.tryAcquire() {
		s.log.Debug("firing coalesced (job saturated)", logx.String("job", f.name))
		s.publishSkip(f.name, "coalesced")
		return
	}

	start := s.now()
	err := s.runGuarded(ctx, e.def)
	dur := s.now().Sub(start)

	if err != nil {
		s.log.Warn("job failed", logx.String("job", f.name), logx.Err(err), logx.Duration("dur", dur))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.EventJobFailed, Time: s.now(), Data: map[string]any{
				"job": f.name, "error": err.Error(),
			}})
		}
	} else {
		s.log.Debug("job completed", logx.String("job", f.name), logx.Duration("dur", dur))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.EventJobFired, Time: s.now(), Data: map[string]any{
				"job": f.name, "duration_ms": dur.Milliseconds(),
			}})
		}
	}

	if e.state.release() {
		// A coalesced firing was waiting; run it fresh.
		queued, stopped := s.enqueue(firing{name: f.name, at: s.now()})
		if !queued && !stopped {
			s.publishSkip(f.name, "queue_full")
		}
	}
}

// runGuarded dispatches to the job's pipeline and converts panics to errors
// so one bad firing cannot kill a worker.
func (s *Scheduler) runGuarded(ctx context.Context, def Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	switch {
	case def.IsChild():
		return s.runShiftReport(ctx, def)
	case def.Kind == KindCumulative:
		return s.runCumulative(ctx, def)
	default:
		return s.runSimple(ctx, def)
	}
}

func (s *Scheduler) publishSkip(name, reason string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.EventJobSkipped, Time: s.now(), Data: map[string]any{
		"job": name, "reason": reason,
	}})
}

// CreateJob validates, persists and schedules a new job. Jobs with shift
// reporting also get a checkpoint series and two cron children firing 30
// seconds after each shift boundary.
func (s *Scheduler) CreateJob(ctx context.Context, def Job) error {
	if def.State == "" {
		def.State = StateActive
	}
	if err := def.Validate(); err != nil {
		return err
	}
	def.Name = strings.TrimSpace(def.Name)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateName, def.Name)
	}

	if err := s.store.CreateSeries(ctx, def.Name); err != nil {
		return fmt.Errorf("create series: %w", err)
	}
	if err := s.putJobLocked(ctx, def); err != nil {
		return err
	}

	if !def.ShiftReport {
		return nil
	}

	if err := s.store.CreateSeries(ctx, def.Name+production.ShiftReportSuffix); err != nil {
		return fmt.Errorf("create shift-report series: %w", err)
	}
	first, second := s.clock.Boundaries()
	for _, child := range []Job{
		s.childJob(def, true, first),
		s.childJob(def, false, second),
	} {
		if err := s.putJobLocked(ctx, child); err != nil {
			return err
		}
	}
	return nil
}

// putJobLocked persists one definition and registers its trigger. Call with
// s.mu held.
func (s *Scheduler) putJobLocked(ctx context.Context, def Job) error {
	raw, err := json.Marshal(def)
	if err != nil {
		return err
	}
	if err := s.store.PutJob(ctx, def.Name, raw); err != nil {
		return fmt.Errorf("persist job %q: %w", def.Name, err)
	}
	s.jobs[def.Name] = &entry{def: def, state: &runState{}}
	if err := s.scheduleLocked(def.Name); err != nil {
		return err
	}
	s.log.Info("job registered", logx.String("job", def.Name), logx.String("kind", string(def.Kind)))
	return nil
}

// childJob derives a shift-report child firing 30 seconds after the given
// shift boundary.
func (s *Scheduler) childJob(parent Job, am bool, boundary shiftclock.TimeOfDay) Job {
	return Job{
		Name:        childName(parent.Name, am),
		Description: parent.Description,
		Kind:        parent.Kind,
		Trigger: Trigger{Cron: &CronSpec{
			Second: "30",
			Minute: fmt.Sprintf("%d", boundary.Minute),
			Hour:   fmt.Sprintf("%d", boundary.Hour),
		}},
		Sensors:   parent.Sensors,
		TgSend:    parent.TgSend,
		Summation: parent.Summation,
		SpeedInfo: parent.SpeedInfo,
		Chat:      parent.Chat,
		State:     StateActive,
		Parent:    parent.Name,
	}
}

// DeleteJob removes a job. Deleting a child name removes only that child.
// For parents, deleteChildren also removes both children plus the shared
// checkpoint series, and removeSeries drops the job's own series.
func (s *Scheduler) DeleteJob(ctx context.Context, name string, removeSeries, deleteChildren bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if isChildName(name) {
		if _, ok := s.jobs[name]; !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return s.removeLocked(ctx, name)
	}

	if _, ok := s.jobs[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err := s.removeLocked(ctx, name); err != nil {
		return err
	}

	if deleteChildren {
		hadChild := false
		for _, cn := range []string{childName(name, true), childName(name, false)} {
			if _, ok := s.jobs[cn]; !ok {
				continue
			}
			hadChild = true
			if err := s.removeLocked(ctx, cn); err != nil {
				return err
			}
		}
		if hadChild {
			if err := s.store.DropSeries(ctx, name+production.ShiftReportSuffix); err != nil {
				return fmt.Errorf("drop shift-report series: %w", err)
			}
		}
	}
	if removeSeries {
		if err := s.store.DropSeries(ctx, name); err != nil {
			return fmt.Errorf("drop series: %w", err)
		}
	}
	return nil
}

// removeLocked unschedules, unpersists and forgets one job. Call with s.mu
// held.
func (s *Scheduler) removeLocked(ctx context.Context, name string) error {
	s.unscheduleLocked(name)
	delete(s.jobs, name)
	s.idle.Forget(name)
	if err := s.store.DeleteJob(ctx, name); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete job %q: %w", name, err)
	}
	s.log.Info("job removed", logx.String("job", name))
	return nil
}

// Pause stops the job's trigger without touching its history.
func (s *Scheduler) Pause(ctx context.Context, name string) error {
	return s.setState(ctx, name, StatePaused)
}

// Resume re-registers a paused job's trigger.
func (s *Scheduler) Resume(ctx context.Context, name string) error {
	return s.setState(ctx, name, StateActive)
}

func (s *Scheduler) setState(ctx context.Context, name string, st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if e.def.State == st {
		return nil
	}
	e.def.State = st

	raw, err := json.Marshal(e.def)
	if err != nil {
		return err
	}
	if err := s.store.PutJob(ctx, name, raw); err != nil {
		return fmt.Errorf("persist job %q: %w", name, err)
	}

	if st == StatePaused {
		s.unscheduleLocked(name)
		s.log.Info("job paused", logx.String("job", name))
		return nil
	}
	if err := s.scheduleLocked(name); err != nil {
		return err
	}
	s.log.Info("job resumed", logx.String("job", name))
	return nil
}

// Get returns one job with its next run time.
func (s *Scheduler) Get(name string) (JobInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[name]
	if !ok {
		return JobInfo{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return s.infoLocked(e), nil
}

// List returns all jobs sorted by name.
func (s *Scheduler) List() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, s.infoLocked(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) infoLocked(e *entry) JobInfo {
	info := JobInfo{Job: e.def}
	if s.c != nil && e.entryID != 0 {
		info.NextRun = s.c.Entry(e.entryID).Next
	}
	return info
}
