package notify

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"prodpulse/internal/eventbus"
	logx "prodpulse/pkg/logx"
)

// Sender performs one delivery attempt. Implementations may return
// RetryAfter-wrapped errors to hint at flood-control delays, or
// NoRetry-wrapped errors for permanent failures.
type Sender interface {
	Send(ctx context.Context, to Target, n Notification) error
}

// SendFunc adapts a function to the Sender interface.
type SendFunc func(ctx context.Context, to Target, n Notification) error

func (f SendFunc) Send(ctx context.Context, to Target, n Notification) error {
	return f(ctx, to, n)
}

type queued struct {
	n Notification
	// dedupKey is computed at enqueue time for cheap per-worker processing.
	dedupKey string
}

// Service implements the async notification pipeline:
// queue + worker pool + rate limit + retry + dedup.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	bus    eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan queued
	workerWG sync.WaitGroup
	stopDone chan struct{} // non-nil while stopping

	// In-memory dedup cache: key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		log:    log,
		bus:    bus,
		dedup:  map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}

	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start is idempotent. When the service is disabled it does nothing.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan queued, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		s.workerWG.Add(1)
		go func() {
			defer s.workerWG.Done()
			s.workerLoop(ctx, q)
		}()
	}
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	// Shutdown happens asynchronously so callers can time out without leaking state.
	go func() {
		defer close(done)
		// Wait for in-flight enqueues to finish, then close the queue so workers can drain.
		s.sendWG.Wait()
		close(q)
		s.workerWG.Wait()

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Notify enqueues a notification. It never blocks on delivery.
func (s *Service) Notify(ctx context.Context, n Notification) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	dedupWindow := s.cfg.DedupWindow
	dedupMax := s.cfg.DedupMaxEntries
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := dedupKey(n)
	if dedupWindow > 0 && key != "" {
		if !s.dedupAllow(key, dedupWindow, dedupMax) {
			s.publish("notify.deduped", n, key, nil)
			return nil
		}
	}

	select {
	case q <- queued{n: n, dedupKey: key}:
		s.publish("notify.queued", n, key, nil)
		return nil
	default:
		s.publish("notify.dropped", n, key, ErrQueueFull)
		return ErrQueueFull
	}
}

// SendNow delivers synchronously, bypassing the queue, dedup and retry. It
// still honors the shared rate limit. Used by manual report requests that
// must surface delivery failures to the caller.
func (s *Service) SendNow(ctx context.Context, n Notification) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	enabled := s.cfg.Enabled
	lim := s.limiter
	sender := s.sender
	s.mu.Unlock()

	if !enabled {
		return ErrDisabled
	}
	if sender == nil || n.Text == "" {
		return nil
	}
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := sender.Send(callCtx, n.Target, n); err != nil {
		s.publish("notify.failed", n, "", err)
		return err
	}
	s.publish("notify.sent", n, "", nil)
	return nil
}

func (s *Service) publish(typ string, n Notification, key string, err error) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	data := map[string]any{
		"kind":      n.Kind,
		"chat_id":   n.Target.ChatID,
		"thread_id": n.Target.ThreadID,
		"key":       key,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: data})
}

func (s *Service) workerLoop(ctx context.Context, q <-chan queued) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(runCtx context.Context, j queued) {
	// config snapshot for this send
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	sender := s.sender
	log := s.log
	s.mu.Unlock()

	if sender == nil || j.n.Text == "" {
		return
	}

	maxAttempts := 1
	if cfg.RetryMax > 0 {
		maxAttempts = 1 + cfg.RetryMax
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(runCtx); err != nil {
				return
			}
		}

		// Bound per-send call. Keep tight to avoid hanging workers.
		callCtx, cancel := context.WithTimeout(runCtx, 10*time.Second)
		err := sender.Send(callCtx, j.n.Target, j.n)
		cancel()
		if err == nil {
			s.publish("notify.sent", j.n, j.dedupKey, nil)
			return
		}
		lastErr = err
		log.Debug("notify send failed",
			logx.Err(err),
			logx.String("kind", j.n.Kind),
			logx.Int("attempt", attempt),
			logx.Int("max", maxAttempts),
		)

		if IsNoRetry(err) || attempt >= maxAttempts {
			break
		}

		delay := retryDelay(cfg, attempt, err)
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-runCtx.Done():
			if !t.Stop() {
				<-t.C
			}
			return
		}
	}

	if lastErr != nil {
		log.Warn("notify delivery failed", logx.Err(lastErr), logx.String("kind", j.n.Kind))
		s.publish("notify.failed", j.n, j.dedupKey, lastErr)
	}
}

func dedupKey(n Notification) string {
	if n.Kind == "" {
		return ""
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(n.Kind))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(fmt.Sprintf("%d:%d|", n.Target.ChatID, n.Target.ThreadID)))
	_, _ = h.Write([]byte(n.Text))
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(key string, window time.Duration, max int) bool {
	now := time.Now()

	s.dmu.Lock()
	defer s.dmu.Unlock()
	if s.dedup == nil {
		s.dedup = map[string]time.Time{}
	}
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}

	s.dedup[key] = now.Add(window)

	// Prune expired and cap.
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	for max > 0 && len(s.dedup) > max {
		var (
			minKey string
			minT   time.Time
			set    bool
		)
		for k, t := range s.dedup {
			if !set || t.Before(minT) {
				minKey, minT, set = k, t, true
			}
		}
		if minKey == "" {
			break
		}
		delete(s.dedup, minKey)
	}
	return true
}

func retryDelay(cfg Config, attempt int, err error) time.Duration {
	maxD := cfg.RetryMaxDelay

	// Honor an explicit downstream hint, bounded by RetryMaxDelay.
	var ra RetryAfterError
	if errors.As(err, &ra) {
		d := ra.RetryAfter()
		if d > maxD {
			d = maxD
		}
		return d
	}

	// Exponential backoff: base * 2^(attempt-1)
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	j := 0.7 + rng.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
