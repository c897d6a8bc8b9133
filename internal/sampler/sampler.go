// Package sampler reads the temperature sensor on a schedule. It owns the
// caller-side policy around the decoder: a minimum spacing between
// exchanges, bounded retries for transient failures and a circuit breaker
// that backs off when the sensor keeps failing.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sweeney/env-monitor/internal/sensor"
)

// Defaults.
const (
	DefaultSchedule        = "@every 5s"
	DefaultMinInterval     = 2 * time.Second
	DefaultRetries         = 2
	DefaultBreakerFailures = 5
	DefaultBreakerTimeout  = time.Minute
)

// ErrBreakerOpen is returned while the breaker rejects samples.
var ErrBreakerOpen = gobreaker.ErrOpenState

// Config tunes the sampling policy.
type Config struct {
	Schedule        string
	MinInterval     time.Duration // 0 disables spacing
	Retries         int
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// Sampler schedules reads of a TemperatureSensor.
type Sampler struct {
	sensor  sensor.TemperatureSensor
	cfg     Config
	sched   cron.Schedule
	cron    *cron.Cron
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[sensor.Reading]
	log     *zap.Logger
	now     func() time.Time

	onReading func(sensor.Reading, time.Time)
	onFailure func(error)

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// Option configures a Sampler.
type Option func(*Sampler)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Sampler) { s.log = l }
}

// OnReading registers the callback for successful samples.
func OnReading(fn func(r sensor.Reading, at time.Time)) Option {
	return func(s *Sampler) { s.onReading = fn }
}

// OnFailure registers the callback for samples that failed after retries,
// including samples rejected by an open breaker.
func OnFailure(fn func(err error)) Option {
	return func(s *Sampler) { s.onFailure = fn }
}

// New validates cfg and builds a Sampler around ts. Zero-valued fields other
// than MinInterval take their defaults.
func New(ts sensor.TemperatureSensor, cfg Config, opts ...Option) (*Sampler, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("sampler: negative retries %d", cfg.Retries)
	}
	if cfg.MinInterval < 0 {
		return nil, fmt.Errorf("sampler: negative min interval %v", cfg.MinInterval)
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = DefaultBreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = DefaultBreakerTimeout
	}
	sched, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("sampler: invalid schedule %q: %w", cfg.Schedule, err)
	}

	s := &Sampler{
		sensor: ts,
		cfg:    cfg,
		sched:  sched,
		log:    zap.NewNop(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.Named("sampler")

	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	s.limiter = rate.NewLimiter(limit, 1)

	maxFailures := cfg.BreakerFailures
	s.breaker = gobreaker.NewCircuitBreaker[sensor.Reading](gobreaker.Settings{
		Name:        "dht11",
		MaxRequests: 1, // one probe in half-open state
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		// Shutdown cancelling an exchange says nothing about sensor health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.log.Warn("breaker state change",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		},
	})

	// A slow exchange must not overlap the next tick: the sensor needs
	// quiet time between exchanges.
	cl := cronLogger{log: s.log.Sugar()}
	s.cron = cron.New(cron.WithLogger(cl), cron.WithChain(cron.SkipIfStillRunning(cl)))
	s.cron.Schedule(sched, cron.FuncJob(s.tick))
	return s, nil
}

// Config returns the effective configuration.
func (s *Sampler) Config() Config { return s.cfg }

// BreakerState reports the breaker state.
func (s *Sampler) BreakerState() gobreaker.State { return s.breaker.State() }

// Sample takes one reading now, honouring the spacing, retry and breaker
// policy. Only timeouts and checksum failures are retried; other errors
// fail the sample immediately.
func (s *Sampler) Sample(ctx context.Context) (sensor.Reading, error) {
	r, err := s.breaker.Execute(func() (sensor.Reading, error) {
		return s.attempt(ctx)
	})
	if err != nil {
		return sensor.Reading{}, fmt.Errorf("sample: %w", err)
	}
	return r, nil
}

func (s *Sampler) attempt(ctx context.Context) (sensor.Reading, error) {
	var lastErr error
	for try := 0; try <= s.cfg.Retries; try++ {
		if err := s.limiter.Wait(ctx); err != nil {
			if lastErr != nil {
				return sensor.Reading{}, errors.Join(lastErr, err)
			}
			return sensor.Reading{}, err
		}
		r, err := s.sensor.ReadContext(ctx)
		if err == nil {
			return r, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
		s.log.Debug("retrying sample", zap.Int("attempt", try+1), zap.Error(err))
	}
	return sensor.Reading{}, lastErr
}

func retryable(err error) bool {
	return errors.Is(err, sensor.ErrTimeout) || errors.Is(err, sensor.ErrDataValidation)
}

func (s *Sampler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	r, err := s.Sample(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("sample failed", zap.Error(err))
		if s.onFailure != nil {
			s.onFailure(err)
		}
		return
	}
	s.log.Debug("sample",
		zap.Float64("temperature", r.Temperature),
		zap.Float64("humidity", r.Humidity))
	if s.onReading != nil {
		s.onReading(r, s.now())
	}
}

// Start begins sampling on the schedule until Stop is called or ctx ends.
func (s *Sampler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	s.log.Info("sampling started", zap.String("schedule", s.cfg.Schedule))
}

// Stop cancels any in-flight sample and waits for the running job to return.
func (s *Sampler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.log.Info("sampling stopped")
}
