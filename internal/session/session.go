package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/flowbridge/internal/clock"
	"github.com/zsiec/flowbridge/internal/flow"
	"github.com/zsiec/flowbridge/internal/media"
	"github.com/zsiec/flowbridge/internal/metrics"
	"github.com/zsiec/flowbridge/internal/ring"
)

// Handle acquisition backoff defaults.
const (
	DefaultAcquireBackoff    = 50 * time.Millisecond
	DefaultAcquireMaxBackoff = 2 * time.Second
)

// Config describes one binding.
type Config struct {
	Name   string
	FlowID uuid.UUID
	Kind   flow.Kind
	Role   Role
	Reader ring.ReaderOptions
	// AcquireBackoff is the first retry delay while the flow is missing or
	// the engine is unreachable. It doubles up to AcquireMaxBackoff.
	AcquireBackoff    time.Duration
	AcquireMaxBackoff time.Duration
}

func (c Config) validate() error {
	if c.Name == "" {
		return errors.New("session: name is required")
	}
	if c.FlowID == uuid.Nil {
		return fmt.Errorf("session %s: flow id is required", c.Name)
	}
	if c.Kind != flow.KindVideo && c.Kind != flow.KindAudio {
		return fmt.Errorf("session %s: unknown flow kind %d", c.Name, c.Kind)
	}
	if c.Role != RoleSink && c.Role != RoleSource {
		return fmt.Errorf("session %s: unknown role %d", c.Name, c.Role)
	}
	return nil
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session's parent logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Session) { s.log = log }
}

// WithMetrics records session activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithRunningClock sets the pipeline clock the anchor reads. The default is
// a SystemClock started when the session is created.
func WithRunningClock(c clock.RunningClock) Option {
	return func(s *Session) { s.running = c }
}

// Session is one binding between a pipeline endpoint and a flow. All
// operations hold the session mutex for their whole duration; Stop cancels
// in-flight waits before taking it.
type Session struct {
	cfg       Config
	log       *slog.Logger
	engine    flow.Engine
	tr        *clock.Translator
	running   clock.RunningClock
	metrics   *metrics.Metrics
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   State
	anchor  clock.Anchor
	handle  flow.Handle
	info    flow.Info
	grainW  *ring.GrainWriter
	sampleW *ring.SampleWriter
	grainR  *ring.GrainReader
	sampleR *ring.SampleReader

	// resyncPending is set by a catch-up until the discontinuous buffer it
	// produces has been delivered.
	resyncPending bool

	stats counters
}

// counters are readable without the session mutex so snapshots never wait
// behind a blocked read.
type counters struct {
	state          atomic.Int32
	units          atomic.Int64
	bytes          atomic.Int64
	emptyCycles    atomic.Int64
	discont        atomic.Int64
	resyncs        atomic.Int64
	clamped        atomic.Int64
	bumped         atomic.Int64
	dropped        atomic.Int64
	corrected      atomic.Int64
	acquireRetries atomic.Int64
	reopens        atomic.Int64
	errors         atomic.Int64
	lastIndex      atomic.Uint64
	lastPTS        atomic.Int64
}

// New creates an unbound session. Start acquires the flow handle.
func New(engine flow.Engine, cfg Config, opts ...Option) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.AcquireBackoff <= 0 {
		cfg.AcquireBackoff = DefaultAcquireBackoff
	}
	if cfg.AcquireMaxBackoff < cfg.AcquireBackoff {
		cfg.AcquireMaxBackoff = max(DefaultAcquireMaxBackoff, cfg.AcquireBackoff)
	}

	s := &Session{
		cfg:       cfg,
		engine:    engine,
		tr:        clock.NewTranslator(engine),
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("component", "session", "session", cfg.Name, "flow", cfg.FlowID, "role", cfg.Role, "kind", cfg.Kind)
	if s.running == nil {
		s.running = clock.NewSystemClock()
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.stats.lastPTS.Store(int64(media.NoPTS))
	s.metrics.SetState(cfg.Name, int(StateUninitialized))
	return s, nil
}

// Name returns the session name.
func (s *Session) Name() string {
	return s.cfg.Name
}

// Config returns the session's configuration with defaults applied.
func (s *Session) Config() Config {
	return s.cfg
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.stats.state.Load())
}

// Done is closed once Stop has been called.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// bind derives a context that is also cancelled by Stop.
func (s *Session) bind(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *Session) notActive(op string) error {
	return &flow.OpError{Op: op, FlowID: s.cfg.FlowID, Err: flow.ErrSessionNotActive}
}

// Start acquires the flow handle, retrying with backoff while the flow does
// not exist yet or the engine is unreachable. It returns when the handle is
// bound, ctx is done or the session is stopped.
func (s *Session) Start(ctx context.Context) error {
	ctx, done := s.bind(ctx)
	defer done()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped {
		return s.notActive("start")
	}
	if s.handle != nil {
		return nil
	}
	return s.acquire(ctx)
}

// Reopen releases the current handle and acquires a fresh one. The anchor is
// cleared, so the next unit re-establishes it.
func (s *Session) Reopen(ctx context.Context) error {
	ctx, done := s.bind(ctx)
	defer done()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped {
		return s.notActive("reopen")
	}
	if err := s.release(); err != nil {
		s.log.Warn("release before reopen failed", "error", err)
	}
	s.anchor.Reset()
	s.setState(StateUninitialized)
	s.stats.reopens.Add(1)
	s.log.Info("reopening flow handle")
	return s.acquire(ctx)
}

func retryable(err error) bool {
	return errors.Is(err, flow.ErrFlowNotFound) || errors.Is(err, flow.ErrEngineUnavailable)
}

// acquire opens the handle. Caller holds mu.
func (s *Session) acquire(ctx context.Context) error {
	backoff := s.cfg.AcquireBackoff
	for attempt := 1; ; attempt++ {
		err := s.open()
		if err == nil {
			s.log.Info("flow handle acquired", "attempts", attempt,
				"rate", s.info.Rate, "grains", s.info.GrainCount, "ring", s.info.BufferLength)
			return nil
		}
		if !retryable(err) {
			s.fail(err)
			return err
		}
		s.stats.acquireRetries.Add(1)
		s.metrics.RecordAcquireRetry(s.cfg.Name)
		s.log.Debug("flow not available, retrying", "attempt", attempt, "backoff", backoff, "error", err)

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			if s.ctx.Err() != nil {
				return s.notActive("acquire")
			}
			return fmt.Errorf("session %s: acquire: %w", s.cfg.Name, ctx.Err())
		case <-t.C:
		}
		backoff = min(backoff*2, s.cfg.AcquireMaxBackoff)
	}
}

// open binds a handle and its ring reader or writer. Caller holds mu.
func (s *Session) open() error {
	log := s.log
	id := s.cfg.FlowID
	switch {
	case s.cfg.Role == RoleSink && s.cfg.Kind == flow.KindVideo:
		h, err := s.engine.OpenGrainWriter(id)
		if err != nil {
			return err
		}
		s.handle, s.info = h, h.Info()
		s.grainW = ring.NewGrainWriter(h, s.tr, &s.anchor, log)
	case s.cfg.Role == RoleSink:
		h, err := s.engine.OpenSamplesWriter(id)
		if err != nil {
			return err
		}
		w, err := ring.NewSampleWriter(h, s.tr, log)
		if err != nil {
			_ = h.Release()
			return err
		}
		s.handle, s.info = h, h.Info()
		s.sampleW = w
	case s.cfg.Kind == flow.KindVideo:
		h, err := s.engine.OpenGrainReader(id)
		if err != nil {
			return err
		}
		s.handle, s.info = h, h.Info()
		s.grainR = ring.NewGrainReader(h, s.tr, &s.anchor, s.running, s.cfg.Reader, log)
	default:
		h, err := s.engine.OpenSamplesReader(id)
		if err != nil {
			return err
		}
		r, err := ring.NewSampleReader(h, s.tr, &s.anchor, s.running, s.cfg.Reader, log)
		if err != nil {
			_ = h.Release()
			return err
		}
		s.handle, s.info = h, h.Info()
		s.sampleR = r
	}
	return nil
}

// release drops the handle and everything bound to it. Caller holds mu.
func (s *Session) release() error {
	if s.handle == nil {
		return nil
	}
	err := s.handle.Release()
	s.handle = nil
	s.grainW, s.sampleW, s.grainR, s.sampleR = nil, nil, nil, nil
	s.resyncPending = false
	return err
}

// active checks that an operation may run. Caller holds mu.
func (s *Session) active(op string, role Role) error {
	if s.state == StateStopped || s.handle == nil {
		return s.notActive(op)
	}
	if s.cfg.Role != role {
		return &flow.OpError{Op: op, FlowID: s.cfg.FlowID,
			Err: fmt.Errorf("%s on a %s session: %w", op, s.cfg.Role, flow.ErrInvalidState)}
	}
	return nil
}

func (s *Session) setState(st State) {
	if s.state == st {
		return
	}
	s.log.Debug("session state change", "from", s.state, "to", st)
	s.state = st
	s.stats.state.Store(int32(st))
	s.metrics.SetState(s.cfg.Name, int(st))
}

func (s *Session) advance(anchored, resynced bool) {
	s.setState(s.state.next(anchored, resynced))
}

func (s *Session) fail(err error) error {
	s.stats.errors.Add(1)
	s.metrics.RecordError(s.cfg.Name)
	s.log.Warn("session operation failed", "error", err)
	return err
}

func (s *Session) recordUnit(index uint64, pts time.Duration, n int) {
	s.stats.units.Add(1)
	s.stats.bytes.Add(int64(n))
	s.stats.lastIndex.Store(index)
	s.stats.lastPTS.Store(int64(pts))
	s.metrics.RecordUnit(s.cfg.Name, s.cfg.Role.String(), s.cfg.Kind.String(), n)
}

func (s *Session) recordAdjustment(c *atomic.Int64, reason string) {
	c.Add(1)
	s.metrics.RecordAdjustment(s.cfg.Name, reason)
}

// Write commits buf to the flow. Grains map the buffer PTS onto the flow
// index; sample data continues where the previous write ended.
func (s *Session) Write(buf *media.Buffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.active("write", RoleSink); err != nil {
		return err
	}

	running := s.running.RunningTime()
	if s.grainW != nil {
		res, err := s.grainW.Write(buf, running)
		if err != nil {
			return s.fail(err)
		}
		if res.Clamped {
			s.recordAdjustment(&s.stats.clamped, metrics.AdjustClamped)
		}
		if res.Bumped {
			s.recordAdjustment(&s.stats.bumped, metrics.AdjustBumped)
		}
		if res.Dropped {
			s.recordAdjustment(&s.stats.dropped, metrics.AdjustDropped)
			s.advance(res.Anchored, false)
			return nil
		}
		s.recordUnit(res.Index, buf.PTS, res.Copied)
		s.advance(res.Anchored, false)
		return nil
	}

	res, err := s.sampleW.Write(buf.Data)
	if err != nil {
		return s.fail(err)
	}
	anchored := false
	if res.Anchored {
		anchored = s.anchor.Establish(res.Start, running)
	}
	s.recordUnit(res.Start, buf.PTS, res.Frames*s.info.Channels*s.info.BytesPerSample)
	s.advance(anchored, false)
	return nil
}

// Read runs one reader cycle. A nil buffer with a nil error means the cycle
// produced no data. Stopping the session interrupts a blocked Read, which
// then fails with flow.ErrSessionNotActive.
func (s *Session) Read(ctx context.Context) (*media.Buffer, error) {
	ctx, done := s.bind(ctx)
	defer done()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.active("read", RoleSource); err != nil {
		return nil, err
	}

	var (
		res ring.ReadResult
		err error
	)
	if s.grainR != nil {
		res, err = s.grainR.Read(ctx)
	} else {
		res, err = s.sampleR.Read(ctx)
	}
	s.metrics.ObserveProducerWait(s.cfg.Name, res.Waited)
	if err != nil {
		if s.ctx.Err() != nil {
			return nil, s.notActive("read")
		}
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, s.fail(err)
	}

	if res.CaughtUp {
		s.stats.resyncs.Add(1)
		s.resyncPending = true
	}
	if res.Buffer == nil {
		s.stats.emptyCycles.Add(1)
		s.metrics.RecordEmptyCycle(s.cfg.Name)
		switch {
		case res.CaughtUp:
			s.advance(false, true)
		case res.Anchored:
			s.setState(StateAnchored)
		}
		return nil, nil
	}
	if res.Buffer.Discont {
		s.stats.discont.Add(1)
		s.metrics.RecordDiscontinuity(s.cfg.Name)
	}
	if res.Corrected {
		s.recordAdjustment(&s.stats.corrected, metrics.AdjustCorrected)
	}
	s.recordUnit(res.Index, res.Buffer.PTS, len(res.Buffer.Data))
	s.advance(res.Anchored, s.resyncPending)
	s.resyncPending = false
	return res.Buffer, nil
}

// Stop cancels in-flight waits, releases the flow handle and moves the
// session to StateStopped. Stopping twice is a no-op.
func (s *Session) Stop() error {
	s.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped {
		return nil
	}
	err := s.release()
	s.setState(StateStopped)
	s.log.Info("session stopped", "units", s.stats.units.Load())
	if err != nil {
		return fmt.Errorf("session %s: release: %w", s.cfg.Name, err)
	}
	return nil
}

// Snapshot is a point-in-time view of a session, suitable for JSON.
type Snapshot struct {
	Name            string    `json:"name"`
	FlowID          string    `json:"flowId"`
	Kind            string    `json:"kind"`
	Role            Role      `json:"role"`
	State           State     `json:"state"`
	StartedAt       time.Time `json:"startedAt"`
	UptimeMs        int64     `json:"uptimeMs"`
	Units           int64     `json:"units"`
	Bytes           int64     `json:"bytes"`
	EmptyCycles     int64     `json:"emptyCycles"`
	Discontinuities int64     `json:"discontinuities"`
	Resyncs         int64     `json:"resyncs"`
	Clamped         int64     `json:"clamped"`
	Bumped          int64     `json:"bumped"`
	Dropped         int64     `json:"dropped"`
	Corrected       int64     `json:"corrected"`
	AcquireRetries  int64     `json:"acquireRetries"`
	Reopens         int64     `json:"reopens"`
	Errors          int64     `json:"errors"`
	LastIndex       uint64    `json:"lastIndex"`
	LastPTSNs       int64     `json:"lastPtsNs"`
}

// Snapshot returns the session's counters without taking the session mutex.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		Name:            s.cfg.Name,
		FlowID:          s.cfg.FlowID.String(),
		Kind:            s.cfg.Kind.String(),
		Role:            s.cfg.Role,
		State:           s.State(),
		StartedAt:       s.startedAt,
		UptimeMs:        time.Since(s.startedAt).Milliseconds(),
		Units:           s.stats.units.Load(),
		Bytes:           s.stats.bytes.Load(),
		EmptyCycles:     s.stats.emptyCycles.Load(),
		Discontinuities: s.stats.discont.Load(),
		Resyncs:         s.stats.resyncs.Load(),
		Clamped:         s.stats.clamped.Load(),
		Bumped:          s.stats.bumped.Load(),
		Dropped:         s.stats.dropped.Load(),
		Corrected:       s.stats.corrected.Load(),
		AcquireRetries:  s.stats.acquireRetries.Load(),
		Reopens:         s.stats.reopens.Load(),
		Errors:          s.stats.errors.Load(),
		LastIndex:       s.stats.lastIndex.Load(),
		LastPTSNs:       s.stats.lastPTS.Load(),
	}
}
