package session

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zsiec/flowbridge/internal/clock"
	"github.com/zsiec/flowbridge/internal/flow"
	"github.com/zsiec/flowbridge/internal/media"
	"github.com/zsiec/flowbridge/internal/memflow"
	"github.com/zsiec/flowbridge/internal/metrics"
	"github.com/zsiec/flowbridge/internal/ring"
)

func newDomain() *memflow.Domain {
	return memflow.NewDomain("session-test", memflow.WithTimeSource(func() int64 { return 1_000_000_000 }))
}

func createVideo(t *testing.T, d *memflow.Domain) uuid.UUID {
	t.Helper()
	info, err := d.CreateFlow(flow.Info{
		Kind:        flow.KindVideo,
		Rate:        flow.Rate25,
		GrainCount:  8,
		GrainSize:   32,
		TotalSlices: 4,
	})
	if err != nil {
		t.Fatal(err)
	}
	return info.ID
}

func createAudio(t *testing.T, d *memflow.Domain) uuid.UUID {
	t.Helper()
	info, err := d.CreateFlow(flow.Info{
		Kind:           flow.KindAudio,
		Rate:           flow.RateAudio48,
		Channels:       2,
		BytesPerSample: 4,
		BufferLength:   256,
	})
	if err != nil {
		t.Fatal(err)
	}
	return info.ID
}

func started(t *testing.T, d *memflow.Domain, cfg Config, opts ...Option) *Session {
	t.Helper()
	s, err := New(d, cfg, opts...)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no name", Config{FlowID: id}},
		{"no flow", Config{Name: "x"}},
		{"bad kind", Config{Name: "x", FlowID: id, Kind: flow.Kind(9)}},
		{"bad role", Config{Name: "x", FlowID: id, Role: Role(9)}},
	}
	for _, tt := range tests {
		if _, err := New(newDomain(), tt.cfg); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestStateTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from               State
		anchored, resynced bool
		want               State
	}{
		{StateUninitialized, false, false, StateUninitialized},
		{StateUninitialized, true, false, StateAnchored},
		{StateAnchored, false, false, StateSteady},
		{StateSteady, false, false, StateSteady},
		{StateSteady, false, true, StateResyncing},
		{StateResyncing, false, false, StateSteady},
		{StateResyncing, false, true, StateResyncing},
		{StateStopped, true, true, StateStopped},
	}
	for _, tt := range tests {
		if got := tt.from.next(tt.anchored, tt.resynced); got != tt.want {
			t.Errorf("%v.next(%v, %v): got %v, want %v", tt.from, tt.anchored, tt.resynced, got, tt.want)
		}
	}
}

func TestParseRole(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Role{"sink": RoleSink, " Source ": RoleSource} {
		got, err := ParseRole(in)
		if err != nil || got != want {
			t.Errorf("ParseRole(%q): got %v, %v", in, got, err)
		}
	}
	if _, err := ParseRole("both"); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestVideoSinkLifecycle(t *testing.T) {
	t.Parallel()

	d := newDomain()
	id := createVideo(t, d)
	reg := prometheus.NewRegistry()
	s := started(t, d, Config{Name: "cam", FlowID: id, Kind: flow.KindVideo, Role: RoleSink},
		WithMetrics(metrics.New(reg)), WithRunningClock(&clock.ManualClock{}))

	if s.State() != StateUninitialized {
		t.Fatalf("state: got %v, want uninitialized", s.State())
	}
	frame := &media.Buffer{PTS: 0, Data: bytes.Repeat([]byte{1}, 32)}
	if err := s.Write(frame); err != nil {
		t.Fatal(err)
	}
	if s.State() != StateAnchored {
		t.Errorf("state: got %v, want anchored", s.State())
	}
	if err := s.Write(frame); err != nil {
		t.Fatal(err)
	}
	if s.State() != StateSteady {
		t.Errorf("state: got %v, want steady", s.State())
	}

	snap := s.Snapshot()
	if snap.Units != 2 || snap.Bytes != 64 || snap.Bumped != 1 || snap.LastIndex != 26 {
		t.Errorf("snapshot: %+v", snap)
	}

	if _, err := s.Read(context.Background()); !errors.Is(err, flow.ErrInvalidState) {
		t.Errorf("read on sink: got %v, want ErrInvalidState", err)
	}

	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	if s.State() != StateStopped {
		t.Errorf("state: got %v, want stopped", s.State())
	}
	if err := s.Write(frame); !errors.Is(err, flow.ErrSessionNotActive) {
		t.Errorf("write after stop: got %v, want ErrSessionNotActive", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, flow.ErrSessionNotActive) {
		t.Errorf("start after stop: got %v, want ErrSessionNotActive", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second stop: %v", err)
	}
	if got := d.OpenHandles(); got != 0 {
		t.Errorf("open handles: got %d, want 0", got)
	}
}

func TestWriteBeforeStart(t *testing.T) {
	t.Parallel()

	d := newDomain()
	s, err := New(d, Config{Name: "cam", FlowID: createVideo(t, d), Kind: flow.KindVideo, Role: RoleSink})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Write(&media.Buffer{PTS: media.NoPTS}); !errors.Is(err, flow.ErrSessionNotActive) {
		t.Errorf("got %v, want ErrSessionNotActive", err)
	}
}

func TestAcquireRetriesUntilFlowExists(t *testing.T) {
	t.Parallel()

	d := newDomain()
	id := uuid.New()
	s, err := New(d, Config{
		Name: "late", FlowID: id, Kind: flow.KindVideo, Role: RoleSource,
		AcquireBackoff: 5 * time.Millisecond, AcquireMaxBackoff: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	go func() {
		time.Sleep(40 * time.Millisecond)
		_, _ = d.CreateFlow(flow.Info{ID: id, Kind: flow.KindVideo, Rate: flow.Rate25, GrainCount: 2, GrainSize: 8, TotalSlices: 1})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if got := s.Snapshot().AcquireRetries; got < 1 {
		t.Errorf("acquire retries: got %d, want at least 1", got)
	}
}

func TestAcquireWrongKindIsFatal(t *testing.T) {
	t.Parallel()

	d := newDomain()
	s, err := New(d, Config{Name: "x", FlowID: createVideo(t, d), Kind: flow.KindAudio, Role: RoleSource})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, flow.ErrWrongKind) {
		t.Errorf("got %v, want ErrWrongKind", err)
	}
}

func TestStopInterruptsAcquire(t *testing.T) {
	t.Parallel()

	s, err := New(newDomain(), Config{Name: "never", FlowID: uuid.New(), Kind: flow.KindAudio, Role: RoleSource})
	if err != nil {
		t.Fatal(err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, flow.ErrSessionNotActive) {
			t.Errorf("got %v, want ErrSessionNotActive", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestStopInterruptsBlockedRead(t *testing.T) {
	t.Parallel()

	d := newDomain()
	s := started(t, d, Config{Name: "cam", FlowID: createVideo(t, d), Kind: flow.KindVideo, Role: RoleSource})

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Read(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	if waited := time.Since(start); waited > time.Second {
		t.Errorf("stop waited %v for the read", waited)
	}
	if err := <-errCh; !errors.Is(err, flow.ErrSessionNotActive) {
		t.Errorf("read: got %v, want ErrSessionNotActive", err)
	}
	if got := d.OpenHandles(); got != 0 {
		t.Errorf("open handles: got %d, want 0", got)
	}
}

func interleavedFrames(n int) *media.Buffer {
	return &media.Buffer{PTS: media.NoPTS, Data: make([]byte, n*2*4)}
}

func TestAudioSourceResync(t *testing.T) {
	t.Parallel()

	d := newDomain()
	id := createAudio(t, d)
	running := &clock.ManualClock{}
	sink := started(t, d, Config{Name: "mic-in", FlowID: id, Kind: flow.KindAudio, Role: RoleSink},
		WithRunningClock(running))
	src := started(t, d, Config{
		Name: "mic-out", FlowID: id, Kind: flow.KindAudio, Role: RoleSource,
		Reader: ring.ReaderOptions{ProducerBudget: 10 * time.Millisecond},
	}, WithRunningClock(running))
	ctx := context.Background()

	steps := []struct {
		write   int
		state   State
		discont bool
	}{
		{96, StateAnchored, false},
		{48, StateSteady, false},
		{1000, StateResyncing, true},
		{0, StateSteady, false},
	}
	for i, step := range steps {
		if step.write > 0 {
			if err := sink.Write(interleavedFrames(step.write)); err != nil {
				t.Fatal(err)
			}
		}
		buf, err := src.Read(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if buf == nil {
			t.Fatalf("step %d: no data", i)
		}
		if buf.Discont != step.discont {
			t.Errorf("step %d: discont %v, want %v", i, buf.Discont, step.discont)
		}
		if got := src.State(); got != step.state {
			t.Errorf("step %d: state %v, want %v", i, got, step.state)
		}
	}

	snap := src.Snapshot()
	if snap.Discontinuities != 1 || snap.Resyncs != 1 || snap.Units != 4 {
		t.Errorf("snapshot: %+v", snap)
	}
	if sink.State() != StateSteady {
		t.Errorf("sink state: got %v, want steady", sink.State())
	}
}

func TestEmptyCycleCounted(t *testing.T) {
	t.Parallel()

	d := newDomain()
	s := started(t, d, Config{
		Name: "cam", FlowID: createVideo(t, d), Kind: flow.KindVideo, Role: RoleSource,
		Reader: ring.ReaderOptions{GrainTimeout: 10 * time.Millisecond},
	})
	buf, err := s.Read(context.Background())
	if err != nil || buf != nil {
		t.Fatalf("got %v, %v; want no data", buf, err)
	}
	if got := s.Snapshot().EmptyCycles; got != 1 {
		t.Errorf("empty cycles: got %d, want 1", got)
	}
	if s.State() != StateAnchored {
		t.Errorf("state: got %v, want anchored", s.State())
	}
}

func TestReopen(t *testing.T) {
	t.Parallel()

	d := newDomain()
	s := started(t, d, Config{
		Name: "cam", FlowID: createVideo(t, d), Kind: flow.KindVideo, Role: RoleSource,
		Reader: ring.ReaderOptions{GrainTimeout: 10 * time.Millisecond},
	})
	if _, err := s.Read(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Reopen(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.State() != StateUninitialized {
		t.Errorf("state: got %v, want uninitialized", s.State())
	}
	if got := s.Snapshot().Reopens; got != 1 {
		t.Errorf("reopens: got %d, want 1", got)
	}
	if got := d.OpenHandles(); got != 1 {
		t.Errorf("open handles: got %d, want 1", got)
	}
}

func TestVideoSinkDropsRunawayPTS(t *testing.T) {
	t.Parallel()

	d := memflow.NewDomain("session-test", memflow.WithTimeSource(func() int64 { return 3_000_000_000 }))
	id := createVideo(t, d)
	s := started(t, d, Config{Name: "cam", FlowID: id, Kind: flow.KindVideo, Role: RoleSink},
		WithRunningClock(&clock.ManualClock{}))

	// Live index 75 and an 8-grain window: 10s maps far ahead every time.
	frame := &media.Buffer{PTS: 10 * time.Second, Data: bytes.Repeat([]byte{1}, 32)}
	for range 4 {
		if err := s.Write(frame); err != nil {
			t.Fatal(err)
		}
	}

	snap := s.Snapshot()
	if snap.Units != 2 || snap.Dropped != 2 || snap.Clamped != 4 || snap.Bumped != 3 {
		t.Errorf("snapshot: units=%d dropped=%d clamped=%d bumped=%d, want 2/2/4/3",
			snap.Units, snap.Dropped, snap.Clamped, snap.Bumped)
	}
	if snap.LastIndex != 83 {
		t.Errorf("last index: got %d, want 83", snap.LastIndex)
	}
}

func TestCatchUpWithoutDataStillResyncs(t *testing.T) {
	t.Parallel()

	var now atomic.Int64
	now.Store(1_000_000_000)
	d := memflow.NewDomain("session-test", memflow.WithTimeSource(now.Load))
	id := createVideo(t, d)

	w, err := d.OpenGrainWriter(id)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Release()
	commit := func(index uint64) {
		t.Helper()
		win, err := w.OpenGrain(index)
		if err != nil {
			t.Fatal(err)
		}
		if err := win.Commit(win.TotalSlices()); err != nil {
			t.Fatal(err)
		}
	}

	s := started(t, d, Config{
		Name: "cam", FlowID: id, Kind: flow.KindVideo, Role: RoleSource,
		Reader: ring.ReaderOptions{GrainTimeout: 20 * time.Millisecond},
	}, WithRunningClock(&clock.ManualClock{}))

	commit(25)
	if buf, err := s.Read(context.Background()); err != nil || buf == nil {
		t.Fatalf("first read: got %v, %v", buf, err)
	}

	// Live moves to 50 before grain 50 exists: the reader jumps and times out.
	now.Store(2_000_000_000)
	buf, err := s.Read(context.Background())
	if err != nil || buf != nil {
		t.Fatalf("catch-up read: got %v, %v; want no data", buf, err)
	}
	if s.State() != StateResyncing {
		t.Errorf("after catch-up: state %v, want resyncing", s.State())
	}
	if got := s.Snapshot().Resyncs; got != 1 {
		t.Errorf("after catch-up: resyncs %d, want 1", got)
	}

	commit(50)
	buf, err = s.Read(context.Background())
	if err != nil || buf == nil {
		t.Fatalf("read after catch-up: got %v, %v", buf, err)
	}
	if !buf.Discont || buf.Index != 50 {
		t.Errorf("buffer: discont=%v index=%d, want true/50", buf.Discont, buf.Index)
	}
	snap := s.Snapshot()
	if s.State() != StateResyncing || snap.Resyncs != 1 || snap.Discontinuities != 1 {
		t.Errorf("state %v resyncs %d discontinuities %d, want resyncing/1/1",
			s.State(), snap.Resyncs, snap.Discontinuities)
	}

	commit(51)
	buf, err = s.Read(context.Background())
	if err != nil || buf == nil || buf.Discont {
		t.Fatalf("steady read: got %v, %v", buf, err)
	}
	if s.State() != StateSteady {
		t.Errorf("state %v, want steady", s.State())
	}
}
