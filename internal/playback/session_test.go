package playback

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync/atomic"
	"testing"
	"time"

	"github.com/e7canasta/framereel/internal/eventbus"
	"github.com/e7canasta/framereel/internal/slot"
	"github.com/e7canasta/framereel/internal/surface"
)

var errBoom = errors.New("boom")

type fakeMounter struct {
	pool      *surface.Pool
	mounts    atomic.Int32
	gate      chan struct{}
	failAfter int32 // fail every mount after this many, 0 = never
	waitCtx   bool  // block until ctx is done
}

func newFakeMounter() *fakeMounter { return &fakeMounter{pool: surface.NewPool()} }

func (f *fakeMounter) Mount(ctx context.Context, source string) (*surface.Surface, error) {
	n := f.mounts.Add(1)
	if f.waitCtx {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.gate != nil {
		<-f.gate
	}
	if f.failAfter > 0 && n > f.failAfter {
		return nil, errBoom
	}
	s := f.pool.Acquire(surface.KindOnScreen)
	s.Blit(image.NewRGBA(image.Rect(0, 0, 4, 4)))
	return s, nil
}

func (f *fakeMounter) Unmount(s *surface.Surface) error {
	f.pool.Release(s)
	return nil
}

func newTestSession(t *testing.T, m slot.Mounter, req FrameRequester, preload int, opts ...func(*Params)) *Session {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PreloadCount = preload
	p := Params{
		Output:    surface.NewSized(surface.KindOnScreen, 16, 16),
		Source:    "frames/a.jpg",
		Mounter:   m,
		Requester: req,
		Config:    cfg,
		Mode:      "local",
	}
	for _, o := range opts {
		o(&p)
	}
	s, err := NewSession(p)
	if err != nil {
		t.Fatalf("NewSession() failed: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func allUnmounted(s *Session) bool {
	for _, sl := range s.Slots() {
		if sl.State() != slot.Unmounted {
			return false
		}
	}
	return true
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func TestFrameIndex(t *testing.T) {
	tests := []struct {
		elapsed time.Duration
		want    int
	}{
		{-ms(5), 0},
		{0, 0},
		{ms(99), 0},
		{ms(100), 1},
		{ms(4899), 48},
		{ms(4999), 49},
		{ms(5000), 49},
		{ms(9999), 49},
	}
	for _, tt := range tests {
		if got := FrameIndex(tt.elapsed, DefaultFrameDuration, DefaultFrameCount); got != tt.want {
			t.Errorf("FrameIndex(%s) = %d, want %d", tt.elapsed, got, tt.want)
		}
	}
}

func TestNewSessionValidates(t *testing.T) {
	base := Params{
		Output:    surface.New(surface.KindOnScreen),
		Mounter:   newFakeMounter(),
		Requester: NewManualRequester(),
		Config:    DefaultConfig(),
	}
	bad := []func(*Params){
		func(p *Params) { p.Output = nil },
		func(p *Params) { p.Config.FrameCount = 0 },
		func(p *Params) { p.Config.FrameDuration = 0 },
		func(p *Params) { p.Config.PreloadCount = -1 },
	}
	for i, mutate := range bad {
		p := base
		mutate(&p)
		if _, err := NewSession(p); err == nil {
			t.Errorf("case %d: NewSession() should fail", i)
		}
	}
}

func TestPlayMountsFirstFrameBeforeStepping(t *testing.T) {
	m := newFakeMounter()
	req := NewManualRequester()
	s := newTestSession(t, m, req, 0)

	if err := s.Play(context.Background()); err != nil {
		t.Fatalf("Play() failed: %v", err)
	}
	if !s.Slots()[0].IsMounted() {
		t.Fatal("slot 0 should be mounted when Play returns")
	}
	if req.Pending() != 1 {
		t.Fatalf("Play() should schedule exactly one step, pending = %d", req.Pending())
	}

	req.Fire(0)
	if r := s.Report(); r.Frames != 1 || r.LastIndex != 0 {
		t.Errorf("report = %+v, want one frame of slot 0", r)
	}
	if err := s.Play(context.Background()); err == nil {
		t.Error("second Play() on the same session should fail")
	}
}

func TestLastSlotAt4999(t *testing.T) {
	m := newFakeMounter()
	req := NewManualRequester()
	s := newTestSession(t, m, req, 0)
	if err := s.Play(context.Background()); err != nil {
		t.Fatalf("Play() failed: %v", err)
	}

	req.Fire(0)
	req.Fire(ms(4999)) // renders slot 0, then elapsed = 4999ms
	req.Fire(ms(4999)) // slot 49 not ready: starts its mount and stalls
	last := s.Slots()[49]
	waitFor(t, "slot 49 mounted", last.IsMounted)
	req.Fire(ms(4999))

	r := s.Report()
	if r.LastIndex != 49 {
		t.Errorf("LastIndex = %d, want 49", r.LastIndex)
	}
	if r.Elapsed != ms(4999) {
		t.Errorf("Elapsed = %s, want 4.999s", r.Elapsed)
	}
	if r.Stalls != 1 {
		t.Errorf("Stalls = %d, want 1", r.Stalls)
	}
	waitFor(t, "slot 0 recycled", func() bool { return s.Slots()[0].State() == slot.Unmounted })
}

func TestCompletionReportsOneWithoutRendering(t *testing.T) {
	m := newFakeMounter()
	req := NewManualRequester()
	var progress []float64
	s := newTestSession(t, m, req, 0, func(p *Params) {
		p.OnProgress = func(v float64) { progress = append(progress, v) }
	})
	if err := s.Play(context.Background()); err != nil {
		t.Fatalf("Play() failed: %v", err)
	}

	req.Fire(0)
	req.Fire(ms(5001)) // renders at elapsed 0, then elapsed = 5001ms
	framesBefore := s.Report().Frames
	req.Fire(ms(5002))

	select {
	case <-s.Done():
	default:
		t.Fatal("session should be done after passing the total duration")
	}
	r := s.Report()
	if r.Frames != framesBefore {
		t.Errorf("completion step rendered a frame: %d -> %d", framesBefore, r.Frames)
	}
	if r.Outcome != eventbus.Completed || r.Err != nil {
		t.Errorf("outcome = %s err = %v, want completed", r.Outcome, r.Err)
	}
	if len(progress) == 0 || progress[len(progress)-1] != 1.0 {
		t.Fatalf("progress = %v, want to end at 1.0", progress)
	}
	if req.Pending() != 0 {
		t.Errorf("completed session should not reschedule, pending = %d", req.Pending())
	}
}

func TestStallDoesNotAdvanceClock(t *testing.T) {
	m := newFakeMounter()
	req := NewManualRequester()
	s := newTestSession(t, m, req, 0)
	if err := s.Play(context.Background()); err != nil {
		t.Fatalf("Play() failed: %v", err)
	}
	m.gate = make(chan struct{})

	req.Fire(0)
	req.Fire(ms(150)) // elapsed 0 -> 150ms
	req.Fire(ms(200)) // slot 1 missing: mount starts, clock holds
	req.Fire(ms(1000))

	if r := s.Report(); r.Elapsed != ms(150) || r.Stalls != 2 {
		t.Fatalf("report = elapsed %s stalls %d, want 150ms and 2", r.Elapsed, r.Stalls)
	}
	if n := m.mounts.Load(); n != 2 {
		t.Errorf("mounts = %d, want 2 (no duplicate mount while stalled)", n)
	}

	close(m.gate)
	waitFor(t, "slot 1 mounted", s.Slots()[1].IsMounted)
	req.Fire(ms(1016))
	r := s.Report()
	if r.LastIndex != 1 || r.Elapsed != ms(166) {
		t.Errorf("report = index %d elapsed %s, want 1 and 166ms", r.LastIndex, r.Elapsed)
	}
}

func TestStopLeavesEverySlotUnmounted(t *testing.T) {
	m := newFakeMounter()
	req := NewManualRequester()
	bus := eventbus.New()
	defer bus.Close()
	events := make(chan eventbus.Event, 256)
	bus.Subscribe("test", events)

	s := newTestSession(t, m, req, 5, func(p *Params) { p.Events = bus })
	if err := s.Play(context.Background()); err != nil {
		t.Fatalf("Play() failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		req.Fire(ms(16 * i))
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if !allUnmounted(s) {
		t.Fatal("every slot should be unmounted after Stop")
	}
	if r := s.Report(); r.Outcome != eventbus.Stopped {
		t.Errorf("outcome = %s, want stopped", r.Outcome)
	}
	if req.Fire(ms(500)) != 1 || s.Report().Frames == 0 {
		t.Error("the step queued before Stop should run and do nothing")
	}
	if req.Pending() != 0 {
		t.Error("a stopped session must not reschedule")
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop() = %v", err)
	}

	bus.Unsubscribe("test")
	close(events)
	var types []eventbus.Type
	for ev := range events {
		types = append(types, ev.Type)
	}
	if types[0] != eventbus.Started || types[len(types)-1] != eventbus.Stopped {
		t.Errorf("events = %v, want started ... stopped", types)
	}
}

func TestStopDuringPrefetchMounts(t *testing.T) {
	m := newFakeMounter()
	req := NewManualRequester()
	s := newTestSession(t, m, req, 4)
	if err := s.Play(context.Background()); err != nil {
		t.Fatalf("Play() failed: %v", err)
	}

	m.gate = make(chan struct{})
	req.Fire(0)
	for i := 1; i <= 4; i++ {
		sl := s.Slots()[i]
		waitFor(t, fmt.Sprintf("slot %d mounting", i), sl.IsMounting)
	}
	if fps := s.FPS(); fps != 1 {
		t.Errorf("FPS() = %d, want 1 after one presented frame", fps)
	}

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop() }()
	waitFor(t, "stop requested", func() bool {
		s.stepMu.Lock()
		defer s.stepMu.Unlock()
		return !s.playing
	})
	close(m.gate)

	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return after the mounts finished")
	}
	if !allUnmounted(s) {
		t.Fatal("every slot should be unmounted after Stop, including the ones mid-mount")
	}
	if st := m.pool.Stats(); st.SurfacesFree != int(st.SurfacesCreated) {
		t.Errorf("pool stats = %+v, want every surface back", st)
	}
	if fps := s.FPS(); fps != 0 {
		t.Errorf("FPS() after Stop = %d, want 0", fps)
	}
	t.Logf("✅ %d mounts, all slots unmounted", m.mounts.Load())
}

func TestPlayThenImmediateStop(t *testing.T) {
	m := newFakeMounter()
	m.gate = make(chan struct{})
	req := NewManualRequester()
	s := newTestSession(t, m, req, 0)

	played := make(chan error, 1)
	go func() { played <- s.Play(context.Background()) }()
	waitFor(t, "slot 0 mounting", s.Slots()[0].IsMounting)

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop() }()
	waitFor(t, "stop requested", func() bool {
		s.stepMu.Lock()
		defer s.stepMu.Unlock()
		return !s.playing
	})
	close(m.gate)

	if err := <-played; !errors.Is(err, ErrStopped) {
		t.Errorf("Play() = %v, want ErrStopped", err)
	}
	if err := <-stopped; err != nil {
		t.Errorf("Stop() = %v", err)
	}
	if !allUnmounted(s) {
		t.Error("all slots should end unmounted")
	}
	if req.Pending() != 0 {
		t.Error("no step should be scheduled")
	}
}

func TestStopBeforePlay(t *testing.T) {
	s := newTestSession(t, newFakeMounter(), NewManualRequester(), 0)
	s.Stop()
	if err := s.Play(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("Play() after Stop = %v, want ErrStopped", err)
	}
}

func TestPrefetchFailureIsSwallowedButDisplayedFailureEnds(t *testing.T) {
	m := newFakeMounter()
	m.failAfter = 1
	req := NewManualRequester()
	s := newTestSession(t, m, req, 1)
	if err := s.Play(context.Background()); err != nil {
		t.Fatalf("Play() failed: %v", err)
	}

	req.Fire(0) // renders slot 0, prefetch of slot 1 fails in the background
	waitFor(t, "prefetch attempt", func() bool { return m.mounts.Load() >= 2 })
	select {
	case <-s.Done():
		t.Fatal("a failed prefetch must not end the session")
	case <-time.After(10 * time.Millisecond):
	}

	req.Fire(ms(150))
	for i := 0; i < 2000; i++ {
		select {
		case <-s.Done():
			if err := s.Err(); !errors.Is(err, errBoom) {
				t.Fatalf("Err() = %v, want boom", err)
			}
			if s.Report().Outcome != eventbus.Failed {
				t.Errorf("outcome = %s, want failed", s.Report().Outcome)
			}
			return
		default:
		}
		req.Fire(ms(160))
		time.Sleep(time.Millisecond)
	}
	t.Fatal("failure of the displayed frame should end the session")
}

func TestDecodeTimeout(t *testing.T) {
	m := newFakeMounter()
	m.waitCtx = true
	s := newTestSession(t, m, NewManualRequester(), 0, func(p *Params) {
		p.Config.DecodeTimeout = 20 * time.Millisecond
	})

	err := s.Play(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Play() = %v, want deadline exceeded", err)
	}
	<-s.Done()
	if s.Report().Outcome != eventbus.Failed {
		t.Errorf("outcome = %s, want failed", s.Report().Outcome)
	}
}

func TestProgressMonotonicToCompletion(t *testing.T) {
	m := newFakeMounter()
	req := NewManualRequester()
	var progress []float64
	s := newTestSession(t, m, req, 2, func(p *Params) {
		p.OnProgress = func(v float64) { progress = append(progress, v) }
	})
	if err := s.Play(context.Background()); err != nil {
		t.Fatalf("Play() failed: %v", err)
	}

	ts := time.Duration(0)
loop:
	for i := 0; i < 100000; i++ {
		select {
		case <-s.Done():
			break loop
		default:
		}
		req.Fire(ts)
		ts += 16 * time.Millisecond
		time.Sleep(50 * time.Microsecond)
	}

	select {
	case <-s.Done():
	default:
		t.Fatal("session never completed")
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] {
			t.Fatalf("progress decreased at %d: %v -> %v", i, progress[i-1], progress[i])
		}
	}
	if progress[len(progress)-1] != 1.0 {
		t.Errorf("final progress = %v, want 1.0", progress[len(progress)-1])
	}
	r := s.Report()
	t.Logf("✅ completed: frames=%d stalls=%d fps_mean=%.1f", r.Frames, r.Stalls, r.FPS.FPSMean)

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if !allUnmounted(s) {
		t.Error("every slot should be unmounted after Stop")
	}
}

func TestTaskSetShutdown(t *testing.T) {
	var ts TaskSet
	release := make(chan struct{})
	var ran atomic.Int32
	for i := 0; i < 3; i++ {
		ts.Go(func() {
			<-release
			ran.Add(1)
		})
	}

	shut := make(chan struct{})
	go func() {
		ts.Shutdown()
		close(shut)
	}()
	select {
	case <-shut:
		t.Fatal("Shutdown returned before tasks finished")
	case <-time.After(10 * time.Millisecond):
	}
	close(release)
	<-shut

	if ran.Load() != 3 {
		t.Errorf("ran = %d, want 3", ran.Load())
	}
	if ts.Go(func() {}) {
		t.Error("Go after Shutdown should refuse")
	}
}

func TestTickerRequesterFires(t *testing.T) {
	r := NewTickerRequester(200)
	defer r.Stop()

	got := make(chan time.Duration, 1)
	r.RequestFrame(func(ts time.Duration) { got <- ts })
	select {
	case ts := <-got:
		if ts <= 0 {
			t.Errorf("timestamp = %s, want positive", ts)
		}
	case <-time.After(time.Second):
		t.Fatal("ticker never fired")
	}
}
