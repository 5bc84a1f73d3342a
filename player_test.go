package framereel

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"testing"
	"testing/fstest"
	"time"

	"github.com/e7canasta/framereel/internal/codec"
	"github.com/e7canasta/framereel/internal/playback"
)

func testFS(t *testing.T) codec.FSFetcher {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 16, 9))); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return codec.FSFetcher{FS: fstest.MapFS{
		"frame.png":  {Data: buf.Bytes()},
		"broken.jpg": {Data: []byte("not an image")},
	}}
}

func newTestPlayer(t *testing.T, frames int, opts ...Option) (*Player, *playback.ManualRequester) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.FrameCount = frames

	req := playback.NewManualRequester()
	opts = append([]Option{WithFetcher(testFS(t)), WithRequester(req)}, opts...)
	p, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p, req
}

func TestPlayerPlaysToCompletion(t *testing.T) {
	reports := make(chan Report, 1)
	p, req := newTestPlayer(t, 3, WithOnFinish(func(r Report) { reports <- r }))

	events := make(chan Event, 256)
	if err := p.Events().Subscribe("test", events); err != nil {
		t.Fatal(err)
	}

	out := NewOutput(32, 18)
	s, err := p.Play(context.Background(), out, "frame.png")
	if err != nil {
		t.Fatalf("Play() failed: %v", err)
	}

	ts := time.Duration(0)
loop:
	for i := 0; i < 400; i++ {
		select {
		case <-s.Done():
			break loop
		default:
		}
		req.Fire(ts)
		ts += 50 * time.Millisecond
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("Wait() = %v, want nil", err)
	}

	r := <-reports
	if r.Outcome != EventCompleted || r.Progress != 1 {
		t.Errorf("report = %+v, want completed at progress 1", r)
	}
	for _, sl := range s.Slots() {
		if sl.IsMounted() {
			t.Errorf("slot %d still mounted after completion", sl.Index())
		}
	}

	var started, completed bool
	for len(events) > 0 {
		ev := <-events
		started = started || ev.Type == EventStarted
		completed = completed || ev.Type == EventCompleted
	}
	if !started || !completed {
		t.Errorf("events: started=%v completed=%v", started, completed)
	}
	t.Logf("✅ completed after %d frames, %d stalls", r.Frames, r.Stalls)
}

func TestPlayerTransfersOnce(t *testing.T) {
	p, _ := newTestPlayer(t, 50)
	out := NewOutput(32, 18)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := p.Play(ctx, out, "frame.png", WithMode(ModeWorkerTransfer), WithPreload(0)); err != nil {
			t.Fatalf("Play #%d failed: %v", i+1, err)
		}
		if err := p.Stop(ctx); err != nil {
			t.Fatalf("Stop #%d failed: %v", i+1, err)
		}
	}

	if got := p.Transfers(); got != 1 {
		t.Errorf("Transfers() = %d, want 1 across two sessions", got)
	}
	if st := p.PoolStats(); st.SurfacesCreated != 1 || st.SurfacesReused != 1 {
		t.Errorf("pool = %+v, want one surface created and reused once", st)
	}
	t.Logf("✅ one transfer across two sessions")
}

func TestPlayerPlayStopsPrevious(t *testing.T) {
	p, _ := newTestPlayer(t, 50)
	out := NewOutput(32, 18)
	ctx := context.Background()

	first, err := p.Play(ctx, out, "frame.png")
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.Play(ctx, out, "frame.png", WithMode(ModeWorkerDecodeOnly))
	if err != nil {
		t.Fatalf("second Play() failed: %v", err)
	}

	select {
	case <-first.Done():
	default:
		t.Fatal("first session should be done once the second starts")
	}
	if r := first.Report(); r.Outcome != EventStopped {
		t.Errorf("first outcome = %s, want stopped", r.Outcome)
	}
	for _, sl := range first.Slots() {
		if sl.IsMounted() || sl.IsMounting() {
			t.Errorf("slot %d of the first session still busy", sl.Index())
		}
	}
	if p.Session() != second {
		t.Error("Session() should return the newest session")
	}
}

func TestPlayerFirstFrameFailure(t *testing.T) {
	p, _ := newTestPlayer(t, 50)
	ctx := context.Background()

	_, err := p.Play(ctx, NewOutput(8, 8), "broken.jpg")
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("Play() = %v, want ErrUnsupportedFormat", err)
	}
	var de *DecodeError
	if !errors.As(err, &de) || de.Source == "" {
		t.Errorf("Play() = %v, want a DecodeError naming the source", err)
	}

	wctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := p.Wait(wctx); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("Wait() = %v, want the failure", err)
	}
}

func TestPlayerWorkerDisabled(t *testing.T) {
	cfg := DefaultConfig()
	disabled := false
	cfg.Worker.Enabled = &disabled

	p, err := New(cfg, WithFetcher(testFS(t)), WithRequester(playback.NewManualRequester()))
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	for _, m := range []Mode{ModeWorkerTransfer, ModeWorkerDecodeOnly} {
		if _, err := p.Play(context.Background(), NewOutput(8, 8), "frame.png", WithMode(m)); !errors.Is(err, ErrUnsupportedOperation) {
			t.Errorf("Play(%s) = %v, want ErrUnsupportedOperation", m, err)
		}
	}
}

func TestPlayerClosed(t *testing.T) {
	p, _ := newTestPlayer(t, 5)
	if err := p.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if _, err := p.Play(context.Background(), NewOutput(8, 8), "frame.png"); !errors.Is(err, ErrPlayerClosed) {
		t.Errorf("Play() after Close = %v, want ErrPlayerClosed", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
}

func TestSessionConfig(t *testing.T) {
	cfg := DefaultConfig()
	sc := SessionConfig(cfg)
	if sc.FrameCount != 50 || sc.FrameDuration != 100*time.Millisecond || sc.PreloadCount != 2 {
		t.Errorf("SessionConfig() = %+v", sc)
	}
	if sc.TotalDuration() != 5*time.Second {
		t.Errorf("TotalDuration() = %s, want 5s", sc.TotalDuration())
	}
}
