package main

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"testing"
	"testing/fstest"
	"time"

	"github.com/e7canasta/framereel"
	"github.com/e7canasta/framereel/internal/codec"
	"github.com/e7canasta/framereel/internal/config"
	"github.com/e7canasta/framereel/internal/control"
	"github.com/e7canasta/framereel/internal/playback"
)

func TestApplyOverrides(t *testing.T) {
	cfg := config.DefaultConfig()
	if err := applyOverrides(cfg, "worker-decode-only", 0); err != nil {
		t.Fatalf("applyOverrides() failed: %v", err)
	}
	if cfg.DecodeMode != "worker-decode-only" || cfg.Preload() != 0 {
		t.Errorf("cfg = %s/%d", cfg.DecodeMode, cfg.Preload())
	}

	cfg = config.DefaultConfig()
	if err := applyOverrides(cfg, "", -1); err != nil || cfg.Preload() != config.DefaultPreloadCount {
		t.Errorf("no overrides changed preload to %d (err %v)", cfg.Preload(), err)
	}
	if err := applyOverrides(config.DefaultConfig(), "gpu", -1); err == nil {
		t.Error("unknown mode should be rejected")
	}
}

func TestReelStopsOnCancel(t *testing.T) {
	p, err := framereel.New(config.DefaultConfig(), framereel.WithRequester(playback.NewManualRequester()))
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	r := newReel(p, framereel.NewOutput(8, 8), "missing.png")
	go func() { done <- r.run(ctx, 0) }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run() = %v, want nil after cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run() did not return after cancel")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReelRemoteCommands(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatal(err)
	}
	fetcher := codec.FSFetcher{FS: fstest.MapFS{
		"a.png": {Data: buf.Bytes()},
		"b.png": {Data: buf.Bytes()},
	}}
	p, err := framereel.New(config.DefaultConfig(),
		framereel.WithFetcher(fetcher),
		framereel.WithRequester(playback.NewManualRequester()))
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	r := newReel(p, framereel.NewOutput(8, 8), "a.png")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.run(ctx, 0) }()

	source := func(want string) func() bool {
		return func() bool {
			s := p.Session()
			return s != nil && s.Report().Source == want
		}
	}
	waitFor(t, "a.png session", source("a.png"))

	if err := r.play(control.PlayRequest{Source: "b.png", Mode: "gpu"}); err == nil {
		t.Error("play() with an unknown mode should fail")
	}
	if err := r.play(control.PlayRequest{Source: "b.png"}); err != nil {
		t.Fatalf("play() failed: %v", err)
	}
	waitFor(t, "b.png session", source("b.png"))

	if err := r.pause(ctx); err != nil {
		t.Fatalf("pause() failed: %v", err)
	}
	if st := r.status(); st["paused"] != true || st["source"] != "b.png" {
		t.Errorf("status = %v", st)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run() did not return after cancel")
	}
}
