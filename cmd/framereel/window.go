package main

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/inpututil"

	"github.com/e7canasta/framereel"
	"github.com/e7canasta/framereel/internal/eventbus"
	"github.com/e7canasta/framereel/internal/playback"
)

// window shows the output surface and drives playback from the display
// refresh: every Update fires the pending frame callbacks.
type window struct {
	req    *playback.ManualRequester
	width  int
	height int
	start  time.Time

	ctx     context.Context
	player  *framereel.Player
	out     *framereel.Surface
	latest  eventbus.Receiver
	errChan <-chan error
	runErr  error
	ended   bool

	tex      *ebiten.Image
	progress float64
	titleAt  time.Time
}

func newWindow(req *playback.ManualRequester, width, height int) *window {
	return &window{req: req, width: width, height: height}
}

// run blocks on the main goroutine until the window closes, ctx ends or
// the playback loop returns.
func (w *window) run(ctx context.Context, p *framereel.Player, out *framereel.Surface, errChan <-chan error) error {
	w.ctx, w.player, w.out, w.errChan = ctx, p, out, errChan

	latest, err := p.Events().SubscribeLatest("window")
	if err != nil {
		return fmt.Errorf("subscribe window: %w", err)
	}
	w.latest = latest
	defer latest.Close()

	ebiten.SetWindowSize(w.width, w.height)
	ebiten.SetWindowTitle("framereel")
	ebiten.SetWindowResizable(true)
	ebiten.SetRunnableOnUnfocused(true)
	ebiten.SetVsyncEnabled(true)
	ebiten.SetWindowClosingHandled(true)

	w.start = time.Now()
	if err := ebiten.RunGame(w); err != nil {
		return err
	}
	if !w.ended {
		// Closed by the user: let the loop observe the stop.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := p.Stop(ctx); err != nil {
			slog.Warn("stop on window close failed", "error", err)
		}
	}
	return w.runErr
}

func (w *window) Update() error {
	if ebiten.IsWindowBeingClosed() || inpututil.IsKeyJustPressed(ebiten.KeyEscape) {
		return ebiten.Termination
	}
	select {
	case <-w.ctx.Done():
		return ebiten.Termination
	case err := <-w.errChan:
		w.runErr, w.ended = err, true
		return ebiten.Termination
	default:
	}

	w.req.Fire(time.Since(w.start))

	if ev, ok := w.latest.TryReceive(); ok && ev.Type == eventbus.Progress {
		w.progress = ev.Progress
	}
	if now := time.Now(); now.Sub(w.titleAt) >= 250*time.Millisecond {
		w.titleAt = now
		fps := 0
		if s := w.player.Session(); s != nil {
			fps = s.FPS()
		}
		ebiten.SetWindowTitle(fmt.Sprintf("framereel %3.0f%%  %d fps", w.progress*100, fps))
	}
	return nil
}

func (w *window) Draw(screen *ebiten.Image) {
	if w.tex == nil {
		w.tex = ebiten.NewImage(w.width, w.height)
	}
	w.out.View(func(img *image.RGBA) {
		if img == nil || img.Rect.Dx() != w.width || img.Rect.Dy() != w.height {
			return
		}
		w.tex.WritePixels(img.Pix)
	})
	screen.DrawImage(w.tex, nil)
}

func (w *window) Layout(_, _ int) (int, int) {
	return w.width, w.height
}
