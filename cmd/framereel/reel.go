package main

import (
	"context"
	"errors"
	"sync"

	"github.com/e7canasta/framereel"
	"github.com/e7canasta/framereel/internal/control"
)

// reel plays the current request in a loop. Remote commands replace the
// request or pause the loop.
type reel struct {
	p   *framereel.Player
	out *framereel.Surface

	mu      sync.Mutex
	req     control.PlayRequest
	paused  bool
	restart chan struct{}
}

func newReel(p *framereel.Player, out *framereel.Surface, source string) *reel {
	return &reel{
		p:       p,
		out:     out,
		req:     control.PlayRequest{Source: source},
		restart: make(chan struct{}, 1),
	}
}

// run plays loops sequences, or until ctx ends when loops is 0. A new
// request restarts the count.
func (r *reel) run(ctx context.Context, loops int) error {
	for played := 0; loops <= 0 || played < loops; {
		req, paused := r.current()
		if paused {
			select {
			case <-ctx.Done():
				return nil
			case <-r.restart:
			}
			continue
		}

		opts, err := playOptions(req)
		if err != nil {
			return err
		}
		if _, err := r.p.Play(ctx, r.out, req.Source, opts...); err != nil {
			if errors.Is(err, framereel.ErrStopped) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		waitDone := make(chan error, 1)
		go func() { waitDone <- r.p.Wait(ctx) }()

		select {
		case err := <-waitDone:
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			played++
		case <-r.restart:
			if err := r.p.Stop(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			<-waitDone
			played = 0
		}
	}
	return nil
}

func (r *reel) current() (control.PlayRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.req, r.paused
}

// play replaces the request and restarts playback with it.
func (r *reel) play(req control.PlayRequest) error {
	if _, err := playOptions(req); err != nil {
		return err
	}
	r.mu.Lock()
	r.req, r.paused = req, false
	r.mu.Unlock()

	select {
	case r.restart <- struct{}{}:
	default:
	}
	return nil
}

// pause stops the current sequence and holds the loop until the next play.
func (r *reel) pause(ctx context.Context) error {
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
	return r.p.Stop(ctx)
}

func (r *reel) status() map[string]interface{} {
	req, paused := r.current()
	st := r.p.PoolStats()
	status := map[string]interface{}{
		"source":           req.Source,
		"paused":           paused,
		"transfers":        r.p.Transfers(),
		"surfaces_created": st.SurfacesCreated,
		"surfaces_reused":  st.SurfacesReused,
	}
	if s := r.p.Session(); s != nil {
		rep := s.Report()
		status["session_id"] = rep.Session
		status["progress"] = rep.Progress
		status["fps"] = s.FPS()
	}
	return status
}

func playOptions(req control.PlayRequest) ([]framereel.PlayOption, error) {
	var opts []framereel.PlayOption
	if req.Mode != "" {
		m, err := framereel.ParseMode(req.Mode)
		if err != nil {
			return nil, err
		}
		opts = append(opts, framereel.WithMode(m))
	}
	if req.Preload != nil {
		opts = append(opts, framereel.WithPreload(*req.Preload))
	}
	return opts, nil
}
