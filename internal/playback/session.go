// Package playback drives a frame sequence against the display refresh.
//
// Each refresh runs one step:
//
//  1. elapsed past the total duration: report progress 1 and finish.
//  2. the slot for elapsed is not mounted: start mounting it if nobody
//     does, and wait for the next refresh without advancing the clock.
//  3. otherwise: unmount the previous slot in the background, render the
//     current one zoomed by its position within the frame, start mounting
//     the next PreloadCount slots, report progress, and advance elapsed by
//     the time since the previous refresh.
//
// Mounts and unmounts run as tracked background tasks. Stop refuses new
// ones, waits for the running ones and unmounts every slot, so nothing is
// left in flight once it returns.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/e7canasta/framereel/internal/eventbus"
	"github.com/e7canasta/framereel/internal/slot"
	"github.com/e7canasta/framereel/internal/stats"
	"github.com/e7canasta/framereel/internal/surface"
)

// ErrStopped is returned by Play when Stop won the race against the first
// frame.
var ErrStopped = errors.New("playback: stopped")

const (
	DefaultFrameCount    = 50
	DefaultFrameDuration = 100 * time.Millisecond
	DefaultPreloadCount  = 2
)

// Config holds the timing of a sequence.
type Config struct {
	FrameCount    int
	FrameDuration time.Duration
	PreloadCount  int

	// DecodeTimeout bounds every mount. Zero waits forever.
	DecodeTimeout time.Duration
}

// DefaultConfig returns 50 frames of 100ms with two frames of look-ahead.
func DefaultConfig() Config {
	return Config{
		FrameCount:    DefaultFrameCount,
		FrameDuration: DefaultFrameDuration,
		PreloadCount:  DefaultPreloadCount,
	}
}

// TotalDuration is FrameCount × FrameDuration.
func (c Config) TotalDuration() time.Duration {
	return time.Duration(c.FrameCount) * c.FrameDuration
}

func (c Config) validate() error {
	switch {
	case c.FrameCount <= 0:
		return fmt.Errorf("frame count must be positive, got %d", c.FrameCount)
	case c.FrameDuration <= 0:
		return fmt.Errorf("frame duration must be positive, got %s", c.FrameDuration)
	case c.PreloadCount < 0:
		return fmt.Errorf("preload count must not be negative, got %d", c.PreloadCount)
	case c.DecodeTimeout < 0:
		return fmt.Errorf("decode timeout must not be negative, got %s", c.DecodeTimeout)
	}
	return nil
}

// FrameIndex returns the slot shown at elapsed. It floors and clamps to the
// last slot, never failing on overrun.
func FrameIndex(elapsed, frameDuration time.Duration, frameCount int) int {
	if elapsed < 0 {
		return 0
	}
	return min(int(elapsed/frameDuration), frameCount-1)
}

func clamp01(v float64) float64 { return min(max(v, 0), 1) }

// Publisher receives session events. eventbus.Bus implements it.
type Publisher interface {
	Publish(ev eventbus.Event)
}

// Params are the collaborators of one session.
type Params struct {
	Output    *surface.Surface
	Source    string
	Mounter   slot.Mounter
	Requester FrameRequester
	Config    Config

	// Mode labels the decode strategy in logs and reports.
	Mode string

	// OnProgress, when set, receives every progress report in [0, 1].
	// It runs on the refresh goroutine outside any session lock.
	OnProgress func(progress float64)
	Events     Publisher
	Logger     *slog.Logger
	Clock      func() time.Time
}

// Report summarizes a session.
type Report struct {
	Session   string
	Source    string
	Mode      string
	Outcome   eventbus.Type
	Err       error
	Frames    int
	Stalls    int
	LastIndex int
	Progress  float64
	Elapsed   time.Duration
	Started   time.Time
	Wall      time.Duration
	FPS       stats.FPSStats
}

// Session is one playback of a sequence. It is single use: Play once, Stop
// any number of times.
type Session struct {
	id     string
	p      Params
	slots  []*slot.Slot
	tasks  TaskSet
	meter  *stats.Meter
	logger *slog.Logger

	stepMu     sync.Mutex
	started    bool
	playing    bool
	stalled    bool
	elapsed    time.Duration
	lastTS     time.Duration
	hasLast    bool
	active     *slot.Slot
	lastIndex  int
	progress   float64
	stalls     int
	frameTimes []time.Time
	startedAt  time.Time
	endedAt    time.Time
	outcome    eventbus.Type
	err        error

	done       chan struct{}
	finishOnce sync.Once

	stopOnce sync.Once
	stopped  chan struct{}
	stopErr  error
}

// NewSession prepares a session with one unmounted slot per frame.
func NewSession(p Params) (*Session, error) {
	if p.Output == nil || p.Mounter == nil || p.Requester == nil {
		return nil, errors.New("playback: output, mounter and requester are required")
	}
	if err := p.Config.validate(); err != nil {
		return nil, fmt.Errorf("playback: %w", err)
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Clock == nil {
		p.Clock = time.Now
	}

	id := uuid.NewString()
	s := &Session{
		id:        id,
		p:         p,
		slots:     make([]*slot.Slot, p.Config.FrameCount),
		meter:     stats.NewMeter(),
		logger:    p.Logger.With("session_id", id),
		lastIndex: -1,
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	for i := range s.slots {
		s.slots[i] = slot.New(i)
	}
	return s, nil
}

// ID returns the unique session id.
func (s *Session) ID() string { return s.id }

// Slots returns the frame slots in index order.
func (s *Session) Slots() []*slot.Slot { return s.slots }

// Done is closed when the session completes, fails or is stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the failure that ended the session, if any.
func (s *Session) Err() error {
	s.stepMu.Lock()
	defer s.stepMu.Unlock()
	return s.err
}

// FPS returns the frames rendered during the last second.
func (s *Session) FPS() int { return s.meter.FPS(s.p.Clock()) }

// Play mounts the first frame, then hands the session to the refresh loop.
// It returns once the first frame is ready, or ErrStopped when Stop came
// first.
func (s *Session) Play(ctx context.Context) error {
	s.stepMu.Lock()
	if s.started {
		s.stepMu.Unlock()
		return errors.New("playback: session already played")
	}
	s.started, s.playing = true, true
	s.elapsed, s.hasLast = 0, false
	s.startedAt = s.p.Clock()
	s.stepMu.Unlock()

	s.logger.Info("playback starting",
		"source", s.p.Source,
		"decode_mode", s.p.Mode,
		"frames", s.p.Config.FrameCount,
		"preload", s.p.Config.PreloadCount,
	)

	errc := make(chan error, 1)
	if !s.tasks.Go(func() { errc <- s.mount(ctx, 0) }) {
		s.stepMu.Lock()
		s.playing = false
		s.stepMu.Unlock()
		return ErrStopped
	}
	if err := <-errc; err != nil {
		err = fmt.Errorf("mount first frame: %w", err)
		s.fail(err)
		return err
	}

	s.stepMu.Lock()
	if !s.playing {
		s.stepMu.Unlock()
		return ErrStopped
	}
	s.p.Requester.RequestFrame(s.step)
	s.stepMu.Unlock()

	s.publish(eventbus.Event{Type: eventbus.Started})
	return nil
}

type stepResult struct {
	progress float64
	report   bool
	complete bool
}

func (s *Session) step(ts time.Duration) {
	r := s.advance(ts)
	if r.report {
		s.reportProgress(r.progress)
	}
	if r.complete {
		s.finish(eventbus.Completed, nil)
	}
}

func (s *Session) advance(ts time.Duration) stepResult {
	s.stepMu.Lock()
	defer s.stepMu.Unlock()

	if !s.playing {
		return stepResult{}
	}

	cfg := s.p.Config
	total := cfg.TotalDuration()
	if s.elapsed > total {
		s.playing = false
		return stepResult{progress: 1, report: true, complete: true}
	}

	index := FrameIndex(s.elapsed, cfg.FrameDuration, cfg.FrameCount)
	cur := s.slots[index]

	if !cur.IsMounted() {
		if !cur.IsMounting() {
			s.mountAsync(index, true)
		}
		s.stalls++
		if !s.stalled {
			s.stalled = true
			s.publish(eventbus.Event{Type: eventbus.Stalled, Index: index})
		}
		s.lastTS, s.hasLast = ts, true
		s.p.Requester.RequestFrame(s.step)
		return stepResult{}
	}
	s.stalled = false

	if prev := s.active; prev != nil && prev != cur {
		s.tasks.Go(func() {
			if err := prev.Unmount(); err != nil {
				s.logger.Warn("unmount failed", "slot", prev.Index(), "error", err)
			}
		})
	}
	s.active = cur

	within := clamp01(float64(s.elapsed-time.Duration(index)*cfg.FrameDuration) / float64(cfg.FrameDuration))
	drawn, err := cur.Render(s.p.Output, within)
	if err != nil {
		s.logger.Error("render failed", "slot", index, "error", err)
	}
	if drawn {
		now := s.p.Clock()
		s.frameTimes = append(s.frameTimes, now)
		s.meter.Tick(now)
		s.lastIndex = index
	}

	for i := 1; i <= cfg.PreloadCount; i++ {
		next := min(index+i, cfg.FrameCount-1)
		if sl := s.slots[next]; !sl.IsMounted() && !sl.IsMounting() {
			s.mountAsync(next, false)
		}
	}

	progress := clamp01(float64(s.elapsed) / float64(total))
	s.p.Requester.RequestFrame(s.step)

	if s.hasLast && ts > s.lastTS {
		s.elapsed += ts - s.lastTS
	}
	s.lastTS, s.hasLast = ts, true

	return stepResult{progress: progress, report: true}
}

// mountAsync mounts slot index in the background. A failed required mount
// ends the session; a failed prefetch is only logged.
func (s *Session) mountAsync(index int, required bool) {
	s.tasks.Go(func() {
		err := s.mount(context.Background(), index)
		switch {
		case err == nil:
		case required:
			s.logger.Error("mount of displayed frame failed", "slot", index, "error", err)
			s.fail(fmt.Errorf("mount frame %d: %w", index, err))
		default:
			s.logger.Warn("prefetch failed", "slot", index, "error", err)
		}
	})
}

func (s *Session) mount(ctx context.Context, index int) error {
	if d := s.p.Config.DecodeTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	return s.slots[index].Mount(ctx, s.p.Mounter, s.p.Source)
}

func (s *Session) reportProgress(p float64) {
	s.stepMu.Lock()
	if p < s.progress {
		p = s.progress
	}
	s.progress = p
	elapsed, index := s.elapsed, s.lastIndex
	s.stepMu.Unlock()

	if s.p.OnProgress != nil {
		s.p.OnProgress(p)
	}
	s.publish(eventbus.Event{Type: eventbus.Progress, Progress: p, Index: index, Elapsed: elapsed})
}

func (s *Session) fail(err error) {
	s.stepMu.Lock()
	wasPlaying := s.playing
	s.playing = false
	s.stepMu.Unlock()
	if wasPlaying {
		s.finish(eventbus.Failed, err)
	}
}

// finish records the outcome once and closes Done.
func (s *Session) finish(outcome eventbus.Type, err error) {
	s.finishOnce.Do(func() {
		s.stepMu.Lock()
		s.outcome, s.err = outcome, err
		s.endedAt = s.p.Clock()
		progress := s.progress
		s.stepMu.Unlock()

		s.logger.Info("playback finished", "outcome", string(outcome), "progress", progress, "error", err)
		s.publish(eventbus.Event{Type: outcome, Progress: progress, Err: err})
		close(s.done)
	})
}

// Stop ends playback and waits until every slot is unmounted. In-flight
// decodes are not aborted: Stop waits for them and unmounts their result.
// It is safe to call more than once and from OnProgress.
func (s *Session) Stop() error {
	s.stopOnce.Do(func() {
		s.stepMu.Lock()
		s.playing = false
		s.stepMu.Unlock()

		s.tasks.Shutdown()

		var g errgroup.Group
		for _, sl := range s.slots {
			sl := sl
			g.Go(func() error {
				if err := sl.Unmount(); err != nil {
					s.logger.Warn("unmount failed", "slot", sl.Index(), "error", err)
					return fmt.Errorf("unmount frame %d: %w", sl.Index(), err)
				}
				return nil
			})
		}
		s.stopErr = g.Wait()
		s.meter.Reset()

		s.finish(eventbus.Stopped, nil)
		close(s.stopped)
	})
	<-s.stopped
	return s.stopErr
}

// Report returns a snapshot of the session statistics.
func (s *Session) Report() Report {
	s.stepMu.Lock()
	defer s.stepMu.Unlock()

	end := s.endedAt
	if end.IsZero() {
		end = s.p.Clock()
	}
	r := Report{
		Session:   s.id,
		Source:    s.p.Source,
		Mode:      s.p.Mode,
		Outcome:   s.outcome,
		Err:       s.err,
		Frames:    len(s.frameTimes),
		Stalls:    s.stalls,
		LastIndex: s.lastIndex,
		Progress:  s.progress,
		Elapsed:   s.elapsed,
		Started:   s.startedAt,
	}
	if !s.startedAt.IsZero() {
		r.Wall = end.Sub(s.startedAt)
		r.FPS = stats.CalculateFPSStats(s.frameTimes, r.Wall)
	}
	return r
}

func (s *Session) publish(ev eventbus.Event) {
	if s.p.Events == nil {
		return
	}
	ev.Session = s.id
	if ev.At.IsZero() {
		ev.At = s.p.Clock()
	}
	s.p.Events.Publish(ev)
}
