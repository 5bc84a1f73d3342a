package framereel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/framereel/internal/backend"
	"github.com/e7canasta/framereel/internal/codec"
	"github.com/e7canasta/framereel/internal/config"
	"github.com/e7canasta/framereel/internal/eventbus"
	"github.com/e7canasta/framereel/internal/playback"
	"github.com/e7canasta/framereel/internal/registry"
	"github.com/e7canasta/framereel/internal/surface"
	"github.com/e7canasta/framereel/internal/worker"
)

// ErrPlayerClosed is returned by Play after Close.
var ErrPlayerClosed = errors.New("framereel: player closed")

// Option configures a Player.
type Option func(*Player)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Player) { p.logger = logger }
}

// WithFetcher sets where image sources are read from. The default reads
// http(s) URLs and local files.
func WithFetcher(f Fetcher) Option {
	return func(p *Player) { p.fetcher = f }
}

// WithRequester drives every session from r instead of an internal ticker
// at refresh_hz. Window loops pass a requester they fire once per frame.
func WithRequester(r FrameRequester) Option {
	return func(p *Player) { p.requester = r }
}

// WithClock replaces time.Now for session statistics and cache busting.
func WithClock(now func() time.Time) Option {
	return func(p *Player) { p.now = now }
}

// WithOnFinish registers fn to receive the report of every session once
// its slots are released.
func WithOnFinish(fn func(Report)) Option {
	return func(p *Player) { p.onFinish = fn }
}

// PlayOption adjusts a single Play call.
type PlayOption func(*playOptions)

type playOptions struct {
	mode       Mode
	preload    int
	imageType  string
	onProgress func(float64)
}

// WithPreload sets how many upcoming frames are decoded ahead. n >= 0.
func WithPreload(n int) PlayOption {
	return func(o *playOptions) { o.preload = n }
}

// WithMode selects the decode mode for this session.
func WithMode(m Mode) PlayOption {
	return func(o *playOptions) { o.mode = m }
}

// WithImageType sets the preferred MIME type of the source.
func WithImageType(mime string) PlayOption {
	return func(o *playOptions) { o.imageType = mime }
}

// WithProgress receives progress in [0, 1] on every refresh. It may call
// Stop.
func WithProgress(fn func(progress float64)) PlayOption {
	return func(o *playOptions) { o.onProgress = fn }
}

// Player owns the resources shared across sessions: the surface pool, the
// transfer registry, the decode worker and the event bus. It runs one
// session at a time.
type Player struct {
	cfg       *Config
	logger    *slog.Logger
	fetcher   Fetcher
	requester FrameRequester
	now       func() time.Time
	onFinish  func(Report)

	neg      *codec.Negotiator
	pool     *surface.Pool
	registry *registry.Registry
	bus      eventbus.Bus

	playMu sync.Mutex // serializes Play

	mu           sync.Mutex
	client       *worker.Client
	workerCancel context.CancelFunc
	session      *playback.Session
	reaped       chan struct{}
	closed       bool
}

// New creates a Player. A nil cfg uses DefaultConfig.
func New(cfg *Config, opts ...Option) (*Player, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	} else if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	p := &Player{
		cfg:     cfg,
		fetcher: codec.DefaultFetcher{},
		now:     time.Now,
		neg:     codec.NewNegotiator(),
		pool:    surface.NewPool(),
		bus:     eventbus.New(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.registry = registry.New(p.notifyRelease)
	return p, nil
}

// Play stops the current session, if any, and starts a new one drawing
// into out. It returns once the first frame is mounted.
func (p *Player) Play(ctx context.Context, out *Surface, source string, opts ...PlayOption) (*Session, error) {
	mode, err := backend.ParseMode(p.cfg.DecodeMode)
	if err != nil {
		return nil, err
	}
	o := playOptions{
		mode:      mode,
		preload:   p.cfg.Preload(),
		imageType: p.cfg.ImageType,
	}
	for _, opt := range opts {
		opt(&o)
	}

	p.playMu.Lock()
	defer p.playMu.Unlock()

	if err := p.Stop(ctx); err != nil {
		return nil, fmt.Errorf("stop previous session: %w", err)
	}

	b, err := p.backend(o)
	if err != nil {
		return nil, err
	}

	req, stopReq := p.requesterFor()
	sc := SessionConfig(p.cfg)
	sc.PreloadCount = o.preload

	s, err := playback.NewSession(playback.Params{
		Output:     out,
		Source:     source,
		Mounter:    b,
		Requester:  req,
		Config:     sc,
		Mode:       o.mode.String(),
		OnProgress: o.onProgress,
		Events:     p.bus,
		Logger:     p.logger,
		Clock:      p.now,
	})
	if err != nil {
		stopReq()
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		stopReq()
		return nil, ErrPlayerClosed
	}
	reaped := make(chan struct{})
	p.session, p.reaped = s, reaped
	p.mu.Unlock()

	go p.reap(s, stopReq, reaped)

	if err := s.Play(ctx); err != nil {
		return s, err
	}
	return s, nil
}

// reap releases every slot of s once it ends on its own.
func (p *Player) reap(s *playback.Session, stopReq func(), reaped chan struct{}) {
	defer close(reaped)
	<-s.Done()
	if err := s.Stop(); err != nil {
		p.logger.Warn("release after playback failed", "session_id", s.ID(), "error", err)
	}
	// Stop may run on the refresh goroutine itself.
	go stopReq()

	report := s.Report()
	st := p.pool.Stats()
	p.logger.Debug("pool after playback",
		"session_id", s.ID(),
		"surfaces_created", st.SurfacesCreated,
		"surfaces_reused", st.SurfacesReused,
		"surfaces_free", st.SurfacesFree)
	if p.onFinish != nil {
		p.onFinish(report)
	}
}

// Stop ends the current session and waits until all of its slots are
// released or ctx ends.
func (p *Player) Stop(ctx context.Context) error {
	p.mu.Lock()
	s, reaped := p.session, p.reaped
	p.mu.Unlock()
	if s == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- s.Stop() }()
	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-reaped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the current session ends and its slots are released.
// It returns the error that ended the session, nil after completion or
// Stop.
func (p *Player) Wait(ctx context.Context) error {
	p.mu.Lock()
	s, reaped := p.session, p.reaped
	p.mu.Unlock()
	if s == nil {
		return nil
	}

	select {
	case <-reaped:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Session returns the current or last session, nil before the first Play.
func (p *Player) Session() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

// Events returns the bus every session publishes to.
func (p *Player) Events() EventBus { return p.bus }

// PoolStats reports surface reuse across sessions.
func (p *Player) PoolStats() PoolStats { return p.pool.Stats() }

// Transfers returns how many surfaces were handed to the worker so far.
func (p *Player) Transfers() uint64 { return p.registry.Transfers() }

// Close stops the current session, then the decode worker and the bus.
func (p *Player) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(p.cfg.ShutdownTimeout)*time.Second)
	defer cancel()

	err := p.Stop(ctx)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return err
	}
	p.closed = true
	client, workerCancel := p.client, p.workerCancel
	p.client = nil
	p.mu.Unlock()

	if client != nil {
		err = errors.Join(err, client.Close())
		workerCancel()
	}
	p.bus.Close()
	return err
}

func (p *Player) backend(o playOptions) (backend.Backend, error) {
	opts := backend.Options{
		Pool:       p.pool,
		Fetcher:    p.fetcher,
		Negotiator: p.neg,
		ImageType:  o.imageType,
		Logger:     p.logger,
		Registry:   p.registry,
		Now:        p.now,
	}
	if o.mode.UsesWorker() {
		if !p.cfg.WorkerEnabled() {
			return nil, fmt.Errorf("%w: %s with worker.enabled false", ErrUnsupportedOperation, o.mode)
		}
		client, err := p.worker()
		if err != nil {
			return nil, err
		}
		opts.Client = client
	}
	return backend.New(o.mode, opts)
}

// worker starts the decode worker on first use.
func (p *Player) worker() (*worker.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPlayerClosed
	}
	if p.client == nil {
		ctx, cancel := context.WithCancel(context.Background())
		p.client = worker.Start(ctx, p.fetcher, p.logger)
		p.workerCancel = cancel
		p.logger.Info("decode worker started")
	}
	return p.client, nil
}

func (p *Player) notifyRelease(id string) error {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil {
		return ErrWorkerClosed
	}
	return client.Release(id)
}

func (p *Player) requesterFor() (FrameRequester, func()) {
	if p.requester != nil {
		return p.requester, func() {}
	}
	t := playback.NewTickerRequester(p.cfg.RefreshHz)
	return t, t.Stop
}
