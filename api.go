package framereel

import (
	"github.com/e7canasta/framereel/internal/backend"
	"github.com/e7canasta/framereel/internal/codec"
	"github.com/e7canasta/framereel/internal/config"
	"github.com/e7canasta/framereel/internal/eventbus"
	"github.com/e7canasta/framereel/internal/playback"
	"github.com/e7canasta/framereel/internal/surface"
	"github.com/e7canasta/framereel/internal/worker"
)

// Public API - Re-export internal types as stable contract

// Config is the YAML configuration of a Player
type Config = config.Config

// Surface is a drawable pixel buffer
type Surface = surface.Surface

// PoolStats reports surface and scratch buffer reuse
type PoolStats = surface.PoolStats

// Mode selects where frames are decoded
type Mode = backend.Mode

const (
	ModeLocal            = backend.ModeLocal
	ModeWorkerTransfer   = backend.ModeWorkerTransfer
	ModeWorkerDecodeOnly = backend.ModeWorkerDecodeOnly
)

// Session is one playback of a sequence
type Session = playback.Session

// Report summarizes a finished session
type Report = playback.Report

// FrameRequester schedules a callback for the next display refresh
type FrameRequester = playback.FrameRequester

// Fetcher reads the bytes of an image source
type Fetcher = codec.Fetcher

// DecodeError wraps a failure to fetch or decode a source
type DecodeError = codec.DecodeError

// Event is one playback notification
type Event = eventbus.Event

// EventType names a playback event
type EventType = eventbus.Type

const (
	EventStarted   = eventbus.Started
	EventProgress  = eventbus.Progress
	EventStalled   = eventbus.Stalled
	EventCompleted = eventbus.Completed
	EventStopped   = eventbus.Stopped
	EventFailed    = eventbus.Failed
)

// EventBus fans playback events out to subscribers
type EventBus = eventbus.Bus

// Public API errors - Re-export internal errors as stable contract
var (
	ErrUnsupportedFormat    = codec.ErrUnsupportedFormat
	ErrUnsupportedOperation = backend.ErrUnsupportedOperation
	ErrStopped              = playback.ErrStopped
	ErrTransferred          = surface.ErrTransferred
	ErrAlreadyTransferred   = surface.ErrAlreadyTransferred
	ErrWorkerClosed         = worker.ErrWorkerClosed
)

// DefaultConfig returns the configuration used when no file is given
func DefaultConfig() *Config {
	return config.DefaultConfig()
}

// LoadConfig reads and validates a YAML configuration file
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// ParseMode parses local, worker-transfer or worker-decode-only
func ParseMode(s string) (Mode, error) {
	return backend.ParseMode(s)
}

// NewOutput creates an on-screen output surface of the given size
func NewOutput(width, height int) *Surface {
	return surface.NewSized(surface.KindOnScreen, width, height)
}

// SessionConfig derives the sequence timing from cfg
func SessionConfig(cfg *Config) playback.Config {
	return playback.Config{
		FrameCount:    cfg.FrameCount,
		FrameDuration: cfg.FrameDuration(),
		PreloadCount:  cfg.Preload(),
		DecodeTimeout: cfg.DecodeTimeout(),
	}
}
