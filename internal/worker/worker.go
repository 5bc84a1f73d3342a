// Package worker runs image decoding off the scheduling goroutine.
//
// The worker is a strictly sequential message loop: one request at a time,
// in arrival order. Responses are matched to requests by correlation id
// only, never by position, so the protocol stays correct even if the
// worker were parallelized.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/e7canasta/framereel/internal/codec"
	"github.com/e7canasta/framereel/internal/surface"
)

// Worker is the decode side of the protocol.
type Worker struct {
	port    *Port
	fetcher codec.Fetcher
	neg     *codec.Negotiator
	logger  *slog.Logger

	// Surfaces transferred by the host, keyed by surface id. Touched
	// only by the Run goroutine.
	surfaces map[string]*surface.Offscreen
	buf      bytes.Buffer

	processed atomic.Uint64
	failed    atomic.Uint64
}

// NewWorker returns a worker reading requests from port.
func NewWorker(port *Port, fetcher codec.Fetcher, neg *codec.Negotiator, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if neg == nil {
		neg = codec.NewNegotiator()
	}
	return &Worker{
		port:     port,
		fetcher:  fetcher,
		neg:      neg,
		logger:   logger,
		surfaces: make(map[string]*surface.Offscreen),
	}
}

// Run processes requests until the host closes its port or ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = w.port.Close() })
	defer stop()

	for {
		msg, objs, err := w.port.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("worker receive: %w", err)
		}
		w.handle(ctx, msg, objs)
		w.processed.Add(1)
	}
}

// Processed returns the number of handled requests.
func (w *Worker) Processed() uint64 { return w.processed.Load() }

func (w *Worker) handle(ctx context.Context, msg *Message, objs []any) {
	switch msg.Type {
	case TypeDecodeImage:
		w.decodeImage(ctx, msg)
	case TypeRender:
		w.render(ctx, msg, objs)
	case TypeRelease:
		if off, ok := w.surfaces[msg.ID]; ok {
			off.Reset()
		}
	default:
		w.logger.Debug("worker ignoring message", "type", msg.Type)
	}
}

func (w *Worker) decodeImage(ctx context.Context, msg *Message) {
	id, source, imageType := requestFields(msg)

	img, err := codec.Load(ctx, w.fetcher, w.neg, source, imageType, &w.buf)
	if err != nil {
		w.postError(id, err)
		return
	}
	bitmap := codec.ToRGBA(img)
	resp := &Message{
		Type:      TypeDecodeImage,
		ID:        id,
		ImageSize: &Size{Width: bitmap.Rect.Dx(), Height: bitmap.Rect.Dy()},
	}
	if err := w.port.Post(resp, bitmap); err != nil {
		w.logger.Error("worker failed to post decode response", "request_id", id, "error", err)
	}
}

func (w *Worker) render(ctx context.Context, msg *Message, objs []any) {
	id, source, imageType := requestFields(msg)
	var surfaceID string
	if msg.Options != nil {
		surfaceID = msg.Options.SurfaceID
	}

	off := w.surfaces[surfaceID]
	if len(objs) > 0 {
		transferred, ok := objs[0].(*surface.Offscreen)
		if !ok {
			w.postError(id, fmt.Errorf("render: unexpected transferable %T", objs[0]))
			return
		}
		off = transferred
		w.surfaces[surfaceID] = off
	}
	if off == nil {
		w.postError(id, fmt.Errorf("render: no surface registered for %s", surfaceID))
		return
	}

	img, err := codec.Load(ctx, w.fetcher, w.neg, source, imageType, &w.buf)
	if err != nil {
		w.postError(id, err)
		return
	}
	off.Blit(img)

	if err := w.port.Post(&Message{Type: TypeRender, ID: id}); err != nil {
		w.logger.Error("worker failed to post render response", "request_id", id, "surface_id", surfaceID, "error", err)
	}
}

func (w *Worker) postError(id string, err error) {
	w.failed.Add(1)
	code := CodeDecode
	if errors.Is(err, codec.ErrUnsupportedFormat) {
		code = CodeUnsupportedFormat
	}
	w.logger.Debug("worker request failed", "request_id", id, "code", code, "error", err)
	if perr := w.port.Post(&Message{Type: TypeError, ID: id, Message: err.Error(), Code: code}); perr != nil {
		w.logger.Error("worker failed to post error response", "request_id", id, "error", perr)
	}
}

func requestFields(msg *Message) (id, source, imageType string) {
	if msg.Options != nil {
		id, imageType = msg.Options.ID, msg.Options.ImageType
	}
	return id, msg.ImageSource, imageType
}

// Start spawns a persistent worker goroutine and returns the host client.
// Closing the client stops the worker and waits for it to exit.
func Start(ctx context.Context, fetcher codec.Fetcher, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	hostPort, workerPort := NewChannel()
	w := NewWorker(workerPort, fetcher, codec.NewNegotiator(), logger.With("component", "worker"))

	exited := make(chan struct{})
	go func() {
		defer close(exited)
		if err := w.Run(ctx); err != nil {
			logger.Error("decode worker stopped", "error", err)
		}
		_ = workerPort.Close()
	}()

	c := NewClient(hostPort, logger)
	c.exited = exited
	return c
}
