package worker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/e7canasta/framereel/internal/codec"
	"github.com/e7canasta/framereel/internal/surface"
)

// ErrWorkerClosed is returned for requests outstanding when the worker
// goes away, and for every request after Close.
var ErrWorkerClosed = errors.New("worker: closed")

type response struct {
	msg  *Message
	objs []any
}

// outgoing is a message waiting in the send queue. done is nil for
// fire-and-forget messages.
type outgoing struct {
	msg      *Message
	transfer []any
	done     chan error
}

// Client is the host side of the protocol. It is safe for concurrent use;
// responses are dispatched to callers by correlation id.
type Client struct {
	port   *Port
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]chan response
	closed  bool

	// Messages are written by one goroutine in enqueue order, so callers
	// never block on the pipe and a release is never overtaken.
	qmu     sync.Mutex
	queue   []outgoing
	stopped bool
	wake    chan struct{}
	quit    chan struct{}
	closeQ  sync.Once

	readDone  chan struct{}
	writeDone chan struct{}
	exited    chan struct{}
}

// NewClient starts reading responses from port.
func NewClient(port *Port, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		port:      port,
		logger:    logger,
		pending:   make(map[string]chan response),
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
		readDone:  make(chan struct{}),
		writeDone: make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

func (c *Client) enqueue(o outgoing) {
	c.qmu.Lock()
	if c.stopped {
		c.qmu.Unlock()
		if o.done != nil {
			o.done <- ErrWorkerClosed
		}
		return
	}
	c.queue = append(c.queue, o)
	c.qmu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) writeLoop() {
	defer close(c.writeDone)
	for {
		c.qmu.Lock()
		batch := c.queue
		c.queue = nil
		c.qmu.Unlock()

		for _, o := range batch {
			err := c.port.Post(o.msg, o.transfer...)
			if err != nil {
				err = fmt.Errorf("%w: %v", ErrWorkerClosed, err)
			}
			if o.done != nil {
				o.done <- err
			} else if err != nil {
				c.logger.Debug("worker message not sent", "type", o.msg.Type, "error", err)
			}
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-c.wake:
		case <-c.quit:
			c.drain()
			return
		}
	}
}

// drain fails everything still queued after Close.
func (c *Client) drain() {
	c.qmu.Lock()
	batch := c.queue
	c.queue = nil
	c.stopped = true
	c.qmu.Unlock()
	for _, o := range batch {
		if o.done != nil {
			o.done <- ErrWorkerClosed
		}
	}
}

func (c *Client) readLoop() {
	defer close(c.readDone)
	for {
		msg, objs, err := c.port.Receive()
		if err != nil {
			c.failAll()
			return
		}
		id := msg.CorrelationID()

		c.mu.Lock()
		ch, ok := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()

		if !ok {
			c.logger.Warn("dropping worker response without pending request",
				"type", msg.Type, "request_id", id)
			continue
		}
		ch <- response{msg: msg, objs: objs}
	}
}

func (c *Client) failAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// register reserves a response slot for id.
func (c *Client) register(id string) (chan response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrWorkerClosed
	}
	ch := make(chan response, 1)
	c.pending[id] = ch
	return ch, nil
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// request posts msg and waits for the response carrying id.
func (c *Client) request(ctx context.Context, id string, msg *Message, transfer ...any) (response, error) {
	if err := ctx.Err(); err != nil {
		return response{}, err
	}
	ch, err := c.register(id)
	if err != nil {
		return response{}, err
	}
	posted := make(chan error, 1)
	c.enqueue(outgoing{msg: msg, transfer: transfer, done: posted})

	// A request abandoned by ctx stays queued. It is still written, so any
	// transferable it carries reaches the worker in order.
	select {
	case err := <-posted:
		if err != nil {
			c.forget(id)
			return response{}, err
		}
	case <-ctx.Done():
		c.forget(id)
		return response{}, ctx.Err()
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return response{}, ErrWorkerClosed
		}
		if resp.msg.Type == TypeError {
			return resp, errorFrom(msg.ImageSource, msg.Options, resp.msg)
		}
		return resp, nil
	case <-ctx.Done():
		c.forget(id)
		return response{}, ctx.Err()
	}
}

// Decode asks the worker to fetch and decode source and returns the bitmap.
// The bitmap is moved from the worker, not copied.
func (c *Client) Decode(ctx context.Context, source, imageType string) (*image.RGBA, error) {
	id := uuid.NewString()
	resp, err := c.request(ctx, id, &Message{
		Type:        TypeDecodeImage,
		ImageSource: source,
		Options:     &Options{ID: id, ImageType: imageType},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.objs) == 0 {
		return nil, &codec.DecodeError{Source: source, Type: imageType, Err: errors.New("worker returned no bitmap")}
	}
	bitmap, ok := resp.objs[0].(*image.RGBA)
	if !ok {
		return nil, &codec.DecodeError{Source: source, Type: imageType, Err: fmt.Errorf("unexpected bitmap %T", resp.objs[0])}
	}
	return bitmap, nil
}

// Render asks the worker to draw source into the surface registered under
// surfaceID. off is non-nil only on the first render for surfaceID and is
// moved to the worker with the request. Each render carries its own request
// id, so a late answer to an abandoned render never completes a newer one.
func (c *Client) Render(ctx context.Context, surfaceID string, off *surface.Offscreen, source, imageType string) error {
	id := uuid.NewString()
	msg := &Message{
		Type:        TypeRender,
		ImageSource: source,
		Options:     &Options{ID: id, SurfaceID: surfaceID, ImageType: imageType},
	}
	var err error
	if off != nil {
		_, err = c.request(ctx, id, msg, off)
	} else {
		_, err = c.request(ctx, id, msg)
	}
	return err
}

// Release tells the worker to free the backing store of the surface
// registered under surfaceID. It only queues the message and never waits
// for the worker.
func (c *Client) Release(surfaceID string) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrWorkerClosed
	}
	c.enqueue(outgoing{msg: &Message{Type: TypeRelease, ID: surfaceID}})
	return nil
}

// Close stops the worker and waits for both sides to exit.
func (c *Client) Close() error {
	err := c.port.Close()
	c.closeQ.Do(func() { close(c.quit) })
	<-c.writeDone
	<-c.readDone
	if c.exited != nil {
		<-c.exited
	}
	return err
}

// errorFrom rebuilds a decode failure from a worker error response.
func errorFrom(source string, opts *Options, msg *Message) error {
	var imageType string
	if opts != nil {
		imageType = opts.ImageType
	}
	cause := errors.New(msg.Message)
	if msg.Code == CodeUnsupportedFormat {
		cause = fmt.Errorf("%w: %s", codec.ErrUnsupportedFormat, msg.Message)
	}
	return &codec.DecodeError{Source: source, Type: imageType, Err: cause}
}
