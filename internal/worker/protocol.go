package worker

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// Message types of the worker protocol.
const (
	TypeDecodeImage = "decodeImage"
	TypeRender      = "render"
	TypeRelease     = "release"
	TypeError       = "error"
)

// Error codes carried by TypeError responses.
const (
	CodeDecode            = "decode"
	CodeUnsupportedFormat = "unsupported_format"
)

// maxMessageSize bounds one encoded envelope. Pixels never travel inside
// the envelope, they move through the transfer table.
const maxMessageSize = 1 << 20

// Options correlates a request with its response. SurfaceID names the
// transferred surface a render paints and is never used for correlation.
type Options struct {
	ID        string `msgpack:"id"`
	SurfaceID string `msgpack:"surfaceId,omitempty"`
	ImageType string `msgpack:"imageType,omitempty"`
}

// Size is a decoded image size in pixels.
type Size struct {
	Width  int `msgpack:"width"`
	Height int `msgpack:"height"`
}

// Message is the envelope for every request and response.
//
// Requests:
//
//	decodeImage {imageSource, options{id, imageType?}}
//	render      {imageSource, options{id, surfaceId, imageType?}} + surface on first transfer
//	release     {id: surfaceId}
//
// Responses:
//
//	decodeImage {id, imageSize} + bitmap
//	render      {id}
//	error       {id, message, code}
type Message struct {
	Type        string   `msgpack:"type"`
	ImageSource string   `msgpack:"imageSource,omitempty"`
	Options     *Options `msgpack:"options,omitempty"`
	ID          string   `msgpack:"id,omitempty"`
	ImageSize   *Size    `msgpack:"imageSize,omitempty"`
	Message     string   `msgpack:"message,omitempty"`
	Code        string   `msgpack:"code,omitempty"`

	// Transfer lists the tokens of the objects moved with this message.
	Transfer []string `msgpack:"transfer,omitempty"`
}

// CorrelationID returns the id a response must carry to match msg.
func (m *Message) CorrelationID() string {
	if m.Options != nil && m.Options.ID != "" {
		return m.Options.ID
	}
	return m.ID
}

// transferTable holds objects in transit between two ports. An object is
// put by the sender and taken exactly once by the receiver.
type transferTable struct {
	mu    sync.Mutex
	items map[string]any
}

func newTransferTable() *transferTable {
	return &transferTable{items: make(map[string]any)}
}

func (t *transferTable) put(v any) string {
	token := uuid.NewString()
	t.mu.Lock()
	t.items[token] = v
	t.mu.Unlock()
	return token
}

func (t *transferTable) take(token string) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.items[token]
	delete(t.items, token)
	return v, ok
}

// Port is one end of a message channel. Envelopes are msgpack encoded and
// framed with a 4 byte big-endian length prefix.
type Port struct {
	r       io.Reader
	w       io.Writer
	closers []io.Closer
	table   *transferTable

	wmu sync.Mutex
}

// NewChannel returns two connected ports. Objects posted as transferables on
// one side are received, not copied, on the other.
func NewChannel() (*Port, *Port) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	table := newTransferTable()
	a := &Port{r: ar, w: aw, closers: []io.Closer{aw, ar}, table: table}
	b := &Port{r: br, w: bw, closers: []io.Closer{bw, br}, table: table}
	return a, b
}

// Post sends msg and moves the transferables to the other side.
func (p *Port) Post(msg *Message, transfer ...any) error {
	msg.Transfer = msg.Transfer[:0]
	for _, v := range transfer {
		msg.Transfer = append(msg.Transfer, p.table.put(v))
	}

	data, err := msgpack.Marshal(msg)
	if err != nil {
		p.reclaim(msg.Transfer)
		return fmt.Errorf("failed to marshal msgpack message: %w", err)
	}
	if len(data) > maxMessageSize {
		p.reclaim(msg.Transfer)
		return fmt.Errorf("message too large: %d bytes", len(data))
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(data)))
	copy(frame[4:], data)

	p.wmu.Lock()
	defer p.wmu.Unlock()
	if _, err := p.w.Write(frame); err != nil {
		p.reclaim(msg.Transfer)
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Receive blocks for the next message and returns it with its transferred
// objects in posting order. It returns io.EOF once the peer closed.
func (p *Port) Receive() (*Message, []any, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(p.r, prefix[:]); err != nil {
		if errors.Is(err, io.ErrClosedPipe) {
			return nil, nil, io.EOF
		}
		return nil, nil, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxMessageSize {
		return nil, nil, fmt.Errorf("message too large: %d bytes", n)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(p.r, data); err != nil {
		return nil, nil, fmt.Errorf("failed to read message: %w", err)
	}

	var msg Message
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal msgpack message: %w", err)
	}

	var objs []any
	for _, token := range msg.Transfer {
		v, ok := p.table.take(token)
		if !ok {
			return nil, nil, fmt.Errorf("unknown transfer token %s", token)
		}
		objs = append(objs, v)
	}
	return &msg, objs, nil
}

// Close closes both directions of this end.
func (p *Port) Close() error {
	var errs []error
	for _, c := range p.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func (p *Port) reclaim(tokens []string) {
	for _, token := range tokens {
		p.table.take(token)
	}
}
