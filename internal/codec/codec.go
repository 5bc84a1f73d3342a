// Package codec turns image sources into decoded images.
//
// Decoding negotiates the format: the requested MIME type is tried first,
// then every type of FallbackTypes in order, skipping duplicates. The first
// decoder that succeeds wins.
package codec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"strings"

	"golang.org/x/image/webp"
)

// DefaultType is assumed when no MIME type is requested.
const DefaultType = "image/jpeg"

// FallbackTypes is the fixed negotiation list. "image/jpg" is an alias of
// "image/jpeg".
var FallbackTypes = []string{"image/jpeg", "image/png", "image/gif", "image/jpg", "image/webp"}

// ErrUnsupportedFormat is returned when no candidate type decodes.
var ErrUnsupportedFormat = errors.New("codec: unsupported image format")

// DecodeError reports a failed load of one source.
type DecodeError struct {
	Source string
	Type   string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("decode %s (%s): %v", e.Source, e.Type, e.Err)
	}
	return fmt.Sprintf("decode %s: %v", e.Source, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Candidates returns the deduplicated negotiation order for requested.
func Candidates(requested string) []string {
	if requested == "" {
		requested = DefaultType
	}
	out := make([]string, 0, len(FallbackTypes)+1)
	seen := make(map[string]struct{}, len(FallbackTypes)+1)
	for _, t := range append([]string{requested}, FallbackTypes...) {
		t = strings.ToLower(strings.TrimSpace(t))
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// DecodeFunc decodes one image from r.
type DecodeFunc func(r io.Reader) (image.Image, error)

// Negotiator maps MIME types to decoders.
type Negotiator struct {
	decoders map[string]DecodeFunc
}

// NewNegotiator returns a negotiator knowing jpeg, jpg, png, gif and webp.
func NewNegotiator() *Negotiator {
	n := &Negotiator{decoders: make(map[string]DecodeFunc)}
	n.Register("image/jpeg", jpeg.Decode)
	n.Register("image/jpg", jpeg.Decode)
	n.Register("image/png", png.Decode)
	n.Register("image/gif", gif.Decode)
	n.Register("image/webp", webp.Decode)
	return n
}

// Register installs or replaces the decoder for mime.
func (n *Negotiator) Register(mime string, fn DecodeFunc) {
	n.decoders[strings.ToLower(mime)] = fn
}

// Decode tries every candidate for requested and returns the image with the
// type that decoded it.
func (n *Negotiator) Decode(data []byte, requested string) (image.Image, string, error) {
	candidates := Candidates(requested)
	for _, t := range candidates {
		fn, ok := n.decoders[t]
		if !ok {
			continue
		}
		img, err := fn(bytes.NewReader(data))
		if err != nil {
			continue
		}
		return img, t, nil
	}
	return nil, "", fmt.Errorf("%w: tried %s", ErrUnsupportedFormat, strings.Join(candidates, ", "))
}

// Load fetches source into buf and decodes it. Every failure is a
// *DecodeError; a negotiation failure additionally matches
// ErrUnsupportedFormat.
func Load(ctx context.Context, f Fetcher, n *Negotiator, source, imageType string, buf *bytes.Buffer) (image.Image, error) {
	buf.Reset()
	if err := f.Fetch(ctx, source, buf); err != nil {
		return nil, &DecodeError{Source: source, Err: err}
	}
	img, _, err := n.Decode(buf.Bytes(), imageType)
	if err != nil {
		return nil, &DecodeError{Source: source, Type: imageType, Err: err}
	}
	return img, nil
}

// ToRGBA returns img as a zero-origin *image.RGBA, converting when needed.
// image.RGBA holds premultiplied alpha.
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Rect, img, b.Min, draw.Src)
	return out
}
