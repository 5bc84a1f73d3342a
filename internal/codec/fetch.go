package codec

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Fetcher reads the bytes of an image source into dst.
type Fetcher interface {
	Fetch(ctx context.Context, source string, dst *bytes.Buffer) error
}

// Bust appends a time query parameter so that repeated playback never hits
// a response cache. On URLs the parameter goes before any fragment; local
// paths are taken literally and only get the suffix.
func Bust(source string, now time.Time) string {
	param := "t=" + strconv.FormatInt(now.UnixMilli(), 10)
	if !isURL(source) {
		return source + "?" + param
	}
	base, frag, hasFrag := strings.Cut(source, "#")
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	busted := base + sep + param
	if hasFrag {
		busted += "#" + frag
	}
	return busted
}

// trimBust removes the suffix Bust adds to a local path.
func trimBust(source string) string {
	i := strings.LastIndex(source, "?t=")
	if i < 0 {
		return source
	}
	if _, err := strconv.ParseInt(source[i+3:], 10, 64); err != nil {
		return source
	}
	return source[:i]
}

func isURL(source string) bool {
	for _, scheme := range []string{"http://", "https://", "file://"} {
		if len(source) >= len(scheme) && strings.EqualFold(source[:len(scheme)], scheme) {
			return true
		}
	}
	return false
}

// DefaultFetcher reads http(s) URLs with Client, file:// URLs and plain
// paths from the local filesystem. A plain path is read as written, so '#'
// and '%' are ordinary characters there.
type DefaultFetcher struct {
	Client *http.Client
}

// Fetch implements Fetcher.
func (f DefaultFetcher) Fetch(ctx context.Context, source string, dst *bytes.Buffer) error {
	if !isURL(source) {
		return readFile(trimBust(source), dst)
	}

	u, err := url.Parse(source)
	if err != nil {
		return fmt.Errorf("parse source: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return f.fetchHTTP(ctx, source, dst)
	default:
		return readFile(u.Path, dst)
	}
}

func readFile(path string, dst *bytes.Buffer) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	_, err = dst.Write(data)
	return err
}

func (f DefaultFetcher) fetchHTTP(ctx context.Context, source string, dst *bytes.Buffer) error {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: status %s", source, resp.Status)
	}
	_, err = dst.ReadFrom(resp.Body)
	return err
}

// FSFetcher reads sources from an fs.FS, ignoring the cache-busting suffix
// and a leading slash. It serves embedded assets and tests.
type FSFetcher struct {
	FS fs.FS
}

// Fetch implements Fetcher.
func (f FSFetcher) Fetch(ctx context.Context, source string, dst *bytes.Buffer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := fs.ReadFile(f.FS, strings.TrimPrefix(trimBust(source), "/"))
	if err != nil {
		return err
	}
	_, err = dst.Write(data)
	return err
}
