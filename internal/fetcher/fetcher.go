// Package fetcher issues HTTP GETs against the CDN for chunk bytes,
// with bounded retry on transient transport failure.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/WorkingRobot/egvmount/internal/manifest"
)

// ErrFetchFailed is returned when a chunk could not be retrieved after
// exhausting retries, or on a non-200, non-retryable response.
var ErrFetchFailed = errors.New("fetcher: fetch failed")

// Client issues chunk GETs against a CDN.
type Client struct {
	HTTP       *http.Client
	CloudDir   string
	ChunkSubDir string
	MaxRetries uint
	RetryDelay time.Duration
}

// New returns a Client with the given cloud base dir and CDN chunk
// sub-path (manifest.Manifest.ChunkSubDir()).
func New(cloudDir, chunkSubDir string) *Client {
	return &Client{
		HTTP:        &http.Client{Timeout: 30 * time.Second},
		CloudDir:    cloudDir,
		ChunkSubDir: chunkSubDir,
		MaxRetries:  5,
		RetryDelay:  200 * time.Millisecond,
	}
}

// ChunkURL synthesizes the CDN URL for chunk, per spec.md §6.2.
func ChunkURL(cloudDir, chunkSubDir string, chunk *manifest.Chunk) string {
	net := chunk.GUID.NetworkOrder()
	hi := net[:8]
	lo := net[8:]
	return fmt.Sprintf("%s/%s/%02d/%016X_%02X%02X.chunk",
		cloudDir, chunkSubDir, chunk.Group, chunk.Hash, hi, lo)
}

// Get fetches chunk's raw envelope bytes.
func (c *Client) Get(ctx context.Context, chunk *manifest.Chunk) ([]byte, error) {
	url := ChunkURL(c.CloudDir, c.ChunkSubDir, chunk)

	var body []byte
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			resp, err := c.HTTP.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return retry.Unrecoverable(fmt.Errorf("%w: http %d for %s", ErrFetchFailed, resp.StatusCode, url))
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("%w: http %d for %s", ErrFetchFailed, resp.StatusCode, url)
			}

			buf := make([]byte, 0, hintCapacity(resp.ContentLength, chunk.DownloadSize))
			w := &growBuffer{buf: buf}
			if _, err := io.Copy(w, resp.Body); err != nil {
				return fmt.Errorf("%w: %v", ErrFetchFailed, err)
			}
			body = w.buf
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.MaxRetries),
		retry.Delay(c.RetryDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	return body, nil
}

func hintCapacity(contentLength int64, downloadSize uint32) int {
	if contentLength > 0 {
		return int(contentLength)
	}
	if downloadSize > 0 {
		return int(downloadSize)
	}
	return 64 * 1024
}

// growBuffer is an io.Writer over a growable []byte, used to avoid an
// extra copy through bytes.Buffer when the capacity hint is accurate.
type growBuffer struct {
	buf []byte
}

func (g *growBuffer) Write(p []byte) (int, error) {
	g.buf = append(g.buf, p...)
	return len(p), nil
}
