//go:build !tinygo

package httpget

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
)

// Client performs the firmware GET with net/http, so it also speaks HTTPS
// and resolves names. A pump goroutine keeps at most two StageSize chunks
// in flight, which keeps Buffered non-blocking without buffering the image.
type Client struct {
	HTTP      *http.Client
	UserAgent string
	Logger    *slog.Logger

	resp   *http.Response
	chunks chan []byte
	stop   chan struct{}
	wg     sync.WaitGroup
	cur    []byte
	closed bool // pump finished and its channel drained

	mu  sync.Mutex
	err error
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.New(slog.DiscardHandler)
}

// Open sends the request. Transport failures yield StatusConnectFailed.
func (c *Client) Open(ctx context.Context, rawURL string) (int, error) {
	if _, err := ParseURL(rawURL); err != nil {
		return StatusConnectFailed, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return StatusConnectFailed, err
	}
	req.Header.Set("User-Agent", c.UserAgent)
	req.Header.Set("Accept", "application/octet-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Close = true

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	c.logger().Info("http:get", slog.String("url", rawURL))
	resp, err := hc.Do(req)
	if err != nil {
		return StatusConnectFailed, err
	}
	c.resp = resp
	c.cur, c.closed, c.err = nil, false, nil
	c.logger().Info("http:response",
		slog.Int("status", resp.StatusCode),
		slog.Int64("length", resp.ContentLength),
	)
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, nil
	}

	c.chunks = make(chan []byte, 2)
	c.stop = make(chan struct{})
	c.wg.Add(1)
	go c.pump(resp.Body, c.chunks, c.stop)
	return resp.StatusCode, nil
}

func (c *Client) pump(body io.Reader, out chan<- []byte, stop <-chan struct{}) {
	defer c.wg.Done()
	defer close(out)
	for {
		buf := make([]byte, StageSize)
		n, err := body.Read(buf)
		if n > 0 {
			select {
			case out <- buf[:n]:
			case <-stop:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.mu.Lock()
				c.err = err
				c.mu.Unlock()
			}
			return
		}
	}
}

// ContentLength reports the declared length; net/http uses -1 for unknown.
func (c *Client) ContentLength() (int64, bool) {
	if c.resp == nil || c.resp.ContentLength < 0 {
		return 0, false
	}
	return c.resp.ContentLength, true
}

func (c *Client) Connected() bool {
	return c.chunks != nil && (len(c.cur) > 0 || !c.closed)
}

func (c *Client) Buffered() int {
	if len(c.cur) == 0 && c.chunks != nil && !c.closed {
		select {
		case b, ok := <-c.chunks:
			if ok {
				c.cur = b
			} else {
				c.closed = true
			}
		default:
		}
	}
	return len(c.cur)
}

func (c *Client) Read(p []byte) (int, error) {
	if c.resp == nil {
		return 0, ErrNotOpen
	}
	n := copy(p, c.cur)
	c.cur = c.cur[n:]
	return n, nil
}

// Err returns the body read error that ended the stream early, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close stops the pump and releases the response.
func (c *Client) Close() error {
	if c.resp == nil {
		return nil
	}
	if c.stop != nil {
		close(c.stop)
	}
	err := c.resp.Body.Close()
	c.wg.Wait()
	c.resp, c.chunks, c.stop, c.cur = nil, nil, nil, nil
	return err
}
