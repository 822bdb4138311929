//go:build !tinygo

package httpget

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func firmware(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

// drain polls c the way the streaming loop does until the stream ends.
func drain(t *testing.T, c *Client, limit int) []byte {
	t.Helper()
	var out []byte
	buf := make([]byte, StageSize)
	deadline := time.Now().Add(5 * time.Second)
	for len(out) < limit {
		if time.Now().After(deadline) {
			t.Fatalf("stream stalled after %d bytes", len(out))
		}
		if !c.Connected() {
			break
		}
		n := c.Buffered()
		if n == 0 {
			time.Sleep(time.Millisecond)
			continue
		}
		if n > len(buf) {
			n = len(buf)
		}
		n, err := c.Read(buf[:n])
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, buf[:n]...)
	}
	return out
}

func TestClientStreamsBody(t *testing.T) {
	body := firmware(70000)
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Write(body)
	}))
	defer srv.Close()

	c := &Client{UserAgent: "otactl-test"}
	status, err := c.Open(context.Background(), srv.URL+"/firmware.bin")
	if err != nil || status != http.StatusOK {
		t.Fatalf("Open = %d, %v", status, err)
	}
	defer c.Close()

	if n, ok := c.ContentLength(); !ok || n != int64(len(body)) {
		t.Errorf("ContentLength() = %d, %v", n, ok)
	}
	got := drain(t, c, len(body))
	if !bytes.Equal(got, body) {
		t.Errorf("received %d bytes, content mismatch", len(got))
	}
	if gotHeaders.Get("Accept") != "application/octet-stream" || gotHeaders.Get("User-Agent") != "otactl-test" {
		t.Errorf("request headers = %v", gotHeaders)
	}
}

func TestClientUnknownLength(t *testing.T) {
	body := firmware(3000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.(http.Flusher).Flush()
		w.Write(body)
	}))
	defer srv.Close()

	c := &Client{}
	if _, err := c.Open(context.Background(), srv.URL+"/fw"); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if _, ok := c.ContentLength(); ok {
		t.Error("ContentLength() reported a length for a streamed body")
	}
	got := drain(t, c, 1<<20)
	if !bytes.Equal(got, body) {
		t.Errorf("received %d bytes, want %d", len(got), len(body))
	}
	if c.Connected() {
		t.Error("still connected after the body ended")
	}
}

func TestClientStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := &Client{}
	status, err := c.Open(context.Background(), srv.URL+"/missing.bin")
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", status)
	}
	if c.Connected() || c.Buffered() != 0 {
		t.Error("non-200 response exposes a body stream")
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}

func TestClientConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := &Client{}
	status, err := c.Open(context.Background(), url+"/fw.bin")
	if err == nil || status != StatusConnectFailed {
		t.Errorf("Open = %d, %v, want StatusConnectFailed with error", status, err)
	}
}

func TestClientCloseMidStream(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100000")
		w.Write(firmware(2048))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := &Client{}
	if _, err := c.Open(context.Background(), srv.URL+"/fw.bin"); err != nil {
		t.Fatal(err)
	}
	drain(t, c, 1024)

	done := make(chan error, 1)
	go func() { done <- c.Close() }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked on a stalled body")
	}
}
