package httpget

import (
	"errors"
	"strings"
	"testing"
)

func TestHeadFeed(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		status     int
		length     int64
		hasLength  bool
		chunked    bool
		wantErr    error
		wantRemain string
	}{
		{
			name:       "ok with length",
			raw:        "HTTP/1.1 200 OK\r\nContent-Type: application/octet-stream\r\nContent-Length: 102400\r\n\r\nBODY",
			status:     200,
			length:     102400,
			hasLength:  true,
			wantRemain: "BODY",
		},
		{
			name:   "no length",
			raw:    "HTTP/1.0 200 OK\r\nServer: tiny\r\n\r\n",
			status: 200,
		},
		{
			name:   "not found",
			raw:    "HTTP/1.1 404 Not Found\r\ncontent-length: 9\r\n\r\nnot found",
			status: 404, length: 9, hasLength: true,
			wantRemain: "not found",
		},
		{
			name:    "chunked",
			raw:     "HTTP/1.1 200 OK\r\nTransfer-Encoding: Chunked\r\n\r\n",
			status:  200,
			chunked: true,
		},
		{
			name:   "bad length ignored",
			raw:    "HTTP/1.1 200 OK\r\nContent-Length: 12ab\r\n\r\n",
			status: 200,
		},
		{
			name:   "bare LF",
			raw:    "HTTP/1.1 200 OK\nContent-Length:  77 \n\n",
			status: 200, length: 77, hasLength: true,
		},
		{
			name:   "status without reason",
			raw:    "HTTP/1.1 204\r\n\r\n",
			status: 204,
		},
		{
			name:   "long header line",
			raw:    "HTTP/1.1 200 OK\r\nX-Pad: " + strings.Repeat("x", 600) + "\r\nContent-Length: 5\r\n\r\n",
			status: 200, length: 5, hasLength: true,
		},
		{name: "not http", raw: "SSH-2.0-OpenSSH\r\n\r\n", wantErr: ErrMalformedHead},
		{name: "bad code", raw: "HTTP/1.1 2x0 OK\r\n\r\n", wantErr: ErrMalformedHead},
		{name: "empty head", raw: "\r\n", wantErr: ErrMalformedHead},
	}

	for _, tc := range tests {
		for _, step := range []int{1, 7, len(tc.raw)} {
			var h Head
			var remain []byte
			var err error
			raw := []byte(tc.raw)
			for off := 0; off < len(raw) && err == nil; off += step {
				end := off + step
				if end > len(raw) {
					end = len(raw)
				}
				var n int
				n, err = h.Feed(raw[off:end])
				if h.Done() {
					remain = append(remain, raw[off+n:]...)
					break
				}
			}

			if !errors.Is(err, tc.wantErr) {
				t.Errorf("%s/step %d: err = %v, want %v", tc.name, step, err, tc.wantErr)
				continue
			}
			if tc.wantErr != nil {
				continue
			}
			if !h.Done() {
				t.Errorf("%s/step %d: head not done", tc.name, step)
			}
			if h.Status != tc.status || h.ContentLength != tc.length || h.HasLength != tc.hasLength || h.Chunked != tc.chunked {
				t.Errorf("%s/step %d: got status=%d len=%d has=%v chunked=%v", tc.name, step,
					h.Status, h.ContentLength, h.HasLength, h.Chunked)
			}
			if string(remain) != tc.wantRemain {
				t.Errorf("%s/step %d: remainder = %q, want %q", tc.name, step, remain, tc.wantRemain)
			}
		}
	}
}

func TestHeadReset(t *testing.T) {
	var h Head
	h.Feed([]byte("HTTP/1.1 200 OK\r\nContent-Length: 3\r\n\r\n"))
	h.Reset()
	if h.Done() || h.Status != 0 || h.HasLength {
		t.Errorf("Reset left state behind: %+v", h)
	}
	if n, _ := h.Feed([]byte("x")); n != 1 {
		t.Errorf("Feed after Reset consumed %d", n)
	}
}
