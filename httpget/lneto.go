//go:build tinygo

package httpget

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

const (
	dialTimeout = 10 * time.Second
	dialRetries = 2
)

// Conn performs the firmware GET over the lneto TCP stack. Plain HTTP only;
// the host must be a literal IP. Body bytes are staged in a fixed buffer so
// Buffered never blocks.
type Conn struct {
	stack     *xnet.StackAsync
	logger    *slog.Logger
	userAgent string

	conn   tcp.Conn
	rxBuf  [2048]byte
	txBuf  [512]byte
	reqBuf [384]byte
	stage  [StageSize]byte

	head    Head
	remote  netip.AddrPort
	pending []byte
	eof     bool
	open    bool
}

// NewConn returns a transport dialing through stack.
func NewConn(stack *xnet.StackAsync, logger *slog.Logger, userAgent string) *Conn {
	return &Conn{stack: stack, logger: logger, userAgent: userAgent}
}

// Open dials the server, sends the request and reads the response head.
// Connection-level failures are reported with a negative status.
func (c *Conn) Open(ctx context.Context, rawURL string) (int, error) {
	u, err := ParseURL(rawURL)
	if err != nil {
		return StatusConnectFailed, err
	}
	if u.Scheme != "http" {
		return StatusConnectFailed, ErrScheme
	}
	remote, err := u.AddrPort()
	if err != nil {
		return StatusConnectFailed, err
	}

	c.head.Reset()
	c.pending, c.eof, c.remote = nil, false, remote
	err = c.conn.Configure(tcp.ConnConfig{
		RxBuf:             c.rxBuf[:],
		TxBuf:             c.txBuf[:],
		TxPacketQueueSize: 3,
	})
	if err != nil {
		return StatusConnectFailed, err
	}
	c.open = true

	rstack := c.stack.StackRetrying(5 * time.Millisecond)
	lport := uint16(c.stack.Prand32()>>17) + 1024
	c.logger.Info("http:dial", slog.String("addr", remote.String()))
	if err := rstack.DoDialTCP(&c.conn, lport, remote, dialTimeout, dialRetries); err != nil {
		return StatusConnectFailed, err
	}
	time.Sleep(50 * time.Millisecond)
	if !c.conn.State().IsSynchronized() {
		return StatusNotConnected, errors.New("httpget: connection not established")
	}

	req := AppendRequest(c.reqBuf[:0], u, c.userAgent)
	c.conn.SetDeadline(time.Now().Add(ResponseTimeout))
	if _, err := c.conn.Write(req); err != nil {
		return StatusSendFailed, err
	}
	c.conn.Flush()

	deadline := time.Now().Add(ResponseTimeout)
	for !c.head.Done() {
		if err := ctx.Err(); err != nil {
			return StatusReadTimeout, err
		}
		if time.Now().After(deadline) {
			return StatusReadTimeout, ErrResponseTimeout
		}
		n, rerr := c.conn.Read(c.stage[:])
		if n == 0 {
			if rerr != nil && closedErr(rerr) {
				return StatusReadTimeout, io.ErrUnexpectedEOF
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}
		used, herr := c.head.Feed(c.stage[:n])
		if herr != nil {
			return StatusReadTimeout, herr
		}
		if c.head.Done() {
			c.pending = c.stage[used:n]
		}
	}

	c.logger.Info("http:response",
		slog.Int("status", c.head.Status),
		slog.Bool("has_length", c.head.HasLength),
		slog.Int64("length", c.head.ContentLength),
	)
	if c.head.Chunked {
		return c.head.Status, ErrChunked
	}
	return c.head.Status, nil
}

// ContentLength reports the declared body length.
func (c *Conn) ContentLength() (int64, bool) {
	return c.head.ContentLength, c.head.HasLength
}

// Connected reports whether the body can still deliver bytes. A peer that
// already closed its side still counts while data sits in the receive
// buffer.
func (c *Conn) Connected() bool {
	if !c.open {
		return false
	}
	if len(c.pending) > 0 {
		return true
	}
	st := c.conn.State()
	if !st.IsClosed() && !st.IsClosing() && st.RxDataOpen() {
		return true
	}
	return c.fill() > 0
}

// Buffered returns the staged byte count, pulling from the socket when the
// stage is empty.
func (c *Conn) Buffered() int {
	if len(c.pending) > 0 {
		return len(c.pending)
	}
	return c.fill()
}

func (c *Conn) fill() int {
	if !c.open || c.eof {
		return 0
	}
	n, err := c.conn.Read(c.stage[:])
	if err != nil && closedErr(err) {
		c.eof = true
	}
	c.pending = c.stage[:n]
	return n
}

func (c *Conn) Read(p []byte) (int, error) {
	if !c.open {
		return 0, ErrNotOpen
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// Close shuts the connection down and frees the ARP slot of the peer.
func (c *Conn) Close() error {
	if !c.open {
		return nil
	}
	c.open = false
	c.pending = nil
	c.conn.Close()
	for i := 0; i < 10 && !c.conn.State().IsClosed(); i++ {
		time.Sleep(100 * time.Millisecond)
	}
	c.conn.Abort()
	if c.remote.IsValid() {
		c.stack.DiscardResolveHardwareAddress6(c.remote.Addr())
	}
	return nil
}

func closedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}
