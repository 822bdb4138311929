//go:build tinygo

package telemetry

import (
	"errors"
	"log/slog"
	"net/netip"
	"time"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

var (
	tcpRxBuf [512]byte
	tcpTxBuf [1024]byte
	respBuf  [64]byte
)

var errHTTP = errors.New("telemetry: collector rejected payload")

// Init starts shipping telemetry to collector over stack.
func Init(stack *xnet.StackAsync, log *slog.Logger, collector netip.AddrPort) error {
	if !collector.IsValid() {
		return errors.New("telemetry: invalid collector address")
	}
	Start(func(path string, body []byte) error {
		var err error
		for attempt := 0; attempt <= MaxRetries; attempt++ {
			if err = post(stack, collector, path, body); err == nil {
				return nil
			}
		}
		return err
	}, collector.String(), log)

	go senderLoop()
	if log != nil {
		log.Info("telemetry:init", slog.String("collector", collector.String()))
	}
	return nil
}

func senderLoop() {
	for {
		time.Sleep(FlushInterval)
		Flush()
	}
}

// post sends body to the collector over a fresh connection and checks for a
// 2xx status line.
func post(s *xnet.StackAsync, c netip.AddrPort, path string, body []byte) error {
	var conn tcp.Conn
	err := conn.Configure(tcp.ConnConfig{
		RxBuf:             tcpRxBuf[:],
		TxBuf:             tcpTxBuf[:],
		TxPacketQueueSize: 3,
	})
	if err != nil {
		return err
	}
	rstack := s.StackRetrying(5 * time.Millisecond)
	lport := uint16(s.Prand32()>>17) + 1024
	if err = rstack.DoDialTCP(&conn, lport, c, HTTPTimeout, MaxRetries); err != nil {
		conn.Abort()
		return err
	}
	defer func() {
		conn.Close()
		for i := 0; i < 10 && !conn.State().IsClosed(); i++ {
			time.Sleep(100 * time.Millisecond)
		}
		conn.Abort()
		s.DiscardResolveHardwareAddress6(c.Addr())
	}()

	time.Sleep(50 * time.Millisecond)
	if !conn.State().IsSynchronized() {
		return errors.New("telemetry: connection not established")
	}
	conn.SetDeadline(time.Now().Add(HTTPTimeout))

	var head [160]byte
	h := append(head[:0], "POST "...)
	h = append(h, path...)
	h = append(h, " HTTP/1.1\r\nHost: "...)
	h = c.Addr().AppendTo(h)
	h = append(h, "\r\nContent-Type: application/json\r\nContent-Length: "...)
	h = appendDecimal(h, len(body))
	h = append(h, "\r\nConnection: close\r\n\r\n"...)
	if _, err = conn.Write(h); err != nil {
		return err
	}
	conn.Flush()
	time.Sleep(50 * time.Millisecond)

	for written := 0; written < len(body); {
		end := min(written+1024, len(body))
		n, err := conn.Write(body[written:end])
		if err != nil {
			return err
		}
		written += n
		conn.Flush()
		time.Sleep(50 * time.Millisecond)
	}

	var n int
	deadline := time.Now().Add(HTTPTimeout)
	for n < 12 && time.Now().Before(deadline) {
		m, _ := conn.Read(respBuf[n:])
		n += m
		if m == 0 {
			if !conn.State().RxDataOpen() {
				break
			}
			time.Sleep(20 * time.Millisecond)
		}
	}
	if n >= 12 && respBuf[9] == '2' {
		return nil
	}
	return errHTTP
}

func appendDecimal(dst []byte, n int) []byte {
	var buf [10]byte
	i := len(buf)
	for {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
		if n == 0 {
			break
		}
	}
	return append(dst, buf[i:]...)
}
