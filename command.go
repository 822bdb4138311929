package main

import (
	"net/netip"
	"time"
)

// Console commands
const (
	cmdHelp           = "help"
	cmdVersion        = "version"
	cmdStatus         = "status"
	cmdNet            = "net"
	cmdOTA            = "ota"
	cmdUpdate         = "update"
	cmdReboot         = "reboot"
	cmdTelemetry      = "telemetry"
	cmdTelemetryFlush = "telemetry-flush"
)

// splitCommand separates a console line into its command word and the
// trimmed remainder.
func splitCommand(line []byte) (name, arg []byte) {
	line = trimSpace(line)
	for i, b := range line {
		if b == ' ' || b == '\t' {
			return line[:i], trimSpace(line[i+1:])
		}
	}
	return line, nil
}

func trimSpace(b []byte) []byte {
	for len(b) > 0 && (b[0] == ' ' || b[0] == '\t') {
		b = b[1:]
	}
	for len(b) > 0 && (b[len(b)-1] == ' ' || b[len(b)-1] == '\t') {
		b = b[:len(b)-1]
	}
	return b
}

// lineReader assembles console input into lines. It drops telnet IAC
// sequences and non-printable bytes and treats CR LF as one terminator.
type lineReader struct {
	buf     [256]byte
	n       int
	skipIAC int
	prevCR  bool
}

// Feed consumes b, calling fn for every completed line (empty lines
// included). It reports whether a line overflowed the buffer and was
// discarded.
func (l *lineReader) Feed(b []byte, fn func(line []byte)) (overflow bool) {
	for _, c := range b {
		if l.skipIAC > 0 {
			l.skipIAC--
			continue
		}
		switch {
		case c == 0xFF:
			// IAC, command byte, option byte.
			l.skipIAC = 2
		case c == '\n' && l.prevCR:
		case c == '\r' || c == '\n':
			fn(l.buf[:l.n])
			l.n = 0
		case c >= 32 && c < 127:
			if l.n == len(l.buf) {
				l.n = 0
				overflow = true
			}
			l.buf[l.n] = c
			l.n++
		}
		l.prevCR = c == '\r'
	}
	return overflow
}

// Reset discards any partial line.
func (l *lineReader) Reset() { *l = lineReader{} }

// authGuard throttles console logins after repeated failures.
type authGuard struct {
	failures int
	last     time.Time
}

func (g *authGuard) lockout() time.Duration {
	switch {
	case g.failures >= 10:
		return 5 * time.Minute
	case g.failures >= 5:
		return 30 * time.Second
	case g.failures >= 3:
		return 5 * time.Second
	}
	return 0
}

// Remaining returns how long new connections are still refused.
func (g *authGuard) Remaining(now time.Time) time.Duration {
	left := g.lockout() - now.Sub(g.last)
	if left < 0 {
		return 0
	}
	return left
}

func (g *authGuard) Fail(now time.Time) {
	g.failures++
	g.last = now
}

func (g *authGuard) Reset() { g.failures = 0 }

// formatRemoteIP renders a raw remote address for logging.
func formatRemoteIP(addr []byte) string {
	ip, ok := netip.AddrFromSlice(addr)
	if !ok {
		return "unknown"
	}
	return ip.String()
}

// appendUptime appends d as "1h 2m 3s".
func appendUptime(dst []byte, d time.Duration) []byte {
	s := int64(d / time.Second)
	dst = appendInt(dst, s/3600)
	dst = append(dst, "h "...)
	dst = appendInt(dst, s/60%60)
	dst = append(dst, "m "...)
	dst = appendInt(dst, s%60)
	return append(dst, 's')
}

func appendInt(dst []byte, n int64) []byte {
	if n < 0 {
		dst = append(dst, '-')
		n = -n
	}
	var buf [20]byte
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

// appendHex appends v as 4 lowercase hex digits.
func appendHex(b []byte, v uint16) []byte {
	const hexDigits = "0123456789abcdef"
	return append(b,
		hexDigits[(v>>12)&0xf],
		hexDigits[(v>>8)&0xf],
		hexDigits[(v>>4)&0xf],
		hexDigits[v&0xf],
	)
}
