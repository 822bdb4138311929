// Package httpget fetches a firmware image with a single HTTP GET and exposes
// the response body as a polled, non-blocking byte stream.
package httpget

import (
	"errors"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// Request defaults.
const (
	// ResponseTimeout bounds connection setup plus the response head.
	ResponseTimeout = 60 * time.Second
	// StageSize matches the streaming loop's per-iteration working set.
	StageSize = 512
)

// Status codes reported when no HTTP status was received.
const (
	StatusConnectFailed = -1
	StatusSendFailed    = -3
	StatusNotConnected  = -4
	StatusReadTimeout   = -11
)

// Errors
var (
	ErrBadURL          = errors.New("httpget: malformed URL")
	ErrScheme          = errors.New("httpget: unsupported scheme")
	ErrNeedIP          = errors.New("httpget: host must be a literal IP address")
	ErrMalformedHead   = errors.New("httpget: malformed response head")
	ErrChunked         = errors.New("httpget: chunked transfer encoding not supported")
	ErrNotOpen         = errors.New("httpget: no request in flight")
	ErrResponseTimeout = errors.New("httpget: timed out waiting for response")
)

// URL is a parsed http(s) resource identifier.
type URL struct {
	Scheme string
	Host   string
	Port   uint16
	Path   string
}

// ParseURL parses http://host[:port]/path and https://host[:port]/path.
// The path defaults to "/".
func ParseURL(s string) (URL, error) {
	var u URL
	rest, ok := strings.CutPrefix(s, "http://")
	switch {
	case ok:
		u.Scheme, u.Port = "http", 80
	default:
		rest, ok = strings.CutPrefix(s, "https://")
		if !ok {
			return URL{}, ErrScheme
		}
		u.Scheme, u.Port = "https", 443
	}

	hostport, path := rest, "/"
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		hostport, path = rest[:i], rest[i:]
	}
	u.Path = path

	host := hostport
	if strings.HasPrefix(hostport, "[") {
		end := strings.IndexByte(hostport, ']')
		if end < 0 {
			return URL{}, ErrBadURL
		}
		host = hostport[1:end]
		hostport = hostport[end+1:]
		if hostport != "" && hostport[0] != ':' {
			return URL{}, ErrBadURL
		}
		if hostport != "" {
			p, err := parsePort(hostport[1:])
			if err != nil {
				return URL{}, err
			}
			u.Port = p
		}
	} else if i := strings.LastIndexByte(hostport, ':'); i >= 0 {
		host = hostport[:i]
		p, err := parsePort(hostport[i+1:])
		if err != nil {
			return URL{}, err
		}
		u.Port = p
	}
	if host == "" {
		return URL{}, ErrBadURL
	}
	u.Host = host
	return u, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil || n == 0 {
		return 0, ErrBadURL
	}
	return uint16(n), nil
}

// AddrPort returns the endpoint for a URL whose host is a literal IP.
func (u URL) AddrPort() (netip.AddrPort, error) {
	addr, err := netip.ParseAddr(u.Host)
	if err != nil {
		return netip.AddrPort{}, ErrNeedIP
	}
	return netip.AddrPortFrom(addr, u.Port), nil
}

// HostHeader returns the Host header value, omitting a default port.
func (u URL) HostHeader() string {
	host := u.Host
	if strings.IndexByte(host, ':') >= 0 {
		host = "[" + host + "]"
	}
	if (u.Scheme == "http" && u.Port == 80) || (u.Scheme == "https" && u.Port == 443) {
		return host
	}
	return host + ":" + strconv.Itoa(int(u.Port))
}

func (u URL) String() string {
	return u.Scheme + "://" + u.HostHeader() + u.Path
}

// AppendRequest appends the GET request head for u to dst.
func AppendRequest(dst []byte, u URL, userAgent string) []byte {
	dst = append(dst, "GET "...)
	dst = append(dst, u.Path...)
	dst = append(dst, " HTTP/1.1\r\nHost: "...)
	dst = append(dst, u.HostHeader()...)
	dst = append(dst, "\r\nUser-Agent: "...)
	dst = append(dst, userAgent...)
	dst = append(dst, "\r\nAccept: application/octet-stream\r\nConnection: close\r\nCache-Control: no-cache\r\n\r\n"...)
	return dst
}
