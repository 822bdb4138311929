// Package report encodes update progress and outcomes as compact JSON for
// the MQTT status topic and the CLI. Encoders append to a caller-owned
// buffer.
package report

import (
	"errors"
	"strconv"
	"time"
	"unicode/utf8"

	"openenterprise/otaclient/update"
)

// MaxSize is a buffer size that fits any event with an error message of
// typical length.
const MaxSize = 512

// Event names.
const (
	EventStarted  = "started"
	EventProgress = "progress"
	EventOutcome  = "outcome"
)

// AppendStarted appends the event published when an update is accepted.
func AppendStarted(dst []byte, resourceID string) []byte {
	dst = append(dst, `{"event":"`+EventStarted+`","resource":`...)
	dst = appendString(dst, resourceID)
	return append(dst, '}')
}

// AppendProgress appends a progress event.
func AppendProgress(dst []byte, p update.Progress) []byte {
	dst = append(dst, `{"event":"`+EventProgress+`","bytes":`...)
	dst = strconv.AppendInt(dst, p.BytesTransferred, 10)
	dst = append(dst, `,"limit":`...)
	dst = strconv.AppendInt(dst, p.EffectiveLimit, 10)
	dst = append(dst, `,"percent":`...)
	dst = strconv.AppendInt(dst, int64(p.Percent()), 10)
	dst = append(dst, `,"elapsed_ms":`...)
	dst = strconv.AppendInt(dst, p.Elapsed.Milliseconds(), 10)
	if p.Stalled {
		dst = append(dst, `,"stalled":true`...)
	}
	return append(dst, '}')
}

// AppendOutcome appends the terminal event of a run.
func AppendOutcome(dst []byte, r update.Result) []byte {
	dst = append(dst, `{"event":"`+EventOutcome+`","resource":`...)
	dst = appendString(dst, r.ResourceID)
	dst = append(dst, `,"state":`...)
	dst = appendString(dst, r.State.String())
	dst = append(dst, `,"reason":`...)
	dst = appendString(dst, update.Reason(r.Err))
	dst = append(dst, `,"bytes":`...)
	dst = strconv.AppendInt(dst, r.Transferred, 10)
	dst = append(dst, `,"limit":`...)
	dst = strconv.AppendInt(dst, r.Limit, 10)
	if r.UnknownSize {
		dst = append(dst, `,"unknown_size":true`...)
	}
	dst = append(dst, `,"elapsed_ms":`...)
	dst = strconv.AppendInt(dst, r.Elapsed.Milliseconds(), 10)
	if r.Err != nil {
		var te *update.TransportError
		if errors.As(r.Err, &te) {
			dst = append(dst, `,"status":`...)
			dst = strconv.AppendInt(dst, int64(te.Status), 10)
		}
		dst = append(dst, `,"error":`...)
		dst = appendString(dst, r.Err.Error())
	}
	if r.Restarting {
		dst = append(dst, `,"restarting":true`...)
	}
	return append(dst, '}')
}

// AppendHeartbeat appends the idle status event.
func AppendHeartbeat(dst []byte, uptime time.Duration, build string, busy bool) []byte {
	dst = append(dst, `{"event":"running","uptime_s":`...)
	dst = strconv.AppendInt(dst, int64(uptime/time.Second), 10)
	dst = append(dst, `,"build":`...)
	dst = appendString(dst, build)
	if busy {
		dst = append(dst, `,"updating":true`...)
	}
	return append(dst, '}')
}

const hex = "0123456789abcdef"

// appendString appends s as a JSON string. Invalid UTF-8 is replaced.
func appendString(dst []byte, s string) []byte {
	dst = append(dst, '"')
	for i := 0; i < len(s); {
		c := s[i]
		if c < utf8.RuneSelf {
			switch {
			case c == '"' || c == '\\':
				dst = append(dst, '\\', c)
			case c == '\n':
				dst = append(dst, '\\', 'n')
			case c == '\r':
				dst = append(dst, '\\', 'r')
			case c == '\t':
				dst = append(dst, '\\', 't')
			case c < 0x20:
				dst = append(dst, '\\', 'u', '0', '0', hex[c>>4], hex[c&0xf])
			default:
				dst = append(dst, c)
			}
			i++
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			dst = append(dst, `�`...)
		} else {
			dst = append(dst, s[i:i+size]...)
		}
		i += size
	}
	return append(dst, '"')
}
