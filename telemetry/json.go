package telemetry

import (
	"openenterprise/otaclient/version"
)

// BodyBuf holds the payload built by BuildLogsJSON and BuildMetricsJSON.
var BodyBuf [2048]byte

// jsonWriter appends to BodyBuf and silently stops at its end.
type jsonWriter struct {
	pos int
}

func (w *jsonWriter) writeRaw(s string) {
	if w.pos+len(s) > len(BodyBuf) {
		return
	}
	w.pos += copy(BodyBuf[w.pos:], s)
}

func (w *jsonWriter) writeByte(b byte) {
	if w.pos < len(BodyBuf) {
		BodyBuf[w.pos] = b
		w.pos++
	}
}

// writeBytes writes the first n bytes of b as a JSON string, dropping
// non-printable characters.
func (w *jsonWriter) writeBytes(b []byte, n int) {
	w.writeByte('"')
	for i := 0; i < n && i < len(b); i++ {
		switch c := b[i]; c {
		case '"':
			w.writeRaw(`\"`)
		case '\\':
			w.writeRaw(`\\`)
		case '\n':
			w.writeRaw(`\n`)
		case '\r':
			w.writeRaw(`\r`)
		case '\t':
			w.writeRaw(`\t`)
		default:
			if c >= 32 && c < 127 {
				w.writeByte(c)
			}
		}
	}
	w.writeByte('"')
}

func (w *jsonWriter) writeString(s string) {
	var tmp [64]byte
	n := copy(tmp[:], s)
	w.writeBytes(tmp[:], n)
}

// writeInt64 writes n as a quoted decimal, the OTLP/JSON form of 64-bit
// integers.
func (w *jsonWriter) writeInt64(n int64) {
	w.writeByte('"')
	w.writeInt(n)
	w.writeByte('"')
}

func (w *jsonWriter) writeInt(n int64) {
	if n == 0 {
		w.writeByte('0')
		return
	}
	u := uint64(n)
	if n < 0 {
		w.writeByte('-')
		u = uint64(-n)
	}
	var buf [20]byte
	i := len(buf)
	for u > 0 {
		i--
		buf[i] = byte('0' + u%10)
		u /= 10
	}
	for ; i < len(buf); i++ {
		w.writeByte(buf[i])
	}
}

func (w *jsonWriter) writeResource() {
	w.writeRaw(`"resource":{"attributes":[`)
	w.writeRaw(`{"key":"service.name","value":{"stringValue":"pico-ota"}},`)
	w.writeRaw(`{"key":"service.version","value":{"stringValue":`)
	w.writeString(version.Version)
	w.writeRaw(`}},{"key":"service.instance.id","value":{"stringValue":`)
	w.writeString(version.ShortSHA())
	w.writeRaw(`}}]}`)
}

// BuildLogsJSON writes the queued logs as an OTLP logs request into BodyBuf
// and returns its length. The caller holds mu.
func BuildLogsJSON() int {
	if logs.count == 0 {
		return 0
	}
	var w jsonWriter
	w.writeRaw(`{"resourceLogs":[{`)
	w.writeResource()
	w.writeRaw(`,"scopeLogs":[{"scope":{"name":"otaclient"},"logRecords":[`)
	for i := 0; i < logs.count; i++ {
		e := logs.at(i)
		if i > 0 {
			w.writeByte(',')
		}
		w.writeRaw(`{"timeUnixNano":`)
		w.writeInt64(e.Timestamp)
		w.writeRaw(`,"severityNumber":`)
		w.writeInt(int64(e.Severity))
		w.writeRaw(`,"body":{"stringValue":`)
		w.writeBytes(e.Body[:], int(e.BodyLen))
		w.writeRaw(`}}`)
	}
	w.writeRaw(`]}]}]}`)
	return w.pos
}

// BuildMetricsJSON writes the queued metrics as an OTLP metrics request into
// BodyBuf and returns its length. The caller holds mu.
func BuildMetricsJSON() int {
	if metrics.count == 0 {
		return 0
	}
	var w jsonWriter
	w.writeRaw(`{"resourceMetrics":[{`)
	w.writeResource()
	w.writeRaw(`,"scopeMetrics":[{"scope":{"name":"otaclient"},"metrics":[`)
	for i := 0; i < metrics.count; i++ {
		p := metrics.at(i)
		if i > 0 {
			w.writeByte(',')
		}
		w.writeRaw(`{"name":`)
		w.writeBytes(p.Name[:], int(p.NameLen))
		if p.IsGauge {
			w.writeRaw(`,"gauge":{"dataPoints":[{"timeUnixNano":`)
		} else {
			w.writeRaw(`,"sum":{"dataPoints":[{"timeUnixNano":`)
		}
		w.writeInt64(p.Timestamp)
		w.writeRaw(`,"asInt":`)
		w.writeInt64(p.Value)
		if p.IsGauge {
			w.writeRaw(`}]}}`)
		} else {
			w.writeRaw(`}],"aggregationTemporality":2,"isMonotonic":true}}`)
		}
	}
	w.writeRaw(`]}]}]}`)
	return w.pos
}
