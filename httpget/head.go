package httpget

// Head incrementally parses an HTTP/1.x response head. It keeps only what
// the update needs: the status code, the declared length and whether the
// body is chunked. Header lines longer than the line buffer are truncated,
// which never affects the fields it extracts.
type Head struct {
	Status        int
	ContentLength int64
	HasLength     bool
	Chunked       bool

	line  [256]byte
	n     int
	lines int
	done  bool
}

// Reset prepares h for a new response.
func (h *Head) Reset() { *h = Head{} }

// Done reports whether the blank line ending the head was seen.
func (h *Head) Done() bool { return h.done }

// Feed consumes head bytes from b and returns how many it used. Once Done
// reports true, b[n:] is the start of the body.
func (h *Head) Feed(b []byte) (int, error) {
	if h.done {
		return 0, nil
	}
	for i, c := range b {
		if c != '\n' {
			if h.n < len(h.line) {
				h.line[h.n] = c
				h.n++
			}
			continue
		}

		line := h.line[:h.n]
		if len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}
		h.n = 0

		if len(line) == 0 {
			if h.lines == 0 {
				return i + 1, ErrMalformedHead
			}
			h.done = true
			return i + 1, nil
		}
		if h.lines == 0 {
			if err := h.status(line); err != nil {
				return i + 1, err
			}
		} else {
			h.header(line)
		}
		h.lines++
	}
	return len(b), nil
}

// status parses "HTTP/1.x NNN reason".
func (h *Head) status(line []byte) error {
	const proto = "HTTP/1."
	if len(line) < len(proto)+5 || string(line[:len(proto)]) != proto {
		return ErrMalformedHead
	}
	rest := line[len(proto)+1:]
	if rest[0] != ' ' || len(rest) < 4 {
		return ErrMalformedHead
	}
	code := 0
	for _, c := range rest[1:4] {
		if c < '0' || c > '9' {
			return ErrMalformedHead
		}
		code = code*10 + int(c-'0')
	}
	if len(rest) > 4 && rest[4] != ' ' {
		return ErrMalformedHead
	}
	h.Status = code
	return nil
}

func (h *Head) header(line []byte) {
	colon := -1
	for i, c := range line {
		if c == ':' {
			colon = i
			break
		}
	}
	if colon <= 0 {
		return
	}
	name, value := line[:colon], trimSpace(line[colon+1:])

	switch {
	case equalFold(name, "content-length"):
		n, ok := parseLength(value)
		h.ContentLength, h.HasLength = n, ok
	case equalFold(name, "transfer-encoding"):
		h.Chunked = containsFold(value, "chunked")
	}
}

func parseLength(b []byte) (int64, bool) {
	if len(b) == 0 || len(b) > 18 {
		return 0, false
	}
	var n int64
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	return n, true
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

func lower(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + 'a' - 'A'
	}
	return c
}

func equalFold(b []byte, s string) bool {
	if len(b) != len(s) {
		return false
	}
	for i := range b {
		if lower(b[i]) != s[i] {
			return false
		}
	}
	return true
}

func containsFold(b []byte, s string) bool {
	for i := 0; i+len(s) <= len(b); i++ {
		if equalFold(b[i:i+len(s)], s) {
			return true
		}
	}
	return false
}
