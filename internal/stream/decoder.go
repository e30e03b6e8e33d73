package stream

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode"

	"github.com/charmbracelet/x/ansi"
)

// MaxLineBytes caps how much of an unterminated line is buffered before it
// is emitted as-is.
const MaxLineBytes = 4 << 20

// LineKind classifies a decoded line.
type LineKind int

const (
	// LineText is plain terminal output.
	LineText LineKind = iota
	// LineJSON is a parsed JSON value.
	LineJSON
)

func (k LineKind) String() string {
	if k == LineJSON {
		return "json"
	}
	return "text"
}

// LogLine is one discrete line of agent output.
type LogLine struct {
	Kind LineKind
	Text string          // sanitized line (for json lines, the trimmed value)
	JSON json.RawMessage // set when Kind == LineJSON

	// Malformed marks a line that looked like JSON but did not parse. It is
	// processed as plain text and never suppressed.
	Malformed bool
}

// Decoder splits raw process output into LogLines. One Decoder serves one
// run; it is not safe for concurrent use.
type Decoder struct {
	buf        []byte
	sawJSON    bool
	suppressed int
}

// NewDecoder creates a Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode consumes a chunk of raw output and returns every complete line it
// finishes. A trailing partial line is held until the next chunk or Flush.
func (d *Decoder) Decode(chunk []byte) []LogLine {
	d.buf = append(d.buf, chunk...)

	var lines []LogLine
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		raw := string(d.buf[:i])
		d.buf = d.buf[i+1:]
		if line, ok := d.decodeLine(raw); ok {
			lines = append(lines, line)
		}
	}

	if len(d.buf) > MaxLineBytes {
		raw := string(d.buf)
		d.buf = nil
		if line, ok := d.decodeLine(raw); ok {
			lines = append(lines, line)
		}
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return lines
}

// Flush emits any buffered partial line. Call it once the stream ends.
func (d *Decoder) Flush() []LogLine {
	if len(d.buf) == 0 {
		return nil
	}
	raw := string(d.buf)
	d.buf = nil
	if line, ok := d.decodeLine(raw); ok {
		return []LogLine{line}
	}
	return nil
}

// SawJSON reports whether a JSON line has been decoded.
func (d *Decoder) SawJSON() bool {
	return d.sawJSON
}

// Suppressed returns how many text lines were dropped because the run
// already produced structured output.
func (d *Decoder) Suppressed() int {
	return d.suppressed
}

func (d *Decoder) decodeLine(raw string) (LogLine, bool) {
	clean := Sanitize(raw)
	if strings.TrimSpace(clean) == "" {
		return LogLine{}, false
	}

	line := ClassifyLine(clean)
	switch {
	case line.Kind == LineJSON:
		d.sawJSON = true
	case d.sawJSON && !line.Malformed:
		d.suppressed++
		return LogLine{}, false
	}
	return line, true
}

// Sanitize strips ANSI escape sequences and control characters other than
// tab and newline.
func Sanitize(s string) string {
	s = ansi.Strip(s)
	return strings.Map(func(r rune) rune {
		if r == '\t' || r == '\n' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// ClassifyLine decides whether a sanitized line is JSON or text.
func ClassifyLine(s string) LogLine {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return LogLine{Kind: LineText, Text: strings.TrimRightFunc(s, unicode.IsSpace)}
	}

	if json.Valid([]byte(trimmed)) {
		return LogLine{Kind: LineJSON, Text: trimmed, JSON: json.RawMessage(trimmed)}
	}
	if value, ok := outermostValue(trimmed); ok && json.Valid([]byte(value)) {
		return LogLine{Kind: LineJSON, Text: value, JSON: json.RawMessage(value)}
	}
	return LogLine{Kind: LineText, Text: trimmed, Malformed: true}
}

// outermostValue returns the prefix of s up to the bracket that closes the
// one at s[0], skipping brackets inside string literals.
func outermostValue(s string) (string, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return s[:i+1], true
			}
		}
	}
	return "", false
}
