// Package stream turns raw agent subprocess output into decoded log lines
// and typed events, and reassembles streamed assistant text.
package stream

import "strings"

// DefaultOverlapCap bounds the overlap search between the reassembled text
// and an incoming chunk. It must exceed the largest resend any agent emits.
const DefaultOverlapCap = 2000

// Append merges chunk into base. An exact repeat of lastChunk is a no-op.
// Otherwise the longest suffix of base that is also a prefix of chunk (up to
// DefaultOverlapCap bytes) is emitted only once.
func Append(base, chunk, lastChunk string) string {
	return AppendCap(base, chunk, lastChunk, DefaultOverlapCap)
}

// AppendCap is Append with an explicit overlap cap. A cap <= 0 uses
// DefaultOverlapCap.
func AppendCap(base, chunk, lastChunk string, maxOverlap int) string {
	if chunk == lastChunk {
		return base
	}
	if chunk == "" {
		return base
	}
	if maxOverlap <= 0 {
		maxOverlap = DefaultOverlapCap
	}
	k := overlap(base, chunk, maxOverlap)
	return base + chunk[k:]
}

// overlap returns the largest k <= min(len(base), len(chunk), maxOverlap)
// such that base ends with chunk[:k].
func overlap(base, chunk string, maxOverlap int) int {
	k := min(len(base), len(chunk), maxOverlap)
	for ; k > 0; k-- {
		if strings.HasSuffix(base, chunk[:k]) {
			return k
		}
	}
	return 0
}

// Reassembler accumulates one in-flight assistant reply.
type Reassembler struct {
	maxOverlap int
	text       string
	last       string
}

// NewReassembler creates a Reassembler. A maxOverlap <= 0 uses
// DefaultOverlapCap.
func NewReassembler(maxOverlap int) *Reassembler {
	if maxOverlap <= 0 {
		maxOverlap = DefaultOverlapCap
	}
	return &Reassembler{maxOverlap: maxOverlap}
}

// Push merges a possibly overlapping chunk and returns the new text.
func (r *Reassembler) Push(chunk string) string {
	r.text = AppendCap(r.text, chunk, r.last, r.maxOverlap)
	r.last = chunk
	return r.text
}

// PushDelta appends a true delta verbatim. Used for raw terminal text,
// where repeated lines are real content.
func (r *Reassembler) PushDelta(delta string) string {
	r.text += delta
	r.last = ""
	return r.text
}

// Replace discards the reassembled text in favour of an authoritative final
// text. An empty final leaves the buffer untouched.
func (r *Reassembler) Replace(final string) string {
	if final != "" {
		r.text = final
		r.last = ""
	}
	return r.text
}

// String returns the current text.
func (r *Reassembler) String() string {
	return r.text
}
