package protocol

import (
	"errors"
	"log/slog"
	"sync"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// StdoutDecoder turns a stream of stdout notifications into text. A UTF-8
// sequence split across two notifications is held back until the rest
// arrives; invalid bytes become U+FFFD instead of failing. Safe for
// concurrent use.
type StdoutDecoder struct {
	mu      sync.Mutex
	t       transform.Transformer
	pending []byte
}

// NewStdoutDecoder returns a decoder with no buffered bytes.
func NewStdoutDecoder() *StdoutDecoder {
	return &StdoutDecoder{t: unicode.UTF8.NewDecoder()}
}

// Decode appends chunk to any held-back bytes and returns the text that is
// complete so far.
func (d *StdoutDecoder) Decode(chunk []byte) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	src := append(d.pending, chunk...)
	d.pending = nil
	return d.transform(src, false)
}

// Flush returns whatever is still held back, replacing an incomplete
// trailing sequence with U+FFFD. Call it when the stream ends.
func (d *StdoutDecoder) Flush() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	src := d.pending
	d.pending = nil
	out := d.transform(src, true)
	d.t.Reset()
	return out
}

func (d *StdoutDecoder) transform(src []byte, atEOF bool) string {
	if len(src) == 0 {
		return ""
	}
	// Each invalid byte expands to a 3-byte replacement rune at most.
	dst := make([]byte, 3*len(src)+utf8.UTFMax)
	nDst, nSrc, err := d.t.Transform(dst, src, atEOF)
	if err != nil && !errors.Is(err, transform.ErrShortSrc) {
		slog.Warn("[BLE] stdout decode", "error", err)
	}
	// ErrShortSrc leaves an incomplete trailing sequence in src[nSrc:].
	if nSrc < len(src) {
		d.pending = append(d.pending, src[nSrc:]...)
	}
	return string(dst[:nDst])
}
