package board

import (
	"strings"
	"unicode/utf8"
)

const (
	maxBufferSize = 80000
	dropOnOverrun = 40000
)

// receiveBuffer accumulates device output since the last reset, once as
// decoded text and once as the raw bytes.
type receiveBuffer struct {
	text    strings.Builder
	raw     []byte
	partial []byte // trailing bytes of an incomplete UTF-8 sequence
}

// append adds a chunk and returns how many leading text bytes were dropped
// by overrun truncation, so callers can shift offsets into the text.
func (b *receiveBuffer) append(p []byte) int {
	b.raw = append(b.raw, p...)
	b.text.WriteString(b.decode(p))

	dropped := 0
	if b.text.Len() > maxBufferSize {
		text := b.text.String()
		dropped = dropOnOverrun
		// never cut through a multi-byte rune
		for dropped < len(text) && !utf8.RuneStart(text[dropped]) {
			dropped++
		}
		b.text.Reset()
		b.text.WriteString(text[dropped:])
	}
	if len(b.raw) > maxBufferSize {
		b.raw = append([]byte(nil), b.raw[dropOnOverrun:]...)
	}
	return dropped
}

// decode converts p to text, carrying an incomplete trailing rune over to
// the next chunk instead of mangling it.
func (b *receiveBuffer) decode(p []byte) string {
	data := p
	if len(b.partial) > 0 {
		data = append(append([]byte(nil), b.partial...), p...)
		b.partial = nil
	}
	cut := len(data)
	for i := len(data) - 1; i >= 0 && i >= len(data)-utf8.UTFMax; i-- {
		if utf8.RuneStart(data[i]) {
			if !utf8.FullRune(data[i:]) {
				cut = i
			}
			break
		}
	}
	if cut < len(data) {
		b.partial = append([]byte(nil), data[cut:]...)
		data = data[:cut]
	}
	return strings.ToValidUTF8(string(data), "�")
}

func (b *receiveBuffer) String() string { return b.text.String() }

func (b *receiveBuffer) Raw() []byte { return append([]byte(nil), b.raw...) }

func (b *receiveBuffer) Len() int { return b.text.Len() }

func (b *receiveBuffer) RawLen() int { return len(b.raw) }

func (b *receiveBuffer) reset() {
	b.text.Reset()
	b.raw = nil
	b.partial = nil
}
