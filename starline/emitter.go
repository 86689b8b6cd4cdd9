// Package starline emits Star Line Mode command streams and compiles the
// Star Document Markup tag language into them.
package starline

import (
	"bytes"

	"golang.org/x/text/encoding/charmap"
)

// Alignment selects the horizontal alignment for subsequent text.
type Alignment byte

const (
	AlignLeft   Alignment = 0x00
	AlignCenter Alignment = 0x01
	AlignRight  Alignment = 0x02
)

// Code pages understood by NewEmitter. CodePageWindows1252 is the default
// for western receipts; CodePageUTF8 switches the printer into UTF-8 mode.
const (
	CodePageWindows1252 = "cp1252"
	CodePageUTF8        = "utf-8"
)

// Emitter builds a Star Line Mode byte stream. The zero value is not
// usable; construct with NewEmitter so the code page prologue is written.
type Emitter struct {
	buf  bytes.Buffer
	utf8 bool
}

// NewEmitter returns an emitter whose stream starts with the code page
// selector for the given page. Unknown page names fall back to cp1252.
func NewEmitter(codePage string) *Emitter {
	e := &Emitter{}
	switch codePage {
	case CodePageUTF8, "UTF-8", "utf8":
		e.utf8 = true
		// Two-command UTF-8 enablement prologue.
		e.buf.Write([]byte{0x1B, 0x1D, 0x29, 0x55, 0x02, 0x00, 0x30, 0x01})
		e.buf.Write([]byte{0x1B, 0x1D, 0x29, 0x55, 0x02, 0x00, 0x40, 0x00})
	default:
		e.buf.Write([]byte{0x1B, 0x1D, 0x74, 0x20})
	}
	return e
}

// Bytes returns the accumulated command stream.
func (e *Emitter) Bytes() []byte {
	out := make([]byte, e.buf.Len())
	copy(out, e.buf.Bytes())
	return out
}

// Len returns the current stream length.
func (e *Emitter) Len() int { return e.buf.Len() }

// Raw appends pre-built command bytes verbatim.
func (e *Emitter) Raw(b []byte) { e.buf.Write(b) }

// NewLine appends a single line feed.
func (e *Emitter) NewLine() { e.buf.WriteByte(0x0A) }

// NewLines appends n line feeds.
func (e *Emitter) NewLines(n int) {
	for i := 0; i < n; i++ {
		e.buf.WriteByte(0x0A)
	}
}

// SetEmphasis turns emphasized (bold) printing on.
func (e *Emitter) SetEmphasis() { e.buf.Write([]byte{0x1B, 0x45}) }

// CancelEmphasis turns emphasized printing off.
func (e *Emitter) CancelEmphasis() { e.buf.Write([]byte{0x1B, 0x46}) }

// SetAlignment selects left, center or right alignment.
func (e *Emitter) SetAlignment(a Alignment) {
	e.buf.Write([]byte{0x1B, 0x1D, 0x61, byte(a)})
}

// PartialCut feeds and performs a partial cut.
func (e *Emitter) PartialCut() { e.buf.Write([]byte{0x1B, 0x64, 0x03}) }

// FullCut feeds and performs a full cut.
func (e *Emitter) FullCut() { e.buf.Write([]byte{0x1B, 0x64, 0x02}) }

// OpenCashDrawer pulses the drawer kick-out connector.
func (e *Emitter) OpenCashDrawer() {
	e.buf.Write([]byte{0x1B, 0x70, 0x00, 0x14, 0x50})
}

// SetLineSpacing sets the line spacing to n dots.
func (e *Emitter) SetLineSpacing(n byte) {
	e.buf.Write([]byte{0x1B, 0x33, n})
}

// SetFontMagnification sets width and height multipliers. The wire format
// carries multiplier minus one, clamped to 0..5. (1, 1) restores normal size.
func (e *Emitter) SetFontMagnification(width, height int) {
	e.buf.Write([]byte{0x1B, 0x69, clampByte(width-1, 0, 5), clampByte(height-1, 0, 5)})
}

// SetHighlight enables white-on-black printing.
func (e *Emitter) SetHighlight() { e.buf.Write([]byte{0x1B, 0x34}) }

// CancelHighlight disables white-on-black printing.
func (e *Emitter) CancelHighlight() { e.buf.Write([]byte{0x1B, 0x35}) }

// NVLogo prints the non-volatile logo stored under the given key code.
func (e *Emitter) NVLogo(key byte) {
	e.buf.Write([]byte{0x1B, 0x1C, 0x70, key, 0x00, 0x0A})
}

// SoundBuzzer drives the external buzzer. circuit is 1 or 2; pulse and
// delay are given in milliseconds and quantized to 20 ms units.
func (e *Emitter) SoundBuzzer(circuit, pulseMs, delayMs int) {
	e.buf.Write([]byte{
		0x1B, 0x1D, 0x07,
		clampByte(circuit, 1, 2),
		clampByte(pulseMs/20, 0, 255),
		clampByte(delayMs/20, 0, 255),
	})
}

// Text appends encoded text with no trailing line feed.
func (e *Emitter) Text(s string) { e.writeText(s) }

// TextLine appends encoded text followed by a line feed.
func (e *Emitter) TextLine(s string) {
	e.writeText(s)
	e.buf.WriteByte(0x0A)
}

// ColumnLine emits left-justified and right-justified text padded with
// spaces to the given total width, then a line feed. When the two parts do
// not fit, they are emitted back to back with no padding.
func (e *Emitter) ColumnLine(left, right string, width int) {
	pad := width - (len([]rune(left)) + len([]rune(right)))
	if pad < 0 {
		pad = 0
	}
	e.writeText(left)
	for i := 0; i < pad; i++ {
		e.buf.WriteByte(0x20)
	}
	e.writeText(right)
	e.buf.WriteByte(0x0A)
}

// Barcode emits a 1D barcode. typ is the Star type code 0..13, module the
// bar width, height in dots (clamped 8..255). hri controls whether the
// human readable interpretation line is printed under the bars.
func (e *Emitter) Barcode(typ, module int, hri bool, height int, data string) {
	if typ < 0 || typ > 13 {
		return
	}
	n2 := byte(1)
	if hri {
		n2 = 2
	}
	var n3 byte
	switch typ {
	case 4, 5, 8, 9, 10, 11, 12, 13:
		n3 = byte(module)
	default:
		n3 = clampByte(module-1, 1, 3)
	}
	e.buf.Write([]byte{0x1B, 0x62, byte(typ), n2, n3, clampByte(height, 8, 255)})
	e.writeText(data)
	e.buf.WriteByte(0x1E)
}

// QRCode emits a model-2 QR code. ec is the error correction level 0..3,
// cell the module size 1..8.
func (e *Emitter) QRCode(ec, cell int, data string) {
	n := len(data)
	e.buf.Write([]byte{0x1B, 0x1D, 0x79, 0x53, 0x30, 0x02})
	e.buf.Write([]byte{0x1B, 0x1D, 0x79, 0x53, 0x31, clampByte(ec, 0, 3)})
	e.buf.Write([]byte{0x1B, 0x1D, 0x79, 0x53, 0x32, clampByte(cell, 1, 8)})
	e.buf.Write([]byte{0x1B, 0x1D, 0x79, 0x44, 0x31, 0x00, byte(n % 256), byte(n / 256)})
	e.buf.WriteString(data)
	e.buf.Write([]byte{0x1B, 0x1D, 0x79, 0x50})
}

// writeText transcodes s into the emitter's code page. In cp1252 mode any
// rune outside the code page becomes '?'.
func (e *Emitter) writeText(s string) {
	if e.utf8 {
		e.buf.WriteString(s)
		return
	}
	for _, r := range s {
		b, ok := charmap.Windows1252.EncodeRune(r)
		if !ok {
			b = '?'
		}
		e.buf.WriteByte(b)
	}
}

func clampByte(v, lo, hi int) byte {
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	return byte(v)
}
