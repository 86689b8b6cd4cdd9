package starline

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func compile(t *testing.T, doc string) []byte {
	t.Helper()
	c := NewCompiler(CodePageWindows1252, 80)
	b, err := c.Compile(context.Background(), doc)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return b
}

func TestCompileDeterministic(t *testing.T) {
	t.Parallel()

	doc := "[align: centre]\n[bold: on]Receipt[bold: off]\n[column: left Total; right 9.90]\n[cut]"
	first := compile(t, doc)
	second := compile(t, doc)
	if !bytes.Equal(first, second) {
		t.Errorf("same document compiled to different byte streams")
	}
}

func TestCompilePrologue(t *testing.T) {
	t.Parallel()

	got := compile(t, "x")
	if !bytes.HasPrefix(got, mustHex(t, "1B1D7420")) {
		t.Errorf("stream must start with the cp1252 selector, got %X", got[:4])
	}

	c := NewCompiler(CodePageUTF8, 80)
	u, err := c.Compile(context.Background(), "x")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !bytes.HasPrefix(u, mustHex(t, "1B1D2955020030011B1D295502004000")) {
		t.Errorf("utf-8 stream must start with the enablement prologue")
	}
}

func TestCompileLineFeeds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		doc     string
		wantHex string
	}{
		{"plain line gets one LF", "Hello", "48656C6C6F0A"},
		{"trailing backslash suppresses LF", "Hello\\", "48656C6C6F"},
		{"tag-only line emits no LF", "[align: right]", "1B1D6102"},
		{"bare feed", "[feed]", "0A"},
		{"feed 6mm is two lines", "[feed: length 6mm]", "0A0A"},
		{"feed 2mm is one line", "[feed: length 2mm]", "0A"},
		{"feed 12mm is four lines", "[feed: length 12mm]", "0A0A0A0A"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := compile(t, tt.doc)[4:] // skip code page selector
			if !bytes.Equal(got, mustHex(t, tt.wantHex)) {
				t.Errorf("compile(%q) = %X, want %s", tt.doc, got, tt.wantHex)
			}
		})
	}
}

func TestCompileAlignment(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		doc     string
		wantHex string
	}{
		{"centre", "[align: centre]", "1B1D6101"},
		{"center spelling", "[align: center]", "1B1D6101"},
		{"left", "[align: left]", "1B1D6100"},
		{"right", "[align: right]", "1B1D6102"},
		{"bare resets to left", "[align]", "1B1D6100"},
		{"last alignment wins", "[align: left][align: right]", "1B1D6102"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := compile(t, tt.doc)[4:]
			if !bytes.Equal(got, mustHex(t, tt.wantHex)) {
				t.Errorf("compile(%q) = %X, want %s", tt.doc, got, tt.wantHex)
			}
		})
	}
}

func TestCompileEmphasisBracketsText(t *testing.T) {
	t.Parallel()

	got := compile(t, "[bold: on]HOT[bold: off]")[4:]
	want := mustHex(t, "1B45"+"484F54"+"1B46"+"0A")
	if !bytes.Equal(got, want) {
		t.Errorf("got %X, want %X", got, want)
	}
}

func TestCompileMagnify(t *testing.T) {
	t.Parallel()

	got := compile(t, "[magnify: width 2; height 2]BIG[magnify]")[4:]
	want := mustHex(t, "1B690101" + "424947" + "1B690000" + "0A")
	if !bytes.Equal(got, want) {
		t.Errorf("got %X, want %X", got, want)
	}
}

func TestCompileCutTerminatesLine(t *testing.T) {
	t.Parallel()

	got := compile(t, "before[cut]after")[4:]
	want := append([]byte("before"), mustHex(t, "1B6403")...)
	if !bytes.Equal(got, want) {
		t.Errorf("text after [cut] must not print, got %X, want %X", got, want)
	}
	if !bytes.HasSuffix(got, mustHex(t, "1B6403")) {
		t.Errorf("[cut] must be the last bytes of its line")
	}
}

func TestCompileFullCut(t *testing.T) {
	t.Parallel()

	got := compile(t, "[cut: type full]")[4:]
	if !bytes.Equal(got, mustHex(t, "1B6402")) {
		t.Errorf("got %X, want 1B6402", got)
	}
}

func TestCompileColumn(t *testing.T) {
	t.Parallel()

	got := compile(t, "[column: left Grand Total:; right CHF 25.50]")[4:]
	if len(got) != 49 || got[48] != 0x0A {
		t.Fatalf("column line = %q (len %d), want 48 chars + LF", got, len(got))
	}
	line := string(got[:48])
	if !strings.HasPrefix(line, "Grand Total:") || !strings.HasSuffix(line, "CHF 25.50") {
		t.Errorf("column line = %q", line)
	}
	middle := line[len("Grand Total:") : 48-len("CHF 25.50")]
	if strings.Trim(middle, " ") != "" {
		t.Errorf("padding = %q, want spaces", middle)
	}
}

func TestCompileColumnWidthByPaper(t *testing.T) {
	t.Parallel()

	tests := []struct {
		paperMM   int
		wantWidth int
	}{
		{58, 32},
		{80, 48},
		{112, 69},
		{0, 48},
	}
	for _, tt := range tests {
		c := NewCompiler(CodePageWindows1252, tt.paperMM)
		b, err := c.Compile(context.Background(), "[column: left a; right b]")
		if err != nil {
			t.Fatalf("Compile: %v", err)
		}
		body := b[4:]
		if len(body) != tt.wantWidth+1 {
			t.Errorf("paper %dmm: column line length = %d, want %d + LF", tt.paperMM, len(body)-1, tt.wantWidth)
		}
	}
}

func TestCompileUnknownTagsStripped(t *testing.T) {
	t.Parallel()

	got := compile(t, "a[nosuchtag: whatever]b")[4:]
	want := mustHex(t, "6162" + "0A")
	if !bytes.Equal(got, want) {
		t.Errorf("got %X, want %X", got, want)
	}
}

func TestCompileFontTagIgnored(t *testing.T) {
	t.Parallel()

	got := compile(t, "[font: b]x")[4:]
	if !bytes.Equal(got, mustHex(t, "780A")) {
		t.Errorf("got %X", got)
	}
}

func TestCompileBarcode(t *testing.T) {
	t.Parallel()

	got := compile(t, "[barcode: type code128; data 12345; height 10mm; module 2; hri]")[4:]
	// type 6, hri on, n3 = clamp(module-1), height 10mm * 8 dots = 80.
	want := mustHex(t, "1B6206020150" + "3132333435" + "1E")
	if !bytes.Equal(got, want) {
		t.Errorf("got %X, want %X", got, want)
	}
}

func TestCompileBarcodeQR(t *testing.T) {
	t.Parallel()

	got := compile(t, "[barcode: type qr; data HI; module 4]")[4:]
	want := mustHex(t, "1B1D79533002"+"1B1D79533100"+"1B1D79533204"+"1B1D794431000200"+"4849"+"1B1D7950")
	if !bytes.Equal(got, want) {
		t.Errorf("got %X, want %X", got, want)
	}
}

type fakeImages struct {
	payload []byte
	err     error
	calls   int
}

func (f *fakeImages) Render(ctx context.Context, url string) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.payload, nil
}

func TestCompileImageEmbeds(t *testing.T) {
	t.Parallel()

	img := &fakeImages{payload: mustHex(t, "1B2A0100010080")}
	c := NewCompiler(CodePageWindows1252, 80)
	c.Images = img
	got, err := c.Compile(context.Background(), "[image: url http://x/logo.png]")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !bytes.Equal(got[4:], img.payload) {
		t.Errorf("got %X, want embedded raster %X", got[4:], img.payload)
	}
	if img.calls != 1 {
		t.Errorf("renderer called %d times", img.calls)
	}
}

func TestCompileImageFailureDropsTag(t *testing.T) {
	t.Parallel()

	c := NewCompiler(CodePageWindows1252, 80)
	c.Images = &fakeImages{err: errors.New("timeout")}
	got, err := c.Compile(context.Background(), "before\n[image: url http://x/y.png]\nafter")
	if err != nil {
		t.Fatalf("a failed image fetch must not fail the document: %v", err)
	}
	want := mustHex(t, "6265666F72650A" + "61667465720A")
	if !bytes.Equal(got[4:], want) {
		t.Errorf("got %X, want %X", got[4:], want)
	}
}

func TestCompileReceiptScenario(t *testing.T) {
	t.Parallel()

	got := compile(t, "[align: centre]\nHello\n[cut]")
	if !bytes.HasPrefix(got, mustHex(t, "1B1D7420")) {
		t.Errorf("missing cp1252 selector prefix")
	}
	if !bytes.Contains(got, mustHex(t, "1B1D6101")) {
		t.Errorf("missing centre alignment")
	}
	if !bytes.Contains(got, mustHex(t, "48656C6C6F0A")) {
		t.Errorf("missing Hello + LF")
	}
	if !bytes.HasSuffix(got, mustHex(t, "1B6403")) {
		t.Errorf("stream must end with the partial cut")
	}
}
