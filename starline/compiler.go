package starline

import (
	"context"
	"regexp"
	"strconv"
	"strings"
)

// ImageRenderer turns an image URL into an embeddable Star Line Mode
// fragment (a raster command). Implemented by the raster package.
type ImageRenderer interface {
	Render(ctx context.Context, url string) ([]byte, error)
}

// Logger is the subset of the server logger the compiler needs.
type Logger interface {
	Warn(msg string, context ...interface{})
}

// Compiler translates a Star Document Markup text into a Star Line Mode
// byte stream. Documents are processed line by line; bracketed tags apply
// effects to a small emitter state and are stripped from the printed text.
type Compiler struct {
	CodePage    string
	ColumnWidth int
	Images      ImageRenderer
	Logger      Logger
}

// NewCompiler returns a compiler for the given code page and paper width
// in millimetres (58, 80 or 112).
func NewCompiler(codePage string, paperWidthMM int) *Compiler {
	return &Compiler{
		CodePage:    codePage,
		ColumnWidth: ColumnWidthFor(paperWidthMM),
	}
}

// ColumnWidthFor maps a paper width in millimetres to the character width
// used by column layout.
func ColumnWidthFor(paperWidthMM int) int {
	switch paperWidthMM {
	case 58:
		return 32
	case 112:
		return 69
	default:
		return 48
	}
}

var tagPattern = regexp.MustCompile(`\[([a-zA-Z]+)(?::([^\]]*))?\]`)

// Compile renders the document. It is deterministic: the same document and
// compiler settings always produce the same byte stream. Image tags whose
// fetch or decode fails are dropped and the rest of the document still
// compiles.
func (c *Compiler) Compile(ctx context.Context, doc string) ([]byte, error) {
	e := NewEmitter(c.CodePage)
	width := c.ColumnWidth
	if width <= 0 {
		width = 48
	}

	for _, line := range strings.Split(doc, "\n") {
		c.compileLine(ctx, e, line, width)
	}
	return e.Bytes(), nil
}

func (c *Compiler) compileLine(ctx context.Context, e *Emitter, line string, width int) {
	matches := tagPattern.FindAllStringSubmatchIndex(line, -1)

	// The last alignment tag on a line wins for the whole line; emit it
	// before any text so the full line is aligned.
	lastAlign := -1
	for i, m := range matches {
		if strings.EqualFold(line[m[2]:m[3]], "align") {
			lastAlign = i
		}
	}
	if lastAlign >= 0 {
		m := matches[lastAlign]
		e.SetAlignment(parseAlignment(tagArgs(line, m)))
	}

	hasText := tagPattern.ReplaceAllString(line, "") != ""
	pos := 0
	for _, m := range matches {
		if seg := line[pos:m[0]]; seg != "" {
			e.Text(seg)
		}
		pos = m[1]

		name := strings.ToLower(line[m[2]:m[3]])
		args := tagArgs(line, m)

		switch name {
		case "align":
			// Applied above.
		case "bold":
			if strings.EqualFold(strings.TrimSpace(args), "off") {
				e.CancelEmphasis()
			} else {
				e.SetEmphasis()
			}
		case "magnify":
			if args == "" {
				e.SetFontMagnification(1, 1)
			} else {
				kv := parseTagArgs(args)
				e.SetFontMagnification(argInt(kv, "width", 1), argInt(kv, "height", 1))
			}
		case "feed":
			e.NewLines(feedCount(args))
		case "cut":
			// Terminal for the line; nothing after it is emitted.
			if strings.Contains(strings.ToLower(args), "full") {
				e.FullCut()
			} else {
				e.PartialCut()
			}
			return
		case "column":
			kv := parseTagArgs(args)
			e.ColumnLine(kv["left"], kv["right"], width)
			return
		case "image":
			c.embedImage(ctx, e, parseTagArgs(args)["url"])
		case "barcode":
			c.emitBarcode(e, parseTagArgs(args))
		case "font":
			// Single font supported; accepted and ignored.
		default:
			// Unknown tags are stripped, surrounding text is preserved.
		}
	}

	tail := line[pos:]
	if strings.HasSuffix(tail, "\\") {
		// Continuation line: suppress the trailing line feed.
		e.Text(strings.TrimSuffix(tail, "\\"))
		return
	}
	if tail != "" {
		e.Text(tail)
	}
	if hasText {
		e.NewLine()
	}
}

func (c *Compiler) embedImage(ctx context.Context, e *Emitter, url string) {
	if url == "" || c.Images == nil {
		return
	}
	b, err := c.Images.Render(ctx, url)
	if err != nil {
		if c.Logger != nil {
			c.Logger.Warn("Dropping image tag", "url", url, "error", err)
		}
		return
	}
	e.Raw(b)
}

func (c *Compiler) emitBarcode(e *Emitter, kv map[string]string) {
	data := kv["data"]
	if data == "" {
		return
	}
	typ, isQR := barcodeType(kv["type"])
	if isQR {
		cell := argInt(kv, "module", 4)
		e.QRCode(argInt(kv, "ec", 0), cell, data)
		return
	}
	if typ < 0 {
		return
	}
	_, hri := kv["hri"]
	e.Barcode(typ, argInt(kv, "module", 2), hri, barcodeHeight(kv["height"], 80), data)
}

// barcodeType resolves a symbolic or numeric barcode type to a Star type
// code. The second return is true for QR codes, which use their own
// command sequence.
func barcodeType(s string) (int, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "qr", "qrcode":
		return 0, true
	case "upce":
		return 0, false
	case "upca":
		return 1, false
	case "ean8", "jan8":
		return 2, false
	case "ean13", "jan13":
		return 3, false
	case "code39":
		return 4, false
	case "itf":
		return 5, false
	case "code128", "":
		return 6, false
	case "code93":
		return 7, false
	case "nw7", "codabar":
		return 8, false
	}
	if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil && n >= 0 && n <= 13 {
		return n, false
	}
	return -1, false
}

// barcodeHeight parses a height argument. A trailing "mm" converts at
// 8 dots per millimetre; a bare number is taken as dots.
func barcodeHeight(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	if mm, ok := strings.CutSuffix(s, "mm"); ok {
		if v, err := strconv.ParseFloat(strings.TrimSpace(mm), 64); err == nil {
			return int(v * 8)
		}
		return def
	}
	if v, err := strconv.Atoi(s); err == nil {
		return v
	}
	return def
}

// feedCount maps a feed tag argument to a number of line feeds. A bare
// [feed] is one line; "length Nmm" advances N/3 lines, at least one.
func feedCount(args string) int {
	kv := parseTagArgs(args)
	length, ok := kv["length"]
	if !ok {
		return 1
	}
	mm, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(length), "mm")), 64)
	if err != nil {
		return 1
	}
	n := int(mm / 3)
	if n < 1 {
		n = 1
	}
	return n
}

func parseAlignment(args string) Alignment {
	switch strings.ToLower(strings.TrimSpace(args)) {
	case "centre", "center":
		return AlignCenter
	case "right":
		return AlignRight
	default:
		return AlignLeft
	}
}

func tagArgs(line string, m []int) string {
	if m[4] < 0 {
		return ""
	}
	return strings.TrimSpace(line[m[4]:m[5]])
}

// parseTagArgs splits "key value; key value; flag" tag arguments. The
// first word of each segment is the key, the remainder the value; a bare
// word becomes a flag with an empty value. A leading colon after the key
// is tolerated ("left: foo" and "left foo" are equivalent).
func parseTagArgs(args string) map[string]string {
	kv := make(map[string]string)
	for _, part := range strings.Split(args, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key := part
		value := ""
		if i := strings.IndexAny(part, " \t:"); i >= 0 {
			key = part[:i]
			value = strings.TrimSpace(part[i:])
			value = strings.TrimSpace(strings.TrimPrefix(value, ":"))
		}
		kv[strings.ToLower(key)] = value
	}
	return kv
}

func argInt(kv map[string]string, key string, def int) int {
	if v, ok := kv[key]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}
