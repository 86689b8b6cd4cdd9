package raster

import (
	"fmt"

	"github.com/boombuler/barcode"
	"github.com/boombuler/barcode/qr"
)

// TestPageQR renders a QR code of the given content, scaled to size x size
// pixels, and returns it as a Star Line Mode raster command. Used by the
// operator test print so a phone can verify the broker URL the printer is
// polling.
func TestPageQR(content string, size int) ([]byte, error) {
	code, err := qr.Encode(content, qr.M, qr.Auto)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	scaled, err := barcode.Scale(code, size, size)
	if err != nil {
		return nil, fmt.Errorf("scale qr: %w", err)
	}
	// QR modules are already black and white; a plain threshold keeps
	// them crisp where dithering would speckle the quiet zone.
	return Threshold(Flatten(scaled), 128).Command(), nil
}
