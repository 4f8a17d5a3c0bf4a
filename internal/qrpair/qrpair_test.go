package qrpair

import (
	"bytes"
	"image/png"
	"testing"
)

func TestPNGProducesDecodablePNG(t *testing.T) {
	data, err := PNG("https://100.64.0.1:4848")
	if err != nil {
		t.Fatalf("PNG() error = %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("PNG() returned no data")
	}

	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("PNG() output is not a valid PNG: %v", err)
	}
	bounds := img.Bounds()
	if bounds.Dx() != renderSize || bounds.Dy() != renderSize {
		t.Fatalf("PNG() dimensions = %dx%d, want %dx%d", bounds.Dx(), bounds.Dy(), renderSize, renderSize)
	}
}

func TestPNGRejectsEmptyURL(t *testing.T) {
	if _, err := PNG(""); err == nil {
		t.Fatalf("PNG(\"\") should error on an empty payload")
	}
}
