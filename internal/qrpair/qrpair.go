// Package qrpair renders a QR code of the server's LAN/Tailscale URL
// so a phone on the same network can be pointed at the UI without
// typing an address.
package qrpair

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
	xdraw "golang.org/x/image/draw"
)

const renderSize = 512

// PNG renders url as a QR code PNG scaled to renderSize x renderSize.
func PNG(url string) ([]byte, error) {
	if url == "" {
		return nil, fmt.Errorf("encode qr: empty url")
	}

	writer := qrcode.NewQRCodeWriter()
	matrix, err := writer.Encode(url, gozxing.BarcodeFormat_QR_CODE, renderSize, renderSize, nil)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}

	src := bitMatrixToImage(matrix)

	dst := image.NewRGBA(image.Rect(0, 0, renderSize, renderSize))
	xdraw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func bitMatrixToImage(m *gozxing.BitMatrix) image.Image {
	w, h := m.GetWidth(), m.GetHeight()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if m.Get(x, y) {
				img.SetGray(x, y, color.Gray{Y: 0})
			} else {
				img.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	return img
}
