// Package qr renders pairing codes as PNG data URLs.
package qr

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/skip2/go-qrcode"
)

// ImageTypePNG is the Image.Type of PNG data URLs.
const ImageTypePNG = "png"

const defaultSize = 256

// Image is an encoded QR code.
type Image struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Encoder turns QR text into PNG images.
type Encoder struct {
	size  int
	level qrcode.RecoveryLevel
}

// NewEncoder creates an encoder producing size×size images. size <= 0 uses 256.
func NewEncoder(size int) *Encoder {
	if size <= 0 {
		size = defaultSize
	}
	return &Encoder{size: size, level: qrcode.Medium}
}

// Encode renders text as a base64 PNG data URL.
func (e *Encoder) Encode(text string) (Image, error) {
	if strings.TrimSpace(text) == "" {
		return Image{}, fmt.Errorf("qr text is empty")
	}
	png, err := qrcode.Encode(text, e.level, e.size)
	if err != nil {
		return Image{}, fmt.Errorf("encode qr: %w", err)
	}
	return Image{
		Type:  ImageTypePNG,
		Value: "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
	}, nil
}
