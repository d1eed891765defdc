package token

import (
	"fmt"
	"os"
	"path/filepath"

	qrcode "github.com/skip2/go-qrcode"
)

// ImageWriter renders a token payload into a scannable image file. The core
// never depends on a concrete image codec; callers inject one (or none, for
// payload-only operation).
type ImageWriter interface {
	Write(payload []byte, path string) error
}

// QRWriter writes token payloads as QR code PNGs with the highest error
// correction level, so prints survive partial damage.
type QRWriter struct {
	size int
}

// NewQRWriter creates a QRWriter producing size×size pixel images.
func NewQRWriter(size int) *QRWriter {
	if size <= 0 {
		size = 512
	}
	return &QRWriter{size: size}
}

// Write implements ImageWriter. Parent directories are created as needed.
func (w *QRWriter) Write(payload []byte, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create image dir: %w", err)
	}
	if err := qrcode.WriteFile(string(payload), qrcode.Highest, w.size, path); err != nil {
		return fmt.Errorf("write qr image: %w", err)
	}
	return nil
}
