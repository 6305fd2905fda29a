package media

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"golang.org/x/image/webp"
)

// ErrInvalidWebP is returned when generated WebP data does not decode.
var ErrInvalidWebP = errors.New("invalid webp data")

// ValidateWebP checks that data is a decodable WebP image with non-zero
// dimensions.
func ValidateWebP(data []byte) error {
	cfg, err := webp.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWebP, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return fmt.Errorf("%w: zero dimensions", ErrInvalidWebP)
	}
	return nil
}

// WriteWebP validates data and writes it to dst through a temp file.
func WriteWebP(dst string, data []byte) error {
	if err := ValidateWebP(data); err != nil {
		return err
	}
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
