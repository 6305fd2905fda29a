package media

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"os"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"

	"image-optimizer/internal/imagetypes"
	"image-optimizer/internal/logging"
)

var (
	// ErrHasAlpha is returned when a transparent PNG would be converted to
	// JPEG without a background fill.
	ErrHasAlpha = errors.New("image has transparency and no background fill is configured")
	// ErrAnimated is returned for animated GIFs, which have no PNG equivalent.
	ErrAnimated = errors.New("animated images cannot be converted")
	// ErrUnsupportedConversion is returned for pairs without a converter.
	ErrUnsupportedConversion = errors.New("unsupported conversion")
)

// ConvertOptions tune Convert.
type ConvertOptions struct {
	// Background is a hex fill ("#fff", "#ffffff") for flattening transparent
	// images into JPEG.
	Background string
	// JPEGQuality is used when encoding JPEG, 1 to 100.
	JPEGQuality int
}

// Convert decodes src and writes it to dst in the target kind. dst is written
// in full or not at all.
func Convert(src, dst string, from, to imagetypes.Kind, opts ConvertOptions) error {
	if !from.SupportsConversionTo(to) {
		return fmt.Errorf("%w: %s to %s", ErrUnsupportedConversion, from, to)
	}

	if from == imagetypes.Gif {
		animated, err := IsAnimatedGIF(src)
		if err != nil {
			return err
		}
		if animated {
			return ErrAnimated
		}
	}

	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("failed to open image: %w", err)
	}

	var saveOpts []imaging.EncodeOption
	switch to {
	case imagetypes.Jpeg:
		if HasAlpha(img) {
			if opts.Background == "" {
				return ErrHasAlpha
			}
			bg, err := ParseBackground(opts.Background)
			if err != nil {
				return err
			}
			img = Flatten(img, bg)
		}
		quality := opts.JPEGQuality
		if quality <= 0 || quality > 100 {
			quality = 82
		}
		saveOpts = append(saveOpts, imaging.JPEGQuality(quality))
	case imagetypes.Png:
		saveOpts = append(saveOpts, imaging.PNGCompressionLevel(png.BestCompression))
	}

	tmp := dst + ".tmp" + to.Extension()
	if err := imaging.Save(img, tmp, saveOpts...); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to encode %s: %w", to, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	logging.Debug("Converted %s (%s) to %s", src, from, to)
	return nil
}

// HasAlpha reports whether any pixel of img is not fully opaque.
func HasAlpha(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return !o.Opaque()
	}
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a != 0xffff {
				return true
			}
		}
	}
	return false
}

// Flatten composites img over a solid background.
func Flatten(img image.Image, bg color.Color) image.Image {
	b := img.Bounds()
	canvas := imaging.New(b.Dx(), b.Dy(), bg)
	return imaging.Overlay(canvas, img, image.Pt(0, 0), 1.0)
}

// ParseBackground parses "#rgb" or "#rrggbb" (the '#' is optional).
func ParseBackground(s string) (color.NRGBA, error) {
	hex := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) != 6 {
		return color.NRGBA{}, fmt.Errorf("invalid background color %q", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("invalid background color %q", s)
	}
	return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
}

// IsAnimatedGIF reports whether the GIF at path has more than one frame.
func IsAnimatedGIF(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer func() { _ = f.Close() }()

	g, err := gif.DecodeAll(f)
	if err != nil {
		return false, fmt.Errorf("failed to decode gif: %w", err)
	}
	return len(g.Image) > 1, nil
}
