// Package media does in-process image work for the optimizer: format
// conversion with github.com/disintegration/imaging, alpha detection for the
// PNG to JPEG gate, and WebP encoding through libvips when the cwebp binary
// is missing.
//
// libvips must be initialized once with InitVips before EncodeWebP can use
// it; without it EncodeWebP returns ErrVipsUnavailable.
package media
