// Package tools runs the external image compressors.
//
// Supported binaries:
//   - jpegtran: lossless JPEG optimization
//   - optipng, pngout: lossless PNG optimization
//   - pngquant: lossy PNG quantization
//   - gifsicle: GIF optimization
//   - svgcleaner: SVG cleanup
//   - cwebp: WebP encoding
//
// Binaries are looked up in the configured tools directory first and then on
// PATH. A binary that cannot be found is reported as StatusUnavailable, which
// callers treat differently from a tool that ran and failed.
package tools
