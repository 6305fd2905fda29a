// Package imagetypes defines the image kinds the optimizer understands and the
// per-kind behaviour the dispatcher needs: MIME type, canonical extension,
// local tool chain, allowed conversions and compression levels.
//
// A Kind is resolved once, from sniffed content, at dispatch entry; the rest of
// the pipeline switches on the Kind rather than on MIME strings.
package imagetypes
