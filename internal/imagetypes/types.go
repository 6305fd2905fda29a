package imagetypes

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Kind identifies an image format.
type Kind int

const (
	// Unknown is any format the optimizer does not handle.
	Unknown Kind = iota
	// Jpeg is a JPEG image.
	Jpeg
	// Png is a PNG image (including APNG).
	Png
	// Gif is a GIF image.
	Gif
	// Pdf is a PDF document.
	Pdf
	// Svg is an SVG drawing.
	Svg
	// Webp is a WebP image. Only produced as a derivative, never optimized.
	Webp
)

// Kinds lists the optimizable kinds in a stable order.
var Kinds = []Kind{Jpeg, Png, Gif, Pdf, Svg}

var kindInfo = map[Kind]struct {
	name string
	mime string
	ext  string
}{
	Jpeg: {"jpeg", "image/jpeg", ".jpg"},
	Png:  {"png", "image/png", ".png"},
	Gif:  {"gif", "image/gif", ".gif"},
	Pdf:  {"pdf", "application/pdf", ".pdf"},
	Svg:  {"svg", "image/svg+xml", ".svg"},
	Webp: {"webp", "image/webp", ".webp"},
}

// Extensions maps lowercase file extensions to kinds.
var Extensions = map[string]Kind{
	".jpg":  Jpeg,
	".jpeg": Jpeg,
	".jpe":  Jpeg,
	".png":  Png,
	".gif":  Gif,
	".pdf":  Pdf,
	".svg":  Svg,
	".webp": Webp,
}

var mimeAliases = map[string]Kind{
	"image/jpeg":             Jpeg,
	"image/pjpeg":            Jpeg,
	"image/png":              Png,
	"image/vnd.mozilla.apng": Png,
	"image/gif":              Gif,
	"application/pdf":        Pdf,
	"image/svg+xml":          Svg,
	"image/webp":             Webp,
}

// String returns the lowercase kind name used in config keys and metrics.
func (k Kind) String() string {
	if info, ok := kindInfo[k]; ok {
		return info.name
	}
	return "unknown"
}

// MimeType returns the canonical MIME type.
func (k Kind) MimeType() string {
	if info, ok := kindInfo[k]; ok {
		return info.mime
	}
	return "application/octet-stream"
}

// Extension returns the canonical extension with a leading dot.
func (k Kind) Extension() string {
	return kindInfo[k].ext
}

// Optimizable reports whether files of this kind go through the dispatcher.
func (k Kind) Optimizable() bool {
	switch k {
	case Jpeg, Png, Gif, Pdf, Svg:
		return true
	default:
		return false
	}
}

// LocalTools returns the local tool chain for the kind, in the order the tools
// run. PDF has no local path.
func (k Kind) LocalTools() []string {
	switch k {
	case Jpeg:
		return []string{"jpegtran"}
	case Png:
		return []string{"pngquant", "optipng", "pngout"}
	case Gif:
		return []string{"gifsicle"}
	case Svg:
		return []string{"svgcleaner"}
	default:
		return nil
	}
}

// HasLocalPath reports whether any local tool can optimize this kind.
func (k Kind) HasLocalPath() bool {
	return len(k.LocalTools()) > 0
}

// SupportsConversionTo reports whether a conversion from k to target exists.
func (k Kind) SupportsConversionTo(target Kind) bool {
	switch k {
	case Jpeg:
		return target == Png
	case Png:
		return target == Jpeg
	case Gif:
		return target == Png
	default:
		return false
	}
}

// SupportsWebP reports whether a WebP derivative can be produced from k.
func (k Kind) SupportsWebP() bool {
	return k == Jpeg || k == Png
}

// FromMime maps a MIME type (parameters ignored) to a Kind.
func FromMime(mime string) Kind {
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return mimeAliases[strings.ToLower(strings.TrimSpace(mime))]
}

// FromExtension maps an extension (with or without dot, any case) to a Kind.
func FromExtension(ext string) Kind {
	ext = strings.ToLower(ext)
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return Extensions[ext]
}

// FromPath maps a file path to a Kind by its extension.
func FromPath(path string) Kind {
	return FromExtension(filepath.Ext(path))
}

// Parse maps a config name ("jpeg", "jpg", "png", ...) to a Kind.
func Parse(name string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "jpeg", "jpg":
		return Jpeg, nil
	case "png":
		return Png, nil
	case "gif":
		return Gif, nil
	case "pdf":
		return Pdf, nil
	case "svg":
		return Svg, nil
	case "webp":
		return Webp, nil
	}
	return Unknown, fmt.Errorf("unknown image kind %q", name)
}

// Level is a compression intensity. Levels above LevelLossless need the
// remote API.
type Level int

const (
	// LevelOff disables optimization for a kind.
	LevelOff Level = 0
	// LevelLossless is pixel-perfect compression with local tools.
	LevelLossless Level = 10
	// LevelLosslessCloud is pixel-perfect compression done remotely.
	LevelLosslessCloud Level = 20
	// LevelLossy is visually lossless lossy compression.
	LevelLossy Level = 30
	// LevelMaxLossy is the most aggressive lossy compression.
	LevelMaxLossy Level = 40
)

// RequiresCloud reports whether the level can only be served remotely.
func (l Level) RequiresCloud() bool {
	return l > LevelLossless
}

// Enabled reports whether optimization is on at this level.
func (l Level) Enabled() bool {
	return l > LevelOff
}

// Lossy reports whether the level allows lossy compression.
func (l Level) Lossy() bool {
	return l >= LevelLossy
}

func (l Level) String() string {
	switch l {
	case LevelOff:
		return "off"
	case LevelLossless:
		return "lossless"
	case LevelLosslessCloud:
		return "lossless-cloud"
	case LevelLossy:
		return "lossy"
	case LevelMaxLossy:
		return "max-lossy"
	}
	return fmt.Sprintf("level-%d", int(l))
}
