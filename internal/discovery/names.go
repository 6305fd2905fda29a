package discovery

import (
	"regexp"
	"strconv"
)

// NameKind classifies a media file name.
type NameKind int

const (
	NameOriginal   NameKind = iota
	NameResize              // base-WxH.ext
	NameRetina              // base-WxH@2x.ext
	NameFullRetina          // base@2x.ext
	NameScaled              // base-scaled.ext
	NamePDFPreview          // base-pdf.jpg
	NamePDFResize           // base-pdf-WxH.jpg
)

func (k NameKind) String() string {
	switch k {
	case NameResize:
		return "resize"
	case NameRetina:
		return "retina"
	case NameFullRetina:
		return "full-retina"
	case NameScaled:
		return "scaled"
	case NamePDFPreview:
		return "pdf-preview"
	case NamePDFResize:
		return "pdf-resize"
	default:
		return "original"
	}
}

// Name is a parsed file name. Base is the file name of the original it was
// derived from; for NameOriginal it is the name itself.
type Name struct {
	Kind   NameKind
	Base   string
	Width  int
	Height int
}

// Derivative reports whether the name looks like a generated file.
func (n Name) Derivative() bool {
	return n.Kind != NameOriginal
}

var (
	pdfPattern        = regexp.MustCompile(`^(.+)-pdf(?:-(\d+)x(\d+))?\.(?i:jpe?g)$`)
	resizePattern     = regexp.MustCompile(`^(.+)-(\d+)x(\d+)(@2x)?(\.[A-Za-z0-9]+)$`)
	fullRetinaPattern = regexp.MustCompile(`^(.+)@2x(\.[A-Za-z0-9]+)$`)
	scaledPattern     = regexp.MustCompile(`^(.+)-scaled(\.[A-Za-z0-9]+)$`)
)

// ParseName classifies a file name by the media library's naming scheme.
// Whether a derivative-looking name really is one depends on its Base
// existing next to it, which the caller checks.
func ParseName(file string) Name {
	if m := pdfPattern.FindStringSubmatch(file); m != nil {
		if m[2] == "" {
			return Name{Kind: NamePDFPreview, Base: m[1] + ".pdf"}
		}
		return Name{Kind: NamePDFResize, Base: m[1] + ".pdf", Width: atoi(m[2]), Height: atoi(m[3])}
	}

	if m := resizePattern.FindStringSubmatch(file); m != nil {
		kind := NameResize
		if m[4] != "" {
			kind = NameRetina
		}
		return Name{Kind: kind, Base: m[1] + m[5], Width: atoi(m[2]), Height: atoi(m[3])}
	}

	if m := fullRetinaPattern.FindStringSubmatch(file); m != nil {
		return Name{Kind: NameFullRetina, Base: m[1] + m[2]}
	}

	if m := scaledPattern.FindStringSubmatch(file); m != nil {
		return Name{Kind: NameScaled, Base: m[1] + m[2]}
	}

	return Name{Kind: NameOriginal, Base: file}
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
