package imagetypes

import (
	"github.com/gabriel-vasile/mimetype"
)

// Detect identifies data by its leading bytes. Kinds are matched against the
// detected type and its parents, so an APNG reports Png.
func Detect(data []byte) Kind {
	return fromDetected(mimetype.Detect(data))
}

// DetectFile identifies a file by its leading bytes.
func DetectFile(path string) (Kind, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return Unknown, err
	}
	return fromDetected(mt), nil
}

// IsAnimatedPNG reports whether data is an animated PNG.
func IsAnimatedPNG(data []byte) bool {
	return mimetype.Detect(data).Is("image/vnd.mozilla.apng")
}

func fromDetected(mt *mimetype.MIME) Kind {
	for m := mt; m != nil; m = m.Parent() {
		if kind := FromMime(m.String()); kind != Unknown {
			return kind
		}
	}
	return Unknown
}
