package discovery

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register decoder for DecodeConfig
	_ "image/jpeg" // register decoder for DecodeConfig
	_ "image/png"  // register decoder for DecodeConfig
	"os"
	"path/filepath"
	"strings"

	"image-optimizer/internal/database"
	"image-optimizer/internal/filesystem"
	"image-optimizer/internal/logging"
)

// Candidate labels that are not size names.
const (
	LabelFull          = "full"
	LabelOriginalImage = "original_image"
	LabelFullRetina    = "full-retina"
	LabelPDFFull       = "pdf-full"
	retinaSuffix       = "-retina"
)

// IsRetina reports whether label names a 2x derivative.
func IsRetina(label string) bool {
	return label == LabelFullRetina || strings.HasSuffix(label, retinaSuffix)
}

// Candidate is one file belonging to a job.
type Candidate struct {
	Label  string
	Path   string
	Width  int
	Height int
}

// Job is an attachment expanded into the files that make it up.
type Job struct {
	ID         int64
	MimeType   string
	Exists     bool
	Candidates []Candidate
}

// AttachmentStore loads attachments by id.
type AttachmentStore interface {
	GetAttachment(ctx context.Context, id int64) (*database.Attachment, error)
}

// SizeNamer maps derivative dimensions to a registered size name.
type SizeNamer interface {
	SizeName(width, height int) (string, bool)
}

// FolderResolver resolves attachment ids by looking next to the original on
// disk for its derivatives.
type FolderResolver struct {
	store AttachmentStore
	sizes SizeNamer
}

// NewFolderResolver creates a FolderResolver.
func NewFolderResolver(store AttachmentStore, sizes SizeNamer) *FolderResolver {
	return &FolderResolver{store: store, sizes: sizes}
}

// Resolve returns the job for an attachment id. A missing attachment row or
// file yields Exists=false; only storage failures are returned as errors.
func (r *FolderResolver) Resolve(ctx context.Context, id int64) (Job, error) {
	job := Job{ID: id}

	att, err := r.store.GetAttachment(ctx, id)
	if errors.Is(err, database.ErrAttachmentNotFound) {
		return job, nil
	}
	if err != nil {
		return job, fmt.Errorf("load attachment %d: %w", id, err)
	}
	job.MimeType = att.MimeType

	info, err := filesystem.StatWithRetry(att.Path, filesystem.DefaultRetryConfig())
	if err != nil || info.IsDir() {
		logging.Debug("Attachment %d file unavailable at %s: %v", id, att.Path, err)
		return job, nil
	}
	job.Exists = true

	dir, name := filepath.Split(att.Path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		logging.Warn("Cannot list derivatives of attachment %d: %v", id, err)
		job.Candidates = []Candidate{fullCandidate(LabelFull, att.Path)}
		return job, nil
	}

	var scaled string
	var siblings []Candidate
	for _, e := range entries {
		if e.IsDir() || e.Name() == name {
			continue
		}
		parsed := ParseName(e.Name())
		if !parsed.Derivative() || parsed.Base != name {
			continue
		}

		path := filepath.Join(dir, e.Name())
		switch parsed.Kind {
		case NameScaled:
			scaled = path
		case NameFullRetina:
			siblings = append(siblings, fullCandidate(LabelFullRetina, path))
		case NamePDFPreview:
			siblings = append(siblings, fullCandidate(LabelPDFFull, path))
		case NameResize, NamePDFResize:
			siblings = append(siblings, Candidate{
				Label:  r.sizeLabel(parsed.Width, parsed.Height),
				Path:   path,
				Width:  parsed.Width,
				Height: parsed.Height,
			})
		case NameRetina:
			siblings = append(siblings, Candidate{
				Label:  r.sizeLabel(parsed.Width, parsed.Height) + retinaSuffix,
				Path:   path,
				Width:  parsed.Width * 2,
				Height: parsed.Height * 2,
			})
		}
	}

	if scaled != "" {
		job.Candidates = append(job.Candidates,
			fullCandidate(LabelFull, scaled),
			fullCandidate(LabelOriginalImage, att.Path))
	} else {
		job.Candidates = append(job.Candidates, fullCandidate(LabelFull, att.Path))
	}
	job.Candidates = append(job.Candidates, siblings...)

	return job, nil
}

func (r *FolderResolver) sizeLabel(width, height int) string {
	if r.sizes != nil {
		if name, ok := r.sizes.SizeName(width, height); ok {
			return name
		}
	}
	return fmt.Sprintf("%dx%d", width, height)
}

// fullCandidate builds a candidate whose dimensions come from the file header.
func fullCandidate(label, path string) Candidate {
	c := Candidate{Label: label, Path: path}
	c.Width, c.Height = Dimensions(path)
	return c
}

// Dimensions reads width and height from an image header, or zeros when the
// format has no registered decoder.
func Dimensions(path string) (width, height int) {
	f, err := filesystem.OpenWithRetry(path, filesystem.DefaultRetryConfig())
	if err != nil {
		return 0, 0
	}
	defer func() { _ = f.Close() }()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}
