package database

import (
	"errors"
	"time"
)

var (
	// ErrRecordNotFound is returned when no ledger row matches.
	ErrRecordNotFound = errors.New("ledger record not found")

	// ErrAttachmentNotFound is returned when no attachment row matches.
	ErrAttachmentNotFound = errors.New("attachment not found")
)

// ImageRecord is one ledger row.
type ImageRecord struct {
	ID           int64     `json:"id"`
	Path         string    `json:"path"`
	Gallery      string    `json:"gallery,omitempty"`
	AttachmentID int64     `json:"attachmentId,omitempty"`
	Resize       string    `json:"resize,omitempty"`
	OrigSize     int64     `json:"origSize"`
	ImageSize    int64     `json:"imageSize"`
	Converted    string    `json:"converted,omitempty"`
	Pending      bool      `json:"pending"`
	Results      string    `json:"results,omitempty"`
	Level        int       `json:"level"`
	Updates      int       `json:"updates"`
	Backup       string    `json:"backup,omitempty"`
	Updated      time.Time `json:"updated"`
	ClaimToken   string    `json:"-"`
	ClaimUntil   time.Time `json:"-"`
}

// Completed reports whether the row holds a finished optimization.
func (r *ImageRecord) Completed() bool {
	return r.ImageSize > 0
}

// Attribution ties a row to the job that discovered it. Each field is only
// written when the stored value is empty.
type Attribution struct {
	Gallery      string `json:"gallery,omitempty"`
	AttachmentID int64  `json:"attachmentId,omitempty"`
	Resize       string `json:"resize,omitempty"`
}

// RecordUpdate carries the outcome merged by Upsert.
type RecordUpdate struct {
	Attribution
	OrigSize  int64
	ImageSize int64
	Results   string
	Level     int
	// Converted and Backup keep their stored value when empty.
	Converted string
	Backup    string
}

// PendingRow is one scanner write for MarkPendingBatch. A non-zero ID
// queues that existing row instead of looking up Path.
type PendingRow struct {
	ID   int64
	Path string
	Attribution
}

// Savings summarizes completed optimizations.
type Savings struct {
	Files          int64 `json:"files"`
	Pending        int64 `json:"pending"`
	OriginalBytes  int64 `json:"originalBytes"`
	OptimizedBytes int64 `json:"optimizedBytes"`
}

// SavedBytes returns OriginalBytes minus OptimizedBytes.
func (s Savings) SavedBytes() int64 {
	return s.OriginalBytes - s.OptimizedBytes
}

// Percent returns the saved share of the original bytes.
func (s Savings) Percent() float64 {
	if s.OriginalBytes == 0 {
		return 0
	}
	return float64(s.SavedBytes()) / float64(s.OriginalBytes) * 100
}

// Attachment is an indexed media library original.
type Attachment struct {
	ID       int64     `json:"id"`
	Path     string    `json:"path"`
	MimeType string    `json:"mimeType"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"modTime"`
}
