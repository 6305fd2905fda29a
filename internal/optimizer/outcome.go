package optimizer

import (
	"fmt"
	"time"

	"image-optimizer/internal/database"
	"image-optimizer/internal/imagetypes"
)

// State is a dispatcher state.
type State string

const (
	StateNew           State = "new"
	StateSkipped       State = "skipped"
	StateLocalTool     State = "local_tool"
	StateRemoteAPI     State = "remote_api"
	StateDoneOK        State = "done_ok"
	StateDoneUnchanged State = "done_unchanged"
	StateDoneConverted State = "done_converted"
	StateDoneFailed    State = "done_failed"
)

// Done reports whether s is a successful terminal state whose sizes are
// recorded in the ledger.
func (s State) Done() bool {
	return s == StateDoneOK || s == StateDoneUnchanged || s == StateDoneConverted
}

// FileJob is one file to optimize.
type FileJob struct {
	// ID is the ledger row, or 0 for a file with no row yet.
	ID   int64
	Path string
	database.Attribution
	// Record is the row for Path when the caller already has it.
	Record *database.ImageRecord
}

// JobFromRecord builds a job for a ledger row.
func JobFromRecord(rec database.ImageRecord) FileJob {
	return FileJob{
		ID:   rec.ID,
		Path: rec.Path,
		Attribution: database.Attribution{
			Gallery:      rec.Gallery,
			AttachmentID: rec.AttachmentID,
			Resize:       rec.Resize,
		},
		Record: &rec,
	}
}

// Outcome is the result of one dispatch.
type Outcome struct {
	// Path is the file after processing; it differs from the job's path
	// after a conversion.
	Path  string           `json:"path"`
	Kind  imagetypes.Kind  `json:"-"`
	State State            `json:"state"`
	Route State            `json:"route,omitempty"`
	Level imagetypes.Level `json:"level"`

	OrigSize  int64 `json:"origSize"`
	ImageSize int64 `json:"imageSize"`

	// Converted is the pre-conversion path.
	Converted string `json:"converted,omitempty"`
	// WebP is the derivative written next to Path, if one was kept.
	WebP   string `json:"webp,omitempty"`
	Backup string `json:"backup,omitempty"`

	// Results is the human-readable summary stored in the ledger.
	Results string `json:"results"`

	QuotaExceeded bool `json:"quotaExceeded,omitempty"`
	// Vanished means the file no longer exists and its row should go.
	Vanished bool `json:"vanished,omitempty"`

	Duration time.Duration `json:"duration"`
}

// Saved returns the bytes saved by a done outcome.
func (o Outcome) Saved() int64 {
	if !o.State.Done() || o.ImageSize >= o.OrigSize {
		return 0
	}
	return o.OrigSize - o.ImageSize
}

// Update converts a done outcome into the ledger merge for its row.
func (o Outcome) Update(attr database.Attribution) database.RecordUpdate {
	return database.RecordUpdate{
		Attribution: attr,
		OrigSize:    o.OrigSize,
		ImageSize:   o.ImageSize,
		Results:     o.Results,
		Level:       int(o.Level),
		Converted:   o.Converted,
		Backup:      o.Backup,
	}
}

// Summary formats a savings line like "Reduced by 12.5% (3.1 KB)".
func Summary(orig, optimized int64) string {
	if orig <= 0 || optimized >= orig {
		return "No savings"
	}
	saved := orig - optimized
	return fmt.Sprintf("Reduced by %.1f%% (%s)", float64(saved)/float64(orig)*100, FormatBytes(saved))
}

// FormatBytes renders n with a binary unit.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
