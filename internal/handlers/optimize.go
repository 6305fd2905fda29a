package handlers

import (
	"errors"
	"net/http"
	"path/filepath"

	"image-optimizer/internal/cloud"
	"image-optimizer/internal/logging"
	"image-optimizer/internal/optimizer"
)

// OptimizeRequest names one file. Relative paths are resolved against the
// media directory.
type OptimizeRequest struct {
	Path  string `json:"path"`
	Force bool   `json:"force"`
}

// OptimizeResponse reports the outcome of one file.
type OptimizeResponse struct {
	Path      string          `json:"path"`
	Kind      string          `json:"kind"`
	State     optimizer.State `json:"state"`
	OrigSize  int64           `json:"origSize"`
	ImageSize int64           `json:"imageSize"`
	Saved     int64           `json:"saved"`
	Converted string          `json:"converted,omitempty"`
	WebP      string          `json:"webp,omitempty"`
	Results   string          `json:"results"`
}

// OptimizeFile optimizes the requested file immediately.
func (h *Handlers) OptimizeFile(w http.ResponseWriter, r *http.Request) {
	var req OptimizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Path == "" {
		writeJSONError(w, "path is required", http.StatusBadRequest)
		return
	}

	path := req.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(h.mediaDir, filepath.FromSlash(path))
	}

	out, err := h.optimizer.OptimizeFile(r.Context(), path, req.Force)
	if err != nil {
		status := optimizeErrorStatus(err)
		if status == http.StatusInternalServerError {
			logging.Error("optimize %s failed: %v", path, err)
		}
		writeJSONError(w, err.Error(), status)
		return
	}

	writeJSONResponse(w, http.StatusOK, OptimizeResponse{
		Path:      out.Path,
		Kind:      out.Kind.String(),
		State:     out.State,
		OrigSize:  out.OrigSize,
		ImageSize: out.ImageSize,
		Saved:     out.Saved(),
		Converted: out.Converted,
		WebP:      out.WebP,
		Results:   out.Results,
	})
}

func optimizeErrorStatus(err error) int {
	switch {
	case errors.Is(err, optimizer.ErrPathTraversal):
		return http.StatusForbidden
	case errors.Is(err, optimizer.ErrUnsupportedType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, optimizer.ErrUnwritable):
		return http.StatusConflict
	case errors.Is(err, cloud.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
