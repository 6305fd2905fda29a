package handlers

import (
	"net/http"

	"image-optimizer/internal/bulk"
	"image-optimizer/internal/logging"
	"image-optimizer/internal/scanstate"
)

// StartRequest selects the jobs of a bulk run. All takes every indexed
// attachment and overrides IDs.
type StartRequest struct {
	IDs []int64 `json:"ids"`
	All bool    `json:"all"`
}

// StartBulk begins a bulk run.
func (h *Handlers) StartBulk(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ids := req.IDs
	if req.All {
		var err error
		ids, err = h.db.ListAttachmentIDs(r.Context())
		if err != nil {
			logging.Error("failed to list attachments: %v", err)
			writeJSONError(w, "failed to list attachments", http.StatusInternalServerError)
			return
		}
	}
	if len(ids) == 0 {
		writeJSONError(w, "no job ids given", http.StatusBadRequest)
		return
	}

	result, err := h.bulk.Start(r.Context(), ids, scanstate.ModeBulk)
	if err != nil {
		logging.Error("failed to start bulk run: %v", err)
		writeJSONError(w, "failed to start bulk run", http.StatusInternalServerError)
		return
	}
	writeJSONResponse(w, http.StatusOK, result)
}

// TickBulk runs one tick of the run named by the request token.
func (h *Handlers) TickBulk(w http.ResponseWriter, r *http.Request) {
	var req bulk.TickRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch req.Mode {
	case "":
		req.Mode = bulk.TickBudget
	case bulk.TickOne, bulk.TickBudget:
	default:
		writeJSONError(w, "mode must be \"one\" or \"budget\"", http.StatusBadRequest)
		return
	}
	if req.Token == "" {
		writeJSONError(w, "token is required", http.StatusBadRequest)
		return
	}

	result, err := h.bulk.Tick(r.Context(), req)
	if err != nil {
		logging.Error("bulk tick failed: %v", err)
		writeJSONError(w, "tick failed", http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	if result.Status == bulk.StatusSuperseded {
		status = http.StatusConflict
	}
	writeJSONResponse(w, status, result)
}

// ResetBulk clears the run state and pending rows.
func (h *Handlers) ResetBulk(w http.ResponseWriter, r *http.Request) {
	removed, err := h.bulk.Reset(r.Context())
	if err != nil {
		logging.Error("bulk reset failed: %v", err)
		writeJSONError(w, "reset failed", http.StatusInternalServerError)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]int64{"removed": removed})
}

// BulkStatus returns a snapshot of the current run.
func (h *Handlers) BulkStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := h.bulk.Status(r.Context())
	if err != nil {
		logging.Error("bulk status failed: %v", err)
		writeJSONError(w, "status unavailable", http.StatusInternalServerError)
		return
	}
	writeJSONResponse(w, http.StatusOK, snap)
}
