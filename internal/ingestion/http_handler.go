package ingestion

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rpattn/catalogmerge/internal/domain"
)

const defaultPreviewRows = 20

// PreviewHandler exposes a dry-run normalization of an export. Nothing is
// staged or stored.
type PreviewHandler struct {
	service *Service
}

// NewPreviewHandler wraps the service with a POST endpoint taking a multipart
// "file" and a "source" field.
func NewPreviewHandler(service *Service) http.Handler {
	return &PreviewHandler{service: service}
}

func (h *PreviewHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, fmt.Sprintf("invalid form data: %v", err), http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, fmt.Sprintf("file required: %v", err), http.StatusBadRequest)
		return
	}
	defer file.Close()

	source, err := domain.ParseSourceType(r.FormValue("source"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	limit := defaultPreviewRows
	if raw := strings.TrimSpace(r.FormValue("rows")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "rows must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	result, err := h.service.Preview(Request{
		Source:   source,
		FileName: header.Filename,
		Data:     file,
	}, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
