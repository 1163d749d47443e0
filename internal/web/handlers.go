package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/csvimport/internal/importer"
	"github.com/JonMunkholm/csvimport/internal/jobs"
	"github.com/JonMunkholm/csvimport/internal/mapping"
)

// errBadRequest marks malformed requests that never reached the service.
var errBadRequest = errors.New("bad request")

// maxSpecSize caps a spec sent as a file part.
const maxSpecSize = 1 << 20

// SubmitResponse is returned by POST /api/imports.
type SubmitResponse struct {
	ID        string `json:"id"`
	StatusURL string `json:"status_url"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"status": "ok",
		"runs":   s.jobs.Status(),
	})
}

// handleSubmit accepts a multipart form with a "file" part and a "spec"
// field (YAML or JSON) and starts the run in the background.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		respondError(w, r, fmt.Errorf("%w: file too large or invalid form: %v", errBadRequest, err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, r, fmt.Errorf("%w: no file provided", errBadRequest))
		return
	}
	defer file.Close()

	spec, err := specFromForm(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	id, err := s.jobs.SubmitReader(r.Context(), file, header.Filename, spec)
	if err != nil {
		respondError(w, r, err)
		return
	}

	statusURL := "/api/imports/" + id
	w.Header().Set("Location", statusURL)
	writeJSON(w, r, http.StatusAccepted, SubmitResponse{ID: id, StatusURL: statusURL})
}

// specFromForm reads the spec from the "spec" field or file part. Defaults
// are left to the service so the uploaded file's media type can pick the
// delimiter.
func specFromForm(r *http.Request) (*mapping.ImportSpec, error) {
	raw := r.FormValue("spec")
	if raw == "" {
		if f, _, err := r.FormFile("spec"); err == nil {
			defer f.Close()
			data, err := io.ReadAll(io.LimitReader(f, maxSpecSize))
			if err != nil {
				return nil, fmt.Errorf("%w: read spec: %v", errBadRequest, err)
			}
			raw = string(data)
		}
	}
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: spec is required", mapping.ErrInvalidSpec)
	}

	spec, err := mapping.Decode([]byte(raw))
	if err != nil {
		return nil, err
	}
	if spec.Comment == "" {
		spec.Comment = "Web import " + time.Now().Format(time.DateTime)
	}
	return spec, nil
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, s.jobs.List())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	run, err := s.jobs.Get(chi.URLParam(r, "runID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// handleOutcomes returns per-row outcomes, optionally filtered with
// ?status=failed (or created, updated, skipped).
func (s *Server) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	outcomes, err := s.jobs.Outcomes(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, filterOutcomes(outcomes, r.URL.Query().Get("status")))
}

func filterOutcomes(outcomes []importer.Outcome, status string) []importer.Outcome {
	out := make([]importer.Outcome, 0, len(outcomes))
	for _, o := range outcomes {
		if status == "" || string(o.Status) == status {
			out = append(out, o)
		}
	}
	return out
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	if err := s.jobs.Cancel(id); err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}

// handleEvents streams run progress as Server-Sent Events. The stream ends
// with a "complete" event carrying the final run snapshot.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	progress, err := s.jobs.Subscribe(id)
	if err != nil {
		respondError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, r, errors.New("streaming not supported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	seq := 0
	for {
		select {
		case p, ok := <-progress:
			if !ok {
				run, err := s.jobs.Get(id)
				if err != nil {
					fmt.Fprint(w, "event: complete\ndata: {}\n\n")
				} else {
					data, _ := json.Marshal(run)
					fmt.Fprintf(w, "event: complete\ndata: %s\n\n", data)
				}
				flusher.Flush()
				return
			}
			seq++
			data, _ := json.Marshal(p)
			fmt.Fprintf(w, "id: %d\nevent: progress\ndata: %s\n\n", seq, data)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	h := s.jobs.History()
	if h == nil {
		writeJSON(w, r, http.StatusOK, []jobs.Run{})
		return
	}
	runs, err := h.List(r.Context(), parseIntParam(r, "limit", 50))
	if err != nil {
		respondError(w, r, err)
		return
	}
	if runs == nil {
		runs = []jobs.Run{}
	}
	writeJSON(w, r, http.StatusOK, runs)
}

func (s *Server) handleHistoryFailures(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	h := s.jobs.History()
	if h == nil {
		respondError(w, r, fmt.Errorf("%w: %s", jobs.ErrRunNotFound, id))
		return
	}
	failures, err := h.Failures(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, filterOutcomes(failures, ""))
}

// parseIntParam reads a positive integer query parameter.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return defaultVal
	}
	return n
}
