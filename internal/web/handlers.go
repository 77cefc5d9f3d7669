package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sigitsurya7/koala-cbt-sub000/internal/importer"
	"github.com/sigitsurya7/koala-cbt-sub000/internal/logging"
)

// handleHealth reports liveness, including backing-store reachability.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ping != nil {
		if err := s.ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unreachable")
			return
		}
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleParse accepts a multipart spreadsheet upload and returns its
// rows for client-side review before validation.
func (s *Server) handleParse(w http.ResponseWriter, r *http.Request) {
	maxSize := s.cfg.Import.MaxFileSize
	r.Body = http.MaxBytesReader(w, r.Body, maxSize)

	if err := r.ParseMultipartForm(maxSize); err != nil {
		writeError(w, http.StatusBadRequest, "file too large or invalid form")
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "no file provided")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read file")
		return
	}

	rows, err := importer.ParseRows(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, map[string]any{"rows": rows})
}

type validateRequest struct {
	SchoolID string              `json:"schoolId"`
	Kind     importer.ImportKind `json:"kind"`
	Rows     [][]string          `json:"rows"`
}

// handleValidate validates raw rows against the tenant's reference data.
// Row-level problems come back in the errors list; only a malformed
// request or an unresolvable tenant fails the call.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SchoolID == "" {
		writeError(w, http.StatusBadRequest, "missing school id")
		return
	}
	if !req.Kind.Valid() {
		writeError(w, http.StatusBadRequest, "invalid import kind")
		return
	}

	result, err := s.service.Validate(r.Context(), req.SchoolID, req.Kind, req.Rows)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, importer.ErrSchoolNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, result)
}

type startRequest struct {
	Kind     importer.ImportKind     `json:"kind"`
	Items    []importer.PreparedItem `json:"items"`
	BatchKey string                  `json:"batchKey,omitempty"`
}

// handleStartJob registers a job for already-validated items. The
// response carries the job id for the events and errors endpoints; the
// job stays pending until its events stream opens.
func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.Kind.Valid() {
		writeError(w, http.StatusBadRequest, "invalid import kind")
		return
	}

	jobID, err := s.service.StartJob(req.Kind, req.Items, req.BatchKey)
	if err != nil {
		if errors.Is(err, importer.ErrDuplicateBatch) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]string{
				"error": "batch already started",
				"jobId": jobID,
			})
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	logging.FromContext(r.Context()).Info("import job started",
		"job_id", jobID, "kind", req.Kind, "items", len(req.Items))

	writeJSON(w, map[string]string{"jobId": jobID})
}

// handleJobEvents streams job progress as Server-Sent Events. Opening
// the first stream for a pending job launches its runner. The first
// message is a status snapshot; the stream closes when the job reaches
// a terminal state or the client disconnects. Disconnecting only
// detaches the listener, the job keeps running.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("jobId")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "missing job id")
		return
	}

	events, err := s.service.Subscribe(jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			data, _ := json.Marshal(ev)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

type commitRequest struct {
	Kind     importer.ImportKind     `json:"kind"`
	Items    []importer.PreparedItem `json:"items"`
	BatchKey string                  `json:"batchKey,omitempty"`
}

type commitResponse struct {
	OK          bool   `json:"ok"`
	Inserted    int    `json:"inserted"`
	Failed      int    `json:"failed"`
	Message     string `json:"message,omitempty"`
	FailedIndex *int   `json:"failedIndex,omitempty"`
}

// handleCommit is the synchronous fallback for clients whose progress
// stream dropped: the same all-or-nothing transaction, no streaming.
func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.Kind.Valid() {
		writeError(w, http.StatusBadRequest, "invalid import kind")
		return
	}

	inserted, failedIndex, err := s.service.Commit(r.Context(), req.Kind, req.Items, req.BatchKey)
	if err != nil {
		if errors.Is(err, importer.ErrDuplicateBatch) {
			writeError(w, http.StatusConflict, "batch already committed")
			return
		}
		if errors.Is(err, importer.ErrEmptyBatch) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, commitResponse{
			OK:          false,
			Failed:      len(req.Items),
			Message:     err.Error(),
			FailedIndex: failedIndex,
		})
		return
	}

	writeJSON(w, commitResponse{OK: true, Inserted: inserted})
}

// handleJobErrors downloads the CSV error report for a failed job and
// evicts the job: the download is one-shot, a repeat request gets 404.
func (s *Server) handleJobErrors(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("jobId")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "missing job id")
		return
	}

	errs, ok := s.service.TakeErrorReport(jobID)
	if !ok {
		writeError(w, http.StatusNotFound, "no error report for job")
		return
	}

	filename := fmt.Sprintf("import_errors_%s.csv", time.Now().Format("20060102_150405"))
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))

	if err := importer.WriteErrorReport(w, errs); err != nil {
		logging.FromContext(r.Context()).Error("write error report", "job_id", jobID, "error", err)
	}
}

// handleSample downloads the template spreadsheet for an import kind.
func (s *Server) handleSample(w http.ResponseWriter, r *http.Request) {
	kind := importer.ImportKind(r.URL.Query().Get("kind"))
	if !kind.Valid() {
		writeError(w, http.StatusBadRequest, "invalid import kind")
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s_template.csv"`, kind))

	if err := importer.WriteSampleCSV(w, kind); err != nil {
		logging.FromContext(r.Context()).Error("write sample", "kind", kind, "error", err)
	}
}

// writeError writes a JSON error response and logs it server-side.
func writeError(w http.ResponseWriter, status int, message string) {
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "status", status, "error", message)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q}`, message)
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode", "error", err)
	}
}
