package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/zombor/gastos-import/internal/extraction"
	"github.com/zombor/gastos-import/internal/form"
	"github.com/zombor/gastos-import/internal/intake"
	"github.com/zombor/gastos-import/internal/pipeline"
	"github.com/zombor/gastos-import/internal/store"
)

// maxRequestSize bounds the upload body. Files between intake.MaxFileSize
// and this limit still reach intake and get a too-large rejection.
const maxRequestSize = 64 << 20

// stateResponse is the JSON form of a pipeline.State
type stateResponse struct {
	State     string             `json:"state"`
	RequestID string             `json:"request_id,omitempty"`
	FileName  string             `json:"file_name,omitempty"`
	Outcome   string             `json:"outcome,omitempty"`
	Message   string             `json:"message,omitempty"`
	Result    *extraction.Result `json:"result,omitempty"`
	Preview   string             `json:"preview,omitempty"`
}

func newStateResponse(state pipeline.State) stateResponse {
	resp := stateResponse{State: state.Name()}
	switch st := state.(type) {
	case pipeline.Uploading:
		resp.RequestID = st.RequestID
		resp.FileName = st.FileName
	case pipeline.Succeeded:
		resp.RequestID = st.RequestID
		resp.Outcome = extraction.OutcomeExtracted.String()
		resp.Message = st.Message
		result := st.Result
		resp.Result = &result
	case pipeline.Failed:
		resp.RequestID = st.RequestID
		resp.Outcome = st.Kind.String()
		resp.Message = st.Reason
	}
	return resp
}

// writeJSON writes v with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeError writes a JSON error body
func writeError(w http.ResponseWriter, code int, message string, attrs ...string) {
	body := map[string]string{"error": message}
	for i := 0; i+1 < len(attrs); i += 2 {
		body[attrs[i]] = attrs[i+1]
	}
	writeJSON(w, code, body)
}

// handleSubmit uploads the first file of the form for extraction
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestSize)
	if err := r.ParseMultipartForm(intake.MaxFileSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, (&intake.ValidationError{Reason: intake.ReasonTooLarge}).Message(), "reason", string(intake.ReasonTooLarge))
			return
		}
		writeError(w, http.StatusBadRequest, "Error parsing form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["file"]
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, "No se seleccionó ningún archivo")
		return
	}

	// Only the first file is used; the rest are never read
	f, err := intake.FromMultipart(headers[0])
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", headers[0].Filename)
		writeError(w, http.StatusInternalServerError, "Error al leer el archivo")
		return
	}

	// The upload outlives the local request; the client timeout bounds it
	state, err := s.session.Submit(context.WithoutCancel(r.Context()), f)
	var validationErr *intake.ValidationError
	switch {
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, validationErr.Message(), "reason", string(validationErr.Reason))
	case errors.Is(err, pipeline.ErrSubmissionInFlight):
		writeError(w, http.StatusConflict, "Ya hay un archivo en proceso")
	case errors.Is(err, pipeline.ErrStaleResponse):
		writeError(w, http.StatusConflict, "La importación fue cancelada")
	default:
		// Extraction outcomes, good or bad, are reported through the state
		writeJSON(w, http.StatusOK, newStateResponse(state))
	}
}

// handleGetImport returns the session state and the preview when ready
func (s *Server) handleGetImport(w http.ResponseWriter, r *http.Request) {
	resp := newStateResponse(s.session.State())
	if dataURL, ok := s.session.Preview(); ok {
		resp.Preview = dataURL
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	s.session.Acknowledge()
	writeJSON(w, http.StatusOK, newStateResponse(s.session.State()))
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	s.session.Dismiss()
	writeJSON(w, http.StatusOK, newStateResponse(s.session.State()))
}

// handleClose closes the import surface; refused while uploading
func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Close(); err != nil {
		writeError(w, http.StatusConflict, "No se puede cerrar mientras se procesa el archivo")
		return
	}
	writeJSON(w, http.StatusOK, newStateResponse(s.session.State()))
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.session.Reset()
	writeJSON(w, http.StatusOK, newStateResponse(s.session.State()))
}

// handleTakeHandOff returns the pre-filled expense draft, once
func (s *Server) handleTakeHandOff(w http.ResponseWriter, r *http.Request) {
	draft, err := form.Consume(s.slot)
	if err != nil {
		slog.Error("Error taking hand-off result", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if draft == nil {
		setCORSHeaders(w)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, draft)
}

// handleListImports returns the import history, most recent first
func (s *Server) handleListImports(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	records, err := s.history.ListImports(limit)
	if err != nil {
		slog.Error("Error listing imports", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	// Ensure we always return an array, not nil
	if records == nil {
		records = []*store.ImportRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}
