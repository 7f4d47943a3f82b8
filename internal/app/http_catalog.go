package app

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"maqlexpress/api/internal/catalog"
)

// handlePIDs serves /api/pids and /api/pids/{id}; rest excludes the prefix.
func (s *HTTPServer) handlePIDs(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		items, err := s.service.ListPIDs(r.Context(), session.UserID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case len(rest) == 0 && r.Method == http.MethodPost:
		var body PIDInput
		if !readBody(w, r, &body) {
			return
		}
		payload, err := s.service.CreatePID(r.Context(), session.UserID, body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
	case len(rest) == 1 && r.Method == http.MethodDelete:
		if err := s.service.DeletePID(r.Context(), session, rest[0]); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// handleVariables serves everything under /api/variables/.
func (s *HTTPServer) handleVariables(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	if len(rest) == 1 && rest[0] == "template" && r.Method == http.MethodGet {
		writeFile(w, "variables-template.csv", "text/csv; charset=utf-8", catalog.Template())
		return
	}

	pidID := rest[0]
	switch {
	case len(rest) == 1 && r.Method == http.MethodGet:
		items, err := s.service.ListVariables(r.Context(), session.UserID, pidID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})

	case len(rest) == 1 && r.Method == http.MethodPost:
		var body VariableInput
		if !readBody(w, r, &body) {
			return
		}
		payload, err := s.service.CreateVariable(r.Context(), session.UserID, pidID, body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)

	case len(rest) == 2 && rest[1] == "upload" && r.Method == http.MethodPost:
		s.handleUpload(w, r, session, pidID)

	case len(rest) == 2 && rest[1] == "upload" && r.Method == http.MethodDelete:
		deleted, err := s.service.DeleteAllVariables(r.Context(), session.UserID, pidID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})

	case len(rest) == 2 && rest[1] == "uploads" && r.Method == http.MethodGet:
		items, err := s.service.ListUploads(r.Context(), session.UserID, pidID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})

	case len(rest) == 3 && rest[1] == "uploads" && r.Method == http.MethodGet:
		data, err := s.service.DownloadUpload(r.Context(), session.UserID, pidID, rest[2])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeFile(w, rest[2], "text/csv; charset=utf-8", data)

	case len(rest) == 2 && rest[1] == "export" && r.Method == http.MethodGet:
		res, err := s.service.ExportVariables(r.Context(), session, pidID, r.URL.Query().Get("format"))
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeFile(w, res.Filename, res.MimeType, res.Data)

	case len(rest) == 2 && r.Method == http.MethodPut:
		var body VariableInput
		if !readBody(w, r, &body) {
			return
		}
		payload, err := s.service.UpdateVariable(r.Context(), session.UserID, pidID, rest[1], body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 2 && r.Method == http.MethodDelete:
		if err := s.service.DeleteVariable(r.Context(), session.UserID, pidID, rest[1]); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request, session Session, pidID string) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "expected multipart form with a file field", nil)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "file is required", []FieldError{{Field: "file", Rule: "required"}})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "could not read upload", nil)
		return
	}
	result, err := s.service.ImportCSV(r.Context(), session.UserID, pidID, header.Filename, data)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleDrafts serves /api/drafts/{pid} and /api/drafts/{pid}/history.
func (s *HTTPServer) handleDrafts(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	pidID := rest[0]
	switch {
	case len(rest) == 1 && r.Method == http.MethodGet:
		payload, err := s.service.LoadDraft(r.Context(), session.UserID, pidID, strings.TrimSpace(r.URL.Query().Get("version")))
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 1 && r.Method == http.MethodPut:
		var body DraftInput
		if !readBody(w, r, &body) {
			return
		}
		payload, err := s.service.SaveDraft(r.Context(), session, pidID, body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 2 && rest[1] == "history" && r.Method == http.MethodGet:
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		versions, err := s.service.DraftHistory(r.Context(), session.UserID, pidID, limit)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": versions})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}
