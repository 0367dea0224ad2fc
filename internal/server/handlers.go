package server

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/bidcraft/bidcraft/internal/blob"
	"github.com/bidcraft/bidcraft/internal/store"
	"github.com/bidcraft/bidcraft/pkg/schema"
)

// submitResponse acknowledges an accepted assessment.
type submitResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	PollURL   string `json:"poll_url"`
}

// handleSubmitAssessment accepts a new assessment and schedules the
// proposal workflow for it.
func (s *Server) handleSubmitAssessment(w http.ResponseWriter, r *http.Request) {
	var intake store.Intake
	if err := json.NewDecoder(r.Body).Decode(&intake); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	if err := s.deps.Validator.ValidateIntake(intake); err != nil {
		writeBidcraftError(w, err)
		return
	}

	id, err := s.deps.Store.CreateSession(r.Context(), intake)
	if err != nil {
		s.deps.Logger.Error("failed to create session", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	if err := s.deps.Dispatcher.Dispatch(r.Context(), id); err != nil {
		// The dispatcher already marked the session ERROR; surface the
		// failure so the client does not poll a run that never started.
		s.deps.Logger.Error("failed to dispatch session", "session_id", id, "error", err)
		writeBidcraftError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, submitResponse{
		SessionID: id,
		Status:    string(schema.SessionStatusPending),
		PollURL:   "/agent-status/" + id,
	})
}

// handleAgentStatus returns the full session view for polling clients.
func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Store.GetSession(r.Context(), r.PathValue("session_id"))
	if err != nil {
		writeBidcraftError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// resultsResponse carries the generated artifact links.
type resultsResponse struct {
	PowerPointURL string          `json:"powerpoint_url,omitempty"`
	SOWURL        string          `json:"sow_url,omitempty"`
	CostData      json.RawMessage `json:"cost_data,omitempty"`
}

// handleResults returns download links for a session's artifacts,
// matched by filename. A session with no artifacts yields 404 whatever
// its status.
func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Store.GetSession(r.Context(), r.PathValue("session_id"))
	if err != nil {
		writeBidcraftError(w, err)
		return
	}
	if len(sess.DocumentURLs) == 0 {
		writeError(w, http.StatusNotFound, "no generated documents for this session")
		return
	}

	resp := resultsResponse{CostData: sess.CostData}
	for _, url := range sess.DocumentURLs {
		lower := strings.ToLower(url)
		switch {
		case resp.PowerPointURL == "" && strings.Contains(lower, "pptx"):
			resp.PowerPointURL = url
		case resp.SOWURL == "" && strings.Contains(lower, "sow"):
			resp.SOWURL = url
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleUploadTemplate stores an uploaded template under the prefix
// matching its extension, where the retrieval step will find it.
func (s *Server) handleUploadTemplate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid multipart form: %v", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	name := path.Base(header.Filename)
	if name == "." || name == "/" || name == "" {
		writeError(w, http.StatusBadRequest, "invalid file name")
		return
	}

	var prefix string
	switch strings.ToLower(path.Ext(name)) {
	case ".docx":
		prefix = blob.SOWTemplatePrefix
	case ".pptx":
		prefix = blob.PowerPointTemplatePrefix
	default:
		writeError(w, http.StatusBadRequest, "unsupported template type, expected .docx or .pptx")
		return
	}

	key := prefix + name
	size, err := s.deps.Blobs.Put(r.Context(), key, file)
	if err != nil {
		s.deps.Logger.Error("failed to store template", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store template")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"path": key,
		"size": size,
	})
}

// signedVerifier is implemented by blob stores that serve their own
// download URLs.
type signedVerifier interface {
	VerifySignedRequest(key, expiresParam, sig string) error
}

// handleBlob serves a stored object after checking its signed URL
// parameters.
func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	verifier, ok := s.deps.Blobs.(signedVerifier)
	if !ok {
		writeError(w, http.StatusNotFound, "downloads are not served from this endpoint")
		return
	}
	q := r.URL.Query()
	if err := verifier.VerifySignedRequest(key, q.Get("expires"), q.Get("sig")); err != nil {
		writeError(w, http.StatusForbidden, "invalid or expired download link")
		return
	}

	rc, err := s.deps.Blobs.Get(r.Context(), key)
	if err != nil {
		writeBidcraftError(w, err)
		return
	}
	defer rc.Close()

	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		w.Header().Set("Content-Type", ct)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(key)))
	if _, err := io.Copy(w, rc); err != nil {
		s.deps.Logger.Warn("failed to stream blob", "key", key, "error", err)
	}
}
