package api

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/vendornexus/backend/internal/apperr"
	"github.com/vendornexus/backend/internal/database"
	"github.com/vendornexus/backend/internal/evidence"
	"github.com/vendornexus/backend/internal/middleware"
)

type stepDecisionFunc func(ctx context.Context, stepID, reason string) (*database.ChecklistStep, error)

// maxMultipartMemory bounds how much of an upload buffers in memory before
// spilling to disk; the per-file size cap is enforced by the service.
const maxMultipartMemory = 32 << 20

func (s *Server) handleUploadEvidence(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		writeError(w, apperr.New(apperr.Validation, "multipart form required"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, apperr.New(apperr.Validation, "file field is required"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, apperr.Wrap(err, apperr.Internal, "read upload"))
		return
	}

	ev, err := s.evidence.Upload(r.Context(), mux.Vars(r)["caseId"], evidence.UploadInput{
		EvidenceType: r.FormValue("evidenceType"),
		StepID:       r.FormValue("stepId"),
		Filename:     header.Filename,
		MimeType:     header.Header.Get("Content-Type"),
		Bytes:        data,
		ClientIP:     middleware.ClientIP(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (s *Server) handleEvidenceURL(w http.ResponseWriter, r *http.Request) {
	var ttl time.Duration
	if raw := r.URL.Query().Get("ttlSeconds"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, apperr.New(apperr.Validation, "ttlSeconds must be an integer"))
			return
		}
		ttl = time.Duration(secs) * time.Second
	}
	url, err := s.evidence.SignedURL(r.Context(), mux.Vars(r)["evidenceId"], ttl)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": url})
}

func (s *Server) handleVerifyStep(w http.ResponseWriter, r *http.Request) {
	s.handleStepDecision(w, r, s.evidence.VerifyStep)
}

func (s *Server) handleRejectStep(w http.ResponseWriter, r *http.Request) {
	s.handleStepDecision(w, r, s.evidence.RejectStep)
}

func (s *Server) handleWaiveStep(w http.ResponseWriter, r *http.Request) {
	s.handleStepDecision(w, r, s.evidence.WaiveStep)
}

func (s *Server) handleStepDecision(w http.ResponseWriter, r *http.Request, decide stepDecisionFunc) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	step, err := decide(r.Context(), mux.Vars(r)["stepId"], req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, step)
}
