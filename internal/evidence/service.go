// Package evidence handles versioned file uploads against cases, the
// audit hash chain entries they produce, and the verify/reject/waive
// decisions on checklist steps.
package evidence

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/vendornexus/backend/internal/apperr"
	"github.com/vendornexus/backend/internal/authz"
	"github.com/vendornexus/backend/internal/cases"
	"github.com/vendornexus/backend/internal/chain"
	"github.com/vendornexus/backend/internal/database"
	"github.com/vendornexus/backend/internal/events"
	"github.com/vendornexus/backend/internal/ids"
	"github.com/vendornexus/backend/internal/metrics"
	"github.com/vendornexus/backend/internal/notify"
	"github.com/vendornexus/backend/internal/storage"
)

const maxUploadBytes = 25 << 20

type Service struct {
	store    database.Store
	blobs    storage.Gateway
	appender *chain.Appender
	cases    *cases.Service
	notify   *notify.Service
	bus      events.Emitter
	clock    ids.Clock
	m        *metrics.Metrics
	urlTTL   time.Duration
	logger   *log.Logger
}

func NewService(store database.Store, blobs storage.Gateway, appender *chain.Appender, caseSvc *cases.Service, notifySvc *notify.Service, bus events.Emitter, clock ids.Clock, m *metrics.Metrics) *Service {
	if clock == nil {
		clock = ids.SystemClock()
	}
	return &Service{
		store:    store,
		blobs:    blobs,
		appender: appender,
		cases:    caseSvc,
		notify:   notifySvc,
		bus:      bus,
		clock:    clock,
		m:        m,
		urlTTL:   maxSignedURLTTL,
		logger:   log.New(log.Writer(), "[Evidence] ", log.LstdFlags),
	}
}

// maxSignedURLTTL is the ceiling for evidence download links. The storage
// gateway allows longer-lived links for other blob classes; evidence never
// gets one.
const maxSignedURLTTL = time.Hour

// SetURLTTL overrides the default signed-URL lifetime. Values outside
// (0, 1h] fall back to the one-hour ceiling.
func (s *Service) SetURLTTL(d time.Duration) {
	if d <= 0 || d > maxSignedURLTTL {
		d = maxSignedURLTTL
	}
	s.urlTTL = d
}

type UploadInput struct {
	EvidenceType string
	StepID       string
	Filename     string
	MimeType     string
	Bytes        []byte
	ClientIP     string
}

// Upload stores a new evidence version. The blob is written first; the
// database transaction is the commit point, and a failed transaction
// triggers a best-effort delete of the orphaned blob.
func (s *Service) Upload(ctx context.Context, caseID string, in UploadInput) (*database.Evidence, error) {
	p, err := authz.PrincipalFrom(ctx)
	if err != nil {
		return nil, err
	}
	access, err := authz.AccessFrom(ctx)
	if err != nil {
		return nil, err
	}
	if in.EvidenceType == "" {
		return nil, apperr.New(apperr.Validation, "evidenceType is required")
	}
	if len(in.Bytes) == 0 {
		return nil, apperr.New(apperr.Validation, "file is empty")
	}
	if len(in.Bytes) > maxUploadBytes {
		return nil, apperr.Newf(apperr.Validation, "file exceeds %d bytes", maxUploadBytes)
	}
	if in.Filename == "" {
		in.Filename = "upload.bin"
	}
	if in.MimeType == "" {
		in.MimeType = "application/octet-stream"
	}

	contentHash := chain.HashPayload(in.Bytes)
	now := s.clock.Now()

	var (
		ev            *database.Evidence
		uploadedKey   string
		statusChanged bool
		c             *database.Case
	)
	err = s.store.Tx(ctx, func(tx database.Store) error {
		if err := tx.LockCase(ctx, caseID); err != nil {
			return err
		}
		var err error
		if c, err = tx.GetCase(ctx, access, caseID); err != nil {
			return err
		}

		version, err := tx.MaxEvidenceVersion(ctx, caseID, in.EvidenceType)
		if err != nil {
			return err
		}
		version++

		key := storage.EvidenceKey(caseID, in.EvidenceType, now, version, in.Filename)
		if err := s.blobs.Put(ctx, key, in.Bytes, in.MimeType); err != nil {
			s.storageOp("put", "error")
			return err
		}
		s.storageOp("put", "ok")
		uploadedKey = key

		ev = &database.Evidence{
			EvidenceID:      ids.NewID(ids.PrefixEvidence, contentHash),
			CaseID:          caseID,
			StepID:          in.StepID,
			EvidenceType:    in.EvidenceType,
			Version:         version,
			Filename:        storage.SanitizeFilename(in.Filename),
			StorageKey:      key,
			MimeType:        in.MimeType,
			SizeBytes:       int64(len(in.Bytes)),
			ContentHash:     contentHash,
			UploaderContext: string(p.ActiveContext),
			UploaderUserID:  p.UserID,
			Status:          database.EvidenceSubmitted,
			CreatedAt:       now,
		}
		if err := tx.CreateEvidence(ctx, ev); err != nil {
			return err
		}

		if in.StepID != "" {
			step, err := tx.GetChecklistStep(ctx, in.StepID)
			if err != nil {
				return err
			}
			if step.CaseID != caseID {
				return apperr.New(apperr.Validation, "checklist step belongs to a different case")
			}
			step.Status = database.StepSubmitted
			if err := tx.UpdateChecklistStep(ctx, step); err != nil {
				return err
			}
		}

		if _, err := s.appender.Append(ctx, tx, chain.Draft{
			DocumentID:  ev.EvidenceID,
			UserID:      p.UserID,
			PayloadHash: contentHash,
			Metadata: map[string]any{
				"action":       "UPLOAD",
				"caseId":       caseID,
				"evidenceType": in.EvidenceType,
				"version":      version,
				"ip":           in.ClientIP,
			},
		}); err != nil {
			return err
		}

		statusChanged, err = s.cases.RederiveStatus(ctx, tx, c)
		return err
	})
	if err != nil {
		if uploadedKey != "" {
			if derr := s.blobs.Delete(context.WithoutCancel(ctx), uploadedKey); derr != nil {
				s.logger.Printf("orphan blob %s not cleaned up: %v", uploadedKey, derr)
			}
		}
		return nil, err
	}

	if s.m != nil {
		s.m.EvidenceUploads.Inc()
	}
	if s.bus != nil {
		s.bus.Emit(events.EvidenceUploaded, "evidence", p.TenantID, map[string]any{
			"evidenceId":   ev.EvidenceID,
			"caseId":       caseID,
			"evidenceType": ev.EvidenceType,
			"version":      ev.Version,
			"contentHash":  ev.ContentHash,
		})
		if statusChanged {
			s.bus.Emit(events.CaseStatusChanged, "evidence", p.TenantID, map[string]any{
				"caseId": caseID,
				"status": c.Status,
			})
		}
	}
	return ev, nil
}

// SignedURL authorizes access to an evidence blob, records the download in
// the audit chain, and returns a time-limited URL. TTLs are clamped to one
// hour.
func (s *Service) SignedURL(ctx context.Context, evidenceID string, ttl time.Duration) (string, error) {
	p, err := authz.PrincipalFrom(ctx)
	if err != nil {
		return "", err
	}
	access, err := authz.AccessFrom(ctx)
	if err != nil {
		return "", err
	}
	ev, err := s.store.GetEvidence(ctx, evidenceID)
	if err != nil {
		return "", err
	}
	if _, err := s.store.GetCase(ctx, access, ev.CaseID); err != nil {
		return "", err
	}

	if _, err := s.appender.AppendNew(ctx, chain.Draft{
		DocumentID:  ev.EvidenceID,
		UserID:      p.UserID,
		PayloadHash: ev.ContentHash,
		Metadata: map[string]any{
			"action": "DOWNLOAD",
			"caseId": ev.CaseID,
		},
	}); err != nil {
		return "", err
	}

	if ttl <= 0 || ttl > s.urlTTL {
		ttl = s.urlTTL
	}
	url, err := s.blobs.SignedURL(ctx, ev.StorageKey, ttl)
	if err != nil {
		s.storageOp("sign", "error")
		return "", err
	}
	s.storageOp("sign", "ok")
	return url, nil
}

// VerifyStep marks a checklist step verified and re-derives case status.
func (s *Service) VerifyStep(ctx context.Context, stepID, reason string) (*database.ChecklistStep, error) {
	return s.decideStep(ctx, stepID, database.StepVerified, database.DecisionVerify, reason, false)
}

// RejectStep marks a step rejected; the reason is mandatory and recorded on
// the step itself so the vendor sees what to fix.
func (s *Service) RejectStep(ctx context.Context, stepID, reason string) (*database.ChecklistStep, error) {
	if reason == "" {
		return nil, apperr.New(apperr.Validation, "rejection reason is required")
	}
	return s.decideStep(ctx, stepID, database.StepRejected, database.DecisionReject, reason, true)
}

// WaiveStep excuses a step without evidence. Waived steps count as complete
// for approval purposes.
func (s *Service) WaiveStep(ctx context.Context, stepID, reason string) (*database.ChecklistStep, error) {
	if reason == "" {
		return nil, apperr.New(apperr.Validation, "waive reason is required")
	}
	return s.decideStep(ctx, stepID, database.StepWaived, database.DecisionWaive, reason, true)
}

func (s *Service) decideStep(ctx context.Context, stepID, status, decision, reason string, keepReason bool) (*database.ChecklistStep, error) {
	p, err := authz.PrincipalFrom(ctx)
	if err != nil {
		return nil, err
	}
	access, err := authz.AccessFrom(ctx)
	if err != nil {
		return nil, err
	}
	if access.Context == authz.ContextVendor {
		return nil, apperr.New(apperr.Forbidden, "vendors cannot decide checklist steps")
	}

	var (
		step          *database.ChecklistStep
		c             *database.Case
		statusChanged bool
	)
	err = s.store.Tx(ctx, func(tx database.Store) error {
		var err error
		if step, err = tx.GetChecklistStep(ctx, stepID); err != nil {
			return err
		}
		if err := tx.LockCase(ctx, step.CaseID); err != nil {
			return err
		}
		if c, err = tx.GetCase(ctx, access, step.CaseID); err != nil {
			return err
		}
		step.Status = status
		if keepReason {
			step.WaivedReason = reason
		}
		if err := tx.UpdateChecklistStep(ctx, step); err != nil {
			return err
		}
		if status != database.StepWaived {
			if err := s.markStepEvidence(ctx, tx, step, status); err != nil {
				return err
			}
		}
		if err := tx.CreateActivity(ctx, &database.Activity{
			ActivityID:   ids.NewID(ids.PrefixActivity, stepID),
			CaseID:       step.CaseID,
			DecisionType: decision,
			ActorUserID:  p.UserID,
			ActorContext: string(p.ActiveContext),
			What:         fmt.Sprintf("step %q marked %s", step.Label, status),
			Why:          reason,
		}); err != nil {
			return err
		}
		statusChanged, err = s.cases.RederiveStatus(ctx, tx, c)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.afterDecision(ctx, p.TenantID, c, step, status, reason, statusChanged)
	return step, nil
}

func (s *Service) afterDecision(ctx context.Context, tenantID string, c *database.Case, step *database.ChecklistStep, status, reason string, statusChanged bool) {
	eventType := events.EvidenceVerified
	ntype := notify.TypeEvidenceVerified
	title := fmt.Sprintf("Document accepted on case %s", c.CaseID)
	body := step.Label
	if status == database.StepRejected {
		eventType = events.EvidenceRejected
		ntype = notify.TypeEvidenceRejected
		title = fmt.Sprintf("Document rejected on case %s", c.CaseID)
		body = fmt.Sprintf("%s: %s", step.Label, reason)
	}
	if s.bus != nil {
		s.bus.Emit(eventType, "evidence", tenantID, map[string]any{
			"caseId": c.CaseID,
			"stepId": step.StepID,
			"status": status,
		})
		if statusChanged {
			s.bus.Emit(events.CaseStatusChanged, "evidence", tenantID, map[string]any{
				"caseId": c.CaseID,
				"status": c.Status,
			})
		}
	}
	if s.notify != nil && status != database.StepWaived {
		s.notify.NotifyVendorUsers(ctx, c.VendorID, ntype, title, body, "case", c.CaseID)
	}
}

// markStepEvidence carries the step verdict onto the evidence rows that
// were uploaded against the step, so the latest version reflects it.
func (s *Service) markStepEvidence(ctx context.Context, tx database.Store, step *database.ChecklistStep, stepStatus string) error {
	evStatus := database.EvidenceVerified
	if stepStatus == database.StepRejected {
		evStatus = database.EvidenceRejected
	}
	rows, err := tx.ListEvidence(ctx, step.CaseID)
	if err != nil {
		return err
	}
	for _, ev := range rows {
		if ev.StepID != step.StepID || ev.Status != database.EvidenceSubmitted {
			continue
		}
		if err := tx.UpdateEvidenceStatus(ctx, ev.EvidenceID, evStatus); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) storageOp(op, result string) {
	if s.m != nil {
		s.m.StorageOps.WithLabelValues(op, result).Inc()
	}
}
