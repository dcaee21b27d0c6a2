package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"docket/api/internal/export"
	"docket/api/internal/rbac"
	"docket/api/internal/store"
	"docket/api/internal/util"
)

// renderedDocument is a quality document rendered for the history entry a
// review is expected to append.
type renderedDocument struct {
	historyID string
	itemID    string
	version   int
	snapshot  json.RawMessage
	path      string
}

// renderDocument previews the history entry that approving requestID would
// append and renders its quality document before any transaction opens. It
// returns nil when no document is needed or the request cannot be approved as
// read; the review transaction then reports the reason.
func (s *Service) renderDocument(ctx context.Context, actor rbac.Actor, requestID string) (*renderedDocument, error) {
	if s.documents == nil {
		return nil, nil
	}
	var (
		doc     *renderedDocument
		project store.Project
		entry   store.ItemHistory
	)
	err := s.read(ctx, func(repo store.Repository) error {
		request, err := repo.GetChangeRequest(ctx, requestID)
		if err != nil || request.Status != store.ChangeRequestPending || request.TargetType != store.TargetItem {
			return nil
		}
		if !s.policy.CanTransition(actor, rbac.Transition{
			Machine:    rbac.MachineChangeRequest,
			From:       store.ChangeRequestPending,
			To:         store.ChangeRequestApproved,
			TargetType: request.TargetType,
			OwnerID:    deref(request.SubmitterID),
		}) {
			return nil
		}
		p, err := s.resolveProposal(ctx, repo, request)
		if err != nil || !s.needsQuality(p) {
			return nil
		}
		historyID, itemID := newItemIDs(request)
		at := s.clock()
		entry, err = historyEntry(request, materializeItem(request, p, itemID, at), historyID, actor, at)
		if err != nil {
			return err
		}
		project = p.project
		doc = &renderedDocument{historyID: historyID, itemID: itemID, version: entry.Version, snapshot: entry.Snapshot}
		return nil
	})
	if err != nil || doc == nil {
		return nil, err
	}
	if doc.path, err = s.documents.Generate(ctx, project, entry); err != nil {
		return nil, fmt.Errorf("generate quality document: %w", err)
	}
	return doc, nil
}

func (s *Service) needsQuality(p proposal) bool {
	itemType := p.itemPayload.Type
	if itemType == "" && p.item != nil {
		itemType = p.item.Type
	}
	return s.requiresQuality(itemType) && p.kind != store.KindDelete
}

// recordHistory appends entry and, when the item type needs sign-off, opens an
// approval against the document rendered for it.
func (s *Service) recordHistory(ctx context.Context, repo store.Repository, p proposal, entry *store.ItemHistory, doc *renderedDocument) error {
	needsQuality := s.needsQuality(p)
	if needsQuality && s.documents != nil {
		if doc == nil || doc.historyID != entry.ID || doc.version != entry.Version || !bytes.Equal(doc.snapshot, entry.Snapshot) {
			return conflict("the item changed while its quality document was rendered", "rendered", "changed")
		}
		entry.DocumentPath = doc.path
	}
	if err := repo.InsertItemHistory(ctx, *entry); err != nil {
		return err
	}
	if !needsQuality {
		return nil
	}
	return repo.InsertQualityApproval(ctx, store.QCDocumentApproval{
		ID:            util.NewID("qca"),
		HistoryID:     entry.ID,
		ItemID:        entry.ItemID,
		ProjectID:     entry.ProjectID,
		SubmitterID:   entry.SubmitterID,
		SubmitterName: entry.SubmitterName,
		Status:        store.QualityPendingQC,
		DocumentPath:  entry.DocumentPath,
		CreatedAt:     entry.CreatedAt,
		UpdatedAt:     entry.CreatedAt,
	})
}

// ApproveAsQC signs the QC stage and hands the document to PM.
func (s *Service) ApproveAsQC(ctx context.Context, actor rbac.Actor, approvalID, note string) (store.QCDocumentApproval, error) {
	note = normalizeNote(note)
	var result store.QCDocumentApproval
	err := s.mutate(ctx, actor, rbac.MachineQuality, "approve_qc", func(repo store.Repository, fx *effects) error {
		approval, err := loadApproval(ctx, repo, approvalID)
		if err != nil {
			return err
		}
		if !s.policy.CanTransition(actor, rbac.Transition{
			Machine: rbac.MachineQuality,
			From:    store.QualityPendingQC,
			To:      store.QualityPendingPM,
			OwnerID: deref(approval.SubmitterID),
		}) {
			return forbidden("QC qualification is required")
		}
		if approval.Status != store.QualityPendingQC {
			return conflict("document is not awaiting QC", store.QualityPendingQC, approval.Status)
		}

		guard := approval.Guard()
		now := s.clock()
		approval.Status = store.QualityPendingPM
		approval.QCApproverID = ptr(actor.ID)
		approval.QCApproverName = actorName(actor)
		approval.QCApprovedAt = ptr(now)
		approval.QCNote = note
		approval.UpdatedAt = now
		if err := casApproval(ctx, repo, approval, guard); err != nil {
			return err
		}
		if err := s.notify(ctx, repo, fx, event{
			recipientID: approval.SubmitterID,
			kind:        store.NotificationQCApproved,
			title:       "QC approved",
			body:        fmt.Sprintf("%s approved the QC stage; awaiting PM sign-off", actorName(actor)),
			link:        approvalLink(approval.ID),
			referenceID: approval.ID,
		}); err != nil {
			return err
		}
		queueSignature(fx, approval.DocumentPath, actor, store.StageQC, now, note)
		result = approval
		return nil
	})
	return result, err
}

// ApproveAsPM completes the sign-off. The QC signer may not sign PM unless the
// policy allows it.
func (s *Service) ApproveAsPM(ctx context.Context, actor rbac.Actor, approvalID, note string) (store.QCDocumentApproval, error) {
	note = normalizeNote(note)
	var result store.QCDocumentApproval
	err := s.mutate(ctx, actor, rbac.MachineQuality, "approve_pm", func(repo store.Repository, fx *effects) error {
		approval, err := loadApproval(ctx, repo, approvalID)
		if err != nil {
			return err
		}
		if !actor.PMQualified {
			return forbidden("PM qualification is required")
		}
		if !s.policy.CanTransition(actor, rbac.Transition{
			Machine:    rbac.MachineQuality,
			From:       store.QualityPendingPM,
			To:         store.QualityCompleted,
			OwnerID:    deref(approval.SubmitterID),
			QCSignerID: deref(approval.QCApproverID),
		}) {
			return forbidden("the QC signer cannot also sign the PM stage")
		}
		if approval.Status != store.QualityPendingPM {
			return conflict("document is not awaiting PM", store.QualityPendingPM, approval.Status)
		}

		guard := approval.Guard()
		now := s.clock()
		approval.Status = store.QualityCompleted
		approval.PMApproverID = ptr(actor.ID)
		approval.PMApproverName = actorName(actor)
		approval.PMApprovedAt = ptr(now)
		approval.PMNote = note
		approval.UpdatedAt = now
		if err := casApproval(ctx, repo, approval, guard); err != nil {
			return err
		}
		if err := s.notify(ctx, repo, fx, event{
			recipientID: approval.SubmitterID,
			kind:        store.NotificationCompleted,
			title:       "Quality sign-off completed",
			body:        fmt.Sprintf("%s completed the PM sign-off", actorName(actor)),
			link:        approvalLink(approval.ID),
			referenceID: approval.ID,
		}); err != nil {
			return err
		}
		queueSignature(fx, approval.DocumentPath, actor, store.StagePM, now, note)
		result = approval
		return nil
	})
	return result, err
}

// Reject ends the approval from whichever stage is pending.
func (s *Service) Reject(ctx context.Context, actor rbac.Actor, approvalID, note string) (store.QCDocumentApproval, error) {
	note = normalizeNote(note)
	if note == "" {
		return store.QCDocumentApproval{}, validationError("a note is required to reject", nil)
	}
	var result store.QCDocumentApproval
	err := s.mutate(ctx, actor, rbac.MachineQuality, "reject", func(repo store.Repository, fx *effects) error {
		approval, stage, err := s.loadPendingStage(ctx, repo, actor, approvalID, store.QualityRejected)
		if err != nil {
			return err
		}
		guard := approval.Guard()
		now := s.clock()
		approval.Status = store.QualityRejected
		approval.RejectedByID = ptr(actor.ID)
		approval.RejectedByName = actorName(actor)
		approval.RejectedAt = ptr(now)
		approval.RejectionNote = note
		approval.UpdatedAt = now
		if err := casApproval(ctx, repo, approval, guard); err != nil {
			return err
		}
		if err := s.notify(ctx, repo, fx, event{
			recipientID: approval.SubmitterID,
			kind:        store.NotificationQualityRejected,
			title:       "Quality document rejected",
			body:        fmt.Sprintf("%s rejected the document at the %s stage: %s", actorName(actor), stage, note),
			link:        approvalLink(approval.ID),
			referenceID: approval.ID,
		}); err != nil {
			return err
		}
		result = approval
		return nil
	})
	return result, err
}

// RequestRevision sends the document back to its submitter.
func (s *Service) RequestRevision(ctx context.Context, actor rbac.Actor, approvalID, note string) (store.QCDocumentApproval, error) {
	note = normalizeNote(note)
	if note == "" {
		return store.QCDocumentApproval{}, validationError("a note is required to request a revision", nil)
	}
	var result store.QCDocumentApproval
	err := s.mutate(ctx, actor, rbac.MachineQuality, "request_revision", func(repo store.Repository, fx *effects) error {
		approval, stage, err := s.loadPendingStage(ctx, repo, actor, approvalID, store.QualityRevisionRequired)
		if err != nil {
			return err
		}
		guard := approval.Guard()
		now := s.clock()
		approval.Status = store.QualityRevisionRequired
		approval.RevisionCount++
		approval.UpdatedAt = now
		if err := casApproval(ctx, repo, approval, guard); err != nil {
			return err
		}
		if err := repo.InsertRevisionItem(ctx, store.RevisionItem{
			ID:            util.NewID("rev"),
			ApprovalID:    approval.ID,
			Stage:         stage,
			RequesterID:   ptr(actor.ID),
			RequesterName: actorName(actor),
			Note:          note,
			RequestedAt:   now,
		}); err != nil {
			return err
		}
		if err := s.notify(ctx, repo, fx, event{
			recipientID: approval.SubmitterID,
			kind:        store.NotificationRevisionRequest,
			title:       "Revision requested",
			body:        fmt.Sprintf("%s requested a revision at the %s stage: %s", actorName(actor), stage, note),
			link:        approvalLink(approval.ID),
			referenceID: approval.ID,
		}); err != nil {
			return err
		}
		result = approval
		return nil
	})
	return result, err
}

// ResolveRevision closes the open revision and restarts the sign-off at QC.
func (s *Service) ResolveRevision(ctx context.Context, actor rbac.Actor, approvalID string) (store.QCDocumentApproval, error) {
	var result store.QCDocumentApproval
	err := s.mutate(ctx, actor, rbac.MachineQuality, "resolve_revision", func(repo store.Repository, fx *effects) error {
		approval, err := loadApproval(ctx, repo, approvalID)
		if err != nil {
			return err
		}
		if !s.policy.CanTransition(actor, rbac.Transition{
			Machine: rbac.MachineQuality,
			From:    store.QualityRevisionRequired,
			To:      store.QualityPendingQC,
			OwnerID: deref(approval.SubmitterID),
		}) {
			return forbidden("only the submitter or an administrator can resolve a revision")
		}
		if approval.Status != store.QualityRevisionRequired {
			return conflict("document is not awaiting revision", store.QualityRevisionRequired, approval.Status)
		}
		open, err := repo.GetOpenRevisionItem(ctx, approval.ID)
		if errors.Is(err, sql.ErrNoRows) {
			return integrityError("approval awaits revision but has no open revision item", nil)
		}
		if err != nil {
			return err
		}

		guard := approval.Guard()
		now := s.clock()
		approval.Status = store.QualityPendingQC
		approval.QCApproverID = nil
		approval.QCApproverName = ""
		approval.QCApprovedAt = nil
		approval.QCNote = ""
		approval.PMApproverID = nil
		approval.PMApproverName = ""
		approval.PMApprovedAt = nil
		approval.PMNote = ""
		approval.UpdatedAt = now
		if err := casApproval(ctx, repo, approval, guard); err != nil {
			return err
		}
		resolved, err := repo.ResolveRevisionItem(ctx, open.ID, now)
		if err != nil {
			return err
		}
		if !resolved {
			return conflict("revision was already resolved", "open", "resolved")
		}
		if err := s.notify(ctx, repo, fx, event{
			recipientID: open.RequesterID,
			kind:        store.NotificationRevisionResolved,
			title:       "Revision resolved",
			body:        fmt.Sprintf("%s resolved your revision request; the document is back in QC", actorName(actor)),
			link:        approvalLink(approval.ID),
			referenceID: approval.ID,
		}); err != nil {
			return err
		}
		result = approval
		return nil
	})
	return result, err
}

// loadPendingStage loads an approval that is in one of the two sign-off
// stages and checks that actor may move it to `to` from that stage.
func (s *Service) loadPendingStage(ctx context.Context, repo store.Repository, actor rbac.Actor, approvalID, to string) (store.QCDocumentApproval, string, error) {
	approval, err := loadApproval(ctx, repo, approvalID)
	if err != nil {
		return approval, "", err
	}
	var stage string
	switch approval.Status {
	case store.QualityPendingQC:
		stage = store.StageQC
	case store.QualityPendingPM:
		stage = store.StagePM
	default:
		return approval, "", conflict("document is not awaiting sign-off", store.QualityPendingQC+"|"+store.QualityPendingPM, approval.Status)
	}
	if !s.policy.CanTransition(actor, rbac.Transition{
		Machine: rbac.MachineQuality,
		From:    approval.Status,
		To:      to,
		OwnerID: deref(approval.SubmitterID),
	}) {
		return approval, "", forbidden(stage + " qualification is required")
	}
	return approval, stage, nil
}

func (s *Service) GetQualityApproval(ctx context.Context, approvalID string) (store.QCDocumentApproval, error) {
	var approval store.QCDocumentApproval
	err := s.read(ctx, func(repo store.Repository) error {
		var err error
		approval, err = loadApproval(ctx, repo, approvalID)
		return err
	})
	return approval, err
}

func (s *Service) ListQualityApprovals(ctx context.Context, filter store.QualityFilter) ([]store.QCDocumentApproval, error) {
	filter.Status = strings.ToUpper(strings.TrimSpace(filter.Status))
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	var approvals []store.QCDocumentApproval
	err := s.read(ctx, func(repo store.Repository) error {
		var err error
		approvals, err = repo.ListQualityApprovals(ctx, filter)
		return err
	})
	return approvals, err
}

func loadApproval(ctx context.Context, repo store.Repository, approvalID string) (store.QCDocumentApproval, error) {
	approval, err := repo.GetQualityApproval(ctx, approvalID)
	if errors.Is(err, sql.ErrNoRows) {
		return approval, notFound("quality approval not found")
	}
	return approval, err
}

func casApproval(ctx context.Context, repo store.Repository, approval store.QCDocumentApproval, guard store.ApprovalGuard) error {
	ok, err := repo.UpdateQualityApproval(ctx, approval, guard)
	if err != nil {
		return err
	}
	if !ok {
		return conflict("quality approval was changed by someone else", guard.Status, "")
	}
	return nil
}

func queueSignature(fx *effects, path string, actor rbac.Actor, stage string, at time.Time, note string) {
	if path == "" {
		return
	}
	fx.signatures = append(fx.signatures, signature{
		path: path,
		signer: export.Signer{
			Name:     actorName(actor),
			Stage:    stage,
			SignedAt: at,
			Note:     note,
		},
	})
}

func approvalLink(id string) string {
	return "/quality-approvals/" + id
}
