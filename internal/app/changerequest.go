package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"docket/api/internal/rbac"
	"docket/api/internal/store"
	"docket/api/internal/util"
)

const (
	DecisionApprove = "APPROVE"
	DecisionReject  = "REJECT"
)

type SubmitInput struct {
	Kind        string          `json:"kind"`
	TargetType  string          `json:"targetType"`
	ProjectID   string          `json:"projectId"`
	ItemID      string          `json:"itemId"`
	Payload     json.RawMessage `json:"payload"`
	PayloadMode string          `json:"payloadMode"`
	Reason      string          `json:"reason"`
}

type ReviewInput struct {
	Decision string `json:"decision"`
	Note     string `json:"note"`
}

type ResubmitInput struct {
	Payload     json.RawMessage `json:"payload"`
	PayloadMode string          `json:"payloadMode"`
	Reason      string          `json:"reason"`
}

// Submit records a new PENDING change request.
func (s *Service) Submit(ctx context.Context, actor rbac.Actor, input SubmitInput) (store.ChangeRequest, error) {
	kind := strings.ToUpper(strings.TrimSpace(input.Kind))
	target := strings.ToUpper(strings.TrimSpace(input.TargetType))
	if target == "" {
		target = store.TargetItem
	}
	if !allowedTargets[target] {
		return store.ChangeRequest{}, validationError("targetType must be ITEM or PROJECT", nil)
	}
	if !s.policy.CanTransition(actor, rbac.Transition{
		Machine:    rbac.MachineChangeRequest,
		To:         store.ChangeRequestPending,
		TargetType: target,
	}) {
		return store.ChangeRequest{}, forbidden("your role cannot submit this change request")
	}

	now := s.clock()
	request := store.ChangeRequest{
		ID:            util.NewID("cr"),
		Kind:          kind,
		TargetType:    target,
		ProjectID:     strings.TrimSpace(input.ProjectID),
		Payload:       rawOrEmptyObject(input.Payload),
		PayloadMode:   normalizeMode(input.PayloadMode),
		Status:        store.ChangeRequestPending,
		SubmitterID:   ptr(actor.ID),
		SubmitterName: actorName(actor),
		SubmitReason:  strings.TrimSpace(input.Reason),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if itemID := strings.TrimSpace(input.ItemID); itemID != "" {
		request.ItemID = ptr(itemID)
	}
	if target == store.TargetProject && kind == store.KindCreate {
		request.ProjectID = util.NewID("prj")
	}

	err := s.mutate(ctx, actor, rbac.MachineChangeRequest, "submit", func(repo store.Repository, fx *effects) error {
		resolved, err := s.resolveProposal(ctx, repo, request)
		if err != nil {
			return err
		}
		if resolved.item != nil {
			request.ProjectID = resolved.item.ProjectID
		}
		return repo.InsertChangeRequest(ctx, request)
	})
	if err != nil {
		return store.ChangeRequest{}, err
	}
	return request, nil
}

// Review approves or rejects a PENDING change request. Approval applies the
// proposal in the same transaction.
func (s *Service) Review(ctx context.Context, actor rbac.Actor, requestID string, input ReviewInput) (store.ChangeRequest, error) {
	decision := strings.ToUpper(strings.TrimSpace(input.Decision))
	note := normalizeNote(input.Note)
	var to string
	switch decision {
	case DecisionApprove:
		to = store.ChangeRequestApproved
	case DecisionReject:
		to = store.ChangeRequestRejected
		if note == "" {
			return store.ChangeRequest{}, validationError("a note is required to reject", nil)
		}
	default:
		return store.ChangeRequest{}, validationError("decision must be APPROVE or REJECT", nil)
	}

	var doc *renderedDocument
	if to == store.ChangeRequestApproved {
		var err error
		if doc, err = s.renderDocument(ctx, actor, requestID); err != nil {
			s.metrics.observe(string(rbac.MachineChangeRequest), "review", err)
			return store.ChangeRequest{}, err
		}
	}

	var result store.ChangeRequest
	err := s.mutate(ctx, actor, rbac.MachineChangeRequest, "review", func(repo store.Repository, fx *effects) error {
		request, err := loadChangeRequest(ctx, repo, requestID)
		if err != nil {
			return err
		}
		if !s.policy.CanTransition(actor, rbac.Transition{
			Machine:    rbac.MachineChangeRequest,
			From:       store.ChangeRequestPending,
			To:         to,
			TargetType: request.TargetType,
			OwnerID:    deref(request.SubmitterID),
		}) {
			return forbidden("you cannot review change requests")
		}
		if request.Status != store.ChangeRequestPending {
			return conflict("change request was already reviewed", store.ChangeRequestPending, request.Status)
		}

		now := s.clock()
		transition := store.ChangeRequestTransition{
			ID:           request.ID,
			From:         store.ChangeRequestPending,
			To:           to,
			ReviewerID:   ptr(actor.ID),
			ReviewerName: actorName(actor),
			ReviewNote:   note,
			ReviewedAt:   ptr(now),
			At:           now,
		}

		if to == store.ChangeRequestRejected {
			if err := casChangeRequest(ctx, repo, transition); err != nil {
				return err
			}
			if err := s.notify(ctx, repo, fx, event{
				recipientID: request.SubmitterID,
				kind:        store.NotificationChangeRejected,
				title:       "Change request rejected",
				body:        fmt.Sprintf("%s rejected your %s request: %s", actorName(actor), strings.ToLower(request.Kind), note),
				link:        changeRequestLink(request.ID),
				referenceID: request.ID,
			}); err != nil {
				return err
			}
		} else if err := s.approve(ctx, repo, fx, request, transition, actor, doc); err != nil {
			return err
		}

		result, err = repo.GetChangeRequest(ctx, request.ID)
		return err
	})
	return result, err
}

// approve applies request and records the APPROVED transition. The status
// guard runs before any other write so a losing reviewer does no work.
func (s *Service) approve(ctx context.Context, repo store.Repository, fx *effects, request store.ChangeRequest, transition store.ChangeRequestTransition, reviewer rbac.Actor, doc *renderedDocument) error {
	var historyID, itemID string
	if request.TargetType == store.TargetItem {
		historyID, itemID = newItemIDs(request)
		if doc != nil {
			historyID, itemID = doc.historyID, doc.itemID
		}
		transition.ItemID = ptr(itemID)
		transition.HistoryID = ptr(historyID)
	}
	if err := casChangeRequest(ctx, repo, transition); err != nil {
		return err
	}

	p, err := s.resolveProposal(ctx, repo, request)
	if err != nil {
		return err
	}

	if request.TargetType == store.TargetProject {
		if err := s.applyProject(ctx, repo, request, p, transition.At); err != nil {
			return err
		}
	} else {
		entry, err := s.applyItem(ctx, repo, request, p, itemID, historyID, reviewer, transition.At)
		if err != nil {
			return err
		}
		if err := s.recordHistory(ctx, repo, p, &entry, doc); err != nil {
			return err
		}
		fx.mirrored = append(fx.mirrored, mirrorEntry{project: p.project, entry: entry})
	}

	body := fmt.Sprintf("%s approved your %s request", actorName(reviewer), strings.ToLower(request.Kind))
	if code := proposalLabel(p); code != "" {
		body += " for " + code
	}
	err = s.notify(ctx, repo, fx, event{
		recipientID: request.SubmitterID,
		kind:        store.NotificationChangeApproved,
		title:       "Change request approved",
		body:        body,
		link:        changeRequestLink(request.ID),
		referenceID: request.ID,
	})
	return err
}

// newItemIDs allocates the history id and, for CREATE, the item id that
// approving request will write.
func newItemIDs(request store.ChangeRequest) (historyID, itemID string) {
	itemID = deref(request.ItemID)
	if request.Kind == store.KindCreate {
		itemID = util.NewID("itm")
	}
	return util.NewID("hist"), itemID
}

func proposalLabel(p proposal) string {
	switch {
	case p.target == store.TargetProject && p.projectData.Name != "":
		return p.projectData.Name
	case p.target == store.TargetProject:
		return p.project.Name
	case p.itemPayload.Code != "":
		return p.itemPayload.Code
	case p.item != nil:
		return p.item.Code
	}
	return ""
}

func (s *Service) applyProject(ctx context.Context, repo store.Repository, request store.ChangeRequest, p proposal, at time.Time) error {
	switch request.Kind {
	case store.KindCreate:
		return repo.InsertProject(ctx, store.Project{
			ID:         request.ProjectID,
			Name:       p.projectData.Name,
			CodePrefix: p.projectData.CodePrefix,
			CreatedAt:  at,
			UpdatedAt:  at,
		})
	case store.KindUpdate:
		ok, err := repo.UpdateProject(ctx, store.Project{
			ID:         p.project.ID,
			Name:       p.projectData.Name,
			CodePrefix: p.projectData.CodePrefix,
			UpdatedAt:  at,
		})
		if err != nil {
			return err
		}
		if !ok {
			return conflict("project changed while the request was applied", "live", "")
		}
	case store.KindDelete:
		ok, err := repo.SoftDeleteProject(ctx, p.project.ID, at)
		if err != nil {
			return err
		}
		if !ok {
			return conflict("project changed while the request was applied", "live", "")
		}
	}
	return nil
}

// applyItem materializes p onto the item and returns the next history entry.
func (s *Service) applyItem(ctx context.Context, repo store.Repository, request store.ChangeRequest, p proposal, itemID, historyID string, reviewer rbac.Actor, at time.Time) (store.ItemHistory, error) {
	item := materializeItem(request, p, itemID, at)
	if request.Kind == store.KindCreate {
		if err := repo.InsertItem(ctx, item); err != nil {
			return store.ItemHistory{}, err
		}
	} else {
		ok, err := repo.UpdateItem(ctx, item, p.item.CurrentVersion)
		if err != nil {
			return store.ItemHistory{}, err
		}
		if !ok {
			return store.ItemHistory{}, conflict("item version changed while the request was applied", fmt.Sprint(p.item.CurrentVersion), "")
		}
	}
	if request.Kind == store.KindCreate || request.Kind == store.KindUpdate {
		if err := syncLinks(ctx, repo, item, p.itemPayload.RelatedCodes, at); err != nil {
			return store.ItemHistory{}, err
		}
	}
	return historyEntry(request, item, historyID, reviewer, at)
}

// materializeItem returns the item as it will be once request is applied.
func materializeItem(request store.ChangeRequest, p proposal, itemID string, at time.Time) store.Item {
	if request.Kind == store.KindCreate {
		return store.Item{
			ID:             itemID,
			ProjectID:      p.project.ID,
			Code:           p.itemPayload.Code,
			Type:           p.itemPayload.Type,
			Title:          p.itemPayload.Title,
			Content:        p.itemPayload.Content,
			CurrentVersion: 1,
			UpdatedBy:      request.SubmitterName,
			CreatedAt:      at,
			UpdatedAt:      at,
		}
	}
	item := *p.item
	switch request.Kind {
	case store.KindUpdate:
		item.Code = p.itemPayload.Code
		item.Type = p.itemPayload.Type
		item.Title = p.itemPayload.Title
		item.Content = p.itemPayload.Content
	case store.KindDelete:
		item.IsDeleted = true
	case store.KindRestore:
		item.IsDeleted = false
	}
	item.CurrentVersion = p.item.CurrentVersion + 1
	item.UpdatedBy = request.SubmitterName
	item.UpdatedAt = at
	return item
}

func historyEntry(request store.ChangeRequest, item store.Item, historyID string, reviewer rbac.Actor, at time.Time) (store.ItemHistory, error) {
	snapshot, err := json.Marshal(store.ItemSnapshot{
		Code:      item.Code,
		Type:      item.Type,
		Title:     item.Title,
		Content:   item.Content,
		IsDeleted: item.IsDeleted,
	})
	if err != nil {
		return store.ItemHistory{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	return store.ItemHistory{
		ID:              historyID,
		ItemID:          item.ID,
		ProjectID:       item.ProjectID,
		Version:         item.CurrentVersion,
		ChangeKind:      request.Kind,
		Snapshot:        snapshot,
		ChangeRequestID: request.ID,
		SubmitterID:     request.SubmitterID,
		SubmitterName:   request.SubmitterName,
		ReviewerID:      ptr(reviewer.ID),
		ReviewerName:    actorName(reviewer),
		CreatedAt:       at,
	}, nil
}

// syncLinks makes the live related set of item equal to desired in both
// directions. Links to soft-deleted items are left untouched.
func syncLinks(ctx context.Context, repo store.Repository, item store.Item, desired []string, at time.Time) error {
	current, err := repo.ListRelatedItems(ctx, item.ID)
	if err != nil {
		return err
	}
	want := make(map[string]bool, len(desired))
	for _, code := range desired {
		other, err := repo.GetLiveItemByCode(ctx, item.ProjectID, code)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return err
		}
		if other.ID != item.ID {
			want[other.ID] = true
		}
	}
	for _, other := range current {
		if want[other.ID] {
			continue
		}
		if err := repo.UnlinkItems(ctx, item.ID, other.ID); err != nil {
			return err
		}
	}
	for otherID := range want {
		if err := repo.LinkItems(ctx, item.ID, otherID, at); err != nil {
			return err
		}
	}
	return nil
}

// Resubmit replaces a REJECTED request with a new PENDING one linked to it.
// Omitted payload fields carry over from the rejected request.
func (s *Service) Resubmit(ctx context.Context, actor rbac.Actor, requestID string, input ResubmitInput) (store.ChangeRequest, error) {
	var next store.ChangeRequest
	err := s.mutate(ctx, actor, rbac.MachineChangeRequest, "resubmit", func(repo store.Repository, fx *effects) error {
		previous, err := loadChangeRequest(ctx, repo, requestID)
		if err != nil {
			return err
		}
		if !s.policy.CanTransition(actor, rbac.Transition{
			Machine:    rbac.MachineChangeRequest,
			From:       store.ChangeRequestRejected,
			To:         store.ChangeRequestResubmitted,
			TargetType: previous.TargetType,
			OwnerID:    deref(previous.SubmitterID),
		}) {
			return forbidden("only the original submitter or an administrator can resubmit")
		}
		if previous.Status != store.ChangeRequestRejected {
			return conflict("only rejected change requests can be resubmitted", store.ChangeRequestRejected, previous.Status)
		}

		now := s.clock()
		next = store.ChangeRequest{
			ID:                util.NewID("cr"),
			Kind:              previous.Kind,
			TargetType:        previous.TargetType,
			ProjectID:         previous.ProjectID,
			ItemID:            previous.ItemID,
			Payload:           previous.Payload,
			PayloadMode:       previous.PayloadMode,
			Status:            store.ChangeRequestPending,
			SubmitterID:       previous.SubmitterID,
			SubmitterName:     previous.SubmitterName,
			SubmitReason:      previous.SubmitReason,
			PreviousRequestID: ptr(previous.ID),
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if len(input.Payload) > 0 && string(input.Payload) != "null" {
			next.Payload = input.Payload
			next.PayloadMode = normalizeMode(input.PayloadMode)
		}
		if reason := strings.TrimSpace(input.Reason); reason != "" {
			next.SubmitReason = reason
		}

		if err := casChangeRequest(ctx, repo, store.ChangeRequestTransition{
			ID:   previous.ID,
			From: store.ChangeRequestRejected,
			To:   store.ChangeRequestResubmitted,
			At:   now,
		}); err != nil {
			return err
		}
		if _, err := s.resolveProposal(ctx, repo, next); err != nil {
			return err
		}
		if err := repo.InsertChangeRequest(ctx, next); err != nil {
			return err
		}
		_, err = repo.MarkReferenceNotificationsRead(ctx, previous.ID, now)
		return err
	})
	if err != nil {
		return store.ChangeRequest{}, err
	}
	return next, nil
}

// Cancel withdraws a REJECTED request. Only its submitter or an administrator
// may cancel.
func (s *Service) Cancel(ctx context.Context, actor rbac.Actor, requestID string) (store.ChangeRequest, error) {
	var result store.ChangeRequest
	err := s.mutate(ctx, actor, rbac.MachineChangeRequest, "cancel", func(repo store.Repository, fx *effects) error {
		request, err := loadChangeRequest(ctx, repo, requestID)
		if err != nil {
			return err
		}
		if !s.policy.CanTransition(actor, rbac.Transition{
			Machine:    rbac.MachineChangeRequest,
			From:       store.ChangeRequestRejected,
			To:         store.ChangeRequestCancelled,
			TargetType: request.TargetType,
			OwnerID:    deref(request.SubmitterID),
		}) {
			return forbidden("only the original submitter or an administrator can cancel")
		}
		if request.Status != store.ChangeRequestRejected {
			return conflict("only rejected change requests can be cancelled", store.ChangeRequestRejected, request.Status)
		}
		now := s.clock()
		if err := casChangeRequest(ctx, repo, store.ChangeRequestTransition{
			ID:   request.ID,
			From: store.ChangeRequestRejected,
			To:   store.ChangeRequestCancelled,
			At:   now,
		}); err != nil {
			return err
		}
		if _, err := repo.MarkReferenceNotificationsRead(ctx, request.ID, now); err != nil {
			return err
		}
		result, err = repo.GetChangeRequest(ctx, request.ID)
		return err
	})
	return result, err
}

func (s *Service) GetChangeRequest(ctx context.Context, requestID string) (store.ChangeRequest, error) {
	var request store.ChangeRequest
	err := s.read(ctx, func(repo store.Repository) error {
		var err error
		request, err = loadChangeRequest(ctx, repo, requestID)
		return err
	})
	return request, err
}

func (s *Service) ListChangeRequests(ctx context.Context, filter store.ChangeRequestFilter) ([]store.ChangeRequest, error) {
	filter.Status = strings.ToUpper(strings.TrimSpace(filter.Status))
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	var requests []store.ChangeRequest
	err := s.read(ctx, func(repo store.Repository) error {
		var err error
		requests, err = repo.ListChangeRequests(ctx, filter)
		return err
	})
	return requests, err
}

func loadChangeRequest(ctx context.Context, repo store.Repository, requestID string) (store.ChangeRequest, error) {
	request, err := repo.GetChangeRequest(ctx, requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ChangeRequest{}, notFound("change request not found")
	}
	return request, err
}

func casChangeRequest(ctx context.Context, repo store.Repository, transition store.ChangeRequestTransition) error {
	ok, err := repo.TransitionChangeRequest(ctx, transition)
	if err != nil {
		return err
	}
	if !ok {
		return conflict("change request was changed by someone else", transition.From, "")
	}
	return nil
}

func changeRequestLink(id string) string {
	return "/change-requests/" + id
}
