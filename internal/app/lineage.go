package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wI2L/jsondiff"

	"docket/api/internal/export"
	"docket/api/internal/rbac"
	"docket/api/internal/store"
)

// Lineage returns the reject/resubmit chain that contains requestID, oldest
// first.
func (s *Service) Lineage(ctx context.Context, requestID string) ([]store.ChangeRequest, error) {
	var chain []store.ChangeRequest
	err := s.read(ctx, func(repo store.Repository) error {
		start, err := loadChangeRequest(ctx, repo, requestID)
		if err != nil {
			return err
		}
		visited := map[string]bool{}
		backward := []store.ChangeRequest{}
		for current := start; ; {
			if visited[current.ID] {
				return integrityError(fmt.Sprintf("lineage cycle at %s", current.ID), nil)
			}
			visited[current.ID] = true
			backward = append(backward, current)
			if current.PreviousRequestID == nil {
				break
			}
			previous, err := repo.GetChangeRequest(ctx, *current.PreviousRequestID)
			if errors.Is(err, sql.ErrNoRows) {
				return integrityError(fmt.Sprintf("lineage of %s references a missing request", current.ID), err)
			}
			if err != nil {
				return err
			}
			current = previous
		}
		chain = make([]store.ChangeRequest, 0, len(backward))
		for i := len(backward) - 1; i >= 0; i-- {
			chain = append(chain, backward[i])
		}

		for current := start; ; {
			successors, err := repo.ListSuccessorRequests(ctx, current.ID)
			if err != nil {
				return err
			}
			if len(successors) == 0 {
				break
			}
			if len(successors) > 1 {
				return integrityError(fmt.Sprintf("request %s was resubmitted more than once", current.ID), nil)
			}
			next := successors[0]
			if visited[next.ID] {
				return integrityError(fmt.Sprintf("lineage cycle at %s", next.ID), nil)
			}
			visited[next.ID] = true
			chain = append(chain, next)
			current = next
		}
		return nil
	})
	return chain, err
}

type RevisionTimeline struct {
	Approval  store.QCDocumentApproval `json:"approval"`
	Revisions []store.RevisionItem     `json:"revisions"`
}

// RevisionTimeline returns the approval with its revision items in request
// order.
func (s *Service) RevisionTimeline(ctx context.Context, approvalID string) (RevisionTimeline, error) {
	var timeline RevisionTimeline
	err := s.read(ctx, func(repo store.Repository) error {
		approval, err := loadApproval(ctx, repo, approvalID)
		if err != nil {
			return err
		}
		revisions, err := repo.ListRevisionItems(ctx, approval.ID)
		if err != nil {
			return err
		}
		if approval.RevisionCount != len(revisions) {
			return integrityError(fmt.Sprintf("approval %s counts %d revisions but has %d", approval.ID, approval.RevisionCount, len(revisions)), nil)
		}
		timeline = RevisionTimeline{Approval: approval, Revisions: revisions}
		return nil
	})
	return timeline, err
}

type Badges struct {
	ReviewQueue        int `json:"reviewQueue"`
	PendingQC          int `json:"pendingQc"`
	PendingPM          int `json:"pendingPm"`
	MyPending          int `json:"myPending"`
	MyRejected         int `json:"myRejected"`
	MyRevisionRequired int `json:"myRevisionRequired"`
	Unread             int `json:"unread"`
}

func badgeKey(actor rbac.Actor) string {
	return fmt.Sprintf("%s:%s:%t:%t", actor.ID, actor.Role, actor.QCQualified, actor.PMQualified)
}

// Badges counts what is waiting for actor. Queues the actor cannot act on
// stay zero.
func (s *Service) Badges(ctx context.Context, actor rbac.Actor) (Badges, error) {
	if actor.ID == "" {
		return Badges{}, forbidden("an authenticated actor is required")
	}
	key := badgeKey(actor)
	if s.badges != nil {
		raw, ok, err := s.badges.Load(ctx, key)
		if err != nil {
			s.log.WithError(err).Warn("badge cache read failed")
		}
		var cached Badges
		if ok && json.Unmarshal(raw, &cached) == nil {
			return cached, nil
		}
	}

	var badges Badges
	err := s.read(ctx, func(repo store.Repository) error {
		var err error
		if rbac.Can(actor.Role, rbac.ActionReview) {
			if badges.ReviewQueue, err = repo.CountChangeRequests(ctx, store.ChangeRequestFilter{Status: store.ChangeRequestPending}); err != nil {
				return err
			}
		}
		if actor.QCQualified {
			if badges.PendingQC, err = repo.CountQualityApprovals(ctx, store.QualityFilter{Status: store.QualityPendingQC}); err != nil {
				return err
			}
		}
		if actor.PMQualified {
			if badges.PendingPM, err = repo.CountQualityApprovals(ctx, store.QualityFilter{Status: store.QualityPendingPM}); err != nil {
				return err
			}
		}
		if badges.MyPending, err = repo.CountChangeRequests(ctx, store.ChangeRequestFilter{Status: store.ChangeRequestPending, SubmitterID: actor.ID}); err != nil {
			return err
		}
		if badges.MyRejected, err = repo.CountChangeRequests(ctx, store.ChangeRequestFilter{Status: store.ChangeRequestRejected, SubmitterID: actor.ID}); err != nil {
			return err
		}
		if badges.MyRevisionRequired, err = repo.CountQualityApprovals(ctx, store.QualityFilter{Status: store.QualityRevisionRequired, SubmitterID: actor.ID}); err != nil {
			return err
		}
		badges.Unread, err = repo.CountUnreadNotifications(ctx, actor.ID)
		return err
	})
	if err != nil {
		return Badges{}, err
	}

	if s.badges != nil {
		if raw, err := json.Marshal(badges); err == nil {
			if err := s.badges.Store(ctx, key, raw); err != nil {
				s.log.WithError(err).Warn("badge cache write failed")
			}
		}
	}
	return badges, nil
}

// ItemView is an item with its related codes.
type ItemView struct {
	store.Item
	RelatedCodes []string `json:"relatedCodes"`
}

func (s *Service) GetItem(ctx context.Context, itemID string) (ItemView, error) {
	var view ItemView
	err := s.read(ctx, func(repo store.Repository) error {
		item, err := repo.GetItem(ctx, itemID)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("item not found")
		}
		if err != nil {
			return err
		}
		related, err := repo.ListRelatedItems(ctx, item.ID)
		if err != nil {
			return err
		}
		view = ItemView{Item: item, RelatedCodes: make([]string, 0, len(related))}
		for _, other := range related {
			view.RelatedCodes = append(view.RelatedCodes, other.Code)
		}
		return nil
	})
	return view, err
}

func (s *Service) ListProjects(ctx context.Context) ([]store.Project, error) {
	var projects []store.Project
	err := s.read(ctx, func(repo store.Repository) error {
		var err error
		projects, err = repo.ListProjects(ctx)
		return err
	})
	return projects, err
}

func (s *Service) ListItems(ctx context.Context, projectID string) ([]store.Item, error) {
	var items []store.Item
	err := s.read(ctx, func(repo store.Repository) error {
		if _, err := loadLiveProject(ctx, repo, projectID); err != nil {
			return err
		}
		var err error
		items, err = repo.ListItems(ctx, projectID)
		return err
	})
	return items, err
}

// ItemHistory returns every snapshot of the item, version ascending.
func (s *Service) ItemHistory(ctx context.Context, itemID string) ([]store.ItemHistory, error) {
	var entries []store.ItemHistory
	err := s.read(ctx, func(repo store.Repository) error {
		if _, err := repo.GetItem(ctx, itemID); errors.Is(err, sql.ErrNoRows) {
			return notFound("item not found")
		} else if err != nil {
			return err
		}
		var err error
		entries, err = repo.ListItemHistory(ctx, itemID)
		return err
	})
	return entries, err
}

type ChangeDiff struct {
	RequestID  string          `json:"requestId"`
	Kind       string          `json:"kind"`
	TargetType string          `json:"targetType"`
	Before     json.RawMessage `json:"before"`
	After      json.RawMessage `json:"after"`
	Operations jsondiff.Patch  `json:"operations"`
}

// ChangeRequestDiff compares the state a request starts from with the state it
// proposes. Applied requests compare their snapshot with the previous version.
func (s *Service) ChangeRequestDiff(ctx context.Context, requestID string) (ChangeDiff, error) {
	var diff ChangeDiff
	err := s.read(ctx, func(repo store.Repository) error {
		request, err := loadChangeRequest(ctx, repo, requestID)
		if err != nil {
			return err
		}
		diff = ChangeDiff{RequestID: request.ID, Kind: request.Kind, TargetType: request.TargetType}

		var before, after any
		if request.HistoryID != nil {
			before, after, err = appliedStates(ctx, repo, *request.HistoryID)
		} else {
			before, after, err = s.proposedStates(ctx, repo, request)
		}
		if err != nil {
			return err
		}
		if diff.Before, err = json.Marshal(before); err != nil {
			return err
		}
		if diff.After, err = json.Marshal(after); err != nil {
			return err
		}
		diff.Operations, err = jsondiff.CompareJSON(diff.Before, diff.After)
		if err != nil {
			return fmt.Errorf("compare states: %w", err)
		}
		return nil
	})
	return diff, err
}

func appliedStates(ctx context.Context, repo store.Repository, historyID string) (any, any, error) {
	entry, err := repo.GetItemHistory(ctx, historyID)
	if err != nil {
		return nil, nil, err
	}
	entries, err := repo.ListItemHistory(ctx, entry.ItemID)
	if err != nil {
		return nil, nil, err
	}
	var before any
	for _, previous := range entries {
		if previous.Version == entry.Version-1 {
			before = previous.Snapshot
		}
	}
	return before, entry.Snapshot, nil
}

func (s *Service) proposedStates(ctx context.Context, repo store.Repository, request store.ChangeRequest) (any, any, error) {
	p, err := s.resolveProposal(ctx, repo, request)
	if err != nil {
		return nil, nil, err
	}
	if request.TargetType == store.TargetProject {
		var before any
		if request.Kind != store.KindCreate {
			before = ProjectPayload{Name: p.project.Name, CodePrefix: p.project.CodePrefix}
		}
		if request.Kind == store.KindDelete {
			return before, nil, nil
		}
		return before, p.projectData, nil
	}

	if p.item == nil {
		return nil, stateOf(p.itemPayload, false), nil
	}
	current := itemPayloadOf(*p.item, p.related)
	before := stateOf(current, p.item.IsDeleted)
	switch request.Kind {
	case store.KindDelete:
		return before, stateOf(current, true), nil
	case store.KindRestore:
		return before, stateOf(current, false), nil
	}
	return before, stateOf(p.itemPayload, false), nil
}

// itemState is an item as shown on either side of a pending request's diff.
type itemState struct {
	store.ItemSnapshot
	RelatedCodes []string `json:"relatedCodes"`
}

func stateOf(payload ItemPayload, deleted bool) itemState {
	related := payload.RelatedCodes
	if related == nil {
		related = []string{}
	}
	return itemState{
		ItemSnapshot: store.ItemSnapshot{
			Code:      payload.Code,
			Type:      payload.Type,
			Title:     payload.Title,
			Content:   payload.Content,
			IsDeleted: deleted,
		},
		RelatedCodes: related,
	}
}

// ExportItemTimeline renders the item's history and change requests as an
// xlsx workbook.
func (s *Service) ExportItemTimeline(ctx context.Context, itemID string) ([]byte, string, error) {
	var (
		item     store.Item
		history  []store.ItemHistory
		requests []store.ChangeRequest
	)
	err := s.read(ctx, func(repo store.Repository) error {
		var err error
		item, err = repo.GetItem(ctx, itemID)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("item not found")
		}
		if err != nil {
			return err
		}
		if history, err = repo.ListItemHistory(ctx, item.ID); err != nil {
			return err
		}
		requests, err = repo.ListChangeRequests(ctx, store.ChangeRequestFilter{ItemID: item.ID})
		return err
	})
	if err != nil {
		return nil, "", err
	}
	data, err := export.ItemTimelineWorkbook(item, history, requests)
	if err != nil {
		return nil, "", fmt.Errorf("render timeline: %w", err)
	}
	return data, item.Code + "-timeline.xlsx", nil
}
