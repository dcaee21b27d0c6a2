// Package memstore is an in-process transactional implementation of
// store.Store. Transactions are serialized; each one works on a copy of the
// state that replaces the committed state only when the unit of work succeeds.
package memstore

import (
	"context"
	"database/sql"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"docket/api/internal/store"
)

type linkKey struct {
	from string
	to   string
}

type state struct {
	users         map[string]store.User
	projects      map[string]store.Project
	items         map[string]store.Item
	links         map[linkKey]time.Time
	history       map[string]store.ItemHistory
	requests      map[string]store.ChangeRequest
	approvals     map[string]store.QCDocumentApproval
	revisions     map[string]store.RevisionItem
	notifications map[string]store.Notification
}

func newState() state {
	return state{
		users:         map[string]store.User{},
		projects:      map[string]store.Project{},
		items:         map[string]store.Item{},
		links:         map[linkKey]time.Time{},
		history:       map[string]store.ItemHistory{},
		requests:      map[string]store.ChangeRequest{},
		approvals:     map[string]store.QCDocumentApproval{},
		revisions:     map[string]store.RevisionItem{},
		notifications: map[string]store.Notification{},
	}
}

func (s state) clone() state {
	return state{
		users:         maps.Clone(s.users),
		projects:      maps.Clone(s.projects),
		items:         maps.Clone(s.items),
		links:         maps.Clone(s.links),
		history:       maps.Clone(s.history),
		requests:      maps.Clone(s.requests),
		approvals:     maps.Clone(s.approvals),
		revisions:     maps.Clone(s.revisions),
		notifications: maps.Clone(s.notifications),
	}
}

type Store struct {
	mu    sync.Mutex
	state state
}

func New() *Store {
	return &Store{state: newState()}
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) InTx(ctx context.Context, fn func(repo store.Repository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	working := &repo{st: s.state.clone()}
	if err := fn(working); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = working.st
	return nil
}

type repo struct {
	st state
}

func integrity(constraint string) error {
	return fmt.Errorf("%w: %s", store.ErrIntegrity, constraint)
}

func lostRace(constraint string) error {
	return fmt.Errorf("%w: %s", store.ErrConflict, constraint)
}

// Users

func (r *repo) GetUser(_ context.Context, userID string) (store.User, error) {
	user, ok := r.st.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (r *repo) UpsertUser(_ context.Context, user store.User) error {
	existing, ok := r.st.users[user.ID]
	if ok {
		user.CreatedAt = existing.CreatedAt
		if user.Email == "" {
			user.Email = existing.Email
		}
	} else {
		user.CreatedAt = user.UpdatedAt
	}
	r.st.users[user.ID] = user
	return nil
}

func (r *repo) DetachUser(_ context.Context, userID, displayName string) error {
	for id, entry := range r.st.history {
		a := detach(&entry.SubmitterID, &entry.SubmitterName, userID, displayName)
		b := detach(&entry.ReviewerID, &entry.ReviewerName, userID, displayName)
		if a || b {
			r.st.history[id] = entry
		}
	}
	for id, request := range r.st.requests {
		a := detach(&request.SubmitterID, &request.SubmitterName, userID, displayName)
		b := detach(&request.ReviewerID, &request.ReviewerName, userID, displayName)
		if a || b {
			r.st.requests[id] = request
		}
	}
	for id, approval := range r.st.approvals {
		a := detach(&approval.SubmitterID, &approval.SubmitterName, userID, displayName)
		b := detach(&approval.QCApproverID, &approval.QCApproverName, userID, displayName)
		c := detach(&approval.PMApproverID, &approval.PMApproverName, userID, displayName)
		d := detach(&approval.RejectedByID, &approval.RejectedByName, userID, displayName)
		if a || b || c || d {
			r.st.approvals[id] = approval
		}
	}
	for id, revision := range r.st.revisions {
		if detach(&revision.RequesterID, &revision.RequesterName, userID, displayName) {
			r.st.revisions[id] = revision
		}
	}
	return nil
}

func detach(id **string, name *string, userID, displayName string) bool {
	if *id == nil || **id != userID {
		return false
	}
	*id = nil
	*name = displayName
	return true
}

func (r *repo) DeleteUser(_ context.Context, userID string) (bool, error) {
	if _, ok := r.st.users[userID]; !ok {
		return false, nil
	}
	if r.userReferenced(userID) {
		return false, integrity("user still referenced")
	}
	delete(r.st.users, userID)
	for id, n := range r.st.notifications {
		if n.UserID == userID {
			delete(r.st.notifications, id)
		}
	}
	return true, nil
}

func (r *repo) userReferenced(userID string) bool {
	is := func(id *string) bool { return id != nil && *id == userID }
	for _, entry := range r.st.history {
		if is(entry.SubmitterID) || is(entry.ReviewerID) {
			return true
		}
	}
	for _, request := range r.st.requests {
		if is(request.SubmitterID) || is(request.ReviewerID) {
			return true
		}
	}
	for _, approval := range r.st.approvals {
		if is(approval.SubmitterID) || is(approval.QCApproverID) || is(approval.PMApproverID) || is(approval.RejectedByID) {
			return true
		}
	}
	for _, revision := range r.st.revisions {
		if is(revision.RequesterID) {
			return true
		}
	}
	return false
}

// Projects

func (r *repo) GetProject(_ context.Context, projectID string) (store.Project, error) {
	project, ok := r.st.projects[projectID]
	if !ok {
		return store.Project{}, sql.ErrNoRows
	}
	return project, nil
}

func (r *repo) ListProjects(_ context.Context) ([]store.Project, error) {
	projects := make([]store.Project, 0)
	for _, project := range r.st.projects {
		if !project.IsDeleted {
			projects = append(projects, project)
		}
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].Name < projects[j].Name })
	return projects, nil
}

func (r *repo) livePrefixTaken(prefix, exceptID string) bool {
	for _, project := range r.st.projects {
		if !project.IsDeleted && project.CodePrefix == prefix && project.ID != exceptID {
			return true
		}
	}
	return false
}

func (r *repo) InsertProject(_ context.Context, project store.Project) error {
	if _, ok := r.st.projects[project.ID]; ok {
		return integrity("projects_pkey")
	}
	if r.livePrefixTaken(project.CodePrefix, project.ID) {
		return lostRace("projects_live_prefix_idx")
	}
	project.IsDeleted = false
	r.st.projects[project.ID] = project
	return nil
}

func (r *repo) UpdateProject(_ context.Context, project store.Project) (bool, error) {
	existing, ok := r.st.projects[project.ID]
	if !ok || existing.IsDeleted {
		return false, nil
	}
	if r.livePrefixTaken(project.CodePrefix, project.ID) {
		return false, lostRace("projects_live_prefix_idx")
	}
	existing.Name = project.Name
	existing.CodePrefix = project.CodePrefix
	existing.UpdatedAt = project.UpdatedAt
	r.st.projects[project.ID] = existing
	return true, nil
}

func (r *repo) SoftDeleteProject(_ context.Context, projectID string, at time.Time) (bool, error) {
	existing, ok := r.st.projects[projectID]
	if !ok || existing.IsDeleted {
		return false, nil
	}
	existing.IsDeleted = true
	existing.UpdatedAt = at
	r.st.projects[projectID] = existing
	return true, nil
}

// Items

func (r *repo) GetItem(_ context.Context, itemID string) (store.Item, error) {
	item, ok := r.st.items[itemID]
	if !ok {
		return store.Item{}, sql.ErrNoRows
	}
	return item, nil
}

func (r *repo) GetLiveItemByCode(_ context.Context, projectID, code string) (store.Item, error) {
	for _, item := range r.st.items {
		if item.ProjectID == projectID && item.Code == code && !item.IsDeleted {
			return item, nil
		}
	}
	return store.Item{}, sql.ErrNoRows
}

func (r *repo) ListItems(_ context.Context, projectID string) ([]store.Item, error) {
	items := make([]store.Item, 0)
	for _, item := range r.st.items {
		if item.ProjectID == projectID && !item.IsDeleted {
			items = append(items, item)
		}
	}
	sortItems(items)
	return items, nil
}

func sortItems(items []store.Item) {
	sort.Slice(items, func(i, j int) bool { return items[i].Code < items[j].Code })
}

func (r *repo) liveCodeTaken(item store.Item) bool {
	if item.IsDeleted {
		return false
	}
	for _, other := range r.st.items {
		if other.ID != item.ID && !other.IsDeleted && other.ProjectID == item.ProjectID && other.Code == item.Code {
			return true
		}
	}
	return false
}

func (r *repo) InsertItem(_ context.Context, item store.Item) error {
	if _, ok := r.st.items[item.ID]; ok {
		return integrity("items_pkey")
	}
	if _, ok := r.st.projects[item.ProjectID]; !ok {
		return integrity("items_project_id_fkey")
	}
	if r.liveCodeTaken(item) {
		return lostRace("items_live_code_idx")
	}
	r.st.items[item.ID] = item
	return nil
}

func (r *repo) UpdateItem(_ context.Context, item store.Item, expectedVersion int) (bool, error) {
	existing, ok := r.st.items[item.ID]
	if !ok || existing.CurrentVersion != expectedVersion {
		return false, nil
	}
	if r.liveCodeTaken(item) {
		return false, lostRace("items_live_code_idx")
	}
	item.ProjectID = existing.ProjectID
	item.CreatedAt = existing.CreatedAt
	r.st.items[item.ID] = item
	return true, nil
}

func (r *repo) ListRelatedItems(_ context.Context, itemID string) ([]store.Item, error) {
	items := make([]store.Item, 0)
	for key := range r.st.links {
		if key.from != itemID {
			continue
		}
		if item, ok := r.st.items[key.to]; ok && !item.IsDeleted {
			items = append(items, item)
		}
	}
	sortItems(items)
	return items, nil
}

func (r *repo) LinkItems(_ context.Context, itemID, relatedID string, at time.Time) error {
	if itemID == relatedID {
		return integrity("item_links_check")
	}
	if _, ok := r.st.items[itemID]; !ok {
		return integrity("item_links_item_id_fkey")
	}
	if _, ok := r.st.items[relatedID]; !ok {
		return integrity("item_links_related_item_id_fkey")
	}
	for _, key := range []linkKey{{itemID, relatedID}, {relatedID, itemID}} {
		if _, ok := r.st.links[key]; !ok {
			r.st.links[key] = at
		}
	}
	return nil
}

func (r *repo) UnlinkItems(_ context.Context, itemID, relatedID string) error {
	delete(r.st.links, linkKey{itemID, relatedID})
	delete(r.st.links, linkKey{relatedID, itemID})
	return nil
}

// History

func (r *repo) InsertItemHistory(_ context.Context, entry store.ItemHistory) error {
	if _, ok := r.st.history[entry.ID]; ok {
		return integrity("item_history_pkey")
	}
	if _, ok := r.st.items[entry.ItemID]; !ok {
		return integrity("item_history_item_id_fkey")
	}
	for _, other := range r.st.history {
		if other.ItemID == entry.ItemID && other.Version == entry.Version {
			return integrity("item_history_item_id_version_key")
		}
		if other.ChangeRequestID == entry.ChangeRequestID {
			return integrity("item_history_change_request_id_key")
		}
	}
	r.st.history[entry.ID] = entry
	return nil
}

func (r *repo) GetItemHistory(_ context.Context, historyID string) (store.ItemHistory, error) {
	entry, ok := r.st.history[historyID]
	if !ok {
		return store.ItemHistory{}, sql.ErrNoRows
	}
	return entry, nil
}

func (r *repo) ListItemHistory(_ context.Context, itemID string) ([]store.ItemHistory, error) {
	entries := make([]store.ItemHistory, 0)
	for _, entry := range r.st.history {
		if entry.ItemID == itemID {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Version < entries[j].Version })
	return entries, nil
}

// Change requests

func (r *repo) InsertChangeRequest(_ context.Context, request store.ChangeRequest) error {
	if _, ok := r.st.requests[request.ID]; ok {
		return integrity("change_requests_pkey")
	}
	if request.PreviousRequestID != nil {
		if *request.PreviousRequestID == request.ID {
			return integrity("change_requests_check")
		}
		if _, ok := r.st.requests[*request.PreviousRequestID]; !ok {
			return integrity("change_requests_previous_request_id_fkey")
		}
		for _, other := range r.st.requests {
			if other.PreviousRequestID != nil && *other.PreviousRequestID == *request.PreviousRequestID {
				return integrity("change_requests_previous_idx")
			}
		}
	}
	r.st.requests[request.ID] = request
	return nil
}

func (r *repo) GetChangeRequest(_ context.Context, requestID string) (store.ChangeRequest, error) {
	request, ok := r.st.requests[requestID]
	if !ok {
		return store.ChangeRequest{}, sql.ErrNoRows
	}
	return request, nil
}

func matchesRequest(request store.ChangeRequest, filter store.ChangeRequestFilter) bool {
	if filter.Status != "" && request.Status != filter.Status {
		return false
	}
	if filter.SubmitterID != "" && (request.SubmitterID == nil || *request.SubmitterID != filter.SubmitterID) {
		return false
	}
	if filter.ProjectID != "" && request.ProjectID != filter.ProjectID {
		return false
	}
	if filter.ItemID != "" && (request.ItemID == nil || *request.ItemID != filter.ItemID) {
		return false
	}
	return true
}

func (r *repo) ListChangeRequests(_ context.Context, filter store.ChangeRequestFilter) ([]store.ChangeRequest, error) {
	requests := make([]store.ChangeRequest, 0)
	for _, request := range r.st.requests {
		if matchesRequest(request, filter) {
			requests = append(requests, request)
		}
	}
	sort.Slice(requests, func(i, j int) bool {
		if requests[i].CreatedAt.Equal(requests[j].CreatedAt) {
			return requests[i].ID < requests[j].ID
		}
		return requests[i].CreatedAt.After(requests[j].CreatedAt)
	})
	if filter.Limit > 0 && len(requests) > filter.Limit {
		requests = requests[:filter.Limit]
	}
	return requests, nil
}

func (r *repo) CountChangeRequests(_ context.Context, filter store.ChangeRequestFilter) (int, error) {
	count := 0
	for _, request := range r.st.requests {
		if matchesRequest(request, filter) {
			count++
		}
	}
	return count, nil
}

func (r *repo) ListSuccessorRequests(_ context.Context, requestID string) ([]store.ChangeRequest, error) {
	requests := make([]store.ChangeRequest, 0)
	for _, request := range r.st.requests {
		if request.PreviousRequestID != nil && *request.PreviousRequestID == requestID {
			requests = append(requests, request)
		}
	}
	sort.Slice(requests, func(i, j int) bool { return requests[i].CreatedAt.Before(requests[j].CreatedAt) })
	return requests, nil
}

func (r *repo) TransitionChangeRequest(_ context.Context, t store.ChangeRequestTransition) (bool, error) {
	request, ok := r.st.requests[t.ID]
	if !ok || request.Status != t.From {
		return false, nil
	}
	request.Status = t.To
	if t.ReviewerID != nil {
		request.ReviewerID = t.ReviewerID
	}
	if t.ReviewerName != "" {
		request.ReviewerName = t.ReviewerName
	}
	if t.ReviewNote != "" {
		request.ReviewNote = t.ReviewNote
	}
	if t.ReviewedAt != nil {
		request.ReviewedAt = t.ReviewedAt
	}
	if t.ItemID != nil {
		request.ItemID = t.ItemID
	}
	if t.HistoryID != nil {
		request.HistoryID = t.HistoryID
	}
	request.UpdatedAt = t.At
	r.st.requests[t.ID] = request
	return true, nil
}

// Quality approvals

func (r *repo) InsertQualityApproval(_ context.Context, approval store.QCDocumentApproval) error {
	if _, ok := r.st.approvals[approval.ID]; ok {
		return integrity("qc_document_approvals_pkey")
	}
	if _, ok := r.st.history[approval.HistoryID]; !ok {
		return integrity("qc_document_approvals_history_id_fkey")
	}
	for _, other := range r.st.approvals {
		if other.HistoryID == approval.HistoryID {
			return integrity("qc_document_approvals_history_id_key")
		}
	}
	r.st.approvals[approval.ID] = approval
	return nil
}

func (r *repo) GetQualityApproval(_ context.Context, approvalID string) (store.QCDocumentApproval, error) {
	approval, ok := r.st.approvals[approvalID]
	if !ok {
		return store.QCDocumentApproval{}, sql.ErrNoRows
	}
	return approval, nil
}

func (r *repo) GetQualityApprovalByHistory(_ context.Context, historyID string) (store.QCDocumentApproval, error) {
	for _, approval := range r.st.approvals {
		if approval.HistoryID == historyID {
			return approval, nil
		}
	}
	return store.QCDocumentApproval{}, sql.ErrNoRows
}

func matchesApproval(approval store.QCDocumentApproval, filter store.QualityFilter) bool {
	if filter.Status != "" && approval.Status != filter.Status {
		return false
	}
	if filter.SubmitterID != "" && (approval.SubmitterID == nil || *approval.SubmitterID != filter.SubmitterID) {
		return false
	}
	if filter.ProjectID != "" && approval.ProjectID != filter.ProjectID {
		return false
	}
	return true
}

func (r *repo) ListQualityApprovals(_ context.Context, filter store.QualityFilter) ([]store.QCDocumentApproval, error) {
	approvals := make([]store.QCDocumentApproval, 0)
	for _, approval := range r.st.approvals {
		if matchesApproval(approval, filter) {
			approvals = append(approvals, approval)
		}
	}
	sort.Slice(approvals, func(i, j int) bool {
		if approvals[i].CreatedAt.Equal(approvals[j].CreatedAt) {
			return approvals[i].ID < approvals[j].ID
		}
		return approvals[i].CreatedAt.Before(approvals[j].CreatedAt)
	})
	if filter.Limit > 0 && len(approvals) > filter.Limit {
		approvals = approvals[:filter.Limit]
	}
	return approvals, nil
}

func (r *repo) CountQualityApprovals(_ context.Context, filter store.QualityFilter) (int, error) {
	count := 0
	for _, approval := range r.st.approvals {
		if matchesApproval(approval, filter) {
			count++
		}
	}
	return count, nil
}

func (r *repo) UpdateQualityApproval(_ context.Context, approval store.QCDocumentApproval, guard store.ApprovalGuard) (bool, error) {
	existing, ok := r.st.approvals[approval.ID]
	if !ok || existing.Status != guard.Status || existing.RevisionCount != guard.RevisionCount {
		return false, nil
	}
	approval.HistoryID = existing.HistoryID
	approval.ItemID = existing.ItemID
	approval.ProjectID = existing.ProjectID
	approval.SubmitterID = existing.SubmitterID
	approval.SubmitterName = existing.SubmitterName
	approval.DocumentPath = existing.DocumentPath
	approval.CreatedAt = existing.CreatedAt
	r.st.approvals[approval.ID] = approval
	return true, nil
}

func (r *repo) InsertRevisionItem(_ context.Context, item store.RevisionItem) error {
	if _, ok := r.st.revisions[item.ID]; ok {
		return integrity("revision_items_pkey")
	}
	if _, ok := r.st.approvals[item.ApprovalID]; !ok {
		return integrity("revision_items_approval_id_fkey")
	}
	for _, other := range r.st.revisions {
		if other.ApprovalID == item.ApprovalID && other.ResolvedAt == nil {
			return integrity("revision_items_open_idx")
		}
	}
	r.st.revisions[item.ID] = item
	return nil
}

func (r *repo) ListRevisionItems(_ context.Context, approvalID string) ([]store.RevisionItem, error) {
	items := make([]store.RevisionItem, 0)
	for _, item := range r.st.revisions {
		if item.ApprovalID == approvalID {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].RequestedAt.Equal(items[j].RequestedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].RequestedAt.Before(items[j].RequestedAt)
	})
	return items, nil
}

func (r *repo) GetOpenRevisionItem(_ context.Context, approvalID string) (store.RevisionItem, error) {
	for _, item := range r.st.revisions {
		if item.ApprovalID == approvalID && item.ResolvedAt == nil {
			return item, nil
		}
	}
	return store.RevisionItem{}, sql.ErrNoRows
}

func (r *repo) ResolveRevisionItem(_ context.Context, revisionID string, at time.Time) (bool, error) {
	item, ok := r.st.revisions[revisionID]
	if !ok || item.ResolvedAt != nil {
		return false, nil
	}
	resolved := at
	item.ResolvedAt = &resolved
	r.st.revisions[revisionID] = item
	return true, nil
}

// Notifications

func (r *repo) InsertNotification(_ context.Context, n store.Notification) error {
	if _, ok := r.st.notifications[n.ID]; ok {
		return integrity("notifications_pkey")
	}
	if _, ok := r.st.users[n.UserID]; !ok {
		return integrity("notifications_user_id_fkey")
	}
	n.IsRead = false
	n.ReadAt = nil
	r.st.notifications[n.ID] = n
	return nil
}

func (r *repo) ListNotifications(_ context.Context, userID string, unreadOnly bool, limit int) ([]store.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	notifications := make([]store.Notification, 0)
	for _, n := range r.st.notifications {
		if n.UserID != userID || (unreadOnly && n.IsRead) {
			continue
		}
		notifications = append(notifications, n)
	}
	sort.Slice(notifications, func(i, j int) bool {
		if notifications[i].CreatedAt.Equal(notifications[j].CreatedAt) {
			return notifications[i].ID < notifications[j].ID
		}
		return notifications[i].CreatedAt.After(notifications[j].CreatedAt)
	})
	if len(notifications) > limit {
		notifications = notifications[:limit]
	}
	return notifications, nil
}

func (r *repo) CountUnreadNotifications(_ context.Context, userID string) (int, error) {
	count := 0
	for _, n := range r.st.notifications {
		if n.UserID == userID && !n.IsRead {
			count++
		}
	}
	return count, nil
}

func (r *repo) MarkNotificationRead(_ context.Context, userID, notificationID string, at time.Time) (bool, error) {
	n, ok := r.st.notifications[notificationID]
	if !ok || n.UserID != userID || n.IsRead {
		return false, nil
	}
	read := at
	n.IsRead = true
	n.ReadAt = &read
	r.st.notifications[notificationID] = n
	return true, nil
}

func (r *repo) MarkReferenceNotificationsRead(_ context.Context, referenceID string, at time.Time) (int64, error) {
	var count int64
	for id, n := range r.st.notifications {
		if n.ReferenceID != referenceID || n.IsRead {
			continue
		}
		read := at
		n.IsRead = true
		n.ReadAt = &read
		r.st.notifications[id] = n
		count++
	}
	return count, nil
}
