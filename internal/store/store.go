package store

import (
	"context"
	"errors"
	"time"
)

// ErrIntegrity marks a uniqueness or lineage violation raised by the store.
var ErrIntegrity = errors.New("integrity violation")

// ErrConflict marks a write that lost a race for a live code or prefix to a
// concurrent transaction.
var ErrConflict = errors.New("concurrent write conflict")

// ApprovalGuard is the state a quality approval must still be in for a
// conditional update to apply. RevisionCount only grows, so it tells apart
// two visits to the same status across a revision loop.
type ApprovalGuard struct {
	Status        string
	RevisionCount int
}

// Repository is the set of reads and writes available inside one transaction.
// Missing rows are reported as sql.ErrNoRows. Conditional updates report
// whether a row matched the guard.
type Repository interface {
	GetUser(ctx context.Context, userID string) (User, error)
	UpsertUser(ctx context.Context, user User) error
	DetachUser(ctx context.Context, userID, displayName string) error
	DeleteUser(ctx context.Context, userID string) (bool, error)

	GetProject(ctx context.Context, projectID string) (Project, error)
	ListProjects(ctx context.Context) ([]Project, error)
	InsertProject(ctx context.Context, project Project) error
	UpdateProject(ctx context.Context, project Project) (bool, error)
	SoftDeleteProject(ctx context.Context, projectID string, at time.Time) (bool, error)

	GetItem(ctx context.Context, itemID string) (Item, error)
	GetLiveItemByCode(ctx context.Context, projectID, code string) (Item, error)
	ListItems(ctx context.Context, projectID string) ([]Item, error)
	InsertItem(ctx context.Context, item Item) error
	UpdateItem(ctx context.Context, item Item, expectedVersion int) (bool, error)
	ListRelatedItems(ctx context.Context, itemID string) ([]Item, error)
	LinkItems(ctx context.Context, itemID, relatedID string, at time.Time) error
	UnlinkItems(ctx context.Context, itemID, relatedID string) error

	InsertItemHistory(ctx context.Context, entry ItemHistory) error
	GetItemHistory(ctx context.Context, historyID string) (ItemHistory, error)
	ListItemHistory(ctx context.Context, itemID string) ([]ItemHistory, error)

	InsertChangeRequest(ctx context.Context, request ChangeRequest) error
	GetChangeRequest(ctx context.Context, requestID string) (ChangeRequest, error)
	ListChangeRequests(ctx context.Context, filter ChangeRequestFilter) ([]ChangeRequest, error)
	CountChangeRequests(ctx context.Context, filter ChangeRequestFilter) (int, error)
	ListSuccessorRequests(ctx context.Context, requestID string) ([]ChangeRequest, error)
	TransitionChangeRequest(ctx context.Context, transition ChangeRequestTransition) (bool, error)

	InsertQualityApproval(ctx context.Context, approval QCDocumentApproval) error
	GetQualityApproval(ctx context.Context, approvalID string) (QCDocumentApproval, error)
	GetQualityApprovalByHistory(ctx context.Context, historyID string) (QCDocumentApproval, error)
	ListQualityApprovals(ctx context.Context, filter QualityFilter) ([]QCDocumentApproval, error)
	CountQualityApprovals(ctx context.Context, filter QualityFilter) (int, error)
	UpdateQualityApproval(ctx context.Context, approval QCDocumentApproval, guard ApprovalGuard) (bool, error)
	InsertRevisionItem(ctx context.Context, item RevisionItem) error
	ListRevisionItems(ctx context.Context, approvalID string) ([]RevisionItem, error)
	GetOpenRevisionItem(ctx context.Context, approvalID string) (RevisionItem, error)
	ResolveRevisionItem(ctx context.Context, revisionID string, at time.Time) (bool, error)

	InsertNotification(ctx context.Context, notification Notification) error
	ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Notification, error)
	CountUnreadNotifications(ctx context.Context, userID string) (int, error)
	MarkNotificationRead(ctx context.Context, userID, notificationID string, at time.Time) (bool, error)
	MarkReferenceNotificationsRead(ctx context.Context, referenceID string, at time.Time) (int64, error)
}

// Store runs units of work. fn's repository is only valid until fn returns;
// returning an error rolls back every write made through it.
type Store interface {
	InTx(ctx context.Context, fn func(repo Repository) error) error
	Ping(ctx context.Context) error
}
