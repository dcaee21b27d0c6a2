package store

import (
	"encoding/json"
	"time"
)

const (
	KindCreate  = "CREATE"
	KindUpdate  = "UPDATE"
	KindDelete  = "DELETE"
	KindRestore = "RESTORE"
)

const (
	TargetItem    = "ITEM"
	TargetProject = "PROJECT"
)

const (
	PayloadFull  = "FULL"
	PayloadPatch = "PATCH"
)

const (
	ChangeRequestPending     = "PENDING"
	ChangeRequestApproved    = "APPROVED"
	ChangeRequestRejected    = "REJECTED"
	ChangeRequestResubmitted = "RESUBMITTED"
	ChangeRequestCancelled   = "CANCELLED"
)

const (
	QualityPendingQC        = "PENDING_QC"
	QualityPendingPM        = "PENDING_PM"
	QualityCompleted        = "COMPLETED"
	QualityRejected         = "REJECTED"
	QualityRevisionRequired = "REVISION_REQUIRED"
)

const (
	StageQC = "QC"
	StagePM = "PM"
)

const (
	NotificationChangeApproved   = "CHANGE_APPROVED"
	NotificationChangeRejected   = "CHANGE_REJECTED"
	NotificationQCApproved       = "QC_APPROVED"
	NotificationCompleted        = "COMPLETED"
	NotificationQualityRejected  = "QUALITY_REJECTED"
	NotificationRevisionRequest  = "REVISION_REQUEST"
	NotificationRevisionResolved = "REVISION_RESOLVED"
)

type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Email       string    `json:"email"`
	Role        string    `json:"role"`
	QCQualified bool      `json:"qcQualified"`
	PMQualified bool      `json:"pmQualified"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type Project struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	CodePrefix string    `json:"codePrefix"`
	IsDeleted  bool      `json:"isDeleted"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type Item struct {
	ID             string          `json:"id"`
	ProjectID      string          `json:"projectId"`
	Code           string          `json:"code"`
	Type           string          `json:"type"`
	Title          string          `json:"title"`
	Content        json.RawMessage `json:"content"`
	CurrentVersion int             `json:"currentVersion"`
	IsDeleted      bool            `json:"isDeleted"`
	UpdatedBy      string          `json:"updatedBy"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// ItemSnapshot is the JSON body stored on every ItemHistory row. It holds the
// item's own fields only; related-item links live in item_links.
type ItemSnapshot struct {
	Code      string          `json:"code"`
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsDeleted bool            `json:"isDeleted"`
}

type ItemHistory struct {
	ID              string          `json:"id"`
	ItemID          string          `json:"itemId"`
	ProjectID       string          `json:"projectId"`
	Version         int             `json:"version"`
	ChangeKind      string          `json:"changeKind"`
	Snapshot        json.RawMessage `json:"snapshot"`
	ChangeRequestID string          `json:"changeRequestId"`
	SubmitterID     *string         `json:"submitterId"`
	SubmitterName   string          `json:"submitterName"`
	ReviewerID      *string         `json:"reviewerId"`
	ReviewerName    string          `json:"reviewerName"`
	DocumentPath    string          `json:"documentPath"`
	CreatedAt       time.Time       `json:"createdAt"`
}

type ChangeRequest struct {
	ID                string          `json:"id"`
	Kind              string          `json:"kind"`
	TargetType        string          `json:"targetType"`
	ProjectID         string          `json:"projectId"`
	ItemID            *string         `json:"itemId"`
	Payload           json.RawMessage `json:"payload"`
	PayloadMode       string          `json:"payloadMode"`
	Status            string          `json:"status"`
	SubmitterID       *string         `json:"submitterId"`
	SubmitterName     string          `json:"submitterName"`
	ReviewerID        *string         `json:"reviewerId"`
	ReviewerName      string          `json:"reviewerName"`
	ReviewNote        string          `json:"reviewNote"`
	SubmitReason      string          `json:"submitReason"`
	PreviousRequestID *string         `json:"previousRequestId"`
	HistoryID         *string         `json:"historyId"`
	CreatedAt         time.Time       `json:"createdAt"`
	ReviewedAt        *time.Time      `json:"reviewedAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// ChangeRequestTransition is a status compare-and-set. Empty or nil fields keep
// their stored values.
type ChangeRequestTransition struct {
	ID           string
	From         string
	To           string
	ReviewerID   *string
	ReviewerName string
	ReviewNote   string
	ReviewedAt   *time.Time
	ItemID       *string
	HistoryID    *string
	At           time.Time
}

type ChangeRequestFilter struct {
	Status      string
	SubmitterID string
	ProjectID   string
	ItemID      string
	Limit       int
}

type QCDocumentApproval struct {
	ID             string     `json:"id"`
	HistoryID      string     `json:"historyId"`
	ItemID         string     `json:"itemId"`
	ProjectID      string     `json:"projectId"`
	SubmitterID    *string    `json:"submitterId"`
	SubmitterName  string     `json:"submitterName"`
	Status         string     `json:"status"`
	QCApproverID   *string    `json:"qcApproverId"`
	QCApproverName string     `json:"qcApproverName"`
	QCApprovedAt   *time.Time `json:"qcApprovedAt"`
	QCNote         string     `json:"qcNote"`
	PMApproverID   *string    `json:"pmApproverId"`
	PMApproverName string     `json:"pmApproverName"`
	PMApprovedAt   *time.Time `json:"pmApprovedAt"`
	PMNote         string     `json:"pmNote"`
	RejectedByID   *string    `json:"rejectedById"`
	RejectedByName string     `json:"rejectedByName"`
	RejectedAt     *time.Time `json:"rejectedAt"`
	RejectionNote  string     `json:"rejectionNote"`
	RevisionCount  int        `json:"revisionCount"`
	DocumentPath   string     `json:"documentPath"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Guard captures the state a later UpdateQualityApproval must still match.
func (a QCDocumentApproval) Guard() ApprovalGuard {
	return ApprovalGuard{Status: a.Status, RevisionCount: a.RevisionCount}
}

type QualityFilter struct {
	Status      string
	SubmitterID string
	ProjectID   string
	Limit       int
}

type RevisionItem struct {
	ID            string     `json:"id"`
	ApprovalID    string     `json:"approvalId"`
	Stage         string     `json:"stage"`
	RequesterID   *string    `json:"requesterId"`
	RequesterName string     `json:"requesterName"`
	Note          string     `json:"note"`
	RequestedAt   time.Time  `json:"requestedAt"`
	ResolvedAt    *time.Time `json:"resolvedAt"`
}

type Notification struct {
	ID          string     `json:"id"`
	UserID      string     `json:"userId"`
	Type        string     `json:"type"`
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	Link        string     `json:"link"`
	ReferenceID string     `json:"referenceId"`
	IsRead      bool       `json:"isRead"`
	CreatedAt   time.Time  `json:"createdAt"`
	ReadAt      *time.Time `json:"readAt"`
}
