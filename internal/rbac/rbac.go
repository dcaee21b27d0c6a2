package rbac

import "docket/api/internal/store"

type Role string
type Action string

const (
	RoleViewer   Role = "viewer"
	RoleEditor   Role = "editor"
	RoleReviewer Role = "reviewer"
	RoleAdmin    Role = "admin"
)

const (
	ActionRead   Action = "read"
	ActionSubmit Action = "submit"
	ActionReview Action = "review"
	ActionAdmin  Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleReviewer:
		return action == ActionRead || action == ActionSubmit || action == ActionReview
	case RoleEditor:
		return action == ActionRead || action == ActionSubmit
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleReviewer, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}

// Actor is the identity supplied with every engine call.
type Actor struct {
	ID          string
	Name        string
	Email       string
	Role        Role
	QCQualified bool
	PMQualified bool
}

func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

type Machine string

const (
	MachineChangeRequest Machine = "change_request"
	MachineQuality       Machine = "quality"
)

// Transition describes one requested state change. From is empty for submission.
type Transition struct {
	Machine    Machine
	From       string
	To         string
	TargetType string
	// OwnerID is the original submitter of the record.
	OwnerID string
	// QCSignerID is the recorded QC approver, checked on the PM stage.
	QCSignerID string
}

type Policy struct {
	AllowSameSigner bool
}

// CanTransition applies the default policy.
func CanTransition(actor Actor, t Transition) bool {
	return Policy{}.CanTransition(actor, t)
}

func (p Policy) CanTransition(actor Actor, t Transition) bool {
	if actor.ID == "" {
		return false
	}
	switch t.Machine {
	case MachineChangeRequest:
		return p.canChangeRequest(actor, t)
	case MachineQuality:
		return p.canQuality(actor, t)
	default:
		return false
	}
}

func (p Policy) canChangeRequest(actor Actor, t Transition) bool {
	switch {
	case t.From == "" && t.To == store.ChangeRequestPending:
		if t.TargetType == store.TargetProject {
			return Can(actor.Role, ActionReview)
		}
		return Can(actor.Role, ActionSubmit)
	case t.From == store.ChangeRequestPending && (t.To == store.ChangeRequestApproved || t.To == store.ChangeRequestRejected):
		return Can(actor.Role, ActionReview)
	case t.From == store.ChangeRequestRejected && t.To == store.ChangeRequestResubmitted:
		return Can(actor.Role, ActionSubmit) && (actor.ID == t.OwnerID || actor.IsAdmin())
	case t.From == store.ChangeRequestRejected && t.To == store.ChangeRequestCancelled:
		return actor.ID == t.OwnerID || actor.IsAdmin()
	default:
		return false
	}
}

func (p Policy) canQuality(actor Actor, t Transition) bool {
	switch t.From {
	case store.QualityPendingQC:
		switch t.To {
		case store.QualityPendingPM, store.QualityRejected, store.QualityRevisionRequired:
			return actor.QCQualified
		}
	case store.QualityPendingPM:
		switch t.To {
		case store.QualityCompleted:
			if !actor.PMQualified {
				return false
			}
			return p.AllowSameSigner || t.QCSignerID == "" || t.QCSignerID != actor.ID
		case store.QualityRejected, store.QualityRevisionRequired:
			return actor.PMQualified
		}
	case store.QualityRevisionRequired:
		if t.To == store.QualityPendingQC {
			return actor.ID == t.OwnerID || actor.IsAdmin()
		}
	}
	return false
}
