package rbac

import (
	"testing"

	"docket/api/internal/store"
)

func TestCan(t *testing.T) {
	if !Can(RoleAdmin, ActionAdmin) {
		t.Fatal("admin should have admin access")
	}
	if Can(RoleViewer, ActionSubmit) {
		t.Fatal("viewer should not submit")
	}
	if !Can(RoleEditor, ActionSubmit) {
		t.Fatal("editor should submit")
	}
	if Can(RoleEditor, ActionReview) {
		t.Fatal("editor should not review")
	}
	if !Can(RoleReviewer, ActionReview) {
		t.Fatal("reviewer should review")
	}
	if Can(RoleReviewer, ActionAdmin) {
		t.Fatal("reviewer should not administer")
	}
}

func TestNormalize(t *testing.T) {
	if Normalize("reviewer") != RoleReviewer {
		t.Fatal("reviewer should normalize to itself")
	}
	if Normalize("superuser") != RoleViewer {
		t.Fatal("unknown roles should normalize to viewer")
	}
}

func TestCanTransitionChangeRequest(t *testing.T) {
	editor := Actor{ID: "usr_ed", Name: "Ed", Role: RoleEditor}
	other := Actor{ID: "usr_other", Name: "Other", Role: RoleEditor}
	reviewer := Actor{ID: "usr_rev", Name: "Rev", Role: RoleReviewer}
	admin := Actor{ID: "usr_admin", Name: "Admin", Role: RoleAdmin}
	viewer := Actor{ID: "usr_view", Name: "View", Role: RoleViewer}

	cases := []struct {
		name  string
		actor Actor
		t     Transition
		want  bool
	}{
		{"editor submits item", editor, Transition{To: store.ChangeRequestPending, TargetType: store.TargetItem}, true},
		{"viewer submits item", viewer, Transition{To: store.ChangeRequestPending, TargetType: store.TargetItem}, false},
		{"editor submits project", editor, Transition{To: store.ChangeRequestPending, TargetType: store.TargetProject}, false},
		{"reviewer submits project", reviewer, Transition{To: store.ChangeRequestPending, TargetType: store.TargetProject}, true},
		{"reviewer approves", reviewer, Transition{From: store.ChangeRequestPending, To: store.ChangeRequestApproved}, true},
		{"editor approves", editor, Transition{From: store.ChangeRequestPending, To: store.ChangeRequestApproved}, false},
		{"reviewer rejects", reviewer, Transition{From: store.ChangeRequestPending, To: store.ChangeRequestRejected}, true},
		{"owner resubmits", editor, Transition{From: store.ChangeRequestRejected, To: store.ChangeRequestResubmitted, OwnerID: editor.ID}, true},
		{"stranger resubmits", other, Transition{From: store.ChangeRequestRejected, To: store.ChangeRequestResubmitted, OwnerID: editor.ID}, false},
		{"admin resubmits", admin, Transition{From: store.ChangeRequestRejected, To: store.ChangeRequestResubmitted, OwnerID: editor.ID}, true},
		{"owner cancels", editor, Transition{From: store.ChangeRequestRejected, To: store.ChangeRequestCancelled, OwnerID: editor.ID}, true},
		{"reviewer cancels", reviewer, Transition{From: store.ChangeRequestRejected, To: store.ChangeRequestCancelled, OwnerID: editor.ID}, false},
		{"admin cancels", admin, Transition{From: store.ChangeRequestRejected, To: store.ChangeRequestCancelled, OwnerID: editor.ID}, true},
		{"approved cannot be reopened", admin, Transition{From: store.ChangeRequestApproved, To: store.ChangeRequestPending}, false},
		{"pending cannot be resubmitted", admin, Transition{From: store.ChangeRequestPending, To: store.ChangeRequestResubmitted, OwnerID: admin.ID}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.t.Machine = MachineChangeRequest
			if got := CanTransition(tc.actor, tc.t); got != tc.want {
				t.Fatalf("CanTransition = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCanTransitionQuality(t *testing.T) {
	qc := Actor{ID: "usr_qc", Name: "QC", Role: RoleReviewer, QCQualified: true}
	pm := Actor{ID: "usr_pm", Name: "PM", Role: RoleReviewer, PMQualified: true}
	both := Actor{ID: "usr_both", Name: "Both", Role: RoleReviewer, QCQualified: true, PMQualified: true}
	submitter := Actor{ID: "usr_sub", Name: "Sub", Role: RoleEditor}
	admin := Actor{ID: "usr_admin", Name: "Admin", Role: RoleAdmin}

	cases := []struct {
		name  string
		actor Actor
		t     Transition
		want  bool
	}{
		{"qc approves", qc, Transition{From: store.QualityPendingQC, To: store.QualityPendingPM}, true},
		{"pm cannot approve qc stage", pm, Transition{From: store.QualityPendingQC, To: store.QualityPendingPM}, false},
		{"admin without qualification", admin, Transition{From: store.QualityPendingQC, To: store.QualityPendingPM}, false},
		{"pm cannot skip qc", both, Transition{From: store.QualityPendingQC, To: store.QualityCompleted}, false},
		{"pm approves", pm, Transition{From: store.QualityPendingPM, To: store.QualityCompleted, QCSignerID: qc.ID}, true},
		{"qc cannot approve pm stage", qc, Transition{From: store.QualityPendingPM, To: store.QualityCompleted, QCSignerID: "usr_x"}, false},
		{"same signer blocked", both, Transition{From: store.QualityPendingPM, To: store.QualityCompleted, QCSignerID: both.ID}, false},
		{"qc requests revision", qc, Transition{From: store.QualityPendingQC, To: store.QualityRevisionRequired}, true},
		{"pm rejects at pm stage", pm, Transition{From: store.QualityPendingPM, To: store.QualityRejected}, true},
		{"pm rejects at qc stage", pm, Transition{From: store.QualityPendingQC, To: store.QualityRejected}, false},
		{"submitter resolves", submitter, Transition{From: store.QualityRevisionRequired, To: store.QualityPendingQC, OwnerID: submitter.ID}, true},
		{"qc cannot resolve", qc, Transition{From: store.QualityRevisionRequired, To: store.QualityPendingQC, OwnerID: submitter.ID}, false},
		{"admin resolves", admin, Transition{From: store.QualityRevisionRequired, To: store.QualityPendingQC, OwnerID: submitter.ID}, true},
		{"revision cannot resume at pm", submitter, Transition{From: store.QualityRevisionRequired, To: store.QualityPendingPM, OwnerID: submitter.ID}, false},
		{"completed is terminal", both, Transition{From: store.QualityCompleted, To: store.QualityRejected}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.t.Machine = MachineQuality
			if got := CanTransition(tc.actor, tc.t); got != tc.want {
				t.Fatalf("CanTransition = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestPolicyAllowSameSigner(t *testing.T) {
	both := Actor{ID: "usr_both", Role: RoleReviewer, QCQualified: true, PMQualified: true}
	tr := Transition{Machine: MachineQuality, From: store.QualityPendingPM, To: store.QualityCompleted, QCSignerID: both.ID}
	if CanTransition(both, tr) {
		t.Fatal("default policy should block same signer")
	}
	if !(Policy{AllowSameSigner: true}).CanTransition(both, tr) {
		t.Fatal("permissive policy should allow same signer")
	}
}

func TestCanTransitionRequiresActorID(t *testing.T) {
	if CanTransition(Actor{Role: RoleAdmin}, Transition{Machine: MachineChangeRequest, To: store.ChangeRequestPending}) {
		t.Fatal("anonymous actor should never transition")
	}
}
