package app

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsCountOutcomes(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	h := newHarness(t, func(o *Options) { o.Metrics = metrics })
	ctx := context.Background()
	approval := h.approvalFor(t, h.createItem(t, "WQ-9", "inspection", "Valve Inspection"))

	if _, err := h.svc.ApproveAsQC(ctx, qcUser, approval.ID, ""); err != nil {
		t.Fatalf("ApproveAsQC() error = %v", err)
	}
	if _, err := h.svc.ApproveAsQC(ctx, qcUser2, approval.ID, ""); !IsCode(err, CodeConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := h.svc.ApproveAsPM(ctx, qcUser, approval.ID, ""); !IsCode(err, CodeForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}

	if got := testutil.ToFloat64(metrics.transitions.WithLabelValues("quality", "approve_qc", "ok")); got != 1 {
		t.Fatalf("expected 1 successful QC approval, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.conflicts.WithLabelValues("quality", "approve_qc")); got != 1 {
		t.Fatalf("expected 1 QC conflict, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.transitions.WithLabelValues("quality", "approve_pm", "forbidden")); got != 1 {
		t.Fatalf("expected 1 forbidden PM approval, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.transitions.WithLabelValues("change_request", "review", "ok")); got != 2 {
		t.Fatalf("expected 2 reviews, got %v", got)
	}
}

func TestMetricsCountSideEffectFailures(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	h := newHarness(t, func(o *Options) { o.Metrics = metrics })
	h.signatures.err = errors.New("stamp service down")
	approval := h.approvalFor(t, h.createItem(t, "WQ-9", "inspection", "Valve Inspection"))

	if _, err := h.svc.ApproveAsQC(context.Background(), qcUser, approval.ID, ""); err != nil {
		t.Fatalf("ApproveAsQC() error = %v", err)
	}
	if got := testutil.ToFloat64(metrics.sideEffects.WithLabelValues("signature")); got != 1 {
		t.Fatalf("expected 1 signature failure, got %v", got)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var metrics *Metrics
	metrics.observe("quality", "approve_qc", nil)
	metrics.sideEffectFailed("mail")
}
