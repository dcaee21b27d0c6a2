package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"docket/api/internal/store"
)

type memoryObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newMemoryObjects() *memoryObjects {
	return &memoryObjects{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memoryObjects) Bucket() string { return "docket-documents" }

func (m *memoryObjects) Put(_ context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	m.types[key] = contentType
	return nil
}

func (m *memoryObjects) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return data, nil
}

// htmlRenderer returns the HTML unchanged so tests can inspect the output.
type htmlRenderer struct {
	err error
}

func (r htmlRenderer) RenderPDF(_ context.Context, html string) ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	return []byte(html), nil
}

func testEntry(t *testing.T) (store.Project, store.ItemHistory) {
	t.Helper()
	snapshot, err := json.Marshal(store.ItemSnapshot{
		Code:    "WQ-9",
		Type:    "inspection",
		Title:   "Valve Inspection",
		Content: json.RawMessage(`{"pressure":"10 bar","checks":{"seal":true},"tags":["a","b"]}`),
	})
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	return store.Project{ID: "prj_1", Name: "Water Quality", CodePrefix: "WQ"}, store.ItemHistory{
		ID:              "hist_1",
		ItemID:          "itm_1",
		Version:         1,
		ChangeKind:      store.KindCreate,
		Snapshot:        snapshot,
		ChangeRequestID: "cr_1",
		SubmitterName:   "Sam Submitter",
		ReviewerName:    "Riley Reviewer",
	}
}

func TestGenerateStoresDocumentAndSidecar(t *testing.T) {
	objects := newMemoryObjects()
	svc := NewService(htmlRenderer{}, objects)
	svc.now = func() time.Time { return time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC) }
	project, entry := testEntry(t)

	path, err := svc.Generate(context.Background(), project, entry)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if path != "docket-documents/WQ/WQ-9/v1-hist_1.pdf" {
		t.Fatalf("unexpected path %q", path)
	}
	pdf := string(objects.objects["WQ/WQ-9/v1-hist_1.pdf"])
	for _, want := range []string{"WQ-9 Valve Inspection", "Water Quality", "Sam Submitter", "checks.seal", "10 bar", "a, b", "Awaiting QC and PM sign-off"} {
		if !strings.Contains(pdf, want) {
			t.Errorf("document missing %q", want)
		}
	}
	if objects.types["WQ/WQ-9/v1-hist_1.pdf"] != "application/pdf" {
		t.Fatalf("unexpected content type %q", objects.types["WQ/WQ-9/v1-hist_1.pdf"])
	}
	if _, ok := objects.objects["WQ/WQ-9/v1-hist_1.json"]; !ok {
		t.Fatal("expected a JSON sidecar")
	}
}

func TestEmbedAddsAndReplacesSignatures(t *testing.T) {
	objects := newMemoryObjects()
	svc := NewService(htmlRenderer{}, objects)
	project, entry := testEntry(t)
	ctx := context.Background()

	path, err := svc.Generate(ctx, project, entry)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	signedAt := time.Date(2025, 3, 2, 10, 0, 0, 0, time.UTC)
	if err := svc.Embed(ctx, path, Signer{Name: "Quinn QC", Stage: "QC", SignedAt: signedAt}); err != nil {
		t.Fatalf("Embed(QC) error = %v", err)
	}
	if err := svc.Embed(ctx, path, Signer{Name: "Quentin QC", Stage: "QC", SignedAt: signedAt}); err != nil {
		t.Fatalf("Embed(QC again) error = %v", err)
	}
	if err := svc.Embed(ctx, path, Signer{Name: "Pat PM", Stage: "PM", SignedAt: signedAt, Note: "approved"}); err != nil {
		t.Fatalf("Embed(PM) error = %v", err)
	}

	var doc Document
	if err := json.Unmarshal(objects.objects["WQ/WQ-9/v1-hist_1.json"], &doc); err != nil {
		t.Fatalf("decode sidecar: %v", err)
	}
	if len(doc.Signatures) != 2 || doc.Signatures[0].Name != "Quentin QC" || doc.Signatures[1].Stage != "PM" {
		t.Fatalf("unexpected signatures: %+v", doc.Signatures)
	}
	pdf := string(objects.objects["WQ/WQ-9/v1-hist_1.pdf"])
	if !strings.Contains(pdf, "Pat PM") || strings.Contains(pdf, "Awaiting QC and PM sign-off") {
		t.Fatal("expected the re-rendered document to carry the signatures")
	}
}

func TestEmbedRejectsForeignPaths(t *testing.T) {
	svc := NewService(htmlRenderer{}, newMemoryObjects())

	err := svc.Embed(context.Background(), "other-bucket/WQ/WQ-9/v1.pdf", Signer{Stage: "QC"})
	if !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath, got %v", err)
	}
	err = svc.Embed(context.Background(), "docket-documents/WQ/missing.pdf", Signer{Stage: "QC"})
	if !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestGeneratePropagatesRendererErrors(t *testing.T) {
	objects := newMemoryObjects()
	svc := NewService(htmlRenderer{err: ErrPDFDependencyMissing}, objects)
	project, entry := testEntry(t)

	if _, err := svc.Generate(context.Background(), project, entry); !errors.Is(err, ErrPDFDependencyMissing) {
		t.Fatalf("expected ErrPDFDependencyMissing, got %v", err)
	}
	if len(objects.objects) != 0 {
		t.Fatalf("expected nothing stored, got %d objects", len(objects.objects))
	}
}

func TestContentFields(t *testing.T) {
	fields, err := ContentFields(json.RawMessage(`{"b":{"y":2,"x":"one"},"a":null,"c":[1,"two"]}`))
	if err != nil {
		t.Fatalf("ContentFields() error = %v", err)
	}
	want := []Field{{Label: "a", Value: ""}, {Label: "b.x", Value: "one"}, {Label: "b.y", Value: "2"}, {Label: "c", Value: "1, two"}}
	if len(fields) != len(want) {
		t.Fatalf("ContentFields() = %+v, want %+v", fields, want)
	}
	for i := range want {
		if fields[i] != want[i] {
			t.Errorf("field %d = %+v, want %+v", i, fields[i], want[i])
		}
	}

	if _, err := ContentFields(json.RawMessage(`[1,2]`)); err == nil {
		t.Fatal("expected an error for non-object content")
	}
}

func TestRenderDocumentHTMLEscapesContent(t *testing.T) {
	html, err := RenderDocumentHTML(Document{
		Code:   "WQ-1",
		Title:  "<script>alert(1)</script>",
		Fields: []Field{{Label: "note", Value: "<b>bold</b>"}},
	})
	if err != nil {
		t.Fatalf("RenderDocumentHTML() error = %v", err)
	}
	if strings.Contains(html, "<script>alert") || strings.Contains(html, "<b>bold</b>") {
		t.Fatal("user content must be escaped")
	}
}

func TestSafeSegment(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"WQ-9", "WQ-9"},
		{"hist_01", "hist_01"},
		{"a/b c", "ab-c"},
		{"", "document"},
		{"../..", "document"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := safeSegment(tt.input); got != tt.expected {
				t.Errorf("safeSegment(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello world", "hello%20world"},
		{"test+sign", "test%2Bsign"},
		{"special<>", "special%3C%3E"},
		{"normal-text.txt", "normal-text.txt"},
		{"é", "%C3%A9"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := percentEncodeForDataURL(tt.input); got != tt.expected {
				t.Errorf("percentEncodeForDataURL(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestItemTimelineWorkbook(t *testing.T) {
	_, entry := testEntry(t)
	entry.CreatedAt = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	previous := "cr_0"
	requests := []store.ChangeRequest{
		{ID: "cr_0", Kind: store.KindCreate, Status: store.ChangeRequestResubmitted, SubmitterName: "Sam Submitter", ReviewNote: "wrong code prefix"},
		{ID: "cr_1", Kind: store.KindCreate, Status: store.ChangeRequestApproved, SubmitterName: "Sam Submitter", PreviousRequestID: &previous},
	}

	data, err := ItemTimelineWorkbook(store.Item{Code: "WQ-9", Title: "Valve Inspection"}, []store.ItemHistory{entry}, requests)
	if err != nil {
		t.Fatalf("ItemTimelineWorkbook() error = %v", err)
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer func() { _ = f.Close() }()

	if sheets := f.GetSheetList(); len(sheets) != 2 || sheets[0] != historySheet || sheets[1] != requestsSheet {
		t.Fatalf("unexpected sheets %v", sheets)
	}
	history, err := f.GetRows(historySheet)
	if err != nil {
		t.Fatalf("read history: %v", err)
	}
	if len(history) != 2 || history[1][0] != "1" || history[1][2] != "WQ-9" || history[1][5] != "Sam Submitter" {
		t.Fatalf("unexpected history rows %v", history)
	}
	rows, err := f.GetRows(requestsSheet)
	if err != nil {
		t.Fatalf("read requests: %v", err)
	}
	if len(rows) != 3 || rows[2][7] != "cr_0" || rows[1][6] != "wrong code prefix" {
		t.Fatalf("unexpected request rows %v", rows)
	}
}
