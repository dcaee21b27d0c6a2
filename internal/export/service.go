package export

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"docket/api/internal/store"
)

// Service renders quality documents and keeps them in object storage. Each PDF
// is stored with a JSON sidecar holding its Document so that sign-offs can be
// stamped by re-rendering.
type Service struct {
	renderer Renderer
	objects  ObjectStore
	now      func() time.Time
}

func NewService(renderer Renderer, objects ObjectStore) *Service {
	return &Service{renderer: renderer, objects: objects, now: time.Now}
}

// Generate renders the document for an applied history entry and returns its
// path as "bucket/key".
func (s *Service) Generate(ctx context.Context, project store.Project, entry store.ItemHistory) (string, error) {
	var snapshot store.ItemSnapshot
	if err := json.Unmarshal(entry.Snapshot, &snapshot); err != nil {
		return "", fmt.Errorf("decode snapshot: %w", err)
	}
	fields, err := ContentFields(snapshot.Content)
	if err != nil {
		return "", err
	}
	doc := Document{
		ProjectName:   project.Name,
		CodePrefix:    project.CodePrefix,
		Code:          snapshot.Code,
		Title:         snapshot.Title,
		Type:          snapshot.Type,
		Version:       entry.Version,
		ChangeKind:    entry.ChangeKind,
		HistoryID:     entry.ID,
		RequestID:     entry.ChangeRequestID,
		SubmitterName: entry.SubmitterName,
		ReviewerName:  entry.ReviewerName,
		Fields:        fields,
		GeneratedAt:   s.now().UTC(),
		Signatures:    []Signer{},
	}
	key := fmt.Sprintf("%s/%s/v%d-%s.pdf", safeSegment(project.CodePrefix), safeSegment(snapshot.Code), entry.Version, safeSegment(entry.ID))
	if err := s.publish(ctx, key, doc); err != nil {
		return "", err
	}
	return s.objects.Bucket() + "/" + key, nil
}

// Embed adds signer to the document at path and re-renders it. A stage that
// is signed again replaces its earlier signature.
func (s *Service) Embed(ctx context.Context, path string, signer Signer) error {
	key, err := s.keyOf(path)
	if err != nil {
		return err
	}
	raw, err := s.objects.Get(ctx, sidecarKey(key))
	if err != nil {
		return err
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode document %s: %w", key, err)
	}
	signatures := make([]Signer, 0, len(doc.Signatures)+1)
	for _, existing := range doc.Signatures {
		if existing.Stage != signer.Stage {
			signatures = append(signatures, existing)
		}
	}
	doc.Signatures = append(signatures, signer)
	return s.publish(ctx, key, doc)
}

func (s *Service) publish(ctx context.Context, key string, doc Document) error {
	html, err := RenderDocumentHTML(doc)
	if err != nil {
		return fmt.Errorf("render template: %w", err)
	}
	pdf, err := s.renderer.RenderPDF(ctx, html)
	if err != nil {
		return err
	}
	sidecar, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	if err := s.objects.Put(ctx, sidecarKey(key), sidecar, "application/json"); err != nil {
		return err
	}
	return s.objects.Put(ctx, key, pdf, "application/pdf")
}

func (s *Service) keyOf(path string) (string, error) {
	prefix := s.objects.Bucket() + "/"
	if !strings.HasPrefix(path, prefix) || len(path) == len(prefix) {
		return "", fmt.Errorf("%w: %s", ErrInvalidPath, path)
	}
	return strings.TrimPrefix(path, prefix), nil
}

func sidecarKey(key string) string {
	return strings.TrimSuffix(key, ".pdf") + ".json"
}
