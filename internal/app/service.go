package app

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"docket/api/internal/export"
	"docket/api/internal/logging"
	"docket/api/internal/rbac"
	"docket/api/internal/store"
)

// DocumentGenerator renders the quality document for an applied history entry
// and returns the storage path of the artifact.
type DocumentGenerator interface {
	Generate(ctx context.Context, project store.Project, entry store.ItemHistory) (string, error)
}

// SignatureEmbedder stamps a signer onto a stored document.
type SignatureEmbedder interface {
	Embed(ctx context.Context, path string, signer export.Signer) error
}

// NotificationDeliverer hands a committed notification to an outbound channel.
type NotificationDeliverer interface {
	Deliver(ctx context.Context, recipient store.User, notification store.Notification) error
}

// BadgeCache stores serialized dashboard badges per actor key.
type BadgeCache interface {
	Load(ctx context.Context, key string) ([]byte, bool, error)
	Store(ctx context.Context, key string, value []byte) error
	Invalidate(ctx context.Context) error
}

// HistoryMirror receives every committed history entry.
type HistoryMirror interface {
	Record(ctx context.Context, project store.Project, entry store.ItemHistory) error
}

type Options struct {
	QualityItemTypes map[string]bool
	AllowSameSigner  bool
	Documents        DocumentGenerator
	Signatures       SignatureEmbedder
	Mailer           NotificationDeliverer
	Badges           BadgeCache
	Mirror           HistoryMirror
	Metrics          *Metrics
	Logger           *logrus.Logger
	Now              func() time.Time
}

type Service struct {
	store        store.Store
	qualityTypes map[string]bool
	policy       rbac.Policy
	documents    DocumentGenerator
	signatures   SignatureEmbedder
	mailer       NotificationDeliverer
	badges       BadgeCache
	mirror       HistoryMirror
	metrics      *Metrics
	log          *logrus.Logger
	now          func() time.Time
}

func New(dataStore store.Store, opts Options) *Service {
	qualityTypes := make(map[string]bool, len(opts.QualityItemTypes))
	for itemType, required := range opts.QualityItemTypes {
		if required {
			qualityTypes[strings.ToLower(strings.TrimSpace(itemType))] = true
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:        dataStore,
		qualityTypes: qualityTypes,
		policy:       rbac.Policy{AllowSameSigner: opts.AllowSameSigner},
		documents:    opts.Documents,
		signatures:   opts.Signatures,
		mailer:       opts.Mailer,
		badges:       opts.Badges,
		mirror:       opts.Mirror,
		metrics:      opts.Metrics,
		log:          logger,
		now:          now,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) requiresQuality(itemType string) bool {
	return s.qualityTypes[strings.ToLower(itemType)]
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

type delivery struct {
	recipient    store.User
	notification store.Notification
}

type signature struct {
	path   string
	signer export.Signer
}

type mirrorEntry struct {
	project store.Project
	entry   store.ItemHistory
}

// effects collects the work that runs after a transition commits.
type effects struct {
	deliveries []delivery
	signatures []signature
	mirrored   []mirrorEntry
}

// mutate runs fn in one transaction and, once it commits, performs the
// best-effort side effects fn queued.
func (s *Service) mutate(ctx context.Context, actor rbac.Actor, machine rbac.Machine, operation string, fn func(repo store.Repository, fx *effects) error) error {
	if strings.TrimSpace(actor.ID) == "" {
		err := forbidden("an authenticated actor is required")
		s.metrics.observe(string(machine), operation, err)
		return err
	}
	var fx effects
	err := s.store.InTx(ctx, func(repo store.Repository) error {
		fx = effects{}
		if err := s.upsertActor(ctx, repo, actor); err != nil {
			return err
		}
		return fn(repo, &fx)
	})
	err = translateStoreError(err, "record")
	s.metrics.observe(string(machine), operation, err)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"machine":   machine,
			"operation": operation,
			"actor":     actor.ID,
		}).WithError(err).Debug("transition refused")
		return err
	}
	s.afterCommit(ctx, fx)
	return nil
}

// read runs fn against a consistent view of the store.
func (s *Service) read(ctx context.Context, fn func(repo store.Repository) error) error {
	return translateStoreError(s.store.InTx(ctx, fn), "record")
}

func (s *Service) upsertActor(ctx context.Context, repo store.Repository, actor rbac.Actor) error {
	name := strings.TrimSpace(actor.Name)
	if name == "" {
		name = actor.ID
	}
	return repo.UpsertUser(ctx, store.User{
		ID:          actor.ID,
		DisplayName: name,
		Email:       actor.Email,
		Role:        string(actor.Role),
		QCQualified: actor.QCQualified,
		PMQualified: actor.PMQualified,
		UpdatedAt:   s.clock(),
	})
}

func (s *Service) afterCommit(ctx context.Context, fx effects) {
	ctx = context.WithoutCancel(ctx)
	if s.mailer != nil {
		for _, d := range fx.deliveries {
			if strings.TrimSpace(d.recipient.Email) == "" {
				continue
			}
			if err := s.mailer.Deliver(ctx, d.recipient, d.notification); err != nil {
				s.metrics.sideEffectFailed("mail")
				s.log.WithError(err).WithField("notification", d.notification.ID).Warn("notification delivery failed")
			}
		}
	}
	if s.signatures != nil {
		for _, sig := range fx.signatures {
			if err := s.signatures.Embed(ctx, sig.path, sig.signer); err != nil {
				s.metrics.sideEffectFailed("signature")
				s.log.WithError(err).WithFields(logrus.Fields{"path": sig.path, "stage": sig.signer.Stage}).Warn("signature embed failed")
			}
		}
	}
	if s.mirror != nil {
		for _, m := range fx.mirrored {
			if err := s.mirror.Record(ctx, m.project, m.entry); err != nil {
				s.metrics.sideEffectFailed("mirror")
				s.log.WithError(err).WithField("history", m.entry.ID).Warn("history mirror failed")
			}
		}
	}
	if s.badges != nil {
		if err := s.badges.Invalidate(ctx); err != nil {
			s.metrics.sideEffectFailed("badges")
			s.log.WithError(err).Warn("badge cache invalidation failed")
		}
	}
}

func ptr[T any](v T) *T {
	return &v
}

func deref(id *string) string {
	if id == nil {
		return ""
	}
	return *id
}

func actorName(actor rbac.Actor) string {
	if name := strings.TrimSpace(actor.Name); name != "" {
		return name
	}
	return actor.ID
}

func normalizeNote(note string) string {
	return strings.TrimSpace(note)
}

func rawOrEmptyObject(raw json.RawMessage) json.RawMessage {
	if len(strings.TrimSpace(string(raw))) == 0 || string(raw) == "null" {
		return json.RawMessage(`{}`)
	}
	return raw
}
