package app

import (
	"context"
	"strings"

	"docket/api/internal/rbac"
	"docket/api/internal/store"
	"docket/api/internal/util"
)

type event struct {
	recipientID *string
	kind        string
	title       string
	body        string
	link        string
	referenceID string
}

// notify writes exactly one notification for ev through the transition's own
// repository. A detached recipient receives nothing.
func (s *Service) notify(ctx context.Context, repo store.Repository, fx *effects, ev event) error {
	if ev.recipientID == nil || *ev.recipientID == "" {
		return nil
	}
	recipient, err := repo.GetUser(ctx, *ev.recipientID)
	if err != nil {
		return err
	}
	notification := store.Notification{
		ID:          util.NewID("ntf"),
		UserID:      recipient.ID,
		Type:        ev.kind,
		Title:       ev.title,
		Body:        ev.body,
		Link:        ev.link,
		ReferenceID: ev.referenceID,
		CreatedAt:   s.clock(),
	}
	if err := repo.InsertNotification(ctx, notification); err != nil {
		return err
	}
	fx.deliveries = append(fx.deliveries, delivery{recipient: recipient, notification: notification})
	return nil
}

func (s *Service) ListNotifications(ctx context.Context, actor rbac.Actor, unreadOnly bool, limit int) ([]store.Notification, error) {
	if strings.TrimSpace(actor.ID) == "" {
		return nil, forbidden("an authenticated actor is required")
	}
	var notifications []store.Notification
	err := s.read(ctx, func(repo store.Repository) error {
		var err error
		notifications, err = repo.ListNotifications(ctx, actor.ID, unreadOnly, limit)
		return err
	})
	return notifications, err
}

// MarkNotificationRead marks one of the actor's unread notifications as read.
func (s *Service) MarkNotificationRead(ctx context.Context, actor rbac.Actor, notificationID string) error {
	if strings.TrimSpace(actor.ID) == "" {
		return forbidden("an authenticated actor is required")
	}
	err := s.store.InTx(ctx, func(repo store.Repository) error {
		ok, err := repo.MarkNotificationRead(ctx, actor.ID, notificationID, s.clock())
		if err != nil {
			return err
		}
		if !ok {
			return notFound("unread notification not found")
		}
		return nil
	})
	if err != nil {
		return translateStoreError(err, "notification")
	}
	if s.badges != nil {
		if err := s.badges.Invalidate(context.WithoutCancel(ctx)); err != nil {
			s.log.WithError(err).Warn("badge cache invalidation failed")
		}
	}
	return nil
}
