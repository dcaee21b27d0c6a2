package app

import (
	"context"
	"database/sql"
	"errors"

	"docket/api/internal/rbac"
	"docket/api/internal/store"
)

// DeleteUser removes a user after copying their display name onto every
// historical record that points at them.
func (s *Service) DeleteUser(ctx context.Context, actor rbac.Actor, userID string) error {
	if !rbac.Can(actor.Role, rbac.ActionAdmin) {
		return forbidden("only administrators can delete users")
	}
	if userID == actor.ID {
		return validationError("administrators cannot delete themselves", nil)
	}
	return s.mutate(ctx, actor, "user", "delete", func(repo store.Repository, fx *effects) error {
		user, err := repo.GetUser(ctx, userID)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("user not found")
		}
		if err != nil {
			return err
		}
		if err := repo.DetachUser(ctx, user.ID, user.DisplayName); err != nil {
			return err
		}
		deleted, err := repo.DeleteUser(ctx, user.ID)
		if err != nil {
			return err
		}
		if !deleted {
			return conflict("user was already deleted", "present", "deleted")
		}
		return nil
	})
}
