package memstore

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docket/api/internal/store"
)

func seed(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.InTx(ctx, func(repo store.Repository) error {
		if err := repo.UpsertUser(ctx, store.User{ID: "usr_ed", DisplayName: "Ed", Role: "editor", UpdatedAt: now}); err != nil {
			return err
		}
		if err := repo.InsertProject(ctx, store.Project{ID: "prj_1", Name: "Water", CodePrefix: "WQ", CreatedAt: now, UpdatedAt: now}); err != nil {
			return err
		}
		for _, item := range []store.Item{
			{ID: "itm_a", ProjectID: "prj_1", Code: "WQ-1", Type: "inspection", Title: "A", CurrentVersion: 1},
			{ID: "itm_b", ProjectID: "prj_1", Code: "WQ-2", Type: "inspection", Title: "B", CurrentVersion: 1},
		} {
			if err := repo.InsertItem(ctx, item); err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestInTxRollsBackOnError(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(repo store.Repository) error {
		if err := repo.InsertItem(ctx, store.Item{ID: "itm_c", ProjectID: "prj_1", Code: "WQ-3", CurrentVersion: 1}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = s.InTx(ctx, func(repo store.Repository) error {
		_, err := repo.GetItem(ctx, "itm_c")
		return err
	})
	require.ErrorIs(t, err, sql.ErrNoRows)
}

func TestLinksAreSymmetric(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()

	require.NoError(t, s.InTx(ctx, func(repo store.Repository) error {
		return repo.LinkItems(ctx, "itm_a", "itm_b", time.Now())
	}))

	require.NoError(t, s.InTx(ctx, func(repo store.Repository) error {
		fromA, err := repo.ListRelatedItems(ctx, "itm_a")
		require.NoError(t, err)
		fromB, err := repo.ListRelatedItems(ctx, "itm_b")
		require.NoError(t, err)
		require.Len(t, fromA, 1)
		require.Len(t, fromB, 1)
		assert.Equal(t, "itm_b", fromA[0].ID)
		assert.Equal(t, "itm_a", fromB[0].ID)
		return repo.UnlinkItems(ctx, "itm_b", "itm_a")
	}))

	require.NoError(t, s.InTx(ctx, func(repo store.Repository) error {
		fromA, _ := repo.ListRelatedItems(ctx, "itm_a")
		fromB, _ := repo.ListRelatedItems(ctx, "itm_b")
		assert.Empty(t, fromA)
		assert.Empty(t, fromB)
		return nil
	}))
}

func TestUpdateItemGuardsVersion(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()

	require.NoError(t, s.InTx(ctx, func(repo store.Repository) error {
		item, err := repo.GetItem(ctx, "itm_a")
		require.NoError(t, err)
		item.CurrentVersion = 2
		ok, err := repo.UpdateItem(ctx, item, 1)
		require.NoError(t, err)
		assert.True(t, ok)

		item.CurrentVersion = 3
		ok, err = repo.UpdateItem(ctx, item, 1)
		require.NoError(t, err)
		assert.False(t, ok, "stale expected version must not apply")
		return nil
	}))
}

func TestLiveCodeIsUnique(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()

	err := s.InTx(ctx, func(repo store.Repository) error {
		return repo.InsertItem(ctx, store.Item{ID: "itm_dup", ProjectID: "prj_1", Code: "WQ-1", CurrentVersion: 1})
	})
	require.ErrorIs(t, err, store.ErrConflict)
	assert.NotErrorIs(t, err, store.ErrIntegrity)

	err = s.InTx(ctx, func(repo store.Repository) error {
		return repo.InsertProject(ctx, store.Project{ID: "prj_2", Name: "Other", CodePrefix: "WQ"})
	})
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestRelatedItemsHideDeletedPeers(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()

	require.NoError(t, s.InTx(ctx, func(repo store.Repository) error {
		if err := repo.LinkItems(ctx, "itm_a", "itm_b", time.Now()); err != nil {
			return err
		}
		item, err := repo.GetItem(ctx, "itm_b")
		require.NoError(t, err)
		item.IsDeleted = true
		item.CurrentVersion = 2
		_, err = repo.UpdateItem(ctx, item, 1)
		return err
	}))

	require.NoError(t, s.InTx(ctx, func(repo store.Repository) error {
		fromA, err := repo.ListRelatedItems(ctx, "itm_a")
		require.NoError(t, err)
		assert.Empty(t, fromA)
		fromB, err := repo.ListRelatedItems(ctx, "itm_b")
		require.NoError(t, err)
		require.Len(t, fromB, 1, "the deleted item keeps its link for a later restore")
		assert.Equal(t, "itm_a", fromB[0].ID)
		return nil
	}))
}

func TestUpdateQualityApprovalGuardsRevisionCount(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()
	now := time.Now().UTC()

	var stale store.QCDocumentApproval
	require.NoError(t, s.InTx(ctx, func(repo store.Repository) error {
		if err := repo.InsertItemHistory(ctx, store.ItemHistory{ID: "ih_1", ItemID: "itm_a", Version: 1, ChangeKind: store.KindCreate, ChangeRequestID: "cr_1", CreatedAt: now}); err != nil {
			return err
		}
		stale = store.QCDocumentApproval{ID: "qca_1", HistoryID: "ih_1", ItemID: "itm_a", Status: store.QualityPendingQC, CreatedAt: now}
		return repo.InsertQualityApproval(ctx, stale)
	}))

	require.NoError(t, s.InTx(ctx, func(repo store.Repository) error {
		current, err := repo.GetQualityApproval(ctx, "qca_1")
		require.NoError(t, err)
		guard := current.Guard()
		current.Status = store.QualityRevisionRequired
		current.RevisionCount++
		ok, err := repo.UpdateQualityApproval(ctx, current, guard)
		require.NoError(t, err)
		require.True(t, ok)

		guard = current.Guard()
		current.Status = store.QualityPendingQC
		ok, err = repo.UpdateQualityApproval(ctx, current, guard)
		require.NoError(t, err)
		require.True(t, ok)
		return nil
	}))

	require.NoError(t, s.InTx(ctx, func(repo store.Repository) error {
		guard := stale.Guard()
		stale.Status = store.QualityPendingPM
		ok, err := repo.UpdateQualityApproval(ctx, stale, guard)
		require.NoError(t, err)
		assert.False(t, ok, "a read from before the revision loop must not apply")

		current, err := repo.GetQualityApproval(ctx, "qca_1")
		require.NoError(t, err)
		assert.Equal(t, store.QualityPendingQC, current.Status)
		assert.Equal(t, 1, current.RevisionCount)
		return nil
	}))
}

func TestHistoryAndApprovalUniqueness(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.InTx(ctx, func(repo store.Repository) error {
		return repo.InsertItemHistory(ctx, store.ItemHistory{ID: "ih_1", ItemID: "itm_a", Version: 1, ChangeKind: store.KindCreate, ChangeRequestID: "cr_1", CreatedAt: now})
	}))

	err := s.InTx(ctx, func(repo store.Repository) error {
		return repo.InsertItemHistory(ctx, store.ItemHistory{ID: "ih_2", ItemID: "itm_a", Version: 1, ChangeKind: store.KindUpdate, ChangeRequestID: "cr_2", CreatedAt: now})
	})
	require.ErrorIs(t, err, store.ErrIntegrity)

	insert := func(id string) error {
		return s.InTx(ctx, func(repo store.Repository) error {
			return repo.InsertQualityApproval(ctx, store.QCDocumentApproval{ID: id, HistoryID: "ih_1", ItemID: "itm_a", Status: store.QualityPendingQC, CreatedAt: now})
		})
	}
	require.NoError(t, insert("qca_1"))
	require.ErrorIs(t, insert("qca_2"), store.ErrIntegrity)
}

func TestDetachUserThenDelete(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()
	now := time.Now().UTC()
	userID := "usr_ed"

	require.NoError(t, s.InTx(ctx, func(repo store.Repository) error {
		return repo.InsertChangeRequest(ctx, store.ChangeRequest{ID: "cr_1", Kind: store.KindCreate, TargetType: store.TargetItem, ProjectID: "prj_1", Status: store.ChangeRequestPending, SubmitterID: &userID, SubmitterName: "Ed", ReviewerID: &userID, ReviewerName: "Ed", CreatedAt: now})
	}))

	err := s.InTx(ctx, func(repo store.Repository) error {
		_, err := repo.DeleteUser(ctx, userID)
		return err
	})
	require.ErrorIs(t, err, store.ErrIntegrity, "referenced user must be detached first")

	require.NoError(t, s.InTx(ctx, func(repo store.Repository) error {
		if err := repo.DetachUser(ctx, userID, "Ed Former"); err != nil {
			return err
		}
		ok, err := repo.DeleteUser(ctx, userID)
		require.True(t, ok)
		return err
	}))

	require.NoError(t, s.InTx(ctx, func(repo store.Repository) error {
		request, err := repo.GetChangeRequest(ctx, "cr_1")
		require.NoError(t, err)
		assert.Nil(t, request.SubmitterID)
		assert.Nil(t, request.ReviewerID)
		assert.Equal(t, "Ed Former", request.SubmitterName)
		assert.Equal(t, "Ed Former", request.ReviewerName)
		return nil
	}))
}

func TestPreviousRequestHasSingleSuccessor(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()
	prev := "cr_1"

	require.NoError(t, s.InTx(ctx, func(repo store.Repository) error {
		if err := repo.InsertChangeRequest(ctx, store.ChangeRequest{ID: "cr_1", Status: store.ChangeRequestRejected}); err != nil {
			return err
		}
		return repo.InsertChangeRequest(ctx, store.ChangeRequest{ID: "cr_2", Status: store.ChangeRequestPending, PreviousRequestID: &prev})
	}))

	err := s.InTx(ctx, func(repo store.Repository) error {
		return repo.InsertChangeRequest(ctx, store.ChangeRequest{ID: "cr_3", Status: store.ChangeRequestPending, PreviousRequestID: &prev})
	})
	require.ErrorIs(t, err, store.ErrIntegrity)
}

func TestInTxHonoursCancelledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.InTx(ctx, func(repo store.Repository) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}
