package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(repo Repository) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&pgRepo{q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback tx: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", mapPgError(err))
	}
	return nil
}

type pgRepo struct {
	q queryer
}

// liveUniqueIndexes are the partial unique indexes that a losing concurrent
// approval can hit after its own pre-check passed.
var liveUniqueIndexes = map[string]bool{
	"items_live_code_idx":      true,
	"projects_live_prefix_idx": true,
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch {
	case pgErr.Code == "23505" && liveUniqueIndexes[pgErr.ConstraintName]:
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	case pgErr.Code == "23505" || pgErr.Code == "23503":
		return fmt.Errorf("%w: %s", ErrIntegrity, pgErr.ConstraintName)
	}
	return err
}

func rowsAffected(result sql.Result) (bool, error) {
	count, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Users

func (r *pgRepo) GetUser(ctx context.Context, userID string) (User, error) {
	var user User
	err := r.q.QueryRowContext(ctx, `
		SELECT id, display_name, email, role, qc_qualified, pm_qualified, created_at, updated_at
		FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role, &user.QCQualified, &user.PMQualified, &user.CreatedAt, &user.UpdatedAt)
	return user, err
}

func (r *pgRepo) UpsertUser(ctx context.Context, user User) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, role, qc_qualified, pm_qualified, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			email = CASE WHEN EXCLUDED.email = '' THEN users.email ELSE EXCLUDED.email END,
			role = EXCLUDED.role,
			qc_qualified = EXCLUDED.qc_qualified,
			pm_qualified = EXCLUDED.pm_qualified,
			updated_at = EXCLUDED.updated_at
	`, user.ID, user.DisplayName, user.Email, user.Role, user.QCQualified, user.PMQualified, user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// DetachUser copies displayName onto every historical record that references
// userID and clears the reference.
func (r *pgRepo) DetachUser(ctx context.Context, userID, displayName string) error {
	statements := []string{
		`UPDATE item_history SET submitter_name=$2, submitter_id=NULL WHERE submitter_id=$1`,
		`UPDATE item_history SET reviewer_name=$2, reviewer_id=NULL WHERE reviewer_id=$1`,
		`UPDATE change_requests SET submitter_name=$2, submitter_id=NULL WHERE submitter_id=$1`,
		`UPDATE change_requests SET reviewer_name=$2, reviewer_id=NULL WHERE reviewer_id=$1`,
		`UPDATE qc_document_approvals SET submitter_name=$2, submitter_id=NULL WHERE submitter_id=$1`,
		`UPDATE qc_document_approvals SET qc_approver_name=$2, qc_approver_id=NULL WHERE qc_approver_id=$1`,
		`UPDATE qc_document_approvals SET pm_approver_name=$2, pm_approver_id=NULL WHERE pm_approver_id=$1`,
		`UPDATE qc_document_approvals SET rejected_by_name=$2, rejected_by_id=NULL WHERE rejected_by_id=$1`,
		`UPDATE revision_items SET requester_name=$2, requester_id=NULL WHERE requester_id=$1`,
	}
	for _, statement := range statements {
		if _, err := r.q.ExecContext(ctx, statement, userID, displayName); err != nil {
			return fmt.Errorf("detach user: %w", err)
		}
	}
	return nil
}

func (r *pgRepo) DeleteUser(ctx context.Context, userID string) (bool, error) {
	result, err := r.q.ExecContext(ctx, `DELETE FROM users WHERE id=$1`, userID)
	if err != nil {
		return false, fmt.Errorf("delete user: %w", mapPgError(err))
	}
	return rowsAffected(result)
}

// Projects

const projectColumns = `id, name, code_prefix, is_deleted, created_at, updated_at`

func scanProject(row interface{ Scan(...any) error }) (Project, error) {
	var project Project
	err := row.Scan(&project.ID, &project.Name, &project.CodePrefix, &project.IsDeleted, &project.CreatedAt, &project.UpdatedAt)
	return project, err
}

func (r *pgRepo) GetProject(ctx context.Context, projectID string) (Project, error) {
	return scanProject(r.q.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=$1`, projectID))
}

func (r *pgRepo) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE is_deleted=false ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	projects := make([]Project, 0)
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, project)
	}
	return projects, rows.Err()
}

func (r *pgRepo) InsertProject(ctx context.Context, project Project) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO projects (id, name, code_prefix, is_deleted, created_at, updated_at)
		VALUES ($1, $2, $3, false, $4, $5)
	`, project.ID, project.Name, project.CodePrefix, project.CreatedAt, project.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert project: %w", mapPgError(err))
	}
	return nil
}

func (r *pgRepo) UpdateProject(ctx context.Context, project Project) (bool, error) {
	result, err := r.q.ExecContext(ctx, `
		UPDATE projects SET name=$2, code_prefix=$3, updated_at=$4
		WHERE id=$1 AND is_deleted=false
	`, project.ID, project.Name, project.CodePrefix, project.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("update project: %w", mapPgError(err))
	}
	return rowsAffected(result)
}

func (r *pgRepo) SoftDeleteProject(ctx context.Context, projectID string, at time.Time) (bool, error) {
	result, err := r.q.ExecContext(ctx, `
		UPDATE projects SET is_deleted=true, updated_at=$2
		WHERE id=$1 AND is_deleted=false
	`, projectID, at)
	if err != nil {
		return false, fmt.Errorf("delete project: %w", err)
	}
	return rowsAffected(result)
}

// Items

const itemColumns = `id, project_id, code, type, title, content, current_version, is_deleted, updated_by, created_at, updated_at`

func scanItem(row interface{ Scan(...any) error }) (Item, error) {
	var item Item
	var content []byte
	err := row.Scan(&item.ID, &item.ProjectID, &item.Code, &item.Type, &item.Title, &content, &item.CurrentVersion, &item.IsDeleted, &item.UpdatedBy, &item.CreatedAt, &item.UpdatedAt)
	item.Content = content
	return item, err
}

func (r *pgRepo) scanItems(rows *sql.Rows) ([]Item, error) {
	defer rows.Close()
	items := make([]Item, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *pgRepo) GetItem(ctx context.Context, itemID string) (Item, error) {
	return scanItem(r.q.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id=$1`, itemID))
}

func (r *pgRepo) GetLiveItemByCode(ctx context.Context, projectID, code string) (Item, error) {
	return scanItem(r.q.QueryRowContext(ctx, `
		SELECT `+itemColumns+` FROM items
		WHERE project_id=$1 AND code=$2 AND is_deleted=false
	`, projectID, code))
}

func (r *pgRepo) ListItems(ctx context.Context, projectID string) ([]Item, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM items
		WHERE project_id=$1 AND is_deleted=false
		ORDER BY code ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return r.scanItems(rows)
}

func (r *pgRepo) InsertItem(ctx context.Context, item Item) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO items (id, project_id, code, type, title, content, current_version, is_deleted, updated_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, item.ID, item.ProjectID, item.Code, item.Type, item.Title, jsonText(item.Content), item.CurrentVersion, item.IsDeleted, item.UpdatedBy, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert item: %w", mapPgError(err))
	}
	return nil
}

// UpdateItem writes item only if the stored version still equals expectedVersion.
func (r *pgRepo) UpdateItem(ctx context.Context, item Item, expectedVersion int) (bool, error) {
	result, err := r.q.ExecContext(ctx, `
		UPDATE items
		SET code=$3, type=$4, title=$5, content=$6, current_version=$7, is_deleted=$8, updated_by=$9, updated_at=$10
		WHERE id=$1 AND current_version=$2
	`, item.ID, expectedVersion, item.Code, item.Type, item.Title, jsonText(item.Content), item.CurrentVersion, item.IsDeleted, item.UpdatedBy, item.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("update item: %w", mapPgError(err))
	}
	return rowsAffected(result)
}

// ListRelatedItems returns the live items linked to itemID. Links to a
// soft-deleted item stay in place and reappear when it is restored.
func (r *pgRepo) ListRelatedItems(ctx context.Context, itemID string) ([]Item, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT i.id, i.project_id, i.code, i.type, i.title, i.content, i.current_version, i.is_deleted, i.updated_by, i.created_at, i.updated_at
		FROM item_links l
		JOIN items i ON i.id = l.related_item_id
		WHERE l.item_id=$1 AND NOT i.is_deleted
		ORDER BY i.code ASC
	`, itemID)
	if err != nil {
		return nil, fmt.Errorf("list related items: %w", err)
	}
	return r.scanItems(rows)
}

// LinkItems writes both directions of a related-item link.
func (r *pgRepo) LinkItems(ctx context.Context, itemID, relatedID string, at time.Time) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO item_links (item_id, related_item_id, created_at)
		VALUES ($1, $2, $3), ($2, $1, $3)
		ON CONFLICT DO NOTHING
	`, itemID, relatedID, at)
	if err != nil {
		return fmt.Errorf("link items: %w", mapPgError(err))
	}
	return nil
}

func (r *pgRepo) UnlinkItems(ctx context.Context, itemID, relatedID string) error {
	_, err := r.q.ExecContext(ctx, `
		DELETE FROM item_links
		WHERE (item_id=$1 AND related_item_id=$2) OR (item_id=$2 AND related_item_id=$1)
	`, itemID, relatedID)
	if err != nil {
		return fmt.Errorf("unlink items: %w", err)
	}
	return nil
}

// History

const historyColumns = `id, item_id, project_id, version, change_kind, snapshot, change_request_id, submitter_id, submitter_name, reviewer_id, reviewer_name, document_path, created_at`

func scanHistory(row interface{ Scan(...any) error }) (ItemHistory, error) {
	var entry ItemHistory
	var snapshot []byte
	err := row.Scan(&entry.ID, &entry.ItemID, &entry.ProjectID, &entry.Version, &entry.ChangeKind, &snapshot, &entry.ChangeRequestID, &entry.SubmitterID, &entry.SubmitterName, &entry.ReviewerID, &entry.ReviewerName, &entry.DocumentPath, &entry.CreatedAt)
	entry.Snapshot = snapshot
	return entry, err
}

func (r *pgRepo) InsertItemHistory(ctx context.Context, entry ItemHistory) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO item_history (id, item_id, project_id, version, change_kind, snapshot, change_request_id, submitter_id, submitter_name, reviewer_id, reviewer_name, document_path, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, entry.ID, entry.ItemID, entry.ProjectID, entry.Version, entry.ChangeKind, jsonText(entry.Snapshot), entry.ChangeRequestID, entry.SubmitterID, entry.SubmitterName, entry.ReviewerID, entry.ReviewerName, entry.DocumentPath, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert item history: %w", mapPgError(err))
	}
	return nil
}

func (r *pgRepo) GetItemHistory(ctx context.Context, historyID string) (ItemHistory, error) {
	return scanHistory(r.q.QueryRowContext(ctx, `SELECT `+historyColumns+` FROM item_history WHERE id=$1`, historyID))
}

func (r *pgRepo) ListItemHistory(ctx context.Context, itemID string) ([]ItemHistory, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+historyColumns+` FROM item_history WHERE item_id=$1 ORDER BY version ASC`, itemID)
	if err != nil {
		return nil, fmt.Errorf("list item history: %w", err)
	}
	defer rows.Close()

	entries := make([]ItemHistory, 0)
	for rows.Next() {
		entry, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item history: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Change requests

const changeRequestColumns = `id, kind, target_type, project_id, item_id, payload, payload_mode, status, submitter_id, submitter_name, reviewer_id, reviewer_name, review_note, submit_reason, previous_request_id, history_id, created_at, reviewed_at, updated_at`

func scanChangeRequest(row interface{ Scan(...any) error }) (ChangeRequest, error) {
	var request ChangeRequest
	var payload []byte
	err := row.Scan(&request.ID, &request.Kind, &request.TargetType, &request.ProjectID, &request.ItemID, &payload, &request.PayloadMode, &request.Status, &request.SubmitterID, &request.SubmitterName, &request.ReviewerID, &request.ReviewerName, &request.ReviewNote, &request.SubmitReason, &request.PreviousRequestID, &request.HistoryID, &request.CreatedAt, &request.ReviewedAt, &request.UpdatedAt)
	request.Payload = payload
	return request, err
}

func (r *pgRepo) scanChangeRequests(rows *sql.Rows) ([]ChangeRequest, error) {
	defer rows.Close()
	requests := make([]ChangeRequest, 0)
	for rows.Next() {
		request, err := scanChangeRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan change request: %w", err)
		}
		requests = append(requests, request)
	}
	return requests, rows.Err()
}

func (r *pgRepo) InsertChangeRequest(ctx context.Context, request ChangeRequest) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO change_requests (id, kind, target_type, project_id, item_id, payload, payload_mode, status, submitter_id, submitter_name, submit_reason, previous_request_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, request.ID, request.Kind, request.TargetType, request.ProjectID, request.ItemID, jsonText(request.Payload), request.PayloadMode, request.Status, request.SubmitterID, request.SubmitterName, request.SubmitReason, request.PreviousRequestID, request.CreatedAt, request.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert change request: %w", mapPgError(err))
	}
	return nil
}

func (r *pgRepo) GetChangeRequest(ctx context.Context, requestID string) (ChangeRequest, error) {
	return scanChangeRequest(r.q.QueryRowContext(ctx, `SELECT `+changeRequestColumns+` FROM change_requests WHERE id=$1`, requestID))
}

func changeRequestWhere(filter ChangeRequestFilter) (string, []any) {
	clauses := make([]string, 0, 4)
	args := make([]any, 0, 4)
	if filter.Status != "" {
		args = append(args, filter.Status)
		clauses = append(clauses, fmt.Sprintf("status=$%d", len(args)))
	}
	if filter.SubmitterID != "" {
		args = append(args, filter.SubmitterID)
		clauses = append(clauses, fmt.Sprintf("submitter_id=$%d", len(args)))
	}
	if filter.ProjectID != "" {
		args = append(args, filter.ProjectID)
		clauses = append(clauses, fmt.Sprintf("project_id=$%d", len(args)))
	}
	if filter.ItemID != "" {
		args = append(args, filter.ItemID)
		clauses = append(clauses, fmt.Sprintf("item_id=$%d", len(args)))
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (r *pgRepo) ListChangeRequests(ctx context.Context, filter ChangeRequestFilter) ([]ChangeRequest, error) {
	where, args := changeRequestWhere(filter)
	query := `SELECT ` + changeRequestColumns + ` FROM change_requests` + where + ` ORDER BY created_at DESC, id ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list change requests: %w", err)
	}
	return r.scanChangeRequests(rows)
}

func (r *pgRepo) CountChangeRequests(ctx context.Context, filter ChangeRequestFilter) (int, error) {
	where, args := changeRequestWhere(filter)
	var count int
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM change_requests`+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count change requests: %w", err)
	}
	return count, nil
}

func (r *pgRepo) ListSuccessorRequests(ctx context.Context, requestID string) ([]ChangeRequest, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+changeRequestColumns+` FROM change_requests
		WHERE previous_request_id=$1
		ORDER BY created_at ASC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list successor requests: %w", err)
	}
	return r.scanChangeRequests(rows)
}

func (r *pgRepo) TransitionChangeRequest(ctx context.Context, t ChangeRequestTransition) (bool, error) {
	result, err := r.q.ExecContext(ctx, `
		UPDATE change_requests
		SET status=$3,
			reviewer_id=COALESCE($4, reviewer_id),
			reviewer_name=COALESCE(NULLIF($5, ''), reviewer_name),
			review_note=COALESCE(NULLIF($6, ''), review_note),
			reviewed_at=COALESCE($7, reviewed_at),
			item_id=COALESCE($8, item_id),
			history_id=COALESCE($9, history_id),
			updated_at=$10
		WHERE id=$1 AND status=$2
	`, t.ID, t.From, t.To, t.ReviewerID, t.ReviewerName, t.ReviewNote, t.ReviewedAt, t.ItemID, t.HistoryID, t.At)
	if err != nil {
		return false, fmt.Errorf("transition change request: %w", mapPgError(err))
	}
	return rowsAffected(result)
}

// Quality approvals

const approvalColumns = `id, history_id, item_id, project_id, submitter_id, submitter_name, status, qc_approver_id, qc_approver_name, qc_approved_at, qc_note, pm_approver_id, pm_approver_name, pm_approved_at, pm_note, rejected_by_id, rejected_by_name, rejected_at, rejection_note, revision_count, document_path, created_at, updated_at`

func scanApproval(row interface{ Scan(...any) error }) (QCDocumentApproval, error) {
	var a QCDocumentApproval
	err := row.Scan(&a.ID, &a.HistoryID, &a.ItemID, &a.ProjectID, &a.SubmitterID, &a.SubmitterName, &a.Status,
		&a.QCApproverID, &a.QCApproverName, &a.QCApprovedAt, &a.QCNote,
		&a.PMApproverID, &a.PMApproverName, &a.PMApprovedAt, &a.PMNote,
		&a.RejectedByID, &a.RejectedByName, &a.RejectedAt, &a.RejectionNote,
		&a.RevisionCount, &a.DocumentPath, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func (r *pgRepo) InsertQualityApproval(ctx context.Context, a QCDocumentApproval) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO qc_document_approvals (id, history_id, item_id, project_id, submitter_id, submitter_name, status, revision_count, document_path, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, a.ID, a.HistoryID, a.ItemID, a.ProjectID, a.SubmitterID, a.SubmitterName, a.Status, a.RevisionCount, a.DocumentPath, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert quality approval: %w", mapPgError(err))
	}
	return nil
}

func (r *pgRepo) GetQualityApproval(ctx context.Context, approvalID string) (QCDocumentApproval, error) {
	return scanApproval(r.q.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM qc_document_approvals WHERE id=$1`, approvalID))
}

func (r *pgRepo) GetQualityApprovalByHistory(ctx context.Context, historyID string) (QCDocumentApproval, error) {
	return scanApproval(r.q.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM qc_document_approvals WHERE history_id=$1`, historyID))
}

func qualityWhere(filter QualityFilter) (string, []any) {
	return changeRequestWhere(ChangeRequestFilter{Status: filter.Status, SubmitterID: filter.SubmitterID, ProjectID: filter.ProjectID})
}

func (r *pgRepo) ListQualityApprovals(ctx context.Context, filter QualityFilter) ([]QCDocumentApproval, error) {
	where, args := qualityWhere(filter)
	query := `SELECT ` + approvalColumns + ` FROM qc_document_approvals` + where + ` ORDER BY created_at ASC, id ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list quality approvals: %w", err)
	}
	defer rows.Close()

	approvals := make([]QCDocumentApproval, 0)
	for rows.Next() {
		approval, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan quality approval: %w", err)
		}
		approvals = append(approvals, approval)
	}
	return approvals, rows.Err()
}

func (r *pgRepo) CountQualityApprovals(ctx context.Context, filter QualityFilter) (int, error) {
	where, args := qualityWhere(filter)
	var count int
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM qc_document_approvals`+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count quality approvals: %w", err)
	}
	return count, nil
}

// UpdateQualityApproval writes every mutable column guarded by the prior
// status and revision count.
func (r *pgRepo) UpdateQualityApproval(ctx context.Context, a QCDocumentApproval, guard ApprovalGuard) (bool, error) {
	result, err := r.q.ExecContext(ctx, `
		UPDATE qc_document_approvals
		SET status=$3,
			qc_approver_id=$4, qc_approver_name=$5, qc_approved_at=$6, qc_note=$7,
			pm_approver_id=$8, pm_approver_name=$9, pm_approved_at=$10, pm_note=$11,
			rejected_by_id=$12, rejected_by_name=$13, rejected_at=$14, rejection_note=$15,
			revision_count=$16, updated_at=$17
		WHERE id=$1 AND status=$2 AND revision_count=$18
	`, a.ID, guard.Status, a.Status,
		a.QCApproverID, a.QCApproverName, a.QCApprovedAt, a.QCNote,
		a.PMApproverID, a.PMApproverName, a.PMApprovedAt, a.PMNote,
		a.RejectedByID, a.RejectedByName, a.RejectedAt, a.RejectionNote,
		a.RevisionCount, a.UpdatedAt, guard.RevisionCount)
	if err != nil {
		return false, fmt.Errorf("update quality approval: %w", mapPgError(err))
	}
	return rowsAffected(result)
}

const revisionColumns = `id, approval_id, stage, requester_id, requester_name, note, requested_at, resolved_at`

func scanRevision(row interface{ Scan(...any) error }) (RevisionItem, error) {
	var item RevisionItem
	err := row.Scan(&item.ID, &item.ApprovalID, &item.Stage, &item.RequesterID, &item.RequesterName, &item.Note, &item.RequestedAt, &item.ResolvedAt)
	return item, err
}

func (r *pgRepo) InsertRevisionItem(ctx context.Context, item RevisionItem) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO revision_items (id, approval_id, stage, requester_id, requester_name, note, requested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, item.ID, item.ApprovalID, item.Stage, item.RequesterID, item.RequesterName, item.Note, item.RequestedAt)
	if err != nil {
		return fmt.Errorf("insert revision item: %w", mapPgError(err))
	}
	return nil
}

func (r *pgRepo) ListRevisionItems(ctx context.Context, approvalID string) ([]RevisionItem, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+revisionColumns+` FROM revision_items
		WHERE approval_id=$1
		ORDER BY requested_at ASC, id ASC
	`, approvalID)
	if err != nil {
		return nil, fmt.Errorf("list revision items: %w", err)
	}
	defer rows.Close()

	items := make([]RevisionItem, 0)
	for rows.Next() {
		item, err := scanRevision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan revision item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *pgRepo) GetOpenRevisionItem(ctx context.Context, approvalID string) (RevisionItem, error) {
	return scanRevision(r.q.QueryRowContext(ctx, `
		SELECT `+revisionColumns+` FROM revision_items
		WHERE approval_id=$1 AND resolved_at IS NULL
	`, approvalID))
}

func (r *pgRepo) ResolveRevisionItem(ctx context.Context, revisionID string, at time.Time) (bool, error) {
	result, err := r.q.ExecContext(ctx, `
		UPDATE revision_items SET resolved_at=$2
		WHERE id=$1 AND resolved_at IS NULL
	`, revisionID, at)
	if err != nil {
		return false, fmt.Errorf("resolve revision item: %w", err)
	}
	return rowsAffected(result)
}

// Notifications

const notificationColumns = `id, user_id, type, title, body, link, reference_id, is_read, created_at, read_at`

func (r *pgRepo) InsertNotification(ctx context.Context, n Notification) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, type, title, body, link, reference_id, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, false, $8)
	`, n.ID, n.UserID, n.Type, n.Title, n.Body, n.Link, n.ReferenceID, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", mapPgError(err))
	}
	return nil
}

func (r *pgRepo) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+notificationColumns+` FROM notifications
		WHERE user_id=$1 AND ($2 = false OR is_read = false)
		ORDER BY created_at DESC, id ASC
		LIMIT $3
	`, userID, unreadOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	notifications := make([]Notification, 0)
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Body, &n.Link, &n.ReferenceID, &n.IsRead, &n.CreatedAt, &n.ReadAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

func (r *pgRepo) CountUnreadNotifications(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications WHERE user_id=$1 AND is_read=false`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count notifications: %w", err)
	}
	return count, nil
}

func (r *pgRepo) MarkNotificationRead(ctx context.Context, userID, notificationID string, at time.Time) (bool, error) {
	result, err := r.q.ExecContext(ctx, `
		UPDATE notifications SET is_read=true, read_at=$3
		WHERE id=$1 AND user_id=$2 AND is_read=false
	`, notificationID, userID, at)
	if err != nil {
		return false, fmt.Errorf("mark notification read: %w", err)
	}
	return rowsAffected(result)
}

func (r *pgRepo) MarkReferenceNotificationsRead(ctx context.Context, referenceID string, at time.Time) (int64, error) {
	result, err := r.q.ExecContext(ctx, `
		UPDATE notifications SET is_read=true, read_at=$2
		WHERE reference_id=$1 AND is_read=false
	`, referenceID, at)
	if err != nil {
		return 0, fmt.Errorf("mark reference notifications read: %w", err)
	}
	return result.RowsAffected()
}

func jsonText(raw []byte) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}
