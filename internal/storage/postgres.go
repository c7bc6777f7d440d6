package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ignatij/goapprove/pkg/models"
	"github.com/ignatij/goapprove/pkg/storage"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// DBInterface is satisfied by both *sqlx.DB and *sqlx.Tx.
type DBInterface interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

const (
	principalColumns    = "id, display_name, rank_level, status"
	templateColumns     = "id, code, name, description, levels, payload_schema, is_active"
	documentColumns     = "id, code, template_id, title, content, amount, currency, priority, payload, requester_id, status, current_position, total_positions, created_at, completed_at"
	stepColumns         = "id, document_id, position, approver_id, decision, comment, decided_at, is_active"
	notificationColumns = "id, principal_id, document_id, kind, title, message, is_read, created_at, pushed_at, push_error"
)

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an already opened connection pool.
func NewPostgresStoreFromDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Begin(ctx context.Context) (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return translate(tx.Commit())
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// likeEscaper quotes LIKE wildcards so a code prefix only matches literally.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// translate maps driver errors onto the storage sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			if pqErr.Constraint == "documents_code_key" {
				return storage.ErrDuplicateCode
			}
			if pqErr.Constraint == "steps_one_active_idx" {
				return errors.Wrap(storage.ErrConflict, pqErr.Message)
			}
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return errors.Wrap(storage.ErrConflict, pqErr.Message)
		}
	}
	return err
}

func (s *PostgresStore) SavePrincipal(ctx context.Context, p models.Principal) (int64, error) {
	if p.Status == "" {
		p.Status = models.ActivePrincipalStatus
	}
	var id int64
	if p.ID == 0 {
		err := s.db.QueryRowxContext(ctx,
			"INSERT INTO principals (display_name, rank_level, status) VALUES ($1, $2, $3) RETURNING id",
			p.DisplayName, p.RankLevel, p.Status).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("save principal: %w", translate(err))
		}
		return id, nil
	}
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO principals (id, display_name, rank_level, status) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET display_name = EXCLUDED.display_name, rank_level = EXCLUDED.rank_level, status = EXCLUDED.status
		RETURNING id`,
		p.ID, p.DisplayName, p.RankLevel, p.Status).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save principal %d: %w", p.ID, translate(err))
	}
	// keep the serial ahead of identities issued elsewhere
	_, err = s.db.ExecContext(ctx,
		"SELECT setval(pg_get_serial_sequence('principals', 'id'), GREATEST((SELECT MAX(id) FROM principals), 1))")
	if err != nil {
		return 0, fmt.Errorf("save principal %d: %w", p.ID, err)
	}
	return id, nil
}

func (s *PostgresStore) GetPrincipal(ctx context.Context, id int64) (models.Principal, error) {
	var p models.Principal
	err := s.db.GetContext(ctx, &p, "SELECT "+principalColumns+" FROM principals WHERE id = $1", id)
	if err != nil {
		return models.Principal{}, translate(err)
	}
	return p, nil
}

func (s *PostgresStore) ListEligiblePrincipals(ctx context.Context, minLevel int) ([]models.Principal, error) {
	principals := []models.Principal{}
	err := s.db.SelectContext(ctx, &principals,
		"SELECT "+principalColumns+" FROM principals WHERE status = $1 AND rank_level >= $2 ORDER BY rank_level, id",
		models.ActivePrincipalStatus, minLevel)
	if err != nil {
		return nil, fmt.Errorf("list eligible principals: %w", err)
	}
	return principals, nil
}

func (s *PostgresStore) SaveTemplate(ctx context.Context, t models.ChainTemplate) (int64, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO chain_templates (code, name, description, levels, payload_schema, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (code) DO UPDATE
		SET name = EXCLUDED.name,
		description = EXCLUDED.description,
		levels = EXCLUDED.levels,
		payload_schema = EXCLUDED.payload_schema,
		is_active = EXCLUDED.is_active
		RETURNING id`,
		t.Code, t.Name, t.Description, t.Levels, t.PayloadSchema, t.IsActive).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save template %s: %w", t.Code, translate(err))
	}
	return id, nil
}

func (s *PostgresStore) GetTemplate(ctx context.Context, id int64) (models.ChainTemplate, error) {
	var t models.ChainTemplate
	err := s.db.GetContext(ctx, &t, "SELECT "+templateColumns+" FROM chain_templates WHERE id = $1", id)
	if err != nil {
		return models.ChainTemplate{}, translate(err)
	}
	return t, nil
}

func (s *PostgresStore) ListTemplates(ctx context.Context, activeOnly bool) ([]models.ChainTemplate, error) {
	templates := []models.ChainTemplate{}
	query := "SELECT " + templateColumns + " FROM chain_templates"
	if activeOnly {
		query += " WHERE is_active"
	}
	query += " ORDER BY name"
	if err := s.db.SelectContext(ctx, &templates, query); err != nil {
		return nil, err
	}
	return templates, nil
}

func (s *PostgresStore) CountDocumentsByCodePrefix(ctx context.Context, prefix string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM documents WHERE code LIKE $1 ESCAPE '\'`, likeEscaper.Replace(prefix)+"%")
	if err != nil {
		return 0, fmt.Errorf("count documents %s: %w", prefix, err)
	}
	return count, nil
}

func (s *PostgresStore) SaveDocument(ctx context.Context, d models.Document) (int64, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO documents (code, template_id, title, content, amount, currency, priority, payload,
		requester_id, status, current_position, total_positions, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`,
		d.Code, d.TemplateID, d.Title, d.Content, d.Amount, d.Currency, d.Priority, d.Payload,
		d.RequesterID, d.Status, d.CurrentPosition, d.TotalPositions, d.CreatedAt, d.CompletedAt).Scan(&id)
	if err != nil {
		if err = translate(err); errors.Is(err, storage.ErrDuplicateCode) {
			return 0, err
		}
		return 0, fmt.Errorf("save document: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, id int64) (models.Document, error) {
	var d models.Document
	err := s.db.GetContext(ctx, &d, "SELECT "+documentColumns+" FROM documents WHERE id = $1", id)
	if err != nil {
		return models.Document{}, translate(err)
	}
	return d, nil
}

// LockDocument reads the document and holds its row lock until the transaction ends.
func (s *PostgresStore) LockDocument(ctx context.Context, id int64) (models.Document, error) {
	var d models.Document
	err := s.db.GetContext(ctx, &d, "SELECT "+documentColumns+" FROM documents WHERE id = $1 FOR UPDATE", id)
	if err != nil {
		return models.Document{}, translate(err)
	}
	return d, nil
}

func (s *PostgresStore) AdvanceDocument(ctx context.Context, id int64, position int) error {
	return s.expectOne(s.db.ExecContext(ctx,
		"UPDATE documents SET current_position = $1 WHERE id = $2 AND status = $3",
		position, id, models.PendingDocumentStatus))
}

func (s *PostgresStore) CompleteDocument(ctx context.Context, id int64, status models.DocumentStatus, completedAt time.Time) error {
	return s.expectOne(s.db.ExecContext(ctx,
		"UPDATE documents SET status = $1, completed_at = $2 WHERE id = $3 AND status = $4",
		status, completedAt, id, models.PendingDocumentStatus))
}

func (s *PostgresStore) expectOne(res sql.Result, err error) error {
	if err != nil {
		return translate(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SaveStep(ctx context.Context, st models.Step) (int64, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO steps (document_id, position, approver_id, decision, comment, decided_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		st.DocumentID, st.Position, st.ApproverID, st.Decision, st.Comment, st.DecidedAt, st.IsActive).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save step %d of document %d: %w", st.Position, st.DocumentID, translate(err))
	}
	return id, nil
}

func (s *PostgresStore) ListSteps(ctx context.Context, documentID int64) ([]models.Step, error) {
	steps := []models.Step{}
	err := s.db.SelectContext(ctx, &steps,
		"SELECT "+stepColumns+" FROM steps WHERE document_id = $1 ORDER BY position", documentID)
	if err != nil {
		return nil, fmt.Errorf("list steps of document %d: %w", documentID, err)
	}
	return steps, nil
}

// DecideActiveStep is the compare-and-set on the active step: it only matches an active,
// undecided step assigned to approverID.
func (s *PostgresStore) DecideActiveStep(ctx context.Context, documentID, approverID int64, decision models.Decision, comment string, decidedAt time.Time) (models.Step, error) {
	var st models.Step
	err := s.db.QueryRowxContext(ctx, `
		UPDATE steps
		SET decision = $1, comment = $2, decided_at = $3, is_active = FALSE
		WHERE document_id = $4 AND approver_id = $5 AND is_active AND decision IS NULL
		RETURNING `+stepColumns,
		decision, comment, decidedAt, documentID, approverID).StructScan(&st)
	if err != nil {
		return models.Step{}, translate(err)
	}
	return st, nil
}

func (s *PostgresStore) ActivateStep(ctx context.Context, documentID int64, position int) (models.Step, error) {
	var st models.Step
	err := s.db.QueryRowxContext(ctx, `
		UPDATE steps SET is_active = TRUE
		WHERE document_id = $1 AND position = $2 AND decision IS NULL
		RETURNING `+stepColumns,
		documentID, position).StructScan(&st)
	if err != nil {
		return models.Step{}, translate(err)
	}
	return st, nil
}

func (s *PostgresStore) SaveNotification(ctx context.Context, n models.Notification) (int64, error) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	var id int64
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO notifications (principal_id, document_id, kind, title, message, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		n.PrincipalID, n.DocumentID, n.Kind, n.Title, n.Message, n.IsRead, n.CreatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save notification for principal %d: %w", n.PrincipalID, translate(err))
	}
	return id, nil
}

func (s *PostgresStore) GetNotification(ctx context.Context, id int64) (models.Notification, error) {
	var n models.Notification
	err := s.db.GetContext(ctx, &n, "SELECT "+notificationColumns+" FROM notifications WHERE id = $1", id)
	if err != nil {
		return models.Notification{}, translate(err)
	}
	return n, nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, principalID int64, unreadOnly bool) ([]models.Notification, error) {
	notifications := []models.Notification{}
	query := "SELECT " + notificationColumns + " FROM notifications WHERE principal_id = $1"
	if unreadOnly {
		query += " AND NOT is_read"
	}
	query += " ORDER BY created_at DESC, id DESC"
	if err := s.db.SelectContext(ctx, &notifications, query, principalID); err != nil {
		return nil, err
	}
	return notifications, nil
}

func (s *PostgresStore) ListUndelivered(ctx context.Context, limit int) ([]models.Notification, error) {
	notifications := []models.Notification{}
	query := "SELECT " + notificationColumns + " FROM notifications WHERE pushed_at IS NULL ORDER BY id"
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}
	if err := s.db.SelectContext(ctx, &notifications, query, args...); err != nil {
		return nil, err
	}
	return notifications, nil
}

func (s *PostgresStore) CountUnread(ctx context.Context, principalID int64) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM notifications WHERE principal_id = $1 AND NOT is_read", principalID)
	return count, err
}

func (s *PostgresStore) MarkNotificationRead(ctx context.Context, id, principalID int64) error {
	return s.expectOne(s.db.ExecContext(ctx,
		"UPDATE notifications SET is_read = TRUE WHERE id = $1 AND principal_id = $2", id, principalID))
}

func (s *PostgresStore) MarkAllNotificationsRead(ctx context.Context, principalID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE notifications SET is_read = TRUE WHERE principal_id = $1 AND NOT is_read", principalID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresStore) RecordPush(ctx context.Context, id int64, pushedAt *time.Time, pushErr string) error {
	return s.expectOne(s.db.ExecContext(ctx,
		"UPDATE notifications SET pushed_at = COALESCE($1, pushed_at), push_error = $2 WHERE id = $3",
		pushedAt, pushErr, id))
}

var _ storage.Store = (*PostgresStore)(nil)
