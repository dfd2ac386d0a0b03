package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/tanodlink/crimeledger/internal/reports/model"
)

var (
	// ErrNotFound is returned when a report does not exist.
	ErrNotFound = errors.New("report not found")

	// ErrStoreUnavailable wraps connectivity and server-side failures.
	ErrStoreUnavailable = errors.New("report store unavailable")

	// ErrConstraintViolation wraps integrity-constraint failures (SQLSTATE class 23).
	ErrConstraintViolation = errors.New("report store constraint violation")

	// ErrAlreadyAnchored is returned by MarkAnchorFailed when another writer
	// anchored the report first. The anchored state is left in place.
	ErrAlreadyAnchored = errors.New("report already anchored")
)

// DBTX is the query surface of *pgxpool.Pool used by the repository.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const reportColumns = `id, description, reported_at, status, data_hash, submitter_label,
	anchor_state, anchor_attempts, anchor_error, anchored_at, created_at`

// ReportRepository stores crime reports in PostgreSQL. It has no operation
// that rewrites fingerprinted fields.
type ReportRepository struct {
	db DBTX
}

// NewReportRepository creates a new ReportRepository.
func NewReportRepository(db DBTX) *ReportRepository {
	return &ReportRepository{db: db}
}

// Insert stores r and returns the store-assigned id. r.ID and r.CreatedAt are
// filled in on success.
func (r *ReportRepository) Insert(ctx context.Context, report *model.Report) (int64, error) {
	if report.AnchorState == "" {
		report.AnchorState = model.AnchorPending
	}
	report.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO crime_reports (
			description, reported_at, status, data_hash, submitter_label,
			anchor_state, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	var id int64
	err := r.db.QueryRow(ctx, query,
		report.Description, report.ReportedAt, report.Status, report.DataHash,
		report.SubmitterLabel, report.AnchorState, report.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, storeError("insert report", err)
	}
	report.ID = id
	return id, nil
}

// GetByID retrieves a report by id.
func (r *ReportRepository) GetByID(ctx context.Context, id int64) (*model.Report, error) {
	row := r.db.QueryRow(ctx, `SELECT `+reportColumns+` FROM crime_reports WHERE id = $1`, id)
	report, err := scanReport(row)
	if err != nil {
		return nil, storeError(fmt.Sprintf("get report %d", id), err)
	}
	return report, nil
}

// List returns reports newest first.
func (r *ReportRepository) List(ctx context.Context, f model.ListFilter) ([]*model.Report, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	query := `
		SELECT ` + reportColumns + `
		FROM crime_reports
		WHERE ($1 = '' OR status = $1)
		ORDER BY id DESC
		LIMIT $2 OFFSET $3`
	return r.queryReports(ctx, "list reports", query, string(f.Status), f.Limit, f.Offset)
}

// ListPendingAnchors returns reports still waiting for a ledger anchor that
// have been tried fewer than maxAttempts times, oldest first.
func (r *ReportRepository) ListPendingAnchors(ctx context.Context, limit, maxAttempts int) ([]*model.Report, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + reportColumns + `
		FROM crime_reports
		WHERE anchor_state = 'pending'
		  AND anchor_attempts < $1
		ORDER BY id ASC
		LIMIT $2`
	return r.queryReports(ctx, "list pending anchors", query, maxAttempts, limit)
}

// MarkAnchored records that the ledger holds the report's fingerprint.
func (r *ReportRepository) MarkAnchored(ctx context.Context, id int64, at time.Time) error {
	query := `
		UPDATE crime_reports SET
			anchor_state = 'anchored',
			anchor_error = '',
			anchored_at  = $2
		WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, id, at)
	if err != nil {
		return storeError("mark anchored", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAnchorFailed records a failed anchoring attempt and moves the report to
// state (pending to retry later, conflict for operator review). An anchored
// report is never moved back; that case returns ErrAlreadyAnchored.
func (r *ReportRepository) MarkAnchorFailed(ctx context.Context, id int64, state model.AnchorState, reason string) error {
	query := `
		UPDATE crime_reports SET
			anchor_state    = $2,
			anchor_error    = $3,
			anchor_attempts = anchor_attempts + 1
		WHERE id = $1 AND anchor_state <> 'anchored'`
	tag, err := r.db.Exec(ctx, query, id, state, reason)
	if err != nil {
		return storeError("mark anchor failed", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var current model.AnchorState
	err = r.db.QueryRow(ctx, `SELECT anchor_state FROM crime_reports WHERE id = $1`, id).Scan(&current)
	if err != nil {
		return storeError(fmt.Sprintf("mark anchor failed %d", id), err)
	}
	if current == model.AnchorConfirmed {
		return ErrAlreadyAnchored
	}
	return ErrNotFound
}

// CountByAnchorState returns the number of reports in each anchor state.
func (r *ReportRepository) CountByAnchorState(ctx context.Context) (map[model.AnchorState]int, error) {
	rows, err := r.db.Query(ctx, `SELECT anchor_state, COUNT(*) FROM crime_reports GROUP BY anchor_state`)
	if err != nil {
		return nil, storeError("count by anchor state", err)
	}
	defer rows.Close()

	counts := make(map[model.AnchorState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, storeError("scan anchor state count", err)
		}
		counts[model.AnchorState(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("count by anchor state", err)
	}
	return counts, nil
}

// Ping checks that the store answers queries.
func (r *ReportRepository) Ping(ctx context.Context) error {
	var one int
	if err := r.db.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return storeError("ping", err)
	}
	return nil
}

func (r *ReportRepository) queryReports(ctx context.Context, op, query string, args ...any) ([]*model.Report, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, storeError(op, err)
	}
	defer rows.Close()

	var reports []*model.Report
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, storeError(op, err)
		}
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(op, err)
	}
	return reports, nil
}

// scanReport reads one row in reportColumns order.
func scanReport(row pgx.Row) (*model.Report, error) {
	var rep model.Report
	err := row.Scan(
		&rep.ID, &rep.Description, &rep.ReportedAt, &rep.Status, &rep.DataHash,
		&rep.SubmitterLabel, &rep.AnchorState, &rep.AnchorAttempts, &rep.AnchorError,
		&rep.AnchoredAt, &rep.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	rep.ReportedAt = rep.ReportedAt.UTC()
	return &rep, nil
}

// storeError maps driver errors onto the repository sentinels.
func storeError(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) == 5 && pgErr.Code[:2] == "23" {
		return fmt.Errorf("%s: %w: %s", op, ErrConstraintViolation, pgErr.Message)
	}
	return fmt.Errorf("%s: %w", op, errors.Join(ErrStoreUnavailable, err))
}
