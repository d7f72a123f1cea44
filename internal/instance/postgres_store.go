package instance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/tenantfleet/internal/idgen"
	"github.com/mbd888/tenantfleet/internal/limits"
	"github.com/mbd888/tenantfleet/internal/pagination"
)

const (
	pqUniqueViolation      = "23505"
	pqSerializationFailure = "40001"

	oneActiveInstanceIndex = "idx_instances_one_active"
)

// PostgresStore persists instances in PostgreSQL.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed instance store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

const instanceColumns = `id, subscription_id, account_id, tier,
	app_name, subdomain, db_service, cache_service, seed,
	status, last_good_status, step, version, limits,
	frontend_url, backend_url, chat_url,
	health_checked_at, health_detail, error_code, error_detail, resources_released, export_ref,
	created_at, updated_at, provisioned_at, last_started_at, last_stopped_at, deprovisioned_at`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (p *PostgresStore) Create(ctx context.Context, inst *Instance) error {
	if inst.Status != StatusRequested {
		return ErrInvalidStatus
	}

	now := p.now().UTC()
	cp := inst.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = cp.CreatedAt
	cp.Version = 1

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertInstance(ctx, tx, cp); err != nil {
		return mapErr(err)
	}
	tr := &Transition{
		ID:         idgen.WithPrefix(idgen.PrefixTransition),
		InstanceID: cp.ID,
		To:         StatusRequested,
		Action:     ActionProvision,
		CreatedAt:  cp.CreatedAt,
	}
	if err := insertTransition(ctx, tx, tr); err != nil {
		return mapErr(err)
	}
	if err := tx.Commit(); err != nil {
		return mapErr(err)
	}

	inst.CreatedAt = cp.CreatedAt
	inst.UpdatedAt = cp.UpdatedAt
	inst.Version = cp.Version
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Instance, error) {
	return scanInstance(p.db.QueryRowContext(ctx, `
		SELECT `+instanceColumns+` FROM instances WHERE id = $1`, id))
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, expected Status, change Change) (*Instance, error) {
	if !change.To.Valid() {
		return nil, ErrInvalidStatus
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scanInstance(tx.QueryRowContext(ctx, `
		SELECT `+instanceColumns+` FROM instances WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if current.Status != expected {
		return nil, ErrConflict
	}
	if change.ExpectedVersion > 0 && current.Version != change.ExpectedVersion {
		return nil, ErrConflict
	}

	next, tr := change.Apply(current, p.now().UTC())
	tr.ID = idgen.WithPrefix(idgen.PrefixTransition)

	limitsJSON, err := json.Marshal(next.Limits)
	if err != nil {
		return nil, err
	}
	result, err := tx.ExecContext(ctx, `
		UPDATE instances SET
			status = $1, last_good_status = $2, step = $3, version = $4, tier = $5, limits = $6,
			frontend_url = $7, backend_url = $8, chat_url = $9,
			health_checked_at = $10, health_detail = $11,
			error_code = $12, error_detail = $13, resources_released = $14, export_ref = $15,
			updated_at = $16, provisioned_at = $17, last_started_at = $18,
			last_stopped_at = $19, deprovisioned_at = $20
		WHERE id = $21 AND status = $22 AND version = $23`,
		string(next.Status), nullString(string(next.LastGoodStatus)), nullString(next.Step), next.Version,
		string(next.Tier), limitsJSON,
		nullString(next.URLs.Frontend), nullString(next.URLs.Backend), nullString(next.URLs.Chat),
		next.HealthCheckedAt, nullString(next.HealthDetail),
		nullString(next.ErrorCode), nullString(next.ErrorDetail), next.ResourcesReleased, nullString(next.ExportRef),
		next.UpdatedAt, next.ProvisionedAt, next.LastStartedAt,
		next.LastStoppedAt, next.DeprovisionedAt,
		id, string(current.Status), current.Version,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, ErrConflict
	}
	if err := insertTransition(ctx, tx, tr); err != nil {
		return nil, mapErr(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, mapErr(err)
	}
	return next, nil
}

func (p *PostgresStore) ListActiveForSubscription(ctx context.Context, subscriptionID string) ([]*Instance, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+instanceColumns+` FROM instances
		WHERE subscription_id = $1
		  AND status <> 'deprovisioned'
		  AND NOT (status = 'failed' AND resources_released)
		ORDER BY created_at DESC, id DESC`, subscriptionID)
	if err != nil {
		return nil, err
	}
	return collectInstances(rows)
}

func (p *PostgresStore) ListTransitions(ctx context.Context, id string) ([]*Transition, error) {
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM instances WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, instance_id, from_status, to_status, action, step, error_code, error_detail, created_at
		FROM instance_transitions WHERE instance_id = $1
		ORDER BY seq ASC`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transition
	for rows.Next() {
		tr := &Transition{}
		var from, step, code, detail sql.NullString
		var to string
		if err := rows.Scan(&tr.ID, &tr.InstanceID, &from, &to, &tr.Action, &step, &code, &detail, &tr.CreatedAt); err != nil {
			return nil, err
		}
		tr.From = Status(from.String)
		tr.To = Status(to)
		tr.Step = step.String
		tr.ErrorCode = code.String
		tr.ErrorDetail = detail.String
		result = append(result, tr)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListInFlight(ctx context.Context, olderThan time.Time, limit int) ([]*Instance, error) {
	if limit <= 0 {
		limit = 100
	}
	statuses := make([]string, len(InFlightStatuses))
	for i, s := range InFlightStatuses {
		statuses[i] = string(s)
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+instanceColumns+` FROM instances
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3`, pq.Array(statuses), olderThan, limit)
	if err != nil {
		return nil, err
	}
	return collectInstances(rows)
}

func (p *PostgresStore) List(ctx context.Context, filter Filter, cursor *pagination.Cursor, limit int) ([]*Instance, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.SubscriptionID != "" {
		add("subscription_id = $%d", filter.SubscriptionID)
	}
	if filter.AccountID != "" {
		add("account_id = $%d", filter.AccountID)
	}
	if cursor != nil {
		args = append(args, cursor.CreatedAt, cursor.ID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}

	query := `SELECT ` + instanceColumns + ` FROM instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, query, args...) // #nosec G202 -- clauses are constant, values are bound
	if err != nil {
		return nil, err
	}
	return collectInstances(rows)
}

func insertInstance(ctx context.Context, q queryer, inst *Instance) error {
	limitsJSON, err := json.Marshal(inst.Limits)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29)`,
		inst.ID, inst.SubscriptionID, inst.AccountID, string(inst.Tier),
		inst.Identity.AppName, inst.Identity.Subdomain, inst.Identity.DBServiceName,
		inst.Identity.CacheServiceName, inst.Identity.Seed,
		string(inst.Status), nullString(string(inst.LastGoodStatus)), nullString(inst.Step), inst.Version, limitsJSON,
		nullString(inst.URLs.Frontend), nullString(inst.URLs.Backend), nullString(inst.URLs.Chat),
		inst.HealthCheckedAt, nullString(inst.HealthDetail),
		nullString(inst.ErrorCode), nullString(inst.ErrorDetail), inst.ResourcesReleased, nullString(inst.ExportRef),
		inst.CreatedAt, inst.UpdatedAt, inst.ProvisionedAt, inst.LastStartedAt,
		inst.LastStoppedAt, inst.DeprovisionedAt,
	)
	return err
}

func insertTransition(ctx context.Context, q queryer, tr *Transition) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO instance_transitions
			(id, instance_id, from_status, to_status, action, step, error_code, error_detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		tr.ID, tr.InstanceID, nullString(string(tr.From)), string(tr.To), tr.Action,
		nullString(tr.Step), nullString(tr.ErrorCode), nullString(tr.ErrorDetail), tr.CreatedAt,
	)
	return err
}

func mapErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == pqUniqueViolation && pqErr.Constraint == oneActiveInstanceIndex:
			return ErrActiveInstanceExists
		case pqErr.Code == pqSerializationFailure:
			return ErrConflict
		}
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*Instance, error) {
	inst := &Instance{}
	var (
		tier, status                           string
		lastGood, step                         sql.NullString
		limitsJSON                             []byte
		frontend, backend, chat                sql.NullString
		healthCheckedAt                        sql.NullTime
		healthDetail, errorCode, errorDetail   sql.NullString
		exportRef                              sql.NullString
		provisioned, started, stopped, deprovd sql.NullTime
	)
	err := row.Scan(
		&inst.ID, &inst.SubscriptionID, &inst.AccountID, &tier,
		&inst.Identity.AppName, &inst.Identity.Subdomain, &inst.Identity.DBServiceName,
		&inst.Identity.CacheServiceName, &inst.Identity.Seed,
		&status, &lastGood, &step, &inst.Version, &limitsJSON,
		&frontend, &backend, &chat,
		&healthCheckedAt, &healthDetail, &errorCode, &errorDetail, &inst.ResourcesReleased, &exportRef,
		&inst.CreatedAt, &inst.UpdatedAt, &provisioned, &started, &stopped, &deprovd,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	inst.Tier = limits.Tier(tier)
	inst.Status = Status(status)
	inst.LastGoodStatus = Status(lastGood.String)
	inst.Step = step.String
	if len(limitsJSON) > 0 {
		if err := json.Unmarshal(limitsJSON, &inst.Limits); err != nil {
			return nil, fmt.Errorf("instance: decode limits for %s: %w", inst.ID, err)
		}
	}
	inst.URLs.Frontend = frontend.String
	inst.URLs.Backend = backend.String
	inst.URLs.Chat = chat.String
	inst.HealthCheckedAt = nullTime(healthCheckedAt)
	inst.HealthDetail = healthDetail.String
	inst.ErrorCode = errorCode.String
	inst.ErrorDetail = errorDetail.String
	inst.ExportRef = exportRef.String
	inst.ProvisionedAt = nullTime(provisioned)
	inst.LastStartedAt = nullTime(started)
	inst.LastStoppedAt = nullTime(stopped)
	inst.DeprovisionedAt = nullTime(deprovd)
	return inst, nil
}

func collectInstances(rows *sql.Rows) ([]*Instance, error) {
	defer func() { _ = rows.Close() }()
	var result []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, inst)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
