package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/example/service-dispatch/internal/apperrors"
	"github.com/example/service-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const activeProviderIndex = "ux_service_requests_active_provider"

const requestColumns = `id, service_type, notes, city, location_lng, location_lat, customer_phone,
	status, accepted_by_phone, accepted_at, completed_at, cancelled_at,
	provider_rating_score, provider_rating_comment, provider_rated_at,
	customer_rating_score, customer_rating_comment, customer_rated_at,
	created_at, updated_at`

const settingsColumns = `phone, notifications_enabled, sound_enabled, max_distance, is_online,
	location_lng, location_lat, last_location_update, created_at, updated_at`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies the embedded schema files in name order. Every statement
// is idempotent so running it on each start is safe.
func (p *PostgresStore) Migrate(ctx context.Context) ([]string, error) {
	names, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrationFS.ReadFile(name)
		if err != nil {
			return nil, err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return nil, fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return names, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Create(ctx context.Context, r *models.ServiceRequest) error {
	r.ID = uuid.NewString()
	r.Status = models.StatusPending
	var lng, lat sql.NullFloat64
	if r.Location != nil {
		lng = sql.NullFloat64{Float64: r.Location.Lng, Valid: true}
		lat = sql.NullFloat64{Float64: r.Location.Lat, Valid: true}
	}
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO service_requests (id, service_type, notes, city, location_lng, location_lat, customer_phone, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		r.ID, r.ServiceType, r.Notes, nullString(r.City), lng, lat, nullString(r.CustomerPhone), string(r.Status),
	)
	return row.Scan(&r.CreatedAt, &r.UpdatedAt)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.ServiceRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM service_requests WHERE id = $1`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.ErrNotFound, "request not found")
	}
	return r, err
}

func (p *PostgresStore) GetMany(ctx context.Context, ids []string) ([]*models.ServiceRequest, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+requestColumns+` FROM service_requests WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	found, err := scanRequests(rows)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.ServiceRequest, len(found))
	for _, r := range found {
		byID[r.ID] = r
	}
	out := make([]*models.ServiceRequest, 0, len(found))
	for _, id := range ids {
		if r, ok := byID[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (p *PostgresStore) Find(ctx context.Context, f Filter, page, limit int) ([]*models.ServiceRequest, int, error) {
	where, args := filterClause(f)

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM service_requests`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	q := `SELECT ` + requestColumns + ` FROM service_requests` + where + ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		args = append(args, limit, offset(page, limit))
		q += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	items, err := scanRequests(rows)
	return items, total, err
}

func (p *PostgresStore) FindOne(ctx context.Context, f Filter) (*models.ServiceRequest, error) {
	where, args := filterClause(f)
	row := p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM service_requests`+where+` ORDER BY created_at DESC, id DESC LIMIT 1`, args...)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// Transition runs the whole precondition and write as one UPDATE statement,
// so two callers racing on the same precondition cannot both win.
func (p *PostgresStore) Transition(ctx context.Context, id string, c Condition, m Mutation) (*models.ServiceRequest, error) {
	args := []any{id}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	set := []string{"updated_at = NOW()"}
	if m.Status != "" {
		set = append(set, "status = "+arg(string(m.Status)))
	}
	switch m.Provider {
	case ProviderSet:
		set = append(set, "accepted_by_phone = "+arg(m.ProviderPhone))
	case ProviderClear:
		set = append(set, "accepted_by_phone = NULL")
	}
	if m.AcceptedAt != nil {
		set = append(set, "accepted_at = "+arg(*m.AcceptedAt))
	}
	if m.CompletedAt != nil {
		set = append(set, "completed_at = "+arg(*m.CompletedAt))
	}
	if m.CancelledAt != nil {
		set = append(set, "cancelled_at = "+arg(*m.CancelledAt))
	}
	if r := m.ProviderRating; r != nil {
		set = append(set,
			"provider_rating_score = "+arg(r.Score),
			"provider_rating_comment = "+arg(r.Comment),
			"provider_rated_at = "+arg(r.RatedAt))
	}
	if r := m.CustomerRating; r != nil {
		set = append(set,
			"customer_rating_score = "+arg(r.Score),
			"customer_rating_comment = "+arg(r.Comment),
			"customer_rated_at = "+arg(r.RatedAt))
	}

	where := []string{"id = $1"}
	if len(c.Statuses) > 0 {
		where = append(where, "status = ANY("+arg(pq.Array(statusStrings(c.Statuses)))+")")
	}
	if c.AcceptedByPhone != nil {
		where = append(where, "accepted_by_phone = "+arg(*c.AcceptedByPhone))
	}
	if c.CustomerPhone != nil {
		where = append(where, "customer_phone = "+arg(*c.CustomerPhone))
	}
	if c.NoActiveJobFor != "" {
		where = append(where, `NOT EXISTS (
			SELECT 1 FROM service_requests a
			WHERE a.accepted_by_phone = `+arg(c.NoActiveJobFor)+`
			  AND a.status = ANY(`+arg(pq.Array(statusStrings(models.ActiveStatuses)))+`))`)
	}

	q := `UPDATE service_requests SET ` + strings.Join(set, ", ") +
		` WHERE ` + strings.Join(where, " AND ") +
		` RETURNING ` + requestColumns
	r, err := scanRequest(p.db.QueryRowContext(ctx, q, args...))
	if err == nil {
		return r, nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == activeProviderIndex {
		return nil, apperrors.ErrActiveJob
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return nil, p.explainMiss(ctx, id, c)
}

// explainMiss classifies a transition that matched no row. It only shapes
// the error; nothing is written based on what it reads.
func (p *PostgresStore) explainMiss(ctx context.Context, id string, c Condition) error {
	cur, err := p.Get(ctx, id)
	if err != nil {
		return err
	}
	if c.NoActiveJobFor != "" {
		active, err := p.FindOne(ctx, Filter{Statuses: models.ActiveStatuses, AcceptedByPhone: c.NoActiveJobFor})
		if err != nil {
			return err
		}
		if active != nil && active.ID != id {
			return apperrors.ErrActiveJob
		}
	}
	return apperrors.New(apperrors.ErrConflict, "request status changed to "+string(cur.Status))
}

func (p *PostgresStore) GetSettings(ctx context.Context, phone string) (*models.ProviderSettings, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+settingsColumns+` FROM provider_settings WHERE phone = $1`, phone)
	s, err := scanSettings(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.ErrNotFound, "settings not found")
	}
	return s, err
}

func (p *PostgresStore) UpsertSettings(ctx context.Context, phone string, patch SettingsPatch) (*models.ProviderSettings, error) {
	var maxDistance *float64
	if patch.MaxDistance != nil {
		v := models.ClampMaxDistance(*patch.MaxDistance)
		maxDistance = &v
	}
	var lng, lat sql.NullFloat64
	if patch.CurrentLocation != nil {
		lng = sql.NullFloat64{Float64: patch.CurrentLocation.Lng, Valid: true}
		lat = sql.NullFloat64{Float64: patch.CurrentLocation.Lat, Valid: true}
	}
	var lastUpdate sql.NullTime
	if patch.LastLocationUpdate != nil {
		lastUpdate = sql.NullTime{Time: *patch.LastLocationUpdate, Valid: true}
	}
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO provider_settings (phone, notifications_enabled, sound_enabled, max_distance, is_online,
			location_lng, location_lat, last_location_update)
		VALUES ($1, COALESCE($2::boolean, TRUE), COALESCE($3::boolean, TRUE), COALESCE($4::double precision, 30),
			COALESCE($5::boolean, TRUE), $6::double precision, $7::double precision, $8::timestamptz)
		ON CONFLICT (phone) DO UPDATE SET
			notifications_enabled = COALESCE($2::boolean, provider_settings.notifications_enabled),
			sound_enabled = COALESCE($3::boolean, provider_settings.sound_enabled),
			max_distance = COALESCE($4::double precision, provider_settings.max_distance),
			is_online = COALESCE($5::boolean, provider_settings.is_online),
			location_lng = COALESCE($6::double precision, provider_settings.location_lng),
			location_lat = COALESCE($7::double precision, provider_settings.location_lat),
			last_location_update = COALESCE($8::timestamptz, provider_settings.last_location_update),
			updated_at = NOW()
		RETURNING `+settingsColumns,
		phone, nullBool(patch.NotificationsEnabled), nullBool(patch.SoundEnabled), nullFloat(maxDistance),
		nullBool(patch.IsOnline), lng, lat, lastUpdate,
	)
	return scanSettings(row)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (*models.ServiceRequest, error) {
	var (
		r                          models.ServiceRequest
		city, customer, acceptedBy sql.NullString
		lng, lat                   sql.NullFloat64
		status                     string
		acceptedAt, completedAt    sql.NullTime
		cancelledAt                sql.NullTime
		prScore, crScore           sql.NullInt64
		prComment, crComment       sql.NullString
		prAt, crAt                 sql.NullTime
	)
	err := row.Scan(
		&r.ID, &r.ServiceType, &r.Notes, &city, &lng, &lat, &customer,
		&status, &acceptedBy, &acceptedAt, &completedAt, &cancelledAt,
		&prScore, &prComment, &prAt,
		&crScore, &crComment, &crAt,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = models.Status(status)
	r.City = toStringPtr(city)
	r.CustomerPhone = toStringPtr(customer)
	r.AcceptedByPhone = toStringPtr(acceptedBy)
	if lng.Valid && lat.Valid {
		r.Location = &models.GeoPoint{Lng: lng.Float64, Lat: lat.Float64}
	}
	r.AcceptedAt = toTimePtr(acceptedAt)
	r.CompletedAt = toTimePtr(completedAt)
	r.CancelledAt = toTimePtr(cancelledAt)
	if prScore.Valid {
		r.ProviderRating = &models.Rating{Score: int(prScore.Int64), Comment: prComment.String, RatedAt: prAt.Time}
	}
	if crScore.Valid {
		r.CustomerRating = &models.Rating{Score: int(crScore.Int64), Comment: crComment.String, RatedAt: crAt.Time}
	}
	return &r, nil
}

func scanRequests(rows *sql.Rows) ([]*models.ServiceRequest, error) {
	defer rows.Close()
	var out []*models.ServiceRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanSettings(row scanner) (*models.ProviderSettings, error) {
	var (
		s          models.ProviderSettings
		lng, lat   sql.NullFloat64
		lastUpdate sql.NullTime
	)
	err := row.Scan(&s.Phone, &s.NotificationsEnabled, &s.SoundEnabled, &s.MaxDistance, &s.IsOnline,
		&lng, &lat, &lastUpdate, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lng.Valid && lat.Valid {
		s.CurrentLocation = &models.GeoPoint{Lng: lng.Float64, Lat: lat.Float64}
	}
	s.LastLocationUpdate = toTimePtr(lastUpdate)
	return &s, nil
}

func filterClause(f Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if len(f.Statuses) > 0 {
		add("status = ANY($%d)", pq.Array(statusStrings(f.Statuses)))
	}
	if f.ServiceType != "" {
		add("service_type = $%d", f.ServiceType)
	}
	if f.CustomerPhone != "" {
		add("customer_phone = $%d", f.CustomerPhone)
	}
	if f.AcceptedByPhone != "" {
		add("accepted_by_phone = $%d", f.AcceptedByPhone)
	}
	if len(where) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

func statusStrings(list []models.Status) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = string(s)
	}
	return out
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func toStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func toTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
