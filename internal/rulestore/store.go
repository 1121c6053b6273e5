// Package rulestore is the durable config provider: rate-limit rules,
// per-user overrides, and the ban list, stored as Postgres documents.
package rulestore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/auth-platform/traffic-guard/internal/guard"
)

// Config holds Postgres connection settings.
type Config struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	ConnLifetime time.Duration
}

// Store implements guard.ConfigProvider against Postgres.
type Store struct {
	db *sqlx.DB
}

// New opens the database and verifies connectivity.
func New(cfg Config) (*Store, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, guard.WrapError(guard.ErrStoreUnavailable, "open config store", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, guard.WrapError(guard.ErrStoreUnavailable, "config store ping failed", err)
	}
	return &Store{db: db}, nil
}

// NewFromDB wraps an existing connection. Used by tests.
func NewFromDB(db *sqlx.DB) *Store { return &Store{db: db} }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return guard.WrapError(guard.ErrStoreUnavailable, "config store ping failed", err)
	}
	return nil
}

type ruleRow struct {
	ID            string         `db:"id"`
	Scope         string         `db:"scope"`
	MaxRequests   int64          `db:"max_requests"`
	WindowSeconds int64          `db:"window_seconds"`
	BurstMax      int64          `db:"burst_max"`
	BurstWindowS  int64          `db:"burst_window_seconds"`
	Action        string         `db:"action"`
	Active        bool           `db:"active"`
	Description   sql.NullString `db:"description"`
	Endpoint      sql.NullString `db:"endpoint"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

func (r ruleRow) toDomain() guard.Rule {
	rule := guard.Rule{
		ID:          r.ID,
		Scope:       guard.ScopeType(r.Scope),
		MaxRequests: r.MaxRequests,
		Window:      time.Duration(r.WindowSeconds) * time.Second,
		BurstMax:    r.BurstMax,
		BurstWindow: time.Duration(r.BurstWindowS) * time.Second,
		Action:      guard.RuleAction(r.Action),
		Active:      r.Active,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.Description.Valid {
		rule.Description = r.Description.String
	}
	if r.Endpoint.Valid {
		rule.EndpointMatch = r.Endpoint.String
	}
	return rule
}

// Rules returns the active rules for a scope type.
func (s *Store) Rules(ctx context.Context, scope guard.ScopeType) ([]guard.Rule, error) {
	query := `
		SELECT id, scope, max_requests, window_seconds, burst_max,
		       burst_window_seconds, action, active, description, endpoint,
		       created_at, updated_at
		FROM rate_limit_rules
		WHERE scope = $1 AND active = TRUE
		ORDER BY created_at`

	var rows []ruleRow
	if err := s.db.SelectContext(ctx, &rows, query, string(scope)); err != nil {
		return nil, guard.WrapError(guard.ErrStoreUnavailable, "query rules", err)
	}

	rules := make([]guard.Rule, 0, len(rows))
	for _, r := range rows {
		rules = append(rules, r.toDomain())
	}
	return rules, nil
}

// AllRules returns every active rule across scopes, for cache warm-up.
func (s *Store) AllRules(ctx context.Context) ([]guard.Rule, error) {
	query := `
		SELECT id, scope, max_requests, window_seconds, burst_max,
		       burst_window_seconds, action, active, description, endpoint,
		       created_at, updated_at
		FROM rate_limit_rules
		WHERE active = TRUE
		ORDER BY scope, created_at`

	var rows []ruleRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, guard.WrapError(guard.ErrStoreUnavailable, "query all rules", err)
	}

	rules := make([]guard.Rule, 0, len(rows))
	for _, r := range rows {
		rules = append(rules, r.toDomain())
	}
	return rules, nil
}

// UpsertRule creates or replaces a rule document.
func (s *Store) UpsertRule(ctx context.Context, rule guard.Rule) (guard.Rule, error) {
	if err := rule.Validate(); err != nil {
		return guard.Rule{}, err
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	now := time.Now().UTC()

	query := `
		INSERT INTO rate_limit_rules (
			id, scope, max_requests, window_seconds, burst_max,
			burst_window_seconds, action, active, description, endpoint,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		ON CONFLICT (id) DO UPDATE SET
			scope = EXCLUDED.scope,
			max_requests = EXCLUDED.max_requests,
			window_seconds = EXCLUDED.window_seconds,
			burst_max = EXCLUDED.burst_max,
			burst_window_seconds = EXCLUDED.burst_window_seconds,
			action = EXCLUDED.action,
			active = EXCLUDED.active,
			description = EXCLUDED.description,
			endpoint = EXCLUDED.endpoint,
			updated_at = EXCLUDED.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		rule.ID, string(rule.Scope), rule.MaxRequests, int64(rule.Window.Seconds()),
		rule.BurstMax, int64(rule.BurstWindow.Seconds()), string(rule.Action),
		rule.Active, nullable(rule.Description), nullable(rule.EndpointMatch), now,
	)
	if err != nil {
		return guard.Rule{}, guard.WrapError(guard.ErrStoreUnavailable, "upsert rule", err)
	}
	rule.CreatedAt = now
	rule.UpdatedAt = now
	return rule, nil
}

// DeleteRule removes a rule by id.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rate_limit_rules WHERE id = $1`, id)
	if err != nil {
		return guard.WrapError(guard.ErrStoreUnavailable, "delete rule", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return guard.ErrNotFound
	}
	return nil
}

type overrideRow struct {
	ID            string         `db:"id"`
	UserID        string         `db:"user_id"`
	Path          string         `db:"path"`
	MaxRequests   int64          `db:"max_requests"`
	WindowSeconds int64          `db:"window_seconds"`
	Reason        sql.NullString `db:"reason"`
	CreatedBy     sql.NullString `db:"created_by"`
	CreatedAt     time.Time      `db:"created_at"`
	ExpiresAt     sql.NullTime   `db:"expires_at"`
}

func (r overrideRow) toDomain() guard.Override {
	o := guard.Override{
		ID:          r.ID,
		UserID:      r.UserID,
		Path:        r.Path,
		MaxRequests: r.MaxRequests,
		Window:      time.Duration(r.WindowSeconds) * time.Second,
		CreatedAt:   r.CreatedAt,
	}
	if r.Reason.Valid {
		o.Reason = r.Reason.String
	}
	if r.CreatedBy.Valid {
		o.CreatedBy = r.CreatedBy.String
	}
	if r.ExpiresAt.Valid {
		t := r.ExpiresAt.Time
		o.ExpiresAt = &t
	}
	return o
}

// Override returns the unexpired override matching (user, path) or (user, "*").
// Expired overrides are deleted opportunistically.
func (s *Store) Override(ctx context.Context, userID, path string) (*guard.Override, error) {
	query := `
		SELECT id, user_id, path, max_requests, window_seconds, reason,
		       created_by, created_at, expires_at
		FROM rate_limit_overrides
		WHERE user_id = $1 AND path IN ($2, '*')
		ORDER BY (path = '*') ASC
		LIMIT 1`

	var row overrideRow
	err := s.db.GetContext(ctx, &row, query, userID, path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, guard.WrapError(guard.ErrStoreUnavailable, "query override", err)
	}

	o := row.toDomain()
	if o.Expired(time.Now()) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM rate_limit_overrides WHERE id = $1`, o.ID)
		return nil, nil
	}
	return &o, nil
}

// Overrides lists all overrides for the admin API.
func (s *Store) Overrides(ctx context.Context) ([]guard.Override, error) {
	query := `
		SELECT id, user_id, path, max_requests, window_seconds, reason,
		       created_by, created_at, expires_at
		FROM rate_limit_overrides
		ORDER BY created_at DESC`

	var rows []overrideRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, guard.WrapError(guard.ErrStoreUnavailable, "query overrides", err)
	}
	out := make([]guard.Override, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// UpsertOverride creates or replaces the override for (user, path).
func (s *Store) UpsertOverride(ctx context.Context, o guard.Override) (guard.Override, error) {
	if o.UserID == "" || o.MaxRequests <= 0 || o.Window <= 0 {
		return guard.Override{}, guard.WrapError(guard.ErrInvalidRule, "override requires user, positive limit and window", nil)
	}
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.Path == "" {
		o.Path = "*"
	}
	now := time.Now().UTC()

	query := `
		INSERT INTO rate_limit_overrides (
			id, user_id, path, max_requests, window_seconds, reason,
			created_by, created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, path) DO UPDATE SET
			max_requests = EXCLUDED.max_requests,
			window_seconds = EXCLUDED.window_seconds,
			reason = EXCLUDED.reason,
			created_by = EXCLUDED.created_by,
			expires_at = EXCLUDED.expires_at`

	var expires sql.NullTime
	if o.ExpiresAt != nil {
		expires = sql.NullTime{Time: *o.ExpiresAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, query,
		o.ID, o.UserID, o.Path, o.MaxRequests, int64(o.Window.Seconds()),
		nullable(o.Reason), nullable(o.CreatedBy), now, expires,
	)
	if err != nil {
		return guard.Override{}, guard.WrapError(guard.ErrStoreUnavailable, "upsert override", err)
	}
	o.CreatedAt = now
	return o, nil
}

// DeleteOverride removes an override by id.
func (s *Store) DeleteOverride(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rate_limit_overrides WHERE id = $1`, id)
	if err != nil {
		return guard.WrapError(guard.ErrStoreUnavailable, "delete override", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return guard.ErrNotFound
	}
	return nil
}

type banRow struct {
	IdentityKey    string         `db:"identity_key"`
	Reason         string         `db:"reason"`
	CreatedAt      time.Time      `db:"created_at"`
	ExpiresAt      sql.NullTime   `db:"expires_at"`
	ViolationCount int64          `db:"violation_count"`
	BanCount       int            `db:"ban_count"`
	CreatedBy      sql.NullString `db:"created_by"`
}

func (r banRow) toDomain() guard.BanEntry {
	b := guard.BanEntry{
		IdentityKey:    r.IdentityKey,
		Reason:         r.Reason,
		CreatedAt:      r.CreatedAt,
		ViolationCount: r.ViolationCount,
		BanCount:       r.BanCount,
	}
	if r.ExpiresAt.Valid {
		t := r.ExpiresAt.Time
		b.ExpiresAt = &t
	}
	if r.CreatedBy.Valid {
		b.CreatedBy = r.CreatedBy.String
	}
	return b
}

// BanEntry returns the ban for an identity, or nil when absent or expired.
func (s *Store) BanEntry(ctx context.Context, identityKey string) (*guard.BanEntry, error) {
	query := `
		SELECT identity_key, reason, created_at, expires_at,
		       violation_count, ban_count, created_by
		FROM ban_entries
		WHERE identity_key = $1`

	var row banRow
	err := s.db.GetContext(ctx, &row, query, identityKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, guard.WrapError(guard.ErrStoreUnavailable, "query ban entry", err)
	}

	b := row.toDomain()
	if !b.ActiveAt(time.Now()) {
		return nil, nil
	}
	return &b, nil
}

// BanHistory returns the ban row for an identity even when it has expired.
// The escalation policy uses it to carry the ban count across expiries so
// repeat offenders get the backed-off duration.
func (s *Store) BanHistory(ctx context.Context, identityKey string) (*guard.BanEntry, error) {
	query := `
		SELECT identity_key, reason, created_at, expires_at,
		       violation_count, ban_count, created_by
		FROM ban_entries
		WHERE identity_key = $1`

	var row banRow
	err := s.db.GetContext(ctx, &row, query, identityKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, guard.WrapError(guard.ErrStoreUnavailable, "query ban history", err)
	}
	b := row.toDomain()
	return &b, nil
}

// BanEntries lists current bans for the admin API.
func (s *Store) BanEntries(ctx context.Context, includeExpired bool) ([]guard.BanEntry, error) {
	query := `
		SELECT identity_key, reason, created_at, expires_at,
		       violation_count, ban_count, created_by
		FROM ban_entries`
	if !includeExpired {
		query += ` WHERE expires_at IS NULL OR expires_at > NOW()`
	}
	query += ` ORDER BY created_at DESC`

	var rows []banRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, guard.WrapError(guard.ErrStoreUnavailable, "query ban entries", err)
	}
	out := make([]guard.BanEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// UpsertBan creates or replaces a ban entry.
func (s *Store) UpsertBan(ctx context.Context, entry guard.BanEntry) error {
	query := `
		INSERT INTO ban_entries (
			identity_key, reason, created_at, expires_at,
			violation_count, ban_count, created_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (identity_key) DO UPDATE SET
			reason = EXCLUDED.reason,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at,
			violation_count = EXCLUDED.violation_count,
			ban_count = EXCLUDED.ban_count,
			created_by = EXCLUDED.created_by`

	var expires sql.NullTime
	if entry.ExpiresAt != nil {
		expires = sql.NullTime{Time: *entry.ExpiresAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, query,
		entry.IdentityKey, entry.Reason, entry.CreatedAt, expires,
		entry.ViolationCount, entry.BanCount, nullable(entry.CreatedBy),
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "53300" {
			return guard.WrapError(guard.ErrStoreUnavailable, "too many connections", err)
		}
		return guard.WrapError(guard.ErrStoreUnavailable, "upsert ban entry", err)
	}
	return nil
}

// RemoveBan deletes a ban entry.
func (s *Store) RemoveBan(ctx context.Context, identityKey string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ban_entries WHERE identity_key = $1`, identityKey)
	if err != nil {
		return guard.WrapError(guard.ErrStoreUnavailable, "remove ban entry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return guard.ErrNotFound
	}
	return nil
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
