package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"forward_bot/internal/model"
	"forward_bot/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; also keeps ":memory:" databases on a single connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=OFF",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %q: %w", pragma, err)
		}
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CreateBot inserts a new bot and populates its ID and CreatedAt.
func (s *SQLite) CreateBot(ctx context.Context, b *model.Bot) error {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO bots (owner_id, name, token, is_active, created_at) VALUES (?, ?, ?, ?, ?)`,
		b.OwnerID, b.Name, b.Token, boolToInt(b.IsActive), now,
	)
	if err != nil {
		return fmt.Errorf("insert bot: %w", err)
	}
	return assignID(res, now, &b.ID, &b.CreatedAt)
}

// GetBot returns a single bot by its ID.
func (s *SQLite) GetBot(ctx context.Context, id int64) (*model.Bot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, token, is_active, created_at FROM bots WHERE id = ?`, id,
	)
	b, err := scanBot(row)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ListActiveBots returns every active bot ordered by ID.
func (s *SQLite) ListActiveBots(ctx context.Context) ([]model.Bot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, name, token, is_active, created_at FROM bots WHERE is_active = 1 ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query bots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var bots []model.Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		bots = append(bots, b)
	}
	return bots, rows.Err()
}

// SetBotActive enables or disables a bot.
func (s *SQLite) SetBotActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE bots SET is_active = ? WHERE id = ?`, boolToInt(active), id)
	if err != nil {
		return fmt.Errorf("update bot: %w", err)
	}
	return requireRow(res)
}

// CreateRule inserts a new forwarding rule and populates its ID and CreatedAt.
func (s *SQLite) CreateRule(ctx context.Context, r *model.ForwardingRule) error {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO forwarding_rules
		   (bot_id, name, source, destination, block_terms, require_terms, filter_pattern,
		    replacement, link_rewrite, is_active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.BotID, r.Name, r.Source, r.Destination, r.BlockTerms, r.RequireTerms, r.FilterPattern,
		r.Replacement, boolToInt(r.LinkRewrite), boolToInt(r.IsActive), now,
	)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return assignID(res, now, &r.ID, &r.CreatedAt)
}

// UpdateRule persists changes to an existing rule.
func (s *SQLite) UpdateRule(ctx context.Context, r *model.ForwardingRule) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE forwarding_rules
		 SET name = ?, source = ?, destination = ?, block_terms = ?, require_terms = ?,
		     filter_pattern = ?, replacement = ?, link_rewrite = ?, is_active = ?
		 WHERE id = ?`,
		r.Name, r.Source, r.Destination, r.BlockTerms, r.RequireTerms,
		r.FilterPattern, r.Replacement, boolToInt(r.LinkRewrite), boolToInt(r.IsActive), r.ID,
	)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	return requireRow(res)
}

// DeleteRule removes a rule by its ID.
func (s *SQLite) DeleteRule(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM forwarding_rules WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	return nil
}

// ListActiveRules returns the active rules of a bot ordered by ID.
func (s *SQLite) ListActiveRules(ctx context.Context, botID int64) ([]model.ForwardingRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bot_id, name, source, destination, block_terms, require_terms, filter_pattern,
		        replacement, link_rewrite, is_active, created_at
		 FROM forwarding_rules WHERE bot_id = ? AND is_active = 1 ORDER BY id`, botID,
	)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []model.ForwardingRule
	for rows.Next() {
		var r model.ForwardingRule
		var linkRewrite, isActive int
		var created string
		if err := rows.Scan(&r.ID, &r.BotID, &r.Name, &r.Source, &r.Destination, &r.BlockTerms,
			&r.RequireTerms, &r.FilterPattern, &r.Replacement, &linkRewrite, &isActive, &created); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		r.LinkRewrite = linkRewrite == 1
		r.IsActive = isActive == 1
		r.CreatedAt, _ = time.Parse(timeLayout, created)
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// CreateSchedule inserts a new scheduled send and populates its ID and CreatedAt.
func (s *SQLite) CreateSchedule(ctx context.Context, sc *model.ScheduledSend) error {
	if sc.Mode == "" {
		sc.Mode = model.SendFixed
	}
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_sends
		   (bot_id, name, source, destination, current_message_id, mode, times, is_active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.BotID, sc.Name, sc.Source, sc.Destination, sc.CurrentMessageID, string(sc.Mode),
		sc.Times, boolToInt(sc.IsActive), now,
	)
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return assignID(res, now, &sc.ID, &sc.CreatedAt)
}

const scheduleColumns = `id, bot_id, name, source, destination, current_message_id, mode, times, is_active, created_at`

// GetSchedule returns a single scheduled send by its ID.
func (s *SQLite) GetSchedule(ctx context.Context, id int64) (*model.ScheduledSend, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM scheduled_sends WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

// ListActiveSchedules returns the active scheduled sends of a bot ordered by ID.
func (s *SQLite) ListActiveSchedules(ctx context.Context, botID int64) ([]model.ScheduledSend, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM scheduled_sends WHERE bot_id = ? AND is_active = 1 ORDER BY id`, botID,
	)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.ScheduledSend
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// AdvanceScheduleMessage increments current_message_id only if it still equals from.
func (s *SQLite) AdvanceScheduleMessage(ctx context.Context, id int64, from int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_sends SET current_message_id = current_message_id + 1
		 WHERE id = ? AND current_message_id = ?`, id, from,
	)
	if err != nil {
		return false, fmt.Errorf("advance schedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// AppendLog inserts an execution log entry and populates its ID and CreatedAt.
func (s *SQLite) AppendLog(ctx context.Context, e *model.ExecutionLogEntry) error {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_logs (bot_id, bot_name, source, destination, status, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.BotID, e.BotName, e.Source, e.Destination, string(e.Status), e.Detail, now,
	)
	if err != nil {
		return fmt.Errorf("insert log: %w", err)
	}
	return assignID(res, now, &e.ID, &e.CreatedAt)
}

// ListLogs returns the most recent log entries of a bot, newest first.
func (s *SQLite) ListLogs(ctx context.Context, botID int64, limit int) ([]model.ExecutionLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bot_id, bot_name, source, destination, status, detail, created_at
		 FROM execution_logs WHERE bot_id = ? ORDER BY id DESC LIMIT ?`, botID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.ExecutionLogEntry
	for rows.Next() {
		var e model.ExecutionLogEntry
		var status, created string
		if err := rows.Scan(&e.ID, &e.BotID, &e.BotName, &e.Source, &e.Destination, &status, &e.Detail, &created); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		e.Status = model.LogStatus(status)
		e.CreatedAt, _ = time.Parse(timeLayout, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SetAffiliateCredentials stores or replaces the credentials of an owner.
func (s *SQLite) SetAffiliateCredentials(ctx context.Context, c model.AffiliateCredentials) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO affiliate_credentials (owner_id, app_id, secret) VALUES (?, ?, ?)
		 ON CONFLICT(owner_id) DO UPDATE SET app_id = excluded.app_id, secret = excluded.secret`,
		c.OwnerID, c.AppID, c.Secret,
	)
	if err != nil {
		return fmt.Errorf("upsert affiliate credentials: %w", err)
	}
	return nil
}

// GetAffiliateCredentials returns the credentials of an owner or ErrNotFound.
func (s *SQLite) GetAffiliateCredentials(ctx context.Context, ownerID int64) (*model.AffiliateCredentials, error) {
	var c model.AffiliateCredentials
	err := s.db.QueryRowContext(ctx,
		`SELECT owner_id, app_id, secret FROM affiliate_credentials WHERE owner_id = ?`, ownerID,
	).Scan(&c.OwnerID, &c.AppID, &c.Secret)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan affiliate credentials: %w", err)
	}
	return &c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func assignID(res sql.Result, now string, id *int64, created *time.Time) error {
	v, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	*id = v
	*created, _ = time.Parse(timeLayout, now)
	return nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanBot(row scannable) (model.Bot, error) {
	var b model.Bot
	var isActive int
	var created string
	err := row.Scan(&b.ID, &b.OwnerID, &b.Name, &b.Token, &isActive, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return b, ErrNotFound
	}
	if err != nil {
		return b, fmt.Errorf("scan bot: %w", err)
	}
	b.IsActive = isActive == 1
	b.CreatedAt, _ = time.Parse(timeLayout, created)
	return b, nil
}

func scanSchedule(row scannable) (model.ScheduledSend, error) {
	var sc model.ScheduledSend
	var mode, created string
	var isActive int
	err := row.Scan(&sc.ID, &sc.BotID, &sc.Name, &sc.Source, &sc.Destination, &sc.CurrentMessageID,
		&mode, &sc.Times, &isActive, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return sc, ErrNotFound
	}
	if err != nil {
		return sc, fmt.Errorf("scan schedule: %w", err)
	}
	sc.Mode = model.SendMode(mode)
	sc.IsActive = isActive == 1
	sc.CreatedAt, _ = time.Parse(timeLayout, created)
	return sc, nil
}
