package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shohag/kindlerelay/internal/models"
)

type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			token TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			subscription TEXT NOT NULL DEFAULT 'Free',
			credits INTEGER NOT NULL DEFAULT 0 CHECK (credits >= 0),
			email TEXT NOT NULL DEFAULT '',
			kindle_email TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS deliveries (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			kindle_email TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			query TEXT NOT NULL,
			frequency TEXT NOT NULL,
			time TEXT NOT NULL,
			days TEXT NOT NULL DEFAULT '[]',
			auto_archive INTEGER NOT NULL DEFAULT 0,
			no_duplicates INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS mailings (
			id TEXT PRIMARY KEY,
			delivery_id TEXT NOT NULL REFERENCES deliveries(id) ON DELETE CASCADE,
			sent_at DATETIME NOT NULL,
			articles TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_token ON users(token)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_user ON deliveries(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_due ON deliveries(time, active)`,
		`CREATE INDEX IF NOT EXISTS idx_mailings_delivery ON mailings(delivery_id)`,
	}

	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- Users ---

const userColumns = `id, username, token, active, subscription, credits, email, kindle_email, created_at, updated_at`

func (s *SQLiteStorage) CreateUser(ctx context.Context, u *models.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.Token, boolInt(u.Active), u.Subscription, u.Credits, u.Email, u.KindleEmail, u.CreatedAt, u.UpdatedAt,
	)
	return err
}

func scanUser(row interface{ Scan(...interface{}) error }) (*models.User, error) {
	var u models.User
	var active int
	err := row.Scan(&u.ID, &u.Username, &u.Token, &active, &u.Subscription, &u.Credits, &u.Email, &u.KindleEmail, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.Active = active == 1
	return &u, nil
}

func (s *SQLiteStorage) getUserWhere(ctx context.Context, where string, arg interface{}) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE `+where, arg)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}

func (s *SQLiteStorage) GetUser(ctx context.Context, id string) (*models.User, error) {
	return s.getUserWhere(ctx, `id = ?`, id)
}

func (s *SQLiteStorage) GetUserByToken(ctx context.Context, token string) (*models.User, error) {
	if token == "" {
		return nil, nil
	}
	return s.getUserWhere(ctx, `token = ?`, token)
}

func (s *SQLiteStorage) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return s.getUserWhere(ctx, `username = ?`, username)
}

func (s *SQLiteStorage) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *SQLiteStorage) UpdateUser(ctx context.Context, u *models.User) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET username = ?, active = ?, email = ?, kindle_email = ?, updated_at = ? WHERE id = ?`,
		u.Username, boolInt(u.Active), u.Email, u.KindleEmail, time.Now().UTC(), u.ID,
	)
	return err
}

func (s *SQLiteStorage) UpdateUserToken(ctx context.Context, id, token string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET token = ?, updated_at = ? WHERE id = ?`,
		token, time.Now().UTC(), id,
	)
	return err
}

func (s *SQLiteStorage) SetUserCredits(ctx context.Context, id string, credits int) error {
	if credits < 0 {
		return fmt.Errorf("credits cannot be negative: %d", credits)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET credits = ?, updated_at = ? WHERE id = ?`,
		credits, time.Now().UTC(), id,
	)
	return err
}

func (s *SQLiteStorage) DecrementCredits(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET credits = credits - 1, updated_at = ? WHERE id = ? AND credits > 0`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoCredits
	}
	return nil
}

func (s *SQLiteStorage) DeleteUser(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	return err
}

// --- Deliveries ---

const deliveryColumns = `d.id, d.user_id, d.kindle_email, d.active, d.query, d.frequency, d.time, d.days, d.auto_archive, d.no_duplicates, d.created_at, d.updated_at`

func (s *SQLiteStorage) CreateDelivery(ctx context.Context, d *models.Delivery) error {
	query, err := json.Marshal(d.Query)
	if err != nil {
		return err
	}
	days := d.Days
	if days == nil {
		days = []string{}
	}
	daysJSON, _ := json.Marshal(days)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO deliveries (id, user_id, kindle_email, active, query, frequency, time, days, auto_archive, no_duplicates, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.UserID, d.KindleEmail, boolInt(d.Active), string(query), d.Frequency, d.Time, string(daysJSON),
		boolInt(d.AutoArchive), boolInt(d.NoDuplicates), d.CreatedAt, d.UpdatedAt,
	)
	return err
}

func scanDelivery(dest []interface{}, row interface{ Scan(...interface{}) error }) (*models.Delivery, error) {
	var d models.Delivery
	var query, days string
	var active, autoArchive, noDuplicates int
	fields := []interface{}{&d.ID, &d.UserID, &d.KindleEmail, &active, &query, &d.Frequency, &d.Time, &days, &autoArchive, &noDuplicates, &d.CreatedAt, &d.UpdatedAt}
	if err := row.Scan(append(fields, dest...)...); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(query), &d.Query); err != nil {
		return nil, fmt.Errorf("decode query of delivery %s: %w", d.ID, err)
	}
	if err := json.Unmarshal([]byte(days), &d.Days); err != nil {
		return nil, fmt.Errorf("decode days of delivery %s: %w", d.ID, err)
	}
	d.Active = active == 1
	d.AutoArchive = autoArchive == 1
	d.NoDuplicates = noDuplicates == 1
	return &d, nil
}

func (s *SQLiteStorage) GetDelivery(ctx context.Context, id string) (*models.Delivery, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM deliveries d WHERE d.id = ?`, id)
	d, err := scanDelivery(nil, row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if d.Mailings, err = s.listMailings(ctx, d.ID); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *SQLiteStorage) listDeliveries(ctx context.Context, query string, args ...interface{}) ([]models.Delivery, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var deliveries []models.Delivery
	for rows.Next() {
		d, err := scanDelivery(nil, rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		deliveries = append(deliveries, *d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// rows must be closed first: the pool holds a single connection
	for i := range deliveries {
		if deliveries[i].Mailings, err = s.listMailings(ctx, deliveries[i].ID); err != nil {
			return nil, err
		}
	}
	return deliveries, nil
}

func (s *SQLiteStorage) ListDeliveriesByUser(ctx context.Context, userID string) ([]models.Delivery, error) {
	return s.listDeliveries(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries d WHERE d.user_id = ? ORDER BY d.created_at`, userID)
}

func (s *SQLiteStorage) ListDeliveries(ctx context.Context) ([]models.Delivery, error) {
	return s.listDeliveries(ctx, `SELECT `+deliveryColumns+` FROM deliveries d ORDER BY d.created_at`)
}

func (s *SQLiteStorage) UpdateDelivery(ctx context.Context, d *models.Delivery) error {
	query, err := json.Marshal(d.Query)
	if err != nil {
		return err
	}
	days := d.Days
	if days == nil {
		days = []string{}
	}
	daysJSON, _ := json.Marshal(days)

	_, err = s.db.ExecContext(ctx,
		`UPDATE deliveries SET kindle_email = ?, active = ?, query = ?, frequency = ?, time = ?, days = ?, auto_archive = ?, no_duplicates = ?, updated_at = ?
		 WHERE id = ?`,
		d.KindleEmail, boolInt(d.Active), string(query), d.Frequency, d.Time, string(daysJSON),
		boolInt(d.AutoArchive), boolInt(d.NoDuplicates), time.Now().UTC(), d.ID,
	)
	return err
}

func (s *SQLiteStorage) DeleteDelivery(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM deliveries WHERE id = ?`, id)
	return err
}

func (s *SQLiteStorage) FindDueDeliveries(ctx context.Context, f DueFilter) ([]DueDelivery, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deliveryColumns+`, u.id, u.username, u.token, u.active, u.subscription, u.credits, u.email, u.kindle_email, u.created_at, u.updated_at
		 FROM deliveries d JOIN users u ON u.id = d.user_id
		 WHERE d.active = 1 AND d.time = ?
		   AND (d.frequency = ? OR EXISTS (SELECT 1 FROM json_each(d.days) WHERE json_each.value IN (?, ?)))
		 ORDER BY d.created_at`,
		f.Slot, models.FrequencyDaily, f.Weekday, f.MonthDay)
	if err != nil {
		return nil, err
	}

	var due []DueDelivery
	for rows.Next() {
		var u models.User
		var userActive int
		d, err := scanDelivery([]interface{}{&u.ID, &u.Username, &u.Token, &userActive, &u.Subscription, &u.Credits, &u.Email, &u.KindleEmail, &u.CreatedAt, &u.UpdatedAt}, rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		u.Active = userActive == 1
		due = append(due, DueDelivery{
			Delivery: *d,
			Owner:    models.UserRef{ID: u.ID, User: &u},
		})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range due {
		if due[i].Delivery.Mailings, err = s.listMailings(ctx, due[i].Delivery.ID); err != nil {
			return nil, err
		}
	}
	return due, nil
}

// --- Mailings ---

func (s *SQLiteStorage) AppendMailing(ctx context.Context, m *models.Mailing) error {
	articles := m.Articles
	if articles == nil {
		articles = []models.SavedArticle{}
	}
	data, err := json.Marshal(articles)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO mailings (id, delivery_id, sent_at, articles) VALUES (?, ?, ?, ?)`,
		m.ID, m.DeliveryID, m.SentAt, string(data),
	)
	return err
}

func scanMailing(row interface{ Scan(...interface{}) error }) (*models.Mailing, error) {
	var m models.Mailing
	var articles string
	if err := row.Scan(&m.ID, &m.DeliveryID, &m.SentAt, &articles); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(articles), &m.Articles); err != nil {
		return nil, fmt.Errorf("decode articles of mailing %s: %w", m.ID, err)
	}
	return &m, nil
}

func (s *SQLiteStorage) GetMailing(ctx context.Context, id string) (*models.Mailing, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, delivery_id, sent_at, articles FROM mailings WHERE id = ?`, id)
	m, err := scanMailing(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

func (s *SQLiteStorage) listMailings(ctx context.Context, deliveryID string) ([]models.Mailing, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, delivery_id, sent_at, articles FROM mailings WHERE delivery_id = ? ORDER BY rowid`, deliveryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mailings []models.Mailing
	for rows.Next() {
		m, err := scanMailing(rows)
		if err != nil {
			return nil, err
		}
		mailings = append(mailings, *m)
	}
	return mailings, rows.Err()
}

// --- Stats ---

func (s *SQLiteStorage) GetStats(ctx context.Context, userID string) (*Stats, error) {
	stats := &Stats{}

	queries := []struct {
		name  string
		query string
		dest  *int64
	}{
		{"deliveries", `SELECT COUNT(*) FROM deliveries WHERE user_id = ?`, &stats.TotalDeliveries},
		{"active deliveries", `SELECT COUNT(*) FROM deliveries WHERE user_id = ? AND active = 1`, &stats.ActiveDeliveries},
		{"mailings", `SELECT COUNT(*) FROM mailings m JOIN deliveries d ON m.delivery_id = d.id WHERE d.user_id = ?`, &stats.TotalMailings},
		{"articles sent", `SELECT COALESCE(SUM(json_array_length(m.articles)), 0) FROM mailings m JOIN deliveries d ON m.delivery_id = d.id WHERE d.user_id = ?`, &stats.ArticlesSent},
		{"credits", `SELECT COALESCE((SELECT credits FROM users WHERE id = ?), 0)`, &stats.Credits},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query, userID).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("count %s: %w", q.name, err)
		}
	}

	return stats, nil
}
