package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"aegis/internal/domain"
	"aegis/internal/logging"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const uniqueViolation = "23505"

const (
	contactColumns      = `id, user_id, name, email, phone, telegram_chat_id, relationship, notification_preference, is_primary, is_verified, last_notified`
	alertColumns        = `id, user_id, severity, platform, category, toxicity_score, summary, message, author, post_url, timestamp, status`
	notificationColumns = `id, user_id, contact_id, alert_id, emergency_id, type, method, status, error, message, timestamp`
)

// PostgresStore persists Safe Circle state in PostgreSQL through sqlx.
// Params: sqlx DB handle.
// Returns: SQL-backed store.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore connects, pings, and optionally migrates the schema.
// Params: context, DSN, pool size, migrate toggle, and logger.
// Returns: store or connection/migration error.
func NewPostgresStore(ctx context.Context, dsn string, maxOpenConns int, migrateOnStart bool, logger *slog.Logger) (*PostgresStore, error) {
	logger = logging.OrDiscard(logger)
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	if migrateOnStart {
		if err := Migrate(db); err != nil {
			_ = db.Close()
			return nil, err
		}
		logger.Info("postgres schema migrated")
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies embedded schema migrations.
// Params: open sqlx handle.
// Returns: migration error; ErrNoChange is success.
func Migrate(db *sqlx.DB) error {
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func affectedOrNotFound(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListContacts returns contacts in creation order.
func (s *PostgresStore) ListContacts(ctx context.Context, userID string) ([]domain.Contact, error) {
	contacts := []domain.Contact{}
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE user_id = $1 ORDER BY created_at, id`
	if err := s.db.SelectContext(ctx, &contacts, query, userID); err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	return contacts, nil
}

// GetContact returns one contact or ErrNotFound.
func (s *PostgresStore) GetContact(ctx context.Context, userID, contactID string) (domain.Contact, error) {
	var contact domain.Contact
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE user_id = $1 AND id = $2`
	if err := s.db.GetContext(ctx, &contact, query, userID, contactID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Contact{}, ErrNotFound
		}
		return domain.Contact{}, fmt.Errorf("get contact: %w", err)
	}
	return contact, nil
}

// PutContact upserts contact.
func (s *PostgresStore) PutContact(ctx context.Context, contact domain.Contact) error {
	if err := checkContact(contact); err != nil {
		return err
	}
	query := `INSERT INTO contacts (` + contactColumns + `)
		VALUES (:id, :user_id, :name, :email, :phone, :telegram_chat_id, :relationship, :notification_preference, :is_primary, :is_verified, :last_notified)
		ON CONFLICT (user_id, id) DO UPDATE SET
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			phone = EXCLUDED.phone,
			telegram_chat_id = EXCLUDED.telegram_chat_id,
			relationship = EXCLUDED.relationship,
			notification_preference = EXCLUDED.notification_preference,
			is_primary = EXCLUDED.is_primary,
			is_verified = EXCLUDED.is_verified,
			last_notified = EXCLUDED.last_notified`
	if _, err := s.db.NamedExecContext(ctx, query, contact); err != nil {
		return fmt.Errorf("put contact: %w", err)
	}
	return nil
}

// DeleteContact removes contact or returns ErrNotFound.
func (s *PostgresStore) DeleteContact(ctx context.Context, userID, contactID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM contacts WHERE user_id = $1 AND id = $2`, userID, contactID)
	if err != nil {
		return fmt.Errorf("delete contact: %w", err)
	}
	return affectedOrNotFound(result)
}

// SetPrimary marks one contact primary and clears the flag on the others in one transaction.
func (s *PostgresStore) SetPrimary(ctx context.Context, userID, contactID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set primary: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM contacts WHERE user_id = $1 AND id = $2)`, userID, contactID); err != nil {
		return fmt.Errorf("check contact: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `UPDATE contacts SET is_primary = (id = $2) WHERE user_id = $1`, userID, contactID); err != nil {
		return fmt.Errorf("set primary: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit set primary: %w", err)
	}
	return nil
}

// TouchContact sets LastNotified; last writer wins.
func (s *PostgresStore) TouchContact(ctx context.Context, userID, contactID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `UPDATE contacts SET last_notified = $3 WHERE user_id = $1 AND id = $2`, userID, contactID, at.UTC())
	if err != nil {
		return fmt.Errorf("touch contact: %w", err)
	}
	return affectedOrNotFound(result)
}

// InsertAlert stores new alert; duplicate id returns ErrConflict.
func (s *PostgresStore) InsertAlert(ctx context.Context, alert domain.Alert) error {
	query := `INSERT INTO alerts (` + alertColumns + `)
		VALUES (:id, :user_id, :severity, :platform, :category, :toxicity_score, :summary, :message, :author, :post_url, :timestamp, :status)`
	if _, err := s.db.NamedExecContext(ctx, query, alert); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// GetAlert returns one alert or ErrNotFound.
func (s *PostgresStore) GetAlert(ctx context.Context, userID, alertID string) (domain.Alert, error) {
	var alert domain.Alert
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE user_id = $1 AND id = $2`
	if err := s.db.GetContext(ctx, &alert, query, userID, alertID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Alert{}, ErrNotFound
		}
		return domain.Alert{}, fmt.Errorf("get alert: %w", err)
	}
	alert.Timestamp = alert.Timestamp.UTC()
	return alert, nil
}

// ListAlerts returns alerts newest first.
func (s *PostgresStore) ListAlerts(ctx context.Context, userID string) ([]domain.Alert, error) {
	alerts := []domain.Alert{}
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE user_id = $1 ORDER BY timestamp DESC, id`
	if err := s.db.SelectContext(ctx, &alerts, query, userID); err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	for i := range alerts {
		alerts[i].Timestamp = alerts[i].Timestamp.UTC()
	}
	return alerts, nil
}

// UpdateAlertStatus applies forward-only transition under row lock.
func (s *PostgresStore) UpdateAlertStatus(ctx context.Context, userID, alertID string, status domain.AlertStatus) (domain.Alert, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Alert{}, fmt.Errorf("begin update alert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var alert domain.Alert
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE user_id = $1 AND id = $2 FOR UPDATE`
	if err := tx.GetContext(ctx, &alert, query, userID, alertID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Alert{}, ErrNotFound
		}
		return domain.Alert{}, fmt.Errorf("load alert: %w", err)
	}
	updated, err := transitionAlert(alert, status)
	if err != nil {
		return domain.Alert{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE alerts SET status = $3 WHERE user_id = $1 AND id = $2`, userID, alertID, string(status)); err != nil {
		return domain.Alert{}, fmt.Errorf("update alert status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Alert{}, fmt.Errorf("commit update alert: %w", err)
	}
	updated.Timestamp = updated.Timestamp.UTC()
	return updated, nil
}

// ClearAlerts removes every alert of user.
func (s *PostgresStore) ClearAlerts(ctx context.Context, userID string) (int, error) {
	return s.deleteAll(ctx, `DELETE FROM alerts WHERE user_id = $1`, userID)
}

// AppendNotification inserts one history record.
func (s *PostgresStore) AppendNotification(ctx context.Context, record domain.NotificationRecord) error {
	query := `INSERT INTO notifications (` + notificationColumns + `)
		VALUES (:id, :user_id, :contact_id, :alert_id, :emergency_id, :type, :method, :status, :error, :message, :timestamp)`
	if _, err := s.db.NamedExecContext(ctx, query, record); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("append notification: %w", err)
	}
	return nil
}

// ListNotifications returns history newest first, up to limit when limit > 0.
func (s *PostgresStore) ListNotifications(ctx context.Context, userID string, limit int) ([]domain.NotificationRecord, error) {
	records := []domain.NotificationRecord{}
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE user_id = $1 ORDER BY timestamp DESC, seq DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	if err := s.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	for i := range records {
		records[i].Timestamp = records[i].Timestamp.UTC()
	}
	return records, nil
}

// ClearNotifications removes every history record of user.
func (s *PostgresStore) ClearNotifications(ctx context.Context, userID string) (int, error) {
	return s.deleteAll(ctx, `DELETE FROM notifications WHERE user_id = $1`, userID)
}

// InsertEmergency inserts one emergency activation.
func (s *PostgresStore) InsertEmergency(ctx context.Context, event domain.EmergencyEvent) error {
	query := `INSERT INTO emergencies (id, user_id, location, notes, timestamp) VALUES (:id, :user_id, :location, :notes, :timestamp)`
	if _, err := s.db.NamedExecContext(ctx, query, event); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert emergency: %w", err)
	}
	return nil
}

func (s *PostgresStore) deleteAll(ctx context.Context, query, userID string) (int, error) {
	result, err := s.db.ExecContext(ctx, query, userID)
	if err != nil {
		return 0, fmt.Errorf("delete rows: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
