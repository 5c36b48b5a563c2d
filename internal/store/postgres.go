package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"swiftaid/internal/model"
)

// Postgres keeps each entity as a JSONB document alongside the columns used for
// filtering and version checks.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

// MigrateDir applies every *.sql file in dir in lexical order. Scripts must be idempotent.
func (p *Postgres) MigrateDir(dir string) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		if _, err := p.db.Exec(string(b)); err != nil {
			return fmt.Errorf("migrate %s: %w", filepath.Base(f), err)
		}
	}
	return nil
}

// Requests

func (p *Postgres) InsertRequest(ctx context.Context, r model.Request) error {
	doc, err := json.Marshal(r)
	if err != nil { return err }
	_, err = p.db.ExecContext(ctx, `INSERT INTO requests (id, user_id, status, severity, assigned_to, created_at, version, doc)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, r.ID, r.UserID, string(r.Status), string(r.Severity), nullIfEmpty(r.AssignedTo), r.Timestamp, r.Version, string(doc))
	if isUniqueViolation(err) { return ErrExists }
	return err
}

func (p *Postgres) GetRequest(ctx context.Context, id string) (model.Request, error) {
	return getRequest(ctx, p.db, id)
}

func (p *Postgres) ListRequests(ctx context.Context, f model.RequestFilter) ([]model.Request, error) {
	q := `SELECT doc FROM requests WHERE 1=1`
	args := []any{}
	add := func(cond string, v any) {
		args = append(args, v)
		q += fmt.Sprintf(" AND %s=$%d", cond, len(args))
	}
	if f.Status != "" { add("status", string(f.Status)) }
	if f.UserID != "" { add("user_id", f.UserID) }
	if f.AssignedTo != "" { add("assigned_to", f.AssignedTo) }
	q += ` ORDER BY created_at DESC, seq DESC`
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil { return nil, err }
	defer rows.Close()
	out := []model.Request{}
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil { return nil, err }
		var r model.Request
		if err := json.Unmarshal(doc, &r); err != nil { return nil, err }
		out = append(out, r.Clone())
	}
	return out, rows.Err()
}

func (p *Postgres) SaveRequest(ctx context.Context, r model.Request) error {
	return saveRequest(ctx, p.db, r)
}

// Drivers

func (p *Postgres) InsertDriver(ctx context.Context, d model.Driver) error {
	doc, err := json.Marshal(d)
	if err != nil { return err }
	_, err = p.db.ExecContext(ctx, `INSERT INTO drivers (id, status, version, doc) VALUES ($1,$2,$3,$4)`, d.ID, string(d.Status), d.Version, string(doc))
	if isUniqueViolation(err) { return ErrExists }
	return err
}

func (p *Postgres) GetDriver(ctx context.Context, id string) (model.Driver, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx, `SELECT doc FROM drivers WHERE id=$1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) { return model.Driver{}, ErrNotFound }
	if err != nil { return model.Driver{}, err }
	var d model.Driver
	if err := json.Unmarshal(doc, &d); err != nil { return model.Driver{}, err }
	return d, nil
}

func (p *Postgres) ListDrivers(ctx context.Context, f model.DriverFilter) ([]model.Driver, error) {
	var rows *sql.Rows
	var err error
	if f.Status != "" {
		rows, err = p.db.QueryContext(ctx, `SELECT doc FROM drivers WHERE status=$1 ORDER BY seq`, string(f.Status))
	} else {
		rows, err = p.db.QueryContext(ctx, `SELECT doc FROM drivers ORDER BY seq`)
	}
	if err != nil { return nil, err }
	defer rows.Close()
	out := []model.Driver{}
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil { return nil, err }
		var d model.Driver
		if err := json.Unmarshal(doc, &d); err != nil { return nil, err }
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveDriver(ctx context.Context, d model.Driver) error {
	return saveDriver(ctx, p.db, d)
}

// SaveDispatch writes both rows in one transaction; either version check failing rolls back both.
func (p *Postgres) SaveDispatch(ctx context.Context, r model.Request, d model.Driver) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil { return err }
	defer func() { _ = tx.Rollback() }()
	if err := saveRequest(ctx, tx, r); err != nil { return err }
	if err := saveDriver(ctx, tx, d); err != nil { return err }
	return tx.Commit()
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRequest(ctx context.Context, q execQuerier, id string) (model.Request, error) {
	var doc []byte
	err := q.QueryRowContext(ctx, `SELECT doc FROM requests WHERE id=$1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) { return model.Request{}, ErrNotFound }
	if err != nil { return model.Request{}, err }
	var r model.Request
	if err := json.Unmarshal(doc, &r); err != nil { return model.Request{}, err }
	return r.Clone(), nil
}

func saveRequest(ctx context.Context, q execQuerier, r model.Request) error {
	doc, err := json.Marshal(r)
	if err != nil { return err }
	res, err := q.ExecContext(ctx, `UPDATE requests SET status=$2, assigned_to=$3, version=$4, doc=$5, updated_at=now()
		WHERE id=$1 AND version=$6`, r.ID, string(r.Status), nullIfEmpty(r.AssignedTo), r.Version, string(doc), r.Version-1)
	if err != nil { return err }
	return checkVersioned(ctx, q, res, "requests", r.ID)
}

func saveDriver(ctx context.Context, q execQuerier, d model.Driver) error {
	doc, err := json.Marshal(d)
	if err != nil { return err }
	res, err := q.ExecContext(ctx, `UPDATE drivers SET status=$2, version=$3, doc=$4, updated_at=now()
		WHERE id=$1 AND version=$5`, d.ID, string(d.Status), d.Version, string(doc), d.Version-1)
	if err != nil { return err }
	return checkVersioned(ctx, q, res, "drivers", d.ID)
}

// checkVersioned tells a stale write apart from a missing row when an update touched nothing.
func checkVersioned(ctx context.Context, q execQuerier, res sql.Result, table, id string) error {
	n, err := res.RowsAffected()
	if err != nil { return err }
	if n == 1 { return nil }
	var one int
	err = q.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id=$1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) { return ErrNotFound }
	if err != nil { return err }
	return ErrConflict
}

// Notifications

func (p *Postgres) InsertNotification(ctx context.Context, n model.Notification) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO notifications (id, recipient_id, title, message, severity, request_id, event, read, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`, n.ID, n.RecipientID, n.Title, n.Message, nullIfEmpty(string(n.Severity)), nullIfEmpty(n.RequestID), nullIfEmpty(n.Event), n.Read, n.CreatedAt)
	return err
}

func (p *Postgres) ListNotifications(ctx context.Context, recipientID string, unreadOnly bool, limit int) ([]model.Notification, error) {
	if limit <= 0 || limit > 500 { limit = 100 }
	q := `SELECT id, recipient_id, title, message, COALESCE(severity,''), COALESCE(request_id,''), COALESCE(event,''), read, created_at
		FROM notifications WHERE recipient_id=$1`
	if unreadOnly { q += ` AND NOT read` }
	q += ` ORDER BY created_at DESC LIMIT $2`
	rows, err := p.db.QueryContext(ctx, q, recipientID, limit)
	if err != nil { return nil, err }
	defer rows.Close()
	out := []model.Notification{}
	for rows.Next() {
		var n model.Notification
		var sev string
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.Title, &n.Message, &sev, &n.RequestID, &n.Event, &n.Read, &n.CreatedAt); err != nil { return nil, err }
		n.Severity = model.Severity(sev)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkNotificationRead(ctx context.Context, recipientID, id string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE notifications SET read=true WHERE recipient_id=$1 AND id=$2`, recipientID, id)
	if err != nil { return err }
	if n, _ := res.RowsAffected(); n == 0 { return ErrNotFound }
	return nil
}

// Subscriptions

func (p *Postgres) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	id := uuid.New().String()
	ev, _ := json.Marshal(req.Events)
	_, err := p.db.ExecContext(ctx, `INSERT INTO subscriptions (id, url, events, secret) VALUES ($1,$2,$3,$4)`, id, req.URL, string(ev), nullIfEmpty(req.Secret))
	if err != nil { return model.Subscription{}, err }
	return model.Subscription{ID: id, URL: req.URL, Events: req.Events, Secret: req.Secret}, nil
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error) {
	match, _ := json.Marshal([]string{eventType})
	return p.querySubscriptions(ctx, `SELECT id::text, url, COALESCE(secret,''), events FROM subscriptions
		WHERE events @> $1::jsonb OR events @> '["*"]'::jsonb ORDER BY created_at`, string(match))
}

func (p *Postgres) ListSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	return p.querySubscriptions(ctx, `SELECT id::text, url, COALESCE(secret,''), events FROM subscriptions ORDER BY created_at`)
}

func (p *Postgres) querySubscriptions(ctx context.Context, q string, args ...any) ([]model.Subscription, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil { return nil, err }
	defer rows.Close()
	out := []model.Subscription{}
	for rows.Next() {
		var s model.Subscription
		var ev []byte
		if err := rows.Scan(&s.ID, &s.URL, &s.Secret, &ev); err != nil { return nil, err }
		_ = json.Unmarshal(ev, &s.Events)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteSubscription(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id::text=$1`, id)
	if err != nil { return err }
	if n, _ := res.RowsAffected(); n == 0 { return ErrNotFound }
	return nil
}

// Webhook deliveries

func (p *Postgres) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	dk := computeDedupKey(payload)
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at, dedup_key)
		VALUES ($1,$2,$3,$4,$5,$6,'pending',0,now(),$7)
		ON CONFLICT (event_type, url, dedup_key) DO NOTHING`, id, nullIfEmpty(subscriptionID), eventType, url, nullIfEmpty(secret), payload, dk)
	if err != nil { return "", err }
	return id, nil
}

const deliveryColumns = `id::text, COALESCE(subscription_id::text,''), event_type, url, COALESCE(secret,''), payload, status, attempts,
	next_attempt_at, COALESCE(last_error,''), COALESCE(response_code,0), COALESCE(latency_ms,0), delivered_at`

func scanDelivery(rows *sql.Rows) (WebhookDelivery, error) {
	var d WebhookDelivery
	var next, delivered sql.NullTime
	err := rows.Scan(&d.ID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts,
		&next, &d.LastError, &d.ResponseCode, &d.LatencyMs, &delivered)
	if next.Valid { d.NextAttemptAt = &next.Time }
	if delivered.Valid { d.DeliveredAt = &delivered.Time }
	return d, err
}

func (p *Postgres) queryDeliveries(ctx context.Context, q string, args ...any) ([]WebhookDelivery, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil { return nil, err }
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil { return nil, err }
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	return p.queryDeliveries(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries
		WHERE status IN ('pending','retry') AND next_attempt_at <= now() ORDER BY next_attempt_at ASC LIMIT $1`, limit)
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	if !success {
		if nextAttemptAt == nil { t := time.Now().Add(1 * time.Minute); nextAttemptAt = &t }
		_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='retry', last_error=$2, next_attempt_at=$3, updated_at=now(), response_code=$4, latency_ms=$5 WHERE id=$1`,
			id, nullIfEmpty(lastError), *nextAttemptAt, responseCode, latencyMs)
		return err
	}
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='delivered', delivered_at=now(), next_attempt_at=NULL, updated_at=now(), response_code=$2, latency_ms=$3 WHERE id=$1`, id, responseCode, latencyMs)
	return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='failed', last_error=$2, next_attempt_at=NULL, updated_at=now(), response_code=$3, latency_ms=$4 WHERE id=$1`,
		id, nullIfEmpty(lastError), responseCode, latencyMs)
	return err
}

func (p *Postgres) ListWebhookDeliveries(ctx context.Context, status string, limit int) ([]WebhookDelivery, error) {
	if limit <= 0 || limit > 500 { limit = 100 }
	if status != "" {
		return p.queryDeliveries(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE status=$1 ORDER BY created_at LIMIT $2`, status, limit)
	}
	return p.queryDeliveries(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries ORDER BY created_at LIMIT $1`, limit)
}

func (p *Postgres) RetryWebhookDelivery(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='pending', next_attempt_at=now(), updated_at=now() WHERE id::text=$1`, id)
	if err != nil { return err }
	if n, _ := res.RowsAffected(); n == 0 { return ErrNotFound }
	return nil
}

func computeDedupKey(payload []byte) string {
	// try to parse JSON and use id
	var m map[string]any
	if json.Unmarshal(payload, &m) == nil {
		if v, ok := m["id"].(string); ok && v != "" {
			return v
		}
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:8])
}

func nullIfEmpty(s string) any { if s == "" { return nil }; return s }

// isUniqueViolation matches SQLSTATE 23505 without importing pgconn directly.
func isUniqueViolation(err error) bool {
	if err == nil { return false }
	var se interface{ SQLState() string }
	if errors.As(err, &se) { return se.SQLState() == "23505" }
	return strings.Contains(err.Error(), "23505")
}
