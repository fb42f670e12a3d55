// Package sqlite is the reference implementation of the engine's
// persistence interfaces on a single SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/relaycrm/mailsync/internal/domain"
	"github.com/relaycrm/mailsync/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// Store implements store.EmailStore, store.CursorStore, store.AccountStore,
// store.CRMMatcher and store.ActivityLogger.
type Store struct {
	DB *sql.DB
}

// Open opens or creates the database with WAL and a busy timeout, applies
// the schema, and bounds the connection pool.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{DB: db}, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

func mustJSON(v interface{}) string {
	b, _ := json.Marshal(v)
	return string(b)
}

// FindExisting reports whether (account, provider message id) was ingested
// before.
func (s *Store) FindExisting(ctx context.Context, accountID, providerMessageID string) (bool, error) {
	var one int
	err := s.DB.QueryRowContext(ctx, `
		SELECT 1 FROM emails WHERE account_id = ? AND provider_message_id = ?
	`, accountID, providerMessageID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find existing email: %w", err)
	}
	return true, nil
}

// GetEmail returns one record by composite id.
func (s *Store) GetEmail(ctx context.Context, id string) (*domain.Email, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, account_id, company_id, provider_message_id, thread_id,
		       from_addr, to_addrs, cc_addrs, bcc_addrs, subject, body, html_body,
		       attachments_json, read, incoming, sent_at, received_at, folder,
		       labels_json, contact_ids_json, deal_ids_json
		FROM emails WHERE id = ?
	`, id)

	var e domain.Email
	var fromJSON, toJSON, ccJSON, bccJSON, attJSON, labelsJSON, contactsJSON, dealsJSON sql.NullString
	var read, incoming int
	var sentAt, receivedAt sql.NullInt64

	err := row.Scan(&e.ID, &e.AccountID, &e.CompanyID, &e.ProviderMessageID, &e.ThreadID,
		&fromJSON, &toJSON, &ccJSON, &bccJSON, &e.Subject, &e.Body, &e.HTMLBody,
		&attJSON, &read, &incoming, &sentAt, &receivedAt, &e.Folder,
		&labelsJSON, &contactsJSON, &dealsJSON)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("email %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan email: %w", err)
	}

	e.Read = read != 0
	e.Incoming = incoming != 0
	if sentAt.Valid {
		e.SentAt = time.Unix(sentAt.Int64, 0)
	}
	if receivedAt.Valid {
		e.ReceivedAt = time.Unix(receivedAt.Int64, 0)
	}
	fields := []struct {
		dst interface{}
		src sql.NullString
	}{
		{&e.From, fromJSON}, {&e.To, toJSON}, {&e.Cc, ccJSON}, {&e.Bcc, bccJSON},
		{&e.Attachments, attJSON}, {&e.Labels, labelsJSON},
		{&e.ContactIDs, contactsJSON}, {&e.DealIDs, dealsJSON},
	}
	for _, f := range fields {
		if f.src.Valid && f.src.String != "" {
			if err := json.Unmarshal([]byte(f.src.String), f.dst); err != nil {
				return nil, fmt.Errorf("decode email %s: %w", id, err)
			}
		}
	}
	return &e, nil
}

// Create inserts one canonical record. The UNIQUE constraint on
// (account_id, provider_message_id) makes re-ingestion a no-op; Create
// returns false in that case.
func (s *Store) Create(ctx context.Context, e *domain.Email) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO emails
		(id, account_id, company_id, provider_message_id, thread_id,
		 from_addr, to_addrs, cc_addrs, bcc_addrs, subject, body, html_body,
		 attachments_json, read, incoming, sent_at, received_at, folder,
		 labels_json, contact_ids_json, deal_ids_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.AccountID, e.CompanyID, e.ProviderMessageID, e.ThreadID,
		mustJSON(e.From), mustJSON(e.To), mustJSON(e.Cc), mustJSON(e.Bcc),
		e.Subject, e.Body, e.HTMLBody, mustJSON(e.Attachments),
		boolInt(e.Read), boolInt(e.Incoming), e.SentAt.Unix(), e.ReceivedAt.Unix(),
		e.Folder, mustJSON(e.Labels), mustJSON(e.ContactIDs), mustJSON(e.DealIDs))
	if err != nil {
		return false, fmt.Errorf("insert email %s: %w", e.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert email %s: %w", e.ID, err)
	}
	return n > 0, nil
}

// BulkCreate inserts records in one transaction and returns the number of
// new rows.
func (s *Store) BulkCreate(ctx context.Context, emails []*domain.Email) (int, error) {
	if len(emails) == 0 {
		return 0, nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin bulk insert: %w", err)
	}
	defer tx.Rollback()

	created := 0
	for _, e := range emails {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO emails
			(id, account_id, company_id, provider_message_id, thread_id,
			 from_addr, to_addrs, cc_addrs, bcc_addrs, subject, body, html_body,
			 attachments_json, read, incoming, sent_at, received_at, folder,
			 labels_json, contact_ids_json, deal_ids_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, e.ID, e.AccountID, e.CompanyID, e.ProviderMessageID, e.ThreadID,
			mustJSON(e.From), mustJSON(e.To), mustJSON(e.Cc), mustJSON(e.Bcc),
			e.Subject, e.Body, e.HTMLBody, mustJSON(e.Attachments),
			boolInt(e.Read), boolInt(e.Incoming), e.SentAt.Unix(), e.ReceivedAt.Unix(),
			e.Folder, mustJSON(e.Labels), mustJSON(e.ContactIDs), mustJSON(e.DealIDs))
		if err != nil {
			return 0, fmt.Errorf("bulk insert email %s: %w", e.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			created++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit bulk insert: %w", err)
	}
	return created, nil
}

// UpdateLabels mutates folder/label state only.
func (s *Store) UpdateLabels(ctx context.Context, accountID, providerMessageID, folder string, labels []string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE emails SET folder = ?, labels_json = ?
		WHERE account_id = ? AND provider_message_id = ?
	`, folder, mustJSON(labels), accountID, providerMessageID)
	if err != nil {
		return fmt.Errorf("update labels: %w", err)
	}
	return nil
}

// GetCursor returns the cursor stored for (account, key), "" when none
// exists.
func (s *Store) GetCursor(ctx context.Context, accountID, key string) (string, error) {
	var cursor sql.NullString
	err := s.DB.QueryRowContext(ctx, `
		SELECT cursor FROM folder_cursors WHERE account_id = ? AND folder_key = ?
	`, accountID, key).Scan(&cursor)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load cursor: %w", err)
	}
	return cursor.String, nil
}

// SetCursor upserts the cursor for (account, key).
func (s *Store) SetCursor(ctx context.Context, accountID, key, cursor string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO folder_cursors (account_id, folder_key, cursor, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id, folder_key) DO UPDATE SET
			cursor = excluded.cursor,
			updated_at = excluded.updated_at
	`, accountID, key, cursor, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

// GetAccount returns one account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	return s.scanAccount(s.DB.QueryRowContext(ctx, `
		SELECT id, user_id, company_id, address, provider, oauth_json,
		       password_json, active, last_sync_at, sync_cursor, created_at, updated_at
		FROM accounts WHERE id = ?
	`, id))
}

// Update persists mutable account state: credentials, cursor, last sync.
func (s *Store) Update(ctx context.Context, a *domain.Account) error {
	var oauthJSON, passwordJSON sql.NullString
	if a.OAuth != nil {
		oauthJSON = sql.NullString{String: mustJSON(a.OAuth), Valid: true}
	}
	if a.Password != nil {
		passwordJSON = sql.NullString{String: mustJSON(a.Password), Valid: true}
	}
	_, err := s.DB.ExecContext(ctx, `
		UPDATE accounts SET
			address = ?, oauth_json = ?, password_json = ?, active = ?,
			last_sync_at = ?, sync_cursor = ?, updated_at = ?
		WHERE id = ?
	`, a.Address, oauthJSON, passwordJSON, boolInt(a.Active),
		a.LastSyncAt.Unix(), a.SyncCursor, time.Now().Unix(), a.ID)
	if err != nil {
		return fmt.Errorf("update account %s: %w", a.ID, err)
	}
	return nil
}

// ListActive returns every account eligible for sync.
func (s *Store) ListActive(ctx context.Context) ([]*domain.Account, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, user_id, company_id, address, provider, oauth_json,
		       password_json, active, last_sync_at, sync_cursor, created_at, updated_at
		FROM accounts WHERE active = 1 ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list active accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*domain.Account
	for rows.Next() {
		a, err := s.scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanAccount(row rowScanner) (*domain.Account, error) {
	var a domain.Account
	var oauthJSON, passwordJSON, cursor sql.NullString
	var active int
	var lastSync, createdAt, updatedAt sql.NullInt64

	err := row.Scan(&a.ID, &a.UserID, &a.CompanyID, &a.Address, &a.Provider,
		&oauthJSON, &passwordJSON, &active, &lastSync, &cursor, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("account: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}

	a.Active = active != 0
	a.SyncCursor = cursor.String
	if lastSync.Valid {
		a.LastSyncAt = time.Unix(lastSync.Int64, 0)
	}
	if createdAt.Valid {
		a.CreatedAt = time.Unix(createdAt.Int64, 0)
	}
	if updatedAt.Valid {
		a.UpdatedAt = time.Unix(updatedAt.Int64, 0)
	}
	if oauthJSON.Valid && oauthJSON.String != "" {
		a.OAuth = &domain.OAuthCredentials{}
		if err := json.Unmarshal([]byte(oauthJSON.String), a.OAuth); err != nil {
			return nil, fmt.Errorf("decode oauth credentials: %w", err)
		}
	}
	if passwordJSON.Valid && passwordJSON.String != "" {
		a.Password = &domain.PasswordCredentials{}
		if err := json.Unmarshal([]byte(passwordJSON.String), a.Password); err != nil {
			return nil, fmt.Errorf("decode password credentials: %w", err)
		}
	}
	return &a, nil
}

// CreateAccount inserts a new account row. Used by the outer layer and
// tests; the engine itself never creates accounts.
func (s *Store) CreateAccount(ctx context.Context, a *domain.Account) error {
	var oauthJSON, passwordJSON sql.NullString
	if a.OAuth != nil {
		oauthJSON = sql.NullString{String: mustJSON(a.OAuth), Valid: true}
	}
	if a.Password != nil {
		passwordJSON = sql.NullString{String: mustJSON(a.Password), Valid: true}
	}
	now := time.Now().Unix()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO accounts
		(id, user_id, company_id, address, provider, oauth_json, password_json,
		 active, last_sync_at, sync_cursor, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.UserID, a.CompanyID, a.Address, a.Provider, oauthJSON, passwordJSON,
		boolInt(a.Active), a.LastSyncAt.Unix(), a.SyncCursor, now, now)
	if err != nil {
		return fmt.Errorf("create account %s: %w", a.ID, err)
	}
	return nil
}

// FindMatchingEntities resolves addresses against CRM contacts and the
// deals they participate in, scoped to one company.
func (s *Store) FindMatchingEntities(ctx context.Context, companyID string, addresses []string) (*store.Matches, error) {
	matches := &store.Matches{}
	seenDeals := map[string]bool{}
	for _, addr := range addresses {
		rows, err := s.DB.QueryContext(ctx, `
			SELECT id FROM crm_contacts WHERE company_id = ? AND email = ?
		`, companyID, addr)
		if err != nil {
			return nil, fmt.Errorf("match contacts: %w", err)
		}
		var contactIDs []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan contact: %w", err)
			}
			contactIDs = append(contactIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}

		for _, contactID := range contactIDs {
			matches.ContactIDs = append(matches.ContactIDs, contactID)
			dealRows, err := s.DB.QueryContext(ctx, `
				SELECT id FROM crm_deals WHERE contact_id = ?
			`, contactID)
			if err != nil {
				return nil, fmt.Errorf("match deals: %w", err)
			}
			for dealRows.Next() {
				var id string
				if err := dealRows.Scan(&id); err != nil {
					dealRows.Close()
					return nil, fmt.Errorf("scan deal: %w", err)
				}
				if !seenDeals[id] {
					seenDeals[id] = true
					matches.DealIDs = append(matches.DealIDs, id)
				}
			}
			dealRows.Close()
			if err := dealRows.Err(); err != nil {
				return nil, err
			}
		}
	}
	return matches, nil
}

// RecordActivity appends one activity row for a matched deal.
func (s *Store) RecordActivity(ctx context.Context, dealID string, incoming bool, summary string) error {
	direction := "outgoing"
	if incoming {
		direction = "incoming"
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO deal_activities (id, deal_id, direction, summary, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, uuid.NewString(), dealID, direction, summary, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
