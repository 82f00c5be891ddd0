package main

import (
	"context"
	"database/sql"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/TheRustyPickle/Chirp-sub000/types"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
        id INTEGER PRIMARY KEY,
        name TEXT NOT NULL,
        image_link TEXT,
        token TEXT NOT NULL UNIQUE,
        rsa_public_key TEXT NOT NULL
    );`,
	`CREATE TABLE IF NOT EXISTS messages (
        group_id TEXT NOT NULL,
        message_number INTEGER NOT NULL,
        created_at TEXT NOT NULL,
        sender_id INTEGER NOT NULL,
        receiver_id INTEGER NOT NULL,
        sender_message BLOB NOT NULL,
        receiver_message BLOB NOT NULL,
        sender_key BLOB NOT NULL,
        receiver_key BLOB NOT NULL,
        sender_nonce BLOB NOT NULL,
        receiver_nonce BLOB NOT NULL,
        PRIMARY KEY (group_id, message_number)
    );`,
}

// SQLStore is the sqlite backed Store.
type SQLStore struct {
	db *sql.DB
}

func initDB(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "store.initDB.Open")
	}
	// The hub is the only writer and runs on one goroutine.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "store.initDB.Ping")
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) runMigrations() error {
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return errors.Wrap(err, "store.runMigrations")
		}
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func isConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

func (s *SQLStore) CreateUser(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, name, image_link, token, rsa_public_key) VALUES (?, ?, ?, ?, ?)",
		int64(u.ID), u.Name, nullString(u.ImageLink), u.Token, u.RSAPublicKey)
	if isConstraint(err) {
		return ErrDuplicateUser
	}
	return errors.Wrap(err, "store.CreateUser")
}

func (s *SQLStore) scanUser(row *sql.Row) (*User, error) {
	var (
		u     User
		id    int64
		image sql.NullString
	)
	err := row.Scan(&id, &u.Name, &image, &u.Token, &u.RSAPublicKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "store.scanUser")
	}
	u.ID = uint64(id)
	if image.Valid {
		u.ImageLink = &image.String
	}
	return &u, nil
}

func (s *SQLStore) UserByID(ctx context.Context, id uint64) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		"SELECT id, name, image_link, token, rsa_public_key FROM users WHERE id=?", int64(id)))
}

func (s *SQLStore) UserByToken(ctx context.Context, token string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		"SELECT id, name, image_link, token, rsa_public_key FROM users WHERE token=?", token))
}

func (s *SQLStore) UpdateName(ctx context.Context, id uint64, name string) error {
	return s.updateUser(ctx, "UPDATE users SET name=? WHERE id=?", name, int64(id))
}

func (s *SQLStore) UpdateImage(ctx context.Context, id uint64, link *string) error {
	return s.updateUser(ctx, "UPDATE users SET image_link=? WHERE id=?", nullString(link), int64(id))
}

func (s *SQLStore) updateUser(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, "store.updateUser")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) InsertMessage(ctx context.Context, m *Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (group_id, message_number, created_at, sender_id, receiver_id,
            sender_message, receiver_message, sender_key, receiver_key, sender_nonce, receiver_nonce)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Group, m.MessageNumber, m.CreatedAt.String(), int64(m.FromUser), int64(m.ToUser),
		blob(m.SenderMessage), blob(m.ReceiverMessage), blob(m.SenderKey),
		blob(m.ReceiverKey), blob(m.SenderNonce), blob(m.ReceiverNonce))
	if isConstraint(err) {
		return ErrDuplicateMessage
	}
	return errors.Wrap(err, "store.InsertMessage")
}

func (s *SQLStore) LastNumber(ctx context.Context, group string) (uint32, error) {
	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT MAX(message_number) FROM messages WHERE group_id=?", group).Scan(&last)
	if err != nil {
		return 0, errors.Wrap(err, "store.LastNumber")
	}
	return uint32(last.Int64), nil
}

func (s *SQLStore) Range(ctx context.Context, group string, after, through uint32) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_number, created_at, sender_id, receiver_id, sender_message, receiver_message,
            sender_key, receiver_key, sender_nonce, receiver_nonce
         FROM messages WHERE group_id=? AND message_number>? AND message_number<=?
         ORDER BY message_number ASC`, group, after, through)
	if err != nil {
		return nil, errors.Wrap(err, "store.Range.Query")
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m                  Message
			created            string
			senderID, receiver int64
		)
		m.Group = group
		if err := rows.Scan(&m.MessageNumber, &created, &senderID, &receiver,
			&m.SenderMessage, &m.ReceiverMessage, &m.SenderKey, &m.ReceiverKey,
			&m.SenderNonce, &m.ReceiverNonce); err != nil {
			return nil, errors.Wrap(err, "store.Range.Scan")
		}
		ts, err := types.ParseTimestamp(created)
		if err != nil {
			return nil, errors.Wrap(err, "store.Range.ParseTimestamp")
		}
		m.CreatedAt = ts
		m.FromUser = uint64(senderID)
		m.ToUser = uint64(receiver)
		if m.IsDeleted() {
			// Soft deleted rows scan as empty blobs.
			m.ClearBody()
		}
		out = append(out, m)
	}
	return out, errors.Wrap(rows.Err(), "store.Range.Rows")
}

func (s *SQLStore) SoftDelete(ctx context.Context, group string, number uint32) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET sender_message=X'', receiver_message=X'', sender_key=X'',
            receiver_key=X'', sender_nonce=X'', receiver_nonce=X''
         WHERE group_id=? AND message_number=?`, group, number)
	if err != nil {
		return errors.Wrap(err, "store.SoftDelete")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// blob keeps NOT NULL columns happy for empty slices.
func blob(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
