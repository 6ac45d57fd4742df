// Package kv is an embedded Badger implementation of the claim and user
// stores, for single-node deployments without PostgreSQL.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"claimdesk.org/internal/auth"
	"claimdesk.org/internal/claims"
)

// Key layout. Index keys hold the id they point at.
const (
	prefixClaim    = "claim/"
	prefixDoc      = "doc/"
	prefixClaimDoc = "claimdoc/"
	prefixStorage  = "storage/"
	prefixUser     = "user/"
	prefixEmail    = "email/"
)

const maxTxnRetries = 8

// Store implements claims.Repository and auth.UserStore on Badger.
type Store struct {
	db *badger.DB
}

var (
	_ claims.Repository = (*Store)(nil)
	_ auth.UserStore    = (*Store)(nil)
)

type badgerLogger struct{ *zap.SugaredLogger }

func (l badgerLogger) Warningf(format string, args ...any) { l.Warnf(format, args...) }

// Open opens (or creates) a database under dir. An empty dir keeps everything
// in memory.
func Open(dir string, log *zap.Logger) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	if log != nil {
		opts = opts.WithLogger(badgerLogger{log.Named("badger").Sugar()}).WithLoggingLevel(badger.WARNING)
	} else {
		opts.Logger = nil
	}
	opts.ValueLogFileSize = 64 << 20
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger %q: %w", dir, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping reports whether the database is open.
func (s *Store) Ping(context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger: database closed")
	}
	return nil
}

// Clean runs value-log garbage collection once.
func (s *Store) Clean() error {
	if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return fmt.Errorf("badger gc: %w", err)
	}
	return nil
}

// update retries fn when Badger detects a conflicting concurrent transaction.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) || attempt == maxTxnRetries {
			return err
		}
	}
}

func getJSON(txn *badger.Txn, key string, v any) error {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error { return json.Unmarshal(val, v) })
}

func setJSON(txn *badger.Txn, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), raw)
}

func exists(txn *badger.Txn, key string) (bool, error) {
	_, err := txn.Get([]byte(key))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	}
	return false, err
}

func getString(txn *badger.Txn, key string) (string, error) {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return "", err
	}
	raw, err := item.ValueCopy(nil)
	return string(raw), err
}

// scan calls fn with the value of every key under prefix.
func scan(txn *badger.Txn, prefix string, fn func(key, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		if err := item.Value(func(val []byte) error { return fn(key, val) }); err != nil {
			return err
		}
	}
	return nil
}

// records keep fields the public types hide from JSON.

type claimRecord struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	OwnerName   string    `json:"owner_name"`
	OwnerEmail  string    `json:"owner_email"`
	Subject     string    `json:"subject"`
	ClaimDate   time.Time `json:"claim_date"`
	HoursWorked float64   `json:"hours_worked"`
	HourlyRate  float64   `json:"hourly_rate"`
	Total       float64   `json:"total"`
	Notes       string    `json:"notes"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toClaimRecord(c claims.Claim) claimRecord {
	return claimRecord{
		ID: c.ID, OwnerID: c.OwnerID, OwnerName: c.OwnerName, OwnerEmail: c.OwnerEmail,
		Subject: c.Subject, ClaimDate: c.ClaimDate, HoursWorked: c.HoursWorked,
		HourlyRate: c.HourlyRate, Total: c.Total, Notes: c.Notes, Status: c.Status.String(),
		CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt,
	}
}

func (r claimRecord) claim() (claims.Claim, error) {
	st, err := claims.ParseStatus(r.Status)
	if err != nil {
		return claims.Claim{}, fmt.Errorf("claim %s: %w", r.ID, err)
	}
	return claims.Claim{
		ID: r.ID, OwnerID: r.OwnerID, OwnerName: r.OwnerName, OwnerEmail: r.OwnerEmail,
		Subject: r.Subject, ClaimDate: r.ClaimDate, HoursWorked: r.HoursWorked,
		HourlyRate: r.HourlyRate, Total: r.Total, Notes: r.Notes, Status: st,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}, nil
}

type docRecord struct {
	ID          string    `json:"id"`
	ClaimID     string    `json:"claim_id"`
	FileName    string    `json:"file_name"`
	StorageName string    `json:"storage_name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

func (r docRecord) document() claims.Document { return claims.Document(r) }

type userRecord struct {
	ID           string    `json:"id"`
	FullName     string    `json:"full_name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"password_hash"`
	Role         string    `json:"role"`
	HourlyRate   float64   `json:"hourly_rate"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func toUserRecord(u auth.User) userRecord {
	return userRecord{
		ID: u.ID, FullName: u.FullName, Email: auth.NormalizeEmail(u.Email), PasswordHash: u.PasswordHash,
		Role: u.Role.String(), HourlyRate: u.HourlyRate, CreatedAt: u.CreatedAt, UpdatedAt: u.UpdatedAt,
	}
}

func (r userRecord) user() (auth.User, error) {
	role, err := auth.ParseRole(r.Role)
	if err != nil {
		return auth.User{}, fmt.Errorf("user %s: %w", r.ID, err)
	}
	return auth.User{
		ID: r.ID, FullName: r.FullName, Email: r.Email, PasswordHash: r.PasswordHash,
		Role: role, HourlyRate: r.HourlyRate, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}, nil
}
