package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"claimdesk.org/internal/claims"
)

const claimColumns = `id, owner_id, owner_name, owner_email, subject, claim_date,
	hours_worked, hourly_rate, total, notes, status, created_at, updated_at`

const documentColumns = `id, claim_id, file_name, storage_name, content_type, size_bytes, created_at`

func (s *Store) CreateClaim(ctx context.Context, c claims.Claim, docs []claims.Document) error {
	notes, err := s.sealNotes(c.Notes)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into claims (`+claimColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, c.ID, c.OwnerID, c.OwnerName, c.OwnerEmail, c.Subject, c.ClaimDate,
		c.HoursWorked, c.HourlyRate, c.Total, notes, c.Status.String(), c.CreatedAt, c.UpdatedAt); err != nil {
		if isCode(err, pgErrUniqueViolation) {
			return claims.ErrConflict
		}
		return err
	}
	for _, d := range docs {
		if d.ClaimID != c.ID {
			return claims.Invalid("documents", "document %s belongs to another claim", d.ID)
		}
		if err := insertDocument(ctx, tx, d); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) FindClaim(ctx context.Context, id string) (claims.Claim, error) {
	row := s.db.QueryRowContext(ctx, `select `+claimColumns+` from claims where id = $1`, id)
	c, err := s.scanClaim(row)
	if errors.Is(err, sql.ErrNoRows) {
		return claims.Claim{}, claims.ErrNotFound
	}
	if err != nil {
		return claims.Claim{}, err
	}
	docs, err := s.documents(ctx, id)
	if err != nil {
		return claims.Claim{}, err
	}
	c.Documents = docs
	return c, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id string, from, to claims.Status, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update claims set status = $3, updated_at = $4
		where id = $1 and status = $2
	`, id, from.String(), to.String(), at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, `select 1 from claims where id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return claims.ErrNotFound
	}
	if err != nil {
		return err
	}
	return claims.ErrInvalidTransition
}

func (s *Store) ListClaims(ctx context.Context, f claims.Filter) ([]claims.Claim, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.OwnerID != "" {
		where = append(where, "owner_id = "+arg(f.OwnerID))
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, 0, len(f.Statuses))
		for _, st := range f.Statuses {
			marks = append(marks, arg(st.String()))
		}
		where = append(where, "status in ("+strings.Join(marks, ", ")+")")
	}
	if q := strings.TrimSpace(f.Search); q != "" {
		p := arg("%" + escapeLike(q) + "%")
		where = append(where, "(owner_name ilike "+p+" or owner_email ilike "+p+" or subject ilike "+p+")")
	}

	query := `select ` + claimColumns + ` from claims`
	if len(where) > 0 {
		query += ` where ` + strings.Join(where, " and ")
	}
	query += ` order by claim_date desc, id desc`
	if f.Limit > 0 {
		query += ` limit ` + arg(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]claims.Claim, 0)
	for rows.Next() {
		c, err := s.scanClaim(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) FindDocument(ctx context.Context, id string) (claims.Document, error) {
	row := s.db.QueryRowContext(ctx, `select `+documentColumns+` from claim_documents where id = $1`, id)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return claims.Document{}, claims.ErrNotFound
	}
	return d, err
}

func (s *Store) SaveDocument(ctx context.Context, d claims.Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// The row lock orders attaches against each other and against UpdateStatus.
	var status string
	err = tx.QueryRowContext(ctx, `select status from claims where id = $1 for update`, d.ClaimID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return claims.ErrNotFound
	}
	if err != nil {
		return err
	}
	st, err := claims.ParseStatus(status)
	if err != nil {
		return fmt.Errorf("claim %s: stored status %q: %w", d.ClaimID, status, err)
	}
	var have int
	if err := tx.QueryRowContext(ctx, `select count(*) from claim_documents where claim_id = $1`, d.ClaimID).Scan(&have); err != nil {
		return err
	}
	if err := claims.CheckAttach(st, have); err != nil {
		return err
	}
	if err := insertDocument(ctx, tx, d); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) DocumentsForClaim(ctx context.Context, claimID string) ([]claims.Document, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `select 1 from claims where id = $1`, claimID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, claims.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.documents(ctx, claimID)
}

func (s *Store) documents(ctx context.Context, claimID string) ([]claims.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+documentColumns+`
		from claim_documents
		where claim_id = $1
		order by created_at asc, id asc
	`, claimID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]claims.Document, 0)
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertDocument(ctx context.Context, db execer, d claims.Document) error {
	_, err := db.ExecContext(ctx, `
		insert into claim_documents (`+documentColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, d.ID, d.ClaimID, d.FileName, d.StorageName, d.ContentType, d.Size, d.CreatedAt)
	switch {
	case err == nil:
		return nil
	case isCode(err, pgErrUniqueViolation):
		return claims.ErrConflict
	case isCode(err, pgErrForeignKeyViolation):
		return fmt.Errorf("%w: claim %s", claims.ErrNotFound, d.ClaimID)
	}
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanClaim(row scanner) (claims.Claim, error) {
	var (
		c      claims.Claim
		status string
		notes  string
	)
	if err := row.Scan(&c.ID, &c.OwnerID, &c.OwnerName, &c.OwnerEmail, &c.Subject, &c.ClaimDate,
		&c.HoursWorked, &c.HourlyRate, &c.Total, &notes, &status, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return claims.Claim{}, err
	}
	st, err := claims.ParseStatus(status)
	if err != nil {
		return claims.Claim{}, fmt.Errorf("claim %s: stored status %q: %w", c.ID, status, err)
	}
	c.Status = st
	if c.Notes, err = s.openNotes(notes); err != nil {
		return claims.Claim{}, fmt.Errorf("claim %s notes: %w", c.ID, err)
	}
	return c, nil
}

func scanDocument(row scanner) (claims.Document, error) {
	var d claims.Document
	err := row.Scan(&d.ID, &d.ClaimID, &d.FileName, &d.StorageName, &d.ContentType, &d.Size, &d.CreatedAt)
	return d, err
}

func (s *Store) sealNotes(notes string) (string, error) {
	if s.notes == nil || notes == "" {
		return notes, nil
	}
	return s.notes.EncryptString(notes)
}

func (s *Store) openNotes(stored string) (string, error) {
	if s.notes == nil || stored == "" {
		return stored, nil
	}
	plain, err := s.notes.DecryptString(stored)
	if err != nil {
		return "", fmt.Errorf("%w: %v", claims.ErrCrypto, err)
	}
	return plain, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }
