package pg

import (
	"context"
	"database/sql"
	"errors"

	"claimdesk.org/internal/auth"
)

const userColumns = `id, full_name, email, password_hash, role, hourly_rate, created_at, updated_at`

func (s *Store) CreateUser(ctx context.Context, u auth.User) error {
	_, err := s.db.ExecContext(ctx, `
		insert into users (`+userColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, u.ID, u.FullName, auth.NormalizeEmail(u.Email), u.PasswordHash, u.Role.String(), u.HourlyRate, u.CreatedAt, u.UpdatedAt)
	if isCode(err, pgErrUniqueViolation) {
		return auth.ErrConflict
	}
	return err
}

func (s *Store) FindUser(ctx context.Context, id string) (auth.User, error) {
	return s.findUser(ctx, `where id = $1`, id)
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (auth.User, error) {
	return s.findUser(ctx, `where lower(email) = $1`, auth.NormalizeEmail(email))
}

func (s *Store) findUser(ctx context.Context, where string, arg any) (auth.User, error) {
	row := s.db.QueryRowContext(ctx, `select `+userColumns+` from users `+where, arg)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	return u, err
}

func (s *Store) ListUsers(ctx context.Context, role auth.Role) ([]auth.User, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if role == auth.RoleUnknown {
		rows, err = s.db.QueryContext(ctx, `select `+userColumns+` from users order by full_name, id`)
	} else {
		rows, err = s.db.QueryContext(ctx, `select `+userColumns+` from users where role = $1 order by full_name, id`, role.String())
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]auth.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) UpdateUser(ctx context.Context, u auth.User) error {
	res, err := s.db.ExecContext(ctx, `
		update users
		set full_name = $2, email = $3, password_hash = $4, role = $5, hourly_rate = $6, updated_at = $7
		where id = $1
	`, u.ID, u.FullName, auth.NormalizeEmail(u.Email), u.PasswordHash, u.Role.String(), u.HourlyRate, u.UpdatedAt)
	if isCode(err, pgErrUniqueViolation) {
		return auth.ErrConflict
	}
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from users where id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func scanUser(row scanner) (auth.User, error) {
	var (
		u    auth.User
		role string
	)
	if err := row.Scan(&u.ID, &u.FullName, &u.Email, &u.PasswordHash, &role, &u.HourlyRate, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return auth.User{}, err
	}
	r, err := auth.ParseRole(role)
	if err != nil {
		return auth.User{}, err
	}
	u.Role = r
	return u, nil
}
