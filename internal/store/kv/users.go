package kv

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/dgraph-io/badger/v4"

	"claimdesk.org/internal/auth"
)

func (s *Store) CreateUser(ctx context.Context, u auth.User) error {
	rec := toUserRecord(u)
	return s.update(ctx, func(txn *badger.Txn) error {
		for _, key := range []string{prefixUser + rec.ID, prefixEmail + rec.Email} {
			if ok, err := exists(txn, key); err != nil {
				return err
			} else if ok {
				return auth.ErrConflict
			}
		}
		if err := setJSON(txn, prefixUser+rec.ID, rec); err != nil {
			return err
		}
		return txn.Set([]byte(prefixEmail+rec.Email), []byte(rec.ID))
	})
}

func (s *Store) FindUser(ctx context.Context, id string) (auth.User, error) {
	var u auth.User
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		u, err = loadUser(txn, id)
		return err
	})
	return u, err
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (auth.User, error) {
	var u auth.User
	err := s.db.View(func(txn *badger.Txn) error {
		id, err := getString(txn, prefixEmail+auth.NormalizeEmail(email))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return auth.ErrNotFound
		}
		if err != nil {
			return err
		}
		u, err = loadUser(txn, id)
		return err
	})
	return u, err
}

func (s *Store) ListUsers(ctx context.Context, role auth.Role) ([]auth.User, error) {
	out := make([]auth.User, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefixUser, func(_, val []byte) error {
			var rec userRecord
			if err := json.Unmarshal(val, &rec); err != nil {
				return err
			}
			u, err := rec.user()
			if err != nil {
				return err
			}
			if role == auth.RoleUnknown || u.Role == role {
				out = append(out, u)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FullName == out[j].FullName {
			return out[i].ID < out[j].ID
		}
		return out[i].FullName < out[j].FullName
	})
	return out, nil
}

func (s *Store) UpdateUser(ctx context.Context, u auth.User) error {
	rec := toUserRecord(u)
	return s.update(ctx, func(txn *badger.Txn) error {
		prev, err := loadUser(txn, rec.ID)
		if err != nil {
			return err
		}
		if prev.Email != rec.Email {
			owner, err := getString(txn, prefixEmail+rec.Email)
			switch {
			case err == nil && owner != rec.ID:
				return auth.ErrConflict
			case err != nil && !errors.Is(err, badger.ErrKeyNotFound):
				return err
			}
			if err := txn.Delete([]byte(prefixEmail + prev.Email)); err != nil {
				return err
			}
			if err := txn.Set([]byte(prefixEmail+rec.Email), []byte(rec.ID)); err != nil {
				return err
			}
		}
		return setJSON(txn, prefixUser+rec.ID, rec)
	})
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		u, err := loadUser(txn, id)
		if err != nil {
			return err
		}
		if err := txn.Delete([]byte(prefixEmail + u.Email)); err != nil {
			return err
		}
		return txn.Delete([]byte(prefixUser + id))
	})
}

func loadUser(txn *badger.Txn, id string) (auth.User, error) {
	var rec userRecord
	if err := getJSON(txn, prefixUser+id, &rec); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return auth.User{}, auth.ErrNotFound
		}
		return auth.User{}, err
	}
	return rec.user()
}
