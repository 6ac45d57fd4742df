package kv

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"claimdesk.org/internal/claims"
)

func (s *Store) CreateClaim(ctx context.Context, c claims.Claim, docs []claims.Document) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		if ok, err := exists(txn, prefixClaim+c.ID); err != nil {
			return err
		} else if ok {
			return claims.ErrConflict
		}
		if err := setJSON(txn, prefixClaim+c.ID, toClaimRecord(c)); err != nil {
			return err
		}
		for _, d := range docs {
			if d.ClaimID != c.ID {
				return claims.Invalid("documents", "document %s belongs to another claim", d.ID)
			}
			if err := putDocument(txn, d); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) FindClaim(ctx context.Context, id string) (claims.Claim, error) {
	var c claims.Claim
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		if c, err = loadClaim(txn, id); err != nil {
			return err
		}
		c.Documents, err = documents(txn, id)
		return err
	})
	return c, err
}

func (s *Store) UpdateStatus(ctx context.Context, id string, from, to claims.Status, at time.Time) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		c, err := loadClaim(txn, id)
		if err != nil {
			return err
		}
		if c.Status != from {
			return claims.ErrInvalidTransition
		}
		c.Status = to
		c.UpdatedAt = at
		return setJSON(txn, prefixClaim+id, toClaimRecord(c))
	})
}

func (s *Store) ListClaims(ctx context.Context, f claims.Filter) ([]claims.Claim, error) {
	out := make([]claims.Claim, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefixClaim, func(_, val []byte) error {
			var rec claimRecord
			if err := json.Unmarshal(val, &rec); err != nil {
				return err
			}
			c, err := rec.claim()
			if err != nil {
				return err
			}
			if f.Matches(c) {
				out = append(out, c)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	claims.SortClaims(out)
	return f.ApplyLimit(out), nil
}

func (s *Store) FindDocument(ctx context.Context, id string) (claims.Document, error) {
	var rec docRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, prefixDoc+id, &rec)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return claims.Document{}, claims.ErrNotFound
	}
	return rec.document(), err
}

func (s *Store) SaveDocument(ctx context.Context, d claims.Document) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		c, err := loadClaim(txn, d.ClaimID)
		if err != nil {
			return err
		}
		have, err := documents(txn, d.ClaimID)
		if err != nil {
			return err
		}
		if err := claims.CheckAttach(c.Status, len(have)); err != nil {
			return err
		}
		if err := putDocument(txn, d); err != nil {
			return err
		}
		// Rewriting the claim key makes concurrent attaches and status
		// changes conflict at commit, so update retries them.
		return setJSON(txn, prefixClaim+c.ID, toClaimRecord(c))
	})
}

func (s *Store) DocumentsForClaim(ctx context.Context, claimID string) ([]claims.Document, error) {
	var out []claims.Document
	err := s.db.View(func(txn *badger.Txn) error {
		if ok, err := exists(txn, prefixClaim+claimID); err != nil {
			return err
		} else if !ok {
			return claims.ErrNotFound
		}
		var err error
		out, err = documents(txn, claimID)
		return err
	})
	return out, err
}

func loadClaim(txn *badger.Txn, id string) (claims.Claim, error) {
	var rec claimRecord
	if err := getJSON(txn, prefixClaim+id, &rec); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return claims.Claim{}, claims.ErrNotFound
		}
		return claims.Claim{}, err
	}
	return rec.claim()
}

func putDocument(txn *badger.Txn, d claims.Document) error {
	for _, key := range []string{prefixDoc + d.ID, prefixStorage + d.StorageName} {
		if ok, err := exists(txn, key); err != nil {
			return err
		} else if ok {
			return claims.ErrConflict
		}
	}
	if err := setJSON(txn, prefixDoc+d.ID, docRecord(d)); err != nil {
		return err
	}
	if err := txn.Set([]byte(prefixStorage+d.StorageName), []byte(d.ID)); err != nil {
		return err
	}
	return txn.Set([]byte(prefixClaimDoc+d.ClaimID+"/"+d.ID), nil)
}

func documents(txn *badger.Txn, claimID string) ([]claims.Document, error) {
	prefix := prefixClaimDoc + claimID + "/"
	var ids []string
	err := scan(txn, prefix, func(key, _ []byte) error {
		ids = append(ids, strings.TrimPrefix(string(key), prefix))
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]claims.Document, 0, len(ids))
	for _, id := range ids {
		var rec docRecord
		if err := getJSON(txn, prefixDoc+id, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec.document())
	}
	claims.SortDocuments(out)
	return out, nil
}
