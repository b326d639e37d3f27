package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/slipway-dev/slipway/internal/apierror"
	"github.com/slipway-dev/slipway/internal/project"
)

// Account is one row of the accounts table. KeyHash is the SHA-256 hex of
// the account's API key; the plaintext key is returned once at creation
// and never stored.
type Account struct {
	Name      project.AccountName
	KeyHash   string
	SuperUser bool
	CreatedAt time.Time
}

// CreateAccount inserts a new account.
func (s *Store) CreateAccount(ctx context.Context, a Account) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (account_name, key_hash, super_user, created_at)
		 VALUES (?, ?, ?, ?)`,
		a.Name.String(), a.KeyHash, boolInt(a.SuperUser), a.CreatedAt.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return apierror.Newf(apierror.KindProjectAlreadyExists,
				"account %q already exists", a.Name)
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// EnsureSuperUser creates the bootstrap admin account, or rotates its key
// and re-grants the flag if it already exists. Run at startup so a fresh
// install has a caller able to create everything else.
func (s *Store) EnsureSuperUser(ctx context.Context, name project.AccountName, keyHash string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (account_name, key_hash, super_user, created_at)
		 VALUES (?, ?, 1, ?)
		 ON CONFLICT(account_name) DO UPDATE SET key_hash = excluded.key_hash, super_user = 1`,
		name.String(), keyHash, at.Unix())
	if err != nil {
		return fmt.Errorf("ensure super user: %w", err)
	}
	return nil
}

// GetAccountByKeyHash resolves an API key (pre-hashed) to its account.
// Returns KindUnauthorized when no account matches.
func (s *Store) GetAccountByKeyHash(ctx context.Context, keyHash string) (Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT account_name, key_hash, super_user, created_at
		 FROM accounts WHERE key_hash = ?`, keyHash)
	return scanAccount(row)
}

// GetAccount loads an account by name. Returns KindAccountNotFound when
// absent.
func (s *Store) GetAccount(ctx context.Context, name project.AccountName) (Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT account_name, key_hash, super_user, created_at
		 FROM accounts WHERE account_name = ?`, name.String())
	a, err := scanAccount(row)
	if apierror.IsKind(err, apierror.KindUnauthorized) {
		return Account{}, apierror.Newf(apierror.KindAccountNotFound, "account %q not found", name)
	}
	return a, err
}

// SetSuperUser flips the admin flag on an account.
func (s *Store) SetSuperUser(ctx context.Context, name project.AccountName, super bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET super_user = ? WHERE account_name = ?`,
		boolInt(super), name.String())
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apierror.Newf(apierror.KindAccountNotFound, "account %q not found", name)
	}
	return nil
}

// ResetAccountKey replaces the stored key hash.
func (s *Store) ResetAccountKey(ctx context.Context, name project.AccountName, keyHash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET key_hash = ? WHERE account_name = ?`,
		keyHash, name.String())
	if err != nil {
		return fmt.Errorf("update account key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apierror.Newf(apierror.KindAccountNotFound, "account %q not found", name)
	}
	return nil
}

func scanAccount(row *sql.Row) (Account, error) {
	var a Account
	var name string
	var super int
	var created int64
	err := row.Scan(&name, &a.KeyHash, &super, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, apierror.New(apierror.KindUnauthorized, "unknown API key")
	}
	if err != nil {
		return Account{}, fmt.Errorf("scan account: %w", err)
	}
	a.Name = project.AccountName(name)
	a.SuperUser = super != 0
	a.CreatedAt = time.Unix(created, 0).UTC()
	return a, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
