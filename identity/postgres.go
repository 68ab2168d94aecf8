package identity

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/MrEthical07/twofa"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// DB is the subset of *pgxpool.Pool used by [PostgresStore].
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore persists identities and recovery-code hashes in Postgres.
type PostgresStore struct {
	db DB
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres connects a pool to dsn and pings it.
func OpenPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate identity schema: %w", err)
	}
	return nil
}

// Upsert inserts or updates an identity's profile columns. Second-factor
// state is written only on insert.
func (s *PostgresStore) Upsert(ctx context.Context, identity twofa.Identity) error {
	const q = `
		INSERT INTO twofa_identities
			(id, email, display_name, role, password_hash, phone_number,
			 two_factor_enabled, totp_secret, totp_last_counter)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			display_name = EXCLUDED.display_name,
			role = EXCLUDED.role,
			password_hash = EXCLUDED.password_hash,
			phone_number = EXCLUDED.phone_number,
			updated_at = NOW()
	`
	_, err := s.db.Exec(ctx, q,
		identity.ID,
		identity.Email,
		identity.DisplayName,
		identity.Role,
		identity.PasswordHash,
		identity.PhoneNumber,
		identity.TwoFactorEnabled,
		identity.TOTPSecret,
		identity.TOTPLastCounter,
	)
	if err != nil {
		return fmt.Errorf("upsert identity %s: %w", identity.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetIdentity(ctx context.Context, identityID string) (twofa.Identity, error) {
	const q = `
		SELECT id, email, display_name, role, password_hash, phone_number,
		       two_factor_enabled, totp_secret, totp_last_counter
		FROM twofa_identities
		WHERE id = $1
	`
	var identity twofa.Identity
	err := s.db.QueryRow(ctx, q, identityID).Scan(
		&identity.ID,
		&identity.Email,
		&identity.DisplayName,
		&identity.Role,
		&identity.PasswordHash,
		&identity.PhoneNumber,
		&identity.TwoFactorEnabled,
		&identity.TOTPSecret,
		&identity.TOTPLastCounter,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return twofa.Identity{}, twofa.ErrIdentityNotFound
		}
		return twofa.Identity{}, fmt.Errorf("get identity %s: %w", identityID, err)
	}
	return identity, nil
}

func (s *PostgresStore) EnableTwoFactor(ctx context.Context, identityID, secret string, recoveryCodeHashes [][32]byte) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE twofa_identities
			SET two_factor_enabled = TRUE, totp_secret = $2, totp_last_counter = 0, updated_at = NOW()
			WHERE id = $1
		`, identityID, secret)
		if err != nil {
			return fmt.Errorf("enable two-factor for %s: %w", identityID, err)
		}
		if tag.RowsAffected() == 0 {
			return twofa.ErrIdentityNotFound
		}
		return replaceCodes(ctx, tx, identityID, recoveryCodeHashes)
	})
}

func (s *PostgresStore) DisableTwoFactor(ctx context.Context, identityID string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE twofa_identities
			SET two_factor_enabled = FALSE, totp_secret = '', totp_last_counter = 0, updated_at = NOW()
			WHERE id = $1
		`, identityID)
		if err != nil {
			return fmt.Errorf("disable two-factor for %s: %w", identityID, err)
		}
		if tag.RowsAffected() == 0 {
			return twofa.ErrIdentityNotFound
		}
		if _, err := tx.Exec(ctx, `DELETE FROM twofa_recovery_codes WHERE identity_id = $1`, identityID); err != nil {
			return fmt.Errorf("delete recovery codes for %s: %w", identityID, err)
		}
		return nil
	})
}

func (s *PostgresStore) AdvanceTOTPCounter(ctx context.Context, identityID string, counter int64) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE twofa_identities
		SET totp_last_counter = $2, updated_at = NOW()
		WHERE id = $1 AND totp_last_counter < $2
	`, identityID, counter)
	if err != nil {
		return false, fmt.Errorf("advance totp counter for %s: %w", identityID, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if err := s.mustExist(ctx, identityID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PostgresStore) ConsumeRecoveryCode(ctx context.Context, identityID string, codeHash [32]byte) (twofa.RecoveryCodeState, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE twofa_recovery_codes
		SET used_at = NOW()
		WHERE identity_id = $1 AND code_hash = $2 AND used_at IS NULL
	`, identityID, codeHash[:])
	if err != nil {
		return "", fmt.Errorf("consume recovery code for %s: %w", identityID, err)
	}
	if tag.RowsAffected() == 1 {
		return twofa.RecoveryCodeConsumed, nil
	}

	var used bool
	err = s.db.QueryRow(ctx, `
		SELECT used_at IS NOT NULL FROM twofa_recovery_codes
		WHERE identity_id = $1 AND code_hash = $2
	`, identityID, codeHash[:]).Scan(&used)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if err := s.mustExist(ctx, identityID); err != nil {
			return "", err
		}
		var issued bool
		err := s.db.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM twofa_recovery_codes WHERE identity_id = $1)
		`, identityID).Scan(&issued)
		if err != nil {
			return "", fmt.Errorf("count recovery codes for %s: %w", identityID, err)
		}
		if !issued {
			return twofa.RecoveryCodeNoneIssued, nil
		}
		return twofa.RecoveryCodeUnknown, nil
	case err != nil:
		return "", fmt.Errorf("lookup recovery code for %s: %w", identityID, err)
	case used:
		return twofa.RecoveryCodeAlreadyUsed, nil
	default:
		return twofa.RecoveryCodeUnknown, nil
	}
}

func (s *PostgresStore) RecoveryCodesRemaining(ctx context.Context, identityID string) (int, error) {
	if err := s.mustExist(ctx, identityID); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM twofa_recovery_codes
		WHERE identity_id = $1 AND used_at IS NULL
	`, identityID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count recovery codes for %s: %w", identityID, err)
	}
	return n, nil
}

func (s *PostgresStore) ReplaceRecoveryCodes(ctx context.Context, identityID string, codeHashes [][32]byte) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var id string
		err := tx.QueryRow(ctx, `SELECT id FROM twofa_identities WHERE id = $1 FOR UPDATE`, identityID).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return twofa.ErrIdentityNotFound
		}
		if err != nil {
			return fmt.Errorf("lock identity %s: %w", identityID, err)
		}
		return replaceCodes(ctx, tx, identityID, codeHashes)
	})
}

func (s *PostgresStore) CountIdentities(ctx context.Context, mandatoryRoles []string) (twofa.IdentityCounts, error) {
	var c twofa.IdentityCounts
	err := s.db.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE two_factor_enabled),
			COUNT(*) FILTER (WHERE lower(role) = ANY($1)),
			COUNT(*) FILTER (WHERE lower(role) = ANY($1) AND two_factor_enabled)
		FROM twofa_identities
	`, lowerRoles(mandatoryRoles)).Scan(&c.Total, &c.Enabled, &c.Required, &c.RequiredEnabled)
	if err != nil {
		return twofa.IdentityCounts{}, fmt.Errorf("count identities: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) mustExist(ctx context.Context, identityID string) error {
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM twofa_identities WHERE id = $1)`, identityID).Scan(&exists); err != nil {
		return fmt.Errorf("lookup identity %s: %w", identityID, err)
	}
	if !exists {
		return twofa.ErrIdentityNotFound
	}
	return nil
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func replaceCodes(ctx context.Context, tx pgx.Tx, identityID string, hashes [][32]byte) error {
	if _, err := tx.Exec(ctx, `DELETE FROM twofa_recovery_codes WHERE identity_id = $1`, identityID); err != nil {
		return fmt.Errorf("delete recovery codes for %s: %w", identityID, err)
	}
	if len(hashes) == 0 {
		return nil
	}
	rows := make([][]any, len(hashes))
	for i, h := range hashes {
		h := h
		rows[i] = []any{identityID, h[:]}
	}
	_, err := tx.CopyFrom(ctx,
		pgx.Identifier{"twofa_recovery_codes"},
		[]string{"identity_id", "code_hash"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("insert recovery codes for %s: %w", identityID, err)
	}
	return nil
}

var _ twofa.IdentityProvider = (*PostgresStore)(nil)
