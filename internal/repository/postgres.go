package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smallbiznis/bookstore-auth/internal/domain"
)

// Compile-time interface assertions.
var (
	_ UserRepository         = (*PostgresUserRepo)(nil)
	_ RefreshTokenRepository = (*PostgresRefreshTokenRepo)(nil)
	_ KeyRepository          = (*PostgresKeyRepo)(nil)
)

const uniqueViolation = "23505"

// PostgresUserRepo implements UserRepository.
type PostgresUserRepo struct {
	db *pgxpool.Pool
}

func NewPostgresUserRepo(pool *pgxpool.Pool) *PostgresUserRepo {
	return &PostgresUserRepo{db: pool}
}

const userColumns = `id, email, COALESCE(password_hash, ''), name, phone, address, gender, birth_date, role,
COALESCE(provider, ''), COALESCE(provider_id, ''), created_at, updated_at`

const selectUserByEmailSQL = `SELECT ` + userColumns + ` FROM users WHERE email = $1`

const selectUserByIDSQL = `SELECT ` + userColumns + ` FROM users WHERE id = $1`

const insertUserSQL = `INSERT INTO users (id, email, password_hash, name, phone, address, gender, birth_date, role, provider, provider_id)
VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, NULLIF($10, ''), NULLIF($11, ''))
RETURNING ` + userColumns

// Existing rows keep their provider binding; only accounts without one are
// linked. The WHERE clause leaves password accounts alone for unverified
// identities, in which case no row is returned.
const upsertFederatedSQL = `INSERT INTO users (id, email, name, phone, address, gender, role, provider, provider_id)
VALUES ($1, $2, $3, '', '', '', $4, $5, $6)
ON CONFLICT (email) DO UPDATE SET
	provider = COALESCE(users.provider, EXCLUDED.provider),
	provider_id = CASE WHEN users.provider IS NULL THEN EXCLUDED.provider_id ELSE users.provider_id END,
	name = CASE WHEN users.name = '' THEN EXCLUDED.name ELSE users.name END,
	updated_at = NOW()
WHERE $7::boolean
	OR users.password_hash IS NULL
	OR (users.provider = EXCLUDED.provider AND users.provider_id = EXCLUDED.provider_id)
RETURNING ` + userColumns + `, (xmax = 0) AS inserted`

const updatePasswordSQL = `UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1`

func (r *PostgresUserRepo) GetByEmail(ctx context.Context, email string) (domain.User, error) {
	user, err := scanUser(r.db.QueryRow(ctx, selectUserByEmailSQL, email))
	if err != nil {
		return domain.User{}, mapError("get user", err)
	}
	return user, nil
}

func (r *PostgresUserRepo) GetByID(ctx context.Context, userID int64) (domain.User, error) {
	user, err := scanUser(r.db.QueryRow(ctx, selectUserByIDSQL, userID))
	if err != nil {
		return domain.User{}, mapError("get user by id", err)
	}
	return user, nil
}

func (r *PostgresUserRepo) Create(ctx context.Context, user domain.User) (domain.User, error) {
	row := r.db.QueryRow(ctx, insertUserSQL,
		user.ID,
		user.Email,
		user.PasswordHash,
		user.Name,
		user.Phone,
		user.Address,
		user.Gender,
		user.BirthDate,
		string(user.Role),
		user.Provider,
		user.ProviderID,
	)
	created, err := scanUser(row)
	if err != nil {
		return domain.User{}, mapError("create user", err)
	}
	return created, nil
}

func (r *PostgresUserRepo) UpsertFederated(ctx context.Context, newID int64, identity domain.FederatedIdentity) (domain.UpsertResult, error) {
	row := r.db.QueryRow(ctx, upsertFederatedSQL,
		newID,
		identity.Email,
		identity.Name,
		string(domain.RoleUser),
		identity.Provider,
		identity.Subject,
		identity.EmailVerified,
	)

	var (
		user     domain.User
		role     string
		inserted bool
	)
	if err := row.Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.Name,
		&user.Phone,
		&user.Address,
		&user.Gender,
		&user.BirthDate,
		&role,
		&user.Provider,
		&user.ProviderID,
		&user.CreatedAt,
		&user.UpdatedAt,
		&inserted,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.UpsertResult{}, fmt.Errorf("upsert federated user: %w", ErrUnverifiedLink)
		}
		return domain.UpsertResult{}, mapError("upsert federated user", err)
	}
	user.Role = domain.Role(role)
	return domain.UpsertResult{User: user, Created: inserted}, nil
}

func (r *PostgresUserRepo) UpdatePassword(ctx context.Context, userID int64, hash string) error {
	tag, err := r.db.Exec(ctx, updatePasswordSQL, userID, hash)
	if err != nil {
		return mapError("update password", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update password: %w", ErrNotFound)
	}
	return nil
}

func (r *PostgresUserRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, mapError("count users", err)
	}
	return n, nil
}

// PostgresKeyRepo implements KeyRepository.
type PostgresKeyRepo struct {
	db *pgxpool.Pool
}

func NewPostgresKeyRepo(pool *pgxpool.Pool) *PostgresKeyRepo {
	return &PostgresKeyRepo{db: pool}
}

const selectActiveKeySQL = `SELECT id, kid, secret, algorithm, is_active, created_at
FROM signing_keys WHERE is_active ORDER BY created_at DESC LIMIT 1`

const insertKeySQL = `INSERT INTO signing_keys (kid, secret, algorithm, is_active)
VALUES ($1, $2, $3, $4)
ON CONFLICT DO NOTHING
RETURNING id, created_at`

func (r *PostgresKeyRepo) GetActiveKey(ctx context.Context) (domain.SigningKey, error) {
	var key domain.SigningKey
	if err := r.db.QueryRow(ctx, selectActiveKeySQL).Scan(
		&key.ID,
		&key.KID,
		&key.Secret,
		&key.Algorithm,
		&key.IsActive,
		&key.CreatedAt,
	); err != nil {
		return domain.SigningKey{}, mapError("get active key", err)
	}
	return key, nil
}

func (r *PostgresKeyRepo) CreateKey(ctx context.Context, key domain.SigningKey) (domain.SigningKey, error) {
	err := r.db.QueryRow(ctx, insertKeySQL, key.KID, key.Secret, key.Algorithm, key.IsActive).Scan(&key.ID, &key.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// signing_keys_single_active_idx already holds an active key
		return r.GetActiveKey(ctx)
	}
	if err != nil {
		return domain.SigningKey{}, mapError("create key", err)
	}
	return key, nil
}

func scanUser(row pgx.Row) (domain.User, error) {
	var (
		user domain.User
		role string
	)
	if err := row.Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.Name,
		&user.Phone,
		&user.Address,
		&user.Gender,
		&user.BirthDate,
		&role,
		&user.Provider,
		&user.ProviderID,
		&user.CreatedAt,
		&user.UpdatedAt,
	); err != nil {
		return domain.User{}, err
	}
	user.Role = domain.Role(role)
	return user, nil
}

func mapError(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", op, ErrDuplicate)
	}
	return fmt.Errorf("%s: %w", op, err)
}
