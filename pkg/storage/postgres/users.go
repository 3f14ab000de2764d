package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/gatehouse-sso/gatehouse/pkg/directory"
)

// uniqueViolation is the PostgreSQL error code for unique constraint hits
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// UserRepository is the PostgreSQL directory.UserStore
type UserRepository struct {
	conns *ConnectionManager
}

// NewUserRepository creates a user repository over the connection manager
func NewUserRepository(conns *ConnectionManager) *UserRepository {
	return &UserRepository{conns: conns}
}

const userColumns = `id, org_id, provider, external_id, username, email, email_verified,
	display_name, role, groups, active, metadata, version, created_at, updated_at, last_login_at`

func scanUser(row interface{ Scan(...any) error }) (*directory.User, error) {
	var (
		u           directory.User
		groupsJSON  []byte
		metaJSON    []byte
		lastLoginAt sql.NullTime
	)
	err := row.Scan(&u.ID, &u.OrgID, &u.Provider, &u.ExternalID, &u.Username, &u.Email,
		&u.EmailVerified, &u.DisplayName, &u.Role, &groupsJSON, &u.Active, &metaJSON,
		&u.Version, &u.CreatedAt, &u.UpdatedAt, &lastLoginAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, directory.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}

	if err := json.Unmarshal(groupsJSON, &u.Groups); err != nil {
		return nil, fmt.Errorf("failed to decode user groups: %w", err)
	}
	if err := json.Unmarshal(metaJSON, &u.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode user metadata: %w", err)
	}
	if lastLoginAt.Valid {
		t := lastLoginAt.Time
		u.LastLoginAt = &t
	}
	return &u, nil
}

func userJSON(u *directory.User) (groups, metadata []byte, err error) {
	g := u.Groups
	if g == nil {
		g = []string{}
	}
	m := u.Metadata
	if m == nil {
		m = map[string]string{}
	}
	groups, err = json.Marshal(g)
	if err != nil {
		return nil, nil, err
	}
	metadata, err = json.Marshal(m)
	return groups, metadata, err
}

// Create inserts a user; a (provider, external_id) collision maps to
// directory.ErrDuplicateIdentity.
func (r *UserRepository) Create(ctx context.Context, user *directory.User) error {
	groups, metadata, err := userJSON(user)
	if err != nil {
		return fmt.Errorf("failed to encode user: %w", err)
	}

	now := time.Now()
	user.Version = 1
	user.CreatedAt = now
	user.UpdatedAt = now

	query := `
		INSERT INTO users (` + userColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err = r.conns.Primary().ExecContext(ctx, query,
		user.ID, user.OrgID, user.Provider, user.ExternalID, user.Username, user.Email,
		user.EmailVerified, user.DisplayName, user.Role, groups, user.Active, metadata,
		user.Version, user.CreatedAt, user.UpdatedAt, user.LastLoginAt)
	if isUniqueViolation(err) {
		return directory.ErrDuplicateIdentity
	}
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetByID retrieves a user by ID within an organization
func (r *UserRepository) GetByID(ctx context.Context, orgID, id string) (*directory.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1 AND org_id = $2`
	return scanUser(r.conns.Replica().QueryRowContext(ctx, query, id, orgID))
}

// GetByExternalID retrieves a user by (provider, external_id). Provisioning
// reads this right after writes, so it always hits the primary.
func (r *UserRepository) GetByExternalID(ctx context.Context, provider, externalID string) (*directory.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE provider = $1 AND external_id = $2`
	return scanUser(r.conns.Primary().QueryRowContext(ctx, query, provider, externalID))
}

// GetByEmail retrieves a user by email within an organization
func (r *UserRepository) GetByEmail(ctx context.Context, orgID, email string) (*directory.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE org_id = $1 AND lower(email) = lower($2)`
	return scanUser(r.conns.Primary().QueryRowContext(ctx, query, orgID, email))
}

// Update applies a compare-and-swap on the user version
func (r *UserRepository) Update(ctx context.Context, user *directory.User) error {
	groups, metadata, err := userJSON(user)
	if err != nil {
		return fmt.Errorf("failed to encode user: %w", err)
	}

	query := `
		UPDATE users
		SET username = $1, email = $2, email_verified = $3, display_name = $4, role = $5,
			groups = $6, active = $7, metadata = $8, external_id = $9, last_login_at = $10,
			version = version + 1, updated_at = NOW()
		WHERE id = $11 AND version = $12
		RETURNING version, updated_at
	`
	err = r.conns.Primary().QueryRowContext(ctx, query,
		user.Username, user.Email, user.EmailVerified, user.DisplayName, user.Role,
		groups, user.Active, metadata, user.ExternalID, user.LastLoginAt,
		user.ID, user.Version).Scan(&user.Version, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// distinguish a lost race from a missing row
		var exists bool
		checkErr := r.conns.Primary().QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, user.ID).Scan(&exists)
		if checkErr == nil && !exists {
			return directory.ErrNotFound
		}
		return directory.ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return nil
}

// Delete removes a user
func (r *UserRepository) Delete(ctx context.Context, orgID, id string) error {
	result, err := r.conns.Primary().ExecContext(ctx,
		`DELETE FROM users WHERE id = $1 AND org_id = $2`, id, orgID)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return directory.ErrNotFound
	}
	return nil
}

// List returns users in an organization ordered by creation time
func (r *UserRepository) List(ctx context.Context, orgID string, filter directory.UserFilter, offset, limit int) ([]*directory.User, int, error) {
	conditions := []string{"org_id = $1"}
	args := []any{orgID}

	if filter.Email != "" {
		args = append(args, filter.Email)
		conditions = append(conditions, fmt.Sprintf("lower(email) = lower($%d)", len(args)))
	}
	if filter.Username != "" {
		args = append(args, filter.Username)
		conditions = append(conditions, fmt.Sprintf("username = $%d", len(args)))
	}
	if filter.Active != nil {
		args = append(args, *filter.Active)
		conditions = append(conditions, fmt.Sprintf("active = $%d", len(args)))
	}
	where := strings.Join(conditions, " AND ")

	var total int
	countQuery := `SELECT COUNT(*) FROM users WHERE ` + where
	if err := r.conns.Replica().QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count users: %w", err)
	}

	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT `+userColumns+` FROM users WHERE %s ORDER BY created_at, id LIMIT $%d OFFSET $%d`,
		where, len(args)-1, len(args))

	rows, err := r.conns.Replica().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*directory.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		users = append(users, u)
	}
	return users, total, rows.Err()
}
