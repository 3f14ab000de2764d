package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gatehouse-sso/gatehouse/pkg/directory"
)

// GroupRepository is the PostgreSQL directory.GroupStore
type GroupRepository struct {
	conns *ConnectionManager
}

// NewGroupRepository creates a group repository over the connection manager
func NewGroupRepository(conns *ConnectionManager) *GroupRepository {
	return &GroupRepository{conns: conns}
}

const groupColumns = `id, org_id, external_id, display_name, members, version, created_at, updated_at`

func scanGroup(row interface{ Scan(...any) error }) (*directory.Group, error) {
	var (
		g           directory.Group
		membersJSON []byte
	)
	err := row.Scan(&g.ID, &g.OrgID, &g.ExternalID, &g.DisplayName, &membersJSON,
		&g.Version, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, directory.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan group: %w", err)
	}
	if err := json.Unmarshal(membersJSON, &g.Members); err != nil {
		return nil, fmt.Errorf("failed to decode group members: %w", err)
	}
	return &g, nil
}

// Create inserts a group; a (org, display_name) collision maps to
// directory.ErrDuplicateIdentity.
func (r *GroupRepository) Create(ctx context.Context, group *directory.Group) error {
	members := group.Members
	if members == nil {
		members = []string{}
	}
	membersJSON, err := json.Marshal(members)
	if err != nil {
		return fmt.Errorf("failed to encode group members: %w", err)
	}

	now := time.Now()
	group.Version = 1
	group.CreatedAt = now
	group.UpdatedAt = now

	query := `
		INSERT INTO groups (` + groupColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = r.conns.Primary().ExecContext(ctx, query,
		group.ID, group.OrgID, group.ExternalID, group.DisplayName, membersJSON,
		group.Version, group.CreatedAt, group.UpdatedAt)
	if isUniqueViolation(err) {
		return directory.ErrDuplicateIdentity
	}
	if err != nil {
		return fmt.Errorf("failed to create group: %w", err)
	}
	return nil
}

// GetByID retrieves a group by ID within an organization
func (r *GroupRepository) GetByID(ctx context.Context, orgID, id string) (*directory.Group, error) {
	query := `SELECT ` + groupColumns + ` FROM groups WHERE id = $1 AND org_id = $2`
	return scanGroup(r.conns.Replica().QueryRowContext(ctx, query, id, orgID))
}

// GetByDisplayName retrieves a group by display name
func (r *GroupRepository) GetByDisplayName(ctx context.Context, orgID, displayName string) (*directory.Group, error) {
	query := `SELECT ` + groupColumns + ` FROM groups WHERE org_id = $1 AND display_name = $2`
	return scanGroup(r.conns.Replica().QueryRowContext(ctx, query, orgID, displayName))
}

// Update applies a compare-and-swap on the group version
func (r *GroupRepository) Update(ctx context.Context, group *directory.Group) error {
	members := group.Members
	if members == nil {
		members = []string{}
	}
	membersJSON, err := json.Marshal(members)
	if err != nil {
		return fmt.Errorf("failed to encode group members: %w", err)
	}

	query := `
		UPDATE groups
		SET display_name = $1, external_id = $2, members = $3,
			version = version + 1, updated_at = NOW()
		WHERE id = $4 AND version = $5
		RETURNING version, updated_at
	`
	err = r.conns.Primary().QueryRowContext(ctx, query,
		group.DisplayName, group.ExternalID, membersJSON, group.ID, group.Version).
		Scan(&group.Version, &group.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		checkErr := r.conns.Primary().QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM groups WHERE id = $1)`, group.ID).Scan(&exists)
		if checkErr == nil && !exists {
			return directory.ErrNotFound
		}
		return directory.ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("failed to update group: %w", err)
	}
	return nil
}

// Delete removes a group
func (r *GroupRepository) Delete(ctx context.Context, orgID, id string) error {
	result, err := r.conns.Primary().ExecContext(ctx,
		`DELETE FROM groups WHERE id = $1 AND org_id = $2`, id, orgID)
	if err != nil {
		return fmt.Errorf("failed to delete group: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return directory.ErrNotFound
	}
	return nil
}

// List returns groups in an organization ordered by creation time
func (r *GroupRepository) List(ctx context.Context, orgID string, offset, limit int) ([]*directory.Group, int, error) {
	var total int
	if err := r.conns.Replica().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM groups WHERE org_id = $1`, orgID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count groups: %w", err)
	}

	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + groupColumns + ` FROM groups WHERE org_id = $1 ORDER BY created_at, id LIMIT $2 OFFSET $3`
	rows, err := r.conns.Replica().QueryContext(ctx, query, orgID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list groups: %w", err)
	}
	defer rows.Close()

	var groups []*directory.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, 0, err
		}
		groups = append(groups, g)
	}
	return groups, total, rows.Err()
}
