package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrUsernameExists     = errors.New("username already exists")
	ErrOrganizationExists = errors.New("organization already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
)

const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

type User struct {
	ID        string
	OrgID     string
	Username  string
	Role      string
	CreatedAt time.Time
}

type Organization struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

type Service struct {
	pool *pgxpool.Pool
}

func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// Bootstrap creates a new organization with its first admin user in one
// transaction. Registering against an existing organization name fails;
// members are added by an org admin afterwards.
func (s *Service) Bootstrap(ctx context.Context, orgName, username, password string) (*Organization, *User, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return nil, nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin bootstrap: %w", err)
	}
	defer tx.Rollback(ctx)

	var org Organization
	err = tx.QueryRow(ctx, `
		INSERT INTO organizations (name) VALUES ($1)
		RETURNING id, name, created_at`,
		orgName).Scan(&org.ID, &org.Name, &org.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, nil, ErrOrganizationExists
		}
		return nil, nil, fmt.Errorf("create organization: %w", err)
	}

	var user User
	err = tx.QueryRow(ctx, `
		INSERT INTO users (org_id, username, password_hash, role)
		VALUES ($1, $2, $3, $4)
		RETURNING id, org_id, username, role, created_at`,
		org.ID, username, hash, RoleAdmin).Scan(
		&user.ID, &user.OrgID, &user.Username, &user.Role, &user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, nil, ErrUsernameExists
		}
		return nil, nil, fmt.Errorf("create user: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit bootstrap: %w", err)
	}
	return &org, &user, nil
}

// Create adds a member to an existing organization.
func (s *Service) Create(ctx context.Context, orgID, username, password, role string) (*User, error) {
	if role != RoleAdmin && role != RoleMember {
		return nil, fmt.Errorf("invalid role: %q", role)
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}

	var user User
	err = s.pool.QueryRow(ctx, `
		INSERT INTO users (org_id, username, password_hash, role)
		VALUES ($1, $2, $3, $4)
		RETURNING id, org_id, username, role, created_at`,
		orgID, username, hash, role).Scan(
		&user.ID, &user.OrgID, &user.Username, &user.Role, &user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrUsernameExists
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return &user, nil
}

// Authenticate verifies a username/password pair.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*User, error) {
	var user User
	var hash string
	err := s.pool.QueryRow(ctx, `
		SELECT id, org_id, username, role, created_at, password_hash
		FROM users WHERE username = $1`,
		username).Scan(
		&user.ID, &user.OrgID, &user.Username, &user.Role, &user.CreatedAt, &hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("query user: %w", err)
	}

	if !CheckPassword(password, hash) {
		return nil, ErrInvalidCredentials
	}
	return &user, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
