// Package templates exposes the session template catalog. The catalog is
// owned elsewhere; this service is a read-only consumer used when sessions
// are created.
package templates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrTemplateNotFound = errors.New("template not found")

type Template struct {
	ID          string
	Name        string
	DisplayName string
	Spec        json.RawMessage
	CreatedAt   time.Time
}

type Service struct {
	pool *pgxpool.Pool
}

func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

func (s *Service) List(ctx context.Context) ([]Template, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, display_name, spec, created_at
		FROM templates ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var result []Template
	for rows.Next() {
		var t Template
		if err := rows.Scan(&t.ID, &t.Name, &t.DisplayName, &t.Spec, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (s *Service) Get(ctx context.Context, templateID string) (*Template, error) {
	var t Template
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, display_name, spec, created_at
		FROM templates WHERE id = $1`,
		templateID).Scan(&t.ID, &t.Name, &t.DisplayName, &t.Spec, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTemplateNotFound
		}
		return nil, fmt.Errorf("get template: %w", err)
	}
	return &t, nil
}
