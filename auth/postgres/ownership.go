// Package postgres answers entity ownership questions from the
// business database using pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/herald/auth"
)

// DefaultQuery checks ownership in a table named entities with id and
// owner_id columns. $1 is the entity id, $2 the subject.
const DefaultQuery = `SELECT EXISTS (SELECT 1 FROM entities WHERE id = $1 AND owner_id = $2)`

// Querier is the subset of *pgx.Conn and *pgxpool.Pool used here.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ auth.EntityOwnership = (*Ownership)(nil)

// Ownership implements auth.EntityOwnership with a single boolean query.
type Ownership struct {
	db    Querier
	query string
}

// Option configures Ownership.
type Option func(*Ownership)

// WithQuery replaces DefaultQuery. The query receives the entity id and
// the subject and must return one boolean column.
func WithQuery(q string) Option {
	return func(o *Ownership) { o.query = q }
}

// New creates an ownership checker over db.
func New(db Querier, opts ...Option) *Ownership {
	o := &Ownership{db: db, query: DefaultQuery}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// OwnsEntity implements auth.EntityOwnership.
func (o *Ownership) OwnsEntity(ctx context.Context, subject, entityID string) (bool, error) {
	if subject == "" || entityID == "" {
		return false, nil
	}
	var owns bool
	err := o.db.QueryRow(ctx, o.query, entityID, subject).Scan(&owns)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("herald/postgres: entity ownership: %w", err)
	}
	return owns, nil
}
