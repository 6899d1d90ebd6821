package postgres_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/herald/auth/postgres"
)

type fakeRow struct {
	owns bool
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*bool)) = r.owns
	return nil
}

type fakeDB struct {
	query string
	args  []any
	row   fakeRow
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.query = sql
	f.args = args
	return f.row
}

func TestOwnsEntity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		row     fakeRow
		want    bool
		wantErr bool
	}{
		{name: "owner", row: fakeRow{owns: true}, want: true},
		{name: "not owner", row: fakeRow{owns: false}, want: false},
		{name: "no rows", row: fakeRow{err: pgx.ErrNoRows}, want: false},
		{name: "query error", row: fakeRow{err: errors.New("connection reset")}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			db := &fakeDB{row: tt.row}
			o := postgres.New(db)

			got, err := o.OwnsEntity(context.Background(), "user_1", "logo_9")
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, postgres.DefaultQuery, db.query)
			assert.Equal(t, []any{"logo_9", "user_1"}, db.args)
		})
	}
}

func TestOwnsEntityCustomQuery(t *testing.T) {
	t.Parallel()

	db := &fakeDB{row: fakeRow{owns: true}}
	q := `SELECT EXISTS (SELECT 1 FROM logos WHERE id = $1 AND account_id = $2)`
	o := postgres.New(db, postgres.WithQuery(q))

	owns, err := o.OwnsEntity(context.Background(), "user_1", "logo_9")
	require.NoError(t, err)
	assert.True(t, owns)
	assert.Equal(t, q, db.query)
}

func TestOwnsEntityEmptyInputs(t *testing.T) {
	t.Parallel()

	db := &fakeDB{row: fakeRow{owns: true}}
	o := postgres.New(db)

	owns, err := o.OwnsEntity(context.Background(), "", "logo_9")
	require.NoError(t, err)
	assert.False(t, owns)
	assert.Empty(t, db.query, "no query should be issued")
}
