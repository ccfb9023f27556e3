package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/outreach-crawler/internal/automation"
	"github.com/JakeFAU/outreach-crawler/internal/faults"
)

func newMockStore(t *testing.T) (*EdgeStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewEdgeStoreWithPool(mock, "edges")
	require.NoError(t, err)
	return store, mock
}

func TestCheckEdgeExists(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("ada").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := store.CheckEdgeExists(context.Background(), "ada")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateEdgeInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	edge := automation.Edge{ProfileID: "ada", Kind: "allies", ArtifactKey: "shots/a.png", ArtifactURL: "gs://b/shots/a.png", CreatedAt: now}

	mock.ExpectExec("INSERT INTO edges").
		WithArgs(edge.ProfileID, edge.Kind, edge.ArtifactKey, edge.ArtifactURL, edge.CreatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateEdge(context.Background(), edge))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS edges").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestErrorsAreCategorized(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("ada").
		WillReturnError(&pgconn.PgError{Code: "42P01", Message: "relation does not exist"})
	mock.ExpectExec("INSERT INTO edges").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(context.DeadlineExceeded)

	_, err := store.CheckEdgeExists(context.Background(), "ada")
	require.Error(t, err)
	assert.Equal(t, faults.Database, faults.CategoryOf(err))
	assert.Equal(t, "42P01", faults.ContextOf(err)["sqlstate"])

	err = store.CreateEdge(context.Background(), automation.Edge{ProfileID: "ada"})
	require.Error(t, err)
	assert.Equal(t, faults.Network, faults.CategoryOf(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestValidation(t *testing.T) {
	t.Parallel()

	_, err := NewEdgeStoreWithPool(nil, "")
	assert.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewEdgeStoreWithPool(mock, "edges; DROP TABLE x")
	assert.ErrorContains(t, err, "invalid table name")

	store, err := NewEdgeStoreWithPool(mock, "")
	require.NoError(t, err)
	_, err = store.CheckEdgeExists(context.Background(), "")
	assert.Error(t, err)
}
