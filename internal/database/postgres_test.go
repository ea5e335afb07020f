package database

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vendornexus/backend/internal/apperr"
	"github.com/vendornexus/backend/internal/ids"
)

func newMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	clock := &ids.FixedClock{T: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	return NewPostgresFromDB(db, clock), mock
}

func TestPostgresGetTenantScansRow(t *testing.T) {
	p, mock := newMockPostgres(t)
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT .+ FROM nexus_tenants WHERE tenant_id = \$1`).
		WithArgs("TNT-ACME0001").
		WillReturnRows(sqlmock.NewRows([]string{
			"tenant_id", "client_id", "vendor_id", "name", "status", "onboarding_status",
			"email", "phone", "address", "settings", "created_at", "updated_at",
		}).AddRow("TNT-ACME0001", "TC-ACME0001", "TV-ACME0001", "Acme", "active", "complete",
			"ops@acme.test", "", "", []byte(`{}`), now, now))

	got, err := p.GetTenant(context.Background(), "TNT-ACME0001")
	require.NoError(t, err)
	assert.Equal(t, "Acme", got.Name)
	assert.Equal(t, TenantActive, got.Status)
	assert.Nil(t, got.Settings) // empty JSONB comes back as nil, not {}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetTenantMapsNoRows(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectQuery(`SELECT .+ FROM nexus_tenants WHERE tenant_id = \$1`).
		WithArgs("TNT-NOSUCH01").
		WillReturnError(sql.ErrNoRows)

	_, err := p.GetTenant(context.Background(), "TNT-NOSUCH01")
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendChainEntryMapsUniqueViolation(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectExec(`INSERT INTO nexus_document_hash_chain`).
		WillReturnError(&pq.Error{Code: pqUniqueViolation})

	err := p.AppendChainEntry(context.Background(), &ChainEntry{
		SequenceID: 7, DocumentID: "EVD-00000007", ChainHash: "h7", PreviousHash: "h6",
	})
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTxRollsBackOnError(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	sentinel := apperr.New(apperr.Validation, "nope")
	err := p.Tx(context.Background(), func(tx Store) error { return sentinel })
	assert.ErrorIs(t, err, sentinel)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAdvisoryLocksNeedTransaction(t *testing.T) {
	p, mock := newMockPostgres(t)

	assert.Error(t, p.LockCase(context.Background(), "CSE-00000001"))
	assert.Error(t, p.LockChain(context.Background()))

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(\$1\)`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, p.Tx(context.Background(), func(tx Store) error {
		return tx.LockCase(context.Background(), "CSE-00000001")
	}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifyTablesReportsMissing(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"table_name"})
	for _, name := range RequiredTables {
		if name == "nexus_webhooks" || name == "nexus_payments" {
			continue
		}
		rows.AddRow(name)
	}
	mock.ExpectQuery(`SELECT table_name FROM information_schema\.tables`).WillReturnRows(rows)

	missing, err := VerifyTables(context.Background(), db)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"nexus_payments", "nexus_webhooks"}, missing)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(&pq.Error{Code: pqSerializationFailure}))
	assert.True(t, Retryable(&pq.Error{Code: pqDeadlockDetected}))
	assert.True(t, Retryable(&pq.Error{Code: pqUniqueViolation}))
	assert.False(t, Retryable(&pq.Error{Code: "22P02"}))
	assert.False(t, Retryable(sql.ErrNoRows))
	assert.False(t, Retryable(nil))
}
