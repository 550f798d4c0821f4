package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/tuition-billing-api/internal/models"
)

var paymentCols = []string{"id", "invoice_id", "payment_id", "trx_id", "amount", "method", "status", "payer_reference",
	"merchant_invoice_number", "materialization_error", "materialization_failed_at", "executed_at", "created_by",
	"created_at", "updated_at"}

func TestPaymentRepositoryCreateDuplicateGatewayID(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewPaymentRepository(db)

	mock.ExpectExec("INSERT INTO payments").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "payments_payment_id_key"})

	p := &models.Payment{PaymentID: "PAY-1", Amount: decimal.NewFromInt(10), Method: models.PaymentMethodBkash}
	err := repo.Create(context.Background(), nil, p)
	assert.True(t, errors.Is(err, ErrDuplicate))
	assert.Equal(t, models.PaymentInitiated, p.Status)
}

func TestPaymentRepositoryMarkCompletedIsConditional(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewPaymentRepository(db)

	trx := "TRX-1"
	mock.ExpectExec(regexp.QuoteMeta("WHERE payment_id = $1 AND status <> 'Completed'")).
		WithArgs("PAY-1", &trx, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("WHERE payment_id = $1 AND status <> 'Completed'")).
		WithArgs("PAY-1", &trx, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	changed, err := repo.MarkCompleted(context.Background(), nil, "PAY-1", &trx, time.Now())
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = repo.MarkCompleted(context.Background(), nil, "PAY-1", &trx, time.Now())
	require.NoError(t, err)
	assert.False(t, changed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentRepositoryMarkTerminalOnlyFromInitiated(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewPaymentRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("WHERE payment_id = $1 AND status = 'Initiated'")).
		WithArgs("PAY-1", "Failed", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkTerminal(context.Background(), nil, "PAY-1", models.PaymentFailed)
	assert.True(t, errors.Is(err, ErrNotApplied))

	err = repo.MarkTerminal(context.Background(), nil, "PAY-1", models.PaymentCompleted)
	assert.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentRepositoryListFlagged(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewPaymentRepository(db)

	reason := "batch missing"
	mock.ExpectQuery("(?s)status = 'Completed' AND materialization_error IS NOT NULL").
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows(paymentCols).
			AddRow("p-1", "inv-1", "PAY-1", "TRX-1", "1500", "bKash", "Completed", "01712345678", "ENR-1",
				reason, time.Now(), time.Now(), "parent-1", time.Now(), time.Now()))

	rows, err := repo.ListFlagged(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.PaymentCompleted, rows[0].Status)
	require.NotNil(t, rows[0].MaterializationError)
	assert.Equal(t, reason, *rows[0].MaterializationError)
}

func TestPaymentRepositoryListUnmaterialized(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewPaymentRepository(db)

	cutoff := time.Date(2024, time.March, 10, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery("(?s)JOIN invoices i ON i.id = p.invoice_id.*p.materialization_error IS NULL AND i.is_provisional AND p.updated_at < \\$1").
		WithArgs(cutoff, 25).
		WillReturnRows(sqlmock.NewRows(paymentCols).
			AddRow("p-2", "prov-1", "PAY-2", "TRX-2", "1500", "bKash", "Completed", "01712345678", "ENR-2",
				nil, nil, time.Now(), "parent-1", time.Now(), time.Now()))

	rows, err := repo.ListUnmaterialized(context.Background(), cutoff, 25)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "PAY-2", rows[0].PaymentID)
	assert.Nil(t, rows[0].MaterializationError)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentRepositoryListHistoryScopesParent(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewPaymentRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("(p.created_by = $1 OR s.parent_id = $1)")).
		WithArgs("parent-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("(?s)SELECT p.id, .* LIMIT \\$2 OFFSET \\$3").
		WithArgs("parent-1", 20, 0).
		WillReturnRows(sqlmock.NewRows(paymentCols).
			AddRow("p-1", nil, "PAY-1", nil, "1500", "bKash", "Initiated", "", "ENR-1",
				nil, nil, nil, "parent-1", time.Now(), time.Now()))

	items, total, err := repo.ListHistory(context.Background(), models.PaymentFilter{ParentID: "parent-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, items, 1)
	assert.Nil(t, items[0].InvoiceID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentRepositoryCreateAllocations(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewPaymentRepository(db)

	mock.ExpectExec("INSERT INTO payment_allocations").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO payment_allocations").WillReturnResult(sqlmock.NewResult(1, 1))

	allocs := []models.PaymentAllocation{
		{PaymentID: "p-1", InvoiceID: "inv-1", Amount: decimal.NewFromInt(1000)},
		{PaymentID: "p-1", InvoiceID: "inv-2", Amount: decimal.NewFromInt(1000)},
	}
	require.NoError(t, repo.CreateAllocations(context.Background(), nil, allocs))
	assert.NotEmpty(t, allocs[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}
