package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/tuition-billing-api/internal/models"
)

func TestInvoiceRepositoryCreateProvisionalRequiresIntent(t *testing.T) {
	db, _, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewInvoiceRepository(db)

	err := repo.CreateProvisional(context.Background(), &models.Invoice{Amount: decimal.NewFromInt(10)})
	assert.Error(t, err)
}

func TestInvoiceRepositoryCreateProvisional(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewInvoiceRepository(db)

	mock.ExpectExec("INSERT INTO invoices").WillReturnResult(sqlmock.NewResult(1, 1))

	inv := &models.Invoice{
		Month:  time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Amount: decimal.NewFromInt(1500),
		IsPaid: true,
		Intent: types.NullJSONText{JSONText: types.JSONText(`{"kind":"enrollment"}`), Valid: true},
	}
	require.NoError(t, repo.CreateProvisional(context.Background(), inv))
	assert.NotEmpty(t, inv.ID)
	assert.True(t, inv.IsProvisional)
	assert.False(t, inv.IsPaid)
	assert.Nil(t, inv.EnrollmentID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInvoiceRepositoryCreateIfAbsentConflict(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewInvoiceRepository(db)

	mock.ExpectExec("(?s)INSERT INTO invoices .* ON CONFLICT \\(enrollment_id, month\\)").
		WillReturnResult(sqlmock.NewResult(0, 0))

	enr := "enr-1"
	created, err := repo.CreateIfAbsent(context.Background(), nil, &models.Invoice{
		EnrollmentID: &enr,
		Month:        time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
		Amount:       decimal.NewFromInt(1000),
	})
	require.NoError(t, err)
	assert.False(t, created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInvoiceRepositoryCreateIfAbsentNeedsEnrollment(t *testing.T) {
	db, _, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewInvoiceRepository(db)

	_, err := repo.CreateIfAbsent(context.Background(), nil, &models.Invoice{Amount: decimal.NewFromInt(1)})
	assert.Error(t, err)
}

func TestInvoiceRepositoryPromote(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewInvoiceRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND is_provisional AND enrollment_id IS NULL")).
		WithArgs("inv-1", "enr-1", decimal.Zero, true, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Promote(context.Background(), nil, "inv-1", "enr-1", decimal.Zero, true)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInvoiceRepositoryPromoteTwice(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewInvoiceRepository(db)

	mock.ExpectExec("UPDATE invoices").WillReturnResult(sqlmock.NewResult(0, 0))
	rows := sqlmock.NewRows([]string{"id", "enrollment_id", "month", "amount", "is_paid", "coupon_id",
		"is_provisional", "intent", "created_at", "updated_at"}).
		AddRow("inv-1", "enr-1", time.Now(), "1000", true, nil, false, nil, time.Now(), time.Now())
	mock.ExpectQuery("FROM invoices WHERE id = \\$1").WithArgs("inv-1").WillReturnRows(rows)

	err := repo.Promote(context.Background(), nil, "inv-1", "enr-2", decimal.NewFromInt(1000), true)
	assert.True(t, errors.Is(err, ErrAlreadyPromoted))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInvoiceRepositoryPromoteMissing(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewInvoiceRepository(db)

	mock.ExpectExec("UPDATE invoices").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM invoices WHERE id = \\$1").WithArgs("gone").WillReturnError(sql.ErrNoRows)

	err := repo.Promote(context.Background(), nil, "gone", "enr-2", decimal.NewFromInt(1000), true)
	assert.True(t, IsNotFound(err))
}

func TestInvoiceRepositoryDiscardOnlyProvisional(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewInvoiceRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM invoices WHERE id = $1 AND is_provisional AND enrollment_id IS NULL")).
		WithArgs("inv-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	removed, err := repo.Discard(context.Background(), nil, "inv-1")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestInvoiceRepositoryFindProvisionalKeepsIntent(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewInvoiceRepository(db)

	rows := sqlmock.NewRows([]string{"id", "enrollment_id", "month", "amount", "is_paid", "coupon_id",
		"is_provisional", "intent", "created_at", "updated_at"}).
		AddRow("inv-9", nil, time.Now(), "1500", false, "cp-1", true, []byte(`{"kind":"enrollment","version":1}`), time.Now(), time.Now())
	mock.ExpectQuery("FROM invoices WHERE id = \\$1").WithArgs("inv-9").WillReturnRows(rows)

	inv, err := repo.FindByID(context.Background(), nil, "inv-9")
	require.NoError(t, err)
	assert.True(t, inv.IsProvisional)
	assert.Nil(t, inv.EnrollmentID)
	require.True(t, inv.Intent.Valid)
	assert.JSONEq(t, `{"kind":"enrollment","version":1}`, string(inv.Intent.JSONText))
	require.NotNil(t, inv.CouponID)
	assert.Equal(t, "cp-1", *inv.CouponID)
}
