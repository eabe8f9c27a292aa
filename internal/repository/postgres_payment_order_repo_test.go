package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/arete-app/arete/internal/model"
)

var paymentOrderColumns = []string{
	"id", "user_id", "buy_order", "product_code", "amount", "token", "status", "authorization_code", "created_at", "updated_at",
}

func TestPostgresPaymentOrderRepo_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	now := time.Now()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO payment_orders")).
		WithArgs("po-1", "user-1", "CR1-abc", "credits_50", int64(4990),
			"tok-1", "pending", now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewPostgresPaymentOrderRepo(db)
	err = repo.Create(context.Background(), &model.PaymentOrder{
		ID:          "po-1",
		UserID:      "user-1",
		BuyOrder:    "CR1-abc",
		ProductCode: "credits_50",
		Amount:      4990,
		Token:       "tok-1",
		Status:      model.PaymentStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresPaymentOrderRepo_Create_UnknownUser(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO payment_orders")).
		WillReturnError(&pq.Error{Code: "23503"})

	repo := NewPostgresPaymentOrderRepo(db)
	err = repo.Create(context.Background(), &model.PaymentOrder{ID: "po-1", UserID: "missing", Status: model.PaymentStatusPending})
	if !errors.Is(err, model.ErrUserNotFound) {
		t.Errorf("err = %v, want ErrUserNotFound", err)
	}
}

func TestPostgresPaymentOrderRepo_FindByToken(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE token = $1")).
		WithArgs("tok-1").
		WillReturnRows(sqlmock.NewRows(paymentOrderColumns).
			AddRow("po-1", "user-1", "CR1-abc", "credits_50", int64(4990), "tok-1", "authorized", "1213", now, now))

	repo := NewPostgresPaymentOrderRepo(db)
	order, err := repo.FindByToken(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order == nil {
		t.Fatal("order = nil, want po-1")
	}
	if order.Status != model.PaymentStatusAuthorized || order.AuthorizationCode != "1213" || order.Token != "tok-1" {
		t.Errorf("order = %+v", order)
	}
}

func TestPostgresPaymentOrderRepo_FindByToken_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM payment_orders")).
		WithArgs("unknown").
		WillReturnRows(sqlmock.NewRows(paymentOrderColumns))

	repo := NewPostgresPaymentOrderRepo(db)
	order, err := repo.FindByToken(context.Background(), "unknown")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order != nil {
		t.Errorf("order = %+v, want nil", order)
	}
}

func TestPostgresPaymentOrderRepo_UpdateStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE payment_orders")).
		WithArgs("po-1", "rejected", "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewPostgresPaymentOrderRepo(db)
	if err := repo.UpdateStatus(context.Background(), "po-1", model.PaymentStatusRejected, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
