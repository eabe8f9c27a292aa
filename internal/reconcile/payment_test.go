package reconcile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/arete-app/arete/internal/credit"
	"github.com/arete-app/arete/internal/credit/credittest"
	"github.com/arete-app/arete/internal/model"
	"github.com/arete-app/arete/internal/webpay"
)

type mockGateway struct {
	createFn    func(ctx context.Context, buyOrder, sessionID string, amount int64, returnURL string) (*webpay.CreateResponse, error)
	commitFn    func(ctx context.Context, token string) (*webpay.CommitResponse, error)
	mu          sync.Mutex
	commitCalls int
}

func (m *mockGateway) Create(ctx context.Context, buyOrder, sessionID string, amount int64, returnURL string) (*webpay.CreateResponse, error) {
	return m.createFn(ctx, buyOrder, sessionID, amount, returnURL)
}

func (m *mockGateway) Commit(ctx context.Context, token string) (*webpay.CommitResponse, error) {
	m.mu.Lock()
	m.commitCalls++
	m.mu.Unlock()
	return m.commitFn(ctx, token)
}

// memOrders はテスト用のインメモリ注文ストア。
type memOrders struct {
	mu      sync.Mutex
	byToken map[string]*model.PaymentOrder
}

func newMemOrders() *memOrders {
	return &memOrders{byToken: make(map[string]*model.PaymentOrder)}
}

func (s *memOrders) Create(ctx context.Context, order *model.PaymentOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *order
	s.byToken[order.Token] = &copied
	return nil
}

func (s *memOrders) FindByToken(ctx context.Context, token string) (*model.PaymentOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.byToken[token]
	if !ok {
		return nil, nil
	}
	copied := *o
	return &copied, nil
}

func (s *memOrders) UpdateStatus(ctx context.Context, id string, status model.PaymentStatus, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.byToken {
		if o.ID == id {
			o.Status = status
			o.AuthorizationCode = code
		}
	}
	return nil
}

func (s *memOrders) status(token string) model.PaymentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byToken[token].Status
}

type paymentFixture struct {
	userID  string
	ledger  *credittest.Ledger
	credits *credit.Service
	orders  *memOrders
	gateway *mockGateway
	rec     *PaymentReconciler
}

func newPaymentFixture(t *testing.T) *paymentFixture {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	f := &paymentFixture{
		userID: uuid.New().String(),
		orders: newMemOrders(),
	}
	f.ledger = credittest.NewLedger(f.userID)
	f.credits = credit.NewService(f.ledger, nil, logger)
	f.gateway = &mockGateway{
		createFn: func(ctx context.Context, buyOrder, sessionID string, amount int64, returnURL string) (*webpay.CreateResponse, error) {
			return &webpay.CreateResponse{Token: "tok-" + buyOrder, URL: "https://webpay.example/init"}, nil
		},
	}
	f.rec = NewPaymentReconciler(f.gateway, f.orders, f.credits, nil, logger)
	return f
}

// checkout は注文を作成し、そのトークンに対して承認応答を返すようゲートウェイを設定する。
func (f *paymentFixture) checkout(t *testing.T, productCode string) *Checkout {
	t.Helper()
	co, err := f.rec.Create(context.Background(), f.userID, productCode, "https://arete.example/return")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	f.gateway.commitFn = func(ctx context.Context, token string) (*webpay.CommitResponse, error) {
		return &webpay.CommitResponse{
			Status:            webpay.StatusAuthorized,
			ResponseCode:      0,
			BuyOrder:          co.BuyOrder,
			SessionID:         f.userID,
			Amount:            co.Product.Amount,
			AuthorizationCode: "1213",
		}, nil
	}
	return co
}

func TestPaymentReconciler_Create(t *testing.T) {
	f := newPaymentFixture(t)
	var gotAmount int64
	var gotSession string
	f.gateway.createFn = func(ctx context.Context, buyOrder, sessionID string, amount int64, returnURL string) (*webpay.CreateResponse, error) {
		gotAmount, gotSession = amount, sessionID
		return &webpay.CreateResponse{Token: "tok-1", URL: "https://webpay.example/init"}, nil
	}

	co, err := f.rec.Create(context.Background(), f.userID, "credits_150", "https://arete.example/return")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if co.Token != "tok-1" || co.URL != "https://webpay.example/init" {
		t.Errorf("checkout = %+v", co)
	}
	if gotAmount != 11990 || gotSession != f.userID {
		t.Errorf("gateway got amount=%d session=%q", gotAmount, gotSession)
	}

	order, _ := f.orders.FindByToken(context.Background(), "tok-1")
	if order == nil || order.Status != model.PaymentStatusPending || order.BuyOrder != co.BuyOrder {
		t.Errorf("order = %+v", order)
	}
}

func TestPaymentReconciler_Create_UnknownProduct(t *testing.T) {
	f := newPaymentFixture(t)
	if _, err := f.rec.Create(context.Background(), f.userID, "gold", "https://arete.example/return"); !errors.Is(err, model.ErrUnknownProduct) {
		t.Errorf("err = %v, want ErrUnknownProduct", err)
	}
}

func TestPaymentReconciler_Commit_GrantsCredits(t *testing.T) {
	f := newPaymentFixture(t)
	co := f.checkout(t, "credits_50")

	res, err := f.rec.Commit(context.Background(), co.Token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.AlreadyProcessed {
		t.Error("first commit must not be marked processed")
	}

	bal, _ := f.credits.Balance(context.Background(), f.userID)
	if bal.CreditsRemaining != model.SeedCredits+50 {
		t.Errorf("credits = %d, want %d", bal.CreditsRemaining, model.SeedCredits+50)
	}
	if f.orders.status(co.Token) != model.PaymentStatusAuthorized {
		t.Errorf("status = %s, want authorized", f.orders.status(co.Token))
	}
}

// 同じトークンの確定を繰り返しても付与は1回だけ
func TestPaymentReconciler_Commit_ReplayGrantsOnce(t *testing.T) {
	f := newPaymentFixture(t)
	co := f.checkout(t, "credits_50")

	for i := 0; i < 3; i++ {
		if _, err := f.rec.Commit(context.Background(), co.Token); err != nil {
			t.Fatalf("commit %d failed: %v", i, err)
		}
	}

	if n := f.ledger.CountEvents(f.userID, model.UsageKindCreditGrant); n != 1 {
		t.Errorf("credit_grant events = %d, want 1", n)
	}
	if f.gateway.commitCalls != 1 {
		t.Errorf("gateway commit calls = %d, want 1", f.gateway.commitCalls)
	}
	bal, _ := f.credits.Balance(context.Background(), f.userID)
	if bal.CreditsRemaining != model.SeedCredits+50 {
		t.Errorf("credits = %d, want %d", bal.CreditsRemaining, model.SeedCredits+50)
	}
}

// 同時の確定でも付与は1回だけ
func TestPaymentReconciler_Commit_ConcurrentGrantsOnce(t *testing.T) {
	f := newPaymentFixture(t)
	co := f.checkout(t, "credits_150")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.rec.Commit(context.Background(), co.Token); err != nil {
				t.Errorf("Commit failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := f.ledger.CountEvents(f.userID, model.UsageKindCreditGrant); n != 1 {
		t.Errorf("credit_grant events = %d, want 1", n)
	}
	if f.ledger.CreditSum(f.userID) != model.SeedCredits+150 {
		t.Errorf("credit sum = %d, want %d", f.ledger.CreditSum(f.userID), model.SeedCredits+150)
	}
}

// 承認後に付与が失敗しても、再試行ではゲートウェイを呼ばずに保存済みの承認から付与する
func TestPaymentReconciler_Commit_GrantFailureRetriedFromStoredAuthorization(t *testing.T) {
	f := newPaymentFixture(t)
	co := f.checkout(t, "credits_50")
	f.ledger.SetCreditErr(errors.New("connection reset by peer"))

	if _, err := f.rec.Commit(context.Background(), co.Token); err == nil {
		t.Fatal("expected grant failure")
	}
	if f.orders.status(co.Token) != model.PaymentStatusAuthorized {
		t.Fatalf("status = %s, want authorized before the grant", f.orders.status(co.Token))
	}
	order, _ := f.orders.FindByToken(context.Background(), co.Token)
	if order.AuthorizationCode != "1213" {
		t.Errorf("authorization code = %q, want 1213", order.AuthorizationCode)
	}

	// Transbankは確定済みトークンの再確定を拒否する
	f.ledger.SetCreditErr(nil)
	f.gateway.commitFn = func(ctx context.Context, token string) (*webpay.CommitResponse, error) {
		return nil, fmt.Errorf("%w: transaction already committed", webpay.ErrGateway)
	}

	res, err := f.rec.Commit(context.Background(), co.Token)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if res.AlreadyProcessed {
		t.Error("retry applied the grant and must not be marked processed")
	}
	if f.gateway.commitCalls != 1 {
		t.Errorf("gateway commit calls = %d, want 1", f.gateway.commitCalls)
	}
	if n := f.ledger.CountEvents(f.userID, model.UsageKindCreditGrant); n != 1 {
		t.Errorf("credit_grant events = %d, want 1", n)
	}
	bal, _ := f.credits.Balance(context.Background(), f.userID)
	if bal.CreditsRemaining != model.SeedCredits+50 {
		t.Errorf("credits = %d, want %d", bal.CreditsRemaining, model.SeedCredits+50)
	}
}

// 同じトークンの並行リクエストが先に確定した場合、ゲートウェイの失敗を成功として扱う
func TestPaymentReconciler_Commit_GatewayErrorAfterConcurrentSuccess(t *testing.T) {
	f := newPaymentFixture(t)
	co := f.checkout(t, "credits_50")
	authorized := f.gateway.commitFn

	var first bool
	f.gateway.commitFn = func(ctx context.Context, token string) (*webpay.CommitResponse, error) {
		if first {
			return authorized(ctx, token)
		}
		first = true
		// このリクエストがゲートウェイを待つ間に、別のリクエストが確定と付与を終える
		if _, err := f.rec.Commit(ctx, token); err != nil {
			t.Errorf("concurrent commit failed: %v", err)
		}
		return nil, fmt.Errorf("%w: transaction already committed", webpay.ErrGateway)
	}

	res, err := f.rec.Commit(context.Background(), co.Token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.AlreadyProcessed {
		t.Error("result should report the grant as already processed")
	}
	if n := f.ledger.CountEvents(f.userID, model.UsageKindCreditGrant); n != 1 {
		t.Errorf("credit_grant events = %d, want 1", n)
	}
}

func TestPaymentReconciler_Commit_AdvisorySession(t *testing.T) {
	f := newPaymentFixture(t)
	co := f.checkout(t, "advisory_session")

	if _, err := f.rec.Commit(context.Background(), co.Token); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sessions, _ := f.credits.SessionsRemaining(context.Background(), f.userID)
	if sessions != 1 {
		t.Errorf("sessions = %d, want 1", sessions)
	}
	if n := f.ledger.CountEvents(f.userID, model.UsageKindCreditGrant); n != 0 {
		t.Errorf("credit_grant events = %d, want 0", n)
	}
}

func TestPaymentReconciler_Commit_Rejected(t *testing.T) {
	f := newPaymentFixture(t)
	co := f.checkout(t, "credits_50")
	f.gateway.commitFn = func(ctx context.Context, token string) (*webpay.CommitResponse, error) {
		return &webpay.CommitResponse{Status: "FAILED", ResponseCode: -1, BuyOrder: co.BuyOrder, SessionID: f.userID, Amount: 4990}, nil
	}

	_, err := f.rec.Commit(context.Background(), co.Token)
	if !errors.Is(err, model.ErrPaymentRejected) {
		t.Fatalf("err = %v, want ErrPaymentRejected", err)
	}
	if n := f.ledger.CountEvents(f.userID, model.UsageKindCreditGrant); n != 0 {
		t.Errorf("credit_grant events = %d, want 0", n)
	}
	if f.orders.status(co.Token) != model.PaymentStatusRejected {
		t.Errorf("status = %s, want rejected", f.orders.status(co.Token))
	}

	// 拒否済みの注文はゲートウェイに再送しない
	if _, err := f.rec.Commit(context.Background(), co.Token); !errors.Is(err, model.ErrPaymentRejected) {
		t.Errorf("second commit err = %v, want ErrPaymentRejected", err)
	}
	if f.gateway.commitCalls != 1 {
		t.Errorf("gateway commit calls = %d, want 1", f.gateway.commitCalls)
	}
}

func TestPaymentReconciler_Commit_Mismatch(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *webpay.CommitResponse)
	}{
		{"注文番号", func(r *webpay.CommitResponse) { r.BuyOrder = "CR001-000000000000" }},
		{"セッションID", func(r *webpay.CommitResponse) { r.SessionID = uuid.New().String() }},
		{"金額", func(r *webpay.CommitResponse) { r.Amount = 1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPaymentFixture(t)
			co := f.checkout(t, "credits_50")
			authorized := f.gateway.commitFn
			f.gateway.commitFn = func(ctx context.Context, token string) (*webpay.CommitResponse, error) {
				resp, _ := authorized(ctx, token)
				tt.mutate(resp)
				return resp, nil
			}

			_, err := f.rec.Commit(context.Background(), co.Token)
			if !errors.Is(err, model.ErrPaymentMismatch) {
				t.Fatalf("err = %v, want ErrPaymentMismatch", err)
			}
			if n := f.ledger.CountEvents(f.userID, model.UsageKindCreditGrant); n != 0 {
				t.Errorf("credit_grant events = %d, want 0", n)
			}
		})
	}
}

func TestPaymentReconciler_Commit_UnknownToken(t *testing.T) {
	f := newPaymentFixture(t)
	f.gateway.commitFn = func(ctx context.Context, token string) (*webpay.CommitResponse, error) {
		t.Fatal("gateway must not be called for unknown tokens")
		return nil, nil
	}

	if _, err := f.rec.Commit(context.Background(), "nope"); !errors.Is(err, model.ErrOrderNotFound) {
		t.Errorf("err = %v, want ErrOrderNotFound", err)
	}
}

func TestPaymentReconciler_Commit_GatewayError(t *testing.T) {
	f := newPaymentFixture(t)
	co := f.checkout(t, "credits_50")
	f.gateway.commitFn = func(ctx context.Context, token string) (*webpay.CommitResponse, error) {
		return nil, webpay.ErrGateway
	}

	if _, err := f.rec.Commit(context.Background(), co.Token); !errors.Is(err, webpay.ErrGateway) {
		t.Errorf("err = %v, want ErrGateway", err)
	}
	if f.orders.status(co.Token) != model.PaymentStatusPending {
		t.Errorf("status = %s, want pending", f.orders.status(co.Token))
	}
}

func TestPaymentReconciler_Abort(t *testing.T) {
	f := newPaymentFixture(t)
	co := f.checkout(t, "credits_50")

	if err := f.rec.Abort(context.Background(), co.Token); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.orders.status(co.Token) != model.PaymentStatusAborted {
		t.Errorf("status = %s, want aborted", f.orders.status(co.Token))
	}
	if err := f.rec.Abort(context.Background(), "nope"); !errors.Is(err, model.ErrOrderNotFound) {
		t.Errorf("err = %v, want ErrOrderNotFound", err)
	}
}

func TestNewPaymentReconciler_NilLoggerDefaults(t *testing.T) {
	r := NewPaymentReconciler(&mockGateway{}, newMemOrders(), nil, nil, nil)
	if r.logger == nil {
		t.Fatal("logger should default to slog.Default()")
	}
	if r.metrics == nil {
		t.Fatal("metrics should default to Nop")
	}
}
