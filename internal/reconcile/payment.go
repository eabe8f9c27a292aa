package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/arete-app/arete/internal/credit"
	"github.com/arete-app/arete/internal/logger"
	"github.com/arete-app/arete/internal/metrics"
	"github.com/arete-app/arete/internal/model"
	"github.com/arete-app/arete/internal/webpay"
)

// メトリクスのソースラベル。
const (
	SourceWebpay          = "webpay"
	SourceCalendlyWebhook = "calendly_webhook"
	SourceCalendlyConfirm = "calendly_confirm"
)

// PaymentGateway はWebpayの取引作成・確定のインターフェース。
type PaymentGateway interface {
	Create(ctx context.Context, buyOrder, sessionID string, amount int64, returnURL string) (*webpay.CreateResponse, error)
	Commit(ctx context.Context, token string) (*webpay.CommitResponse, error)
}

// OrderStore は決済注文の保存先。
type OrderStore interface {
	Create(ctx context.Context, order *model.PaymentOrder) error
	FindByToken(ctx context.Context, token string) (*model.PaymentOrder, error)
	UpdateStatus(ctx context.Context, id string, status model.PaymentStatus, authorizationCode string) error
}

// PaymentEntitlements は購入による付与に使う会計操作。
type PaymentEntitlements interface {
	Grant(ctx context.Context, userID, requestID string, amount int64) (*credit.CreditResult, error)
	IncrementSessions(ctx context.Context, userID, requestID string, qty int64) (*credit.SessionResult, error)
	IsProcessed(ctx context.Context, userID string, kind model.UsageKind, requestID string) (bool, error)
}

// Checkout は作成した取引の情報。ブラウザを URL へ token_ws 付きで送る。
type Checkout struct {
	Token    string
	URL      string
	BuyOrder string
	Product  Product
}

// CommitResult は取引確定の結果。
type CommitResult struct {
	OrderID string
	UserID  string
	Product Product
	// AlreadyProcessed は同じトークンの付与が既に記録済みだったかどうか。
	AlreadyProcessed bool
}

// PaymentReconciler はWebpayの取引を台帳に反映する。
type PaymentReconciler struct {
	gateway PaymentGateway
	orders  OrderStore
	ledger  PaymentEntitlements
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	now     func() time.Time
}

// NewPaymentReconciler はPaymentReconcilerの新しいインスタンスを生成する。
func NewPaymentReconciler(gateway PaymentGateway, orders OrderStore, ledger PaymentEntitlements, collector metrics.MetricsCollector, logger *slog.Logger) *PaymentReconciler {
	if collector == nil {
		collector = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentReconciler{
		gateway: gateway,
		orders:  orders,
		ledger:  ledger,
		metrics: collector,
		logger:  logger,
		now:     time.Now,
	}
}

// Create は商品の取引をゲートウェイに作成し、注文を保存する。
func (r *PaymentReconciler) Create(ctx context.Context, userID, productCode, returnURL string) (*Checkout, error) {
	product, err := ProductByCode(productCode)
	if err != nil {
		return nil, err
	}

	buyOrder := NewBuyOrder(product)
	start := r.now()
	resp, err := r.gateway.Create(ctx, buyOrder, userID, product.Amount, returnURL)
	r.metrics.RecordProviderLatency(SourceWebpay, r.now().Sub(start))
	if err != nil {
		return nil, fmt.Errorf("Webpay取引の作成に失敗しました: %w", err)
	}

	now := r.now()
	order := &model.PaymentOrder{
		ID:          uuid.New().String(),
		UserID:      userID,
		BuyOrder:    buyOrder,
		ProductCode: product.Code,
		Amount:      product.Amount,
		Token:       resp.Token,
		Status:      model.PaymentStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.orders.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("決済注文の保存に失敗しました: %w", err)
	}

	r.logger.Info("Webpay取引を作成しました",
		slog.String("user_id", userID),
		slog.String("buy_order", buyOrder),
		slog.String("product", product.Code),
		slog.Int64("amount", product.Amount),
	)

	return &Checkout{Token: resp.Token, URL: resp.URL, BuyOrder: buyOrder, Product: product}, nil
}

// Commit は戻りURLで受け取ったトークンの取引を確定し、購入した権利を付与する。
// 同じトークンで何度呼ばれても付与は1回だけ行われる。
// ゲートウェイの承認は付与より先に注文へ保存し、付与に失敗した再試行ではゲートウェイを呼ばずに付与だけをやり直す。
func (r *PaymentReconciler) Commit(ctx context.Context, token string) (*CommitResult, error) {
	order, err := r.orders.FindByToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("決済注文の取得に失敗しました: %w", err)
	}
	if order == nil {
		r.metrics.RecordReconcileEvent(SourceWebpay, metrics.OutcomeRejected)
		return nil, model.ErrOrderNotFound
	}

	product, err := ProductByCode(order.ProductCode)
	if err != nil {
		return nil, err
	}

	key := PaymentKey(token)
	result := &CommitResult{OrderID: order.ID, UserID: order.UserID, Product: product}

	// ブラウザの再読み込みなどで戻りURLが再度呼ばれた場合はゲートウェイを呼ばない
	done, err := r.ledger.IsProcessed(ctx, order.UserID, product.GrantKind(), key)
	if err != nil {
		return nil, err
	}
	if done {
		r.metrics.RecordReconcileEvent(SourceWebpay, metrics.OutcomeReplayed)
		result.AlreadyProcessed = true
		return result, nil
	}

	switch order.Status {
	case model.PaymentStatusAuthorized:
		// Transbankは同じトークンの二度目の確定を拒否するので、保存済みの承認から付与する
		r.logger.Info("承認済みの注文に付与を再適用します",
			slog.String("order_id", order.ID),
			slog.String("token", logger.MaskToken(token)),
		)
		return r.grant(ctx, order, product, key, result)
	case model.PaymentStatusRejected, model.PaymentStatusAborted:
		r.metrics.RecordReconcileEvent(SourceWebpay, metrics.OutcomeRejected)
		return nil, model.ErrPaymentRejected
	}

	start := r.now()
	resp, err := r.gateway.Commit(ctx, token)
	r.metrics.RecordProviderLatency(SourceWebpay, r.now().Sub(start))
	if err != nil {
		// 同じトークンの並行リクエストが先に確定していればゲートウェイは失敗を返す
		recovered, rerr := r.recoverCommit(ctx, token, product, key, result)
		if rerr != nil {
			return nil, rerr
		}
		if recovered != nil {
			return recovered, nil
		}
		r.metrics.RecordReconcileEvent(SourceWebpay, metrics.OutcomeFailed)
		return nil, fmt.Errorf("Webpay取引の確定に失敗しました: %w", err)
	}

	if !resp.Authorized() {
		r.logger.Info("Webpay取引が承認されませんでした",
			slog.String("order_id", order.ID),
			slog.String("token", logger.MaskToken(token)),
			slog.Int("response_code", resp.ResponseCode),
			slog.String("status", resp.Status),
		)
		if err := r.orders.UpdateStatus(ctx, order.ID, model.PaymentStatusRejected, ""); err != nil {
			r.logger.Warn("決済注文の状態更新に失敗しました",
				slog.String("order_id", order.ID),
				slog.String("error", err.Error()),
			)
		}
		r.metrics.RecordReconcileEvent(SourceWebpay, metrics.OutcomeRejected)
		return nil, model.ErrPaymentRejected
	}

	if err := verifyCommit(order, product, resp); err != nil {
		r.logger.Error("Webpayの応答が注文内容と一致しません",
			slog.String("order_id", order.ID),
			slog.String("token", logger.MaskToken(token)),
			slog.String("buy_order", resp.BuyOrder),
			slog.Int64("amount", resp.Amount),
			slog.String("error", err.Error()),
		)
		r.metrics.RecordReconcileEvent(SourceWebpay, metrics.OutcomeRejected)
		return nil, err
	}

	if err := r.orders.UpdateStatus(ctx, order.ID, model.PaymentStatusAuthorized, resp.AuthorizationCode); err != nil {
		// 保存できなくても付与は試みる。ここで止めると承認済みの購入が失われる
		r.logger.Error("承認済みの決済注文を保存できませんでした",
			slog.String("order_id", order.ID),
			slog.String("authorization_code", resp.AuthorizationCode),
			slog.String("error", err.Error()),
		)
	}

	return r.grant(ctx, order, product, key, result)
}

// recoverCommit はゲートウェイの確定失敗後に注文と台帳を読み直す。
// 他のリクエストが承認を保存済み、または付与済みであればその結果を返す。どちらでもなければ nil, nil。
func (r *PaymentReconciler) recoverCommit(ctx context.Context, token string, product Product, key string, result *CommitResult) (*CommitResult, error) {
	order, err := r.orders.FindByToken(ctx, token)
	if err == nil && order != nil && order.Status == model.PaymentStatusAuthorized {
		return r.grant(ctx, order, product, key, result)
	}

	done, err := r.ledger.IsProcessed(ctx, result.UserID, product.GrantKind(), key)
	if err != nil || !done {
		return nil, nil
	}
	r.metrics.RecordReconcileEvent(SourceWebpay, metrics.OutcomeReplayed)
	result.AlreadyProcessed = true
	return result, nil
}

// grant は承認済みの注文に対して購入した権利を付与する。キーで冪等。
func (r *PaymentReconciler) grant(ctx context.Context, order *model.PaymentOrder, product Product, key string, result *CommitResult) (*CommitResult, error) {
	replayed, err := r.apply(ctx, order.UserID, product, key)
	if err != nil {
		r.metrics.RecordReconcileEvent(SourceWebpay, metrics.OutcomeFailed)
		return nil, err
	}
	result.AlreadyProcessed = replayed

	outcome := metrics.OutcomeApplied
	if replayed {
		outcome = metrics.OutcomeReplayed
	}
	r.metrics.RecordReconcileEvent(SourceWebpay, outcome)

	r.logger.Info("Webpay取引を確定しました",
		slog.String("user_id", order.UserID),
		slog.String("order_id", order.ID),
		slog.String("product", product.Code),
		slog.Bool("replayed", replayed),
	)
	return result, nil
}

// Abort はユーザーが支払い画面で中断した注文を中断済みにする。
func (r *PaymentReconciler) Abort(ctx context.Context, token string) error {
	order, err := r.orders.FindByToken(ctx, token)
	if err != nil {
		return fmt.Errorf("決済注文の取得に失敗しました: %w", err)
	}
	if order == nil {
		return model.ErrOrderNotFound
	}
	r.metrics.RecordReconcileEvent(SourceWebpay, metrics.OutcomeIgnored)
	if order.Status != model.PaymentStatusPending {
		return nil
	}
	if err := r.orders.UpdateStatus(ctx, order.ID, model.PaymentStatusAborted, ""); err != nil {
		return fmt.Errorf("決済注文の状態更新に失敗しました: %w", err)
	}
	return nil
}

func (r *PaymentReconciler) apply(ctx context.Context, userID string, product Product, key string) (bool, error) {
	switch product.GrantKind() {
	case model.UsageKindSessionGrant:
		res, err := r.ledger.IncrementSessions(ctx, userID, key, product.Sessions)
		if err != nil {
			return false, fmt.Errorf("セッション枠の付与に失敗しました: %w", err)
		}
		return res.Skipped, nil
	default:
		res, err := r.ledger.Grant(ctx, userID, key, product.Credits)
		if err != nil {
			return false, fmt.Errorf("クレジットの付与に失敗しました: %w", err)
		}
		return res.Replayed, nil
	}
}

// verifyCommit はゲートウェイの応答が保存済みの注文と一致するかを検査する。
func verifyCommit(order *model.PaymentOrder, product Product, resp *webpay.CommitResponse) error {
	if resp.BuyOrder != order.BuyOrder {
		return fmt.Errorf("%w: buy_order", model.ErrPaymentMismatch)
	}
	if resp.SessionID != order.UserID {
		return fmt.Errorf("%w: session_id", model.ErrPaymentMismatch)
	}
	if resp.Amount != order.Amount {
		return fmt.Errorf("%w: amount", model.ErrPaymentMismatch)
	}
	bought, err := ProductFromBuyOrder(resp.BuyOrder)
	if err != nil {
		return errors.Join(model.ErrPaymentMismatch, err)
	}
	if bought.Code != product.Code {
		return fmt.Errorf("%w: product", model.ErrPaymentMismatch)
	}
	return nil
}
