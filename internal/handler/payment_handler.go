package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/arete-app/arete/internal/logger"
	"github.com/arete-app/arete/internal/middleware"
	"github.com/arete-app/arete/internal/model"
	"github.com/arete-app/arete/internal/reconcile"
)

const maxReturnBodySize = 16 << 10

// 失敗時のリダイレクト先に付ける理由。
const (
	returnReasonAborted  = "aborted"
	returnReasonMissing  = "missing_token"
	returnReasonRejected = "rejected"
	returnReasonMismatch = "mismatch"
	returnReasonNotFound = "not_found"
	returnReasonError    = "error"
)

// PaymentServiceInterface は決済ハンドラーが必要とする照合処理。
type PaymentServiceInterface interface {
	Create(ctx context.Context, userID, productCode, returnURL string) (*reconcile.Checkout, error)
	Commit(ctx context.Context, token string) (*reconcile.CommitResult, error)
	Abort(ctx context.Context, token string) error
}

// PaymentHandlerConfig は決済ハンドラーの設定。
type PaymentHandlerConfig struct {
	ReturnURL  string // Webpayからの戻り先（このサーバーの /api/payments/webpay/return）
	SuccessURL string
	FailureURL string
}

// PaymentHandler はWebpay決済のHTTPハンドラー。
type PaymentHandler struct {
	service PaymentServiceInterface
	config  PaymentHandlerConfig
}

// NewPaymentHandler はPaymentHandlerを生成する。
func NewPaymentHandler(service PaymentServiceInterface, config PaymentHandlerConfig) *PaymentHandler {
	return &PaymentHandler{
		service: service,
		config:  config,
	}
}

type createPaymentRequest struct {
	Product string `json:"product"`
}

type createPaymentResponse struct {
	URL      string `json:"url"`
	Token    string `json:"token"`
	BuyOrder string `json:"buy_order"`
	Product  string `json:"product"`
	Amount   int64  `json:"amount"`
}

type productResponse struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	Amount   int64  `json:"amount"`
	Credits  int64  `json:"credits,omitempty"`
	Sessions int64  `json:"sessions,omitempty"`
}

// ListProducts は購入可能な商品一覧を返す。
// GET /api/payments/products
func (h *PaymentHandler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products := reconcile.Products()
	resp := make([]productResponse, len(products))
	for i, p := range products {
		resp[i] = productResponse{
			Code:     p.Code,
			Name:     p.Name,
			Amount:   p.Amount,
			Credits:  p.Credits,
			Sessions: p.Sessions,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreatePayment は商品の取引を作成し、Webpayの支払い画面の情報を返す。
// ブラウザは url に token_ws をPOSTして支払い画面へ遷移する。
// POST /api/payments/webpay
func (h *PaymentHandler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	var req createPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("invalid JSON body"))
		return
	}
	code := strings.TrimSpace(req.Product)
	if code == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("product is required"))
		return
	}

	checkout, err := h.service.Create(r.Context(), userID, code, h.config.ReturnURL)
	if err != nil {
		if errors.Is(err, model.ErrUnknownProduct) {
			writeAPIErrorResponse(w, http.StatusBadRequest, model.NewUnknownProductError(code))
			return
		}
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, createPaymentResponse{
		URL:      checkout.URL,
		Token:    checkout.Token,
		BuyOrder: checkout.BuyOrder,
		Product:  checkout.Product.Code,
		Amount:   checkout.Product.Amount,
	})
}

// WebpayReturn はWebpayからの戻りを処理する。
// 結果にかかわらずブラウザを成功または失敗ページへ303でリダイレクトする。
// GET/POST /api/payments/webpay/return
func (h *PaymentHandler) WebpayReturn(w http.ResponseWriter, r *http.Request) {
	token, abortToken := readReturnTokens(r)

	// TBK_TOKEN はユーザーが支払い画面で中断した場合に送られる
	if abortToken != "" {
		if err := h.service.Abort(r.Context(), abortToken); err != nil && !errors.Is(err, model.ErrOrderNotFound) {
			slog.Warn("failed to abort payment order",
				slog.String("token", logger.MaskToken(abortToken)),
				slog.String("error", err.Error()),
			)
		}
		h.redirect(w, r, h.config.FailureURL, url.Values{"reason": {returnReasonAborted}})
		return
	}
	if token == "" {
		h.redirect(w, r, h.config.FailureURL, url.Values{"reason": {returnReasonMissing}})
		return
	}

	result, err := h.service.Commit(r.Context(), token)
	if err != nil {
		reason := returnReasonError
		switch {
		case errors.Is(err, model.ErrPaymentRejected):
			reason = returnReasonRejected
		case errors.Is(err, model.ErrPaymentMismatch):
			reason = returnReasonMismatch
		case errors.Is(err, model.ErrOrderNotFound):
			reason = returnReasonNotFound
		default:
			slog.Error("failed to commit webpay transaction",
				slog.String("token", logger.MaskToken(token)),
				slog.String("error", err.Error()),
			)
		}
		h.redirect(w, r, h.config.FailureURL, url.Values{"reason": {reason}})
		return
	}

	h.redirect(w, r, h.config.SuccessURL, url.Values{"product": {result.Product.Code}})
}

// readReturnTokens は戻りリクエストから確定用トークンと中断トークンを取り出す。
// 確定用トークンは本文（フォームの token_ws またはJSONの token）、クエリの token_ws / token の順に探す。
func readReturnTokens(r *http.Request) (token, abortToken string) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if r.Method == http.MethodPost && mediaType == "application/json" {
		var body struct {
			Token    string `json:"token"`
			TokenWS  string `json:"token_ws"`
			TBKToken string `json:"TBK_TOKEN"`
		}
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxReturnBodySize))
		if err == nil && json.Unmarshal(raw, &body) == nil {
			token = firstNonEmpty(body.TokenWS, body.Token)
			abortToken = body.TBKToken
		}
	} else {
		r.Body = io.NopCloser(io.LimitReader(r.Body, maxReturnBodySize))
		if err := r.ParseForm(); err != nil {
			slog.Warn("failed to parse webpay return form", slog.String("error", err.Error()))
		}
		token = r.PostForm.Get("token_ws")
		abortToken = r.PostForm.Get("TBK_TOKEN")
	}

	q := r.URL.Query()
	token = firstNonEmpty(token, q.Get("token_ws"), q.Get("token"))
	abortToken = firstNonEmpty(abortToken, q.Get("TBK_TOKEN"))
	return strings.TrimSpace(token), strings.TrimSpace(abortToken)
}

// redirect は base にクエリを付けて303でリダイレクトする。
func (h *PaymentHandler) redirect(w http.ResponseWriter, r *http.Request, base string, params url.Values) {
	target := base
	if u, err := url.Parse(base); err == nil {
		q := u.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Set(k, v)
			}
		}
		u.RawQuery = q.Encode()
		target = u.String()
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
