// Package webpay はTransbank Webpay Plus REST APIのクライアントを提供する。
// 取引の作成（Create）と確定（Commit）のみを扱う。
package webpay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

const (
	// IntegrationBaseURL は結合試験環境のホスト。
	IntegrationBaseURL = "https://webpay3gint.transbank.cl"
	// ProductionBaseURL は本番環境のホスト。
	ProductionBaseURL = "https://webpay3g.transbank.cl"

	// IntegrationCommerceCode は結合試験環境の公開コマースコード。
	IntegrationCommerceCode = "597055555532"
	// IntegrationAPIKey は結合試験環境の公開APIキー。
	IntegrationAPIKey = "579B532A7440BB0C9079DED94D31EA1615BACEB56610332264630D42D0A36B1C"

	transactionsPath = "/rswebpaytransaction/api/webpay/v1.2/transactions"
	maxResponseSize  = 1 << 20

	// StatusAuthorized は承認済み取引のステータス。
	StatusAuthorized = "AUTHORIZED"
)

// ErrGateway はゲートウェイ呼び出しの失敗を表す。
var ErrGateway = errors.New("webpay gateway error")

// Config はクライアントの設定。
type Config struct {
	// Environment は "integration" または "production"。
	Environment  string
	CommerceCode string
	APIKey       string
	// BaseURL が空でなければEnvironmentより優先する。
	BaseURL string
}

// BaseURLFor は設定に対応するホストを返す。
func (c Config) BaseURLFor() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	if c.Environment == "production" {
		return ProductionBaseURL
	}
	return IntegrationBaseURL
}

// CreateResponse は取引作成の応答。ユーザーを url へ token_ws 付きでPOSTさせる。
type CreateResponse struct {
	Token string `json:"token"`
	URL   string `json:"url"`
}

// CommitResponse は取引確定の応答。
type CommitResponse struct {
	VCI                string     `json:"vci"`
	Amount             int64      `json:"amount"`
	Status             string     `json:"status"`
	BuyOrder           string     `json:"buy_order"`
	SessionID          string     `json:"session_id"`
	CardDetail         CardDetail `json:"card_detail"`
	AccountingDate     string     `json:"accounting_date"`
	TransactionDate    string     `json:"transaction_date"`
	AuthorizationCode  string     `json:"authorization_code"`
	PaymentTypeCode    string     `json:"payment_type_code"`
	ResponseCode       int        `json:"response_code"`
	InstallmentsNumber int        `json:"installments_number"`
}

// CardDetail はカード番号の下4桁を保持する。
type CardDetail struct {
	CardNumber string `json:"card_number"`
}

// Authorized は取引が承認されたかどうかを返す。
// response_code が0かつ status が AUTHORIZED の場合のみ承認とみなす。
func (r *CommitResponse) Authorized() bool {
	return r.ResponseCode == 0 && r.Status == StatusAuthorized
}

type createRequest struct {
	BuyOrder  string `json:"buy_order"`
	SessionID string `json:"session_id"`
	Amount    int64  `json:"amount"`
	ReturnURL string `json:"return_url"`
}

type errorResponse struct {
	ErrorMessage string `json:"error_message"`
}

// Client はWebpay Plus APIのクライアント。
type Client struct {
	httpClient   *http.Client
	logger       *slog.Logger
	baseURL      string
	commerceCode string
	apiKey       string
}

// NewClient はClientの新しいインスタンスを生成する。
// コマースコードとAPIキーが空の場合は結合試験環境の公開値を使う。
func NewClient(httpClient *http.Client, logger *slog.Logger, cfg Config) *Client {
	commerceCode := cfg.CommerceCode
	apiKey := cfg.APIKey
	if commerceCode == "" && apiKey == "" {
		commerceCode = IntegrationCommerceCode
		apiKey = IntegrationAPIKey
	}
	return &Client{
		httpClient:   httpClient,
		logger:       logger,
		baseURL:      cfg.BaseURLFor(),
		commerceCode: commerceCode,
		apiKey:       apiKey,
	}
}

// Create は取引を作成する。sessionID にはユーザーIDを渡す。
func (c *Client) Create(ctx context.Context, buyOrder, sessionID string, amount int64, returnURL string) (*CreateResponse, error) {
	payload, err := json.Marshal(createRequest{
		BuyOrder:  buyOrder,
		SessionID: sessionID,
		Amount:    amount,
		ReturnURL: returnURL,
	})
	if err != nil {
		return nil, fmt.Errorf("リクエストのエンコードに失敗しました: %w", err)
	}

	var out CreateResponse
	if err := c.do(ctx, http.MethodPost, c.baseURL+transactionsPath, payload, &out); err != nil {
		return nil, err
	}
	if out.Token == "" || out.URL == "" {
		return nil, fmt.Errorf("%w: create response has no token", ErrGateway)
	}
	return &out, nil
}

// Commit は取引を確定し、ゲートウェイの判定を返す。
// 拒否された取引もエラーではなく応答として返す。
func (c *Client) Commit(ctx context.Context, token string) (*CommitResponse, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: token is required", ErrGateway)
	}

	var out CommitResponse
	target := c.baseURL + transactionsPath + "/" + url.PathEscape(token)
	if err := c.do(ctx, http.MethodPut, target, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, target string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Tbk-Api-Key-Id", c.commerceCode)
	req.Header.Set("Tbk-Api-Key-Secret", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("Webpay APIの呼び出しに失敗しました",
			slog.String("method", method),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: %v", ErrGateway, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%w: レスポンスボディの読み取りに失敗しました: %v", ErrGateway, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		var apiErr errorResponse
		_ = json.Unmarshal(respBody, &apiErr)
		c.logger.Error("Webpay APIがエラーステータスを返しました",
			slog.String("method", method),
			slog.Int("http_status", resp.StatusCode),
			slog.String("error_message", apiErr.ErrorMessage),
		)
		if apiErr.ErrorMessage != "" {
			return fmt.Errorf("%w: status %d: %s", ErrGateway, resp.StatusCode, apiErr.ErrorMessage)
		}
		return fmt.Errorf("%w: status %d", ErrGateway, resp.StatusCode)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		c.logger.Error("Webpay APIのレスポンスのパースに失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: レスポンスJSONのパースに失敗しました: %v", ErrGateway, err)
	}
	return nil
}
