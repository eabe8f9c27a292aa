package calendly

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/arete-app/arete/internal/model"
)

const (
	// DefaultAPIHost はCalendly APIのホスト。照会先URIはこのホストに限る。
	DefaultAPIHost = "api.calendly.com"
	// maxResponseSize はAPIレスポンスの最大サイズ。
	maxResponseSize = 1 << 20
)

// Client はCalendly APIのクライアント。
// 照会先のURIはクライアント（ブラウザ）から渡されるため、
// https かつ許可ホストのURIのみ照会する。
type Client struct {
	httpClient  *http.Client
	logger      *slog.Logger
	token       string
	allowedHost string // テスト用に差し替え可能
}

// NewClient はClientの新しいインスタンスを生成する。
// httpClientにはSSRF防止付きのクライアントを渡すこと。
func NewClient(httpClient *http.Client, logger *slog.Logger, token string) *Client {
	return &Client{
		httpClient:  httpClient,
		logger:      logger,
		token:       token,
		allowedHost: DefaultAPIHost,
	}
}

type inviteeResponse struct {
	Resource *struct {
		Email string `json:"email"`
	} `json:"resource"`
	Email string `json:"email"`
}

type inviteeListResponse struct {
	Collection []struct {
		Email string `json:"email"`
	} `json:"collection"`
}

// FetchInviteeEmails は予約者のメールアドレスを取得する。
// inviteeURIがあれば予約者リソースを、無ければ予約イベントの予約者一覧を照会する。
func (c *Client) FetchInviteeEmails(ctx context.Context, eventURI, inviteeURI string) ([]string, error) {
	if c.token == "" {
		return nil, fmt.Errorf("%w: calendly api token is not configured", model.ErrProviderFetch)
	}

	if inviteeURI != "" {
		target, err := c.checkURI(inviteeURI)
		if err != nil {
			return nil, err
		}
		var resp inviteeResponse
		if err := c.getJSON(ctx, target, &resp); err != nil {
			return nil, err
		}
		email := resp.Email
		if resp.Resource != nil && resp.Resource.Email != "" {
			email = resp.Resource.Email
		}
		if email == "" {
			return nil, fmt.Errorf("%w: invitee has no email", model.ErrProviderFetch)
		}
		return []string{email}, nil
	}

	if eventURI == "" {
		return nil, fmt.Errorf("%w: event or invitee uri is required", model.ErrInvalidPayload)
	}
	target, err := c.checkURI(strings.TrimSuffix(eventURI, "/") + "/invitees")
	if err != nil {
		return nil, err
	}
	var list inviteeListResponse
	if err := c.getJSON(ctx, target, &list); err != nil {
		return nil, err
	}

	emails := make([]string, 0, len(list.Collection))
	for _, inv := range list.Collection {
		if inv.Email != "" {
			emails = append(emails, inv.Email)
		}
	}
	if len(emails) == 0 {
		return nil, fmt.Errorf("%w: event has no invitees", model.ErrProviderFetch)
	}
	return emails, nil
}

// checkURI はクライアントから渡されたURIが照会してよい先かを検査する。
func (c *Client) checkURI(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: invalid uri", model.ErrInvalidPayload)
	}
	if u.Scheme != "https" || !strings.EqualFold(u.Host, c.allowedHost) || u.User != nil {
		return "", fmt.Errorf("%w: uri must point to %s", model.ErrInvalidPayload, c.allowedHost)
	}
	return u.String(), nil
}

func (c *Client) getJSON(ctx context.Context, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("Calendly APIの呼び出しに失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: %v", model.ErrProviderFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("Calendly APIがエラーステータスを返しました",
			slog.Int("http_status", resp.StatusCode),
		)
		return fmt.Errorf("%w: status %d", model.ErrProviderFetch, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrProviderFetch, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		c.logger.Error("Calendly APIのレスポンスのパースに失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: %v", model.ErrProviderFetch, err)
	}
	return nil
}
