package model

import (
	"strings"
	"time"
)

// ProviderGoogle は現在サポートする唯一のIdP。
const ProviderGoogle = "google"

// User はAretéの利用者を表す。クレジットウォレットと1対1で対応する。
// Email はCalendlyの予約者照合に使うため、小文字に正規化して保存する。
type User struct {
	ID        string
	Email     string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NormalizeEmail は照合用にメールアドレスを正規化する。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Identity はIdPのアカウントとUserの紐付け。
type Identity struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID string
	CreatedAt      time.Time
}

// Session はログインセッション。
// Email は検索時にusersテーブルから結合して埋める。
type Session struct {
	ID        string
	UserID    string
	Email     string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// ExpiredAt は時刻tの時点でセッションが失効しているかを返す。
func (s *Session) ExpiredAt(t time.Time) bool {
	return !t.Before(s.ExpiresAt)
}
