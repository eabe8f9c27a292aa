// Package reconcile は外部プロバイダ（Webpay, Calendly）からの通知を
// 冪等な台帳操作に変換する。
//
// 同じ外部イベントは常に同じ冪等キーに変換されるため、
// 再送・二重通知・ブラウザの再読み込みは台帳に二度反映されない。
package reconcile

import (
	"strings"

	"github.com/arete-app/arete/internal/model"
)

const (
	paymentKeyPrefix    = "tbk:"
	schedulingKeyPrefix = "cal:"
)

// 予約イベントの正規化された種別。キーの一部になる。
const (
	KindScheduled = "scheduled"
	KindCanceled  = "canceled"
)

// PaymentKey は決済トークンから付与の冪等キーを導出する。
func PaymentKey(token string) string {
	return paymentKeyPrefix + token
}

// SchedulingKey は予約イベントから冪等キーを導出する。
// 識別子は eventURI、inviteeURI、メールアドレスの順に優先する。
// Webhookとクライアントからの確定は同じ予約に対して同じキーになる。
func SchedulingKey(kind, eventURI, inviteeURI, email string) string {
	id := strings.TrimSpace(eventURI)
	if id == "" {
		id = strings.TrimSpace(inviteeURI)
	}
	if id == "" {
		id = "email:" + model.NormalizeEmail(email)
	}
	return schedulingKeyPrefix + kind + ":" + id
}
