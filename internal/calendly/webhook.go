package calendly

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/arete-app/arete/internal/model"
)

// EventType はCalendly Webhookのイベント種別。
type EventType string

const (
	EventInviteeCreated  EventType = "invitee.created"
	EventInviteeCanceled EventType = "invitee.canceled"
)

// WebhookEvent は照合に必要な項目だけを取り出したWebhookイベント。
type WebhookEvent struct {
	Type       EventType
	Email      string
	EventURI   string
	InviteeURI string
}

// webhookBody は入れ子形式とv2のフラット形式の両方を受けるための構造。
type webhookBody struct {
	Event   string `json:"event"`
	Payload struct {
		// 入れ子形式
		Invitee *struct {
			Email string `json:"email"`
			URI   string `json:"uri"`
		} `json:"invitee"`
		// v2 では event が予約イベントのURI文字列、旧形式ではオブジェクト
		Event json.RawMessage `json:"event"`
		// v2 フラット形式
		Email string `json:"email"`
		URI   string `json:"uri"`
	} `json:"payload"`
}

// ParseWebhook はWebhook本文を解釈する。
// 対象外のイベント種別は model.ErrEventIgnored、解釈できない本文は model.ErrInvalidPayload を返す。
func ParseWebhook(body []byte) (*WebhookEvent, error) {
	var raw webhookBody
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidPayload, err)
	}

	ev := &WebhookEvent{Type: EventType(strings.TrimSpace(raw.Event))}
	switch ev.Type {
	case EventInviteeCreated, EventInviteeCanceled:
	case "":
		return nil, fmt.Errorf("%w: missing event type", model.ErrInvalidPayload)
	default:
		return nil, fmt.Errorf("%w: %s", model.ErrEventIgnored, ev.Type)
	}

	if inv := raw.Payload.Invitee; inv != nil {
		ev.Email = inv.Email
		ev.InviteeURI = inv.URI
	}
	if ev.Email == "" {
		ev.Email = raw.Payload.Email
	}
	if ev.InviteeURI == "" {
		ev.InviteeURI = raw.Payload.URI
	}
	ev.EventURI = parseEventURI(raw.Payload.Event)

	ev.Email = strings.TrimSpace(ev.Email)
	ev.EventURI = strings.TrimSpace(ev.EventURI)
	ev.InviteeURI = strings.TrimSpace(ev.InviteeURI)

	if ev.Email == "" && ev.EventURI == "" && ev.InviteeURI == "" {
		return nil, fmt.Errorf("%w: no invitee identity", model.ErrInvalidPayload)
	}
	return ev, nil
}

func parseEventURI(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.URI
	}
	return ""
}
