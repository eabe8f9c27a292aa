// Package credittest はテスト用のインメモリ台帳を提供する。
package credittest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arete-app/arete/internal/model"
	"github.com/arete-app/arete/internal/repository"
)

type eventKey struct {
	userID    string
	kind      model.UsageKind
	requestID string
}

// Ledger は repository.LedgerRepository のインメモリ実装。
// 1つのミューテックスで直列化し、PostgreSQL実装と同じ結果を返す。
type Ledger struct {
	mu      sync.Mutex
	users   map[string]bool
	wallets map[string]*model.CreditWallet
	events  []*model.UsageEvent
	index   map[eventKey]*model.UsageEvent

	// CreditErr が設定されている間、Credit はこのエラーを返す。
	CreditErr error
}

// NewLedger は指定ユーザーが存在する台帳を生成する。
func NewLedger(userIDs ...string) *Ledger {
	l := &Ledger{
		users:   make(map[string]bool),
		wallets: make(map[string]*model.CreditWallet),
		index:   make(map[eventKey]*model.UsageEvent),
	}
	for _, id := range userIDs {
		l.users[id] = true
	}
	return l
}

// AddUser はユーザーを追加する。
func (l *Ledger) AddUser(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.users[userID] = true
}

// SetCreditErr はCreditの失敗を注入する。nilで解除する。
func (l *Ledger) SetCreditErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.CreditErr = err
}

// Events は指定ユーザーのイベントを記録順に返す。
func (l *Ledger) Events(userID string) []model.UsageEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []model.UsageEvent
	for _, ev := range l.events {
		if ev.UserID == userID {
			out = append(out, *ev)
		}
	}
	return out
}

// CountEvents は指定ユーザー・種別のイベント数を返す。
func (l *Ledger) CountEvents(userID string, kind model.UsageKind) int {
	n := 0
	for _, ev := range l.Events(userID) {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// CreditSum はクレジット系イベントの合計を返す。ウォレット残高と一致するはず。
func (l *Ledger) CreditSum(userID string) int64 {
	var sum int64
	for _, ev := range l.Events(userID) {
		if ev.Kind.AffectsCredits() {
			sum += ev.Qty
		}
	}
	return sum
}

// WalletCount はウォレット行の数を返す。
func (l *Ledger) WalletCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.wallets)
}

func (l *Ledger) GetOrCreateWallet(ctx context.Context, userID string) (*model.CreditWallet, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, err := l.ensureWallet(userID)
	if err != nil {
		return nil, err
	}
	copied := *w
	return &copied, nil
}

func (l *Ledger) Debit(ctx context.Context, userID, requestID string, amount int64) (*model.LedgerOutcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, err := l.ensureWallet(userID)
	if err != nil {
		return nil, err
	}

	if prev, ok := l.index[eventKey{userID, model.UsageKindDebit, requestID}]; ok {
		return replay(prev), nil
	}
	if w.CreditsRemaining < amount {
		return &model.LedgerOutcome{CreditsRemaining: w.CreditsRemaining}, nil
	}

	w.CreditsRemaining -= amount
	l.append(userID, model.UsageKindDebit, requestID, -amount, &w.CreditsRemaining)
	return &model.LedgerOutcome{Applied: true, CreditsRemaining: w.CreditsRemaining}, nil
}

func (l *Ledger) Credit(ctx context.Context, userID string, kind model.UsageKind, requestID string, amount int64) (*model.LedgerOutcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.CreditErr != nil {
		return nil, l.CreditErr
	}
	if kind != model.UsageKindRefund && kind != model.UsageKindCreditGrant {
		return nil, fmt.Errorf("kind %q cannot credit a wallet", kind)
	}

	w, err := l.ensureWallet(userID)
	if err != nil {
		return nil, err
	}
	if prev, ok := l.index[eventKey{userID, kind, requestID}]; ok {
		return replay(prev), nil
	}

	w.CreditsRemaining += amount
	l.append(userID, kind, requestID, amount, &w.CreditsRemaining)
	return &model.LedgerOutcome{Applied: true, CreditsRemaining: w.CreditsRemaining}, nil
}

func (l *Ledger) AppendSessionEvent(ctx context.Context, userID string, kind model.UsageKind, requestID string, qty int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.users[userID] {
		return false, model.ErrUserNotFound
	}
	if _, ok := l.index[eventKey{userID, kind, requestID}]; ok {
		return false, nil
	}
	l.append(userID, kind, requestID, qty, nil)
	return true, nil
}

func (l *Ledger) SessionBalance(ctx context.Context, userID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var total int64
	for _, ev := range l.events {
		if ev.UserID != userID {
			continue
		}
		switch ev.Kind {
		case model.UsageKindSessionGrant:
			total += ev.Qty
		case model.UsageKindSessionUse:
			total -= ev.Qty
		}
	}
	return total, nil
}

func (l *Ledger) FindEvent(ctx context.Context, userID string, kind model.UsageKind, requestID string) (*model.UsageEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev, ok := l.index[eventKey{userID, kind, requestID}]
	if !ok {
		return nil, nil
	}
	copied := *ev
	return &copied, nil
}

func (l *Ledger) ensureWallet(userID string) (*model.CreditWallet, error) {
	if !l.users[userID] {
		return nil, model.ErrUserNotFound
	}
	if w, ok := l.wallets[userID]; ok {
		return w, nil
	}

	now := time.Now()
	w := &model.CreditWallet{
		UserID:           userID,
		CreditsRemaining: model.SeedCredits,
		Plan:             "free",
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	l.wallets[userID] = w
	l.append(userID, model.UsageKindSeed, "seed", model.SeedCredits, &w.CreditsRemaining)
	return w, nil
}

func (l *Ledger) append(userID string, kind model.UsageKind, requestID string, qty int64, balance *int64) {
	ev := &model.UsageEvent{
		ID:        uuid.New().String(),
		UserID:    userID,
		Kind:      kind,
		Qty:       qty,
		RequestID: requestID,
		CreatedAt: time.Now(),
	}
	if balance != nil {
		v := *balance
		ev.BalanceAfter = &v
	}
	l.events = append(l.events, ev)
	l.index[eventKey{userID, kind, requestID}] = ev
}

func replay(prev *model.UsageEvent) *model.LedgerOutcome {
	out := &model.LedgerOutcome{Replayed: true}
	if prev.BalanceAfter != nil {
		out.CreditsRemaining = *prev.BalanceAfter
	}
	return out
}

var _ repository.LedgerRepository = (*Ledger)(nil)
