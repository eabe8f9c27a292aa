package repository

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/arete-app/arete/internal/database"
	"github.com/arete-app/arete/internal/model"
)

// openLedgerTestDB は実DBでの台帳テスト用に接続する。
// databaseパッケージのテストはテーブルをドロップするため、
// TEST_DATABASE_URL が明示されたときだけ実行する（go test -p 1 を想定）。
func openLedgerTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL が未設定のためスキップ")
	}

	db, err := database.Open(dbURL, database.PoolConfig{MaxOpenConns: 32})
	if err != nil {
		t.Fatalf("データベースへの接続に失敗: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("テスト用データベースに接続できません（スキップ）: %v", err)
	}
	if _, err := database.RunMigrations(dbURL); err != nil {
		db.Close()
		t.Fatalf("マイグレーションに失敗: %v", err)
	}

	t.Cleanup(func() { db.Close() })
	return db
}

func createLedgerTestUser(t *testing.T, db *sql.DB) string {
	t.Helper()

	id := uuid.New().String()
	now := time.Now()
	user := &model.User{ID: id, Email: id + "@example.com", Name: "ledger", CreatedAt: now, UpdatedAt: now}
	identity := &model.Identity{ID: uuid.New().String(), UserID: id, Provider: "google", ProviderUserID: id, CreatedAt: now}
	if err := NewPostgresUserRepo(db).CreateWithIdentity(context.Background(), user, identity); err != nil {
		t.Fatalf("ユーザー作成に失敗: %v", err)
	}
	return id
}

// 同時の引き落としで残高が負にならず、成功数が残高を超えないこと
func TestPostgresLedgerRepo_ConcurrentDebits_NeverOverspend(t *testing.T) {
	db := openLedgerTestDB(t)
	repo := NewPostgresLedgerRepo(db)
	userID := createLedgerTestUser(t, db)
	ctx := context.Background()

	const workers = 30
	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := repo.Debit(ctx, userID, fmt.Sprintf("req-%d", i), 1)
			if err != nil {
				t.Errorf("Debit failed: %v", err)
				return
			}
			if out.Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if applied != int(model.SeedCredits) {
		t.Errorf("applied = %d, want %d", applied, model.SeedCredits)
	}

	wallet, err := repo.GetOrCreateWallet(ctx, userID)
	if err != nil {
		t.Fatalf("GetOrCreateWallet failed: %v", err)
	}
	if wallet.CreditsRemaining != 0 {
		t.Errorf("CreditsRemaining = %d, want 0", wallet.CreditsRemaining)
	}
}

// 同じキーの同時引き落としは1回だけ適用されること
func TestPostgresLedgerRepo_ConcurrentSameKey_AppliesOnce(t *testing.T) {
	db := openLedgerTestDB(t)
	repo := NewPostgresLedgerRepo(db)
	userID := createLedgerTestUser(t, db)
	ctx := context.Background()

	const workers = 10
	var wg sync.WaitGroup
	results := make([]*model.LedgerOutcome, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := repo.Debit(ctx, userID, "same-key", 1)
			if err != nil {
				t.Errorf("Debit failed: %v", err)
				return
			}
			results[i] = out
		}(i)
	}
	wg.Wait()

	appliedCount := 0
	for _, r := range results {
		if r == nil {
			continue
		}
		if r.Applied {
			appliedCount++
		}
		// 再送も初回と同じ残高を返す
		if r.CreditsRemaining != model.SeedCredits-1 {
			t.Errorf("CreditsRemaining = %d, want %d", r.CreditsRemaining, model.SeedCredits-1)
		}
	}
	if appliedCount != 1 {
		t.Errorf("applied count = %d, want 1", appliedCount)
	}

	var events int
	if err := db.QueryRow(
		`SELECT count(*) FROM usage_events WHERE user_id = $1 AND kind = 'debit'`, userID,
	).Scan(&events); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if events != 1 {
		t.Errorf("debit events = %d, want 1", events)
	}
}

// ウォレット残高は常に台帳のクレジット系合計と一致すること
func TestPostgresLedgerRepo_WalletMatchesLedger(t *testing.T) {
	db := openLedgerTestDB(t)
	repo := NewPostgresLedgerRepo(db)
	userID := createLedgerTestUser(t, db)
	ctx := context.Background()

	if _, err := repo.Debit(ctx, userID, "r1", 5); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Credit(ctx, userID, model.UsageKindRefund, "refund:r1", 2); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Credit(ctx, userID, model.UsageKindCreditGrant, "tbk:abc", 50); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Credit(ctx, userID, model.UsageKindCreditGrant, "tbk:abc", 50); err != nil {
		t.Fatal(err)
	}

	var ledgerSum int64
	if err := db.QueryRow(
		`SELECT COALESCE(SUM(qty), 0) FROM usage_events
		 WHERE user_id = $1 AND kind IN ('seed', 'debit', 'refund', 'credit_grant')`, userID,
	).Scan(&ledgerSum); err != nil {
		t.Fatal(err)
	}

	wallet, err := repo.GetOrCreateWallet(ctx, userID)
	if err != nil {
		t.Fatal(err)
	}
	if wallet.CreditsRemaining != ledgerSum {
		t.Errorf("wallet = %d, ledger = %d", wallet.CreditsRemaining, ledgerSum)
	}
	if wallet.CreditsRemaining != 20-5+2+50 {
		t.Errorf("wallet = %d, want 67", wallet.CreditsRemaining)
	}
}

// 新規ユーザーへの同時の初回アクセスでもウォレットと seed は1つだけ作られること
func TestPostgresLedgerRepo_ConcurrentGetOrCreateWallet_SeedsOnce(t *testing.T) {
	db := openLedgerTestDB(t)
	repo := NewPostgresLedgerRepo(db)
	userID := createLedgerTestUser(t, db)
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			wallet, err := repo.GetOrCreateWallet(ctx, userID)
			if err != nil {
				t.Errorf("GetOrCreateWallet failed: %v", err)
				return
			}
			if wallet.CreditsRemaining != model.SeedCredits {
				t.Errorf("CreditsRemaining = %d, want %d", wallet.CreditsRemaining, model.SeedCredits)
			}
		}()
	}
	close(start)
	wg.Wait()

	var wallets int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM credit_wallets WHERE user_id = $1`, userID).Scan(&wallets); err != nil {
		t.Fatalf("ウォレット数の取得に失敗: %v", err)
	}
	if wallets != 1 {
		t.Errorf("credit_wallets rows = %d, want 1", wallets)
	}

	var remaining int64
	if err := db.QueryRowContext(ctx, `SELECT credits_remaining FROM credit_wallets WHERE user_id = $1`, userID).Scan(&remaining); err != nil {
		t.Fatalf("残高の取得に失敗: %v", err)
	}
	if remaining != model.SeedCredits {
		t.Errorf("credits_remaining = %d, want %d", remaining, model.SeedCredits)
	}

	var seeds int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM usage_events WHERE user_id = $1 AND kind = $2`,
		userID, string(model.UsageKindSeed),
	).Scan(&seeds); err != nil {
		t.Fatalf("seed イベント数の取得に失敗: %v", err)
	}
	if seeds != 1 {
		t.Errorf("seed events = %d, want 1", seeds)
	}
}
