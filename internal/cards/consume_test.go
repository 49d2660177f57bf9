package cards

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ethsmith/csc-trading-cards-api/internal/db"
)

func TestVerifyDuplicateCopies(t *testing.T) {
	copyOf := func(id string, template int64, rarity string) lockedCard {
		c := lockedCard{OwnerID: "u1"}
		c.ID = id
		c.TemplateID = template
		c.PlayerName = "player"
		c.Rarity = rarity
		return c
	}
	heldSet := func(copies ...lockedCard) map[string]lockedCard {
		m := make(map[string]lockedCard, len(copies))
		for _, c := range copies {
			m[c.ID] = c
		}
		return m
	}

	tests := []struct {
		name    string
		held    map[string]lockedCard
		cardIDs []string
		wantErr error
	}{
		{
			name: "single copy rejected",
			held: heldSet(
				copyOf("x1", 1, RarityRare),
				copyOf("y1", 2, RarityCommon), copyOf("y2", 2, RarityCommon), copyOf("y3", 2, RarityCommon),
			),
			cardIDs: []string{"x1", "y1"},
			wantErr: ErrNotDuplicate,
		},
		{
			name: "two of three accepted",
			held: heldSet(
				copyOf("y1", 2, RarityCommon), copyOf("y2", 2, RarityCommon), copyOf("y3", 2, RarityCommon),
			),
			cardIDs: []string{"y1", "y3"},
		},
		{
			name: "two different duplicate sets in one call",
			held: heldSet(
				copyOf("a1", 1, RarityRare), copyOf("a2", 1, RarityRare),
				copyOf("b1", 2, RarityEpic), copyOf("b2", 2, RarityEpic),
			),
			cardIDs: []string{"a1", "b2"},
		},
		{
			name:    "both copies of a pair accepted",
			held:    heldSet(copyOf("a1", 1, RarityRare), copyOf("a2", 1, RarityRare)),
			cardIDs: []string{"a1", "a2"},
		},
		{
			name:    "same template different rarity is not a copy",
			held:    heldSet(copyOf("a1", 1, RarityRare), copyOf("a2", 1, RarityEpic)),
			cardIDs: []string{"a1"},
			wantErr: ErrNotDuplicate,
		},
		{
			name:    "card outside the locked set",
			held:    heldSet(copyOf("a1", 1, RarityRare), copyOf("a2", 1, RarityRare)),
			cardIDs: []string{"a1", "gone"},
			wantErr: ErrCardNotFound,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := verifyDuplicateCopies(tc.cardIDs, tc.held)
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("verifyDuplicateCopies: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("error %v, want %v", err, tc.wantErr)
			}
		})
	}
}

// The tests below need a live store and skip without one.

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := db.EnsureSchema(context.Background(), pool); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return pool
}

func seedTestUser(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()
	ctx := context.Background()
	userID := "test-user-" + uuid.NewString()
	if _, err := pool.Exec(ctx, `
		INSERT INTO users (discord_id, display_name) VALUES ($1, $2)
	`, userID, "test user"); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(ctx, `DELETE FROM pack_ledger WHERE user_id = $1`, userID)
		pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE user_id = $1`, userID)
		pool.Exec(ctx, `DELETE FROM cards WHERE owner_id = $1`, userID)
		pool.Exec(ctx, `DELETE FROM gifts WHERE recipient_id = $1`, userID)
		pool.Exec(ctx, `UPDATE redemption_codes SET redeemed_by = NULL WHERE redeemed_by = $1`, userID)
		pool.Exec(ctx, `DELETE FROM users WHERE discord_id = $1`, userID)
	})
	return userID
}

func seedTestTemplate(t *testing.T, pool *pgxpool.Pool) int64 {
	t.Helper()
	ctx := context.Background()
	var id int64
	err := pool.QueryRow(ctx, `
		INSERT INTO card_templates (player_ref, player_name, season, stat_era, cosmetic_sig, games_played)
		VALUES ($1, $2, 1, 'era-1', 'sig-1', 3)
		RETURNING id
	`, uuid.NewString(), "player-"+uuid.NewString()).Scan(&id)
	if err != nil {
		t.Fatalf("seed template: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(ctx, `DELETE FROM cards WHERE template_id = $1`, id)
		pool.Exec(ctx, `DELETE FROM card_templates WHERE id = $1`, id)
	})
	return id
}

func seedTestCard(t *testing.T, pool *pgxpool.Pool, ownerID string, templateID int64, rarity string) string {
	t.Helper()
	id := uuid.NewString()
	if _, err := pool.Exec(context.Background(), `
		INSERT INTO cards (id, owner_id, template_id, rarity) VALUES ($1, $2, $3, $4)
	`, id, ownerID, templateID, rarity); err != nil {
		t.Fatalf("seed card: %v", err)
	}
	return id
}

func TestTradeInDuplicatesConcurrentLastCopies(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	svc := NewService(pool, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	userID := seedTestUser(t, pool)
	tmplA := seedTestTemplate(t, pool)
	tmplB := seedTestTemplate(t, pool)
	a1 := seedTestCard(t, pool, userID, tmplA, RarityCommon)
	a2 := seedTestCard(t, pool, userID, tmplA, RarityCommon)
	b1 := seedTestCard(t, pool, userID, tmplB, RarityCommon)
	b2 := seedTestCard(t, pool, userID, tmplB, RarityCommon)

	// One card of each pair per call: the lock sets on the submitted cards
	// alone would be disjoint, but every call must observe the whole group.
	pairs := [][]string{{a1, b1}, {a2, b2}}
	errs := make([]error, len(pairs))
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := range pairs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = svc.TradeInDuplicates(ctx, TradeInInput{
				UserID:         userID,
				CardIDs:        pairs[i],
				IdempotencyKey: uuid.NewString(),
			})
		}(i)
	}
	close(start)
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		if !errors.Is(err, ErrNotDuplicate) {
			t.Fatalf("unexpected trade-in failure: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("trade-ins succeeded = %d, want exactly 1 (errs: %v)", succeeded, errs)
	}

	var remaining int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM cards WHERE owner_id = $1`, userID).Scan(&remaining); err != nil {
		t.Fatalf("count cards: %v", err)
	}
	if remaining != 2 {
		t.Fatalf("remaining copies = %d, want 2", remaining)
	}
	var balance int64
	if err := pool.QueryRow(ctx, `SELECT pack_balance FROM users WHERE discord_id = $1`, userID).Scan(&balance); err != nil {
		t.Fatalf("read balance: %v", err)
	}
	if balance != 1 {
		t.Fatalf("pack balance = %d, want 1", balance)
	}
}

func TestTradeInLastCopies(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	svc := NewService(pool, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	userID := seedTestUser(t, pool)
	tmplX := seedTestTemplate(t, pool)
	tmplY := seedTestTemplate(t, pool)
	x1 := seedTestCard(t, pool, userID, tmplX, RarityCommon)
	y1 := seedTestCard(t, pool, userID, tmplY, RarityCommon)
	y2 := seedTestCard(t, pool, userID, tmplY, RarityCommon)
	y3 := seedTestCard(t, pool, userID, tmplY, RarityCommon)

	// The only copy of X never qualifies, even paired with a duplicate.
	_, err := svc.TradeInDuplicates(ctx, TradeInInput{
		UserID:         userID,
		CardIDs:        []string{x1, y1},
		IdempotencyKey: uuid.NewString(),
	})
	if !errors.Is(err, ErrNotDuplicate) {
		t.Fatalf("single copy of X: error %v, want ErrNotDuplicate", err)
	}

	out, err := svc.TradeInDuplicates(ctx, TradeInInput{
		UserID:         userID,
		CardIDs:        []string{y1, y3},
		IdempotencyKey: uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("trade in two of three: %v", err)
	}
	if out.CardsConsumed != 2 || out.PacksCredited != TradeInPackCredit {
		t.Fatalf("consumed %d for %d packs, want 2 for %d", out.CardsConsumed, out.PacksCredited, TradeInPackCredit)
	}

	// The surviving copy of Y is a last copy now.
	_, err = svc.TradeInDuplicates(ctx, TradeInInput{
		UserID:         userID,
		CardIDs:        []string{x1, y2},
		IdempotencyKey: uuid.NewString(),
	})
	if !errors.Is(err, ErrNotDuplicate) {
		t.Fatalf("two last copies: error %v, want ErrNotDuplicate", err)
	}

	var remaining int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM cards WHERE owner_id = $1`, userID).Scan(&remaining); err != nil {
		t.Fatalf("count cards: %v", err)
	}
	if remaining != 2 {
		t.Fatalf("remaining cards = %d, want 2 (one X, one Y)", remaining)
	}
}

func TestRedeemCodeExpiry(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	svc := NewService(pool, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	userID := seedTestUser(t, pool)

	seedCode := func(interval string) string {
		code, err := generateRedemptionCode()
		if err != nil {
			t.Fatalf("generate code: %v", err)
		}
		if _, err := pool.Exec(ctx, `
			INSERT INTO redemption_codes (code, pack_count, expires_at)
			VALUES ($1, 5, now() + $2::interval)
		`, code, interval); err != nil {
			t.Fatalf("seed code: %v", err)
		}
		t.Cleanup(func() {
			pool.Exec(ctx, `DELETE FROM redemption_codes WHERE code = $1`, code)
		})
		return code
	}

	// Expired one second ago by the store's clock, whatever ours says.
	stale := seedCode("-1 second")
	if _, err := svc.RedeemCode(ctx, userID, stale, uuid.NewString()); !errors.Is(err, ErrCodeExpired) {
		t.Fatalf("stale code: error %v, want ErrCodeExpired", err)
	}

	live := seedCode("1 hour")
	out, err := svc.RedeemCode(ctx, userID, live, uuid.NewString())
	if err != nil {
		t.Fatalf("live code: %v", err)
	}
	if out.PacksCredited != 5 || out.PackBalance != 5 {
		t.Fatalf("credited %d to balance %d, want 5 and 5", out.PacksCredited, out.PackBalance)
	}
}

func TestClaimGiftExpiry(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	svc := NewService(pool, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	userID := seedTestUser(t, pool)

	seedGift := func(interval string) int64 {
		var id int64
		err := pool.QueryRow(ctx, `
			INSERT INTO gifts (recipient_id, name, pack_count, expires_at)
			VALUES ($1, 'season reward', 3, now() + $2::interval)
			RETURNING id
		`, userID, interval).Scan(&id)
		if err != nil {
			t.Fatalf("seed gift: %v", err)
		}
		return id
	}

	stale := seedGift("-1 second")
	if _, err := svc.ClaimGift(ctx, userID, stale, uuid.NewString()); !errors.Is(err, ErrGiftExpired) {
		t.Fatalf("stale gift: error %v, want ErrGiftExpired", err)
	}

	live := seedGift("1 hour")
	out, err := svc.ClaimGift(ctx, userID, live, uuid.NewString())
	if err != nil {
		t.Fatalf("live gift: %v", err)
	}
	if out.PacksCredited != 3 || out.PackBalance != 3 {
		t.Fatalf("credited %d to balance %d, want 3 and 3", out.PacksCredited, out.PackBalance)
	}

	// The expired gift is excluded from claim-all through the same clock.
	all, err := svc.ClaimAllGifts(ctx, userID, uuid.NewString())
	if err != nil {
		t.Fatalf("claim all: %v", err)
	}
	if all.GiftsClaimed != 0 || all.PackBalance != 3 {
		t.Fatalf("claim-all picked up %d gifts at balance %d, want 0 and 3", all.GiftsClaimed, all.PackBalance)
	}
}
