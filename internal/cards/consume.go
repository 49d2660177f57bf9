package cards

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func (s *Service) RedeemCode(ctx context.Context, userID, rawCode, idempotencyKey string) (RedeemCodeResult, error) {
	var out RedeemCodeResult
	code := normalizeCode(rawCode)
	if code == "" {
		return out, fmt.Errorf("%w: code is required", ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return out, err
	}
	defer tx.Rollback(ctx)

	if err := claimIdempotency(ctx, tx, userID, idempotencyKey, "redeem_code"); err != nil {
		return out, err
	}

	var packCount int64
	var redeemedBy *string
	var expiresAt *time.Time
	var now time.Time
	err = tx.QueryRow(ctx, `
		SELECT pack_count, redeemed_by, expires_at, now()
		FROM redemption_codes
		WHERE code = $1
		FOR UPDATE
	`, code).Scan(&packCount, &redeemedBy, &expiresAt, &now)
	if err == pgx.ErrNoRows {
		return out, ErrCodeNotFound
	}
	if err != nil {
		return out, err
	}
	if redeemedBy != nil {
		return out, ErrCodeRedeemed
	}
	// Expiry is judged on the store clock, same as the claim-all filter.
	if expired(expiresAt, now) {
		return out, ErrCodeExpired
	}

	if _, err := tx.Exec(ctx, `
		UPDATE redemption_codes
		SET redeemed_by = $2, redeemed_at = now()
		WHERE code = $1
	`, code, userID); err != nil {
		return out, err
	}
	balance, err := creditPacksTx(ctx, tx, userID, packCount, "code_redeem", code, nil)
	if err != nil {
		return out, err
	}

	out = RedeemCodeResult{Code: code, PacksCredited: packCount, PackBalance: balance}
	if err := tx.Commit(ctx); err != nil {
		return out, err
	}
	s.log.Info("code redeemed", "code", code, "user_id", userID, "packs", packCount)
	return out, nil
}

func (s *Service) ListGifts(ctx context.Context, userID string, includeClaimed bool) ([]GiftView, error) {
	query := `
		SELECT id, recipient_id, name, pack_count, expires_at, claimed_at, created_at
		FROM gifts
		WHERE recipient_id = $1`
	if !includeClaimed {
		query += ` AND claimed_at IS NULL`
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.db.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]GiftView, 0)
	for rows.Next() {
		var g GiftView
		if err := rows.Scan(&g.ID, &g.RecipientID, &g.Name, &g.PackCount, &g.ExpiresAt, &g.ClaimedAt, &g.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Service) ClaimGift(ctx context.Context, userID string, giftID int64, idempotencyKey string) (ClaimGiftResult, error) {
	var out ClaimGiftResult

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return out, err
	}
	defer tx.Rollback(ctx)

	if err := claimIdempotency(ctx, tx, userID, idempotencyKey, "claim_gift"); err != nil {
		return out, err
	}

	// Scoping the lock to (id, recipient) makes someone else's gift
	// indistinguishable from a missing one.
	var packCount int64
	var claimedAt, expiresAt *time.Time
	var now time.Time
	err = tx.QueryRow(ctx, `
		SELECT pack_count, claimed_at, expires_at, now()
		FROM gifts
		WHERE id = $1 AND recipient_id = $2
		FOR UPDATE
	`, giftID, userID).Scan(&packCount, &claimedAt, &expiresAt, &now)
	if err == pgx.ErrNoRows {
		return out, ErrGiftNotFound
	}
	if err != nil {
		return out, err
	}
	if claimedAt != nil {
		return out, ErrGiftClaimed
	}
	if expired(expiresAt, now) {
		return out, ErrGiftExpired
	}

	if _, err := tx.Exec(ctx, `
		UPDATE gifts SET claimed_at = now() WHERE id = $1
	`, giftID); err != nil {
		return out, err
	}
	balance, err := creditPacksTx(ctx, tx, userID, packCount, "gift_claim", strconv.FormatInt(giftID, 10), nil)
	if err != nil {
		return out, err
	}

	out = ClaimGiftResult{GiftID: giftID, PacksCredited: packCount, PackBalance: balance}
	if err := tx.Commit(ctx); err != nil {
		return out, err
	}
	s.log.Info("gift claimed", "gift_id", giftID, "user_id", userID, "packs", packCount)
	return out, nil
}

// ClaimAllGifts claims every unclaimed, unexpired gift addressed to the user.
// No claimable gifts is a zero-effect success, not an error.
func (s *Service) ClaimAllGifts(ctx context.Context, userID, idempotencyKey string) (ClaimAllGiftsResult, error) {
	var out ClaimAllGiftsResult

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return out, err
	}
	defer tx.Rollback(ctx)

	if err := claimIdempotency(ctx, tx, userID, idempotencyKey, "claim_all_gifts"); err != nil {
		return out, err
	}

	rows, err := tx.Query(ctx, `
		SELECT id, pack_count
		FROM gifts
		WHERE recipient_id = $1
		  AND claimed_at IS NULL
		  AND (expires_at IS NULL OR expires_at > now())
		ORDER BY id
		FOR UPDATE
	`, userID)
	if err != nil {
		return out, err
	}
	var ids []int64
	var total int64
	for rows.Next() {
		var id, packs int64
		if err := rows.Scan(&id, &packs); err != nil {
			rows.Close()
			return out, err
		}
		ids = append(ids, id)
		total += packs
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return out, err
	}

	if len(ids) == 0 {
		err := tx.QueryRow(ctx, `SELECT pack_balance FROM users WHERE discord_id = $1`, userID).Scan(&out.PackBalance)
		if err == pgx.ErrNoRows {
			return out, ErrUserNotFound
		}
		if err != nil {
			return out, err
		}
		return out, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE gifts SET claimed_at = now() WHERE id = ANY($1)
	`, ids); err != nil {
		return out, err
	}
	balance, err := creditPacksTx(ctx, tx, userID, total, "gift_claim_all", "", map[string]any{"gifts": ids})
	if err != nil {
		return out, err
	}

	out = ClaimAllGiftsResult{GiftsClaimed: len(ids), PacksCredited: total, PackBalance: balance}
	if err := tx.Commit(ctx); err != nil {
		return out, err
	}
	s.log.Info("gifts claimed", "user_id", userID, "gifts", len(ids), "packs", total)
	return out, nil
}

func (s *Service) TradeInDuplicates(ctx context.Context, in TradeInInput) (TradeInResult, error) {
	var out TradeInResult
	if len(in.CardIDs) != DuplicateTradeInCount {
		return out, fmt.Errorf("%w: exactly %d cards are required", ErrInvalidInput, DuplicateTradeInCount)
	}
	if err := validateCardIDs(in.CardIDs); err != nil {
		return out, err
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return out, err
	}
	defer tx.Rollback(ctx)

	if err := claimIdempotency(ctx, tx, in.UserID, in.IdempotencyKey, "trade_in"); err != nil {
		return out, err
	}

	held, err := lockOwnedCopiesTx(ctx, tx, in.UserID, in.CardIDs)
	if err != nil {
		return out, err
	}
	if err := verifyDuplicateCopies(in.CardIDs, held); err != nil {
		if errors.Is(err, ErrCardNotFound) {
			return out, diagnoseMissingCopy(ctx, tx, in.CardIDs, held)
		}
		return out, err
	}

	cancelled, err := lockPendingTradesForCardsTx(ctx, tx, in.CardIDs)
	if err != nil {
		return out, err
	}
	if err := cancelTradesTx(ctx, tx, cancelled); err != nil {
		return out, err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM cards WHERE id = ANY($1)`, in.CardIDs); err != nil {
		return out, err
	}
	balance, err := creditPacksTx(ctx, tx, in.UserID, TradeInPackCredit, "duplicate_trade_in", "",
		map[string]any{"cards": sortedCardIDs(in.CardIDs)})
	if err != nil {
		return out, err
	}

	out = TradeInResult{
		CardsConsumed:   len(in.CardIDs),
		PacksCredited:   TradeInPackCredit,
		PackBalance:     balance,
		CancelledTrades: cancelled,
	}
	if err := tx.Commit(ctx); err != nil {
		return out, err
	}
	s.log.Info("duplicates traded in", "user_id", in.UserID, "cards", len(in.CardIDs), "cancelled_trades", len(cancelled))
	return out, nil
}

func (s *Service) CreateCode(ctx context.Context, in CreateCodeInput) (CodeView, error) {
	var out CodeView
	if in.PackCount < 1 {
		return out, fmt.Errorf("%w: pack count must be >= 1", ErrInvalidInput)
	}
	if in.CardsPerPack == 0 {
		in.CardsPerPack = DefaultPackSize
	}
	if in.CardsPerPack < 1 || in.CardsPerPack > MaxPackSize {
		return out, fmt.Errorf("%w: cards per pack must be between 1 and %d", ErrInvalidInput, MaxPackSize)
	}
	if in.GuaranteedRarity != "" && !s.rarities.Contains(in.GuaranteedRarity) {
		return out, fmt.Errorf("%w: unknown rarity %q", ErrInvalidInput, in.GuaranteedRarity)
	}
	if in.GuaranteedCount < 0 || in.GuaranteedCount > in.CardsPerPack {
		return out, fmt.Errorf("%w: guaranteed count must be between 0 and %d", ErrInvalidInput, in.CardsPerPack)
	}
	if in.GuaranteedCount > 0 && in.GuaranteedRarity == "" {
		return out, fmt.Errorf("%w: guaranteed count needs a rarity", ErrInvalidInput)
	}
	if in.ExpiresAt != nil && !in.ExpiresAt.After(time.Now()) {
		return out, fmt.Errorf("%w: expiry is in the past", ErrInvalidInput)
	}

	for attempt := 0; attempt < 5; attempt++ {
		code, err := generateRedemptionCode()
		if err != nil {
			return out, err
		}
		err = s.db.QueryRow(ctx, `
			INSERT INTO redemption_codes (code, issued_by, pack_count, cards_per_pack, guaranteed_rarity, guaranteed_count, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING created_at
		`, code, in.IssuedBy, in.PackCount, in.CardsPerPack, in.GuaranteedRarity, in.GuaranteedCount, in.ExpiresAt).
			Scan(&out.CreatedAt)
		if err == nil {
			out.Code = code
			out.IssuedBy = in.IssuedBy
			out.PackCount = in.PackCount
			out.CardsPerPack = in.CardsPerPack
			out.GuaranteedRarity = in.GuaranteedRarity
			out.GuaranteedCount = in.GuaranteedCount
			out.ExpiresAt = in.ExpiresAt
			s.log.Info("code created", "code", code, "issued_by", in.IssuedBy, "packs", in.PackCount)
			return out, nil
		}
		if !isUniqueViolation(err) {
			return out, err
		}
	}
	return out, fmt.Errorf("could not allocate a unique code")
}

func (s *Service) ListCodes(ctx context.Context, includeRedeemed bool) ([]CodeView, error) {
	query := `
		SELECT code, issued_by, pack_count, cards_per_pack, guaranteed_rarity, guaranteed_count, expires_at, redeemed_by, redeemed_at, created_at
		FROM redemption_codes`
	if !includeRedeemed {
		query += `
		WHERE redeemed_by IS NULL`
	}
	query += `
		ORDER BY created_at DESC, code`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]CodeView, 0)
	for rows.Next() {
		var c CodeView
		if err := rows.Scan(&c.Code, &c.IssuedBy, &c.PackCount, &c.CardsPerPack, &c.GuaranteedRarity,
			&c.GuaranteedCount, &c.ExpiresAt, &c.RedeemedBy, &c.RedeemedAt, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Service) CreateGift(ctx context.Context, in CreateGiftInput) (CreateGiftResult, error) {
	var out CreateGiftResult
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return out, fmt.Errorf("%w: gift name is required", ErrInvalidInput)
	}
	if in.PackCount < 1 {
		return out, fmt.Errorf("%w: pack count must be >= 1", ErrInvalidInput)
	}
	if in.Broadcast && in.RecipientID != "" {
		return out, fmt.Errorf("%w: broadcast gifts cannot name a recipient", ErrInvalidInput)
	}
	if !in.Broadcast && in.RecipientID == "" {
		return out, fmt.Errorf("%w: recipient is required", ErrInvalidInput)
	}
	if in.ExpiresAt != nil && !in.ExpiresAt.After(time.Now()) {
		return out, fmt.Errorf("%w: expiry is in the past", ErrInvalidInput)
	}

	if in.Broadcast {
		cmd, err := s.db.Exec(ctx, `
			INSERT INTO gifts (recipient_id, name, pack_count, expires_at)
			SELECT discord_id, $1, $2, $3 FROM users
		`, name, in.PackCount, in.ExpiresAt)
		if err != nil {
			return out, err
		}
		out.GiftsCreated = int(cmd.RowsAffected())
		s.log.Info("broadcast gift created", "name", name, "packs", in.PackCount, "recipients", out.GiftsCreated)
		return out, nil
	}

	var one int
	if err := s.db.QueryRow(ctx, `SELECT 1 FROM users WHERE discord_id = $1`, in.RecipientID).Scan(&one); err != nil {
		if err == pgx.ErrNoRows {
			return out, fmt.Errorf("%w: recipient %s", ErrUserNotFound, in.RecipientID)
		}
		return out, err
	}
	var id int64
	if err := s.db.QueryRow(ctx, `
		INSERT INTO gifts (recipient_id, name, pack_count, expires_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, in.RecipientID, name, in.PackCount, in.ExpiresAt).Scan(&id); err != nil {
		return out, err
	}
	out = CreateGiftResult{GiftsCreated: 1, GiftIDs: []int64{id}}
	s.log.Info("gift created", "gift_id", id, "recipient", in.RecipientID, "packs", in.PackCount)
	return out, nil
}

type copyGroup struct {
	TemplateID int64
	Rarity     string
}

// verifyDuplicateCopies enforces the trade-in rule against the locked copy
// set: every submitted card must be in it, and its (template, rarity) group
// must hold at least two copies. Each card qualifies on its own; two cards
// from two different duplicate sets are fine in one call.
func verifyDuplicateCopies(cardIDs []string, held map[string]lockedCard) error {
	counts := make(map[copyGroup]int, len(held))
	for _, c := range held {
		counts[copyGroup{c.TemplateID, c.Rarity}]++
	}
	for _, id := range cardIDs {
		c, ok := held[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrCardNotFound, id)
		}
		if counts[copyGroup{c.TemplateID, c.Rarity}] < 2 {
			return fmt.Errorf("%w: only one copy of %s (%s) held", ErrNotDuplicate, c.PlayerName, c.Rarity)
		}
	}
	return nil
}

// lockOwnedCopiesTx locks, in ascending id order, every card the owner holds
// in the (template, rarity) groups of the given cards. Copy counts that gate
// a trade-in come from these rows only, so concurrent trade-ins touching the
// same group serialize here.
func lockOwnedCopiesTx(ctx context.Context, tx pgx.Tx, ownerID string, cardIDs []string) (map[string]lockedCard, error) {
	out := make(map[string]lockedCard, len(cardIDs))
	if len(cardIDs) == 0 {
		return out, nil
	}
	rows, err := tx.Query(ctx, `
		SELECT c.id, c.owner_id, c.template_id, t.player_name, t.season, t.stat_era, c.rarity, c.acquired_at
		FROM cards c
		JOIN card_templates t ON t.id = c.template_id
		WHERE c.owner_id = $1
		  AND (c.template_id, c.rarity) IN (
			SELECT s.template_id, s.rarity FROM cards s WHERE s.id = ANY($2)
		  )
		ORDER BY c.id
		FOR UPDATE OF c
	`, ownerID, sortedCardIDs(cardIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var c lockedCard
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.TemplateID, &c.PlayerName, &c.Season, &c.StatEra, &c.Rarity, &c.AcquiredAt); err != nil {
			return nil, err
		}
		out[c.ID] = c
	}
	return out, rows.Err()
}

// diagnoseMissingCopy explains why a submitted card is absent from the
// locked copy set.
func diagnoseMissingCopy(ctx context.Context, q Querier, cardIDs []string, held map[string]lockedCard) error {
	for _, id := range cardIDs {
		if _, ok := held[id]; ok {
			continue
		}
		var one int
		err := q.QueryRow(ctx, `SELECT 1 FROM cards WHERE id = $1`, id).Scan(&one)
		if err == pgx.ErrNoRows {
			return fmt.Errorf("%w: %s", ErrCardNotFound, id)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrNotCardOwner, id)
	}
	return ErrCardNotFound
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
