package cards

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Lock discipline for every flow touching trades: card rows first in
// ascending id order, then trade rows in ascending id order, then the
// balance row. Status flips that move no cards use a single conditional
// UPDATE instead.

func (s *Service) ProposeTrade(ctx context.Context, in ProposeTradeInput) (TradeView, error) {
	var out TradeView
	if in.CounterpartyID == "" {
		return out, fmt.Errorf("%w: counterparty is required", ErrInvalidInput)
	}
	if in.ProposerID == in.CounterpartyID {
		return out, fmt.Errorf("%w: cannot trade with yourself", ErrInvalidInput)
	}
	if len(in.OfferedIDs) == 0 && len(in.RequestedIDs) == 0 {
		return out, fmt.Errorf("%w: at least one side must include cards", ErrInvalidInput)
	}
	if err := validateCardIDs(in.OfferedIDs); err != nil {
		return out, fmt.Errorf("offered: %w", err)
	}
	if err := validateCardIDs(in.RequestedIDs); err != nil {
		return out, fmt.Errorf("requested: %w", err)
	}
	offered := map[string]bool{}
	for _, id := range in.OfferedIDs {
		offered[id] = true
	}
	for _, id := range in.RequestedIDs {
		if offered[id] {
			return out, fmt.Errorf("%w: card %s appears on both sides", ErrInvalidInput, id)
		}
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return out, err
	}
	defer tx.Rollback(ctx)

	if err := claimIdempotency(ctx, tx, in.ProposerID, in.IdempotencyKey, "propose_trade"); err != nil {
		return out, err
	}

	var one int
	if err := tx.QueryRow(ctx, `SELECT 1 FROM users WHERE discord_id = $1`, in.CounterpartyID).Scan(&one); err != nil {
		if err == pgx.ErrNoRows {
			return out, fmt.Errorf("%w: counterparty %s", ErrUserNotFound, in.CounterpartyID)
		}
		return out, err
	}

	all := make([]string, 0, len(in.OfferedIDs)+len(in.RequestedIDs))
	all = append(all, in.OfferedIDs...)
	all = append(all, in.RequestedIDs...)

	cards, err := lockCardsTx(ctx, tx, all)
	if err != nil {
		return out, err
	}
	for _, id := range in.OfferedIDs {
		c, ok := cards[id]
		if !ok {
			return out, fmt.Errorf("%w: %s", ErrCardNotFound, id)
		}
		if c.OwnerID != in.ProposerID {
			return out, fmt.Errorf("%w: offered card %s", ErrNotCardOwner, id)
		}
	}
	for _, id := range in.RequestedIDs {
		c, ok := cards[id]
		if !ok {
			return out, fmt.Errorf("%w: %s", ErrCardNotFound, id)
		}
		if c.OwnerID != in.CounterpartyID {
			return out, fmt.Errorf("%w: requested card %s is not held by the counterparty", ErrNotCardOwner, id)
		}
	}

	out = TradeView{
		ID:             uuid.NewString(),
		ProposerID:     in.ProposerID,
		CounterpartyID: in.CounterpartyID,
		Status:         TradeStatusPending,
	}
	if err := tx.QueryRow(ctx, `
		INSERT INTO trades (id, proposer_id, counterparty_id, status)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`, out.ID, out.ProposerID, out.CounterpartyID, out.Status).Scan(&out.CreatedAt, &out.UpdatedAt); err != nil {
		return out, err
	}
	for _, id := range in.OfferedIDs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO trade_cards (trade_id, card_id, role)
			VALUES ($1, $2, $3)
		`, out.ID, id, TradeRoleOffered); err != nil {
			return out, err
		}
		out.Offered = append(out.Offered, cards[id].CardView)
	}
	for _, id := range in.RequestedIDs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO trade_cards (trade_id, card_id, role)
			VALUES ($1, $2, $3)
		`, out.ID, id, TradeRoleRequested); err != nil {
			return out, err
		}
		out.Requested = append(out.Requested, cards[id].CardView)
	}

	if err := tx.Commit(ctx); err != nil {
		return out, err
	}
	s.log.Info("trade proposed", "trade_id", out.ID, "proposer", out.ProposerID, "counterparty", out.CounterpartyID,
		"offered", len(out.Offered), "requested", len(out.Requested))
	return out, nil
}

func (s *Service) AcceptTrade(ctx context.Context, userID, tradeID, idempotencyKey string) (AcceptTradeResult, error) {
	var out AcceptTradeResult

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return out, err
	}
	defer tx.Rollback(ctx)

	if err := claimIdempotency(ctx, tx, userID, idempotencyKey, "accept_trade"); err != nil {
		return out, err
	}

	var proposerID, counterpartyID, status string
	var createdAt time.Time
	err = tx.QueryRow(ctx, `
		SELECT proposer_id, counterparty_id, status, created_at
		FROM trades
		WHERE id = $1
	`, tradeID).Scan(&proposerID, &counterpartyID, &status, &createdAt)
	if err == pgx.ErrNoRows {
		return out, ErrTradeNotFound
	}
	if err != nil {
		return out, err
	}
	if userID != counterpartyID {
		return out, fmt.Errorf("%w: only the counterparty can accept", ErrUnauthorized)
	}
	if status != TradeStatusPending {
		return out, ErrTradeNotPending
	}

	var offeredIDs, requestedIDs []string
	linkRows, err := tx.Query(ctx, `
		SELECT card_id, role
		FROM trade_cards
		WHERE trade_id = $1
		ORDER BY card_id
	`, tradeID)
	if err != nil {
		return out, err
	}
	for linkRows.Next() {
		var cardID, role string
		if err := linkRows.Scan(&cardID, &role); err != nil {
			linkRows.Close()
			return out, err
		}
		if role == TradeRoleOffered {
			offeredIDs = append(offeredIDs, cardID)
		} else {
			requestedIDs = append(requestedIDs, cardID)
		}
	}
	linkRows.Close()
	if err := linkRows.Err(); err != nil {
		return out, err
	}

	all := append(append([]string{}, offeredIDs...), requestedIDs...)
	cards, err := lockCardsTx(ctx, tx, all)
	if err != nil {
		return out, err
	}

	// With the card rows held, the set of pending trades referencing them is
	// frozen: proposing or accepting any other trade on these cards needs the
	// same locks.
	pendingIDs, err := lockPendingTradesForCardsTx(ctx, tx, all)
	if err != nil {
		return out, err
	}
	found := false
	cancelIDs := make([]string, 0, len(pendingIDs))
	for _, id := range pendingIDs {
		if id == tradeID {
			found = true
			continue
		}
		cancelIDs = append(cancelIDs, id)
	}
	if !found {
		return out, ErrTradeNotPending
	}

	for _, id := range offeredIDs {
		c, ok := cards[id]
		if !ok || c.OwnerID != proposerID {
			return out, fmt.Errorf("%w: offered card %s", ErrOwnershipChanged, id)
		}
	}
	for _, id := range requestedIDs {
		c, ok := cards[id]
		if !ok || c.OwnerID != counterpartyID {
			return out, fmt.Errorf("%w: requested card %s", ErrOwnershipChanged, id)
		}
	}

	if len(offeredIDs) > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE cards SET owner_id = $2, acquired_at = now() WHERE id = ANY($1)
		`, offeredIDs, counterpartyID); err != nil {
			return out, err
		}
	}
	if len(requestedIDs) > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE cards SET owner_id = $2, acquired_at = now() WHERE id = ANY($1)
		`, requestedIDs, proposerID); err != nil {
			return out, err
		}
	}

	out.Trade = TradeView{
		ID:             tradeID,
		ProposerID:     proposerID,
		CounterpartyID: counterpartyID,
		Status:         TradeStatusAccepted,
		CreatedAt:      createdAt,
	}
	if err := tx.QueryRow(ctx, `
		UPDATE trades SET status = $2, updated_at = now() WHERE id = $1
		RETURNING updated_at
	`, tradeID, TradeStatusAccepted).Scan(&out.Trade.UpdatedAt); err != nil {
		return out, err
	}
	// now() is fixed per transaction, so the swap stamped every moved card
	// with the same instant the flip returned.
	for _, id := range offeredIDs {
		c := cards[id].CardView
		c.AcquiredAt = out.Trade.UpdatedAt
		out.Trade.Offered = append(out.Trade.Offered, c)
	}
	for _, id := range requestedIDs {
		c := cards[id].CardView
		c.AcquiredAt = out.Trade.UpdatedAt
		out.Trade.Requested = append(out.Trade.Requested, c)
	}

	if err := cancelTradesTx(ctx, tx, cancelIDs); err != nil {
		return out, err
	}
	out.CancelledTrades = cancelIDs

	if err := tx.Commit(ctx); err != nil {
		return out, err
	}
	s.log.Info("trade accepted", "trade_id", tradeID, "proposer", proposerID, "counterparty", counterpartyID,
		"cancelled", len(cancelIDs))
	return out, nil
}

func (s *Service) RejectTrade(ctx context.Context, userID, tradeID string) (TradeView, error) {
	var out TradeView

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return out, err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		UPDATE trades
		SET status = $3, updated_at = now()
		WHERE id = $1 AND counterparty_id = $2 AND status = $4
		RETURNING id, proposer_id, counterparty_id, status, created_at, updated_at
	`, tradeID, userID, TradeStatusRejected, TradeStatusPending).
		Scan(&out.ID, &out.ProposerID, &out.CounterpartyID, &out.Status, &out.CreatedAt, &out.UpdatedAt)
	if err == pgx.ErrNoRows {
		return out, diagnoseTradeFlip(ctx, tx, tradeID, userID, false)
	}
	if err != nil {
		return out, err
	}

	if err := attachTradeCards(ctx, tx, map[string]*TradeView{out.ID: &out}); err != nil {
		return out, err
	}
	if err := tx.Commit(ctx); err != nil {
		return out, err
	}
	s.log.Info("trade rejected", "trade_id", tradeID, "counterparty", userID)
	return out, nil
}

func (s *Service) CancelTrade(ctx context.Context, userID, tradeID string) (TradeView, error) {
	var out TradeView

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return out, err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		UPDATE trades
		SET status = $3, updated_at = now()
		WHERE id = $1 AND proposer_id = $2 AND status = $4
		RETURNING id, proposer_id, counterparty_id, status, created_at, updated_at
	`, tradeID, userID, TradeStatusCancelled, TradeStatusPending).
		Scan(&out.ID, &out.ProposerID, &out.CounterpartyID, &out.Status, &out.CreatedAt, &out.UpdatedAt)
	if err == pgx.ErrNoRows {
		return out, diagnoseTradeFlip(ctx, tx, tradeID, userID, true)
	}
	if err != nil {
		return out, err
	}

	if err := attachTradeCards(ctx, tx, map[string]*TradeView{out.ID: &out}); err != nil {
		return out, err
	}
	if err := tx.Commit(ctx); err != nil {
		return out, err
	}
	s.log.Info("trade cancelled", "trade_id", tradeID, "proposer", userID)
	return out, nil
}

func (s *Service) GetTrade(ctx context.Context, userID, tradeID string) (TradeView, error) {
	var out TradeView
	err := s.db.QueryRow(ctx, `
		SELECT id, proposer_id, counterparty_id, status, created_at, updated_at
		FROM trades
		WHERE id = $1
	`, tradeID).Scan(&out.ID, &out.ProposerID, &out.CounterpartyID, &out.Status, &out.CreatedAt, &out.UpdatedAt)
	if err == pgx.ErrNoRows {
		return out, ErrTradeNotFound
	}
	if err != nil {
		return out, err
	}
	if userID != out.ProposerID && userID != out.CounterpartyID {
		return out, fmt.Errorf("%w: trade participants only", ErrUnauthorized)
	}
	if err := attachTradeCards(ctx, s.db, map[string]*TradeView{out.ID: &out}); err != nil {
		return out, err
	}
	return out, nil
}

func (s *Service) ListTrades(ctx context.Context, userID, direction, status string) ([]TradeView, error) {
	var where string
	switch direction {
	case "", "all":
		where = `(proposer_id = $1 OR counterparty_id = $1)`
	case "incoming":
		where = `counterparty_id = $1`
	case "outgoing":
		where = `proposer_id = $1`
	default:
		return nil, fmt.Errorf("%w: unknown direction %q", ErrInvalidInput, direction)
	}
	args := []any{userID}
	switch status {
	case "":
	case TradeStatusPending, TradeStatusAccepted, TradeStatusRejected, TradeStatusCancelled:
		where += ` AND status = $2`
		args = append(args, status)
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, proposer_id, counterparty_id, status, created_at, updated_at
		FROM trades
		WHERE `+where+`
		ORDER BY created_at DESC, id
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]TradeView, 0)
	byID := make(map[string]*TradeView)
	for rows.Next() {
		var t TradeView
		if err := rows.Scan(&t.ID, &t.ProposerID, &t.CounterpartyID, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		byID[out[i].ID] = &out[i]
	}
	if err := attachTradeCards(ctx, s.db, byID); err != nil {
		return nil, err
	}
	return out, nil
}

// ExpireStaleTrades cancels pending trades older than the cutoff. Rows locked
// by in-flight accepts are skipped and picked up on a later sweep.
func (s *Service) ExpireStaleTrades(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		UPDATE trades
		SET status = $2, updated_at = now()
		WHERE id IN (
			SELECT id FROM trades
			WHERE status = $3 AND created_at < $1
			ORDER BY id
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id
	`, cutoff, TradeStatusCancelled, TradeStatusPending)
	if err != nil {
		return 0, err
	}
	var expired int
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		expired++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	if expired > 0 {
		s.log.Info("stale trades expired", "count", expired, "cutoff", cutoff)
	}
	return expired, nil
}

type lockedCard struct {
	CardView
	OwnerID string
}

// lockCardsTx locks card rows in ascending id order and returns them keyed by
// id. Missing ids are simply absent from the map.
func lockCardsTx(ctx context.Context, tx pgx.Tx, cardIDs []string) (map[string]lockedCard, error) {
	out := make(map[string]lockedCard, len(cardIDs))
	if len(cardIDs) == 0 {
		return out, nil
	}
	rows, err := tx.Query(ctx, `
		SELECT c.id, c.owner_id, c.template_id, t.player_name, t.season, t.stat_era, c.rarity, c.acquired_at
		FROM cards c
		JOIN card_templates t ON t.id = c.template_id
		WHERE c.id = ANY($1)
		ORDER BY c.id
		FOR UPDATE OF c
	`, sortedCardIDs(cardIDs))
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

// lockPendingTradesForCardsTx locks, in ascending id order, every pending
// trade referencing any of the given cards. Callers must already hold the
// card row locks.
func lockPendingTradesForCardsTx(ctx context.Context, tx pgx.Tx, cardIDs []string) ([]string, error) {
	if len(cardIDs) == 0 {
		return nil, nil
	}
	rows, err := tx.Query(ctx, `
		SELECT id
		FROM trades
		WHERE status = $2
		  AND id IN (SELECT trade_id FROM trade_cards WHERE card_id = ANY($1))
		ORDER BY id
		FOR UPDATE
	`, cardIDs, TradeStatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func cancelTradesTx(ctx context.Context, tx pgx.Tx, tradeIDs []string) error {
	if len(tradeIDs) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `
		UPDATE trades SET status = $2, updated_at = now() WHERE id = ANY($1)
	`, tradeIDs, TradeStatusCancelled)
	return err
}

// diagnoseTradeFlip explains why a conditional reject or cancel matched no
// row. byProposer selects which role was required.
func diagnoseTradeFlip(ctx context.Context, q Querier, tradeID, userID string, byProposer bool) error {
	var proposerID, counterpartyID, status string
	err := q.QueryRow(ctx, `
		SELECT proposer_id, counterparty_id, status FROM trades WHERE id = $1
	`, tradeID).Scan(&proposerID, &counterpartyID, &status)
	if err == pgx.ErrNoRows {
		return ErrTradeNotFound
	}
	if err != nil {
		return err
	}
	if byProposer && userID != proposerID {
		return fmt.Errorf("%w: only the proposer can cancel", ErrUnauthorized)
	}
	if !byProposer && userID != counterpartyID {
		return fmt.Errorf("%w: only the counterparty can reject", ErrUnauthorized)
	}
	return ErrTradeNotPending
}

// attachTradeCards loads the offered and requested card lists for each view.
// Cards destroyed after a trade left the pending state no longer appear.
func attachTradeCards(ctx context.Context, q Querier, views map[string]*TradeView) error {
	if len(views) == 0 {
		return nil
	}
	ids := make([]string, 0, len(views))
	for id := range views {
		ids = append(ids, id)
	}
	rows, err := q.Query(ctx, `
		SELECT tc.trade_id, tc.role, c.id, c.template_id, t.player_name, t.season, t.stat_era, c.rarity, c.acquired_at
		FROM trade_cards tc
		JOIN cards c ON c.id = tc.card_id
		JOIN card_templates t ON t.id = c.template_id
		WHERE tc.trade_id = ANY($1)
		ORDER BY tc.trade_id, tc.role, c.id
	`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var tradeID, role string
		var c CardView
		if err := rows.Scan(&tradeID, &role, &c.ID, &c.TemplateID, &c.PlayerName, &c.Season, &c.StatEra, &c.Rarity, &c.AcquiredAt); err != nil {
			return err
		}
		view, ok := views[tradeID]
		if !ok {
			continue
		}
		if role == TradeRoleOffered {
			view.Offered = append(view.Offered, c)
		} else {
			view.Requested = append(view.Requested, c)
		}
	}
	return rows.Err()
}
