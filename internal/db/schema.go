package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Startup lock so concurrent instances don't race the DDL below.
const schemaAdvisoryLockID int64 = 771203419

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		discord_id   TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		avatar_ref   TEXT NOT NULL DEFAULT '',
		pack_balance BIGINT NOT NULL DEFAULT 0 CHECK (pack_balance >= 0),
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS card_templates (
		id           BIGSERIAL PRIMARY KEY,
		player_ref   TEXT NOT NULL,
		player_name  TEXT NOT NULL,
		season       INT NOT NULL,
		stat_era     TEXT NOT NULL,
		cosmetic_sig TEXT NOT NULL,
		games_played INT NOT NULL DEFAULT 0,
		statline     JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (player_ref, season, stat_era, cosmetic_sig, player_name)
	)`,

	`CREATE TABLE IF NOT EXISTS cards (
		id          TEXT PRIMARY KEY,
		owner_id    TEXT NOT NULL REFERENCES users(discord_id),
		template_id BIGINT NOT NULL REFERENCES card_templates(id),
		rarity      TEXT NOT NULL,
		acquired_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS cards_owner_idx ON cards (owner_id)`,
	`CREATE INDEX IF NOT EXISTS cards_owner_template_rarity_idx ON cards (owner_id, template_id, rarity)`,

	`CREATE TABLE IF NOT EXISTS trades (
		id              TEXT PRIMARY KEY,
		proposer_id     TEXT NOT NULL REFERENCES users(discord_id),
		counterparty_id TEXT NOT NULL REFERENCES users(discord_id),
		status          TEXT NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'accepted', 'rejected', 'cancelled')),
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS trades_proposer_idx ON trades (proposer_id, status)`,
	`CREATE INDEX IF NOT EXISTS trades_counterparty_idx ON trades (counterparty_id, status)`,
	`CREATE INDEX IF NOT EXISTS trades_status_created_idx ON trades (status, created_at)`,

	`CREATE TABLE IF NOT EXISTS trade_cards (
		trade_id TEXT NOT NULL REFERENCES trades(id) ON DELETE CASCADE,
		card_id  TEXT NOT NULL REFERENCES cards(id) ON DELETE CASCADE,
		role     TEXT NOT NULL CHECK (role IN ('offered', 'requested')),
		PRIMARY KEY (trade_id, card_id)
	)`,
	`CREATE INDEX IF NOT EXISTS trade_cards_card_idx ON trade_cards (card_id)`,

	`CREATE TABLE IF NOT EXISTS redemption_codes (
		code              TEXT PRIMARY KEY,
		issued_by         TEXT NOT NULL DEFAULT '',
		pack_count        BIGINT NOT NULL CHECK (pack_count > 0),
		cards_per_pack    INT NOT NULL DEFAULT 5,
		guaranteed_rarity TEXT NOT NULL DEFAULT '',
		guaranteed_count  INT NOT NULL DEFAULT 0,
		expires_at        TIMESTAMPTZ,
		redeemed_by       TEXT REFERENCES users(discord_id),
		redeemed_at       TIMESTAMPTZ,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS gifts (
		id           BIGSERIAL PRIMARY KEY,
		recipient_id TEXT NOT NULL REFERENCES users(discord_id),
		name         TEXT NOT NULL,
		pack_count   BIGINT NOT NULL CHECK (pack_count > 0),
		expires_at   TIMESTAMPTZ,
		claimed_at   TIMESTAMPTZ,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS gifts_recipient_unclaimed_idx ON gifts (recipient_id) WHERE claimed_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS idempotency_keys (
		user_id    TEXT NOT NULL,
		key        TEXT NOT NULL,
		action     TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, key)
	)`,

	`CREATE TABLE IF NOT EXISTS pack_ledger (
		id         BIGSERIAL PRIMARY KEY,
		user_id    TEXT NOT NULL,
		delta      BIGINT NOT NULL,
		reason     TEXT NOT NULL,
		ref_id     TEXT NOT NULL DEFAULT '',
		metadata   JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS pack_ledger_user_idx ON pack_ledger (user_id, created_at)`,
}

func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire schema conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, schemaAdvisoryLockID); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}
	defer conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, schemaAdvisoryLockID)

	for _, stmt := range schemaStatements {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
