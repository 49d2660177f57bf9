package cards

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	mathrand "math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ethsmith/csc-trading-cards-api/internal/stats"
)

type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB is satisfied by *pgxpool.Pool.
type DB interface {
	Querier
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

type StatsSource interface {
	Players(ctx context.Context) ([]stats.Player, error)
}

type Service struct {
	db       DB
	source   StatsSource
	log      *slog.Logger
	rarities RarityTable
	mu       sync.Mutex
	rand     *mathrand.Rand
}

func NewService(db DB, source StatsSource, rarities RarityTable, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if rarities == nil {
		rarities = DefaultRarityTable()
	}
	return &Service{
		db:       db,
		source:   source,
		log:      logger,
		rarities: rarities,
		rand:     mathrand.New(mathrand.NewSource(time.Now().UnixNano())),
	}
}

func (s *Service) EnsureUser(ctx context.Context, discordID, displayName, avatarRef string, starterPacks int64) (Profile, error) {
	discordID = strings.TrimSpace(discordID)
	if discordID == "" {
		return Profile{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if starterPacks < 0 {
		starterPacks = 0
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return Profile{}, err
	}
	defer tx.Rollback(ctx)

	cmd, err := tx.Exec(ctx, `
		INSERT INTO users (discord_id, display_name, avatar_ref, pack_balance)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (discord_id) DO NOTHING
	`, discordID, displayName, avatarRef, starterPacks)
	if err != nil {
		return Profile{}, err
	}
	if cmd.RowsAffected() > 0 {
		if starterPacks > 0 {
			if err := appendPackLedger(ctx, tx, discordID, starterPacks, "starter_grant", "", nil); err != nil {
				return Profile{}, err
			}
		}
	} else {
		if _, err := tx.Exec(ctx, `
			UPDATE users
			SET display_name = $2, avatar_ref = $3, updated_at = now()
			WHERE discord_id = $1
		`, discordID, displayName, avatarRef); err != nil {
			return Profile{}, err
		}
	}

	var out Profile
	if err := tx.QueryRow(ctx, `
		SELECT discord_id, display_name, avatar_ref, pack_balance, created_at
		FROM users
		WHERE discord_id = $1
	`, discordID).Scan(&out.DiscordID, &out.DisplayName, &out.AvatarRef, &out.PackBalance, &out.CreatedAt); err != nil {
		return Profile{}, err
	}
	return out, tx.Commit(ctx)
}

func (s *Service) Profile(ctx context.Context, discordID string) (Profile, error) {
	var out Profile
	err := s.db.QueryRow(ctx, `
		SELECT discord_id, display_name, avatar_ref, pack_balance, created_at
		FROM users
		WHERE discord_id = $1
	`, discordID).Scan(&out.DiscordID, &out.DisplayName, &out.AvatarRef, &out.PackBalance, &out.CreatedAt)
	if err == pgx.ErrNoRows {
		return out, ErrUserNotFound
	}
	return out, err
}

func (s *Service) ListCards(ctx context.Context, ownerID string) ([]CardView, error) {
	rows, err := s.db.Query(ctx, `
		SELECT c.id, c.template_id, t.player_name, t.season, t.stat_era, c.rarity, c.acquired_at
		FROM cards c
		JOIN card_templates t ON t.id = c.template_id
		WHERE c.owner_id = $1
		ORDER BY c.acquired_at DESC, c.id
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]CardView, 0)
	for rows.Next() {
		var c CardView
		if err := rows.Scan(&c.ID, &c.TemplateID, &c.PlayerName, &c.Season, &c.StatEra, &c.Rarity, &c.AcquiredAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreditPacks is the direct credit path (admin grants). Consumption flows
// credit inside their own transactions via creditPacksTx.
func (s *Service) CreditPacks(ctx context.Context, userID string, amount int64, reason string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: credit amount must be > 0", ErrInvalidInput)
	}
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	balance, err := creditPacksTx(ctx, tx, userID, amount, reason, "", nil)
	if err != nil {
		return 0, err
	}
	return balance, tx.Commit(ctx)
}

func (s *Service) OpenPack(ctx context.Context, in OpenPackInput) (OpenPackResult, error) {
	var out OpenPackResult
	if in.Size == 0 {
		in.Size = DefaultPackSize
	}
	if in.Size < 1 || in.Size > MaxPackSize {
		return out, fmt.Errorf("%w: pack size must be between 1 and %d", ErrInvalidInput, MaxPackSize)
	}

	pool, err := s.eligiblePlayers(ctx)
	if err != nil {
		return out, err
	}
	if len(pool) == 0 {
		return out, ErrNoEligibleSources
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return out, err
	}
	defer tx.Rollback(ctx)

	if err := claimIdempotency(ctx, tx, in.UserID, in.IdempotencyKey, "open_pack"); err != nil {
		return out, err
	}

	ok, err := debitPackTx(ctx, tx, in.UserID)
	if err != nil {
		return out, err
	}
	if !ok {
		var one int
		if err := tx.QueryRow(ctx, `SELECT 1 FROM users WHERE discord_id = $1`, in.UserID).Scan(&one); err != nil {
			if err == pgx.ErrNoRows {
				return out, ErrUserNotFound
			}
			return out, err
		}
		return out, ErrInsufficientPacks
	}

	packID := uuid.NewString()
	newTemplates := make(map[int64]TemplateView)
	for i := 0; i < in.Size; i++ {
		entry := pool[s.nextIntn(len(pool))]
		rarity := s.rarities.Pick(s.nextIntn(WeightScale))

		tmpl, created, err := resolveTemplateTx(ctx, tx, entry)
		if err != nil {
			return out, err
		}
		if created {
			newTemplates[tmpl.ID] = tmpl
		}

		card := CardView{
			ID:         uuid.NewString(),
			TemplateID: tmpl.ID,
			PlayerName: tmpl.PlayerName,
			Season:     tmpl.Season,
			StatEra:    tmpl.StatEra,
			Rarity:     rarity,
		}
		if err := tx.QueryRow(ctx, `
			INSERT INTO cards (id, owner_id, template_id, rarity)
			VALUES ($1, $2, $3, $4)
			RETURNING acquired_at
		`, card.ID, in.UserID, card.TemplateID, card.Rarity).Scan(&card.AcquiredAt); err != nil {
			return out, err
		}
		out.Cards = append(out.Cards, card)
	}

	if err := appendPackLedger(ctx, tx, in.UserID, -1, "pack_open", packID, map[string]any{"cards": in.Size}); err != nil {
		return out, err
	}
	if err := tx.QueryRow(ctx, `SELECT pack_balance FROM users WHERE discord_id = $1`, in.UserID).Scan(&out.PackBalance); err != nil {
		return out, err
	}

	for _, tmpl := range newTemplates {
		out.NewTemplates = append(out.NewTemplates, tmpl)
	}
	sort.Slice(out.NewTemplates, func(i, j int) bool { return out.NewTemplates[i].ID < out.NewTemplates[j].ID })

	if err := tx.Commit(ctx); err != nil {
		return out, err
	}
	s.log.Info("pack opened", "user_id", in.UserID, "cards", len(out.Cards), "new_templates", len(out.NewTemplates))
	return out, nil
}

// Eligibility requires at least one recorded game; a provider entry with an
// empty statline never becomes a card.
func (s *Service) eligiblePlayers(ctx context.Context) ([]stats.Player, error) {
	if s.source == nil {
		return nil, fmt.Errorf("%w: no stats provider configured", ErrNoEligibleSources)
	}
	players, err := s.source.Players(ctx)
	if err != nil {
		return nil, err
	}
	var eligible []stats.Player
	for _, p := range players {
		if p.Statline.GamesPlayed > 0 {
			eligible = append(eligible, p)
		}
	}
	return eligible, nil
}

// resolveTemplateTx finds or creates the immutable template row for an entry.
// The boolean reports whether this call created the row; a concurrent creator
// losing the insert race re-reads the winner's row instead.
func resolveTemplateTx(ctx context.Context, tx pgx.Tx, entry stats.Player) (TemplateView, bool, error) {
	tmpl := TemplateView{
		PlayerRef:   entry.PlayerRef,
		PlayerName:  entry.Name,
		Season:      entry.Season,
		StatEra:     entry.StatEra,
		CosmeticSig: entry.CosmeticSig,
		GamesPlayed: entry.Statline.GamesPlayed,
		Statline:    entry.Statline,
	}
	const selectByKey = `
		SELECT id, games_played, statline, created_at
		FROM card_templates
		WHERE player_ref = $1 AND season = $2 AND stat_era = $3 AND cosmetic_sig = $4 AND player_name = $5
	`

	var raw []byte
	err := tx.QueryRow(ctx, selectByKey, entry.PlayerRef, entry.Season, entry.StatEra, entry.CosmeticSig, entry.Name).
		Scan(&tmpl.ID, &tmpl.GamesPlayed, &raw, &tmpl.CreatedAt)
	if err == nil {
		if err := json.Unmarshal(raw, &tmpl.Statline); err != nil {
			return tmpl, false, fmt.Errorf("decode statline: %w", err)
		}
		return tmpl, false, nil
	}
	if err != pgx.ErrNoRows {
		return tmpl, false, err
	}

	statJSON, err := json.Marshal(entry.Statline)
	if err != nil {
		return tmpl, false, err
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO card_templates (player_ref, player_name, season, stat_era, cosmetic_sig, games_played, statline)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
		ON CONFLICT (player_ref, season, stat_era, cosmetic_sig, player_name) DO NOTHING
		RETURNING id, created_at
	`, entry.PlayerRef, entry.Name, entry.Season, entry.StatEra, entry.CosmeticSig, entry.Statline.GamesPlayed, string(statJSON)).
		Scan(&tmpl.ID, &tmpl.CreatedAt)
	if err == nil {
		return tmpl, true, nil
	}
	if err != pgx.ErrNoRows {
		return tmpl, false, err
	}

	err = tx.QueryRow(ctx, selectByKey, entry.PlayerRef, entry.Season, entry.StatEra, entry.CosmeticSig, entry.Name).
		Scan(&tmpl.ID, &tmpl.GamesPlayed, &raw, &tmpl.CreatedAt)
	if err != nil {
		return tmpl, false, err
	}
	if err := json.Unmarshal(raw, &tmpl.Statline); err != nil {
		return tmpl, false, fmt.Errorf("decode statline: %w", err)
	}
	return tmpl, false, nil
}

func (s *Service) nextIntn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rand.Intn(n)
}

func claimIdempotency(ctx context.Context, tx pgx.Tx, userID, key, action string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidInput)
	}
	cmd, err := tx.Exec(ctx, `
		INSERT INTO idempotency_keys (user_id, key, action, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id, key) DO NOTHING
	`, userID, key, action)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrDuplicateIdempotency
	}
	return nil
}

// debitPackTx subtracts exactly one pack, conditioned on a positive balance
// in the same statement. A false return means no side effect occurred.
func debitPackTx(ctx context.Context, tx pgx.Tx, userID string) (bool, error) {
	cmd, err := tx.Exec(ctx, `
		UPDATE users
		SET pack_balance = pack_balance - 1, updated_at = now()
		WHERE discord_id = $1 AND pack_balance > 0
	`, userID)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func creditPacksTx(ctx context.Context, tx pgx.Tx, userID string, amount int64, reason, refID string, meta map[string]any) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: credit amount must be > 0", ErrInvalidInput)
	}
	var balance int64
	err := tx.QueryRow(ctx, `
		UPDATE users
		SET pack_balance = pack_balance + $2, updated_at = now()
		WHERE discord_id = $1
		RETURNING pack_balance
	`, userID, amount).Scan(&balance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, ErrUserNotFound
		}
		return 0, err
	}
	if err := appendPackLedger(ctx, tx, userID, amount, reason, refID, meta); err != nil {
		return 0, err
	}
	return balance, nil
}

func appendPackLedger(ctx context.Context, tx pgx.Tx, userID string, delta int64, reason, refID string, meta map[string]any) error {
	if meta == nil {
		meta = map[string]any{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO pack_ledger (user_id, delta, reason, ref_id, metadata)
		VALUES ($1, $2, $3, $4, $5::jsonb)
	`, userID, delta, reason, refID, string(raw))
	return err
}
