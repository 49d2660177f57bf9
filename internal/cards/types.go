package cards

import (
	"time"

	"github.com/ethsmith/csc-trading-cards-api/internal/stats"
)

type Profile struct {
	DiscordID   string    `json:"discord_id"`
	DisplayName string    `json:"display_name"`
	AvatarRef   string    `json:"avatar_ref,omitempty"`
	PackBalance int64     `json:"pack_balance"`
	CreatedAt   time.Time `json:"created_at"`
}

type TemplateView struct {
	ID          int64          `json:"id"`
	PlayerRef   string         `json:"player_ref"`
	PlayerName  string         `json:"player_name"`
	Season      int            `json:"season"`
	StatEra     string         `json:"stat_era"`
	CosmeticSig string         `json:"cosmetic_sig"`
	GamesPlayed int            `json:"games_played"`
	Statline    stats.Statline `json:"statline"`
	CreatedAt   time.Time      `json:"created_at"`
}

type CardView struct {
	ID         string    `json:"id"`
	TemplateID int64     `json:"template_id"`
	PlayerName string    `json:"player_name"`
	Season     int       `json:"season"`
	StatEra    string    `json:"stat_era"`
	Rarity     string    `json:"rarity"`
	AcquiredAt time.Time `json:"acquired_at"`
}

type OpenPackInput struct {
	UserID         string
	Size           int
	IdempotencyKey string
}

type OpenPackResult struct {
	Cards        []CardView     `json:"cards"`
	NewTemplates []TemplateView `json:"new_templates"`
	PackBalance  int64          `json:"pack_balance"`
}

type ProposeTradeInput struct {
	ProposerID     string
	CounterpartyID string
	OfferedIDs     []string
	RequestedIDs   []string
	IdempotencyKey string
}

type TradeView struct {
	ID             string     `json:"id"`
	ProposerID     string     `json:"proposer_id"`
	CounterpartyID string     `json:"counterparty_id"`
	Status         string     `json:"status"`
	Offered        []CardView `json:"offered"`
	Requested      []CardView `json:"requested"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type AcceptTradeResult struct {
	Trade           TradeView `json:"trade"`
	CancelledTrades []string  `json:"cancelled_trades,omitempty"`
}

type RedeemCodeResult struct {
	Code          string `json:"code"`
	PacksCredited int64  `json:"packs_credited"`
	PackBalance   int64  `json:"pack_balance"`
}

type GiftView struct {
	ID          int64      `json:"id"`
	RecipientID string     `json:"recipient_id"`
	Name        string     `json:"name"`
	PackCount   int64      `json:"pack_count"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type ClaimGiftResult struct {
	GiftID        int64 `json:"gift_id"`
	PacksCredited int64 `json:"packs_credited"`
	PackBalance   int64 `json:"pack_balance"`
}

type ClaimAllGiftsResult struct {
	GiftsClaimed  int   `json:"gifts_claimed"`
	PacksCredited int64 `json:"packs_credited"`
	PackBalance   int64 `json:"pack_balance"`
}

type TradeInInput struct {
	UserID         string
	CardIDs        []string
	IdempotencyKey string
}

type TradeInResult struct {
	CardsConsumed   int      `json:"cards_consumed"`
	PacksCredited   int64    `json:"packs_credited"`
	PackBalance     int64    `json:"pack_balance"`
	CancelledTrades []string `json:"cancelled_trades,omitempty"`
}

type CreateCodeInput struct {
	IssuedBy         string
	PackCount        int64
	CardsPerPack     int
	GuaranteedRarity string
	GuaranteedCount  int
	ExpiresAt        *time.Time
}

type CodeView struct {
	Code             string     `json:"code"`
	IssuedBy         string     `json:"issued_by"`
	PackCount        int64      `json:"pack_count"`
	CardsPerPack     int        `json:"cards_per_pack"`
	GuaranteedRarity string     `json:"guaranteed_rarity,omitempty"`
	GuaranteedCount  int        `json:"guaranteed_count,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	RedeemedBy       *string    `json:"redeemed_by,omitempty"`
	RedeemedAt       *time.Time `json:"redeemed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

type CreateGiftInput struct {
	RecipientID string
	Broadcast   bool
	Name        string
	PackCount   int64
	ExpiresAt   *time.Time
}

type CreateGiftResult struct {
	GiftsCreated int     `json:"gifts_created"`
	GiftIDs      []int64 `json:"gift_ids,omitempty"`
}
