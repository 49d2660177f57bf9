package cards

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	RarityCommon    = "common"
	RarityUncommon  = "uncommon"
	RarityRare      = "rare"
	RarityEpic      = "epic"
	RarityLegendary = "legendary"

	// Rarity weights are basis points; a table must sum to WeightScale.
	WeightScale = 10_000

	MaxPackSize     = 10
	DefaultPackSize = 5

	DuplicateTradeInCount = 2
	TradeInPackCredit     = int64(1)

	TradeStatusPending   = "pending"
	TradeStatusAccepted  = "accepted"
	TradeStatusRejected  = "rejected"
	TradeStatusCancelled = "cancelled"

	TradeRoleOffered   = "offered"
	TradeRoleRequested = "requested"
)

var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrUserNotFound         = errors.New("user not found")
	ErrInsufficientPacks    = errors.New("insufficient pack balance")
	ErrNoEligibleSources    = errors.New("no eligible source data")
	ErrCardNotFound         = errors.New("card not found")
	ErrNotCardOwner         = errors.New("card not owned by expected user")
	ErrTradeNotFound        = errors.New("trade not found")
	ErrTradeNotPending      = errors.New("trade is not pending")
	ErrOwnershipChanged     = errors.New("ownership changed since trade was proposed")
	ErrNotDuplicate         = errors.New("card is not a duplicate")
	ErrCodeNotFound         = errors.New("code not found")
	ErrCodeRedeemed         = errors.New("code already redeemed")
	ErrCodeExpired          = errors.New("code expired")
	ErrGiftNotFound         = errors.New("gift not found")
	ErrGiftClaimed          = errors.New("gift already claimed")
	ErrGiftExpired          = errors.New("gift expired")
	ErrDuplicateIdempotency = errors.New("duplicate idempotency key")
	ErrUnauthorized         = errors.New("unauthorized")
)

type RarityWeight struct {
	Tier   string
	Weight int
}

// RarityTable draws walk the table in declared order.
type RarityTable []RarityWeight

func DefaultRarityTable() RarityTable {
	return RarityTable{
		{Tier: RarityCommon, Weight: 6950},
		{Tier: RarityUncommon, Weight: 2000},
		{Tier: RarityRare, Weight: 800},
		{Tier: RarityEpic, Weight: 200},
		{Tier: RarityLegendary, Weight: 50},
	}
}

func (t RarityTable) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("%w: rarity table is empty", ErrInvalidInput)
	}
	seen := make(map[string]struct{}, len(t))
	total := 0
	for _, rw := range t {
		tier := strings.TrimSpace(rw.Tier)
		if tier == "" {
			return fmt.Errorf("%w: rarity tier name is empty", ErrInvalidInput)
		}
		if _, ok := seen[tier]; ok {
			return fmt.Errorf("%w: duplicate rarity tier %q", ErrInvalidInput, tier)
		}
		seen[tier] = struct{}{}
		if rw.Weight < 0 {
			return fmt.Errorf("%w: rarity tier %q has negative weight", ErrInvalidInput, tier)
		}
		total += rw.Weight
	}
	if total != WeightScale {
		return fmt.Errorf("%w: rarity weights sum to %d, want %d", ErrInvalidInput, total, WeightScale)
	}
	return nil
}

// Pick maps a roll in [0, WeightScale) onto a tier by subtracting weights in
// table order. Zero-weight tiers can never match.
func (t RarityTable) Pick(roll int) string {
	for _, rw := range t {
		if roll < rw.Weight {
			return rw.Tier
		}
		roll -= rw.Weight
	}
	for i := len(t) - 1; i >= 0; i-- {
		if t[i].Weight > 0 {
			return t[i].Tier
		}
	}
	return t[0].Tier
}

func (t RarityTable) Contains(tier string) bool {
	for _, rw := range t {
		if rw.Tier == tier {
			return true
		}
	}
	return false
}

// ParseRarityTable parses "common=6950,uncommon=2000,..." overrides. An empty
// string yields the default table.
func ParseRarityTable(s string) (RarityTable, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultRarityTable(), nil
	}
	var t RarityTable
	for _, part := range strings.Split(s, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("%w: rarity weight %q must be tier=weight", ErrInvalidInput, strings.TrimSpace(part))
		}
		w, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if err != nil {
			return nil, fmt.Errorf("%w: rarity weight %q is not an integer", ErrInvalidInput, strings.TrimSpace(part))
		}
		t = append(t, RarityWeight{Tier: strings.ToLower(strings.TrimSpace(kv[0])), Weight: w})
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// sortedCardIDs returns a sorted copy. Multi-card row locks are always taken
// in this order.
func sortedCardIDs(ids []string) []string {
	out := make([]string, len(ids))
	copy(out, ids)
	sort.Strings(out)
	return out
}

func validateCardIDs(ids []string) error {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%w: empty card id", ErrInvalidInput)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("%w: duplicate card id %s", ErrInvalidInput, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

func expired(expiresAt *time.Time, now time.Time) bool {
	return expiresAt != nil && !expiresAt.After(now)
}

// 0/O and 1/I are excluded so codes survive being read aloud.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func generateRedemptionCode() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i := range buf {
		buf[i] = codeAlphabet[int(buf[i])%len(codeAlphabet)]
	}
	return string(buf[0:4]) + "-" + string(buf[4:8]) + "-" + string(buf[8:12]), nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
