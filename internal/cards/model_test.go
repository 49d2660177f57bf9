package cards

import (
	"errors"
	mathrand "math/rand"
	"strings"
	"testing"
	"time"
)

func TestDefaultRarityTable(t *testing.T) {
	table := DefaultRarityTable()
	if err := table.Validate(); err != nil {
		t.Fatalf("default table invalid: %v", err)
	}
	total := 0
	for _, rw := range table {
		total += rw.Weight
	}
	if total != WeightScale {
		t.Fatalf("weights sum to %d, want %d", total, WeightScale)
	}
}

func TestRarityTableValidate(t *testing.T) {
	bad := []RarityTable{
		{},
		{{Tier: "common", Weight: WeightScale}, {Tier: "common", Weight: 0}},
		{{Tier: "common", Weight: -1}, {Tier: "rare", Weight: WeightScale + 1}},
		{{Tier: "common", Weight: 5000}},
		{{Tier: "", Weight: WeightScale}},
	}
	for i, table := range bad {
		err := table.Validate()
		if err == nil {
			t.Fatalf("table %d: expected validation to fail", i)
		}
		if !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("table %d: error %v is not ErrInvalidInput", i, err)
		}
	}
}

func TestRarityPickBoundaries(t *testing.T) {
	table := DefaultRarityTable()
	tests := []struct {
		roll int
		want string
	}{
		{roll: 0, want: RarityCommon},
		{roll: 6949, want: RarityCommon},
		{roll: 6950, want: RarityUncommon},
		{roll: 8949, want: RarityUncommon},
		{roll: 8950, want: RarityRare},
		{roll: 9749, want: RarityRare},
		{roll: 9750, want: RarityEpic},
		{roll: 9949, want: RarityEpic},
		{roll: 9950, want: RarityLegendary},
		{roll: 9999, want: RarityLegendary},
	}
	for _, tc := range tests {
		if got := table.Pick(tc.roll); got != tc.want {
			t.Fatalf("roll=%d got=%s want=%s", tc.roll, got, tc.want)
		}
	}
}

func TestRarityPickSkipsZeroWeight(t *testing.T) {
	table := RarityTable{
		{Tier: "never", Weight: 0},
		{Tier: "always", Weight: WeightScale},
	}
	for _, roll := range []int{0, 1, WeightScale - 1} {
		if got := table.Pick(roll); got != "always" {
			t.Fatalf("roll=%d picked zero-weight tier %q", roll, got)
		}
	}

	tailZero := RarityTable{
		{Tier: "always", Weight: WeightScale},
		{Tier: "never", Weight: 0},
	}
	if got := tailZero.Pick(WeightScale - 1); got != "always" {
		t.Fatalf("max roll picked zero-weight tail tier %q", got)
	}
}

func TestRarityPickCoversAllTiers(t *testing.T) {
	table := DefaultRarityTable()
	rng := mathrand.New(mathrand.NewSource(1))
	counts := make(map[string]int)
	const draws = 100_000
	for i := 0; i < draws; i++ {
		counts[table.Pick(rng.Intn(WeightScale))]++
	}
	for _, rw := range table {
		if counts[rw.Tier] == 0 {
			t.Fatalf("tier %s never drawn in %d draws", rw.Tier, draws)
		}
	}
	if counts[RarityCommon] <= counts[RarityUncommon] {
		t.Fatalf("common (%d) should dominate uncommon (%d)", counts[RarityCommon], counts[RarityUncommon])
	}
	if counts[RarityLegendary] >= counts[RarityRare] {
		t.Fatalf("legendary (%d) should be rarer than rare (%d)", counts[RarityLegendary], counts[RarityRare])
	}
}

func TestParseRarityTable(t *testing.T) {
	table, err := ParseRarityTable("")
	if err != nil {
		t.Fatalf("empty override: %v", err)
	}
	if len(table) != len(DefaultRarityTable()) {
		t.Fatalf("empty override should yield the default table, got %d tiers", len(table))
	}

	table, err = ParseRarityTable("COMMON=9000, rare=1000")
	if err != nil {
		t.Fatalf("custom override: %v", err)
	}
	if len(table) != 2 || table[0].Tier != "common" || table[0].Weight != 9000 {
		t.Fatalf("unexpected parsed table: %+v", table)
	}

	invalid := []string{
		"common=abc",
		"common",
		"common=5000",
		"common=9000,common=1000",
	}
	for _, s := range invalid {
		if _, err := ParseRarityTable(s); err == nil {
			t.Fatalf("expected override %q to fail", s)
		}
	}
}

func TestSortedCardIDs(t *testing.T) {
	in := []string{"c", "a", "b"}
	got := sortedCardIDs(in)
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected order: %v", got)
	}
	if in[0] != "c" {
		t.Fatalf("input mutated: %v", in)
	}
}

func TestValidateCardIDs(t *testing.T) {
	if err := validateCardIDs([]string{"a", "b"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := validateCardIDs(nil); err != nil {
		t.Fatalf("empty set should pass: %v", err)
	}
	if err := validateCardIDs([]string{"a", "a"}); err == nil {
		t.Fatalf("expected duplicate ids to fail")
	}
	if err := validateCardIDs([]string{"a", " "}); err == nil {
		t.Fatalf("expected blank id to fail")
	}
}

func TestExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	if expired(nil, now) {
		t.Fatalf("nil expiry should never expire")
	}
	future := now.Add(time.Minute)
	if expired(&future, now) {
		t.Fatalf("future expiry reported expired")
	}
	past := now.Add(-time.Minute)
	if !expired(&past, now) {
		t.Fatalf("past expiry not reported expired")
	}
	exact := now
	if !expired(&exact, now) {
		t.Fatalf("expiry equal to now should count as expired")
	}
}

func TestGenerateRedemptionCode(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := generateRedemptionCode()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		parts := strings.Split(code, "-")
		if len(parts) != 3 {
			t.Fatalf("code %q should have three groups", code)
		}
		for _, part := range parts {
			if len(part) != 4 {
				t.Fatalf("code %q group %q should be four characters", code, part)
			}
			for _, r := range part {
				if !strings.ContainsRune(codeAlphabet, r) {
					t.Fatalf("code %q contains %q outside the alphabet", code, r)
				}
			}
		}
	}
}

func TestNormalizeCode(t *testing.T) {
	if got := normalizeCode("  ab2c-defg-hjkm  "); got != "AB2C-DEFG-HJKM" {
		t.Fatalf("got %q", got)
	}
}
