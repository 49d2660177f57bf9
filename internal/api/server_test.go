package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethsmith/csc-trading-cards-api/internal/cards"
)

func TestBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{header: "Bearer abc123", want: "abc123"},
		{header: "bearer abc123", want: "abc123"},
		{header: "BEARER  abc123 ", want: "abc123"},
		{header: "abc123", want: ""},
		{header: "Basic abc123", want: ""},
		{header: "", want: ""},
	}
	for _, tc := range cases {
		if got := bearerToken(tc.header); got != tc.want {
			t.Fatalf("bearerToken(%q) = %q, want %q", tc.header, got, tc.want)
		}
	}
}

func TestIdempotencyKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/packs/open", nil)
	r.Header.Set("Idempotency-Key", " key-1 ")
	if got := idempotencyKey(r); got != "key-1" {
		t.Fatalf("header key should win, got %q", got)
	}

	r = httptest.NewRequest(http.MethodPost, "/v1/packs/open", nil)
	first := idempotencyKey(r)
	second := idempotencyKey(r)
	if first == "" || second == "" {
		t.Fatalf("generated keys must not be empty")
	}
	if first == second {
		t.Fatalf("generated keys should be unique per call")
	}
}

func TestWriteDomainErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{err: cards.ErrInvalidInput, want: http.StatusBadRequest},
		{err: cards.ErrUnauthorized, want: http.StatusForbidden},
		{err: cards.ErrUserNotFound, want: http.StatusNotFound},
		{err: cards.ErrCardNotFound, want: http.StatusNotFound},
		{err: cards.ErrTradeNotFound, want: http.StatusNotFound},
		{err: cards.ErrCodeNotFound, want: http.StatusNotFound},
		{err: cards.ErrGiftNotFound, want: http.StatusNotFound},
		{err: cards.ErrInsufficientPacks, want: http.StatusConflict},
		{err: cards.ErrDuplicateIdempotency, want: http.StatusConflict},
		{err: cards.ErrTradeNotPending, want: http.StatusConflict},
		{err: cards.ErrOwnershipChanged, want: http.StatusConflict},
		{err: cards.ErrNotCardOwner, want: http.StatusConflict},
		{err: cards.ErrNotDuplicate, want: http.StatusConflict},
		{err: cards.ErrCodeRedeemed, want: http.StatusConflict},
		{err: cards.ErrCodeExpired, want: http.StatusConflict},
		{err: cards.ErrGiftClaimed, want: http.StatusConflict},
		{err: cards.ErrGiftExpired, want: http.StatusConflict},
		{err: cards.ErrNoEligibleSources, want: http.StatusServiceUnavailable},
		{err: http.ErrBodyNotAllowed, want: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeDomainError(rec, tc.err)
		if rec.Code != tc.want {
			t.Fatalf("writeDomainError(%v) = %d, want %d", tc.err, rec.Code, tc.want)
		}
	}
}

func TestWriteDomainErrorKeepsWrappedDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	writeDomainError(rec, cards.ErrTradeNotPending)
	if body := rec.Body.String(); body == "" {
		t.Fatalf("expected an error payload")
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("unexpected content type %q", got)
	}
}
