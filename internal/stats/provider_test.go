package stats

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestClientFetchPlayers(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"player_ref":"p1","name":"Aurora","season":12,"stat_era":"s12","cosmetic_sig":"sig1","statline":{"games_played":8,"kills":120,"rating":1.12}},
			{"player_ref":"p2","name":"Borealis","season":12,"stat_era":"s12","cosmetic_sig":"sig2","statline":{"games_played":0}}
		]`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL+"/", "token-123")
	players, err := client.FetchPlayers(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if gotPath != "/api/players" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotAuth != "Bearer token-123" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if len(players) != 2 {
		t.Fatalf("expected 2 players, got %d", len(players))
	}
	if players[0].Name != "Aurora" || players[0].Statline.GamesPlayed != 8 {
		t.Fatalf("unexpected first player: %+v", players[0])
	}
	if players[1].Statline.GamesPlayed != 0 {
		t.Fatalf("unexpected second player: %+v", players[1])
	}
}

func TestClientFetchPlayersNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")
	if _, err := client.FetchPlayers(context.Background()); err == nil {
		t.Fatalf("expected non-200 to fail")
	} else if !strings.Contains(err.Error(), "502") {
		t.Fatalf("error should carry the status: %v", err)
	}
}

func TestCacheServesWithinTTL(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`[{"player_ref":"p1","name":"Aurora","statline":{"games_played":3}}]`))
	}))
	defer srv.Close()

	current := time.Unix(1_700_000_000, 0)
	cache := NewCache(NewClient(srv.URL, ""), 5*time.Minute)
	cache.now = func() time.Time { return current }

	for i := 0; i < 3; i++ {
		if _, err := cache.Players(context.Background()); err != nil {
			t.Fatalf("players: %v", err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected a single upstream fetch, got %d", calls)
	}

	current = current.Add(6 * time.Minute)
	if _, err := cache.Players(context.Background()); err != nil {
		t.Fatalf("players after expiry: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected the expired cache to refetch, got %d calls", calls)
	}
}

func TestCacheReturnsCopies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"player_ref":"p1","name":"Aurora","statline":{"games_played":3}}]`))
	}))
	defer srv.Close()

	cache := NewCache(NewClient(srv.URL, ""), time.Hour)
	first, err := cache.Players(context.Background())
	if err != nil {
		t.Fatalf("players: %v", err)
	}
	first[0].Name = "Tampered"

	second, err := cache.Players(context.Background())
	if err != nil {
		t.Fatalf("players: %v", err)
	}
	if second[0].Name != "Aurora" {
		t.Fatalf("cache aliased its internal slice: %+v", second[0])
	}
}
