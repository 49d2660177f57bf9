package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

type Statline struct {
	GamesPlayed  int     `json:"games_played"`
	RoundsPlayed int     `json:"rounds_played"`
	Kills        int     `json:"kills"`
	Deaths       int     `json:"deaths"`
	Assists      int     `json:"assists"`
	ADR          float64 `json:"adr"`
	KAST         float64 `json:"kast"`
	Rating       float64 `json:"rating"`
}

type Player struct {
	PlayerRef   string   `json:"player_ref"`
	Name        string   `json:"name"`
	Season      int      `json:"season"`
	StatEra     string   `json:"stat_era"`
	CosmeticSig string   `json:"cosmetic_sig"`
	Statline    Statline `json:"statline"`
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 20 * time.Second,
		},
	}
}

func (c *Client) FetchPlayers(ctx context.Context) ([]Player, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/players", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stats request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("stats status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var players []Player
	if err := json.NewDecoder(resp.Body).Decode(&players); err != nil {
		return nil, fmt.Errorf("decode players: %w", err)
	}
	return players, nil
}

// Cache serves the provider's player list for at most ttl before refetching.
// Callers always receive a copy; the cached slice is never aliased out.
type Cache struct {
	client *Client
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	players []Player
	fetched time.Time
}

func NewCache(client *Client, ttl time.Duration) *Cache {
	return &Cache{
		client: client,
		ttl:    ttl,
		now:    time.Now,
	}
}

func (c *Cache) Players(ctx context.Context) ([]Player, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.players != nil && c.now().Sub(c.fetched) < c.ttl {
		return clonePlayers(c.players), nil
	}
	players, err := c.client.FetchPlayers(ctx)
	if err != nil {
		return nil, err
	}
	c.players = players
	c.fetched = c.now()
	return clonePlayers(players), nil
}

func clonePlayers(in []Player) []Player {
	out := make([]Player, len(in))
	copy(out, in)
	return out
}
