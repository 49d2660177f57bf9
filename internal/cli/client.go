package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type CodeRequest struct {
	IssuedBy         string     `json:"issued_by,omitempty"`
	PackCount        int64      `json:"pack_count"`
	CardsPerPack     int        `json:"cards_per_pack,omitempty"`
	GuaranteedRarity string     `json:"guaranteed_rarity,omitempty"`
	GuaranteedCount  int        `json:"guaranteed_count,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
}

type GiftRequest struct {
	RecipientID string     `json:"recipient_id,omitempty"`
	Broadcast   bool       `json:"broadcast,omitempty"`
	Name        string     `json:"name"`
	PackCount   int64      `json:"pack_count"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

func (c *Client) Health(ctx context.Context) error {
	return c.jsonRequest(ctx, http.MethodGet, "/healthz", "", nil, nil)
}

func (c *Client) CreateCode(ctx context.Context, adminToken string, in CodeRequest) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/admin/codes", adminToken, in, &out)
	return out, err
}

func (c *Client) ListCodes(ctx context.Context, adminToken string, all bool) (map[string]any, error) {
	path := "/v1/admin/codes"
	if all {
		path = "/v1/admin/codes?all=1"
	}
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, path, adminToken, nil, &out)
	return out, err
}

func (c *Client) CreateGift(ctx context.Context, adminToken string, in GiftRequest) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/admin/gifts", adminToken, in, &out)
	return out, err
}

func (c *Client) Grant(ctx context.Context, adminToken, userID string, packs int64) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/admin/grants", adminToken, map[string]any{
		"user_id": userID,
		"packs":   packs,
	}, &out)
	return out, err
}

func (c *Client) jsonRequest(ctx context.Context, method, path, adminToken string, in any, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if adminToken != "" {
		req.Header.Set("X-Admin-Token", adminToken)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("api status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
