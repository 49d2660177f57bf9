package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestVerifyAccessToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/@me" {
			t.Fatalf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Fatalf("unexpected auth header %q", got)
		}
		w.Write([]byte(`{"id":"1234","username":"csc_fan","global_name":"CSC Fan","avatar":"abc123"}`))
	}))
	defer srv.Close()

	client := NewDiscordClient(srv.URL)
	user, err := client.VerifyAccessToken(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if user.ID != "1234" {
		t.Fatalf("unexpected id %q", user.ID)
	}
	if user.DisplayName() != "CSC Fan" {
		t.Fatalf("unexpected display name %q", user.DisplayName())
	}
	if user.AvatarURL() != "https://cdn.discordapp.com/avatars/1234/abc123.png" {
		t.Fatalf("unexpected avatar url %q", user.AvatarURL())
	}
}

func TestVerifyAccessTokenRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"401: Unauthorized"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewDiscordClient(srv.URL)
	if _, err := client.VerifyAccessToken(context.Background(), "bad"); err == nil {
		t.Fatalf("expected rejected token to fail")
	}
}

func TestDisplayNameFallsBackToUsername(t *testing.T) {
	u := DiscordUser{ID: "1", Username: "csc_fan"}
	if u.DisplayName() != "csc_fan" {
		t.Fatalf("unexpected display name %q", u.DisplayName())
	}
	if u.AvatarURL() != "" {
		t.Fatalf("avatarless user should have empty url, got %q", u.AvatarURL())
	}
}
