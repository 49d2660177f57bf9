package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ethsmith/csc-trading-cards-api/internal/auth"
	"github.com/ethsmith/csc-trading-cards-api/internal/cards"
	"github.com/ethsmith/csc-trading-cards-api/internal/config"
	"github.com/ethsmith/csc-trading-cards-api/internal/notify"
)

type contextKey string

const userContextKey contextKey = "user"

type UserContext struct {
	UserID      string
	DisplayName string
	Token       string
}

type Server struct {
	cfg    config.APIConfig
	log    *slog.Logger
	auth   *auth.DiscordClient
	cards  *cards.Service
	notify *notify.Notifier
	mux    *chi.Mux
}

func New(cfg config.APIConfig, logger *slog.Logger, authClient *auth.DiscordClient, cardsSvc *cards.Service, notifier *notify.Notifier) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		log:    logger,
		auth:   authClient,
		cards:  cardsSvc,
		notify: notifier,
		mux:    chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metricsMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Get("/me", s.handleMe)
			r.Get("/cards", s.handleListCards)
			r.Post("/cards/trade-in", s.handleTradeIn)
			r.Post("/packs/open", s.handleOpenPack)

			r.Post("/trades", s.handleProposeTrade)
			r.Get("/trades", s.handleListTrades)
			r.Get("/trades/{id}", s.handleGetTrade)
			r.Post("/trades/{id}/accept", s.handleAcceptTrade)
			r.Post("/trades/{id}/reject", s.handleRejectTrade)
			r.Post("/trades/{id}/cancel", s.handleCancelTrade)

			r.Post("/codes/redeem", s.handleRedeemCode)
			r.Get("/gifts", s.handleListGifts)
			r.Post("/gifts/claim-all", s.handleClaimAllGifts)
			r.Post("/gifts/{id}/claim", s.handleClaimGift)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.adminMiddleware)
			r.Post("/codes", s.handleAdminCreateCode)
			r.Get("/codes", s.handleAdminListCodes)
			r.Post("/gifts", s.handleAdminCreateGift)
			r.Post("/grants", s.handleAdminGrant)
		})
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		user, err := s.auth.VerifyAccessToken(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, fmt.Sprintf("invalid token: %v", err))
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey, UserContext{
			UserID:      user.ID,
			DisplayName: user.DisplayName(),
			Token:       token,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(r.Header.Get("X-Admin-Token"))
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			writeError(w, http.StatusForbidden, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userFromContext(ctx context.Context) (UserContext, error) {
	v := ctx.Value(userContextKey)
	user, ok := v.(UserContext)
	if !ok || user.UserID == "" {
		return UserContext{}, errors.New("missing auth context")
	}
	return user, nil
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		AccessToken string `json:"access_token"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	token := strings.TrimSpace(in.AccessToken)
	if token == "" {
		writeError(w, http.StatusBadRequest, "access_token is required")
		return
	}
	user, err := s.auth.VerifyAccessToken(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, fmt.Sprintf("invalid token: %v", err))
		return
	}
	profile, err := s.cards.EnsureUser(r.Context(), user.ID, user.DisplayName(), user.AvatarURL(), s.cfg.StarterPacks)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	out, err := s.cards.Profile(r.Context(), user.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListCards(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	out, err := s.cards.ListCards(r.Context(), user.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cards": out})
}

func (s *Server) handleOpenPack(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		Size int `json:"size"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	size := in.Size
	if size == 0 {
		size = s.cfg.PackSize
	}
	result, err := s.cards.OpenPack(r.Context(), cards.OpenPackInput{
		UserID:         user.UserID,
		Size:           size,
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	packsOpened.Inc()
	for _, c := range result.Cards {
		cardsIssued.WithLabelValues(c.Rarity).Inc()
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleProposeTrade(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		CounterpartyID string   `json:"counterparty_id"`
		OfferedIDs     []string `json:"offered_ids"`
		RequestedIDs   []string `json:"requested_ids"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	trade, err := s.cards.ProposeTrade(r.Context(), cards.ProposeTradeInput{
		ProposerID:     user.UserID,
		CounterpartyID: strings.TrimSpace(in.CounterpartyID),
		OfferedIDs:     in.OfferedIDs,
		RequestedIDs:   in.RequestedIDs,
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	tradesProposed.Inc()
	s.notifyAsync(func(ctx context.Context) {
		s.notify.TradeProposed(ctx, trade.CounterpartyID, user.DisplayName, len(trade.Offered), len(trade.Requested))
	})
	writeJSON(w, http.StatusCreated, trade)
}

func (s *Server) handleListTrades(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	q := r.URL.Query()
	out, err := s.cards.ListTrades(r.Context(), user.UserID, q.Get("direction"), q.Get("status"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": out})
}

func (s *Server) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	out, err := s.cards.GetTrade(r.Context(), user.UserID, chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAcceptTrade(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	result, err := s.cards.AcceptTrade(r.Context(), user.UserID, chi.URLParam(r, "id"), idempotencyKey(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	tradesResolved.WithLabelValues("accepted").Inc()
	tradesResolved.WithLabelValues("cascade_cancelled").Add(float64(len(result.CancelledTrades)))
	s.notifyAsync(func(ctx context.Context) {
		s.notify.TradeAccepted(ctx, result.Trade.ProposerID, user.DisplayName)
	})
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRejectTrade(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	out, err := s.cards.RejectTrade(r.Context(), user.UserID, chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	tradesResolved.WithLabelValues("rejected").Inc()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCancelTrade(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	out, err := s.cards.CancelTrade(r.Context(), user.UserID, chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	tradesResolved.WithLabelValues("cancelled").Inc()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRedeemCode(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		Code string `json:"code"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.cards.RedeemCode(r.Context(), user.UserID, in.Code, idempotencyKey(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	codesRedeemed.Inc()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListGifts(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	includeClaimed := r.URL.Query().Get("all") == "1"
	out, err := s.cards.ListGifts(r.Context(), user.UserID, includeClaimed)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"gifts": out})
}

func (s *Server) handleClaimGift(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	giftID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid gift id")
		return
	}
	out, err := s.cards.ClaimGift(r.Context(), user.UserID, giftID, idempotencyKey(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	giftsClaimed.Inc()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleClaimAllGifts(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	out, err := s.cards.ClaimAllGifts(r.Context(), user.UserID, idempotencyKey(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	giftsClaimed.Add(float64(out.GiftsClaimed))
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTradeIn(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		CardIDs []string `json:"card_ids"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.cards.TradeInDuplicates(r.Context(), cards.TradeInInput{
		UserID:         user.UserID,
		CardIDs:        in.CardIDs,
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	duplicatesTradedIn.Inc()
	tradesResolved.WithLabelValues("cascade_cancelled").Add(float64(len(out.CancelledTrades)))
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAdminCreateCode(w http.ResponseWriter, r *http.Request) {
	var in struct {
		IssuedBy         string     `json:"issued_by"`
		PackCount        int64      `json:"pack_count"`
		CardsPerPack     int        `json:"cards_per_pack"`
		GuaranteedRarity string     `json:"guaranteed_rarity"`
		GuaranteedCount  int        `json:"guaranteed_count"`
		ExpiresAt        *time.Time `json:"expires_at"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	issuedBy := strings.TrimSpace(in.IssuedBy)
	if issuedBy == "" {
		issuedBy = "admin"
	}
	out, err := s.cards.CreateCode(r.Context(), cards.CreateCodeInput{
		IssuedBy:         issuedBy,
		PackCount:        in.PackCount,
		CardsPerPack:     in.CardsPerPack,
		GuaranteedRarity: strings.TrimSpace(strings.ToLower(in.GuaranteedRarity)),
		GuaranteedCount:  in.GuaranteedCount,
		ExpiresAt:        in.ExpiresAt,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleAdminListCodes(w http.ResponseWriter, r *http.Request) {
	includeRedeemed := r.URL.Query().Get("all") == "1"
	out, err := s.cards.ListCodes(r.Context(), includeRedeemed)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"codes": out})
}

func (s *Server) handleAdminCreateGift(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RecipientID string     `json:"recipient_id"`
		Broadcast   bool       `json:"broadcast"`
		Name        string     `json:"name"`
		PackCount   int64      `json:"pack_count"`
		ExpiresAt   *time.Time `json:"expires_at"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.cards.CreateGift(r.Context(), cards.CreateGiftInput{
		RecipientID: strings.TrimSpace(in.RecipientID),
		Broadcast:   in.Broadcast,
		Name:        in.Name,
		PackCount:   in.PackCount,
		ExpiresAt:   in.ExpiresAt,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !in.Broadcast {
		recipient := strings.TrimSpace(in.RecipientID)
		name := strings.TrimSpace(in.Name)
		s.notifyAsync(func(ctx context.Context) {
			s.notify.GiftReceived(ctx, recipient, name, in.PackCount)
		})
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleAdminGrant(w http.ResponseWriter, r *http.Request) {
	var in struct {
		UserID string `json:"user_id"`
		Packs  int64  `json:"packs"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	balance, err := s.cards.CreditPacks(r.Context(), strings.TrimSpace(in.UserID), in.Packs, "admin_grant")
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": strings.TrimSpace(in.UserID), "pack_balance": balance})
}

func (s *Server) notifyAsync(fn func(context.Context)) {
	if !s.notify.Enabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		fn(ctx)
	}()
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, cards.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, cards.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, cards.ErrUserNotFound),
		errors.Is(err, cards.ErrCardNotFound),
		errors.Is(err, cards.ErrTradeNotFound),
		errors.Is(err, cards.ErrCodeNotFound),
		errors.Is(err, cards.ErrGiftNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, cards.ErrInsufficientPacks),
		errors.Is(err, cards.ErrDuplicateIdempotency),
		errors.Is(err, cards.ErrTradeNotPending),
		errors.Is(err, cards.ErrOwnershipChanged),
		errors.Is(err, cards.ErrNotCardOwner),
		errors.Is(err, cards.ErrNotDuplicate),
		errors.Is(err, cards.ErrCodeRedeemed),
		errors.Is(err, cards.ErrCodeExpired),
		errors.Is(err, cards.ErrGiftClaimed),
		errors.Is(err, cards.ErrGiftExpired):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, cards.ErrNoEligibleSources):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message)})
}

func idempotencyKey(r *http.Request) string {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key != "" {
		return key
	}
	return uuid.NewString()
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
