package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cards_http_requests_total",
		Help: "HTTP requests by route pattern, method and status code.",
	}, []string{"route", "method", "status"})

	packsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cards_packs_opened_total",
		Help: "Packs opened successfully.",
	})

	cardsIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cards_issued_total",
		Help: "Cards issued from packs, by rarity.",
	}, []string{"rarity"})

	tradesProposed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cards_trades_proposed_total",
		Help: "Trades proposed successfully.",
	})

	tradesResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cards_trades_resolved_total",
		Help: "Trades leaving the pending state, by outcome.",
	}, []string{"outcome"})

	codesRedeemed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cards_codes_redeemed_total",
		Help: "Redemption codes consumed.",
	})

	giftsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cards_gifts_claimed_total",
		Help: "Gifts claimed, counting each gift once.",
	})

	duplicatesTradedIn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cards_duplicate_trade_ins_total",
		Help: "Duplicate trade-ins completed.",
	})
)

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		httpRequests.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
	})
}
