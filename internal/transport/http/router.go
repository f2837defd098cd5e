package httptransport

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	applobby "tonrody/internal/app/lobby"
	"tonrody/internal/chain"
	"tonrody/internal/config"
	"tonrody/internal/ingest"
	"tonrody/internal/metrics"
	"tonrody/internal/store"
	"tonrody/internal/ws"
)

// Deps are the components the router exposes.
type Deps struct {
	Store    store.Repository
	Chain    chain.Client
	Lobby    *applobby.Service
	Auth     *ingest.Authenticator
	Ingestor *ingest.Ingestor
	WS       *ws.Server
}

func NewRouter(cfg config.ServerConfig, d Deps) *chi.Mux {
	lobbyHandlers := NewLobbyHandlers(d.Lobby)
	webhookHandlers := NewWebhookHandlers(d.Auth, d.Ingestor)
	var wsOK func() bool
	if d.WS != nil {
		wsOK = d.WS.Healthy
	}
	adminHandlers := NewAdminHandlers(d.Store, d.Chain, d.Lobby, wsOK)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(MetricsMiddleware)

	r.With(APILogMiddleware()).Get("/healthz", adminHandlers.Health())
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	if d.WS != nil {
		r.Get("/ws", d.WS.HandleWS)
	}

	r.Group(func(r chi.Router) {
		r.Use(APILogMiddleware())
		r.Use(BodyCaptureMiddleware(4096))
		r.Post("/events", webhookHandlers.Events())
		r.Post("/ton/events", webhookHandlers.Events())
	})
	r.With(APILogMiddleware()).Get("/round-state/{lobby_id}", lobbyHandlers.RoundState())
	r.With(APILogMiddleware()).Get("/ton/round-state/{lobby_id}", lobbyHandlers.RoundState())

	r.Route("/api", func(r chi.Router) {
		r.Use(APILogMiddleware())
		r.Get("/lobbies", lobbyHandlers.Lobbies())
		r.Get("/lobbies/{lobby_id}", lobbyHandlers.Lobby())
		r.Get("/lobbies/{lobby_id}/ledger", lobbyHandlers.Ledger())
		r.Get("/rounds/{round_id}", lobbyHandlers.Round())
		r.Get("/rounds/{round_id}/proof", lobbyHandlers.Proof())

		r.Group(func(r chi.Router) {
			r.Use(UserAuthMiddleware(cfg.JWTSecret))
			r.Post("/lobbies/{lobby_id}/join", lobbyHandlers.Join())
			r.Post("/lobbies/{lobby_id}/pay", lobbyHandlers.Pay())
			r.Post("/lobbies/{lobby_id}/leave", lobbyHandlers.Leave())
		})

		r.Group(func(r chi.Router) {
			r.Use(AdminAuthMiddleware(cfg.AdminAPIKey))
			r.Post("/lobbies", adminHandlers.CreateLobby())
			r.Post("/lobbies/{lobby_id}/finalize", adminHandlers.Finalize())
			r.Post("/lobbies/{lobby_id}/rounds", adminHandlers.NextRound())
			r.Get("/audit", adminHandlers.Audit())
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		WriteHTTPError(w, http.StatusNotFound, "not_found", "no such route")
	})
	return r
}

func LogRoutes(r chi.Router) {
	type routeDef struct {
		Method string
		Path   string
	}
	routes := make([]routeDef, 0, 32)
	err := chi.Walk(r, func(method string, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		routes = append(routes, routeDef{Method: method, Path: route})
		return nil
	})
	if err != nil {
		log.Error().Err(err).Msg("walk routes failed")
		return
	}
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Path == routes[j].Path {
			return routes[i].Method < routes[j].Method
		}
		return routes[i].Path < routes[j].Path
	})
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Registered routes (%d):\n", len(routes)))
	for _, rt := range routes {
		b.WriteString(fmt.Sprintf("  %-6s %s\n", rt.Method, rt.Path))
	}
	fmt.Print(b.String())
}
