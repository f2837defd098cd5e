package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"tonrody/internal/app/lobby"
	"tonrody/internal/audit"
	"tonrody/internal/chain"
	"tonrody/internal/config"
	"tonrody/internal/ingest"
	"tonrody/internal/ledger"
	"tonrody/internal/logging"
	"tonrody/internal/notify"
	"tonrody/internal/rounds"
	"tonrody/internal/seats"
	"tonrody/internal/store"
	httptransport "tonrody/internal/transport/http"
	"tonrody/internal/ws"

	"github.com/google/uuid"
	_ "github.com/joho/godotenv/autoload"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	hubBacklog     = 200
	wsPingInterval = 30 * time.Second
	claimTTL       = 30 * time.Second
)

func main() {
	cfg, err := config.LoadApp()
	if err != nil {
		panic(err)
	}
	if err := logging.Init(cfg.Log); err != nil {
		panic(err)
	}
	srvCfg := cfg.Server

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if srvCfg.MigrateOnStart {
		if err := store.Migrate(srvCfg.PostgresDSN); err != nil {
			log.Fatal().Err(err).Msg("migrate failed")
		}
	}
	st, err := store.New(srvCfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("store init failed")
	}
	defer st.Close()
	if err := st.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("db ping failed")
	}

	hub := notify.NewHub(hubBacklog)
	defer hub.Close()

	var claimer ingest.Claimer
	if srvCfg.RedisAddr != "" {
		rdb := connectRedis(ctx, srvCfg, hub)
		defer rdb.Close()
		claimer = ingest.NewRedisClaimer(rdb, uuid.NewString(), claimTTL)
	}

	cc := chainClient(srvCfg)

	trail := audit.New(st)
	txlog := ledger.New(st)
	seatLedger := seats.New(st, hub, txlog, seats.Config{
		ReservationTTL: srvCfg.ReservationTTL,
		PaymentWindow:  srvCfg.PaymentWindow,
	})
	engine := rounds.New(st, trail, txlog, cc, hub)
	lobbySvc := lobby.NewService(st, seatLedger, engine, trail, txlog, cc)

	auth, err := ingest.NewAuthenticator(srvCfg.WebhookSecret, srvCfg.WebhookHMACSecret, srvCfg.WebhookAllowlist)
	if err != nil {
		log.Fatal().Err(err).Msg("webhook auth config invalid")
	}
	ingestor := ingest.New(st, seatLedger, engine, trail, txlog, hub, claimer, ingest.Config{
		ContractAddress:    srvCfg.ContractAddress,
		StakeToleranceNano: srvCfg.StakeToleranceNano,
	})

	sweeper := seats.NewSweeper(seatLedger, srvCfg.SweepInterval)
	if err := sweeper.Start(); err != nil {
		log.Fatal().Err(err).Msg("sweeper start failed")
	}
	defer sweeper.Stop()

	r := httptransport.NewRouter(srvCfg, httptransport.Deps{
		Store:    st,
		Chain:    cc,
		Lobby:    lobbySvc,
		Auth:     auth,
		Ingestor: ingestor,
		WS:       ws.NewServer(hub, wsPingInterval),
	})
	httptransport.LogRoutes(r)

	server := &http.Server{
		Addr:              srvCfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srvCfg.HTTPAddr).Msg("http listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server stopped")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	log.Info().Msg("server stopped")
}

// connectRedis dials Redis and starts relaying hub events across instances.
func connectRedis(ctx context.Context, cfg config.ServerConfig, hub *notify.Hub) *redis.Client {
	rdb, err := notify.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connect failed")
	}
	bridge := notify.NewRedisBridge(rdb, hub)
	go func() {
		if err := bridge.Run(ctx); err != nil {
			log.Error().Err(err).Msg("redis bridge stopped")
		}
	}()
	log.Info().Str("addr", cfg.RedisAddr).Msg("redis bridge enabled")
	return rdb
}

func chainClient(cfg config.ServerConfig) chain.Client {
	if cfg.ChainRPCURL == "" {
		log.Warn().Msg("CHAIN_RPC_URL not set, chain features disabled")
		return chain.Offline{}
	}
	var signer chain.Signer
	if cfg.ChainSigningKey != "" {
		s, err := chain.NewEd25519Signer(cfg.ChainSigningKey)
		if err != nil {
			log.Fatal().Err(err).Msg("chain signing key invalid")
		}
		signer = s
	}
	return chain.NewHTTPClient(cfg.ChainRPCURL, cfg.ChainAPIKey, signer, cfg.ChainTimeout)
}
