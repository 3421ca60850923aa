// wagerd is the wagering ledger daemon. It keeps user balances, events
// and bets durable in a file or Redis store, accepts operations over a
// small HTTP API, exposes Prometheus metrics, and pushes settlement
// notices to WebSocket subscribers.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wagerdome/wagerdome/core"
	"github.com/wagerdome/wagerdome/pkg/betting"
	"github.com/wagerdome/wagerdome/pkg/ledger"
	"github.com/wagerdome/wagerdome/pkg/logger"
	"github.com/wagerdome/wagerdome/pkg/market"
	"github.com/wagerdome/wagerdome/pkg/metrics"
	"github.com/wagerdome/wagerdome/pkg/notify"
	"github.com/wagerdome/wagerdome/pkg/proposal"
	"github.com/wagerdome/wagerdome/pkg/service"
	"github.com/wagerdome/wagerdome/pkg/store"
)

type config struct {
	Env      string `env:"WAGERD_ENV" envDefault:"local"`
	HTTPAddr string `env:"WAGERD_HTTP_ADDR" envDefault:":8080"`

	AdminID         int64   `env:"WAGERD_ADMIN_ID,required"`
	StartingBalance float64 `env:"WAGERD_STARTING_BALANCE" envDefault:"1000"`

	DataDir     string `env:"WAGERD_DATA_DIR" envDefault:"data"`
	RedisAddr   string `env:"WAGERD_REDIS_ADDR"`
	RedisPrefix string `env:"WAGERD_REDIS_PREFIX" envDefault:"wagerdome"`

	NotifyRate   float64       `env:"WAGERD_NOTIFY_RATE" envDefault:"20"`
	ReconcileAge time.Duration `env:"WAGERD_RECONCILE_AGE" envDefault:"5m"`
}

var (
	httpAddr = flag.String("http", "", "HTTP listen address (overrides WAGERD_HTTP_ADDR)")
	dataDir  = flag.String("data", "", "data directory for the file store (overrides WAGERD_DATA_DIR)")
)

func main() {
	flag.Parse()

	cfg, err := env.ParseAs[config]()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	log, err := logger.New("wagerd", cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("wagerd exited", zap.Error(err))
	}
}

func run(cfg config, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, healthy, err := openStore(cfg, log)
	if err != nil {
		return err
	}

	m := metrics.New()
	led := ledger.New(st, decimal.NewFromFloat(cfg.StartingBalance), m, log)
	markets := market.New(st, m, log)
	bets := betting.New(st, led, markets, m, log)
	proposals := proposal.New(st, markets, m, log)

	hub := notify.NewHub(cfg.NotifyRate, m, log)
	go hub.Run(ctx)

	svc := service.New(service.Config{AdminID: cfg.AdminID}, led, markets, bets, proposals, hub, log)

	// Sweep partial writes left by a previous crash before serving.
	if n, err := bets.Reconcile(ctx, cfg.ReconcileAge); err != nil {
		return fmt.Errorf("reconcile bets: %w", err)
	} else if n > 0 {
		log.Warn("voided stale unpaid bets", zap.Int("count", n))
	}
	if n, err := proposals.Repair(ctx); err != nil {
		return fmt.Errorf("repair proposals: %w", err)
	} else if n > 0 {
		log.Warn("completed interrupted approvals", zap.Int("count", n))
	}

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      newMux(svc, markets, hub, healthy, m),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	cancel()
	return nil
}

// openStore picks Redis when an address is configured, the file store
// otherwise. The second return value checks the backend's liveness.
func openStore(cfg config, log *zap.Logger) (store.Store, func(context.Context) error, error) {
	if cfg.RedisAddr != "" {
		rs, err := store.NewRedisStore(cfg.RedisAddr, cfg.RedisPrefix)
		if err != nil {
			return nil, nil, fmt.Errorf("redis store: %w", err)
		}
		log.Info("using redis store", zap.String("addr", cfg.RedisAddr))
		return rs, rs.Healthy, nil
	}

	fs, err := store.NewFileStore(cfg.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("file store: %w", err)
	}
	log.Info("using file store", zap.String("dir", cfg.DataDir))
	return fs, fs.Healthy, nil
}

func newMux(svc *service.Service, markets *market.Service, hub *notify.Hub, healthy func(context.Context) error, m *metrics.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	started := time.Now()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := healthy(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		events, err := markets.Active(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(events)
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"uptime":  time.Since(started).String(),
			"clients": hub.ClientCount(),
		})
	})

	mux.HandleFunc("POST /intent", func(w http.ResponseWriter, r *http.Request) {
		var req intentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}
		in, ok := req.intent()
		if !ok {
			http.Error(w, "unknown intent kind", http.StatusBadRequest)
			return
		}
		out, err := svc.Dispatch(r.Context(), in)
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	})

	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/ws", hub.ServeWS)

	return mux
}

// intentRequest is the JSON shape of one operation request. The kind
// string maps onto the service's closed intent set before dispatch.
type intentRequest struct {
	Kind  string `json:"kind"`
	Actor int64  `json:"actor"`

	Register *service.RegisterParams `json:"register,omitempty"`
	Bet      *service.BetParams      `json:"bet,omitempty"`
	Proposal *proposal.SubmitParams  `json:"proposal,omitempty"`
	Event    *market.CreateParams    `json:"event,omitempty"`
	Close    *service.CloseParams    `json:"close,omitempty"`
	Review   *service.ReviewParams   `json:"review,omitempty"`
	TopUp    *service.TopUpParams    `json:"top_up,omitempty"`
}

func (r intentRequest) intent() (service.Intent, bool) {
	kinds := map[string]service.IntentKind{
		"register_or_fetch_user": service.IntentRegisterOrFetchUser,
		"place_bet":              service.IntentPlaceBet,
		"submit_proposal":        service.IntentSubmitProposal,
		"create_event":           service.IntentCreateEvent,
		"close_event":            service.IntentCloseEvent,
		"approve_proposal":       service.IntentApproveProposal,
		"reject_proposal":        service.IntentRejectProposal,
		"add_balance":            service.IntentAddBalance,
	}
	k, ok := kinds[r.Kind]
	if !ok {
		return service.Intent{}, false
	}
	return service.Intent{
		Kind:     k,
		Actor:    r.Actor,
		Register: r.Register,
		Bet:      r.Bet,
		Proposal: r.Proposal,
		Event:    r.Event,
		Close:    r.Close,
		Review:   r.Review,
		TopUp:    r.TopUp,
	}, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, core.ErrInvalidState), errors.Is(err, core.ErrInsufficientFunds):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
