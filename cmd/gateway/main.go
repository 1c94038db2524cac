package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/hedgesys/hedge-gateway/internal/domain"
	"github.com/hedgesys/hedge-gateway/internal/infrastructure/gateway"
	"github.com/hedgesys/hedge-gateway/internal/infrastructure/logger"
	"github.com/hedgesys/hedge-gateway/internal/infrastructure/storage"
	"github.com/hedgesys/hedge-gateway/internal/usecase"
)

type Config struct {
	Server struct {
		Host            string  `yaml:"host"`
		Port            int     `yaml:"port"`
		MaxPayloadBytes int64   `yaml:"max_payload_bytes"`
		OutboundBuffer  int     `yaml:"outbound_buffer"`
		MessagesPerSec  float64 `yaml:"messages_per_sec"`
		MessageBurst    int     `yaml:"message_burst"`
	} `yaml:"server"`
	Auth struct {
		Token           string `yaml:"token"`
		MaxConnections  int    `yaml:"max_connections"`
		AuthGraceMs     int    `yaml:"auth_grace_ms"`
		ConnTimeoutMs   int    `yaml:"conn_timeout_ms"`
		SweepIntervalMs int    `yaml:"sweep_interval_ms"`
	} `yaml:"auth"`
	Protocol struct {
		CommandTimeoutMs int `yaml:"command_timeout_ms"`
		MaxRetries       int `yaml:"max_retries"`
		RetryBackoffMs   int `yaml:"retry_backoff_ms"`
		SubscriberBuffer int `yaml:"subscriber_buffer"`
		PingIntervalMs   int `yaml:"ping_interval_ms"`
	} `yaml:"protocol"`
	Trailing struct {
		CheckIntervalMs   int `yaml:"check_interval_ms"`
		WatchdogTimeoutMs int `yaml:"watchdog_timeout_ms"`
		MaxSnapshots      int `yaml:"max_snapshots"`
		MaxPositionErrors int `yaml:"max_position_errors"`
	} `yaml:"trailing"`
	Recovery struct {
		MaxAttempts            int    `yaml:"max_attempts"`
		CooldownMs             int    `yaml:"cooldown_ms"`
		MaxConcurrent          int    `yaml:"max_concurrent"`
		EscalateAt             string `yaml:"escalate_at"`
		RequireApproval        bool   `yaml:"require_approval"`
		AutoApproveBelow       string `yaml:"auto_approve_below"`
		EnableConsistencyFixes bool   `yaml:"enable_consistency_fixes"`
	} `yaml:"recovery"`
	Consistency struct {
		IntervalMs       int             `yaml:"interval_ms"`
		StopVariancePct  float64         `yaml:"stop_variance_pct"`
		FixAttempts      int             `yaml:"fix_attempts"`
		FixCooldownMs    int             `yaml:"fix_cooldown_ms"`
		AutoFix          map[string]bool `yaml:"auto_fix"`
		Strict           bool            `yaml:"strict"`
	} `yaml:"consistency"`
	Storage struct {
		DBPath string `yaml:"db_path"`
	} `yaml:"storage"`
	Logging struct {
		Level     string `yaml:"level"`
		AuditFile string `yaml:"audit_file"`
	} `yaml:"logging"`
	Ops struct {
		Port int `yaml:"port"`
	} `yaml:"ops"`
}

func loadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func main() {
	// 1. Load Config
	cfgPath := "config/config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Init Loggers
	log, err := logger.NewLogger(cfg.Logging.Level)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	auditLog := log
	if cfg.Logging.AuditFile != "" {
		auditLog, err = logger.NewFileLogger(cfg.Logging.AuditFile, cfg.Logging.Level)
		if err != nil {
			log.Fatal("Failed to init audit logger", zap.Error(err))
		}
	}

	// 3. Init Storage
	store, err := storage.NewSQLiteStore(cfg.Storage.DBPath)
	if err != nil {
		log.Fatal("Failed to init sqlite", zap.Error(err))
	}
	defer store.Close()
	positions := storage.NewPositionStore()

	// 4. Init Gateway Transport
	registry := gateway.NewRegistry(gateway.RegistryConfig{
		AuthToken:      cfg.Auth.Token,
		MaxConnections: cfg.Auth.MaxConnections,
		AuthGrace:      ms(cfg.Auth.AuthGraceMs),
		ConnTimeout:    ms(cfg.Auth.ConnTimeoutMs),
	}, log)
	protocol := gateway.NewProtocol(gateway.ProtocolConfig{
		CommandTimeout:   ms(cfg.Protocol.CommandTimeoutMs),
		MaxRetries:       cfg.Protocol.MaxRetries,
		RetryBackoff:     ms(cfg.Protocol.RetryBackoffMs),
		SubscriberBuffer: cfg.Protocol.SubscriberBuffer,
	}, registry, log)

	// 5. Init Services
	calc := usecase.NewTrailCalculator()
	engine := usecase.NewTrailEngine(usecase.EngineConfig{
		CheckInterval:     ms(cfg.Trailing.CheckIntervalMs),
		WatchdogTimeout:   ms(cfg.Trailing.WatchdogTimeoutMs),
		MaxSnapshots:      cfg.Trailing.MaxSnapshots,
		MaxPositionErrors: cfg.Trailing.MaxPositionErrors,
	}, protocol, positions, store, calc, log)
	recovery := usecase.NewRecoveryService(usecase.RecoveryConfig{
		MaxAttempts:            cfg.Recovery.MaxAttempts,
		Cooldown:               ms(cfg.Recovery.CooldownMs),
		MaxConcurrent:          cfg.Recovery.MaxConcurrent,
		EscalateAt:             domain.Severity(cfg.Recovery.EscalateAt),
		RequireApproval:        cfg.Recovery.RequireApproval,
		AutoApproveBelow:       domain.Severity(cfg.Recovery.AutoApproveBelow),
		EnableConsistencyFixes: cfg.Recovery.EnableConsistencyFixes,
	}, store, auditLog)
	recovery.BindEngine(engine)
	engine.SetFailureSink(recovery)
	checker := usecase.NewConsistencyChecker(usecase.CheckerConfig{
		StopVariancePct:  cfg.Consistency.StopVariancePct,
		AutoFix:          cfg.Consistency.AutoFix,
		FixAttempts:      cfg.Consistency.FixAttempts,
		FixCooldown:      ms(cfg.Consistency.FixCooldownMs),
		Strict:           cfg.Consistency.Strict,
	}, engine, calc, positions, recovery, log)

	// 6. Wire Connection Lifecycle to Trailing
	registry.OnAuthenticated(func(conn *domain.Connection) {
		engine.ResumeAccount(conn.AccountID())
	})
	registry.OnClose(func(conn *domain.Connection, reason string) {
		acct := conn.AccountID()
		// A superseding reconnect is routine churn: the account already
		// routes to its new connection and must not be suspended.
		if acct == "" || reason == gateway.ReasonSuperseded {
			return
		}
		engine.SuspendAccount(acct)
		go recovery.ReportFailure(context.Background(), usecase.Failure{
			Err:       fmt.Errorf("terminal disconnected: %s: %w", reason, domain.ErrNotConnected),
			Class:     domain.FailureConnection,
			Severity:  domain.SeverityMedium,
			AccountID: acct,
			Context:   "connection teardown",
		})
	})

	server := gateway.NewServer(gateway.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		MaxPayloadBytes: cfg.Server.MaxPayloadBytes,
		OutboundBuffer:  cfg.Server.OutboundBuffer,
		MessagesPerSec:  cfg.Server.MessagesPerSec,
		MessageBurst:    cfg.Server.MessageBurst,
	}, registry, protocol, log)

	// 7. Wait for Shutdown (set up early so goroutines can use 'stop')
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 8. Terminal Event Loop
	events := protocol.Subscribe("engine",
		domain.EventPrice, domain.EventOpened, domain.EventClosed, domain.EventStopped)
	go func() {
		for {
			select {
			case <-rootCtx.Done():
				return
			case ie := <-events:
				handleEvent(rootCtx, ie, positions, engine, registry, log)
			}
		}
	}()

	// 9. Maintenance Loops
	go func() {
		ticker := time.NewTicker(ms(cfg.Auth.SweepIntervalMs))
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				registry.Sweep()
				server.BroadcastHeartbeat()
			}
		}
	}()
	go func() {
		ticker := time.NewTicker(ms(cfg.Protocol.PingIntervalMs))
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				protocol.PingAll(rootCtx)
			}
		}
	}()
	go func() {
		ticker := time.NewTicker(ms(cfg.Trailing.WatchdogTimeoutMs))
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				engine.Watchdog(rootCtx)
			}
		}
	}()
	go func() {
		ticker := time.NewTicker(ms(cfg.Consistency.IntervalMs))
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				checker.Run(rootCtx)
			}
		}
	}()

	// 10. Ops Endpoints
	opsMux := http.NewServeMux()
	opsMux.Handle("/metrics", promhttp.Handler())
	opsMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(server.Status())
	})
	opsMux.HandleFunc("/incidents", func(w http.ResponseWriter, r *http.Request) {
		incidents, err := recovery.OpenIncidents(r.Context(), 50)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(incidents)
	})
	opsServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Ops.Port),
		Handler: opsMux,
	}
	go func() {
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Ops server failed", zap.Error(err))
		}
	}()

	// 11. Start Gateway
	go func() {
		if err := server.Start(); err != nil {
			log.Fatal("Gateway server failed", zap.Error(err))
		}
	}()

	<-stop
	log.Info("Shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Gateway shutdown failed", zap.Error(err))
	}
	_ = opsServer.Shutdown(shutdownCtx)
}

// handleEvent mirrors terminal events into the position store and drives
// the trailing engine.
func handleEvent(
	ctx context.Context,
	ie gateway.InboundEvent,
	positions *storage.PositionStore,
	engine *usecase.TrailEngine,
	registry *gateway.Registry,
	log *zap.Logger,
) {
	ev := ie.Event
	switch ev.Type {
	case domain.EventPrice:
		price := ev.Price.Mid()
		if err := positions.UpdatePrice(ctx, ev.Price.Symbol, price); err != nil {
			log.Warn("price mirror failed", zap.Error(err))
		}
		engine.OnPrice(ctx, ev.Price.Symbol, price, ev.Timestamp)

	case domain.EventOpened:
		pos := &domain.Position{
			PositionID:   ev.Opened.PositionID,
			AccountID:    ev.AccountID,
			EntryPrice:   ev.Opened.Price,
			CurrentPrice: ev.Opened.Price,
			OrderID:      ev.Opened.OrderID,
			OpenedAt:     ev.Opened.Time,
		}
		if conn, ok := registry.Get(ie.ConnectionID); ok && pos.AccountID == "" {
			pos.AccountID = conn.AccountID()
		}
		if err := positions.RecordOpened(ctx, pos); err != nil {
			log.Warn("open mirror failed", zap.String("position", pos.PositionID), zap.Error(err))
		}

	case domain.EventClosed:
		if err := positions.RecordClosed(ctx, ev.Closed.PositionID, ev.Closed.Price, ev.Closed.Profit); err != nil {
			log.Debug("close mirror skipped", zap.String("position", ev.Closed.PositionID), zap.Error(err))
		}
		engine.OnClosed(ctx, ev.Closed)

	case domain.EventStopped:
		if err := positions.RecordClosed(ctx, ev.Stopped.PositionID, ev.Stopped.Price, 0); err != nil {
			log.Debug("stop-out mirror skipped", zap.String("position", ev.Stopped.PositionID), zap.Error(err))
		}
		engine.OnStopped(ctx, ev.Stopped)
	}
}
