package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"vault-node/config"
	"vault-node/crypto"
	"vault-node/db"
	"vault-node/handlers"
	"vault-node/kadops"
	"vault-node/logger"
	"vault-node/models"
	"vault-node/quorum"
	"vault-node/routers"
	"vault-node/rpc"
	"vault-node/service"
)

const cleanUpInterval = 30 * time.Second

func main() {
	app := &cli.App{
		Name:  "vault-node",
		Usage: "run a storage vault",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: "config/config.yaml", Usage: "path to the YAML config file"},
			&cli.IntFlag{Name: "port", Usage: "override server.port"},
			&cli.StringFlag{Name: "log-level", Usage: "override log.level"},
			&cli.StringFlag{Name: "advertise", Usage: "host:port peers use to reach this vault"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Println("vault-node:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	// Load config
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("port") {
		cfg.Port = c.Int("port")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}

	if err := logger.InitLogger(cfg.AppLogFile, cfg.LogLevel); err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer logger.Logger.Sync()

	logger.Logger.Info("Starting vault...")

	// Connect to LevelDB
	ldb, err := db.NewLevelDB(cfg.LevelDBPath)
	if err != nil {
		logger.Logger.Error("Failed to open leveldb", zap.Error(err))
		return err
	}
	defer ldb.Close()

	keys, err := crypto.LoadOrCreateKeyring(cfg.KeyFile)
	if err != nil {
		logger.Logger.Error("Failed to load keyring", zap.Error(err))
		return err
	}

	advertise := c.String("advertise")
	if advertise == "" {
		advertise = fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	}
	self := models.Contact{ID: keys.PMID, Address: advertise}
	table := kadops.NewStaticTable(self, cfg.K, cfg.Peers)
	online := quorum.NewAtomicOnline(true)
	rpcs := rpc.Dispatcher{Remote: rpc.NewHTTPClient(&http.Client{Timeout: cfg.RPCTimeout})}

	svc, err := service.NewNode(cfg, keys, ldb, table, rpcs, online)
	if err != nil {
		logger.Logger.Error("Failed to build vault", zap.Error(err))
		return err
	}
	logger.Logger.Info("Vault ready",
		logger.ID("pmid", keys.PMID), zap.Int("peers", table.Len()),
		zap.Int("store_threshold", cfg.StoreThreshold()), zap.Int("trust_threshold", cfg.TrustThreshold()))

	// Setup router
	r := mux.NewRouter()
	routers.RegisterRoutes(r, handlers.NewHandler(svc, online))

	// HTTP Server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Logger.Error("Server stopped", zap.Error(err))
		}
	}()
	logger.Logger.Info("Server running on port", zap.Int("port", cfg.Port))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go housekeeping(ctx, svc)

	if table.Len() > 0 && cfg.Capacity > 0 {
		go func() {
			if err := svc.ReportSpace(ctx, cfg.Capacity.Bytes()); err != nil {
				logger.Logger.Warn("Failed to report offered space", zap.Error(err))
			}
		}()
	}

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logger.Logger.Info("Shutdown signal received, exiting...")
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	return srv.Shutdown(shutdownCtx)
}

// housekeeping sweeps expired amendments, expectations and stale waiting
// list entries until ctx ends.
func housekeeping(ctx context.Context, svc *service.Service) {
	ticker := time.NewTicker(cleanUpInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			svc.CleanUp(now)
		}
	}
}
