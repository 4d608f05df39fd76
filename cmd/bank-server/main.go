// Command bank-server runs the bank settlement core's HTTP API: it loads
// configuration, connects to Postgres and runs migrations, loads or
// generates the bank's ECDH keypair, and serves settlement, verification,
// and audit-log endpoints until it receives a shutdown signal.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/certen/bank-settlement-core/pkg/bankkey"
	"github.com/certen/bank-settlement-core/pkg/config"
	"github.com/certen/bank-settlement-core/pkg/database"
	"github.com/certen/bank-settlement-core/pkg/httpserver"
	"github.com/certen/bank-settlement-core/pkg/settlement"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger := log.New(log.Writer(), "[bank-server] ", log.LstdFlags)

	dbClient, err := database.NewClient(cfg, database.WithLogger(logger))
	if err != nil {
		log.Fatalf("connect to database: %v", err)
	}
	defer dbClient.Close()

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 60*time.Second)
	if err := dbClient.MigrateUp(migrateCtx); err != nil {
		cancelMigrate()
		log.Fatalf("run migrations: %v", err)
	}
	cancelMigrate()

	keyManager := bankkey.New(cfg.BankKeyPath)
	if err := keyManager.LoadOrGenerate(); err != nil {
		log.Fatalf("load or generate bank key: %v", err)
	}

	auditRepo := database.NewAuditRepository(dbClient)
	settlementStore := database.NewSettlementStore(dbClient)
	engine := settlement.New(settlementStore, auditRepo)

	handlers := httpserver.New(keyManager, engine, auditRepo, dbClient, cfg.RequestTimeout, logger)

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handlers.Mux(),
	}

	go func() {
		logger.Printf("listening on %s", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Println("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http server shutdown error: %v", err)
	}

	logger.Println("stopped")
}
