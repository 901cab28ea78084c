// Command relayd is the saltwire relay's single static binary: it loads
// configuration, opens its collaborators, serves HTTP, and shuts down
// gracefully on SIGINT/SIGTERM.
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentries/saltwire/internal/blobstore"
	"github.com/agentries/saltwire/internal/config"
	"github.com/agentries/saltwire/internal/cryptoutil"
	"github.com/agentries/saltwire/internal/db"
	"github.com/agentries/saltwire/internal/httpapi"
	"github.com/agentries/saltwire/internal/identity"
	"github.com/agentries/saltwire/internal/jar"
	"github.com/agentries/saltwire/internal/logging"
	"github.com/agentries/saltwire/internal/messaging"
	"github.com/agentries/saltwire/internal/push"
	"github.com/agentries/saltwire/internal/retention"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML or JSON config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("relayd: load config: %v", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("relayd: build logger: %v", err)
	}
	defer logger.Sync()

	pool, err := db.Open(cfg.Database)
	if err != nil {
		logger.Fatal("relayd: open database", zap.Error(err))
	}
	defer pool.Close()

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer bootCancel()
	if err := db.Migrate(bootCtx, pool); err != nil {
		logger.Fatal("relayd: migrate database", zap.Error(err))
	}

	blobs, err := blobstore.New(cfg.Storage.ContainerURL)
	if err != nil {
		logger.Fatal("relayd: open blob store", zap.Error(err))
	}

	phoneKey, err := decodePhoneKey(cfg.Storage.PhoneEncryptionKey)
	if err != nil {
		logger.Fatal("relayd: decode phone encryption key", zap.Error(err))
	}
	phones, err := cryptoutil.NewPhoneCipher(phoneKey)
	if err != nil {
		logger.Fatal("relayd: build phone cipher", zap.Error(err))
	}

	identityStore := identity.New(pool, phones)

	pusher, err := push.New(cfg.Push)
	if err != nil {
		logger.Fatal("relayd: build push provider", zap.Error(err))
	}

	messagingStore := messaging.New(pool, blobs, identityStore, pusher, logger, cfg.Storage.MessageTTL)
	jarStore := jar.New(pool, identityStore, logger)

	sweeper := retention.New(pool, blobs, logger, cfg.Storage.CleanupInterval, cfg.Storage.DeviceIdleTTL)
	sweeper.Start(context.Background())

	service := httpapi.New(cfg, logger, pool, identityStore, messagingStore, jarStore, httpapi.NoOpPrincipalResolver{})
	service.Start()

	logger.Info("relayd: listening", zap.String("address", cfg.Server.Address))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("relayd: shutdown signal received")
	sweeper.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := service.Shutdown(shutdownCtx); err != nil {
		logger.Error("relayd: graceful shutdown failed", zap.Error(err))
	}

	logger.Info("relayd: stopped")
}

func decodePhoneKey(encoded string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(encoded)
}
