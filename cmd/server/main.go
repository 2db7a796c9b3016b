// Command server wires the upload service's shared resources into a
// servicecontext.Context and serves the HTTP surface from spec.md §6.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/inconshreveable/log15"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/liteseed/turbo-upload-service/bundlequeue"
	"github.com/liteseed/turbo-upload-service/config"
	"github.com/liteseed/turbo-upload-service/fanout"
	"github.com/liteseed/turbo-upload-service/httpapi"
	"github.com/liteseed/turbo-upload-service/payment"
	"github.com/liteseed/turbo-upload-service/planner"
	"github.com/liteseed/turbo-upload-service/servicecontext"
	"github.com/liteseed/turbo-upload-service/signer"
	"github.com/liteseed/turbo-upload-service/upload"
)

func main() {
	logger := log.New("component", "main")
	cfg := config.Load()

	dsn := os.Getenv("DATABASE_DSN")
	var db *gorm.DB
	if dsn != "" {
		var err error
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
		if err != nil {
			logger.Crit("connecting to database", "err", err)
			os.Exit(1)
		}
		if err := db.AutoMigrate(&upload.Record{}, &upload.MultipartRecord{}, &upload.ChunkPart{}, &fanout.DataItemRow{}); err != nil {
			logger.Crit("running migrations", "err", err)
			os.Exit(1)
		}
	}

	ctx, err := servicecontext.New(servicecontext.Params{
		Config:      cfg,
		DB:          db,
		Payment:     payment.NewHTTPService(cfg.PaymentServiceURL, breakerTimeout()),
		BundleQueue: bundlequeue.NewLogDispatcher(logger),
		LoadServiceWallet: func() (*signer.Signer, error) {
			return loadWallet(os.Getenv("SERVICE_WALLET_PATH"))
		},
		LoadOpticalWallet: func() (*signer.Signer, error) {
			return loadWallet(os.Getenv("OPTICAL_WALLET_PATH"))
		},
	})
	if err != nil {
		logger.Crit("assembling service context", "err", err)
		os.Exit(1)
	}
	defer ctx.Close()

	plannerCtx, cancelPlanner := context.WithCancel(context.Background())
	defer cancelPlanner()
	go planner.Run(plannerCtx, db, cfg, logger)

	engine := gin.Default()
	httpapi.New(ctx).Register(engine)

	addr := fmt.Sprintf(":%s", getPort())
	logger.Info("listening", "addr", addr)
	if err := engine.Run(addr); err != nil {
		logger.Crit("server exited", "err", err)
		os.Exit(1)
	}
}

func loadWallet(path string) (*signer.Signer, error) {
	if path == "" {
		return signer.New()
	}
	return signer.FromPath(path)
}

func getPort() string {
	if p := os.Getenv("PORT"); p != "" {
		return p
	}
	return "3000"
}

func breakerTimeout() (d time.Duration) {
	return 5 * time.Second
}
