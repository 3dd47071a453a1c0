package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/uhyunpark/nftswap/params"
	"github.com/uhyunpark/nftswap/pkg/api"
	"github.com/uhyunpark/nftswap/pkg/app/core/events"
	"github.com/uhyunpark/nftswap/pkg/app/core/ledger"
	"github.com/uhyunpark/nftswap/pkg/app/core/orderbook"
	"github.com/uhyunpark/nftswap/pkg/app/core/orderstore"
	"github.com/uhyunpark/nftswap/pkg/app/core/transaction"
	"github.com/uhyunpark/nftswap/pkg/app/core/vault"
	"github.com/uhyunpark/nftswap/pkg/crypto"
	"github.com/uhyunpark/nftswap/pkg/p2p"
	"github.com/uhyunpark/nftswap/pkg/relay"
	"github.com/uhyunpark/nftswap/pkg/storage"
	"github.com/uhyunpark/nftswap/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg, err := params.LoadFromEnv("") // "" means load from .env in current directory
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Setup logging (write to both console and file)
	var logger *zap.Logger
	if cfg.Node.LogFile != "" {
		logger, err = util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Node.LogLevel)
	} else {
		logger, err = util.NewLogger(cfg.Node.LogLevel)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Storage ----
	db, err := storage.Open(cfg.Node.DBPath)
	if err != nil {
		sugar.Fatalw("db_open_failed", "path", cfg.Node.DBPath, "err", err)
	}
	defer db.Close()

	// ---- Vault + order book ----
	l := ledger.New()
	v := vault.New(vault.Config{
		Address:          cfg.Market.VaultAddress,
		Admin:            cfg.Market.VaultAdmin,
		FeeRecipient:     cfg.Market.FeeRecipient,
		ProtocolShareBps: cfg.Market.ProtocolShareBps,
	}, l, logger)
	// The binding is not persisted; the admin binds the configured book on
	// every start.
	if err := v.SetOrderBook(cfg.Market.VaultAdmin, cfg.Market.OrderBookAddress); err != nil {
		sugar.Fatalw("vault_bind_failed", "err", err)
	}

	feed := events.NewFeed()
	book := orderbook.New(orderbook.Config{
		Address:     cfg.Market.OrderBookAddress,
		MaxBatch:    cfg.Market.MaxBatch,
		MaxPageSize: cfg.Market.MaxPageSize,
	}, db, orderstore.New(), v, l, feed, util.RealClock{}, logger)

	head, err := events.Head(db)
	if err != nil {
		sugar.Fatalw("event_log_read_failed", "err", err)
	}
	sugar.Infow("node_starting",
		"orderbook", cfg.Market.OrderBookAddress.Hex(),
		"vault", cfg.Market.VaultAddress.Hex(),
		"protocol_share_bps", v.ProtocolShareBps(),
		"chain_id", cfg.Domain.ChainID,
		"event_head", head,
		"devnet", cfg.Node.Devnet)

	// ---- Relays ----
	var publishers []relay.Publisher
	if len(cfg.Relay.KafkaBrokers) > 0 {
		publishers = append(publishers, relay.NewKafkaPublisher(cfg.Relay.KafkaBrokers, cfg.Relay.KafkaTopic))
		sugar.Infow("kafka_relay_enabled", "brokers", cfg.Relay.KafkaBrokers, "topic", cfg.Relay.KafkaTopic)
	}
	if cfg.Relay.P2PListen != "" {
		gossip, err := p2p.NewGossip(ctx, p2p.Config{
			ListenAddr: cfg.Relay.P2PListen,
			Bootstrap:  cfg.Relay.P2PBootstrap,
			Topic:      cfg.Relay.P2PTopic,
			Logger:     sugar.Named("p2p"),
		})
		if err != nil {
			sugar.Fatalw("libp2p_init_failed", "err", err)
		}
		gossip.SetHandler(func(_ context.Context, from peer.ID, ev events.Event) {
			sugar.Debugw("peer_event", "from", from.String(), "seq", ev.Seq, "type", ev.Type)
		})
		publishers = append(publishers, gossip)
	}
	for _, pub := range publishers {
		defer pub.Close()
		relay.New(db, pub, feed, cfg.Relay.Interval, cfg.Relay.BatchSize, logger).Start(ctx)
	}

	// ---- API Server ----
	domain := crypto.EIP712Domain{
		Name:              cfg.Domain.Name,
		Version:           cfg.Domain.Version,
		ChainID:           cfg.Domain.ChainIDBig(),
		VerifyingContract: cfg.Market.OrderBookAddress,
	}
	apiServer := api.NewServer(api.Config{
		AllowedOrigins: cfg.Node.AllowedOrigins,
		Devnet:         cfg.Node.Devnet,
	}, book, transaction.NewVerifier(domain), logger)

	if err := apiServer.Start(ctx, cfg.Node.APIAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		sugar.Errorw("api_server_failed", "err", err)
	}
	sugar.Info("node_stopped")
}
