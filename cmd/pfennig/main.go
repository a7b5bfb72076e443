package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pfennig/pfennig/internal/blockchain"
	"github.com/pfennig/pfennig/internal/config"
	"github.com/pfennig/pfennig/internal/exchange"
	"github.com/pfennig/pfennig/internal/http_api"
	"github.com/pfennig/pfennig/internal/notificator"
	"github.com/pfennig/pfennig/internal/repository"
	"github.com/pfennig/pfennig/internal/treasury"
	"github.com/pfennig/pfennig/pkg/logger"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "pfennig",
		Usage: "Pfennig is a bitcoin payment processor",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "development", Aliases: []string{"D"}, Usage: "Development mode"},
			&cli.IntFlag{Name: "api-port", Aliases: []string{"a"}, Usage: "HTTP API port"},
			&cli.StringFlag{Name: "postgres-user", Aliases: []string{"u"}, Usage: "Postgres user"},
			&cli.StringFlag{Name: "postgres-password", Aliases: []string{"p"}, Usage: "Postgres password"},
			&cli.StringFlag{Name: "postgres-host", Aliases: []string{"t"}, Usage: "Postgres host"},
			&cli.IntFlag{Name: "postgres-port", Aliases: []string{"P"}, Usage: "Postgres port"},
			&cli.StringFlag{Name: "postgres-db", Aliases: []string{"d"}, Usage: "Postgres database name"},
			&cli.StringFlag{Name: "database-url", Usage: "Postgres connection URL, overrides the individual settings"},
			&cli.StringFlag{Name: "sqlite-path", Usage: "Use a SQLite database file instead of Postgres"},
			&cli.StringFlag{Name: "network", Aliases: []string{"n"}, Usage: "Bitcoin network (mainnet, testnet3, regtest, simnet, signet)"},
			&cli.StringFlag{Name: "btcd-host", Aliases: []string{"b"}, Usage: "btcd websocket RPC host:port"},
			&cli.StringFlag{Name: "watching-key", Aliases: []string{"k"}, Usage: "BIP32 extended public key receive addresses are derived from"},
			&cli.Int64Flag{Name: "confirmations", Aliases: []string{"c"}, Usage: "Confirmations required before a payment is confirmed"},
			&cli.StringFlag{Name: "hmac-key", Usage: "Shared secret webhooks are signed with"},
		},
		Action: func(c *cli.Context) error {
			return run(c)
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	// Load configuration from environment variables
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}

	// Override with flags if set
	if c.IsSet("development") {
		cfg.Development = c.Bool("development")
	}
	if c.IsSet("api-port") {
		cfg.APIPort = c.Int("api-port")
	}
	if c.IsSet("postgres-user") {
		cfg.PostgresUser = c.String("postgres-user")
	}
	if c.IsSet("postgres-password") {
		cfg.PostgresPassword = c.String("postgres-password")
	}
	if c.IsSet("postgres-host") {
		cfg.PostgresHost = c.String("postgres-host")
	}
	if c.IsSet("postgres-port") {
		cfg.PostgresPort = c.Int("postgres-port")
	}
	if c.IsSet("postgres-db") {
		cfg.PostgresDB = c.String("postgres-db")
	}
	if c.IsSet("database-url") {
		cfg.DatabaseURL = c.String("database-url")
	}
	if c.IsSet("sqlite-path") {
		cfg.SQLitePath = c.String("sqlite-path")
	}
	if c.IsSet("network") {
		cfg.BitcoinNetwork = c.String("network")
	}
	if c.IsSet("btcd-host") {
		cfg.BtcdHost = c.String("btcd-host")
	}
	if c.IsSet("watching-key") {
		cfg.WatchingKey = c.String("watching-key")
	}
	if c.IsSet("confirmations") {
		cfg.ConfirmationThreshold = c.Int64("confirmations")
	}
	if c.IsSet("hmac-key") {
		cfg.HMACKey = c.String("hmac-key")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %v", err)
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Development)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %v", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := openDatabase(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %v", err)
	}
	defer db.Close()

	// Initialize exchange rates
	rates := exchange.NewCache(log,
		exchange.NewTickerClient(cfg.TickerURL, cfg.TickerExchange, exchange.DefaultFetchTimeout),
		cfg.Currencies, cfg.DefaultCurrency, cfg.ExchangeRateTTL)
	if err := rates.Prime(ctx); err != nil {
		// invoices in the missing currencies fail until the next refresh succeeds
		log.Warn("Failed to load initial exchange rates", "error", err)
	}
	rates.Start()
	defer rates.Stop()

	// Initialize notificator
	var alerter notificator.Alerter
	if cfg.TelegramBotToken != "" {
		telegram, err := notificator.NewTelegramNotificator(log, cfg.TelegramBotToken, cfg.TelegramAlertChatID)
		if err != nil {
			return fmt.Errorf("failed to initialize telegram bot: %v", err)
		}
		go telegram.Start(ctx)
		alerter = telegram
	}
	notifier := notificator.NewNotificator(log, db, notificator.NewWebhook(cfg.HMACKey, cfg.NotificationTimeout), alerter)

	// Initialize blockchain service
	params := cfg.ChainParams()
	keychain, err := blockchain.NewKeychain(cfg.WatchingKey, params, db)
	if err != nil {
		return fmt.Errorf("failed to load watching key: %v", err)
	}
	source := blockchain.NewBtcdSource(log, blockchain.BtcdConfig{
		Host:       cfg.BtcdHost,
		User:       cfg.BtcdUser,
		Password:   cfg.BtcdPassword,
		CertPath:   cfg.BtcdCertPath,
		DisableTLS: cfg.BtcdDisableTLS,
	}, params, cfg.ConfirmationThreshold, keychain, db)
	if err := source.Run(); err != nil {
		return fmt.Errorf("failed to start blockchain service: %v", err)
	}
	defer source.Close()

	// Create Treasury instance
	treasuryApp := treasury.NewTreasury(db, source, notifier, rates, log, cfg)

	apiServer := http_api.NewHTTPServer(treasuryApp, cfg.APIPort, cfg.Development, log)
	go apiServer.Start()

	// Start the application
	treasuryErr := make(chan error, 1)
	go func() { treasuryErr <- treasuryApp.Start(ctx) }()

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
		err = <-treasuryErr
	case err = <-treasuryErr:
		log.Error("Treasury stopped unexpectedly", "error", err)
	}

	if shutdownErr := apiServer.Shutdown(); shutdownErr != nil {
		log.Error("Failed to shut down HTTP server", "error", shutdownErr)
	}
	return err
}

func openDatabase(cfg *config.Config, log *logger.Logger) (*repository.LedgerDB, error) {
	switch {
	case cfg.SQLitePath != "":
		return repository.NewSQLiteDB(cfg.SQLitePath, log)
	case cfg.DatabaseURL != "":
		return repository.NewPostgresDBFromURL(cfg.DatabaseURL, log)
	default:
		return repository.NewPostgresDB(cfg.PostgresUser, cfg.PostgresPassword, cfg.PostgresDB, cfg.PostgresHost, cfg.PostgresPort, log)
	}
}
