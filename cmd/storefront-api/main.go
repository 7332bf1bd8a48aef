package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/storefront/internal/auth"
	"github.com/MarcoPoloResearchLab/storefront/internal/cart"
	"github.com/MarcoPoloResearchLab/storefront/internal/catalog"
	"github.com/MarcoPoloResearchLab/storefront/internal/checkout"
	"github.com/MarcoPoloResearchLab/storefront/internal/config"
	"github.com/MarcoPoloResearchLab/storefront/internal/database"
	"github.com/MarcoPoloResearchLab/storefront/internal/fulfillment"
	"github.com/MarcoPoloResearchLab/storefront/internal/logging"
	"github.com/MarcoPoloResearchLab/storefront/internal/notifications"
	"github.com/MarcoPoloResearchLab/storefront/internal/orders"
	"github.com/MarcoPoloResearchLab/storefront/internal/payments"
	"github.com/MarcoPoloResearchLab/storefront/internal/server"
	"github.com/MarcoPoloResearchLab/storefront/internal/webhooks"
	"github.com/jomei/notionapi"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "storefront-api",
		Short: "Storefront checkout and fulfillment service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newReplayWebhookCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("notion-pricing-file", "", "YAML file with Notion product prices")
	cmd.PersistentFlags().String("redis-address", "", "Redis address for cart sessions (memory when empty)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "catalog.notion_pricing_file", "notion-pricing-file")
	bindFlag(cmd, "redis.address", "redis-address")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	pricing, err := catalog.LoadPricingConfig(appConfig.NotionPricingFile)
	if err != nil {
		return err
	}
	dashboardCatalog, err := catalog.NewDashboardCatalog(db)
	if err != nil {
		return err
	}
	notionCatalog, err := catalog.NewNotionCatalog(catalog.NotionCatalogConfig{
		Fetcher: newNotionFetcher(appConfig.NotionToken, logger),
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	orderStore, err := orders.NewStore(orders.StoreConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	gateway, err := payments.NewStripeGateway(payments.StripeGatewayConfig{
		SecretKey: appConfig.StripeSecretKey,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	verifier, err := payments.NewWebhookVerifier(appConfig.StripeWebhookSecret)
	if err != nil {
		return err
	}

	dispatcher := notifications.NewDispatcher(notifications.DispatcherConfig{
		Sender:       newEmailSender(appConfig, logger),
		AdminAddress: appConfig.EmailAdminAddress,
		SiteURL:      appConfig.SiteURL,
		Logger:       logger,
	})

	deliverer, err := fulfillment.NewDeliverer(fulfillment.DelivererConfig{
		Pricing:  pricing,
		Leads:    orderStore,
		Notifier: dispatcher,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	checkoutService, err := checkout.NewService(checkout.ServiceConfig{
		Dashboard: dashboardCatalog,
		Notion:    notionCatalog,
		Pricing:   pricing,
		Gateway:   gateway,
		Purchases: orderStore,
		Deliverer: deliverer,
		Currency:  appConfig.Currency,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	orderEvents := server.NewOrderEventDispatcher()
	reconciler, err := webhooks.NewReconciler(webhooks.Config{
		Verifier:      verifier,
		Store:         orderStore,
		Products:      dashboardCatalog,
		Subscriptions: gateway,
		Notifier:      dispatcher,
		Deliverer:     deliverer,
		Publisher:     orderEvents,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.TAuthSigningKey),
		Issuer:        appConfig.TAuthIssuer,
		CookieName:    appConfig.TAuthCookieName,
	})
	if err != nil {
		return err
	}

	cartStorage, closeCarts, err := newCartStorage(ctx, appConfig, logger)
	if err != nil {
		return err
	}
	defer closeCarts()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Checkout:        checkoutService,
		Webhooks:        reconciler,
		Leads:           deliverer,
		CartStorage:     cartStorage,
		OrderEvents:     orderEvents,
		Sessions:        sessionValidator,
		Memberships:     orderStore,
		MembershipPlans: gateway,
		Studio: server.StudioConfig{
			MonthlyPriceID: appConfig.StudioMonthlyPriceID,
			YearlyPriceID:  appConfig.StudioYearlyPriceID,
			SiteURL:        appConfig.SiteURL,
		},
		CartCookie: server.CartCookieConfig{
			MaxAge: appConfig.CartTTL,
			Secure: appConfig.CartCookieSecure,
		},
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newEmailSender(appConfig config.AppConfig, logger *zap.Logger) notifications.Sender {
	if appConfig.EmailAPIKey == "" {
		logger.Warn("email api key not configured; outbound email disabled")
		return notifications.NoopSender{}
	}
	resendSender, err := notifications.NewResendSender(notifications.ResendConfig{
		APIKey: appConfig.EmailAPIKey,
		From:   appConfig.EmailFrom,
	})
	if err != nil {
		logger.Warn("email sender misconfigured; outbound email disabled", zap.Error(err))
		return notifications.NoopSender{}
	}
	return notifications.NewBreakerSender(resendSender, notifications.BreakerConfig{
		Name:   "resend",
		Logger: logger,
	})
}

func newCartStorage(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (cart.StorageProvider, func(), error) {
	if appConfig.RedisAddress == "" {
		logger.Info("cart sessions kept in memory")
		return cart.NewMemoryStorageProvider(appConfig.CartTTL), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: appConfig.RedisAddress})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	logger.Info("cart sessions kept in redis", zap.String("address", appConfig.RedisAddress))
	return cart.NewRedisStorageProvider(client, appConfig.CartTTL), func() { _ = client.Close() }, nil
}

type unconfiguredNotionFetcher struct{}

func (unconfiguredNotionFetcher) Page(_ context.Context, id string) (*notionapi.Page, error) {
	return nil, catalog.ErrProductNotFound
}

func newNotionFetcher(token string, logger *zap.Logger) catalog.PageFetcher {
	if token == "" {
		logger.Warn("notion token not configured; notion products unavailable")
		return unconfiguredNotionFetcher{}
	}
	return catalog.NewNotionAPIFetcher(token)
}
