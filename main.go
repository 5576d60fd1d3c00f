package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	appcart "github.com/canteenhq/orderflow/internal/application/cart"
	appcheckout "github.com/canteenhq/orderflow/internal/application/checkout"
	appguestauth "github.com/canteenhq/orderflow/internal/application/guestauth"
	applocation "github.com/canteenhq/orderflow/internal/application/location"
	"github.com/canteenhq/orderflow/internal/config"
	domcart "github.com/canteenhq/orderflow/internal/domain/cart"
	domauth "github.com/canteenhq/orderflow/internal/domain/guestauth"
	"github.com/canteenhq/orderflow/internal/domain/menu"
	domorder "github.com/canteenhq/orderflow/internal/domain/order"
	"github.com/canteenhq/orderflow/internal/infrastructure/captcha"
	"github.com/canteenhq/orderflow/internal/infrastructure/catalog"
	"github.com/canteenhq/orderflow/internal/infrastructure/directory"
	"github.com/canteenhq/orderflow/internal/infrastructure/fulfillment"
	"github.com/canteenhq/orderflow/internal/infrastructure/gateway"
	"github.com/canteenhq/orderflow/internal/infrastructure/httpclient"
	"github.com/canteenhq/orderflow/internal/infrastructure/id"
	"github.com/canteenhq/orderflow/internal/infrastructure/inventory"
	"github.com/canteenhq/orderflow/internal/infrastructure/kafkax"
	"github.com/canteenhq/orderflow/internal/infrastructure/memory"
	infraobs "github.com/canteenhq/orderflow/internal/infrastructure/observability"
	"github.com/canteenhq/orderflow/internal/infrastructure/observability/oteltrace"
	"github.com/canteenhq/orderflow/internal/infrastructure/observability/prometrics"
	"github.com/canteenhq/orderflow/internal/infrastructure/observability/zaplogger"
	"github.com/canteenhq/orderflow/internal/infrastructure/outbox"
	"github.com/canteenhq/orderflow/internal/infrastructure/postgres"
	"github.com/canteenhq/orderflow/internal/infrastructure/redisx"
	"github.com/canteenhq/orderflow/internal/observability"
	httppresentation "github.com/canteenhq/orderflow/internal/presentation/http"
)

func main() {
	cfg := config.Load()

	baseLogger := zaplogger.New(
		observability.F("service", cfg.ServiceName),
		observability.F("env", cfg.Env),
	)
	defer syncLogger(baseLogger)

	tel := infraobs.New(
		oteltrace.New(cfg.ServiceName),
		baseLogger,
		buildCounters(),
		buildHistograms(),
	)
	log := tel.Logger().With(observability.F("component", "main"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- storage backends

	var (
		cartStorage appcart.Storage = memory.NewCartStorage()
		nonceStore  appguestauth.NonceStore
		orderRepo   domorder.Repository
	)
	nonceStore = memory.NewNonceStore()

	if cfg.RedisAddr != "" {
		client, err := redisx.Dial(ctx, cfg.RedisAddr, "", cfg.RedisDB)
		if err != nil {
			log.Error("redis_unavailable", observability.F("error", err.Error()))
			os.Exit(1)
		}
		defer func() { _ = client.Close() }()
		cartStorage = redisx.NewCartStorage(client, cfg.CartTTL)
		nonceStore = redisx.NewNonceStore(client)
		log.Info("redis_connected", observability.F("addr", cfg.RedisAddr))
	}

	if cfg.PostgresDSN != "" {
		if err := postgres.RunMigrations(cfg.PostgresDSN); err != nil {
			log.Error("migrations_failed", observability.F("error", err.Error()))
			os.Exit(1)
		}
		pool, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Error("postgres_unavailable", observability.F("error", err.Error()))
			os.Exit(1)
		}
		defer pool.Close()
		orderRepo = postgres.NewOrderRepository(pool)
		log.Info("postgres_connected")
	} else {
		orderRepo = memory.NewOrderRepository()
	}

	// --- external services, in-memory fixtures when unconfigured

	seed := demoSeed()

	var admission appcart.AdmissionChecker = seed.inventory
	if cfg.InventoryURL != "" {
		admission = inventory.NewClient(httpclient.New(cfg.InventoryURL, cfg.ClientTimeout, nil), tel)
	}

	var locDirectory applocation.Directory = seed.inventory
	if cfg.DirectoryURL != "" {
		locDirectory = directory.NewClient(httpclient.New(cfg.DirectoryURL, cfg.ClientTimeout, nil))
	}

	var productCatalog httppresentation.Catalog = seed.catalog
	if cfg.CatalogURL != "" {
		productCatalog = catalog.NewClient(httpclient.New(cfg.CatalogURL, cfg.ClientTimeout, nil))
	}

	var captchaVerifier appguestauth.CaptchaVerifier = allowAllCaptcha{}
	if cfg.CaptchaURL != "" {
		captchaVerifier = captcha.NewClient(httpclient.New(cfg.CaptchaURL, cfg.ClientTimeout, nil), cfg.CaptchaSecretKey)
	}

	var (
		paymentGateway  appcheckout.PaymentGateway
		webhookVerifier httppresentation.WebhookVerifier
	)
	if cfg.GatewayURL != "" {
		client := gateway.NewClient(httpclient.New(cfg.GatewayURL, cfg.GatewayTimeout, nil), cfg.GatewayWebhookSecret)
		paymentGateway = client
		webhookVerifier = client
	} else {
		paymentGateway = devGateway{ids: id.NewUUIDGenerator()}
		log.Warn("payment_gateway_stubbed")
	}

	var confirmer fulfillment.Confirmer = autoAckConfirmer{}
	if cfg.FulfillmentURL != "" {
		confirmer = fulfillment.NewHTTPConfirmer(httpclient.New(cfg.FulfillmentURL, cfg.ClientTimeout, nil))
	}

	// --- event bus

	bus := outbox.NewBus(tel.Logger(), tel)
	bus.Start(ctx)
	defer bus.Stop(context.Background())

	// --- application services

	ids := id.NewUUIDGenerator()
	cartService := appcart.NewService(cartStorage, admission, tel)
	guard := applocation.NewGuard(locDirectory, cartService, tel)
	guestService := appguestauth.NewService(
		captchaVerifier, nonceStore,
		domauth.NewSigner(cfg.GuestAuthSecret),
		ids, cfg.GuestAuthTTL, tel,
	)
	engine := appcheckout.NewEngine(
		orderRepo,
		cartAccess{cartService},
		paymentGateway,
		guestService,
		ids,
		bus,
		cfg.Currency,
		cfg.GatewayTimeout,
		tel,
	)

	notifier := fulfillment.NewNotifier(confirmer, engine, tel)
	notifier.Register(bus)

	if len(cfg.KafkaBrokers) > 0 {
		relay := kafkax.NewRelay(cfg.KafkaBrokers, cfg.KafkaOrderEventTopic, tel)
		relay.Register(bus)
		defer func() { _ = relay.Close() }()

		consumer := kafkax.NewWebhookConsumer(cfg.KafkaBrokers, cfg.KafkaWebhookGroup, cfg.KafkaWebhookTopic, engine, tel)
		go func() {
			if err := consumer.Run(ctx); err != nil {
				log.Error("webhook_consumer_stopped", observability.F("error", err.Error()))
			}
		}()
		log.Info("kafka_connected", observability.F("brokers", cfg.KafkaBrokers))
	}

	// --- http server

	handler := httppresentation.NewHandler(
		cartService, guard, guestService, engine,
		productCatalog, webhookVerifier, promhttp.Handler(), tel,
	)

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: handler.Router(),
	}

	go func() {
		log.Info("http_server_start", observability.F("addr", server.Addr))
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http_server_error", observability.F("error", err.Error()))
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http_server_shutdown_error", observability.F("error", err.Error()))
	} else {
		log.Info("http_server_stopped")
	}
}

func buildCounters() map[observability.MetricKey]observability.Counter {
	reg := metricRegistry()
	return map[observability.MetricKey]observability.Counter{
		observability.MUsecaseRequests: reg.Counter(
			string(observability.MUsecaseRequests),
			"Total number of use case invocations.",
			"use_case", "outcome",
		),
		observability.MHTTPRequests: reg.Counter(
			string(observability.MHTTPRequests),
			"Total number of HTTP requests.",
			"method", "route", "status",
		),
		observability.MExternalRequests: reg.Counter(
			string(observability.MExternalRequests),
			"Total number of outbound requests to external services.",
			"peer", "endpoint", "outcome",
		),
		observability.MAdmissionDenied: reg.Counter(
			string(observability.MAdmissionDenied),
			"Cart additions denied by inventory admission.",
			"location_id",
		),
		observability.MConfirmationSignals: reg.Counter(
			string(observability.MConfirmationSignals),
			"Payment confirmation signals received, by channel.",
			"source", "approved",
		),
		observability.MConfirmationAnomalies: reg.Counter(
			string(observability.MConfirmationAnomalies),
			"Confirmation signals that contradicted a terminal order state.",
			"source",
		),
	}
}

func buildHistograms() map[observability.MetricKey]observability.Histogram {
	reg := metricRegistry()
	return map[observability.MetricKey]observability.Histogram{
		observability.MUsecaseDuration: reg.Histogram(
			string(observability.MUsecaseDuration),
			"Duration of use case execution in seconds.",
			prometheus.DefBuckets,
			"use_case",
		),
		observability.MHTTPRequestDuration: reg.Histogram(
			string(observability.MHTTPRequestDuration),
			"Duration of HTTP request handling in seconds.",
			prometheus.DefBuckets,
			"method", "route", "status",
		),
		observability.MExternalRequestDuration: reg.Histogram(
			string(observability.MExternalRequestDuration),
			"Duration of outbound requests in seconds.",
			prometheus.DefBuckets,
			"peer", "endpoint",
		),
	}
}

var sharedRegistry = prometrics.New("", "")

func metricRegistry() prometrics.Registry { return sharedRegistry }

func syncLogger(logger observability.Logger) {
	if s, ok := logger.(interface{ Sync() error }); ok {
		_ = s.Sync()
	}
}

// cartAccess narrows the cart service to the slice the checkout engine uses.
type cartAccess struct {
	carts *appcart.Service
}

func (c cartAccess) Get(ctx context.Context, sessionID string) (*domcart.Cart, error) {
	return c.carts.Get(ctx, sessionID)
}

func (c cartAccess) Clear(ctx context.Context, sessionID string) error {
	return c.carts.Clear(ctx, sessionID)
}

// allowAllCaptcha passes every proof token. Development only.
type allowAllCaptcha struct{}

func (allowAllCaptcha) Verify(_ context.Context, proofToken, _ string) (bool, error) {
	return proofToken != "", nil
}

// devGateway authorizes every payment instantly. Development only.
type devGateway struct {
	ids id.UUIDGenerator
}

func (g devGateway) CreateAuthorization(_ context.Context, _ decimal.Decimal, _, _ string) (appcheckout.GatewayAuthorization, error) {
	ref := g.ids.NewID()
	return appcheckout.GatewayAuthorization{Ref: "dev_" + ref, ClientSecret: "dev_secret_" + ref}, nil
}

// autoAckConfirmer acknowledges every order so dev orders settle without a
// fulfillment backend.
type autoAckConfirmer struct{}

func (autoAckConfirmer) ConfirmOrder(_ context.Context, _, _ string) (bool, error) {
	return true, nil
}

type demoFixtures struct {
	catalog   *memory.Catalog
	inventory *memory.Inventory
}

// demoSeed builds the static catalog and inventory used when no external
// directory/inventory services are configured.
func demoSeed() demoFixtures {
	oatMilk := menu.OptionGroup{
		ID:   "milk",
		Name: "Milk",
		Options: []menu.Option{
			{ID: "whole", Name: "Whole"},
			{ID: "oat", Name: "Oat", PriceDelta: decimal.RequireFromString("0.40")},
		},
	}
	products := []menu.Product{
		{ID: "latte", Name: "Latte", BasePrice: decimal.RequireFromString("3.50"), OptionGroups: []menu.OptionGroup{oatMilk}},
		{ID: "mocha", Name: "Mocha", BasePrice: decimal.RequireFromString("4.10"), OptionGroups: []menu.OptionGroup{oatMilk}},
		{ID: "bagel", Name: "Bagel", BasePrice: decimal.RequireFromString("2.80")},
		{ID: "soup-of-the-day", Name: "Soup of the day", BasePrice: decimal.RequireFromString("5.20")},
	}

	locations := []menu.Location{
		{ID: "canteen-north", Name: "North Canteen"},
		{ID: "canteen-south", Name: "South Canteen"},
	}
	inv := memory.NewInventory(locations)
	inv.SetStock("canteen-north", "latte", memory.Untracked)
	inv.SetStock("canteen-north", "mocha", memory.Untracked)
	inv.SetStock("canteen-north", "bagel", 24)
	inv.SetStock("canteen-north", "soup-of-the-day", 12)
	inv.SetStock("canteen-south", "latte", memory.Untracked)
	inv.SetStock("canteen-south", "bagel", 10)

	return demoFixtures{catalog: memory.NewCatalog(products), inventory: inv}
}
