package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/matheusmosca/storefront-core/services/cart"
	"github.com/matheusmosca/storefront-core/services/config"
	"github.com/matheusmosca/storefront-core/services/gateway"
	"github.com/matheusmosca/storefront-core/services/identity"
	"github.com/matheusmosca/storefront-core/services/inventory"
	"github.com/matheusmosca/storefront-core/services/notification"
	"github.com/matheusmosca/storefront-core/services/orders"
	"github.com/matheusmosca/storefront-core/services/storage"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

const shutdownTimeout = 15 * time.Second

// stores agrupa os repositórios escolhidos por STORAGE_DRIVER
type stores struct {
	inventory inventory.Repository
	orders    orders.Repository
	carts     cart.Store
	mirror    cart.Mirror
	closers   []func()
}

func (s *stores) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	if cfg.StorageDriver == config.StorageDriverMemory {
		log.Warn("⚠️ using in-memory storage, data is lost on restart")
		return &stores{
			inventory: inventory.NewMemoryRepository(),
			orders:    orders.NewMemoryRepository(),
			carts:     cart.NewMemoryStore(),
			mirror:    cart.NewMemoryMirror(),
		}, nil
	}

	pool, err := storage.NewPool(ctx, cfg.PostgresDSN(), storage.DefaultPoolOptions())
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		// The mirror is a cache; the service keeps serving canonical carts without it.
		log.WithError(err).Warn("⚠️ redis unavailable, cart mirror will be refreshed when it returns")
	}

	return &stores{
		inventory: inventory.NewPostgresRepository(pool),
		orders:    orders.NewPostgresRepository(pool),
		carts:     cart.NewPostgresStore(pool),
		mirror:    cart.NewRedisMirror(rdb),
		closers: []func(){
			pool.Close,
			func() { _ = rdb.Close() },
		},
	}, nil
}

// newNotifier monta o dispatcher sobre o transporte escolhido por NOTIFIER_DRIVER
func newNotifier(cfg *config.Config) (*notification.Dispatcher, func()) {
	var (
		sender notification.Sender
		closer = func() {}
	)
	switch cfg.NotifierDriver {
	case config.NotifierDriverKafka:
		kafkaSender := notification.NewKafkaSender(cfg.KafkaTopic, cfg.KafkaBrokers...)
		sender = kafkaSender
		closer = func() {
			if err := kafkaSender.Close(); err != nil {
				log.WithError(err).Warn("⚠️ failed to close kafka writer")
			}
		}
	default:
		sender = notification.NewHTTPSender(cfg.EmailServiceURL)
	}

	dispatcher := notification.NewDispatcher(notification.NewBreakerSender(cfg.NotifierDriver+"-notifications", sender))
	return dispatcher, func() {
		dispatcher.Close()
		closer()
	}
}

func newRouter(cfg *config.Config, resolver identity.Resolver, ledger *inventory.Ledger, carts *cart.Synchronizer, orderHandler *orders.OrderHandler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(cfg.ServiceName))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": cfg.ServiceName})
	})

	orderHandler.RegisterWebhookRoutes(r.Group("/webhooks"))

	api := r.Group("/api", identity.Middleware(resolver))
	orderHandler.RegisterRoutes(api)
	cart.NewHandler(carts).RegisterRoutes(api)

	admin := api.Group("/admin", identity.RequireAdmin())
	orderHandler.RegisterAdminRoutes(admin)
	inventory.NewHandler(ledger).RegisterAdminRoutes(admin)

	return r
}

func serve(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	tp, err := initTracer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			log.WithError(err).Error("❌ error shutting down tracer")
		}
	}()

	mp, err := initMetrics(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}
	defer func() {
		if err := mp.Shutdown(context.Background()); err != nil {
			log.WithError(err).Error("❌ error shutting down meter")
		}
	}()

	if cfg.StorageDriver == config.StorageDriverPostgres {
		if err := storage.MigrateUp(cfg.PostgresDSN()); err != nil {
			return err
		}
	}

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	dispatcher, closeNotifier := newNotifier(cfg)
	defer closeNotifier()

	if cfg.GatewayWebhookSecret == "" {
		log.Warn("⚠️ GATEWAY_WEBHOOK_SECRET is empty, every payment callback will be rejected")
	}

	ledger := inventory.NewLedger(st.inventory, inventory.WithLowStockAlerts(dispatcher, cfg.LowStockRecipient))
	carts := cart.NewSynchronizer(st.carts, st.mirror)
	payments := gateway.NewClient(cfg.GatewayURL, cfg.GatewaySecretKey, cfg.GatewayCurrency)
	useCase := orders.NewOrderUseCase(st.orders, ledger, carts, payments, dispatcher, cfg.FrontendURL)
	orderHandler := orders.NewOrderHandler(useCase, tp.Tracer("storefront-http"), cfg.GatewayWebhookSecret)

	router := newRouter(cfg, identity.NewHTTPResolver(cfg.IdentityServiceURL), ledger, carts, orderHandler)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("🚀 Storefront listening on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}

	log.Info("🛑 shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
