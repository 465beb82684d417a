package main

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/md-rashed-zaman/slotbooking/internal/booking"
	"github.com/md-rashed-zaman/slotbooking/internal/consumer"
	"github.com/md-rashed-zaman/slotbooking/internal/handlers"
	"github.com/md-rashed-zaman/slotbooking/internal/inbox"
	"github.com/md-rashed-zaman/slotbooking/internal/ledger"
	"github.com/md-rashed-zaman/slotbooking/internal/outbox"
	"github.com/md-rashed-zaman/slotbooking/internal/storage"
	"github.com/md-rashed-zaman/slotbooking/libs/config"
	"github.com/md-rashed-zaman/slotbooking/libs/db"
	"github.com/md-rashed-zaman/slotbooking/libs/httpx"
	"github.com/md-rashed-zaman/slotbooking/libs/kafkax"
	otelx "github.com/md-rashed-zaman/slotbooking/libs/otel"
	"github.com/md-rashed-zaman/slotbooking/libs/redisx"
	"github.com/md-rashed-zaman/slotbooking/libs/runtime"
)

func main() {
	service := config.String("SERVICE_NAME", "booking-service")
	port, err := config.Port("PORT", "8083")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	redisAddr, err := config.RequiredString("REDIS_ADDR")
	if err != nil {
		panic(err)
	}
	redisDB := 0
	if v, err := strconv.Atoi(config.String("REDIS_DB", "0")); err == nil && v >= 0 {
		redisDB = v
	}
	rdb, err := redisx.Open(ctx, redisx.Config{
		Addr:     redisAddr,
		Password: config.String("REDIS_PASSWORD", ""),
		DB:       redisDB,
	})
	if err != nil {
		logger.Error("redis connection failed", "err", err)
		panic(err)
	}
	defer func() { _ = rdb.Close() }()

	retention := ledger.DefaultRetention
	if v, err := strconv.Atoi(config.String("SLOT_RETENTION_DAYS", "14")); err == nil && v > 0 {
		retention = time.Duration(v) * 24 * time.Hour
	}
	slotLedger := ledger.New(rdb, retention)

	loc := businessLocation(logger)

	outboxRepo := outbox.NewRepository(pool)
	apptRepo := storage.NewAppointmentRepository(pool, outboxRepo)
	coord := booking.NewCoordinator(slotLedger, apptRepo, logger, booking.Config{Location: loc})

	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	startSlotApplyConsumer(ctx, logger, pool, coord, loc)

	bookingHandler := handlers.NewBookingHandler(coord, logger)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "redis", Check: redisx.ReadyCheck(rdb)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)
	mux.HandleFunc("/api/v1/slots", bookingHandler.Slots)
	mux.HandleFunc("/api/v1/slots/empty", bookingHandler.EmptySlots)
	mux.HandleFunc("/api/v1/appointments", bookingHandler.ListAppointments)
	mux.HandleFunc("/api/v1/appointments/create", bookingHandler.CreateAppointment)
	mux.HandleFunc("/api/v1/appointments/get", bookingHandler.GetAppointment)
	mux.HandleFunc("/api/v1/appointments/range", bookingHandler.AppointmentsByRange)
	mux.HandleFunc("/api/v1/appointments/update", bookingHandler.UpdateAppointment)
	mux.HandleFunc("/api/v1/appointments/book", bookingHandler.BookAppointment)
	mux.HandleFunc("/api/v1/appointments/cancel", bookingHandler.CancelAppointment)
	mux.HandleFunc("/api/v1/appointments/complete", bookingHandler.CompleteAppointment)

	bodyLimit := int64(1 << 20) // 1MB
	if v, err := strconv.Atoi(config.String("REQUEST_BODY_LIMIT_BYTES", "1048576")); err == nil && v > 0 {
		bodyLimit = int64(v)
	}
	requestTimeout := 10 * time.Second
	if v, err := strconv.Atoi(config.String("REQUEST_TIMEOUT_SECONDS", "10")); err == nil && v > 0 {
		requestTimeout = time.Duration(v) * time.Second
	}

	httpHandler := httpx.Chain(mux,
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: parseList(config.String("CORS_ALLOWED_ORIGINS", "")),
			AllowedMethods: parseList(config.String("CORS_ALLOWED_METHODS", "GET,POST,PUT,DELETE,OPTIONS")),
			AllowedHeaders: parseList(config.String("CORS_ALLOWED_HEADERS", "Content-Type,X-Request-Id")),
		}),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(bodyLimit),
		httpx.WithTimeout(requestTimeout),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "booking")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}

// startSlotApplyConsumer wires the bulk slot-creation topic. The calendar
// template generator lives in another service; this side only applies its
// output, one CreateSlot per entry.
// businessLocation resolves BUSINESS_TIMEZONE. Slot keys, window validation
// and bulk slot application all run in this one location.
func businessLocation(logger *slog.Logger) *time.Location {
	name := strings.TrimSpace(config.String("BUSINESS_TIMEZONE", ""))
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		logger.Warn("invalid BUSINESS_TIMEZONE; using local", "tz", name, "err", err)
		return time.Local
	}
	return loc
}

func startSlotApplyConsumer(ctx context.Context, logger *slog.Logger, pool *db.Pool, coord *booking.Coordinator, loc *time.Location) {
	brokers := config.String("KAFKA_BROKERS", "")
	if strings.TrimSpace(brokers) == "" {
		return
	}

	inboxRepo := inbox.NewRepository(pool)
	cfg := consumer.Config{
		Brokers: brokers,
		GroupID: config.String("KAFKA_GROUP_ID", "booking-service"),
		Topic:   config.String("KAFKA_SLOT_APPLY_TOPIC", consumer.TopicSlotApply),
	}

	slotConsumer := consumer.New(logger, inboxRepo, cfg, func(ctx context.Context, msg kafka.Message) error {
		cmd, err := consumer.DecodeSlotApply(msg.Value)
		if err != nil {
			logger.Error("invalid slot apply payload", "err", err)
			return nil
		}

		slots, bad := cmd.Materialize(loc)
		for _, err := range bad {
			logger.Warn("slot apply entry skipped", "err", err)
		}
		for _, slot := range slots {
			if err := coord.CreateSlot(ctx, slot); err != nil {
				// Overlaps are expected when a template is re-applied; other
				// failures are worth surfacing but must not wedge the batch.
				logger.Warn("slot apply create failed", "slot", slot.Key().String(), "err", err)
			}
		}
		return nil
	})
	go slotConsumer.Run(ctx)
}

func parseList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
