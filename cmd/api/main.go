package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/paytrail-merchant/internal/common"
	"github.com/noah-isme/paytrail-merchant/internal/config"
	"github.com/noah-isme/paytrail-merchant/internal/eventlog"
	"github.com/noah-isme/paytrail-merchant/internal/health"
	"github.com/noah-isme/paytrail-merchant/internal/obs"
	"github.com/noah-isme/paytrail-merchant/internal/payment"
	"github.com/noah-isme/paytrail-merchant/internal/ratelimit"
	"github.com/noah-isme/paytrail-merchant/internal/replay"
	"github.com/noah-isme/paytrail-merchant/internal/resilience"
	"github.com/noah-isme/paytrail-merchant/internal/security"
	"github.com/noah-isme/paytrail-merchant/internal/signing"
	"github.com/noah-isme/paytrail-merchant/internal/web"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// no logger yet; a missing secret or merchant id is fatal
		panic(err)
	}

	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("env", cfg.AppEnv).Logger()

	journal, err := eventlog.Open(os.Stdout, cfg.LogDir)
	if err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.LogDir).Msg("open event log")
	}
	defer func() {
		if err := journal.Close(); err != nil {
			logger.Error().Err(err).Msg("close event log")
		}
	}()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "paytrail")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)

	tracingEnabled := envBool("OBS_ENABLE_TRACING", false)
	if tracingEnabled {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   envOrDefault("OBS_SERVICE_NAME", obs.DefaultServiceName),
			Endpoint:      envOrDefault("OBS_OTLP_ENDPOINT", ""),
			Exporter:      envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio: envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0),
			Environment:   cfg.AppEnv,
			MerchantID:    cfg.MerchantID,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	redisClient := openRedis(cfg, logger, metricsEnabled)
	if redisClient != nil {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Error().Err(err).Msg("close redis")
			}
		}()
	}

	breaker := resilience.NewBreaker(
		envInt("GATEWAY_BREAKER_MIN_REQUESTS", 5),
		envFloat("GATEWAY_BREAKER_FAILURE_RATIO", 0.5),
		time.Duration(envInt("GATEWAY_BREAKER_OPEN_SECONDS", 30))*time.Second,
	).WithTarget("gateway").WithLogger(logger).WithEvents(journal)

	gatewayHTTP := resilience.HTTPClient{
		Client:      &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		Breaker:     breaker,
		BaseBackoff: cfg.GatewayBackoff,
		MaxAttempts: cfg.GatewayMaxAttempts,
		Jitter:      0.2,
		Timeout:     cfg.GatewayTimeout,
	}

	verifier := signing.NewVerifier(cfg.Secret)
	builder := payment.NewBuilder(cfg.MerchantID, cfg.Secret, cfg.Currency, cfg.Language)
	gateway := payment.Gateway{Endpoint: cfg.GatewayEndpoint, HTTP: gatewayHTTP, Builder: builder}
	svc := payment.NewService(builder, gateway, verifier, journal, payment.Settings{
		ForceBaseURL: cfg.ForceBaseURL,
		AppPath:      cfg.AppPath,
		BackURL:      cfg.BackURL,
		Currency:     cfg.Currency,
	})

	var detector replay.Detector = replay.Nop{}
	if redisClient != nil {
		detector = replay.Guard{R: redisClient, TTL: cfg.CallbackReplayTTL}
	}
	paymentHandler := &payment.Handler{
		Svc:        svc,
		Dispatcher: payment.NewDispatcher(verifier, detector, journal),
		Pages:      web.MustPages(cfg.Language),
		Logger:     logger,
	}

	var limiter ratelimit.Limiter
	if redisClient != nil {
		limiter = ratelimit.SlidingWindow{Client: redisClient, Prefix: "paytrail:rl:"}
	}
	createLimit := ratelimit.Handler{
		Limiter: limiter,
		Config: ratelimit.Config{
			Key:    ratelimit.ByClientIP("create"),
			Window: cfg.CreateRateWindow,
			Max:    cfg.CreateRateMax,
		},
		OnError: func(err error) { logger.Warn().Err(err).Msg("rate limiter unavailable") },
	}
	idem := common.Idem{TTL: 24 * time.Hour}
	if redisClient != nil {
		idem.R = redisClient
	}

	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		buckets := obs.ParseBucketsCSV(envOrDefault("OBS_METRICS_BUCKETS_MS", ""))
		httpMetrics = obs.NewHTTPMetrics(metricsNamespace, buckets, nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(security.RawBody{Max: cfg.BodyLimitBytes}.Middleware)
	r.Use(security.Headers{
		Enable:                envBool("SECURITY_HEADERS_ENABLED", true),
		EnableHSTS:            envBool("SECURITY_HSTS_ENABLED", true),
		HSTSIncludeSubdomains: envBool("SECURITY_HSTS_INCLUDE_SUBDOMAINS", false),
	}.Middleware)
	r.Use(obs.RoutePatternMiddleware)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if metricsEnabled && httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if envBool("OBS_ENABLE_PPROF", false) {
		user := envOrDefault("SECURE_PPROF_BASIC_AUTH_USER", "")
		pass := envOrDefault("SECURE_PPROF_BASIC_AUTH_PASS", "")
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), user, pass))
	}

	healthHandler := health.Handler{Timeout: envDurationMillis("HEALTH_READY_REDIS_TIMEOUT_MS", 300)}
	if redisClient != nil {
		healthHandler.Probes = map[string]health.Probe{"redis": health.RedisProbe(redisClient)}
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	// the gateway may call back with any method; Entry answers 405 itself
	entry := createOnly(createLimit.Middleware)(http.HandlerFunc(paymentHandler.Entry))
	r.Handle("/", entry)
	r.Handle("/index", entry)
	r.With(createLimit.Middleware).Get("/create", paymentHandler.CreateRedirect)

	r.Route("/api/v1", func(v chi.Router) {
		v.Use(cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins(cfg),
			AllowedMethods:   []string{http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Content-Type", "Idempotency-Key", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Remaining", "Retry-After"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
		v.With(createLimit.Middleware, idem.Middleware).Post("/payments", paymentHandler.CreateAPI)
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown")
		}
	}()

	logger.Info().
		Str("addr", srv.Addr).
		Str("merchant_id", cfg.MerchantID).
		Str("endpoint", cfg.GatewayEndpoint).
		Bool("redis", redisClient != nil).
		Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
}

// openRedis connects when REDIS_URL is set. Without Redis, replay detection,
// rate limiting and idempotency keys are disabled.
func openRedis(cfg *config.Config, logger zerolog.Logger, metricsEnabled bool) *redis.Client {
	if cfg.RedisURL == "" {
		logger.Warn().Msg("REDIS_URL not set; replay detection and rate limiting disabled")
		return nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	client := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if metricsEnabled {
		if err := redisotel.InstrumentMetrics(client); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return client
}

// createOnly applies mw to payment creation requests. Callbacks and result
// pages are never throttled.
func createOnly(mw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		limited := mw(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if payment.IsCreate(r) {
				limited.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDurationMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/heap", pprof.Handler("heap"))
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	return mux
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
