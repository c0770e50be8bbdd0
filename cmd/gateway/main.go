package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/eblocker/eblocker-sub002/pkg/audit"
	"github.com/eblocker/eblocker-sub002/pkg/events"
	"github.com/eblocker/eblocker-sub002/pkg/httpx"
	"github.com/eblocker/eblocker-sub002/pkg/metrics"
	"github.com/eblocker/eblocker-sub002/pkg/ratelimit"
	"github.com/eblocker/eblocker-sub002/pkg/redirect"
	"github.com/eblocker/eblocker-sub002/pkg/session"
	"github.com/eblocker/eblocker-sub002/pkg/store"
	"github.com/eblocker/eblocker-sub002/pkg/stream"
	"github.com/eblocker/eblocker-sub002/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

// Server holds the wired collaborators for the HTTP surface. All state
// lives in the injected stores; handlers stay thin.
type Server struct {
	Sessions            *session.Store
	Workflow            *redirect.Workflow
	Metrics             *metrics.Registry
	Events              *stream.Hub
	Audit               *audit.Writer
	RateLimiter         ratelimit.Limiter
	RateLimitPerWindow  int
	DecideBaseURL       string
	IdleThreshold       time.Duration
	PurgeInterval       time.Duration
	SweepInterval       time.Duration
	MaxRequestBodyBytes int64
}

type gatewayDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error
type gatewayStartLoopsFunc func(s *Server)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG  = func(s *Server) {
		go s.purgeLoop(context.Background())
		go s.sweepLoop(context.Background())
	}
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "eblocker-gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	registry := metrics.NewRegistry()
	hub := stream.NewHub()

	// The audit trail is optional: without a database the gateway still
	// filters, it just cannot explain decision history afterwards.
	var auditWriter *audit.Writer
	if strings.TrimSpace(env("DATABASE_URL", "")) != "" {
		pool, err := openDB(ctx)
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		defer pool.Close()
		if _, err := pool.Exec(ctx, audit.Schema); err != nil {
			return fmt.Errorf("audit schema: %w", err)
		}
		auditWriter = &audit.Writer{DB: pool, HashSalt: []byte(env("AUDIT_HASH_SALT", ""))}
	} else {
		log.Printf("DATABASE_URL unset, decision audit trail disabled")
	}

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory decision store: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	kv := store.NewKV(ctx, redisClient)

	if brokers := splitList(env("EVENTS_KAFKA_BROKERS", "")); len(brokers) > 0 {
		publisher, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers: brokers,
			Topic:   env("EVENTS_KAFKA_TOPIC", "eblocker.gateway.events"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer publisher.Close()
		go events.Bridge(ctx, hub, publisher)
	}

	httpClient := telemetry.InstrumentClient(&http.Client{
		Timeout: time.Millisecond * time.Duration(envInt("UPSTREAM_TIMEOUT_MS", 3000)),
	})
	directory, err := buildDeviceDirectory(httpClient)
	if err != nil {
		return err
	}
	userAgents := buildUserAgentService(httpClient)

	sessions, err := session.NewStore(session.Config{
		Devices:             directory,
		UserAgents:          userAgents,
		GatewayIP:           env("GATEWAY_IP", ""),
		PageContextCapacity: envInt("PAGE_CONTEXT_CAPACITY", 0),
		Metrics:             registry,
		Hub:                 hub,
		Correlate:           logSessionSeen,
	})
	if err != nil {
		return err
	}

	txTTL := time.Second * time.Duration(envInt("TX_CACHE_TTL_SEC", 0))
	workflow, err := redirect.NewWorkflow(redirect.Config{
		KV:             kv,
		Sessions:       sessions,
		TransactionTTL: txTTL,
		Metrics:        registry,
		Hub:            hub,
		Audit:          auditRecorder(auditWriter),
	})
	if err != nil {
		return err
	}

	idleThreshold := time.Second * time.Duration(envInt("SESSION_IDLE_TTL_SEC", 0))
	if idleThreshold <= 0 {
		idleThreshold = session.DefaultIdleThreshold
	}
	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}

	var limiter ratelimit.Limiter
	if env("RATE_LIMIT_ENABLED", "true") == "true" {
		window := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
		if redisClient != nil {
			limiter = ratelimit.NewRedis(redisClient, window)
		} else {
			limiter = ratelimit.NewInMemory(window)
		}
	}

	s := &Server{
		Sessions:            sessions,
		Workflow:            workflow,
		Metrics:             registry,
		Events:              hub,
		Audit:               auditWriter,
		RateLimiter:         limiter,
		RateLimitPerWindow:  envInt("RATE_LIMIT_PER_WINDOW", 60),
		DecideBaseURL:       strings.TrimRight(env("DECIDE_BASE_URL", "http://localhost:3000/decide"), "/"),
		IdleThreshold:       idleThreshold,
		PurgeInterval:       envDurationSec("SESSION_PURGE_INTERVAL_SEC", 3600),
		SweepInterval:       envDurationSec("TX_SWEEP_INTERVAL_SEC", 60),
		MaxRequestBodyBytes: maxRequestBodyBytes,
	}

	r := s.routes()

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("eblocker-gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway"})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/events", s.streamEvents)

	r.Post("/v1/transactions", s.handleTransaction)
	r.Post("/v1/decisions/{token}", s.withRateLimit(s.handleDecide))
	r.Post("/v1/sessions/{session_id}/forward", s.handleForwardClaim)
	r.Get("/v1/sessions", s.listSessions)
	r.Get("/v1/sessions/{session_id}", s.getSession)
	r.Get("/v1/sessions/{session_id}/forest", s.getForest)
	r.Put("/v1/sessions/{session_id}/settings", s.putSettings)
	r.Post("/v1/sessions/{session_id}/pagecontexts", s.postPageContext)
	r.Put("/v1/sessions/{session_id}/pagecontexts/{context_id}/promote", s.promotePageContext)
	r.Put("/v1/sessions/{session_id}/pagecontexts/whitelist", s.putWhiteList)
	r.Post("/v1/sessions/{session_id}/blocked", s.postBlocked)
	r.Get("/v1/sessions/{session_id}/decisions", s.listDecisions)
	r.Put("/v1/sessions/{session_id}/decisions/{domain}", s.putDecision)
	r.Delete("/v1/sessions/{session_id}/decisions/{domain}", s.resetDecision)
	r.Get("/v1/sessions/{session_id}/audit", s.getAuditTrail)
	return r
}

// logSessionSeen is the store's correlation hook. Resolve carries no
// request context, so span tagging happens at the HTTP boundary and
// the hook feeds the plain log instead.
func logSessionSeen(shortID string) {
	log.Printf("session %s active", shortID)
}

// auditRecorder keeps the workflow's Recorder nil when auditing is
// disabled; a typed-nil *audit.Writer would defeat the nil checks.
func auditRecorder(w *audit.Writer) redirect.Recorder {
	if w == nil {
		return nil
	}
	return w
}

func (s *Server) purgeLoop(ctx context.Context) {
	ticker := time.NewTicker(s.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sessions.PurgeIdle(time.Now().UTC(), s.IdleThreshold); n > 0 {
				log.Printf("purged %d idle sessions", n)
			}
		}
	}
}

func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Workflow.Cache().Sweep(time.Now().UTC()); n > 0 {
				s.Metrics.TransactionsExpired(n)
			}
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		s.Metrics.ObserveEndpoint(r.Method+" "+r.URL.Path, rec.code, time.Since(start))
	})
}

// withRateLimit guards the decision UI callback. Tokens are random
// uuids, but guessing must stay expensive regardless.
func (s *Server) withRateLimit(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.RateLimiter == nil {
			h(w, r)
			return
		}
		key := r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			key = host
		}
		res := s.RateLimiter.Allow(key, s.RateLimitPerWindow)
		if !res.Allowed {
			retry := int(time.Until(res.ResetAt).Seconds()) + 1
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			httpx.Error(w, http.StatusTooManyRequests, "too many decision attempts")
			return
		}
		h(w, r)
	}
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
