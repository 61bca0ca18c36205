package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"agentpress/pkg/abuse"
	"agentpress/pkg/credential"
	"agentpress/pkg/guard"
	"agentpress/pkg/hardening"
	"agentpress/pkg/httpx"
	"agentpress/pkg/keystore"
	"agentpress/pkg/lifecycle"
	"agentpress/pkg/metrics"
	"agentpress/pkg/models"
	"agentpress/pkg/provisioning"
	"agentpress/pkg/ratelimit"
	"agentpress/pkg/statebus"
	"agentpress/pkg/store"
	"agentpress/pkg/stream"
	"agentpress/pkg/tasks"
	"agentpress/pkg/telemetry"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

type gatewayDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

// sessionResolver yields the human user id behind a request, or nothing. The
// OAuth login flow lives outside this service; the default implementation
// trusts the header the edge proxy stamps after session validation.
type sessionResolver interface {
	ResolveHumanSession(r *http.Request) (string, bool)
}

type headerSessionResolver struct {
	Header string
}

func (h headerSessionResolver) ResolveHumanSession(r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.Header.Get(h.Header))
	return id, id != ""
}

type Server struct {
	DB                  gatewayDB
	Cache               store.Cache
	Keys                *keystore.Store
	Machine             *lifecycle.Machine
	Engine              *provisioning.Engine
	Limiter             *ratelimit.Limiter
	Tracker             *abuse.Tracker
	Guard               *guard.Guard
	Metrics             *metrics.Registry
	Events              *stream.Hub
	Bus                 *statebus.KafkaPublisher
	Tasks               *tasks.Runner
	Sessions            sessionResolver
	SignatureTolerance  time.Duration
	NonceTTL            time.Duration
	MaxRequestBodyBytes int64

	Now func() time.Time
}

// transitionMetrics mirrors every effective lifecycle transition into the
// metrics registry.
type transitionMetrics struct {
	reg *metrics.Registry
}

func (t transitionMetrics) PublishStatusEvent(evt models.StatusEvent) {
	t.reg.IncTransition(string(evt.FromStatus), string(evt.ToStatus), evt.Reason)
}

// meteredReporter counts violations before handing them to the tracker.
type meteredReporter struct {
	reg     *metrics.Registry
	tracker *abuse.Tracker
}

func (m meteredReporter) Report(ctx context.Context, agentID string, vtype models.ViolationType, metadata string) error {
	m.reg.IncViolation(string(vtype))
	return m.tracker.Report(ctx, agentID, vtype, metadata)
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
		go s.metricsLoop(context.Background())
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
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	salt := env("CREDENTIAL_HASH_SALT", "")
	opts := hardening.FromEnv("gateway", hardening.EnvRequirement{Name: "CREDENTIAL_HASH_SALT", Value: salt})
	if err := hardening.ValidateProduction(opts); err != nil {
		return fmt.Errorf("hardening: %w", err)
	}

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, durable store is sole quota authority: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	codec, err := credential.NewCodec(credential.Config{HashSalt: salt})
	if err != nil {
		return fmt.Errorf("credential codec: %w", err)
	}

	runner := tasks.NewRunner(envInt("TASK_WORKERS", 4))
	registry := metrics.NewRegistry()
	hub := stream.NewHub()

	machine := lifecycle.New(pool)
	machine.Async = runner
	machine.Sinks = []lifecycle.EventSink{hub, transitionMetrics{reg: registry}}

	var bus *statebus.KafkaPublisher
	if brokers := env("KAFKA_BROKERS", ""); brokers != "" {
		bus, err = statebus.NewKafkaPublisher(statebus.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_STATUS_TOPIC", "agent-status-events"),
		}, nil)
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer bus.Close()
		machine.Sinks = append(machine.Sinks, bus)
	}

	keys := keystore.New(pool, codec, runner)
	if ttl := envDurationSec("ACCESS_TOKEN_TTL_SEC", 0); ttl > 0 {
		keys.AccessTokenTTL = ttl
	}

	engine := provisioning.New(pool, machine, provisioning.Config{
		RequiredSignals:       envInt("PROVISIONING_REQUIRED_SIGNALS", 10),
		MinimumSuccessSignals: envInt("PROVISIONING_MIN_SUCCESS_SIGNALS", 8),
		IntervalSeconds:       envInt("PROVISIONING_INTERVAL_SEC", 60),
		ChallengeTTL:          envDurationSec("PROVISIONING_CHALLENGE_TTL_SEC", 900),
		ToleranceSeconds:      envInt("MINUTE_WINDOW_TOLERANCE_SEC", 60),
		MaxRetries:            envInt("PROVISIONING_MAX_RETRIES", 3),
	})

	durable := ratelimit.NewStoreQuota(pool)
	var fast ratelimit.QuotaBackend
	if redisClient != nil {
		fast = ratelimit.NewRedisQuota(redisClient)
	}
	limiter := ratelimit.NewLimiter(fast, durable)

	tracker := abuse.NewTracker(pool, machine)
	tracker.Async = runner

	reporter := meteredReporter{reg: registry, tracker: tracker}
	g := guard.New(keys, engine, limiter, reporter, machine)

	tolerance := envDurationSec("SIGNATURE_TOLERANCE_SEC", 300)
	s := &Server{
		DB:                  pool,
		Cache:               cache,
		Keys:                keys,
		Machine:             machine,
		Engine:              engine,
		Limiter:             limiter,
		Tracker:             tracker,
		Guard:               g,
		Metrics:             registry,
		Events:              hub,
		Bus:                 bus,
		Tasks:               runner,
		Sessions:            headerSessionResolver{Header: env("HUMAN_SESSION_HEADER", "X-Human-User")},
		SignatureTolerance:  tolerance,
		NonceTTL:            2 * tolerance,
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		Now:                 func() time.Time { return time.Now().UTC() },
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteData(w, 200, map[string]string{"status": "ok", "service": "gateway"})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	r.Get("/ops/events", s.streamEvents)

	r.Post("/agents/register", s.registerAgent)
	r.Post("/auth/token", s.exchangeToken)
	r.Post("/agents/heartbeat", s.heartbeat)
	r.Get("/agents/status", s.agentStatus)
	r.Post("/agents/keys/rotate", s.rotateKeys)
	r.Post("/agents/provisioning/signals", s.submitSignal)
	r.Post("/agents/provisioning/retry", s.retryProvisioning)
	r.Post("/agents/recover", s.recoverAgent)
	r.Post("/agents/actions/authorize", s.authorizeAction)

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
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 60),
	}
	return listen(server)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		srv.Metrics.Observe(path, rec.code, elapsed)
		srv.Metrics.ObserveLatency(path, elapsed)
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	s.updateOperationalMetrics(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateOperationalMetrics(ctx)
		}
	}
}

func (s *Server) updateOperationalMetrics(ctx context.Context) {
	if s.DB == nil || s.Metrics == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	rows, err := s.DB.Query(ctx, `
		SELECT agent_status, COUNT(*) FROM users WHERE user_type='agent' GROUP BY agent_status
	`)
	if err == nil {
		counts := map[string]float64{}
		for rows.Next() {
			var status string
			var count int64
			if err := rows.Scan(&status, &count); err != nil {
				break
			}
			counts[status] = float64(count)
		}
		rows.Close()
		for _, status := range []models.Status{
			models.StatusProvisioning, models.StatusActive, models.StatusStale,
			models.StatusLimited, models.StatusBanned,
		} {
			s.Metrics.SetGauge("agents_"+string(status), counts[string(status)])
		}
	}
	var pending int
	_ = s.DB.QueryRow(ctx, `
		SELECT COUNT(*) FROM provisioning_challenges WHERE status=$1
	`, string(models.ChallengePending)).Scan(&pending)
	s.Metrics.SetGauge("challenges_pending", float64(pending))
	var violations int
	_ = s.DB.QueryRow(ctx, `
		SELECT COUNT(*) FROM policy_violations WHERE created_at > $1
	`, time.Now().UTC().Add(-10*time.Minute)).Scan(&violations)
	s.Metrics.SetGauge("violations_last_10m", float64(violations))
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "UNAVAILABLE", "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
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
