package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/latticeauth/abac/pkg/audit"
	"github.com/latticeauth/abac/pkg/auth"
	"github.com/latticeauth/abac/pkg/cache"
	"github.com/latticeauth/abac/pkg/engine"
	"github.com/latticeauth/abac/pkg/eventstream"
	"github.com/latticeauth/abac/pkg/hardening"
	"github.com/latticeauth/abac/pkg/httpx"
	"github.com/latticeauth/abac/pkg/metrics"
	"github.com/latticeauth/abac/pkg/pcontext"
	"github.com/latticeauth/abac/pkg/pdp"
	"github.com/latticeauth/abac/pkg/ratelimit"
	"github.com/latticeauth/abac/pkg/store"
	"github.com/latticeauth/abac/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Server holds everything a decision request touches once it's past
// routing and auth: the evaluation engine, and the best-effort sinks that
// observe a Decision without ever being able to change it.
type Server struct {
	Engine  *engine.Engine
	Metrics *metrics.Registry
	Audit   *audit.Writer
	Events  *eventstream.Producer
	Limiter ratelimit.Limiter
	RateCap int
}

type decideRequest struct {
	Action      string           `json:"action"`
	Actor       map[string]any   `json:"actor"`
	Subjects    []map[string]any `json:"subjects"`
	Environment map[string]any   `json:"environment"`
}

type decideResponse struct {
	DecisionID     string   `json:"decision_id"`
	Allowed        bool     `json:"allowed"`
	Message        string   `json:"message,omitempty"`
	Code           int      `json:"code"`
	Verdict        string   `json:"verdict"`
	MatchedPolicy  string   `json:"matched_policy,omitempty"`
	CandidateCount int      `json:"candidate_count"`
	Evaluated      []string `json:"evaluated_policies,omitempty"`
}

// Testable seams for main(): tests override these to inject fakes.
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	listenFnP       func(*http.Server) error
)

func main() {
	decideFlag := flag.Bool("decide", false, "read a decision request from stdin, print the Decision, exit 0/1/2/3 for permit/deny/malformed-input/backend-error")
	policyFileFlag := flag.String("policy-file", "", "policy document to evaluate against in -decide mode (JSON or YAML)")
	flag.Parse()

	if *decideFlag {
		os.Exit(runDecideCLI(*policyFileFlag, os.Stdin, os.Stdout))
	}

	if err := runServer(initTelemetryFn, listenFnP); err != nil {
		logFatalf("abacd: %v", err)
	}
}

func runServer(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "abacd")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	authMode := env("AUTH_MODE", "oidc_hs256")
	if strings.EqualFold(authMode, "off") {
		if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
			return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
		}
		if isProductionLikeEnv(runtimeEnv) {
			return errors.New("AUTH_MODE=off is forbidden in production-like environments")
		}
		if !isExplicitNonProductionEnv(runtimeEnv) && !isTestBinaryProcess() {
			return errors.New("AUTH_MODE=off requires ENVIRONMENT=development|dev|local|test")
		}
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "abacd",
		Environment:        runtimeEnv,
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:          env("REDIS_ADDR", ""),
		RedisRequireTLS:    env("REDIS_REQUIRE_TLS", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
	}); err != nil {
		return err
	}

	backend, err := openPolicyStore(ctx)
	if err != nil {
		return err
	}

	ttl := time.Duration(envInt("ABAC_CACHE_TTL_SECONDS", 60)) * time.Second
	eng := engine.New(backend, engine.Options{TTL: ttl})

	redisClient, rerr := maybeRedisClient(ctx)
	if rerr != nil {
		log.Printf("abacd: redis unavailable, falling back to TTL-only cache and in-memory rate limiting: %v", rerr)
	}
	if redisClient != nil {
		cache.WithRedisInvalidation(eng.Cache, redisClient, env("ABAC_CACHE_INVALIDATION_KEY", ""))
	}

	s := &Server{
		Engine:  eng,
		Metrics: metrics.NewRegistry(),
		RateCap: envInt("ABAC_DECIDE_RATE_LIMIT_PER_MINUTE", 600),
	}
	if redisClient != nil {
		s.Limiter = ratelimit.NewRedis(redisClient, time.Minute)
	} else {
		s.Limiter = ratelimit.NewInMemory(time.Minute)
	}

	if db, derr := openAuditDB(ctx); derr == nil && db != nil {
		s.Audit = &audit.Writer{DB: db, Redact: strings.EqualFold(env("ABAC_AUDIT_REDACT", "true"), "true")}
	}
	if brokers := envList("ABAC_KAFKA_BROKERS"); len(brokers) > 0 {
		topic := env("ABAC_KAFKA_TOPIC", "abac.decisions")
		if p, perr := eventstream.NewProducer(eventstream.ProducerConfig{Brokers: brokers, Topic: topic}); perr == nil {
			s.Events = p
		} else {
			log.Printf("abacd: event producer disabled: %v", perr)
		}
		if webhook := env("ABAC_SIEM_WEBHOOK_URL", ""); webhook != "" {
			consumer, cerr := eventstream.NewKafkaConsumer(eventstream.KafkaConfig{
				Brokers: brokers,
				Topic:   topic,
				GroupID: env("ABAC_SIEM_CONSUMER_GROUP", "abacd-siem-forwarder"),
			})
			if cerr != nil {
				log.Printf("abacd: siem forwarder disabled: %v", cerr)
			} else {
				go forwardDecisionEventsToSIEM(ctx, consumer, webhook)
			}
		}
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("abacd"))
	r.Use(s.observeMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "abacd"})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())

	authTimeout := time.Millisecond * time.Duration(envInt("AUTH_TIMEOUT_MS", 5000))
	authRouter := chi.NewRouter()
	authRouter.Use(auth.Middleware(
		authMode,
		env("OIDC_HS256_SECRET", ""),
		auth.WithJWKS(env("OIDC_JWKS_URL", "")),
		auth.WithIssuer(env("OIDC_ISSUER", "")),
		auth.WithAudience(env("OIDC_AUDIENCE", "")),
		auth.WithTimeout(authTimeout),
	))
	authRouter.With(s.rateLimitMiddleware).Post("/v1/decide", s.handleDecide)
	r.Mount("/", authRouter)

	addr := env("ADDR", ":8090")
	log.Printf("abacd listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req decideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.Action) == "" {
		httpx.Error(w, http.StatusBadRequest, "action is required")
		return
	}

	deadline := time.Duration(envInt("ABAC_DEFAULT_DEADLINE_MS", 50)) * time.Millisecond
	ctx, cancel := context.WithTimeout(r.Context(), deadline)
	defer cancel()

	caller, _ := auth.CallerFromContext(r.Context())
	decision, err := s.decide(ctx, req, caller)
	if err != nil {
		if errors.Is(err, pdp.ErrCanceled) {
			httpx.Error(w, http.StatusGatewayTimeout, "decision deadline exceeded")
			return
		}
		httpx.Error(w, http.StatusInternalServerError, "decision backend unavailable")
		return
	}

	decisionID := uuid.New().String()
	resp := decideResponse{
		DecisionID:     decisionID,
		Allowed:        decision.Allowed,
		Message:        decision.Message,
		Code:           int(decision.Code),
		Verdict:        string(decision.Verdict),
		MatchedPolicy:  decision.MatchedPolicy,
		CandidateCount: decision.CandidateCount,
		Evaluated:      decision.EvaluatedPolicies,
	}

	s.Metrics.IncVerdict(string(decision.Verdict))
	reason := decision.MatchedPolicy
	if reason == "" {
		reason = "none"
	}
	s.Metrics.IncReason(reason)
	s.Metrics.ObserveCandidateCount(decision.CandidateCount)
	if decision.IsIndeterminate() {
		s.Metrics.IncIndeterminate()
	}

	s.recordDecision(r.Context(), decisionID, req, resp)
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) decide(ctx context.Context, req decideRequest, caller auth.Caller) (pdp.Decision, error) {
	subjects := make([]any, len(req.Subjects))
	for i, subj := range req.Subjects {
		subjects[i] = subj
	}
	env := mergeCallerEnvironment(req.Environment, caller)
	reqCtx := pcontext.New(req.Actor, subjects, env)
	return s.Engine.Decide(ctx, req.Action, reqCtx)
}

// mergeCallerEnvironment folds the bearer-token caller's identity into the
// request's environment attributes under the caller_* keys, without
// clobbering any caller_* value the request body set explicitly.
func mergeCallerEnvironment(environment map[string]any, caller auth.Caller) map[string]any {
	if caller.Subject == "" {
		return environment
	}
	merged := make(map[string]any, len(environment)+3)
	for k, v := range environment {
		merged[k] = v
	}
	for k, v := range caller.EnvironmentAttributes() {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return merged
}

func (s *Server) recordDecision(ctx context.Context, decisionID string, req decideRequest, resp decideResponse) {
	ctxRaw, err := json.Marshal(struct {
		Actor       map[string]any   `json:"actor"`
		Subjects    []map[string]any `json:"subjects"`
		Environment map[string]any   `json:"environment"`
	}{req.Actor, req.Subjects, req.Environment})
	if err != nil {
		log.Printf("abacd: marshal context for audit: %v", err)
		return
	}
	if s.Audit != nil {
		rec := audit.Record{
			DecisionID:    decisionID,
			Action:        req.Action,
			Verdict:       resp.Verdict,
			MatchedPolicy: resp.MatchedPolicy,
			Code:          resp.Code,
			Message:       resp.Message,
			ContextRaw:    ctxRaw,
			CreatedAt:     time.Now().UTC(),
		}
		if err := s.Audit.Append(ctx, rec); err != nil {
			log.Printf("abacd: audit append failed for %s: %v", decisionID, err)
		}
	}
	if s.Events != nil {
		ev := eventstream.DecisionEvent{
			DecisionID: decisionID,
			Action:     req.Action,
			Verdict:    resp.Verdict,
			Code:       strconv.Itoa(resp.Code),
			Candidates: resp.Evaluated,
			Timestamp:  time.Now().UTC(),
		}
		if err := s.Events.Publish(ctx, ev); err != nil {
			log.Printf("abacd: event publish failed for %s: %v", decisionID, err)
		}
	}
}

// forwardDecisionEventsToSIEM consumes the decision-event topic this same
// process publishes to and re-emits each event as an HTTP POST to webhook,
// the SIEM-forwarding use case the Kafka consumer exists for. It runs for
// the lifetime of the process; a read or forward failure is logged and the
// loop continues rather than tearing the forwarder down.
func forwardDecisionEventsToSIEM(ctx context.Context, consumer eventstream.Consumer, webhook string) {
	defer consumer.Close()
	client := &http.Client{Timeout: 5 * time.Second}
	for {
		msg, err := consumer.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("abacd: siem forwarder read failed: %v", err)
			continue
		}
		var ev eventstream.DecisionEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			log.Printf("abacd: siem forwarder decode failed: %v", err)
			continue
		}
		if err := postDecisionEvent(ctx, client, webhook, msg.Value); err != nil {
			log.Printf("abacd: siem forward failed for %s: %v", ev.DecisionID, err)
		}
	}
}

func postDecisionEvent(ctx context.Context, client *http.Client, webhook string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("siem webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (s *Server) observeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.Metrics.Observe(r.Method+" "+r.URL.Path, rec.status, time.Since(started))
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := strings.TrimSpace(r.Header.Get("X-Caller-ID"))
		if key == "" {
			key = r.RemoteAddr
		}
		d := s.Limiter.Allow(key, s.RateCap)
		if !d.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(d.ResetAt).Seconds())))
			httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// runDecideCLI implements the one-shot CLI mode: read a decideRequest from
// in, evaluate it against the policy document at policyFile, print the
// Decision as JSON to out, and return 0/1/2/3 for permit/deny/malformed-input/backend-error.
func runDecideCLI(policyFile string, in io.Reader, out io.Writer) int {
	if strings.TrimSpace(policyFile) == "" {
		fmt.Fprintln(out, `{"error":"-policy-file is required in -decide mode"}`)
		return 2
	}
	body, err := io.ReadAll(in)
	if err != nil {
		fmt.Fprintf(out, `{"error":"read stdin: %s"}`+"\n", err)
		return 2
	}
	var req decideRequest
	if err := json.Unmarshal(body, &req); err != nil {
		fmt.Fprintf(out, `{"error":"malformed request: %s"}`+"\n", err)
		return 2
	}
	if strings.TrimSpace(req.Action) == "" {
		fmt.Fprintln(out, `{"error":"action is required"}`)
		return 2
	}

	fileStore := store.NewFileStore(policyFile)
	eng := engine.New(fileStore, engine.Options{TTL: time.Hour})

	subjects := make([]any, len(req.Subjects))
	for i, subj := range req.Subjects {
		subjects[i] = subj
	}
	reqCtx := pcontext.New(req.Actor, subjects, req.Environment)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	decision, err := eng.Decide(ctx, req.Action, reqCtx)
	if err != nil {
		fmt.Fprintf(out, `{"error":"backend error: %s"}`+"\n", err)
		return 3
	}

	enc := json.NewEncoder(out)
	_ = enc.Encode(decideResponse{
		Allowed:        decision.Allowed,
		Message:        decision.Message,
		Code:           int(decision.Code),
		Verdict:        string(decision.Verdict),
		MatchedPolicy:  decision.MatchedPolicy,
		CandidateCount: decision.CandidateCount,
		Evaluated:      decision.EvaluatedPolicies,
	})
	if decision.Verdict == pdp.VerdictPermit {
		return 0
	}
	return 1
}

func openPolicyStore(ctx context.Context) (store.PolicyStore, error) {
	if path := env("ABAC_POLICY_FILE", ""); path != "" {
		return store.NewFileStore(path), nil
	}
	pool, err := store.NewPostgresPool(ctx)
	if err != nil {
		return nil, fmt.Errorf("abacd: open policy store: %w", err)
	}
	return store.NewPostgresStore(pool), nil
}

func openAuditDB(ctx context.Context) (*pgxpool.Pool, error) {
	return store.NewPostgresPool(ctx)
}

func maybeRedisClient(ctx context.Context) (*redis.Client, error) {
	if env("REDIS_ADDR", "") == "" {
		return nil, nil
	}
	return store.NewRedis(ctx)
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envList(k string) []string {
	raw := os.Getenv(k)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func isProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}

func isExplicitNonProductionEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "dev", "development", "local", "test", "testing":
		return true
	default:
		return false
	}
}

func isTestBinaryProcess() bool {
	return strings.HasSuffix(strings.TrimSpace(os.Args[0]), ".test")
}
