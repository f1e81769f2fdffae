// Command flowhostd is the flow-runner daemon: it resolves the tenant
// pack index, builds the runtime registry, and serves the canonical
// ingress envelope over HTTP using a cobra root command and
// signal.NotifyContext-driven shutdown.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	temporalclient "go.temporal.io/sdk/client"

	"github.com/flowforge/flowhost/internal/adapter"
	adaptermcp "github.com/flowforge/flowhost/internal/adapter/mcp"
	"github.com/flowforge/flowhost/internal/driver"
	"github.com/flowforge/flowhost/internal/engine"
	"github.com/flowforge/flowhost/internal/engine/inmem"
	enginetemporal "github.com/flowforge/flowhost/internal/engine/temporal"
	"github.com/flowforge/flowhost/internal/envelope"
	"github.com/flowforge/flowhost/internal/errs"
	"github.com/flowforge/flowhost/internal/flowir"
	"github.com/flowforge/flowhost/internal/host"
	"github.com/flowforge/flowhost/internal/host/retry"
	"github.com/flowforge/flowhost/internal/host/secrets"
	"github.com/flowforge/flowhost/internal/pack"
	"github.com/flowforge/flowhost/internal/registry"
	"github.com/flowforge/flowhost/internal/session"
	storeinmem "github.com/flowforge/flowhost/internal/store/inmem"
	storemongo "github.com/flowforge/flowhost/internal/store/mongo"
	storeredis "github.com/flowforge/flowhost/internal/store/redis"
	"github.com/flowforge/flowhost/internal/telemetry"
	"github.com/flowforge/flowhost/internal/tenant"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "flowhostd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var addr string

	rootCmd := &cobra.Command{
		Use:   "flowhostd",
		Short: "Multi-tenant flow runner daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), addr)
		},
	}
	rootCmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}

// config is the process's env-sourced configuration. The HTTP listen
// address is the one setting tied to the CLI rather than the environment,
// so it stays a flag.
type config struct {
	packIndexURL    string
	packCacheDir    string
	packPublicKey   ed25519.PublicKey
	secretsBackend  string
	refreshInterval time.Duration
	adminToken      string
	tenantResolver  string
	defaultTenant   string

	sessionBackend string
	stateBackend   string
	engineBackend  string

	mongoURI      string
	mongoDatabase string
	redisAddr     string
	gcpProject    string
	azureVaultURL string

	mcpEndpoint   string
	temporalAddr  string
	temporalQueue string

	secretsAllowlist  map[string]bool
	adapterRateLimits map[string]rateLimit
}

// rateLimit is one adapter.Registry.SetRateLimit call's worth of
// configuration, parsed from ADAPTER_RATE_LIMIT.
type rateLimit struct {
	rps   float64
	burst int
}

func loadConfig() (config, error) {
	cfg := config{
		packIndexURL:     os.Getenv("PACK_INDEX_URL"),
		packCacheDir:     envOr("PACK_CACHE_DIR", ".packs"),
		secretsBackend:   envOr("SECRETS_BACKEND", "env"),
		adminToken:       os.Getenv("ADMIN_TOKEN"),
		tenantResolver:   envOr("TENANT_RESOLVER", "env"),
		defaultTenant:    os.Getenv("DEFAULT_TENANT"),
		sessionBackend:   envOr("SESSION_STORE_BACKEND", "inmem"),
		stateBackend:     envOr("STATE_STORE_BACKEND", "inmem"),
		engineBackend:    envOr("ENGINE_BACKEND", "inmem"),
		mongoURI:         os.Getenv("MONGO_URI"),
		mongoDatabase:    envOr("MONGO_DATABASE", "flowhost"),
		redisAddr:        os.Getenv("REDIS_ADDR"),
		gcpProject:       os.Getenv("GCP_PROJECT"),
		azureVaultURL:    os.Getenv("AZURE_VAULT_URL"),
		mcpEndpoint:      os.Getenv("MCP_ENDPOINT"),
		temporalAddr:     os.Getenv("TEMPORAL_ADDRESS"),
		temporalQueue:    envOr("TEMPORAL_TASK_QUEUE", "flowhost"),
		secretsAllowlist: parseAllowlist(os.Getenv("SECRETS_ALLOWLIST")),
	}
	if cfg.packIndexURL == "" {
		return cfg, fmt.Errorf("PACK_INDEX_URL is required")
	}

	limits, err := parseRateLimits(os.Getenv("ADAPTER_RATE_LIMIT"))
	if err != nil {
		return cfg, fmt.Errorf("ADAPTER_RATE_LIMIT: %w", err)
	}
	cfg.adapterRateLimits = limits

	refresh := envOr("PACK_REFRESH_INTERVAL", "30s")
	d, err := time.ParseDuration(refresh)
	if err != nil {
		return cfg, fmt.Errorf("PACK_REFRESH_INTERVAL %q: %w", refresh, err)
	}
	cfg.refreshInterval = d

	if raw := os.Getenv("PACK_PUBLIC_KEY"); raw != "" {
		key, err := parsePublicKey(raw)
		if err != nil {
			return cfg, fmt.Errorf("PACK_PUBLIC_KEY: %w", err)
		}
		cfg.packPublicKey = key
	}
	return cfg, nil
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func parseAllowlist(raw string) map[string]bool {
	out := map[string]bool{}
	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			out[name] = true
		}
	}
	return out
}

// parseRateLimits decodes ADAPTER_RATE_LIMIT, a comma-separated list of
// "<adapter>:<rps>:<burst>" triples bounding how often adapter.Registry
// dispatches a named adapter (e.g. "weather:5:10,billing:1:1").
func parseRateLimits(raw string) (map[string]rateLimit, error) {
	out := map[string]rateLimit{}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return out, nil
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("malformed entry %q, want name:rps:burst", entry)
		}
		rps, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return nil, fmt.Errorf("entry %q: rps: %w", entry, err)
		}
		burst, err := strconv.Atoi(parts[2])
		if err != nil {
			return nil, fmt.Errorf("entry %q: burst: %w", entry, err)
		}
		out[parts[0]] = rateLimit{rps: rps, burst: burst}
	}
	return out, nil
}

// parsePublicKey decodes the "ed25519:<base64>" form PACK_PUBLIC_KEY uses.
func parsePublicKey(raw string) (ed25519.PublicKey, error) {
	enc, ok := strings.CutPrefix(raw, "ed25519:")
	if !ok {
		return nil, fmt.Errorf("expected \"ed25519:<base64>\", got %q", raw)
	}
	key, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("key is %d bytes, want %d", len(key), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(key), nil
}

// serve wires every collaborator and blocks until ctx is cancelled
// (SIGINT/SIGTERM), then shuts down cleanly.
func serve(ctx context.Context, addr string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := telemetry.NewClueLogger()
	facade := telemetry.NewClueFacade()

	resolver, err := pack.NewResolver(pack.Options{
		CacheDir:  cfg.packCacheDir,
		PublicKey: cfg.packPublicKey,
	})
	if err != nil {
		return fmt.Errorf("build pack resolver: %w", err)
	}

	sessions, states, err := buildStores(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build stores: %w", err)
	}

	secretsHost, err := buildSecrets(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build secrets backend: %w", err)
	}

	adapters, stopEngine, err := buildAdapters(cfg)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer stopEngine()

	deps := registry.Deps{
		Resolver: resolver,
		BundleFor: func(string) *host.Bundle {
			return host.NewBundle(secretsHost, facade, sessions, states)
		},
		AdaptersFor: func(string) session.Adapters { return adapters },
		Observer:    driver.NoopObserver{},
		Logger:      logger,
	}

	reg := registry.New(cfg.packIndexURL, cfg.refreshInterval, deps)
	if err := reg.Start(ctx); err != nil {
		return fmt.Errorf("start registry: %w", err)
	}
	defer reg.Stop()

	tenantResolver := buildTenantResolver(cfg)

	mux := http.NewServeMux()
	mux.HandleFunc("/ingress", ingressHandler(reg, tenantResolver))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/admin/reload", adminReloadHandler(reg, cfg.adminToken))

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func buildStores(ctx context.Context, cfg config) (session.SessionHost, session.StateHost, error) {
	var sessions session.SessionHost
	switch cfg.sessionBackend {
	case "inmem", "":
		sessions = storeinmem.NewSessionStore()
	case "mongo":
		if cfg.mongoURI == "" {
			return nil, nil, fmt.Errorf("MONGO_URI is required for SESSION_STORE_BACKEND=mongo")
		}
		client, err := mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(cfg.mongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		store, err := storemongo.NewSessionStore(ctx, storemongo.Options{Client: client, Database: cfg.mongoDatabase})
		if err != nil {
			return nil, nil, fmt.Errorf("build mongo session store: %w", err)
		}
		sessions = store
	default:
		return nil, nil, fmt.Errorf("unknown SESSION_STORE_BACKEND %q", cfg.sessionBackend)
	}

	var states session.StateHost
	switch cfg.stateBackend {
	case "inmem", "":
		states = storeinmem.NewStateStore()
	case "redis":
		if cfg.redisAddr == "" {
			return nil, nil, fmt.Errorf("REDIS_ADDR is required for STATE_STORE_BACKEND=redis")
		}
		rdb := redis.NewClient(&redis.Options{Addr: cfg.redisAddr})
		states = storeredis.NewStateStore(rdb, "flowhost:")
	default:
		return nil, nil, fmt.Errorf("unknown STATE_STORE_BACKEND %q", cfg.stateBackend)
	}
	return sessions, states, nil
}

func buildSecrets(ctx context.Context, cfg config) (host.SecretsHost, error) {
	switch cfg.secretsBackend {
	case "env", "":
		return secrets.NewEnv(cfg.secretsAllowlist), nil
	case "aws":
		return secrets.NewAWS(ctx, cfg.secretsAllowlist)
	case "gcp":
		if cfg.gcpProject == "" {
			return nil, fmt.Errorf("GCP_PROJECT is required for SECRETS_BACKEND=gcp")
		}
		return secrets.NewGCP(ctx, cfg.gcpProject, cfg.secretsAllowlist)
	case "azure":
		if cfg.azureVaultURL == "" {
			return nil, fmt.Errorf("AZURE_VAULT_URL is required for SECRETS_BACKEND=azure")
		}
		return secrets.NewAzure(cfg.azureVaultURL, cfg.secretsAllowlist)
	default:
		return nil, fmt.Errorf("unknown SECRETS_BACKEND %q", cfg.secretsBackend)
	}
}

// buildAdapters wires the real adapter registry and, when configured,
// fronts it with a durable engine. The inmem engine is given a
// single-attempt policy deliberately: session.Machine's own
// retry.Do already drives the backoff loop,
// so the engine layer here only contributes bounded concurrency, not a
// second retry loop. The Temporal engine is the one case genuinely worth
// fronting Adapters with, since its ActivityOptions.RetryPolicy is what
// makes the retry sequence survive a process restart.
func buildAdapters(cfg config) (session.Adapters, func(), error) {
	reg := adapter.NewRegistry()
	if cfg.mcpEndpoint != "" {
		reg.Register("mcp", &adaptermcp.Adapter{Caller: adaptermcp.NewHTTPCaller(cfg.mcpEndpoint), Suite: "default"})
	}
	for name, limit := range cfg.adapterRateLimits {
		reg.SetRateLimit(name, limit.rps, limit.burst)
	}

	switch cfg.engineBackend {
	case "inmem", "":
		eng := inmem.New(reg, retry.Policy{MaxAttempts: 1})
		return &engineAdapters{engine: eng}, func() {}, nil
	case "temporal":
		if cfg.temporalAddr == "" {
			return nil, nil, fmt.Errorf("TEMPORAL_ADDRESS is required for ENGINE_BACKEND=temporal")
		}
		c, err := temporalclient.Dial(temporalclient.Options{HostPort: cfg.temporalAddr})
		if err != nil {
			return nil, nil, fmt.Errorf("dial temporal: %w", err)
		}
		eng, err := enginetemporal.New(enginetemporal.Options{
			Client:    c,
			TaskQueue: cfg.temporalQueue,
			Policy:    engine.RetryPolicy{MaxAttempts: 5, InitialBackoff: 100 * time.Millisecond, MaxBackoff: 5 * time.Second},
		})
		if err != nil {
			c.Close()
			return nil, nil, fmt.Errorf("build temporal engine: %w", err)
		}
		eng.Bind(reg)
		startErr := make(chan error, 1)
		go func() {
			if err := eng.Start(); err != nil {
				startErr <- err
			}
		}()
		cleanup := func() {
			eng.Stop()
			c.Close()
		}
		return &engineAdapters{engine: eng}, cleanup, nil
	default:
		return nil, nil, fmt.Errorf("unknown ENGINE_BACKEND %q", cfg.engineBackend)
	}
}

// engineAdapters bridges an engine.Engine into session.Adapters, deriving
// a stable durable-execution ID from the call's own contents so a
// restarted attempt against the same outbox entry dedupes against a
// workflow run already in flight (engine.CallRequest.ID contract).
type engineAdapters struct {
	engine engine.Engine
}

func (e *engineAdapters) Call(ctx context.Context, adapterName, operation string, payload json.RawMessage) (json.RawMessage, error) {
	return e.engine.Call(ctx, engine.CallRequest{
		ID:        callID(adapterName, operation, payload),
		Adapter:   adapterName,
		Operation: operation,
		Payload:   payload,
	})
}

func callID(adapterName, operation string, payload json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(adapterName))
	h.Write([]byte{0})
	h.Write([]byte(operation))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func buildTenantResolver(cfg config) envelope.TenantResolver {
	switch cfg.tenantResolver {
	case "host":
		return envelope.HostResolver{Default: cfg.defaultTenant}
	case "header":
		return envelope.HeaderResolver{Header: "X-Tenant", Default: cfg.defaultTenant}
	case "jwt":
		return envelope.JWTResolver{Claim: "tenant", Default: cfg.defaultTenant}
	case "env", "":
		fallthrough
	default:
		return envelope.StaticResolver{Tenant: cfg.defaultTenant}
	}
}

// ingressHandler accepts a canonical envelope and drives
// one step() call against the tenant's runtime.
func ingressHandler(reg *registry.Registry, tenantResolver envelope.TenantResolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}

		env, err := envelope.Canonicalize(body, time.Now())
		if errors.Is(err, envelope.ErrMissingTenant) && tenantResolver != nil {
			if t, rerr := tenantResolver.Resolve(r); rerr == nil {
				body = withTenant(body, t)
				env, err = envelope.Canonicalize(body, time.Now())
			}
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		tctx := tenant.Ctx{Env: env.Env, Tenant: env.Tenant}
		if err := tctx.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		rt, ok := reg.Runtime(env.Tenant)
		if !ok {
			http.Error(w, fmt.Sprintf("unknown tenant %q", env.Tenant), http.StatusNotFound)
			return
		}

		outcome, err := rt.Machine.Step(r.Context(), tctx.Key(), flowir.FlowID(env.FlowID), env.SessionHint, env.Payload)
		if err != nil {
			writeErr(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(outcome)
	}
}

func withTenant(body []byte, tenant string) []byte {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return body
	}
	enc, err := json.Marshal(tenant)
	if err != nil {
		return body
	}
	m["tenant"] = enc
	out, err := json.Marshal(m)
	if err != nil {
		return body
	}
	return out
}

func writeErr(w http.ResponseWriter, err error) {
	kind := errs.Serialization
	if e, ok := errs.As(err); ok {
		kind = e.Kind
	}
	http.Error(w, err.Error(), errs.HTTPStatus(kind))
}

// adminReloadHandler triggers an out-of-band registry reload, gated by
// ADMIN_TOKEN.
func adminReloadHandler(reg *registry.Registry, adminToken string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if adminToken == "" {
			http.Error(w, "admin surface disabled", http.StatusForbidden)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token != adminToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if err := reg.Reload(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
