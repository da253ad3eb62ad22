// Command queryengine wires the orchestrator facade, the in-memory
// engine, every step kind's collaborator, a planner, and the HTTP+SSE
// transport into one runnable service. Grounded on
// example/cmd/assistant/main.go (flag parsing, goa.design/clue/log
// context setup, signal-driven graceful shutdown via an error channel)
// elsewhere in this codebase, simplified to this module's
// single-service, single-transport shape -- analogous in spirit to
// cmd/demo's minimal wiring but exercising the real collaborators
// instead of a stub planner.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/fctr-id/queryengine/apistep"
	"github.com/fctr-id/queryengine/config"
	"github.com/fctr-id/queryengine/engine/inmem"
	"github.com/fctr-id/queryengine/eventsink/pulse"
	pulseclient "github.com/fctr-id/queryengine/eventsink/pulse/clients/pulse"
	"github.com/fctr-id/queryengine/execerrors"
	"github.com/fctr-id/queryengine/formatter"
	"github.com/fctr-id/queryengine/history"
	"github.com/fctr-id/queryengine/orchestrator"
	"github.com/fctr-id/queryengine/plan"
	"github.com/fctr-id/queryengine/planner/anthropicplanner"
	"github.com/fctr-id/queryengine/process"
	"github.com/fctr-id/queryengine/sqlstep"
	"github.com/fctr-id/queryengine/steps"
	"github.com/fctr-id/queryengine/subprocess"
	"github.com/fctr-id/queryengine/telemetry"
	"github.com/fctr-id/queryengine/transport/httpapi"
	"github.com/fctr-id/queryengine/validator"
)

func main() {
	var (
		hostF       = flag.String("host", "localhost", "HTTP listen host")
		httpPortF   = flag.String("http-port", "8080", "HTTP listen port")
		dbgF        = flag.Bool("debug", false, "log request/response bodies")
		oktaBaseURL = flag.String("okta-base-url", os.Getenv("OKTA_BASE_URL"), "Okta org base URL, e.g. https://example.okta.com")
		oktaToken   = flag.String("okta-api-token", os.Getenv("OKTA_API_TOKEN"), "Okta API token (SSWS)")
		anthropicKey = flag.String("anthropic-api-key", os.Getenv("ANTHROPIC_API_KEY"), "Anthropic API key")
		anthropicModel = flag.String("anthropic-model", "claude-sonnet-4-5", "Anthropic model id for planning")
		mongoURI    = flag.String("mongo-uri", os.Getenv("QE_MONGO_URI"), "MongoDB connection string; local SQL mirror + history store")
		mongoDB     = flag.String("mongo-database", "queryengine", "MongoDB database name")
		dataDirF    = flag.String("data-dir", os.Getenv("QE_DATA_DIR"), "directory generated scripts may write to")
		scriptDirF  = flag.String("script-dir", os.TempDir(), "directory generated scripts are written to before execution")
		redisAddr   = flag.String("redis-addr", os.Getenv("QE_REDIS_ADDR"), "Redis address for the Pulse event sink (optional)")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg := config.FromEnv()
	logger := telemetry.NewClueLogger()

	var mongoClient *mongo.Client
	if *mongoURI != "" {
		var err error
		mongoClient, err = mongo.Connect(options.Client().ApplyURI(*mongoURI))
		if err != nil {
			log.Fatalf(ctx, err, "failed to connect to MongoDB")
		}
		defer mongoClient.Disconnect(ctx)
	}

	registry := steps.NewRegistry()
	wireStepHandlers(registry, cfg, mongoClient, *mongoDB, *oktaBaseURL, *oktaToken, *dataDirF, *scriptDirF)

	eng := inmem.New(inmem.WithLogger(logger))

	plnr, err := anthropicplanner.NewFromAPIKey(*anthropicKey, anthropicplanner.Options{
		Model: *anthropicModel,
	})
	if err != nil {
		log.Fatalf(ctx, err, "failed to construct planner")
	}

	procRegistry := process.NewRegistry(process.Options{
		GraceSeconds: cfg.ProcessGraceSeconds,
		OwnerQuota:   cfg.OwnerQuota,
	})
	defer procRegistry.Close()

	var hist orchestrator.History
	if mongoClient != nil {
		histClient, err := history.NewClient(history.Options{Mongo: mongoClient, Database: *mongoDB})
		if err != nil {
			log.Fatalf(ctx, err, "failed to construct history client")
		}
		store, err := history.NewStore(histClient)
		if err != nil {
			log.Fatalf(ctx, err, "failed to construct history store")
		}
		hist = store
	}

	var sink orchestrator.Sink
	if *redisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: *redisAddr})
		defer redisClient.Close()
		pc, err := pulseclient.New(pulseclient.Options{Redis: redisClient, OperationTimeout: 5 * time.Second})
		if err != nil {
			log.Fatalf(ctx, err, "failed to construct pulse client")
		}
		s, err := pulse.NewSink(pulse.Options{Client: pc})
		if err != nil {
			log.Fatalf(ctx, err, "failed to construct pulse sink")
		}
		sink = s
	}

	orch, err := orchestrator.New(ctx, orchestrator.Options{
		Engine:    eng,
		Registry:  registry,
		Planner:   plnr,
		Processes: procRegistry,
		Config:    cfg,
		History:   hist,
		Sink:      sink,
		Logger:    logger,
	})
	if err != nil {
		log.Fatalf(ctx, err, "failed to construct orchestrator")
	}
	defer orch.Close()

	server := httpapi.New(orch)

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	addr, err := hostPort(*hostF, *httpPortF)
	if err != nil {
		log.Fatalf(ctx, err, "invalid host/port")
	}

	go func() {
		errc <- server.ListenAndServe(ctx, addr)
	}()

	if err := <-errc; err != nil {
		log.Printf(ctx, "exiting: %s", err)
	}
	cancel()
}

func hostPort(host, port string) (string, error) {
	u, err := url.Parse("http://" + host)
	if err != nil {
		return "", err
	}
	if port != "" {
		u.Host = u.Hostname() + ":" + port
	}
	return u.Host, nil
}

// wireStepHandlers registers every data/validation/execution step kind
// the Plan Executor dispatches through the Step Registry. Bookend kinds
// (thinking, generating_steps, finalizing_results) are intentionally
// absent: the Plan Executor handles those directly.
func wireStepHandlers(registry *steps.Registry, cfg config.Config, mongoClient *mongo.Client, mongoDB, oktaBaseURL, oktaToken, dataDir, scriptDir string) {
	if mongoClient != nil {
		sqlClient := &mongoSQLClient{db: mongoClient.Database(mongoDB)}
		registry.Register(plan.StepSQL, sqlstep.Handler(sqlstep.Options{Client: sqlClient}), cfg.SQLStepTimeout)
	}

	if oktaBaseURL != "" {
		oktaClient := &oktaAPIClient{
			http:     &http.Client{Timeout: cfg.APIStepTimeout},
			baseURL:  strings.TrimRight(oktaBaseURL, "/"),
			apiToken: oktaToken,
		}
		apiOpts := apistep.Options{
			Client:     oktaClient,
			Limiter:    apistep.NewLimiter(cfg.OktaConcurrentLimit),
			MaxRetries: 3,
			Endpoint:   oktaEndpoint,
		}
		registry.Register(plan.StepAPI, apistep.Handler(apiOpts), cfg.APIStepTimeout)
		registry.Register(plan.StepSystemLog, apistep.Handler(apiOpts), cfg.APIStepTimeout)
	}

	v, err := validator.New(validator.Options{DataDir: dataDir})
	if err == nil {
		registry.Register(plan.StepSecurityValidation, v.Handler(), 0)
		registry.Register(plan.StepScriptExecution, subprocess.Handler(subprocess.Options{
			Validator: v,
			ScriptDir: scriptDir,
			Timeout:   cfg.ScriptTimeout,
		}), cfg.ScriptTimeout)
	}

	registry.Register(plan.StepResultsFormatter, formatter.Handler(), 0)
}

// oktaEndpoint maps a plan step's entity to an Okta REST resource path:
// the "api" step kind targets the Okta Users/Groups/Apps/Logs
// collaborator. Unknown entities fall back to a path built directly
// from the entity name.
func oktaEndpoint(step plan.Step) string {
	switch step.Kind {
	case plan.StepSystemLog:
		return "/api/v1/logs"
	}
	switch step.Entity {
	case "users":
		return "/api/v1/users"
	case "groups":
		return "/api/v1/groups"
	case "applications", "apps":
		return "/api/v1/apps"
	default:
		return "/api/v1/" + step.Entity
	}
}

// mongoSQLClient adapts *mongo.Database to sqlstep.Client, standing in
// for the local relational mirror as an external collaborator.
type mongoSQLClient struct {
	db *mongo.Database
}

func (c *mongoSQLClient) Aggregate(ctx context.Context, entity string, pipeline bson.A) (sqlstep.Cursor, error) {
	return c.db.Collection(entity).Aggregate(ctx, pipeline)
}

// oktaAPIClient adapts net/http to apistep.Client, implementing the
// Okta-specific conventions apistep.Handler's retry loop depends on:
// SSWS token auth, a "Link" response header carrying the next cursor,
// and 429 responses reporting a Retry-After delay in seconds.
type oktaAPIClient struct {
	http     *http.Client
	baseURL  string
	apiToken string
}

func (c *oktaAPIClient) Get(ctx context.Context, endpoint string, params map[string]string, cursor string) (apistep.Page, error) {
	u, err := url.Parse(c.baseURL + endpoint)
	if err != nil {
		return apistep.Page{}, err
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	if cursor != "" {
		q.Set("after", cursor)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return apistep.Page{}, err
	}
	req.Header.Set("Authorization", "SSWS "+c.apiToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return apistep.Page{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return apistep.Page{StatusCode: resp.StatusCode, RetryAfter: retryAfter(resp.Header.Get("Retry-After"))}, nil
	}
	if resp.StatusCode >= 400 {
		return apistep.Page{StatusCode: resp.StatusCode}, execerrors.New(execerrors.KindUpstreamUnavailable, fmt.Sprintf("okta: unexpected status %d", resp.StatusCode))
	}

	var records []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return apistep.Page{}, err
	}
	next, hasMore := parseNextLink(resp.Header.Get("Link"))
	return apistep.Page{Records: records, NextCursor: next, HasMore: hasMore, StatusCode: resp.StatusCode}, nil
}

func retryAfter(header string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || secs <= 0 {
		return time.Second
	}
	return time.Duration(secs) * time.Second
}

// parseNextLink extracts the "after" cursor from an Okta-style RFC 5988
// Link header entry tagged rel="next".
func parseNextLink(header string) (string, bool) {
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if !strings.Contains(part, `rel="next"`) {
			continue
		}
		start := strings.IndexByte(part, '<')
		end := strings.IndexByte(part, '>')
		if start < 0 || end < start {
			continue
		}
		raw := part[start+1 : end]
		u, err := url.Parse(raw)
		if err != nil {
			continue
		}
		return u.Query().Get("after"), true
	}
	return "", false
}
