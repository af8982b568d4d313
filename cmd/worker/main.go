package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	openaisdk "github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/clue/log"

	"goa.design/agentcore/internal/admin"
	"goa.design/agentcore/internal/backpressure"
	"goa.design/agentcore/internal/batch"
	"goa.design/agentcore/internal/broker"
	"goa.design/agentcore/internal/compression"
	"goa.design/agentcore/internal/config"
	"goa.design/agentcore/internal/dispatcher"
	"goa.design/agentcore/internal/dlq"
	"goa.design/agentcore/internal/execution"
	"goa.design/agentcore/internal/lifecycle"
	"goa.design/agentcore/internal/metrics"
	"goa.design/agentcore/internal/model"
	"goa.design/agentcore/internal/model/anthropic"
	"goa.design/agentcore/internal/model/bedrock"
	"goa.design/agentcore/internal/model/openai"
	"goa.design/agentcore/internal/ownership"
	"goa.design/agentcore/internal/prep"
	"goa.design/agentcore/internal/recovery"
	"goa.design/agentcore/internal/resilience"
	"goa.design/agentcore/internal/runmodel"
	"goa.design/agentcore/internal/store"
	"goa.design/agentcore/internal/stream"
	"goa.design/agentcore/internal/telemetry"
	"goa.design/agentcore/internal/wal"
)

func main() {
	var (
		redisAddrF     = flag.String("redis-addr", "localhost:6379", "Redis address")
		redisPasswordF = flag.String("redis-password", "", "Redis password")
		mongoURIF      = flag.String("mongo-uri", "mongodb://localhost:27017", "MongoDB connection URI")
		mongoDatabaseF = flag.String("mongo-database", "agentcore", "MongoDB database name")
		workerIDF      = flag.String("worker-id", "", "Worker identifier (defaults to a generated id)")
		adminAddrF     = flag.String("admin-addr", ":8090", "Admin control plane listen address")
		tierNameF      = flag.String("tier-name", "pro", "Tier every account resolves to until a real tier lookup is wired in")
		tierCapF       = flag.Int("tier-concurrent-cap", 5, "Concurrent run cap for the fixed tier")

		anthropicAPIKeyF = flag.String("anthropic-api-key", "", "Anthropic API key; registers the claude- model prefix when set")
		anthropicModelF  = flag.String("anthropic-default-model", "claude-sonnet-4-20250514", "Default Anthropic model id")

		openaiAPIKeyF = flag.String("openai-api-key", "", "OpenAI API key; registers the gpt- model prefix when set")
		openaiModelF  = flag.String("openai-default-model", "gpt-4o", "Default OpenAI model id")

		bedrockRegionF = flag.String("bedrock-region", "", "AWS region; registers the amazon. model prefix when set")
		bedrockModelF  = flag.String("bedrock-default-model", "amazon.nova-pro-v1:0", "Default Bedrock model id")

		modelRatePerSecF = flag.Float64("model-rate-limit", 10, "Per-provider token-bucket rate (requests/sec) applied to every registered model adapter")
		modelBurstF      = flag.Int("model-rate-burst", 20, "Per-provider token-bucket burst capacity")

		dbgF = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	logger := telemetry.NewClueLogger()
	metricsRec := telemetry.NewClueMetrics()

	cfg := config.Default()

	rdb := redis.NewClient(&redis.Options{Addr: *redisAddrF, Password: *redisPasswordF})
	b, err := broker.New(broker.Options{Redis: rdb, OperationTimeout: 5 * time.Second})
	if err != nil {
		log.Fatal(ctx, fmt.Errorf("broker: %w", err))
	}
	if err := b.Ping(ctx); err != nil {
		log.Fatal(ctx, fmt.Errorf("redis ping: %w", err))
	}

	mongoClient, err := mongodriver.Connect(options.Client().ApplyURI(*mongoURIF))
	if err != nil {
		log.Fatal(ctx, fmt.Errorf("mongo connect: %w", err))
	}
	dbClient, err := store.New(store.Options{Client: mongoClient, Database: *mongoDatabaseF})
	if err != nil {
		log.Fatal(ctx, fmt.Errorf("store: %w", err))
	}

	streamClient, err := stream.New(stream.Options{Redis: rdb, StreamMaxLen: cfg.OutputStreamMaxLen, OperationTimeout: 5 * time.Second})
	if err != nil {
		log.Fatal(ctx, fmt.Errorf("stream: %w", err))
	}
	publisher := stream.NewPublisher(streamClient)

	writeAheadLog := wal.New(b, cfg, logger)
	deadLetters := dlq.New(b, cfg, logger)

	ownOpts := []ownership.Option{ownership.WithLogger(logger), ownership.WithMetrics(metricsRec)}
	if *workerIDF != "" {
		ownOpts = append(ownOpts, ownership.WithWorkerID(*workerIDF))
	}
	own := ownership.New(b, cfg, ownOpts...)
	log.Print(ctx, log.KV{K: "worker-id", V: own.WorkerID()})

	runs := runmodel.NewRegistry()

	models, contextWindows := buildModelRegistry(ctx,
		*anthropicAPIKeyF, *anthropicModelF,
		*openaiAPIKeyF, *openaiModelF,
		*bedrockRegionF, *bedrockModelF,
		*modelRatePerSecF, *modelBurstF,
	)

	breakerRegistry := resilience.NewRegistry()
	storeBreaker := breakerRegistry.GetOrCreate("store", resilience.DefaultCircuitConfig())

	writer := batch.New(writeAheadLog, deadLetters, dbClient)
	writer.Breaker = storeBreaker
	writer.Logger = logger

	flusher := batch.NewLoop(writer, own, runs, cfg.FlushInterval)

	pipeline := &prep.Pipeline{
		Billing:  alwaysAllowBilling{},
		Tiers:    fixedTier{name: *tierNameF, concurrentCap: *tierCapF},
		Runs:     localRunCounter{runs: runs},
		Messages: emptyHistory{},
		Prompts:  toolListPrompt{},
		MCP:      noMCP{},
	}

	bp := backpressure.New(backpressure.DefaultThresholds())

	compressor := compression.New(compression.DefaultTokenCounter{}, contextWindowLookup(contextWindows))

	newEngine := func(cli model.Client) *execution.Engine {
		e := execution.New(cli, writeAheadLog, publisher, cfg)
		e.Compressor = compressor
		e.Tools = unimplementedTools{}
		e.Logger = logger
		e.Metrics = metricsRec
		return e
	}

	dsp := dispatcher.New(b, own, pipeline, models, runs, publisher, bp, newEngine)
	dsp.Logger = logger

	flushFn := func(ctx context.Context, runID string) error {
		run, ok := runs.Get(runID)
		if !ok {
			return nil
		}
		_, err := writer.FlushRun(ctx, runID, run.AccountID, run.ThreadID)
		return err
	}

	sweeper := recovery.New(own, cfg, unresumableRun(own, logger))
	sweeper.Logger = logger
	sweeper.Metrics = metricsRec

	lc := lifecycle.New(own, flusher, sweeper, flushFn, cfg)
	lc.Logger = logger
	lc.OnStartup(func(ctx context.Context) error {
		dsp.Start(ctx)
		return nil
	})
	lc.OnShutdown(func(ctx context.Context) error {
		dsp.Stop()
		return nil
	})

	statsRegistry := metrics.New()
	adminCore := admin.New(own, sweeper, flusher, lc, statsRegistry, cfg)
	adminCore.Logger = logger

	adminServer := &http.Server{Addr: *adminAddrF, Handler: admin.NewHTTPHandler(adminCore)}
	go func() {
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(ctx, "admin server failed", "error", err)
		}
	}()

	stopSampling := sampleLoadMetrics(ctx, writeAheadLog, own, bp, statsRegistry, 5*time.Second)
	defer stopSampling()

	res := lc.Initialize(ctx)
	log.Print(ctx, log.KV{K: "status", V: res.Status})

	lc.WaitForShutdown(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownBudget+5*time.Second)
	defer cancel()
	shutdownRes := lc.Shutdown(shutdownCtx)
	log.Print(ctx, log.KV{K: "shutdown_status", V: shutdownRes.Status})

	_ = adminServer.Shutdown(shutdownCtx)
	_ = streamClient.Close(shutdownCtx)
	_ = mongoClient.Disconnect(shutdownCtx)
}

// unresumableRun is the recovery.ResumeFunc for a run reclaimed from a
// crashed worker. The attributes a resume needs (thread, account, model,
// agent_config) live only in the owning worker's in-process registry per
// runmodel.Registry's doc comment, so a fresh worker can't reconstruct the
// original request: it marks the run failed and relies on the producer to
// resubmit, rather than guessing at state it never had.
func unresumableRun(own *ownership.Manager, logger telemetry.Logger) recovery.ResumeFunc {
	return func(ctx context.Context, runID string) {
		logger.Warn(ctx, "reclaimed run has no local attributes to resume, marking failed", "run_id", runID)
		own.Release(ctx, runID, "failed")
	}
}

// contextWindowLookup maps a resolved registry model id to its context
// window size using whichever entry's prefix matches; unrecognized models
// get a conservative 100k-token default.
func contextWindowLookup(windows map[string]int) compression.ContextWindowLookup {
	return func(modelID string) int {
		for prefix, size := range windows {
			if len(modelID) >= len(prefix) && modelID[:len(prefix)] == prefix {
				return size
			}
		}
		return 100_000
	}
}

// buildModelRegistry registers every provider adapter whose credentials
// were supplied, each wrapped in its own rate limiter so one overloaded
// provider's backoff never throttles another. Returns the registry and the
// context window known for each registered prefix.
func buildModelRegistry(ctx context.Context,
	anthropicAPIKey, anthropicModel string,
	openaiAPIKey, openaiModel string,
	bedrockRegion, bedrockModel string,
	ratePerSec float64, burst int,
) (*model.Registry, map[string]int) {
	registry := model.NewRegistry()
	windows := map[string]int{}
	limiters := resilience.NewRateLimiterRegistry()

	if anthropicAPIKey != "" {
		cli, err := anthropic.NewFromAPIKey(anthropicAPIKey, anthropicModel)
		if err != nil {
			log.Fatal(ctx, fmt.Errorf("anthropic adapter: %w", err))
		}
		limiter := limiters.GetOrCreate("anthropic", ratePerSec, burst)
		registry.RegisterPrefix("claude-", rateLimitedClient{Client: cli, limiter: limiter})
		windows["claude-"] = 200_000
	}

	if openaiAPIKey != "" {
		sdkClient := openaisdk.NewClient(openaiopt.WithAPIKey(openaiAPIKey))
		cli, err := openai.New(openai.Options{Client: &sdkClient.Chat.Completions, DefaultModel: openaiModel})
		if err != nil {
			log.Fatal(ctx, fmt.Errorf("openai adapter: %w", err))
		}
		limiter := limiters.GetOrCreate("openai", ratePerSec, burst)
		registry.RegisterPrefix("gpt-", rateLimitedClient{Client: cli, limiter: limiter})
		windows["gpt-"] = 128_000
	}

	if bedrockRegion != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(bedrockRegion))
		if err != nil {
			log.Fatal(ctx, fmt.Errorf("aws config: %w", err))
		}
		runtime := bedrockruntime.NewFromConfig(awsCfg)
		cli, err := bedrock.New(bedrock.Options{Runtime: runtime, DefaultModel: bedrockModel})
		if err != nil {
			log.Fatal(ctx, fmt.Errorf("bedrock adapter: %w", err))
		}
		limiter := limiters.GetOrCreate("bedrock", ratePerSec, burst)
		registry.RegisterPrefix("amazon.", rateLimitedClient{Client: cli, limiter: limiter})
		windows["amazon."] = 300_000
	}

	return registry, windows
}

// rateLimitedClient wraps a model.Client so every call first draws a token
// from a per-provider bucket, shielding the provider from bursts the
// concurrency cap alone wouldn't catch.
type rateLimitedClient struct {
	model.Client
	limiter *resilience.RateLimiter
}

func (c rateLimitedClient) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if err := c.limiter.Acquire(ctx, 1); err != nil {
		return model.Response{}, err
	}
	return c.Client.Complete(ctx, req)
}

func (c rateLimitedClient) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	if err := c.limiter.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return c.Client.Stream(ctx, req)
}

// sampleLoadMetrics periodically feeds the WAL's pending-write depth and
// the ownership manager's owned-run count into both the backpressure
// controller and the metrics registry, the two places that load signal
// drives: admission shedding and the operator dashboard.
func sampleLoadMetrics(ctx context.Context, w *wal.WriteAheadLog, own *ownership.Manager, bp *backpressure.Controller, stats *metrics.Registry, interval time.Duration) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				walStats := w.GetStats(ctx)
				owned := own.OwnedCount()
				bp.UpdateMetrics(walStats.TotalPending, owned, 0, -1)
				stats.UpdateBuffer(walStats.TotalPending)
				stats.UpdateOwnership(owned)
			}
		}
	}()
	return func() { close(stop) }
}
