package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	temporalclient "go.temporal.io/sdk/client"
	"goa.design/pulse/rmap"

	"goa.design/loom/features/model/anthropic"
	"goa.design/loom/features/model/bedrock"
	"goa.design/loom/features/model/middleware"
	"goa.design/loom/features/model/openai"
	mongostore "goa.design/loom/features/store/mongo"
	pgstore "goa.design/loom/features/store/postgres"
	pulsestream "goa.design/loom/features/stream/pulse"
	pulseclient "goa.design/loom/features/stream/pulse/clients/pulse"
	"goa.design/loom/runtime/config"
	"goa.design/loom/runtime/engine"
	temporalengine "goa.design/loom/runtime/engine/temporal"
	"goa.design/loom/runtime/model"
	"goa.design/loom/runtime/store"
	"goa.design/loom/runtime/store/inmem"
	"goa.design/loom/runtime/stream"
	"goa.design/loom/runtime/telemetry"
)

// closeFunc releases the resources a build helper acquired. Helpers return a
// no-op when there is nothing to release.
type closeFunc func(context.Context) error

func noopClose(context.Context) error { return nil }

// buildStore constructs the persistence backend the configuration selects.
// Connection details come from the conventional environment variables of each
// backend: MONGO_URI/MONGO_DATABASE for mongo, DATABASE_URL for sql.
func buildStore(ctx context.Context, cfg config.Config) (store.Store, closeFunc, error) {
	switch cfg.PersistenceBackend {
	case config.BackendMemory:
		return inmem.New(), noopClose, nil

	case config.BackendMongo:
		uri := os.Getenv("MONGO_URI")
		if uri == "" {
			return nil, nil, fmt.Errorf("mongo backend selected but MONGO_URI is not set")
		}
		database := os.Getenv("MONGO_DATABASE")
		if database == "" {
			database = "loom"
		}
		cli, err := mongodriver.Connect(mongooptions.Client().ApplyURI(uri))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		st, err := mongostore.New(ctx, mongostore.Options{Client: cli, Database: database})
		if err != nil {
			_ = cli.Disconnect(ctx)
			return nil, nil, err
		}
		return st, func(ctx context.Context) error { return cli.Disconnect(ctx) }, nil

	case config.BackendSQL:
		dsn := os.Getenv("DATABASE_URL")
		if dsn == "" {
			return nil, nil, fmt.Errorf("sql backend selected but DATABASE_URL is not set")
		}
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
		db := bun.NewDB(sqldb, pgdialect.New())
		st, err := pgstore.New(ctx, pgstore.Options{DB: db})
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return st, func(context.Context) error { return db.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown persistence backend %q", cfg.PersistenceBackend)
}

// buildModelClient constructs the provider adapter named by AI_PROVIDER and
// wraps it with the adaptive rate limiter so every completion flows through
// the tokens-per-minute budget. The API key and default model come from the
// opaque AI_PROVIDER_* settings; MODEL_TPM_BUDGET and MODEL_TPM_MAX size the
// limiter, and REDIS_URL additionally shares the budget across worker
// processes through a Pulse replicated map.
func buildModelClient(ctx context.Context, cfg config.Config) (model.Client, closeFunc, error) {
	if cfg.AIProviderModel == "" {
		return nil, nil, fmt.Errorf("AI_PROVIDER_MODEL is required")
	}
	var (
		client model.Client
		err    error
	)
	switch cfg.AIProvider {
	case "openai":
		client, err = openai.NewFromAPIKey(cfg.AIProviderAPIKey, cfg.AIProviderModel)
	case "anthropic":
		client, err = anthropic.NewFromAPIKey(cfg.AIProviderAPIKey, cfg.AIProviderModel)
	case "bedrock":
		region := os.Getenv("AWS_REGION")
		if region == "" {
			return nil, nil, fmt.Errorf("bedrock provider selected but AWS_REGION is not set")
		}
		rt := bedrockruntime.New(bedrockruntime.Options{
			Region:      region,
			Credentials: envCredentials(),
		})
		client, err = bedrock.New(bedrock.Options{Runtime: rt, DefaultModel: cfg.AIProviderModel})
	case "":
		return nil, nil, fmt.Errorf("AI_PROVIDER is required (openai, anthropic or bedrock)")
	default:
		return nil, nil, fmt.Errorf("unknown AI provider %q", cfg.AIProvider)
	}
	if err != nil {
		return nil, nil, err
	}

	initialTPM := envFloat("MODEL_TPM_BUDGET")
	maxTPM := envFloat("MODEL_TPM_MAX")
	var (
		budget  *rmap.Map
		cleanup = noopClose
	)
	if url := os.Getenv("REDIS_URL"); url != "" {
		redisOpts, err := redis.ParseURL(url)
		if err != nil {
			return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(redisOpts)
		budget, err = rmap.Join(ctx, "loom_model_tpm", rdb)
		if err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("join model budget map: %w", err)
		}
		cleanup = func(context.Context) error { return rdb.Close() }
	}
	limiter := middleware.NewAdaptiveRateLimiter(ctx, budget, cfg.AIProvider, initialTPM, maxTPM)
	return limiter.Middleware()(client), cleanup, nil
}

// envFloat parses a float environment variable, returning zero when unset or
// malformed so the caller's defaults apply.
func envFloat(key string) float64 {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return f
}

// envCredentials resolves static AWS credentials from the standard
// environment variables.
func envCredentials() aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		id := os.Getenv("AWS_ACCESS_KEY_ID")
		secret := os.Getenv("AWS_SECRET_ACCESS_KEY")
		if id == "" || secret == "" {
			return aws.Credentials{}, fmt.Errorf("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY are required")
		}
		return aws.Credentials{
			AccessKeyID:     id,
			SecretAccessKey: secret,
			SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
		}, nil
	})
}

// buildEngine constructs the Temporal engine when TEMPORAL_HOSTPORT is set
// and returns nil otherwise, in which case the runner uses its in-memory
// engine.
func buildEngine(logger telemetry.Logger) (engine.Engine, closeFunc, error) {
	hostPort := os.Getenv("TEMPORAL_HOSTPORT")
	if hostPort == "" {
		return nil, noopClose, nil
	}
	namespace := os.Getenv("TEMPORAL_NAMESPACE")
	queue := os.Getenv("TEMPORAL_TASK_QUEUE")
	if queue == "" {
		queue = "loom"
	}
	eng, err := temporalengine.New(temporalengine.Options{
		ClientOptions: &temporalclient.Options{HostPort: hostPort, Namespace: namespace},
		WorkerOptions: temporalengine.WorkerOptions{TaskQueue: queue},
		Logger:        logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return eng, func(context.Context) error { eng.Close(); return nil }, nil
}

// buildStream constructs the Pulse event sink when REDIS_URL is set. Every
// invocation publishes its lifecycle events to the "run/<invocation id>"
// stream.
func buildStream(ctx context.Context) (stream.Sink, closeFunc, error) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		return nil, noopClose, nil
	}
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	cli, err := pulseclient.New(pulseclient.Options{Redis: rdb})
	if err != nil {
		_ = rdb.Close()
		return nil, nil, err
	}
	sink, err := pulsestream.NewSink(pulsestream.Options{Client: cli})
	if err != nil {
		_ = rdb.Close()
		return nil, nil, err
	}
	return sink, func(context.Context) error { return rdb.Close() }, nil
}
