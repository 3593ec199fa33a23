package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"lumen.health/insight/internal/cli"
	"lumen.health/insight/internal/cluster"
	"lumen.health/insight/internal/concepts"
	"lumen.health/insight/internal/config"
	"lumen.health/insight/internal/db"
	"lumen.health/insight/internal/dedup"
	"lumen.health/insight/internal/embed"
	"lumen.health/insight/internal/generate"
	"lumen.health/insight/internal/ingest"
	"lumen.health/insight/internal/jobs"
	"lumen.health/insight/internal/llm"
	"lumen.health/insight/internal/logging"
)

const usage = `Usage: insight <command> [flags]

Commands:
  serve      run the HTTP API
  ingest     load a validated insight batch from a JSON file
  embed      compute missing insight and concept embeddings
  cluster    build merge-suggestion clusters for new insights
  discover   extract and link topic concepts (requires GEMINI_API_KEY)
  tag        auto-tag one insight against the concept catalog
  generate   write an article or protocol for a concept
  process    embed + cluster + discover for one ingest run
  health     check database connectivity
`

// Run dispatches the CLI. args excludes the program name.
func Run(args []string) error {
	if len(args) < 1 {
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("no command given")
	}

	command, rest := args[0], args[1:]
	switch command {
	case "serve":
		return runServe(rest)
	case "ingest":
		return runIngest(rest)
	case "embed":
		return runEmbed(rest)
	case "cluster":
		return runCluster(rest)
	case "discover":
		return runDiscover(rest)
	case "tag":
		return runTag(rest)
	case "generate":
		return runGenerate(rest)
	case "process":
		return runProcess(rest)
	case "health":
		return runHealth(rest)
	case "help", "-h", "--help":
		fmt.Fprint(os.Stderr, usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

// services is the wired application: one of everything, constructed at the
// entry point and injected downward.
type services struct {
	cfg       *config.Config
	logger    zerolog.Logger
	pool      *db.Pool
	embed     *embed.Service
	dedup     *dedup.Adapter
	cluster   *cluster.Engine
	reviewer  *cluster.Reviewer
	concepts  *concepts.Service
	generate  *generate.Service
	ingest    *ingest.Service
	jobs      *jobs.Runner
	llmClient *llm.Client
}

func (s *services) close() {
	if s != nil && s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Error().Err(err).Msg("close database pool")
		}
	}
}

func bootstrap(ctx context.Context, fs *flag.FlagSet, argv []string) (*services, error) {
	env := cli.AddEnvFlag(fs, ".env", "")
	if err := fs.Parse(argv); err != nil {
		return nil, err
	}
	if _, err := env.Load(); err != nil {
		// Not fatal: all settings may come from the real environment.
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}

	embedClient := embed.NewClient(embed.ClientOptions{
		Endpoint:  cfg.EmbeddingEndpoint,
		APIKey:    cfg.EmbeddingAPIKey,
		ModelName: cfg.EmbeddingModelName,
	})
	embedService := embed.NewService(embedClient, pool, logger)

	var llmClient *llm.Client
	if cfg.LLMEnabled() {
		llmClient, err = llm.NewClient(ctx, cfg.GeminiAPIKey, cfg.LLMModel)
		if err != nil {
			_ = pool.Close()
			return nil, err
		}
	}

	validator, err := ingest.NewValidator()
	if err != nil {
		_ = pool.Close()
		return nil, err
	}

	svc := &services{
		cfg:       cfg,
		logger:    logger,
		pool:      pool,
		embed:     embedService,
		dedup:     dedup.NewAdapter(llmClient, dedup.AdapterOptions{Model: cfg.DedupModel}, logger),
		cluster:   cluster.NewEngine(pool, embedService, logger),
		reviewer:  cluster.NewReviewer(pool, logger),
		ingest:    ingest.NewService(pool, validator, logger),
		jobs:      jobs.NewRunner(pool, 0, logger),
		llmClient: llmClient,
	}
	if llmClient != nil {
		svc.concepts = concepts.NewService(pool, llmClient, embedService, logger)
		svc.generate = generate.NewService(pool, llmClient, logger)
	}
	return svc, nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func requireLLM(svc *services, what string) error {
	if svc.llmClient == nil {
		return fmt.Errorf("%s requires GEMINI_API_KEY to be configured", what)
	}
	return nil
}
