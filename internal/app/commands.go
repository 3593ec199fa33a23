package app

import (
	"flag"
	"fmt"
	"io"
	"os"

	"lumen.health/insight/internal/cluster"
	"lumen.health/insight/internal/concepts"
	"lumen.health/insight/internal/embed"
	"lumen.health/insight/internal/generate"
	"lumen.health/insight/internal/httpapi"
)

func runServe(argv []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", ":8080", "listen address")

	ctx, cancel := signalContext()
	defer cancel()

	svc, err := bootstrap(ctx, fs, argv)
	if err != nil {
		return err
	}
	defer svc.close()

	server, err := httpapi.NewServer(httpapi.Deps{
		Pool:      svc.pool,
		Ingest:    svc.ingest,
		Embed:     svc.embed,
		Cluster:   svc.cluster,
		Reviewer:  svc.reviewer,
		Dedup:     svc.dedup,
		Concepts:  svc.concepts,
		Generate:  svc.generate,
		Jobs:      svc.jobs,
		Logger:    svc.logger,
		LLMActive: svc.llmClient != nil,
	})
	if err != nil {
		return err
	}

	svc.logger.Info().Str("addr", *addr).Msg("http api listening")
	return server.Start(ctx, *addr)
}

func runIngest(argv []string) error {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	file := fs.String("file", "-", "path to a batch JSON file, or - for stdin")

	ctx, cancel := signalContext()
	defer cancel()

	svc, err := bootstrap(ctx, fs, argv)
	if err != nil {
		return err
	}
	defer svc.close()

	var raw []byte
	if *file == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(*file)
	}
	if err != nil {
		return fmt.Errorf("read batch payload: %w", err)
	}

	result, err := svc.ingest.IngestBatch(ctx, raw)
	if err != nil {
		return err
	}
	fmt.Printf("run_id=%d source_id=%d received=%d inserted=%d duplicates=%d errors=%d\n",
		result.RunID, result.SourceID, result.Received, result.Inserted, result.DuplicatesSkipped, result.Errors)
	return nil
}

func runEmbed(argv []string) error {
	fs := flag.NewFlagSet("embed", flag.ExitOnError)
	limit := fs.Int("limit", cluster.DefaultBatchSize, "maximum insights to embed")
	conceptLimit := fs.Int("concept-limit", 100, "maximum concepts to embed")

	ctx, cancel := signalContext()
	defer cancel()

	svc, err := bootstrap(ctx, fs, argv)
	if err != nil {
		return err
	}
	defer svc.close()

	insights, err := svc.embed.EmbedPendingInsights(ctx, embed.PendingOptions{Limit: *limit})
	if err != nil {
		return err
	}
	conceptsResult, err := svc.embed.EmbedPendingConcepts(ctx, *conceptLimit)
	if err != nil {
		return err
	}
	fmt.Printf("insights: processed=%d embedded=%d skipped=%d failed=%d\n",
		insights.Processed, insights.Embedded, insights.Skipped, insights.Failed)
	fmt.Printf("concepts: processed=%d embedded=%d failed=%d\n",
		conceptsResult.Processed, conceptsResult.Embedded, conceptsResult.Failed)
	return nil
}

func scopeFlags(fs *flag.FlagSet) (sourceID, runID *int64, limit *int) {
	sourceID = fs.Int64("source-id", 0, "restrict to one source")
	runID = fs.Int64("run-id", 0, "restrict to one ingest run")
	limit = fs.Int("limit", 0, "batch size cap")
	return sourceID, runID, limit
}

func optionalID(value *int64) *int64 {
	if value == nil || *value <= 0 {
		return nil
	}
	return value
}

func runCluster(argv []string) error {
	fs := flag.NewFlagSet("cluster", flag.ExitOnError)
	sourceID, runID, limit := scopeFlags(fs)

	ctx, cancel := signalContext()
	defer cancel()

	svc, err := bootstrap(ctx, fs, argv)
	if err != nil {
		return err
	}
	defer svc.close()

	result, err := svc.cluster.BuildMergeClusters(ctx, cluster.BuildOptions{
		SourceID: optionalID(sourceID),
		RunID:    optionalID(runID),
		Limit:    *limit,
	})
	if err != nil {
		return err
	}
	fmt.Printf("processed=%d clusters=%d members=%d merge_suggestions=%d skipped=%d errors=%d\n",
		result.Processed, result.ClustersCreated, result.MembersAdded,
		result.MergeSuggestions, result.Skipped, result.Errors)
	return nil
}

func runDiscover(argv []string) error {
	fs := flag.NewFlagSet("discover", flag.ExitOnError)
	sourceID, runID, limit := scopeFlags(fs)

	ctx, cancel := signalContext()
	defer cancel()

	svc, err := bootstrap(ctx, fs, argv)
	if err != nil {
		return err
	}
	defer svc.close()

	if err := requireLLM(svc, "concept discovery"); err != nil {
		return err
	}

	result, err := svc.concepts.DiscoverConcepts(ctx, concepts.DiscoverOptions{
		SourceID: optionalID(sourceID),
		RunID:    optionalID(runID),
		Limit:    *limit,
	})
	if err != nil {
		return err
	}
	fmt.Printf("processed=%d created=%d reused=%d links=%d errors=%d\n",
		result.Processed, result.ConceptsCreated, result.ConceptsReused, result.LinksCreated, result.Errors)
	return nil
}

func runTag(argv []string) error {
	fs := flag.NewFlagSet("tag", flag.ExitOnError)
	insightID := fs.Int64("insight-id", 0, "insight to tag")

	ctx, cancel := signalContext()
	defer cancel()

	svc, err := bootstrap(ctx, fs, argv)
	if err != nil {
		return err
	}
	defer svc.close()

	if err := requireLLM(svc, "auto-tagging"); err != nil {
		return err
	}
	if *insightID <= 0 {
		return fmt.Errorf("--insight-id is required")
	}

	linksCreated, err := svc.concepts.AutoTagInsight(ctx, *insightID)
	if err != nil {
		return err
	}
	fmt.Printf("insight_id=%d links_created=%d\n", *insightID, linksCreated)
	return nil
}

func runGenerate(argv []string) error {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	conceptSlug := fs.String("concept", "", "concept slug to generate for")
	kind := fs.String("kind", generate.KindArticle, "article or protocol")
	audience := fs.String("audience", "", "patient, clinician, or both")
	maxInsights := fs.Int("max", 0, "maximum insights in the model context")

	ctx, cancel := signalContext()
	defer cancel()

	svc, err := bootstrap(ctx, fs, argv)
	if err != nil {
		return err
	}
	defer svc.close()

	if err := requireLLM(svc, "generation"); err != nil {
		return err
	}
	if *conceptSlug == "" {
		return fmt.Errorf("--concept is required")
	}

	result, err := svc.generate.Generate(ctx, generate.Options{
		ConceptSlug: *conceptSlug,
		Kind:        *kind,
		Audience:    *audience,
		MaxInsights: *maxInsights,
	})
	if err != nil {
		return err
	}
	fmt.Printf("article_id=%d title=%q tiers=%d/%d/%d\n",
		result.ArticleID, result.Title, result.Tier1Count, result.Tier2Count, result.Tier3Count)
	return nil
}

// runProcess chains the post-ingest pipeline for one run: embeddings, then
// clustering, then concept discovery when a model is configured.
func runProcess(argv []string) error {
	fs := flag.NewFlagSet("process", flag.ExitOnError)
	sourceID, runID, limit := scopeFlags(fs)

	ctx, cancel := signalContext()
	defer cancel()

	svc, err := bootstrap(ctx, fs, argv)
	if err != nil {
		return err
	}
	defer svc.close()

	batch := *limit
	if batch <= 0 {
		batch = cluster.DefaultBatchSize
	}

	embedded, err := svc.embed.EmbedPendingInsights(ctx, embed.PendingOptions{Limit: batch})
	if err != nil {
		return err
	}
	fmt.Printf("embed: processed=%d embedded=%d failed=%d\n", embedded.Processed, embedded.Embedded, embedded.Failed)

	clustered, err := svc.cluster.BuildMergeClusters(ctx, cluster.BuildOptions{
		SourceID: optionalID(sourceID),
		RunID:    optionalID(runID),
		Limit:    batch,
	})
	if err != nil {
		return err
	}
	fmt.Printf("cluster: processed=%d clusters=%d merge_suggestions=%d errors=%d\n",
		clustered.Processed, clustered.ClustersCreated, clustered.MergeSuggestions, clustered.Errors)

	if svc.llmClient == nil {
		fmt.Println("discover: skipped (no model configured)")
		return nil
	}
	discovered, err := svc.concepts.DiscoverConcepts(ctx, concepts.DiscoverOptions{
		SourceID: optionalID(sourceID),
		RunID:    optionalID(runID),
		Limit:    batch,
	})
	if err != nil {
		return err
	}
	fmt.Printf("discover: processed=%d created=%d reused=%d links=%d errors=%d\n",
		discovered.Processed, discovered.ConceptsCreated, discovered.ConceptsReused,
		discovered.LinksCreated, discovered.Errors)
	return nil
}

func runHealth(argv []string) error {
	fs := flag.NewFlagSet("health", flag.ExitOnError)

	ctx, cancel := signalContext()
	defer cancel()

	svc, err := bootstrap(ctx, fs, argv)
	if err != nil {
		return err
	}
	defer svc.close()

	var one int
	if err := svc.pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	fmt.Println("database: ok")
	if svc.llmClient != nil {
		fmt.Printf("llm: configured (%s)\n", svc.llmClient.Model())
	} else {
		fmt.Println("llm: not configured")
	}
	return nil
}
