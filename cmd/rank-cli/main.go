// rank-cli runs ranking requests from the command line: a single query
// printed as JSON, or a batch file printed as JSONL with bounded
// concurrency.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/caredirect/medrank/pkg/medrank"
	"github.com/caredirect/medrank/pkg/medrank/config"
	"github.com/caredirect/medrank/pkg/medrank/lexicon"
	"github.com/caredirect/medrank/pkg/medrank/llm"
	"github.com/caredirect/medrank/pkg/medrank/practitioner"
	"github.com/caredirect/medrank/pkg/medrank/queryplan"
	"github.com/caredirect/medrank/pkg/medrank/textproc"
)

const defaultWorkers = 4

func main() {
	var (
		configPath  = flag.String("config", "rankd.yaml", "Path to the server config file")
		query       = flag.String("query", "", "Query to rank (one-shot mode)")
		queriesPath = flag.String("queries", "", "File with one query per line (batch mode)")
		specialty   = flag.String("specialty", "", "Manual specialty filter")
		variant     = flag.String("variant", "v2", "Pipeline variant: v2, v5, v6 or v7")
		top         = flag.Int("top", 10, "Shortlist size")
	)
	flag.Parse()

	_ = godotenv.Load()

	if *query == "" && *queriesPath == "" {
		log.Fatal("-query or -queries required")
	}

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	engine, err := buildEngine(cfg)
	if err != nil {
		log.Fatalf("init engine: %v", err)
	}

	ctx := context.Background()
	if *query != "" {
		resp, err := engine.Rank(ctx, request(*query, *specialty, *variant, *top))
		if err != nil {
			log.Fatalf("rank: %v", err)
		}
		printJSON(os.Stdout, resp)
		return
	}

	if err := runBatch(ctx, engine, *queriesPath, *specialty, *variant, *top); err != nil {
		log.Fatalf("batch: %v", err)
	}
}

func request(query, specialty, variant string, top int) medrank.RankRequest {
	return medrank.RankRequest{
		Query:         query,
		Variant:       variant,
		ShortlistSize: top,
		Filters:       queryplan.Filters{Specialty: specialty},
	}
}

// runBatch ranks every line of the file concurrently, bounded by WORKERS,
// and prints one JSON response per line in input order.
func runBatch(ctx context.Context, engine *medrank.Engine, path, specialty, variant string, top int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var queries []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			queries = append(queries, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	responses := make([]*medrank.RankResponse, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers())
	for i, q := range queries {
		i, q := i, q
		g.Go(func() error {
			resp, err := engine.Rank(gctx, request(q, specialty, variant, top))
			if err != nil {
				return fmt.Errorf("query %q: %w", q, err)
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()
	enc := json.NewEncoder(w)
	for _, resp := range responses {
		if err := enc.Encode(resp); err != nil {
			return err
		}
	}
	return nil
}

func workers() int {
	if v := os.Getenv("WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultWorkers
}

func buildEngine(cfg *config.Server) (*medrank.Engine, error) {
	lex, err := lexicon.Load(lexicon.Paths{
		Subspecialties: cfg.Data.Subspecialties,
		Procedures:     cfg.Data.Procedures,
		Conditions:     cfg.Data.Conditions,
		Taxonomy:       cfg.Data.Taxonomy,
	})
	if err != nil {
		return nil, err
	}
	corpus, err := practitioner.LoadCorpus(cfg.Data.Corpus)
	if err != nil {
		return nil, err
	}
	if cfg.Data.CanonicalCorpus != "" {
		if err := corpus.AttachChecklistView(cfg.Data.CanonicalCorpus); err != nil {
			return nil, err
		}
	}
	aliaser := textproc.NewAliaser()
	if cfg.Data.Equivalences != "" {
		if aliaser, err = textproc.LoadAliaserYAML(cfg.Data.Equivalences); err != nil {
			return nil, err
		}
	}
	ranking, err := cfg.EffectiveRanking()
	if err != nil {
		return nil, err
	}

	var completer llm.Completer
	if client := llm.FromEnv(); client != nil {
		completer = client
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}

	return medrank.New(medrank.Options{
		Corpus:    corpus,
		Lexicon:   lex,
		Aliaser:   aliaser,
		Completer: completer,
		Ranking:   ranking,
		Logger:    logger,
	})
}

func printJSON(w *os.File, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Fatalf("encode: %v", err)
	}
}
