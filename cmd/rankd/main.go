// rankd is the ranking HTTP daemon: it loads the lexicons and corpus,
// wires the engine and serves the API until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/caredirect/medrank/internal/httpapi"
	"github.com/caredirect/medrank/internal/metrics"
	"github.com/caredirect/medrank/pkg/medrank"
	"github.com/caredirect/medrank/pkg/medrank/config"
	"github.com/caredirect/medrank/pkg/medrank/lexicon"
	"github.com/caredirect/medrank/pkg/medrank/llm"
	"github.com/caredirect/medrank/pkg/medrank/practitioner"
	"github.com/caredirect/medrank/pkg/medrank/progressive"
	"github.com/caredirect/medrank/pkg/medrank/store"
	"github.com/caredirect/medrank/pkg/medrank/store/memstore"
	"github.com/caredirect/medrank/pkg/medrank/store/sqlite"
	"github.com/caredirect/medrank/pkg/medrank/textproc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const version = "0.4.0"

func main() {
	configPath := flag.String("config", "rankd.yaml", "Path to the server config file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	lex, err := lexicon.Load(lexicon.Paths{
		Subspecialties: cfg.Data.Subspecialties,
		Procedures:     cfg.Data.Procedures,
		Conditions:     cfg.Data.Conditions,
		Taxonomy:       cfg.Data.Taxonomy,
	})
	if err != nil {
		logger.Fatal("load lexicons", zap.Error(err))
	}

	corpus, err := practitioner.LoadCorpus(cfg.Data.Corpus)
	if err != nil {
		logger.Fatal("load corpus", zap.Error(err))
	}
	if cfg.Data.CanonicalCorpus != "" {
		if err := corpus.AttachChecklistView(cfg.Data.CanonicalCorpus); err != nil {
			logger.Fatal("load canonical corpus", zap.Error(err))
		}
	}

	aliaser := textproc.NewAliaser()
	if cfg.Data.Equivalences != "" {
		aliaser, err = textproc.LoadAliaserYAML(cfg.Data.Equivalences)
		if err != nil {
			logger.Fatal("load equivalences", zap.Error(err))
		}
	}

	cache, err := openCache(ctx, cfg)
	if err != nil {
		logger.Fatal("open session cache", zap.Error(err))
	}
	defer cache.Close()

	var completer llm.Completer
	if client := llm.FromEnv(); client != nil {
		if cfg.LLM.BaseURL != "" {
			client.BaseURL = cfg.LLM.BaseURL
		}
		if cfg.LLM.Model != "" {
			client.Model = cfg.LLM.Model
		}
		completer = client
		logger.Info("llm client ready", zap.String("model", client.Model))
	} else {
		logger.Warn("no OPENAI_API_KEY set, running in degraded mode")
	}

	ranking, err := cfg.EffectiveRanking()
	if err != nil {
		logger.Fatal("ranking config", zap.Error(err))
	}

	engine, err := medrank.New(medrank.Options{
		Corpus:    corpus,
		Lexicon:   lex,
		Aliaser:   aliaser,
		Completer: completer,
		Cache:     cache,
		Ranking:   ranking,
		Progressive: progressive.Config{
			Shortlist:           cfg.Progressive.Shortlist,
			TargetTopK:          cfg.Progressive.TargetTopK,
			MaxIterations:       cfg.Progressive.MaxIterations,
			MaxProfilesReviewed: cfg.Progressive.MaxProfilesReviewed,
			Batch:               cfg.Progressive.Batch,
			FetchStrategy:       cfg.Progressive.FetchStrategy,
		},
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("init engine", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	recorder := metrics.New(reg)

	api := httpapi.New(httpapi.Options{
		Engine:   engine,
		Recorder: recorder,
		Logger:   logger,
		Version:  version,
		Metrics:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", zap.String("addr", cfg.Listen),
			zap.Int("practitioners", corpus.Stats().Total))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("serve", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
}

// openCache selects the session-cache backend from config.
func openCache(ctx context.Context, cfg *config.Server) (store.Store, error) {
	switch cfg.Cache.Backend {
	case "sqlite":
		return sqlite.Open(ctx, cfg.Cache.Path)
	case "memory", "":
		if cfg.Cache.Path != "" {
			return memstore.NewWithSnapshot(cfg.Cache.Capacity, cfg.Cache.Path)
		}
		return memstore.New(cfg.Cache.Capacity)
	}
	return nil, errors.New("config: cache.backend must be memory or sqlite")
}
