// Command cantara is the main entry point for the Cantara analysis server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/cantara/internal/artifact"
	"github.com/MrWong99/cantara/internal/blobstore"
	"github.com/MrWong99/cantara/internal/config"
	"github.com/MrWong99/cantara/internal/gpu"
	"github.com/MrWong99/cantara/internal/health"
	"github.com/MrWong99/cantara/internal/httpapi"
	"github.com/MrWong99/cantara/internal/observe"
	"github.com/MrWong99/cantara/internal/pipeline"
	"github.com/MrWong99/cantara/internal/reaper"
	"github.com/MrWong99/cantara/internal/session"
	"github.com/MrWong99/cantara/internal/worker"
	"github.com/MrWong99/cantara/pkg/provider/judge"
	"github.com/MrWong99/cantara/pkg/provider/llm"
	"github.com/MrWong99/cantara/pkg/provider/llm/anyllm"
	"github.com/MrWong99/cantara/pkg/provider/lyricsrc"
	"github.com/MrWong99/cantara/pkg/provider/lyricsrc/lrclib"
	"github.com/MrWong99/cantara/pkg/provider/lyricsrc/textsite"
	"github.com/MrWong99/cantara/pkg/provider/pitch/crepe"
	"github.com/MrWong99/cantara/pkg/provider/separate/demucs"
	"github.com/MrWong99/cantara/pkg/provider/transcribe"
	"github.com/MrWong99/cantara/pkg/provider/transcribe/groq"
	"github.com/MrWong99/cantara/pkg/provider/transcribe/native"
	"github.com/MrWong99/cantara/pkg/provider/transcribe/shared"
)

const version = "0.3.0"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "cantara: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "cantara: %v\n", err)
		}
		return 1
	}

	// The level var lets the config watcher adjust verbosity at runtime.
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("cantara starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "cantara",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("telemetry init failed", "err", err)
		return 1
	}
	metrics := observe.DefaultMetrics()

	// ── Stores ────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("redis unreachable", "addr", cfg.Redis.Addr, "err", err)
		return 1
	}
	store := session.NewStore(rdb)

	var pool *pgxpool.Pool
	var cache *artifact.Cache
	if cfg.Postgres.DSN != "" {
		pool, err = pgxpool.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			slog.Error("postgres pool init failed", "err", err)
			return 1
		}
		defer pool.Close()
		cold := artifact.NewPostgresStore(pool)
		if err := cold.Migrate(ctx); err != nil {
			slog.Error("artifact schema migration failed", "err", err)
			return 1
		}
		cache = artifact.NewCache(cold)
	} else {
		cache = artifact.NewCache(artifact.NopColdStore{})
	}

	blobs, err := blobstore.New(cfg.Blobstore.BaseURL, cfg.Blobstore.Bucket, cfg.Blobstore.ServiceKey)
	if err != nil {
		slog.Error("blob store init failed", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg.Providers.Transcribe.Language)

	sep, err := demucs.New(cfg.Providers.Separate.BaseURL, demucsOptions(cfg.Providers.Separate)...)
	if err != nil {
		slog.Error("separation provider init failed", "err", err)
		return 1
	}
	pitchP, err := crepe.New(cfg.Providers.Pitch.BaseURL)
	if err != nil {
		slog.Error("pitch provider init failed", "err", err)
		return 1
	}
	stt, err := buildTranscribeChain(cfg, reg)
	if err != nil {
		slog.Error("transcription chain init failed", "err", err)
		return 1
	}
	lyrics, err := buildLyricsChain(cfg, reg)
	if err != nil {
		slog.Error("lyrics chain init failed", "err", err)
		return 1
	}
	jury, err := buildJudge(cfg, reg)
	if err != nil {
		slog.Error("judge init failed", "err", err)
		return 1
	}

	coordinator := gpu.New(cfg.GPU.OllamaURL, cfg.GPU.UnloadModel)

	var extractor pipeline.Extractor
	if len(cfg.Extract.Command) > 0 {
		extractor, err = pipeline.NewCommandExtractor(cfg.Extract.Command)
		if err != nil {
			slog.Error("extract command invalid", "err", err)
			return 1
		}
	}

	// ── Pipeline ──────────────────────────────────────────────────────────────
	pipe, err := pipeline.New(pipeline.Config{
		Store:       store,
		Blobs:       blobs,
		Cache:       cache,
		GPU:         coordinator,
		Separator:   sep,
		Pitch:       pitchP,
		STT:         stt,
		Lyrics:      lyrics,
		Judge:       jury,
		Extractor:   extractor,
		Metrics:     metrics,
		StagingRoot: cfg.Staging.Root,
		STTLanguage: cfg.Providers.Transcribe.Language,
	})
	if err != nil {
		slog.Error("pipeline init failed", "err", err)
		return 1
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	checkers := []health.Checker{
		{Name: "redis", Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
	}
	if pool != nil {
		checkers = append(checkers, health.Checker{
			Name:  "postgres",
			Check: func(ctx context.Context) error { return pool.Ping(ctx) },
		})
	}
	api, err := httpapi.New(store, blobs, rdb, httpapi.WithHealth(health.New(checkers...)))
	if err != nil {
		slog.Error("http api init failed", "err", err)
		return 1
	}

	addr := cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Router(metrics),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Config watcher ────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.JudgeChanged || d.ExtractChanged {
			slog.Warn("judge or extract configuration changed; restart to apply")
		}
	})
	if err != nil {
		slog.Error("config watcher init failed", "err", err)
		return 1
	}
	defer watcher.Stop()

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", addr)
		var serveErr error
		if cfg.Server.TLS != nil {
			serveErr = srv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			serveErr = srv.ListenAndServe()
		}
		if errors.Is(serveErr, http.ErrServerClosed) {
			return nil
		}
		return serveErr
	})

	concurrency := cfg.Worker.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	for i := 0; i < concurrency; i++ {
		w, err := worker.New(rdb, pipe, worker.WithMetrics(metrics))
		if err != nil {
			slog.Error("worker init failed", "err", err)
			return 1
		}
		g.Go(func() error {
			if err := w.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	sweeper := reaper.New(store, blobs,
		reaper.WithCache(cache),
		reaper.WithStagingRoot(cfg.Staging.Root),
	)
	g.Go(func() error {
		if err := sweeper.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	// Shut the HTTP server down as soon as the group context ends.
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	slog.Info("server ready")
	err = g.Wait()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if terr := shutdownTelemetry(shutdownCtx); terr != nil {
		slog.Warn("telemetry shutdown error", "err", terr)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry, language string) {
	// openai, anthropic, gemini, deepseek, mistral, groq, llamacpp, llamafile
	// all share the same pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"openai", "anthropic", "gemini",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	reg.RegisterTranscribe("shared", func(entry config.ProviderEntry) (transcribe.Provider, error) {
		return shared.New(entry.BaseURL)
	})
	reg.RegisterTranscribe("groq", func(entry config.ProviderEntry) (transcribe.Provider, error) {
		var opts []groq.Option
		if entry.BaseURL != "" {
			opts = append(opts, groq.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, groq.WithModel(entry.Model))
		}
		return groq.New(entry.APIKey, opts...)
	})
	reg.RegisterTranscribe("native", func(entry config.ProviderEntry) (transcribe.Provider, error) {
		var opts []native.Option
		if language != "" {
			opts = append(opts, native.WithLanguage(language))
		}
		return native.New(entry.Model, opts...)
	})

	reg.RegisterLyrics("lrclib", func(entry config.ProviderEntry) (lyricsrc.Provider, error) {
		var opts []lrclib.Option
		if entry.BaseURL != "" {
			opts = append(opts, lrclib.WithBaseURL(entry.BaseURL))
		}
		return lrclib.New(opts...), nil
	})
	reg.RegisterLyrics("textsite", func(entry config.ProviderEntry) (lyricsrc.Provider, error) {
		return textsite.New(entry.BaseURL)
	})
}

func demucsOptions(entry config.ProviderEntry) []demucs.Option {
	var opts []demucs.Option
	if entry.Model != "" {
		opts = append(opts, demucs.WithModel(entry.Model))
	}
	return opts
}

// buildTranscribeChain assembles the speech-to-text fallback chain from the
// configured tiers. An empty chain yields nil; the pipeline degrades lyrics
// scoring on its own.
func buildTranscribeChain(cfg *config.Config, reg *config.Registry) (transcribe.Provider, error) {
	var tiers []transcribe.Provider
	for _, entry := range cfg.Providers.Transcribe.Chain {
		p, err := reg.CreateTranscribe(entry)
		if err != nil {
			return nil, fmt.Errorf("transcribe tier %q: %w", entry.Name, err)
		}
		tiers = append(tiers, p)
		slog.Info("provider created", "kind", "transcribe", "name", entry.Name)
	}
	switch len(tiers) {
	case 0:
		return nil, nil
	case 1:
		return tiers[0], nil
	default:
		return transcribe.NewChain(tiers)
	}
}

// buildLyricsChain assembles the reference lyrics fallback chain.
func buildLyricsChain(cfg *config.Config, reg *config.Registry) (lyricsrc.Provider, error) {
	var sources []lyricsrc.Provider
	for _, entry := range cfg.Providers.Lyrics.Chain {
		p, err := reg.CreateLyrics(entry)
		if err != nil {
			return nil, fmt.Errorf("lyrics source %q: %w", entry.Name, err)
		}
		sources = append(sources, p)
		slog.Info("provider created", "kind", "lyrics", "name", entry.Name)
	}
	switch len(sources) {
	case 0:
		// Always register lrclib; it needs no credentials.
		return lrclib.New(), nil
	case 1:
		return sources[0], nil
	default:
		return lyricsrc.NewChain(sources)
	}
}

// buildJudge assembles the jury comment generator with the configured LLM
// tiers. Without any tier the built-in comment banks serve every request.
func buildJudge(cfg *config.Config, reg *config.Registry) (*judge.Generator, error) {
	var opts []judge.Option
	if tier := cfg.Providers.Judge.Secondary; tier != nil {
		p, err := reg.CreateLLM(*tier)
		if err != nil {
			return nil, fmt.Errorf("judge secondary %q: %w", tier.Name, err)
		}
		opts = append(opts, judge.WithSecondary(tier.Name+"/"+tier.Model, p))
		slog.Info("provider created", "kind", "judge", "tier", "secondary", "name", tier.Name)
	}
	if tier := cfg.Providers.Judge.Primary; tier != nil {
		p, err := reg.CreateLLM(*tier)
		if err != nil {
			return nil, fmt.Errorf("judge primary %q: %w", tier.Name, err)
		}
		opts = append(opts, judge.WithPrimary(tier.Name+"/"+tier.Model, p))
		slog.Info("provider created", "kind", "judge", "tier", "primary", "name", tier.Name)
	}
	return judge.NewGenerator(opts...), nil
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
