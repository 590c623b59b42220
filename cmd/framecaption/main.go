package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/urfave/cli/v2"

	"github.com/bdougie/framecaption/internal/analyzer"
	"github.com/bdougie/framecaption/internal/config"
	"github.com/bdougie/framecaption/internal/embeddings"
	"github.com/bdougie/framecaption/internal/storage"
	"github.com/bdougie/framecaption/internal/video"
	"github.com/bdougie/framecaption/internal/vqa"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "framecaption: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "framecaption",
		Usage: "Caption 1024 sampled frames per video and save caption embeddings and encoder outputs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML config file",
			},
			&cli.StringSliceFlag{
				Name:    "video",
				Aliases: []string{"v"},
				Usage:   "Video to process (repeatable)",
			},
			&cli.StringFlag{
				Name:  "clip-id",
				Usage: "Clip identifier for a single video (default: file name without extension)",
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Output root directory (overrides output_root)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error (overrides log.level)",
			},
			&cli.IntFlag{
				Name:  "synthetic",
				Usage: "Process a generated video with this many frames instead of --video",
			},
		},
		Action: run,
		Commands: []*cli.Command{
			{
				Name:  "search",
				Usage: "Find indexed frames whose captions are closest to a query",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "config",
						Aliases: []string{"c"},
						Usage:   "Path to a YAML config file",
					},
					&cli.StringFlag{
						Name:     "query",
						Aliases:  []string{"q"},
						Usage:    "Text to search for",
						Required: true,
					},
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum number of frames to return",
						Value: 10,
					},
				},
				Action: search,
			},
		},
	}
}

func run(c *cli.Context) error {
	ctx := c.Context

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("output") {
		cfg.OutputRoot = c.String("output")
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	level, _ := config.ParseLevel(cfg.Log.Level)
	logger := slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: "15:04:05",
		}),
	)
	slog.SetDefault(logger)

	videos := c.StringSlice("video")
	synthetic := c.Int("synthetic")
	if len(videos) == 0 && synthetic <= 0 {
		return cli.Exit("Usage: framecaption --video path/to/video.mp4 [--video ...] [--output dir]", 1)
	}
	if c.IsSet("clip-id") && len(videos) > 1 {
		return cli.Exit("--clip-id can only be used with a single video", 1)
	}

	model, err := vqa.NewOllamaModel(ctx, vqa.OllamaConfig{
		BaseURL:      cfg.Caption.BaseURL,
		Port:         cfg.Caption.Port,
		Model:        cfg.Caption.Model,
		MaxImageSide: cfg.Caption.MaxImageSide,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize caption model: %w", err)
	}

	encoder, err := newEncoder(ctx, cfg.Embedding)
	if err != nil {
		return fmt.Errorf("failed to initialize embedding model: %w", err)
	}
	embedder := embeddings.NewService(encoder, cfg.Embedding.Workers, logger)
	defer embedder.Close()

	stores := []storage.Factory{storage.FileFactory(cfg.OutputRoot)}
	if cfg.Index.PostgresDSN != "" {
		db, err := storage.NewPostgres(ctx, cfg.Index.PostgresDSN)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.InitSchema(ctx, encoder.Dimension()); err != nil {
			return err
		}
		stores = append(stores, db.Factory())
		logger.Info("indexing captions in postgres")
	}

	opts := video.Options{
		FFmpegPath:  cfg.Video.FFmpegPath,
		FFprobePath: cfg.Video.FFprobePath,
		Logger:      logger,
	}
	open := func(ctx context.Context, path string) (video.Handle, error) {
		h, err := video.Open(ctx, path, opts)
		if err != nil {
			return nil, err
		}
		return h, nil
	}

	processor := analyzer.NewProcessor(
		analyzer.NewPredictor(model, embedder, logger),
		open,
		logger,
		stores...,
	).WithWorkers(cfg.Workers)

	logger.Info("starting video analysis", "output_root", cfg.OutputRoot)

	if synthetic > 0 {
		clipID := c.String("clip-id")
		if clipID == "" {
			clipID = fmt.Sprintf("synthetic_%d", synthetic)
		}
		h := video.Synthetic(synthetic, 64, 64)
		defer h.Close()
		_, err := processor.ProcessHandle(ctx, h, clipID)
		return err
	}

	jobs := make([]analyzer.Job, 0, len(videos))
	for _, path := range videos {
		clipID := analyzer.ClipID(path)
		if c.IsSet("clip-id") {
			clipID = c.String("clip-id")
		}
		jobs = append(jobs, analyzer.Job{VideoPath: path, ClipID: clipID})
	}
	if err := processor.ProcessVideos(ctx, jobs); err != nil {
		return err
	}

	logger.Info("video processing completed", "videos", len(jobs))
	return nil
}

func search(c *cli.Context) error {
	ctx := c.Context

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Index.PostgresDSN == "" {
		return fmt.Errorf("search needs index.postgres_dsn in the config")
	}
	if c.Int("limit") <= 0 {
		return fmt.Errorf("--limit must be positive, got %d", c.Int("limit"))
	}

	encoder, err := newEncoder(ctx, cfg.Embedding)
	if err != nil {
		return fmt.Errorf("failed to initialize embedding model: %w", err)
	}
	embedder := embeddings.NewService(encoder, 1, nil)
	defer embedder.Close()
	query, err := embedder.Embed(ctx, c.String("query"))
	if err != nil {
		return fmt.Errorf("failed to embed query: %w", err)
	}

	db, err := storage.NewPostgres(ctx, cfg.Index.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	results, err := db.SearchSimilarFrames(ctx, query, c.Int("limit"))
	if err != nil {
		return err
	}
	for _, r := range results {
		fmt.Printf("%.4f  %s  position=%d frame=%d  %s\n",
			r.Similarity, r.ClipID, r.Position, r.FrameIndex, r.Caption)
	}
	return nil
}

func newEncoder(ctx context.Context, cfg config.EmbeddingConfig) (embeddings.Encoder, error) {
	switch cfg.Backend {
	case config.EmbeddingGemini:
		enc, err := embeddings.NewGeminiEncoder(ctx, cfg.APIKey, cfg.Model, cfg.Dimension)
		if err != nil {
			return nil, err
		}
		return enc, nil
	default:
		return embeddings.NewHashingEncoder(cfg.Dimension), nil
	}
}
