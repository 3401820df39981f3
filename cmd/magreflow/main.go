package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/ivanvanderbyl/magreflow"
	"github.com/ivanvanderbyl/magreflow/assets"
	"github.com/ivanvanderbyl/magreflow/catalog"
	"github.com/ivanvanderbyl/magreflow/server"
	"github.com/ivanvanderbyl/magreflow/source"
)

func main() {
	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "YAML service configuration file",
	}

	cmd := &cli.Command{
		Name:  "magreflow",
		Usage: "Reconstruct magazine PDFs into reflowable and interactive documents",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP job server",
				Flags:  []cli.Flag{configFlag},
				Action: serve,
			},
			{
				Name:  "process",
				Usage: "Process one document synchronously and print the result",
				Flags: []cli.Flag{
					configFlag,
					&cli.StringFlag{
						Name:  "mode",
						Usage: "reflow or interactive",
						Value: string(magreflow.ModeReflow),
					},
					&cli.StringFlag{
						Name:     "input",
						Aliases:  []string{"i"},
						Usage:    "Document reference: file path, URL or Drive file id",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "issue",
						Usage:    "Issue number or label",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "date",
						Usage:    "Publication date",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "toc",
						Usage: "JSON file with the table of contents entries",
					},
				},
				Action: process,
			},
			{
				Name:  "inspect",
				Usage: "Print per-page block, image and link counts of a PDF",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "input",
						Aliases:  []string{"i"},
						Usage:    "Input PDF file path",
						Required: true,
					},
				},
				Action: inspect,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func newLogger(w io.Writer, level string) *slog.Logger {
	lvl, _ := parseLevel(level)
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

// app holds the wired collaborators of a processor.
type app struct {
	engine    *magreflow.PDFiumEngine
	catalog   *catalog.Store
	processor *magreflow.Processor
}

func (a *app) Close() {
	a.catalog.Close()
	a.engine.Close()
}

func buildApp(ctx context.Context, cfg *ServiceConfig, logger *slog.Logger) (*app, error) {
	var store magreflow.AssetStore
	switch cfg.Assets.Backend {
	case "supabase":
		s, err := assets.NewSupabase(cfg.Assets.SupabaseURL, cfg.Assets.SupabaseServiceKey, assets.WithBucket(cfg.Assets.Bucket))
		if err != nil {
			return nil, err
		}
		store = s
	default:
		s, err := assets.NewFileStore(cfg.Assets.Dir, cfg.Assets.BaseURL)
		if err != nil {
			return nil, err
		}
		store = s
	}

	router := &source.Router{
		File: source.File{Root: cfg.Source.Root},
		HTTP: source.NewHTTP(),
	}
	if cfg.Source.Drive {
		client, err := source.ServiceAccountClient(ctx, cfg.Source.GoogleClientEmail, cfg.Source.GooglePrivateKey)
		if err != nil {
			return nil, err
		}
		router.Drive = source.NewDrive(client)
	}

	db, err := catalog.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	engine := magreflow.NewPDFiumEngine(cfg.PDFium, logger)
	processor := magreflow.NewProcessor(engine, router, store, db,
		magreflow.WithConfig(cfg.Heuristics),
		magreflow.WithLogger(logger),
	)
	return &app{engine: engine, catalog: db, processor: processor}, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := LoadServiceConfig(cmd.String("config"))
	if err != nil {
		return err
	}
	logger := newLogger(os.Stdout, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	dispatcher := server.NewDispatcher(a.processor, logger, server.WithMaxConcurrent(cfg.PDFium.MaxTotal))
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.New(dispatcher, logger),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.Listen, "assets", cfg.Assets.Backend, "drive", cfg.Source.Drive)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}

	logger.Info("waiting for running jobs")
	dispatcher.Wait()
	logger.Info("server stopped")
	return nil
}

func process(ctx context.Context, cmd *cli.Command) error {
	cfg, err := LoadServiceConfig(cmd.String("config"))
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, cfg.LogLevel)

	mode, err := magreflow.ParseMode(cmd.String("mode"))
	if err != nil {
		return err
	}

	jobCfg := magreflow.JobConfig{
		IssueNumber:     cmd.String("issue"),
		PublicationDate: cmd.String("date"),
		TableOfContents: []magreflow.TOCEntry{},
	}
	if path := cmd.String("toc"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read table of contents: %w", err)
		}
		if err := json.Unmarshal(data, &jobCfg.TableOfContents); err != nil {
			return fmt.Errorf("failed to parse table of contents: %w", err)
		}
	}

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.processor.RunJob(ctx, mode, cmd.String("input"), jobCfg)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func inspect(ctx context.Context, cmd *cli.Command) error {
	logger := newLogger(os.Stderr, "warn")

	data, err := source.File{}.Fetch(ctx, cmd.String("input"))
	if err != nil {
		return err
	}

	engine := magreflow.NewPDFiumEngine(magreflow.DefaultPDFiumConfig(), logger)
	defer engine.Close()

	doc, err := engine.Open(ctx, data)
	if err != nil {
		return err
	}
	defer doc.Close()

	fmt.Printf("%d pages\n", doc.PageCount())
	for i := 0; i < doc.PageCount(); i++ {
		page, err := doc.Page(ctx, i)
		if err != nil {
			return fmt.Errorf("failed to read page %d: %w", i+1, err)
		}
		spans := 0
		for _, b := range page.Blocks {
			spans += len(b.Spans)
		}
		fmt.Printf("page %3d  %6.1f x %-6.1f  blocks %3d  spans %4d  images %3d  links %3d  columns %d\n",
			page.Number, page.Width, page.Height, len(page.Blocks), spans, len(page.Images), len(page.Links),
			len(magreflow.DetectPageColumns(page, magreflow.DefaultConfig().PageColumnTolerance)))
	}
	return nil
}
