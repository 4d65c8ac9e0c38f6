package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/joelkehle/symptomatch/internal/cache"
	"github.com/joelkehle/symptomatch/internal/catalog"
	"github.com/joelkehle/symptomatch/internal/config"
	"github.com/joelkehle/symptomatch/internal/httpapi"
	"github.com/joelkehle/symptomatch/internal/matcher"
	"github.com/joelkehle/symptomatch/internal/observability"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "symptomatch",
		Short:         "Symptom matching and AI-assisted diagnosis over a disease catalog",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(matchCmd())
	root.AddCommand(diagnoseCmd())
	root.AddCommand(catalogCmd())
	root.AddCommand(reportCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}
}

func runServer(cfg *config.Config) error {
	logger := observability.InitLogger(cfg.ServiceName, cfg.Env)

	ctx := context.Background()
	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTLPEndpoint, cfg.ServiceName, version)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	app, err := buildApp(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer app.Close()

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	if sq, ok := app.store.(*cache.SQLiteStore); ok {
		go sweepLoop(sweepCtx, sq, cfg.CacheTTL, logger)
	}

	e := httpapi.NewServer(app.svc, httpapi.Config{BodyLimit: cfg.BodyLimit}, logger)
	addr := ":" + cfg.Port
	go func() {
		logger.Info().
			Str("addr", addr).
			Int("catalog_size", app.svc.Catalog().Len()).
			Bool("upstream_configured", app.svc.UpstreamConfigured()).
			Str("cache", cfg.CacheBackend).
			Msg("symptomatch listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(sctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

func sweepLoop(ctx context.Context, s *cache.SQLiteStore, every time.Duration, logger zerolog.Logger) {
	if every <= 0 {
		every = cache.DefaultTTL
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("cache sweep failed")
				continue
			}
			if n > 0 {
				logger.Debug().Int64("removed", n).Msg("cache sweep")
			}
		}
	}
}

func matchCmd() *cobra.Command {
	var mode, split, sort string
	var limit int
	cmd := &cobra.Command{
		Use:   "match <symptoms>",
		Short: "Match comma-separated symptoms against the catalog locally",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			app, err := buildApp(cmd.Context(), cfg, cliLogger(cmd), false)
			if err != nil {
				return err
			}
			defer app.Close()

			opts := app.svc.Options().Match
			if mode != "" {
				opts.Mode = matcher.Mode(mode)
			}
			if split != "" {
				opts.Split = matcher.Split(split)
			}
			if sort != "" {
				opts.Sort = matcher.SortOrder(sort)
			}
			if limit > 0 {
				opts.Limit = limit
			}
			cands, err := app.svc.Match(strings.Join(args, ","), &opts)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), cands)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "comparison mode: substring or exact")
	cmd.Flags().StringVar(&split, "split", "", "query split: tokens or phrase")
	cmd.Flags().StringVar(&sort, "sort", "", "result order: catalog or matched_count")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum results (0 for all)")
	return cmd
}

func diagnoseCmd() *cobra.Command {
	var topN int
	cmd := &cobra.Command{
		Use:   "diagnose <symptoms>",
		Short: "Ask the AI model for the most likely catalog entries",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			app, err := buildApp(cmd.Context(), cfg, cliLogger(cmd), true)
			if err != nil {
				return err
			}
			defer app.Close()

			d, err := app.svc.Diagnose(cmd.Context(), strings.Join(args, ","), topN)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), d)
		},
	}
	cmd.Flags().IntVar(&topN, "top-n", 0, "number of candidates (defaults to TOP_N)")
	return cmd
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Catalog maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate [path]",
		Short: "Load a catalog file and report what it contains",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			} else {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				path = cfg.CatalogPath
			}
			return validateCatalog(cmd.OutOrStdout(), path)
		},
	})
	return cmd
}

func validateCatalog(w io.Writer, path string) error {
	cat, err := catalog.Load(path)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s: %d records (%d diseases, %d procedures)\n",
		path, cat.Len(), len(cat.Filter(catalog.KindDisease)), len(cat.Filter(catalog.KindProcedure)))
	return err
}

func reportCmd() *cobra.Command {
	var topN int
	var out, format string
	cmd := &cobra.Command{
		Use:   "report <symptoms>",
		Short: "Write a diagnosis report as PDF or markdown",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "pdf" && format != "markdown" {
				return fmt.Errorf("unsupported format %q", format)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			app, err := buildApp(cmd.Context(), cfg, cliLogger(cmd), true)
			if err != nil {
				return err
			}
			defer app.Close()

			r, err := app.svc.Report(cmd.Context(), strings.Join(args, ","), topN, format == "pdf")
			if err != nil {
				return err
			}
			body := []byte(r.Markdown)
			if format == "pdf" {
				body = r.PDF
			}
			if out == "" || out == "-" {
				_, err = cmd.OutOrStdout().Write(body)
				return err
			}
			return os.WriteFile(out, body, 0o644)
		},
	}
	cmd.Flags().IntVar(&topN, "top-n", 0, "number of candidates (defaults to TOP_N)")
	cmd.Flags().StringVarP(&out, "output", "o", "", "output path (stdout when empty)")
	cmd.Flags().StringVar(&format, "format", "pdf", "pdf or markdown")
	return cmd
}

// cliLogger keeps stdout clean for command output.
func cliLogger(cmd *cobra.Command) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), NoColor: true}).
		Level(zerolog.WarnLevel).
		With().Timestamp().Logger()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
