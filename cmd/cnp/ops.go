package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cloudnetproc/internal/app"
	"cloudnetproc/internal/catalog"
	"cloudnetproc/internal/config"
	"cloudnetproc/internal/domain"
	"cloudnetproc/internal/report"
	"cloudnetproc/internal/repo"
	"cloudnetproc/internal/server"
)

// applyEnvSecrets lets CNP_PORTAL_PASSWORD, CNP_JWT_SECRET and CNP_WEBHOOK_URL override the file.
func applyEnvSecrets(cfg *config.Config) {
	if v := viper.GetString("portal-password"); v != "" {
		cfg.Portal.Password = v
	}
	if v := viper.GetString("jwt-secret"); v != "" {
		cfg.Server.JWTSecret = v
	}
	if v := viper.GetString("webhook-url"); v != "" {
		cfg.Notify.WebhookURL = v
	}
}

func workerCmd() *cobra.Command {
	var queue string
	var maxTasks int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Drain the durable queue",
		Long:  "Takes entries from --queue, falling back to the default queue, until --max-tasks entries ran or the process is interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				w := svc.Worker(queue, maxTasks)
				w.Logger.Info("worker started", "max_tasks", w.MaxTasks)
				r, err := w.Run(ctx)
				if err != nil {
					return err
				}
				setExitCode(r)
				return printJSONOrTable(r, func() { report.Batch(os.Stdout, r) })
			})
		},
	}
	cmd.Flags().StringVar(&queue, "queue", "", "queue to drain first (default from config)")
	cmd.Flags().IntVar(&maxTasks, "max-tasks", 0, "stop after this many entries (default from config)")
	return cmd
}

func queueCmd() *cobra.Command {
	q := &cobra.Command{Use: "queue", Short: "Inspect the durable queue"}
	var name, status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List queue entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				items, err := svc.Repo.ListQueueTasks(ctx, repo.QueueFilter{Queue: name, Status: domain.QueueStatus(status), Limit: limit})
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func() { report.QueueTasks(os.Stdout, items) })
			})
		},
	}
	list.Flags().StringVar(&name, "queue", "", "queue name filter")
	list.Flags().StringVar(&status, "status", "", "status filter: pending, running, done, failed")
	list.Flags().IntVar(&limit, "limit", 100, "maximum entries")
	q.AddCommand(list)
	return q
}

func eventsCmd() *cobra.Command {
	evts := &cobra.Command{Use: "events", Short: "Processing history"}
	var n int
	var evtType, site, product string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				items, err := svc.Repo.LatestEvents(ctx, repo.EventFilter{Type: evtType, Site: site, Product: product, Limit: n})
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func() { report.Events(os.Stdout, items) })
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&site, "site", "", "site filter")
	tail.Flags().StringVar(&product, "product", "", "product filter")
	evts.AddCommand(tail)
	return evts
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				cfg := svc.Config.Server
				if cfg.JWTSecret == "" {
					return domain.ConfigErrorf("server.jwt_secret or CNP_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					Repo:      svc.Repo,
					Catalog:   svc.Catalog,
					Publisher: svc.Publisher,
					Metrics:   svc.Metrics,
					BasePath:  firstNonEmpty(basePath, cfg.BasePath),
					Version:   version,
					Auth:      server.AuthConfig{JWTSecret: cfg.JWTSecret, Logger: svc.Logger},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: firstNonEmpty(addr, cfg.Addr), Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				svc.Logger.Info("serving API", "addr", srv.Addr, "base_path", firstNonEmpty(basePath, cfg.BasePath))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage cloudnet.yml",
		Long:  "The config lists sites with their instruments, the product registry with upstream dependencies, bundles, freeze delays, retry policy, storage and portal endpoints.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := firstNonEmpty(viper.GetString("config"), config.Path(viper.GetString("workspace")))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the config and the product graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := app.LoadConfig(workspace, viper.GetString("config"))
			if err == nil {
				err = validateCatalog(cfg)
			}
			if viper.GetBool("json") {
				if perr := report.JSON(os.Stdout, map[string]any{"ok": err == nil, "error": fmt.Sprint(err)}); perr != nil {
					return perr
				}
				return err
			}
			if err != nil {
				return err
			}
			fmt.Printf("config OK: %d sites, %d products\n", len(cfg.Sites), len(cfg.Products))
			return nil
		},
	}
	return cmd
}

func validateCatalog(cfg *config.Config) error {
	if _, err := catalog.New(cfg); err != nil {
		return domain.WrapConfig(err, "product catalog: %v", err)
	}
	return nil
}
