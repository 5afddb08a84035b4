package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cloudnetproc/internal/app"
	"cloudnetproc/internal/db"
	"cloudnetproc/internal/domain"
	"cloudnetproc/internal/report"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// exitCode carries the batch outcome of the last command to main.
var exitCode int

var rootCmd = &cobra.Command{
	Use:   "cnp",
	Short: "Cloudnet processing orchestrator",
	Long: `cnp turns raw instrument files into versioned Cloudnet products.
Core concepts:
- Fingerprint: site + date + product (+ instrument pid or model id), the unit of processing.
- Volatile file: a provisional product that may be reprocessed in place.
- Stable file: a frozen, versioned product; new versions only with --new-version.
- Resolver: expands site/date/product selectors into tasks (create, reprocess, freeze, skip).
- Queue: durable sqlite queue drained by 'cnp worker'; producers use 'cnp publish' or the HTTP API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if domain.IsConfigError(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
	os.Exit(exitCode)
}

func initConfig() {
	viper.SetEnvPrefix("CNP")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/cloudnet.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "log format: text or json")
	for _, name := range []string{"workspace", "config", "json", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(batchCmd(domain.ModeProcess, "process", "Process products", nil))
	rootCmd.AddCommand(batchCmd(domain.ModeProcess, "model", "Process model products", []string{"model"}))
	rootCmd.AddCommand(batchCmd(domain.ModeProcess, "me", "Process model evaluation products", []string{"evaluation"}))
	rootCmd.AddCommand(batchCmd(domain.ModeFreeze, "freeze", "Freeze volatile products that are due", nil))
	rootCmd.AddCommand(batchCmd(domain.ModePlot, "plot", "Render product images", nil))
	rootCmd.AddCommand(batchCmd(domain.ModeQC, "qc", "Run quality control on products", nil))
	rootCmd.AddCommand(batchCmd(domain.ModeHousekeeping, "housekeeping", "Extract housekeeping data", []string{"instrument"}))
	rootCmd.AddCommand(publishCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})
}

// --- helpers ---

// withServices loads the workspace config, applies secrets from the environment and
// wires the services for fn.
func withServices(ctx context.Context, fn func(context.Context, *app.Services) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := app.LoadConfig(workspace, viper.GetString("config"))
	if err != nil {
		return err
	}
	applyEnvSecrets(cfg)
	level := firstNonEmpty(viper.GetString("log-level"), cfg.Logging.Level)
	format := firstNonEmpty(viper.GetString("log-format"), cfg.Logging.Format)
	logger, err := app.NewLogger(os.Stderr, level, format)
	if err != nil {
		return err
	}
	if cfg.Processing.SoftwareVersion == "" {
		cfg.Processing.SoftwareVersion = version
	}
	svc, err := app.New(ctx, cfg, app.Options{Workspace: workspace, Logger: logger})
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(ctx, svc)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func printJSONOrTable(v any, table func()) error {
	if viper.GetBool("json") {
		return report.JSON(os.Stdout, v)
	}
	table()
	return nil
}

func setExitCode(r domain.BatchReport) {
	exitCode = r.ExitCode()
}
