package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"coveriteam/internal/app"
	"coveriteam/internal/cfgerr"
	"coveriteam/internal/config"
	"coveriteam/internal/definition"
	"coveriteam/internal/domain"
	"coveriteam/internal/engine"
	"coveriteam/internal/repo"
	"coveriteam/internal/server"
)

var logger = zap.NewNop()

var rootCmd = &cobra.Command{
	Use:   "coveriteam",
	Short: "CoVeriTeam actor tooling",
	Long: `coveriteam resolves actor definitions, checks them against a download policy
and installs the archives they point to.
- Actor definition: a YAML file naming the actor, its tool-info module, its archive
  and its resource limits. Fragments are shared with "imports: !include file.yml".
- Policy: a YAML allow-list of archive location prefixes (--policy or COVERITEAM_POLICY).
- Workspace: holds coveriteam.yml, the cache directories and the install ledger.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := newLogger(viper.GetBool("verbose"))
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(cfgerr.ExitCode(err))
	}
}

func initConfig() {
	viper.SetEnvPrefix("COVERITEAM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().String("policy", "", "policy file (default $COVERITEAM_POLICY)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(actorCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func actorCmd() *cobra.Command {
	act := &cobra.Command{
		Use:   "actor",
		Short: "Resolve and install actors",
	}
	act.AddCommand(actorResolveCmd())
	act.AddCommand(actorInstallCmd())
	act.AddCommand(actorListCmd())
	act.AddCommand(actorShowCmd())
	return act
}

func actorResolveCmd() *cobra.Command {
	var filesOnly bool
	cmd := &cobra.Command{
		Use:   "resolve <definition.yml>",
		Short: "Print a definition with its includes flattened",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			merged, files, err := definition.Resolve(args[0])
			if err != nil {
				return err
			}
			if filesOnly {
				if viper.GetBool("json") {
					return printJSON(files)
				}
				for _, f := range files {
					fmt.Println(f)
				}
				return nil
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"definition": merged.Plain(), "included_files": files})
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(merged.Plain())
		},
	}
	cmd.Flags().BoolVar(&filesOnly, "files", false, "only list the files that contributed")
	return cmd
}

func actorInstallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install <definition.yml>...",
		Short: "Check policy, download and unpack actors",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var installed []domain.Installation
				for _, path := range args {
					inst, err := e.Install(ctx, engine.InstallOptions{Path: path, PolicyFile: policyFlag(cmd)})
					if err != nil {
						return err
					}
					installed = append(installed, inst)
				}
				return printInstallations(installed)
			})
		},
	}
	return cmd
}

func actorListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed actors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Installations(ctx)
				if err != nil {
					return err
				}
				return printInstallations(items)
			})
		},
	}
}

func actorShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <actor_name>",
		Short: "Show an installed actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inst, err := e.Installation(ctx, args[0])
				if errors.Is(err, repo.ErrNotFound) {
					return fmt.Errorf("actor %s is not installed", args[0])
				}
				if err != nil {
					return err
				}
				return printJSON(inst)
			})
		},
	}
}

func policyCmd() *cobra.Command {
	pol := &cobra.Command{
		Use:   "policy",
		Short: "Check archive locations against the download policy",
	}
	pol.AddCommand(policyCheckCmd())
	return pol
}

func policyCheckCmd() *cobra.Command {
	var location string
	cmd := &cobra.Command{
		Use:   "check [definition.yml]",
		Short: "Check a definition's archive location (or --location) against the policy",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (location == "") == (len(args) == 0) {
				return errors.New("pass either a definition file or --location")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var (
					report domain.PolicyReport
					err    error
				)
				if location != "" {
					report, err = e.CheckPolicy(ctx, location, policyFlag(cmd))
				} else {
					report, err = e.CheckDefinitionPolicy(ctx, args[0], policyFlag(cmd))
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if err := printJSON(report); err != nil {
						return err
					}
				} else if report.Allowed {
					fmt.Printf("%s: allowed\n", report.Location)
				}
				if !report.Allowed {
					return &cfgerr.Error{Kind: cfgerr.PolicyViolation, Location: report.Location}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&location, "location", "", "archive location to check")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace settings",
		Long:  "Settings live in coveriteam.yml in the workspace: cache directories, download timeout, default policy and webhooks.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective settings and cache layout",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"settings": cfg,
				"layout":   cfg.CacheLayout(),
				"policy":   engine.Engine{Config: cfg}.PolicyFile(policyFlag(cmd)),
			})
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default coveriteam.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
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

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Inspect the install ledger",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Actor", "Subject"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.ActorName, evt.Subject})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.ActorName, "actor", "", "actor name filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := app.Open(viper.GetString("workspace"), logger)
			if err != nil {
				return err
			}
			defer ws.Close()
			authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt-secret")}
			if authCfg.JWTSecret == "" {
				logger.Warn("COVERITEAM_JWT_SECRET is not set; the API is unauthenticated")
			}
			handler, err := server.New(server.Config{Engine: ws.Engine, BasePath: basePath, Auth: authCfg, Logger: logger})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(cmd.Context(), ws.Engine, logger)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving CoVeriTeam API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens (default $COVERITEAM_JWT_SECRET)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

// --- helpers ---

// policyFlag reads --policy without viper so COVERITEAM_POLICY stays below the
// settings file entry.
func policyFlag(cmd *cobra.Command) string {
	v, _ := cmd.Flags().GetString("policy")
	return v
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	ws, err := app.Open(viper.GetString("workspace"), logger)
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws.Engine)
}

func printInstallations(items []domain.Installation) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Actor", "Tool", "Memory", "Time", "Installed", "Directory"})
	for _, inst := range items {
		tw.AppendRow(table.Row{
			inst.ActorName,
			inst.ToolName,
			humanize.Bytes(uint64(inst.MemLimit)),
			(time.Duration(inst.TimeLimit) * time.Second).String(),
			inst.InstalledAt,
			inst.InstallDir,
		})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
