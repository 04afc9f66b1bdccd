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
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fleetwatch/internal/app"
	"fleetwatch/internal/config"
	"fleetwatch/internal/domain"
	"fleetwatch/internal/export"
	"fleetwatch/internal/repo"
	"fleetwatch/internal/server"
)

var logger = logrus.New()

var rootCmd = &cobra.Command{
	Use:   "fw",
	Short: "Fleetwatch CLI",
	Long: `Fleetwatch mirrors open equipment downtime from the operations database into a local store.
- Mirror: one active row per unit while it is Down or edited by an operator.
- Archive: immutable copy written when a unit is launched or recovers in the feed.
- History: append-only log of every change, by sync or by operator.
- Sync: a cycle every sync.interval; 'fw sync run' forces one.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogger()
	},
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "warning: .env:", err)
	}
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FLEETWATCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultPath, "config file")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func setupLogger() error {
	level, err := logrus.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		return err
	}
	logger.SetLevel(level)
	logger.SetOutput(os.Stderr)
	switch viper.GetString("log-format") {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	case "text", "":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("unknown log format %q", viper.GetString("log-format"))
	}
	return nil
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(equipmentCmd())
	rootCmd.AddCommand(archiveCmd())
	rootCmd.AddCommand(retentionCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(configCmd())
}

func loadConfig() (*config.Config, error) {
	return app.LoadConfig(viper.GetString("config"), app.Overrides{
		SourceDSN: viper.GetString("source-dsn"),
		JWTSecret: viper.GetString("jwt-secret"),
		RedisAddr: viper.GetString("redis-addr"),
	})
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, sync scheduler and retention worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cfg := a.Config
				if cfg.Auth.JWTSecret == "" {
					return fmt.Errorf("FLEETWATCH_JWT_SECRET or auth.jwt_secret is required for bearer auth")
				}
				if addr == "" {
					addr = cfg.Server.Addr
				}
				rec, err := a.Reconciler()
				switch {
				case errors.Is(err, app.ErrSourceNotConfigured):
					logger.Warn("source dsn not configured, sync disabled")
				case err != nil:
					return err
				case cfg.Sync.Enabled:
					go rec.Run(ctx)
				default:
					logger.Info("scheduled sync disabled, manual runs only")
				}
				if cfg.Retention.Enabled {
					go a.Retention().Run(ctx)
				}
				server.StartWebhookDispatcher(ctx, a.Engine, logger)

				handler, err := server.New(server.Config{
					Engine:      a.Engine,
					Reconciler:  rec,
					BasePath:    cfg.Server.BasePath,
					CORSOrigins: cfg.Server.CORSOrigins,
					Location:    cfg.Location(),
					Logger:      logger.WithField("component", "http"),
					Auth: server.AuthConfig{
						JWTSecret:   cfg.Auth.JWTSecret,
						PublicReads: cfg.Server.PublicReads,
					},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				logger.WithFields(logrus.Fields{"addr": addr, "base_path": cfg.Server.BasePath}).Info("serving fleetwatch API (OpenAPI at openapi.json, Swagger UI at docs)")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	return cmd
}

func syncCmd() *cobra.Command {
	c := &cobra.Command{Use: "sync", Short: "Reconcile with the source feed"}
	c.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run one sync cycle now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rec, err := a.Reconciler()
				if err != nil {
					return err
				}
				run, err := rec.RunCycle(ctx)
				if perr := printRun(run); perr != nil {
					return perr
				}
				return err
			})
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "runs",
		Short: "List recent sync cycles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				runs, err := a.Engine.Repo.ListSyncRuns(ctx, nil, 20)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Started", "Outcome", "Processed", "Updated", "Archived", "Errors", "Defaults", "Error"})
				for _, r := range runs {
					tw.AppendRow(table.Row{r.StartedAt.In(a.Config.Location()).Format("02.01 15:04:05"), r.Outcome,
						r.Counters.Processed, r.Counters.Updated, r.Counters.Archived, r.Counters.Errors, r.Counters.MappingDefaults, r.Error})
				}
				tw.Render()
				return nil
			})
		},
	})
	return c
}

func printRun(run domain.SyncRun) error {
	if run.ID == "" {
		return nil
	}
	if viper.GetBool("json") {
		return printJSON(run)
	}
	fmt.Printf("cycle %s: %s (processed %d, updated %d, archived %d, errors %d, mapping defaults %d)\n",
		run.ID, run.Outcome, run.Counters.Processed, run.Counters.Updated, run.Counters.Archived,
		run.Counters.Errors, run.Counters.MappingDefaults)
	return nil
}

func equipmentCmd() *cobra.Command {
	c := &cobra.Command{Use: "equipment", Short: "Inspect the active mirror"}
	var f repo.EquipmentFilters
	list := &cobra.Command{
		Use:   "list",
		Short: "List active equipment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListActive(ctx, nil, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				loc := a.Config.Location()
				now := time.Now()
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Section", "Status", "Malfunction", "Since", "Delay h", "Manual"})
				for _, rec := range items {
					since := ""
					if rec.ActualStart != nil {
						since = rec.ActualStart.In(loc).Format("02.01 15:04")
					}
					delay := ""
					if d := rec.DelayHours(now); d != nil {
						delay = fmt.Sprintf("%.1f", *d)
					}
					manual := ""
					if rec.ManuallyEdited {
						manual = "yes"
					}
					tw.AppendRow(table.Row{rec.ID, rec.EquipmentType, rec.Section, rec.Status, rec.Malfunction, since, delay, manual})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.Status, "status", "", "status filter")
	list.Flags().StringVar(&f.Section, "section", "", "section filter")
	list.Flags().StringVar(&f.EquipmentType, "type", "", "equipment type filter")
	c.AddCommand(list)
	return c
}

type archiveFlags struct {
	f        repo.ArchiveFilters
	from, to string
}

func (af *archiveFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&af.f.EquipmentID, "id", "", "equipment id")
	cmd.Flags().StringVar(&af.f.EquipmentType, "type", "", "equipment type")
	cmd.Flags().StringVar(&af.f.Mechanic, "mechanic", "", "mechanic name contains")
	cmd.Flags().StringVar(&af.f.Reason, "reason", "", "archive reason")
	cmd.Flags().StringVar(&af.from, "from", "", "completed on or after YYYY-MM-DD")
	cmd.Flags().StringVar(&af.to, "to", "", "completed on or before YYYY-MM-DD")
}

func (af *archiveFlags) filters(loc *time.Location) (repo.ArchiveFilters, error) {
	f := af.f
	if af.from != "" {
		t, err := time.ParseInLocation("2006-01-02", af.from, loc)
		if err != nil {
			return f, fmt.Errorf("--from: %w", err)
		}
		f.DateFrom = &t
	}
	if af.to != "" {
		t, err := time.ParseInLocation("2006-01-02", af.to, loc)
		if err != nil {
			return f, fmt.Errorf("--to: %w", err)
		}
		t = t.AddDate(0, 0, 1)
		f.DateTo = &t
	}
	return f, nil
}

func archiveCmd() *cobra.Command {
	c := &cobra.Command{Use: "archive", Short: "Inspect and export the archive"}

	var listFlags archiveFlags
	list := &cobra.Command{
		Use:   "list",
		Short: "List archive rows, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				loc := a.Config.Location()
				f, err := listFlags.filters(loc)
				if err != nil {
					return err
				}
				items, total, err := a.Engine.Repo.ListArchive(ctx, nil, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"items": items, "total": total})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Completed", "ID", "Type", "Status", "Reason", "By"})
				for _, r := range items {
					by := ""
					if r.CompletionUserName != nil {
						by = *r.CompletionUserName
					} else if r.CompletionUser != nil {
						by = *r.CompletionUser
					}
					tw.AppendRow(table.Row{r.CompletedDate.In(loc).Format("02.01.2006 15:04"), r.EquipmentID, r.EquipmentType, r.Status, r.ArchiveReason, by})
				}
				tw.AppendFooter(table.Row{"", "", "", "", "total", total})
				tw.Render()
				return nil
			})
		},
	}
	listFlags.bind(list)
	list.Flags().IntVar(&listFlags.f.Page, "page", 1, "page")
	list.Flags().IntVar(&listFlags.f.Limit, "limit", 50, "page size")
	c.AddCommand(list)

	var exportFlags archiveFlags
	var out string
	exp := &cobra.Command{
		Use:   "export",
		Short: "Write archive rows to an XLSX file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				loc := a.Config.Location()
				f, err := exportFlags.filters(loc)
				if err != nil {
					return err
				}
				f.Page, f.Limit = 1, 100000
				items, _, err := a.Engine.Repo.ListArchive(ctx, nil, f)
				if err != nil {
					return err
				}
				if err := export.SaveArchive(out, items, loc); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"path": out, "rows": len(items)})
				}
				fmt.Printf("wrote %d rows to %s\n", len(items), out)
				return nil
			})
		},
	}
	exportFlags.bind(exp)
	exp.Flags().StringVarP(&out, "out", "o", "archive.xlsx", "output file")
	c.AddCommand(exp)
	return c
}

func retentionCmd() *cobra.Command {
	c := &cobra.Command{Use: "retention", Short: "Store retention"}
	c.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Purge archived mirror rows and old sync runs once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Retention().Purge(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("purged %d archived mirror rows and %d sync runs\n", res.MirrorRows, res.SyncRuns)
				return nil
			})
		},
	})
	return c
}

func tokenCmd() *cobra.Command {
	c := &cobra.Command{Use: "token", Short: "Bearer tokens"}
	var sub, name string
	var roles []string
	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a signed bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if ttl == 0 {
				ttl = cfg.Auth.TokenTTL
			}
			token, err := server.IssueToken(cfg.Auth.JWTSecret, sub, name, roles, ttl, time.Now())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"token": token, "subject": sub, "roles": roles, "expires_in": ttl.String()})
			}
			fmt.Println(token)
			return nil
		},
	}
	issue.Flags().StringVar(&sub, "sub", "", "subject (user id)")
	issue.Flags().StringVar(&name, "name", "", "display name")
	issue.Flags().StringSliceVar(&roles, "role", nil, "role (admin, dispatcher, programmer); repeatable")
	issue.Flags().DurationVar(&ttl, "ttl", 0, "lifetime (defaults to auth.token_ttl)")
	_ = issue.MarkFlagRequired("sub")
	_ = issue.MarkFlagRequired("role")
	c.AddCommand(issue)
	return c
}

func configCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Manage fleetwatch.yml",
	}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("config")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	c.AddCommand(initCmd)

	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				// round-trip through YAML so secrets stay masked
				masked, err := cfg.ToYAML()
				if err != nil {
					return err
				}
				out, err := config.FromYAML(masked)
				if err != nil {
					return err
				}
				return printJSON(out)
			}
			data, err := cfg.ToYAML()
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	})

	c.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return c
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
