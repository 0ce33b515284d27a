package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"caseflow/internal/app"
	"caseflow/internal/config"
	"caseflow/internal/domain"
	"caseflow/internal/logging"
	"caseflow/internal/metrics"
	"caseflow/internal/migrate"
	"caseflow/internal/notify"
	"caseflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "caseflow",
	Short: "Caseflow case management",
	Long: `Caseflow moves investigation cases through a fixed sequence of stages.
- Workspace: a directory holding .caseflow/caseflow.db and an optional caseflow.yml.
- Workflow: caseflow.yml declares statuses, transitions, roles and who owns each stage.
- Users: every action is taken by a directory user acting in a role.
- Cases are worked over HTTP (caseflow serve); this CLI manages the workspace around them.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		// Values already in the environment win over .env.
		if err := godotenv.Load(filepath.Join(workspace, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		color.Red("error: %v", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CASEFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "log format (console, json)")
	for _, name := range []string{"workspace", "json", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(eventsCmd())
}

func newLogger() (*zap.Logger, error) {
	return logging.New(logging.Options{
		Env:    viper.GetString("env"),
		Level:  viper.GetString("log-level"),
		Format: viper.GetString("log-format"),
	})
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the notification dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" && !viper.GetBool("allow-legacy-actor-header") {
				return fmt.Errorf("CASEFLOW_JWT_SECRET is required unless --allow-legacy-actor-header is set")
			}
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			m := metrics.New()
			ws, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace"), Logger: logger, Metrics: m})
			if err != nil {
				return err
			}
			defer ws.Close()

			basePath := viper.GetString("base-path")
			handler, err := server.New(server.Config{Engine: ws.Engine, BasePath: basePath, Auth: server.AuthConfig{
				JWTSecret:              secret,
				AllowLegacyActorHeader: viper.GetBool("allow-legacy-actor-header"),
				DevLogin:               viper.GetBool("dev-login"),
				Logger:                 logger,
			}})
			if err != nil {
				return err
			}

			dispatcher := notify.NewDispatcher(ws.Engine.Repo, ws.Config, notify.Channels(ws.Config, logger), notify.Options{
				Interval: viper.GetDuration("dispatch-interval"),
				Logger:   logger,
				Metrics:  m,
			})
			dispatchDone := make(chan struct{})
			go func() {
				defer close(dispatchDone)
				if err := dispatcher.Run(ctx); err != nil {
					logger.Error("dispatcher stopped", zap.Error(err))
				}
			}()

			addr := viper.GetString("addr")
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			logger.Info("serving caseflow API",
				zap.String("addr", addr),
				zap.String("base_path", basePath),
				zap.String("docs", "/docs"),
				zap.String("metrics", "/metrics"))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				stop()
				<-dispatchDone
				return err
			}
			<-dispatchDone
			return nil
		},
	}
	cmd.Flags().String("addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().String("base-path", "/v1", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	cmd.Flags().Bool("allow-legacy-actor-header", false, "trust X-Actor-Id without credentials (development only)")
	cmd.Flags().Bool("dev-login", false, "expose POST /auth/dev/login (development only)")
	cmd.Flags().Duration("dispatch-interval", 2*time.Second, "outbox poll interval")
	for _, name := range []string{"addr", "base-path", "jwt-secret", "allow-legacy-actor-header", "dev-login", "dispatch-interval"} {
		_ = viper.BindPFlag(name, cmd.Flags().Lookup(name))
	}
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				v, err := migrate.Version(ctx, ws.DB)
				if err != nil {
					return err
				}
				color.Green("schema at version %d", v)
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect the workflow definition",
		Long:  "The workflow definition lives in caseflow.yml at the workspace root. Without it the built-in workflow applies.",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective workflow definition as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate caseflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := config.FromFile(path); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			color.Green("%s is valid", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the built-in workflow to caseflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			color.Green("wrote %s", path)
			return nil
		},
	})
	return cfg
}

func userCmd() *cobra.Command {
	users := &cobra.Command{Use: "user", Short: "Manage the user directory"}

	var u domain.User
	add := &cobra.Command{
		Use:   "add <username>",
		Short: "Create or update a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u.Username = args[0]
			u.Active = true
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				saved, err := ws.Engine.RegisterUser(ctx, u, "cli")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(saved)
				}
				color.Green("user %s saved with role %s", saved.Username, saved.Role)
				return nil
			})
		},
	}
	add.Flags().StringVar(&u.Role, "role", "", "role name from caseflow.yml")
	add.Flags().StringVar(&u.Name, "name", "", "display name")
	add.Flags().StringVar(&u.Email, "email", "", "email address")
	add.Flags().StringVar(&u.Team, "team", "", "team")
	add.Flags().BoolVar(&u.AllRolesAccess, "all-roles", false, "allow the user to act in any role")
	_ = add.MarkFlagRequired("role")
	users.AddCommand(add)

	var role string
	var activeOnly bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.ListUsers(ctx, role, activeOnly)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Username", "Name", "Role", "Team", "Active", "All Roles"})
				for _, item := range items {
					active := color.GreenString("yes")
					if !item.Active {
						active = color.RedString("no")
					}
					tw.AppendRow(table.Row{item.Username, item.Name, item.Role, item.Team, active, item.AllRolesAccess})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&role, "role", "", "only users with this role")
	list.Flags().BoolVar(&activeOnly, "active", false, "only active users")
	users.AddCommand(list)

	for _, spec := range []struct {
		use    string
		short  string
		active bool
	}{
		{"deactivate <username>", "Deactivate a user", false},
		{"activate <username>", "Reactivate a user", true},
	} {
		spec := spec
		users.AddCommand(&cobra.Command{
			Use:   spec.use,
			Short: spec.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
					if err := ws.Engine.SetUserActive(ctx, args[0], spec.active); err != nil {
						return err
					}
					color.Green("user %s active=%t", args[0], spec.active)
					return nil
				})
			},
		})
	}
	return users
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create <username>",
		Short: "Issue an API key for a user; the key is shown once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				plain, key, err := ws.Engine.CreateAPIKey(ctx, args[0], name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "username": key.Username, "key": plain})
				}
				fmt.Printf("id:  %s\nkey: %s\n", key.ID, color.YellowString(plain))
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label for the key")
	keys.AddCommand(create)

	keys.AddCommand(&cobra.Command{
		Use:   "list <username>",
		Short: "List API keys of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.Repo.ListAPIKeys(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	keys.AddCommand(&cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				if err := ws.Engine.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				color.Green("revoked %s", args[0])
				return nil
			})
		},
	})
	return keys
}

func eventsCmd() *cobra.Command {
	var n int
	var caseID, evtType string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the most recent outbox events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.Repo.LatestEventsFrom(ctx, n, 0, caseID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Case", "Actor"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.CaseID, evt.Actor})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&caseID, "case", "", "case id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

// --- helpers ---

func withWorkspace(ctx context.Context, fn func(context.Context, *app.Workspace) error) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()
	ws, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace"), Logger: logger})
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
