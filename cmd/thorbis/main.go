package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"thorbis/internal/authz"
	"thorbis/internal/config"
	"thorbis/internal/db"
	"thorbis/internal/domain"
	"thorbis/internal/lifecycle"
	"thorbis/internal/metrics"
	"thorbis/internal/migrate"
	"thorbis/internal/notify"
	"thorbis/internal/ratelimit"
	"thorbis/internal/repo"
	"thorbis/internal/server"
	"thorbis/internal/service"
)

var rootCmd = &cobra.Command{
	Use:   "thorbis",
	Short: "Thorbis entity lifecycle CLI",
	Long: `Thorbis manages lifecycle-controlled business entities: work orders,
invoices, campaigns, and experiments. Each entity type carries its own status
transition table; every mutation is validated against it, permission-checked,
and recorded in an append-only event log.

Workspace: the .thorbis directory next to thorbis.yml holds the sqlite
database. Point the store at postgres in thorbis.yml for shared deployments.`,
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
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("THORBIS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("tenant", "default", "tenant id")
	rootCmd.PersistentFlags().StringSlice("roles", nil, "roles to act with (as a credential would carry)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))
	_ = viper.BindPFlag("roles", rootCmd.PersistentFlags().Lookup("roles"))
}

func registerCommands() {
	rootCmd.AddCommand(entityCmd())
	rootCmd.AddCommand(summaryCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- entity ---

func entityCmd() *cobra.Command {
	ent := &cobra.Command{
		Use:   "entity",
		Short: "Manage lifecycle entities",
		Long: `Entities move through their type's status graph. Terminal statuses
(no outgoing transitions) freeze the entity; only override roles may touch it.`,
	}
	ent.AddCommand(entityCreateCmd())
	ent.AddCommand(entityListCmd())
	ent.AddCommand(entityShowCmd())
	ent.AddCommand(entityUpdateCmd())
	ent.AddCommand(entityTransitionCmd())
	ent.AddCommand(entityDeleteCmd())
	return ent
}

func entityCreateCmd() *cobra.Command {
	var entityType, fieldsJSON, assignee string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create entity in its type's initial status",
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseFields(fieldsJSON)
			if err != nil {
				return err
			}
			return withService(cmd.Context(), func(ctx context.Context, svc service.Service) error {
				actor, err := cliActor(ctx, svc)
				if err != nil {
					return err
				}
				var assigneePtr *string
				if assignee != "" {
					assigneePtr = &assignee
				}
				ent, err := svc.CreateEntity(ctx, viper.GetString("tenant"), entityType, fields, assigneePtr, actor)
				if err != nil {
					return err
				}
				return printJSONOrDump(ent)
			})
		},
	}
	cmd.Flags().StringVar(&entityType, "type", "", "entity type (workorder, invoice, campaign, experiment, ...)")
	cmd.Flags().StringVar(&fieldsJSON, "fields-json", "", "domain fields as JSON object")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee actor id")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func entityListCmd() *cobra.Command {
	var f repo.EntityFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List entities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc service.Service) error {
				f.TenantID = viper.GetString("tenant")
				items, err := svc.Repo.ListEntities(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Assignee", "Version", "Updated"})
				for _, e := range items {
					assignee := ""
					if e.AssigneeID != nil {
						assignee = *e.AssigneeID
					}
					tw.AppendRow(table.Row{e.ID, e.Type, e.Status, assignee, e.Version, e.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Type, "type", "", "entity type filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee", "", "assignee filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func entityShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc service.Service) error {
				ent, err := svc.Repo.GetEntity(ctx, viper.GetString("tenant"), args[0])
				if err != nil {
					return err
				}
				return printJSONOrDump(ent)
			})
		},
	}
	return cmd
}

func entityUpdateCmd() *cobra.Command {
	var status, fieldsJSON, assignee string
	var expectedVersion int64
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update entity fields, assignee, and/or status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseFields(fieldsJSON)
			if err != nil {
				return err
			}
			return withService(cmd.Context(), func(ctx context.Context, svc service.Service) error {
				actor, err := cliActor(ctx, svc)
				if err != nil {
					return err
				}
				mut := lifecycle.Mutation{Fields: fields}
				if cmd.Flags().Changed("status") {
					mut.Status = &status
				}
				if cmd.Flags().Changed("assignee") {
					mut.AssigneeSet = true
					if assignee != "" {
						mut.AssigneeID = &assignee
					}
				}
				ent, err := svc.MutateEntity(ctx, viper.GetString("tenant"), args[0], mut, expectedVersion, actor)
				if err != nil {
					return err
				}
				return printJSONOrDump(ent)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status")
	cmd.Flags().StringVar(&fieldsJSON, "fields-json", "", "field edits as JSON object (null value removes)")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee actor id (empty clears)")
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "optimistic concurrency check (0 skips)")
	return cmd
}

func entityTransitionCmd() *cobra.Command {
	var expectedVersion int64
	cmd := &cobra.Command{
		Use:   "transition <id> <status>",
		Short: "Transition entity status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc service.Service) error {
				actor, err := cliActor(ctx, svc)
				if err != nil {
					return err
				}
				ent, err := svc.Transition(ctx, viper.GetString("tenant"), args[0], args[1], expectedVersion, actor)
				if err != nil {
					return err
				}
				return printJSONOrDump(ent)
			})
		},
	}
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "optimistic concurrency check (0 skips)")
	return cmd
}

func entityDeleteCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an entity (administrative; bypasses the lifecycle)",
		Long: `Deletion is an operator escape hatch. The lifecycle never removes
entities; terminal entities are retained immutable. Requires --yes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to delete without --yes")
			}
			return withService(cmd.Context(), func(ctx context.Context, svc service.Service) error {
				if err := svc.Repo.DeleteEntity(ctx, viper.GetString("tenant"), args[0]); err != nil {
					return err
				}
				fmt.Printf("deleted %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}

// --- summary ---

func summaryCmd() *cobra.Command {
	var entityType, groupBy string
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Summarize a tenant's entities of one type",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc service.Service) error {
				var groups []string
				for _, g := range strings.Split(groupBy, ",") {
					if g = strings.TrimSpace(g); g != "" {
						groups = append(groups, g)
					}
				}
				sum, err := svc.Summarize(ctx, viper.GetString("tenant"), entityType, groups...)
				if err != nil {
					return err
				}
				return printJSONOrDump(sum)
			})
		},
	}
	cmd.Flags().StringVar(&entityType, "type", "", "entity type")
	cmd.Flags().StringVar(&groupBy, "group-by", "", "comma-separated group fields (default from config)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

// --- rbac ---

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rbac",
		Short: "Role assignments",
		Long:  "Roles are defined in thorbis.yml; assignments live in the store per tenant.",
	}
	cmd.AddCommand(rbacGrantCmd())
	cmd.AddCommand(rbacRevokeCmd())
	cmd.AddCommand(rbacShowCmd())
	return cmd
}

func rbacGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant role to actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc service.Service) error {
				return svc.GrantRole(ctx, viper.GetString("tenant"), viper.GetString("actor-id"), target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func rbacRevokeCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke role from actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc service.Service) error {
				return svc.RevokeRole(ctx, viper.GetString("tenant"), viper.GetString("actor-id"), target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func rbacShowCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show an actor's roles and permissions in the tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc service.Service) error {
				if target == "" {
					target = viper.GetString("actor-id")
				}
				actor, err := svc.Authz.ResolveActor(ctx, viper.GetString("tenant"), authz.Principal{ActorID: target})
				if err != nil {
					return err
				}
				return printJSONOrDump(actor)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id (defaults to --actor-id)")
	return cmd
}

// --- log ---

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Audit event log",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc service.Service) error {
				events, err := svc.Repo.LatestEvents(ctx, n, viper.GetString("tenant"), evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Kind", "Entity", "Actor"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind, e.EntityID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

// --- config ---

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long: `Config is the rulebook (thorbis.yml): the entity type catalog with
transition tables, role definitions, and server settings. Validation failures
abort startup rather than surfacing at request time.`,
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configImportCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSONOrDump(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err == nil {
				err = cfg.Validate()
			}
			if err == nil {
				_, err = lifecycle.FromConfig(cfg)
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import config into the workspace (validates first)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			if file == "" {
				data = []byte(config.GenerateDefault())
			} else {
				raw, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				data = raw
			}
			if _, err := config.FromYAML(data); err != nil {
				return err
			}
			dest := config.Path(viper.GetString("workspace"))
			if err := os.WriteFile(dest, data, 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", dest)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "config YAML to import (default: built-in catalog)")
	return cmd
}

// --- api keys ---

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "API key management",
	}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyRevokeCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key for an actor (plain key printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc service.Service) error {
				key, plain, err := svc.CreateAPIKey(ctx, actor, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrDump(map[string]string{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"key":      plain,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc service.Service) error {
				return svc.RevokeAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			engine, err := lifecycle.FromConfig(cfg)
			if err != nil {
				return err
			}
			conn, dialect, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn, dialect); err != nil {
				return err
			}
			svc := service.New(conn, repo.Repo{DB: conn, Dialect: dialect}, engine, cfg)

			secret := cfg.Auth.JWTSecret
			if env := os.Getenv("THORBIS_JWT_SECRET"); env != "" {
				secret = env
			}
			if secret == "" {
				return fmt.Errorf("jwt secret is required: set auth.jwt_secret or THORBIS_JWT_SECRET")
			}
			authCfg := server.AuthConfig{
				JWTSecret:              secret,
				AllowLegacyActorHeader: cfg.Server.LegacyActor,
				EnableDevLogin:         cfg.Server.DevLogin,
			}
			var limiter ratelimit.Store
			if cfg.RateLimit.Requests > 0 {
				window := time.Duration(cfg.RateLimit.WindowSeconds) * time.Second
				if cfg.RateLimit.RedisAddr != "" {
					limiter = ratelimit.NewRedis(cfg.RateLimit.RedisAddr, cfg.RateLimit.Requests, window)
				} else {
					limiter = ratelimit.NewFixedWindow(cfg.RateLimit.Requests, window)
				}
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			if addr == "" {
				addr = cfg.Server.Listen
				if addr == "" {
					addr = "127.0.0.1:8080"
				}
			}
			handler, err := server.New(server.Config{
				Service:  svc,
				BasePath: basePath,
				Auth:     authCfg,
				Limiter:  limiter,
				Metrics:  metrics.New(),
			})
			if err != nil {
				return err
			}
			notify.Start(cmd.Context(), svc.Repo, cfg.Webhooks)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Thorbis API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (*sql.DB, string, error) {
	driver := cfg.Store.Driver
	if driver == "" {
		driver = "sqlite"
	}
	conn, err := db.Open(db.Config{
		Workspace: viper.GetString("workspace"),
		Driver:    driver,
		DSN:       cfg.Store.DSN,
	})
	if err != nil {
		return nil, "", err
	}
	return conn, driver, nil
}

func withService(ctx context.Context, fn func(context.Context, service.Service) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	engine, err := lifecycle.FromConfig(cfg)
	if err != nil {
		return err
	}
	conn, dialect, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn, dialect); err != nil {
		return err
	}
	svc := service.New(conn, repo.Repo{DB: conn, Dialect: dialect}, engine, cfg)
	return fn(ctx, svc)
}

// cliActor resolves the acting identity the way the HTTP surface would for a
// credential carrying the --roles flag.
func cliActor(ctx context.Context, svc service.Service) (domain.Actor, error) {
	return svc.Authz.ResolveActor(ctx, viper.GetString("tenant"), authz.Principal{
		ActorID: viper.GetString("actor-id"),
		Roles:   viper.GetStringSlice("roles"),
		Source:  "cli",
	})
}

func parseFields(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("invalid --fields-json: %w", err)
	}
	return fields, nil
}

func printJSONOrDump(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
