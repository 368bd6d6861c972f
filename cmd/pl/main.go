package main

import (
	"context"
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

	"pulseline/internal/app"
	"pulseline/internal/config"
	"pulseline/internal/db"
	"pulseline/internal/domain"
	"pulseline/internal/engine"
	"pulseline/internal/jobs"
	"pulseline/internal/migrate"
	"pulseline/internal/repo"
	"pulseline/internal/server"
	"pulseline/internal/signal"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Pulseline CLI",
	Long: `Pulseline is a tenant-scoped event and command substrate.
- Signals: append-only facts. Emit with a dedupe key and the same fact is never recorded twice.
- Directives: durable commands with a lifecycle (requested -> running -> succeeded/failed, cancel and rerun on top).
- Fanout: every signal is delivered to configured handlers (stats, webhooks) at least once.
- Packages: content bundles installed into tenants through directives; retries converge instead of duplicating.
- Worker: 'pl worker run' drains the job queue; signals and directives do nothing until a worker runs.`,
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
	viper.SetEnvPrefix("PULSELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("tenant", "", "tenant id (defaults to the only tenant in the DB)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))
}

func registerCommands() {
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(signalCmd())
	rootCmd.AddCommand(directiveCmd())
	rootCmd.AddCommand(packageCmd())
	rootCmd.AddCommand(installCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(logCmd())
}

// --- tenant ---

func tenantCmd() *cobra.Command {
	tn := &cobra.Command{Use: "tenant", Short: "Manage tenants"}
	tn.AddCommand(tenantCreateCmd())
	tn.AddCommand(tenantListCmd())
	tn.AddCommand(tenantConfigCmd())
	return tn
}

func tenantCreateCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn, config.Default(id))
			t, err := e.InitTenant(cmd.Context(), id, name)
			if err != nil {
				return err
			}
			return printJSONOrTable(t)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "tenant id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func tenantListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTenants(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func tenantConfigCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage tenant config"}
	cfg.AddCommand(tenantConfigShowCmd())
	cfg.AddCommand(tenantConfigImportCmd())
	cfg.AddCommand(tenantConfigExportCmd())
	cfg.AddCommand(tenantConfigInitCmd())
	return cfg
}

func tenantConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show tenant config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
}

func tenantConfigImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import tenant config from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tenantID, _, err := app.ResolveTenantAndConfig(ctx, viper.GetString("tenant"), r)
				if err != nil {
					return err
				}
				if err := r.UpsertTenantConfig(ctx, tenantID, cfg); err != nil {
					return err
				}
				fmt.Printf("config imported for tenant %s\n", tenantID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "config YAML file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func tenantConfigExportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export tenant config as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				data, err := e.Config.ToYAML()
				if err != nil {
					return err
				}
				if file == "" {
					fmt.Print(string(data))
					return nil
				}
				return os.WriteFile(file, data, 0o644)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "output file (default stdout)")
	return cmd
}

func tenantConfigInitCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Print the default config template",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				id = viper.GetString("tenant")
			}
			if id == "" {
				return fmt.Errorf("--id or --tenant required")
			}
			fmt.Print(config.GenerateDefault(id))
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "tenant id")
	return cmd
}

// --- signal ---

func signalCmd() *cobra.Command {
	sg := &cobra.Command{Use: "signal", Short: "Emit and inspect signals"}
	sg.AddCommand(signalEmitCmd())
	sg.AddCommand(signalListCmd())
	sg.AddCommand(signalShowCmd())
	sg.AddCommand(signalStatsCmd())
	return sg
}

func signalEmitCmd() *cobra.Command {
	var name, payloadJSON, dedupeKey, correlationID, causationID string
	var subjectType, subjectID, source string
	cmd := &cobra.Command{
		Use:   "emit",
		Short: "Emit a signal",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			payload := map[string]any{}
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
					return fmt.Errorf("invalid --payload: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, created, err := e.Bus.Emit(ctx, e.Config.Tenant.ID, name, payload, signal.EmitOptions{
					DedupeKey:     dedupeKey,
					CorrelationID: correlationID,
					CausationID:   causationID,
					SubjectType:   subjectType,
					SubjectID:     subjectID,
					Source:        source,
					ActorID:       viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if !created {
					fmt.Println("duplicate dedupe_key; returning existing signal")
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "signal name, e.g. order.created")
	cmd.Flags().StringVar(&payloadJSON, "payload", "", "payload JSON object")
	cmd.Flags().StringVar(&dedupeKey, "dedupe-key", "", "idempotency key")
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "correlation id")
	cmd.Flags().StringVar(&causationID, "causation-id", "", "causation id")
	cmd.Flags().StringVar(&subjectType, "subject-type", "", "subject type")
	cmd.Flags().StringVar(&subjectID, "subject-id", "", "subject id")
	cmd.Flags().StringVar(&source, "source", "cli", "source")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func signalListCmd() *cobra.Command {
	var name, subjectType, subjectID, correlationID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List signals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListSignals(ctx, e.Config.Tenant.ID, repo.SignalFilters{
					Name:          name,
					SubjectType:   subjectType,
					SubjectID:     subjectID,
					CorrelationID: correlationID,
					Limit:         limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Subject", "Occurred At"})
				for _, s := range items {
					subject := ""
					if s.SubjectType != nil && s.SubjectID != nil {
						subject = *s.SubjectType + "/" + *s.SubjectID
					}
					tw.AppendRow(table.Row{s.ID, s.Name, subject, s.OccurredAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "filter by name")
	cmd.Flags().StringVar(&subjectType, "subject-type", "", "filter by subject type")
	cmd.Flags().StringVar(&subjectID, "subject-id", "", "filter by subject id")
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "filter by correlation id")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func signalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a signal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetSignal(ctx, e.Config.Tenant.ID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func signalStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Per-name delivery counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stats, err := e.Repo.SignalStats(ctx, e.Config.Tenant.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(stats)
			})
		},
	}
}

// --- directive ---

func directiveCmd() *cobra.Command {
	dr := &cobra.Command{Use: "directive", Short: "Request and inspect directives"}
	dr.AddCommand(directiveCreateCmd())
	dr.AddCommand(directiveListCmd())
	dr.AddCommand(directiveShowCmd())
	dr.AddCommand(directiveCancelCmd())
	dr.AddCommand(directiveRerunCmd())
	return dr
}

func directiveCreateCmd() *cobra.Command {
	var name, payloadJSON, idemKey, scheduledAt string
	var maxAttempts int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Request a directive",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			payload := map[string]any{}
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
					return fmt.Errorf("invalid --payload: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.DirectiveCreateOptions{
					Tenant:         e.Config.Tenant.ID,
					Name:           name,
					Payload:        payload,
					IdempotencyKey: idemKey,
					RequestedBy:    viper.GetString("actor-id"),
					MaxAttempts:    maxAttempts,
				}
				if scheduledAt != "" {
					ts, err := time.Parse(time.RFC3339, scheduledAt)
					if err != nil {
						return fmt.Errorf("invalid --scheduled-at: %w", err)
					}
					opts.ScheduledAt = &ts
				}
				d, created, err := e.CreateDirective(ctx, opts)
				if err != nil {
					return err
				}
				if !created {
					fmt.Println("duplicate idempotency_key; returning existing directive")
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "directive name, e.g. package.install")
	cmd.Flags().StringVar(&payloadJSON, "payload", "", "payload JSON object")
	cmd.Flags().StringVar(&idemKey, "idempotency-key", "", "idempotency key")
	cmd.Flags().StringVar(&scheduledAt, "scheduled-at", "", "RFC3339 time to defer execution to")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "attempt budget (0 = default)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func directiveListCmd() *cobra.Command {
	var name, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List directives",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListDirectives(ctx, e.Config.Tenant.ID, repo.DirectiveFilters{
					Name:   name,
					Status: status,
					Limit:  limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Attempt", "Last Error"})
				for _, d := range items {
					lastErr := ""
					if d.LastError != nil {
						lastErr = *d.LastError
					}
					tw.AppendRow(table.Row{d.ID, d.Name, d.Status, fmt.Sprintf("%d/%d", d.Attempt, d.MaxAttempts), lastErr})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "filter by name")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func directiveShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a directive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Repo.GetDirective(ctx, e.Config.Tenant.ID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
}

func directiveCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a requested or running directive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.CancelDirective(ctx, e.Config.Tenant.ID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
}

func directiveRerunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rerun <id>",
		Short: "Enqueue a fresh run of a finished directive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.RerunDirective(ctx, e.Config.Tenant.ID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
}

// --- package ---

func packageCmd() *cobra.Command {
	pk := &cobra.Command{Use: "package", Short: "Manage the package registry"}
	pk.AddCommand(packageRegisterCmd())
	pk.AddCommand(packageListCmd())
	pk.AddCommand(packageShowCmd())
	return pk
}

func packageRegisterCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a package from a JSON manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var manifest struct {
				Slug     string                 `json:"slug"`
				Name     string                 `json:"name"`
				Version  string                 `json:"version"`
				Includes domain.PackageIncludes `json:"includes"`
			}
			if err := json.Unmarshal(data, &manifest); err != nil {
				return fmt.Errorf("invalid manifest: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.RegisterPackage(ctx, engine.PackageRegisterOptions{
					Slug:     manifest.Slug,
					Name:     manifest.Name,
					Version:  manifest.Version,
					Includes: manifest.Includes,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "manifest JSON file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func packageListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List packages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListPackages(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Slug", "Name", "Version", "Installs"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.Slug, p.Name, p.Version, p.InstallCount})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func packageShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <slug>",
		Short: "Show a package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetPackageBySlug(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

// --- install ---

func installCmd() *cobra.Command {
	in := &cobra.Command{Use: "install", Short: "Install packages into the tenant"}
	in.AddCommand(installRequestCmd())
	in.AddCommand(installListCmd())
	in.AddCommand(installShowCmd())
	in.AddCommand(installRemoveCmd())
	return in
}

func installRequestCmd() *cobra.Command {
	var slug, version, idemKey string
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Request a package install",
		RunE: func(cmd *cobra.Command, args []string) error {
			if slug == "" {
				return fmt.Errorf("--package required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, created, err := e.RequestInstall(ctx, e.Config.Tenant.ID, slug, version, nil, idemKey, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if !created {
					fmt.Println("duplicate idempotency_key; returning existing directive")
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&slug, "package", "", "package slug")
	cmd.Flags().StringVar(&version, "version", "", "required package version")
	cmd.Flags().StringVar(&idemKey, "idempotency-key", "", "idempotency key")
	_ = cmd.MarkFlagRequired("package")
	return cmd
}

func installListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List installations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListInstallations(ctx, e.Config.Tenant.ID, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Package", "Version", "Status", "Enabled"})
				for _, ins := range items {
					tw.AppendRow(table.Row{ins.ID, ins.PackageSlug, ins.PackageVersion, ins.Status, ins.Enabled})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func installShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an installation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ins, err := e.Repo.GetInstallation(ctx, e.Config.Tenant.ID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(ins)
			})
		},
	}
}

func installRemoveCmd() *cobra.Command {
	var slug string
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Disable an installed package (content stays)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if slug == "" {
				return fmt.Errorf("--package required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, _, err := e.CreateDirective(ctx, engine.DirectiveCreateOptions{
					Tenant:      e.Config.Tenant.ID,
					Name:        "package.uninstall",
					Payload:     map[string]any{"package_slug": slug},
					RequestedBy: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&slug, "package", "", "package slug")
	_ = cmd.MarkFlagRequired("package")
	return cmd
}

// --- agent ---

func agentCmd() *cobra.Command {
	ag := &cobra.Command{Use: "agent", Short: "Inspect installed agents"}
	ag.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAgents(ctx, e.Config.Tenant.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Source"})
				for _, a := range items {
					source := ""
					if a.SourceSlug != nil {
						source = *a.SourceSlug
					}
					tw.AppendRow(table.Row{a.ID, a.Name, source})
				}
				tw.Render()
				return nil
			})
		},
	})
	return ag
}

// --- job ---

func jobCmd() *cobra.Command {
	jb := &cobra.Command{Use: "job", Short: "Inspect the job queue"}
	jb.AddCommand(jobListCmd())
	return jb
}

func jobListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Queue.ListJobs(ctx, e.Config.Tenant.ID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Status", "Attempts", "Run At"})
				for _, j := range items {
					tw.AppendRow(table.Row{j.ID, j.Kind, j.Status, fmt.Sprintf("%d/%d", j.Attempts, j.MaxAttempts), j.RunAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

// --- worker ---

func workerCmd() *cobra.Command {
	wk := &cobra.Command{Use: "worker", Short: "Run the job worker"}
	wk.AddCommand(workerRunCmd())
	wk.AddCommand(workerOnceCmd())
	return wk
}

func workerRunCmd() *cobra.Command {
	var pollSeconds, burst int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Poll and execute jobs until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cfg := jobs.DefaultWorkerConfig()
				if pollSeconds > 0 {
					cfg.PollInterval = time.Duration(pollSeconds) * time.Second
				} else if e.Config.Jobs.PollIntervalSeconds > 0 {
					cfg.PollInterval = time.Duration(e.Config.Jobs.PollIntervalSeconds) * time.Second
				}
				if burst > 0 {
					cfg.Burst = burst
				} else if e.Config.Jobs.Burst > 0 {
					cfg.Burst = e.Config.Jobs.Burst
				}
				fmt.Printf("worker running (poll %s, burst %d)\n", cfg.PollInterval, cfg.Burst)
				err := e.Queue.RunWorker(ctx, cfg)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().IntVar(&pollSeconds, "poll-seconds", 0, "poll interval in seconds")
	cmd.Flags().IntVar(&burst, "burst", 0, "jobs per poll tick")
	return cmd
}

func workerOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Execute a single due job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				processed, err := e.Queue.ProcessOnce(ctx)
				if errors.Is(err, jobs.ErrNoWork) {
					fmt.Println("no work")
					return nil
				}
				if err != nil {
					fmt.Printf("job failed: %v\n", err)
					return nil
				}
				if processed {
					fmt.Println("processed one job")
				}
				return nil
			})
		},
	}
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveTenantAndConfig(cmd.Context(), viper.GetString("tenant"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath})
			if err != nil {
				return err
			}
			go func() {
				wcfg := jobs.DefaultWorkerConfig()
				if cfg.Jobs.PollIntervalSeconds > 0 {
					wcfg.PollInterval = time.Duration(cfg.Jobs.PollIntervalSeconds) * time.Second
				}
				if cfg.Jobs.Burst > 0 {
					wcfg.Burst = cfg.Jobs.Burst
				}
				_ = e.Queue.RunWorker(cmd.Context(), wcfg)
			}()
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Pulseline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the signal log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var name string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail recent signals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListSignals(ctx, e.Config.Tenant.ID, repo.SignalFilters{Name: name, Limit: n})
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of signals")
	cmd.Flags().StringVar(&name, "name", "", "signal name filter")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveTenantAndConfig(ctx, viper.GetString("tenant"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
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
