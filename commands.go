package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"subdomaind/db"
	"subdomaind/internal/config"
	"subdomaind/internal/database"
	"subdomaind/internal/logger"
	"subdomaind/internal/orchestrator"
	"subdomaind/internal/server"
)

type cli struct {
	configPath string
	cfg        *config.Config
	log        *zap.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "subdomaind",
		Short:         "Provision tenant subdomains with DNS records and TLS certificates",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if c.log != nil {
				_ = c.log.Sync()
			}
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "config.yaml", "Path to configuration file")
	_ = root.MarkPersistentFlagFilename("config", "yaml", "yml")

	root.AddCommand(
		c.serveCmd(),
		c.migrateCmd(),
		c.provisionCmd(),
		c.labelCmd("retry", "Retry a failed subdomain from the start", c.retry),
		c.labelCmd("renew", "Renew the certificate of an active subdomain", c.renew),
		c.labelCmd("deprovision", "Remove a subdomain's DNS record and certificate", c.deprovision),
		c.statusCmd(),
	)
	return root
}

func (c *cli) setup() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Dir, cfg.Log.Tee)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	for _, w := range cfg.Warnings() {
		log.Warn(w)
	}
	c.cfg, c.log = cfg, log
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the renewal scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()

			c.log.Info("starting subdomaind",
				zap.String("version", version),
				zap.String("root_domain", c.cfg.RootDomain),
				zap.String("target", c.cfg.Target),
			)
			return server.Start(ctx, c.cfg, c.log)
		},
	}
}

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.cfg.Database.Driver != "postgres" {
				return fmt.Errorf("migrate needs the postgres driver, configured %q", c.cfg.Database.Driver)
			}
			pg, err := database.Open(c.cfg.Database.DSN, db.MigrationsFS())
			if err != nil {
				return err
			}
			defer pg.Close()
			c.log.Info("database is up to date")
			return nil
		},
	}
}

// withApp builds the service without serving it and passes an audit-tagged
// context to fn.
func (c *cli) withApp(fn func(ctx context.Context, app *server.App) error) error {
	ctx, stop := signalContext()
	defer stop()

	app, err := server.Build(ctx, c.cfg, c.log)
	if err != nil {
		return err
	}
	defer app.Close()
	defer app.Orchestrator.Shutdown(context.Background())

	actor := "cli"
	if u := os.Getenv("USER"); u != "" {
		actor = "cli:" + u
	}
	return fn(orchestrator.WithActor(ctx, actor, ""), app)
}

func (c *cli) provisionCmd() *cobra.Command {
	var dnsName, caName string
	cmd := &cobra.Command{
		Use:   "provision TENANT LABEL",
		Short: "Provision a subdomain and wait until it is active or failed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(ctx context.Context, app *server.App) error {
				rec, err := app.Orchestrator.Provision(ctx, args[0], args[1], dnsName, caName)
				if rec != nil {
					printJSON(cmd, rec.View(app.Orchestrator.RootDomain()))
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&dnsName, "dns-provider", "", "DNS provider (default from config)")
	cmd.Flags().StringVar(&caName, "ssl-provider", "", "Certificate provider (default from config)")
	return cmd
}

type labelAction func(ctx context.Context, cmd *cobra.Command, app *server.App, tenantID, label string) error

func (c *cli) labelCmd(name, short string, action labelAction) *cobra.Command {
	return &cobra.Command{
		Use:   name + " TENANT LABEL",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(ctx context.Context, app *server.App) error {
				return action(ctx, cmd, app, args[0], args[1])
			})
		},
	}
}

func (c *cli) retry(ctx context.Context, cmd *cobra.Command, app *server.App, tenantID, label string) error {
	rec, err := app.Orchestrator.Retry(ctx, tenantID, label)
	if rec != nil {
		printJSON(cmd, rec.View(app.Orchestrator.RootDomain()))
	}
	return err
}

func (c *cli) renew(ctx context.Context, cmd *cobra.Command, app *server.App, tenantID, label string) error {
	rec, err := app.Orchestrator.Renew(ctx, tenantID, label)
	if rec != nil {
		printJSON(cmd, rec.View(app.Orchestrator.RootDomain()))
	}
	return err
}

func (c *cli) deprovision(ctx context.Context, cmd *cobra.Command, app *server.App, tenantID, label string) error {
	if err := app.Orchestrator.Deprovision(ctx, tenantID, label); err != nil {
		return err
	}
	cmd.Printf("deprovisioned %s.%s\n", label, app.Orchestrator.RootDomain())
	return nil
}

func (c *cli) statusCmd() *cobra.Command {
	var history bool
	cmd := &cobra.Command{
		Use:   "status TENANT [LABEL]",
		Short: "Show one subdomain, or every subdomain of a tenant",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(ctx context.Context, app *server.App) error {
				root := app.Orchestrator.RootDomain()
				if len(args) == 1 {
					recs, err := app.Orchestrator.List(ctx, args[0])
					if err != nil {
						return err
					}
					for i := range recs {
						printJSON(cmd, recs[i].View(root))
					}
					return nil
				}
				rec, err := app.Orchestrator.Get(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				printJSON(cmd, rec.View(root))
				if !history {
					return nil
				}
				transitions, err := app.Orchestrator.History(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				for _, t := range transitions {
					cmd.Printf("%s  %-15s -> %-15s %s (%s)\n",
						t.CreatedAt.Format("2006-01-02 15:04:05"), t.FromStatus, t.ToStatus, t.Detail, t.Actor)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&history, "history", false, "Also print the transition history")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
