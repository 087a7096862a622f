package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/james-iacabucci/formedfor-operations-sub001/api"
	"github.com/james-iacabucci/formedfor-operations-sub001/config"
	"github.com/james-iacabucci/formedfor-operations-sub001/events"
	"github.com/james-iacabucci/formedfor-operations-sub001/storage"
)

var initStorageCmd = &cobra.Command{
	Use:   "init-storage",
	Short: "Create the tasks table, events queue or SQL schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return initStorage(cmd, cfg)
	},
}

func initStorage(cmd *cobra.Command, cfg *config.Config) error {
	ctx := cmd.Context()
	switch cfg.StoreBackend {
	case config.BackendTables:
		if err := storage.Provision(ctx, cfg.StorageConnectionString, cfg.TasksTable, cfg.EventsQueue); err != nil {
			return fmt.Errorf("provision: %w", err)
		}
		log.WithFields(log.Fields{"table": cfg.TasksTable, "queue": cfg.EventsQueue}).Info("storage provisioned")
		return nil
	case config.BackendPostgres, config.BackendSQLite:
		_, closeStore, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() { _ = closeStore() }()
		log.WithField("backend", cfg.StoreBackend).Info("schema migrated")
	default:
		log.WithField("backend", cfg.StoreBackend).Info("nothing to provision for backend")
	}
	if cfg.EventsQueue != "" {
		if err := storage.ProvisionQueue(ctx, cfg.StorageConnectionString, cfg.EventsQueue); err != nil {
			return fmt.Errorf("provision queue: %w", err)
		}
		log.WithField("queue", cfg.EventsQueue).Info("events queue provisioned")
	}
	return nil
}

var respaceOpts struct {
	owner string
	scope string
}

var respaceCmd = &cobra.Command{
	Use:   "respace",
	Short: "Rewrite the keys of one scope to evenly spaced values",
	Example: `  taskorder respace --owner auth0|123 --scope status:todo
  taskorder respace --owner auth0|123 --scope parent:unassociated`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		svc, err := newService(cmd.Context(), cfg, log.StandardLogger())
		if err != nil {
			return err
		}
		defer svc.Close()

		tasks, err := svc.engine.Respace(cmd.Context(), respaceOpts.owner, respaceOpts.scope)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, t := range tasks {
			fmt.Fprintf(out, "%d\t%s\t%s\n", t.PriorityOrder, t.ID, t.Title)
		}
		return nil
	},
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Republish order changes from EVENTS_QUEUE on the Redis channel",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.EventsQueue == "" || cfg.RedisConnectionString == "" {
			return errors.New("relay needs EVENTS_QUEUE and REDIS_CONNECTION_STRING")
		}
		opts, err := config.ParseRedis(cfg.RedisConnectionString)
		if err != nil {
			return err
		}
		rc := redis.NewClient(opts)
		defer rc.Close()

		pub := events.NewRedisPublisher(rc, cfg.EventsChannel, nil)
		relay, err := events.NewQueueRelay(cfg.StorageConnectionString, cfg.EventsQueue, pub, log.StandardLogger())
		if err != nil {
			return fmt.Errorf("events queue: %w", err)
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		log.WithFields(log.Fields{"queue": cfg.EventsQueue, "channel": cfg.EventsChannel}).Info("relaying order changes")
		return relay.Run(ctx)
	},
}

var tokenOpts struct {
	count  int
	prefix string
	start  int
	ttl    time.Duration
}

var tokenCmd = &cobra.Command{
	Use:   "token [owner-id]",
	Short: "Print test mode bearer tokens signed with TEST_JWT_SECRET",
	Example: `  taskorder token auth0|123
  taskorder token --count 50 --prefix perf-user`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if !cfg.Auth0TestMode {
			return errors.New("tokens can only be issued with AUTH0_TEST_MODE enabled")
		}
		if tokenOpts.count < 1 || tokenOpts.start < 1 {
			return errors.New("count and start must be at least 1")
		}
		if len(args) > 0 && tokenOpts.count > 1 {
			return errors.New("an explicit owner id cannot be combined with --count")
		}
		out := cmd.OutOrStdout()
		for i := 0; i < tokenOpts.count; i++ {
			owner := tokenOpts.prefix
			switch {
			case len(args) > 0:
				owner = args[0]
			case tokenOpts.count > 1:
				owner = fmt.Sprintf("%s-%d", tokenOpts.prefix, tokenOpts.start+i)
			}
			tok, err := api.SignTestToken(cfg.TestJWTSecret, owner, cfg.Auth0Audience, cfg.Issuer(), tokenOpts.ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, tok)
		}
		return nil
	},
}

func init() {
	tokenCmd.Flags().IntVar(&tokenOpts.count, "count", 1, "number of tokens to generate")
	tokenCmd.Flags().StringVar(&tokenOpts.prefix, "prefix", "perf-user", "owner id prefix when no owner is given")
	tokenCmd.Flags().IntVar(&tokenOpts.start, "start", 1, "first index when --count is above 1")
	tokenCmd.Flags().DurationVar(&tokenOpts.ttl, "ttl", time.Hour, "token lifetime")

	respaceCmd.Flags().StringVar(&respaceOpts.owner, "owner", "", "owner whose scope is respaced")
	respaceCmd.Flags().StringVar(&respaceOpts.scope, "scope", "", "scope key, e.g. status:todo")
	_ = respaceCmd.MarkFlagRequired("owner")
	_ = respaceCmd.MarkFlagRequired("scope")
}
