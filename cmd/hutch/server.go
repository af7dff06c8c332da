package main

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/hutchhq/hutch/pkg/api"
	"github.com/hutchhq/hutch/pkg/config"
	"github.com/hutchhq/hutch/pkg/coordinator"
	"github.com/hutchhq/hutch/pkg/election"
	"github.com/hutchhq/hutch/pkg/enforcer"
	"github.com/hutchhq/hutch/pkg/events"
	"github.com/hutchhq/hutch/pkg/log"
	"github.com/hutchhq/hutch/pkg/metrics"
	"github.com/hutchhq/hutch/pkg/notify"
	"github.com/hutchhq/hutch/pkg/provision"
	"github.com/hutchhq/hutch/pkg/queue"
	"github.com/hutchhq/hutch/pkg/registry"
	"github.com/hutchhq/hutch/pkg/runtime"
	"github.com/hutchhq/hutch/pkg/storage"
	"github.com/hutchhq/hutch/pkg/tenantdb"
	"github.com/hutchhq/hutch/pkg/warmpool"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the control plane node",
	Long: `Run a control plane node: admin API, provisioning workers, warm
pool manager and subscription enforcer.

With election enabled the background loops run only on the elected
leader; standby nodes serve read-only API traffic and take over after
winning an election.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runServer(configPath)
	},
}

func init() {
	serverCmd.Flags().String("config", "", "Path to YAML config file")
}

func runServer(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log.Init(log.Config{Level: cfg.Log.Level, JSONOutput: cfg.Log.JSON})
	logger := log.WithComponent("server")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Control-plane database.
	store, err := storage.Open(ctx, cfg.Database.URL, cfg.Database.ControlSchema, cfg.Database.CommandTimeout)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := storage.Migrate(ctx, store.Pool(), cfg.Database.ControlSchema); err != nil {
		return fmt.Errorf("migrate control-plane schema: %w", err)
	}

	// Shared cache.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Cache.Addr(),
		Password: cfg.Cache.Password,
		DB:       cfg.Cache.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping cache: %w", err)
	}

	// Container runtime.
	drv, err := runtime.NewContainerdDriver(cfg.Runtime.Socket, cfg.Runtime.Namespace, cfg.Runtime.LogDir)
	if err != nil {
		return err
	}
	defer drv.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	reg := registry.New(store, broker, cfg.Cache.MaxPartitions)
	mat := tenantdb.New(store.Pool(), cfg.Database.CommandTimeout)
	jobs := queue.New(rdb, cfg.Cache.KeyPrefix, cfg.Worker.ResultTTL)

	baseEnv := []string{
		"DATABASE_URL=" + cfg.Database.URL,
		"CACHE_HOST=" + cfg.Cache.Host,
		"CACHE_PORT=" + strconv.Itoa(cfg.Cache.Port),
		"TIMEZONE=" + cfg.Bot.Timezone,
		"WORKING_HOURS_FROM=" + cfg.Bot.WorkingHoursFrom,
		"WORKING_HOURS_TO=" + cfg.Bot.WorkingHoursTo,
	}

	var (
		pool       *warmpool.Manager
		enginePool provision.Pool
	)
	if cfg.Pool.Enabled {
		pool = warmpool.NewManager(drv, warmpool.NewRedisStateStore(rdb), broker, warmpool.Options{
			Image:         cfg.Bot.Image,
			BaseEnv:       baseEnv,
			MinFree:       cfg.Pool.MinFree,
			MaxTotal:      cfg.Pool.MaxTotal,
			ScaleBatch:    cfg.Pool.ScaleBatch,
			Interval:      cfg.Pool.Interval,
			ActivationTTL: cfg.Pool.ActivationTTL,
			ClaimWait:     cfg.Pool.ClaimWait,
		})
		enginePool = pool
	}

	engine := provision.NewEngine(reg, mat, drv, enginePool, provision.Options{
		Image:         cfg.Bot.Image,
		BaseEnv:       baseEnv,
		PrefixMode:    cfg.Cache.PrefixMode(),
		HealthTimeout: cfg.Bot.HealthTimeout,
		StopGrace:     cfg.Bot.StopGrace,
	})

	journal, err := coordinator.OpenJournal(cfg.Worker.JournalPath)
	if err != nil {
		return err
	}
	defer journal.Close()
	coord := coordinator.New(jobs, engine, journal, broker, coordinator.Options{
		Concurrency: cfg.Worker.Concurrency,
		PopWait:     cfg.Worker.PopWait,
		MaxAttempts: cfg.Worker.MaxAttempts,
	})

	enf := enforcer.New(reg, engine, drv, enforcer.NewRedisDeduper(rdb, cfg.Cache.KeyPrefix), broker, enforcer.Options{
		Interval:       cfg.Enforcer.Interval,
		WarningWindow:  cfg.Enforcer.WarningWindow,
		AuditRetention: time.Duration(cfg.Database.AuditRetentionDays) * 24 * time.Hour,
	})

	if cfg.Notify.TelegramToken != "" {
		dispatcher := notify.NewDispatcher(notify.NewTelegramClient(cfg.Notify.TelegramToken), broker)
		dispatcher.Start(ctx)
		defer dispatcher.Stop()
	}

	var elector *election.Elector
	if cfg.Election.Enabled {
		elector, err = election.Open(election.Options{
			NodeID:    cfg.Election.NodeID,
			BindAddr:  cfg.Election.BindAddr,
			DataDir:   cfg.Election.DataDir,
			Bootstrap: cfg.Election.Bootstrap,
		})
		if err != nil {
			return err
		}
		defer elector.Shutdown()
	}

	startLeaderLoops := func() error {
		if err := coord.Start(ctx); err != nil {
			return err
		}
		if pool != nil {
			pool.Start(ctx)
		}
		enf.Start(ctx)
		return nil
	}
	stopLeaderLoops := func() {
		enf.Stop()
		if pool != nil {
			pool.Stop()
		}
		coord.Stop()
	}

	if elector == nil {
		if err := startLeaderLoops(); err != nil {
			return err
		}
		defer stopLeaderLoops()
	} else {
		// The background loops cannot be restarted in place, so a node
		// that loses leadership shuts down and rejoins as a standby.
		go func() {
			leading := false
			for {
				select {
				case isLeader := <-elector.LeaderCh():
					if isLeader && !leading {
						logger.Info().Msg("leadership acquired, starting background loops")
						if err := startLeaderLoops(); err != nil {
							logger.Error().Err(err).Msg("failed to start background loops")
							cancel()
							return
						}
						leading = true
					} else if !isLeader && leading {
						logger.Warn().Msg("leadership lost, shutting down for restart")
						stopLeaderLoops()
						cancel()
						return
					}
				case <-ctx.Done():
					if leading {
						stopLeaderLoops()
					}
					return
				}
			}
		}()
	}

	var (
		poolInspector api.PoolInspector
		poolSource    metrics.PoolSource
		cluster       api.Cluster
		leaderSource  metrics.LeaderSource
	)
	if pool != nil {
		poolInspector = pool
		poolSource = pool
	}
	if elector != nil {
		cluster = elector
		leaderSource = elector
	}

	collector := metrics.NewCollector(reg, jobs, poolSource, leaderSource)
	collector.Start()
	defer collector.Stop()

	srv := api.NewServer(reg, engine, jobs, drv, poolInspector, cluster, store)
	return srv.ListenAndServe(ctx, cfg.API.Addr)
}
