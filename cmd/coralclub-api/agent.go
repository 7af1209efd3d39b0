package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coralclub/tents/internal/config"
	"github.com/coralclub/tents/internal/database"
	"github.com/coralclub/tents/internal/gatewayclient"
	"github.com/coralclub/tents/internal/localcache"
	"github.com/coralclub/tents/internal/logging"
	"github.com/coralclub/tents/internal/reservations"
	"github.com/coralclub/tents/internal/syncer"
	"github.com/coralclub/tents/internal/venue"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const watchRetryDelay = 2 * time.Second

type session struct {
	client *gatewayclient.Client
	engine *syncer.Engine
	close  func()
}

func newAgentCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run a headless session that follows the shared state and expires lapsed holds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
		},
	}
	defaults := config.NewViper()
	cmd.PersistentFlags().String("gateway-url", defaults.GetString("agent.gateway_url"), "Gateway base URL")
	cmd.PersistentFlags().String("cache-path", defaults.GetString("agent.cache_path"), "Local cache database path")
	bindPersistentFlag(cmd, "agent.gateway_url", "gateway-url")
	bindPersistentFlag(cmd, "agent.cache_path", "cache-path")
	cmd.Flags().Duration("poll-interval", defaults.GetDuration("agent.poll_interval"), "Revision polling period")
	cmd.Flags().Duration("sweep-interval", defaults.GetDuration("agent.sweep_interval"), "Expiry sweep period")
	cmd.Flags().Bool("watch", defaults.GetBool("agent.watch"), "Follow the gateway revision event stream")
	bindFlag(cmd, "agent.poll_interval", "poll-interval")
	bindFlag(cmd, "agent.sweep_interval", "sweep-interval")
	bindFlag(cmd, "agent.watch", "watch")

	cmd.AddCommand(newReserveCommand())
	return cmd
}

func newReserveCommand() *cobra.Command {
	var tentID int
	cmd := &cobra.Command{
		Use:   "reserve",
		Short: "Hold one tent and print the reservation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReserve(cmd.Context(), tentID)
		},
	}
	cmd.Flags().IntVar(&tentID, "tent", 0, "Tent id to reserve")
	_ = cmd.MarkFlagRequired("tent")
	return cmd
}

func openSession(ctx context.Context, agentConfig config.AgentConfig, logger *zap.Logger) (*session, error) {
	client, err := gatewayclient.New(gatewayclient.Config{
		BaseURL: agentConfig.GatewayURL,
		Timeout: agentConfig.RequestTimeout,
		Logger:  logger.Named("client"),
	})
	if err != nil {
		return nil, err
	}

	cacheDB, err := database.OpenLocalCache(agentConfig.CachePath, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := cacheDB.DB()
	if err != nil {
		return nil, err
	}
	cache, err := localcache.New(localcache.Config{Database: cacheDB})
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	engine, err := syncer.New(syncer.Config{
		Gateway:      client,
		Cache:        cache,
		StateKey:     agentConfig.StateKey,
		RevKey:       agentConfig.RevKey,
		PollInterval: agentConfig.PollInterval,
		GridSize:     agentConfig.GridSize,
		FetchOnBoot:  agentConfig.FetchOnBoot,
		Logger:       logger.Named("syncer"),
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	if err := engine.Boot(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return &session{client: client, engine: engine, close: func() { _ = sqlDB.Close() }}, nil
}

func loadAgent() (config.AgentConfig, *zap.Logger, error) {
	agentConfig, err := config.LoadAgent(viper.GetViper())
	if err != nil {
		return config.AgentConfig{}, nil, err
	}
	logger, err := logging.NewLogger(agentConfig.LogLevel)
	if err != nil {
		return config.AgentConfig{}, nil, err
	}
	return agentConfig, logger, nil
}

func runAgent(ctx context.Context) error {
	agentConfig, logger, err := loadAgent()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	current, err := openSession(signalCtx, agentConfig, logger)
	if err != nil {
		return err
	}
	defer current.close()

	sweeper, err := reservations.NewSweeper(reservations.SweeperConfig{
		Engine:   current.engine,
		Interval: agentConfig.SweepInterval,
		Logger:   logger.Named("sweeper"),
	})
	if err != nil {
		return err
	}

	logger.Info("agent starting",
		zap.String("gateway", agentConfig.GatewayURL),
		zap.String("phase", string(current.engine.Phase())),
		zap.Int64("rev", current.engine.Revision()))

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(signalCtx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
				stop()
			}
		}()
	}
	run("syncer", current.engine.Run)
	run("sweeper", sweeper.Run)
	if agentConfig.Watch {
		run("watch", func(ctx context.Context) error {
			watchRevisions(ctx, current.client, current.engine, agentConfig.RevKey, logger)
			return nil
		})
	}

	changes, cleanup := current.engine.Subscribe(signalCtx)
	defer cleanup()
	go func() {
		for {
			select {
			case <-signalCtx.Done():
				return
			case change := <-changes:
				logger.Debug("state change observed",
					zap.String("origin", string(change.Origin)),
					zap.Int64("rev", change.Rev),
					zap.Strings("keys", change.Keys))
			}
		}
	}()

	wg.Wait()
	close(errCh)
	logger.Info("agent stopped")
	return <-errCh
}

// watchRevisions follows the push stream and pokes the engine on every announced revision,
// reconnecting until ctx ends. Polling keeps working while the stream is down.
func watchRevisions(ctx context.Context, client *gatewayclient.Client, engine *syncer.Engine, revKey string, logger *zap.Logger) {
	for {
		err := client.WatchRevisions(ctx, revKey, func(rev int64) {
			if rev != engine.RemoteRevision() {
				engine.Poke()
			}
		})
		if ctx.Err() != nil {
			return
		}
		logger.Debug("revision stream interrupted", zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(watchRetryDelay):
		}
	}
}

func runReserve(ctx context.Context, tentID int) error {
	agentConfig, logger, err := loadAgent()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	current, err := openSession(ctx, agentConfig, logger)
	if err != nil {
		return err
	}
	defer current.close()

	operations, err := venue.New(venue.Config{
		Engine:        current.engine,
		Authenticator: current.client,
		DefaultPIN:    agentConfig.DefaultAdminPIN,
		Hold:          agentConfig.Hold,
		Logger:        logger.Named("venue"),
	})
	if err != nil {
		return err
	}
	// The cache may be stale; adopt the gateway's current document before checking availability.
	current.engine.Poll(ctx)
	reservation, err := operations.Reserve(ctx, tentID)
	if errors.Is(err, venue.ErrTentUnavailable) {
		return fmt.Errorf("tent %d cannot be reserved right now", tentID)
	}
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(reservation)
}
