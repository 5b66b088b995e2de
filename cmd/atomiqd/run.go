package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rkmonarch/atomiq-mark-1/internal/config"
	"github.com/rkmonarch/atomiq-mark-1/internal/rpc"
	"github.com/rkmonarch/atomiq-mark-1/internal/swap"
	"github.com/rkmonarch/atomiq-mark-1/pkg/logging"
)

func newRunCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run the swap daemon with its JSON-RPC API",
		PreRunE: bindFlags(v),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), v)
		},
	}
	cmd.Flags().String("rpc-listen", "", "JSON-RPC listen address, overrides config")
	cmd.Flags().Bool("no-rpc", false, "Disable the JSON-RPC API")
	return cmd
}

func runDaemon(parent context.Context, v *viper.Viper) error {
	s, err := loadSession(v)
	if err != nil {
		return err
	}
	defer s.Close()
	log := s.log

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Infof("atomiqd %s starting", version)
	log.Info("Using data directory", "path", s.cfg.DataDir, "network", s.cfg.Network)

	a, err := newApp(ctx, v, s)
	if err != nil {
		return err
	}
	defer a.Close()

	// Pick up swaps left mid-flight by a previous run.
	resumed, err := a.swapper.Resume(ctx)
	if err != nil {
		log.Error("Failed to resume swaps", "error", err)
	} else if resumed > 0 {
		log.Info("Resumed swaps", "count", resumed)
	}

	sched, err := startMaintenance(ctx, a.swapper, s.cfg.Swap.SweepInterval, s.cfg.Swap.Retention, log.Component("maintenance"))
	if err != nil {
		return err
	}
	defer sched.Stop()

	var server *rpc.Server
	if s.cfg.RPC.Enabled && !v.GetBool("no-rpc") {
		listen := s.cfg.RPC.Listen
		if override := v.GetString("rpc-listen"); override != "" {
			listen = override
		}
		server = rpc.NewServer(a.swapper)
		if err := server.Start(listen); err != nil {
			return err
		}
	}

	printBanner(log, s, a, server)

	<-ctx.Done()
	log.Info("Shutting down...")

	if server != nil {
		if err := server.Stop(); err != nil {
			log.Warn("Failed to stop RPC server", "error", err)
		}
	}
	return nil
}

// startMaintenance schedules the periodic sweeps of a long-running daemon:
// refunding expired swaps and purging old completed ones.
func startMaintenance(ctx context.Context, swapper *swap.Swapper, sweepEvery, retention time.Duration, log *logging.Logger) (*gocron.Scheduler, error) {
	sched := gocron.NewScheduler(time.UTC)
	sched.SingletonModeAll()

	if sweepEvery > 0 {
		_, err := sched.Every(sweepEvery).WaitForSchedule().Do(func() {
			n, err := swapper.SweepExpired(ctx)
			if err != nil {
				log.Warn("Sweep failed", "error", err)
				return
			}
			if n > 0 {
				log.Info("Refunded expired swaps", "count", n)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("failed to schedule sweep: %w", err)
		}
	}

	if retention > 0 {
		_, err := sched.Every(1).Hour().Do(func() {
			n, err := swapper.PurgeCompleted(retention)
			if err != nil {
				log.Warn("Purge failed", "error", err)
				return
			}
			if n > 0 {
				log.Info("Purged completed swaps", "count", n, "retention", retention)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("failed to schedule purge: %w", err)
		}
	}

	sched.StartAsync()
	return sched, nil
}

func printBanner(log *logging.Logger, s *session, a *app, server *rpc.Server) {
	networkLabel := "mainnet"
	if s.cfg.Network == config.Testnet {
		networkLabel = "TESTNET"
	}

	log.Info("")
	log.Info("=================================================")
	log.Infof("  atomiq swap daemon (%s)", networkLabel)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Escrow:   %s (chain %s)", s.cfg.Escrow.Contract, a.escrow.ChainID())
	if a.wallet != nil {
		if addr, err := a.wallet.EVMAddress(s.cfg.Escrow.AccountIndex); err == nil {
			log.Infof("  Account:  %s", addr.Hex())
		}
	}
	log.Infof("  Bitcoin:  %s", s.cfg.BitcoinBackendURL())
	if s.cfg.Lightning.Host != "" {
		log.Infof("  lnd:      %s", s.cfg.Lightning.Host)
	}
	log.Info("")
	if server != nil {
		log.Infof("  API:      http://%s", server.Addr())
		log.Infof("  WS:       ws://%s/ws", server.Addr())
		log.Infof("  Metrics:  http://%s/metrics", server.Addr())
	} else {
		log.Info("  API:      disabled")
	}
	log.Infof("  Data dir: %s", s.cfg.DataDir)
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
