package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/quinneden/virby-nix-darwin/internal/activation"
	"github.com/quinneden/virby-nix-darwin/internal/config"
	"github.com/quinneden/virby-nix-darwin/internal/errs"
	"github.com/quinneden/virby-nix-darwin/internal/proxy"
	"github.com/quinneden/virby-nix-darwin/internal/shutdown"
	"github.com/quinneden/virby-nix-darwin/internal/supervisor"
)

var (
	cfgFile string
	verbose bool

	cfg *config.Config

	// coordinator is captured by run so main can inspect which signal (if
	// any) triggered shutdown, to pick the process exit code.
	coordinator *shutdown.Coordinator
)

var rootCmd = &cobra.Command{
	Use:   "virby",
	Short: "On-demand supervisor for the Virby Linux builder VM",
	Long: `virby supervises a single vfkit-driven Linux builder VM: it accepts
connections on an activation-inherited socket, starts or resumes the VM on
demand, proxies the connection to the guest's sshd, and pauses or stops
the VM again after it sits idle past its configured TTL.`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == versionCmd.Name() {
			return nil
		}

		if verbose {
			logrus.SetLevel(logrus.DebugLevel)
		}
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

		var err error
		cfg, err = loadConfig()
		if err != nil {
			return err
		}
		if cfg.Debug {
			logrus.SetLevel(logrus.DebugLevel)
		}

		return nil
	},
	RunE: run,
}

func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func ExecuteWithContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"path to the JSON config file (default: $VIRBY_VM_CONFIG_FILE)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"verbose (debug-level) logging")
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = os.Getenv(config.EnvConfigFile)
	}
	if path == "" {
		return nil, errs.NewConfigurationError("path",
			fmt.Errorf("%s is not set and --config was not given", config.EnvConfigFile))
	}
	return config.Load(path)
}

// run is the supervisor's main loop: it cleans up any orphaned vfkit
// process from a previous run, acquires the activation socket, wires the
// proxy and shutdown coordinator together, and serves until shutdown is
// requested.
func run(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	workDir := config.WorkingDirectory()

	debugStartupEnvironment()

	if err := supervisor.CleanupOrphan(workDir); err != nil {
		logrus.WithError(err).Warn("run: error during orphan cleanup")
	}

	sv, err := supervisor.New(cfg, workDir)
	if err != nil {
		return err
	}
	// Guaranteed cleanup path (spec §4.8): a final Stop always runs here
	// regardless of how run exits, not only on a delivered signal. Stop is
	// a no-op when no child is owned, so this is safe alongside the
	// signal-triggered Stop in the shutdown callback below.
	defer func() {
		if err := sv.Stop(time.Duration(cfg.StopTimeout) * time.Second); err != nil {
			logrus.WithError(err).Warn("run: error stopping vm during cleanup")
		}
	}()

	listener, err := activation.New().Get(cfg.Port)
	if err != nil {
		return err
	}

	coordinator = shutdown.New()
	coordinator.Arm()
	defer coordinator.Cleanup()

	coordinator.OnShutdown(func() {
		sv.RequestShutdown()
		listener.Close()
		if err := sv.Stop(time.Duration(cfg.StopTimeout) * time.Second); err != nil {
			logrus.WithError(err).Warn("run: error stopping vm during shutdown")
		}
	})

	p := proxy.New(listener, sv, cfg.OnDemand, cfg.TTLSeconds)

	logrus.WithFields(logrus.Fields{
		"port":      cfg.Port,
		"on_demand": cfg.OnDemand,
	}).Info("run: serving connections")

	if err := p.Serve(ctx); err != nil {
		return err
	}

	<-coordinator.Done()
	return nil
}

func debugStartupEnvironment() {
	if !logrus.IsLevelEnabled(logrus.DebugLevel) {
		return
	}

	for _, v := range []string{
		config.EnvConfigFile,
		config.EnvWorkingDirectory,
		"LISTEN_FDS",
		"LISTEN_PID",
		"LAUNCH_DAEMON_SOCKET_NAME",
	} {
		logrus.WithField(v, os.Getenv(v)).Debug("run: startup environment")
	}
}
