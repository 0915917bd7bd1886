package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/bryan-buckman/infovore-sync/internal/config"
	"github.com/bryan-buckman/infovore-sync/internal/daemon"
	"github.com/bryan-buckman/infovore-sync/internal/logging"
	"github.com/bryan-buckman/infovore-sync/internal/opml"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	configPath string

	cfg       config.Config
	v         *viper.Viper
	logger    *logrus.Logger
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "infovore-sync",
	Short: "Feed reader daemon that keeps read state and tags in sync with Inoreader",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, v, err = config.Load(configPath)
		if err != nil {
			return err
		}
		logger, logCloser, err = logging.Setup(cfg.Log)
		return err
	},
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync daemon and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		watchConfig()

		d, err := daemon.New(cfg, logger)
		if err != nil {
			return err
		}
		return d.Run(cmd.Context())
	},
}

var syncSubscriptionsCmd = &cobra.Command{
	Use:   "sync-subscriptions",
	Short: "Make the local feed list match the Inoreader subscription list once",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := daemon.New(cfg, logger)
		if err != nil {
			return err
		}
		defer d.Close()

		report, err := d.SyncSubscriptions(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "added %d, removed %d, failed %d\n", len(report.Added), len(report.Removed), report.Failed)
		return nil
	},
}

var importOPMLCmd = &cobra.Command{
	Use:   "import-opml <file>",
	Short: "Add the feeds listed in an OPML file and subscribe to them remotely",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		d, err := daemon.New(cfg, logger)
		if err != nil {
			return err
		}
		defer d.Close()

		res, err := d.ImportOPML(cmd.Context(), f)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %d of %d feeds\n", res.Imported, res.Total)
		return nil
	},
}

var exportOPMLCmd = &cobra.Command{
	Use:   "export-opml [file]",
	Short: "Write the local feed list as OPML to a file or stdout",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := daemon.OpenStore(cfg.Database)
		if err != nil {
			return err
		}
		defer store.Close()

		w := cmd.OutOrStdout()
		if len(args) == 1 {
			f, err := os.Create(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}
		return opml.ExportStore(store, "Infovore Feeds", w)
	},
}

// watchConfig applies log level changes from the config file while running.
func watchConfig() {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		next, err := config.Decode(v)
		if err != nil {
			logger.WithError(err).Warn("ignoring invalid config change")
			return
		}
		if err := logging.SetLevel(logger, next.Log.Level); err != nil {
			logger.WithError(err).Warn("ignoring log level change")
			return
		}
		logger.WithFields(logrus.Fields{"file": e.Name, "level": next.Log.Level}).Info("config reloaded")
	})
	v.WatchConfig()
}

// execute runs the command line in args and releases the log file however
// the command ends.
func execute(ctx context.Context, args []string) error {
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(ctx)
	if logCloser != nil {
		logCloser.Close()
		logCloser = nil
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./infovore-sync.yaml)")
	rootCmd.AddCommand(serveCmd, syncSubscriptionsCmd, importOPMLCmd, exportOPMLCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := execute(ctx, os.Args[1:])
	stop()
	if err != nil {
		os.Exit(1)
	}
}
