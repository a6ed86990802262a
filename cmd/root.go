package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"firebase.google.com/go/v4/db"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"peerdrop/internal/app"
	"peerdrop/internal/config"
	"peerdrop/internal/discovery"
	"peerdrop/internal/identity"
	"peerdrop/internal/signalling"
	"peerdrop/internal/transport"
	"peerdrop/internal/ui"
	"peerdrop/internal/watch"
)

var (
	cfg     *config.Config
	cfgFile string
	v       = config.NewViper()
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "peerdrop",
	Short: "peerdrop - send files and directories between peers by ticket",
	Long: `peerdrop transfers files and directories directly between two machines.

The sender imports the content, prints a ticket and serves it until the
expected number of transfers completed or it is interrupted. The receiver
dials the sender using the ticket, verifies every byte against its hash and
writes the result to disk.

Usage:
  Send a file or directory: peerdrop send /path/to/content
  Receive:                  peerdrop receive <ticket>

Connections are end to end encrypted and authenticated by the sender's
node id. When direct addresses are unreachable a WebRTC relay using
Firebase for signalling can be enabled with PEERDROP_TRANSPORT_RELAY=true.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initConfig(); err != nil {
			return err
		}
		loaded, err := config.Load(v)
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		cfg = loaded
		return setupLogging(&cfg.Log)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.peerdrop.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// initConfig reads in config file and ENV variables
func initConfig() error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			logrus.WithError(err).Warn("Could not find home directory")
			return nil
		}
		v.AddConfigPath(home)
		v.SetConfigType("yaml")
		v.SetConfigName(".peerdrop")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		return nil
	}
	logrus.WithField("file", v.ConfigFileUsed()).Debug("Using config file")
	return nil
}

// setupLogging configures the global logrus logger
func setupLogging(c *config.LogConfig) error {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}
	logrus.SetLevel(level)
	logrus.SetOutput(os.Stderr)
	if c.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// createContext creates a context that cancels on interrupt signals. When
// onFirst is set, the first signal calls it instead and only the second one
// cancels the context.
func createContext(onFirst func()) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
		case <-ctx.Done():
			return
		}
		if onFirst != nil {
			logrus.Info("Received interrupt signal, finishing active transfers (interrupt again to abort)")
			onFirst()
			select {
			case <-sigChan:
			case <-ctx.Done():
				return
			}
		}
		logrus.Info("Received interrupt signal, shutting down")
		cancel()
	}()

	return ctx, cancel
}

// services are the shared dependencies of both flows
type services struct {
	identity  *identity.Identity
	relay     transport.Relay
	directory discovery.Directory
	closers   []func() error
}

func (s *services) Close() {
	for _, c := range s.closers {
		if err := c(); err != nil {
			logrus.WithError(err).Debug("Failed to close service")
		}
	}
}

// createServices creates and wires up all the application services
func createServices(ctx context.Context, announceSecret bool) (*services, error) {
	id, err := identity.LoadOrGenerate(cfg.Secret, announceSecret)
	if err != nil {
		return nil, err
	}
	s := &services{identity: id}

	var firebaseDB *db.Client
	if cfg.FirebaseEnabled() {
		if firebaseDB, err = signalling.NewDatabaseClient(ctx, &cfg.Firebase); err != nil {
			return nil, err
		}
	}

	if cfg.Transport.Relay {
		server := signalling.NewFirebaseClient(firebaseDB, cfg.Firebase.DatabaseURL, cfg.Signalling)
		sig := signalling.NewSignalingService(server, &signalling.WebRTCHandler{})
		s.relay = transport.NewWebRTCRelay(cfg.WebRTC, sig, cfg.Signalling.PollInterval)
	}

	switch cfg.Discovery.Backend {
	case config.DiscoveryRedis:
		client, err := discovery.NewRedisClient(ctx, cfg.Discovery.RedisAddr, cfg.Discovery.RedisPassword, cfg.Discovery.RedisDB)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, client.Close)
		s.directory = discovery.NewRedisDirectory(client)
	case config.DiscoveryFirebase:
		s.directory = discovery.NewFirebaseDirectory(firebaseDB)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "createServices",
		"node_id":   id.NodeID().Short(),
		"relay":     cfg.Transport.Relay,
		"discovery": cfg.Discovery.Backend,
	}).Debug("Services created")
	return s, nil
}

// startPresenter runs render against a fresh view cell. The returned stop
// function renders the final state and waits for the presenter to exit.
func startPresenter(render app.Publisher) (*watch.Value[app.ViewUpdate], func()) {
	view := watch.New[app.ViewUpdate](app.Idle{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ui.Observe(ctx, view, render)
	}()
	return view, func() {
		cancel()
		<-done
	}
}
