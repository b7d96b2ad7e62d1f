package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/possync/internal/client"
	"github.com/MarcoPoloResearchLab/possync/internal/client/storage/boltdb"
	"github.com/MarcoPoloResearchLab/possync/internal/config"
	"github.com/MarcoPoloResearchLab/possync/internal/discovery"
	"github.com/MarcoPoloResearchLab/possync/internal/logging"
	"github.com/MarcoPoloResearchLab/possync/internal/supervisor"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "possync-client",
		Short:        "Headless device that keeps a local document in sync with a server",
		SilenceUsage: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("server-url", defaults.GetString("client.server_url"), "Server base URL; empty discovers one")
	cmd.PersistentFlags().String("local-server-url", defaults.GetString("client.local_server_url"), "Server asked for the peer list")
	cmd.PersistentFlags().String("db-path", defaults.GetString("client.db_path"), "Local bbolt database path")
	cmd.PersistentFlags().String("device-name", defaults.GetString("client.device_name"), "Name used in logs")
	cmd.PersistentFlags().Duration("push-interval", defaults.GetDuration("client.push_interval"), "Interval between pushes of local edits")
	cmd.PersistentFlags().Duration("resync-interval", defaults.GetDuration("client.resync_interval"), "Interval between full document pushes")
	cmd.PersistentFlags().Duration("health-interval", defaults.GetDuration("client.health_interval"), "Interval between server health checks")
	cmd.PersistentFlags().String("encryption-key", "", "Passphrase sent to a locked server (overrides env)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-file", defaults.GetString("log.file"), "Rotated log file path")

	bindFlag(cmd, "client.server_url", "server-url")
	bindFlag(cmd, "client.local_server_url", "local-server-url")
	bindFlag(cmd, "client.db_path", "db-path")
	bindFlag(cmd, "client.device_name", "device-name")
	bindFlag(cmd, "client.push_interval", "push-interval")
	bindFlag(cmd, "client.resync_interval", "resync-interval")
	bindFlag(cmd, "client.health_interval", "health-interval")
	bindFlag(cmd, "client.encryption_key", "encryption-key")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runClient(ctx context.Context) error {
	clientConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLoggerWithFile(clientConfig.LogLevel, clientConfig.LogFile)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	logger = logger.With(zap.String("device", clientConfig.DeviceName))

	localStore, err := boltdb.New(clientConfig.DBPath)
	if err != nil {
		return err
	}
	defer localStore.Close()

	syncClient, err := client.New(client.Config{
		ServerURL:      clientConfig.ServerURL,
		Store:          localStore,
		Keys:           &passphrase{key: clientConfig.EncryptionKey},
		PushInterval:   clientConfig.PushInterval,
		ResyncInterval: clientConfig.ResyncInterval,
		Logger:         logger.Named("client"),
	})
	if err != nil {
		return err
	}
	syncClient.Subscribe(logEvent(logger.Named("events")))

	finder, err := discovery.New(discovery.Config{
		Target:         syncClient,
		LocalServerURL: clientConfig.LocalServerURL,
		Interval:       clientConfig.HealthInterval,
		Logger:         logger.Named("discovery"),
	})
	if err != nil {
		return err
	}

	tree := supervisor.NewTree(logger, supervisor.DefaultTreeConfig())
	tree.AddAPIService(syncClient)
	tree.AddAPIService(finder)

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("client starting", zap.String("server_url", syncClient.ServerURL()), zap.String("db_path", clientConfig.DBPath))
	err = tree.Serve(signalCtx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("client stopped")
	return nil
}

// passphrase keeps the server passphrase for the life of the process.
type passphrase struct {
	mu  sync.Mutex
	key string
}

func (p *passphrase) Key() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.key, p.key != ""
}

func (p *passphrase) Remember(key string) {
	p.mu.Lock()
	p.key = key
	p.mu.Unlock()
}

func logEvent(logger *zap.Logger) func(client.Event) {
	return func(event client.Event) {
		fields := []zap.Field{zap.String("event", string(event.Type))}
		if event.Message != "" {
			fields = append(fields, zap.String("message", event.Message))
		}
		if event.Info != nil {
			fields = append(fields,
				zap.String("server", event.Info.Name),
				zap.String("ip", event.Info.IP),
				zap.Bool("locked", event.Info.IsLocked))
		}
		switch event.Type {
		case client.EventLocked, client.EventUnlockFailed:
			logger.Warn("server requires a passphrase", fields...)
		default:
			logger.Debug("client event", fields...)
		}
	}
}
