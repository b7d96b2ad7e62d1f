package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/possync/internal/config"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "possync-server",
		Short:        "Point-of-sale document sync server",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newResetCommand(), newRekeyCommand(), newVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("server-name", defaults.GetString("server.name"), "Name advertised to devices")
	cmd.PersistentFlags().String("data-dir", defaults.GetString("data.dir"), "Directory holding the document file")
	cmd.PersistentFlags().String("data-file", defaults.GetString("data.file"), "Document file name")
	cmd.PersistentFlags().String("backup-dir", defaults.GetString("data.backup_dir"), "Directory receiving a copy of every save")
	cmd.PersistentFlags().Bool("watch", defaults.GetBool("data.watch"), "Watch the data file for external writes")
	cmd.PersistentFlags().String("encryption-key", "", "Passphrase for an encrypted document file (overrides env)")
	cmd.PersistentFlags().String("journal-path", defaults.GetString("journal.path"), "SQLite path for the mutation journal")
	cmd.PersistentFlags().String("cloud-url", defaults.GetString("cloud.url"), "Upstream server receiving relayed documents")
	cmd.PersistentFlags().Duration("cloud-debounce", defaults.GetDuration("cloud.debounce"), "Quiet period before relaying a change")
	cmd.PersistentFlags().Int("scan-port", defaults.GetInt("discovery.scan_port"), "Port checked when scanning for peers")
	cmd.PersistentFlags().Duration("dial-timeout", defaults.GetDuration("discovery.dial_timeout"), "Per-host dial timeout")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-file", defaults.GetString("log.file"), "Rotated log file path")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "server.name", "server-name")
	bindFlag(cmd, "data.dir", "data-dir")
	bindFlag(cmd, "data.file", "data-file")
	bindFlag(cmd, "data.backup_dir", "backup-dir")
	bindFlag(cmd, "data.watch", "watch")
	bindFlag(cmd, "encryption.key", "encryption-key")
	bindFlag(cmd, "journal.path", "journal-path")
	bindFlag(cmd, "cloud.url", "cloud-url")
	bindFlag(cmd, "cloud.debounce", "cloud-debounce")
	bindFlag(cmd, "discovery.scan_port", "scan-port")
	bindFlag(cmd, "discovery.dial_timeout", "dial-timeout")
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
