package main

import (
	"errors"
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/possync/internal/config"
	"github.com/MarcoPoloResearchLab/possync/internal/crypto"
	"github.com/MarcoPoloResearchLab/possync/internal/logging"
	"github.com/MarcoPoloResearchLab/possync/internal/protocol"
)

var errStoreLocked = errors.New("document file is encrypted; pass --encryption-key")

func newResetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Reinitialize every section of the document to its default",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, err := offlineConfig()
			if err != nil {
				return err
			}
			path, err := resetDocument(appConfig, afero.NewOsFs(), crypto.DefaultKDFParams(), logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", path)
			return nil
		},
	}
}

func newRekeyCommand() *cobra.Command {
	var newKey string
	cmd := &cobra.Command{
		Use:   "rekey",
		Short: "Re-encrypt the document file under a new passphrase",
		Long:  "Re-encrypt the document file under --new-key. An empty --new-key writes the file as plaintext. The current passphrase is read from --encryption-key.",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, err := offlineConfig()
			if err != nil {
				return err
			}
			path, err := rekeyDocument(appConfig, afero.NewOsFs(), crypto.DefaultKDFParams(), newKey, logger)
			if err != nil {
				return err
			}
			mode := "encrypted"
			if newKey == "" {
				mode = "plaintext"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rewrote %s (%s)\n", path, mode)
			return nil
		},
	}
	cmd.Flags().StringVar(&newKey, "new-key", "", "New passphrase; empty disables encryption")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the protocol version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), protocol.Version)
			return nil
		},
	}
}

func offlineConfig() (config.AppConfig, *zap.Logger, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	logger, err := logging.NewLoggerWithFile(appConfig.LogLevel, appConfig.LogFile)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	return appConfig, logger, nil
}

// resetDocument rewrites the data file with every section at its default.
func resetDocument(appConfig config.AppConfig, fs afero.Fs, params crypto.KDFParams, logger *zap.Logger) (string, error) {
	documentStore, err := openStore(appConfig, fs, params, nil, logger)
	if err != nil {
		return "", err
	}
	if documentStore.Locked() {
		return "", errStoreLocked
	}
	if err := documentStore.Reset(); err != nil {
		return "", err
	}
	if err := documentStore.Save(); err != nil {
		return "", err
	}
	return documentStore.Path(), nil
}

// rekeyDocument re-persists the data file under newKey. The file must open
// with the configured encryption key, or be plaintext.
func rekeyDocument(appConfig config.AppConfig, fs afero.Fs, params crypto.KDFParams, newKey string, logger *zap.Logger) (string, error) {
	documentStore, err := openStore(appConfig, fs, params, nil, logger)
	if err != nil {
		return "", err
	}
	if err := documentStore.ChangeKey(appConfig.EncryptionKey, newKey); err != nil {
		return "", err
	}
	return documentStore.Path(), nil
}
