package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/possync/internal/config"
	"github.com/MarcoPoloResearchLab/possync/internal/crypto"
	"github.com/MarcoPoloResearchLab/possync/internal/database"
	"github.com/MarcoPoloResearchLab/possync/internal/journal"
	"github.com/MarcoPoloResearchLab/possync/internal/logging"
	"github.com/MarcoPoloResearchLab/possync/internal/protocol"
	"github.com/MarcoPoloResearchLab/possync/internal/relay"
	"github.com/MarcoPoloResearchLab/possync/internal/server"
	"github.com/MarcoPoloResearchLab/possync/internal/store"
	"github.com/MarcoPoloResearchLab/possync/internal/supervisor"
)

const shutdownTimeout = 10 * time.Second

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLoggerWithFile(appConfig.LogLevel, appConfig.LogFile)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	fs := afero.NewOsFs()
	var backup *store.Backup
	var backupSink store.BackupSink
	if appConfig.BackupDir != "" {
		backup = store.NewBackup(fs, appConfig.BackupDir, appConfig.DataFile, logger.Named("backup"))
		backupSink = backup
	}

	documentStore, err := openStore(appConfig, fs, crypto.DefaultKDFParams(), backupSink, logger)
	if err != nil {
		return err
	}

	port, err := listenPort(appConfig.HTTPAddress)
	if err != nil {
		return err
	}
	identity := server.Identity{
		Name:     appConfig.ServerName,
		Port:     port,
		Version:  protocol.Version,
		LocalIPs: server.LocalIPv4s,
	}

	tree := supervisor.NewTree(logger, supervisor.DefaultTreeConfig())
	persister := store.NewPersister(documentStore, logger.Named("persister"))
	tree.AddStorageService(persister)
	if backup != nil {
		tree.AddStorageService(backup)
	}
	if appConfig.Watch {
		tree.AddStorageService(store.NewWatcher(documentStore, persister.Request, logger.Named("watcher")))
	}

	dispatcherConfig := server.DispatcherConfig{
		Store:     documentStore,
		Persister: persister,
		Hub:       server.NewDeviceHub(logger.Named("hub")),
		Info:      identity.ServerInfo,
		Logger:    logger.Named("dispatcher"),
	}
	handlerDeps := server.Dependencies{
		Store:    documentStore,
		Scanner:  server.NewLANScanner(server.ScannerConfig{Port: appConfig.ScanPort, DialTimeout: appConfig.DialTimeout, Logger: logger.Named("scanner")}),
		Identity: identity,
		Metrics:  promhttp.Handler(),
		Logger:   logger,
	}

	if appConfig.JournalPath != "" {
		db, err := database.OpenSQLite(appConfig.JournalPath, logger)
		if err != nil {
			return err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		defer sqlDB.Close()

		journalService, err := journal.NewService(journal.ServiceConfig{
			Database:   db,
			Clock:      time.Now,
			IDProvider: journal.NewUUIDProvider(),
			Logger:     logger.Named("journal"),
		})
		if err != nil {
			return err
		}
		recorder := journal.NewRecorder(journalService, logger.Named("journal"))
		tree.AddStorageService(recorder)
		dispatcherConfig.Journal = recorder
		handlerDeps.Journal = journalService
	}

	if appConfig.CloudURL != "" {
		cloudRelay, err := relay.New(relay.Config{
			URL:      appConfig.CloudURL,
			Debounce: appConfig.CloudDebounce,
			Source:   documentStore,
			Logger:   logger.Named("relay"),
		})
		if err != nil {
			return err
		}
		tree.AddAPIService(cloudRelay)
		dispatcherConfig.Notifier = cloudRelay
	}

	dispatcher, err := server.NewDispatcher(dispatcherConfig)
	if err != nil {
		return err
	}
	handlerDeps.Dispatcher = dispatcher

	handler, err := server.NewHTTPHandler(handlerDeps)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	tree.AddAPIService(supervisor.NewHTTPServerService(httpServer, shutdownTimeout, dispatcherConfig.Hub.CloseAll))

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("server starting",
		zap.String("address", appConfig.HTTPAddress),
		zap.String("name", appConfig.ServerName),
		zap.String("data_path", documentStore.Path()),
		zap.Bool("locked", documentStore.Locked()))

	err = tree.Serve(signalCtx)
	if unstopped, reportErr := tree.UnstoppedServiceReport(); reportErr == nil {
		for _, svc := range unstopped {
			logger.Warn("service failed to stop", zap.String("service", svc.Name))
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("server stopped")
	return nil
}

// openStore builds the document store and loads the data file. An encrypted
// file without a matching key leaves the store locked; devices unlock it over
// the socket.
func openStore(appConfig config.AppConfig, fs afero.Fs, params crypto.KDFParams, backup store.BackupSink, logger *zap.Logger) (*store.Store, error) {
	if err := fs.MkdirAll(appConfig.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", appConfig.DataDir, err)
	}

	gate := crypto.NewGate(params)
	if appConfig.EncryptionKey != "" {
		gate.SetKey(appConfig.EncryptionKey)
	}
	documentStore, err := store.New(store.Config{
		Fs:        fs,
		Path:      appConfig.DataPath(),
		BackupDir: appConfig.BackupDir,
		Gate:      gate,
		Backup:    backup,
		Logger:    logger.Named("store"),
	})
	if err != nil {
		return nil, err
	}

	outcome, err := documentStore.Load()
	switch {
	case errors.Is(err, crypto.ErrWrongKey), errors.Is(err, crypto.ErrMalformedCiphertext):
		logger.Warn("document file could not be opened, starting locked",
			zap.String("path", documentStore.Path()),
			zap.Error(err))
		return documentStore, nil
	case err != nil:
		return nil, err
	}
	logger.Info("document loaded", zap.String("path", documentStore.Path()), zap.String("outcome", outcome.String()))
	return documentStore, nil
}

func listenPort(address string) (int, error) {
	_, portText, err := net.SplitHostPort(address)
	if err != nil {
		return 0, fmt.Errorf("parse http address %q: %w", address, err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return 0, fmt.Errorf("parse http port %q: %w", portText, err)
	}
	return port, nil
}
