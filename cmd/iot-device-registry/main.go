package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/diwise/iot-device-registry/internal/pkg/application/events"
	"github.com/diwise/iot-device-registry/internal/pkg/application/registry"
	"github.com/diwise/iot-device-registry/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-device-registry/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/iot-device-registry/internal/pkg/infrastructure/router"
	"github.com/diwise/iot-device-registry/internal/pkg/infrastructure/tracing"
	"github.com/diwise/iot-device-registry/internal/pkg/presentation/api"
	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

const serviceName string = "iot-device-registry"

type flagType int
type flagMap map[flagType]string

const (
	listenAddress flagType = iota
	servicePort
	logLevel

	sqlitePath
	devicesFile
	notificationsFile

	rabbitMQHost
	strictUpdates
	addressOrdering
)

func defaultFlags() flagMap {
	return flagMap{
		listenAddress: "0.0.0.0",
		servicePort:   "8080",
		logLevel:      "info",

		sqlitePath:        "",
		devicesFile:       "/opt/diwise/config/devices.csv",
		notificationsFile: "/opt/diwise/config/notifications.yaml",

		rabbitMQHost:    "",
		strictUpdates:   "false",
		addressOrdering: string(registry.Lexicographic),
	}
}

func main() {
	serviceVersion := version()

	ctx, logger := logging.NewLogger(context.Background(), serviceName, serviceVersion, os.Getenv("LOG_LEVEL"))
	logger.Info().Msg("starting up ...")

	flags := parseExternalConfig(logger, defaultFlags())

	cleanup, err := tracing.Init(ctx, logger, serviceName, serviceVersion)
	exitIf(err, logger, "failed to init tracing")
	defer cleanup()

	repo, err := database.NewDeviceRepository(database.NewConnector(logger, flags[sqlitePath]))
	exitIf(err, logger, "could not create or connect to database")
	defer repo.Close()

	err = seedDevices(ctx, repo, flags[devicesFile])
	exitIf(err, logger, "failed to seed devices")

	opts := registryOptions(logger, flags)

	if flags[rabbitMQHost] != "" {
		messenger, err := messaging.Initialize(messaging.LoadConfiguration(serviceName, logger))
		exitIf(err, logger, "failed to init messenger")
		defer messenger.Close()

		opts = append(opts, registry.WithPublisher(messenger))
	} else {
		logger.Info().Msg("no rabbitmq host configured, device changes will not be published")
	}

	sender, err := newEventSender(logger, flags[notificationsFile])
	exitIf(err, logger, "failed to create event sender")
	opts = append(opts, registry.WithEventSender(sender))

	r := createRouter(logger, registry.New(repo, opts...))

	err = runServer(ctx, logger, flags[listenAddress]+":"+flags[servicePort], r)
	exitIf(err, logger, "web server failed")

	logger.Info().Msg("shut down complete")
}

func createRouter(logger zerolog.Logger, svc registry.DeviceRegistry) *chi.Mux {
	return api.RegisterHandlers(logger, router.New(serviceName), svc)
}

func registryOptions(logger zerolog.Logger, flags flagMap) []registry.Option {
	opts := []registry.Option{}

	strict, err := strconv.ParseBool(flags[strictUpdates])
	if err != nil {
		logger.Warn().Msgf("ignoring invalid STRICT_UPDATES value %q", flags[strictUpdates])
	}
	opts = append(opts, registry.WithStrictUpdates(strict))

	switch registry.AddressOrdering(strings.ToLower(flags[addressOrdering])) {
	case registry.Numeric:
		opts = append(opts, registry.WithAddressOrdering(registry.Numeric))
	case registry.Lexicographic:
		opts = append(opts, registry.WithAddressOrdering(registry.Lexicographic))
	default:
		logger.Warn().Msgf("unknown address ordering %q, using %s", flags[addressOrdering], registry.Lexicographic)
		opts = append(opts, registry.WithAddressOrdering(registry.Lexicographic))
	}

	return opts
}

func seedDevices(ctx context.Context, repo database.DeviceRepository, path string) error {
	logger := logging.GetFromContext(ctx)

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info().Msgf("no devices file found at %s, skipping seed", path)
			return nil
		}
		return err
	}
	defer f.Close()

	return repo.Seed(ctx, f)
}

func newEventSender(logger zerolog.Logger, path string) (events.EventSender, error) {
	var cfg *events.Config

	f, err := os.Open(path)
	if err == nil {
		defer f.Close()

		cfg, err = events.LoadConfiguration(f)
		if err != nil {
			return nil, fmt.Errorf("failed to load notifications from %s: %w", path, err)
		}
	} else if errors.Is(err, os.ErrNotExist) {
		logger.Info().Msgf("no notifications file found at %s, events will not be sent", path)
	} else {
		return nil, err
	}

	return events.New(cfg)
}

func runServer(ctx context.Context, logger zerolog.Logger, addr string, handler http.Handler) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errs := make(chan error, 1)

	go func() {
		logger.Info().Msgf("listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
		close(errs)
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		logger.Info().Msg("shutting down ...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

func parseExternalConfig(logger zerolog.Logger, flags flagMap) flagMap {
	// Allow environment variables to override certain defaults
	envOrDef := func(key, def string) string {
		return env.GetVariableOrDefault(logger, key, def)
	}

	flags[listenAddress] = envOrDef("LISTEN_ADDRESS", flags[listenAddress])
	flags[servicePort] = envOrDef("SERVICE_PORT", flags[servicePort])

	flags[sqlitePath] = envOrDef("SQLITE_PATH", flags[sqlitePath])
	flags[devicesFile] = envOrDef("DEVICES_FILE", flags[devicesFile])
	flags[notificationsFile] = envOrDef("NOTIFICATIONS_FILE", flags[notificationsFile])

	flags[rabbitMQHost] = envOrDef("RABBITMQ_HOST", flags[rabbitMQHost])
	flags[strictUpdates] = envOrDef("STRICT_UPDATES", flags[strictUpdates])
	flags[addressOrdering] = envOrDef("NEXT_ADDRESS_ORDERING", flags[addressOrdering])

	apply := func(f flagType) func(string) error {
		return func(value string) error {
			flags[f] = value
			return nil
		}
	}

	// Allow command line arguments to override defaults and environment variables
	flag.Func("devices", "csv file with devices to seed the registry with", apply(devicesFile))
	flag.Func("notifications", "yaml file with cloud event subscribers", apply(notificationsFile))
	flag.Func("db", "path to a sqlite database file", apply(sqlitePath))
	flag.Parse()

	return flags
}

func exitIf(err error, logger zerolog.Logger, msg string) {
	if err != nil {
		logger.Fatal().Err(err).Msg(msg)
	}
}

func version() string {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}

	buildSettings := buildInfo.Settings
	infoMap := map[string]string{}
	for _, s := range buildSettings {
		infoMap[s.Key] = s.Value
	}

	sha := infoMap["vcs.revision"]
	if infoMap["vcs.modified"] == "true" {
		sha += "+"
	}

	return sha
}
