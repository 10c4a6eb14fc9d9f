package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"donorbase/internal/blob"
	"donorbase/internal/config"
	"donorbase/internal/notify"
	"donorbase/internal/observability"
	"donorbase/internal/registry"
	"donorbase/internal/service"
)

// app holds the streams and the lazily built dependencies shared by the commands.
type app struct {
	in         io.Reader
	out        io.Writer
	errOut     io.Writer
	configPath string
	v          *viper.Viper
	cfg        config.Config
	logger     observability.Logger
	metrics    *observability.Metrics
	svc        *service.Service
	closers    []func() error
}

func newApp(in io.Reader, out, errOut io.Writer) *app {
	return &app{in: in, out: out, errOut: errOut, v: config.New(), logger: observability.NoopLogger{}}
}

// flagBindings maps persistent flags to configuration keys.
var flagBindings = map[string]string{
	"log-level":        "log.level",
	"log-format":       "log.format",
	"layout":           "layout",
	"blob-driver":      "blob.driver",
	"blob-root":        "blob.fs_root",
	"registry":         "registry.driver",
	"sqlite-path":      "registry.sqlite_path",
	"metrics-textfile": "metrics.textfile",
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "donorbase",
		Short: "Unify donor unit files and find compatible bone marrow donors",
		Long: `Unify donor unit files and find compatible bone marrow donors.

"donorbase unify" merges name sorted collection unit files into a single
database sorted by name, keeping the first record seen for every donor id.
"donorbase match" lists the donors of a database sharing a minimum number of
genes with a patient.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "settings file (yaml, json or toml)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (console or json)")
	flags.String("layout", "", "database layout (uniform or legacy)")
	flags.String("blob-driver", "", "blob storage driver (fs, s3 or memory)")
	flags.String("blob-root", "", "root directory of the fs blob driver")
	flags.String("registry", "", "run registry driver (sqlite, postgres, memory or none)")
	flags.String("sqlite-path", "", "sqlite registry file")
	flags.String("metrics-textfile", "", "write prometheus metrics to this file on exit")
	for flag, key := range flagBindings {
		_ = a.v.BindPFlag(key, flags.Lookup(flag))
	}

	root.AddCommand(a.unifyCmd(), a.matchCmd(), a.runsCmd(), a.blobsCmd(), a.menuCmd())
	return root
}

// setup loads the configuration and wires the service. It is idempotent.
func (a *app) setup(ctx context.Context) error {
	if a.svc != nil {
		return nil
	}
	cfg, err := config.Read(a.v, a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	logger, err := observability.NewLogger(a.errOut, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	a.logger = logger
	a.metrics = observability.NewMetrics()

	blobs, err := blob.Open(ctx, cfg.Blob)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	opts := []service.Option{
		service.WithLogger(logger),
		service.WithMetrics(a.metrics),
		service.WithLayout(cfg.RecordLayout()),
	}
	runs, err := registry.Open(cfg.Registry)
	if err != nil {
		return fmt.Errorf("open run registry: %w", err)
	}
	if runs != nil {
		a.closers = append(a.closers, runs.Close)
		opts = append(opts, service.WithRegistry(runs))
	}
	if cfg.Notify.AMQPURL != "" {
		pub, err := notify.NewAMQP(cfg.Notify.AMQPURL, cfg.Notify.Exchange, cfg.Notify.RoutingKey)
		if err != nil {
			return fmt.Errorf("connect notifier: %w", err)
		}
		a.closers = append(a.closers, pub.Close)
		opts = append(opts, service.WithPublisher(pub))
	}
	a.svc = service.New(blobs, opts...)
	logger.Debug("service ready", "blob_driver", blobs.Driver(), "registry", cfg.Registry.Driver, "layout", cfg.Layout)
	return nil
}

// close writes the metrics textfile and releases backends in reverse order.
func (a *app) close() error {
	var errs []error
	if a.metrics != nil && a.cfg.Metrics.Textfile != "" {
		if err := a.metrics.WriteTextfile(a.cfg.Metrics.Textfile); err != nil {
			errs = append(errs, fmt.Errorf("write metrics: %w", err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
