// Command kafkacli inspects a kafka cluster, produces messages read from the
// standard input and prints consumed messages.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	kafka "github.com/optiopay/kafka-client"
)

type options struct {
	configPath  string
	bootstrap   []string
	clientID    string
	logLevel    string
	metricsAddr string
}

// app is shared by all commands. It is created from the global flags before
// any command runs.
type app struct {
	opts   options
	conf   *kafka.Config
	logger kafka.Logger
	client *kafka.Client
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "kafkacli",
		Short:         "Command line client for kafka clusters",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.client == nil {
				return nil
			}
			return a.client.Close()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.opts.configPath, "config", "c", "", "YAML configuration file")
	flags.StringSliceVarP(&a.opts.bootstrap, "bootstrap", "b", nil, "bootstrap broker addresses, overriding the configuration")
	flags.StringVar(&a.opts.clientID, "client-id", "", "client id sent with every request")
	flags.StringVar(&a.opts.logLevel, "log-level", "warn", "log level (trace, debug, info, warn, error)")
	flags.StringVar(&a.opts.metricsAddr, "metrics-addr", "", "serve prometheus metrics on given address")

	root.AddCommand(
		newMetadataCmd(a),
		newProduceCmd(a),
		newConsumeCmd(a),
	)
	return root
}

func (a *app) setup() error {
	conf := kafka.NewConfig()
	if a.opts.configPath != "" {
		var err error
		if conf, err = kafka.LoadConfig(a.opts.configPath); err != nil {
			return err
		}
	}
	if len(a.opts.bootstrap) > 0 {
		conf.Client.Bootstrap = a.opts.bootstrap
	}
	if a.opts.clientID != "" {
		conf.Client.ClientID = a.opts.clientID
	}

	a.logger = kafka.NewLogger("kafkacli", a.opts.logLevel, os.Stderr)
	conf.Client.Logger = a.logger

	if a.opts.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		conf.Client.Registerer = reg
		if err := a.serveMetrics(reg); err != nil {
			return err
		}
	}

	client, err := kafka.NewClient(conf.Client)
	if err != nil {
		return err
	}
	a.conf = conf
	a.client = client
	return nil
}

func (a *app) serveMetrics(reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: a.opts.metricsAddr, Handler: mux}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return errors.Wrapf(err, "cannot serve metrics on %s", a.opts.metricsAddr)
	default:
	}
	a.logger.Info("serving metrics", "addr", a.opts.metricsAddr)
	go func() {
		if err := <-errc; err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server stopped", "error", err)
		}
	}()
	return nil
}
