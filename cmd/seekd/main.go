package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Zereker/seeknet"
	"github.com/Zereker/seeknet/config"
	"github.com/Zereker/seeknet/source"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		logrus.WithError(err).Error("Failed to execute command")
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "seekd",
		Short:         "Serve random-access reads of a file over TCP",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd := &cobra.Command{
		Use:   "serve [PATH]",
		Short: "Serve a file (or the configured source) to seeknet clients",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runServe,
	}
	serveCmd.Flags().String("config", "", "Path to a YAML or JSON configuration file")
	serveCmd.Flags().String("listen", "", "Address to listen on, overrides the config file")

	fetchCmd := &cobra.Command{
		Use:   "fetch ADDRESS",
		Short: "Read a byte range from a seeknet server and write it to stdout",
		Args:  cobra.ExactArgs(1),
		RunE:  runFetch,
	}
	fetchCmd.Flags().Int64("offset", 0, "Position to seek to before reading")
	fetchCmd.Flags().String("origin", "start", "What offset is relative to: start, end or current")
	fetchCmd.Flags().Int64("length", -1, "Bytes to read, -1 reads to the end")
	fetchCmd.Flags().Duration("timeout", 0, "Per-request timeout, 0 waits forever")

	printConfigCmd := &cobra.Command{
		Use:   "print-config",
		Short: "Print the default configuration",
		RunE:  printConfig,
	}

	root.AddCommand(serveCmd, fetchCmd, printConfigCmd)
	return root
}

func loadConfig(cmd *cobra.Command, args []string) (config.Config, error) {
	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}

	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Listen = listen
	}
	if len(args) == 1 {
		cfg.Source.Path = args[0]
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg config.LogConfig) (*logrus.Logger, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}

	resource, err := source.Open(cfg.Source)
	if err != nil {
		return err
	}
	defer resource.Close()

	server, err := seeknet.Listen(resource, cfg.Listen,
		cfg.ServerOptions(seeknet.NewLogrusLogger(logger.WithField("component", "server")))...)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.MetricsListen != "" {
		metrics := &http.Server{Addr: cfg.MetricsListen, Handler: promhttp.Handler()}
		go func() {
			logger.WithField("addr", cfg.MetricsListen).Info("Serving metrics")
			if err := metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Error("Metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = metrics.Shutdown(shutdownCtx)
		}()
	}

	logger.WithFields(logrus.Fields{
		"addr":   server.Addr(),
		"source": cfg.Source.Path,
	}).Info("Serving")

	if err := server.Serve(ctx); err != nil && err != context.Canceled {
		return err
	}
	logger.Info("Stopped")
	return nil
}

func runFetch(cmd *cobra.Command, args []string) error {
	offset, _ := cmd.Flags().GetInt64("offset")
	originName, _ := cmd.Flags().GetString("origin")
	length, _ := cmd.Flags().GetInt64("length")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	origin, err := parseOrigin(originName)
	if err != nil {
		return err
	}

	client, err := seeknet.Dial(cmd.Context(), args[0], seeknet.ClientTimeoutOption(timeout))
	if err != nil {
		return err
	}
	defer client.Close()

	if _, err := client.Reposition(origin, offset); err != nil {
		return err
	}

	var src io.Reader = client
	if length >= 0 {
		src = io.LimitReader(client, length)
	}
	_, err = io.Copy(cmd.OutOrStdout(), src)
	return err
}

func parseOrigin(name string) (seeknet.Origin, error) {
	for _, o := range []seeknet.Origin{seeknet.OriginStart, seeknet.OriginEnd, seeknet.OriginCurrent} {
		if o.String() == name {
			return o, nil
		}
	}
	return 0, fmt.Errorf("unknown origin %q", name)
}

func printConfig(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "JSON:")
	enc := json.NewEncoder(out)
	enc.SetIndent("", "    ")
	if err := enc.Encode(cfg); err != nil {
		return err
	}

	fmt.Fprintln(out, "YAML:")
	return yaml.NewEncoder(out).Encode(cfg)
}
