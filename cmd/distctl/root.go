package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-distributed/v1/distributed"
)

// app carries the state shared by all subcommands of one invocation.
type app struct {
	v        *viper.Viper
	cfg      Config
	client   *distributed.Client
	shutdown func(context.Context) error
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	root := &cobra.Command{
		Use:   "distctl",
		Short: "Operate distributed counters, queues, events and locks",
		Long: `distctl talks to the store and bus shared by processes using the
distributed primitives. Settings come from flags, DISTRIBUTED_* environment
variables (DISTRIBUTED_REDIS_ADDR for redis.addr) and an optional YAML file.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.teardown(cmd.Context())
		},
	}

	pf := root.PersistentFlags()
	pf.StringP("config", "c", "", "config file (default is $HOME/.config/distributed/distctl.yaml)")
	pf.String("prefix", "distributed", "key prefix shared by cooperating processes")
	pf.String("store", "redis", "store backend: redis, memory, pebble or sqlite")
	pf.String("store-dir", "./distributed-data", "pebble data directory")
	pf.String("store-dsn", "./distributed.db", "sqlite database path")
	pf.String("bus", "redis", "bus backend: redis, nats, kafka or memory")
	pf.String("redis-addr", "localhost:6379", "redis address")
	pf.String("nats-url", "nats://127.0.0.1:4222", "nats server url")
	pf.StringSlice("kafka-brokers", []string{"localhost:9092"}, "kafka brokers")
	pf.String("log-level", "info", "log level")
	pf.String("log-format", "text", "log format: text or json")
	pf.Bool("trace-stdout", false, "print spans to stdout")

	for key, flag := range map[string]string{
		"prefix":            "prefix",
		"store.backend":     "store",
		"store.dir":         "store-dir",
		"store.dsn":         "store-dsn",
		"bus.backend":       "bus",
		"redis.addr":        "redis-addr",
		"bus.nats_url":      "nats-url",
		"bus.kafka_brokers": "kafka-brokers",
		"log.level":         "log-level",
		"log.format":        "log-format",
		"trace.stdout":      "trace-stdout",
	} {
		_ = a.v.BindPFlag(key, pf.Lookup(flag))
	}

	root.AddCommand(
		a.counterCmd(),
		a.queueCmd(),
		a.eventCmd(),
		a.lockCmd(),
		a.codecCmd(),
		a.serveCmd(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	file, _ := cmd.Flags().GetString("config")
	cfg, err := loadConfig(a.v, file)
	if err != nil {
		return err
	}
	a.cfg = cfg
	if err := setupLogger(cfg.Log); err != nil {
		return err
	}
	if a.shutdown, err = setupTracing(cfg.Trace); err != nil {
		return err
	}
	a.client, err = connect(cfg)
	return err
}

func (a *app) teardown(ctx context.Context) error {
	var errs []error
	if a.client != nil {
		errs = append(errs, a.client.Close())
	}
	if a.shutdown != nil {
		errs = append(errs, a.shutdown(context.WithoutCancel(ctx)))
	}
	return errors.Join(errs...)
}
