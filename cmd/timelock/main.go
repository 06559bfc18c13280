package main

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"os/signal"
	"syscall"

	"github.com/ghodss/yaml"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/trusch/timelock/pkg/config"
	"github.com/trusch/timelock/pkg/server"
)

var (
	configFile      = pflag.StringP("config", "c", "config.yaml", "config file")
	showVersion     = pflag.BoolP("version", "v", false, "show version")
	logLevel        = pflag.String("log-level", "info", "log level (debug, info, warn, error)")
	pretty          = pflag.Bool("pretty", false, "human readable console logs")
	Version, Commit string
)

func main() {
	pflag.Parse()

	if *showVersion {
		fmt.Printf("Version: %s\nCommit: %s\n", Version, Commit)
		os.Exit(0)
	}

	setupLogging()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().
			Err(err).
			Str("file", *configFile).
			Msg("failed to load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
		sig := <-signals
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	srv, err := server.New(ctx, cfg)
	if err != nil {
		log.Fatal().
			Err(err).
			Msg("failed to set up server")
	}

	err = srv.Listen(ctx)
	if err != nil {
		log.Fatal().
			Err(err).
			Msg("server stopped unexpectedly")
	}
}

func setupLogging() {
	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		log.Fatal().Err(err).Str("level", *logLevel).Msg("invalid log level")
	}
	zerolog.SetGlobalLevel(level)
	if *pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func loadConfig() (cfg config.ServerConfig, err error) {
	bs, err := ioutil.ReadFile(*configFile)
	if err != nil {
		return cfg, err
	}
	err = yaml.Unmarshal(bs, &cfg)
	if err != nil {
		return cfg, err
	}
	return cfg, nil
}
