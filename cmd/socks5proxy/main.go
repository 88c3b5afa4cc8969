// Command socks5proxy runs the SOCKS5 CONNECT proxy server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"socks5proxy/internal/application"
	"socks5proxy/internal/infrastructure/config"
	"socks5proxy/internal/infrastructure/epoll"
	"socks5proxy/internal/infrastructure/logging"
	"socks5proxy/internal/infrastructure/resolver"
)

func main() {
	progName := filepath.Base(os.Args[0])

	if len(os.Args) != 2 {
		fmt.Printf("Usage: %s <config_file>\n", progName)
		os.Exit(1)
	}

	if err := run(progName, os.Args[1]); err != nil {
		os.Exit(1)
	}
}

func run(progName, configPath string) (err error) {
	cfg, cfgErr := config.Load(configPath)
	if cfgErr != nil {
		fmt.Printf("%s: failed to load config %s: %v\n", progName, configPath, cfgErr)
		return cfgErr
	}

	log, logErr := logging.New(cfg.LogLevel)
	if logErr != nil {
		fmt.Printf("%s: invalid log_level: %v\n", progName, logErr)
		return logErr
	}

	defer func() {
		if r := recover(); r != nil {
			log.Fatal().Interface("panic", r).Msg("unhandled exception")
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	log.Info().Msg("initializing SOCKS5 proxy")

	loop, err := epoll.New()
	if err != nil {
		log.Error().Err(err).Msg("failed to create event loop")
		return err
	}

	dnsResolver, err := resolver.New()
	if err != nil {
		log.Error().Err(err).Msg("failed to create resolver")
		return err
	}

	proxy, err := application.NewProxyService(loop, dnsResolver, log, cfg.Port, cfg.BufferSize)
	if err != nil {
		log.Error().Err(err).Msg("failed to create proxy service")
		return err
	}

	log.Info().Int("port", cfg.Port).Int("buffer_size", cfg.BufferSize).Msg("proxy listening")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer func() {
			if r := recover(); r != nil {
				log.Fatal().Interface("panic", r).Msg("unhandled exception")
			}
		}()
		return proxy.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		proxy.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("proxy stopped unexpectedly")
		return err
	}
	return nil
}
