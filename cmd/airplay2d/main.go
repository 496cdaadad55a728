package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/owntone-go/airplay2"
	"github.com/owntone-go/airplay2/cache"
	"github.com/owntone-go/airplay2/pairing"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	lev, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || lev == zerolog.NoLevel {
		lev = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.StampMicro,
	}).With().Timestamp().Logger().Level(lev)

	if err := run(ctx); err != nil {
		log.Fatal().Err(err).Msg("airplay2d finished with error")
	}
}

func run(ctx context.Context) error {
	dataDir := os.Getenv("AIRPLAY2_DATA_DIR")
	if dataDir == "" {
		dataDir = "."
	}

	identity, err := pairing.NewIdentity("airplay2d")
	if err != nil {
		return err
	}

	peers, err := cache.OpenPairingCache(dataDir + "/pairing.db")
	if err != nil {
		return err
	}
	defer peers.Close()

	username := os.Getenv("AIRPLAY2_USERNAME")
	password := os.Getenv("AIRPLAY2_PASSWORD")

	engine, err := airplay2.NewEngine(identity, peers,
		airplay2.WithCredentials(username, password),
		airplay2.WithLogger(log.Logger),
	)
	if err != nil {
		return err
	}

	if err := engine.Init(ctx); err != nil {
		return err
	}

	log.Info().Msg("airplay2d ready, waiting for devices")
	<-ctx.Done()

	log.Info().Msg("airplay2d shutting down")
	return engine.Deinit()
}
