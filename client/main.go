package main

import (
	"context"
	"os"
	"time"

	"github.com/linluma/feedwatch/shared/config"
	"github.com/linluma/feedwatch/shared/logger"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg := config.ParseClientFlags()
	log.Logger = logger.New("info", "pretty")

	log.Info().
		Str("server", cfg.ServerAddress).
		Strs("feeds", cfg.Feeds).
		Dur("watch", cfg.Watch).
		Msg("🚀 Starting Watchdog Status Client")

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("❌ Status check failed")
	}
}

// run prints the current status of every feed and, when watching, each
// change until the watch duration elapses.
func run(cfg *config.ClientConfig) error {
	client := NewStatusClient(cfg.ServerAddress)
	if err := client.Connect(); err != nil {
		return err
	}
	defer client.Close()

	checkCtx, checkCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer checkCancel()

	statuses, err := client.Check(checkCtx, cfg.Feeds)
	if err != nil {
		return err
	}
	for _, s := range statuses {
		DisplayStatus(os.Stdout, s)
	}

	if cfg.Watch <= 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Watch)
	defer cancel()

	statusCh, err := client.Watch(ctx, cfg.Feeds)
	if err != nil {
		return err
	}

	log.Info().Dur("watch", cfg.Watch).Msg("📊 Watching feed status...")
	for s := range statusCh {
		DisplayStatus(os.Stdout, s)
	}
	return nil
}
