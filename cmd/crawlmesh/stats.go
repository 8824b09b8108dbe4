package main

import (
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/crawlmesh/core/internal/config"
	"github.com/crawlmesh/core/internal/queue"
)

func statsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print queue depth for each named queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			var redisClient *redis.Client
			if cfg.QueueBackend == config.QueueBackendKeyValue {
				redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
			}
			qm, err := buildQueue(cfg, redisClient)
			if err != nil {
				return err
			}

			return renderQueueStats(cmd, qm)
		},
	}
	return cmd
}

func renderQueueStats(cmd *cobra.Command, qm queue.Manager) error {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Queue", "Records"})

	for _, name := range []string{queue.Frontier, queue.Parse, queue.Retry, queue.Dead} {
		size, err := qm.Size(cmd.Context(), name)
		if err != nil {
			return err
		}
		t.AppendRow(table.Row{name, size})
	}

	t.Render()
	return nil
}
