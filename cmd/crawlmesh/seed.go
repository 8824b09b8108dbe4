package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/crawlmesh/core/internal/domain"
	"github.com/crawlmesh/core/internal/queue"
	"github.com/crawlmesh/core/internal/urlnorm"

	"github.com/crawlmesh/core/internal/config"
	"github.com/crawlmesh/core/internal/crawlworker"
	"github.com/redis/go-redis/v9"
)

func seedCommand() *cobra.Command {
	var jobID string
	var priority int

	cmd := &cobra.Command{
		Use:   "seed [urls...]",
		Short: "Push one or more URLs onto the frontier queue",
		Args:  cobra.MinimumNArgs(1),
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

			for _, raw := range args {
				canonical, err := urlnorm.Canonicalize(raw)
				if err != nil {
					return fmt.Errorf("seed: canonicalize %q: %w", raw, err)
				}
				fingerprint, err := urlnorm.Fingerprint(canonical)
				if err != nil {
					return fmt.Errorf("seed: fingerprint %q: %w", raw, err)
				}
				cu := &domain.CrawlURL{
					ID:          fingerprint,
					URL:         canonical,
					Fingerprint: fingerprint,
					JobID:       jobID,
					Priority:    priority,
				}
				payload, err := crawlworker.Encode(cu)
				if err != nil {
					return fmt.Errorf("seed: encode %q: %w", raw, err)
				}
				if err := qm.Push(cmd.Context(), queue.Frontier, payload, priority, time.Now()); err != nil {
					return fmt.Errorf("seed: push %q: %w", raw, err)
				}
				fmt.Printf("seeded %s (fingerprint %s)\n", canonical, fingerprint)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&jobID, "job-id", "adhoc", "job identifier attached to seeded records")
	cmd.Flags().IntVar(&priority, "priority", domain.DefaultPriority, "frontier priority (0-10)")
	return cmd
}
