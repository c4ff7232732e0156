package main

import (
	"errors"
	"time"

	"github.com/spf13/cobra"
	"github.com/spounge-ai/keypool/internal/infra/stats"
	"github.com/spounge-ai/keypool/pkg/keypool"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the storage schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.container.Migrate(ctx); err != nil {
				return a.fail(ctx, "migrate", err)
			}
			return printJSON(cmd, map[string]string{
				"backend": a.container.Config().Storage.Backend,
				"status":  "migrated",
			})
		},
	}
}

type healthView struct {
	Healthy   bool   `json:"healthy"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

var errUnhealthy = errors.New("one or more backends are unhealthy")

func newHealthCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the configured backends are reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if _, err := a.storage(ctx); err != nil {
				return a.fail(ctx, "health", err)
			}
			if _, err := a.container.Recorder(ctx); err != nil {
				return a.fail(ctx, "health", err)
			}

			out := make(map[string]healthView)
			healthy := true
			for name, status := range a.container.Health(ctx) {
				v := healthView{Healthy: status.Healthy, LatencyMS: status.Latency.Milliseconds()}
				if status.Err != nil {
					v.Error = status.Err.Error()
					healthy = false
				}
				out[name] = v
			}
			if err := printJSON(cmd, out); err != nil {
				return err
			}
			if !healthy {
				return errUnhealthy
			}
			return nil
		},
	}
}

func newStatsCmd(a *app) *cobra.Command {
	var (
		keyID  string
		minute string
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show pool usage counters recorded in Redis",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			recorder, err := a.container.Recorder(ctx)
			if err != nil {
				return a.fail(ctx, "stats", err)
			}
			rr, ok := recorder.(*stats.RedisRecorder)
			if !ok {
				return printJSON(cmd, map[string]string{"status": "stats are disabled"})
			}

			var counters stats.Counters
			switch {
			case keyID != "":
				id, err := keypool.KeyIDFromString(keyID)
				if err != nil {
					return a.fail(ctx, "stats", err)
				}
				counters, err = rr.ForKey(ctx, id)
				if err != nil {
					return a.fail(ctx, "stats", err)
				}
			case minute != "":
				at, err := time.Parse(time.RFC3339, minute)
				if err != nil {
					return a.fail(ctx, "stats", err)
				}
				counters, err = rr.Minute(ctx, at)
				if err != nil {
					return a.fail(ctx, "stats", err)
				}
			default:
				counters, err = rr.Total(ctx)
				if err != nil {
					return a.fail(ctx, "stats", err)
				}
			}
			return printJSON(cmd, counters)
		},
	}
	cmd.Flags().StringVar(&keyID, "key", "", "show counters of one key id")
	cmd.Flags().StringVar(&minute, "minute", "", "show counters of the minute containing this RFC 3339 time")
	cmd.MarkFlagsMutuallyExclusive("key", "minute")
	return cmd
}
