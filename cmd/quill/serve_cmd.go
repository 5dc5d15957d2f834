package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"quill/internal/coordinator"
	"quill/internal/crdt/compact"
	"quill/internal/transport"
)

func init() {
	var addr, redisAddr string
	var serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator behind its websocket gateway",
		Long: `Serve documents at /ws/{docID}. Metrics are exported at /metrics and
liveness at /healthz. With redis.addr set, every accepted operation is also
published to the redis channel quill:doc:<docID>.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, log, err := setup()
			if err != nil {
				return err
			}
			if addr != "" {
				settings.ServerAddr = addr
			}
			if redisAddr != "" {
				settings.RedisAddr = redisAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := coordinator.Options{Logger: log}
			if settings.RedisAddr != "" {
				rdb := redis.NewClient(&redis.Options{Addr: settings.RedisAddr})
				defer rdb.Close()
				if err := rdb.Ping(ctx).Err(); err != nil {
					return fmt.Errorf("redis %s: %w", settings.RedisAddr, err)
				}
				mirror := coordinator.NewRedisMirror(rdb, log)
				defer mirror.Close()
				opts.Mirror = mirror
			}
			coord := coordinator.New(opts)
			defer coord.Close()

			compactor, err := compact.NewCompactionService(coord, &compact.Config{
				TombstoneTTL:  settings.TombstoneTTL,
				MinTombstones: settings.MinTombstones,
				Interval:      settings.CompactInterval,
				Documents:     settings.CompactDocuments,
			}, log)
			if err != nil {
				return err
			}
			if err := compactor.Start(); err != nil {
				return err
			}
			defer compactor.Stop()

			return transport.NewServer(coord, log).ListenAndServe(ctx, settings.ServerAddr)
		},
	}
	serveCmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	serveCmd.Flags().StringVar(&redisAddr, "redis", "", "Redis address for the operation mirror (overrides redis.addr)")
	rootCmd.AddCommand(serveCmd)
}
