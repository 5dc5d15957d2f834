package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"quill/internal/coordinator"
	"quill/internal/crdt"
	"quill/internal/ops"
)

func init() {
	var redisAddr, record string
	var watchCmd = &cobra.Command{
		Use:   "watch <docID>",
		Short: "Print the operations a coordinator accepts for a document",
		Long: `Subscribe to the redis mirror of a coordinator and print every accepted
operation. With --record the operations are also appended to a binary log.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			docID := args[0]
			settings, log, err := setup()
			if err != nil {
				return err
			}
			if redisAddr != "" {
				settings.RedisAddr = redisAddr
			}
			if settings.RedisAddr == "" {
				return fmt.Errorf("no redis address: set redis.addr or pass --redis")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rdb := redis.NewClient(&redis.Options{Addr: settings.RedisAddr})
			defer rdb.Close()
			mirror := coordinator.NewRedisMirror(rdb, log)
			defer mirror.Close()

			out := cmd.OutOrStdout()
			err = mirror.Subscribe(ctx, docID, func(op crdt.Operation) {
				fmt.Fprintln(out, op)
				if record == "" {
					return
				}
				if err := ops.AppendOp(record, op); err != nil {
					log.Error().Err(err).Str("file", record).Msg("recording operation")
				}
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	watchCmd.Flags().StringVar(&redisAddr, "redis", "", "Redis address (overrides redis.addr)")
	watchCmd.Flags().StringVar(&record, "record", "", "Append every operation to this file")
	rootCmd.AddCommand(watchCmd)
}
