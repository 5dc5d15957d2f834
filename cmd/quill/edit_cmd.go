package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"quill/internal/ops"
	"quill/internal/replica"
	"quill/internal/transport"
)

func defaultSpool(docID string) (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "quill", "spool", url.PathEscape(docID)+".ops"), nil
}

func init() {
	var serverURL, spool, clientID string
	var editCmd = &cobra.Command{
		Use:   "edit <docID>",
		Short: "Edit a shared document line by line",
		Long: `Each line read from stdin replaces the whole text of the document. The
lines :undo, :redo, :show and :quit are commands. Remote changes are printed
as they arrive. Operations the coordinator may not have when the editor exits
are kept in a spool file and resent on the next start.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			docID := args[0]
			settings, log, err := setup()
			if err != nil {
				return err
			}
			if serverURL == "" {
				serverURL = settings.ServerURL
			}
			if clientID == "" {
				clientID = uuid.NewString()
			}
			if spool == "" {
				if spool, err = defaultSpool(docID); err != nil {
					return err
				}
			}

			engine := replica.New(docID, clientID, replica.Config{
				CoalesceWindow: settings.CoalesceWindow,
				FlushInterval:  settings.FlushInterval,
				UndoCapacity:   settings.UndoCapacity,
			}, log)
			pending, err := ops.LoadAllOps(spool)
			if err != nil {
				return err
			}
			if len(pending) > 0 {
				log.Info().Int("operations", len(pending)).Str("spool", spool).Msg("restoring unsent operations")
				engine.Restore(pending)
			}
			out := cmd.OutOrStdout()
			engine.OnRemoteEdit(func(ev replica.RemoteEdit) {
				fmt.Fprintf(out, "< %s\n", ev.Text)
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			link := transport.NewClient(serverURL, docID, clientID, log)
			go link.Run(ctx)
			edits := make(chan replica.Edit)
			done := make(chan error, 1)
			go func() { done <- engine.Run(ctx, link, edits) }()

			err = editLoop(ctx, cmd.InOrStdin(), out, edits)
			stop()
			if runErr := <-done; !errors.Is(runErr, context.Canceled) {
				log.Error().Err(runErr).Msg("replica stopped")
			}

			// Run has returned, so the engine is ours again.
			pending = engine.Pending()
			if werr := ops.WriteAllOps(spool, pending); werr != nil {
				return fmt.Errorf("spool %s: %w", spool, werr)
			}
			if len(pending) > 0 {
				log.Info().Int("operations", len(pending)).Str("spool", spool).Msg("spooled operations for the next session")
			}
			return err
		},
	}
	editCmd.Flags().StringVar(&serverURL, "url", "", "Coordinator websocket URL (overrides server.url)")
	editCmd.Flags().StringVar(&spool, "spool", "", "File keeping unsent operations between sessions")
	editCmd.Flags().StringVar(&clientID, "client", "", "Client id (random by default)")
	rootCmd.AddCommand(editCmd)
}

// editLoop feeds stdin lines to the replica until :quit, end of input or
// cancellation.
func editLoop(ctx context.Context, in io.Reader, out io.Writer, edits chan<- replica.Edit) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	reply := make(chan string, 1)
	for {
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			return nil
		case line, ok = <-lines:
			if !ok {
				return nil
			}
		}

		ed := replica.Edit{Kind: replica.EditText, Text: line, Reply: reply}
		echo := false
		switch strings.TrimSpace(line) {
		case ":quit":
			return nil
		case ":undo":
			ed, echo = replica.Edit{Kind: replica.EditUndo, Reply: reply}, true
		case ":redo":
			ed, echo = replica.Edit{Kind: replica.EditRedo, Reply: reply}, true
		case ":show":
			ed, echo = replica.Edit{Kind: replica.EditShow, Reply: reply}, true
		}
		select {
		case edits <- ed:
		case <-ctx.Done():
			return nil
		}
		select {
		case text := <-reply:
			if echo {
				fmt.Fprintf(out, "> %s\n", text)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
