package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/usenetsync/usenetsync/internal/cli/output"
	"github.com/usenetsync/usenetsync/pkg/usenetsync"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Control upload and download items",
}

var queuePauseCmd = &cobra.Command{
	Use:   "pause <item-id>",
	Short: "Pause an item, keeping it resumable",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueuePause,
}

var queueResumeCmd = &cobra.Command{
	Use:   "resume <item-id>",
	Short: "Resume a paused or failed item",
	Long: `Restarts an item from its persisted progress. Nothing already
posted or written is redone. Resuming a download of a protected or
private share needs the credentials again; pass them with the same
flags as 'download'.`,
	Args: cobra.ExactArgs(1),
	RunE: runQueueResume,
}

var queueCancelCmd = &cobra.Command{
	Use:   "cancel <item-id>",
	Short: "Cancel an item",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueCancel,
}

var queueProgressCmd = &cobra.Command{
	Use:   "progress <item-id>",
	Short: "Show an item's transfer progress",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueProgress,
}

func init() {
	queueResumeCmd.Flags().StringVar(&downloadPassword, "password", "", "Passphrase for protected shares")
	queueResumeCmd.Flags().StringVar(&downloadUserID, "user-id", "", "User ID for private shares")
	queueResumeCmd.Flags().StringVar(&downloadPrivateKey, "private-key", "", "Private key (hex) for private shares")
	addOutputFlag(queueProgressCmd)

	queueCmd.AddCommand(queuePauseCmd)
	queueCmd.AddCommand(queueResumeCmd)
	queueCmd.AddCommand(queueCancelCmd)
	queueCmd.AddCommand(queueProgressCmd)
}

func runQueuePause(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, s *usenetsync.Service) error {
		state, err := s.Pause(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Item %s is now %s\n", args[0], state)
		return nil
	})
}

func runQueueResume(cmd *cobra.Command, args []string) error {
	creds, err := downloadCredentials("")
	if err != nil {
		return err
	}
	return withService(func(ctx context.Context, s *usenetsync.Service) error {
		h, err := s.Resume(ctx, args[0], creds)
		if err != nil {
			return err
		}
		fmt.Printf("Resuming %s %s...\n", h.Kind, h.ID)
		if err := h.Wait(ctx); err != nil {
			return err
		}
		fmt.Println("Done.")
		return nil
	})
}

func runQueueCancel(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, s *usenetsync.Service) error {
		state, err := s.Cancel(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Item %s is now %s\n", args[0], state)
		return nil
	})
}

func runQueueProgress(cmd *cobra.Command, args []string) error {
	pr, err := resultPrinter()
	if err != nil {
		return err
	}
	return withService(func(ctx context.Context, s *usenetsync.Service) error {
		p, err := s.ItemProgress(ctx, args[0])
		if err != nil {
			return err
		}
		if pr.Format() != output.FormatTable {
			return pr.Print(p)
		}
		fmt.Printf("%s %s: %s\n", p.Kind, p.Handle, p.State)
		fmt.Printf("  segments: %d/%d\n", p.SegmentsDone, p.SegmentsTotal)
		fmt.Printf("  bytes:    %d/%d\n", p.BytesDone, p.BytesTotal)
		if p.LastError != "" {
			fmt.Printf("  last error: %s\n", p.LastError)
		}
		return nil
	})
}
