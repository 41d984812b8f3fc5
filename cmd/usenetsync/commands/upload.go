package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/usenetsync/usenetsync/pkg/usenetsync"
)

var uploadDetach bool

var uploadCmd = &cobra.Command{
	Use:   "upload <folder-id>",
	Short: "Post a folder's segments to Usenet",
	Long: `Segments, encrypts, and posts an indexed folder. Interrupting with
Ctrl-C leaves the item paused; 'usenetsync queue resume' picks it up
without reposting anything already on the wire.`,
	Args: cobra.ExactArgs(1),
	RunE: runUpload,
}

func init() {
	uploadCmd.Flags().BoolVar(&uploadDetach, "detach", false, "Queue the upload and return immediately")
}

func runUpload(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, s *usenetsync.Service) error {
		h, err := s.UploadFolder(ctx, args[0])
		if err != nil {
			return err
		}
		if uploadDetach {
			fmt.Printf("Queued upload %s\n", h.ID)
			return nil
		}

		fmt.Printf("Uploading (item %s)...\n", h.ID)
		if err := h.Wait(ctx); err != nil {
			return err
		}
		p, err := s.ItemProgress(ctx, h.ID)
		if err != nil {
			return err
		}
		fmt.Printf("Upload complete: %d segments, %d bytes posted\n", p.SegmentsDone, p.BytesDone)
		fmt.Printf("Next: usenetsync publish %s --access public\n", args[0])
		return nil
	})
}
