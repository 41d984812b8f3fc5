package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/usenetsync/usenetsync/internal/cli/output"
	"github.com/usenetsync/usenetsync/pkg/store"
	"github.com/usenetsync/usenetsync/pkg/usenetsync"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show folders and unfinished queue items",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, s *usenetsync.Service) error {
		folders, err := s.Store().ListFolders(ctx)
		if err != nil {
			return err
		}
		uploads, err := s.Store().ListResumableUploadItems(ctx)
		if err != nil {
			return err
		}
		downloads, err := s.Store().ListResumableDownloadItems(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Folders: %d\n", len(folders))
		if len(folders) > 0 {
			table := output.NewTableData("ID", "NAME", "STATE", "FILES")
			for _, f := range folders {
				table.AddRow(f.ID, f.DisplayName, string(f.State), fmt.Sprintf("%d", f.FileCount))
			}
			if err := output.PrintTable(os.Stdout, table); err != nil {
				return err
			}
		}

		if len(uploads) == 0 && len(downloads) == 0 {
			fmt.Println("\nQueue is empty.")
			return nil
		}

		fmt.Printf("\nUnfinished items: %d\n", len(uploads)+len(downloads))
		table := output.NewTableData("ITEM ID", "KIND", "STATE", "BYTES", "LAST ERROR")
		addRow := func(kind string, q *store.QueueItem) {
			table.AddRow(q.ID, kind, string(q.State),
				fmt.Sprintf("%d/%d", q.BytesDone, q.BytesTotal), q.LastError)
		}
		for _, it := range uploads {
			addRow("upload", &it.QueueItem)
		}
		for _, it := range downloads {
			addRow("download", &it.QueueItem)
		}
		return output.PrintTable(os.Stdout, table)
	})
}
