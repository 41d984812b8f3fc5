package commands

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/usenetsync/usenetsync/internal/bytesize"
	"github.com/usenetsync/usenetsync/internal/cli/output"
	"github.com/usenetsync/usenetsync/pkg/usenetsync"
)

var (
	folderAddOwner string
	folderAddName  string
)

var folderCmd = &cobra.Command{
	Use:   "folder",
	Short: "Manage published folders",
}

var folderAddCmd = &cobra.Command{
	Use:   "add <path>",
	Short: "Register a directory for publishing",
	Args:  cobra.ExactArgs(1),
	RunE:  runFolderAdd,
}

var folderIndexCmd = &cobra.Command{
	Use:   "index <folder-id>",
	Short: "Scan a folder and refresh its file inventory",
	Args:  cobra.ExactArgs(1),
	RunE:  runFolderIndex,
}

var folderListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered folders",
	Args:  cobra.NoArgs,
	RunE:  runFolderList,
}

func init() {
	folderAddCmd.Flags().StringVar(&folderAddOwner, "owner", "", "Owner user ID (required)")
	folderAddCmd.Flags().StringVar(&folderAddName, "name", "", "Display name (default: directory name)")
	_ = folderAddCmd.MarkFlagRequired("owner")
	addOutputFlag(folderListCmd)

	folderCmd.AddCommand(folderAddCmd)
	folderCmd.AddCommand(folderIndexCmd)
	folderCmd.AddCommand(folderListCmd)
}

func runFolderAdd(cmd *cobra.Command, args []string) error {
	path, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	return withService(func(ctx context.Context, s *usenetsync.Service) error {
		folder, err := s.AddFolder(ctx, path, folderAddName, folderAddOwner)
		if err != nil {
			return err
		}
		fmt.Printf("Added folder %s\n", folder.ID)
		fmt.Printf("Next: usenetsync folder index %s\n", folder.ID)
		return nil
	})
}

func runFolderIndex(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, s *usenetsync.Service) error {
		res, err := s.IndexFolder(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Indexed %d files (%s): %d added, %d changed, %d unchanged, %d removed\n",
			len(res.Files), bytesize.ByteSize(res.TotalSize),
			res.Added, res.Changed, res.Unchanged, res.Removed)
		return nil
	})
}

func runFolderList(cmd *cobra.Command, args []string) error {
	pr, err := resultPrinter()
	if err != nil {
		return err
	}
	return withService(func(ctx context.Context, s *usenetsync.Service) error {
		folders, err := s.Store().ListFolders(ctx)
		if err != nil {
			return err
		}
		if pr.Format() != output.FormatTable {
			return pr.Print(folders)
		}
		if len(folders) == 0 {
			fmt.Println("No folders. Register one with 'usenetsync folder add <path>'.")
			return nil
		}

		table := output.NewTableData("ID", "NAME", "PATH", "STATE", "FILES", "SIZE", "VERSION")
		for _, f := range folders {
			table.AddRow(
				f.ID,
				f.DisplayName,
				f.Path,
				string(f.State),
				fmt.Sprintf("%d", f.FileCount),
				bytesize.ByteSize(f.TotalBytes).String(),
				fmt.Sprintf("%d", f.Version),
			)
		}
		return pr.Print(table)
	})
}
