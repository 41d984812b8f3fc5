package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/usenetsync/usenetsync/internal/cli/output"
	"github.com/usenetsync/usenetsync/internal/cli/prompt"
	"github.com/usenetsync/usenetsync/internal/cli/timeutil"
	"github.com/usenetsync/usenetsync/pkg/errkind"
	"github.com/usenetsync/usenetsync/pkg/usenetsync"
)

var shareRevokeYes bool

var shareCmd = &cobra.Command{
	Use:   "share",
	Short: "Manage shares",
}

var shareListCmd = &cobra.Command{
	Use:   "list <folder-id>",
	Short: "List shares for a folder",
	Args:  cobra.ExactArgs(1),
	RunE:  runShareList,
}

var shareRevokeCmd = &cobra.Command{
	Use:   "revoke <share-id>",
	Short: "Revoke a share and rotate the folder key",
	Long: `Invalidates the share and rotates the folder key. Every outstanding
token for the folder stops working against future posts; the folder
must be re-uploaded and re-published before it can be shared again.`,
	Args: cobra.ExactArgs(1),
	RunE: runShareRevoke,
}

func init() {
	addOutputFlag(shareListCmd)
	shareRevokeCmd.Flags().BoolVar(&shareRevokeYes, "yes", false, "Skip the confirmation prompt")

	shareCmd.AddCommand(shareListCmd)
	shareCmd.AddCommand(shareRevokeCmd)
}

func runShareList(cmd *cobra.Command, args []string) error {
	pr, err := resultPrinter()
	if err != nil {
		return err
	}
	return withService(func(ctx context.Context, s *usenetsync.Service) error {
		shares, err := s.Store().ListFolderShares(ctx, args[0])
		if err != nil {
			return err
		}
		if pr.Format() != output.FormatTable {
			return pr.Print(shares)
		}
		if len(shares) == 0 {
			fmt.Println("No shares for this folder.")
			return nil
		}

		table := output.NewTableData("SHARE ID", "ACCESS", "STATE", "EXPIRES", "AGE")
		for _, sh := range shares {
			table.AddRow(
				sh.ID,
				string(sh.AccessType),
				string(sh.State),
				timeutil.FormatExpiry(sh.ExpiresAt),
				timeutil.FormatAge(sh.CreatedAt),
			)
		}
		return pr.Print(table)
	})
}

func runShareRevoke(cmd *cobra.Command, args []string) error {
	ok, err := prompt.ConfirmWithForce(
		"Revoke this share and rotate the folder key? The folder must be re-uploaded.",
		shareRevokeYes)
	if err != nil {
		if prompt.IsAborted(err) {
			return errkind.Wrap(errkind.KindCancelled, "share.revoke", err)
		}
		return err
	}
	if !ok {
		fmt.Println("Aborted.")
		return nil
	}

	return withService(func(ctx context.Context, s *usenetsync.Service) error {
		if err := s.RevokeShare(ctx, args[0]); err != nil {
			return err
		}
		output.DefaultPrinter().Success("Share revoked and folder key rotated.")
		fmt.Println("Re-upload and re-publish the folder to share it again.")
		return nil
	})
}
