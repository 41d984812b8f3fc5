package commands

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/usenetsync/usenetsync/internal/cli/output"
	"github.com/usenetsync/usenetsync/internal/cli/timeutil"
	"github.com/usenetsync/usenetsync/pkg/usenetsync"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage local identities",
}

var userAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a new identity",
	Long: `Creates a new identity with a stable opaque ID, a keypair for
private shares, and an API key. The private key is printed once and
never stored; keep it somewhere safe.`,
	Args: cobra.ExactArgs(1),
	RunE: runUserAdd,
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List identities",
	Args:  cobra.NoArgs,
	RunE:  runUserList,
}

func init() {
	addOutputFlag(userListCmd)

	userCmd.AddCommand(userAddCmd)
	userCmd.AddCommand(userListCmd)
}

func runUserAdd(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, s *usenetsync.Service) error {
		created, err := s.CreateUser(ctx, args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Created user %q\n\n", created.User.Name)
		return output.SimpleTable(os.Stdout, [][2]string{
			{"User ID", created.User.ID},
			{"API key", created.User.APIKey},
			{"Private key", hex.EncodeToString(created.PrivateKey)},
		})
	})
}

func runUserList(cmd *cobra.Command, args []string) error {
	pr, err := resultPrinter()
	if err != nil {
		return err
	}
	return withService(func(ctx context.Context, s *usenetsync.Service) error {
		users, err := s.Store().ListUsers(ctx)
		if err != nil {
			return err
		}
		if pr.Format() != output.FormatTable {
			return pr.Print(users)
		}
		if len(users) == 0 {
			fmt.Println("No users. Create one with 'usenetsync user add <name>'.")
			return nil
		}

		table := output.NewTableData("NAME", "USER ID", "CREATED")
		for _, u := range users {
			table.AddRow(u.Name, u.ID, timeutil.FormatTime(u.CreatedAt))
		}
		return pr.Print(table)
	})
}
