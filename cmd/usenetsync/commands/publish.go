package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/usenetsync/usenetsync/internal/cli/output"
	"github.com/usenetsync/usenetsync/internal/cli/prompt"
	"github.com/usenetsync/usenetsync/pkg/errkind"
	"github.com/usenetsync/usenetsync/pkg/store"
	"github.com/usenetsync/usenetsync/pkg/usenetsync"
)

var (
	publishAccess  string
	publishUsers   []string
	publishExpires time.Duration
)

var publishCmd = &cobra.Command{
	Use:   "publish <folder-id>",
	Short: "Post a folder's index and create a share token",
	Long: `Builds and posts the encrypted core index for an uploaded folder,
then creates a share and prints its token.

Access types:
  public     anyone with the token can download
  protected  the token plus a passphrase (prompted)
  private    only the users named with --user, holding their private keys`,
	Args: cobra.ExactArgs(1),
	RunE: runPublish,
}

func init() {
	publishCmd.Flags().StringVar(&publishAccess, "access", "public", "Access type: public, protected, or private")
	publishCmd.Flags().StringSliceVar(&publishUsers, "user", nil, "User ID allowed on a private share (repeatable)")
	publishCmd.Flags().DurationVar(&publishExpires, "expires-in", 0, "Share lifetime (e.g. 720h); 0 means no expiry")
}

func runPublish(cmd *cobra.Command, args []string) error {
	spec := usenetsync.AccessSpec{Type: store.AccessType(publishAccess)}
	switch spec.Type {
	case store.AccessPublic:
	case store.AccessProtected:
		pass, err := prompt.PasswordWithConfirmation("Share passphrase", "Confirm passphrase", 8)
		if err != nil {
			if prompt.IsAborted(err) {
				return errkind.Wrap(errkind.KindCancelled, "publish", err)
			}
			return err
		}
		spec.Passphrase = pass
	case store.AccessPrivate:
		if len(publishUsers) == 0 {
			return errkind.New(errkind.KindUsage, "publish", "private shares need at least one --user")
		}
		spec.UserIDs = publishUsers
	default:
		return errkind.New(errkind.KindUsage, "publish", "unknown access type %q", publishAccess)
	}
	if publishExpires > 0 {
		t := time.Now().Add(publishExpires).UTC()
		spec.ExpiresAt = &t
	}

	return withService(func(ctx context.Context, s *usenetsync.Service) error {
		sh, err := s.PublishFolder(ctx, args[0], spec)
		if err != nil {
			return err
		}

		fmt.Println("Folder published.")
		pairs := [][2]string{
			{"Share ID", sh.ID},
			{"Access", string(sh.AccessType)},
			{"Token", sh.Token},
		}
		if sh.ExpiresAt != nil {
			pairs = append(pairs, [2]string{"Expires", sh.ExpiresAt.Format(time.RFC3339)})
		}
		return output.SimpleTable(os.Stdout, pairs)
	})
}
