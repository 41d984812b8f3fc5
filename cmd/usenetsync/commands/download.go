package commands

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/usenetsync/usenetsync/internal/cli/prompt"
	"github.com/usenetsync/usenetsync/pkg/errkind"
	"github.com/usenetsync/usenetsync/pkg/share"
	"github.com/usenetsync/usenetsync/pkg/store"
	"github.com/usenetsync/usenetsync/pkg/usenetsync"
)

var (
	downloadDest       string
	downloadPassword   string
	downloadUserID     string
	downloadPrivateKey string
	downloadDetach     bool
)

var downloadCmd = &cobra.Command{
	Use:   "download <token> [path...]",
	Short: "Download a shared folder",
	Long: `Downloads the folder behind a share token. Optional path arguments
restrict the download to those files or directory prefixes.

Protected shares prompt for the passphrase unless --password is given.
Private shares need --user-id and --private-key (hex, as printed by
'user add'). Interrupting with Ctrl-C leaves the item paused and
resumable.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDownload,
}

func init() {
	downloadCmd.Flags().StringVar(&downloadDest, "dest", "", "Target directory (default: configured download dir)")
	downloadCmd.Flags().StringVar(&downloadPassword, "password", "", "Passphrase for protected shares")
	downloadCmd.Flags().StringVar(&downloadUserID, "user-id", "", "User ID for private shares")
	downloadCmd.Flags().StringVar(&downloadPrivateKey, "private-key", "", "Private key (hex) for private shares")
	downloadCmd.Flags().BoolVar(&downloadDetach, "detach", false, "Queue the download and return immediately")
}

func downloadCredentials(token string) (share.Credentials, error) {
	creds := share.Credentials{Passphrase: downloadPassword, UserID: downloadUserID}
	if downloadPrivateKey != "" {
		key, err := hex.DecodeString(downloadPrivateKey)
		if err != nil {
			return creds, errkind.New(errkind.KindUsage, "download", "private key is not valid hex")
		}
		creds.PrivateKey = key
	}

	// Only prompt when the token actually wants a passphrase and none
	// was supplied on the flag.
	if token != "" && creds.Passphrase == "" && creds.UserID == "" {
		tok, err := share.Parse(token)
		if err != nil {
			return creds, err
		}
		if tok.Access == store.AccessProtected {
			pass, err := prompt.Password("Share passphrase")
			if err != nil {
				if prompt.IsAborted(err) {
					return creds, errkind.Wrap(errkind.KindCancelled, "download", err)
				}
				return creds, err
			}
			creds.Passphrase = pass
		}
	}
	return creds, nil
}

func runDownload(cmd *cobra.Command, args []string) error {
	token := args[0]
	selectors := args[1:]

	creds, err := downloadCredentials(token)
	if err != nil {
		return err
	}

	return withService(func(ctx context.Context, s *usenetsync.Service) error {
		h, err := s.DownloadShare(ctx, token, downloadDest, selectors, creds)
		if err != nil {
			return err
		}
		if downloadDetach {
			fmt.Printf("Queued download %s\n", h.ID)
			return nil
		}

		fmt.Printf("Downloading (item %s)...\n", h.ID)
		if err := h.Wait(ctx); err != nil {
			return err
		}
		p, err := s.ItemProgress(ctx, h.ID)
		if err != nil {
			return err
		}
		fmt.Printf("Download complete: %d segments, %d bytes\n", p.SegmentsDone, p.BytesDone)
		return nil
	})
}
