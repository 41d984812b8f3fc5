package usenetsync

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/usenetsync/usenetsync/internal/logger"
	"github.com/usenetsync/usenetsync/pkg/crypto"
	"github.com/usenetsync/usenetsync/pkg/errkind"
	"github.com/usenetsync/usenetsync/pkg/index"
	"github.com/usenetsync/usenetsync/pkg/indexer"
	"github.com/usenetsync/usenetsync/pkg/share"
	"github.com/usenetsync/usenetsync/pkg/store"
)

const op = "usenetsync"

// CreatedUser is the result of the identity bootstrap. PrivateKey is
// returned exactly once and never persisted; the caller must hand it
// to the user out of band.
type CreatedUser struct {
	User       *store.User
	PrivateKey []byte
}

// CreateUser bootstraps a new identity: a stable opaque ID, a keypair
// for private-share wrapping, and an API key.
func (s *Service) CreateUser(ctx context.Context, name string) (*CreatedUser, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errkind.New(errkind.KindUsage, op, "user name must not be empty")
	}

	id, err := crypto.GenerateUserID()
	if err != nil {
		return nil, err
	}
	pub, priv, err := crypto.NewBoxKeyPair()
	if err != nil {
		return nil, err
	}
	apiKey, err := crypto.GenerateAPIKey()
	if err != nil {
		return nil, err
	}

	u := &store.User{ID: id, Name: name, PublicKey: pub, APIKey: apiKey}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	logger.Info("created user", logger.KeyUserID, u.ID, "name", name)
	return &CreatedUser{User: u, PrivateKey: priv}, nil
}

// AddFolder registers a directory for publishing.
func (s *Service) AddFolder(ctx context.Context, path, displayName, ownerUserID string) (*store.Folder, error) {
	return s.indexer.CreateFolder(ctx, path, displayName, ownerUserID)
}

// IndexFolder walks the folder and refreshes its file rows.
func (s *Service) IndexFolder(ctx context.Context, folderID string) (*indexer.ScanResult, error) {
	return s.indexer.Scan(ctx, folderID)
}

// UploadFolder queues the folder for posting and starts the run. The
// folder must have been indexed first.
func (s *Service) UploadFolder(ctx context.Context, folderID string) (*Handle, error) {
	folder, err := s.store.GetFolder(ctx, folderID)
	if err != nil {
		return nil, err
	}
	if folder.State == store.FolderCreated {
		return nil, errkind.New(errkind.KindUsage, op, "folder %s has not been indexed", folderID)
	}

	item := &store.UploadItem{QueueItem: store.QueueItem{ID: uuid.NewString(), EntityRef: folderID}}
	if err := s.store.CreateUploadItem(ctx, item); err != nil {
		return nil, err
	}
	return s.start(item.ID, HandleUpload, func(runCtx context.Context) error {
		return s.up.Run(runCtx, item.ID)
	}), nil
}

// AccessSpec selects the share type and its credential material.
type AccessSpec struct {
	Type       store.AccessType
	Passphrase string     // protected shares
	UserIDs    []string   // private shares
	ExpiresAt  *time.Time // optional, all types
}

// PublishFolder builds, seals, and posts the core index for an
// uploaded folder, then creates the share and returns it with its
// token. Republishing an already published folder posts a fresh index
// under the current folder key.
func (s *Service) PublishFolder(ctx context.Context, folderID string, spec AccessSpec) (*store.Share, error) {
	folder, err := s.store.GetFolder(ctx, folderID)
	if err != nil {
		return nil, err
	}
	if folder.State != store.FolderUploaded && folder.State != store.FolderPublished {
		return nil, errkind.New(errkind.KindUsage, op, "folder %s has not been uploaded", folderID)
	}

	files, err := s.store.ListFiles(ctx, folderID)
	if err != nil {
		return nil, err
	}
	packs, err := s.store.ListFolderPacks(ctx, folderID)
	if err != nil {
		return nil, err
	}
	segments, err := s.store.ListFolderSegments(ctx, folderID)
	if err != nil {
		return nil, err
	}

	manifest, err := index.Build(folder, files, packs, segments)
	if err != nil {
		return nil, err
	}
	sealed, err := index.Seal(folder.FolderKey, manifest)
	if err != nil {
		return nil, err
	}
	refs, err := s.up.PostIndex(ctx, folder, sealed)
	if err != nil {
		return nil, err
	}

	params := share.Params{
		FolderID:  folder.ID,
		FolderKey: folder.FolderKey,
		IndexRefs: refs,
		ExpiresAt: spec.ExpiresAt,
	}
	var created *share.Created
	switch spec.Type {
	case store.AccessPublic:
		created, err = share.NewPublic(params)
	case store.AccessProtected:
		created, err = share.NewProtected(params, spec.Passphrase)
	case store.AccessPrivate:
		users := make([]*store.User, 0, len(spec.UserIDs))
		for _, id := range spec.UserIDs {
			u, uerr := s.store.GetUserByID(ctx, id)
			if uerr != nil {
				return nil, uerr
			}
			users = append(users, u)
		}
		created, err = share.NewPrivate(params, users)
	default:
		return nil, errkind.New(errkind.KindUsage, op, "unknown access type %q", spec.Type)
	}
	if err != nil {
		return nil, err
	}

	shareID, err := crypto.GenerateShareToken()
	if err != nil {
		return nil, err
	}
	row := &store.Share{
		ID:               shareID,
		FolderID:         folder.ID,
		AccessType:       spec.Type,
		Token:            created.Token,
		WrappedKeys:      created.Wrapped,
		IndexRefs:        strings.Join(refs, "\n"),
		PasswordVerifier: created.PasswordVerifier,
		KDFSalt:          created.KDFSalt,
		AllowedUserIDs:   strings.Join(spec.UserIDs, "\n"),
		ExpiresAt:        spec.ExpiresAt,
	}
	if err := s.store.CreateShare(ctx, row); err != nil {
		return nil, err
	}
	if err := s.store.SetFolderState(ctx, folder.ID, store.FolderPublished); err != nil {
		return nil, err
	}

	logger.Info("published folder",
		logger.KeyFolderID, folder.ID,
		logger.KeyShareID, row.ID,
		"access", string(spec.Type),
		logger.KeySegment, len(refs))
	return row, nil
}

// DownloadShare verifies access to a token and starts the retrieval.
// Credentials are checked before any network traffic: a bad passphrase
// or an unlisted user is denied locally.
func (s *Service) DownloadShare(ctx context.Context, token, targetDir string, selectors []string, creds share.Credentials) (*Handle, error) {
	_, tok, err := share.VerifyAccess(token, creds)
	if err != nil {
		return nil, err
	}
	if targetDir == "" {
		targetDir = s.cfg.Download.TargetDir
	}

	item := &store.DownloadItem{
		QueueItem: store.QueueItem{ID: uuid.NewString(), EntityRef: tok.FolderIDHex()},
		Token:     token,
		TargetDir: targetDir,
		Selectors: strings.Join(selectors, "\n"),
	}
	if err := s.store.CreateDownloadItem(ctx, item); err != nil {
		return nil, err
	}
	return s.start(item.ID, HandleDownload, func(runCtx context.Context) error {
		return s.dl.Run(runCtx, item.ID, creds)
	}), nil
}

// Pause stops a running item; the engine leaves it resumable. A queued
// item is parked directly.
func (s *Service) Pause(ctx context.Context, handleID string) (store.ItemState, error) {
	stopped, err := s.stop(ctx, handleID)
	if err != nil {
		return "", err
	}

	kind, item, err := s.findItem(ctx, handleID)
	if err != nil {
		return "", err
	}
	if !stopped && item.State == store.ItemQueued {
		if err := s.setItemState(ctx, kind, handleID, store.ItemPaused, ""); err != nil {
			return "", err
		}
		return store.ItemPaused, nil
	}
	return item.State, nil
}

// Resume restarts a paused, failed, or queued item. Download items
// need the share credentials again; they are never persisted.
func (s *Service) Resume(ctx context.Context, handleID string, creds share.Credentials) (*Handle, error) {
	kind, item, err := s.findItem(ctx, handleID)
	if err != nil {
		return nil, err
	}
	if !item.State.Resumable() {
		return nil, errkind.New(errkind.KindUsage, op, "item %s is %s, not resumable", handleID, item.State)
	}

	if kind == HandleUpload {
		return s.start(handleID, HandleUpload, func(runCtx context.Context) error {
			return s.up.Run(runCtx, handleID)
		}), nil
	}
	return s.start(handleID, HandleDownload, func(runCtx context.Context) error {
		return s.dl.Run(runCtx, handleID, creds)
	}), nil
}

// Cancel stops an item and marks it failed so nothing resumes it by
// accident. Its progress rows survive, so a deliberate Resume can
// still pick up where it stopped.
func (s *Service) Cancel(ctx context.Context, handleID string) (store.ItemState, error) {
	if _, err := s.stop(ctx, handleID); err != nil {
		return "", err
	}
	kind, item, err := s.findItem(ctx, handleID)
	if err != nil {
		return "", err
	}
	if item.State == store.ItemCompleted {
		return item.State, nil
	}
	if err := s.setItemState(ctx, kind, handleID, store.ItemFailed, "cancelled"); err != nil {
		return "", err
	}
	return store.ItemFailed, nil
}

// Progress reports an item's transfer state.
type Progress struct {
	Handle        string
	Kind          HandleKind
	State         store.ItemState
	BytesDone     int64
	BytesTotal    int64
	SegmentsDone  int
	SegmentsTotal int
	LastError     string
}

// ItemProgress returns the current progress of a queue item.
func (s *Service) ItemProgress(ctx context.Context, handleID string) (*Progress, error) {
	kind, item, err := s.findItem(ctx, handleID)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.ListProgress(ctx, handleID)
	if err != nil {
		return nil, err
	}
	done := 0
	for _, r := range rows {
		if r.State == "completed" {
			done++
		}
	}
	return &Progress{
		Handle:        handleID,
		Kind:          kind,
		State:         item.State,
		BytesDone:     item.BytesDone,
		BytesTotal:    item.BytesTotal,
		SegmentsDone:  done,
		SegmentsTotal: len(rows),
		LastError:     item.LastError,
	}, nil
}

// RevokeShare invalidates a share and rotates the folder key. Every
// outstanding token for the folder stops working against anything
// posted after the rotation; the folder drops back to indexed and must
// be re-uploaded and re-published under the new key.
func (s *Service) RevokeShare(ctx context.Context, shareID string) error {
	sh, err := s.store.GetShare(ctx, shareID)
	if err != nil {
		return err
	}
	if err := s.store.InvalidateShare(ctx, shareID); err != nil {
		return err
	}

	newKey, err := crypto.NewKey()
	if err != nil {
		return err
	}
	if err := s.store.RotateFolderKey(ctx, sh.FolderID, newKey); err != nil {
		return err
	}
	if err := s.store.ResetFolderSegments(ctx, sh.FolderID); err != nil {
		return err
	}

	logger.Info("revoked share",
		logger.KeyShareID, shareID,
		logger.KeyFolderID, sh.FolderID)
	return nil
}

// findItem resolves a handle ID in either queue.
func (s *Service) findItem(ctx context.Context, id string) (HandleKind, *store.QueueItem, error) {
	up, err := s.store.GetUploadItem(ctx, id)
	if err == nil {
		return HandleUpload, &up.QueueItem, nil
	}
	if !errors.Is(err, store.ErrItemNotFound) {
		return "", nil, err
	}
	dl, err := s.store.GetDownloadItem(ctx, id)
	if err != nil {
		return "", nil, err
	}
	return HandleDownload, &dl.QueueItem, nil
}

func (s *Service) setItemState(ctx context.Context, kind HandleKind, id string, state store.ItemState, lastError string) error {
	if kind == HandleUpload {
		return s.store.SetUploadItemState(ctx, id, state, lastError)
	}
	return s.store.SetDownloadItemState(ctx, id, state, lastError)
}
