// Package indexer walks a local folder and maintains its file rows:
// new files get records, changed files get a version bump, vanished
// files are removed. The indexer owns Folder and File lifecycles; it
// never touches segments or queues.
package indexer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/usenetsync/usenetsync/internal/logger"
	"github.com/usenetsync/usenetsync/pkg/crypto"
	"github.com/usenetsync/usenetsync/pkg/errkind"
	"github.com/usenetsync/usenetsync/pkg/store"
)

// Indexer scans folders into the store.
type Indexer struct {
	store *store.GORMStore
}

// New creates an indexer over the given store.
func New(st *store.GORMStore) *Indexer {
	return &Indexer{store: st}
}

// DeriveFolderID derives a stable 16-byte folder identifier from the
// absolute path and the moment of registration. Re-indexing the same
// registered folder keeps the id; registering the same path again
// after deletion mints a new one.
func DeriveFolderID(path string, createdAt time.Time) string {
	h := sha256.New()
	h.Write([]byte(path))
	h.Write([]byte{0})
	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], uint64(createdAt.UnixNano()))
	h.Write(ts[:])
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// CreateFolder registers a directory for publishing. A fresh folder
// key and key pair are generated; the private half is sealed under the
// folder key so the row alone does not expose it.
func (ix *Indexer) CreateFolder(ctx context.Context, path, displayName, ownerUserID string) (*store.Folder, error) {
	const op = "indexer.create_folder"

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindUsage, op, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindNotFound, op, err)
	}
	if !info.IsDir() {
		return nil, errkind.New(errkind.KindUsage, op, "%s is not a directory", abs)
	}
	if existing, err := ix.store.GetFolderByPath(ctx, abs); err == nil {
		return nil, errkind.New(errkind.KindUsage, op, "%s is already registered as folder %s", abs, existing.ID)
	}

	folderKey, err := crypto.NewKey()
	if err != nil {
		return nil, err
	}
	pub, priv, err := crypto.NewBoxKeyPair()
	if err != nil {
		return nil, err
	}
	sealedPriv, err := crypto.Seal(folderKey, priv)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if displayName == "" {
		displayName = filepath.Base(abs)
	}
	folder := &store.Folder{
		ID:               DeriveFolderID(abs, now),
		Path:             abs,
		DisplayName:      displayName,
		OwnerUserID:      ownerUserID,
		FolderKey:        folderKey,
		PublicKey:        pub,
		PrivateKeySealed: sealedPriv,
		State:            store.FolderCreated,
		Version:          1,
		CreatedAt:        now,
	}
	if err := ix.store.CreateFolder(ctx, folder); err != nil {
		return nil, err
	}
	logger.Info("registered folder", logger.KeyFolderID, folder.ID, "path", abs)
	return folder, nil
}

// ScanResult summarizes one folder scan.
type ScanResult struct {
	Added     int
	Changed   int
	Unchanged int
	Removed   int
	Files     []*store.File // current rows, latest versions
	TotalSize int64
}

// Scan walks the folder on disk and reconciles the store against it.
// Every regular file is content-hashed; a changed hash bumps the file
// version. The folder state regresses to indexed, since segments and
// uploads no longer cover the new contents.
func (ix *Indexer) Scan(ctx context.Context, folderID string) (*ScanResult, error) {
	const op = "indexer.scan"

	folder, err := ix.store.GetFolder(ctx, folderID)
	if err != nil {
		return nil, err
	}

	res := &ScanResult{}
	seen := make(map[string]bool)
	var created []*store.File

	walkErr := filepath.WalkDir(folder.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(folder.Path, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		seen[rel] = true

		hash, size, err := crypto.HashFile(path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		current, err := ix.store.GetLatestFile(ctx, folderID, rel)
		switch {
		case errors.Is(err, store.ErrFileNotFound):
			f := &store.File{
				ID:           uuid.NewString(),
				FolderID:     folderID,
				RelativePath: rel,
				Version:      1,
				Size:         size,
				ContentHash:  hash,
				ModTime:      info.ModTime(),
			}
			created = append(created, f)
			res.Files = append(res.Files, f)
			res.Added++
		case err != nil:
			return err
		case bytes.Equal(current.ContentHash, hash):
			res.Files = append(res.Files, current)
			res.Unchanged++
		default:
			bumped, err := ix.store.BumpFileVersion(ctx, current, hash, size, info.ModTime())
			if err != nil {
				return err
			}
			res.Files = append(res.Files, bumped)
			res.Changed++
		}
		res.TotalSize += size
		return nil
	})
	if walkErr != nil {
		if errors.Is(walkErr, context.Canceled) {
			return nil, errkind.Wrap(errkind.KindCancelled, op, walkErr)
		}
		return nil, errkind.Wrap(errkind.KindInternal, op, walkErr)
	}

	if err := ix.store.CreateFilesBatch(ctx, created); err != nil {
		return nil, err
	}

	// Files that disappeared from disk are dropped; dependent shares
	// are invalidated by the store.
	existing, err := ix.store.ListFiles(ctx, folderID)
	if err != nil {
		return nil, err
	}
	for _, f := range existing {
		if !seen[f.RelativePath] {
			if err := ix.store.DeleteFile(ctx, f.ID); err != nil {
				return nil, err
			}
			res.Removed++
		}
	}

	if err := ix.store.UpdateFolderStats(ctx, folderID, int64(len(res.Files)), res.TotalSize, folder.SegmentCount); err != nil {
		return nil, err
	}
	if err := ix.store.SetFolderState(ctx, folderID, store.FolderIndexed); err != nil {
		return nil, err
	}

	logger.Info("scanned folder",
		logger.KeyFolderID, folderID,
		"added", res.Added, "changed", res.Changed,
		"unchanged", res.Unchanged, "removed", res.Removed)
	return res, nil
}
