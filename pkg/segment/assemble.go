package segment

import (
	"bytes"
	"crypto/sha256"
	"hash"
	"os"
	"path/filepath"
	"time"

	"github.com/usenetsync/usenetsync/pkg/crypto"
	"github.com/usenetsync/usenetsync/pkg/errkind"
)

// Opener decrypts and verifies downloaded segment blobs for one folder.
type Opener struct {
	segmentKey []byte
}

// NewOpener derives the segment subkey for a folder.
func NewOpener(folderKey []byte) (*Opener, error) {
	segmentKey, err := crypto.DeriveSubkey(folderKey, crypto.PurposeSegmentEncryption)
	if err != nil {
		return nil, err
	}
	return &Opener{segmentKey: segmentKey}, nil
}

// OpenSegment decrypts a blob, decompresses it when flagged, and checks
// the plaintext against the expected hash. Every downloaded segment
// goes through this before any byte reaches a target file.
func (o *Opener) OpenSegment(blob []byte, compressed bool, wantPlaintextHash []byte) ([]byte, error) {
	payload, err := crypto.Open(o.segmentKey, blob)
	if err != nil {
		return nil, err
	}

	plain := payload
	if compressed {
		plain, err = decompress(payload)
		if err != nil {
			return nil, err
		}
	}

	if len(wantPlaintextHash) > 0 && !bytes.Equal(crypto.Hash(plain), wantPlaintextHash) {
		return nil, errkind.New(errkind.KindIntegrity, "segment.open",
			"segment plaintext hash mismatch")
	}

	return plain, nil
}

// FileAssembler writes segment plaintexts into a temporary file and
// promotes it to the final path only after the whole-file content hash
// checks out. A crash mid-assembly leaves only a .part file behind.
type FileAssembler struct {
	finalPath string
	tempPath  string
	f         *os.File
	hasher    hash.Hash
	written   int64
}

// NewFileAssembler creates the destination's parent directory and the
// temporary output file.
func NewFileAssembler(path string) (*FileAssembler, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errkind.Wrap(errkind.KindInternal, "segment.assemble", err)
	}
	tempPath := path + ".part"
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindInternal, "segment.assemble", err)
	}
	return &FileAssembler{
		finalPath: path,
		tempPath:  tempPath,
		f:         f,
		hasher:    sha256.New(),
	}, nil
}

// Append writes one segment plaintext. Segments must arrive in index
// order; the download engine's reassembly worker guarantees that.
func (a *FileAssembler) Append(plain []byte) error {
	if _, err := a.f.Write(plain); err != nil {
		return errkind.Wrap(errkind.KindInternal, "segment.assemble", err)
	}
	a.hasher.Write(plain)
	a.written += int64(len(plain))
	return nil
}

// Written returns the bytes appended so far.
func (a *FileAssembler) Written() int64 {
	return a.written
}

// Commit verifies the content hash, restores the recorded modification
// time, and atomically renames the temporary file into place.
func (a *FileAssembler) Commit(wantContentHash []byte, modTime time.Time) error {
	if err := a.f.Sync(); err != nil {
		a.Abort()
		return errkind.Wrap(errkind.KindInternal, "segment.assemble", err)
	}
	if err := a.f.Close(); err != nil {
		a.Abort()
		return errkind.Wrap(errkind.KindInternal, "segment.assemble", err)
	}
	a.f = nil

	if len(wantContentHash) > 0 && !bytes.Equal(a.hasher.Sum(nil), wantContentHash) {
		a.Abort()
		return errkind.New(errkind.KindIntegrity, "segment.assemble",
			"reassembled file %s failed content hash verification", filepath.Base(a.finalPath))
	}

	if !modTime.IsZero() {
		if err := os.Chtimes(a.tempPath, modTime, modTime); err != nil {
			a.Abort()
			return errkind.Wrap(errkind.KindInternal, "segment.assemble", err)
		}
	}

	if err := os.Rename(a.tempPath, a.finalPath); err != nil {
		a.Abort()
		return errkind.Wrap(errkind.KindInternal, "segment.assemble", err)
	}
	return nil
}

// Abort discards the temporary file.
func (a *FileAssembler) Abort() {
	if a.f != nil {
		_ = a.f.Close()
		a.f = nil
	}
	_ = os.Remove(a.tempPath)
}
