// Package segment turns files into encrypted, postable segments and
// back again.
//
// The pipeline per segment is: read a fixed-size plaintext chunk, hash
// it, optionally compress it when compression actually shrinks it,
// encrypt it under the folder's segment subkey, and stage the resulting
// blob in the spool directory keyed by its own hash. The staged blob is
// exactly the article body the upload engine posts, so the hash
// recorded at segmentation time stays valid through posting and
// retrieval.
//
// Small files are aggregated into packs, a single logical segment
// payload carrying an inner directory followed by the concatenated
// file contents.
package segment

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/usenetsync/usenetsync/pkg/crypto"
	"github.com/usenetsync/usenetsync/pkg/errkind"
	"github.com/usenetsync/usenetsync/pkg/store"
)

// DefaultSegmentSize is the plaintext size of a full segment.
const DefaultSegmentSize = 768000

// Options configures a Segmenter.
type Options struct {
	// SegmentSize is the plaintext chunk size. Default: DefaultSegmentSize.
	SegmentSize int

	// Compress enables the pre-encryption compression margin check.
	// A chunk is stored compressed only when the saving meets
	// CompressMargin.
	Compress bool

	// CompressMargin is the minimum saving, in percent, before a
	// compressed chunk is kept. Default: DefaultCompressMargin.
	CompressMargin int

	// Redundancy is how many independently encrypted copies of each
	// segment are produced. Minimum 1.
	Redundancy int

	// SpoolDir is where staged ciphertext blobs are written.
	SpoolDir string
}

func (o *Options) applyDefaults() {
	if o.SegmentSize <= 0 {
		o.SegmentSize = DefaultSegmentSize
	}
	if o.Redundancy < 1 {
		o.Redundancy = 1
	}
	if o.CompressMargin <= 0 {
		o.CompressMargin = DefaultCompressMargin
	}
	if o.CompressMargin > 99 {
		o.CompressMargin = 99
	}
}

// Segmenter produces encrypted segments for one folder at one version.
// Not safe for concurrent use; the upload engine runs one per folder.
type Segmenter struct {
	opts       Options
	folderID   string
	version    uint32
	segmentKey []byte
	subjectKey []byte
	buf        []byte
}

// NewSegmenter derives the folder subkeys and prepares the spool
// directory.
func NewSegmenter(folderKey []byte, folderID string, version uint32, opts Options) (*Segmenter, error) {
	opts.applyDefaults()

	segmentKey, err := crypto.DeriveSubkey(folderKey, crypto.PurposeSegmentEncryption)
	if err != nil {
		return nil, err
	}
	subjectKey, err := crypto.DeriveSubkey(folderKey, crypto.PurposeSubjectObfuscation)
	if err != nil {
		return nil, err
	}

	if opts.SpoolDir != "" {
		if err := os.MkdirAll(opts.SpoolDir, 0700); err != nil {
			return nil, errkind.Wrap(errkind.KindInternal, "segment.new", err)
		}
	}

	return &Segmenter{
		opts:       opts,
		folderID:   folderID,
		version:    version,
		segmentKey: segmentKey,
		subjectKey: subjectKey,
		buf:        make([]byte, opts.SegmentSize),
	}, nil
}

// SegmentFile splits the file at path into segments owned by fileID.
// A zero-byte file yields no segments. Segment count for a file of
// size n is ceil(n / SegmentSize).
func (s *Segmenter) SegmentFile(ctx context.Context, fileID, path string) ([]*store.Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindNotFound, "segment.file", err)
	}
	defer f.Close()

	return s.segmentStream(ctx, f, func(seg *store.Segment) {
		id := fileID
		seg.FileID = &id
	})
}

// SegmentPack splits a pack payload into segments owned by packID.
func (s *Segmenter) SegmentPack(ctx context.Context, packID string, payload io.Reader) ([]*store.Segment, error) {
	return s.segmentStream(ctx, payload, func(seg *store.Segment) {
		id := packID
		seg.PackID = &id
	})
}

// segmentStream reads full chunks from r and emits the segment rows for
// each, including redundant copies. The owner callback binds each row
// to its file or pack.
func (s *Segmenter) segmentStream(ctx context.Context, r io.Reader, owner func(*store.Segment)) ([]*store.Segment, error) {
	var out []*store.Segment
	var index uint32

	for {
		if err := ctx.Err(); err != nil {
			return nil, errkind.Wrap(errkind.KindCancelled, "segment.stream", err)
		}

		n, err := io.ReadFull(r, s.buf)
		if err == io.EOF {
			break
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			return nil, errkind.Wrap(errkind.KindInternal, "segment.stream", err)
		}
		if n == 0 {
			break
		}

		copies, cerr := s.processChunk(s.buf[:n], index)
		if cerr != nil {
			return nil, cerr
		}
		for _, seg := range copies {
			owner(seg)
		}
		out = append(out, copies...)
		index++

		if err == io.ErrUnexpectedEOF {
			break
		}
	}

	return out, nil
}

// processChunk runs one plaintext chunk through the compress, encrypt,
// and stage steps, once per redundant copy. Copies are encrypted
// independently so each gets a distinct nonce, ciphertext hash, and
// eventually its own Message-ID.
func (s *Segmenter) processChunk(chunk []byte, index uint32) ([]*store.Segment, error) {
	plainHash := crypto.Hash(chunk)

	payload := chunk
	compressed := false
	if s.opts.Compress {
		if c, ok := tryCompress(chunk, s.opts.CompressMargin); ok {
			payload = c
			compressed = true
		}
	}

	inner, err := crypto.InnerSubject(s.subjectKey, s.folderID, s.version, index)
	if err != nil {
		return nil, err
	}
	innerHex := hex.EncodeToString(inner)

	now := time.Now()
	copies := make([]*store.Segment, 0, s.opts.Redundancy)
	for r := 0; r < s.opts.Redundancy; r++ {
		blob, err := crypto.Seal(s.segmentKey, payload)
		if err != nil {
			return nil, err
		}
		blobHash := crypto.Hash(blob)

		if s.opts.SpoolDir != "" {
			if err := s.stage(blobHash, blob); err != nil {
				return nil, err
			}
		}

		copies = append(copies, &store.Segment{
			ID:              uuid.NewString(),
			Index:           index,
			Size:            int64(len(chunk)),
			StoredSize:      int64(len(blob)),
			Compressed:      compressed,
			PlaintextHash:   plainHash,
			CiphertextHash:  blobHash,
			RedundancyIndex: int32(r),
			InnerSubject:    innerHex,
			State:           store.SegmentPending,
			CreatedAt:       now,
		})
	}

	return copies, nil
}

// stage writes a blob into the spool, keyed by its hash. An existing
// spool file with the right name is already the right content.
func (s *Segmenter) stage(blobHash, blob []byte) error {
	path := s.SpoolPath(blobHash)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.WriteFile(path, blob, 0600); err != nil {
		return errkind.Wrap(errkind.KindInternal, "segment.stage", err)
	}
	return nil
}

// SpoolPath returns the staged blob location for a ciphertext hash.
func (s *Segmenter) SpoolPath(blobHash []byte) string {
	return filepath.Join(s.opts.SpoolDir, hex.EncodeToString(blobHash))
}

// ReadSpool loads a staged blob and verifies it against its name.
func ReadSpool(spoolDir string, blobHash []byte) ([]byte, error) {
	path := filepath.Join(spoolDir, hex.EncodeToString(blobHash))
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindNotFound, "segment.spool", err)
	}
	if got := crypto.Hash(blob); !bytes.Equal(got, blobHash) {
		return nil, errkind.New(errkind.KindIntegrity, "segment.spool",
			"staged blob %s does not match its hash", filepath.Base(path))
	}
	return blob, nil
}

// RemoveSpool deletes a staged blob once its segment is posted.
func RemoveSpool(spoolDir string, blobHash []byte) error {
	path := filepath.Join(spoolDir, hex.EncodeToString(blobHash))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errkind.Wrap(errkind.KindInternal, "segment.spool", err)
	}
	return nil
}

// CountSegments returns ceil(size / segmentSize), the number of
// segments a file of the given size produces.
func CountSegments(size int64, segmentSize int) int64 {
	if size <= 0 {
		return 0
	}
	ss := int64(segmentSize)
	return (size + ss - 1) / ss
}
