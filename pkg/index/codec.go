package index

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"

	"github.com/usenetsync/usenetsync/pkg/crypto"
	"github.com/usenetsync/usenetsync/pkg/errkind"
)

// maxDecompressedSize caps manifest expansion. Even a 20 TB dataset
// stays far below this; anything larger is a decompression bomb.
const maxDecompressedSize = 1 << 31

var (
	xzMagic   = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	gzipMagic = []byte{0x1f, 0x8b}
)

// Seal encodes, compresses, and encrypts a manifest for posting. The
// key is derived from the folder key, so only a party holding the
// (possibly share-wrapped) folder key can read the manifest.
func Seal(folderKey []byte, m *Manifest) ([]byte, error) {
	raw, err := m.Encode()
	if err != nil {
		return nil, err
	}

	compressed, err := compressXZ(raw)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindInternal, "index.seal", err)
	}

	key, err := crypto.DeriveSubkey(folderKey, crypto.PurposeIndexEncryption)
	if err != nil {
		return nil, err
	}
	return crypto.Seal(key, compressed)
}

// Open decrypts, decompresses, and parses a sealed manifest blob. The
// compression scheme is sniffed from the plaintext magic; both LZMA
// (preferred on the posting side) and gzip are accepted.
func Open(folderKey, sealed []byte) (*Manifest, error) {
	key, err := crypto.DeriveSubkey(folderKey, crypto.PurposeIndexEncryption)
	if err != nil {
		return nil, err
	}
	compressed, err := crypto.Open(key, sealed)
	if err != nil {
		return nil, err
	}

	var r io.Reader
	switch {
	case bytes.HasPrefix(compressed, xzMagic):
		if r, err = xz.NewReader(bytes.NewReader(compressed)); err != nil {
			return nil, errkind.Wrap(errkind.KindIntegrity, "index.open", err)
		}
	case bytes.HasPrefix(compressed, gzipMagic):
		if r, err = gzip.NewReader(bytes.NewReader(compressed)); err != nil {
			return nil, errkind.Wrap(errkind.KindIntegrity, "index.open", err)
		}
	default:
		return nil, errkind.New(errkind.KindIntegrity, "index.open", "unrecognized compression")
	}

	raw, err := io.ReadAll(io.LimitReader(r, maxDecompressedSize+1))
	if err != nil {
		return nil, errkind.Wrap(errkind.KindIntegrity, "index.open", err)
	}
	if len(raw) > maxDecompressedSize {
		return nil, errkind.New(errkind.KindIntegrity, "index.open", "manifest exceeds size cap")
	}
	return Parse(raw)
}

func compressXZ(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
