package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"github.com/usenetsync/usenetsync/pkg/errkind"
)

// HashSize is the content hash size in bytes (SHA-256).
const HashSize = sha256.Size

// Hash returns the SHA-256 digest of data.
func Hash(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// HashReader streams r through SHA-256 and returns the digest and the
// number of bytes read.
func HashReader(r io.Reader) ([]byte, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return nil, n, errkind.Wrap(errkind.KindInternal, "crypto.hashreader", err)
	}
	return h.Sum(nil), n, nil
}

// HashFile returns the SHA-256 digest of the file at path and its size.
func HashFile(path string) ([]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, errkind.Wrap(errkind.KindNotFound, "crypto.hashfile", err)
	}
	defer f.Close()
	return HashReader(f)
}

// HexHash returns the lowercase hex encoding of a digest.
func HexHash(digest []byte) string {
	return hex.EncodeToString(digest)
}
