package segment

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/usenetsync/usenetsync/pkg/errkind"
)

// DefaultCompressMargin is the minimum saving, in percent, a chunk must
// show before its compressed form is kept.
const DefaultCompressMargin = 10

// tryCompress gzips a chunk and reports whether the result saves at
// least margin percent. Already-compressed media loses the margin check
// and is stored as-is.
func tryCompress(data []byte, margin int) ([]byte, bool) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, false
	}
	if _, err := zw.Write(data); err != nil {
		return nil, false
	}
	if err := zw.Close(); err != nil {
		return nil, false
	}
	if int64(buf.Len())*100 > int64(len(data))*int64(100-margin) {
		return nil, false
	}
	return buf.Bytes(), true
}

// decompress reverses tryCompress.
func decompress(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errkind.Wrap(errkind.KindIntegrity, "segment.decompress", err)
	}
	defer zr.Close()

	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindIntegrity, "segment.decompress", err)
	}
	return out, nil
}
