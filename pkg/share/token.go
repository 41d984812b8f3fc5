package share

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"time"

	"github.com/usenetsync/usenetsync/pkg/crypto"
	"github.com/usenetsync/usenetsync/pkg/errkind"
	"github.com/usenetsync/usenetsync/pkg/store"
)

// Scheme prefixes every share token.
const Scheme = "usenetsync://"

const (
	maxIndexRefs  = 1<<16 - 1
	maxRefLen     = 255
	maxWrappedLen = 1 << 24
)

var accessCodes = map[store.AccessType]byte{
	store.AccessPublic:    0,
	store.AccessProtected: 1,
	store.AccessPrivate:   2,
}

// Token is a parsed share token. Wrapped stays opaque until Unwrap is
// called with credentials.
type Token struct {
	Version   byte
	Access    store.AccessType
	FolderID  [16]byte
	IndexRefs []string
	Wrapped   []byte
	ExpiresAt *time.Time
}

// FolderIDHex returns the folder id as the store uses it.
func (t *Token) FolderIDHex() string {
	return hex.EncodeToString(t.FolderID[:])
}

func encodeToken(p Params, access store.AccessType, wrapped []byte) (string, error) {
	id, err := p.folderID()
	if err != nil {
		return "", err
	}
	if len(p.IndexRefs) == 0 || len(p.IndexRefs) > maxIndexRefs {
		return "", errUsage("a share needs between 1 and %d index refs", maxIndexRefs)
	}

	w := payloadWriter{}
	w.byte(TokenVersion)
	w.byte(accessCodes[access])
	w.raw(id[:])
	w.u16(uint16(len(p.IndexRefs)))
	for _, ref := range p.IndexRefs {
		if ref == "" || len(ref) > maxRefLen {
			return "", errUsage("bad index ref length")
		}
		w.byte(byte(len(ref)))
		w.raw([]byte(ref))
	}
	w.u32(uint32(len(wrapped)))
	w.raw(wrapped)
	if p.ExpiresAt != nil {
		w.byte(1)
		w.u64(uint64(p.ExpiresAt.Unix()))
	} else {
		w.byte(0)
	}

	// The envelope hides token structure (including the access-type
	// byte) from anyone who merely sees the string.
	sealed, err := crypto.Seal(tokenEnvelopeKeyV1[:], w.buf)
	if err != nil {
		return "", err
	}
	return Scheme + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Parse decodes a token string. Any malformation is a uniform denial.
func Parse(token string) (*Token, error) {
	s, ok := strings.CutPrefix(token, Scheme)
	if !ok {
		return nil, denied()
	}
	sealed, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, denied()
	}
	payload, err := crypto.Open(tokenEnvelopeKeyV1[:], sealed)
	if err != nil {
		return nil, denied()
	}

	r := payloadReader{buf: payload}
	t := &Token{}
	if t.Version, err = r.byte(); err != nil || t.Version != TokenVersion {
		return nil, denied()
	}
	accessCode, err := r.byte()
	if err != nil {
		return nil, denied()
	}
	found := false
	for access, code := range accessCodes {
		if code == accessCode {
			t.Access = access
			found = true
		}
	}
	if !found {
		return nil, denied()
	}
	id, err := r.bytes(16)
	if err != nil {
		return nil, denied()
	}
	copy(t.FolderID[:], id)

	refCount, err := r.u16()
	if err != nil || refCount == 0 {
		return nil, denied()
	}
	t.IndexRefs = make([]string, 0, refCount)
	for i := 0; i < int(refCount); i++ {
		n, err := r.byte()
		if err != nil {
			return nil, denied()
		}
		ref, err := r.bytes(int(n))
		if err != nil || n == 0 {
			return nil, denied()
		}
		t.IndexRefs = append(t.IndexRefs, string(ref))
	}

	wrappedLen, err := r.u32()
	if err != nil || wrappedLen > maxWrappedLen {
		return nil, denied()
	}
	if t.Wrapped, err = r.bytes(int(wrappedLen)); err != nil {
		return nil, denied()
	}

	hasExpiry, err := r.byte()
	if err != nil {
		return nil, denied()
	}
	if hasExpiry == 1 {
		unix, err := r.u64()
		if err != nil {
			return nil, denied()
		}
		exp := time.Unix(int64(unix), 0)
		t.ExpiresAt = &exp
	}
	if r.remaining() != 0 {
		return nil, denied()
	}
	return t, nil
}

func errUsage(format string, args ...any) error {
	return errkind.New(errkind.KindUsage, "share.token", format, args...)
}

type payloadWriter struct {
	buf []byte
}

func (w *payloadWriter) byte(b byte)  { w.buf = append(w.buf, b) }
func (w *payloadWriter) raw(b []byte) { w.buf = append(w.buf, b...) }
func (w *payloadWriter) u16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *payloadWriter) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *payloadWriter) u64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }

type payloadReader struct {
	buf []byte
	off int
}

func (r *payloadReader) remaining() int { return len(r.buf) - r.off }

func (r *payloadReader) bytes(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, denied()
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *payloadReader) byte() (byte, error) {
	b, err := r.bytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *payloadReader) u16() (uint16, error) {
	b, err := r.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *payloadReader) u32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *payloadReader) u64() (uint64, error) {
	b, err := r.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}
