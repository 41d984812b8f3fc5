package yenc

import (
	"bufio"
	"bytes"
	"hash/crc32"
	"io"
	"strconv"
	"strings"

	"github.com/usenetsync/usenetsync/pkg/errkind"
)

// Message is a decoded yEnc part.
type Message struct {
	Name  string
	Part  int
	Total int
	Begin int64 // 1-based inclusive, from =ypart
	End   int64
	Size  int64 // total logical file size, from =ybegin
	Body  []byte
}

// Decode parses a single yEnc part from r. It validates the trailer
// size and, when present, the part CRC32; a mismatch surfaces as an
// Integrity error so the caller moves to the next redundancy copy.
func Decode(r io.Reader) (*Message, error) {
	br := bufio.NewReader(r)
	msg := &Message{}

	// Scan for =ybegin, tolerating leading headers or noise.
	var beginAttrs map[string]string
	for {
		line, err := readLine(br)
		if err != nil {
			return nil, errkind.New(errkind.KindIntegrity, "yenc.decode", "missing =ybegin header")
		}
		if strings.HasPrefix(line, "=ybegin ") {
			beginAttrs = parseAttrs(line[len("=ybegin "):])
			break
		}
	}

	msg.Name = beginAttrs["name"]
	msg.Part = atoi(beginAttrs["part"])
	msg.Total = atoi(beginAttrs["total"])
	msg.Size = atoi64(beginAttrs["size"])

	var body bytes.Buffer
	var trailer map[string]string

	for {
		line, err := readLine(br)
		if err != nil {
			return nil, errkind.New(errkind.KindIntegrity, "yenc.decode", "missing =yend trailer")
		}
		if strings.HasPrefix(line, "=ypart ") {
			partAttrs := parseAttrs(line[len("=ypart "):])
			msg.Begin = atoi64(partAttrs["begin"])
			msg.End = atoi64(partAttrs["end"])
			continue
		}
		if strings.HasPrefix(line, "=yend") {
			trailer = parseAttrs(strings.TrimPrefix(line, "=yend"))
			break
		}
		decodeLine(&body, line)
	}

	msg.Body = body.Bytes()

	if sizeStr, ok := trailer["size"]; ok {
		if want := atoi64(sizeStr); want != int64(len(msg.Body)) {
			return nil, errkind.New(errkind.KindIntegrity, "yenc.decode",
				"size mismatch: trailer %d, decoded %d", want, len(msg.Body))
		}
	}
	if crcStr, ok := trailer["pcrc32"]; ok {
		want, err := strconv.ParseUint(strings.TrimSpace(crcStr), 16, 32)
		if err != nil {
			return nil, errkind.New(errkind.KindIntegrity, "yenc.decode", "bad pcrc32 %q", crcStr)
		}
		if got := crc32.ChecksumIEEE(msg.Body); got != uint32(want) {
			return nil, errkind.New(errkind.KindIntegrity, "yenc.decode",
				"crc mismatch: trailer %08x, decoded %08x", want, got)
		}
	}

	return msg, nil
}

// decodeLine appends the decoded bytes of one encoded line to out.
func decodeLine(out *bytes.Buffer, line string) {
	escape := false
	for i := 0; i < len(line); i++ {
		c := line[i]
		if escape {
			out.WriteByte(c - 64 - 42)
			escape = false
			continue
		}
		if c == '=' {
			escape = true
			continue
		}
		out.WriteByte(c - 42)
	}
}

// readLine reads a CRLF- or LF-terminated line without its terminator.
func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// parseAttrs parses "key=value key=value name=with spaces" attribute
// runs. name= is always last and may contain spaces.
func parseAttrs(s string) map[string]string {
	attrs := make(map[string]string)
	s = strings.TrimSpace(s)

	if idx := strings.Index(s, "name="); idx >= 0 {
		attrs["name"] = strings.TrimSpace(s[idx+len("name="):])
		s = strings.TrimSpace(s[:idx])
	}

	for _, field := range strings.Fields(s) {
		if k, v, ok := strings.Cut(field, "="); ok {
			attrs[k] = v
		}
	}
	return attrs
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
