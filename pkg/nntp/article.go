package nntp

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/usenetsync/usenetsync/pkg/errkind"
)

// Article is one posting unit. The Body is the already yEnc-encoded
// text; dot-stuffing is the writer's job, not the caller's.
type Article struct {
	Subject    string
	From       string
	Newsgroups []string
	MessageID  string
	Date       time.Time

	// Extra headers, written in the given order after the standard set.
	Extra [][2]string

	Body []byte
}

// WriteTo writes headers, the separator line, and the body. The writer
// is expected to be a textproto DotWriter, which performs dot-stuffing
// and appends the terminating line on Close.
func (a *Article) WriteTo(w io.Writer) error {
	if a.Subject == "" || a.From == "" || len(a.Newsgroups) == 0 {
		return errkind.New(errkind.KindInternal, "nntp.article",
			"article missing required headers")
	}

	date := a.Date
	if date.IsZero() {
		date = time.Now()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "From: %s\r\n", a.From)
	fmt.Fprintf(&sb, "Newsgroups: %s\r\n", strings.Join(a.Newsgroups, ","))
	fmt.Fprintf(&sb, "Subject: %s\r\n", a.Subject)
	if a.MessageID != "" {
		fmt.Fprintf(&sb, "Message-ID: %s\r\n", a.MessageID)
	}
	fmt.Fprintf(&sb, "Date: %s\r\n", date.UTC().Format(time.RFC1123Z))
	for _, h := range a.Extra {
		fmt.Fprintf(&sb, "%s: %s\r\n", h[0], h[1])
	}
	sb.WriteString("\r\n")

	if _, err := io.WriteString(w, sb.String()); err != nil {
		return errkind.Wrap(errkind.KindTransport, "nntp.article", err)
	}
	if _, err := w.Write(a.Body); err != nil {
		return errkind.Wrap(errkind.KindTransport, "nntp.article", err)
	}
	return nil
}
