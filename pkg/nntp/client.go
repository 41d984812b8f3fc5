// Package nntp implements the news server transport: a single-session
// client speaking RFC 3977 over plain TCP or implicit TLS, and a
// bounded connection pool on top of it.
//
// The client is deliberately small. It covers exactly the commands the
// engines use: CAPABILITIES, AUTHINFO, GROUP, POST, STAT, BODY, and
// QUIT. A connection is checked out of the pool exclusively; commands
// on one connection never interleave.
package nntp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/usenetsync/usenetsync/pkg/errkind"
)

// Config describes one server connection for dialing.
type Config struct {
	Host           string
	Port           int
	TLS            bool
	Username       string
	Password       string
	MaxConnections int
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration

	// OpTimeout bounds a single command round trip, body transfer
	// included. Default: 2m.
	OpTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		if c.TLS {
			c.Port = 563
		} else {
			c.Port = 119
		}
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 10
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.OpTimeout == 0 {
		c.OpTimeout = 2 * time.Minute
	}
}

// Addr returns the dial address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

// Client is one NNTP session. Not safe for concurrent use.
type Client struct {
	conn      net.Conn
	text      *textproto.Conn
	cfg       Config
	group     string
	createdAt time.Time
	lastUsed  time.Time
	broken    bool
}

// Dial connects, reads the greeting, and authenticates when
// credentials are configured.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	cfg.applyDefaults()

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	var conn net.Conn
	var err error
	if cfg.TLS {
		td := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: cfg.Host}}
		conn, err = td.DialContext(ctx, "tcp", cfg.Addr())
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", cfg.Addr())
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.KindTransport, "nntp.dial", err)
	}

	c := &Client{
		conn:      conn,
		text:      textproto.NewConn(conn),
		cfg:       cfg,
		createdAt: time.Now(),
		lastUsed:  time.Now(),
	}

	// 200 posting allowed, 201 read-only.
	if _, _, err := c.readCode(200, 201); err != nil {
		conn.Close()
		return nil, err
	}

	if cfg.Username != "" {
		if err := c.authenticate(cfg.Username, cfg.Password); err != nil {
			conn.Close()
			return nil, err
		}
	}

	return c, nil
}

// authenticate runs the AUTHINFO USER/PASS exchange.
func (c *Client) authenticate(username, password string) error {
	code, _, err := c.cmd("AUTHINFO USER %s", username)
	if err != nil {
		return err
	}
	switch code {
	case 281:
		return nil
	case 381:
		// password requested
	default:
		return c.statusError("nntp.auth", code, "")
	}

	code, msg, err := c.cmd("AUTHINFO PASS %s", password)
	if err != nil {
		return err
	}
	if code != 281 {
		return c.statusError("nntp.auth", code, msg)
	}
	return nil
}

// Capabilities returns the server's advertised capability list.
func (c *Client) Capabilities() ([]string, error) {
	if err := c.deadline(); err != nil {
		return nil, err
	}
	id, err := c.text.Cmd("CAPABILITIES")
	if err != nil {
		return nil, c.transportError("nntp.capabilities", err)
	}
	c.text.StartResponse(id)
	defer c.text.EndResponse(id)

	if _, _, err := c.text.ReadCodeLine(101); err != nil {
		return nil, c.transportError("nntp.capabilities", err)
	}
	lines, err := c.text.ReadDotLines()
	if err != nil {
		return nil, c.transportError("nntp.capabilities", err)
	}
	c.lastUsed = time.Now()
	return lines, nil
}

// MaxArticleSize extracts a MAXARTSIZE limit from a capability list.
// Returns ok=false when the server does not advertise one.
func MaxArticleSize(caps []string) (limit int64, ok bool) {
	for _, line := range caps {
		fields := strings.Fields(line)
		if len(fields) != 2 || !strings.EqualFold(fields[0], "MAXARTSIZE") {
			continue
		}
		n, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil || n <= 0 {
			continue
		}
		return n, true
	}
	return 0, false
}

// Group selects a newsgroup. Selection is sticky per connection; the
// pool re-selects after checkout only when the group changed.
func (c *Client) Group(name string) error {
	if c.group == name {
		return nil
	}
	code, msg, err := c.cmd("GROUP %s", name)
	if err != nil {
		return err
	}
	if code != 211 {
		return c.statusError("nntp.group", code, msg)
	}
	c.group = name
	return nil
}

// Post submits an article and returns the Message-ID the article is
// retrievable under. Servers that acknowledge with their own
// Message-ID win; otherwise the article's client-suggested Message-ID
// stands. A placeholder acknowledgment such as "<posted>" counts as no
// server Message-ID.
func (c *Client) Post(a *Article) (string, error) {
	code, msg, err := c.cmd("POST")
	if err != nil {
		return "", err
	}
	if code != 340 {
		return "", c.statusError("nntp.post", code, msg)
	}

	dw := c.text.DotWriter()
	if err := a.WriteTo(dw); err != nil {
		dw.Close()
		c.broken = true
		return "", err
	}
	if err := dw.Close(); err != nil {
		c.broken = true
		return "", c.transportError("nntp.post", err)
	}

	code, msg, err = c.readCode(240)
	if err != nil {
		return "", err
	}
	_ = code

	if id := extractMessageID(msg); id != "" {
		return id, nil
	}
	return a.MessageID, nil
}

// Stat checks whether an article exists without transferring it.
func (c *Client) Stat(messageID string) error {
	code, msg, err := c.cmd("STAT %s", messageID)
	if err != nil {
		return err
	}
	if code != 223 {
		return c.statusError("nntp.stat", code, msg)
	}
	return nil
}

// Body fetches an article body, dot-unstuffed.
func (c *Client) Body(messageID string) ([]byte, error) {
	if err := c.deadline(); err != nil {
		return nil, err
	}
	id, err := c.text.Cmd("BODY %s", messageID)
	if err != nil {
		return nil, c.transportError("nntp.body", err)
	}
	c.text.StartResponse(id)
	defer c.text.EndResponse(id)

	code, msg, err := c.text.ReadCodeLine(222)
	if err != nil {
		if code > 0 {
			return nil, c.statusError("nntp.body", code, msg)
		}
		return nil, c.transportError("nntp.body", err)
	}

	body, err := c.text.ReadDotBytes()
	if err != nil {
		return nil, c.transportError("nntp.body", err)
	}
	c.lastUsed = time.Now()
	return body, nil
}

// Quit ends the session politely and closes the connection.
func (c *Client) Quit() error {
	_, _, _ = c.cmd("QUIT")
	return c.Close()
}

// Close tears the connection down.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Broken reports whether the session is in an undefined protocol state
// and must not be reused.
func (c *Client) Broken() bool {
	return c.broken
}

// cmd sends one command and reads the single-line response.
func (c *Client) cmd(format string, args ...any) (int, string, error) {
	if err := c.deadline(); err != nil {
		return 0, "", err
	}
	id, err := c.text.Cmd(format, args...)
	if err != nil {
		return 0, "", c.transportError("nntp.cmd", err)
	}
	c.text.StartResponse(id)
	defer c.text.EndResponse(id)

	code, msg, err := c.text.ReadCodeLine(-1)
	if err != nil {
		return 0, "", c.transportError("nntp.cmd", err)
	}
	c.lastUsed = time.Now()
	return code, msg, nil
}

// readCode reads a single-line response and requires one of the given
// status codes.
func (c *Client) readCode(want ...int) (int, string, error) {
	code, msg, err := c.text.ReadCodeLine(-1)
	if err != nil {
		return 0, "", c.transportError("nntp.read", err)
	}
	c.lastUsed = time.Now()
	for _, w := range want {
		if code == w {
			return code, msg, nil
		}
	}
	return code, msg, c.statusError("nntp.read", code, msg)
}

// deadline arms the per-operation timeout.
func (c *Client) deadline() error {
	if err := c.conn.SetDeadline(time.Now().Add(c.cfg.OpTimeout)); err != nil {
		c.broken = true
		return errkind.Wrap(errkind.KindTransport, "nntp.deadline", err)
	}
	return nil
}

// transportError marks the session broken and wraps an I/O failure.
func (c *Client) transportError(op string, err error) error {
	c.broken = true
	return errkind.Wrap(errkind.KindTransport, op, err)
}

// statusError maps an NNTP status code onto the error taxonomy.
func (c *Client) statusError(op string, code int, msg string) error {
	return StatusError(op, code, msg)
}

// extractMessageID pulls the first <...> token out of a response line.
// Placeholder acknowledgments like "<posted>" do not count.
func extractMessageID(msg string) string {
	start := strings.IndexByte(msg, '<')
	if start < 0 {
		return ""
	}
	end := strings.IndexByte(msg[start:], '>')
	if end < 0 {
		return ""
	}
	id := msg[start : start+end+1]
	if id == "<posted>" || !strings.Contains(id, "@") {
		return ""
	}
	return id
}

// NewMessageID returns a client-suggested Message-ID under the given
// domain.
func NewMessageID(domain string) string {
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}
