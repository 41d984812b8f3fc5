// Package nntptest provides an in-memory news server for transport and
// engine tests. It speaks just enough RFC 3977 to exercise the client:
// greeting, CAPABILITIES, AUTHINFO, GROUP, POST, STAT, BODY, and QUIT,
// plus failure injection for the awkward server behaviors worth
// covering (placeholder POST acknowledgments, connection caps, flaky
// postings).
package nntptest

import (
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"time"
)

// Article is one stored posting.
type Article struct {
	MessageID string
	Subject   string
	Headers   map[string]string
	Body      []byte
}

// Server is an in-memory NNTP server bound to a loopback port.
type Server struct {
	ln net.Listener

	// Username and Password, when set, require AUTHINFO before any
	// other command.
	Username string
	Password string

	// PlaceholderAck makes POST acknowledge without a usable
	// Message-ID, the way some providers do.
	PlaceholderAck bool

	// MaxSessions, when positive, rejects further connections with a
	// 502 connection-limit greeting.
	MaxSessions int

	mu             sync.Mutex
	articles       map[string]*Article
	groups         map[string]bool
	active         int
	failPosts      []failure
	posted         int
	maxArticleSize int64
	postHook       func(posted int)
}

type failure struct {
	code int
	msg  string
}

// NewServer starts a server on a random loopback port.
func NewServer() (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		ln:       ln,
		articles: make(map[string]*Article),
		groups:   map[string]bool{"alt.binaries.backup": true},
	}
	go s.acceptLoop()
	return s, nil
}

// Addr returns host and port.
func (s *Server) Addr() (host string, port int) {
	addr := s.ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

// Close stops accepting. Existing sessions die with their connections.
func (s *Server) Close() {
	_ = s.ln.Close()
}

// AddGroup registers a newsgroup.
func (s *Server) AddGroup(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[name] = true
}

// Article returns a stored article by Message-ID.
func (s *Server) Article(messageID string) (*Article, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.articles[messageID]
	return a, ok
}

// ArticleCount returns how many articles are stored.
func (s *Server) ArticleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.articles)
}

// RemoveArticle drops an article, simulating retention expiry.
func (s *Server) RemoveArticle(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.articles, messageID)
}

// Put stores an article directly, bypassing POST.
func (s *Server) Put(a *Article) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.articles[a.MessageID] = a
}

// FailNextPost queues one POST failure with the given status.
func (s *Server) FailNextPost(code int, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPosts = append(s.failPosts, failure{code: code, msg: msg})
}

// SetMaxArticleSize makes CAPABILITIES advertise a MAXARTSIZE limit.
func (s *Server) SetMaxArticleSize(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxArticleSize = n
}

// SetPostHook installs a callback invoked after each successful POST
// with the running success count. Tests use it to inject failures at a
// precise point in an upload.
func (s *Server) SetPostHook(fn func(posted int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.postHook = fn
}

// PostedCount returns how many POST commands succeeded.
func (s *Server) PostedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.posted
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer conn.Close()

	s.mu.Lock()
	if s.MaxSessions > 0 && s.active >= s.MaxSessions {
		s.mu.Unlock()
		text := textproto.NewConn(conn)
		_ = text.PrintfLine("502 too many connections")
		return
	}
	s.active++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	text := textproto.NewConn(conn)
	if err := text.PrintfLine("200 nntptest ready, posting allowed"); err != nil {
		return
	}

	authed := s.Username == ""
	var pendingUser string

	for {
		line, err := text.ReadLine()
		if err != nil {
			return
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		cmd := strings.ToUpper(fields[0])

		switch cmd {
		case "QUIT":
			_ = text.PrintfLine("205 bye")
			return

		case "CAPABILITIES":
			s.mu.Lock()
			maxSize := s.maxArticleSize
			s.mu.Unlock()
			_ = text.PrintfLine("101 capability list follows")
			dw := text.DotWriter()
			fmt.Fprintf(dw, "VERSION 2\r\nREADER\r\nPOST\r\nAUTHINFO USER\r\n")
			if maxSize > 0 {
				fmt.Fprintf(dw, "MAXARTSIZE %d\r\n", maxSize)
			}
			_ = dw.Close()

		case "AUTHINFO":
			if len(fields) < 3 {
				_ = text.PrintfLine("501 syntax error")
				continue
			}
			switch strings.ToUpper(fields[1]) {
			case "USER":
				pendingUser = fields[2]
				_ = text.PrintfLine("381 password required")
			case "PASS":
				if pendingUser == s.Username && fields[2] == s.Password {
					authed = true
					_ = text.PrintfLine("281 authentication accepted")
				} else {
					_ = text.PrintfLine("481 authentication failed")
				}
			default:
				_ = text.PrintfLine("501 syntax error")
			}

		case "GROUP":
			if !authed {
				_ = text.PrintfLine("480 authentication required")
				continue
			}
			if len(fields) < 2 || !s.hasGroup(fields[1]) {
				_ = text.PrintfLine("411 no such newsgroup")
				continue
			}
			_ = text.PrintfLine("211 0 0 0 %s", fields[1])

		case "POST":
			if !authed {
				_ = text.PrintfLine("480 authentication required")
				continue
			}
			s.handlePost(text)

		case "STAT":
			if len(fields) < 2 {
				_ = text.PrintfLine("501 syntax error")
				continue
			}
			if _, ok := s.Article(fields[1]); ok {
				_ = text.PrintfLine("223 0 %s", fields[1])
			} else {
				_ = text.PrintfLine("430 no such article")
			}

		case "BODY":
			if len(fields) < 2 {
				_ = text.PrintfLine("501 syntax error")
				continue
			}
			a, ok := s.Article(fields[1])
			if !ok {
				_ = text.PrintfLine("430 no such article")
				continue
			}
			_ = text.PrintfLine("222 0 %s", fields[1])
			dw := text.DotWriter()
			_, _ = dw.Write(a.Body)
			_ = dw.Close()

		default:
			_ = text.PrintfLine("500 unknown command")
		}
	}
}

func (s *Server) hasGroup(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groups[name]
}

func (s *Server) handlePost(text *textproto.Conn) {
	s.mu.Lock()
	var fail *failure
	if len(s.failPosts) > 0 {
		fail = &s.failPosts[0]
		s.failPosts = s.failPosts[1:]
	}
	s.mu.Unlock()

	_ = text.PrintfLine("340 send article")

	raw, err := io.ReadAll(text.DotReader())
	if err != nil {
		return
	}

	if fail != nil {
		_ = text.PrintfLine("%d %s", fail.code, fail.msg)
		return
	}

	headers, body := splitArticle(raw)
	id := headers["message-id"]
	if id == "" {
		id = fmt.Sprintf("<srv-%d@nntptest.local>", time.Now().UnixNano())
	}

	s.mu.Lock()
	s.articles[id] = &Article{
		MessageID: id,
		Subject:   headers["subject"],
		Headers:   headers,
		Body:      body,
	}
	s.posted++
	posted := s.posted
	placeholder := s.PlaceholderAck
	hook := s.postHook
	s.mu.Unlock()

	if placeholder {
		_ = text.PrintfLine("240 <posted> article received")
	} else {
		_ = text.PrintfLine("240 article received %s", id)
	}

	if hook != nil {
		hook(posted)
	}
}

// splitArticle separates a raw dot-unstuffed article into lowercase
// header map and body.
func splitArticle(raw []byte) (map[string]string, []byte) {
	headers := make(map[string]string)
	s := string(raw)

	sep := "\n\n"
	idx := strings.Index(s, sep)
	if cr := strings.Index(s, "\r\n\r\n"); cr >= 0 && (idx < 0 || cr < idx) {
		idx = cr
		sep = "\r\n\r\n"
	}
	if idx < 0 {
		return headers, raw
	}

	for _, line := range strings.Split(s[:idx], "\n") {
		line = strings.TrimRight(line, "\r")
		colon := strings.Index(line, ":")
		if colon <= 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:colon]))
		headers[key] = strings.TrimSpace(line[colon+1:])
	}

	return headers, []byte(s[idx+len(sep):])
}
