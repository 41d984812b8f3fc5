package nntp

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usenetsync/usenetsync/pkg/errkind"
	"github.com/usenetsync/usenetsync/pkg/nntp/nntptest"
)

func startServer(t *testing.T) (*nntptest.Server, Config) {
	t.Helper()
	srv, err := nntptest.NewServer()
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	host, port := srv.Addr()
	return srv, Config{
		Host:           host,
		Port:           port,
		TLS:            false,
		ConnectTimeout: 5 * time.Second,
		OpTimeout:      5 * time.Second,
	}
}

func dialTest(t *testing.T, cfg Config) *Client {
	t.Helper()
	c, err := Dial(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testArticle(body string) *Article {
	return &Article{
		Subject:    "deadbeefcafe0000",
		From:       "poster <poster@usenetsync.local>",
		Newsgroups: []string{"alt.binaries.backup"},
		MessageID:  NewMessageID("usenetsync.local"),
		Body:       []byte(body),
	}
}

func TestDialAndCapabilities(t *testing.T) {
	_, cfg := startServer(t)
	c := dialTest(t, cfg)

	caps, err := c.Capabilities()
	require.NoError(t, err)
	assert.Contains(t, caps, "POST")
}

func TestMaxArticleSize(t *testing.T) {
	tests := []struct {
		name      string
		caps      []string
		wantLimit int64
		wantOK    bool
	}{
		{"advertised", []string{"VERSION 2", "POST", "MAXARTSIZE 768000"}, 768000, true},
		{"lowercase", []string{"maxartsize 1048576"}, 1048576, true},
		{"not advertised", []string{"VERSION 2", "POST"}, 0, false},
		{"malformed value", []string{"MAXARTSIZE lots"}, 0, false},
		{"zero value", []string{"MAXARTSIZE 0"}, 0, false},
		{"missing value", []string{"MAXARTSIZE"}, 0, false},
		{"empty list", nil, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limit, ok := MaxArticleSize(tt.caps)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantLimit, limit)
		})
	}
}

func TestCapabilitiesAdvertiseMaxArticleSize(t *testing.T) {
	srv, cfg := startServer(t)
	srv.SetMaxArticleSize(500000)
	c := dialTest(t, cfg)

	caps, err := c.Capabilities()
	require.NoError(t, err)

	limit, ok := MaxArticleSize(caps)
	require.True(t, ok)
	assert.Equal(t, int64(500000), limit)
}

func TestAuthentication(t *testing.T) {
	srv, cfg := startServer(t)
	srv.Username = "user"
	srv.Password = "secret"

	t.Run("correct credentials", func(t *testing.T) {
		good := cfg
		good.Username = "user"
		good.Password = "secret"
		c := dialTest(t, good)
		assert.NoError(t, c.Group("alt.binaries.backup"))
	})

	t.Run("wrong password is denied", func(t *testing.T) {
		bad := cfg
		bad.Username = "user"
		bad.Password = "wrong"
		_, err := Dial(context.Background(), bad)
		require.Error(t, err)
		assert.True(t, errkind.Is(err, errkind.KindDenied))
	})

	t.Run("unauthenticated commands are denied", func(t *testing.T) {
		c := dialTest(t, cfg)
		err := c.Group("alt.binaries.backup")
		assert.True(t, errkind.Is(err, errkind.KindDenied))
	})
}

func TestPostAndRetrieve(t *testing.T) {
	srv, cfg := startServer(t)
	c := dialTest(t, cfg)
	require.NoError(t, c.Group("alt.binaries.backup"))

	body := "=ybegin line=128 size=11 name=x\r\npayloadhere\r\n=yend size=11"
	art := testArticle(body)

	id, err := c.Post(art)
	require.NoError(t, err)
	assert.Equal(t, art.MessageID, id, "server echoes our suggested id")

	stored, ok := srv.Article(id)
	require.True(t, ok)
	assert.Equal(t, art.Subject, stored.Subject)

	require.NoError(t, c.Stat(id))

	got, err := c.Body(id)
	require.NoError(t, err)
	assert.Equal(t, "payloadhere", strings.Split(string(got), "\n")[1])
}

func TestPostPlaceholderAckFallsBackToSuggestedID(t *testing.T) {
	srv, cfg := startServer(t)
	srv.PlaceholderAck = true
	c := dialTest(t, cfg)

	art := testArticle("body")
	id, err := c.Post(art)
	require.NoError(t, err)
	assert.Equal(t, art.MessageID, id)

	_, ok := srv.Article(art.MessageID)
	assert.True(t, ok, "article must be stored under the suggested id")
}

func TestPostFailureClassification(t *testing.T) {
	srv, cfg := startServer(t)
	c := dialTest(t, cfg)

	t.Run("441 is transient transport", func(t *testing.T) {
		srv.FailNextPost(441, "posting failed")
		_, err := c.Post(testArticle("x"))
		require.Error(t, err)
		assert.True(t, errkind.Is(err, errkind.KindTransport))
		assert.True(t, errkind.IsTransient(err))
	})

	t.Run("440 is denied", func(t *testing.T) {
		srv.FailNextPost(440, "posting not permitted")
		_, err := c.Post(testArticle("x"))
		require.Error(t, err)
		assert.True(t, errkind.Is(err, errkind.KindDenied))
		assert.False(t, errkind.IsTransient(err))
	})
}

func TestStatMissingArticle(t *testing.T) {
	_, cfg := startServer(t)
	c := dialTest(t, cfg)

	err := c.Stat("<missing@nowhere>")
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.KindNotFound))
}

func TestBodyMissingArticle(t *testing.T) {
	_, cfg := startServer(t)
	c := dialTest(t, cfg)

	_, err := c.Body("<missing@nowhere>")
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.KindNotFound))
}

func TestGroupSelectionSticky(t *testing.T) {
	srv, cfg := startServer(t)
	srv.AddGroup("alt.binaries.other")
	c := dialTest(t, cfg)

	require.NoError(t, c.Group("alt.binaries.backup"))
	require.NoError(t, c.Group("alt.binaries.backup"), "re-selecting is a no-op")
	require.NoError(t, c.Group("alt.binaries.other"))

	err := c.Group("alt.binaries.nonexistent")
	assert.Error(t, err)
}

func TestExtractMessageID(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want string
	}{
		{"real id", "article received <abc@server.net>", "<abc@server.net>"},
		{"placeholder", "<posted> ok", ""},
		{"no id", "article received ok", ""},
		{"no at sign", "ok <posted-ok>", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractMessageID(tt.msg))
		})
	}
}
