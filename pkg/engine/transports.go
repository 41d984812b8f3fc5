// Package engine implements the queue-driven transfer engines: the
// uploader that turns segmented folders into posted articles, and the
// downloader that turns a share token back into a file tree. Both run
// bounded worker pools over the connection-pooled NNTP transport and
// record segment-granular progress in the store.
package engine

import (
	"context"
	"sort"

	"github.com/usenetsync/usenetsync/pkg/errkind"
	"github.com/usenetsync/usenetsync/pkg/nntp"
)

// Server is one configured news server with its connection pool.
type Server struct {
	Name     string
	Groups   []string
	Priority int // lower is preferred
	Pool     *nntp.Pool
}

// Transports holds the configured servers in failover order.
type Transports struct {
	servers []*Server
}

// NewTransports orders servers by priority. At least one server is
// required.
func NewTransports(servers []*Server) (*Transports, error) {
	if len(servers) == 0 {
		return nil, errkind.New(errkind.KindUsage, "engine.transports", "no servers configured")
	}
	ordered := make([]*Server, len(servers))
	copy(ordered, servers)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })
	return &Transports{servers: ordered}, nil
}

// Primary returns the preferred server. Uploads go here; downloads
// fail over through Servers in order.
func (t *Transports) Primary() *Server {
	return t.servers[0]
}

// Servers returns all servers in failover order.
func (t *Transports) Servers() []*Server {
	return t.servers
}

// Close shuts down every pool.
func (t *Transports) Close() {
	for _, s := range t.servers {
		s.Pool.Close()
	}
}

// withSession runs fn with a checked-out session, returning it with
// the operation error so the pool can discard poisoned connections.
func withSession(ctx context.Context, srv *Server, fn func(*nntp.Client) error) error {
	c, err := srv.Pool.Get(ctx)
	if err != nil {
		return err
	}
	err = fn(c)
	srv.Pool.Put(c, err)
	return err
}
