package engine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/usenetsync/usenetsync/internal/logger"
	"github.com/usenetsync/usenetsync/internal/retry"
	"github.com/usenetsync/usenetsync/pkg/crypto"
	"github.com/usenetsync/usenetsync/pkg/errkind"
	"github.com/usenetsync/usenetsync/pkg/index"
	"github.com/usenetsync/usenetsync/pkg/metrics"
	"github.com/usenetsync/usenetsync/pkg/nntp"
	"github.com/usenetsync/usenetsync/pkg/segment"
	"github.com/usenetsync/usenetsync/pkg/share"
	"github.com/usenetsync/usenetsync/pkg/store"
	"github.com/usenetsync/usenetsync/pkg/yenc"
)

// maxArticleBody bounds a single decoded segment blob.
const maxArticleBody = 1 << 20

// DownloadOptions tunes one downloader instance.
type DownloadOptions struct {
	Workers       int
	CacheSize     int64
	MaxRetries    int
	RetryInterval time.Duration
}

func (o *DownloadOptions) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	// The reassembly worker consumes segments in order while fetch
	// workers may complete out of order. Everything ahead of the
	// reassembly cursor is at most the queued plus in-flight jobs, so
	// a cache at least that large can always admit the segment the
	// consumer is waiting for.
	floor := int64(3*o.Workers+2) * maxArticleBody
	if o.CacheSize < floor {
		o.CacheSize = floor
	}
}

// Downloader turns a share token into a reconstructed file tree.
type Downloader struct {
	store   *store.GORMStore
	trans   *Transports
	opts    DownloadOptions
	metrics *metrics.Metrics
}

// NewDownloader creates a downloader.
func NewDownloader(st *store.GORMStore, trans *Transports, opts DownloadOptions, m *metrics.Metrics) *Downloader {
	opts.applyDefaults()
	return &Downloader{store: st, trans: trans, opts: opts, metrics: m}
}

// Run processes one download queue item: verify access, fetch and
// parse the core index, then fetch, decrypt, and reassemble every
// selected file into the target directory. Credentials are presented
// per run and never persisted.
//
// Files already present with a matching content hash are skipped, so a
// rerun after a partial failure only fetches what is missing.
func (d *Downloader) Run(ctx context.Context, itemID string, creds share.Credentials) error {
	item, err := d.store.GetDownloadItem(ctx, itemID)
	if err != nil {
		return err
	}
	folderKey, tok, err := share.VerifyAccess(item.Token, creds)
	if err != nil {
		return err
	}
	if err := d.store.SetDownloadItemState(ctx, itemID, store.ItemRunning, ""); err != nil {
		return err
	}

	runErr := d.run(ctx, item, folderKey, tok)
	switch {
	case runErr == nil:
		return d.store.SetDownloadItemState(ctx, itemID, store.ItemCompleted, "")
	case errkind.Is(runErr, errkind.KindCancelled):
		_ = d.store.SetDownloadItemState(context.WithoutCancel(ctx), itemID, store.ItemPaused, runErr.Error())
		return runErr
	default:
		_ = d.store.SetDownloadItemState(context.WithoutCancel(ctx), itemID, store.ItemFailed, runErr.Error())
		return runErr
	}
}

// filePlan is the reassembly unit for one manifest entry.
type filePlan struct {
	ref   uint64
	entry index.FileEntry
	// groups holds, per segment index, the primary entry followed by
	// its redundancy copies.
	groups [][]index.SegmentEntry
}

// fetchJob is one segment to retrieve, with its fallback copies.
type fetchJob struct {
	key    string
	size   int64
	copies []index.SegmentEntry
}

func segKey(ref uint64, idx uint32) string {
	return fmt.Sprintf("%d:%d", ref, idx)
}

func (d *Downloader) run(ctx context.Context, item *store.DownloadItem, folderKey []byte, tok *share.Token) error {
	manifest, err := d.fetchIndex(ctx, tok, folderKey)
	if err != nil {
		return err
	}
	opener, err := segment.NewOpener(folderKey)
	if err != nil {
		return err
	}

	plans, err := d.plan(item, manifest)
	if err != nil {
		return err
	}
	if err := d.initProgress(ctx, item, plans); err != nil {
		return err
	}

	cache := NewSegmentCache(d.opts.CacheSize, d.metrics)
	defer cache.Close()

	jobs := make(chan fetchJob, 2*d.opts.Workers)
	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()

	p.Go(func(ctx context.Context) error {
		defer close(jobs)
		for _, fp := range plans {
			for _, group := range fp.groups {
				job := fetchJob{
					key:    segKey(fp.ref, group[0].Index),
					size:   int64(group[0].Size),
					copies: group,
				}
				select {
				case jobs <- job:
				case <-ctx.Done():
					return errkind.Wrap(errkind.KindCancelled, "engine.download", ctx.Err())
				}
			}
		}
		return nil
	})
	for i := 0; i < d.opts.Workers; i++ {
		p.Go(func(ctx context.Context) error {
			for job := range jobs {
				if err := d.fetchSegment(ctx, item, cache, job); err != nil {
					return err
				}
			}
			return nil
		})
	}
	p.Go(func(ctx context.Context) error {
		return d.reassemble(ctx, item, manifest, plans, opener, cache)
	})

	return p.Wait()
}

// plan decides what actually needs fetching: selected files that are
// not already on disk with the right content, plus the packs that may
// carry selected members.
func (d *Downloader) plan(item *store.DownloadItem, m *index.Manifest) ([]*filePlan, error) {
	selected := parseSelectors(item.Selectors)

	var plans []*filePlan
	anyPacked := false
	for ref := range m.Files {
		e := &m.Files[ref]
		switch {
		case e.IsPack():
			continue // decided after the regular files
		case !selectedPath(selected, e.Path):
			continue
		case e.SegmentCount == 0 && e.Size > 0:
			anyPacked = true // carried inside a pack
			continue
		case e.Size == 0:
			continue // materialized without any fetch
		}
		done, err := alreadyOnDisk(filepath.Join(item.TargetDir, filepath.FromSlash(e.Path)), e)
		if err != nil {
			return nil, err
		}
		if done {
			continue
		}
		plans = append(plans, &filePlan{
			ref:    uint64(ref),
			entry:  *e,
			groups: groupCopies(m.FileSegments(uint64(ref))),
		})
	}

	// Pack membership is only recorded inside the pack payload, so any
	// selected packed member means fetching every pack.
	if anyPacked {
		for ref := range m.Files {
			e := &m.Files[ref]
			if !e.IsPack() {
				continue
			}
			plans = append(plans, &filePlan{
				ref:    uint64(ref),
				entry:  *e,
				groups: groupCopies(m.FileSegments(uint64(ref))),
			})
		}
	}

	return plans, nil
}

func parseSelectors(s string) map[string]bool {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	out := make(map[string]bool)
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out[line] = true
		}
	}
	return out
}

func selectedPath(selected map[string]bool, path string) bool {
	return len(selected) == 0 || selected[path]
}

// alreadyOnDisk reports whether the target file exists with the
// recorded size and content hash.
func alreadyOnDisk(path string, e *index.FileEntry) (bool, error) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() || info.Size() != int64(e.Size) {
		return false, nil
	}
	hash, _, err := crypto.HashFile(path)
	if err != nil {
		return false, nil
	}
	return bytes.Equal(hash, e.ContentHash[:]), nil
}

// groupCopies splits a (index-ordered) segment entry run into one
// group per segment index, primary first.
func groupCopies(entries []index.SegmentEntry) [][]index.SegmentEntry {
	var groups [][]index.SegmentEntry
	for _, e := range entries {
		if n := len(groups); n > 0 && groups[n-1][0].Index == e.Index {
			groups[n-1] = append(groups[n-1], e)
			continue
		}
		groups = append(groups, []index.SegmentEntry{e})
	}
	return groups
}

func (d *Downloader) initProgress(ctx context.Context, item *store.DownloadItem, plans []*filePlan) error {
	existing, err := d.store.ListProgress(ctx, item.ID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	var rows []*store.SegmentProgress
	var total int64
	for _, fp := range plans {
		for _, group := range fp.groups {
			rows = append(rows, &store.SegmentProgress{
				ItemID:       item.ID,
				SegmentID:    segKey(fp.ref, group[0].Index),
				SegmentIndex: group[0].Index,
			})
			total += int64(group[0].Size)
		}
	}
	return d.store.InitProgress(ctx, item.ID, rows, total, false)
}

// fetchIndex retrieves the index articles in token order and opens the
// manifest. Index segments are small and few; they are fetched
// sequentially before any worker starts.
func (d *Downloader) fetchIndex(ctx context.Context, tok *share.Token, folderKey []byte) (*index.Manifest, error) {
	var sealed []byte
	for _, ref := range tok.IndexRefs {
		blob, err := d.fetchArticle(ctx, ref, nil)
		if err != nil {
			return nil, err
		}
		sealed = append(sealed, blob...)
	}
	m, err := index.Open(folderKey, sealed)
	if err != nil {
		return nil, err
	}
	logger.Info("fetched core index",
		"folder", m.FolderName,
		"files", len(m.Files),
		logger.KeySegment, len(m.Segments))
	return m, nil
}

// fetchArticle retrieves one article body across the server set and
// returns the yEnc-decoded payload. A non-nil wantHash verifies the
// decoded blob.
func (d *Downloader) fetchArticle(ctx context.Context, messageID string, wantHash []byte) ([]byte, error) {
	policy := retry.DefaultPolicy()
	policy.MaxRetries = d.opts.MaxRetries
	if d.opts.RetryInterval > 0 {
		policy.InitialInterval = d.opts.RetryInterval
		policy.MaxInterval = d.opts.RetryInterval
	}

	var lastErr error
	for _, srv := range d.trans.Servers() {
		var blob []byte
		start := time.Now()
		lastErr = retry.Do(ctx, policy, func() error {
			return withSession(ctx, srv, func(c *nntp.Client) error {
				body, err := c.Body(messageID)
				if err != nil {
					return err
				}
				msg, err := yenc.Decode(bytes.NewReader(body))
				if err != nil {
					return err
				}
				blob = msg.Body
				return nil
			})
		})
		if lastErr != nil {
			continue
		}
		if len(wantHash) > 0 && !bytes.Equal(crypto.Hash(blob), wantHash) {
			lastErr = errkind.New(errkind.KindIntegrity, "engine.download",
				"article %s does not match its recorded hash", messageID)
			continue
		}
		d.metrics.RecordFetch("ok", len(blob), time.Since(start))
		return blob, nil
	}
	d.metrics.RecordFetch("failed", 0, 0)
	return nil, lastErr
}

// fetchSegment retrieves one segment, trying redundancy copies in
// order until one authenticates, and hands the blob to the cache.
func (d *Downloader) fetchSegment(ctx context.Context, item *store.DownloadItem, cache *SegmentCache, job fetchJob) error {
	var lastErr error
	for n, sc := range job.copies {
		blob, err := d.fetchArticle(ctx, sc.MessageID, sc.CiphertextHash[:])
		if err != nil {
			lastErr = err
			if n < len(job.copies)-1 {
				logger.Warn("segment copy unavailable, trying next",
					logger.KeyMessageID, sc.MessageID,
					logger.KeyRedundant, n,
					logger.KeyError, err.Error())
			}
			continue
		}
		if err := cache.Put(ctx, job.key, blob); err != nil {
			return err
		}
		if err := d.store.CompleteProgress(ctx, item.ID, job.key, job.size, sc.MessageID, false); err != nil {
			return err
		}
		return nil
	}
	_ = d.store.FailProgress(context.WithoutCancel(ctx), item.ID, job.key, d.opts.MaxRetries, lastErr.Error())
	return lastErr
}

// reassemble is the single in-order consumer: it drains the cache
// file by file, decrypting and verifying each segment, and commits
// complete files atomically.
func (d *Downloader) reassemble(ctx context.Context, item *store.DownloadItem, m *index.Manifest, plans []*filePlan, opener *segment.Opener, cache *SegmentCache) error {
	selected := parseSelectors(item.Selectors)
	byPath := make(map[string]*index.FileEntry, len(m.Files))
	for i := range m.Files {
		byPath[m.Files[i].Path] = &m.Files[i]
	}

	for _, fp := range plans {
		if fp.entry.IsPack() {
			if err := d.reassemblePack(ctx, item, fp, opener, cache, byPath, selected); err != nil {
				return err
			}
			continue
		}
		if err := d.reassembleFile(ctx, item, fp, opener, cache); err != nil {
			return err
		}
	}

	// Zero-byte files carry no segments at all.
	for i := range m.Files {
		e := &m.Files[i]
		if e.IsPack() || e.Size != 0 || !selectedPath(selected, e.Path) {
			continue
		}
		target := filepath.Join(item.TargetDir, filepath.FromSlash(e.Path))
		if done, _ := alreadyOnDisk(target, e); done {
			continue
		}
		if err := writeMember(target, nil, e); err != nil {
			return err
		}
	}
	return nil
}

func (d *Downloader) reassembleFile(ctx context.Context, item *store.DownloadItem, fp *filePlan, opener *segment.Opener, cache *SegmentCache) error {
	path := filepath.Join(item.TargetDir, filepath.FromSlash(fp.entry.Path))
	asm, err := segment.NewFileAssembler(path)
	if err != nil {
		return err
	}
	defer asm.Abort()

	for _, group := range fp.groups {
		blob, err := cache.Consume(ctx, segKey(fp.ref, group[0].Index))
		if err != nil {
			return err
		}
		plain, err := opener.OpenSegment(blob, group[0].Compressed, nil)
		if err != nil {
			return err
		}
		if err := asm.Append(plain); err != nil {
			return err
		}
	}

	if err := asm.Commit(fp.entry.ContentHash[:], time.Unix(fp.entry.ModTimeUnix, 0)); err != nil {
		return err
	}
	logger.Debug("reassembled file", logger.KeyPath, fp.entry.Path, logger.KeyBytes, asm.Written())
	return nil
}

// reassemblePack reconstructs a pack payload and extracts its selected
// members, each verified against its own manifest entry.
func (d *Downloader) reassemblePack(ctx context.Context, item *store.DownloadItem, fp *filePlan, opener *segment.Opener, cache *SegmentCache, byPath map[string]*index.FileEntry, selected map[string]bool) error {
	var payload bytes.Buffer
	for _, group := range fp.groups {
		blob, err := cache.Consume(ctx, segKey(fp.ref, group[0].Index))
		if err != nil {
			return err
		}
		plain, err := opener.OpenSegment(blob, group[0].Compressed, nil)
		if err != nil {
			return err
		}
		payload.Write(plain)
	}

	entries, dirLen, err := segment.ParsePackDirectory(payload.Bytes())
	if err != nil {
		return err
	}
	for _, member := range entries {
		e, ok := byPath[member.RelativePath]
		if !ok || !selectedPath(selected, member.RelativePath) {
			continue
		}
		target := filepath.Join(item.TargetDir, filepath.FromSlash(member.RelativePath))
		if done, _ := alreadyOnDisk(target, e); done {
			continue
		}
		data, err := segment.ExtractPackMember(payload.Bytes(), entries, dirLen, member.RelativePath)
		if err != nil {
			return err
		}
		if err := writeMember(target, data, e); err != nil {
			return err
		}
		logger.Debug("extracted pack member", logger.KeyPath, member.RelativePath, logger.KeyBytes, len(data))
	}
	return nil
}

// writeMember writes a fully-known small file, verifying its content
// hash and restoring its modification time.
func writeMember(path string, data []byte, e *index.FileEntry) error {
	if !bytes.Equal(crypto.Hash(data), e.ContentHash[:]) {
		return errkind.New(errkind.KindIntegrity, "engine.download",
			"extracted file %s failed content hash verification", e.Path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errkind.Wrap(errkind.KindInternal, "engine.download", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errkind.Wrap(errkind.KindInternal, "engine.download", err)
	}
	if e.ModTimeUnix != 0 {
		mt := time.Unix(e.ModTimeUnix, 0)
		if err := os.Chtimes(path, mt, mt); err != nil {
			return errkind.Wrap(errkind.KindInternal, "engine.download", err)
		}
	}
	return nil
}
