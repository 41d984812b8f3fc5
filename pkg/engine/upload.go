package engine

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/usenetsync/usenetsync/internal/logger"
	"github.com/usenetsync/usenetsync/internal/retry"
	"github.com/usenetsync/usenetsync/pkg/crypto"
	"github.com/usenetsync/usenetsync/pkg/errkind"
	"github.com/usenetsync/usenetsync/pkg/metrics"
	"github.com/usenetsync/usenetsync/pkg/nntp"
	"github.com/usenetsync/usenetsync/pkg/segment"
	"github.com/usenetsync/usenetsync/pkg/store"
	"github.com/usenetsync/usenetsync/pkg/yenc"
)

// versionHeader marks every article this node posts.
var versionHeader = [2]string{"X-UsenetSync-Version", "1"}

// UploadOptions tunes one uploader instance.
type UploadOptions struct {
	SegmentSize     int
	Compress        bool
	CompressMargin  int
	Redundancy      int
	SpoolDir        string
	PackingEnabled  bool
	PackThreshold   int64
	Workers         int
	MaxRetries      int
	RetryInterval   time.Duration
	From            string
	MessageIDDomain string
}

func (o *UploadOptions) applyDefaults() {
	if o.SegmentSize <= 0 {
		o.SegmentSize = segment.DefaultSegmentSize
	}
	if o.Redundancy <= 0 {
		o.Redundancy = 1
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.From == "" {
		o.From = "usenetsync <poster@usenetsync.local>"
	}
	if o.MessageIDDomain == "" {
		o.MessageIDDomain = "usenetsync.local"
	}
}

// Uploader drives folder publishing: segmentation, queue-driven
// parallel posting with segment-granular resume, and index posting.
type Uploader struct {
	store   *store.GORMStore
	trans   *Transports
	opts    UploadOptions
	metrics *metrics.Metrics
}

// NewUploader creates an uploader.
func NewUploader(st *store.GORMStore, trans *Transports, opts UploadOptions, m *metrics.Metrics) *Uploader {
	opts.applyDefaults()
	return &Uploader{store: st, trans: trans, opts: opts, metrics: m}
}

// Run processes one upload queue item end to end: segment the folder
// if needed, post every pending segment, and mark the folder uploaded.
// Cancellation pauses the item; any other failure fails it. Both keep
// per-segment progress so a later run resumes where this one stopped.
func (u *Uploader) Run(ctx context.Context, itemID string) error {
	item, err := u.store.GetUploadItem(ctx, itemID)
	if err != nil {
		return err
	}
	folder, err := u.store.GetFolder(ctx, item.EntityRef)
	if err != nil {
		return err
	}
	if err := u.store.SetUploadItemState(ctx, itemID, store.ItemRunning, ""); err != nil {
		return err
	}

	runErr := u.run(ctx, item, folder)
	switch {
	case runErr == nil:
		return u.store.SetUploadItemState(ctx, itemID, store.ItemCompleted, "")
	case errkind.Is(runErr, errkind.KindCancelled):
		// Keep it resumable; use the parent so the state write survives
		// the cancelled context.
		_ = u.store.SetUploadItemState(context.WithoutCancel(ctx), itemID, store.ItemPaused, runErr.Error())
		return runErr
	default:
		_ = u.store.SetUploadItemState(context.WithoutCancel(ctx), itemID, store.ItemFailed, runErr.Error())
		return runErr
	}
}

func (u *Uploader) run(ctx context.Context, item *store.UploadItem, folder *store.Folder) error {
	const op = "engine.upload"

	if folder.State == store.FolderCreated {
		return errkind.New(errkind.KindUsage, op, "folder %s has not been indexed", folder.ID)
	}
	if err := u.checkServerLimits(ctx); err != nil {
		return err
	}
	if folder.State == store.FolderIndexed {
		if err := u.segmentFolder(ctx, folder); err != nil {
			return err
		}
	}

	segments, err := u.store.ListFolderSegments(ctx, folder.ID)
	if err != nil {
		return err
	}
	var pending []*store.Segment
	for _, s := range segments {
		if s.MessageID == nil {
			pending = append(pending, s)
		}
	}
	if err := u.initProgress(ctx, item, pending); err != nil {
		return err
	}

	if len(pending) > 0 {
		if err := u.postAll(ctx, item, folder, segments, pending); err != nil {
			return err
		}
	}

	return u.store.SetFolderState(ctx, folder.ID, store.FolderUploaded)
}

// checkServerLimits verifies the configured segment size against the
// article size limit each server advertises, before any article is
// staged or posted. A server whose capabilities cannot be fetched is
// skipped; posting to it fails over like any other transport error.
func (u *Uploader) checkServerLimits(ctx context.Context) error {
	const op = "engine.upload"

	for _, srv := range u.trans.Servers() {
		caps, err := srv.Pool.Capabilities(ctx)
		if err != nil {
			if errkind.Is(err, errkind.KindCancelled) {
				return err
			}
			logger.Warn("capability lookup failed",
				logger.KeyServer, srv.Name,
				logger.KeyError, err.Error())
			continue
		}
		limit, ok := nntp.MaxArticleSize(caps)
		if !ok {
			continue
		}
		if int64(u.opts.SegmentSize) > limit {
			return errkind.New(errkind.KindUsage, op,
				"segment_size %d exceeds the %d byte article limit advertised by server %s",
				u.opts.SegmentSize, limit, srv.Name)
		}
	}
	return nil
}

// initProgress creates progress rows on the first run only; a resumed
// item keeps its rows and their completed states.
func (u *Uploader) initProgress(ctx context.Context, item *store.UploadItem, pending []*store.Segment) error {
	existing, err := u.store.ListProgress(ctx, item.ID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	rows := make([]*store.SegmentProgress, 0, len(pending))
	var total int64
	for _, s := range pending {
		rows = append(rows, &store.SegmentProgress{
			ItemID:       item.ID,
			SegmentID:    s.ID,
			SegmentIndex: s.Index,
		})
		total += s.StoredSize
	}
	return u.store.InitProgress(ctx, item.ID, rows, total, true)
}

// segmentFolder turns the folder's current file rows into staged
// segments: small files are packed, the rest chunked directly.
func (u *Uploader) segmentFolder(ctx context.Context, folder *store.Folder) error {
	all, err := u.store.ListFiles(ctx, folder.ID)
	if err != nil {
		return err
	}
	// A crashed earlier run may have segmented part of the folder;
	// those files keep their rows and are skipped here.
	files := all[:0:0]
	for _, f := range all {
		if f.State != "segmented" {
			files = append(files, f)
		}
	}

	seg, err := segment.NewSegmenter(folder.FolderKey, folder.ID, folder.Version, segment.Options{
		SegmentSize:    u.opts.SegmentSize,
		Compress:       u.opts.Compress,
		CompressMargin: u.opts.CompressMargin,
		Redundancy:     u.opts.Redundancy,
		SpoolDir:       u.opts.SpoolDir,
	})
	if err != nil {
		return err
	}

	loose := files
	if u.opts.PackingEnabled {
		var packs [][]*store.File
		packs, loose = segment.PlanPacks(files, u.opts.PackThreshold, int64(u.opts.SegmentSize))
		for i, group := range packs {
			if err := u.segmentPack(ctx, folder, seg, uint32(i), group); err != nil {
				return err
			}
		}
	}

	for _, f := range loose {
		rows, err := seg.SegmentFile(ctx, f.ID, filepath.Join(folder.Path, filepath.FromSlash(f.RelativePath)))
		if err != nil {
			return err
		}
		if err := u.store.CreateSegmentsBatch(ctx, rows); err != nil {
			return err
		}
		if err := u.store.SetFileSegmented(ctx, f.ID, int32(primaryCount(rows)), false); err != nil {
			return err
		}
	}

	segRows, err := u.store.ListFolderSegments(ctx, folder.ID)
	if err != nil {
		return err
	}
	primaries := primaryCount(segRows)
	if err := u.store.UpdateFolderStats(ctx, folder.ID, folder.FileCount, folder.TotalBytes, primaries); err != nil {
		return err
	}
	logger.Info("segmented folder", logger.KeyFolderID, folder.ID, logger.KeySegment, primaries)
	return u.store.SetFolderState(ctx, folder.ID, store.FolderSegmented)
}

func (u *Uploader) segmentPack(ctx context.Context, folder *store.Folder, seg *segment.Segmenter, index uint32, group []*store.File) error {
	var payload bytes.Buffer
	members, total, err := segment.WritePackPayload(&payload, folder.Path, group)
	if err != nil {
		return err
	}

	pack := &store.Pack{
		ID:           uuid.NewString(),
		FolderID:     folder.ID,
		SegmentIndex: index,
		Size:         total,
	}
	for _, m := range members {
		m.PackID = pack.ID
	}
	if err := u.store.CreatePack(ctx, pack, members); err != nil {
		return err
	}

	rows, err := seg.SegmentPack(ctx, pack.ID, &payload)
	if err != nil {
		return err
	}
	if err := u.store.CreateSegmentsBatch(ctx, rows); err != nil {
		return err
	}
	for _, f := range group {
		if err := u.store.SetFileSegmented(ctx, f.ID, 0, true); err != nil {
			return err
		}
	}
	return nil
}

func (u *Uploader) retryPolicy() retry.Policy {
	policy := retry.DefaultPolicy()
	policy.MaxRetries = u.opts.MaxRetries
	if u.opts.RetryInterval > 0 {
		policy.InitialInterval = u.opts.RetryInterval
		policy.MaxInterval = u.opts.RetryInterval
	}
	return policy
}

func primaryCount(rows []*store.Segment) int64 {
	var n int64
	for _, s := range rows {
		if s.RedundancyIndex == 0 {
			n++
		}
	}
	return n
}

// postAll drains the pending segments through a bounded queue into the
// posting workers. The queue is sized at twice the worker count, so a
// stalled transport throttles the producer instead of buffering
// everything.
func (u *Uploader) postAll(ctx context.Context, item *store.UploadItem, folder *store.Folder, all, pending []*store.Segment) error {
	const op = "engine.upload"

	subjectKey, err := crypto.DeriveSubkey(folder.FolderKey, crypto.PurposeSubjectObfuscation)
	if err != nil {
		return err
	}
	totals := ownerTotals(all)

	queue := make(chan *store.Segment, 2*u.opts.Workers)
	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()

	p.Go(func(ctx context.Context) error {
		defer close(queue)
		for _, s := range pending {
			select {
			case queue <- s:
			case <-ctx.Done():
				return errkind.Wrap(errkind.KindCancelled, op, ctx.Err())
			}
		}
		return nil
	})
	for i := 0; i < u.opts.Workers; i++ {
		p.Go(func(ctx context.Context) error {
			for s := range queue {
				if err := u.postSegment(ctx, item, s, subjectKey, totals); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return p.Wait()
}

// ownerTotals maps each segment owner to its primary segment count,
// for the [i/n] part numbering on the wire.
func ownerTotals(all []*store.Segment) map[string]int {
	totals := make(map[string]int)
	for _, s := range all {
		if s.RedundancyIndex != 0 {
			continue
		}
		totals[ownerKey(s)]++
	}
	return totals
}

func ownerKey(s *store.Segment) string {
	if s.FileID != nil {
		return "f:" + *s.FileID
	}
	if s.PackID != nil {
		return "p:" + *s.PackID
	}
	return ""
}

// postSegment posts one staged blob, retrying transient failures and
// failing over across servers. On success the Message-ID is recorded
// and the spool blob removed.
func (u *Uploader) postSegment(ctx context.Context, item *store.UploadItem, s *store.Segment, subjectKey []byte, totals map[string]int) error {
	const op = "engine.upload.post"

	blob, err := segment.ReadSpool(u.opts.SpoolDir, s.CiphertextHash)
	if err != nil {
		return errkind.Wrap(errkind.KindOf(err), op,
			fmt.Errorf("staged blob for segment %d missing or corrupt, re-run indexing: %w", s.Index, err))
	}

	inner, err := hex.DecodeString(s.InnerSubject)
	if err != nil {
		return errkind.Wrap(errkind.KindInternal, op, err)
	}
	outer, err := crypto.OuterSubject(subjectKey, inner)
	if err != nil {
		return err
	}

	part := int(s.Index) + 1
	total := totals[ownerKey(s)]
	var body bytes.Buffer
	if err := yenc.Encode(&body, yenc.Params{
		Part:  part,
		Total: total,
		Begin: 1,
		End:   int64(len(blob)),
		Size:  int64(len(blob)),
		Name:  s.InnerSubject,
	}, blob); err != nil {
		return errkind.Wrap(errkind.KindInternal, op, err)
	}

	article := &nntp.Article{
		Subject:   fmt.Sprintf("[%d/%d] %s yEnc", part, total, outer),
		From:      u.opts.From,
		MessageID: nntp.NewMessageID(u.opts.MessageIDDomain),
		Extra:     [][2]string{versionHeader},
		Body:      body.Bytes(),
	}

	policy := u.retryPolicy()

	var messageID string
	var server string
	var lastErr error
	for _, srv := range u.trans.Servers() {
		article.Newsgroups = srv.Groups
		start := time.Now()
		lastErr = retry.Do(ctx, policy, func() error {
			return withSession(ctx, srv, func(c *nntp.Client) error {
				if err := c.Group(srv.Groups[0]); err != nil {
					return err
				}
				id, err := c.Post(article)
				if err != nil {
					return err
				}
				messageID = id
				return nil
			})
		})
		if lastErr == nil {
			server = srv.Name
			u.metrics.RecordPost("ok", len(article.Body), time.Since(start))
			break
		}
		u.metrics.RecordPost("retry", 0, 0)
		logger.Warn("post failed, trying next server",
			logger.KeyServer, srv.Name,
			logger.KeySegment, s.Index,
			logger.KeyError, lastErr.Error())
	}
	if lastErr != nil {
		u.metrics.RecordPost("failed", 0, 0)
		_ = u.store.MarkSegmentFailed(context.WithoutCancel(ctx), s.ID)
		_ = u.store.FailProgress(context.WithoutCancel(ctx), item.ID, s.ID, u.opts.MaxRetries, lastErr.Error())
		return lastErr
	}

	if err := u.store.MarkSegmentUploaded(ctx, s.ID, messageID); err != nil {
		if errors.Is(err, store.ErrSegmentAlreadyPosted) {
			// A previous run recorded this segment after we lost its ack.
			return nil
		}
		return err
	}
	_ = u.store.RecordMessage(ctx, &store.Message{
		MessageID: messageID,
		SegmentID: s.ID,
		Subject:   article.Subject,
		Server:    server,
		PostedAt:  time.Now(),
	})
	if err := u.store.CompleteProgress(ctx, item.ID, s.ID, s.StoredSize, messageID, true); err != nil {
		return err
	}
	if err := segment.RemoveSpool(u.opts.SpoolDir, s.CiphertextHash); err != nil {
		logger.Warn("spool cleanup failed", logger.KeySegment, s.Index, logger.KeyError, err.Error())
	}

	logger.Debug("posted segment",
		logger.KeySegment, s.Index,
		logger.KeyRedundant, s.RedundancyIndex,
		logger.KeyMessageID, messageID,
		logger.KeyServer, server)
	return nil
}

// PostIndex posts an already sealed core-index blob as one or more
// articles and returns their Message-IDs in chunk order. The chunks
// are not re-encrypted; the blob is already sealed under the folder's
// index subkey.
func (u *Uploader) PostIndex(ctx context.Context, folder *store.Folder, sealed []byte) ([]string, error) {
	const op = "engine.upload.index"

	subjectKey, err := crypto.DeriveSubkey(folder.FolderKey, crypto.PurposeSubjectObfuscation)
	if err != nil {
		return nil, err
	}

	chunkCount := int(segment.CountSegments(int64(len(sealed)), u.opts.SegmentSize))
	policy := u.retryPolicy()

	ids := make([]string, 0, chunkCount)
	for i := 0; i < chunkCount; i++ {
		lo := i * u.opts.SegmentSize
		hi := min(lo+u.opts.SegmentSize, len(sealed))
		chunk := sealed[lo:hi]

		inner, err := crypto.InnerSubject(subjectKey, folder.ID, folder.Version, uint32(i))
		if err != nil {
			return nil, err
		}
		outer, err := crypto.OuterSubject(subjectKey, inner)
		if err != nil {
			return nil, err
		}

		var body bytes.Buffer
		if err := yenc.Encode(&body, yenc.Params{
			Part:  i + 1,
			Total: chunkCount,
			Begin: int64(lo) + 1,
			End:   int64(hi),
			Size:  int64(len(sealed)),
			Name:  hex.EncodeToString(inner),
		}, chunk); err != nil {
			return nil, errkind.Wrap(errkind.KindInternal, op, err)
		}

		article := &nntp.Article{
			Subject:   fmt.Sprintf("[%d/%d] %s yEnc", i+1, chunkCount, outer),
			From:      u.opts.From,
			MessageID: nntp.NewMessageID(u.opts.MessageIDDomain),
			Extra:     [][2]string{versionHeader},
			Body:      body.Bytes(),
		}

		var messageID string
		var lastErr error
		for _, srv := range u.trans.Servers() {
			article.Newsgroups = srv.Groups
			lastErr = retry.Do(ctx, policy, func() error {
				return withSession(ctx, srv, func(c *nntp.Client) error {
					if err := c.Group(srv.Groups[0]); err != nil {
						return err
					}
					id, err := c.Post(article)
					if err != nil {
						return err
					}
					messageID = id
					return nil
				})
			})
			if lastErr == nil {
				break
			}
		}
		if lastErr != nil {
			return nil, lastErr
		}
		ids = append(ids, messageID)
	}

	logger.Info("posted core index",
		logger.KeyFolderID, folder.ID,
		logger.KeyVersion, folder.Version,
		logger.KeySegment, chunkCount)
	return ids, nil
}
