package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey struct{}

var logContextKey = contextKey{}

// LogContext holds transfer-scoped logging context. It travels with the
// context through the upload/download engines so every log line for a
// transfer carries the same correlation fields.
type LogContext struct {
	FolderID  string    // folder being transferred
	ItemID    string    // queue item driving the transfer
	ShareID   string    // share, for downloads
	Server    string    // NNTP server host in use
	StartTime time.Time // for duration calculation
}

// WithContext returns a new context carrying the given LogContext.
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from ctx, or nil if not present.
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a LogContext for a transfer item.
func NewLogContext(folderID, itemID string) *LogContext {
	return &LogContext{
		FolderID:  folderID,
		ItemID:    itemID,
		StartTime: time.Now(),
	}
}

// Clone creates a copy of the LogContext.
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	out := *lc
	return &out
}

// WithServer returns a copy with the server host set.
func (lc *LogContext) WithServer(server string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Server = server
	}
	return clone
}

// WithShare returns a copy with the share identifier set.
func (lc *LogContext) WithShare(shareID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.ShareID = shareID
	}
	return clone
}

// DurationMs returns the time since StartTime in milliseconds.
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}

// appendContextFields appends the LogContext fields from ctx to args.
func appendContextFields(ctx context.Context, args []any) []any {
	lc := FromContext(ctx)
	if lc == nil {
		return args
	}
	if lc.FolderID != "" {
		args = append(args, KeyFolderID, lc.FolderID)
	}
	if lc.ItemID != "" {
		args = append(args, KeyItemID, lc.ItemID)
	}
	if lc.ShareID != "" {
		args = append(args, KeyShareID, lc.ShareID)
	}
	if lc.Server != "" {
		args = append(args, KeyServer, lc.Server)
	}
	return args
}
