package logger

// Standard field keys for structured logging. Use these consistently
// across all log statements so logs can be aggregated and queried by
// folder, transfer item, or article.
const (
	// Entities
	KeyFolderID = "folder_id" // folder being indexed/uploaded/downloaded
	KeyFileID   = "file_id"   // file row identifier
	KeyPackID   = "pack_id"   // pack row identifier
	KeyShareID  = "share_id"  // share row identifier
	KeyUserID   = "user_id"   // user identity (opaque)
	KeyPath     = "path"      // relative file path within the folder
	KeyVersion  = "version"   // file or index version

	// Transfer
	KeyItemID    = "item_id"    // upload/download queue item
	KeySegment   = "segment"    // segment index within its owner
	KeyMessageID = "message_id" // server-assigned article Message-ID
	KeySubject   = "subject"    // outer (wire) subject
	KeyAttempt   = "attempt"    // retry attempt number
	KeyRedundant = "copy"       // redundancy copy index
	KeyState     = "state"      // queue item or folder state
	KeyBytes     = "bytes"      // payload byte count
	KeyBytesDone = "bytes_done" // cumulative progress bytes

	// Transport
	KeyServer   = "server"   // NNTP server host
	KeyGroup    = "group"    // selected newsgroup
	KeyCode     = "code"     // NNTP response code
	KeySessions = "sessions" // pool session count

	// Timing and outcome
	KeyDuration = "duration_ms" // operation duration in milliseconds
	KeyError    = "error"       // error message
)

// Err returns a key/value pair for an error, tolerating nil.
func Err(err error) []any {
	if err == nil {
		return nil
	}
	return []any{KeyError, err.Error()}
}
