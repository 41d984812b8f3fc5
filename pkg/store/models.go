package store

import (
	"time"
)

// ============================================
// ENTITY STATES
// ============================================

// FolderState tracks a folder through the publish pipeline.
// State may regress to indexed on re-scan.
type FolderState string

const (
	FolderCreated   FolderState = "created"
	FolderIndexed   FolderState = "indexed"
	FolderSegmented FolderState = "segmented"
	FolderUploaded  FolderState = "uploaded"
	FolderPublished FolderState = "published"
	FolderFailed    FolderState = "failed"
)

// UploadState tracks a single segment copy.
type UploadState string

const (
	SegmentPending  UploadState = "pending"
	SegmentUploaded UploadState = "uploaded"
	SegmentFailed   UploadState = "failed"
)

// ItemState tracks a queue item.
type ItemState string

const (
	ItemQueued    ItemState = "queued"
	ItemRunning   ItemState = "running"
	ItemPaused    ItemState = "paused"
	ItemCompleted ItemState = "completed"
	ItemFailed    ItemState = "failed"
)

// Resumable reports whether a queue item in this state can be resumed.
func (s ItemState) Resumable() bool {
	return s == ItemQueued || s == ItemPaused || s == ItemFailed
}

// ShareState tracks share validity. Deleting a share's folder (or any of
// its files) invalidates the share.
type ShareState string

const (
	ShareActive  ShareState = "active"
	ShareInvalid ShareState = "invalid"
)

// AccessType selects the key-wrapping scheme for a share.
type AccessType string

const (
	AccessPublic    AccessType = "public"
	AccessProtected AccessType = "protected"
	AccessPrivate   AccessType = "private"
)

// ============================================
// ENTITIES
// ============================================

// User is a local identity. The ID is a stable opaque 256-bit value
// generated once at bootstrap and never reused; everything else is
// immutable after creation.
type User struct {
	ID        string    `gorm:"primaryKey;size:64"`
	Name      string    `gorm:"uniqueIndex;size:255;not null"`
	PublicKey []byte    `gorm:"not null"` // curve25519, for private-share wrapping
	APIKey    string    `gorm:"size:64"`
	CreatedAt time.Time `gorm:"not null"`
}

// Folder is a published directory tree. FolderKey never leaves the
// owner except wrapped inside share descriptors.
type Folder struct {
	ID               string      `gorm:"primaryKey;size:64"`
	Path             string      `gorm:"size:4096;not null"`
	DisplayName      string      `gorm:"size:255"`
	OwnerUserID      string      `gorm:"index;size:64;not null"`
	FolderKey        []byte      `gorm:"not null"`
	PublicKey        []byte
	PrivateKeySealed []byte
	State            FolderState `gorm:"size:16;not null;default:created"`
	Version          uint32      `gorm:"not null;default:1"` // bumped on republish
	FileCount        int64       `gorm:"not null;default:0"`
	TotalBytes       int64       `gorm:"not null;default:0"`
	SegmentCount     int64       `gorm:"not null;default:0"`
	CreatedAt        time.Time   `gorm:"not null"`
	UpdatedAt        time.Time
}

// File is a versioned file within a folder. RelativePath uses forward
// slashes and is unique within (folder, path, version); Version bumps
// when ContentHash changes on re-index.
type File struct {
	ID           string    `gorm:"primaryKey;size:64"`
	FolderID     string    `gorm:"uniqueIndex:ux_files_folder_path_version,priority:1;size:64;not null"`
	RelativePath string    `gorm:"uniqueIndex:ux_files_folder_path_version,priority:2;size:4096;not null"`
	Version      uint32    `gorm:"uniqueIndex:ux_files_folder_path_version,priority:3;not null;default:1"`
	Size         int64     `gorm:"not null"`
	ContentHash  []byte    `gorm:"not null"`
	ModTime      time.Time `gorm:"not null"`
	SegmentCount int32     `gorm:"not null;default:0"`
	Packed       bool      `gorm:"not null;default:false"` // true when carried inside a pack
	State        string    `gorm:"size:16;not null;default:indexed"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

// Pack is a logical segment carrying multiple small files concatenated
// behind a self-describing inner directory.
type Pack struct {
	ID           string    `gorm:"primaryKey;size:64"`
	FolderID     string    `gorm:"index;size:64;not null"`
	SegmentIndex uint32    `gorm:"not null"` // position in the folder's pack sequence
	Size         int64     `gorm:"not null"` // payload size including inner directory
	CreatedAt    time.Time `gorm:"not null"`
}

// PackMember records one file placed inside a pack. A file belongs to
// at most one pack.
type PackMember struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	PackID       string `gorm:"index;size:64;not null"`
	FileID       string `gorm:"uniqueIndex;size:64;not null"`
	RelativePath string `gorm:"size:4096;not null"`
	Size         int64  `gorm:"not null"`
	Offset       int64  `gorm:"column:pack_offset;not null"` // payload offset past the inner directory
}

// Segment is the unit of posting and retrieval. Exactly one of FileID
// and PackID is set. Index is 0-based and contiguous within its owner.
// RedundancyIndex > 0 identifies duplicate copies posted for resilience;
// size-sum invariants hold over primary copies (RedundancyIndex = 0).
// MessageID is present iff State is uploaded.
type Segment struct {
	ID              string      `gorm:"primaryKey;size:64"`
	FileID          *string     `gorm:"index:idx_segments_file,priority:1;size:64"`
	PackID          *string     `gorm:"index;size:64"`
	Index           uint32      `gorm:"column:seg_index;index:idx_segments_file,priority:2;not null"`
	Size            int64       `gorm:"not null"` // plaintext size
	StoredSize      int64       `gorm:"not null"` // staged blob size (nonce + ciphertext + tag)
	Compressed      bool        `gorm:"not null;default:false"`
	PlaintextHash   []byte      `gorm:"not null"`
	CiphertextHash  []byte      `gorm:"index;not null"` // hash of the staged blob, cache key
	RedundancyIndex int32       `gorm:"not null;default:0"`
	MessageID       *string     `gorm:"index;size:255"`
	InnerSubject    string      `gorm:"size:64"` // deterministic obfuscation token, hex
	State           UploadState `gorm:"size:16;not null;default:pending"`
	CreatedAt       time.Time   `gorm:"not null"`
	UpdatedAt       time.Time
}

// Share is a capability granting access to a published folder. The ID
// doubles as the public share identifier and carries no parseable
// access-type prefix.
type Share struct {
	ID               string     `gorm:"primaryKey;size:64"`
	FolderID         string     `gorm:"index;size:64;not null"`
	AccessType       AccessType `gorm:"size:16;not null"`
	Token            string     `gorm:"size:8192;not null"` // full usenetsync:// token
	WrappedKeys      []byte     // wrapping blob(s), layout depends on AccessType
	IndexRefs        string     `gorm:"size:8192;not null"` // newline-joined index Message-IDs
	PasswordVerifier []byte
	KDFSalt          []byte
	AllowedUserIDs   string     `gorm:"size:8192"` // newline-joined, private shares only
	State            ShareState `gorm:"size:16;not null;default:active"`
	ExpiresAt        *time.Time
	CreatedAt        time.Time `gorm:"not null"`
}

// QueueItem is one upload or download work item. The concrete table is
// selected by the wrapper types below so upload_queue and download_queue
// stay separate per the store layout.
type QueueItem struct {
	ID         string    `gorm:"primaryKey;size:64"`
	EntityRef  string    `gorm:"index;size:255;not null"` // folder ID (upload) or share ID (download)
	Priority   int       `gorm:"not null;default:0"`
	State      ItemState `gorm:"index;size:16;not null;default:queued"`
	Attempts   int       `gorm:"not null;default:0"`
	LastError  string    `gorm:"size:4096"`
	BytesDone  int64     `gorm:"not null;default:0"`
	BytesTotal int64     `gorm:"not null;default:0"`
	StartedAt  *time.Time
	UpdatedAt  time.Time
}

// UploadItem is a QueueItem persisted in upload_queue.
type UploadItem struct{ QueueItem }

// TableName implements gorm's table naming override.
func (UploadItem) TableName() string { return "upload_queue" }

// DownloadItem is a QueueItem persisted in download_queue. EntityRef
// holds the share ID from the parsed token; Token the full share token
// (a receiver has no share row of its own, and resume needs it);
// TargetDir the destination directory; Selectors an optional
// newline-joined set of allowed relative paths.
type DownloadItem struct {
	QueueItem
	Token     string `gorm:"size:16384"`
	TargetDir string `gorm:"size:4096"`
	Selectors string `gorm:"size:16384"`
}

// TableName implements gorm's table naming override.
func (DownloadItem) TableName() string { return "download_queue" }

// SegmentProgress is segment-granular transfer progress for one queue
// item. The queue aggregate BytesDone is always the sum of its rows.
type SegmentProgress struct {
	ID              uint    `gorm:"primaryKey;autoIncrement"`
	ItemID          string  `gorm:"uniqueIndex:ux_progress_item_segment,priority:1;size:64;not null"`
	SegmentID       string  `gorm:"uniqueIndex:ux_progress_item_segment,priority:2;size:64;not null"`
	SegmentIndex    uint32  `gorm:"not null"`
	State           string  `gorm:"size:16;not null;default:pending"` // pending, completed, failed
	BytesDone       int64   `gorm:"not null;default:0"`
	ServerMessageID *string `gorm:"size:255"`
	Attempts        int     `gorm:"not null;default:0"`
	LastError       string  `gorm:"size:4096"`
}

// TableName implements gorm's table naming override.
func (SegmentProgress) TableName() string { return "segment_progress" }

// Message is the audit row for every article this node posted: which
// segment, under which subject, to which server, when.
type Message struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	MessageID string    `gorm:"uniqueIndex;size:255;not null"`
	SegmentID string    `gorm:"index;size:64;not null"`
	Subject   string    `gorm:"size:255;not null"`
	Server    string    `gorm:"size:255;not null"`
	PostedAt  time.Time `gorm:"not null"`
}

// SchemaStep records the migration ladder position for the embedded
// backend; postgres tracks its own step through golang-migrate.
type SchemaStep struct {
	Step      int       `gorm:"primaryKey"`
	AppliedAt time.Time `gorm:"not null"`
}

// TableName implements gorm's table naming override.
func (SchemaStep) TableName() string { return "migrations" }
