package store

import (
	"errors"
	"time"
)

// ErrDirectThreadExists is returned by CreateThread when another writer won
// the race to create the direct thread for the same pair.
var ErrDirectThreadExists = errors.New("direct thread already exists")

// Profile is a user as seen through the platform profile directory.
type Profile struct {
	ID          string
	DisplayName string
	AvatarURL   string
	IsVerified  bool
}

type Thread struct {
	ID             string
	IsGroup        bool
	Name           string
	Description    string
	CreatedBy      string
	DirectKey      string
	LastMessageID  string
	LastMessageAt  *time.Time
	IsActive       bool
	IsDeleted      bool
	IsFlagged      bool
	FlagCount      int
	ModerationNote string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Participant struct {
	ThreadID    string
	UserID      string
	IsAdmin     bool
	UnreadCount int
	// Messages at or below ClearedSeq are hidden from this participant.
	ClearedSeq int64
	JoinedAt   time.Time
}

// ThreadSummary is a thread as listed for one user.
type ThreadSummary struct {
	Thread
	UnreadCount int
}

type MessageType string

const (
	MessageText    MessageType = "text"
	MessageImage   MessageType = "image"
	MessageFile    MessageType = "file"
	MessageAudio   MessageType = "audio"
	MessageSticker MessageType = "sticker"
	MessageSystem  MessageType = "system"
)

type PayloadKind string

const (
	PayloadNone      PayloadKind = ""
	PayloadPlaintext PayloadKind = "plaintext"
	PayloadEncrypted PayloadKind = "encrypted"
)

// Payload is either plaintext or an opaque ciphertext and IV pair. The kind is
// fixed when the message is created.
type Payload struct {
	Kind       PayloadKind
	Text       string
	Ciphertext string
	IV         string
}

func Plaintext(text string) Payload {
	return Payload{Kind: PayloadPlaintext, Text: text}
}

func Encrypted(ciphertext, iv string) Payload {
	return Payload{Kind: PayloadEncrypted, Ciphertext: ciphertext, IV: iv}
}

type Attachment struct {
	Name       string `json:"name,omitempty"`
	Size       int64  `json:"size,omitempty"`
	MimeType   string `json:"mimeType,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
}

type Message struct {
	ID         string
	Seq        int64
	ThreadID   string
	SenderID   string
	Type       MessageType
	Payload    Payload
	ImageURL   string
	FileURL    string
	AudioURL   string
	Attachment *Attachment
	ReplyTo    string
	IsEdited   bool
	EditedAt   *time.Time
	IsDeleted  bool
	DeletedAt  *time.Time
	DeletedBy  string
	IsFlagged  bool
	CreatedAt  time.Time
}

type Receipt struct {
	MessageID string
	UserID    string
	ReadAt    time.Time
}

type Reaction struct {
	MessageID string
	UserID    string
	Emoji     string
	ReactedAt time.Time
}
