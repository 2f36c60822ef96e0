package store

// EpubSource records where a buddy's verified encryption key came from.
type EpubSource string

const (
	EpubSourceLocal   EpubSource = "local"
	EpubSourceShared  EpubSource = "shared"
	EpubSourceNetwork EpubSource = "network"
)

// Buddy is a contact and its key-verification state. Epub presence is the
// sole verification predicate.
type Buddy struct {
	Pub              string
	Epub             string
	EpubSource       EpubSource
	VerificationTime int64
	SyncRetryCount   int
	AddedAt          int64
}

// Verified reports whether the buddy's encryption key is known.
func (b Buddy) Verified() bool {
	return b.Epub != ""
}

// ChatPreview is the denormalized last-message summary for one buddy chat.
type ChatPreview struct {
	Pub      string
	LastMsg  string
	LastTime int64
	Hidden   bool
	HasNew   bool
}

// QueueEntry is a persisted delivery-queue row. The id is the msgId.
type QueueEntry struct {
	ID          string
	ChatID      string
	Envelope    string // serialized NetworkEnvelope JSON
	RetryCount  int
	NextRetryAt int64
	CreatedAt   int64
	LastAttempt int64
	Error       string
}
