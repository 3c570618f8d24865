package brain

import "context"

// RetrieveOptions shape a similarity query. TopK and Threshold come from the
// caller or deployment defaults; filters narrow the candidate set before
// ranking.
type RetrieveOptions struct {
	TopK int
	// Threshold is the minimum similarity score. Zero means "use the
	// deployment default"; pass a negative value to bypass the default and
	// rank unfiltered.
	Threshold    float64
	DeviceFilter string // memories and knowledge
	SourceFilter string // knowledge only
}

// Backend is the contract every persistence backend satisfies. Each operation
// fails with a typed *Error rather than a generic failure, and every
// implementation must be safe under concurrent invocation: conflicting writes
// are serialized inside the backend, never by the caller.
//
// An empty result from a retrieval is valid, not an error; a backend that is
// broken reports so explicitly so callers can tell "nothing relevant" from
// "storage is down".
type Backend interface {
	// StoreMemory persists one conversational turn. Fails with a validation
	// error on an embedding dimensionality mismatch and a duplicate error on
	// an id collision.
	StoreMemory(ctx context.Context, m MemoryItem) error
	GetMemory(ctx context.Context, id string) (MemoryItem, error)
	// RetrieveMemories ranks stored memories against the query vector and
	// returns at most TopK in decreasing similarity order. Never mutates.
	RetrieveMemories(ctx context.Context, query []float32, opts RetrieveOptions) ([]MemoryResult, error)
	// UpdateMemoryTags replaces the tag set, the only mutation a stored
	// memory permits.
	UpdateMemoryTags(ctx context.Context, id string, tags []string) error
	DeleteMemory(ctx context.Context, id string) error

	StoreKnowledge(ctx context.Context, k KnowledgeItem) error
	GetKnowledge(ctx context.Context, id string) (KnowledgeItem, error)
	RetrieveKnowledge(ctx context.Context, query []float32, opts RetrieveOptions) ([]KnowledgeResult, error)
	DeleteKnowledge(ctx context.Context, id string) error

	// UpsertDevice creates or refreshes a device record. Conflicts resolve
	// last-write-wins on LastSeen, with hardware-tier priority breaking ties.
	UpsertDevice(ctx context.Context, d DeviceContext) error
	GetDevice(ctx context.Context, deviceID string) (DeviceContext, error)
	ListDevices(ctx context.Context) ([]DeviceContext, error)

	// AppendSessionTurn creates the session on first use and appends
	// thereafter; appending is the only mutation a session permits.
	AppendSessionTurn(ctx context.Context, sessionID string, turn Turn) error
	GetSession(ctx context.Context, sessionID string) (Session, error)
	ListSessions(ctx context.Context, limit int) ([]Session, error)

	StoreSyncOperation(ctx context.Context, op SyncOperation) error
	PendingSyncOperations(ctx context.Context, deviceID string) ([]SyncOperation, error)
	// ResolveSyncOperation marks an operation applied; resolving an already
	// resolved operation is a no-op.
	ResolveSyncOperation(ctx context.Context, operationID string) error

	Stats(ctx context.Context) (StatsSnapshot, error)

	Close() error
}
