package brain

import (
	"fmt"
	"strings"
	"time"
)

// DeviceTier is the hardware class of a contributing device, ordered from
// least to most capable. The ordering drives tier-priority conflict
// resolution when timestamps tie.
type DeviceTier string

const (
	TierUnknown     DeviceTier = "unknown"
	TierRaspberryPi DeviceTier = "raspberry_pi"
	TierLaptop      DeviceTier = "laptop"
	TierWorkstation DeviceTier = "workstation"
	TierServer      DeviceTier = "server"
	TierCloud       DeviceTier = "cloud"
)

// Priority returns the tier's rank for conflict resolution. Higher wins.
func (t DeviceTier) Priority() int {
	switch t {
	case TierRaspberryPi:
		return 1
	case TierLaptop:
		return 2
	case TierWorkstation:
		return 3
	case TierServer:
		return 4
	case TierCloud:
		return 5
	default:
		return 0
	}
}

// ParseTier validates a tier string from config or a registration call.
func ParseTier(s string) (DeviceTier, error) {
	switch DeviceTier(s) {
	case TierRaspberryPi, TierLaptop, TierWorkstation, TierServer, TierCloud, TierUnknown:
		return DeviceTier(s), nil
	case "":
		return TierUnknown, nil
	default:
		return "", fmt.Errorf("unknown hardware tier: %q", s)
	}
}

// DeviceStatus is the connection state of a device.
type DeviceStatus string

const (
	StatusOnline  DeviceStatus = "online"
	StatusOffline DeviceStatus = "offline"
	StatusSyncing DeviceStatus = "syncing"
	StatusError   DeviceStatus = "error"
)

// DeviceContext describes one contributing client in the communal brain
// network. Device ids are stable across restarts; a device is never deleted,
// only marked offline.
type DeviceContext struct {
	DeviceID       string                 `json:"device_id"`
	HardwareTier   DeviceTier             `json:"hardware_tier"`
	Capabilities   []string               `json:"capabilities,omitempty"`
	Specialization string                 `json:"specialization,omitempty"`
	Location       string                 `json:"location,omitempty"`
	Hostname       string                 `json:"hostname,omitempty"`
	IPAddress      string                 `json:"ip_address,omitempty"`
	LastSeen       time.Time              `json:"last_seen"`
	Status         DeviceStatus           `json:"status"`
	Version        string                 `json:"version,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// Validate checks registration input.
func (d *DeviceContext) Validate() error {
	if strings.TrimSpace(d.DeviceID) == "" {
		return NewValidationError("device_id is empty", nil)
	}
	if _, err := ParseTier(string(d.HardwareTier)); err != nil {
		return NewValidationError(err.Error(), nil)
	}
	switch d.Status {
	case StatusOnline, StatusOffline, StatusSyncing, StatusError, "":
	default:
		return NewValidationError(fmt.Sprintf("unknown device status: %q", d.Status), nil)
	}
	return nil
}

// MemoryItem is one stored conversational turn. The embedding length is fixed
// per deployment; ids are globally unique; CreatedAt is set once and never
// mutated. Tags are the only mutable field after creation.
type MemoryItem struct {
	ID          string                 `json:"id"`
	UserMessage string                 `json:"user_message"`
	BotResponse string                 `json:"bot_response"`
	Embedding   []float32              `json:"embedding,omitempty"`
	DeviceID    string                 `json:"device_id"`
	Context     string                 `json:"context,omitempty"`
	Tags        []string               `json:"tags,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// Validate checks store input apart from embedding dimensionality, which the
// backend enforces against its configured dimension.
func (m *MemoryItem) Validate() error {
	if err := m.validateContent(); err != nil {
		return err
	}
	if len(m.Embedding) == 0 {
		return NewValidationError("memory embedding is empty", nil)
	}
	return nil
}

// validateContent checks the text and attribution fields, leaving the
// embedding aside so callers can validate before computing one.
func (m *MemoryItem) validateContent() error {
	if strings.TrimSpace(m.ID) == "" {
		return NewValidationError("memory id is empty", nil)
	}
	if strings.TrimSpace(m.UserMessage) == "" {
		return NewValidationError("user message is empty", nil)
	}
	if strings.TrimSpace(m.BotResponse) == "" {
		return NewValidationError("bot response is empty", nil)
	}
	if strings.TrimSpace(m.DeviceID) == "" {
		return NewValidationError("memory device_id is empty", nil)
	}
	return nil
}

// KnowledgeItem is one chunk of ingested reference material. All chunks
// sharing a source+device pair form an ordered reconstructable document.
type KnowledgeItem struct {
	ID          string                 `json:"id"`
	Content     string                 `json:"content"`
	Embedding   []float32              `json:"embedding,omitempty"`
	Source      string                 `json:"source"`
	DeviceID    string                 `json:"device_id"`
	ChunkIndex  int                    `json:"chunk_index"`
	TotalChunks int                    `json:"total_chunks"`
	Tags        []string               `json:"tags,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// Validate checks store input, including the chunk ordering invariant.
func (k *KnowledgeItem) Validate() error {
	if err := k.validateContent(); err != nil {
		return err
	}
	if len(k.Embedding) == 0 {
		return NewValidationError("knowledge embedding is empty", nil)
	}
	return nil
}

// validateContent checks everything but the embedding, so callers can
// validate before computing one.
func (k *KnowledgeItem) validateContent() error {
	if strings.TrimSpace(k.ID) == "" {
		return NewValidationError("knowledge id is empty", nil)
	}
	if strings.TrimSpace(k.Content) == "" {
		return NewValidationError("knowledge content is empty", nil)
	}
	if strings.TrimSpace(k.Source) == "" {
		return NewValidationError("knowledge source is empty", nil)
	}
	if strings.TrimSpace(k.DeviceID) == "" {
		return NewValidationError("knowledge device_id is empty", nil)
	}
	if k.TotalChunks < 1 {
		return NewValidationError("total_chunks must be at least 1", nil)
	}
	if k.ChunkIndex < 0 || k.ChunkIndex >= k.TotalChunks {
		return NewValidationError(
			fmt.Sprintf("chunk_index %d out of range for %d chunks", k.ChunkIndex, k.TotalChunks), nil)
	}
	return nil
}

// Turn is one entry of a conversation session. Sessions are append-only and
// keep insertion order.
type Turn struct {
	MemoryID  string    `json:"memory_id,omitempty"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	DeviceID  string    `json:"device_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is a logical conversation thread used for cross-device handoff.
type Session struct {
	SessionID  string    `json:"session_id"`
	DeviceID   string    `json:"device_id"`
	StartedAt  time.Time `json:"started_at"`
	LastActive time.Time `json:"last_active"`
	Turns      []Turn    `json:"turns,omitempty"`
}

// SyncOperation is a queued cross-device change. Replaying a resolved
// operation must be a no-op; the transport that would drain this queue is
// intentionally not part of this module.
type SyncOperation struct {
	OperationID   string                 `json:"operation_id"`
	OperationType string                 `json:"operation_type"` // create, update, delete
	ItemType      string                 `json:"item_type"`      // memory, knowledge, device
	ItemID        string                 `json:"item_id"`
	DeviceID      string                 `json:"device_id"`
	Timestamp     time.Time              `json:"timestamp"`
	Data          map[string]interface{} `json:"data,omitempty"`
	Resolved      bool                   `json:"resolved"`
}

// Validate checks the queue entry.
func (op *SyncOperation) Validate() error {
	if strings.TrimSpace(op.OperationID) == "" {
		return NewValidationError("operation_id is empty", nil)
	}
	switch op.OperationType {
	case "create", "update", "delete":
	default:
		return NewValidationError(fmt.Sprintf("unknown operation type: %q", op.OperationType), nil)
	}
	switch op.ItemType {
	case "memory", "knowledge", "device":
	default:
		return NewValidationError(fmt.Sprintf("unknown item type: %q", op.ItemType), nil)
	}
	return nil
}

// DeviceStats is the per-device slice of a stats snapshot.
type DeviceStats struct {
	MemoryCount    int64 `json:"memory_count"`
	KnowledgeCount int64 `json:"knowledge_count"`
}

// StatsSnapshot is a read-only aggregate over the whole pool.
type StatsSnapshot struct {
	MemoryCount    int64                  `json:"memory_count"`
	KnowledgeCount int64                  `json:"knowledge_count"`
	DeviceCount    int64                  `json:"device_count"`
	SessionCount   int64                  `json:"session_count"`
	PerDevice      map[string]DeviceStats `json:"per_device,omitempty"`
}

// MemoryResult pairs a retrieved memory with its similarity score.
type MemoryResult struct {
	Item  MemoryItem `json:"item"`
	Score float64    `json:"score"`
}

// KnowledgeResult pairs a retrieved knowledge chunk with its similarity score.
type KnowledgeResult struct {
	Item  KnowledgeItem `json:"item"`
	Score float64       `json:"score"`
}
