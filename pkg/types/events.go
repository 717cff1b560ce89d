package types

// EventType names a workspace event on the bus. Subjects are formed as
// workspace.{workspaceId}.events.{eventType}.
type EventType string

const (
	EventStartEmbedding    EventType = "start-embedding"
	EventStopEmbedding     EventType = "stop-embedding"
	EventRegistryUpdate    EventType = "registry-update"
	EventEmbeddingRequest  EventType = "file-embedding-request"
	EventEmbeddingFinished EventType = "file-embedding-finished"
)

// LanguageModel describes one model a workspace may route requests to.
type LanguageModel struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Provider  ProviderType `json:"provider"`
	CanEmbed  bool         `json:"can_embed"`
	CanChat   bool         `json:"can_chat"`
	CanVision bool         `json:"can_vision"`
}

// StartEmbeddingEvent activates a workspace: the worker caches the provider
// and model lists and subscribes to the workspace's file-embedding requests.
type StartEmbeddingEvent struct {
	WorkspaceID    string           `json:"workspace_id"`
	Version        int              `json:"version"`
	Providers      []InstanceConfig `json:"providers"`
	LanguageModels []LanguageModel  `json:"language_models"`
	Timestamp      string           `json:"timestamp,omitempty"`
}

// StopEmbeddingEvent deactivates a workspace and drops its cache entry.
type StopEmbeddingEvent struct {
	WorkspaceID string `json:"workspace_id"`
	Version     int    `json:"version"`
	Timestamp   string `json:"timestamp,omitempty"`
}

// RegistryUpdateEvent replaces a workspace's provider/model lists wholesale.
// Idempotent under duplicate delivery.
type RegistryUpdateEvent struct {
	WorkspaceID    string           `json:"workspace_id"`
	Version        int              `json:"version"`
	Providers      []InstanceConfig `json:"providers"`
	LanguageModels []LanguageModel  `json:"language_models"`
	Timestamp      string           `json:"timestamp,omitempty"`
}

// EmbeddingRequestEvent asks the worker to embed one file's extracted text.
type EmbeddingRequestEvent struct {
	WorkspaceID   string `json:"workspace_id"`
	Version       int    `json:"version"`
	LibraryID     string `json:"library_id"`
	FileID        string `json:"file_id"`
	// Reference to the markdown source the pipeline reads, typically a path
	// under the workspace storage root.
	MarkdownSource string       `json:"markdown_source"`
	ModelName      string       `json:"model_name"`
	ModelProvider  ProviderType `json:"model_provider"`
}

// EmbeddingFinishedEvent reports the outcome of one embedding run.
type EmbeddingFinishedEvent struct {
	WorkspaceID      string `json:"workspace_id"`
	Version          int    `json:"version"`
	LibraryID        string `json:"library_id"`
	FileID           string `json:"file_id"`
	ChunkCount       int    `json:"chunk_count"`
	ChunkSize        int64  `json:"chunk_size"`
	TokensUsed       int    `json:"tokens_used"`
	ProcessingTimeMs int64  `json:"processing_time_ms"`
	Success          bool   `json:"success"`
	Message          string `json:"message,omitempty"`
}
