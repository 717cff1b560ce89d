package types

import "time"

// ProviderType discriminates the kind of serving endpoint behind an instance.
type ProviderType string

const (
	// ProviderOllama is a local GPU host speaking the Ollama HTTP API.
	ProviderOllama ProviderType = "ollama"
	// ProviderOpenAI is a hosted chat/embedding API.
	ProviderOpenAI ProviderType = "openai"
)

// InstanceConfig identifies one addressable serving endpoint. Owned by a
// workspace's provider list; replaced wholesale on registry updates.
type InstanceConfig struct {
	// Stable identifier for the instance.
	ID string `json:"id"`
	// Human-friendly name.
	Name string `json:"name,omitempty"`
	// Base URL of the serving endpoint, e.g. http://gpu1:11434.
	URL string `json:"url"`
	// Provider discriminator.
	Type ProviderType `json:"type"`
	// Optional bearer token / API key.
	APIKey string `json:"api_key,omitempty"`
	// Routing weight (reserved; 0 means default).
	Weight int `json:"weight,omitempty"`
	// Configured total memory in bytes for local GPU hosts.
	TotalMemory int64 `json:"total_memory,omitempty"`
}

// ResourceUsage is a point-in-time memory/concurrency view of one instance.
// Derived on every poll, never persisted.
type ResourceUsage struct {
	TotalMemory     int64 `json:"total_memory"`
	UsedMemory      int64 `json:"used_memory"`
	AvailableMemory int64 `json:"available_memory"`
	// AvailableMemory minus the reserved safety margin.
	SafeMemory int64 `json:"safe_memory"`
	// Derived: max(1, SafeMemory/EstimatedRequestMemory).
	MaxConcurrency         int   `json:"max_concurrency"`
	EstimatedRequestMemory int64 `json:"estimated_request_memory"`
	// UsedMemory/TotalMemory*100.
	UtilizationPercentage float64 `json:"utilization_percentage"`
	MemoryType            string  `json:"memory_type,omitempty"`
}

// ModelInfo describes one model advertised by an instance.
type ModelInfo struct {
	Name              string   `json:"name"`
	Size              int64    `json:"size,omitempty"`
	Digest            string   `json:"digest,omitempty"`
	ParameterSize     string   `json:"parameter_size,omitempty"`
	QuantizationLevel string   `json:"quantization_level,omitempty"`
	Family            string   `json:"family,omitempty"`
	Capabilities      []string `json:"capabilities"`
}

// RunningModel describes one model currently loaded on an instance.
type RunningModel struct {
	Name        string `json:"name"`
	Size        int64  `json:"size,omitempty"`
	MemoryUsage int64  `json:"memory_usage,omitempty"`
	ExpiresAt   string `json:"expires_at,omitempty"`
}

// InstanceStatus summarizes one instance for the cluster snapshot.
type InstanceStatus struct {
	ID   string       `json:"id"`
	URL  string       `json:"url"`
	Type ProviderType `json:"type"`
	// False when the instance was unreachable; Error carries the cause.
	Available      bool           `json:"available"`
	ResponseTimeMs int64          `json:"response_time_ms,omitempty"`
	LoadScore      float64        `json:"load_score,omitempty"`
	RunningModels  []RunningModel `json:"running_models"`
	AvailableModels []ModelInfo   `json:"available_models"`
	ResourceUsage  *ResourceUsage `json:"resource_usage,omitempty"`
	// Admission gate introspection, summed over this instance's model keys.
	CurrentConcurrency int    `json:"current_concurrency"`
	QueueLength        int    `json:"queue_length"`
	Version            string `json:"version,omitempty"`
	Error              string `json:"error,omitempty"`
}

// ClusterStatus is the aggregated point-in-time view across all known
// instances. Totals sum over available instances only.
type ClusterStatus struct {
	Instances          []InstanceStatus `json:"instances"`
	TotalInstances     int              `json:"total_instances"`
	AvailableInstances int              `json:"available_instances"`
	HealthyInstances   int              `json:"healthy_instances"`
	TotalMemory        int64            `json:"total_memory"`
	TotalUsedMemory    int64            `json:"total_used_memory"`
	TotalMaxConcurrency int             `json:"total_max_concurrency"`
	// Instance with the lowest load score among available ones; empty when
	// no instance is available.
	BestInstanceID string    `json:"best_instance_id,omitempty"`
	LastUpdated    time.Time `json:"last_updated"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}
