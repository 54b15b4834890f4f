package models

// ModelInfo describes a model's static capabilities as known to its
// provider adapter. When the specific model's true limits are unknown the
// adapter reports provider defaults; treat the values as a documented
// approximation, not an authoritative limit.
type ModelInfo struct {
	ContextWindow     int  `json:"context_window"`
	SupportsTools     bool `json:"supports_tools"`
	SupportsStreaming bool `json:"supports_streaming"`
	SupportsVision    bool `json:"supports_vision"`
}
