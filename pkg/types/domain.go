package types

// ModelStatus is the public view of one catalog model.
type ModelStatus struct {
	// Stable identifier for the model.
	// example: yi-coder
	ID string `json:"id" example:"yi-coder"`
	// Human-friendly name.
	// example: Yi-Coder 1.5B Chat
	DisplayName string `json:"display_name" example:"Yi-Coder 1.5B Chat"`
	// example: Small code model with a 128k context.
	Description string `json:"description" example:"Small code model with a 128k context."`
	// Hub repository the files come from.
	// example: 01-ai/Yi-Coder-1.5B-Chat
	HubID string `json:"hub_id" example:"01-ai/Yi-Coder-1.5B-Chat"`
	// All manifest files are present locally.
	IsCached bool `json:"is_cached" example:"true"`
	// The model is loaded and can serve requests immediately.
	IsReady bool `json:"is_ready" example:"false"`
	// Lifecycle state: not_cached, downloading, cached, loading, ready, failed.
	// example: cached
	State string `json:"state" example:"cached"`
	// Device the model runs on once ready.
	// example: cpu(x86_64, 8 threads)
	Device string `json:"device,omitempty"`
	// Reason for the failed state.
	Error string `json:"error,omitempty"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Models []ModelStatus `json:"models"`
	// Worker capacity shared by all models.
	// example: 4
	Workers int `json:"workers" example:"4"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
	// Total number of completed model loads.
	// example: 2
	LoadsTotal uint64 `json:"loads_total" example:"2"`
	// Total number of finished download attempts.
	// example: 1
	DownloadsTotal uint64 `json:"downloads_total" example:"1"`
	// Overall manager state: ready or draining.
	// example: ready
	State string `json:"state" example:"ready"`
}
