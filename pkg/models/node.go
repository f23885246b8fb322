package models

// NodeInfo represents host statistics for the machine running the emulator.
type NodeInfo struct {
	Uptime        string       `json:"uptime"`
	UptimeSeconds uint64       `json:"uptime_seconds"`
	Goroutines    int          `json:"goroutines"`
	LoadAverages  LoadAverages `json:"load_averages"`
	Memory        MemoryInfo   `json:"memory"`
	Storage       StorageInfo  `json:"storage"`
}

// LoadAverages represents system load information.
type LoadAverages struct {
	Load1  float64 `json:"load_1"`
	Load5  float64 `json:"load_5"`
	Load15 float64 `json:"load_15"`
}

// MemoryInfo represents memory usage information.
type MemoryInfo struct {
	Total     uint64 `json:"total"`
	Used      uint64 `json:"used"`
	Available uint64 `json:"available"`
	Human     string `json:"human"`
}

// StorageInfo represents disk usage of the data directory and the size of the metadata database.
type StorageInfo struct {
	Path         string `json:"path"`
	Total        uint64 `json:"total"`
	Used         uint64 `json:"used"`
	Available    uint64 `json:"available"`
	MetadataSize uint64 `json:"metadata_size"`
	Human        string `json:"human"`
}

// Health is the body of GET /health.
type Health struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Region    string            `json:"region"`
	AccountID string            `json:"account_id"`
	Uptime    string            `json:"uptime"`
	Services  map[string]string `json:"services"`
}
