package httpapi

import (
	"net/http"

	"github.com/motorworks/enginesync/internal/config"
	"github.com/motorworks/enginesync/internal/syncx"
)

// ServerInfo represents the server's capabilities and configuration
type ServerInfo struct {
	APIVersion   string                  `json:"api_version"`
	ServerTimeMs int64                   `json:"server_time_ms"`
	Tables       []string                `json:"tables"`
	PushMaxBatch int                     `json:"push_max_batch"`
	PullMaxBatch int                     `json:"pull_max_batch"`
	RateLimit    *config.RateLimitConfig `json:"rate_limit,omitempty"`
	Hints        *SyncHints              `json:"hints,omitempty"`
}

// SyncHints provides recommendations for client behavior
type SyncHints struct {
	RecommendedBatch int `json:"recommended_batch"` // safe batch size
	BackoffMsOn429   int `json:"backoff_ms_on_429"` // default backoff if Retry-After missing
}

// Info handles GET /v1/sync/info
// Returns server capabilities, API version, and batch ceilings.
// This endpoint can be called without authentication to allow capability discovery
func (s *Server) Info(w http.ResponseWriter, r *http.Request) {
	rl := s.Cfg.RateLimit
	info := ServerInfo{
		APIVersion:   "1.0",
		ServerTimeMs: syncx.NowMs(),
		Tables:       syncx.TableNames(),
		PushMaxBatch: s.Cfg.Sync.PushMaxBatch,
		PullMaxBatch: s.Cfg.Sync.PullMaxBatch,
		RateLimit:    &rl,
		Hints: &SyncHints{
			RecommendedBatch: 500,
			BackoffMsOn429:   1500,
		},
	}

	writeJSON(w, http.StatusOK, info)
}
