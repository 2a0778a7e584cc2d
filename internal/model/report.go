package model

import "time"

// Report statuses.
const (
	StatusOK       = "ok"
	StatusTimedOut = "timed_out"
	StatusFailed   = "failed"
)

// IngestCounts summarizes one ingestion pass.
type IngestCounts struct {
	Input         int `json:"input"`
	ExactDup      int `json:"exact_dup"`
	NearDup       int `json:"near_dup"`
	NoiseRejected int `json:"noise_rejected"`
	Kept          int `json:"kept"`
	Errors        int `json:"errors"`
}

// IngestParams records the thresholds a pass ran with.
type IngestParams struct {
	NearDupThreshold float64 `json:"near_dup_threshold"`
	NearDupWindow    int     `json:"near_dup_window"`
	HalfLifeDays     float64 `json:"half_life_days"`
}

// IngestReport is the structured outcome of an ingestion pass.
type IngestReport struct {
	RunID      string         `json:"run_id"`
	Status     string         `json:"status"`
	DryRun     bool           `json:"dry_run"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Sources    []string       `json:"sources"`
	Counts     IngestCounts   `json:"counts"`
	Rejected   map[string]int `json:"rejected,omitempty"`
	IDs        []int64        `json:"ids,omitempty"`
	CaughtUp   int            `json:"caught_up,omitempty"`
	Params     IngestParams   `json:"params"`
	Errors     []string       `json:"errors,omitempty"`
	Path       string         `json:"report_path,omitempty"`
}

// CleanCounts summarizes a clean run over the store.
type CleanCounts struct {
	Source       int `json:"source"`
	AfterExact   int `json:"after_exact"`
	AfterNear    int `json:"after_near"`
	RemovedExact int `json:"removed_exact"`
	RemovedNear  int `json:"removed_near"`
	RemovedNoise int `json:"removed_noise"`
	Kept         int `json:"kept"`
}

// CleanReport is the outcome of maintenance clean.
type CleanReport struct {
	RunID       string       `json:"run_id"`
	Status      string       `json:"status"`
	Destructive bool         `json:"destructive"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at"`
	Counts      CleanCounts  `json:"counts"`
	Output      string       `json:"output,omitempty"`
	Deleted     []int64      `json:"deleted,omitempty"`
	Params      IngestParams `json:"params"`
	Error       string       `json:"error,omitempty"`
}

// RebuildReport is the outcome of an FTS rebuild.
type RebuildReport struct {
	RunID      string    `json:"run_id"`
	Status     string    `json:"status"`
	Method     string    `json:"method"`
	MemoryRows int64     `json:"memory_rows"`
	FTSRows    int64     `json:"fts_rows"`
	Integrity  string    `json:"integrity"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Error      string    `json:"error,omitempty"`
}

// Step is one stage of a recovery run.
type Step struct {
	Name     string        `json:"name"`
	OK       bool          `json:"ok"`
	Duration time.Duration `json:"duration_ns"`
	Detail   string        `json:"detail,omitempty"`
}

// RecoveryReport is the outcome of emergency recovery.
type RecoveryReport struct {
	RunID      string    `json:"run_id"`
	Status     string    `json:"status"`
	Steps      []Step    `json:"steps"`
	MemoryRows int64     `json:"memory_rows"`
	FTSRows    int64     `json:"fts_rows"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Error      string    `json:"error,omitempty"`
}

// OK reports whether every step succeeded.
func (r *RecoveryReport) OK() bool {
	if r.Status != StatusOK {
		return false
	}
	for _, s := range r.Steps {
		if !s.OK {
			return false
		}
	}
	return true
}

// Risk levels.
const (
	RiskHigh = "HIGH"
	RiskMed  = "MED"
	RiskLow  = "LOW"
)

// RiskItem is the advisory classification of one record.
type RiskItem struct {
	ID      int64   `json:"id"`
	TS      int64   `json:"ts"`
	Level   string  `json:"level"`
	Score   float64 `json:"score"`
	Insight string  `json:"insight"`
}

// RiskReport groups risk items for dashboards.
type RiskReport struct {
	RunID       string         `json:"run_id"`
	GeneratedAt time.Time      `json:"generated_at"`
	Counts      map[string]int `json:"counts"`
	Items       []RiskItem     `json:"items"`
	Path        string         `json:"report_path,omitempty"`
}

// SearchHit is one ranked search result.
type SearchHit struct {
	Record Record  `json:"record"`
	Score  float64 `json:"score"`
	Rank   int     `json:"rank"`
}

// SearchResult is the router output.
type SearchResult struct {
	Class      string      `json:"class"`
	Expression string      `json:"expression"`
	Hits       []SearchHit `json:"hits"`
	Cached     bool        `json:"cached"`
}
