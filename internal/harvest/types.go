// Package harvest defines core types shared across subsystems.
package harvest

import (
	"net/http"
	"time"
)

// PriorityClass orders frontier tasks by how likely a page is to carry media.
type PriorityClass int

// Priority classes from lowest to highest.
const (
	ClassNavigation PriorityClass = iota
	ClassContent
)

// URLTask is a single unit of discovery work.
type URLTask struct {
	URL            string        `json:"url"`
	Domain         string        `json:"domain"`
	Depth          int           `json:"depth"`
	Class          PriorityClass `json:"class"`
	DiscoveredFrom string        `json:"discovered_from,omitempty"`
	Requeues       int           `json:"requeues,omitempty"`
}

// MediaKind is a coarse media category used for filters and fallback extensions.
type MediaKind string

// Supported media kinds.
const (
	KindImage MediaKind = "image"
	KindVideo MediaKind = "video"
	KindAudio MediaKind = "audio"
)

// MediaCandidate is a media URL discovered by the extractor, pending admission
// into the download pipeline.
type MediaCandidate struct {
	URL             string
	Filename        string
	Kind            MediaKind
	ContentTypeHint string
	SourcePage      string
	Width           int
	Height          int
	LowConfidence   bool
}

// JobStatus represents the lifecycle state of a download job.
type JobStatus string

// Job status values. Transitions are Queued -> InFlight and
// InFlight -> Completed | Retrying | Failed; Retrying returns to InFlight.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusInFlight  JobStatus = "in_flight"
	JobStatusRetrying  JobStatus = "retrying"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// DownloadJob tracks one admitted candidate through the download pipeline.
type DownloadJob struct {
	ID        string
	Candidate MediaCandidate
	Status    JobStatus
	Attempts  int
	StoredURI string
	ErrorText string
}

// DomainState is the snapshot form of one domain health entry.
type DomainState struct {
	Domain              string    `json:"domain"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Successes           int64     `json:"successes"`
	Failures            int64     `json:"failures"`
	QuarantinedUntil    time.Time `json:"quarantined_until,omitzero"`
}

// RunStats aggregates counters for one run.
type RunStats struct {
	PagesParsed int64 `json:"pages_parsed"`
	MediaFound  int64 `json:"media_found"`
	Downloaded  int64 `json:"downloaded"`
	Skipped     int64 `json:"skipped"`
	Failed      int64 `json:"failed"`
	Errors      int64 `json:"errors"`
}

// Settings is the per-run configuration surface.
type Settings struct {
	MaxDepth           int           `json:"max_depth"`
	DiscoveryWorkers   int           `json:"discovery_workers"`
	DownloadWorkers    int           `json:"download_workers"`
	MaxAttempts        int           `json:"max_attempts"`
	StayInDomain       bool          `json:"stay_in_domain"`
	RequeueQuarantined bool          `json:"requeue_quarantined"`
	RequeueDelay       time.Duration `json:"requeue_delay"`
	ScriptHeuristics   bool          `json:"script_heuristics"`
	MinImageWidth      int           `json:"min_image_width"`
	MinImageHeight     int           `json:"min_image_height"`
	MinImageKB         int           `json:"min_image_kb"`
	MinVideoKB         int           `json:"min_video_kb"`
	AllowedExtensions  []string      `json:"allowed_extensions,omitempty"`
	StopWords          []string      `json:"stop_words,omitempty"`
	UserAgent          string        `json:"user_agent"`
	AcceptLanguage     string        `json:"accept_language"`
	ReferrerPolicy     string        `json:"referrer_policy"`
	RequestTimeout     time.Duration `json:"request_timeout"`

	// PerDomainConcurrency and PerDomainRPS throttle outbound traffic per
	// domain across both discovery and download.
	PerDomainConcurrency int     `json:"per_domain_concurrency"`
	PerDomainRPS         float64 `json:"per_domain_rps"`
}

// Snapshot captures enough run state to resume a session later.
type Snapshot struct {
	RunID     string        `json:"run_id"`
	SavedAt   time.Time     `json:"saved_at"`
	Seeds     []string      `json:"seeds"`
	Settings  Settings      `json:"settings"`
	Frontier  []URLTask     `json:"frontier"`
	Domains   []DomainState `json:"domains"`
	Completed []string      `json:"completed"`
	Stats     RunStats      `json:"stats"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Referer string
	Accept  string
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Link is a navigation URL extracted from a page.
type Link struct {
	URL   string
	Class PriorityClass
}

// ExtractResult carries everything one extraction pass produced.
type ExtractResult struct {
	Candidates []MediaCandidate
	Links      []Link
}
