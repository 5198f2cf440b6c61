// Package progress defines the event stream emitted by the discovery and
// download workers, and the hub that fans it out to sinks.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart          Stage = "RUN_START"
	StageRunDone           Stage = "RUN_DONE"
	StagePageParsed        Stage = "PAGE_PARSED"
	StageMediaFound        Stage = "MEDIA_FOUND"
	StageDownloading       Stage = "DOWNLOAD_PROGRESS"
	StageJobCompleted      Stage = "JOB_COMPLETED"
	StageJobFailed         Stage = "JOB_FAILED"
	StageDomainQuarantined Stage = "DOMAIN_QUARANTINED"
	StageError             Stage = "ERROR"
)

// Event captures a single milestone of a harvest run.
type Event struct {
	// RunID identifies the run in 16-byte UUID form.
	RunID [16]byte `json:"run_id"`
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
	// Stage denotes which milestone occurred.
	Stage Stage `json:"stage"`
	// Domain scopes the event to a host where that makes sense.
	Domain string `json:"domain,omitempty"`
	// URL is the page or media URL the event refers to.
	URL string `json:"url,omitempty"`
	// Bytes and Total carry download progress; Total is 0 when unknown.
	Bytes int64 `json:"bytes,omitempty"`
	Total int64 `json:"total,omitempty"`
	// Media and Links carry per-page extraction counts for PAGE_PARSED.
	Media int `json:"media,omitempty"`
	Links int `json:"links,omitempty"`
	// Attempt is the 1-based download attempt for job events.
	Attempt int `json:"attempt,omitempty"`
	// Reason carries a short machine-readable cause for skips and failures.
	Reason string `json:"reason,omitempty"`
	// Dur captures latency for fetches, downloads, and run completion.
	Dur time.Duration `json:"dur,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageError:
	case StagePageParsed, StageMediaFound, StageDownloading, StageJobCompleted, StageJobFailed:
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Stage)
		}
	case StageDomainQuarantined:
		if e.Domain == "" {
			return errors.New("quarantine event requires domain")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
