// Package protocol implements the newline-delimited JSON wire protocol
// between the backend and crawler workers: framing, parsing, validation, and
// routing of typed messages.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/glfleet/backend/internal/store"
)

// Type discriminates wire messages.
type Type string

// Crawler-to-backend message types.
const (
	TypeHeartbeat           Type = "heartbeat"
	TypeJobStarted          Type = "job_started"
	TypeJobProgress         Type = "job_progress"
	TypeJobCompleted        Type = "job_completed"
	TypeJobFailed           Type = "job_failed"
	TypeTokenRefreshRequest Type = "token_refresh_request"
)

// Backend-to-crawler message types.
const (
	TypeJobAssignment        Type = "job_assignment"
	TypeTokenRefreshResponse Type = "token_refresh_response"
	TypeShutdown             Type = "shutdown"
)

// Known reports whether t is part of the protocol.
func (t Type) Known() bool {
	switch t {
	case TypeHeartbeat, TypeJobStarted, TypeJobProgress, TypeJobCompleted,
		TypeJobFailed, TypeTokenRefreshRequest, TypeJobAssignment,
		TypeTokenRefreshResponse, TypeShutdown:
		return true
	default:
		return false
	}
}

// JobScoped reports whether t requires an authenticated connection and a
// job_id.
func (t Type) JobScoped() bool {
	switch t {
	case TypeJobStarted, TypeJobProgress, TypeJobCompleted, TypeJobFailed:
		return true
	default:
		return false
	}
}

// Message is the decoded wire envelope. Data keeps the raw payload; callers
// decode it per Type with the typed accessors below. WireSize carries the
// serialized frame length for the secondary size check.
type Message struct {
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	JobID     string          `json:"job_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`

	WireSize int `json:"-"`
}

// HeartbeatData is the heartbeat payload. CrawlerID authenticates the
// connection on first sight.
type HeartbeatData struct {
	CrawlerID    string `json:"crawler_id,omitempty"`
	SystemStatus string `json:"system_status" validate:"required,oneof=idle discovering crawling error"`
	ActiveJobs   int    `json:"active_jobs" validate:"gte=0"`
}

// EntityProgress is the per-entity counter pair inside a progress report.
type EntityProgress struct {
	TotalDiscovered int64 `json:"total_discovered" validate:"gte=0"`
	TotalProcessed  int64 `json:"total_processed" validate:"gte=0"`
}

// JobProgressData is the incremental progress payload merged by the tracker.
type JobProgressData struct {
	OverallCompletion float64                   `json:"overall_completion" validate:"gte=0,lte=1"`
	Entities          map[string]EntityProgress `json:"entities,omitempty" validate:"dive"`
	Progress          store.Progress            `json:"progress"`
	ResumeState       json.RawMessage           `json:"resume_state,omitempty"`
}

// JobStartedData accompanies a job_started message.
type JobStartedData struct {
	CrawlerID string `json:"crawler_id,omitempty"`
}

// DiscoveredArea is one group/project reported by a discovery job.
type DiscoveredArea struct {
	FullPath string `json:"full_path" validate:"required"`
	GitLabID int64  `json:"gitlab_id"`
	Name     string `json:"name"`
	Type     string `json:"type" validate:"required,oneof=group project"`
}

// JobCompletedData carries the final progress and, for discovery jobs, the
// set of discovered areas that drives dependent-job spawning.
type JobCompletedData struct {
	Progress        store.Progress   `json:"progress"`
	DiscoveredAreas []DiscoveredArea `json:"discovered_areas,omitempty" validate:"dive"`
	ResumeState     json.RawMessage  `json:"resume_state,omitempty"`
}

// JobFailedData reports a job failure with the crawler's retryability hint.
type JobFailedData struct {
	Error       string          `json:"error"`
	Retryable   bool            `json:"retryable"`
	Progress    store.Progress  `json:"progress"`
	ResumeState json.RawMessage `json:"resume_state,omitempty"`
}

// TokenRefreshRequestData asks the backend for a fresh access token.
type TokenRefreshRequestData struct {
	Reason string `json:"reason,omitempty"`
}

// JobAssignmentData hands a job to a worker, including the GraphQL endpoint
// and credential it needs.
type JobAssignmentData struct {
	Command     store.Command   `json:"command" validate:"required"`
	AccessToken string          `json:"access_token" validate:"required,min=10"`
	GitLabHost  string          `json:"gitlab_host" validate:"required,url"`
	FullPath    *string         `json:"full_path,omitempty"`
	Branch      *string         `json:"branch,omitempty"`
	ResumeState json.RawMessage `json:"resume_state,omitempty"`
}

// TokenRefreshResponseData answers a token refresh request. AccessToken is
// required when the refresh succeeded.
type TokenRefreshResponseData struct {
	RefreshSuccessful bool   `json:"refresh_successful"`
	AccessToken       string `json:"access_token,omitempty"`
}

// ShutdownData asks a worker to drain and exit within the given budget.
type ShutdownData struct {
	TimeoutSeconds *int   `json:"timeout_seconds,omitempty" validate:"omitempty,gte=0"`
	Reason         string `json:"reason,omitempty"`
}

// DecodeData unmarshals the raw payload into dst.
func (m Message) DecodeData(dst any) error {
	if len(m.Data) == 0 {
		return nil
	}
	return json.Unmarshal(m.Data, dst)
}

// NewMessage builds an outbound message envelope with the payload marshaled
// into Data.
func NewMessage(t Type, ts time.Time, jobID string, data any) (Message, error) {
	msg := Message{Type: t, Timestamp: ts, JobID: jobID}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Message{}, err
		}
		msg.Data = raw
	}
	return msg, nil
}
