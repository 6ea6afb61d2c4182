package store

import (
	"encoding/json"
	"math"
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the jobs table.
const (
	JobQueued   JobStatus = "queued"
	JobRunning  JobStatus = "running"
	JobFinished JobStatus = "finished"
	JobFailed   JobStatus = "failed"
	JobPaused   JobStatus = "paused"
)

// Command enumerates the crawl task kinds a worker can execute.
type Command string

// Commands dispatched to crawler workers. GroupDiscovery is the
// account-global authorization-scope job; the rest are scoped to a
// discovered area or to the whole account.
const (
	CommandGroupDiscovery Command = "group_discovery"

	CommandEpics   Command = "epics"
	CommandIssues  Command = "issues"
	CommandLabels  Command = "labels"
	CommandMembers Command = "members"

	CommandMergeRequests Command = "merge_requests"
	CommandBranches      Command = "branches"
	CommandPipelines     Command = "pipelines"
	CommandReleases      Command = "releases"
	CommandCommits       Command = "commits"

	CommandUsers           Command = "users"
	CommandVulnerabilities Command = "vulnerabilities"
	CommandTimeLogs        Command = "time_logs"
)

// AreaType distinguishes GitLab groups from projects.
type AreaType string

// Area types persisted in the areas table.
const (
	AreaGroup   AreaType = "group"
	AreaProject AreaType = "project"
)

// Area is a discovered GitLab group or project, keyed by its full path.
type Area struct {
	FullPath string   `json:"full_path"`
	GitLabID int64    `json:"gitlab_id"`
	Name     string   `json:"name"`
	Type     AreaType `json:"type"`
}

// Job is one unit of crawl work for a given command, optionally scoped to an
// area and branch. FullPath and Branch are nil for account-global jobs.
type Job struct {
	ID          string          `json:"id"`
	Status      JobStatus       `json:"status"`
	Command     Command         `json:"command"`
	FullPath    *string         `json:"full_path,omitempty"`
	Branch      *string         `json:"branch,omitempty"`
	From        *time.Time      `json:"from,omitempty"`
	To          *time.Time      `json:"to,omitempty"`
	AccountID   string          `json:"account_id"`
	SpawnedFrom *string         `json:"spawned_from,omitempty"`
	ResumeState json.RawMessage `json:"resume_state,omitempty"`
	Progress    Progress        `json:"progress"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// PathScoped reports whether the job is keyed by (fullPath, branch, command)
// rather than (command, accountId).
func (j Job) PathScoped() bool {
	return j.FullPath != nil
}

// TimelineEvent is one progress milestone reported by a worker.
type TimelineEvent struct {
	At    time.Time `json:"at"`
	Stage string    `json:"stage"`
	Note  string    `json:"note,omitempty"`
}

// RecoveryAttempt records the most recent automatic recovery of a failed job.
type RecoveryAttempt struct {
	At            time.Time `json:"at"`
	PreviousError string    `json:"previousError"`
}

// TimelineCap bounds the number of retained timeline entries per job.
const TimelineCap = 50

// Progress is the structured progress blob persisted on each job row.
// ResumeState lives on the Job, not here: it is crawler-owned and opaque.
type Progress struct {
	Stage           string           `json:"stage,omitempty"`
	ProcessedItems  int64            `json:"processedItems,omitempty"`
	TotalItems      int64            `json:"totalItems,omitempty"`
	ItemsByType     map[string]int64 `json:"itemsByType,omitempty"`
	Timeline        []TimelineEvent  `json:"timeline,omitempty"`
	Retryable       bool             `json:"retryable,omitempty"`
	LastError       string           `json:"lastError,omitempty"`
	RecoveryAttempt *RecoveryAttempt `json:"recoveryAttempt,omitempty"`
	ResetReason     string           `json:"resetReason,omitempty"`
}

// progressAlias mirrors Progress plus the legacy short field names some
// workers still send. The long forms win when both are present.
type progressAlias struct {
	Stage           string           `json:"stage"`
	ProcessedItems  *int64           `json:"processedItems"`
	TotalItems      *int64           `json:"totalItems"`
	LegacyProcessed *int64           `json:"processed"`
	LegacyTotal     *int64           `json:"total"`
	ItemsByType     map[string]int64 `json:"itemsByType"`
	Timeline        []TimelineEvent  `json:"timeline"`
	Retryable       bool             `json:"retryable"`
	LastError       string           `json:"lastError"`
	RecoveryAttempt *RecoveryAttempt `json:"recoveryAttempt"`
	ResetReason     string           `json:"resetReason"`
}

// UnmarshalJSON accepts both processedItems/totalItems and the legacy
// processed/total aliases.
func (p *Progress) UnmarshalJSON(data []byte) error {
	var alias progressAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	*p = Progress{
		Stage:           alias.Stage,
		ItemsByType:     alias.ItemsByType,
		Timeline:        alias.Timeline,
		Retryable:       alias.Retryable,
		LastError:       alias.LastError,
		RecoveryAttempt: alias.RecoveryAttempt,
		ResetReason:     alias.ResetReason,
	}
	switch {
	case alias.ProcessedItems != nil:
		p.ProcessedItems = *alias.ProcessedItems
	case alias.LegacyProcessed != nil:
		p.ProcessedItems = *alias.LegacyProcessed
	}
	switch {
	case alias.TotalItems != nil:
		p.TotalItems = *alias.TotalItems
	case alias.LegacyTotal != nil:
		p.TotalItems = *alias.LegacyTotal
	}
	return nil
}

// Completion derives the percentage complete. The second return is false when
// no total is known yet.
func (p Progress) Completion() (int, bool) {
	if p.TotalItems <= 0 {
		return 0, false
	}
	pct := int(math.Round(float64(p.ProcessedItems) / float64(p.TotalItems) * 100))
	if pct > 100 {
		pct = 100
	}
	return pct, true
}
