package model

import "time"

type RunStatus string

const (
	RunIdle    RunStatus = "idle"
	RunRunning RunStatus = "running"
	RunStopped RunStatus = "stopped"
)

// MaxStateLogs is the size of the generation log ring.
const MaxStateLogs = 100

type LogEntry struct {
	At      time.Time `json:"at"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// GenerationState is the process-wide status of the generation pipeline.
type GenerationState struct {
	Credential             string     `json:"credential,omitempty"`
	Status                 RunStatus  `json:"status"`
	StartedAt              *time.Time `json:"startedAt,omitempty"`
	LastError              string     `json:"lastError,omitempty"`
	Logs                   []LogEntry `json:"logs"`
	TotalArticlesCreated   int        `json:"totalArticlesCreated"`
	LastRunAt              *time.Time `json:"lastRunAt,omitempty"`
	LastRunCreated         int        `json:"lastRunCreated"`
	LastRunProcessedTopics int        `json:"lastRunProcessedTopics"`
}

// NewGenerationState returns the initial idle state.
func NewGenerationState() GenerationState {
	return GenerationState{Status: RunIdle, Logs: []LogEntry{}}
}

// AppendLog adds an entry and drops the oldest ones beyond MaxStateLogs.
func (s *GenerationState) AppendLog(at time.Time, level, message string) {
	s.Logs = append(s.Logs, LogEntry{At: at, Level: level, Message: message})
	if over := len(s.Logs) - MaxStateLogs; over > 0 {
		s.Logs = append([]LogEntry(nil), s.Logs[over:]...)
	}
}

// Redacted hides the credential for display.
func (s GenerationState) Redacted() GenerationState {
	if s.Credential != "" {
		s.Credential = "***"
	}
	return s
}
