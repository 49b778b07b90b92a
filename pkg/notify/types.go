package notify

import "time"

// DeployResult holds the data needed to build a deploy-outcome notification.
// It is populated by the orchestrator once a run reaches its terminal state.
type DeployResult struct {
	Operation   string // "deploy", "scale", or "rollback"
	ProjectName string
	ServiceName string
	Env         string
	Version     int
	Success     bool
	Error       string
	TriggeredBy string
	Duration    time.Duration
}
