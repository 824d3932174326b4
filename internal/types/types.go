// Package types holds the JSON shapes shared by the API handlers and
// the CLI client.
package types

import (
	"github.com/neboloop/keeper/internal/history"
	"github.com/neboloop/keeper/internal/watchdog"
)

type HealthResponse struct {
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
	LastCheck string `json:"last_check,omitempty"`
	Version   string `json:"version"`
}

type StatusResponse struct {
	Snapshot watchdog.Snapshot `json:"snapshot"`
	Version  string            `json:"version"`
}

type ControlResponse struct {
	Running bool `json:"running"`
	Changed bool `json:"changed"`
}

type ActionResponse struct {
	Accepted bool   `json:"accepted"`
	Action   string `json:"action"`
}

type HistoryChecksResponse struct {
	Checks []history.CheckRecord `json:"checks"`
}

type HistoryAttemptsResponse struct {
	Attempts []history.AttemptRecord `json:"attempts"`
}
