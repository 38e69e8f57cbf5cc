package api

import (
	"time"

	"blindscan/scanner"
)

// Task lifecycle states.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ScanTask represents an idle scan job managed by the API service.
type ScanTask struct {
	// ID is the immutable identifier of the scan task (UUID v4).
	ID string `json:"id" format:"uuid" example:"a3f5c62e-1234-4f72-a84a-1c2d3e4f5678" description:"Identifier assigned when the task is accepted. Reuse it when polling."`
	// Status reflects the asynchronous lifecycle state of the task.
	Status string `json:"status" enums:"pending,running,completed,failed" example:"pending" description:"pending while queued, running while the zombie is probed, completed once every port has a verdict, failed after a fatal scan error."`
	// Zombie is the idle host whose IPID counter is measured.
	Zombie string `json:"zombie" example:"192.0.2.7:80" description:"Zombie as host[:probeport]. The probe port defaults to 80."`
	// Hosts captures every target submitted for the scan.
	Hosts []string `json:"hosts" example:"[\"scanme.nmap.org\",\"192.0.2.10\"]" description:"IPv4 targets or names resolving to IPv4. Scanned in order through the same zombie."`
	// Ports defines the requested port selection.
	Ports string `json:"ports" example:"22,80,443,1000-1100" description:"Comma-separated ports and inclusive ranges. Duplicates are removed."`
	// Results becomes populated with port verdicts once the task completes.
	Results []scanner.ScanResult `json:"results,omitempty" description:"One Open or Closed verdict per host and port, in host then port order."`
	// CreatedAt records when the task was created.
	CreatedAt time.Time `json:"created_at" format:"date-time" example:"2024-01-02T15:04:05Z"`
	// CompletedAt is set once the task transitions to a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty" format:"date-time" example:"2024-01-02T15:06:30Z"`
	// Error contains context when a task fails.
	Error string `json:"error,omitempty" example:"idle scan via zombie 192.0.2.7: zombie IPID sequence is not usable" description:"Present only when status equals failed."`
}

// CreateScanRequest is the payload for creating new scan tasks.
type CreateScanRequest struct {
	Zombie string   `json:"zombie" binding:"required" example:"192.0.2.7:80" description:"Zombie as host[:probeport]."`
	Hosts  []string `json:"hosts" binding:"required,min=1" example:"[\"scanme.nmap.org\"]" description:"Targets to scan through the zombie."`
	Ports  string   `json:"ports" binding:"required" example:"22,80,443" description:"Comma-separated ports and inclusive ranges."`
}

// ScanAcceptedResponse captures the asynchronous acknowledgement returned after job submission.
type ScanAcceptedResponse struct {
	ID     string `json:"id" format:"uuid" example:"a3f5c62e-1234-4f72-a84a-1c2d3e4f5678"`
	Status string `json:"status" enums:"pending" example:"pending"`
}

// ErrorResponse provides a consistent structure for API error payloads.
type ErrorResponse struct {
	Error string `json:"error" example:"task not found"`
}
