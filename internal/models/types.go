package models

import "time"

// AllocationEvent is one recorded allocation attempt, shared by the
// journal, the analytics tracker, and the API history endpoint.
type AllocationEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	Tier       string    `json:"tier"`
	Requested  int       `json:"requested"`
	Created    int       `json:"created"`
	FailedOver bool      `json:"failed_over"`
	ErrorCodes []string  `json:"error_codes,omitempty"`
	Outcome    string    `json:"outcome"` // fulfilled, retry, failed
}

// AllocationSummary aggregates allocation history for the status API.
type AllocationSummary struct {
	TotalRequested    int       `json:"total_requested"`
	TotalCreated      int       `json:"total_created"`
	Failovers         int       `json:"failovers"`
	RetryableFailures int       `json:"retryable_failures"`
	FatalFailures     int       `json:"fatal_failures"`
	LastAllocation    time.Time `json:"last_allocation,omitempty"`
}
