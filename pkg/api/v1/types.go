package v1

import "time"

// CreateFleetRequest is the wire form of an allocation request.
// Omitted fields fall back to the server's configured defaults.
type CreateFleetRequest struct {
	Count              int      `json:"count"`
	InstanceTypes      []string `json:"instance_types,omitempty"`
	SubnetIDs          []string `json:"subnet_ids,omitempty"`
	Tier               string   `json:"tier,omitempty"`
	MaxSpotPrice       string   `json:"max_spot_price,omitempty"`
	AllocationStrategy string   `json:"allocation_strategy,omitempty"`
	AMIParameterName   string   `json:"ami_parameter_name,omitempty"`
	FailoverCodes      []string `json:"failover_codes,omitempty"`
	RetryableCodes     []string `json:"retryable_codes,omitempty"`
	RunnerType         string   `json:"runner_type,omitempty"`
	Owner              string   `json:"owner,omitempty"`
	Repo               string   `json:"repo,omitempty"`
	Org                string   `json:"org,omitempty"`
}

// CreateFleetResponse reports what an allocation produced. Created
// ids are always present, including alongside an error.
type CreateFleetResponse struct {
	Requested   int      `json:"requested"`
	Created     int      `json:"created"`
	InstanceIDs []string `json:"instance_ids"`
	Error       string   `json:"error,omitempty"`
	Retryable   bool     `json:"retryable,omitempty"`
	RetryHint   int      `json:"retry_hint,omitempty"`
}

// RunnerView is the read model of one runner instance.
type RunnerView struct {
	InstanceID  string     `json:"instance_id"`
	LaunchTime  *time.Time `json:"launch_time,omitempty"`
	Environment string     `json:"environment,omitempty"`
	Type        string     `json:"type,omitempty"`
	Owner       string     `json:"owner,omitempty"`
	Repo        string     `json:"repo,omitempty"`
	Org         string     `json:"org,omitempty"`
	Orphan      bool       `json:"orphan"`
	RunnerID    string     `json:"runner_id,omitempty"`
}

// TagRequest carries labels to attach to an instance.
type TagRequest struct {
	Tags map[string]string `json:"tags"`
}

// UntagRequest carries label keys to remove from an instance.
type UntagRequest struct {
	Keys []string `json:"keys"`
}

// ErrorResponse is the generic error payload.
type ErrorResponse struct {
	Error string `json:"error"`
}
