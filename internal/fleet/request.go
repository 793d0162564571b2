package fleet

import "fmt"

// CapacityTier selects which launch path an allocation takes.
type CapacityTier string

const (
	TierSpot          CapacityTier = "spot"
	TierOnDemand      CapacityTier = "on-demand"
	TierCapacityBlock CapacityTier = "capacity-block"
)

// AllocationRequest describes one batch of runner instances to create.
// It is treated as immutable; the failover retry derives a narrowed
// copy rather than mutating the original.
type AllocationRequest struct {
	// Count is the number of runners to create. Must be >= 1.
	Count int

	// InstanceTypes is the ordered list of acceptable instance types.
	// Exactly one entry is allowed when Tier is TierCapacityBlock.
	InstanceTypes []string

	// SubnetIDs are the candidate subnets instances may land in.
	SubnetIDs []string

	Tier CapacityTier

	// MaxSpotPrice and AllocationStrategy only apply when Tier is spot.
	MaxSpotPrice       string
	AllocationStrategy string

	// AMIParameterName, when set, is resolved to a concrete image id
	// before any launch call. Resolution failure is fatal.
	AMIParameterName string

	// FailoverCodes are the error codes that trigger the single
	// spot -> on-demand retry.
	FailoverCodes []string

	// RetryableCodes are the error codes classified as retryable
	// shortfall by the reconciler.
	RetryableCodes []string

	// Ownership labels stamped on created instances.
	Environment string
	RunnerType  string
	Owner       string
	Repo        string
	Org         string

	// EnableTracing adds a generated trace id to the tag set.
	EnableTracing bool
}

// Validate rejects requests the launch paths cannot act on.
func (r AllocationRequest) Validate() error {
	if r.Count < 1 {
		return fmt.Errorf("count must be >= 1, got %d", r.Count)
	}
	if len(r.InstanceTypes) == 0 {
		return fmt.Errorf("at least one instance type candidate is required")
	}
	if len(r.SubnetIDs) == 0 {
		return fmt.Errorf("at least one candidate subnet is required")
	}
	switch r.Tier {
	case TierSpot, TierOnDemand:
	case TierCapacityBlock:
		if len(r.InstanceTypes) != 1 {
			return fmt.Errorf("capacity-block requests take exactly one instance type, got %d", len(r.InstanceTypes))
		}
	default:
		return fmt.Errorf("unknown capacity tier %q", r.Tier)
	}
	return nil
}

// FleetError is one rejected-launch error code and how often the
// control plane reported it.
type FleetError struct {
	Code  string
	Count int
}

// FleetOutcome is the raw result of one launch attempt. A shortfall is
// not an error at this layer; the reconciler decides what it means.
type FleetOutcome struct {
	Requested   int
	InstanceIDs []string
	Errors      []FleetError
}

// Shortfall is the number of requested instances that did not come up.
func (o FleetOutcome) Shortfall() int {
	if n := o.Requested - len(o.InstanceIDs); n > 0 {
		return n
	}
	return 0
}

// ErrorCodes flattens the error multiset into its distinct codes.
func (o FleetOutcome) ErrorCodes() []string {
	codes := make([]string, 0, len(o.Errors))
	for _, e := range o.Errors {
		codes = append(codes, e.Code)
	}
	return codes
}
