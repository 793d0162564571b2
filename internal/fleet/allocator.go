package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"Forge/internal/config"
	"Forge/internal/metrics"
	"Forge/internal/tags"

	"github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/google/uuid"
)

// failoverSentinel replaces the failover-code set on the second
// attempt. The control plane never emits it, so a shortfall inside the
// on-demand branch cannot trigger another failover.
const failoverSentinel = "never"

// AllocationResult is the detailed form of an allocation: the
// aggregate outcome across both attempts plus whether the on-demand
// failover fired.
type AllocationResult struct {
	FleetOutcome
	FailedOver bool
}

// Allocator turns an AllocationRequest into running instances. It
// holds no mutable state across calls and is safe for concurrent use
// over disjoint requests.
type Allocator struct {
	ec2     EC2API
	ssm     SSMAPI
	config  config.AWSConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewAllocator wires an allocator over injected control-plane clients.
// metrics may be nil.
func NewAllocator(ec2c EC2API, ssmc SSMAPI, cfg config.AWSConfig, logger *slog.Logger, m *metrics.Metrics) *Allocator {
	return &Allocator{
		ec2:     ec2c,
		ssm:     ssmc,
		config:  cfg,
		logger:  logger.With("component", "fleet-allocator"),
		metrics: m,
	}
}

// CreateFleet provisions req.Count runners and returns their instance
// ids, or the ids created so far together with a *RetryableError or
// *FatalError describing the remainder.
func (a *Allocator) CreateFleet(ctx context.Context, req AllocationRequest) ([]string, error) {
	result, err := a.Allocate(ctx, req)
	return result.InstanceIDs, err
}

// Allocate is CreateFleet with the full outcome attached. Partial
// results are always reported alongside their error context.
//
// A spot shortfall whose error codes intersect req.FailoverCodes is
// remediated exactly once: a second attempt runs at the on-demand tier
// for the missing count, with the failover-code set narrowed to a
// sentinel so a second cascade is impossible.
func (a *Allocator) Allocate(ctx context.Context, req AllocationRequest) (AllocationResult, error) {
	result := AllocationResult{FleetOutcome: FleetOutcome{Requested: req.Count}}

	if err := req.Validate(); err != nil {
		return result, a.fail(&FatalError{Err: err})
	}

	ami, err := a.resolveAMI(ctx, req.AMIParameterName)
	if err != nil {
		return result, a.fail(&FatalError{Err: err})
	}

	traceID := ""
	if req.EnableTracing {
		traceID = uuid.New().String()
	}
	tagSet := a.buildTags(req, traceID)

	attempt := req
	for slot := 0; slot < 2; slot++ {
		start := time.Now()
		outcome, err := a.launch(ctx, attempt, ami, tagSet)
		a.observe(attempt.Tier, outcome, err, time.Since(start))
		if err != nil {
			var re *RetryableError
			var fe *FatalError
			if errors.As(err, &re) || errors.As(err, &fe) {
				return result, a.fail(err)
			}
			return result, a.fail(&FatalError{Err: err})
		}

		result.InstanceIDs = append(result.InstanceIDs, outcome.InstanceIDs...)
		result.Errors = append(result.Errors, outcome.Errors...)
		short := attempt.Count - len(outcome.InstanceIDs)
		if short <= 0 {
			return result, nil
		}

		if slot == 0 && attempt.Tier == TierSpot && matchesAny(outcome.Errors, attempt.FailoverCodes) {
			a.logger.Warn("spot capacity shortfall, failing over to on-demand",
				"requested", attempt.Count,
				"created", len(outcome.InstanceIDs),
				"error_codes", outcome.ErrorCodes(),
			)
			if a.metrics != nil {
				a.metrics.FailoverEvents.Inc()
			}
			result.FailedOver = true
			next := attempt
			next.Count = short
			next.Tier = TierOnDemand
			next.FailoverCodes = []string{failoverSentinel}
			attempt = next
			continue
		}

		verdict, hint := Reconcile(attempt.Count, len(outcome.InstanceIDs), outcome.Errors, attempt.RetryableCodes)
		if verdict == VerdictRetry {
			return result, a.fail(retryable(hint, "fleet shortfall: %d of %d created, errors %v",
				len(outcome.InstanceIDs), attempt.Count, outcome.ErrorCodes()))
		}
		return result, a.fail(fatal("fleet shortfall not recognized as retryable: %d of %d created, errors %v",
			len(outcome.InstanceIDs), attempt.Count, outcome.ErrorCodes()))
	}

	return result, nil
}

// fail counts the surfaced failure class; the error passes through.
func (a *Allocator) fail(err error) error {
	if a.metrics != nil {
		if _, ok := AsRetryable(err); ok {
			a.metrics.RetryableFailures.Inc()
		} else {
			a.metrics.FatalFailures.Inc()
		}
	}
	return err
}

func (a *Allocator) launch(ctx context.Context, req AllocationRequest, ami string, tagSet []ec2types.Tag) (FleetOutcome, error) {
	if req.Tier == TierCapacityBlock {
		return a.launchCapacityBlock(ctx, req, ami, tagSet)
	}
	return a.launchFleet(ctx, req, ami, tagSet)
}

// resolveAMI looks up the override parameter and returns the image id
// it holds. An empty name means no override. Any lookup failure is a
// configuration defect, surfaced as-is for the caller to wrap fatal.
func (a *Allocator) resolveAMI(ctx context.Context, parameterName string) (string, error) {
	if parameterName == "" {
		return "", nil
	}
	out, err := a.ssm.GetParameter(ctx, &ssm.GetParameterInput{
		Name: aws.String(parameterName),
	})
	if err != nil {
		return "", fmt.Errorf("resolving AMI parameter %q: %w", parameterName, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil || *out.Parameter.Value == "" {
		return "", fmt.Errorf("AMI parameter %q resolved to an empty value", parameterName)
	}
	ami := *out.Parameter.Value
	a.logger.Debug("resolved AMI override", "parameter", parameterName, "ami", ami)
	return ami, nil
}

func (a *Allocator) buildTags(req AllocationRequest, traceID string) []ec2types.Tag {
	kv := map[string]string{
		tags.Application: tags.ApplicationValue,
		tags.Environment: req.Environment,
		tags.RunnerType:  req.RunnerType,
		tags.Owner:       req.Owner,
		tags.CreatedAt:   time.Now().UTC().Format(time.RFC3339),
		tags.Creator:     a.config.Creator,
		"Name":           fmt.Sprintf("%s-runner", req.Environment),
	}
	if req.Repo != "" {
		kv[tags.Repo] = req.Repo
	}
	if req.Org != "" {
		kv[tags.Org] = req.Org
	}
	if traceID != "" {
		kv[tags.TraceID] = traceID
	}
	for k, v := range a.config.ExtraTags {
		kv[k] = v
	}
	return tags.FromMap(kv)
}

func (a *Allocator) observe(tier CapacityTier, outcome FleetOutcome, err error, elapsed time.Duration) {
	if a.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	} else if outcome.Shortfall() > 0 {
		status = "shortfall"
	}
	a.metrics.FleetRequests.WithLabelValues(string(tier), status).Inc()
	a.metrics.FleetRequestDuration.WithLabelValues(string(tier)).Observe(elapsed.Seconds())
	if n := len(outcome.InstanceIDs); n > 0 {
		a.metrics.InstancesCreated.WithLabelValues(string(tier)).Add(float64(n))
	}
}
