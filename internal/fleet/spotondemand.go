package fleet

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"Forge/internal/tags"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
)

// launchFleet submits one best-effort CreateFleet call of type instant
// covering the full {subnet} x {instance type} cross product. Partial
// fulfillment is a normal return: the shortfall and the per-launch
// error codes are handed back for the reconciler to interpret.
func (a *Allocator) launchFleet(ctx context.Context, req AllocationRequest, ami string, tagSet []ec2types.Tag) (FleetOutcome, error) {
	overrides := make([]ec2types.FleetLaunchTemplateOverridesRequest, 0, len(req.SubnetIDs)*len(req.InstanceTypes))
	for _, subnet := range req.SubnetIDs {
		for _, instanceType := range req.InstanceTypes {
			o := ec2types.FleetLaunchTemplateOverridesRequest{
				SubnetId:     aws.String(subnet),
				InstanceType: ec2types.InstanceType(instanceType),
			}
			if ami != "" {
				o.ImageId = aws.String(ami)
			}
			if req.Tier == TierSpot && req.MaxSpotPrice != "" {
				o.MaxPrice = aws.String(req.MaxSpotPrice)
			}
			overrides = append(overrides, o)
		}
	}

	input := &ec2.CreateFleetInput{
		Type: ec2types.FleetTypeInstant,
		LaunchTemplateConfigs: []ec2types.FleetLaunchTemplateConfigRequest{
			{
				LaunchTemplateSpecification: &ec2types.FleetLaunchTemplateSpecificationRequest{
					LaunchTemplateId: aws.String(a.config.LaunchTemplateID),
					Version:          aws.String(a.config.LaunchTemplateVersion),
				},
				Overrides: overrides,
			},
		},
		TargetCapacitySpecification: &ec2types.TargetCapacitySpecificationRequest{
			TotalTargetCapacity:       aws.Int32(int32(req.Count)),
			DefaultTargetCapacityType: capacityType(req.Tier),
		},
		TagSpecifications: tags.Specifications(tagSet),
	}
	if req.Tier == TierSpot && req.AllocationStrategy != "" {
		input.SpotOptions = &ec2types.SpotOptionsRequest{
			AllocationStrategy: ec2types.SpotAllocationStrategy(req.AllocationStrategy),
		}
	}

	a.logger.Info("submitting fleet request",
		"tier", req.Tier,
		"count", req.Count,
		"overrides", len(overrides),
	)

	resp, err := a.ec2.CreateFleet(ctx, input)
	if err != nil {
		// A call-level rejection still carries an error code; fold it
		// into the outcome so classification stays in the reconciler.
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return FleetOutcome{
				Requested: req.Count,
				Errors:    []FleetError{{Code: apiErr.ErrorCode(), Count: 1}},
			}, nil
		}
		return FleetOutcome{}, fmt.Errorf("create fleet: %w", err)
	}

	outcome := FleetOutcome{Requested: req.Count}
	for _, inst := range resp.Instances {
		outcome.InstanceIDs = append(outcome.InstanceIDs, inst.InstanceIds...)
	}
	counts := map[string]int{}
	for _, fe := range resp.Errors {
		if fe.ErrorCode != nil {
			counts[*fe.ErrorCode]++
		}
	}
	outcome.Errors = foldErrorCounts(counts)
	return outcome, nil
}

func capacityType(tier CapacityTier) ec2types.DefaultTargetCapacityType {
	if tier == TierSpot {
		return ec2types.DefaultTargetCapacityTypeSpot
	}
	return ec2types.DefaultTargetCapacityTypeOnDemand
}

func foldErrorCounts(counts map[string]int) []FleetError {
	if len(counts) == 0 {
		return nil
	}
	out := make([]FleetError, 0, len(counts))
	for code, n := range counts {
		out = append(out, FleetError{Code: code, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}
