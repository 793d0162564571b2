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

// launchCapacityBlock places instances into a pre-purchased capacity
// block. Targeted reservations require exact placement, so this path
// issues a single direct RunInstances call pinned to the block and a
// subnet inside its availability zone.
func (a *Allocator) launchCapacityBlock(ctx context.Context, req AllocationRequest, ami string, tagSet []ec2types.Tag) (FleetOutcome, error) {
	instanceType := req.InstanceTypes[0]

	block, err := a.findCapacityBlock(ctx, instanceType)
	if err != nil {
		return FleetOutcome{}, err
	}
	if block == nil {
		// A freshly purchased block may still be between provisioning
		// and active; worth asking again later.
		return FleetOutcome{}, retryable(1, "no active capacity block with free slots for %s", instanceType)
	}

	zone := aws.ToString(block.AvailabilityZone)
	subnet, err := a.subnetInZone(ctx, req.SubnetIDs, zone)
	if err != nil {
		return FleetOutcome{}, err
	}
	if subnet == "" {
		return FleetOutcome{}, fatal("no candidate subnet lies in availability zone %s of capacity block %s",
			zone, aws.ToString(block.CapacityReservationId))
	}

	a.logger.Info("launching into capacity block",
		"reservation_id", aws.ToString(block.CapacityReservationId),
		"zone", zone,
		"subnet", subnet,
		"count", req.Count,
	)

	input := &ec2.RunInstancesInput{
		MinCount:     aws.Int32(int32(req.Count)),
		MaxCount:     aws.Int32(int32(req.Count)),
		InstanceType: ec2types.InstanceType(instanceType),
		SubnetId:     aws.String(subnet),
		LaunchTemplate: &ec2types.LaunchTemplateSpecification{
			LaunchTemplateId: aws.String(a.config.LaunchTemplateID),
			Version:          aws.String(a.config.LaunchTemplateVersion),
		},
		CapacityReservationSpecification: &ec2types.CapacityReservationSpecification{
			CapacityReservationTarget: &ec2types.CapacityReservationTarget{
				CapacityReservationId: block.CapacityReservationId,
			},
		},
		TagSpecifications: tags.Specifications(tagSet),
	}
	if ami != "" {
		input.ImageId = aws.String(ami)
	}

	resp, err := a.ec2.RunInstances(ctx, input)
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return FleetOutcome{
				Requested: req.Count,
				Errors:    []FleetError{{Code: apiErr.ErrorCode(), Count: 1}},
			}, nil
		}
		return FleetOutcome{}, fmt.Errorf("run instances in capacity block: %w", err)
	}

	outcome := FleetOutcome{Requested: req.Count}
	for _, inst := range resp.Instances {
		outcome.InstanceIDs = append(outcome.InstanceIDs, aws.ToString(inst.InstanceId))
	}
	return outcome, nil
}

// findCapacityBlock returns the usable reservation for instanceType,
// or nil when none qualifies. Only reservations carrying an end date
// are capacity blocks; open reservations are ignored.
func (a *Allocator) findCapacityBlock(ctx context.Context, instanceType string) (*ec2types.CapacityReservation, error) {
	resp, err := a.ec2.DescribeCapacityReservations(ctx, &ec2.DescribeCapacityReservationsInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("instance-type"), Values: []string{instanceType}},
			{Name: aws.String("state"), Values: []string{"active"}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("describe capacity reservations: %w", err)
	}

	candidates := make([]ec2types.CapacityReservation, 0, len(resp.CapacityReservations))
	for _, cr := range resp.CapacityReservations {
		if cr.EndDate == nil {
			continue
		}
		if aws.ToInt32(cr.AvailableInstanceCount) <= 0 {
			continue
		}
		candidates = append(candidates, cr)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	// The listing order is not guaranteed stable; pick
	// deterministically: most free slots, then earliest expiry, then id.
	sort.Slice(candidates, func(i, j int) bool {
		ai, aj := aws.ToInt32(candidates[i].AvailableInstanceCount), aws.ToInt32(candidates[j].AvailableInstanceCount)
		if ai != aj {
			return ai > aj
		}
		ei, ej := candidates[i].EndDate, candidates[j].EndDate
		if !ei.Equal(*ej) {
			return ei.Before(*ej)
		}
		return aws.ToString(candidates[i].CapacityReservationId) < aws.ToString(candidates[j].CapacityReservationId)
	})
	return &candidates[0], nil
}

// subnetInZone returns the first caller-supplied subnet, in the
// caller's order, located in zone. Empty means none matched.
func (a *Allocator) subnetInZone(ctx context.Context, subnetIDs []string, zone string) (string, error) {
	resp, err := a.ec2.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{
		SubnetIds: subnetIDs,
	})
	if err != nil {
		return "", fmt.Errorf("describe subnets: %w", err)
	}
	zones := make(map[string]string, len(resp.Subnets))
	for _, s := range resp.Subnets {
		zones[aws.ToString(s.SubnetId)] = aws.ToString(s.AvailabilityZone)
	}
	for _, id := range subnetIDs {
		if zones[id] == zone {
			return id, nil
		}
	}
	return "", nil
}
