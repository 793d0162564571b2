package fleet

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"Forge/internal/config"
	"Forge/internal/tags"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/aws/smithy-go"
)

// Fake EC2 client for testing
type fakeEC2 struct {
	fleetOutputs []*ec2.CreateFleetOutput
	fleetErr     error
	fleetInputs  []*ec2.CreateFleetInput

	runOutput *ec2.RunInstancesOutput
	runErr    error
	runInputs []*ec2.RunInstancesInput

	reservations    *ec2.DescribeCapacityReservationsOutput
	reservationsErr error

	subnets    *ec2.DescribeSubnetsOutput
	subnetsErr error
}

func (f *fakeEC2) CreateFleet(ctx context.Context, params *ec2.CreateFleetInput, optFns ...func(*ec2.Options)) (*ec2.CreateFleetOutput, error) {
	f.fleetInputs = append(f.fleetInputs, params)
	if f.fleetErr != nil {
		return nil, f.fleetErr
	}
	if len(f.fleetOutputs) == 0 {
		return &ec2.CreateFleetOutput{}, nil
	}
	out := f.fleetOutputs[0]
	f.fleetOutputs = f.fleetOutputs[1:]
	return out, nil
}

func (f *fakeEC2) RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	f.runInputs = append(f.runInputs, params)
	if f.runErr != nil {
		return nil, f.runErr
	}
	if f.runOutput == nil {
		return &ec2.RunInstancesOutput{}, nil
	}
	return f.runOutput, nil
}

func (f *fakeEC2) DescribeCapacityReservations(ctx context.Context, params *ec2.DescribeCapacityReservationsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeCapacityReservationsOutput, error) {
	if f.reservationsErr != nil {
		return nil, f.reservationsErr
	}
	if f.reservations == nil {
		return &ec2.DescribeCapacityReservationsOutput{}, nil
	}
	return f.reservations, nil
}

func (f *fakeEC2) DescribeSubnets(ctx context.Context, params *ec2.DescribeSubnetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error) {
	if f.subnetsErr != nil {
		return nil, f.subnetsErr
	}
	if f.subnets == nil {
		return &ec2.DescribeSubnetsOutput{}, nil
	}
	return f.subnets, nil
}

// Fake SSM client for testing
type fakeSSM struct {
	value string
	err   error
	calls int
}

func (f *fakeSSM) GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &ssm.GetParameterOutput{
		Parameter: &ssmtypes.Parameter{Value: aws.String(f.value)},
	}, nil
}

func testAllocator(ec2c EC2API, ssmc SSMAPI) *Allocator {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewAllocator(ec2c, ssmc, config.AWSConfig{
		LaunchTemplateID:      "lt-0123456789abcdef0",
		LaunchTemplateVersion: "$Default",
		Creator:               "forge",
	}, logger, nil)
}

func fleetOutput(errCodes []string, ids ...string) *ec2.CreateFleetOutput {
	out := &ec2.CreateFleetOutput{}
	if len(ids) > 0 {
		out.Instances = []ec2types.CreateFleetInstance{{InstanceIds: ids}}
	}
	for _, code := range errCodes {
		out.Errors = append(out.Errors, ec2types.CreateFleetError{ErrorCode: aws.String(code)})
	}
	return out
}

func spotRequest(count int) AllocationRequest {
	return AllocationRequest{
		Count:          count,
		InstanceTypes:  []string{"m5.large", "m5a.large"},
		SubnetIDs:      []string{"subnet-1", "subnet-2"},
		Tier:           TierSpot,
		FailoverCodes:  []string{"InsufficientInstanceCapacity", "UnfulfillableCapacity"},
		RetryableCodes: []string{"InsufficientInstanceCapacity"},
		Environment:    "ci",
		RunnerType:     "linux-x64",
		Owner:          "acme",
	}
}

func TestCreateFleetSpotSuccess(t *testing.T) {
	fake := &fakeEC2{fleetOutputs: []*ec2.CreateFleetOutput{
		fleetOutput(nil, "i-1", "i-2", "i-3"),
	}}
	a := testAllocator(fake, &fakeSSM{})

	ids, err := a.CreateFleet(context.Background(), spotRequest(3))
	if err != nil {
		t.Fatalf("CreateFleet() error = %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 ids, got %d", len(ids))
	}
	if len(fake.fleetInputs) != 1 {
		t.Fatalf("expected 1 fleet call, got %d", len(fake.fleetInputs))
	}

	input := fake.fleetInputs[0]
	if got := *input.TargetCapacitySpecification.TotalTargetCapacity; got != 3 {
		t.Errorf("expected target capacity 3, got %d", got)
	}
	if input.TargetCapacitySpecification.DefaultTargetCapacityType != ec2types.DefaultTargetCapacityTypeSpot {
		t.Errorf("expected spot capacity type, got %s", input.TargetCapacitySpecification.DefaultTargetCapacityType)
	}
	// cross product of 2 subnets x 2 instance types
	if got := len(input.LaunchTemplateConfigs[0].Overrides); got != 4 {
		t.Errorf("expected 4 overrides, got %d", got)
	}
}

func TestCreateFleetTagsAppliedAtCreation(t *testing.T) {
	fake := &fakeEC2{fleetOutputs: []*ec2.CreateFleetOutput{
		fleetOutput(nil, "i-1"),
	}}
	a := testAllocator(fake, &fakeSSM{})

	req := spotRequest(1)
	req.EnableTracing = true
	if _, err := a.CreateFleet(context.Background(), req); err != nil {
		t.Fatalf("CreateFleet() error = %v", err)
	}

	specs := fake.fleetInputs[0].TagSpecifications
	if len(specs) != 2 {
		t.Fatalf("expected tag specs for instance and volume, got %d", len(specs))
	}
	if specs[0].ResourceType != ec2types.ResourceTypeInstance || specs[1].ResourceType != ec2types.ResourceTypeVolume {
		t.Errorf("unexpected tag spec resource types: %s, %s", specs[0].ResourceType, specs[1].ResourceType)
	}

	want := []string{tags.Application, tags.Environment, tags.RunnerType, tags.Owner, tags.Creator, tags.CreatedAt, tags.TraceID}
	got := map[string]bool{}
	for _, tag := range specs[0].Tags {
		got[*tag.Key] = true
	}
	for _, key := range want {
		if !got[key] {
			t.Errorf("missing tag %s on creation call", key)
		}
	}
}

func TestCreateFleetSpotFailover(t *testing.T) {
	fake := &fakeEC2{fleetOutputs: []*ec2.CreateFleetOutput{
		fleetOutput([]string{"InsufficientInstanceCapacity", "InsufficientInstanceCapacity"}, "i-1"),
		fleetOutput(nil, "i-2", "i-3"),
	}}
	a := testAllocator(fake, &fakeSSM{})

	result, err := a.Allocate(context.Background(), spotRequest(3))
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if len(result.InstanceIDs) != 3 {
		t.Fatalf("expected 3 ids, got %d", len(result.InstanceIDs))
	}
	if !result.FailedOver {
		t.Error("expected failover to be recorded")
	}
	if len(fake.fleetInputs) != 2 {
		t.Fatalf("expected 2 fleet calls, got %d", len(fake.fleetInputs))
	}

	second := fake.fleetInputs[1]
	if got := *second.TargetCapacitySpecification.TotalTargetCapacity; got != 2 {
		t.Errorf("expected on-demand attempt for shortfall of 2, got %d", got)
	}
	if second.TargetCapacitySpecification.DefaultTargetCapacityType != ec2types.DefaultTargetCapacityTypeOnDemand {
		t.Errorf("expected on-demand capacity type on retry, got %s", second.TargetCapacitySpecification.DefaultTargetCapacityType)
	}
	if second.SpotOptions != nil {
		t.Error("on-demand attempt must not carry spot options")
	}
}

func TestCreateFleetFailoverDoesNotCascade(t *testing.T) {
	// Both attempts report a failover-class code; only one retry may fire.
	fake := &fakeEC2{fleetOutputs: []*ec2.CreateFleetOutput{
		fleetOutput([]string{"InsufficientInstanceCapacity"}, "i-1"),
		fleetOutput([]string{"InsufficientInstanceCapacity"}, "i-2"),
	}}
	a := testAllocator(fake, &fakeSSM{})

	ids, err := a.CreateFleet(context.Background(), spotRequest(3))
	if len(fake.fleetInputs) != 2 {
		t.Fatalf("expected exactly 2 fleet calls, got %d", len(fake.fleetInputs))
	}
	if len(ids) != 2 {
		t.Errorf("expected both attempts' ids, got %d", len(ids))
	}
	hint, ok := AsRetryable(err)
	if !ok {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if hint != 1 {
		t.Errorf("expected hint 1, got %d", hint)
	}
}

func TestCreateFleetNoFailoverForOnDemand(t *testing.T) {
	fake := &fakeEC2{fleetOutputs: []*ec2.CreateFleetOutput{
		fleetOutput([]string{"InsufficientInstanceCapacity"}, "i-1"),
	}}
	a := testAllocator(fake, &fakeSSM{})

	req := spotRequest(2)
	req.Tier = TierOnDemand
	_, err := a.CreateFleet(context.Background(), req)
	if len(fake.fleetInputs) != 1 {
		t.Fatalf("expected 1 fleet call, got %d", len(fake.fleetInputs))
	}
	if _, ok := AsRetryable(err); !ok {
		t.Fatalf("expected retryable error, got %v", err)
	}
}

func TestCreateFleetUnrecognizedShortfallIsFatal(t *testing.T) {
	fake := &fakeEC2{fleetOutputs: []*ec2.CreateFleetOutput{
		fleetOutput([]string{"InternalError"}),
	}}
	a := testAllocator(fake, &fakeSSM{})

	req := spotRequest(2)
	_, err := a.CreateFleet(context.Background(), req)
	var fe *FatalError
	if !errors.As(err, &fe) {
		t.Fatalf("expected fatal error, got %v", err)
	}
}

func TestCreateFleetZeroCreatedZeroErrorsIsFatal(t *testing.T) {
	fake := &fakeEC2{fleetOutputs: []*ec2.CreateFleetOutput{fleetOutput(nil)}}
	a := testAllocator(fake, &fakeSSM{})

	_, err := a.CreateFleet(context.Background(), spotRequest(1))
	var fe *FatalError
	if !errors.As(err, &fe) {
		t.Fatalf("expected fatal error, got %v", err)
	}
}

func TestCreateFleetAMIResolutionFailureIsFatal(t *testing.T) {
	fake := &fakeEC2{}
	a := testAllocator(fake, &fakeSSM{err: errors.New("parameter not found")})

	req := spotRequest(1)
	req.AMIParameterName = "/forge/ami/runner"
	_, err := a.CreateFleet(context.Background(), req)
	var fe *FatalError
	if !errors.As(err, &fe) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if len(fake.fleetInputs) != 0 {
		t.Errorf("expected no fleet call after AMI failure, got %d", len(fake.fleetInputs))
	}
}

func TestCreateFleetAMIOverrideApplied(t *testing.T) {
	fake := &fakeEC2{fleetOutputs: []*ec2.CreateFleetOutput{
		fleetOutput(nil, "i-1"),
	}}
	ssmc := &fakeSSM{value: "ami-0abc123"}
	a := testAllocator(fake, ssmc)

	req := spotRequest(1)
	req.AMIParameterName = "/forge/ami/runner"
	if _, err := a.CreateFleet(context.Background(), req); err != nil {
		t.Fatalf("CreateFleet() error = %v", err)
	}
	if ssmc.calls != 1 {
		t.Fatalf("expected 1 SSM lookup, got %d", ssmc.calls)
	}
	for _, o := range fake.fleetInputs[0].LaunchTemplateConfigs[0].Overrides {
		if o.ImageId == nil || *o.ImageId != "ami-0abc123" {
			t.Fatalf("expected AMI override on every launch override")
		}
	}
}

func TestCreateFleetAPIErrorFoldsIntoOutcome(t *testing.T) {
	fake := &fakeEC2{fleetErr: &smithy.GenericAPIError{Code: "RequestLimitExceeded", Message: "slow down"}}
	a := testAllocator(fake, &fakeSSM{})

	req := spotRequest(2)
	req.RetryableCodes = []string{"RequestLimitExceeded"}
	req.FailoverCodes = nil
	_, err := a.CreateFleet(context.Background(), req)
	hint, ok := AsRetryable(err)
	if !ok {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if hint != 1 {
		t.Errorf("expected hint 1, got %d", hint)
	}
}

func TestCreateFleetInvalidRequest(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*AllocationRequest)
	}{
		{"zero count", func(r *AllocationRequest) { r.Count = 0 }},
		{"no instance types", func(r *AllocationRequest) { r.InstanceTypes = nil }},
		{"no subnets", func(r *AllocationRequest) { r.SubnetIDs = nil }},
		{"bad tier", func(r *AllocationRequest) { r.Tier = "dedicated" }},
		{"capacity block with two types", func(r *AllocationRequest) {
			r.Tier = TierCapacityBlock
			r.InstanceTypes = []string{"p5.48xlarge", "p4d.24xlarge"}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeEC2{}
			a := testAllocator(fake, &fakeSSM{})
			req := spotRequest(2)
			tt.mut(&req)

			_, err := a.CreateFleet(context.Background(), req)
			var fe *FatalError
			if !errors.As(err, &fe) {
				t.Fatalf("expected fatal error, got %v", err)
			}
			if len(fake.fleetInputs)+len(fake.runInputs) != 0 {
				t.Error("expected no launch calls for invalid request")
			}
		})
	}
}
