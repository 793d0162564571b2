package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"Forge/internal/metrics"
	"Forge/internal/tags"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// EC2API is the slice of the EC2 control plane the inventory uses.
type EC2API interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	CreateTags(ctx context.Context, params *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
	DeleteTags(ctx context.Context, params *ec2.DeleteTagsInput, optFns ...func(*ec2.Options)) (*ec2.DeleteTagsOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// Record is the read model of one owned instance, decoded from tags.
type Record struct {
	InstanceID  string
	LaunchTime  *time.Time
	Environment string
	Type        string
	Owner       string
	Repo        string
	Org         string
	Orphan      bool
	RunnerID    string
}

// ListFilter narrows List. Zero values mean "do not filter on this".
// Type and Owner only apply together; filtering on one of them alone
// is not meaningful for a runner pool and is ignored.
type ListFilter struct {
	Environment string
	Type        string
	Owner       string
	OrphanOnly  bool
	Statuses    []string
}

// Inventory provides read/write operations over instances this system
// owns. Every operation is scoped by the ownership tag; foreign
// instances are invisible to it.
type Inventory struct {
	client  EC2API
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewInventory wires an inventory over an injected EC2 client.
// metrics may be nil.
func NewInventory(client EC2API, logger *slog.Logger, m *metrics.Metrics) *Inventory {
	return &Inventory{
		client:  client,
		logger:  logger.With("component", "inventory"),
		metrics: m,
	}
}

// List returns every owned instance matching the filter, following
// pagination so the caller always sees the complete set.
func (i *Inventory) List(ctx context.Context, f ListFilter) ([]Record, error) {
	statuses := f.Statuses
	if len(statuses) == 0 {
		statuses = []string{"running", "pending"}
	}

	filters := []ec2types.Filter{
		{
			Name:   aws.String("tag:" + tags.Application),
			Values: []string{tags.ApplicationValue},
		},
		{
			Name:   aws.String("instance-state-name"),
			Values: statuses,
		},
	}
	if f.Environment != "" {
		filters = append(filters, ec2types.Filter{
			Name:   aws.String("tag:" + tags.Environment),
			Values: []string{f.Environment},
		})
	}
	if f.Type != "" && f.Owner != "" {
		filters = append(filters,
			ec2types.Filter{Name: aws.String("tag:" + tags.RunnerType), Values: []string{f.Type}},
			ec2types.Filter{Name: aws.String("tag:" + tags.Owner), Values: []string{f.Owner}},
		)
	}
	if f.OrphanOnly {
		filters = append(filters, ec2types.Filter{
			Name:   aws.String("tag:" + tags.Orphan),
			Values: []string{"true"},
		})
	}

	var records []Record
	paginator := ec2.NewDescribeInstancesPaginator(i.client, &ec2.DescribeInstancesInput{Filters: filters})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			i.observe("list", err)
			return nil, fmt.Errorf("failed to describe instances: %w", err)
		}
		for _, reservation := range page.Reservations {
			for _, instance := range reservation.Instances {
				records = append(records, recordFromInstance(instance))
			}
		}
	}

	i.observe("list", nil)
	if i.metrics != nil {
		i.metrics.RunnersListed.Set(float64(len(records)))
	}
	return records, nil
}

// Tag attaches label key/value pairs to an already-created instance.
// Used for the orphan flag and the externally-assigned runner id.
func (i *Inventory) Tag(ctx context.Context, instanceID string, kv map[string]string) error {
	_, err := i.client.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{instanceID},
		Tags:      tags.FromMap(kv),
	})
	i.observe("tag", err)
	if err != nil {
		return fmt.Errorf("failed to tag instance %s: %w", instanceID, err)
	}
	return nil
}

// Untag removes label keys from an instance.
func (i *Inventory) Untag(ctx context.Context, instanceID string, keys []string) error {
	del := make([]ec2types.Tag, 0, len(keys))
	for _, k := range keys {
		del = append(del, ec2types.Tag{Key: aws.String(k)})
	}
	_, err := i.client.DeleteTags(ctx, &ec2.DeleteTagsInput{
		Resources: []string{instanceID},
		Tags:      del,
	})
	i.observe("untag", err)
	if err != nil {
		return fmt.Errorf("failed to untag instance %s: %w", instanceID, err)
	}
	return nil
}

// Terminate requests termination and returns without waiting.
// Completion is observable later through List's status filter.
func (i *Inventory) Terminate(ctx context.Context, instanceID string) error {
	_, err := i.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{instanceID},
	})
	i.observe("terminate", err)
	if err != nil {
		return fmt.Errorf("failed to terminate instance %s: %w", instanceID, err)
	}
	i.logger.Info("instance termination initiated", "instance_id", instanceID)
	return nil
}

func (i *Inventory) observe(operation string, err error) {
	if i.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	i.metrics.InventoryOperations.WithLabelValues(operation, status).Inc()
}

func recordFromInstance(instance ec2types.Instance) Record {
	r := Record{
		InstanceID: aws.ToString(instance.InstanceId),
		LaunchTime: instance.LaunchTime,
	}
	for _, tag := range instance.Tags {
		switch aws.ToString(tag.Key) {
		case tags.Environment:
			r.Environment = aws.ToString(tag.Value)
		case tags.RunnerType:
			r.Type = aws.ToString(tag.Value)
		case tags.Owner:
			r.Owner = aws.ToString(tag.Value)
		case tags.Repo:
			r.Repo = aws.ToString(tag.Value)
		case tags.Org:
			r.Org = aws.ToString(tag.Value)
		case tags.Orphan:
			r.Orphan = aws.ToString(tag.Value) == "true"
		case tags.RunnerID:
			r.RunnerID = aws.ToString(tag.Value)
		}
	}
	return r
}
