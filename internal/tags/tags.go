package tags

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// Tag schema shared by the allocator (writes at creation) and the
// inventory (reads and later mutates). Keys are namespaced so that
// listing by ownership never picks up foreign instances.
const (
	Application = "forge:application"
	Environment = "forge:environment"
	RunnerType  = "forge:type"
	Owner       = "forge:owner"
	Repo        = "forge:repo"
	Org         = "forge:org"
	CreatedAt   = "forge:created-at"
	Creator     = "forge:creator"
	TraceID     = "forge:trace-id"
	Orphan      = "forge:orphan"
	RunnerID    = "forge:runner-id"

	// ApplicationValue marks an instance as owned by this system.
	ApplicationValue = "github-runner"
)

// FromMap converts a key/value set into EC2 tags.
func FromMap(kv map[string]string) []types.Tag {
	out := make([]types.Tag, 0, len(kv))
	for k, v := range kv {
		out = append(out, types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	return out
}

// Specifications attaches the same tag set to the instance and its
// volumes in the creation call itself, so a running instance is never
// observable without its labels.
func Specifications(set []types.Tag) []types.TagSpecification {
	return []types.TagSpecification{
		{ResourceType: types.ResourceTypeInstance, Tags: set},
		{ResourceType: types.ResourceTypeVolume, Tags: set},
	}
}
