package entry

import (
	"fmt"

	"github.com/logflume/logflume/internal/transport"
)

// Resource is the monitored-resource descriptor attached to every entry of
// a destination.
type Resource struct {
	Type   string            `json:"type" yaml:"type"`
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// requiredResourceLabels lists the label keys each known resource type must
// carry. Unknown types are coerced to "global" during normalization.
var requiredResourceLabels = map[string][]string{
	"global":           {"project_id"},
	"gce_instance":     {"project_id", "instance_id", "zone"},
	"aws_ec2_instance": {"project_id", "instance_id", "region"},
	"k8s_container":    {"project_id", "location", "cluster_name", "namespace_name", "pod_name", "container_name"},
	"generic_node":     {"project_id", "location", "namespace", "node_id"},
}

// NormalizeResource validates and fills in a resource descriptor.
//
// Unknown resource types are coerced to "global" with the project_id label
// auto-filled from the credential's project. For known types, missing
// labels are auto-filled where derivable (currently only project_id);
// anything else is a configuration error surfaced at session setup, not
// per entry.
func NormalizeResource(res Resource, projectID string) (Resource, error) {
	required, known := requiredResourceLabels[res.Type]
	if !known {
		return Resource{
			Type:   "global",
			Labels: map[string]string{"project_id": projectID},
		}, nil
	}

	labels := make(map[string]string, len(required))
	for k, v := range res.Labels {
		labels[k] = v
	}
	for _, key := range required {
		if _, ok := labels[key]; ok {
			continue
		}
		if key == "project_id" && projectID != "" {
			labels[key] = projectID
			continue
		}
		return Resource{}, &transport.Error{
			Type:    transport.ErrorTypeConfiguration,
			Message: fmt.Sprintf("resource type %q is missing required label %q", res.Type, key),
		}
	}

	return Resource{Type: res.Type, Labels: labels}, nil
}
