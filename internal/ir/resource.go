package ir

import (
	"encoding/json"
	"fmt"
)

// Kind is the category of a provisionable unit.
type Kind string

const (
	KindNetwork        Kind = "Network"
	KindCluster        Kind = "Cluster"
	KindTable          Kind = "Table"
	KindNamespace      Kind = "Namespace"
	KindServiceAccount Kind = "ServiceAccount"
	KindRole           Kind = "Role"
	KindWorkload       Kind = "Workload"
	KindService        Kind = "Service"
	KindIngress        Kind = "Ingress"
	KindHelmRelease    Kind = "HelmRelease"
)

// Kinds lists every supported kind in declaration order.
var Kinds = []Kind{
	KindNetwork,
	KindCluster,
	KindTable,
	KindNamespace,
	KindServiceAccount,
	KindRole,
	KindWorkload,
	KindService,
	KindIngress,
	KindHelmRelease,
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Manifest reports whether resources of this kind are rendered as
// orchestration manifests rather than cloud API objects.
func (k Kind) Manifest() bool {
	switch k {
	case KindNamespace, KindServiceAccount, KindWorkload, KindService, KindIngress:
		return true
	}
	return false
}

func (k Kind) String() string {
	return string(k)
}

// Resource describes a single provisionable unit.
type Resource struct {
	ID         string         `pkl:"id" yaml:"id" json:"id"`
	Kind       Kind           `pkl:"kind" yaml:"kind" json:"kind"`
	DependsOn  []string       `pkl:"dependsOn" yaml:"dependsOn,omitempty" json:"dependsOn,omitempty"`
	Properties map[string]any `pkl:"properties" yaml:"properties,omitempty" json:"properties,omitempty"`

	// Removed marks a previously applied resource for teardown.
	Removed bool `pkl:"removed" yaml:"removed,omitempty" json:"removed,omitempty"`
}

// Clone returns a deep copy of the resource.
func (r *Resource) Clone() *Resource {
	if r == nil {
		return nil
	}
	out := &Resource{
		ID:      r.ID,
		Kind:    r.Kind,
		Removed: r.Removed,
	}
	if r.DependsOn != nil {
		out.DependsOn = append([]string(nil), r.DependsOn...)
	}
	if r.Properties != nil {
		out.Properties = CopyProperties(r.Properties)
	}
	return out
}

func (r *Resource) String() string {
	return fmt.Sprintf("%s(%s)", r.Kind, r.ID)
}

// CopyProperties deep copies a property map, normalizing nested maps
// with non-string keys along the way.
func CopyProperties(props map[string]any) map[string]any {
	if props == nil {
		return nil
	}
	out, _ := NormalizeValue(props).(map[string]any)
	return out
}

// NormalizeValue converts decoder-specific containers into plain
// map[string]any / []any trees.
func NormalizeValue(v any) any {
	switch val := v.(type) {
	case map[any]any:
		newMap := make(map[string]any, len(val))
		for k, v := range val {
			newMap[fmt.Sprintf("%v", k)] = NormalizeValue(v)
		}
		return newMap
	case map[string]any:
		newMap := make(map[string]any, len(val))
		for k, v := range val {
			newMap[k] = NormalizeValue(v)
		}
		return newMap
	case map[string]string:
		newMap := make(map[string]any, len(val))
		for k, v := range val {
			newMap[k] = v
		}
		return newMap
	case []any:
		newSlice := make([]any, len(val))
		for i, v := range val {
			newSlice[i] = NormalizeValue(v)
		}
		return newSlice
	case []string:
		newSlice := make([]any, len(val))
		for i, v := range val {
			newSlice[i] = v
		}
		return newSlice
	default:
		return val
	}
}

// CanonicalJSON encodes properties deterministically. encoding/json sorts
// map keys, and numbers of different Go types with equal values encode the
// same, so two property sets are equal iff their canonical forms are.
func CanonicalJSON(props map[string]any) ([]byte, error) {
	if props == nil {
		props = map[string]any{}
	}
	return json.Marshal(NormalizeValue(props))
}
