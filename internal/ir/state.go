package ir

import "time"

// Status is the lifecycle status of a resource as recorded in state.
type Status string

const (
	StatusAbsent  Status = "Absent"
	StatusPending Status = "Pending"
	StatusApplied Status = "Applied"
	StatusFailed  Status = "Failed"
)

// State is the persisted document used by whole-file state stores.
type State struct {
	Version   int              `json:"version"`
	Serial    int              `json:"serial"`
	Lineage   string           `json:"lineage"`
	Resources []*ResourceState `json:"resources"`
}

// ResourceState is the last known state of one resource id.
type ResourceState struct {
	ID                    string         `json:"id"`
	Kind                  Kind           `json:"kind"`
	DependsOn             []string       `json:"dependsOn,omitempty"`
	LastAppliedProperties map[string]any `json:"lastAppliedProperties,omitempty"`
	InputsHash            string         `json:"inputsHash,omitempty"`
	Handle                *Handle        `json:"handle,omitempty"`
	Status                Status         `json:"status"`
	Error                 string         `json:"error,omitempty"`
	UpdatedAt             time.Time      `json:"updatedAt"`
}

// Clone returns a deep copy of the resource state.
func (s *ResourceState) Clone() *ResourceState {
	if s == nil {
		return nil
	}
	out := *s
	if s.DependsOn != nil {
		out.DependsOn = append([]string(nil), s.DependsOn...)
	}
	out.LastAppliedProperties = CopyProperties(s.LastAppliedProperties)
	out.Handle = s.Handle.Clone()
	return &out
}

// AsResource rebuilds a descriptor from stored state, used when tearing
// down resources that are no longer declared.
func (s *ResourceState) AsResource() *Resource {
	return &Resource{
		ID:         s.ID,
		Kind:       s.Kind,
		DependsOn:  append([]string(nil), s.DependsOn...),
		Properties: CopyProperties(s.LastAppliedProperties),
	}
}
