package registry

import (
	"fmt"
	"sort"

	"docline/internal/config"
	"docline/internal/domain"
)

// ConfigurationError reports registry misuse: an unknown document type,
// state type or state key. It is a programmer/configuration error and
// is never worth retrying.
type ConfigurationError struct {
	What string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("registry: %s", e.What)
}

type stateTypeEntry struct {
	meta    domain.StateType
	initial string
	states  []domain.State
	byKey   map[string]domain.State
	tags    map[string]bool
}

// Registry is the authoritative map from document type to applicable
// state types and from state type to legal states, tags and the
// next-state graph. It is immutable once built.
type Registry struct {
	docTypes   map[string][]string
	stateTypes map[string]*stateTypeEntry
	overrides  map[string]map[string]map[string][]string
}

// New compiles a validated registry config. State order follows the
// configured list.
func New(cfg *config.Config) (*Registry, error) {
	if cfg == nil {
		return nil, &ConfigurationError{What: "nil config"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Registry{
		docTypes:   make(map[string][]string, len(cfg.Registry.DocTypes)),
		stateTypes: make(map[string]*stateTypeEntry, len(cfg.Registry.StateTypes)),
		overrides:  cfg.Registry.GroupOverrides,
	}
	for docType, dt := range cfg.Registry.DocTypes {
		r.docTypes[docType] = append([]string(nil), dt.StateTypes...)
	}
	for key, stc := range cfg.Registry.StateTypes {
		entry := &stateTypeEntry{
			meta:    domain.StateType{Key: key, Label: stc.Label},
			initial: stc.Initial,
			byKey:   make(map[string]domain.State, len(stc.States)),
			tags:    make(map[string]bool, len(stc.Tags)),
		}
		for i, sc := range stc.States {
			used := true
			if sc.Used != nil {
				used = *sc.Used
			}
			s := domain.State{
				Type:       key,
				Key:        sc.Key,
				Name:       sc.Name,
				Order:      i,
				Used:       used,
				NextStates: append([]string(nil), sc.Next...),
			}
			entry.states = append(entry.states, s)
			entry.byKey[sc.Key] = s
		}
		for _, tag := range stc.Tags {
			entry.tags[tag] = true
		}
		r.stateTypes[key] = entry
	}
	return r, nil
}

// DocTypes lists the known document types in a stable order.
func (r *Registry) DocTypes() []string {
	out := make([]string, 0, len(r.docTypes))
	for k := range r.docTypes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ApplicableStateTypes returns the fixed, ordered set of state types
// for a document type.
func (r *Registry) ApplicableStateTypes(docType string) ([]domain.StateType, error) {
	keys, ok := r.docTypes[docType]
	if !ok {
		return nil, &ConfigurationError{What: fmt.Sprintf("unknown document type %q", docType)}
	}
	out := make([]domain.StateType, 0, len(keys))
	for _, k := range keys {
		out = append(out, r.stateTypes[k].meta)
	}
	return out, nil
}

// States returns the ordered legal states of a state type, retired
// states included.
func (r *Registry) States(stateType string) ([]domain.State, error) {
	entry, ok := r.stateTypes[stateType]
	if !ok {
		return nil, &ConfigurationError{What: fmt.Sprintf("unknown state type %q", stateType)}
	}
	return append([]domain.State(nil), entry.states...), nil
}

// State resolves one state value.
func (r *Registry) State(stateType, key string) (domain.State, error) {
	entry, ok := r.stateTypes[stateType]
	if !ok {
		return domain.State{}, &ConfigurationError{What: fmt.Sprintf("unknown state type %q", stateType)}
	}
	s, ok := entry.byKey[key]
	if !ok {
		return domain.State{}, &ConfigurationError{What: fmt.Sprintf("unknown state %q in state type %q", key, stateType)}
	}
	return s, nil
}

// InitialState returns the designated seed state of a state type.
func (r *Registry) InitialState(stateType string) (domain.State, error) {
	entry, ok := r.stateTypes[stateType]
	if !ok {
		return domain.State{}, &ConfigurationError{What: fmt.Sprintf("unknown state type %q", stateType)}
	}
	return entry.byKey[entry.initial], nil
}

// NextStates returns the legal successors of a state. A group override,
// when present, fully replaces the state's default graph for that group.
func (r *Registry) NextStates(stateType, from, group string) ([]string, error) {
	s, err := r.State(stateType, from)
	if err != nil {
		return nil, err
	}
	if group != "" {
		if byType, ok := r.overrides[group]; ok {
			if byState, ok := byType[stateType]; ok {
				if next, ok := byState[from]; ok {
					return append([]string(nil), next...), nil
				}
			}
		}
	}
	return append([]string(nil), s.NextStates...), nil
}

// LegalTag reports whether a tag key is defined for a state type.
func (r *Registry) LegalTag(stateType, tag string) (bool, error) {
	entry, ok := r.stateTypes[stateType]
	if !ok {
		return false, &ConfigurationError{What: fmt.Sprintf("unknown state type %q", stateType)}
	}
	return entry.tags[tag], nil
}
