// Package config owns the policy-server's startup configuration: the
// policies.yml descriptor file, CLI flags/environment bindings, and the
// validation that turns both into a ready-to-boot Config. Grounded on
// the original's src/cli.rs for the flag set and
// kubewarden-kubewarden-controller's audit-scanner/cmd/root.go for the
// cobra idiom used to bind it.
package config

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ContextAwareResource names a cluster resource kind a policy is allowed
// to query via the Callback Broker's cluster-query capability. This is a
// feature the distilled spec dropped but the original implementation's
// context-aware policies rely on; SPEC_FULL.md §9 records it as a
// supplemented feature.
type ContextAwareResource struct {
	APIVersion string `yaml:"apiVersion" json:"apiVersion"`
	Kind       string `yaml:"kind" json:"kind"`
}

// PolicyDescriptor is one entry of policies.yml: the policy's identity,
// where to fetch its module from, its settings, and (once the Module
// Acquirer has run) the local path it was downloaded to.
type PolicyDescriptor struct {
	ID                    string                 `yaml:"-" json:"-"`
	URL                   string                 `yaml:"url" json:"url"`
	Settings              json.RawMessage        `yaml:"settings,omitempty" json:"settings,omitempty"`
	ContextAwareResources []ContextAwareResource `yaml:"contextAwareResources,omitempty" json:"contextAwareResources,omitempty"`
	LocalPath             string                 `yaml:"-" json:"-"`
}

// rawPolicyDescriptor mirrors PolicyDescriptor without ID/LocalPath, the
// shape a single YAML mapping value actually has on disk. Settings is kept
// as a yaml.Node rather than decoded straight into json.RawMessage:
// yaml.v3 has no notion of json.RawMessage and would otherwise try to
// decode the mapping's scalar representation into a byte slice instead of
// transcoding it, so the node is decoded into a generic value and
// re-marshaled as JSON by settingsToJSON below — the equivalent of the
// original's convert_yaml_map_to_json.
type rawPolicyDescriptor struct {
	URL                   string                 `yaml:"url"`
	Settings              yaml.Node              `yaml:"settings"`
	ContextAwareResources []ContextAwareResource `yaml:"contextAwareResources,omitempty"`
}

// settingsToJSON converts a policy's settings sub-document, still held as
// a yaml.Node, into the JSON bytes sandbox.BuiltinFactory and a real WASM
// engine alike expect to json.Unmarshal. An absent "settings" key decodes
// to the zero yaml.Node (Kind 0) and yields a nil result.
func settingsToJSON(node *yaml.Node) (json.RawMessage, error) {
	if node.Kind == 0 {
		return nil, nil
	}
	var generic any
	if err := node.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decoding settings: %w", err)
	}
	data, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("encoding settings as json: %w", err)
	}
	return data, nil
}

// PolicyList is an ordered set of descriptors. Order matters: spec.md
// §4.5 requires the Module Acquirer to process policies in the order
// they were declared, so callers get a deterministic first-failure
// report rather than one dependent on Go's randomized map iteration.
type PolicyList []PolicyDescriptor

// ReadPolicies parses a policies.yml document. YAML mapping order is
// preserved via yaml.Node decoding, since decoding straight into a Go
// map would lose it.
func ReadPolicies(data []byte) (PolicyList, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing policies config: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, fmt.Errorf("policies config: no policies declared")
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("policies config: expected a top-level mapping, got %v", root.Kind)
	}

	list := make(PolicyList, 0, len(root.Content)/2)
	for i := 0; i+1 < len(root.Content); i += 2 {
		id := root.Content[i].Value
		var raw rawPolicyDescriptor
		if err := root.Content[i+1].Decode(&raw); err != nil {
			return nil, fmt.Errorf("parsing policy %q: %w", id, err)
		}
		if raw.URL == "" {
			return nil, fmt.Errorf("policy %q: url is required", id)
		}
		settings, err := settingsToJSON(&raw.Settings)
		if err != nil {
			return nil, fmt.Errorf("parsing policy %q: %w", id, err)
		}
		list = append(list, PolicyDescriptor{
			ID:                    id,
			URL:                   raw.URL,
			Settings:              settings,
			ContextAwareResources: raw.ContextAwareResources,
		})
	}

	if len(list) == 0 {
		return nil, fmt.Errorf("policies config: no policies declared")
	}

	return list, nil
}

// ByID returns the descriptor for id, or false if none exists.
func (l PolicyList) ByID(id string) (PolicyDescriptor, bool) {
	for _, p := range l {
		if p.ID == id {
			return p, true
		}
	}
	return PolicyDescriptor{}, false
}

// WithLocalPath returns a copy of the list with the named policy's
// LocalPath set, leaving the original slice untouched.
func (l PolicyList) WithLocalPath(id, path string) PolicyList {
	out := make(PolicyList, len(l))
	copy(out, l)
	for i := range out {
		if out[i].ID == id {
			out[i].LocalPath = path
		}
	}
	return out
}
