package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models docline.yml: the state space registry definition plus
// the reviewer roster and notifier targets. The registry portion is
// read-only at engine runtime; edits happen out of band.
type Config struct {
	Registry RegistryConfig `yaml:"registry"`
	Roles    RolesConfig    `yaml:"roles"`
	Notify   []NotifyConfig `yaml:"notify"`
	Server   ServerConfig   `yaml:"server"`
}

type RegistryConfig struct {
	DocTypes   map[string]DocTypeConfig   `yaml:"doc_types"`
	StateTypes map[string]StateTypeConfig `yaml:"state_types"`
	// GroupOverrides maps group -> state type -> state -> replacement
	// next-state list. An override fully replaces the default graph for
	// that (state, group) pair.
	GroupOverrides map[string]map[string]map[string][]string `yaml:"group_overrides,omitempty"`
}

type DocTypeConfig struct {
	StateTypes []string `yaml:"state_types"`
}

type StateTypeConfig struct {
	Label   string        `yaml:"label"`
	Initial string        `yaml:"initial"`
	Tags    []string      `yaml:"tags,omitempty"`
	States  []StateConfig `yaml:"states"`
}

type StateConfig struct {
	Key  string   `yaml:"key"`
	Name string   `yaml:"name"`
	Used *bool    `yaml:"used,omitempty"`
	Next []string `yaml:"next,omitempty"`
}

type RolesConfig struct {
	Reviewers []string `yaml:"reviewers,omitempty"`
	// Quorum of approve-eligible positions needed to approve a ballot.
	// Zero means a simple majority of the roster.
	Quorum int `yaml:"quorum,omitempty"`
}

type NotifyConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

type ServerConfig struct {
	JWTSecret string `yaml:"jwt_secret,omitempty"`
}

// Load reads and validates config from workspace, falling back to the
// built-in defaults when no file exists.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "docline.yml")
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in config with the standard registry.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// Validate ensures the registry definition is internally consistent.
func (c *Config) Validate() error {
	if len(c.Registry.DocTypes) == 0 {
		return fmt.Errorf("config.registry.doc_types is required")
	}
	if len(c.Registry.StateTypes) == 0 {
		return fmt.Errorf("config.registry.state_types is required")
	}
	for docType, dt := range c.Registry.DocTypes {
		if len(dt.StateTypes) == 0 {
			return fmt.Errorf("doc type %s has no state types", docType)
		}
		for _, st := range dt.StateTypes {
			if _, ok := c.Registry.StateTypes[st]; !ok {
				return fmt.Errorf("doc type %s references unknown state type %s", docType, st)
			}
		}
	}
	for key, st := range c.Registry.StateTypes {
		if len(st.States) == 0 {
			return fmt.Errorf("state type %s has no states", key)
		}
		known := map[string]bool{}
		for _, s := range st.States {
			if s.Key == "" {
				return fmt.Errorf("state type %s contains a state with empty key", key)
			}
			if known[s.Key] {
				return fmt.Errorf("state type %s defines state %s twice", key, s.Key)
			}
			known[s.Key] = true
		}
		if st.Initial == "" {
			return fmt.Errorf("state type %s has no initial state", key)
		}
		if !known[st.Initial] {
			return fmt.Errorf("state type %s initial state %s not defined", key, st.Initial)
		}
		for _, s := range st.States {
			for _, next := range s.Next {
				if !known[next] {
					return fmt.Errorf("state %s/%s lists unknown next state %s", key, s.Key, next)
				}
			}
		}
	}
	for group, overrides := range c.Registry.GroupOverrides {
		for stKey, states := range overrides {
			st, ok := c.Registry.StateTypes[stKey]
			if !ok {
				return fmt.Errorf("group %s overrides unknown state type %s", group, stKey)
			}
			known := map[string]bool{}
			for _, s := range st.States {
				known[s.Key] = true
			}
			for from, nexts := range states {
				if !known[from] {
					return fmt.Errorf("group %s overrides unknown state %s/%s", group, stKey, from)
				}
				for _, next := range nexts {
					if !known[next] {
						return fmt.Errorf("group %s override %s/%s lists unknown next state %s", group, stKey, from, next)
					}
				}
			}
		}
	}
	if c.Roles.Quorum < 0 {
		return fmt.Errorf("config.roles.quorum must not be negative")
	}
	return nil
}

const defaultTemplate = `registry:
  doc_types:
    draft:
      state_types: [draft, draft-iesg, draft-rfceditor]
    statchg:
      state_types: [statchg]
  state_types:
    draft:
      label: "Draft lifecycle"
      initial: active
      tags: [need-rev, ad-f-up, extpty, point]
      states:
        - { key: active, name: "Active", next: [expired, repl, rfc, dead] }
        - { key: expired, name: "Expired", next: [active, repl, dead] }
        - { key: repl, name: "Replaced", next: [active] }
        - { key: rfc, name: "RFC", next: [] }
        - { key: dead, name: "Dead", next: [active] }
    draft-iesg:
      label: "IESG evaluation"
      initial: idexists
      tags: [need-rev, ad-f-up, extpty, point]
      states:
        - { key: idexists, name: "I-D Exists", next: [watching, ad-eval] }
        - { key: watching, name: "IESG Watching", next: [ad-eval, dead] }
        - { key: ad-eval, name: "AD Evaluation", next: [lc-req, iesg-eva, dead] }
        - { key: lc-req, name: "Last Call Requested", next: [lc, ad-eval, dead] }
        - { key: lc, name: "In Last Call", next: [writeupw, goaheadw, ad-eval, dead] }
        - { key: writeupw, name: "Waiting for Writeup", next: [goaheadw, iesg-eva, dead] }
        - { key: goaheadw, name: "Waiting for AD Go-Ahead", next: [iesg-eva, dead] }
        - { key: iesg-eva, name: "IESG Evaluation", next: [defer, approved, dead] }
        - { key: defer, name: "IESG Evaluation - Defer", next: [iesg-eva, approved, dead] }
        - { key: approved, name: "Approved - announcement to be sent", next: [ann, dead] }
        - { key: ann, name: "Approved - announcement sent", next: [rfcqueue, dead] }
        - { key: rfcqueue, name: "RFC Ed Queue", next: [dead] }
        - { key: dead, name: "Dead", next: [idexists, watching] }
    draft-rfceditor:
      label: "RFC Editor queue"
      initial: missref
      states:
        - { key: missref, name: "MISSREF", next: [edit] }
        - { key: edit, name: "EDIT", next: [rfc-edit, auth48] }
        - { key: rfc-edit, name: "RFC-EDITOR", next: [auth48] }
        - { key: auth48, name: "AUTH48", next: [pub] }
        - { key: pub, name: "Published", next: [] }
    statchg:
      label: "Status change"
      initial: needshep
      tags: [need-rev, ad-f-up]
      states:
        - { key: needshep, name: "Needs Shepherd", next: [adrev, dead] }
        - { key: adrev, name: "AD Review", next: [lc-req, dead] }
        - { key: lc-req, name: "Last Call Requested", next: [in-lc, adrev, dead] }
        - { key: in-lc, name: "In Last Call", next: [goahead, adrev, dead] }
        - { key: goahead, name: "Waiting for AD Go-Ahead", next: [iesg-eval, dead] }
        - { key: iesg-eval, name: "IESG Evaluation", next: [appr-sent, dead] }
        - { key: appr-sent, name: "Approval Sent", next: [] }
        - { key: dead, name: "Dead", next: [needshep] }

roles:
  reviewers: []
  quorum: 0
`
