package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docline/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Contains(t, cfg.Registry.DocTypes, "draft")
	assert.Contains(t, cfg.Registry.DocTypes, "statchg")
}

func TestLoadFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load(dir)
	require.NoError(t, err)
	assert.Contains(t, cfg.Registry.StateTypes, "draft-iesg")
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	content := `registry:
  doc_types:
    memo:
      state_types: [memo]
  state_types:
    memo:
      label: "Memo"
      initial: open
      states:
        - { key: open, name: "Open", next: [closed] }
        - { key: closed, name: "Closed" }
roles:
  reviewers: [ana, ben, cho]
  quorum: 2
`
	require.NoError(t, os.WriteFile(config.Path(dir), []byte(content), 0o644))

	cfg, err := config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"memo"}, cfg.Registry.DocTypes["memo"].StateTypes)
	assert.Equal(t, 2, cfg.Roles.Quorum)
	assert.Len(t, cfg.Roles.Reviewers, 3)
}

func TestFromFileMissing(t *testing.T) {
	_, err := config.FromFile(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}

func TestValidateRejectsBrokenConfigs(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{
			name:    "unknown state type in doc type",
			mutate:  func(c *config.Config) { c.Registry.DocTypes["draft"] = config.DocTypeConfig{StateTypes: []string{"nope"}} },
			wantErr: "unknown state type",
		},
		{
			name: "dangling next state",
			mutate: func(c *config.Config) {
				st := c.Registry.StateTypes["statchg"]
				st.States = append(st.States, config.StateConfig{Key: "limbo", Name: "Limbo", Next: []string{"nirvana"}})
				c.Registry.StateTypes["statchg"] = st
			},
			wantErr: "unknown next state",
		},
		{
			name: "initial state not defined",
			mutate: func(c *config.Config) {
				st := c.Registry.StateTypes["draft"]
				st.Initial = "ghost"
				c.Registry.StateTypes["draft"] = st
			},
			wantErr: "initial state",
		},
		{
			name: "duplicate state key",
			mutate: func(c *config.Config) {
				st := c.Registry.StateTypes["draft"]
				st.States = append(st.States, config.StateConfig{Key: "active", Name: "Active Again"})
				c.Registry.StateTypes["draft"] = st
			},
			wantErr: "twice",
		},
		{
			name: "override of unknown state",
			mutate: func(c *config.Config) {
				c.Registry.GroupOverrides = map[string]map[string]map[string][]string{
					"wg": {"draft-iesg": {"ghost": {"dead"}}},
				}
			},
			wantErr: "overrides unknown state",
		},
		{
			name:    "negative quorum",
			mutate:  func(c *config.Config) { c.Roles.Quorum = -1 },
			wantErr: "quorum",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestFromYAMLRejectsGarbage(t *testing.T) {
	_, err := config.FromYAML([]byte(":: not yaml ::"))
	assert.Error(t, err)
}
