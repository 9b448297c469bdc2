package registry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docline/internal/config"
	"docline/internal/registry"
)

func compileDefault(t *testing.T) *registry.Registry {
	t.Helper()
	r, err := registry.New(config.Default())
	require.NoError(t, err)
	return r
}

func TestNewRejectsNilConfig(t *testing.T) {
	_, err := registry.New(nil)
	var cfgErr *registry.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestDocTypesAndStateTypes(t *testing.T) {
	r := compileDefault(t)

	assert.ElementsMatch(t, []string{"draft", "statchg"}, r.DocTypes())

	stateTypes, err := r.ApplicableStateTypes("draft")
	require.NoError(t, err)
	keys := make([]string, 0, len(stateTypes))
	for _, st := range stateTypes {
		keys = append(keys, st.Key)
	}
	assert.Equal(t, []string{"draft", "draft-iesg", "draft-rfceditor"}, keys)

	_, err = r.ApplicableStateTypes("charter")
	var cfgErr *registry.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestInitialState(t *testing.T) {
	r := compileDefault(t)

	cases := map[string]string{
		"draft":           "active",
		"draft-iesg":      "idexists",
		"draft-rfceditor": "missref",
		"statchg":         "needshep",
	}
	for st, want := range cases {
		initial, err := r.InitialState(st)
		require.NoError(t, err, st)
		assert.Equal(t, want, initial.Key, st)
	}
}

func TestStateOrderFollowsConfig(t *testing.T) {
	r := compileDefault(t)

	states, err := r.States("draft-iesg")
	require.NoError(t, err)
	require.NotEmpty(t, states)
	assert.Equal(t, "idexists", states[0].Key)
	for i, s := range states {
		assert.Equal(t, i, s.Order)
	}
}

func TestNextStates(t *testing.T) {
	r := compileDefault(t)

	next, err := r.NextStates("draft-iesg", "ad-eval", "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"lc-req", "iesg-eva", "dead"}, next)

	_, err = r.NextStates("draft-iesg", "nonesuch", "")
	var cfgErr *registry.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestGroupOverrideReplacesGraph(t *testing.T) {
	cfg := config.Default()
	cfg.Registry.GroupOverrides = map[string]map[string]map[string][]string{
		"httpbis": {
			"draft-iesg": {
				"ad-eval": {"iesg-eva"},
			},
		},
	}
	r, err := registry.New(cfg)
	require.NoError(t, err)

	// the override wholly replaces the default successors
	next, err := r.NextStates("draft-iesg", "ad-eval", "httpbis")
	require.NoError(t, err)
	assert.Equal(t, []string{"iesg-eva"}, next)

	// other groups and other states keep the default graph
	next, err = r.NextStates("draft-iesg", "ad-eval", "quicwg")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"lc-req", "iesg-eva", "dead"}, next)

	next, err = r.NextStates("draft-iesg", "lc-req", "httpbis")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"lc", "ad-eval", "dead"}, next)
}

func TestLegalTag(t *testing.T) {
	r := compileDefault(t)

	ok, err := r.LegalTag("draft-iesg", "point")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.LegalTag("draft-iesg", "sparkly")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = r.LegalTag("nonesuch", "point")
	var cfgErr *registry.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestRetiredStateStillResolvable(t *testing.T) {
	used := false
	cfg := config.Default()
	st := cfg.Registry.StateTypes["draft-iesg"]
	for i := range st.States {
		if st.States[i].Key == "defer" {
			st.States[i].Used = &used
		}
	}
	cfg.Registry.StateTypes["draft-iesg"] = st
	r, err := registry.New(cfg)
	require.NoError(t, err)

	// retired states stay resolvable so history renders, they are
	// just closed to new transitions
	s, err := r.State("draft-iesg", "defer")
	require.NoError(t, err)
	assert.False(t, s.Used)
}
