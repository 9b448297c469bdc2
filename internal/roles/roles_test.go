package roles_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"docline/internal/config"
	"docline/internal/roles"
)

func TestQuorumFor(t *testing.T) {
	cases := []struct {
		name      string
		reviewers []string
		quorum    int
		want      int
	}{
		{"explicit quorum wins", []string{"a", "b", "c"}, 2, 2},
		{"majority of roster", []string{"a", "b", "c", "d", "e"}, 0, 3},
		{"majority of even roster", []string{"a", "b", "c", "d"}, 0, 3},
		{"no roster means one", nil, 0, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := roles.Service{Reviewers: tc.reviewers, Quorum: tc.quorum}
			assert.Equal(t, tc.want, s.QuorumFor())
		})
	}
}

func TestEligible(t *testing.T) {
	open := roles.Service{}
	assert.True(t, open.Eligible("anyone"))

	restricted := roles.Service{Reviewers: []string{"ana", "ben"}}
	assert.True(t, restricted.Eligible("ana"))
	assert.False(t, restricted.Eligible("zoe"))
}

func TestFromConfig(t *testing.T) {
	s := roles.FromConfig(nil)
	assert.Empty(t, s.Reviewers)

	cfg := config.Default()
	cfg.Roles.Reviewers = []string{"ana"}
	cfg.Roles.Quorum = 1
	s = roles.FromConfig(cfg)
	assert.Equal(t, []string{"ana"}, s.Reviewers)
	assert.Equal(t, 1, s.QuorumFor())
}
