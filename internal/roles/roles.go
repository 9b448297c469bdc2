package roles

import "docline/internal/config"

// Service supplies the eligible-voter roster and quorum to ballot
// callers. The ballot aggregator itself never consults it; eligibility
// is the caller's concern.
type Service struct {
	Reviewers []string
	Quorum    int
}

func FromConfig(cfg *config.Config) Service {
	if cfg == nil {
		return Service{}
	}
	return Service{
		Reviewers: append([]string(nil), cfg.Roles.Reviewers...),
		Quorum:    cfg.Roles.Quorum,
	}
}

// QuorumFor returns the configured quorum, defaulting to a simple
// majority of the roster. With no roster configured a single
// approve-eligible position suffices.
func (s Service) QuorumFor() int {
	if s.Quorum > 0 {
		return s.Quorum
	}
	if len(s.Reviewers) == 0 {
		return 1
	}
	return len(s.Reviewers)/2 + 1
}

// Eligible reports whether a reviewer is on the roster. An empty
// roster means the caller does not restrict who may vote.
func (s Service) Eligible(reviewer string) bool {
	if len(s.Reviewers) == 0 {
		return true
	}
	for _, r := range s.Reviewers {
		if r == reviewer {
			return true
		}
	}
	return false
}
