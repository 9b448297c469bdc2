package domain

// Position values. Blocking and approve-eligibility are properties of
// the enumeration member, not of individual positions.
const (
	PositionYes     = "yes"
	PositionNoObj   = "noobj"
	PositionAbstain = "abstain"
	PositionDiscuss = "discuss"
	PositionBlock   = "block"
	PositionRecuse  = "recuse"
)

// Ballot outcomes.
const (
	OutcomeApproved = "approved"
	OutcomeBlocked  = "blocked"
	OutcomePending  = "pending"
)

var positionValues = map[string]struct {
	blocking bool
	approves bool
}{
	PositionYes:     {approves: true},
	PositionNoObj:   {approves: true},
	PositionAbstain: {},
	PositionDiscuss: {blocking: true},
	PositionBlock:   {blocking: true},
	PositionRecuse:  {},
}

func ValidPositionValue(v string) bool {
	_, ok := positionValues[v]
	return ok
}

func BlockingPosition(v string) bool {
	return positionValues[v].blocking
}

func ApprovePosition(v string) bool {
	return positionValues[v].approves
}

// PositionValues lists the legal values in a stable order.
func PositionValues() []string {
	return []string{PositionYes, PositionNoObj, PositionAbstain, PositionDiscuss, PositionBlock, PositionRecuse}
}
