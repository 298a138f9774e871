package group

type Group uint8

const (
	GroupInvalid              Group = 0
	GroupSyncInterval         Group = 1
	GroupBlockActionWindow    Group = 2
	GroupTimeRestrictionCheck Group = 3
)

func (g Group) String() string {
	switch g {
	case GroupInvalid:
		return "Invalid Group"
	case GroupSyncInterval:
		return "Sync Interval"
	case GroupBlockActionWindow:
		return "Block Action Window"
	case GroupTimeRestrictionCheck:
		return "Time Restriction Check"
	default:
		return "Unknown Group"
	}
}
