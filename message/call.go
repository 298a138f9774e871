package message

type CallID uint16

const (
	CallInvalid              CallID = 0
	CallSynchronizeSettings  CallID = 1
	CallRequestConfiguration CallID = 2
	CallFilterStatus         CallID = 3
	CallBlockAction          CallID = 4
	CallConfigurationUpdate  CallID = 5
	CallConfigurationPush    CallID = 6
	CallUpdateAvailable      CallID = 7
	CallRelaxedPolicy        CallID = 8
	CallTimeRestriction      CallID = 9
)

func (c CallID) String() string {
	switch c {
	case CallInvalid:
		return "Invalid Call"
	case CallSynchronizeSettings:
		return "Synchronize Settings"
	case CallRequestConfiguration:
		return "Request Configuration"
	case CallFilterStatus:
		return "Filter Status"
	case CallBlockAction:
		return "Block Action"
	case CallConfigurationUpdate:
		return "Configuration Update"
	case CallConfigurationPush:
		return "Configuration Push"
	case CallUpdateAvailable:
		return "Update Available"
	case CallRelaxedPolicy:
		return "Relaxed Policy"
	case CallTimeRestriction:
		return "Time Restriction"
	default:
		return "Unknown Call"
	}
}
