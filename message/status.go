package message

type FilterStatus uint8

const (
	FilterStatusInvalid       FilterStatus = 0
	FilterStatusRunning       FilterStatus = 1
	FilterStatusSynchronizing FilterStatus = 2
	FilterStatusSynchronized  FilterStatus = 3
	FilterStatusSyncFailed    FilterStatus = 4
	FilterStatusHalted        FilterStatus = 5
)

func (s FilterStatus) String() string {
	switch s {
	case FilterStatusInvalid:
		return "Invalid Status"
	case FilterStatusRunning:
		return "Running"
	case FilterStatusSynchronizing:
		return "Synchronizing"
	case FilterStatusSynchronized:
		return "Synchronized"
	case FilterStatusSyncFailed:
		return "Sync Failed"
	case FilterStatusHalted:
		return "Halted"
	default:
		return "Unknown Status"
	}
}

type StatusUpdate struct {
	Status FilterStatus `json:"status"`
	Time   int64        `json:"time"` // epoch milliseconds
}

type ConfigUpdateResult uint8

const (
	ConfigUpdateResultInvalid       ConfigUpdateResult = 0
	ConfigUpdateResultUpdated       ConfigUpdateResult = 1
	ConfigUpdateResultUpToDate      ConfigUpdateResult = 2
	ConfigUpdateResultNoInternet    ConfigUpdateResult = 3
	ConfigUpdateResultErrorOccurred ConfigUpdateResult = 4
)

func (r ConfigUpdateResult) String() string {
	switch r {
	case ConfigUpdateResultInvalid:
		return "Invalid Result"
	case ConfigUpdateResultUpdated:
		return "Updated"
	case ConfigUpdateResultUpToDate:
		return "Up To Date"
	case ConfigUpdateResultNoInternet:
		return "No Internet"
	case ConfigUpdateResultErrorOccurred:
		return "Error Occurred"
	default:
		return "Unknown Result"
	}
}

// ConfigCheckInfo answers a SynchronizeSettings request.
type ConfigCheckInfo struct {
	Result    ConfigUpdateResult `json:"result"`
	CheckedAt int64              `json:"checked_at"` // epoch milliseconds
}
