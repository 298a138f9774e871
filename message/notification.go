package message

import "github.com/google/uuid"

type BlockType uint8

const (
	BlockTypeInvalid         BlockType = 0
	BlockTypeRequest         BlockType = 1
	BlockTypeTextTrigger     BlockType = 2
	BlockTypeApplication     BlockType = 3
	BlockTypeTimeRestriction BlockType = 4
)

func (t BlockType) String() string {
	switch t {
	case BlockTypeInvalid:
		return "Invalid Block Type"
	case BlockTypeRequest:
		return "Request"
	case BlockTypeTextTrigger:
		return "Text Trigger"
	case BlockTypeApplication:
		return "Application"
	case BlockTypeTimeRestriction:
		return "Time Restriction"
	default:
		return "Unknown Block Type"
	}
}

type BlockAction struct {
	Type       BlockType `json:"type"`
	Resource   string    `json:"resource"`
	Category   string    `json:"category"`
	CategoryID uint16    `json:"category_id"`
	Time       int64     `json:"time"` // epoch milliseconds
}

type ConfigurationUpdate struct {
	Result        ConfigUpdateResult `json:"result"`
	CorrelationID uuid.UUID          `json:"correlation_id"`
}

type UpdateAvailable struct {
	Version  string `json:"version"`
	Notes    string `json:"notes"`
	Critical bool   `json:"critical"`
}

type RelaxedPolicyState struct {
	Active             bool  `json:"active"`
	BypassesPermitted  int   `json:"bypasses_permitted"`
	BypassesUsed       int   `json:"bypasses_used"`
	BypassDurationSecs int64 `json:"bypass_duration_secs"`
}

type TimeRestrictionState struct {
	Restricted bool    `json:"restricted"`
	Weekday    int     `json:"weekday"`
	OpenFrom   float64 `json:"open_from"` // hours since midnight
	OpenUntil  float64 `json:"open_until"`
}
