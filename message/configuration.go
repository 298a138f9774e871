package message

type ListSummary struct {
	Path             string `json:"path"`
	ListType         string `json:"list_type"`
	CategoryID       uint16 `json:"category_id"`
	PairedCategoryID uint16 `json:"paired_category_id,omitempty"`
	Enabled          bool   `json:"enabled"`
}

type TimeWindow struct {
	RestrictionsEnabled bool    `json:"restrictions_enabled"`
	OpenFrom            float64 `json:"open_from"` // hours since midnight
	OpenUntil           float64 `json:"open_until"`
}

// ConfigurationSnapshot is the client-facing view of the live policy.
type ConfigurationSnapshot struct {
	ConfigHash              string        `json:"config_hash"`
	ListsHash               string        `json:"lists_hash"`
	UpdateFrequencySecs     int64         `json:"update_frequency_secs"`
	Lists                   []ListSummary `json:"lists"`
	BlacklistedApplications []string      `json:"blacklisted_applications"`
	WhitelistedApplications []string      `json:"whitelisted_applications"`
	BypassesPermitted       int           `json:"bypasses_permitted"`
	BypassDurationSecs      int64         `json:"bypass_duration_secs"`
	TimeRestrictions        [7]TimeWindow `json:"time_restrictions"` // indexed by time.Weekday
	LoadedAt                int64         `json:"loaded_at"`         // epoch milliseconds
}
