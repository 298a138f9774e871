package policy

// Matcher is the rule-matching engine fed by LoadLists. Every call is made
// while the store's write lock is held; the engine takes Store.RLocker for
// the duration of each filtering decision.
type Matcher interface {
	Clear()

	// path is a decrypted list that exists only for the duration of the call
	LoadRules(path string, id uint16, t ListType) error

	SetCategoryEnabled(id uint16, enabled bool)
}

type NopMatcher struct{}

func (NopMatcher) Clear()                                   {}
func (NopMatcher) LoadRules(string, uint16, ListType) error { return nil }
func (NopMatcher) SetCategoryEnabled(uint16, bool)          {}
