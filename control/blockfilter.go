package control

import (
	"strconv"

	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/Meander-Cloud/go-policyd/message"
)

const (
	blockFilterCapacity uint = 4096
)

// blockFilter remembers which block actions were already reported in the
// current window. A false positive suppresses a genuinely new action, which
// only costs the user one notification.
//
// arbiter goroutine only
type blockFilter struct {
	filter *cuckoo.Filter
	armed  bool // window reset timer scheduled
}

func newBlockFilter() *blockFilter {
	return &blockFilter{
		filter: cuckoo.NewFilter(blockFilterCapacity),
		armed:  false,
	}
}

func blockKey(a *message.BlockAction) []byte {
	key := make([]byte, 0, len(a.Resource)+16)
	key = strconv.AppendUint(key, uint64(a.Type), 10)
	key = append(key, '|')
	key = strconv.AppendUint(key, uint64(a.CategoryID), 10)
	key = append(key, '|')
	key = append(key, a.Resource...)
	return key
}

// admit reports whether a is new in this window and records it.
func (f *blockFilter) admit(a *message.BlockAction) bool {
	key := blockKey(a)
	if f.filter.Lookup(key) {
		return false
	}

	if !f.filter.Insert(key) {
		// full, start the window over
		f.filter.Reset()
		f.filter.Insert(key)
	}
	return true
}

func (f *blockFilter) reset() {
	f.filter.Reset()
	f.armed = false
}

func (f *blockFilter) count() uint {
	return f.filter.Count()
}
