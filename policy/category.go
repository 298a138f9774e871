package policy

import (
	"errors"
	"fmt"
	"math/bits"
	"sort"
	"strings"
)

const (
	MinCategoryID uint16 = 1
	MaxCategoryID uint16 = 32767
)

var ErrCategoryCeiling = errors.New("category id ceiling reached")

type ListType uint8

const (
	ListTypeInvalid     ListType = 0
	ListTypeBlacklist   ListType = 1
	ListTypeWhitelist   ListType = 2
	ListTypeBypassList  ListType = 3
	ListTypeTextTrigger ListType = 4
)

func (t ListType) String() string {
	switch t {
	case ListTypeInvalid:
		return "Invalid ListType"
	case ListTypeBlacklist:
		return "Blacklist"
	case ListTypeWhitelist:
		return "Whitelist"
	case ListTypeBypassList:
		return "BypassList"
	case ListTypeTextTrigger:
		return "TextTrigger"
	default:
		return "Unknown ListType"
	}
}

// ParseListType accepts the names used in the configuration document.
func ParseListType(s string) (ListType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "blacklist", "block":
		return ListTypeBlacklist, true
	case "whitelist", "allow":
		return ListTypeWhitelist, true
	case "bypass", "bypasslist", "bypass_list":
		return ListTypeBypassList, true
	case "triggers", "texttrigger", "text_trigger":
		return ListTypeTextTrigger, true
	default:
		return ListTypeInvalid, false
	}
}

type CategoryRecord struct {
	ID       uint16
	Name     string // logical list path
	ListType ListType

	// for a BypassList record, its whitelist twin; for the twin, the bypass
	// record; zero otherwise
	PairedID uint16
}

func (r *CategoryRecord) IsBypassTwin() bool {
	return r.ListType == ListTypeWhitelist && r.PairedID != 0
}

// CategoryRegistry assigns ids for one load cycle. Ids are handed out in
// registration order and never reused; the same path always resolves to the
// record it first received.
type CategoryRegistry struct {
	next    uint16
	byPath  map[string]*CategoryRecord
	byID    map[uint16]*CategoryRecord
	ordered []*CategoryRecord
}

func NewCategoryRegistry() *CategoryRegistry {
	return &CategoryRegistry{
		next:    MinCategoryID,
		byPath:  make(map[string]*CategoryRecord),
		byID:    make(map[uint16]*CategoryRecord),
		ordered: nil,
	}
}

// Register returns the record for path, creating it when new. A BypassList
// consumes two ids: the bypass record and its paired whitelist twin. When
// the ids needed exceed MaxCategoryID nothing is created and
// ErrCategoryCeiling is returned.
func (r *CategoryRegistry) Register(path string, t ListType) (*CategoryRecord, error) {
	cached, found := r.byPath[path]
	if found {
		return cached, nil
	}

	needed := 1
	if t == ListTypeBypassList {
		needed = 2
	}
	if int(r.next)+needed-1 > int(MaxCategoryID) {
		return nil, fmt.Errorf("path=%s type=%s: %w", path, t, ErrCategoryCeiling)
	}

	rec := r.add(path, t)
	if t == ListTypeBypassList {
		twin := r.add(path, ListTypeWhitelist)
		rec.PairedID = twin.ID
		twin.PairedID = rec.ID
	}
	r.byPath[path] = rec

	return rec, nil
}

func (r *CategoryRegistry) add(path string, t ListType) *CategoryRecord {
	rec := &CategoryRecord{
		ID:       r.next,
		Name:     path,
		ListType: t,
		PairedID: 0,
	}
	r.next++
	r.byID[rec.ID] = rec
	r.ordered = append(r.ordered, rec)
	return rec
}

func (r *CategoryRegistry) Lookup(path string) (*CategoryRecord, bool) {
	rec, found := r.byPath[path]
	return rec, found
}

func (r *CategoryRegistry) ByID(id uint16) (*CategoryRecord, bool) {
	rec, found := r.byID[id]
	return rec, found
}

// Paired resolves the twin of a bypass record, or the bypass record of a
// twin.
func (r *CategoryRegistry) Paired(rec *CategoryRecord) (*CategoryRecord, bool) {
	if rec.PairedID == 0 {
		return nil, false
	}
	return r.ByID(rec.PairedID)
}

// Records returns copies of every record in id order.
func (r *CategoryRegistry) Records() []CategoryRecord {
	out := make([]CategoryRecord, 0, len(r.ordered))
	for _, rec := range r.ordered {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *CategoryRegistry) Len() int {
	return len(r.ordered)
}

// CategoryIndex is the enabled/disabled table over every possible id.
type CategoryIndex struct {
	bits [(int(MaxCategoryID) + 1) / 64]uint64
}

func NewCategoryIndex() *CategoryIndex {
	return &CategoryIndex{}
}

// Set ignores ids outside 1..MaxCategoryID.
func (x *CategoryIndex) Set(id uint16, enabled bool) {
	if id < MinCategoryID || id > MaxCategoryID {
		return
	}
	word, bit := id/64, id%64
	if enabled {
		x.bits[word] |= 1 << bit
	} else {
		x.bits[word] &^= 1 << bit
	}
}

func (x *CategoryIndex) Enabled(id uint16) bool {
	if id < MinCategoryID || id > MaxCategoryID {
		return false
	}
	return x.bits[id/64]&(1<<(id%64)) != 0
}

func (x *CategoryIndex) Count() int {
	n := 0
	for _, w := range x.bits {
		n += bits.OnesCount64(w)
	}
	return n
}

func (x *CategoryIndex) Clone() *CategoryIndex {
	c := *x
	return &c
}

func (x *CategoryIndex) Equal(o *CategoryIndex) bool {
	return x.bits == o.bits
}
