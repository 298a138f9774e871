package policy

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseListType(t *testing.T) {
	tests := []struct {
		in   string
		want ListType
		ok   bool
	}{
		{in: "blacklist", want: ListTypeBlacklist, ok: true},
		{in: " Block ", want: ListTypeBlacklist, ok: true},
		{in: "allow", want: ListTypeWhitelist, ok: true},
		{in: "BYPASS", want: ListTypeBypassList, ok: true},
		{in: "bypass_list", want: ListTypeBypassList, ok: true},
		{in: "triggers", want: ListTypeTextTrigger, ok: true},
		{in: "", want: ListTypeInvalid, ok: false},
		{in: "greylist", want: ListTypeInvalid, ok: false},
	}

	for _, tt := range tests {
		got, ok := ParseListType(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestRegistryAssignsInOrder(t *testing.T) {
	r := NewCategoryRegistry()

	ads, err := r.Register("ads", ListTypeBlacklist)
	require.NoError(t, err)
	social, err := r.Register("social", ListTypeBypassList)
	require.NoError(t, err)
	words, err := r.Register("words", ListTypeTextTrigger)
	require.NoError(t, err)

	assert.Equal(t, uint16(1), ads.ID)
	assert.Equal(t, uint16(2), social.ID)
	assert.Equal(t, uint16(4), words.ID)
	assert.Equal(t, 4, r.Len())

	again, err := r.Register("ads", ListTypeBlacklist)
	require.NoError(t, err)
	assert.Same(t, ads, again)
	assert.Equal(t, 4, r.Len())

	want := []CategoryRecord{
		{ID: 1, Name: "ads", ListType: ListTypeBlacklist},
		{ID: 2, Name: "social", ListType: ListTypeBypassList, PairedID: 3},
		{ID: 3, Name: "social", ListType: ListTypeWhitelist, PairedID: 2},
		{ID: 4, Name: "words", ListType: ListTypeTextTrigger},
	}
	if diff := cmp.Diff(want, r.Records()); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistryBypassPairing(t *testing.T) {
	r := NewCategoryRegistry()

	bypass, err := r.Register("social", ListTypeBypassList)
	require.NoError(t, err)
	assert.False(t, bypass.IsBypassTwin())

	twin, found := r.Paired(bypass)
	require.True(t, found)
	assert.Equal(t, ListTypeWhitelist, twin.ListType)
	assert.Equal(t, bypass.ID+1, twin.ID)
	assert.True(t, twin.IsBypassTwin())

	back, found := r.Paired(twin)
	require.True(t, found)
	assert.Same(t, bypass, back)

	lookup, found := r.Lookup("social")
	require.True(t, found)
	assert.Same(t, bypass, lookup)

	plain, err := r.Register("news", ListTypeWhitelist)
	require.NoError(t, err)
	assert.False(t, plain.IsBypassTwin())
	_, found = r.Paired(plain)
	assert.False(t, found)
}

func TestRegistryCeiling(t *testing.T) {
	r := NewCategoryRegistry()
	for i := MinCategoryID; i < MaxCategoryID; i++ {
		_, err := r.Register(fmt.Sprintf("list-%d", i), ListTypeBlacklist)
		require.NoError(t, err)
	}

	// one id left, a bypass needs two
	_, err := r.Register("social", ListTypeBypassList)
	assert.True(t, errors.Is(err, ErrCategoryCeiling))
	_, found := r.Lookup("social")
	assert.False(t, found)

	last, err := r.Register("last", ListTypeBlacklist)
	require.NoError(t, err)
	assert.Equal(t, MaxCategoryID, last.ID)

	_, err = r.Register("overflow", ListTypeBlacklist)
	assert.True(t, errors.Is(err, ErrCategoryCeiling))
	assert.Equal(t, int(MaxCategoryID), r.Len())
}

func TestCategoryIndex(t *testing.T) {
	x := NewCategoryIndex()
	assert.Equal(t, 0, x.Count())

	x.Set(1, true)
	x.Set(64, true)
	x.Set(MaxCategoryID, true)
	x.Set(0, true)
	assert.True(t, x.Enabled(1))
	assert.True(t, x.Enabled(64))
	assert.True(t, x.Enabled(MaxCategoryID))
	assert.False(t, x.Enabled(0))
	assert.False(t, x.Enabled(MaxCategoryID+1))
	assert.Equal(t, 3, x.Count())

	c := x.Clone()
	assert.True(t, c.Equal(x))

	x.Set(64, false)
	assert.False(t, x.Enabled(64))
	assert.False(t, c.Equal(x))
	assert.True(t, c.Enabled(64))
}
