package netmon

import (
	"encoding/json"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeKind_String(t *testing.T) {
	tests := []struct {
		kind ChangeKind
		want string
	}{
		{0, "NONE"},
		{LinkUp, "LINK_UP"},
		{LinkDown | AddressRemoved, "LINK_DOWN|ADDRESS_REMOVED"},
		{AddressAdded | DetailsLost | LinkUp, "LINK_UP|ADDRESS_ADDED|DETAILS_LOST"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.kind.String())
	}
}

func TestChangeKind_Has(t *testing.T) {
	k := LinkUp | DetailsLost

	assert.True(t, k.Has(LinkUp))
	assert.True(t, k.Has(DetailsLost))
	assert.True(t, k.Has(LinkDown|DetailsLost))
	assert.False(t, k.Has(AddressAdded))
	assert.False(t, ChangeKind(0).Has(LinkUp))
}

func TestChangeKind_UnmarshalText(t *testing.T) {
	for _, k := range []ChangeKind{0, LinkDown, LinkUp | AddressRemoved | DetailsLost} {
		b, err := k.MarshalText()
		require.NoError(t, err)

		var got ChangeKind
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, k, got)
	}

	var k ChangeKind
	assert.Error(t, k.UnmarshalText([]byte("LINK_UP|BOGUS")))
}

func TestChangeEvent_JSON(t *testing.T) {
	ev := ChangeEvent{
		Seq:   7,
		Kinds: AddressAdded | LinkUp,
		Changes: []Change{
			{Kind: LinkUp, Index: 2, Name: "eth0"},
			{Kind: AddressAdded, Index: 2, Addr: netip.MustParsePrefix("10.0.0.2/24")},
		},
	}

	b, err := json.Marshal(ev)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "LINK_UP|ADDRESS_ADDED", got["kinds"])

	changes := got["changes"].([]any)
	require.Len(t, changes, 2)

	link := changes[0].(map[string]any)
	assert.Equal(t, "eth0", link["name"])
	assert.NotContains(t, link, "addr")

	address := changes[1].(map[string]any)
	assert.Equal(t, "10.0.0.2/24", address["addr"])
	assert.NotContains(t, address, "name")
}

func TestObserverFunc(t *testing.T) {
	var got []uint64
	o := ObserverFunc(func(ev ChangeEvent) { got = append(got, ev.Seq) })

	o.OnNetworkChanged(ChangeEvent{Seq: 1})
	o.OnNetworkChanged(ChangeEvent{Seq: 2})

	assert.Equal(t, []uint64{1, 2}, got)

	// Two adapters around the same function are different observers.
	fn := func(ChangeEvent) {}
	var first, second Observer = ObserverFunc(fn), ObserverFunc(fn)
	assert.False(t, first == second)
}
