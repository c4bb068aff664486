package awareness

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeEntries(t *testing.T, entries []Entry) []byte {
	t.Helper()
	payload, err := json.Marshal(entries)
	require.NoError(t, err)
	return payload
}

func TestAwareness_ApplyUpdate(t *testing.T) {
	a := New()

	change, err := a.ApplyUpdate(encodeEntries(t, []Entry{
		{ClientID: 7, Clock: 1, State: json.RawMessage(`{"cursor":3}`)},
	}), "conn-a")
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, change.Added)

	states := a.States()
	require.Contains(t, states, int64(7))
	assert.JSONEq(t, `{"cursor":3}`, string(states[7]))

	// A newer clock updates the state.
	change, err = a.ApplyUpdate(encodeEntries(t, []Entry{
		{ClientID: 7, Clock: 2, State: json.RawMessage(`{"cursor":9}`)},
	}), "conn-a")
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, change.Updated)
	assert.JSONEq(t, `{"cursor":9}`, string(a.States()[7]))
}

func TestAwareness_StaleUpdateIgnored(t *testing.T) {
	a := New()

	_, err := a.ApplyUpdate(encodeEntries(t, []Entry{
		{ClientID: 7, Clock: 5, State: json.RawMessage(`{"cursor":1}`)},
	}), nil)
	require.NoError(t, err)

	change, err := a.ApplyUpdate(encodeEntries(t, []Entry{
		{ClientID: 7, Clock: 4, State: json.RawMessage(`{"cursor":2}`)},
	}), nil)
	require.NoError(t, err)
	assert.True(t, change.empty())
	assert.JSONEq(t, `{"cursor":1}`, string(a.States()[7]))
}

func TestAwareness_NullStateRemoves(t *testing.T) {
	a := New()

	_, err := a.ApplyUpdate(encodeEntries(t, []Entry{
		{ClientID: 3, Clock: 1, State: json.RawMessage(`{}`)},
	}), nil)
	require.NoError(t, err)

	change, err := a.ApplyUpdate(encodeEntries(t, []Entry{
		{ClientID: 3, Clock: 2},
	}), nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, change.Removed)
	assert.Empty(t, a.States())
}

func TestAwareness_RemoveStatesNotifiesAndBumpsClock(t *testing.T) {
	a := New()

	_, err := a.ApplyUpdate(encodeEntries(t, []Entry{
		{ClientID: 1, Clock: 1, State: json.RawMessage(`{"user":"x"}`)},
	}), nil)
	require.NoError(t, err)

	var removed []int64
	a.OnUpdate(func(change Change, origin interface{}) {
		removed = append(removed, change.Removed...)
		assert.Equal(t, "disconnect", origin)
	})

	a.RemoveStates([]int64{1}, "disconnect")
	assert.Equal(t, []int64{1}, removed)

	// The removal's bumped clock makes the old state stale.
	change, err := a.ApplyUpdate(encodeEntries(t, []Entry{
		{ClientID: 1, Clock: 1, State: json.RawMessage(`{"user":"x"}`)},
	}), nil)
	require.NoError(t, err)
	assert.True(t, change.empty())
}

func TestAwareness_EncodeUpdateRoundTrip(t *testing.T) {
	a := New()
	_, err := a.ApplyUpdate(encodeEntries(t, []Entry{
		{ClientID: 1, Clock: 1, State: json.RawMessage(`{"n":1}`)},
		{ClientID: 2, Clock: 1, State: json.RawMessage(`{"n":2}`)},
	}), nil)
	require.NoError(t, err)

	payload, err := a.EncodeUpdate(nil)
	require.NoError(t, err)

	b := New()
	change, err := b.ApplyUpdate(payload, nil)
	require.NoError(t, err)
	assert.Len(t, change.Added, 2)
	assert.Len(t, b.States(), 2)
}

func TestAwareness_ApplyUpdateRejectsMalformedPayload(t *testing.T) {
	a := New()
	_, err := a.ApplyUpdate([]byte("not json"), nil)
	assert.Error(t, err)
}
