package event

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEvent(t *testing.T) {
	t.Run("valid payload", func(t *testing.T) {
		raw := []byte(`{"uuid":"u","event":"$pageview","distinct_id":"d1","token":"tok","properties":{"$browser":"Firefox"}}`)
		ev, err := DecodeEvent(raw)
		require.NoError(t, err)
		assert.Equal(t, "$pageview", ev.Event)
		assert.Equal(t, "d1", ev.DistinctID)
		assert.Equal(t, "tok", ev.Token)
		browser, ok := ev.Properties.String("$browser")
		require.True(t, ok)
		assert.Equal(t, "Firefox", browser)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		_, err := DecodeEvent([]byte(`{not json`))
		var merr *MalformedEventError
		require.ErrorAs(t, err, &merr)
		assert.Equal(t, "invalid JSON", merr.Reason)
	})

	t.Run("missing event name", func(t *testing.T) {
		_, err := DecodeEvent([]byte(`{"distinct_id":"d1"}`))
		var merr *MalformedEventError
		require.ErrorAs(t, err, &merr)
	})

	t.Run("missing distinct_id", func(t *testing.T) {
		_, err := DecodeEvent([]byte(`{"event":"$pageview"}`))
		var merr *MalformedEventError
		require.ErrorAs(t, err, &merr)
	})

	t.Run("long distinct_id is truncated", func(t *testing.T) {
		long := strings.Repeat("x", 300)
		ev, err := DecodeEvent([]byte(`{"event":"e","distinct_id":"` + long + `"}`))
		require.NoError(t, err)
		assert.Len(t, ev.DistinctID, MaxDistinctIDLength)
	})

	t.Run("nil properties initialized", func(t *testing.T) {
		ev, err := DecodeEvent([]byte(`{"event":"e","distinct_id":"d"}`))
		require.NoError(t, err)
		require.NotNil(t, ev.Properties)
	})

	t.Run("top-level $set folded into properties", func(t *testing.T) {
		ev, err := DecodeEvent([]byte(`{"event":"e","distinct_id":"d","$set":{"name":"top"},"properties":{}}`))
		require.NoError(t, err)
		set, ok := ev.Properties.Map("$set")
		require.True(t, ok)
		assert.Equal(t, "top", set["name"])
		assert.Nil(t, ev.Set)
	})

	t.Run("nested $set wins over top-level on conflict", func(t *testing.T) {
		ev, err := DecodeEvent([]byte(`{"event":"e","distinct_id":"d","$set":{"name":"top","email":"a@b"},"properties":{"$set":{"name":"nested"}}}`))
		require.NoError(t, err)
		set, ok := ev.Properties.Map("$set")
		require.True(t, ok)
		assert.Equal(t, "nested", set["name"])
		assert.Equal(t, "a@b", set["email"])
	})

	t.Run("top-level $set_once folded", func(t *testing.T) {
		ev, err := DecodeEvent([]byte(`{"event":"e","distinct_id":"d","$set_once":{"first_seen":"2024"}}`))
		require.NoError(t, err)
		setOnce, ok := ev.Properties.Map("$set_once")
		require.True(t, ok)
		assert.Equal(t, "2024", setOnce["first_seen"])
	})
}
