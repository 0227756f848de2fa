package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithUserQuery(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"bare", "ws://relay:8080/api/ws/pubsub", "ws://relay:8080/api/ws/pubsub?user=alice"},
		{"existing query", "ws://relay:8080/api/ws/pubsub?region=eu", "ws://relay:8080/api/ws/pubsub?region=eu&user=alice"},
		{"replaces user", "ws://relay/ws?user=mallory", "ws://relay/ws?user=alice"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := withUserQuery(tc.raw, "alice")
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := withUserQuery("ws://bad host/%zz", "alice")
	assert.Error(t, err)
}
