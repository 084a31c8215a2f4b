package dnscheck

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReverseIP(t *testing.T) {
	t.Parallel()

	reversed, err := ReverseIP("203.0.113.45")
	require.NoError(t, err)
	assert.Equal(t, "45.113.0.203", reversed)

	reversed, err = ReverseIP("192.168.1.1")
	require.NoError(t, err)
	assert.Equal(t, "1.1.168.192", reversed)

	for _, invalid := range []string{
		"",
		"256.0.0.1",
		"1.2.3",
		"1.2.3.4.5",
		"::1",
		"2001:db8::1",
		"not-an-ip",
		"1.2.3.4 ",
	} {
		_, err := ReverseIP(invalid)
		assert.Error(t, err, "expected rejection of %q", invalid)
	}
}

func TestBuildQuery(t *testing.T) {
	t.Parallel()

	name, err := BuildQuery("203.0.113.45", "zen.example.org")
	require.NoError(t, err)
	assert.Equal(t, "45.113.0.203.zen.example.org", name)

	// Trailing dot on the zone is tolerated.
	name, err = BuildQuery("203.0.113.45", "zen.example.org.")
	require.NoError(t, err)
	assert.Equal(t, "45.113.0.203.zen.example.org", name)

	_, err = BuildQuery("203.0.113.45", "")
	assert.Error(t, err)

	_, err = BuildQuery("notanip", "zen.example.org")
	assert.Error(t, err)
}
