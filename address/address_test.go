package address

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQualifiedAddressRoundTrip(t *testing.T) {
	require := require.New(t)
	qa := NewQualifiedAddress("alice", NewProtocolAddress("bob", 2))
	require.Equal("alice:bob.2", qa.String())
	parsed, err := ParseQualifiedAddress(qa.String())
	require.Nil(err)
	require.Equal(qa, parsed)
}

func TestParseQualifiedAddressRejectsMalformed(t *testing.T) {
	require := require.New(t)
	for _, s := range []string{"", "alice", "alice:bob", "alice:bob.x"} {
		_, err := ParseQualifiedAddress(s)
		require.NotNil(err, "expected error for %q", s)
	}
}

func TestKeys(t *testing.T) {
	require := require.New(t)
	require.Equal("alice:bob", IdentityKey("alice", "bob"))
	require.Equal("alice:12", PreKeyKey("alice", 12))
	require.Equal("bob.3", NewProtocolAddress("bob", 3).String())
}
