package id

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEndpointIDsAreUnique(t *testing.T) {
	requireT := require.New(t)

	id1, err := NewEndpointID()
	requireT.NoError(err)
	id2, err := NewEndpointID()
	requireT.NoError(err)

	requireT.False(id1.IsZero())
	requireT.Equal(id1.Host, id2.Host)
	requireT.NotEqual(id1, id2)
}

func TestEndpointIDParse(t *testing.T) {
	requireT := require.New(t)

	id1, err := NewEndpointID()
	requireT.NoError(err)

	id2, err := ParseEndpointID(id1.String())
	requireT.NoError(err)
	requireT.Equal(id1, id2)

	_, err = ParseEndpointID("no-separator")
	requireT.Error(err)

	_, err = ParseEndpointID("host/not-a-uuid")
	requireT.Error(err)
}

func TestMessageID(t *testing.T) {
	requireT := require.New(t)

	requireT.Equal("none", None.String())

	m1 := NewMessageID()
	m2 := NewMessageID()
	requireT.NotEqual(None, m1)
	requireT.NotEqual(m1, m2)
	requireT.Len(m1.String(), 20)
}

func TestConversationToken(t *testing.T) {
	requireT := require.New(t)

	e, err := NewEndpointID()
	requireT.NoError(err)

	t1 := NewConversationToken(e)
	t2 := NewConversationToken(e)
	requireT.NotEqual(t1, t2)
	requireT.True(strings.HasPrefix(string(t1), e.String()+":"))
}
