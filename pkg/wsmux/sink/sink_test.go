package sink

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreLogAndList(t *testing.T) {
	s := NewStore(0)

	s.Log(&Entry{Kind: KindUnparsed, SocketID: 1, Err: errors.New("bad frame")})
	s.Log(&Entry{Kind: KindUnhandled, SocketID: 1, Identifiers: []string{"trades"}})
	s.Log(&Entry{Kind: KindUnhandled, SocketID: 2, Identifiers: []string{"book"}})

	assert.Equal(t, 3, s.Count())

	unhandled := s.List(&Filter{Kind: KindUnhandled})
	require.Len(t, unhandled, 2)

	socket1 := s.List(&Filter{SocketID: 1})
	require.Len(t, socket1, 2)

	entry := s.Get(unhandled[0].ID)
	require.NotNil(t, entry)
	assert.Equal(t, KindUnhandled, entry.Kind)
}

func TestStoreEvictsOldestOverCapacity(t *testing.T) {
	s := NewStore(2)

	s.Log(&Entry{Kind: KindUnparsed, SocketID: 1})
	s.Log(&Entry{Kind: KindUnparsed, SocketID: 2})
	s.Log(&Entry{Kind: KindUnparsed, SocketID: 3})

	assert.Equal(t, 2, s.Count())
	all := s.List(nil)
	require.Len(t, all, 2)
	assert.EqualValues(t, 2, all[0].SocketID)
	assert.EqualValues(t, 3, all[1].SocketID)
}

func TestStoreClear(t *testing.T) {
	s := NewStore(0)
	s.Log(&Entry{Kind: KindUnparsed})
	s.Clear()
	assert.Equal(t, 0, s.Count())
}
