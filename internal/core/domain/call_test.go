package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveRoomIDOrderIndependent(t *testing.T) {
	pairs := [][2]ParticipantID{
		{"teacher-1", "student-7"},
		{"42", "7"},
		{"a", "b"},
		{"same", "same"},
	}

	for _, p := range pairs {
		assert.Equal(t, DeriveRoomID(p[0], p[1]), DeriveRoomID(p[1], p[0]),
			"room id must not depend on argument order for %v", p)
	}
}

func TestDeriveRoomIDDistinctPairs(t *testing.T) {
	assert.Equal(t, RoomID("student-7_teacher-1"), DeriveRoomID("teacher-1", "student-7"))
	assert.NotEqual(t, DeriveRoomID("a", "b"), DeriveRoomID("a", "c"))
	assert.NotEqual(t, DeriveRoomID("a", "b"), DeriveRoomID("b", "c"))
}

func TestDeriveRoomIDStable(t *testing.T) {
	first := DeriveRoomID("t1", "s2")
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, DeriveRoomID("t1", "s2"))
	}
}

func TestCallStateTerminal(t *testing.T) {
	assert.True(t, StateEnded.Terminal())
	assert.True(t, StateFailed.Terminal())

	for _, s := range []CallState{StateIdle, StateOutgoing, StateIncoming, StateConnecting, StateConnected} {
		assert.False(t, s.Terminal(), "state %s must not be terminal", s)
	}
}
