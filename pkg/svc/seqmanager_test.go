package svc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSeqManagerSyncThenInput(t *testing.T) {
	s := NewSeqManager()
	s.Sync(99)

	require.Equal(t, uint16(100), s.Input(200))
	require.Equal(t, uint16(101), s.Input(201))
	require.Equal(t, uint16(102), s.Input(250)) // gap in input, still contiguous output
}

func TestSeqManagerDropDoesNotAdvance(t *testing.T) {
	s := NewSeqManager()
	s.Sync(9)

	require.Equal(t, uint16(10), s.Input(100))
	s.Drop(101) // payload inspection rejected seq 101; no Input call for it
	require.Equal(t, uint16(11), s.Input(102))
}

func TestSeqManagerWraparound(t *testing.T) {
	s := NewSeqManager()
	s.Sync(65534)

	require.Equal(t, uint16(65535), s.Input(0))
	require.Equal(t, uint16(0), s.Input(1))
	require.Equal(t, uint16(1), s.Input(2))
}

func TestSeqManagerImplicitOrigin(t *testing.T) {
	s := NewSeqManager()

	require.Equal(t, uint16(500), s.Input(500))
	require.Equal(t, uint16(501), s.Input(501))
}
