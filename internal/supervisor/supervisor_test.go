package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arqma-storage-server/internal/daemonrpc"
	"arqma-storage-server/internal/httpapi"
	"arqma-storage-server/internal/wire"
)

func TestState_String(t *testing.T) {
	assert.Equal(t, "awaiting keypair", StateAwaitingKeys.String())
	assert.Equal(t, "awaiting swarm", StateAwaitingSwarm.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "dissolved", StateDissolved.String())
}

func TestSupervisor_ReadyDuringReadyAndDissolved(t *testing.T) {
	for _, st := range []State{StateReady, StateDissolved} {
		s := &Supervisor{state: st}
		ok, reason := s.Ready()
		assert.True(t, ok, "state %v should report ready", st)
		assert.Empty(t, reason)
	}
}

func TestSupervisor_NotReadyDuringKeysOrSwarm(t *testing.T) {
	for _, st := range []State{StateAwaitingKeys, StateAwaitingSwarm} {
		s := &Supervisor{state: st, reason: "some reason"}
		ok, reason := s.Ready()
		assert.False(t, ok)
		assert.Equal(t, "some reason", reason)
	}
}

func TestSupervisor_WritesGatedOutsideReady(t *testing.T) {
	s := &Supervisor{state: StateDissolved}
	assert.False(t, s.writesAllowed())

	_, err := s.ProcessStore(anyMessage())
	assert.ErrorIs(t, err, httpapi.ErrNotReady)

	err = s.ProcessPush(anyMessage())
	assert.ErrorIs(t, err, httpapi.ErrNotReady)

	_, err = s.ProcessPushBatch(nil)
	assert.ErrorIs(t, err, httpapi.ErrNotReady)
}

func TestSupervisor_WritesAllowedWhenReady(t *testing.T) {
	s := &Supervisor{state: StateReady}
	assert.True(t, s.writesAllowed())
}

func TestSetState_UpdatesStateAndReason(t *testing.T) {
	s := &Supervisor{}
	s.setState(StateAwaitingSwarm, "waiting for placement")
	assert.Equal(t, StateAwaitingSwarm, s.currentState())
	ok, reason := s.Ready()
	assert.False(t, ok)
	assert.Equal(t, "waiting for placement", reason)
}

func TestBuildMap_GroupsActiveAndRoutesDecommissioned(t *testing.T) {
	list := daemonrpc.ServiceNodeList{
		Height:    100,
		BlockHash: "deadbeef",
		Entries: []daemonrpc.ServiceNodeEntry{
			entryFor(1, 1, false),
			entryFor(2, 1, false),
			entryFor(3, 2, false),
			entryFor(4, 2, true),
		},
	}
	m := buildMap(list)

	require.Len(t, m.Swarms, 2)
	require.Len(t, m.Decommissioned, 1)
	assert.Equal(t, uint64(100), m.Height)
	assert.Equal(t, "deadbeef", m.BlockHash)

	swarm1, ok := m.SwarmByID(1)
	require.True(t, ok)
	assert.Len(t, swarm1.Members, 2)

	swarm2, ok := m.SwarmByID(2)
	require.True(t, ok)
	assert.Len(t, swarm2.Members, 1, "the decommissioned member of swarm 2 must not appear among active members")
}

func TestBuildMap_SkipsMalformedEntries(t *testing.T) {
	bad := entryFor(1, 1, false)
	bad.PubkeyLegacyHex = "not-hex"
	list := daemonrpc.ServiceNodeList{Entries: []daemonrpc.ServiceNodeEntry{bad}}
	m := buildMap(list)
	assert.Empty(t, m.Swarms)
}

func TestDecodeHex32_RejectsWrongLength(t *testing.T) {
	_, err := decodeHex32("aabb")
	assert.Error(t, err)
}

func TestDecodeHex32_AcceptsExact32Bytes(t *testing.T) {
	hex64 := ""
	for i := 0; i < 64; i++ {
		hex64 += "a"
	}
	out, err := decodeHex32(hex64)
	require.NoError(t, err)
	assert.Equal(t, byte(0xaa), out[0])
}

func TestToArray32_CopiesPrefix(t *testing.T) {
	raw := make([]byte, 40)
	for i := range raw {
		raw[i] = byte(i)
	}
	out := toArray32(raw)
	assert.Equal(t, byte(0), out[0])
	assert.Equal(t, byte(31), out[31])
}

// entryFor builds a ServiceNodeEntry with distinct, well-formed 32-byte hex
// keys derived from id, for buildMap tests.
func entryFor(id byte, swarmID uint64, decommissioned bool) daemonrpc.ServiceNodeEntry {
	return daemonrpc.ServiceNodeEntry{
		PubkeyLegacyHex:  repeatHex(id),
		PubkeyEd25519Hex: repeatHex(id + 100),
		PubkeyX25519Hex:  repeatHex(id + 200),
		IP:               "203.0.113.1",
		Port:             22021,
		SwarmID:          swarmID,
		IsDecommissioned: decommissioned,
	}
}

func repeatHex(b byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 64)
	for i := range out {
		out[i] = hexDigits[int(b)%16]
	}
	return string(out)
}

func anyMessage() wire.Message {
	return wire.Message{Recipient: "ab01", Data: []byte("hello"), Hash: "hash1"}
}
