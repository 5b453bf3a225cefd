package protocol

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRejectsBadFrames(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{name: "not json", raw: "{nope", want: ErrMalformed},
		{name: "missing type", raw: `{"data":{}}`, want: ErrMissingType},
		{name: "empty type", raw: `{"type":"","data":{}}`, want: ErrMissingType},
		{name: "unknown type", raw: `{"type":"teleport","data":{}}`, want: ErrUnknownType},
		{name: "bad payload", raw: `{"type":"state_update","data":{"position":"here"}}`, want: ErrMalformed},
		{name: "server-only type", raw: `{"type":"welcome","data":{}}`, want: ErrUnknownType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode(JSON, []byte(tt.raw))
			assert.Nil(t, msg)
			assert.True(t, errors.Is(err, tt.want), "got %v, want %v", err, tt.want)
		})
	}
}

func TestDecodeStateUpdateKeepsAbsentFieldsNil(t *testing.T) {
	msg, err := Decode(JSON, []byte(`{"type":"state_update","data":{"position":{"x":1,"y":0,"z":2}}}`))
	require.NoError(t, err)

	su, ok := msg.(*StateUpdateMsg)
	require.True(t, ok, "expected *StateUpdateMsg, got %T", msg)
	require.NotNil(t, su.Position)
	assert.Equal(t, Vec3{X: 1, Y: 0, Z: 2}, *su.Position)
	assert.Nil(t, su.Rotation)
	assert.Empty(t, su.State)
}

func TestDecodeJoinAndHandshakeKeepTheirKind(t *testing.T) {
	for _, typ := range []string{MsgJoin, MsgHandshake} {
		msg, err := Decode(JSON, []byte(`{"type":"`+typ+`","data":{"playerName":"Ada"}}`))
		require.NoError(t, err)
		assert.Equal(t, typ, msg.MessageType())
		assert.Equal(t, "Ada", msg.(*JoinMsg).PlayerName)
	}
}

func TestDecodeWithoutData(t *testing.T) {
	msg, err := Decode(JSON, []byte(`{"type":"ping"}`))
	require.NoError(t, err)
	assert.Nil(t, msg.(*PingMsg).PingID)
}

func TestMsgpackEnvelope(t *testing.T) {
	raw, err := Msgpack.Marshal(Envelope{Type: MsgChat, Data: ChatMsg{Message: "hi"}})
	require.NoError(t, err)

	msg, err := Decode(Msgpack, raw)
	require.NoError(t, err)
	assert.Equal(t, &ChatMsg{Message: "hi"}, msg)
}

func TestMsgpackUsesJSONFieldNames(t *testing.T) {
	raw, err := Msgpack.Marshal(PlayerLeftMsg{PlayerID: "abc"})
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, Msgpack.Unmarshal(raw, &m))
	assert.Equal(t, "abc", m["playerId"])
}

func TestCodecByName(t *testing.T) {
	assert.Equal(t, Msgpack, CodecByName("msgpack"))
	assert.Equal(t, JSON, CodecByName("json"))
	assert.Equal(t, JSON, CodecByName(""))
	assert.Equal(t, JSON, CodecByName("protobuf"))
}

func TestVec3(t *testing.T) {
	a := Vec3{X: 0, Y: 0, Z: 0}
	b := Vec3{X: 3, Y: 4, Z: 0}
	assert.InDelta(t, 5.0, Distance(a, b), 1e-9)
	assert.Equal(t, Vec3{X: 1.5, Y: 2, Z: 0}, Lerp(a, b, 0.5))
	assert.True(t, b.Finite())
}

func TestNormalizeMap(t *testing.T) {
	out, err := NormalizeMap(map[string]any{"hp": int8(5), "nested": map[string]any{"ok": true}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"hp": 5.0, "nested": map[string]any{"ok": true}}, out)

	out, err = NormalizeMap(nil)
	require.NoError(t, err)
	assert.Nil(t, out)

	_, err = NormalizeMap(map[string]any{"hp": math.NaN()})
	assert.Error(t, err)
	_, err = NormalizeMap(map[string]any{"slots": map[any]any{1: "a"}})
	assert.Error(t, err)
}
