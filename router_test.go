package main

import (
	"encoding/json"
	"io"
	"log"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixelverse-relay/protocol"
)

type routerFixture struct {
	registry *Registry
	router   *Router
	events   *fakeTracker
	clock    time.Time
}

func newRouterFixture(maxSpeed float64) *routerFixture {
	f := &routerFixture{
		registry: NewRegistry(),
		events:   &fakeTracker{},
		clock:    time.Unix(1700000000, 0),
	}
	logger := log.New(io.Discard, "", 0)
	f.registry.now = func() time.Time { return f.clock }
	f.router = NewRouter(f.registry, NewBroadcaster(f.registry, logger), f.events, logger, maxSpeed)
	f.router.now = func() time.Time { return f.clock }
	return f
}

func (f *routerFixture) join(name string) (string, *fakeConn) {
	return f.joinWith(name, nil)
}

func (f *routerFixture) joinWith(name string, codec protocol.Codec) (string, *fakeConn) {
	c := newFakeConn(codec)
	return f.registry.Register(c, name), c
}

func (f *routerFixture) send(t *testing.T, id, msgType string, data any) {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"type": msgType, "data": data})
	require.NoError(t, err)
	f.router.Route(id, raw)
}

func TestStateUpdateRelaysToPeersOnly(t *testing.T) {
	f := newRouterFixture(0)
	a, connA := f.join("Alice")
	_, connB := f.join("Bob")

	f.send(t, a, protocol.MsgStateUpdate, map[string]any{
		"position": map[string]float64{"x": 1, "y": 0, "z": 2},
		"rotation": map[string]float64{"x": 0, "y": 0.5, "z": 0},
		"state":    "walk",
	})

	assert.Empty(t, connA.take(t))
	frames := connB.take(t)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.MsgStateUpdate, frames[0].Type)
	assert.Equal(t, a, frames[0].Data["playerId"])
	assert.Equal(t, "walk", frames[0].Data["state"])
	assert.Equal(t, map[string]any{"x": 1.0, "y": 0.0, "z": 2.0}, frames[0].Data["position"])

	v, _ := f.registry.Get(a)
	assert.Equal(t, protocol.Vec3{X: 1, Z: 2}, v.Position)
}

func TestPartialStateUpdateKeepsPosition(t *testing.T) {
	f := newRouterFixture(0)
	a, _ := f.join("Alice")
	_, connB := f.join("Bob")

	f.send(t, a, protocol.MsgStateUpdate, map[string]any{"position": map[string]float64{"x": 3, "y": 1, "z": 4}})
	f.send(t, a, protocol.MsgStateUpdate, map[string]any{"rotation": map[string]float64{"y": 1}})

	frames := connB.take(t)
	require.Len(t, frames, 2)
	assert.Equal(t, map[string]any{"x": 3.0, "y": 1.0, "z": 4.0}, frames[1].Data["position"])

	v, _ := f.registry.Get(a)
	assert.Equal(t, protocol.Vec3{X: 3, Y: 1, Z: 4}, v.Position)
	assert.Equal(t, protocol.Vec3{Y: 1}, v.Rotation)
}

func TestChatGoesToEveryoneIncludingSender(t *testing.T) {
	f := newRouterFixture(0)
	a, connA := f.join("Alice")
	_, connB := f.join("Bob")

	f.send(t, a, protocol.MsgChat, map[string]any{"message": "  hi <b>there</b> "})

	for _, c := range []*fakeConn{connA, connB} {
		frames := c.take(t)
		require.Len(t, frames, 1)
		assert.Equal(t, protocol.MsgChat, frames[0].Type)
		assert.Equal(t, "hi there", frames[0].Data["message"])
		assert.Equal(t, "Alice", frames[0].Data["name"])
		assert.Equal(t, a, frames[0].Data["playerId"])
		assert.Equal(t, float64(f.clock.UnixMilli()), frames[0].Data["timestamp"])
	}
	assert.Equal(t, 1, f.events.count(EvtChat))
}

func TestEmptyChatIsRejectedToSenderOnly(t *testing.T) {
	f := newRouterFixture(0)
	a, connA := f.join("Alice")
	_, connB := f.join("Bob")

	f.send(t, a, protocol.MsgChat, map[string]any{"message": "<script></script>   "})

	frames := connA.take(t)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.MsgError, frames[0].Type)
	assert.Equal(t, "Invalid chat message", frames[0].Data["message"])
	assert.Empty(t, connB.take(t))
}

func TestPingRepliesToSenderOnly(t *testing.T) {
	f := newRouterFixture(0)
	a, connA := f.join("Alice")
	_, connB := f.join("Bob")

	f.send(t, a, protocol.MsgPing, map[string]any{"pingId": 42})

	frames := connA.take(t)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.MsgPong, frames[0].Type)
	assert.Equal(t, 42.0, frames[0].Data["pingId"])
	assert.Empty(t, connB.take(t))
}

func TestJoinRepliesWithWelcomeOnly(t *testing.T) {
	f := newRouterFixture(0)
	a, connA := f.join("Alice")
	b, connB := f.join("Bob")

	f.send(t, a, protocol.MsgHandshake, map[string]any{"playerName": "Alicia"})

	frames := connA.take(t)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.MsgWelcome, frames[0].Type)
	assert.Equal(t, a, frames[0].Data["playerId"])
	assert.Equal(t, float64(protocol.Version), frames[0].Data["protocolVersion"])
	players := frames[0].Data["players"].([]any)
	require.Len(t, players, 1)
	assert.Equal(t, b, players[0].(map[string]any)["id"])
	assert.Empty(t, connB.take(t))

	v, _ := f.registry.Get(a)
	assert.Equal(t, "Alicia", v.Name)
}

func TestJoinWithoutPeersListsNobody(t *testing.T) {
	f := newRouterFixture(0)
	a, connA := f.join("Alice")

	f.send(t, a, protocol.MsgJoin, nil)
	frames := connA.take(t)
	require.Len(t, frames, 1)
	assert.Equal(t, []any{}, frames[0].Data["players"])
}

func TestEquipmentBroadcastCarriesFullLoadout(t *testing.T) {
	f := newRouterFixture(0)
	a, connA := f.join("Alice")
	_, connB := f.join("Bob")

	f.send(t, a, protocol.MsgEquipmentUpdate, map[string]any{"equipment": map[string]string{"weapon": "sword", "head": "helm"}})
	f.send(t, a, protocol.MsgEquipmentUpdate, map[string]any{"equipment": map[string]string{"weapon": "sword"}})

	frames := connB.take(t)
	require.Len(t, frames, 2)
	assert.Equal(t, map[string]any{"weapon": "sword", "head": "helm"}, frames[0].Data["equipment"])
	assert.Equal(t, map[string]any{"weapon": "sword"}, frames[1].Data["equipment"])
	assert.Empty(t, connA.take(t))

	v, _ := f.registry.Get(a)
	assert.Equal(t, map[string]string{"weapon": "sword"}, v.Equipment)
}

func TestEquipmentUpdateWithoutMapKeepsLoadout(t *testing.T) {
	f := newRouterFixture(0)
	a, _ := f.join("Alice")
	_, connB := f.join("Bob")

	f.send(t, a, protocol.MsgEquipmentUpdate, map[string]any{"equipment": map[string]string{"hand": "torch"}})
	f.send(t, a, protocol.MsgEquipmentUpdate, map[string]any{})

	frames := connB.take(t)
	require.Len(t, frames, 2)
	assert.Equal(t, map[string]any{"hand": "torch"}, frames[1].Data["equipment"])
}

func TestCharacterUpdateRenamesAndRelays(t *testing.T) {
	f := newRouterFixture(0)
	a, _ := f.join("Alice")
	_, connB := f.join("Bob")

	f.send(t, a, protocol.MsgCharacterUpdate, map[string]any{
		"character": map[string]any{"body": "tall"},
		"name":      "<i>Ally</i>",
	})

	frames := connB.take(t)
	require.Len(t, frames, 1)
	assert.Equal(t, "Ally", frames[0].Data["name"])
	assert.Equal(t, map[string]any{"body": "tall"}, frames[0].Data["character"])
}

func TestCharacterUnrepresentableInJSONIsRejected(t *testing.T) {
	tests := []struct {
		name      string
		character any
		reply     bool
	}{
		{"NaN", map[string]any{"hp": math.NaN()}, true},
		{"infinity", map[string]any{"speed": math.Inf(-1)}, true},
		{"non-string keys", map[string]any{"slots": map[int]string{1: "sword"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRouterFixture(0)
			a, connA := f.joinWith("Alice", protocol.Msgpack)
			_, connB := f.join("Bob")

			raw, err := protocol.Msgpack.Marshal(protocol.Envelope{
				Type: protocol.MsgCharacterUpdate,
				Data: map[string]any{"character": tt.character},
			})
			require.NoError(t, err)
			f.router.Route(a, raw)

			assert.Empty(t, connB.take(t))
			v, _ := f.registry.Get(a)
			assert.Empty(t, v.Character)
			if tt.reply {
				frames := connA.take(t)
				require.Len(t, frames, 1)
				assert.Equal(t, protocol.MsgError, frames[0].Type)
			}

			// A JSON session joining afterwards still gets its snapshot.
			c, connC := f.join("Carol")
			f.send(t, c, protocol.MsgJoin, nil)
			frames := connC.take(t)
			require.Len(t, frames, 1)
			assert.Equal(t, protocol.MsgWelcome, frames[0].Type)
			assert.Len(t, frames[0].Data["players"], 2)
		})
	}
}

func TestMsgpackCharacterReachesJSONPeers(t *testing.T) {
	f := newRouterFixture(0)
	a, _ := f.joinWith("Alice", protocol.Msgpack)
	_, connB := f.join("Bob")

	raw, err := protocol.Msgpack.Marshal(protocol.Envelope{
		Type: protocol.MsgCharacterUpdate,
		Data: map[string]any{"character": map[string]any{"hp": int8(5), "tags": []string{"a"}}},
	})
	require.NoError(t, err)
	f.router.Route(a, raw)

	frames := connB.take(t)
	require.Len(t, frames, 1)
	assert.Equal(t, map[string]any{"hp": 5.0, "tags": []any{"a"}}, frames[0].Data["character"])
}

func TestAnimationRelayedNotStored(t *testing.T) {
	f := newRouterFixture(0)
	a, _ := f.join("Alice")
	_, connB := f.join("Bob")

	f.send(t, a, protocol.MsgAnimation, map[string]any{"animation": "wave"})
	f.send(t, a, protocol.MsgAnimation, map[string]any{"animation": ""})

	frames := connB.take(t)
	require.Len(t, frames, 1)
	assert.Equal(t, "wave", frames[0].Data["animation"])
}

func TestBadFramesAreDroppedAndConnectionKept(t *testing.T) {
	f := newRouterFixture(0)
	a, connA := f.join("Alice")
	_, connB := f.join("Bob")

	f.router.Route(a, []byte("not json"))
	f.router.Route(a, []byte(`{"data":{}}`))
	f.send(t, a, "teleport", map[string]any{"x": 1})

	assert.Empty(t, connA.take(t))
	assert.Empty(t, connB.take(t))
	assert.Equal(t, 2, f.events.count(EvtMalformed))
	assert.Equal(t, 1, f.events.count(EvtUnknownType))

	// Still routed afterwards.
	f.send(t, a, protocol.MsgPing, map[string]any{"pingId": "x"})
	assert.Len(t, connA.take(t), 1)
}

func TestRouteFromUnknownSessionIsNoop(t *testing.T) {
	f := newRouterFixture(0)
	_, connB := f.join("Bob")

	f.send(t, "gone", protocol.MsgChat, map[string]any{"message": "ghost"})
	assert.Empty(t, connB.take(t))
}

func TestImplausibleMovementRejected(t *testing.T) {
	f := newRouterFixture(10)
	a, connA := f.join("Alice")
	_, connB := f.join("Bob")

	// The first report is accepted wherever it lands.
	f.send(t, a, protocol.MsgStateUpdate, map[string]any{"position": map[string]float64{"x": 50}})
	require.Len(t, connB.take(t), 1)

	f.clock = f.clock.Add(time.Second)
	f.send(t, a, protocol.MsgStateUpdate, map[string]any{"position": map[string]float64{"x": 58}})
	require.Len(t, connB.take(t), 1)

	f.clock = f.clock.Add(time.Second)
	f.send(t, a, protocol.MsgStateUpdate, map[string]any{"position": map[string]float64{"x": 158}})
	assert.Empty(t, connB.take(t))

	frames := connA.take(t)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.MsgError, frames[0].Type)
	assert.Equal(t, "implausible movement", frames[0].Data["message"])
	assert.Equal(t, 1, f.events.count(EvtRejectedMove))

	v, _ := f.registry.Get(a)
	assert.Equal(t, 58.0, v.Position.X)
}

func TestMsgpackSessionsReceiveJSONSessionsMessages(t *testing.T) {
	f := newRouterFixture(0)
	a, _ := f.join("Alice")
	mp := newFakeConn(protocol.Msgpack)
	f.registry.Register(mp, "Bob")

	f.send(t, a, protocol.MsgAnimation, map[string]any{"animation": "jump"})

	frames := mp.take(t)
	require.Len(t, frames, 1)
	assert.Equal(t, "jump", frames[0].Data["animation"])
}
