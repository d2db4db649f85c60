package frontend_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/arena/internal/bus"
	"github.com/cory-johannsen/arena/internal/frontend"
	"github.com/cory-johannsen/arena/internal/gameserver"
	"github.com/cory-johannsen/arena/internal/input"
	"github.com/cory-johannsen/arena/internal/playerdata"
	"github.com/cory-johannsen/arena/internal/scripting"
	"github.com/cory-johannsen/arena/internal/transport/memory"
)

type activations struct {
	mu  sync.Mutex
	all []input.Activation
}

func (a *activations) record(_ context.Context, act input.Activation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.all = append(a.all, act)
}

func (a *activations) snapshot() []input.Activation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]input.Activation(nil), a.all...)
}

func TestClient_EndToEnd(t *testing.T) {
	defaults, err := playerdata.LoadDefaults("../../content/playerdata/default.yaml")
	require.NoError(t, err)
	mapper := input.NewKeyMapper()
	bindings, err := input.LoadBindings("../../content/keybinds", mapper)
	require.NoError(t, err)

	hub := memory.NewHub()
	auth := bus.Bootstrap(hub.Authority(), zaptest.NewLogger(t))
	defer auth.Close()

	store := playerdata.NewMemoryStore()
	rec := &activations{}
	rt, err := gameserver.Start(context.Background(), auth, gameserver.Options{
		Defaults:     defaults,
		Store:        store,
		Bindings:     bindings,
		OnActivation: rec.record,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer rt.Close()

	proc, err := hub.Connect("peer-1")
	require.NoError(t, err)
	peer := bus.Bootstrap(proc, zaptest.NewLogger(t))
	defer peer.Close()

	scripts := scripting.NewManager(zaptest.NewLogger(t))
	defer scripts.Close()
	_, err = scripts.LoadDir("../../content/scripts/input", 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := frontend.Start(ctx, peer, frontend.Options{
		PlayerName: "Hero",
		Bindings:   bindings,
		Scripts:    scripts,
		Mapper:     mapper,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer client.Close()

	melee, ok := client.Replica().Instances().Lookup("EquipedAbilities/Melee")
	require.True(t, ok)
	assert.Equal(t, "Box", melee.Text)
	assert.Equal(t, []string{"Attack", "Block", "Evade"}, client.Controller().Bound())

	forwarded, err := client.Controller().Press("M1", input.StateBegin)
	require.NoError(t, err)
	assert.True(t, forwarded)
	forwarded, err = client.Controller().Press("L1", input.StateEnd)
	require.NoError(t, err)
	assert.True(t, forwarded)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	got := rec.snapshot()
	assert.Equal(t, "Attack", got[0].Action)
	assert.Equal(t, "light", got[0].Data["swing"])
	assert.Equal(t, "Block", got[1].Action)
	assert.Equal(t, input.StateEnd, got[1].State)

	proc.Disconnect()
	require.Eventually(t, func() bool {
		_, err := store.Load(context.Background(), "Hero")
		return err == nil
	}, time.Second, 5*time.Millisecond)
}

func TestClient_StartFailsWithoutModule(t *testing.T) {
	defaults, err := playerdata.LoadDefaults("../../content/playerdata/default.yaml")
	require.NoError(t, err)
	hub := memory.NewHub()
	auth := bus.Bootstrap(hub.Authority(), zaptest.NewLogger(t))
	defer auth.Close()
	rt, err := gameserver.Start(context.Background(), auth, gameserver.Options{
		Defaults: defaults,
		Store:    playerdata.NewMemoryStore(),
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer rt.Close()

	proc, err := hub.Connect("")
	require.NoError(t, err)
	peer := bus.Bootstrap(proc, zaptest.NewLogger(t))
	defer peer.Close()

	scripts := scripting.NewManager(zaptest.NewLogger(t))
	defer scripts.Close()

	_, err = frontend.Start(context.Background(), peer, frontend.Options{
		Bindings: []input.Binding{{Action: "Attack", Module: "attack", PC: "M1"}},
		Scripts:  scripts,
		Mapper:   input.NewKeyMapper(),
	}, zaptest.NewLogger(t))
	assert.Error(t, err)
}
