package player

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cory-johannsen/arena/internal/bus"
	"github.com/cory-johannsen/arena/internal/playerdata"
	"github.com/cory-johannsen/arena/internal/transport/memory"
)

const defaultsYAML = `
instances:
  Isloded: true
  CanUseAbilities: true
  EquipedAbilities:
    Melee: Box
data:
  Wins: 0
`

type fixture struct {
	t       *testing.T
	hub     *memory.Hub
	auth    *bus.Endpoint
	store   *playerdata.MemoryStore
	service *Service
	logs    *observer.ObservedLogs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	defaults, err := playerdata.ParseDefaults([]byte(defaultsYAML))
	require.NoError(t, err)

	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(zapcore.NewTee(core, zaptest.NewLogger(t).Core()))

	hub := memory.NewHub()
	auth := bus.Bootstrap(hub.Authority(), logger, bus.WithDefaultWaitTimeout(time.Second))
	t.Cleanup(auth.Close)

	store := playerdata.NewMemoryStore()
	svc, err := NewService(context.Background(), auth, defaults, store, logger)
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	return &fixture{t: t, hub: hub, auth: auth, store: store, service: svc, logs: logs}
}

func (f *fixture) join(id bus.PeerID) (*memory.Process, *Replica) {
	f.t.Helper()
	proc, err := f.hub.Connect(id)
	require.NoError(f.t, err)
	ep := bus.Bootstrap(proc, zaptest.NewLogger(f.t), bus.WithDefaultWaitTimeout(time.Second))
	f.t.Cleanup(ep.Close)

	r, err := NewReplica(context.Background(), ep, zaptest.NewLogger(f.t))
	require.NoError(f.t, err)
	f.t.Cleanup(r.Close)
	return proc, r
}

func ctxTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func lookup(t *testing.T, n *playerdata.Node, path string) *playerdata.Node {
	t.Helper()
	leaf, ok := n.Lookup(path)
	require.True(t, ok, "missing %s", path)
	return leaf
}

func TestManager(t *testing.T) {
	m := NewManager()
	_, err := m.Add("bob", "bob", playerdata.Folder("bob"))
	require.NoError(t, err)
	_, err = m.Add("alice", "alice", playerdata.Folder("alice"))
	require.NoError(t, err)

	_, err = m.Add("bob", "bob", playerdata.Folder("bob"))
	assert.Error(t, err)

	assert.Equal(t, 2, m.Count())
	assert.Equal(t, []bus.PeerID{"alice", "bob"}, m.IDs())

	p, ok := m.Get("alice")
	require.True(t, ok)
	assert.Equal(t, "alice", p.Name)

	removed, err := m.Remove("alice")
	require.NoError(t, err)
	assert.Same(t, p, removed)
	_, err = m.Remove("alice")
	assert.Error(t, err)
	assert.Equal(t, 1, m.Count())
}

func TestPlayer_UpdateCreatesFolders(t *testing.T) {
	p := &Player{profile: playerdata.Folder("root")}
	p.Update("instances/Loadout/Melee", &playerdata.Node{Kind: playerdata.KindString, Text: "Axe"})
	p.Update("/data/Wins/", &playerdata.Node{Kind: playerdata.KindNumber, Number: 2})

	profile := p.Profile()
	assert.Equal(t, "Axe", lookup(t, profile, "instances/Loadout/Melee").Text)
	assert.Equal(t, float64(2), lookup(t, profile, "data/Wins").Number)

	// copies are isolated from the live profile
	profile.Put(playerdata.Folder("scratch"))
	_, ok := p.Profile().Child("scratch")
	assert.False(t, ok)
}

func TestService_JoinAndFetchDefaults(t *testing.T) {
	f := newFixture(t)
	_, r := f.join("alice")

	require.Eventually(t, func() bool { return f.service.Manager().Count() == 1 }, time.Second, 5*time.Millisecond)

	inst, err := r.Fetch(ctxTimeout(t))
	require.NoError(t, err)
	assert.True(t, lookup(t, inst, "Isloded").Bool)
	assert.Equal(t, "Box", lookup(t, inst, "EquipedAbilities/Melee").Text)
	_, ok := inst.Child("Wins")
	assert.False(t, ok, "authority-only data must not replicate")

	assert.Equal(t, inst.Interface(), r.Instances().Interface())
}

func TestService_ClaimMergesStoredProfile(t *testing.T) {
	f := newFixture(t)

	stored := playerdata.Folder("Hero")
	inst := playerdata.Folder("instances")
	inst.Put(&playerdata.Node{Name: "CanUseAbilities", Kind: playerdata.KindBool, Bool: false})
	inst.Put(&playerdata.Node{Name: "Isloded", Kind: playerdata.KindString, Text: "corrupt"})
	stored.Put(inst)
	_, err := f.store.Save(context.Background(), "Hero", stored)
	require.NoError(t, err)

	_, r := f.join("alice")
	got, err := r.Claim(ctxTimeout(t), "Hero")
	require.NoError(t, err)

	assert.False(t, lookup(t, got, "CanUseAbilities").Bool)
	assert.True(t, lookup(t, got, "Isloded").Bool, "kind mismatch keeps the default")

	p, ok := f.service.Manager().Get("alice")
	require.True(t, ok)
	assert.Equal(t, "Hero", p.Name)
}

func TestService_ClaimNewPlayer(t *testing.T) {
	f := newFixture(t)
	_, r := f.join("alice")

	got, err := r.Claim(ctxTimeout(t), "Newcomer")
	require.NoError(t, err)
	assert.True(t, lookup(t, got, "CanUseAbilities").Bool)
	assert.Equal(t, 1, f.logs.FilterMessage("new player profile").Len())
}

func TestService_ClaimRequiresName(t *testing.T) {
	f := newFixture(t)
	_, r := f.join("alice")

	_, err := r.Claim(ctxTimeout(t), "")
	var remote *bus.RemoteError
	assert.ErrorAs(t, err, &remote)
}

func TestService_SetPushesSnapshot(t *testing.T) {
	f := newFixture(t)
	_, r := f.join("alice")

	var mu sync.Mutex
	var seen []*playerdata.Node
	r.OnChange(func(n *playerdata.Node) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, n)
	})

	require.Eventually(t, func() bool { return f.service.Manager().Count() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, f.service.Set("alice", "instances/EquipedAbilities/Melee",
		&playerdata.Node{Kind: playerdata.KindString, Text: "Hammer"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "Hammer", lookup(t, r.Instances(), "EquipedAbilities/Melee").Text)

	// data paths stay on the authority
	require.NoError(t, f.service.Set("alice", "data/Wins", &playerdata.Node{Kind: playerdata.KindNumber, Number: 1}))
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Len(t, seen, 1)
	mu.Unlock()

	assert.Error(t, f.service.Set("ghost", "data/Wins", &playerdata.Node{Kind: playerdata.KindNumber}))
}

func TestService_CharacterAdded(t *testing.T) {
	f := newFixture(t)
	_, r := f.join("alice")

	require.NoError(t, r.CharacterAdded("Knight"))
	require.NoError(t, r.CharacterAdded("Rogue"))

	require.Eventually(t, func() bool {
		p, ok := f.service.Manager().Get("alice")
		return ok && len(p.Characters()) == 2
	}, time.Second, 5*time.Millisecond)

	p, _ := f.service.Manager().Get("alice")
	assert.Equal(t, []string{"Knight", "Rogue"}, p.Characters())

	entries := f.logs.FilterMessage("character added").All()
	require.Len(t, entries, 2)
	assert.Equal(t, "Knight", entries[0].ContextMap()["character"])
}

func TestService_LeavePersistsProfile(t *testing.T) {
	f := newFixture(t)
	proc, r := f.join("alice")

	_, err := r.Claim(ctxTimeout(t), "Hero")
	require.NoError(t, err)
	require.NoError(t, f.service.Set("alice", "data/Wins", &playerdata.Node{Kind: playerdata.KindNumber, Number: 4}))

	proc.Disconnect()

	require.Eventually(t, func() bool { return f.service.Manager().Count() == 0 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		_, err := f.store.Load(context.Background(), "Hero")
		return err == nil
	}, time.Second, 5*time.Millisecond)

	saved, err := f.store.Load(context.Background(), "Hero")
	require.NoError(t, err)
	assert.Equal(t, float64(4), lookup(t, saved, "data/Wins").Number)
	assert.True(t, lookup(t, saved, "instances/Isloded").Bool)
}

func TestReplica_DiscardsMalformedSnapshot(t *testing.T) {
	f := newFixture(t)
	_, r := f.join("alice")
	require.Eventually(t, func() bool { return f.service.Manager().Count() == 1 }, time.Second, 5*time.Millisecond)

	_, err := r.replace(bus.MustArgs("not a folder"))
	assert.Error(t, err)
	_, err = r.replace(bus.MustArgs())
	assert.ErrorIs(t, err, bus.ErrArity)
	assert.Empty(t, r.Instances().Children)
}

func TestReplica_OnChangeHooksGetIndependentCopies(t *testing.T) {
	f := newFixture(t)
	_, r := f.join("alice")

	var mu sync.Mutex
	var first, second []string
	r.OnChange(func(n *playerdata.Node) {
		mu.Lock()
		defer mu.Unlock()
		leaf, ok := n.Lookup("EquipedAbilities/Melee")
		if !ok {
			return
		}
		first = append(first, leaf.Text)
		leaf.Text = "mutated"
	})
	r.OnChange(func(n *playerdata.Node) {
		mu.Lock()
		defer mu.Unlock()
		if leaf, ok := n.Lookup("EquipedAbilities/Melee"); ok {
			second = append(second, leaf.Text)
		}
	})

	require.Eventually(t, func() bool { return f.service.Manager().Count() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, f.service.Set("alice", "instances/EquipedAbilities/Melee",
		&playerdata.Node{Kind: playerdata.KindString, Text: "Hammer"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(second) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"Hammer"}, first)
	assert.Equal(t, []string{"Hammer"}, second)
	assert.Equal(t, "Hammer", lookup(t, r.Instances(), "EquipedAbilities/Melee").Text)
}

func TestService_ShutdownSavesConnectedPlayers(t *testing.T) {
	f := newFixture(t)
	_, hero := f.join("alice")
	f.join("bob")

	_, err := hero.Claim(ctxTimeout(t), "Hero")
	require.NoError(t, err)
	require.NoError(t, f.service.Set("alice", "data/Wins", &playerdata.Node{Kind: playerdata.KindNumber, Number: 7}))

	require.NoError(t, f.service.Shutdown(ctxTimeout(t)))
	assert.Equal(t, 0, f.service.Manager().Count())

	saved, err := f.store.Load(context.Background(), "Hero")
	require.NoError(t, err)
	assert.Equal(t, float64(7), lookup(t, saved, "data/Wins").Number)
	_, err = f.store.Load(context.Background(), "bob")
	assert.NoError(t, err)
}

func TestService_LeaveAfterShutdownIsIgnored(t *testing.T) {
	f := newFixture(t)
	proc, hero := f.join("alice")
	_, err := hero.Claim(ctxTimeout(t), "Hero")
	require.NoError(t, err)

	require.NoError(t, f.service.Shutdown(ctxTimeout(t)))

	proc.Disconnect()
	require.NoError(t, f.auth.Do(ctxTimeout(t), func() {}))

	assert.Equal(t, 1, f.logs.FilterMessage("player removed").FilterField(zap.String("peer", "alice")).Len())
	assert.Equal(t, 0, f.logs.FilterMessage("saving player profile").Len())
}

func TestService_ShutdownAfterEndpointClosed(t *testing.T) {
	f := newFixture(t)
	f.auth.Close()
	err := f.service.Shutdown(ctxTimeout(t))
	assert.ErrorIs(t, err, bus.ErrEndpointClosed)
}
