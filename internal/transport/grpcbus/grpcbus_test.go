package grpcbus

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cory-johannsen/arena/internal/bus"
)

type harness struct {
	t   *testing.T
	srv *Server
	lis *bufconn.Listener
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	g := grpc.NewServer()
	srv := NewServer(zaptest.NewLogger(t))
	srv.Register(g)
	go func() { _ = g.Serve(lis) }()
	t.Cleanup(g.Stop)
	return &harness{t: t, srv: srv, lis: lis}
}

func (h *harness) dial() *Client {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, "passthrough:///bufnet", zaptest.NewLogger(h.t),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return h.lis.DialContext(ctx)
		}),
	)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = c.Close() })
	require.Eventually(h.t, func() bool {
		for _, id := range h.srv.Peers() {
			if id == c.Self() {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	return c
}

func payload(t *testing.T, vals ...any) *structpb.ListValue {
	t.Helper()
	lv, err := structpb.NewList(vals)
	require.NoError(t, err)
	return lv
}

func TestDial_AssignsPeerID(t *testing.T) {
	h := newHarness(t)
	a := h.dial()
	b := h.dial()

	assert.NotEmpty(t, a.Self())
	assert.NotEqual(t, a.Self(), b.Self())
	assert.Equal(t, bus.RolePeer, a.Role())
	assert.Empty(t, a.Peers())
	assert.Len(t, h.srv.Peers(), 2)
}

func TestClient_CreateIsAuthorityOnly(t *testing.T) {
	h := newHarness(t)
	c := h.dial()

	_, err := c.Create("x", bus.KindEvent)
	assert.ErrorIs(t, err, bus.ErrWrongRole)
}

func TestClient_WaitSeesExistingAndLaterChannels(t *testing.T) {
	h := newHarness(t)
	_, err := h.srv.Create("early", bus.KindEvent)
	require.NoError(t, err)

	c := h.dial()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch, err := c.Wait(ctx, "early", bus.KindEvent)
	require.NoError(t, err)
	assert.Equal(t, "early", ch.Name())

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = h.srv.Create("late", bus.KindRequest)
	}()
	ch, err = c.Wait(ctx, "late", bus.KindRequest)
	require.NoError(t, err)
	assert.Equal(t, bus.KindRequest, ch.Kind())

	_, err = c.Wait(ctx, "late", bus.KindEvent)
	assert.ErrorIs(t, err, bus.ErrChannelKind)
}

func TestClient_WaitTimesOut(t *testing.T) {
	h := newHarness(t)
	c := h.dial()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Wait(ctx, "never", bus.KindEvent)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEvents_FlowBothWays(t *testing.T) {
	h := newHarness(t)
	sch, err := h.srv.Create("events", bus.KindEvent)
	require.NoError(t, err)
	serverEvents := sch.(bus.EventChannel)

	c := h.dial()
	cch, err := c.Wait(context.Background(), "events", bus.KindEvent)
	require.NoError(t, err)
	clientEvents := cch.(bus.EventChannel)

	toServer := make(chan bus.PeerID, 1)
	serverEvents.OnEvent(func(from bus.PeerID, p *structpb.ListValue) {
		if p.GetValues()[0].GetStringValue() == "ping" {
			toServer <- from
		}
	})
	toClient := make(chan *structpb.ListValue, 1)
	clientEvents.OnEvent(func(from bus.PeerID, p *structpb.ListValue) {
		assert.Equal(t, bus.AuthorityID, from)
		toClient <- p
	})

	require.NoError(t, clientEvents.FireServer(payload(t, "ping")))
	select {
	case from := <-toServer:
		assert.Equal(t, c.Self(), from)
	case <-time.After(2 * time.Second):
		t.Fatal("authority never received the event")
	}

	require.NoError(t, serverEvents.FireClient(c.Self(), payload(t, "pong", 0.0, "", false)))
	select {
	case p := <-toClient:
		require.Len(t, p.GetValues(), 4)
		assert.Equal(t, 0.0, p.GetValues()[1].GetNumberValue())
		assert.Equal(t, "", p.GetValues()[2].GetStringValue())
		assert.False(t, p.GetValues()[3].GetBoolValue())
	case <-time.After(2 * time.Second):
		t.Fatal("peer never received the event")
	}
}

func TestEvents_PreserveOrder(t *testing.T) {
	h := newHarness(t)
	sch, err := h.srv.Create("ordered", bus.KindEvent)
	require.NoError(t, err)

	c := h.dial()
	cch, err := c.Wait(context.Background(), "ordered", bus.KindEvent)
	require.NoError(t, err)

	const n = 50
	got := make(chan float64, n)
	sch.(bus.EventChannel).OnEvent(func(_ bus.PeerID, p *structpb.ListValue) {
		got <- p.GetValues()[0].GetNumberValue()
	})
	for i := 0; i < n; i++ {
		require.NoError(t, cch.(bus.EventChannel).FireServer(payload(t, float64(i))))
	}
	for i := 0; i < n; i++ {
		select {
		case v := <-got:
			assert.Equal(t, float64(i), v)
		case <-time.After(2 * time.Second):
			t.Fatalf("event %d never arrived", i)
		}
	}
}

func TestFireClient_UnknownPeerIsDropped(t *testing.T) {
	h := newHarness(t)
	ch, err := h.srv.Create("events", bus.KindEvent)
	require.NoError(t, err)
	assert.NoError(t, ch.(bus.EventChannel).FireClient("nobody", payload(t, "x")))
}

func TestInvoke_RoundTripBothWays(t *testing.T) {
	h := newHarness(t)
	sch, err := h.srv.Create("rpc", bus.KindRequest)
	require.NoError(t, err)
	serverRPC := sch.(bus.RequestChannel)
	serverRPC.OnInvoke(func(_ context.Context, from bus.PeerID, p *structpb.ListValue) (*structpb.ListValue, error) {
		return structpb.NewList([]any{"server", string(from), p.GetValues()[0].GetStringValue()})
	})

	c := h.dial()
	cch, err := c.Wait(context.Background(), "rpc", bus.KindRequest)
	require.NoError(t, err)
	clientRPC := cch.(bus.RequestChannel)
	clientRPC.OnInvoke(func(_ context.Context, from bus.PeerID, p *structpb.ListValue) (*structpb.ListValue, error) {
		if p.GetValues()[0].GetStringValue() == "fail" {
			return nil, errors.New("nope")
		}
		return structpb.NewList([]any{"client", string(from)})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := clientRPC.InvokeServer(ctx, payload(t, "hello"))
	require.NoError(t, err)
	assert.Equal(t, []any{"server", string(c.Self()), "hello"}, resp.AsSlice())

	resp, err = serverRPC.InvokeClient(ctx, c.Self(), payload(t, "hi"))
	require.NoError(t, err)
	assert.Equal(t, []any{"client", string(bus.AuthorityID)}, resp.AsSlice())

	_, err = serverRPC.InvokeClient(ctx, c.Self(), payload(t, "fail"))
	var remote *bus.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "nope", remote.Message)
}

func TestInvoke_WithoutHandlerIsRemoteError(t *testing.T) {
	h := newHarness(t)
	_, err := h.srv.Create("rpc", bus.KindRequest)
	require.NoError(t, err)
	c := h.dial()
	cch, err := c.Wait(context.Background(), "rpc", bus.KindRequest)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = cch.(bus.RequestChannel).InvokeServer(ctx, payload(t, "x"))
	var remote *bus.RemoteError
	assert.ErrorAs(t, err, &remote)
}

func TestInvoke_ContextDeadline(t *testing.T) {
	h := newHarness(t)
	sch, err := h.srv.Create("slow", bus.KindRequest)
	require.NoError(t, err)
	release := make(chan struct{})
	defer close(release)
	sch.(bus.RequestChannel).OnInvoke(func(ctx context.Context, _ bus.PeerID, _ *structpb.ListValue) (*structpb.ListValue, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return &structpb.ListValue{}, nil
	})

	c := h.dial()
	cch, err := c.Wait(context.Background(), "slow", bus.KindRequest)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = cch.(bus.RequestChannel).InvokeServer(ctx, payload(t, "x"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInvokeClient_DisconnectedPeer(t *testing.T) {
	h := newHarness(t)
	ch, err := h.srv.Create("rpc", bus.KindRequest)
	require.NoError(t, err)

	_, err = ch.(bus.RequestChannel).InvokeClient(context.Background(), "gone", payload(t, "x"))
	assert.ErrorIs(t, err, bus.ErrPeerNotConnected)
}

func TestServer_PresenceHooks(t *testing.T) {
	h := newHarness(t)
	joined := make(chan bus.PeerID, 1)
	left := make(chan bus.PeerID, 1)
	h.srv.OnPeerJoined(func(id bus.PeerID) { joined <- id })
	h.srv.OnPeerLeft(func(id bus.PeerID) { left <- id })

	c := h.dial()
	select {
	case id := <-joined:
		assert.Equal(t, c.Self(), id)
	case <-time.After(2 * time.Second):
		t.Fatal("join hook never fired")
	}

	require.NoError(t, c.Close())
	select {
	case id := <-left:
		assert.Equal(t, c.Self(), id)
	case <-time.After(2 * time.Second):
		t.Fatal("leave hook never fired")
	}
	assert.Empty(t, h.srv.Peers())
}

func TestClient_InvokeAfterCloseFails(t *testing.T) {
	h := newHarness(t)
	_, err := h.srv.Create("rpc", bus.KindRequest)
	require.NoError(t, err)
	c := h.dial()
	cch, err := c.Wait(context.Background(), "rpc", bus.KindRequest)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	<-c.Done()
	_, err = cch.(bus.RequestChannel).InvokeServer(context.Background(), payload(t, "x"))
	assert.Error(t, err)
}

func TestFrameFromStruct_RejectsMalformed(t *testing.T) {
	cases := map[string]frame{
		"unknown type":         {Type: "bogus"},
		"welcome without peer": {Type: frameWelcome},
		"channel without kind": {Type: frameChannel, Channel: "x"},
		"event without body":   {Type: frameEvent, Channel: "x"},
		"invoke without id":    {Type: frameInvoke, Channel: "x", Payload: &structpb.ListValue{}},
		"reply without id":     {Type: frameReply},
	}
	for name, f := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := frameFromStruct(f.toStruct())
			assert.Error(t, err)
		})
	}
}

func TestFrame_ReplyOutcome(t *testing.T) {
	f, err := frameFromStruct(replyFor("1", nil, nil).toStruct())
	require.NoError(t, err)
	resp, err := f.outcome()
	require.NoError(t, err)
	assert.Empty(t, resp.GetValues())

	f, err = frameFromStruct(replyFor("2", nil, errors.New("boom")).toStruct())
	require.NoError(t, err)
	_, err = f.outcome()
	var remote *bus.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "boom", remote.Message)
}
