package router

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"peerhub/pkg/identity"
	"peerhub/pkg/peers"
	"peerhub/pkg/protocol"
)

type fixture struct {
	dir      *peers.Directory
	ids      []identity.PeerID
	sessions []*peers.Session
}

// newFixture joins n datagram peers; the first one is the host.
func newFixture(n int) *fixture {
	f := &fixture{dir: peers.NewDirectory(4, zap.NewNop())}
	for i := 0; i < n; i++ {
		id := identity.New()
		s, _ := f.dir.ObserveDatagram(id, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 41000 + i})
		f.ids = append(f.ids, id)
		f.sessions = append(f.sessions, s)
	}
	return f
}

func (f *fixture) ctx() ResolveContext { return ResolveContext{Peers: f.dir} }

func ids(ss []*peers.Session) []identity.PeerID {
	out := make([]identity.PeerID, len(ss))
	for i, s := range ss {
		out[i] = s.ID()
	}
	return out
}

func TestBuiltins(t *testing.T) {
	f := newFixture(3)
	r := New(WithLogger(zap.NewNop()))

	cases := []struct {
		name    string
		targets []protocol.Target
		want    []identity.PeerID
	}{
		{"all", []protocol.Target{protocol.All}, f.ids},
		{"server", []protocol.Target{protocol.Server}, nil},
		{"host", []protocol.Target{protocol.Host}, f.ids[:1]},
		{"all-but-host", []protocol.Target{protocol.AllButHost}, f.ids[1:]},
		{"peer", []protocol.Target{protocol.ToPeer(f.ids[2])}, f.ids[2:]},
		{"absent peer", []protocol.Target{protocol.ToPeer(identity.New())}, nil},
		{"empty", nil, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := r.Resolve(f.ctx(), tc.targets)
			require.NoError(t, err)
			if len(tc.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tc.want, ids(got))
		})
	}
}

func TestAllButHostWithoutHost(t *testing.T) {
	f := newFixture(2)
	f.dir.Remove(f.sessions[0])
	r := New(WithLogger(zap.NewNop()))
	got, err := r.Resolve(f.ctx(), []protocol.Target{protocol.AllButHost})
	require.NoError(t, err)
	assert.Equal(t, f.ids[1:], ids(got))
}

func TestResolveDeduplicatesInFirstSeenOrder(t *testing.T) {
	f := newFixture(3)
	r := New(WithLogger(zap.NewNop()))

	got, err := r.Resolve(f.ctx(), []protocol.Target{
		protocol.ToPeer(f.ids[2]),
		protocol.All,
		protocol.Host,
		protocol.ToPeer(f.ids[2]),
	})
	require.NoError(t, err)
	assert.Equal(t, []identity.PeerID{f.ids[2], f.ids[0], f.ids[1]}, ids(got))
}

func TestCustomResolverSeesMessage(t *testing.T) {
	f := newFixture(3)
	r := New(WithLogger(zap.NewNop()))
	// "others" is everybody except the sender of the triggering message
	r.Register("others", func(ctx ResolveContext, _ protocol.Target) []*peers.Session {
		return ctx.Peers.AllExcept(ctx.Message.Sender)
	})

	h := &protocol.Header{Sender: f.ids[1]}
	got, err := r.Resolve(ResolveContext{Peers: f.dir, Message: h}, []protocol.Target{protocol.NewTarget("others")})
	require.NoError(t, err)
	assert.Equal(t, []identity.PeerID{f.ids[0], f.ids[2]}, ids(got))

	// register overwrites
	r.Register("others", func(ResolveContext, protocol.Target) []*peers.Session { return nil })
	got, _ = r.Resolve(ResolveContext{Peers: f.dir, Message: h}, []protocol.Target{protocol.NewTarget("others")})
	assert.Empty(t, got)
}

func TestUnknownTargetIsNotFatal(t *testing.T) {
	f := newFixture(2)
	targets := []protocol.Target{protocol.NewTarget("nope"), protocol.Host}

	got, err := New(WithLogger(zap.NewNop())).Resolve(f.ctx(), targets)
	require.NoError(t, err)
	assert.Equal(t, f.ids[:1], ids(got))

	got, err = New(WithLogger(zap.NewNop()), WithStrictTargets(true)).Resolve(f.ctx(), targets)
	assert.ErrorIs(t, err, ErrUnknownTarget)
	assert.Equal(t, f.ids[:1], ids(got), "strict mode still resolves valid targets")
}
