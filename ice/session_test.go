package ice

import (
	"net"
	"testing"
	"time"

	"github.com/haleiwa/rtcstack/rtcerrors"
	"github.com/haleiwa/rtcstack/stun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newICEMessageForTest(t *testing.T) *stun.Message {
	t.Helper()
	return stun.NewMessage(stun.ClassRequest, stun.MethodBinding, stun.VariantICE)
}

// newLoopbackSocket builds a Socket around a single real loopback UDP base,
// bypassing NewSocket's interface enumeration (which always skips loopback)
// so tests can run without real network interfaces.
func newLoopbackSocket(t *testing.T) (*Socket, *Base) {
	t.Helper()
	base, err := createBase(net.ParseIP("127.0.0.1"), 1, "mid")
	require.NoError(t, err)

	s := &Socket{
		bases:  []*Base{base},
		routes: make(map[routeKey]*Session),
	}
	go s.readLoop(base)
	return s, base
}

type recordingSessionDelegate struct {
	nominated chan struct{}
	errs      chan *rtcerrors.Error
}

func (d *recordingSessionDelegate) OnICESessionStateChanged(sess *Session, state SessionState) {}
func (d *recordingSessionDelegate) OnICESessionNominated(sess *Session, local, remote Candidate) {
	select {
	case d.nominated <- struct{}{}:
	default:
	}
}
func (d *recordingSessionDelegate) OnICESessionReceivedData(sess *Session, payload []byte) {}
func (d *recordingSessionDelegate) OnICESessionError(sess *Session, err *rtcerrors.Error) {
	if d.errs != nil {
		select {
		case d.errs <- err:
		default:
		}
	}
}

func TestSessionConnectivityCheckNominatesPair(t *testing.T) {
	socketA, baseA := newLoopbackSocket(t)
	socketB, baseB := newLoopbackSocket(t)

	hostA := makeHostCandidate("mid", baseA)
	hostB := makeHostCandidate("mid", baseB)

	delA := &recordingSessionDelegate{nominated: make(chan struct{}, 1)}
	delB := &recordingSessionDelegate{nominated: make(chan struct{}, 1)}

	sessA := NewSession(SessionConfig{
		Socket: socketA, Mid: "mid", Component: 1, Role: Controlling,
		LocalFrag: "fragA", LocalPwd: "pwdA", RemoteFrag: "fragB", RemotePwd: "pwdB",
	}, delA)
	defer sessA.Shutdown()

	sessB := NewSession(SessionConfig{
		Socket: socketB, Mid: "mid", Component: 1, Role: Controlled,
		LocalFrag: "fragB", LocalPwd: "pwdB", RemoteFrag: "fragA", RemotePwd: "pwdA",
	}, delB)
	defer sessB.Shutdown()

	sessA.AddLocalCandidates([]Candidate{hostA})
	sessB.AddLocalCandidates([]Candidate{hostB})

	sessA.AddRemoteCandidates([]Candidate{hostB})
	sessB.AddRemoteCandidates([]Candidate{hostA})

	socketA.RegisterRoute(baseA.address, hostB.Address.UDPAddr(), sessA)
	socketB.RegisterRoute(baseB.address, hostA.Address.UDPAddr(), sessB)

	select {
	case <-delA.nominated:
	case <-time.After(5 * time.Second):
		t.Fatal("controlling session never nominated a pair")
	}

	assert.Equal(t, SessionCompleted, sessA.GetState())
}

func TestResolveRoleConflictSwitchesHigherTieBreaker(t *testing.T) {
	socket, _ := newLoopbackSocket(t)
	sess := NewSession(SessionConfig{Socket: socket, Role: Controlling}, nil)
	defer sess.Shutdown()

	sess.mu.Lock()
	sess.tieBreaker = 10
	sess.mu.Unlock()

	req := newICEMessageForTest(t)
	req.AddIceControlling(5)
	sess.resolveRoleConflict(req)

	sess.mu.Lock()
	role := sess.role
	sess.mu.Unlock()
	assert.Equal(t, Controlled, role)
}

// TestFailSurfacesDistinctCodeAndHalts asserts spec §7/§8's requirement
// that an ICE session failure carries a distinct, observable code rather
// than collapsing into a bare state transition.
func TestFailSurfacesDistinctCodeAndHalts(t *testing.T) {
	socket, _ := newLoopbackSocket(t)
	del := &recordingSessionDelegate{errs: make(chan *rtcerrors.Error, 1)}
	sess := NewSession(SessionConfig{Socket: socket, Role: Controlling}, del)
	defer sess.Shutdown()

	sess.fail(rtcerrors.New(rtcerrors.CodeBackgroundingTimeout, "session was backgrounded too long"))

	assert.Equal(t, SessionHalted, sess.GetState())
	require.NotNil(t, sess.GetError())
	assert.Equal(t, rtcerrors.CodeBackgroundingTimeout, sess.GetError().Code)

	select {
	case err := <-del.errs:
		require.NotNil(t, err)
		assert.Equal(t, rtcerrors.CodeBackgroundingTimeout, err.Code)
	default:
		t.Fatal("delegate never received OnICESessionError")
	}
}
