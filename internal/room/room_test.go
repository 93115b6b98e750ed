package room

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/kiyo-e/pairlane/internal/signaling"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is a slice-backed Conn, mirroring the teacher's
// goroutine-swarmed get/set test idiom: every Send is recorded and every
// Close is observable without touching a real websocket.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	code   int
	reason string
}

func newFakeConn() *fakeConn { return &fakeConn{} }

func (c *fakeConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	c.frames = append(c.frames, cp)
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.code = code
	c.reason = reason
	return nil
}

func (c *fakeConn) framesOfType(typ string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	for _, f := range c.frames {
		var m map[string]any
		if err := json.Unmarshal(f, &m); err != nil {
			continue
		}
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func sdpFrame(typ, to string, sid int) []byte {
	raw, _ := signaling.Encode(typ, signaling.SDPFrame{To: to, Sid: sid, SDP: "sdp"})
	return raw
}

func candidateFrame(to string, sid int) []byte {
	raw, _ := signaling.Encode(signaling.EventCandidate, signaling.CandidateFrame{To: to, Sid: sid, Candidate: "cand"})
	return raw
}

func transferDoneFrame(peerID string) []byte {
	raw, _ := signaling.Encode(signaling.EventTransferDone, signaling.TransferDoneFrame{PeerID: peerID})
	return raw
}

// --- §4.2.1 admission ---

func TestJoin_FirstSocketBecomesOfferer(t *testing.T) {
	r := New("room1", Config{MaxConcurrent: 3})
	conn := newFakeConn()

	role, err := r.Join("sender", conn)
	require.NoError(t, err)
	assert.Equal(t, signaling.RoleOfferer, role)

	roleFrames := conn.framesOfType(signaling.EventRole)
	require.Len(t, roleFrames, 1)
	assert.Equal(t, "offerer", roleFrames[0]["role"])
}

func TestJoin_SecondSocketBecomesAnswererAndWaits(t *testing.T) {
	r := New("room1", Config{MaxConcurrent: 3})
	r.Join("sender", newFakeConn())

	rxConn := newFakeConn()
	role, err := r.Join("rx-a", rxConn)
	require.NoError(t, err)
	assert.Equal(t, signaling.RoleAnswerer, role)

	waitFrames := rxConn.framesOfType(signaling.EventWait)
	assert.Len(t, waitFrames, 1)
}

func TestJoin_CreatorPin(t *testing.T) {
	r := New("room1", Config{MaxConcurrent: 3, CreatorCid: "creator"})

	// A receiver joins before the pinned creator; it must still become an
	// answerer, not claim the offerer slot.
	rxConn := newFakeConn()
	role, err := r.Join("rx-a", rxConn)
	require.NoError(t, err)
	assert.Equal(t, signaling.RoleAnswerer, role)

	creatorConn := newFakeConn()
	role, err = r.Join("creator", creatorConn)
	require.NoError(t, err)
	assert.Equal(t, signaling.RoleOfferer, role)
}

func TestJoin_SameCidEvictsPriorSocket(t *testing.T) {
	r := New("room1", Config{MaxConcurrent: 3})
	first := newFakeConn()
	r.Join("sender", first)

	second := newFakeConn()
	role, err := r.Join("sender", second)
	require.NoError(t, err)
	assert.Equal(t, signaling.RoleOfferer, role)

	assert.True(t, first.isClosed())
	assert.Equal(t, 1000, first.code)
	assert.Equal(t, "replaced", first.reason)
}

// --- §4.2.2 slot filler / FIFO ---

func TestFillSlots_PromotesUpToCeiling(t *testing.T) {
	r := New("room1", Config{MaxConcurrent: 2})
	r.Join("sender", newFakeConn())

	a, b, c := newFakeConn(), newFakeConn(), newFakeConn()
	r.Join("a", a)
	time.Sleep(time.Millisecond)
	r.Join("b", b)
	time.Sleep(time.Millisecond)
	r.Join("c", c)

	assert.Len(t, a.framesOfType(signaling.EventStart), 1)
	assert.Len(t, b.framesOfType(signaling.EventStart), 1)
	assert.Len(t, c.framesOfType(signaling.EventStart), 0)
	assert.Len(t, c.framesOfType(signaling.EventWait), 1)
}

func TestFillSlots_PromotesNextOnTransferDone(t *testing.T) {
	r := New("room1", Config{MaxConcurrent: 2})
	senderConn := newFakeConn()
	r.Join("sender", senderConn)

	a, b, c := newFakeConn(), newFakeConn(), newFakeConn()
	r.Join("a", a)
	time.Sleep(time.Millisecond)
	r.Join("b", b)
	time.Sleep(time.Millisecond)
	r.Join("c", c)

	r.HandleMessage("sender", transferDoneFrame("a"))

	assert.Len(t, c.framesOfType(signaling.EventStart), 1)
	// b must remain active: only one new start was issued to the sender
	// naming "c", not a re-promotion of "b".
	senderStarts := senderConn.framesOfType(signaling.EventStart)
	var sawC bool
	bStarts := 0
	for _, f := range senderStarts {
		if f["peerId"] == "c" {
			sawC = true
		}
		if f["peerId"] == "b" {
			bStarts++
		}
	}
	assert.True(t, sawC)
	assert.Equal(t, 1, bStarts)
}

func TestFillSlots_FIFOOrderByJoinTime(t *testing.T) {
	r := New("room1", Config{MaxConcurrent: 1})
	r.Join("sender", newFakeConn())

	// Same logical joinedAt instant is impossible to force through the
	// public API directly, so this exercises only the ascending-time
	// ordering; the cid tiebreak for equal joinedAt is not exercised here.
	zConn, aConn := newFakeConn(), newFakeConn()
	r.Join("z-first", zConn)
	time.Sleep(time.Millisecond)
	r.Join("a-second", aConn)

	// z-first joined earlier, so it is promoted first despite sorting after
	// "a-second" lexicographically.
	assert.Len(t, zConn.framesOfType(signaling.EventStart), 1)
	assert.Len(t, aConn.framesOfType(signaling.EventStart), 0)
}

// --- §4.2.3 signalling relay ---

func TestRelayOffer_AuthorizedPair(t *testing.T) {
	r := New("room1", Config{MaxConcurrent: 1})
	r.Join("sender", newFakeConn())
	rxConn := newFakeConn()
	r.Join("rx", rxConn)

	r.HandleMessage("sender", sdpFrame(signaling.EventOffer, "rx", 1))

	offers := rxConn.framesOfType(signaling.EventOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, "sender", offers[0]["from"])
	assert.Equal(t, float64(1), offers[0]["sid"])
	_, hasTo := offers[0]["to"]
	assert.False(t, hasTo, "relayed offer must not carry 'to'")
}

func TestRelayOffer_DroppedWhenUnpaired(t *testing.T) {
	r := New("room1", Config{MaxConcurrent: 1})
	r.Join("sender", newFakeConn())
	rxConn := newFakeConn()
	r.Join("rx", rxConn)

	// Force an unpaired target: offer addressed to a cid that never joined.
	r.HandleMessage("sender", sdpFrame(signaling.EventOffer, "ghost", 1))

	assert.Len(t, rxConn.framesOfType(signaling.EventOffer), 0)
}

func TestRelayOffer_DroppedFromAnswerer(t *testing.T) {
	r := New("room1", Config{MaxConcurrent: 1})
	senderConn := newFakeConn()
	r.Join("sender", senderConn)
	rxConn := newFakeConn()
	r.Join("rx", rxConn)

	// An answerer is never authorized to originate "offer".
	r.HandleMessage("rx", sdpFrame(signaling.EventOffer, "sender", 1))

	assert.Len(t, senderConn.framesOfType(signaling.EventOffer), 0)
}

func TestRelayAnswer_AuthorizedPair(t *testing.T) {
	r := New("room1", Config{MaxConcurrent: 1})
	senderConn := newFakeConn()
	r.Join("sender", senderConn)
	r.Join("rx", newFakeConn())

	r.HandleMessage("rx", sdpFrame(signaling.EventAnswer, "sender", 1))

	answers := senderConn.framesOfType(signaling.EventAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, "rx", answers[0]["from"])
}

func TestRelayCandidate_BothDirections(t *testing.T) {
	r := New("room1", Config{MaxConcurrent: 1})
	senderConn := newFakeConn()
	r.Join("sender", senderConn)
	rxConn := newFakeConn()
	r.Join("rx", rxConn)

	r.HandleMessage("sender", candidateFrame("rx", 1))
	r.HandleMessage("rx", candidateFrame("sender", 1))

	assert.Len(t, rxConn.framesOfType(signaling.EventCandidate), 1)
	assert.Len(t, senderConn.framesOfType(signaling.EventCandidate), 1)
}

func TestHandleMessage_MalformedFrameDropped(t *testing.T) {
	r := New("room1", Config{MaxConcurrent: 1})
	r.Join("sender", newFakeConn())

	// Must not panic on garbage input.
	r.HandleMessage("sender", []byte(`not json at all`))
}

func TestHandleMessage_UnknownCidIgnored(t *testing.T) {
	r := New("room1", Config{MaxConcurrent: 1})
	r.Join("sender", newFakeConn())

	// A message from a cid that never joined must be a no-op, not a panic.
	r.HandleMessage("ghost", sdpFrame(signaling.EventOffer, "sender", 1))
}

// --- transfer-done / done state ---

func TestTransferDone_OnlyAcceptedFromOfferer(t *testing.T) {
	r := New("room1", Config{MaxConcurrent: 1})
	r.Join("sender", newFakeConn())
	rxConn := newFakeConn()
	r.Join("rx", rxConn)

	r.HandleMessage("rx", transferDoneFrame("rx"))

	// No crash and the waiting/active bookkeeping must be untouched: a
	// second receiver joining now should still see the room at capacity.
	otherConn := newFakeConn()
	r.Join("other", otherConn)
	assert.Len(t, otherConn.framesOfType(signaling.EventStart), 0)
}

func TestTransferDone_IdempotentForAlreadyDone(t *testing.T) {
	r := New("room1", Config{MaxConcurrent: 1})
	r.Join("sender", newFakeConn())
	r.Join("rx", newFakeConn())

	r.HandleMessage("sender", transferDoneFrame("rx"))
	r.HandleMessage("sender", transferDoneFrame("rx")) // must be a no-op, not a re-promotion

	// A newly joined waiting receiver should now be promoted instead,
	// proving "rx" was not reactivated.
	nextConn := newFakeConn()
	r.Join("next", nextConn)
	assert.Len(t, nextConn.framesOfType(signaling.EventStart), 1)
}

// --- §4.2.4 departures ---

func TestLeave_ReceiverNotifiesOffererAndRefills(t *testing.T) {
	r := New("room1", Config{MaxConcurrent: 1})
	senderConn := newFakeConn()
	r.Join("sender", senderConn)
	rxConn := newFakeConn()
	r.Join("rx", rxConn)
	waitingConn := newFakeConn()
	r.Join("waiting", waitingConn)

	r.Leave("rx", rxConn)

	peerLeft := senderConn.framesOfType(signaling.EventPeerLeft)
	require.Len(t, peerLeft, 1)
	assert.Equal(t, "rx", peerLeft[0]["peerId"])

	assert.Len(t, waitingConn.framesOfType(signaling.EventStart), 1)
}

func TestLeave_OffererResetsActiveReceiversToWaiting(t *testing.T) {
	r := New("room1", Config{MaxConcurrent: 2})
	senderConn := newFakeConn()
	r.Join("sender", senderConn)
	aConn := newFakeConn()
	r.Join("a", aConn)

	require.Len(t, aConn.framesOfType(signaling.EventStart), 1)

	r.Leave("sender", senderConn)

	waitFrames := aConn.framesOfType(signaling.EventWait)
	// One wait on initial join, one fresh wait after the sender's departure.
	assert.GreaterOrEqual(t, len(waitFrames), 2)
}

func TestLeave_StaleConnIgnored(t *testing.T) {
	r := New("room1", Config{MaxConcurrent: 1})
	r.Join("sender", newFakeConn())
	first := newFakeConn()
	r.Join("rx", first)

	second := newFakeConn()
	r.Join("rx", second) // replaces first

	// The old socket's own close must not evict the new one.
	r.Leave("rx", first)
	assert.Equal(t, 2, r.SocketCount()) // sender + rx still present
	assert.False(t, second.isClosed())
}

// --- invariants (spec section 8) ---

func TestInvariant_AtMostOneOfferer(t *testing.T) {
	r := New("room1", Config{MaxConcurrent: 3})
	role1, _ := r.Join("a", newFakeConn())
	role2, _ := r.Join("b", newFakeConn())
	role3, _ := r.Join("c", newFakeConn())

	offererCount := 0
	for _, role := range []signaling.Role{role1, role2, role3} {
		if role == signaling.RoleOfferer {
			offererCount++
		}
	}
	assert.Equal(t, 1, offererCount)
}

func TestInvariant_ActiveCountNeverExceedsCeiling(t *testing.T) {
	r := New("room1", Config{MaxConcurrent: 2})
	r.Join("sender", newFakeConn())

	var conns []*fakeConn
	for i := 0; i < 10; i++ {
		c := newFakeConn()
		conns = append(conns, c)
		r.Join(string(rune('a'+i)), c)
		time.Sleep(time.Microsecond)
	}

	active := 0
	for _, c := range conns {
		if len(c.framesOfType(signaling.EventStart)) > 0 {
			active++
		}
	}
	assert.Equal(t, 2, active)
}

func TestSocketCount(t *testing.T) {
	r := New("room1", Config{MaxConcurrent: 2})
	assert.Equal(t, 0, r.SocketCount())
	r.Join("sender", newFakeConn())
	assert.Equal(t, 1, r.SocketCount())
	conn := newFakeConn()
	r.Join("rx", conn)
	assert.Equal(t, 2, r.SocketCount())
	r.Leave("rx", conn)
	assert.Equal(t, 1, r.SocketCount())
}

func TestConfig_Accessor(t *testing.T) {
	r := New("room1", Config{MaxConcurrent: 5, CreatorCid: "c1"})
	cfg := r.Config()
	assert.Equal(t, 5, cfg.MaxConcurrent)
	assert.Equal(t, "c1", cfg.CreatorCid)
}

func TestConcurrentJoinsAreSerialized(t *testing.T) {
	r := New("room1", Config{MaxConcurrent: 4})
	r.Join("sender", newFakeConn())

	var wg sync.WaitGroup
	conns := make([]*fakeConn, 20)
	for i := 0; i < 20; i++ {
		conns[i] = newFakeConn()
	}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Join(string(rune('a'+i)), conns[i])
		}(i)
	}
	wg.Wait()

	active := 0
	for _, c := range conns {
		if len(c.framesOfType(signaling.EventStart)) > 0 {
			active++
		}
	}
	assert.Equal(t, 4, active)
}
