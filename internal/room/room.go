// Package room implements the per-room signalling and queueing state
// machine: role assignment, the waiting queue of receivers, the active pair
// set, and authorized relay of offer/answer/candidate frames between one
// offerer and its answerers.
package room

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/kiyo-e/pairlane/internal/bus"
	"github.com/kiyo-e/pairlane/internal/logging"
	"github.com/kiyo-e/pairlane/internal/metrics"
	"github.com/kiyo-e/pairlane/internal/signaling"
	"go.uber.org/zap"
	"k8s.io/utils/set"
)

// Conn is the narrow send/close surface the Room needs from a signalling
// socket. The production implementation wraps a *websocket.Conn; tests use a
// slice-backed fake, mirroring the Roomer/Client seam the teacher draws
// between its session package and its websocket plumbing.
type Conn interface {
	Send(frame []byte) error
	Close(code int, reason string) error
}

// Config is a room's persisted configuration (spec section 3), immutable
// once set.
type Config struct {
	MaxConcurrent int
	CreatorCid    string
}

// peer is one socket's attachment (spec section 3, SocketAttachment).
type peer struct {
	cid      string
	conn     Conn
	role     signaling.Role
	state    signaling.State // answerer only
	joinedAt time.Time
}

// Room is a singleton per room id. All mutating operations funnel through
// r.mu, matching the mutex-funneled locking discipline the teacher uses
// throughout its room-shaped files: one lock per room, no lock-free paths.
type Room struct {
	mu sync.Mutex

	id  string
	cfg Config

	peers      map[string]*peer
	offererCid string

	waitingOrder *list.List // of cid string, FIFO by joinedAt/cid
	waitingElems map[string]*list.Element
	activePairs  map[string]string // answerer cid -> offerer cid
	activeSet    set.Set[string]

	busSvc        *bus.Service
	busInstanceID string
}

// New creates a Room singleton for id with the given configuration.
func New(id string, cfg Config) *Room {
	return &Room{
		id:           id,
		cfg:          cfg,
		peers:        make(map[string]*peer),
		waitingOrder: list.New(),
		waitingElems: make(map[string]*list.Element),
		activePairs:  make(map[string]string),
		activeSet:    set.New[string](),
	}
}

// ID returns the room id.
func (r *Room) ID() string { return r.id }

// Config returns the room's configuration.
func (r *Room) Config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// SocketCount reports how many sockets are currently attached, used by the
// router's grace-period cleanup timer.
func (r *Room) SocketCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// AttachBus wires an optional cross-instance bus: every local `peers` count
// broadcast is published so other Router replicas serving the same room id
// can surface room activity (e.g. on a status page), and incoming frames
// from other instances are counted via metrics. This never feeds back into
// this room's authoritative scheduling state — activePairs and the waiting
// queue remain owned entirely by whichever process holds this Room object.
func (r *Room) AttachBus(ctx context.Context, svc *bus.Service, instanceID string, wg *sync.WaitGroup) {
	r.busSvc = svc
	r.busInstanceID = instanceID
	svc.Subscribe(ctx, r.id, wg, func(f bus.Frame) {
		if f.SenderID == instanceID {
			return
		}
		metrics.BusOperationsTotal.WithLabelValues("receive", "ok").Inc()
		logging.Info(ctx, "received cross-instance room frame", zap.String("room_id", r.id), zap.String("event", f.Event))
	})
}

// Join admits a socket into the room per spec section 4.2.1, returning the
// role it was assigned. If cid names an already-connected socket, the prior
// connection is evicted with a graceful close and this socket takes over its
// state exactly as it was (role, queue position, active pairing) rather than
// being treated as a fresh departure/arrival — this is what lets a reloaded
// sender preserve activePairs for still-connected receivers per the
// round-trip law in spec section 8.
func (r *Room) Join(cid string, conn Conn) (signaling.Role, error) {
	r.mu.Lock()

	if existing, ok := r.peers[cid]; ok {
		oldConn := existing.conn
		existing.conn = conn
		r.sendRole(existing)
		if existing.role == signaling.RoleAnswerer && existing.state == signaling.StateWaiting {
			r.sendWait(existing)
		}
		role := existing.role
		r.mu.Unlock()
		_ = oldConn.Close(1000, "replaced")
		return role, nil
	}

	var role signaling.Role
	if r.cfg.CreatorCid != "" {
		if cid == r.cfg.CreatorCid {
			role = signaling.RoleOfferer
		} else {
			role = signaling.RoleAnswerer
		}
	} else if r.offererCid == "" {
		role = signaling.RoleOfferer
	} else {
		role = signaling.RoleAnswerer
	}

	p := &peer{cid: cid, conn: conn, role: role, joinedAt: time.Now()}
	r.peers[cid] = p

	if role == signaling.RoleOfferer {
		r.offererCid = cid
	} else {
		p.state = signaling.StateWaiting
		r.insertWaiting(p)
	}

	r.sendRole(p)
	if role == signaling.RoleAnswerer {
		r.sendWait(p)
	}

	r.broadcastPeers()
	r.fillSlots()

	r.mu.Unlock()
	return role, nil
}

// Leave removes a socket from the room, per spec section 4.2.4. conn must be
// the same connection object the caller observed close; if the room has
// already rebound that cid to a newer connection (a replacement happened
// between the old socket erroring and this call), the departure is ignored
// apart from a peers rebroadcast.
func (r *Room) Leave(cid string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[cid]
	if !ok {
		return
	}
	if p.conn != conn {
		r.broadcastPeers()
		return
	}

	delete(r.peers, cid)

	switch p.role {
	case signaling.RoleOfferer:
		r.offererCid = ""
		r.activePairs = make(map[string]string)
		for _, other := range r.peers {
			if other.role == signaling.RoleAnswerer && other.state == signaling.StateActive {
				other.state = signaling.StateWaiting
				r.activeSet.Delete(other.cid)
				r.insertWaiting(other)
				r.sendWait(other)
			}
		}
	case signaling.RoleAnswerer:
		switch p.state {
		case signaling.StateActive:
			delete(r.activePairs, cid)
			r.activeSet.Delete(cid)
		case signaling.StateWaiting:
			r.removeWaiting(cid)
		}
		if offerer, ok := r.peers[r.offererCid]; ok {
			r.sendPeerLeft(offerer, cid)
		}
	}

	r.fillSlots()
	r.broadcastPeers()
}

// HandleMessage dispatches one client->server frame per spec sections 4.2.3
// and 4.2.4. Unknown, malformed, or unauthorized frames are silently
// dropped (spec section 7) — the Room never surfaces protocol errors to the
// originator.
func (r *Room) HandleMessage(cid string, raw []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[cid]
	if !ok {
		return
	}

	typ, err := signaling.TypeOf(raw)
	if err != nil {
		metrics.SignallingEvents.WithLabelValues("malformed", "dropped").Inc()
		return
	}

	switch typ {
	case signaling.EventOffer:
		r.relaySDP(p, raw, signaling.EventOffer)
	case signaling.EventAnswer:
		r.relaySDP(p, raw, signaling.EventAnswer)
	case signaling.EventCandidate:
		r.relayCandidate(p, raw)
	case signaling.EventTransferDone:
		r.handleTransferDone(p, raw)
	default:
		metrics.SignallingEvents.WithLabelValues(typ, "dropped").Inc()
	}
}

// relaySDP handles offer/answer relay per spec section 4.2.3's pairing
// authorization rules.
func (r *Room) relaySDP(origin *peer, raw []byte, event string) {
	var f signaling.SDPFrame
	if err := signaling.Decode(raw, &f); err != nil {
		metrics.SignallingEvents.WithLabelValues(event, "dropped").Inc()
		return
	}

	var target *peer
	switch event {
	case signaling.EventOffer:
		if origin.role != signaling.RoleOfferer || r.activePairs[f.To] != origin.cid {
			metrics.SignallingEvents.WithLabelValues(event, "unauthorized").Inc()
			return
		}
		target = r.peers[f.To]
	case signaling.EventAnswer:
		if origin.role != signaling.RoleAnswerer || r.activePairs[origin.cid] != f.To {
			metrics.SignallingEvents.WithLabelValues(event, "unauthorized").Inc()
			return
		}
		target = r.peers[f.To]
	}
	if target == nil {
		metrics.SignallingEvents.WithLabelValues(event, "no_target").Inc()
		return
	}

	out, err := signaling.Encode(event, signaling.SDPFrame{From: origin.cid, Sid: f.Sid, SDP: f.SDP})
	if err != nil {
		return
	}
	r.send(target, out)
	metrics.SignallingEvents.WithLabelValues(event, "relayed").Inc()
}

// relayCandidate handles candidate relay, symmetric to relaySDP but for
// ICE candidates.
func (r *Room) relayCandidate(origin *peer, raw []byte) {
	var f signaling.CandidateFrame
	if err := signaling.Decode(raw, &f); err != nil {
		metrics.SignallingEvents.WithLabelValues(signaling.EventCandidate, "dropped").Inc()
		return
	}

	var target *peer
	if origin.role == signaling.RoleOfferer {
		if r.activePairs[f.To] != origin.cid {
			metrics.SignallingEvents.WithLabelValues(signaling.EventCandidate, "unauthorized").Inc()
			return
		}
		target = r.peers[f.To]
	} else {
		if r.activePairs[origin.cid] != f.To {
			metrics.SignallingEvents.WithLabelValues(signaling.EventCandidate, "unauthorized").Inc()
			return
		}
		target = r.peers[f.To]
	}
	if target == nil {
		metrics.SignallingEvents.WithLabelValues(signaling.EventCandidate, "no_target").Inc()
		return
	}

	out, err := signaling.Encode(signaling.EventCandidate, signaling.CandidateFrame{From: origin.cid, Sid: f.Sid, Candidate: f.Candidate})
	if err != nil {
		return
	}
	r.send(target, out)
	metrics.SignallingEvents.WithLabelValues(signaling.EventCandidate, "relayed").Inc()
}

// handleTransferDone accepts transfer-done only from the sender (spec
// section 4.2.3) and is idempotent for an already-done receiver (spec
// section 8's round-trip law).
func (r *Room) handleTransferDone(origin *peer, raw []byte) {
	if origin.role != signaling.RoleOfferer {
		metrics.SignallingEvents.WithLabelValues(signaling.EventTransferDone, "unauthorized").Inc()
		return
	}
	var f signaling.TransferDoneFrame
	if err := signaling.Decode(raw, &f); err != nil {
		metrics.SignallingEvents.WithLabelValues(signaling.EventTransferDone, "dropped").Inc()
		return
	}

	target, ok := r.peers[f.PeerID]
	if !ok || target.role != signaling.RoleAnswerer || target.state == signaling.StateDone {
		metrics.SignallingEvents.WithLabelValues(signaling.EventTransferDone, "noop").Inc()
		return
	}

	target.state = signaling.StateDone
	r.activeSet.Delete(target.cid)
	delete(r.activePairs, target.cid)
	metrics.SignallingEvents.WithLabelValues(signaling.EventTransferDone, "ok").Inc()
	r.fillSlots()
}

// fillSlots promotes waiting receivers up to the concurrency ceiling, in
// FIFO order, per spec section 4.2.2.
func (r *Room) fillSlots() {
	if r.offererCid == "" {
		return
	}
	offerer, ok := r.peers[r.offererCid]
	if !ok {
		return
	}

	available := r.cfg.MaxConcurrent - r.activeSet.Len()
	for available > 0 && r.waitingOrder.Len() > 0 {
		front := r.waitingOrder.Front()
		cid := front.Value.(string)
		r.waitingOrder.Remove(front)
		delete(r.waitingElems, cid)

		p := r.peers[cid]
		p.state = signaling.StateActive
		r.activePairs[cid] = r.offererCid
		r.activeSet.Insert(cid)

		r.sendStart(p, "")
		r.sendStart(offerer, cid)

		available--
	}
}

// insertWaiting inserts p into the waiting FIFO in ascending (joinedAt, cid)
// order, matching the deterministic tie-break spec section 4.2.2 and 9
// require for testable FIFO promotion.
func (r *Room) insertWaiting(p *peer) {
	for e := r.waitingOrder.Front(); e != nil; e = e.Next() {
		cid := e.Value.(string)
		other := r.peers[cid]
		if p.joinedAt.Before(other.joinedAt) || (p.joinedAt.Equal(other.joinedAt) && p.cid < other.cid) {
			r.waitingElems[p.cid] = r.waitingOrder.InsertBefore(p.cid, e)
			return
		}
	}
	r.waitingElems[p.cid] = r.waitingOrder.PushBack(p.cid)
}

func (r *Room) removeWaiting(cid string) {
	if e, ok := r.waitingElems[cid]; ok {
		r.waitingOrder.Remove(e)
		delete(r.waitingElems, cid)
	}
}

func (r *Room) positionOf(cid string) int {
	i := 1
	for e := r.waitingOrder.Front(); e != nil; e = e.Next() {
		if e.Value.(string) == cid {
			return i
		}
		i++
	}
	return 0
}

func (r *Room) send(p *peer, frame []byte) {
	if err := p.conn.Send(frame); err != nil {
		logging.Warn(context.Background(), "failed to send frame", zap.String("room_id", r.id), zap.String("cid", p.cid), zap.Error(err))
	}
}

func (r *Room) sendRole(p *peer) {
	out, err := signaling.Encode(signaling.EventRole, signaling.RoleFrame{Role: p.role, Cid: p.cid})
	if err != nil {
		return
	}
	r.send(p, out)
}

func (r *Room) sendWait(p *peer) {
	pos := r.positionOf(p.cid)
	out, err := signaling.Encode(signaling.EventWait, signaling.WaitFrame{Position: &pos})
	if err != nil {
		return
	}
	r.send(p, out)
}

func (r *Room) sendStart(p *peer, peerID string) {
	out, err := signaling.Encode(signaling.EventStart, signaling.StartFrame{PeerID: peerID})
	if err != nil {
		return
	}
	r.send(p, out)
}

func (r *Room) sendPeerLeft(p *peer, peerID string) {
	out, err := signaling.Encode(signaling.EventPeerLeft, signaling.PeerLeftFrame{PeerID: peerID})
	if err != nil {
		return
	}
	r.send(p, out)
}

func (r *Room) broadcastPeers() {
	count := len(r.peers)
	out, err := signaling.Encode(signaling.EventPeers, signaling.PeersFrame{Count: count})
	if err != nil {
		return
	}
	for _, p := range r.peers {
		r.send(p, out)
	}
	if r.busSvc != nil {
		_ = r.busSvc.Publish(context.Background(), r.id, signaling.EventPeers, signaling.PeersFrame{Count: count}, r.busInstanceID)
	}
}
