// Package offerer implements the sender-side peer engine: one connection
// per active receiver, each with its own offer/answer session id, candidate
// buffer, and data channel, streaming the selected artifact with chunked
// framing and transport-level backpressure (spec section 4.3).
package offerer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/kiyo-e/pairlane/internal/cryptochunk"
	"github.com/kiyo-e/pairlane/internal/logging"
	"github.com/kiyo-e/pairlane/internal/metrics"
	"github.com/kiyo-e/pairlane/internal/signaling"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const (
	chunkSize      = 16 * 1024
	lowWatermark   = 4 * 1024 * 1024
	highWatermark  = 8 * 1024 * 1024
	dataChannelLbl = "file"
)

// SignalTransport decouples the engine from the Router's wire format: in
// production it is a thin adapter over the signalling websocket, in tests a
// channel-backed fake. This mirrors the separation the teacher draws
// between its Client and Roomer interfaces.
type SignalTransport interface {
	Send(frame []byte) error
}

// Selection is the artifact currently offered to every active receiver.
type Selection struct {
	Name      string
	Size      int64
	Mime      string
	Encrypted bool
	Sealer    *cryptochunk.Sealer // non-nil iff Encrypted
	Open      func() (io.ReadCloser, error)
}

// metaFrame is the textual control frame sent before any chunk (spec section 3/6).
type metaFrame struct {
	Type      string `json:"type"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	Mime      string `json:"mime"`
	Encrypted bool   `json:"encrypted"`
}

type doneFrame struct {
	Type string `json:"type"`
}

// Engine owns every peerSession for the current sender.
type Engine struct {
	mu         sync.Mutex
	peers      map[string]*peerSession
	transport  SignalTransport
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	selection  *Selection
}

// New builds an Engine bound to transport, using stunServers for ICE gathering.
func New(transport SignalTransport, stunServers []string) (*Engine, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("offerer: register codecs: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m))

	var servers []webrtc.ICEServer
	if len(stunServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: stunServers}}
	}

	return &Engine{
		peers:      make(map[string]*peerSession),
		transport:  transport,
		api:        api,
		iceServers: servers,
	}, nil
}

// SelectFile sets the artifact streamed to every peer whose data channel
// opens from now on, resetting the sending/sent flags across all existing
// peers (spec section 4.3). A peer whose channel is already open is not
// sent the new selection.
func (e *Engine) SelectFile(sel Selection) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.selection = &sel
	for _, ps := range e.peers {
		ps.mu.Lock()
		ps.sending = false
		ps.sent = false
		ps.mu.Unlock()
	}
}

// peerSession is the per-answerer connection state (spec section 3).
type peerSession struct {
	mu sync.Mutex

	engine *Engine
	peerID string

	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	signalSid     int
	activeSid     int
	remoteDescSet bool
	pending       []pendingCandidate
	offerInFlight bool

	sending bool
	sent    bool

	bufferedLow chan struct{}
}

type pendingCandidate struct {
	sid       int
	candidate webrtc.ICECandidateInit
}

// Start implements the "start{peerId}" lifecycle event (spec section 4.3):
// tear down any existing session for peerID, create a fresh peer context and
// outbound data channel, and issue the first offer.
func (e *Engine) Start(ctx context.Context, peerID string) error {
	e.mu.Lock()
	if existing, ok := e.peers[peerID]; ok {
		delete(e.peers, peerID)
		e.mu.Unlock()
		existing.teardown()
		e.mu.Lock()
	}

	pc, err := e.api.NewPeerConnection(webrtc.Configuration{ICEServers: e.iceServers})
	if err != nil {
		e.mu.Unlock()
		metrics.WebrtcConnectionAttempts.WithLabelValues("offerer", "error").Inc()
		return fmt.Errorf("offerer: new peer connection: %w", err)
	}

	ps := &peerSession{
		engine:      e,
		peerID:      peerID,
		pc:          pc,
		bufferedLow: make(chan struct{}, 1),
	}
	e.peers[peerID] = ps
	e.mu.Unlock()

	dc, err := pc.CreateDataChannel(dataChannelLbl, &webrtc.DataChannelInit{Ordered: boolPtr(true)})
	if err != nil {
		metrics.WebrtcConnectionAttempts.WithLabelValues("offerer", "error").Inc()
		return fmt.Errorf("offerer: create data channel: %w", err)
	}
	ps.dc = dc
	dc.SetBufferedAmountLowThreshold(lowWatermark)
	dc.OnBufferedAmountLow(func() {
		select {
		case ps.bufferedLow <- struct{}{}:
		default:
		}
	})
	dc.OnOpen(func() {
		e.mu.Lock()
		cur := e.selection
		e.mu.Unlock()
		if cur != nil {
			e.sendSelection(ps, cur)
		}
	})

	e.wireCallbacks(ps)
	metrics.WebrtcConnectionAttempts.WithLabelValues("offerer", "started").Inc()
	return e.issueOffer(ps)
}

func boolPtr(b bool) *bool { return &b }

// wireCallbacks attaches connection-lifecycle handlers that check ps is
// still the current session for peerID before acting — stale callbacks from
// a torn-down session (spec section 4.3's "stale-event discipline") are
// ignored, since a reconnect replaces the underlying *webrtc.PeerConnection
// without informing anything holding the old one.
func (e *Engine) wireCallbacks(ps *peerSession) {
	ps.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if !e.isCurrent(ps) || c == nil {
			return
		}
		ps.mu.Lock()
		sid := ps.activeSid
		ps.mu.Unlock()
		if sid == 0 {
			return
		}
		raw, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		e.sendCandidate(ps.peerID, sid, string(raw))
	})

	ps.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if !e.isCurrent(ps) {
			return
		}
		logging.Info(context.Background(), "offerer ice state", zap.String("peer_id", ps.peerID), zap.String("state", state.String()))
	})
}

func (e *Engine) isCurrent(ps *peerSession) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peers[ps.peerID] == ps
}

// issueOffer allocates a fresh sid and emits an offer with ICE restart
// enabled (spec section 4.3).
func (e *Engine) issueOffer(ps *peerSession) error {
	ps.mu.Lock()
	if ps.offerInFlight {
		ps.mu.Unlock()
		return nil
	}
	if ps.pc.SignalingState() != webrtc.SignalingStateStable {
		ps.mu.Unlock()
		return nil
	}
	ps.offerInFlight = true
	ps.signalSid++
	sid := ps.signalSid
	ps.activeSid = sid
	ps.remoteDescSet = false
	ps.mu.Unlock()

	offer, err := ps.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		ps.mu.Lock()
		ps.offerInFlight = false
		ps.mu.Unlock()
		return fmt.Errorf("offerer: create offer: %w", err)
	}
	if err := ps.pc.SetLocalDescription(offer); err != nil {
		ps.mu.Lock()
		ps.offerInFlight = false
		ps.mu.Unlock()
		return fmt.Errorf("offerer: set local description: %w", err)
	}

	ps.mu.Lock()
	ps.offerInFlight = false
	ps.mu.Unlock()

	out, err := signaling.Encode(signaling.EventOffer, signaling.SDPFrame{To: ps.peerID, Sid: sid, SDP: offer.SDP})
	if err != nil {
		return err
	}
	return e.transport.Send(out)
}

func (e *Engine) sendCandidate(peerID string, sid int, candidate string) {
	out, err := signaling.Encode(signaling.EventCandidate, signaling.CandidateFrame{To: peerID, Sid: sid, Candidate: candidate})
	if err != nil {
		return
	}
	_ = e.transport.Send(out)
}

// HandleFrame dispatches one relayed server->client frame to the
// appropriate peer session (spec section 4.3).
func (e *Engine) HandleFrame(raw []byte) {
	typ, err := signaling.TypeOf(raw)
	if err != nil {
		return
	}
	switch typ {
	case signaling.EventAnswer:
		e.handleAnswer(raw)
	case signaling.EventCandidate:
		e.handleCandidate(raw)
	case signaling.EventPeerLeft:
		e.handlePeerLeft(raw)
	}
}

func (e *Engine) handleAnswer(raw []byte) {
	var f signaling.SDPFrame
	if err := signaling.Decode(raw, &f); err != nil {
		return
	}
	e.mu.Lock()
	ps, ok := e.peers[f.From]
	e.mu.Unlock()
	if !ok {
		return
	}

	ps.mu.Lock()
	if f.Sid != ps.activeSid {
		ps.mu.Unlock()
		return
	}
	ps.mu.Unlock()

	if err := ps.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: f.SDP}); err != nil {
		logging.Warn(context.Background(), "failed to set remote description", zap.String("peer_id", f.From), zap.Error(err))
		return
	}

	ps.mu.Lock()
	ps.remoteDescSet = true
	ps.mu.Unlock()
	e.drainCandidates(ps)
}

func (e *Engine) handleCandidate(raw []byte) {
	var f signaling.CandidateFrame
	if err := signaling.Decode(raw, &f); err != nil {
		return
	}
	e.mu.Lock()
	ps, ok := e.peers[f.From]
	e.mu.Unlock()
	if !ok {
		return
	}

	ps.mu.Lock()
	if f.Sid != ps.activeSid {
		ps.mu.Unlock()
		return
	}
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(f.Candidate), &init); err != nil {
		ps.mu.Unlock()
		return
	}
	if !ps.remoteDescSet {
		ps.pending = append(ps.pending, pendingCandidate{sid: f.Sid, candidate: init})
		ps.mu.Unlock()
		return
	}
	ps.mu.Unlock()

	if err := ps.pc.AddICECandidate(init); err != nil {
		logging.Warn(context.Background(), "failed to add ice candidate", zap.String("peer_id", f.From), zap.Error(err))
	}
}

func (e *Engine) drainCandidates(ps *peerSession) {
	ps.mu.Lock()
	activeSid := ps.activeSid
	pending := ps.pending
	ps.pending = nil
	ps.mu.Unlock()

	for _, pc := range pending {
		if pc.sid != activeSid {
			continue
		}
		if err := ps.pc.AddICECandidate(pc.candidate); err != nil {
			logging.Warn(context.Background(), "failed to add buffered ice candidate", zap.String("peer_id", ps.peerID), zap.Error(err))
		}
	}
}

func (e *Engine) handlePeerLeft(raw []byte) {
	var f signaling.PeerLeftFrame
	if err := signaling.Decode(raw, &f); err != nil {
		return
	}
	e.mu.Lock()
	ps, ok := e.peers[f.PeerID]
	if ok {
		delete(e.peers, f.PeerID)
	}
	e.mu.Unlock()
	if ok {
		ps.teardown()
	}
}

func (ps *peerSession) teardown() {
	if ps.dc != nil {
		_ = ps.dc.Close()
	}
	if ps.pc != nil {
		_ = ps.pc.Close()
	}
}

// sendSelection streams sel to ps over its data channel: meta, then 16 KiB
// chunks (optionally sealed with per-chunk AES-GCM), then done, then
// transfer-done on the signalling socket (spec section 4.3).
func (e *Engine) sendSelection(ps *peerSession, sel *Selection) {
	ps.mu.Lock()
	if ps.sending || ps.sent {
		ps.mu.Unlock()
		return
	}
	ps.sending = true
	ps.mu.Unlock()

	go func() {
		defer func() {
			ps.mu.Lock()
			ps.sending = false
			ps.sent = true
			ps.mu.Unlock()
		}()

		meta, err := json.Marshal(metaFrame{Type: "meta", Name: sel.Name, Size: sel.Size, Mime: sel.Mime, Encrypted: sel.Encrypted})
		if err != nil {
			return
		}
		if err := ps.dc.SendText(string(meta)); err != nil {
			return
		}

		reader, err := sel.Open()
		if err != nil {
			logging.Warn(context.Background(), "failed to open selection", zap.Error(err))
			return
		}
		defer reader.Close()

		buf := make([]byte, chunkSize)
		for {
			n, readErr := reader.Read(buf)
			if n > 0 {
				chunk := buf[:n]
				if sel.Encrypted {
					sealed, err := sel.Sealer.Seal(chunk)
					if err != nil {
						logging.Warn(context.Background(), "failed to seal chunk", zap.Error(err))
						return
					}
					chunk = sealed
				}
				e.awaitBackpressure(ps)
				if err := ps.dc.Send(chunk); err != nil {
					return
				}
			}
			if readErr == io.EOF {
				break
			}
			if readErr != nil {
				logging.Warn(context.Background(), "failed to read selection", zap.Error(readErr))
				return
			}
		}

		done, _ := json.Marshal(doneFrame{Type: "done"})
		_ = ps.dc.SendText(string(done))

		out, err := signaling.Encode(signaling.EventTransferDone, signaling.TransferDoneFrame{PeerID: ps.peerID})
		if err == nil {
			_ = e.transport.Send(out)
		}
	}()
}

// awaitBackpressure blocks until the data channel's buffered amount drops
// below the high watermark (spec section 4.3).
func (e *Engine) awaitBackpressure(ps *peerSession) {
	for ps.dc.BufferedAmount() > highWatermark {
		<-ps.bufferedLow
	}
}
