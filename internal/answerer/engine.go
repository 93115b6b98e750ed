// Package answerer implements the receiver-side peer engine: a single
// connection to the room's one offerer, reassembling the incoming chunked
// transfer and exposing it as a completed-file event (spec section 4.4).
package answerer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kiyo-e/pairlane/internal/cryptochunk"
	"github.com/kiyo-e/pairlane/internal/logging"
	"github.com/kiyo-e/pairlane/internal/metrics"
	"github.com/kiyo-e/pairlane/internal/signaling"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// SignalTransport is the same seam offerer.SignalTransport provides, kept as
// a distinct type so the two engines stay independently testable.
type SignalTransport interface {
	Send(frame []byte) error
}

// TransferResult is delivered on OnComplete when the "done" frame arrives for
// a transfer in which, if encrypted, every chunk passed its AEAD tag check.
// The reassembled length is not compared against the meta size.
type TransferResult struct {
	Name string
	Mime string
	Data []byte
}

type incomingMeta struct {
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	Mime      string `json:"mime"`
	Encrypted bool   `json:"encrypted"`
}

// Engine is the single peer session a receiver holds against its room's
// offerer. Unlike the offerer side there is only ever one remote peer, so
// there is no peer map — the fields below play the same role peerSession's
// do in internal/offerer.
type Engine struct {
	mu sync.Mutex

	transport  SignalTransport
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	opener     *cryptochunk.Opener // nil unless a key was provided

	pc *webrtc.PeerConnection

	activeSid     int
	remoteDescSet bool
	pending       []pendingCandidate

	meta   *incomingMeta
	buf    []byte
	failed bool

	onComplete func(TransferResult)
	onProgress func(received, total int64)
	onFailed   func(reason string)
}

type pendingCandidate struct {
	sid       int
	candidate webrtc.ICECandidateInit
}

// New builds an Engine bound to transport. opener may be nil when no
// transfer on this room uses encryption (spec section 4.4's "missing key"
// case then fails closed the first time an encrypted chunk arrives).
func New(transport SignalTransport, stunServers []string, opener *cryptochunk.Opener) (*Engine, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("answerer: register codecs: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m))

	var servers []webrtc.ICEServer
	if len(stunServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: stunServers}}
	}

	return &Engine{
		transport:  transport,
		api:        api,
		iceServers: servers,
		opener:     opener,
	}, nil
}

// OnComplete registers the callback invoked once a transfer is fully
// reassembled and verified.
func (e *Engine) OnComplete(fn func(TransferResult)) {
	e.mu.Lock()
	e.onComplete = fn
	e.mu.Unlock()
}

// OnProgress registers an optional callback invoked after every chunk.
func (e *Engine) OnProgress(fn func(received, total int64)) {
	e.mu.Lock()
	e.onProgress = fn
	e.mu.Unlock()
}

// OnFailed registers the callback invoked once per transfer when it cannot be
// completed: an encrypted transfer arriving with no key configured ("missing
// decryption key") or a chunk that fails to decrypt ("decryption failed").
func (e *Engine) OnFailed(fn func(reason string)) {
	e.mu.Lock()
	e.onFailed = fn
	e.mu.Unlock()
}

// Start builds the peer connection lazily; the first offer from the sender
// drives data-channel creation via OnDataChannel (spec section 4.4 — the
// answerer never creates the channel itself).
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pc != nil {
		return nil
	}

	pc, err := e.api.NewPeerConnection(webrtc.Configuration{ICEServers: e.iceServers})
	if err != nil {
		metrics.WebrtcConnectionAttempts.WithLabelValues("answerer", "error").Inc()
		return fmt.Errorf("answerer: new peer connection: %w", err)
	}
	e.pc = pc

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			e.handleDataChannelMessage(msg)
		})
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		e.mu.Lock()
		sid := e.activeSid
		e.mu.Unlock()
		if sid == 0 {
			return
		}
		raw, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		e.sendCandidate(sid, string(raw))
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		logging.Info(ctx, "answerer ice state", zap.String("state", state.String()))
	})

	metrics.WebrtcConnectionAttempts.WithLabelValues("answerer", "started").Inc()
	return nil
}

// HandleFrame dispatches one relayed server->client frame (spec section 4.4).
func (e *Engine) HandleFrame(raw []byte) {
	typ, err := signaling.TypeOf(raw)
	if err != nil {
		return
	}
	switch typ {
	case signaling.EventOffer:
		e.handleOffer(raw)
	case signaling.EventCandidate:
		e.handleCandidate(raw)
	}
}

// handleOffer accepts a fresh offer (including ICE-restart re-offers sharing
// the same peer connection) and answers it, fencing by sid (spec section 4.4).
func (e *Engine) handleOffer(raw []byte) {
	var f signaling.SDPFrame
	if err := signaling.Decode(raw, &f); err != nil {
		return
	}

	e.mu.Lock()
	if e.pc == nil {
		e.mu.Unlock()
		return
	}
	if f.Sid <= e.activeSid {
		e.mu.Unlock()
		return
	}
	e.activeSid = f.Sid
	e.remoteDescSet = false
	pc := e.pc
	e.mu.Unlock()

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: f.SDP}); err != nil {
		logging.Warn(context.Background(), "failed to set remote description", zap.Error(err))
		return
	}

	e.mu.Lock()
	e.remoteDescSet = true
	e.mu.Unlock()
	e.drainCandidates()

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		logging.Warn(context.Background(), "failed to create answer", zap.Error(err))
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		logging.Warn(context.Background(), "failed to set local description", zap.Error(err))
		return
	}

	out, err := signaling.Encode(signaling.EventAnswer, signaling.SDPFrame{Sid: f.Sid, SDP: answer.SDP})
	if err != nil {
		return
	}
	_ = e.transport.Send(out)
}

func (e *Engine) handleCandidate(raw []byte) {
	var f signaling.CandidateFrame
	if err := signaling.Decode(raw, &f); err != nil {
		return
	}

	e.mu.Lock()
	if e.pc == nil || f.Sid != e.activeSid {
		e.mu.Unlock()
		return
	}
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(f.Candidate), &init); err != nil {
		e.mu.Unlock()
		return
	}
	if !e.remoteDescSet {
		e.pending = append(e.pending, pendingCandidate{sid: f.Sid, candidate: init})
		e.mu.Unlock()
		return
	}
	pc := e.pc
	e.mu.Unlock()

	if err := pc.AddICECandidate(init); err != nil {
		logging.Warn(context.Background(), "failed to add ice candidate", zap.Error(err))
	}
}

func (e *Engine) drainCandidates() {
	e.mu.Lock()
	pc := e.pc
	activeSid := e.activeSid
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, pc2 := range pending {
		if pc2.sid != activeSid {
			continue
		}
		if err := pc.AddICECandidate(pc2.candidate); err != nil {
			logging.Warn(context.Background(), "failed to add buffered ice candidate", zap.Error(err))
		}
	}
}

func (e *Engine) sendCandidate(sid int, candidate string) {
	out, err := signaling.Encode(signaling.EventCandidate, signaling.CandidateFrame{Sid: sid, Candidate: candidate})
	if err != nil {
		return
	}
	_ = e.transport.Send(out)
}

// handleDataChannelMessage implements the reassembly state machine from
// spec section 4.4: a leading text "meta" frame, binary chunks, a trailing
// text "done" frame.
func (e *Engine) handleDataChannelMessage(msg webrtc.DataChannelMessage) {
	if msg.IsString {
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(msg.Data, &head); err != nil {
			return
		}
		switch head.Type {
		case "meta":
			var m incomingMeta
			if err := json.Unmarshal(msg.Data, &m); err != nil {
				return
			}
			e.mu.Lock()
			e.meta = &m
			e.buf = make([]byte, 0, m.Size)
			e.failed = false
			e.mu.Unlock()
		case "done":
			e.completeTransfer()
		}
		return
	}

	e.mu.Lock()
	if e.meta == nil || e.failed {
		e.mu.Unlock()
		return
	}
	encrypted := e.meta.Encrypted
	opener := e.opener
	e.mu.Unlock()

	chunk := msg.Data
	if encrypted {
		if opener == nil {
			e.mu.Lock()
			alreadyFailed := e.failed
			e.failed = true
			failCb := e.onFailed
			e.mu.Unlock()
			logging.Warn(context.Background(), "encrypted chunk received with no key configured")
			if !alreadyFailed && failCb != nil {
				failCb("missing decryption key")
			}
			return
		}
		plain, err := opener.Open(chunk)
		if err != nil {
			e.mu.Lock()
			alreadyFailed := e.failed
			e.failed = true
			failCb := e.onFailed
			e.mu.Unlock()
			logging.Warn(context.Background(), "failed to open chunk", zap.Error(err))
			if !alreadyFailed && failCb != nil {
				failCb("decryption failed")
			}
			return
		}
		chunk = plain
	}

	e.mu.Lock()
	e.buf = append(e.buf, chunk...)
	received := int64(len(e.buf))
	total := e.meta.Size
	progress := e.onProgress
	e.mu.Unlock()

	if progress != nil {
		progress(received, total)
	}
}

func (e *Engine) completeTransfer() {
	e.mu.Lock()
	meta := e.meta
	data := e.buf
	failed := e.failed
	e.meta = nil
	e.buf = nil
	e.failed = false
	complete := e.onComplete
	e.mu.Unlock()

	if meta == nil || failed {
		return
	}
	if complete != nil {
		complete(TransferResult{Name: meta.Name, Mime: meta.Mime, Data: data})
	}
}

// Close tears down the peer connection.
func (e *Engine) Close() error {
	e.mu.Lock()
	pc := e.pc
	e.pc = nil
	e.mu.Unlock()
	if pc == nil {
		return nil
	}
	return pc.Close()
}
