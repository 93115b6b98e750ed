// Package signaling defines the JSON wire protocol shared by the Router, the
// Room, and the peer engines: the frame envelope, event type constants, and
// the typed payloads relayed between an offerer and its answerers.
package signaling

import "encoding/json"

// Role distinguishes the single sender of a room from its receivers.
type Role string

const (
	RoleOfferer  Role = "offerer"
	RoleAnswerer Role = "answerer"
)

// State is the answerer-only position in the room's scheduling queue.
type State string

const (
	StateWaiting State = "waiting"
	StateActive  State = "active"
	StateDone    State = "done"
)

// Event names used in the `type` field of every frame.
const (
	EventRole        = "role"
	EventPeers       = "peers"
	EventWait        = "wait"
	EventStart       = "start"
	EventPeerLeft    = "peer-left"
	EventOffer       = "offer"
	EventAnswer      = "answer"
	EventCandidate   = "candidate"
	EventTransferDone = "transfer-done"
)

// RoleFrame is sent once per socket on admission: `{type:"role", role, cid}`.
type RoleFrame struct {
	Role Role   `json:"role"`
	Cid  string `json:"cid"`
}

// PeersFrame is broadcast whenever room membership changes: `{type:"peers", count}`.
type PeersFrame struct {
	Count int `json:"count"`
}

// WaitFrame tells a receiver it has been queued: `{type:"wait", position?}`.
type WaitFrame struct {
	Position *int `json:"position,omitempty"`
}

// StartFrame promotes a receiver to active, or tells the sender which peer
// was promoted: `{type:"start", peerId?}`.
type StartFrame struct {
	PeerID string `json:"peerId,omitempty"`
}

// PeerLeftFrame notifies the sender that a receiver departed: `{type:"peer-left", peerId}`.
type PeerLeftFrame struct {
	PeerID string `json:"peerId"`
}

// SDPFrame carries an offer or answer. `To` is stripped and `From` injected
// by the Room on relay (spec section 4.2.3); `Sid` fences stale frames.
type SDPFrame struct {
	To   string `json:"to,omitempty"`
	From string `json:"from,omitempty"`
	Sid  int    `json:"sid"`
	SDP  string `json:"sdp"`
}

// CandidateFrame carries one ICE candidate, symmetric to SDPFrame.
type CandidateFrame struct {
	To        string `json:"to,omitempty"`
	From      string `json:"from,omitempty"`
	Sid       int    `json:"sid"`
	Candidate string `json:"candidate"`
}

// TransferDoneFrame is sent by the sender when it finishes streaming to one peer.
type TransferDoneFrame struct {
	PeerID string `json:"peerId"`
}

// Encode marshals typ plus a typed payload struct into one flat JSON object,
// e.g. Encode("role", RoleFrame{...}) -> {"type":"role","role":"offerer","cid":"..."}.
func Encode(typ string, payload any) ([]byte, error) {
	fields, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(fields, &m); err != nil {
		return nil, err
	}
	typJSON, err := json.Marshal(typ)
	if err != nil {
		return nil, err
	}
	m["type"] = typJSON

	out, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// TypeOf extracts just the `type` discriminator from a raw frame.
func TypeOf(raw []byte) (string, error) {
	var t struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &t); err != nil {
		return "", err
	}
	return t.Type, nil
}

// Decode unmarshals raw into dst (a typed payload struct), ignoring the
// `type` field which the caller has already dispatched on.
func Decode(raw []byte, dst any) error {
	return json.Unmarshal(raw, dst)
}
