// Package router implements the Rendezvous Router: it mints room ids and
// seeds their configuration, then routes WebSocket upgrades to the correct
// Room singleton. This is the renamed, unauthenticated descendant of the
// teacher's Hub — there is no account system in this protocol, so every
// request is admitted by cid alone (spec section 4.1).
package router

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/kiyo-e/pairlane/internal/bus"
	"github.com/kiyo-e/pairlane/internal/config"
	"github.com/kiyo-e/pairlane/internal/logging"
	"github.com/kiyo-e/pairlane/internal/metrics"
	"github.com/kiyo-e/pairlane/internal/ratelimit"
	"github.com/kiyo-e/pairlane/internal/room"
	"github.com/kiyo-e/pairlane/internal/roomid"
	"github.com/kiyo-e/pairlane/internal/tracing"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Router is the rendezvous registry: a map of room id to live Room actor,
// guarded by a mutex, with a grace-period timer deleting a room's registry
// entry once it has had zero sockets for a while. This absorbs reload/flaky
// reconnect races without changing the Room's own observable behavior — a
// room with a pending cleanup timer still reports SocketCount() == 0, and a
// fresh join simply cancels the timer, matching the teacher's
// getOrCreateRoom/removeRoom pair.
type Router struct {
	mu                  sync.Mutex
	rooms               map[string]*room.Room
	configs             map[string]room.Config
	pendingCleanups     map[string]*time.Timer
	cleanupGracePeriod  time.Duration
	defaultMaxConcurrent int

	rateLimiter *ratelimit.RateLimiter
	bus         *bus.Service
	instanceID  string
}

// New creates a Router from validated configuration.
func New(cfg *config.Config, rl *ratelimit.RateLimiter, busSvc *bus.Service) *Router {
	return &Router{
		rooms:                make(map[string]*room.Room),
		configs:              make(map[string]room.Config),
		pendingCleanups:      make(map[string]*time.Timer),
		cleanupGracePeriod:   time.Duration(cfg.RoomCleanupGracePeriodSeconds) * time.Second,
		defaultMaxConcurrent: cfg.DefaultMaxConcurrent,
		rateLimiter:          rl,
		bus:                  busSvc,
		instanceID:           uuid.New().String(),
	}
}

// RegisterRoutes wires the three URL-surface endpoints from spec section 6
// onto a gin engine.
func (rt *Router) RegisterRoutes(e *gin.Engine) {
	e.POST("/api/rooms", rt.rateLimiter.RoomsMiddleware(), rt.handleCreateRoom)
	e.GET("/r/:roomId", rt.handleRoomConfig)
	e.GET("/ws/:roomId", rt.handleWebSocket)
}

type createRoomRequest struct {
	MaxConcurrent *int   `json:"maxConcurrent"`
	CreatorCid    string `json:"creatorCid"`
}

type createRoomResponse struct {
	RoomID string `json:"roomId"`
}

// handleCreateRoom implements POST /api/rooms (spec section 4.1/6).
func (rt *Router) handleCreateRoom(c *gin.Context) {
	var req createRoomRequest
	_ = c.ShouldBindJSON(&req) // malformed body: defaults applied (spec section 7)

	maxConcurrent := rt.defaultMaxConcurrent
	if req.MaxConcurrent != nil {
		maxConcurrent = clamp(*req.MaxConcurrent, 1, 10)
	}

	id, err := roomid.NewUnique(func(candidate string) bool {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		_, exists := rt.configs[candidate]
		return exists
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mint room id"})
		return
	}

	cfg := room.Config{MaxConcurrent: maxConcurrent, CreatorCid: req.CreatorCid}

	rt.mu.Lock()
	rt.configs[id] = cfg
	rt.mu.Unlock()

	logging.Info(c.Request.Context(), "room created", zap.String("room_id", id), zap.Int("max_concurrent", maxConcurrent))
	c.JSON(http.StatusOK, createRoomResponse{RoomID: id})
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// handleRoomConfig implements GET /r/{roomId}: returns the stored (or
// freshly-defaulted) config so an external page-shell can render the
// concurrency ceiling (spec section 4.1).
func (rt *Router) handleRoomConfig(c *gin.Context) {
	roomID := c.Param("roomId")

	rt.mu.Lock()
	cfg, ok := rt.configs[roomID]
	rt.mu.Unlock()

	if !ok {
		cfg = room.Config{MaxConcurrent: rt.defaultMaxConcurrent}
	}
	c.JSON(http.StatusOK, gin.H{"maxConcurrent": cfg.MaxConcurrent})
}

// handleWebSocket implements GET /ws/{roomId}?cid=... (spec section 4.1/6).
func (rt *Router) handleWebSocket(c *gin.Context) {
	if c.GetHeader("Upgrade") == "" {
		c.Status(http.StatusUpgradeRequired)
		return
	}

	if !rt.rateLimiter.CheckWebSocketUpgrade(c) {
		return
	}

	roomID := c.Param("roomId")
	cid := c.Query("cid")
	if cid == "" {
		cid = uuid.New().String()
	}
	tracing.AnnotateSpan(c.Request.Context(), roomID, cid)

	wsConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	r := rt.getOrCreateRoom(roomID)
	conn := newSocketConn(wsConn)

	metrics.IncConnection()
	defer metrics.DecConnection()

	if _, err := r.Join(cid, conn); err != nil {
		logging.Error(c.Request.Context(), "room join failed", zap.String("room_id", roomID), zap.Error(err))
		_ = wsConn.Close()
		return
	}

	rt.pump(r, roomID, cid, conn)
}

// pump runs the blocking read loop for one socket until it errors or closes,
// then notifies the room and re-arms the registry's cleanup timer if the
// room is now empty.
func (rt *Router) pump(r *room.Room, roomID, cid string, conn *socketConn) {
	defer func() {
		r.Leave(cid, conn)
		if r.SocketCount() == 0 {
			rt.scheduleCleanup(roomID)
		}
	}()

	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		r.HandleMessage(cid, raw)
	}
}

// getOrCreateRoom returns the live Room for roomID, creating it lazily on
// first upgrade (the admission endpoint only seeds configuration) and
// cancelling any pending cleanup timer.
func (rt *Router) getOrCreateRoom(roomID string) *room.Room {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if timer, ok := rt.pendingCleanups[roomID]; ok {
		timer.Stop()
		delete(rt.pendingCleanups, roomID)
	}

	if r, ok := rt.rooms[roomID]; ok {
		return r
	}

	cfg, ok := rt.configs[roomID]
	if !ok {
		cfg = room.Config{MaxConcurrent: rt.defaultMaxConcurrent}
		rt.configs[roomID] = cfg
	}

	r := room.New(roomID, cfg)
	if rt.bus != nil {
		r.AttachBus(context.Background(), rt.bus, rt.instanceID, nil)
	}
	rt.rooms[roomID] = r
	metrics.ActiveRooms.Inc()
	return r
}

// scheduleCleanup arms (or re-arms) the grace-period timer that forgets an
// empty room's registry entry, matching the teacher's removeRoom pattern.
func (rt *Router) scheduleCleanup(roomID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if existing, ok := rt.pendingCleanups[roomID]; ok {
		existing.Stop()
		delete(rt.pendingCleanups, roomID)
	}

	timer := time.AfterFunc(rt.cleanupGracePeriod, func() {
		rt.mu.Lock()
		defer rt.mu.Unlock()

		if r, ok := rt.rooms[roomID]; ok && r.SocketCount() == 0 {
			delete(rt.rooms, roomID)
			delete(rt.configs, roomID)
			metrics.ActiveRooms.Dec()
		}
		delete(rt.pendingCleanups, roomID)
	})
	rt.pendingCleanups[roomID] = timer
}

// socketConn adapts *websocket.Conn to room.Conn.
type socketConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func newSocketConn(ws *websocket.Conn) *socketConn {
	return &socketConn{ws: ws}
}

func (s *socketConn) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws.WriteMessage(websocket.TextMessage, frame)
}

func (s *socketConn) Close(code int, reason string) error {
	s.mu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	s.mu.Unlock()
	return s.ws.Close()
}

func (s *socketConn) ReadMessage() ([]byte, error) {
	_, data, err := s.ws.ReadMessage()
	return data, err
}
