package router

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kiyo-e/pairlane/internal/config"
	"github.com/kiyo-e/pairlane/internal/ratelimit"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (*Router, *gin.Engine) {
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		DefaultMaxConcurrent:          3,
		RoomCleanupGracePeriodSeconds: 0,
		RateLimitAPIRooms:             "100-M",
		RateLimitWsUpgrade:            "100-M",
	}
	rl, err := ratelimit.NewRateLimiter(cfg, nil)
	require.NoError(t, err)

	rt := New(cfg, rl, nil)
	engine := gin.New()
	rt.RegisterRoutes(engine)
	return rt, engine
}

func TestCreateRoom_Defaults(t *testing.T) {
	_, engine := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/rooms", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	engine.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusOK, resp.Code)

	var body struct {
		RoomID string `json:"roomId"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Len(t, body.RoomID, 10)
}

func TestCreateRoom_ClampsMaxConcurrent(t *testing.T) {
	_, engine := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/rooms", bytes.NewReader([]byte(`{"maxConcurrent": 99}`)))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	engine.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusOK, resp.Code)

	var created struct {
		RoomID string `json:"roomId"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &created))

	req2 := httptest.NewRequest(http.MethodGet, "/r/"+created.RoomID, nil)
	resp2 := httptest.NewRecorder()
	engine.ServeHTTP(resp2, req2)

	var cfgResp struct {
		MaxConcurrent int `json:"maxConcurrent"`
	}
	require.NoError(t, json.Unmarshal(resp2.Body.Bytes(), &cfgResp))
	assert.Equal(t, 10, cfgResp.MaxConcurrent)
}

func TestCreateRoom_MalformedBodyUsesDefaults(t *testing.T) {
	_, engine := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/rooms", bytes.NewReader([]byte(`not json`)))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	engine.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusOK, resp.Code)

	var body struct {
		RoomID string `json:"roomId"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.NotEmpty(t, body.RoomID)
}

func TestRoomConfig_UnknownRoomReturnsDefault(t *testing.T) {
	_, engine := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/r/UNKNOWNROOM", nil)
	resp := httptest.NewRecorder()
	engine.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusOK, resp.Code)

	var body struct {
		MaxConcurrent int `json:"maxConcurrent"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, 3, body.MaxConcurrent)
}

func TestWebSocket_RequiresUpgradeHeader(t *testing.T) {
	_, engine := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/ws/room1?cid=abc", nil)
	resp := httptest.NewRecorder()
	engine.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusUpgradeRequired, resp.Code)
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 1, clamp(0, 1, 10))
	assert.Equal(t, 10, clamp(99, 1, 10))
	assert.Equal(t, 5, clamp(5, 1, 10))
}

func TestGetOrCreateRoom_ReusesExistingRoom(t *testing.T) {
	rt, _ := newTestRouter(t)

	r1 := rt.getOrCreateRoom("room1")
	r2 := rt.getOrCreateRoom("room1")
	assert.Same(t, r1, r2)
}

func TestScheduleCleanup_RemovesEmptyRoomRegistryEntry(t *testing.T) {
	rt, _ := newTestRouter(t)

	rt.getOrCreateRoom("room1")
	rt.scheduleCleanup("room1")

	// With a zero grace period the timer fires promptly; poll briefly for
	// the registry entry to disappear rather than sleeping a fixed amount.
	deadline := 0
	for {
		rt.mu.Lock()
		_, exists := rt.rooms["room1"]
		rt.mu.Unlock()
		if !exists {
			return
		}
		deadline++
		if deadline > 200 {
			t.Fatal("room registry entry was not cleaned up")
		}
		time.Sleep(time.Millisecond)
	}
}
