package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/contestwatch/proctor-engine/pkg/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin policy is enforced by the CORS middleware
	},
}

// Room names. The dashboard room receives every participant update and
// alert; a participant room receives that participant's updates only.
const (
	RoomDashboard         = "dashboard"
	participantRoomPrefix = "participant:"
)

// observerBuffer is the per-observer outbound queue depth. A slow observer
// loses the oldest frames rather than back-pressuring ingest.
const observerBuffer = 64

// observer is one connected dashboard client and its room memberships.
type observer struct {
	conn  *websocket.Conn
	send  chan []byte
	rooms map[string]struct{}
}

// Hub is the live-push fabric: a subscription registry fanning frames out
// to observers joined to a room. Delivery is best-effort; there is no
// buffering or replay, observers re-subscribe after reconnecting.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*observer]struct{}
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*observer]struct{})}
}

// ParticipantRoom names the per-participant room.
func ParticipantRoom(participantID string) string {
	return participantRoomPrefix + participantID
}

// Subscribe upgrades the connection and serves the observer until it
// disconnects. Inbound intents: "join:dashboard" and
// "watch:participant:<id>".
func (h *Hub) Subscribe(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[Hub] Failed to upgrade websocket: %v", err)
		return
	}

	obs := &observer{
		conn:  conn,
		send:  make(chan []byte, observerBuffer),
		rooms: make(map[string]struct{}),
	}
	log.Printf("[Hub] Observer connected from %s", conn.RemoteAddr())

	go h.writePump(obs)
	h.readPump(obs)
}

func (h *Hub) readPump(obs *observer) {
	defer func() {
		h.removeObserver(obs)
		close(obs.send)
		obs.conn.Close()
		log.Printf("[Hub] Observer disconnected")
	}()
	for {
		_, msg, err := obs.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[Hub] Read error: %v", err)
			}
			return
		}
		h.handleIntent(obs, strings.TrimSpace(string(msg)))
	}
}

func (h *Hub) handleIntent(obs *observer, intent string) {
	switch {
	case intent == "join:dashboard":
		h.join(obs, RoomDashboard)
	case strings.HasPrefix(intent, "watch:participant:"):
		id := strings.TrimPrefix(intent, "watch:participant:")
		if id != "" {
			h.join(obs, ParticipantRoom(id))
		}
	default:
		// Unknown intents are ignored; dropped observers are cheap.
	}
}

func (h *Hub) writePump(obs *observer) {
	for msg := range obs.send {
		_ = obs.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := obs.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			obs.conn.Close()
			return
		}
	}
}

func (h *Hub) join(obs *observer, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*observer]struct{})
		h.rooms[room] = members
	}
	members[obs] = struct{}{}
	obs.rooms[room] = struct{}{}
}

func (h *Hub) removeObserver(obs *observer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range obs.rooms {
		if members, ok := h.rooms[room]; ok {
			delete(members, obs)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
}

// emit fans a frame out to one room with a non-blocking enqueue: when an
// observer's buffer is full the oldest frame is dropped.
func (h *Hub) emit(room string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for obs := range h.rooms[room] {
		select {
		case obs.send <- data:
		default:
			select {
			case <-obs.send:
			default:
			}
			select {
			case obs.send <- data:
			default:
			}
		}
	}
}

type frame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

func marshalFrame(typ string, payload any) []byte {
	data, err := json.Marshal(frame{Type: typ, Payload: payload})
	if err != nil {
		log.Printf("[Hub] Failed to marshal %s frame: %v", typ, err)
		return nil
	}
	return data
}

// BroadcastParticipantUpdate pushes a participant summary to the dashboard
// room and the participant's own room.
func (h *Hub) BroadcastParticipantUpdate(p *models.Participant) {
	data := marshalFrame("participant:updated", map[string]any{
		"participantId":  p.MachineID,
		"displayName":    p.DisplayName(),
		"suspicionScore": p.SuspicionScore,
		"lastActive":     p.LastActive,
		"totalEvents":    p.TotalEvents,
		"stats":          p.Stats,
	})
	if data == nil {
		return
	}
	h.emit(RoomDashboard, data)
	h.emit(ParticipantRoom(p.MachineID), data)
}

// BroadcastAlert pushes an alert frame to the dashboard room.
func (h *Hub) BroadcastAlert(alert models.Alert) {
	if data := marshalFrame("alert", alert); data != nil {
		h.emit(RoomDashboard, data)
	}
}

// BroadcastSourceAnalysis pushes an analysis summary to the dashboard room
// and the owning participant's room.
func (h *Hub) BroadcastSourceAnalysis(rec *models.SourceAnalysisRecord) {
	data := marshalFrame("sourceAnalysis:updated", rec.Summary())
	if data == nil {
		return
	}
	h.emit(RoomDashboard, data)
	h.emit(ParticipantRoom(rec.ParticipantID), data)
}
