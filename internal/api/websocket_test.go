package api

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/contestwatch/proctor-engine/pkg/models"
)

// testObserver joins rooms without a real connection; emit never touches the
// conn, only the send channel.
func testObserver() *observer {
	return &observer{
		send:  make(chan []byte, observerBuffer),
		rooms: make(map[string]struct{}),
	}
}

func recvFrame(t *testing.T, obs *observer) frame {
	t.Helper()
	select {
	case data := <-obs.send:
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("bad frame: %v", err)
		}
		return f
	case <-time.After(time.Second):
		t.Fatal("no frame received")
		return frame{}
	}
}

func TestHubRoomRouting(t *testing.T) {
	h := NewHub()
	dashboard := testObserver()
	watcher := testObserver()
	bystander := testObserver()

	h.join(dashboard, RoomDashboard)
	h.join(watcher, ParticipantRoom("m1"))
	h.join(bystander, ParticipantRoom("m2"))

	h.BroadcastParticipantUpdate(&models.Participant{MachineID: "m1", SuspicionScore: 0.4})

	if f := recvFrame(t, dashboard); f.Type != "participant:updated" {
		t.Errorf("dashboard frame type = %s", f.Type)
	}
	if f := recvFrame(t, watcher); f.Type != "participant:updated" {
		t.Errorf("watcher frame type = %s", f.Type)
	}
	select {
	case data := <-bystander.send:
		t.Errorf("bystander received a frame for another participant: %s", data)
	default:
	}
}

func TestHubAlertGoesToDashboardOnly(t *testing.T) {
	h := NewHub()
	dashboard := testObserver()
	watcher := testObserver()
	h.join(dashboard, RoomDashboard)
	h.join(watcher, ParticipantRoom("m1"))

	h.BroadcastAlert(models.Alert{Level: models.AlertWarning, ParticipantID: "m1"})

	if f := recvFrame(t, dashboard); f.Type != "alert" {
		t.Errorf("frame type = %s, want alert", f.Type)
	}
	select {
	case <-watcher.send:
		t.Error("alert leaked into a participant room")
	default:
	}
}

func TestHubDropsOldestOnSlowObserver(t *testing.T) {
	h := NewHub()
	slow := testObserver()
	h.join(slow, RoomDashboard)

	// Fill the buffer, then push one more; the hub must not block and the
	// newest frame must survive.
	for i := 0; i <= observerBuffer; i++ {
		h.BroadcastAlert(models.Alert{Level: models.AlertWarning, ParticipantID: "m", Score: float64(i)})
	}

	var last frame
	drained := 0
	for {
		select {
		case data := <-slow.send:
			json.Unmarshal(data, &last)
			drained++
			continue
		default:
		}
		break
	}
	if drained != observerBuffer {
		t.Errorf("drained %d frames, want %d", drained, observerBuffer)
	}
	payload, _ := json.Marshal(last.Payload)
	var alert models.Alert
	json.Unmarshal(payload, &alert)
	if alert.Score != float64(observerBuffer) {
		t.Errorf("newest frame score = %v, want %d (oldest dropped)", alert.Score, observerBuffer)
	}
}

func TestHubRemoveObserver(t *testing.T) {
	h := NewHub()
	obs := testObserver()
	h.join(obs, RoomDashboard)
	h.removeObserver(obs)

	h.BroadcastAlert(models.Alert{Level: models.AlertWarning})
	select {
	case <-obs.send:
		t.Error("removed observer still receives frames")
	default:
	}
}
