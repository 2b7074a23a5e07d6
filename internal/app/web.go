package app

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"

	"github.com/relabs-tech/motion_fusion/internal/config"
	"github.com/relabs-tech/motion_fusion/internal/motion"
	"github.com/relabs-tech/motion_fusion/internal/orientation"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// motionView is the /api/motion document.
type motionView struct {
	Values           [motion.FrameLen]float64 `json:"values"`
	Pose             orientation.Pose         `json:"pose"`
	HeadingAvailable bool                     `json:"heading_available"`
	ReceivedAt       time.Time                `json:"received_at"`
}

// webState keeps the latest frame and status and fans frames out to
// websocket clients.
type webState struct {
	mu         sync.RWMutex
	snap       motion.Snapshot
	frame      []byte
	haveFrame  bool
	receivedAt time.Time
	stats      motion.Stats
	haveStats  bool

	clientsMu sync.Mutex
	clients   map[chan []byte]struct{}
}

func newWebState() *webState {
	return &webState{clients: make(map[chan []byte]struct{})}
}

// updateFrame stores a frame payload and broadcasts it.
func (s *webState) updateFrame(payload []byte, now time.Time) error {
	snap, err := decodeFrame(payload)
	if err != nil {
		return err
	}
	frame := append([]byte(nil), payload...)

	s.mu.Lock()
	s.snap = snap
	s.frame = frame
	s.haveFrame = true
	s.receivedAt = now
	s.mu.Unlock()

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for ch := range s.clients {
		select {
		case ch <- frame:
		default:
			// slow client, skip this frame
		}
	}
	return nil
}

func (s *webState) updateStats(payload []byte) error {
	var st motion.Stats
	if err := json.Unmarshal(payload, &st); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}
	s.mu.Lock()
	s.stats = st
	s.haveStats = true
	s.mu.Unlock()
	return nil
}

func (s *webState) subscribe() chan []byte {
	ch := make(chan []byte, 16)
	s.clientsMu.Lock()
	s.clients[ch] = struct{}{}
	s.clientsMu.Unlock()
	return ch
}

func (s *webState) unsubscribe(ch chan []byte) {
	s.clientsMu.Lock()
	delete(s.clients, ch)
	s.clientsMu.Unlock()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("json encode error: %v", err)
	}
}

func (s *webState) handleMotion(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	snap, have, receivedAt := s.snap, s.haveFrame, s.receivedAt
	s.mu.RUnlock()

	if !have {
		http.Error(w, "no data yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, motionView{
		Values:           snap.Values(),
		Pose:             snap.Pose(),
		HeadingAvailable: snap.HasHeadingAccuracy(),
		ReceivedAt:       receivedAt,
	})
}

func (s *webState) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	stats, have := s.stats, s.haveStats
	s.mu.RUnlock()

	if !have {
		http.Error(w, "no data yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, stats)
}

func (s *webState) handleAttitudePNG(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	snap, have := s.snap, s.haveFrame
	if have && s.haveStats {
		if acc, err := orientation.ParseAccuracy(s.stats.Accuracy); err == nil {
			snap.Accuracy = acc
		}
	}
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := writeAttitudePNG(w, snap, have); err != nil {
		log.Printf("web: png encode error: %v", err)
	}
}

// handleMotionWS streams frames, the latest one first.
func (s *webState) handleMotionWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("web: websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	ch := s.subscribe()
	defer s.unsubscribe(ch)

	// The reader only notices the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.mu.RLock()
	first, have := s.frame, s.haveFrame
	s.mu.RUnlock()
	if have {
		if err := conn.WriteMessage(websocket.TextMessage, first); err != nil {
			return
		}
	}

	for {
		select {
		case <-closed:
			return
		case frame := <-ch:
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Printf("web: websocket write error: %v", err)
				return
			}
		}
	}
}

func (s *webState) routes(staticDir string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/motion", s.handleMotion)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/attitude.png", s.handleAttitudePNG)
	mux.HandleFunc("/ws/motion", s.handleMotionWS)

	// Static files from ./web as the root
	mux.Handle("/", http.FileServer(http.Dir(staticDir)))
	return mux
}

func RunWeb() error {
	cfg := config.Get()
	if cfg == nil {
		return fmt.Errorf("configuration not initialized")
	}
	state := newWebState()

	client, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDWeb)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	token := client.Subscribe(cfg.TopicMotion, 0, func(_ mqtt.Client, msg mqtt.Message) {
		if err := state.updateFrame(msg.Payload(), time.Now()); err != nil {
			log.Printf("MQTT payload error (%s): %v", msg.Topic(), err)
		}
	})
	token.Wait()
	if token.Error() != nil {
		return token.Error()
	}
	log.Printf("subscribed to MQTT topic %s", cfg.TopicMotion)

	token = client.Subscribe(cfg.TopicStatus, 0, func(_ mqtt.Client, msg mqtt.Message) {
		if err := state.updateStats(msg.Payload()); err != nil {
			log.Printf("MQTT payload error (%s): %v", msg.Topic(), err)
		}
	})
	token.Wait()
	if token.Error() != nil {
		return token.Error()
	}
	log.Printf("subscribed to MQTT topic %s", cfg.TopicStatus)

	addr := fmt.Sprintf(":%d", cfg.WebServerPort)
	log.Printf("web server listening on %s", addr)
	return http.ListenAndServe(addr, state.routes("web"))
}
