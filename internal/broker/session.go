package broker

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/classline/messenger/internal/logger"
	"github.com/gorilla/websocket"
)

const (
	writeWait             = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultReconnectDelay = 3 * time.Second
	outBufSize            = 64
)

// Session owns exactly one live broker connection for an open overlay.
// Lifecycle: NewSession -> Activate -> [reconnect loop] -> Deactivate.
// Activate dials asynchronously; Deactivate is idempotent and guarantees no
// callback fires after it returns.
type Session struct {
	endpoint       string
	userID         string
	reconnectDelay time.Duration
	pongWait       time.Duration

	// Set before Activate. Called from the session goroutine.
	OnConnect func()
	OnNotify  func(topic string, payload json.RawMessage)
	OnMessage func(topic string, payload json.RawMessage)

	mu     sync.Mutex
	subs   map[string]struct{}
	conn   *websocket.Conn
	out    chan Frame
	active bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewSession creates an inactive session. Zero durations take the defaults
// (3s reconnect, 60s pong timeout).
func NewSession(endpoint, userID string, reconnectDelay, pongWait time.Duration) *Session {
	if reconnectDelay <= 0 {
		reconnectDelay = defaultReconnectDelay
	}
	if pongWait <= 0 {
		pongWait = defaultPongWait
	}
	return &Session{
		endpoint:       endpoint,
		userID:         userID,
		reconnectDelay: reconnectDelay,
		pongWait:       pongWait,
		subs:           make(map[string]struct{}),
	}
}

// Activate starts the connect/reconnect loop with the bearer credential sent
// as a connection header. It does not block; connect failures are logged and
// retried, never surfaced.
func (s *Session) Activate(token string) {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return
	}
	s.active = true
	s.done = make(chan struct{})
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(token)
}

// Deactivate tears the connection down and cancels any pending reconnect.
// Safe to call repeatedly and before Activate.
func (s *Session) Deactivate() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	close(s.done)
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.wg.Wait()
}

// Subscribe registers a topic. Desired topics survive reconnects: they are
// re-subscribed on every successful connect.
func (s *Session) Subscribe(topic string) {
	s.mu.Lock()
	s.subs[topic] = struct{}{}
	out := s.out
	s.mu.Unlock()
	if out != nil {
		s.enqueue(out, Frame{Type: FrameSubscribe, Topic: topic})
	}
}

// Unsubscribe drops a topic. A no-op for topics never subscribed.
func (s *Session) Unsubscribe(topic string) {
	s.mu.Lock()
	_, ok := s.subs[topic]
	delete(s.subs, topic)
	out := s.out
	s.mu.Unlock()
	if ok && out != nil {
		s.enqueue(out, Frame{Type: FrameUnsubscribe, Topic: topic})
	}
}

// Connected reports whether a live connection currently exists.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *Session) run(token string) {
	defer s.wg.Done()
	for {
		if s.closed() {
			return
		}
		conn, err := s.dial(token)
		if err != nil {
			logger.Errorf("broker: connect %s: %v", s.endpoint, err)
			if !s.sleep() {
				return
			}
			continue
		}
		s.serve(conn)
		if s.closed() {
			return
		}
		logger.Infof("broker: connection lost, reconnecting in %s", s.reconnectDelay)
		if !s.sleep() {
			return
		}
	}
}

func (s *Session) dial(token string) (*websocket.Conn, error) {
	header := http.Header{}
	// Header, not query parameter: the token must not leak into URLs or logs.
	header.Set("Authorization", "Bearer "+token)
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.Dial(s.endpoint, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

// serve runs one connection until it drops or the session is deactivated.
func (s *Session) serve(conn *websocket.Conn) {
	out := make(chan Frame, outBufSize)

	s.mu.Lock()
	s.conn = conn
	s.out = out
	topics := make([]string, 0, len(s.subs)+1)
	topics = append(topics, UserTopic(s.userID))
	for t := range s.subs {
		topics = append(topics, t)
	}
	s.mu.Unlock()

	for _, t := range topics {
		s.enqueue(out, Frame{Type: FrameSubscribe, Topic: t})
	}
	if s.OnConnect != nil && !s.closed() {
		s.OnConnect()
	}

	readDone := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writePump(conn, out, readDone)
	}()

	s.readPump(conn)
	close(readDone)
	wg.Wait()

	s.mu.Lock()
	s.conn = nil
	s.out = nil
	s.mu.Unlock()
	conn.Close()
}

func (s *Session) readPump(conn *websocket.Conn) {
	if err := conn.SetReadDeadline(time.Now().Add(s.pongWait)); err != nil {
		logger.Errorf("broker: set read deadline: %v", err)
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !s.closed() && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("broker: read: %v", err)
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			// A malformed frame must never take the overlay down.
			logger.Errorf("broker: drop malformed frame: %v", err)
			continue
		}
		if s.closed() {
			return
		}
		switch f.Type {
		case FrameMessage:
			if s.OnMessage != nil {
				s.OnMessage(f.Topic, f.Payload)
			}
		case FrameNotify:
			if s.OnNotify != nil {
				s.OnNotify(f.Topic, f.Payload)
			}
		case FrameError:
			logger.Errorf("broker: server error frame: %s", string(f.Payload))
		default:
			logger.Errorf("broker: drop unknown frame type %q", f.Type)
		}
	}
}

func (s *Session) writePump(conn *websocket.Conn, out chan Frame, readDone chan struct{}) {
	pingPeriod := (s.pongWait * 9) / 10
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.CloseMessage, nil); err != nil {
				logger.Errorf("broker: close message: %v", err)
			}
			// Unblock the read pump immediately instead of waiting out the
			// pong deadline.
			conn.Close()
			return
		case <-readDone:
			return
		case f := <-out:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) enqueue(out chan Frame, f Frame) {
	select {
	case out <- f:
	default:
		logger.Errorf("broker: send buffer full, dropping %s %s", f.Type, f.Topic)
	}
}

// sleep waits out the reconnect delay; false means the session was
// deactivated while waiting.
func (s *Session) sleep() bool {
	select {
	case <-s.done:
		return false
	case <-time.After(s.reconnectDelay):
		return true
	}
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
