// Package writingtest runs an in-process writing-session server for tests.
package writingtest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	writing "github.com/bt-bridge/writing-session"
	"github.com/bytedance/sonic"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Handler answers one request. Returning nil sends nothing back.
type Handler func(leaderboardID int, req *writing.Request) *writing.Response

type Server struct {
	*httptest.Server

	mu       sync.Mutex
	tokens   map[string]int
	received []*writing.Request
	conns    map[*websocket.Conn]struct{}
	handler  Handler
	noTokens bool
	sim      *simulator
}

func NewServer() *Server {
	s := &Server{
		tokens: make(map[string]int),
		conns:  make(map[*websocket.Conn]struct{}),
		sim:    newSimulator(),
	}
	s.handler = s.sim.handle

	r := chi.NewRouter()
	r.Post("/api/ws_token", s.issueToken)
	r.Get("/ws/{leaderboardID}", s.serveSession)
	s.Server = httptest.NewServer(r)
	return s
}

func (s *Server) APIBase() string {
	return s.URL + "/api"
}

func (s *Server) WSBase() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
}

// SetHandler replaces the built-in session simulator.
func (s *Server) SetHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// RefuseTokens makes the token endpoint answer 404.
func (s *Server) RefuseTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noTokens = true
}

func (s *Server) Received() []*writing.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*writing.Request(nil), s.received...)
}

// WaitReceived blocks until n requests arrived or the timeout passes.
func (s *Server) WaitReceived(n int, timeout time.Duration) []*writing.Request {
	deadline := time.Now().Add(timeout)
	for {
		got := s.Received()
		if len(got) >= n || time.Now().After(deadline) {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// DropConnections closes every live socket as if the network went away.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close(websocket.StatusGoingAway, "dropped")
	}
}

func (s *Server) issueToken(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var body struct {
		LeaderboardID int `json:"leaderboard_id"`
	}
	if err := sonic.ConfigDefault.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	if s.noTokens {
		s.mu.Unlock()
		http.Error(w, "no token", http.StatusNotFound)
		return
	}
	token := uuid.NewString()
	s.tokens[token] = body.LeaderboardID
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = sonic.ConfigDefault.NewEncoder(w).Encode(map[string]string{"ws_token": token})
}

func (s *Server) serveSession(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "leaderboardID"))
	if err != nil {
		http.Error(w, "bad leaderboard id", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	issuedFor, ok := s.tokens[r.URL.Query().Get("token")]
	s.mu.Unlock()
	if !ok || issuedFor != id {
		http.Error(w, "invalid token", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		req := new(writing.Request)
		if err := req.UnmarshalJSON(data); err != nil {
			_ = conn.Write(r.Context(), websocket.MessageText, []byte(`{"error":"bad request"}`))
			continue
		}
		s.mu.Lock()
		s.received = append(s.received, req)
		h := s.handler
		s.mu.Unlock()

		resp := h(id, req)
		if resp == nil {
			continue
		}
		payload, err := resp.MarshalJSON()
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		err = conn.Write(ctx, websocket.MessageText, payload)
		cancel()
		if err != nil {
			return
		}
	}
}

// simulator plays the server side of a writing round well enough for tests.
type simulator struct {
	mu          sync.Mutex
	roundID     int
	nextGen     int
	writing     int
	generations []int
	messages    []writing.ChatMessage
	started     time.Time
}

func newSimulator() *simulator {
	return &simulator{roundID: 7, nextGen: 100}
}

func (m *simulator) handle(leaderboardID int, req *writing.Request) *writing.Response {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch req.Action {
	case writing.ActionStart, writing.ActionResume:
		if req.Action == writing.ActionStart || m.writing == 0 {
			m.writing = m.newGeneration()
			m.started = time.Now()
		}
		if len(m.messages) == 0 {
			m.say(writing.SenderAssistant, "Describe the picture in one sentence.", false)
		}
		feedback := "IMG,AWE"
		return &writing.Response{
			Feedback:    &feedback,
			Leaderboard: &writing.LeaderboardInfo{ID: leaderboardID, Image: fmt.Sprintf("/images/%d.png", leaderboardID)},
			Round:       &writing.RoundInfo{ID: m.roundID, GeneratedTime: m.elapsed(), Generations: append(slices.Clone(m.generations), m.writing)},
			Generation:  &writing.GenerationInfo{ID: m.writing},
			Chat:        m.chat(),
		}
	case writing.ActionHint:
		p, _ := req.Param.(*writing.HintParam)
		if p != nil {
			m.say(writing.SenderUser, p.Content, p.IsHint)
		}
		m.say(writing.SenderAssistant, "Try naming the colours you see.", false)
		return &writing.Response{Chat: m.chat()}
	case writing.ActionChangeDisplayName:
		p, _ := req.Param.(*writing.DisplayNameParam)
		name := ""
		if p != nil {
			name = p.DisplayName
		}
		return &writing.Response{Round: &writing.RoundInfo{ID: m.roundID, DisplayName: &name, Generations: slices.Clone(m.generations)}}
	case writing.ActionSubmit:
		p, _ := req.Param.(*writing.SubmitParam)
		if m.writing == 0 {
			m.writing = m.newGeneration()
		}
		sentence, corrected := "", ""
		if p != nil {
			sentence = p.Sentence
			corrected = strings.TrimSpace(p.Sentence)
			if corrected != "" && !strings.HasSuffix(corrected, ".") {
				corrected += "."
			}
		}
		return &writing.Response{
			Generation: &writing.GenerationInfo{ID: m.writing, Sentence: &sentence, CorrectSentence: &corrected},
			Chat:       m.chat(),
		}
	case writing.ActionEvaluate:
		id := m.writing
		if id != 0 {
			m.generations = append(m.generations, id)
		}
		m.writing = 0
		msg := "Good grammar. Add more detail about the background."
		img := fmt.Sprintf("/interpreted/%d.png", id)
		elapsed := m.elapsed()
		similarity := 0.72
		done := true
		m.started = time.Now()
		return &writing.Response{
			Round:      &writing.RoundInfo{ID: m.roundID, GeneratedTime: elapsed, Generations: slices.Clone(m.generations)},
			Generation: &writing.GenerationInfo{ID: id, EvaluationMsg: &msg, InterpretedImage: &img, GeneratedTime: &elapsed, ImageSimilarity: &similarity, IsCompleted: &done},
		}
	case writing.ActionEnd:
		return &writing.Response{}
	}
	return nil
}

func (m *simulator) newGeneration() int {
	id := m.nextGen
	m.nextGen++
	return id
}

func (m *simulator) elapsed() int {
	if m.started.IsZero() {
		return 0
	}
	return int(time.Since(m.started).Seconds())
}

func (m *simulator) say(sender, content string, isHint bool) {
	m.messages = append(m.messages, writing.ChatMessage{
		ID:        len(m.messages) + 1,
		Sender:    sender,
		Content:   content,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		IsHint:    isHint,
	})
}

func (m *simulator) chat() *writing.ChatInfo {
	return &writing.ChatInfo{ID: 1, Messages: append([]writing.ChatMessage(nil), m.messages...)}
}
