package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/haulmark/payment-verifier/backend/internal/entities"
	"github.com/haulmark/payment-verifier/backend/internal/usecases"
)

const writeWait = 5 * time.Second

var _ usecases.StatusNotifier = (*Manager)(nil)

// Manager tracks websocket subscribers per submission and pushes the user
// view of every status change to them.
type Manager struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu          sync.Mutex
	subscribers map[string]map[*websocket.Conn]bool
}

func NewWebSocketManager(logger *slog.Logger, allowedOrigins []string) *Manager {
	return &Manager{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		subscribers: make(map[string]map[*websocket.Conn]bool),
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

func (m *Manager) Upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return m.upgrader.Upgrade(w, r, nil)
}

// Subscribe registers conn and sends it the current view first, under the same
// lock as broadcasts so the client never sees an older view after a newer one.
func (m *Manager) Subscribe(submissionID string, conn *websocket.Conn, current usecases.SubmissionView) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := writeView(conn, current); err != nil {
		return err
	}

	if m.subscribers[submissionID] == nil {
		m.subscribers[submissionID] = make(map[*websocket.Conn]bool)
	}
	m.subscribers[submissionID][conn] = true
	return nil
}

func (m *Manager) Unsubscribe(submissionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.subscribers[submissionID], conn)
	if len(m.subscribers[submissionID]) == 0 {
		delete(m.subscribers, submissionID)
	}
}

func (m *Manager) NotifySubmission(ctx context.Context, sub *entities.PaymentSubmission) {
	view := usecases.UserView(sub)

	m.mu.Lock()
	defer m.mu.Unlock()

	for conn := range m.subscribers[sub.ID] {
		if err := writeView(conn, view); err != nil {
			m.logger.DebugContext(ctx, "Dropping websocket subscriber", "submission_id", sub.ID, "error", err)
			delete(m.subscribers[sub.ID], conn)
			conn.Close()
		}
	}
}

func (m *Manager) subscriberCount(submissionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscribers[submissionID])
}

func writeView(conn *websocket.Conn, view usecases.SubmissionView) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(view)
}

type WebSocketHandler struct {
	logger            *slog.Logger
	submissionService SubmissionService
	websocketManager  *Manager
}

func NewWebSocketHandler(
	logger *slog.Logger,
	submissionService SubmissionService,
	websocketManager *Manager,
) *WebSocketHandler {
	return &WebSocketHandler{
		logger:            logger,
		submissionService: submissionService,
		websocketManager:  websocketManager,
	}
}

func (h *WebSocketHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/ws/submissions/{id}", h.HandleConnection)
}

func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	submissionID := mux.Vars(r)["id"]

	user := r.Header.Get(headerUserID)
	if user == "" {
		http.Error(w, "Missing user identity", http.StatusUnauthorized)
		return
	}

	view, err := h.submissionService.GetUserSubmission(r.Context(), submissionID, user)
	if err != nil {
		if usecases.IsNotFound(err) {
			http.Error(w, "Submission not found", http.StatusNotFound)
			return
		}
		h.logger.Error("Error loading submission for websocket", "submission_id", submissionID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	conn, err := h.websocketManager.Upgrade(w, r)
	if err != nil {
		h.logger.Error("Error upgrading connection", "error", err)
		return
	}
	defer conn.Close()

	if err = h.websocketManager.Subscribe(submissionID, conn, view); err != nil {
		h.logger.Error("Error adding subscriber", "submission_id", submissionID, "error", err)
		return
	}
	defer h.websocketManager.Unsubscribe(submissionID, conn)

	h.logger.Debug("New WebSocket connection", "submission_id", submissionID)

	// Reads only detect the client going away.
	for {
		if _, _, readErr := conn.ReadMessage(); readErr != nil {
			h.logger.Debug("WebSocket connection closed", "submission_id", submissionID, "error", readErr)
			return
		}
	}
}
