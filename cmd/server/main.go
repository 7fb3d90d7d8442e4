package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"gitlab.com/sohbet/services/backend/internal/auth"
	"gitlab.com/sohbet/services/backend/internal/chat"
	"gitlab.com/sohbet/services/backend/internal/db"
	"gitlab.com/sohbet/services/backend/internal/directory"
	"gitlab.com/sohbet/services/backend/internal/message"
	"gitlab.com/sohbet/services/backend/internal/models"
	"gitlab.com/sohbet/services/backend/internal/ratelimit"
	"gitlab.com/sohbet/services/backend/internal/realtime"
	"gitlab.com/sohbet/services/backend/internal/storage"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins (configure appropriately for production)
	},
}

type Server struct {
	db               *db.DB
	authService      *auth.Service
	chatService      *chat.Service
	messageService   *message.Service
	directoryService *directory.Service
	storageService   *storage.Service
	rateLimiter      *ratelimit.Limiter
	hub              *realtime.Hub
}

func main() {
	log.Println("[Server] Starting sohbet backend...")

	database, err := db.New()
	if err != nil {
		log.Fatalf("[Server] Failed to connect to database: %v", err)
	}
	defer database.Close()

	if err := database.RunMigrations("migrations"); err != nil {
		log.Fatalf("[Server] Failed to run migrations: %v", err)
	}

	signerKeyPath := os.Getenv("ATTESTATION_KEY_PATH")
	if signerKeyPath == "" {
		signerKeyPath = "attestation.key"
	}
	signer, err := directory.NewSigner(signerKeyPath)
	if err != nil {
		log.Fatalf("[Server] Failed to initialize attestation signer: %v", err)
	}

	authService := auth.NewService(database.Postgres)
	chatService := chat.NewService(database.Postgres)
	messageService := message.NewService(database.Postgres, database.Redis)
	directoryService := directory.NewService(database.Postgres, signer)

	storageService, err := storage.NewService(database.Postgres)
	if err != nil {
		log.Printf("[WARN] Failed to initialize storage service: %v (attachments disabled)", err)
		storageService = nil
	}

	rateLimiter := ratelimit.NewLimiter(database.Redis)

	hub := realtime.NewHub()
	go hub.Run()

	bridgeCtx, stopBridge := context.WithCancel(context.Background())
	defer stopBridge()
	if database.Redis != nil {
		go hub.RunRedisBridge(bridgeCtx, database.Redis)
	}

	server := &Server{
		db:               database,
		authService:      authService,
		chatService:      chatService,
		messageService:   messageService,
		directoryService: directoryService,
		storageService:   storageService,
		rateLimiter:      rateLimiter,
		hub:              hub,
	}

	router := server.setupRouter()

	addr := ":8080"
	if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("[Server] HTTP server listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[Server] Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("[Server] Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Fatalf("[Server] Server forced to shutdown: %v", err)
	}

	log.Println("[Server] Server exited gracefully")
}

func (s *Server) setupRouter() *mux.Router {
	router := mux.NewRouter()

	router.Use(corsMiddleware)
	router.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Health check
	router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Auth routes
	router.HandleFunc("/api/auth/signup", s.handleSignup).Methods("POST")
	router.HandleFunc("/api/auth/signin", s.handleSignin).Methods("POST")
	router.HandleFunc("/api/auth/signout", s.authMiddleware(s.handleSignout)).Methods("POST")

	// User routes (protected)
	router.HandleFunc("/api/users/me", s.authMiddleware(s.handleGetCurrentUser)).Methods("GET")
	router.HandleFunc("/api/users/search", s.authMiddleware(s.handleSearchUsers)).Methods("GET")
	router.HandleFunc("/api/users/{id}", s.authMiddleware(s.handleGetUser)).Methods("GET")

	// Key directory routes (protected)
	router.HandleFunc("/api/directory/keys", s.authMiddleware(s.handlePublishKey)).Methods("POST")
	router.HandleFunc("/api/directory/keys/{user_id}", s.authMiddleware(s.handleGetKey)).Methods("GET")
	router.HandleFunc("/api/directory/attestation-key", s.handleAttestationKey).Methods("GET")

	// Chat routes (protected)
	router.HandleFunc("/api/chats", s.authMiddleware(s.handleCreateDirectChat)).Methods("POST")
	router.HandleFunc("/api/chats/group", s.authMiddleware(s.handleCreateGroupChat)).Methods("POST")
	router.HandleFunc("/api/chats", s.authMiddleware(s.handleGetChats)).Methods("GET")
	router.HandleFunc("/api/chats/{id}", s.authMiddleware(s.handleGetChat)).Methods("GET")
	router.HandleFunc("/api/chats/{id}/name", s.authMiddleware(s.handleRenameChat)).Methods("PUT")
	router.HandleFunc("/api/chats/{id}/roster", s.authMiddleware(s.handleGetRoster)).Methods("GET")
	router.HandleFunc("/api/chats/{id}/members", s.authMiddleware(s.handleAddMember)).Methods("POST")
	router.HandleFunc("/api/chats/{id}/members/{user_id}", s.authMiddleware(s.handleRemoveMember)).Methods("DELETE")

	// Message routes (protected)
	router.HandleFunc("/api/chats/{id}/messages", s.authMiddleware(s.handleGetMessages)).Methods("GET")
	router.HandleFunc("/api/chats/{id}/messages", s.authMiddleware(s.handleSendMessage)).Methods("POST")
	router.HandleFunc("/api/chats/{id}/messages/{mid}/attachments", s.authMiddleware(s.handleRecordAttachment)).Methods("POST")

	// Real-time push channel
	router.HandleFunc("/api/ws", s.authMiddleware(s.handleWebSocket)).Methods("GET")

	// Storage routes (protected)
	router.HandleFunc("/api/storage/upload", s.authMiddleware(s.handleRequestUpload)).Methods("POST")
	router.HandleFunc("/api/storage/download", s.authMiddleware(s.handleRequestDownload)).Methods("POST")

	return router
}

// Middleware

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type contextKey string

const userIDKey contextKey = "userID"

func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")

		userID, err := s.authService.ValidateSession(r.Context(), token)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

func requesterID(r *http.Request) uuid.UUID {
	id, _ := r.Context().Value(userIDKey).(uuid.UUID)
	return id
}

// Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.db.Health(ctx); err != nil {
		http.Error(w, "Database unhealthy", http.StatusServiceUnavailable)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// Auth handlers

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	user, err := s.authService.CreateUser(r.Context(), req.Username, req.Email, req.Password)
	if err == auth.ErrUserExists {
		http.Error(w, "Username or email already taken", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create user: %v", err), http.StatusInternalServerError)
		return
	}

	token, err := s.authService.CreateSession(r.Context(), user.ID)
	if err != nil {
		http.Error(w, "Failed to create session", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"user":  user,
		"token": token,
	})
}

func (s *Server) handleSignin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	user, err := s.authService.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := s.authService.CreateSession(r.Context(), user.ID)
	if err != nil {
		http.Error(w, "Failed to create session", http.StatusInternalServerError)
		return
	}

	_ = s.authService.UpdateLastSeen(r.Context(), user.ID)

	json.NewEncoder(w).Encode(map[string]interface{}{
		"user":  user,
		"token": token,
	})
}

func (s *Server) handleSignout(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if err := s.authService.DeleteSession(r.Context(), token); err != nil {
		http.Error(w, "Failed to sign out", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// User handlers

func (s *Server) handleGetCurrentUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.authService.GetUserByID(r.Context(), requesterID(r))
	if err != nil {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(user)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid user ID", http.StatusBadRequest)
		return
	}

	user, err := s.authService.GetUserByID(r.Context(), userID)
	if err == auth.ErrUserNotFound {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to fetch user", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(user)
}

func (s *Server) handleSearchUsers(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	users, err := s.authService.SearchUsers(r.Context(), query, requesterID(r), limit)
	if err != nil {
		http.Error(w, "Search failed", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"users": users})
}

// Key directory handlers

func (s *Server) handlePublishKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PublicKey []byte `json:"public_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	entry, err := s.directoryService.PublishKey(r.Context(), requesterID(r), req.PublicKey)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to publish key: %v", err), http.StatusBadRequest)
		return
	}
	json.NewEncoder(w).Encode(entry)
}

func (s *Server) handleGetKey(w http.ResponseWriter, r *http.Request) {
	targetID, err := uuid.Parse(mux.Vars(r)["user_id"])
	if err != nil {
		http.Error(w, "Invalid user ID", http.StatusBadRequest)
		return
	}

	reqID := requesterID(r)
	if err := s.rateLimiter.CheckDirectoryFetch(r.Context(), reqID.String(), targetID.String(), clientIP(r)); err != nil {
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	entry, err := s.directoryService.ActiveKey(r.Context(), targetID)
	if err == directory.ErrNoPublishedKey {
		http.Error(w, "No published key", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to fetch key", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(entry)
}

func (s *Server) handleAttestationKey(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string][]byte{
		"attestation_key": s.directoryService.AttestationKey(),
	})
}

// Chat handlers

func (s *Server) handleCreateDirectChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID uuid.UUID `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	c, err := s.chatService.CreateDirectChat(r.Context(), requesterID(r), req.UserID)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create chat: %v", err), http.StatusBadRequest)
		return
	}
	json.NewEncoder(w).Encode(c)
}

func (s *Server) handleCreateGroupChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string      `json:"name"`
		MemberIDs []uuid.UUID `json:"member_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	c, err := s.chatService.CreateGroupChat(r.Context(), req.Name, requesterID(r), req.MemberIDs)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create group: %v", err), http.StatusBadRequest)
		return
	}
	json.NewEncoder(w).Encode(c)
}

func (s *Server) handleGetChats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.chatService.GetUserChats(r.Context(), requesterID(r))
	if err != nil {
		http.Error(w, "Failed to fetch chats", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"chats": chats})
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	chatID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid chat ID", http.StatusBadRequest)
		return
	}

	ok, err := s.chatService.IsActiveMember(r.Context(), chatID, requesterID(r))
	if err != nil || !ok {
		http.Error(w, "Not a member of this chat", http.StatusForbidden)
		return
	}

	c, err := s.chatService.GetChat(r.Context(), chatID)
	if err == chat.ErrChatNotFound {
		http.Error(w, "Chat not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to fetch chat", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(c)
}

func (s *Server) handleRenameChat(w http.ResponseWriter, r *http.Request) {
	chatID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid chat ID", http.StatusBadRequest)
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	err = s.chatService.RenameGroup(r.Context(), chatID, requesterID(r), req.Name)
	switch {
	case errors.Is(err, chat.ErrNotMember):
		http.Error(w, "Not a member of this chat", http.StatusForbidden)
	case errors.Is(err, chat.ErrNotGroupChat):
		http.Error(w, "Direct chats cannot be renamed", http.StatusBadRequest)
	case err != nil:
		http.Error(w, "Failed to rename chat", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleGetRoster(w http.ResponseWriter, r *http.Request) {
	chatID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid chat ID", http.StatusBadRequest)
		return
	}

	ok, err := s.chatService.IsActiveMember(r.Context(), chatID, requesterID(r))
	if err != nil || !ok {
		http.Error(w, "Not a member of this chat", http.StatusForbidden)
		return
	}

	members, err := s.chatService.Roster(r.Context(), chatID)
	if err != nil {
		http.Error(w, "Failed to fetch roster", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"members": members})
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	chatID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid chat ID", http.StatusBadRequest)
		return
	}

	var req struct {
		UserID uuid.UUID `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	ok, err := s.chatService.IsActiveMember(r.Context(), chatID, requesterID(r))
	if err != nil || !ok {
		http.Error(w, "Not a member of this chat", http.StatusForbidden)
		return
	}

	// Members without a published key could never read anything sent
	// after they join; reject instead of creating an undecryptable seat.
	hasKey, err := s.directoryService.HasKey(r.Context(), req.UserID)
	if err != nil {
		http.Error(w, "Failed to check directory", http.StatusInternalServerError)
		return
	}
	if !hasKey {
		http.Error(w, "User has no published key", http.StatusBadRequest)
		return
	}

	err = s.chatService.AddMember(r.Context(), chatID, req.UserID)
	switch {
	case errors.Is(err, chat.ErrNotGroupChat):
		http.Error(w, "Cannot add members to a direct chat", http.StatusBadRequest)
	case errors.Is(err, chat.ErrAlreadyMember):
		http.Error(w, "Already a member", http.StatusConflict)
	case err != nil:
		http.Error(w, "Failed to add member", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	chatID, err := uuid.Parse(vars["id"])
	if err != nil {
		http.Error(w, "Invalid chat ID", http.StatusBadRequest)
		return
	}
	targetID, err := uuid.Parse(vars["user_id"])
	if err != nil {
		http.Error(w, "Invalid user ID", http.StatusBadRequest)
		return
	}

	ok, err := s.chatService.IsActiveMember(r.Context(), chatID, requesterID(r))
	if err != nil || !ok {
		http.Error(w, "Not a member of this chat", http.StatusForbidden)
		return
	}

	err = s.chatService.RemoveMember(r.Context(), chatID, targetID)
	switch {
	case errors.Is(err, chat.ErrNotMember):
		http.Error(w, "Target is not an active member", http.StatusNotFound)
	case errors.Is(err, chat.ErrNotGroupChat):
		http.Error(w, "Cannot remove members from a direct chat", http.StatusBadRequest)
	case err != nil:
		http.Error(w, "Failed to remove member", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// Message handlers

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	chatID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid chat ID", http.StatusBadRequest)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	messages, err := s.messageService.ListVisible(r.Context(), chatID, requesterID(r), limit, offset)
	if errors.Is(err, chat.ErrNotMember) {
		http.Error(w, "Not a member of this chat", http.StatusForbidden)
		return
	}
	if err != nil {
		http.Error(w, "Failed to fetch messages", http.StatusInternalServerError)
		return
	}

	if s.storageService != nil {
		if err := s.storageService.AttachToMessages(r.Context(), messages); err != nil {
			log.Printf("[Server] Failed to load attachments: %v", err)
		}
	}

	json.NewEncoder(w).Encode(map[string]interface{}{"messages": messages})
}

// handleRecordAttachment links an uploaded blob to a message after the
// presigned PUT completes. Only the message's sender may attach.
func (s *Server) handleRecordAttachment(w http.ResponseWriter, r *http.Request) {
	if s.storageService == nil {
		http.Error(w, "Attachments disabled", http.StatusServiceUnavailable)
		return
	}

	vars := mux.Vars(r)
	chatID, err := uuid.Parse(vars["id"])
	if err != nil {
		http.Error(w, "Invalid chat ID", http.StatusBadRequest)
		return
	}
	messageID, err := uuid.Parse(vars["mid"])
	if err != nil {
		http.Error(w, "Invalid message ID", http.StatusBadRequest)
		return
	}

	var req struct {
		StorageKey string `json:"storage_key"`
		FileName   string `json:"file_name"`
		FileSize   int64  `json:"file_size"`
		MimeType   string `json:"mime_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.StorageKey == "" {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	msg, err := s.messageService.Get(r.Context(), messageID)
	if errors.Is(err, message.ErrMessageNotFound) {
		http.Error(w, "Message not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to fetch message", http.StatusInternalServerError)
		return
	}
	if msg.ChatID != chatID || msg.SenderID != requesterID(r) {
		http.Error(w, "Only the sender may attach to this message", http.StatusForbidden)
		return
	}

	att, err := s.storageService.CreateAttachment(r.Context(), messageID, req.StorageKey, req.FileName, req.FileSize, req.MimeType)
	if err != nil {
		http.Error(w, "Failed to record attachment", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(att)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	chatID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid chat ID", http.StatusBadRequest)
		return
	}

	senderID := requesterID(r)

	if err := s.rateLimiter.CheckMessageSend(r.Context(), senderID.String()); err != nil {
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	ok, err := s.chatService.IsActiveMember(r.Context(), chatID, senderID)
	if err != nil || !ok {
		http.Error(w, "Not a member of this chat", http.StatusForbidden)
		return
	}

	var req struct {
		Content      []byte      `json:"content"`
		RecipientIDs []uuid.UUID `json:"recipient_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	msg, err := s.messageService.Create(r.Context(), chatID, senderID, req.Content, req.RecipientIDs)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to store message: %v", err), http.StatusBadRequest)
		return
	}

	// Without Redis the pub/sub bridge is down; deliver to local
	// subscribers directly.
	if s.db.Redis == nil {
		event := models.WSEvent{Type: "message", ChatID: chatID.String(), Message: msg}
		if payload, err := json.Marshal(event); err == nil {
			s.hub.Broadcast(chatID, payload)
		}
	}

	json.NewEncoder(w).Encode(msg)
}

// Real-time handler

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	chatID, err := uuid.Parse(r.URL.Query().Get("chat_id"))
	if err != nil {
		http.Error(w, "chat_id query parameter required", http.StatusBadRequest)
		return
	}

	userID := requesterID(r)
	ok, err := s.chatService.IsActiveMember(r.Context(), chatID, userID)
	if err != nil || !ok {
		http.Error(w, "Not a member of this chat", http.StatusForbidden)
		return
	}

	realtime.ServeWS(s.hub, w, r, upgrader, userID, chatID)
}

// Storage handlers

func (s *Server) handleRequestUpload(w http.ResponseWriter, r *http.Request) {
	if s.storageService == nil {
		http.Error(w, "Attachments disabled", http.StatusServiceUnavailable)
		return
	}

	var req models.UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	chatID, err := uuid.Parse(req.ChatID)
	if err != nil {
		http.Error(w, "Invalid chat ID", http.StatusBadRequest)
		return
	}
	ok, err := s.chatService.IsActiveMember(r.Context(), chatID, requesterID(r))
	if err != nil || !ok {
		http.Error(w, "Not a member of this chat", http.StatusForbidden)
		return
	}

	resp, err := s.storageService.GenerateUploadURL(r.Context(), req)
	if err != nil {
		http.Error(w, "Failed to generate upload URL", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleRequestDownload(w http.ResponseWriter, r *http.Request) {
	if s.storageService == nil {
		http.Error(w, "Attachments disabled", http.StatusServiceUnavailable)
		return
	}

	var req models.DownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	resp, err := s.storageService.GenerateDownloadURL(r.Context(), req.StorageKey)
	if err != nil {
		http.Error(w, "Failed to generate download URL", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(resp)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return r.RemoteAddr
}
