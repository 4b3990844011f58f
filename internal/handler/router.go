package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/classline/messenger/internal/fileserver"
	"github.com/classline/messenger/internal/middleware"
	"github.com/classline/messenger/internal/storage"
	"github.com/classline/messenger/internal/store"
	"github.com/classline/messenger/internal/ws"
)

// RouterDeps carries everything the HTTP surface needs.
type RouterDeps struct {
	Store          store.Store
	Sessions       storage.SessionStore
	Files          *fileserver.Store
	Hub            *ws.Hub
	Push           func(userID, title, body string, data map[string]string)
	VAPIDPublicKey string
	AllowedOrigins string
}

// NewRouter assembles the full route table with the shared middleware stack.
func NewRouter(deps RouterDeps) chi.Router {
	convH := NewConversationHandler(deps.Store)
	msgH := NewMessageHandler(deps.Store, deps.Files, deps.Hub, deps.Push)
	userH := NewUserHandler(deps.Store, deps.Sessions)
	pushH := NewPushHandler(deps.Sessions, deps.VAPIDPublicKey)
	wsH := NewWSHandler(deps.Hub, deps.AllowedOrigins)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	// Never compress WebSocket: a wrapped ResponseWriter loses http.Hijacker
	// and the upgrade fails with a 500.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			chimw.Compress(5)(next).ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(middleware.SecureHeaders)
	r.Use(middleware.RateLimitAPI)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{deps.AllowedOrigins},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/api/files/{filename}", func(w http.ResponseWriter, r *http.Request) {
		deps.Files.Serve(w, r, chi.URLParam(r, "filename"))
	})
	r.Get("/api/push/key", pushH.PublicKey)

	r.Group(func(r chi.Router) {
		r.Use(middleware.InternalOnly)
		r.Post("/internal/users", userH.Provision)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.BearerAuth(deps.Sessions))
		r.Get("/api/me", userH.Me)
		r.Get("/api/conversations", convH.List)
		r.Get("/api/conversations/{id}/messages", msgH.List)
		r.Post("/api/messages", msgH.Send)
		r.Post("/api/push/subscribe", pushH.Subscribe)
		r.Delete("/api/push/subscribe", pushH.Unsubscribe)
		r.Get("/ws", wsH.ServeWS)
	})

	return r
}
