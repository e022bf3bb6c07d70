package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"coedit/api/internal/access"
	"coedit/api/internal/auth"
	"coedit/api/internal/comments"
	"coedit/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	realtime   http.Handler
	secret     []byte
	corsOrigin string
	logger     *zap.Logger
}

// NewHTTPServer serves the REST API. realtime, when non-nil, handles
// websocket upgrades on /ws/documents/{id}.
func NewHTTPServer(service *Service, realtime http.Handler, secret []byte, corsOrigin string, logger *zap.Logger) *HTTPServer {
	return &HTTPServer{
		service:    service,
		realtime:   realtime,
		secret:     secret,
		corsOrigin: corsOrigin,
		logger:     logger,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.requireIdentity)
	api.HandleFunc("/documents", s.handleListDocuments).Methods(http.MethodGet)
	api.HandleFunc("/documents", s.handleCreateDocument).Methods(http.MethodPost)
	api.HandleFunc("/documents/starred", s.handleListStarred).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id}", s.handleGetDocument).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id}", s.handleUpdateDocument).Methods(http.MethodPatch)
	api.HandleFunc("/documents/{id}", s.handleDeleteDocument).Methods(http.MethodDelete)
	api.HandleFunc("/documents/{id}/content", s.handleSaveContent).Methods(http.MethodPut)
	api.HandleFunc("/documents/{id}/trash", s.handleTrash).Methods(http.MethodPost)
	api.HandleFunc("/documents/{id}/restore", s.handleRestore).Methods(http.MethodPost)
	api.HandleFunc("/documents/{id}/copy", s.handleCopy).Methods(http.MethodPost)
	api.HandleFunc("/documents/{id}/star", s.handleStar).Methods(http.MethodPut)
	api.HandleFunc("/documents/{id}/star", s.handleUnstar).Methods(http.MethodDelete)

	api.HandleFunc("/documents/{id}/collaborators", s.handleListCollaborators).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id}/collaborators", s.handleInvite).Methods(http.MethodPost)
	api.HandleFunc("/documents/{id}/collaborators/{grantID}", s.handleUpdateCollaborator).Methods(http.MethodPatch)
	api.HandleFunc("/documents/{id}/collaborators/{grantID}", s.handleRemoveCollaborator).Methods(http.MethodDelete)
	api.HandleFunc("/invitations/accept", s.handleAcceptInvitations).Methods(http.MethodPost)

	api.HandleFunc("/documents/{id}/comments", s.handleListThreads).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id}/comments", s.handleCreateThread).Methods(http.MethodPost)
	api.HandleFunc("/documents/{id}/comments/{threadID}/replies", s.handleReply).Methods(http.MethodPost)
	api.HandleFunc("/documents/{id}/comments/{threadID}/resolve", s.handleResolve(true)).Methods(http.MethodPost)
	api.HandleFunc("/documents/{id}/comments/{threadID}/reopen", s.handleResolve(false)).Methods(http.MethodPost)
	api.HandleFunc("/documents/{id}/comments/{commentID}", s.handleDeleteComment).Methods(http.MethodDelete)

	if s.realtime != nil {
		ws := r.PathPrefix("/ws").Subrouter()
		ws.Use(s.requireIdentity)
		ws.Handle("/documents/{id}", s.realtime).Methods(http.MethodGet)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return s.withMiddleware(r)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	WriteError(w, status, code, message, details)
}

func (s *HTTPServer) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	who := identity(r)
	trashed := r.URL.Query().Get("trashed") == "true"
	docs, err := s.service.ListDocuments(r.Context(), who, trashed)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (s *HTTPServer) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title   string          `json:"title"`
		Content json.RawMessage `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil {
		WriteError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	d, err := s.service.CreateDocument(r.Context(), identity(r), body.Title, body.Content)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"document": d})
}

func (s *HTTPServer) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	d, err := s.service.GetDocument(r.Context(), identity(r), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"document": d})
}

func (s *HTTPServer) handleUpdateDocument(w http.ResponseWriter, r *http.Request) {
	var patch store.DocumentPatch
	if err := decodeBody(r, &patch); err != nil {
		WriteError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	d, err := s.service.UpdateDocument(r.Context(), identity(r), mux.Vars(r)["id"], patch)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"document": d})
}

func (s *HTTPServer) handleSaveContent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content json.RawMessage `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil {
		WriteError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if len(body.Content) == 0 {
		WriteError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
		return
	}
	if err := s.service.SaveContent(r.Context(), identity(r), mux.Vars(r)["id"], body.Content); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleTrash(w http.ResponseWriter, r *http.Request) {
	d, err := s.service.TrashDocument(r.Context(), identity(r), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"document": d})
}

func (s *HTTPServer) handleRestore(w http.ResponseWriter, r *http.Request) {
	d, err := s.service.RestoreDocument(r.Context(), identity(r), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"document": d})
}

func (s *HTTPServer) handleListStarred(w http.ResponseWriter, r *http.Request) {
	docs, err := s.service.ListStarred(r.Context(), identity(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (s *HTTPServer) handleStar(w http.ResponseWriter, r *http.Request) {
	d, err := s.service.StarDocument(r.Context(), identity(r), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"document": d})
}

func (s *HTTPServer) handleUnstar(w http.ResponseWriter, r *http.Request) {
	if err := s.service.UnstarDocument(r.Context(), identity(r), mux.Vars(r)["id"]); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteDocument(r.Context(), identity(r), mux.Vars(r)["id"]); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleCopy(w http.ResponseWriter, r *http.Request) {
	d, err := s.service.CopyDocument(r.Context(), identity(r), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"document": d})
}

func (s *HTTPServer) handleListCollaborators(w http.ResponseWriter, r *http.Request) {
	grants, err := s.service.ListCollaborators(r.Context(), identity(r), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"collaborators": grants})
}

func (s *HTTPServer) handleInvite(w http.ResponseWriter, r *http.Request) {
	var body InviteInput
	if err := decodeBody(r, &body); err != nil {
		WriteError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	g, err := s.service.Invite(r.Context(), identity(r), mux.Vars(r)["id"], body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"collaborator": g})
}

func (s *HTTPServer) handleUpdateCollaborator(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Access access.Tier `json:"access_level"`
	}
	if err := decodeBody(r, &body); err != nil {
		WriteError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	vars := mux.Vars(r)
	g, err := s.service.UpdateCollaborator(r.Context(), identity(r), vars["id"], vars["grantID"], body.Access)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"collaborator": g})
}

func (s *HTTPServer) handleRemoveCollaborator(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.service.RemoveCollaborator(r.Context(), identity(r), vars["id"], vars["grantID"]); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleAcceptInvitations(w http.ResponseWriter, r *http.Request) {
	n, err := s.service.AcceptInvitations(r.Context(), identity(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": n})
}

func (s *HTTPServer) handleListThreads(w http.ResponseWriter, r *http.Request) {
	filter := comments.Filter(strings.TrimSpace(r.URL.Query().Get("filter")))
	threads, err := s.service.Threads(r.Context(), identity(r), mux.Vars(r)["id"], filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": threads})
}

func (s *HTTPServer) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var body ThreadInput
	if err := decodeBody(r, &body); err != nil {
		WriteError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	c, err := s.service.CreateThread(r.Context(), identity(r), mux.Vars(r)["id"], body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"comment": c})
}

func (s *HTTPServer) handleReply(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil {
		WriteError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	vars := mux.Vars(r)
	c, err := s.service.Reply(r.Context(), identity(r), vars["id"], vars["threadID"], body.Content)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"comment": c})
}

func (s *HTTPServer) handleResolve(resolved bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		c, err := s.service.SetResolved(r.Context(), identity(r), vars["id"], vars["threadID"], resolved)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"comment": c})
	}
}

func (s *HTTPServer) handleDeleteComment(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	n, err := s.service.DeleteComment(r.Context(), identity(r), vars["id"], vars["commentID"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

func (s *HTTPServer) requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.BearerToken(r)
		if err != nil {
			WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		who, err := auth.ParseToken(s.secret, token)
		if err != nil {
			WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), who)))
	})
}

func identity(r *http.Request) auth.Identity {
	who, _ := auth.IdentityFrom(r.Context())
	return who
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = randomRequestID()
		}
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id))

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", id)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		s.logger.Info("request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Duration("duration", time.Since(started)),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets websocket upgrades pass through the middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteError writes the API's JSON error body. The realtime gateway answers
// failed upgrades with it too.
func WriteError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}
