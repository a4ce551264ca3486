package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"sproutly/api/internal/auth"
	"sproutly/api/internal/retry"
	"sproutly/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)

	r.Options("/*", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)

	r.Post("/api/session/login", s.handleLogin)
	r.Get("/api/session", s.handleSession)

	r.Get("/api/forums", s.handleListForums)
	r.Get("/api/forums/{forumSlug}/posts", s.handleListPosts)
	r.Get("/api/posts/{postID}", s.handleGetPost)
	r.Post("/api/posts/{postID}/view", s.handleViewPost)
	r.Get("/api/posts/{postID}/replies", s.handleReplyTree)

	r.Group(func(r chi.Router) {
		r.Use(s.requireSession)

		r.Post("/api/forums/{forumSlug}/posts", s.handleCreatePost)
		r.Post("/api/posts/{postID}/pin", s.handlePinPost)
		r.Post("/api/posts/{postID}/solve", s.handleSolvePost)
		r.Post("/api/posts/{postID}/close", s.handleClosePost)
		r.Post("/api/posts/{postID}/reopen", s.handleReopenPost)
		r.Delete("/api/posts/{postID}", s.handleDeletePost)

		r.Post("/api/posts/{postID}/replies", s.handleCreateReply)
		r.Put("/api/replies/{replyID}", s.handleUpdateReply)
		r.Delete("/api/replies/{replyID}", s.handleDeleteReply)
		r.Post("/api/replies/{replyID}/helpful", s.handleMarkHelpful)

		r.Post("/api/posts/{postID}/votes", s.handleCastVote(store.VoteTargetPost, "postID"))
		r.Delete("/api/posts/{postID}/votes", s.handleRetractVote(store.VoteTargetPost, "postID"))
		r.Post("/api/replies/{replyID}/votes", s.handleCastVote(store.VoteTargetReply, "replyID"))
		r.Delete("/api/replies/{replyID}/votes", s.handleRetractVote(store.VoteTargetReply, "replyID"))
	})

	return r
}

// === health ===

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// === session ===

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.Login(r.Context(), body.Name)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":    session.Token,
		"userId":   session.UserID,
		"userName": session.UserName,
		"role":     string(session.Role),
	})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
		return
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"userId":        session.UserID,
		"userName":      session.UserName,
		"role":          string(session.Role),
	})
}

// === forums and posts ===

func (s *HTTPServer) handleListForums(w http.ResponseWriter, r *http.Request) {
	payload, err := s.service.ListForums(r.Context())
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleListPosts(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, codeValidation, "limit must be an integer", nil)
			return
		}
		limit = parsed
	}
	offset := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, codeValidation, "offset must be an integer", nil)
			return
		}
		offset = parsed
	}

	payload, err := s.service.ListPosts(r.Context(), chi.URLParam(r, "forumSlug"), limit, offset)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	var input CreatePostInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if input.IdempotencyKey == "" {
		input.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	payload, err := s.service.CreatePost(r.Context(), chi.URLParam(r, "forumSlug"), session, input)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, payload)
}

func (s *HTTPServer) handleGetPost(w http.ResponseWriter, r *http.Request) {
	viewerID := ""
	if session, ok := s.optionalSession(r); ok {
		viewerID = session.UserID
	}
	payload, err := s.service.GetPost(r.Context(), chi.URLParam(r, "postID"), viewerID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleViewPost(w http.ResponseWriter, r *http.Request) {
	payload, err := s.service.ViewPost(r.Context(), chi.URLParam(r, "postID"))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handlePinPost(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	var body struct {
		Pinned *bool `json:"pinned"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	pinned := true
	if body.Pinned != nil {
		pinned = *body.Pinned
	}
	payload, err := s.service.SetPinned(r.Context(), chi.URLParam(r, "postID"), session, pinned)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleSolvePost(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	var body struct {
		Solved *bool `json:"solved"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	solved := true
	if body.Solved != nil {
		solved = *body.Solved
	}
	payload, err := s.service.MarkSolved(r.Context(), chi.URLParam(r, "postID"), session, solved)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleClosePost(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	payload, err := s.service.ClosePost(r.Context(), chi.URLParam(r, "postID"), session)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleReopenPost(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	payload, err := s.service.ReopenPost(r.Context(), chi.URLParam(r, "postID"), session)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleDeletePost(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	if err := s.service.DeletePost(r.Context(), chi.URLParam(r, "postID"), session); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// === replies ===

func (s *HTTPServer) handleCreateReply(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	var input CreateReplyInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if input.IdempotencyKey == "" {
		input.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	payload, err := s.service.CreateReply(r.Context(), chi.URLParam(r, "postID"), session, input)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, payload)
}

func (s *HTTPServer) handleReplyTree(w http.ResponseWriter, r *http.Request) {
	forest, err := s.service.ReplyTree(r.Context(), chi.URLParam(r, "postID"))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"replies": forest})
}

func (s *HTTPServer) handleUpdateReply(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	var body struct {
		Body string `json:"body"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	payload, err := s.service.UpdateReply(r.Context(), chi.URLParam(r, "replyID"), session, body.Body)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleDeleteReply(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	if err := s.service.DeleteReply(r.Context(), chi.URLParam(r, "replyID"), session); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleMarkHelpful(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	var body struct {
		Helpful *bool `json:"helpful"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	helpful := true
	if body.Helpful != nil {
		helpful = *body.Helpful
	}
	payload, err := s.service.MarkReplyHelpful(r.Context(), chi.URLParam(r, "replyID"), session, helpful)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// === votes ===

func (s *HTTPServer) handleCastVote(targetKind, param string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session := sessionFromContext(r.Context())
		var input VoteInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if input.Direction == "" {
			input.Direction = "up"
		}
		if input.IdempotencyKey == "" {
			input.IdempotencyKey = r.Header.Get("Idempotency-Key")
		}
		payload, err := s.service.CastVote(r.Context(), session, targetKind, chi.URLParam(r, param), input)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	}
}

func (s *HTTPServer) handleRetractVote(targetKind, param string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session := sessionFromContext(r.Context())
		payload, err := s.service.RetractVote(r.Context(), session, targetKind, chi.URLParam(r, param))
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	}
}

// === middleware ===

type sessionContextKey struct{}

func (s *HTTPServer) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, ok := s.optionalSession(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		ctx := context.WithValue(r.Context(), sessionContextKey{}, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *HTTPServer) optionalSession(r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		return Session{}, false
	}
	return session, true
}

func sessionFromContext(ctx context.Context) Session {
	session, _ := ctx.Value(sessionContextKey{}).(Session)
	return session
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

// === helpers ===

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
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
		// An absent body means "use the defaults" for toggle endpoints.
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, codeNotFound, "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if retry.Transient(err) {
		return http.StatusServiceUnavailable, codeUnavailable, "Backend temporarily unavailable", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
