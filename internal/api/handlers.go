package api

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log"
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"bollipi/internal/auth"
	"bollipi/internal/dialog"
	"bollipi/internal/models"
	"bollipi/internal/service/account"
	"bollipi/internal/service/ai"
	"bollipi/internal/service/submission"
	"bollipi/internal/worker"
)

const (
	maxUploadBytes      = 10 << 20 // 10 MiB
	deviceHeader        = "X-Device-ID"
	encryptionKeyHeader = "X-Encryption-Key"
	sessionContextKey   = "bollipi_session"
)

type SessionManager interface {
	Create(lang models.Language) (*worker.Session, error)
	Get(id string) (*worker.Session, error)
	Close(id string) error
	LastSnapshot(ctx context.Context, id string) (dialog.Snapshot, bool)
}

// Handler wires HTTP routes to the session manager, the submission store and
// the account services.
type Handler struct {
	accounts    *account.Service
	auth        *auth.Service
	sessions    SessionManager
	submissions *submission.Store
	upgrader    websocket.Upgrader
}

func NewHandler(accounts *account.Service, authService *auth.Service, sessions SessionManager, store *submission.Store) *Handler {
	return &Handler{
		accounts:    accounts,
		auth:        authService,
		sessions:    sessions,
		submissions: store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 64 * 1024,
		},
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)

	authMW := h.auth.Middleware()
	optionalMW := h.auth.OptionalMiddleware()
	csrfMW := h.auth.CSRFMiddleware()

	users := api.Group("/users", authMW, csrfMW)
	users.POST("/logout", h.logoutUser)
	users.DELETE("/me", h.deleteUser)

	api.POST("/sessions", h.createSession)
	sessions := api.Group("/sessions/:sid")
	sessions.GET("", h.getSession)
	sessions.Use(h.requireSession())
	sessions.DELETE("", h.closeSession)
	sessions.POST("/start", h.startSession)
	sessions.POST("/stop", h.stopSession)
	sessions.POST("/reset", h.resetSession)
	sessions.POST("/fields/:field/select", h.selectField)
	sessions.PUT("/fields/:field", h.editField)
	sessions.POST("/transcript", h.postTranscript)
	sessions.POST("/document", h.uploadDocument)
	sessions.POST("/submit", optionalMW, csrfMW, h.submitForm)
	sessions.GET("/voice", h.voiceSocket)

	submissions := api.Group("/submissions", optionalMW, csrfMW)
	submissions.GET("", h.listSubmissions)
	submissions.DELETE("", h.clearSubmissions)
}

// User create&login interface
type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.accounts.RegisterUser(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, account.ErrUsernameTaken):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, account.ErrMissingCredentials):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			log.Printf("api: register user: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "register failed"})
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
	})
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.accounts.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	h.setAuthCookies(c, authToken, csrfToken)
	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
		"auth_token": authToken,
	})
}

func (h *Handler) logoutUser(c *gin.Context) {
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		_ = h.auth.RevokeToken(c.Request.Context(), authToken)
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteUser(c *gin.Context) {
	id, ok := auth.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	if err := h.auth.RevokeUserTokens(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := h.accounts.DeleteUser(c.Request.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

type languageRequest struct {
	Lang string `json:"lang"`
}

func (h *Handler) createSession(c *gin.Context) {
	var req languageRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	var lang models.Language
	if req.Lang != "" {
		parsed, err := models.ParseLanguage(req.Lang)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		lang = parsed
	}
	s, err := h.sessions.Create(lang)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"session_id": s.ID,
		"state":      s.Controller.Snapshot(),
	})
}

// getSession answers for expired sessions too, with their last known state.
func (h *Handler) getSession(c *gin.Context) {
	id := c.Param("sid")
	s, err := h.sessions.Get(id)
	if err == nil {
		c.JSON(http.StatusOK, s.Controller.Snapshot())
		return
	}
	if snap, ok := h.sessions.LastSnapshot(c.Request.Context(), id); ok {
		c.JSON(http.StatusGone, gin.H{"error": "session expired", "state": snap})
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": worker.ErrSessionNotFound.Error()})
}

func (h *Handler) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		s, err := h.sessions.Get(c.Param("sid"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.Set(sessionContextKey, s)
		c.Next()
	}
}

func sessionFromContext(c *gin.Context) *worker.Session {
	val, _ := c.Get(sessionContextKey)
	s, _ := val.(*worker.Session)
	return s
}

func (h *Handler) closeSession(c *gin.Context) {
	if err := h.sessions.Close(c.Param("sid")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) startSession(c *gin.Context) {
	s := sessionFromContext(c)
	var req languageRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	if req.Lang != "" {
		if err := s.SetLanguage(req.Lang); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if err := s.Controller.Start(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.Controller.Snapshot())
}

func (h *Handler) stopSession(c *gin.Context) {
	s := sessionFromContext(c)
	s.Controller.Stop()
	c.JSON(http.StatusOK, s.Controller.Snapshot())
}

func (h *Handler) resetSession(c *gin.Context) {
	s := sessionFromContext(c)
	s.Controller.Reset()
	c.JSON(http.StatusOK, s.Controller.Snapshot())
}

func (h *Handler) selectField(c *gin.Context) {
	s := sessionFromContext(c)
	idx := models.FieldIndex(models.FieldID(c.Param("field")))
	if idx < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown field"})
		return
	}
	if err := s.Controller.SelectField(c.Request.Context(), idx); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.Controller.Snapshot())
}

type editRequest struct {
	Value string `json:"value"`
}

func (h *Handler) editField(c *gin.Context) {
	s := sessionFromContext(c)
	var req editRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := s.Controller.EditField(models.FieldID(c.Param("field")), req.Value); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.Controller.Snapshot())
}

type transcriptRequest struct {
	Text string `json:"text"`
}

// postTranscript is the text channel for clients doing their own recognition.
func (h *Handler) postTranscript(c *gin.Context) {
	s := sessionFromContext(c)
	var req transcriptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := s.Controller.HandleTranscript(req.Text); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, s.Controller.Snapshot())
}

func (h *Handler) uploadDocument(c *gin.Context) {
	s := sessionFromContext(c)
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes+1<<20)
	file, err := c.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if file.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "open file failed"})
		return
	}
	data, err := io.ReadAll(f)
	_ = f.Close()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read file failed"})
		return
	}
	contentType := file.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	doc := ai.Document{Name: filepath.Base(file.Filename), MIMEType: contentType, Data: data}
	record, err := s.Controller.LoadDocument(c.Request.Context(), doc)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"form": record, "state": s.Controller.Snapshot()})
}

type submitRequest struct {
	Encrypt bool   `json:"encrypt"`
	Key     string `json:"key"`
}

// submitForm stores the captured form and starts the session over.
func (h *Handler) submitForm(c *gin.Context) {
	s := sessionFromContext(c)
	var req submitRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	saved, err := h.submissions.Submit(c.Request.Context(), s.Controller.Form(), identity(c),
		submission.EncryptionOptions{Enabled: req.Encrypt, Passphrase: req.Key})
	if err != nil {
		writeError(c, err)
		return
	}
	s.Controller.Reset()
	c.JSON(http.StatusCreated, saved)
}

func (h *Handler) voiceSocket(c *gin.Context) {
	s := sessionFromContext(c)
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already replied.
		log.Printf("api: voice upgrade for %s: %v", s.ID, err)
		return
	}
	if err := s.Attach(c.Request.Context(), conn); err != nil {
		log.Printf("api: voice socket for %s: %v", s.ID, err)
	}
}

func (h *Handler) listSubmissions(c *gin.Context) {
	list, err := h.submissions.List(c.Request.Context(), identity(c), c.GetHeader(encryptionKeyHeader))
	if err != nil {
		writeError(c, err)
		return
	}
	if list == nil {
		list = make([]models.SubmittedForm, 0)
	}
	c.JSON(http.StatusOK, gin.H{"submissions": list})
}

func (h *Handler) clearSubmissions(c *gin.Context) {
	confirmed := c.Query("confirm") == "true"
	if err := h.submissions.Clear(c.Request.Context(), identity(c), confirmed); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// identity picks the remote collection for signed-in callers and the
// device's local list otherwise.
func identity(c *gin.Context) submission.Identity {
	id := submission.Identity{DeviceID: c.GetHeader(deviceHeader)}
	if userID, ok := auth.UserIDFromContext(c); ok {
		id.UserID = userID
	}
	return id
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case ai.IsQuotaExhausted(err):
		status = http.StatusTooManyRequests
	case errors.Is(err, submission.ErrKeyTooShort),
		errors.Is(err, submission.ErrEmptyForm),
		errors.Is(err, submission.ErrNotConfirmed),
		errors.Is(err, dialog.ErrInvalidField),
		errors.Is(err, ai.ErrUnsupportedDocument):
		status = http.StatusBadRequest
	case errors.Is(err, dialog.ErrNotAwaiting),
		errors.Is(err, dialog.ErrStale):
		status = http.StatusConflict
	case errors.Is(err, submission.ErrPersistence),
		errors.Is(err, submission.ErrNoRemote):
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		log.Printf("api: %s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	setCookie(c, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	setCookie(c, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		setCookie(c, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func setCookie(c *gin.Context, ck *http.Cookie) {
	if ck == nil {
		return
	}
	http.SetCookie(c.Writer, ck)
}
