// Package server exposes the watcher's HTTP surface: the Pub/Sub push
// endpoint that triggers sync runs, watch refresh, handler administration
// and the OAuth callback.
package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
	"golang.org/x/oauth2"

	"github.com/03felipesampaio/gmail-bills-and-statements-watcher/internal/auth"
	"github.com/03felipesampaio/gmail-bills-and-statements-watcher/internal/condition"
	"github.com/03felipesampaio/gmail-bills-and-statements-watcher/internal/handler"
	"github.com/03felipesampaio/gmail-bills-and-statements-watcher/internal/store/sqlite"
	"github.com/03felipesampaio/gmail-bills-and-statements-watcher/internal/watcher"
)

// Server wires the HTTP routes to the watcher.
type Server struct {
	Manager  *watcher.Manager
	Verifier *auth.PushVerifier
	Store    *sqlite.Store
	OAuth    *oauth2.Config
	Log      *slog.Logger
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.Default()

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST("/notifications", s.pushAuth(), s.handleNotification)
	r.POST("/watch/refresh", s.refreshWatches)
	r.GET("/users/:email/handlers", s.listHandlers)
	r.PUT("/users/:email/handlers", s.replaceHandlers)
	r.GET("/oauth2/callback", s.oauthCallback)

	return r
}

// pushAuth verifies the OIDC bearer token Pub/Sub attaches to push requests.
func (s *Server) pushAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.Verifier == nil {
			c.Next()
			return
		}
		if err := s.Verifier.VerifyRequest(c.Request); err != nil {
			s.log().Warn("rejected push request", "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid push token"})
			return
		}
		c.Next()
	}
}

// pushEnvelope is the Pub/Sub push request body.
type pushEnvelope struct {
	Message struct {
		Data      string `json:"data" binding:"required"`
		MessageID string `json:"messageId"`
	} `json:"message" binding:"required"`
	Subscription string `json:"subscription"`
}

// notification is the Gmail payload inside the envelope's data field.
type notification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// handleNotification runs one sync pass for the notified principal. Any
// failure answers non-2xx so Pub/Sub redelivers the notification; the
// checkpoint only ever advances past fully processed entries, so redelivery
// is safe.
func (s *Server) handleNotification(c *gin.Context) {
	var envelope pushEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	raw, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message data is not base64"})
		return
	}
	var note notification
	if err := json.Unmarshal(raw, &note); err != nil || note.EmailAddress == "" || note.HistoryID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed notification payload"})
		return
	}

	s.log().Info("received notification", "principal", note.EmailAddress, "history_id", note.HistoryID)

	err = s.Manager.Sync(c.Request.Context(), note.EmailAddress, watcher.Cursor(note.HistoryID))
	switch {
	case errors.Is(err, watcher.ErrSyncInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		s.log().Error("sync failed", "principal", note.EmailAddress, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.Status(http.StatusNoContent)
	}
}

func (s *Server) refreshWatches(c *gin.Context) {
	if err := s.Manager.RefreshWatches(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "refreshed"})
}

func (s *Server) listHandlers(c *gin.Context) {
	docs, err := s.Store.ListHandlers(c.Request.Context(), c.Param("email"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if docs == nil {
		docs = []handler.Document{}
	}
	c.JSON(http.StatusOK, docs)
}

func (s *Server) replaceHandlers(c *gin.Context) {
	var docs []handler.Document
	if err := c.ShouldBindJSON(&docs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	for _, doc := range docs {
		if doc.Name == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "handler without a name"})
			return
		}
		if _, err := condition.Parse(doc.FilterCondition); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		for _, action := range doc.Actions {
			if !slices.Contains(handler.BuiltinKinds, action.Kind) {
				c.JSON(http.StatusBadRequest, gin.H{"error": (&handler.UnknownActionKindError{Kind: action.Kind}).Error()})
				return
			}
		}
	}
	if err := s.Store.ReplaceHandlers(c.Request.Context(), c.Param("email"), docs); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(docs)})
}

// oauthCallback completes the OAuth flow. The state parameter carries the
// principal the authorization was started for.
func (s *Server) oauthCallback(c *gin.Context) {
	code := c.Query("code")
	principal := c.Query("state")
	if code == "" || principal == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing code or state"})
		return
	}

	tok, err := s.OAuth.Exchange(c.Request.Context(), code)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if err := s.Store.SetToken(c.Request.Context(), principal, tok); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.log().Info("stored OAuth token", "principal", principal)
	c.JSON(http.StatusOK, gin.H{"status": "authorized", "principal": principal})
}

func (s *Server) log() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}
