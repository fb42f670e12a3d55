package main

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/relaycrm/mailsync/internal/domain"
	"github.com/relaycrm/mailsync/internal/mutate"
	"github.com/relaycrm/mailsync/internal/provider"
	"github.com/relaycrm/mailsync/internal/store/sqlite"
	syncpkg "github.com/relaycrm/mailsync/internal/sync"
)

// server is the trigger/status/mutation API. Account management and auth
// live in the CRM backend; this surface is internal.
type server struct {
	db      *sqlite.Store
	manager *syncpkg.Manager
	mutator *mutate.Mutator
	log     zerolog.Logger
	engine  *gin.Engine
}

func newServer(db *sqlite.Store, manager *syncpkg.Manager, mutator *mutate.Mutator, log zerolog.Logger) *server {
	gin.SetMode(gin.ReleaseMode)
	s := &server{
		db:      db,
		manager: manager,
		mutator: mutator,
		log:     log.With().Str("component", "http").Logger(),
		engine:  gin.New(),
	}
	s.engine.Use(gin.Recovery())
	s.routes()
	return s
}

func (s *server) run(addr string) error {
	return s.engine.Run(addr)
}

func (s *server) routes() {
	r := s.engine

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST("/accounts/:id/sync", func(c *gin.Context) {
		if err := s.manager.Trigger(c.Request.Context(), c.Param("id")); err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "triggered"})
	})

	r.GET("/accounts/:id/sync", func(c *gin.Context) {
		st := s.manager.Status(c.Param("id"))
		resp := gin.H{"state": st.State}
		if !st.StartedAt.IsZero() {
			resp["started_at"] = st.StartedAt
		}
		if !st.FinishedAt.IsZero() {
			resp["finished_at"] = st.FinishedAt
		}
		if st.LastError != "" {
			resp["error"] = st.LastError
		}
		if st.LastResult != nil {
			resp["created"] = st.LastResult.Created
			resp["duplicates"] = st.LastResult.Duplicates
			resp["parse_failed"] = st.LastResult.ParseFailed
		}
		c.JSON(http.StatusOK, resp)
	})

	r.POST("/accounts/:id/sync/stop", func(c *gin.Context) {
		s.manager.Stop(c.Param("id"))
		c.JSON(http.StatusOK, gin.H{"status": "stopped"})
	})

	r.POST("/emails/:id/read", s.emailAction(func(c *gin.Context, acct *domain.Account, email *domain.Email) error {
		var req struct {
			Read bool `json:"read"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			return err
		}
		return s.mutator.MarkRead(c.Request.Context(), acct, email, req.Read)
	}))

	r.POST("/emails/:id/trash", s.emailAction(func(c *gin.Context, acct *domain.Account, email *domain.Email) error {
		return s.mutator.Trash(c.Request.Context(), acct, email)
	}))

	r.POST("/emails/:id/restore", s.emailAction(func(c *gin.Context, acct *domain.Account, email *domain.Email) error {
		return s.mutator.Restore(c.Request.Context(), acct, email)
	}))

	r.POST("/emails/:id/spam", s.emailAction(func(c *gin.Context, acct *domain.Account, email *domain.Email) error {
		return s.mutator.MarkSpam(c.Request.Context(), acct, email)
	}))

	r.DELETE("/emails/:id", s.emailAction(func(c *gin.Context, acct *domain.Account, email *domain.Email) error {
		return s.mutator.Delete(c.Request.Context(), acct, email)
	}))

	r.POST("/accounts/:id/drafts", func(c *gin.Context) {
		acct, ok := s.account(c)
		if !ok {
			return
		}
		var req draftRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		draftID, err := s.mutator.SaveDraft(c.Request.Context(), acct, req.toDraft(), req.DraftID)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"draft_id": draftID})
	})

	r.DELETE("/accounts/:id/drafts/:draftID", func(c *gin.Context) {
		acct, ok := s.account(c)
		if !ok {
			return
		}
		if err := s.mutator.DeleteDraft(c.Request.Context(), acct, c.Param("draftID")); err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "deleted"})
	})

	r.POST("/accounts/:id/send", func(c *gin.Context) {
		acct, ok := s.account(c)
		if !ok {
			return
		}
		var req draftRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if len(req.To) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "at least one recipient required"})
			return
		}
		messageID, err := s.mutator.Send(c.Request.Context(), acct, req.toDraft())
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"provider_message_id": messageID})
	})
}

type draftRequest struct {
	DraftID string   `json:"draft_id"`
	To      []string `json:"to"`
	Cc      []string `json:"cc"`
	Bcc     []string `json:"bcc"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
	HTML    bool     `json:"html"`
}

func (r *draftRequest) toDraft() *provider.Draft {
	parse := func(addrs []string) []domain.Address {
		var out []domain.Address
		for _, a := range addrs {
			if parsed := domain.ParseAddress(a); parsed.Email != "" {
				out = append(out, parsed)
			}
		}
		return out
	}
	return &provider.Draft{
		To:      parse(r.To),
		Cc:      parse(r.Cc),
		Bcc:     parse(r.Bcc),
		Subject: r.Subject,
		Body:    r.Body,
		HTML:    r.HTML,
	}
}

func (s *server) account(c *gin.Context) (*domain.Account, bool) {
	acct, err := s.db.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return nil, false
	}
	return acct, true
}

// emailAction resolves the email and its account before running the
// mutation.
func (s *server) emailAction(fn func(*gin.Context, *domain.Account, *domain.Email) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		email, err := s.db.GetEmail(c.Request.Context(), c.Param("id"))
		if err != nil {
			s.fail(c, err)
			return
		}
		acct, err := s.db.GetAccount(c.Request.Context(), email.AccountID)
		if err != nil {
			s.fail(c, err)
			return
		}
		if err := fn(c, acct, email); err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func (s *server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrAuthExpired):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "account requires reauthentication"})
	case errors.Is(err, domain.ErrConfigurationMissing):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		s.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
