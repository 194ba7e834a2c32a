// Package diagnostics mounts a small read-only Echo application a host
// process can expose to inspect a running netplay session: sync status,
// the buffer target, the remote frame, the rollback controller's phase
// and any latched rollback, and the rollback-adjusted current frame. No
// count of executed rollbacks or of frames rolled back is kept or
// reported.
package diagnostics

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/JimmiTeam/mupen64plus-core/rollback"
	"github.com/JimmiTeam/mupen64plus-core/session"
)

// SessionView is the subset of netplay.Session this package reads. It
// is an interface, rather than a dependency on the netplay package
// directly, so netplay (which already imports session and rollback)
// never has to import diagnostics back.
type SessionView interface {
	NetplayActive() bool
	Desynced() bool
	RollbackController() *rollback.Controller
	PeerSession() *session.Session
}

// Server is the Echo application exposing /status and /metrics.
type Server struct {
	echo *echo.Echo
	view SessionView
}

// New constructs a Server bound to view.
func New(view SessionView) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, view: view}
	e.GET("/status", s.handleStatus)
	e.GET("/metrics", s.handleMetrics)
	return s
}

// Echo exposes the underlying app, e.g. for httptest.NewServer.
func (s *Server) Echo() *echo.Echo { return s.echo }

type statusResponse struct {
	NetplayActive bool   `json:"netplay_active"`
	Desynced      bool   `json:"desynced"`
	SyncStatus    uint32 `json:"sync_status,omitempty"`
	RemoteFrame   uint64 `json:"remote_frame,omitempty"`
	BufferTarget  int    `json:"buffer_target,omitempty"`
}

func (s *Server) handleStatus(c echo.Context) error {
	resp := statusResponse{
		NetplayActive: s.view.NetplayActive(),
		Desynced:      s.view.Desynced(),
	}
	if peer := s.view.PeerSession(); peer != nil {
		resp.SyncStatus = uint32(peer.SyncStatus())
		resp.RemoteFrame = peer.RemoteFrame()
		resp.BufferTarget = peer.BufferTarget()
	}
	return c.JSON(http.StatusOK, resp)
}

type metricsResponse struct {
	CurrentFrame  uint64               `json:"current_frame,omitempty"`
	RollbackState rollback.Status      `json:"rollback_state,omitempty"`
	Pending       *rollback.PendingRollback `json:"pending_rollback,omitempty"`
}

func (s *Server) handleMetrics(c echo.Context) error {
	var resp metricsResponse
	if roll := s.view.RollbackController(); roll != nil {
		resp.CurrentFrame = roll.CurrentFrame()
		resp.RollbackState = roll.Status()
		resp.Pending = roll.Pending()
	}
	return c.JSON(http.StatusOK, resp)
}
