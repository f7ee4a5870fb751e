package handlers

import (
	"context"
	"errors"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/jmylchreest/tsbridge/internal/relay"
)

// SessionLister is the read side of the relay manager.
type SessionLister interface {
	Sessions() []relay.SessionInfo
	Get(id uuid.UUID) (relay.SessionInfo, error)
}

// SessionsHandler exposes live relay sessions.
type SessionsHandler struct {
	sessions SessionLister
}

// NewSessionsHandler creates a sessions handler.
func NewSessionsHandler(sessions SessionLister) *SessionsHandler {
	return &SessionsHandler{sessions: sessions}
}

// ListSessionsInput is the input for listing sessions.
type ListSessionsInput struct{}

// ListSessionsOutput is the output for listing sessions.
type ListSessionsOutput struct {
	Body ListSessionsResponse
}

// ListSessionsResponse lists live sessions, oldest first.
type ListSessionsResponse struct {
	Count    int                 `json:"count"`
	Sessions []relay.SessionInfo `json:"sessions"`
}

// GetSessionInput is the input for fetching one session.
type GetSessionInput struct {
	ID string `path:"id" format:"uuid" doc:"Session ID"`
}

// GetSessionOutput is the output for fetching one session.
type GetSessionOutput struct {
	Body relay.SessionInfo
}

// Register registers the session routes with the API.
func (h *SessionsHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listSessions",
		Method:      "GET",
		Path:        "/api/v1/sessions",
		Summary:     "List sessions",
		Description: "Returns every active playback session with its data source counters",
		Tags:        []string{"Sessions"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getSession",
		Method:      "GET",
		Path:        "/api/v1/sessions/{id}",
		Summary:     "Get session",
		Tags:        []string{"Sessions"},
	}, h.Get)
}

// List returns all live sessions.
func (h *SessionsHandler) List(_ context.Context, _ *ListSessionsInput) (*ListSessionsOutput, error) {
	sessions := h.sessions.Sessions()
	return &ListSessionsOutput{Body: ListSessionsResponse{Count: len(sessions), Sessions: sessions}}, nil
}

// Get returns one session.
func (h *SessionsHandler) Get(_ context.Context, input *GetSessionInput) (*GetSessionOutput, error) {
	id, err := uuid.Parse(input.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid session id", err)
	}

	info, err := h.sessions.Get(id)
	if err != nil {
		if errors.Is(err, relay.ErrSessionNotFound) {
			return nil, huma.Error404NotFound("session not found")
		}
		return nil, huma.Error500InternalServerError("failed to get session", err)
	}
	return &GetSessionOutput{Body: info}, nil
}
