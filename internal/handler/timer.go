package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"github.com/ksaito/crewdesk/backend/internal/model"
	"github.com/ksaito/crewdesk/backend/internal/timer"
)

// TimerHandler handles timer start/stop and session queries.
type TimerHandler struct {
	manager   *timer.Manager
	jwtSecret string
}

// NewTimerHandler creates a new TimerHandler.
func NewTimerHandler(manager *timer.Manager, jwtSecret string) *TimerHandler {
	return &TimerHandler{manager: manager, jwtSecret: jwtSecret}
}

type startRequest struct {
	SyncWithCalendar bool `json:"syncWithCalendar"`
}

type stopRequest struct {
	Description      string `json:"description"`
	Billable         bool   `json:"billable"`
	SyncWithCalendar bool   `json:"syncWithCalendar"`
}

// Start begins tracking a work item.
func (h *TimerHandler) Start(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	userID, err := GetUserID(req, h.jwtSecret)
	if err != nil {
		return events.APIGatewayProxyResponse{StatusCode: http.StatusUnauthorized, Body: "Unauthorized"}, nil
	}

	workItemID := req.PathParameters["workItemId"]
	if workItemID == "" {
		return events.APIGatewayProxyResponse{StatusCode: http.StatusBadRequest, Body: "Missing work item ID"}, nil
	}

	var body startRequest
	if req.Body != "" {
		if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
			return events.APIGatewayProxyResponse{StatusCode: http.StatusBadRequest, Body: "Invalid request body"}, nil
		}
	}

	result, err := h.manager.Start(ctx, workItemID, userID, body.SyncWithCalendar)
	if err != nil {
		if errors.Is(err, timer.ErrActiveSessionExists) {
			return events.APIGatewayProxyResponse{StatusCode: http.StatusConflict, Body: "Work item already has an active session"}, nil
		}
		return events.APIGatewayProxyResponse{StatusCode: http.StatusInternalServerError, Body: "Failed to start timer"}, nil
	}

	respBody, _ := json.Marshal(result)
	return events.APIGatewayProxyResponse{StatusCode: http.StatusCreated, Body: string(respBody)}, nil
}

// Stop ends the active session.
func (h *TimerHandler) Stop(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	if _, err := GetUserID(req, h.jwtSecret); err != nil {
		return events.APIGatewayProxyResponse{StatusCode: http.StatusUnauthorized, Body: "Unauthorized"}, nil
	}

	sessionID := req.PathParameters["sessionId"]
	if sessionID == "" {
		return events.APIGatewayProxyResponse{StatusCode: http.StatusBadRequest, Body: "Missing session ID"}, nil
	}

	var body stopRequest
	if req.Body != "" {
		if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
			return events.APIGatewayProxyResponse{StatusCode: http.StatusBadRequest, Body: "Invalid request body"}, nil
		}
	}

	result, err := h.manager.Stop(ctx, sessionID, body.Description, body.Billable, body.SyncWithCalendar)
	if err != nil {
		if errors.Is(err, timer.ErrSessionNotFound) {
			return events.APIGatewayProxyResponse{StatusCode: http.StatusNotFound, Body: "Active session not found"}, nil
		}
		return events.APIGatewayProxyResponse{StatusCode: http.StatusInternalServerError, Body: "Failed to stop timer"}, nil
	}

	respBody, _ := json.Marshal(result)
	return events.APIGatewayProxyResponse{StatusCode: http.StatusOK, Body: string(respBody)}, nil
}

// activeResponse is the live view of a running session.
type activeResponse struct {
	Session        *model.TimeLogSession `json:"session"`
	ElapsedMinutes int                   `json:"elapsedMinutes"`
}

// Active returns the running session for a work item, or 204 when idle.
func (h *TimerHandler) Active(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	if _, err := GetUserID(req, h.jwtSecret); err != nil {
		return events.APIGatewayProxyResponse{StatusCode: http.StatusUnauthorized, Body: "Unauthorized"}, nil
	}

	workItemID := req.PathParameters["workItemId"]
	if workItemID == "" {
		return events.APIGatewayProxyResponse{StatusCode: http.StatusBadRequest, Body: "Missing work item ID"}, nil
	}

	session, err := h.manager.ActiveSession(ctx, workItemID)
	if err != nil {
		return events.APIGatewayProxyResponse{StatusCode: http.StatusInternalServerError, Body: "Failed to get active session"}, nil
	}
	if session == nil {
		return events.APIGatewayProxyResponse{StatusCode: http.StatusNoContent}, nil
	}

	respBody, _ := json.Marshal(activeResponse{
		Session:        session,
		ElapsedMinutes: timer.ElapsedMinutes(session, time.Now()),
	})
	return events.APIGatewayProxyResponse{StatusCode: http.StatusOK, Body: string(respBody)}, nil
}

// Logs lists all sessions recorded for a work item.
func (h *TimerHandler) Logs(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	if _, err := GetUserID(req, h.jwtSecret); err != nil {
		return events.APIGatewayProxyResponse{StatusCode: http.StatusUnauthorized, Body: "Unauthorized"}, nil
	}

	workItemID := req.PathParameters["workItemId"]
	if workItemID == "" {
		return events.APIGatewayProxyResponse{StatusCode: http.StatusBadRequest, Body: "Missing work item ID"}, nil
	}

	sessions, err := h.manager.ListByWorkItem(ctx, workItemID)
	if err != nil {
		return events.APIGatewayProxyResponse{StatusCode: http.StatusInternalServerError, Body: "Failed to list sessions"}, nil
	}

	respBody, _ := json.Marshal(sessions)
	return events.APIGatewayProxyResponse{StatusCode: http.StatusOK, Body: string(respBody)}, nil
}
