package handler

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/golang-jwt/jwt/v5"
	xoauth2 "golang.org/x/oauth2"
	oauth2api "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"

	"github.com/ksaito/crewdesk/backend/internal/credential"
)

// ConnectHandler handles the external-calendar authorization flow.
type ConnectHandler struct {
	store     *credential.Store
	jwtSecret string
}

// NewConnectHandler creates a new ConnectHandler.
func NewConnectHandler(store *credential.Store, jwtSecret string) *ConnectHandler {
	return &ConnectHandler{store: store, jwtSecret: jwtSecret}
}

const stateCookie = "oauth_state"

// stateTTL bounds how long a pending authorization may take.
const stateTTL = 10 * time.Minute

// Connect redirects the user to the provider's consent screen. The OAuth
// state is random per flow and echoed back through a short-lived cookie so
// Callback can reject forged redirects.
func (h *ConnectHandler) Connect(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	state, err := newState()
	if err != nil {
		return events.APIGatewayProxyResponse{StatusCode: http.StatusInternalServerError, Body: "Failed to start authorization"}, nil
	}
	url := h.store.Config().AuthCodeURL(state, xoauth2.AccessTypeOffline, xoauth2.ApprovalForce)

	cookie := fmt.Sprintf("%s=%s; HttpOnly; Path=/; Max-Age=%d; SameSite=%s; Secure",
		stateCookie, state, int(stateTTL.Seconds()), cookieSameSite())

	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusFound,
		Headers: map[string]string{
			"Location":   url,
			"Set-Cookie": cookie,
		},
	}, nil
}

func newState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// cookieSameSite returns the SameSite attribute for auth cookies. None
// requires HTTPS, so local development falls back to Lax.
func cookieSameSite() string {
	if os.Getenv("DEV_MODE") == "true" {
		return "Lax"
	}
	return "None"
}

// Callback handles the OAuth2 callback: exchanges the code, identifies the
// user, persists the credential and issues a session JWT.
func (h *ConnectHandler) Callback(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	state := req.QueryStringParameters["state"]
	if state == "" || state != cookieValue(req, stateCookie) {
		return events.APIGatewayProxyResponse{StatusCode: http.StatusBadRequest, Body: "Invalid state"}, nil
	}

	code := req.QueryStringParameters["code"]
	if code == "" {
		return events.APIGatewayProxyResponse{StatusCode: http.StatusBadRequest, Body: "Missing code"}, nil
	}

	token, err := h.store.Config().Exchange(ctx, code)
	if err != nil {
		fmt.Printf("Exchange error: %v\n", err)
		return events.APIGatewayProxyResponse{StatusCode: http.StatusInternalServerError, Body: "Failed to exchange code"}, nil
	}

	oauth2Service, err := oauth2api.NewService(ctx, option.WithTokenSource(h.store.Config().TokenSource(ctx, token)))
	if err != nil {
		fmt.Printf("NewService error: %v\n", err)
		return events.APIGatewayProxyResponse{StatusCode: http.StatusInternalServerError, Body: "Failed to create oauth2 service"}, nil
	}

	userinfo, err := oauth2Service.Userinfo.Get().Do()
	if err != nil {
		fmt.Printf("Userinfo error: %v\n", err)
		return events.APIGatewayProxyResponse{StatusCode: http.StatusInternalServerError, Body: "Failed to get user info"}, nil
	}

	// The provider's subject ID doubles as the platform user ID.
	userID := userinfo.Id

	if err := h.store.SaveToken(ctx, userID, token); err != nil {
		// A repeat authorization may come back without a refresh token;
		// the connection still works with the stored one.
		fmt.Printf("SaveToken error: %v\n", err)
	}

	claims := jwt.MapClaims{
		"sub":   userID,
		"email": userinfo.Email,
		"name":  userinfo.Name,
		"exp":   time.Now().Add(24 * time.Hour).Unix(),
	}
	jwtToken := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signedToken, err := jwtToken.SignedString([]byte(h.jwtSecret))
	if err != nil {
		return events.APIGatewayProxyResponse{StatusCode: http.StatusInternalServerError, Body: "Failed to sign token"}, nil
	}

	frontendURL := os.Getenv("FRONTEND_URL")
	if frontendURL == "" {
		frontendURL = "http://localhost:3000"
	}

	cookie := fmt.Sprintf("session_token=%s; HttpOnly; Path=/; Max-Age=86400; SameSite=%s; Secure", signedToken, cookieSameSite())

	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusFound,
		Headers: map[string]string{
			"Location":   fmt.Sprintf("%s/?calendar_connected=true", frontendURL),
			"Set-Cookie": cookie,
		},
	}, nil
}

// statusResponse reports whether the user has a calendar credential.
type statusResponse struct {
	Connected bool `json:"connected"`
}

// Status reports the calendar connection state for the current user.
func (h *ConnectHandler) Status(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	userID, err := GetUserID(req, h.jwtSecret)
	if err != nil {
		return events.APIGatewayProxyResponse{StatusCode: http.StatusUnauthorized, Body: "Unauthorized"}, nil
	}

	connected := true
	if _, err := h.store.Get(ctx, userID); err != nil {
		if !errors.Is(err, credential.ErrNotConnected) {
			return events.APIGatewayProxyResponse{StatusCode: http.StatusInternalServerError, Body: "Failed to get connection status"}, nil
		}
		connected = false
	}

	body, _ := json.Marshal(statusResponse{Connected: connected})
	return events.APIGatewayProxyResponse{StatusCode: http.StatusOK, Body: string(body)}, nil
}
