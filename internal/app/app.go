package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/ksaito/crewdesk/backend/internal/calendar"
	"github.com/ksaito/crewdesk/backend/internal/calendar/googlecal"
	"github.com/ksaito/crewdesk/backend/internal/credential"
	"github.com/ksaito/crewdesk/backend/internal/crypto"
	"github.com/ksaito/crewdesk/backend/internal/handler"
	"github.com/ksaito/crewdesk/backend/internal/secret"
	"github.com/ksaito/crewdesk/backend/internal/timer"
)

// App holds the dependencies for the Lambda function.
type App struct {
	connectHandler   *handler.ConnectHandler
	timerHandler     *handler.TimerHandler
	apiGatewaySecret string
}

// NewApp initializes the application dependencies.
func NewApp(ctx context.Context) *App {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		panic(fmt.Sprintf("unable to load SDK config, %v", err))
	}

	devMode := os.Getenv("DEV_MODE") == "true"

	// DynamoDB Client (nil in dev mode switches the stores to their
	// in-memory fallbacks)
	var dynamoClient *dynamodb.Client
	if devMode {
		fmt.Println("Using in-memory stores (DEV_MODE=true)")
	} else {
		dynamoClient = dynamodb.NewFromConfig(cfg)
	}

	// KMS Client
	var kmsService crypto.Encryptor
	if devMode {
		kmsService = crypto.NewMockEncryptor()
		fmt.Println("Using MockEncryptor (DEV_MODE=true)")
	} else {
		kmsClient := kms.NewFromConfig(cfg)
		kmsKeyID := os.Getenv("KMS_KEY_ID")
		if kmsKeyID == "" {
			kmsKeyID = "alias/crewdesk-token-key"
		}
		kmsService = crypto.NewKMSService(kmsClient, kmsKeyID)
	}

	// ---------- Secret Resolver ----------
	var resolver secret.Resolver
	if devMode {
		resolver = secret.NewEnvResolver()
		fmt.Println("Using EnvResolver (DEV_MODE=true)")
	} else {
		resolver = secret.NewSSMResolver(ssm.NewFromConfig(cfg))
		fmt.Println("Using SSMResolver (SSM Parameter Store)")
	}

	googleClientSecretParam := os.Getenv("GOOGLE_CLIENT_SECRET_PARAM")
	if googleClientSecretParam == "" {
		googleClientSecretParam = "/crewdesk/google-client-secret"
	}
	googleClientSecret, err := resolver.GetSecret(ctx, googleClientSecretParam)
	if err != nil {
		log.Printf("WARNING: failed to resolve GOOGLE_CLIENT_SECRET: %v", err)
	}

	jwtSecretParam := os.Getenv("JWT_SECRET_PARAM")
	if jwtSecretParam == "" {
		jwtSecretParam = "/crewdesk/jwt-secret"
	}
	jwtSecret, err := resolver.GetSecret(ctx, jwtSecretParam)
	if err != nil {
		log.Printf("WARNING: failed to resolve JWT_SECRET: %v", err)
		jwtSecret = "default-dev-secret"
	}

	apiGatewaySecretParam := os.Getenv("API_GATEWAY_SECRET_PARAM")
	if apiGatewaySecretParam == "" {
		apiGatewaySecretParam = "/crewdesk/api-gateway-secret"
	}
	apiGatewaySecret, err := resolver.GetSecret(ctx, apiGatewaySecretParam)
	if err != nil {
		log.Printf("WARNING: failed to resolve API_GATEWAY_SECRET: %v", err)
	}

	// OAuth2 Config for the calendar connection
	redirectURL := os.Getenv("GOOGLE_REDIRECT_URL")
	if redirectURL == "" {
		if devMode {
			redirectURL = "http://localhost:8080/auth/calendar/callback"
		} else {
			frontendURL := os.Getenv("FRONTEND_URL")
			if frontendURL == "" {
				frontendURL = "http://localhost:3000"
			}
			redirectURL = frontendURL + "/api/auth/calendar/callback"
		}
	}

	oauthConfig := &oauth2.Config{
		ClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
		ClientSecret: googleClientSecret,
		RedirectURL:  redirectURL,
		Scopes: []string{
			"https://www.googleapis.com/auth/calendar.events",
			"https://www.googleapis.com/auth/userinfo.email",
		},
		Endpoint: google.Endpoint,
	}

	// Credential Store + Refresher (CalendarCredentials table)
	credentialsTable := os.Getenv("CALENDAR_CREDENTIALS_TABLE")
	if credentialsTable == "" {
		credentialsTable = "CalendarCredentials"
	}
	credStore := credential.NewStore(oauthConfig, dynamoClient, credentialsTable, kmsService)
	refresher := credential.NewRefresher(credStore)

	// Calendar Event Bridge
	var bridge calendar.EventBridge
	if devMode {
		bridge = calendar.NewMockBridge()
		fmt.Println("Using MockBridge (DEV_MODE=true)")
	} else {
		bridge = googlecal.NewBridge()
	}

	// Time Log Store (TimeLogs + ActiveTimers tables)
	var logStore timer.LogStore
	if dynamoClient == nil {
		logStore = timer.NewMemoryLogStore()
	} else {
		logsTable := os.Getenv("TIME_LOGS_TABLE")
		if logsTable == "" {
			logsTable = "TimeLogs"
		}
		activeTable := os.Getenv("ACTIVE_TIMERS_TABLE")
		if activeTable == "" {
			activeTable = "ActiveTimers"
		}
		logStore = timer.NewDynamoLogStore(dynamoClient, logsTable, activeTable)
	}

	manager := timer.NewManager(logStore, bridge, refresher)

	return &App{
		connectHandler:   handler.NewConnectHandler(credStore, jwtSecret),
		timerHandler:     handler.NewTimerHandler(manager, jwtSecret),
		apiGatewaySecret: apiGatewaySecret,
	}
}

// HandleRequest routes API Gateway requests to the appropriate handler.
func (app *App) HandleRequest(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	path := req.Path
	method := req.HTTPMethod

	fmt.Printf("Request: %s %s\n", method, path)

	// CORS Preflight
	if method == "OPTIONS" {
		return corsResponse(events.APIGatewayProxyResponse{StatusCode: 204}), nil
	}

	// Security: Verify Request Origin (CloudFront only)
	if os.Getenv("DEV_MODE") != "true" {
		if req.Headers["X-Origin-Verify"] != app.apiGatewaySecret && req.Headers["x-origin-verify"] != app.apiGatewaySecret {
			fmt.Printf("Security Block: Missing or invalid X-Origin-Verify header\n")
			return events.APIGatewayProxyResponse{
				StatusCode: http.StatusForbidden,
				Body:       "Forbidden: Access denied",
			}, nil
		}
	}

	// Strip /api prefix if present (for CloudFront proxying)
	if strings.HasPrefix(path, "/api") {
		path = strings.TrimPrefix(path, "/api")
	}

	if req.PathParameters == nil {
		req.PathParameters = make(map[string]string)
	}

	// /auth/calendar
	if strings.HasPrefix(path, "/auth/calendar") {
		if path == "/auth/calendar/connect" && method == "GET" {
			return corsResponse(must(app.connectHandler.Connect(ctx, req))), nil
		}
		if path == "/auth/calendar/callback" && method == "GET" {
			return corsResponse(must(app.connectHandler.Callback(ctx, req))), nil
		}
		if path == "/auth/calendar/status" && method == "GET" {
			return corsResponse(must(app.connectHandler.Status(ctx, req))), nil
		}
	}

	// /timers/{id}/{action}
	if strings.HasPrefix(path, "/timers/") {
		parts := strings.Split(strings.TrimPrefix(path, "/timers/"), "/")
		if len(parts) >= 2 {
			id := parts[0]
			action := parts[1]

			if action == "start" && method == "POST" {
				req.PathParameters["workItemId"] = id
				return corsResponse(must(app.timerHandler.Start(ctx, req))), nil
			}
			if action == "stop" && method == "POST" {
				req.PathParameters["sessionId"] = id
				return corsResponse(must(app.timerHandler.Stop(ctx, req))), nil
			}
			if action == "active" && method == "GET" {
				req.PathParameters["workItemId"] = id
				return corsResponse(must(app.timerHandler.Active(ctx, req))), nil
			}
			if action == "logs" && method == "GET" {
				req.PathParameters["workItemId"] = id
				return corsResponse(must(app.timerHandler.Logs(ctx, req))), nil
			}
		}
	}

	return corsResponse(events.APIGatewayProxyResponse{
		StatusCode: http.StatusNotFound,
		Body:       fmt.Sprintf("Not Found: %s %s", method, path),
	}), nil
}

// corsResponse adds CORS headers to an API Gateway response.
func corsResponse(resp events.APIGatewayProxyResponse) events.APIGatewayProxyResponse {
	if resp.Headers == nil {
		resp.Headers = make(map[string]string)
	}
	resp.Headers["Access-Control-Allow-Origin"] = os.Getenv("FRONTEND_URL")
	if resp.Headers["Access-Control-Allow-Origin"] == "" {
		resp.Headers["Access-Control-Allow-Origin"] = "http://localhost:3000"
	}
	resp.Headers["Access-Control-Allow-Credentials"] = "true"
	resp.Headers["Access-Control-Allow-Methods"] = "GET,POST,PUT,DELETE,OPTIONS,PATCH"
	resp.Headers["Access-Control-Allow-Headers"] = "Content-Type,Authorization"
	return resp
}

// must unwraps a handler response, ignoring the error.
func must(resp events.APIGatewayProxyResponse, err error) events.APIGatewayProxyResponse {
	if err != nil {
		fmt.Printf("Handler error: %v\n", err)
		return events.APIGatewayProxyResponse{StatusCode: http.StatusInternalServerError, Body: "Internal Server Error"}
	}
	return resp
}
