package credential

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"golang.org/x/oauth2"

	"github.com/ksaito/crewdesk/backend/internal/crypto"
	"github.com/ksaito/crewdesk/backend/internal/model"
)

// Store persists one CalendarCredential per platform user. Refresh tokens
// are encrypted before they are written; access tokens are short-lived and
// stored as-is. Credentials are never deleted here — disconnecting the
// external account is handled elsewhere.
type Store struct {
	oauthConfig  *oauth2.Config
	dynamoClient *dynamodb.Client
	tableName    string
	encryptor    crypto.Encryptor

	// In-memory fallback
	creds map[string]model.CalendarCredential
	mu    sync.RWMutex
}

// NewStore creates a Store. If dynamoClient is nil, an in-memory map is
// used instead (dev mode and tests).
func NewStore(oauthConfig *oauth2.Config, dynamoClient *dynamodb.Client, tableName string, encryptor crypto.Encryptor) *Store {
	return &Store{
		oauthConfig:  oauthConfig,
		dynamoClient: dynamoClient,
		tableName:    tableName,
		encryptor:    encryptor,
		creds:        make(map[string]model.CalendarCredential),
	}
}

// Config returns the OAuth2 config used for the calendar connect flow.
func (s *Store) Config() *oauth2.Config {
	return s.oauthConfig
}

// SaveToken stores the credential obtained from an OAuth exchange. If the
// provider did not return a refresh token (repeat authorization), the
// previously stored one is kept.
func (s *Store) SaveToken(ctx context.Context, userID string, token *oauth2.Token) error {
	cred := model.CalendarCredential{
		UserID:      userID,
		AccessToken: token.AccessToken,
		ExpiresAt:   token.Expiry,
		UpdatedAt:   time.Now(),
	}

	if token.RefreshToken != "" {
		encrypted, err := s.encryptor.Encrypt(ctx, token.RefreshToken)
		if err != nil {
			return fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		cred.EncryptedRefreshToken = encrypted
	} else {
		existing, err := s.Get(ctx, userID)
		if err != nil {
			return fmt.Errorf("no refresh token in response and no stored credential: %w", err)
		}
		cred.EncryptedRefreshToken = existing.EncryptedRefreshToken
	}

	return s.Upsert(ctx, cred)
}

// Upsert writes the credential, replacing any previous item for the user.
func (s *Store) Upsert(ctx context.Context, cred model.CalendarCredential) error {
	if s.dynamoClient == nil {
		s.mu.Lock()
		s.creds[cred.UserID] = cred
		s.mu.Unlock()
		return nil
	}

	item, err := attributevalue.MarshalMap(cred)
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}

	_, err = s.dynamoClient.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to save credential to DynamoDB: %w", err)
	}

	return nil
}

// Get retrieves the user's credential. Returns ErrNotConnected when the
// user has never authorized the calendar.
func (s *Store) Get(ctx context.Context, userID string) (*model.CalendarCredential, error) {
	if s.dynamoClient == nil {
		s.mu.RLock()
		c, ok := s.creds[userID]
		s.mu.RUnlock()
		if !ok {
			return nil, ErrNotConnected
		}
		return &c, nil
	}

	out, err := s.dynamoClient.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"user_id": &types.AttributeValueMemberS{Value: userID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get credential from DynamoDB: %w", err)
	}
	if out.Item == nil {
		return nil, ErrNotConnected
	}

	var cred model.CalendarCredential
	if err := attributevalue.UnmarshalMap(out.Item, &cred); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential: %w", err)
	}
	return &cred, nil
}

// RefreshToken decrypts and returns the stored refresh token.
func (s *Store) RefreshToken(ctx context.Context, cred *model.CalendarCredential) (string, error) {
	plain, err := s.encryptor.Decrypt(ctx, cred.EncryptedRefreshToken)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt refresh token: %w", err)
	}
	return plain, nil
}
