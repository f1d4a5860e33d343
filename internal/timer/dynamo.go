package timer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/ksaito/crewdesk/backend/internal/model"
)

// DynamoAPI is the subset of the DynamoDB client the store uses. Tests
// substitute a fake to exercise failure paths.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoLogStore implements LogStore on DynamoDB with two tables: a log
// table keyed by session id, and a marker table keyed by work item id. The
// marker is written with a conditional PutItem so that the "is there
// already a running session" check and the creation are one atomic step —
// two concurrent starts cannot both observe an idle work item.
type DynamoLogStore struct {
	client      DynamoAPI
	logsTable   string
	activeTable string
}

// NewDynamoLogStore creates a DynamoLogStore.
func NewDynamoLogStore(client DynamoAPI, logsTable, activeTable string) *DynamoLogStore {
	return &DynamoLogStore{
		client:      client,
		logsTable:   logsTable,
		activeTable: activeTable,
	}
}

// InsertActive writes the active-timer marker (conditionally) and then the
// session record. The marker put is the gate: if it fails the condition,
// another session is already running and nothing is written.
func (s *DynamoLogStore) InsertActive(ctx context.Context, session *model.TimeLogSession) error {
	marker := model.ActiveTimer{
		WorkItemID: session.WorkItemID,
		SessionID:  session.ID,
		UserID:     session.UserID,
		StartedAt:  session.StartedAt,
	}

	markerItem, err := attributevalue.MarshalMap(marker)
	if err != nil {
		return fmt.Errorf("failed to marshal active timer: %w", err)
	}

	item, err := attributevalue.MarshalMap(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.activeTable),
		Item:                markerItem,
		ConditionExpression: aws.String("attribute_not_exists(work_item_id)"),
	})
	if err != nil {
		var condFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condFailed) {
			return fmt.Errorf("work item %s: %w", session.WorkItemID, ErrActiveSessionExists)
		}
		return fmt.Errorf("failed to write active timer: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.logsTable),
		Item:      item,
	})
	if err != nil {
		// The marker is already in place. Without its session record the
		// work item would show no active session yet refuse every future
		// start, so take the marker back out.
		s.rollbackMarker(ctx, session)
		return fmt.Errorf("failed to write session: %w", err)
	}

	return nil
}

// rollbackMarker removes the marker written for a session whose record
// never made it to the log table. Conditional on the session id so it can
// never release a marker claimed by a newer start.
func (s *DynamoLogStore) rollbackMarker(ctx context.Context, session *model.TimeLogSession) {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.activeTable),
		Key: map[string]types.AttributeValue{
			"work_item_id": &types.AttributeValueMemberS{Value: session.WorkItemID},
		},
		ConditionExpression: aws.String("session_id = :sid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sid": &types.AttributeValueMemberS{Value: session.ID},
		},
	})
	if err != nil {
		log.Printf("failed to roll back active timer for work item %s: %v", session.WorkItemID, err)
	}
}

// CompleteSession stops the session and releases the work item's marker.
func (s *DynamoLogStore) CompleteSession(ctx context.Context, sessionID string, endedAt time.Time, durationMinutes int, description string, billable bool) (*model.TimeLogSession, error) {
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.logsTable),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: sessionID},
		},
		UpdateExpression: aws.String("SET ended_at = :ended, duration_minutes = :mins, description = :desc, billable = :billable"),
		// Only a session that exists and is still running can be stopped.
		ConditionExpression: aws.String("attribute_exists(id) AND attribute_not_exists(ended_at)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ended":    &types.AttributeValueMemberS{Value: endedAt.Format(time.RFC3339Nano)},
			":mins":     &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", durationMinutes)},
			":desc":     &types.AttributeValueMemberS{Value: description},
			":billable": &types.AttributeValueMemberBOOL{Value: billable},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		var condFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condFailed) {
			return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
		}
		return nil, fmt.Errorf("failed to complete session: %w", err)
	}

	var session model.TimeLogSession
	if err := attributevalue.UnmarshalMap(out.Attributes, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	// Release the marker only if it still points at this session.
	_, err = s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.activeTable),
		Key: map[string]types.AttributeValue{
			"work_item_id": &types.AttributeValueMemberS{Value: session.WorkItemID},
		},
		ConditionExpression: aws.String("session_id = :sid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sid": &types.AttributeValueMemberS{Value: sessionID},
		},
	})
	if err != nil {
		var condFailed *types.ConditionalCheckFailedException
		if !errors.As(err, &condFailed) {
			return nil, fmt.Errorf("failed to release active timer: %w", err)
		}
	}

	return &session, nil
}

// FindActive looks up the work item's marker, then loads the session.
func (s *DynamoLogStore) FindActive(ctx context.Context, workItemID string) (*model.TimeLogSession, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.activeTable),
		Key: map[string]types.AttributeValue{
			"work_item_id": &types.AttributeValueMemberS{Value: workItemID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get active timer: %w", err)
	}
	if out.Item == nil {
		return nil, nil
	}

	var marker model.ActiveTimer
	if err := attributevalue.UnmarshalMap(out.Item, &marker); err != nil {
		return nil, fmt.Errorf("failed to unmarshal active timer: %w", err)
	}

	session, err := s.FindByID(ctx, marker.SessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			// Orphaned marker; treat the work item as idle.
			return nil, nil
		}
		return nil, err
	}
	return session, nil
}

// FindByID loads the session record.
func (s *DynamoLogStore) FindByID(ctx context.Context, sessionID string) (*model.TimeLogSession, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.logsTable),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: sessionID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if out.Item == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}

	var session model.TimeLogSession
	if err := attributevalue.UnmarshalMap(out.Item, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

// ListByWorkItem scans for all sessions of the work item.
// TODO: replace the scan with a work_item_id GSI query once the table
// definition ships one.
func (s *DynamoLogStore) ListByWorkItem(ctx context.Context, workItemID string) ([]model.TimeLogSession, error) {
	out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
		TableName:        aws.String(s.logsTable),
		FilterExpression: aws.String("work_item_id = :wid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":wid": &types.AttributeValueMemberS{Value: workItemID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	var sessions []model.TimeLogSession
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &sessions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sessions: %w", err)
	}
	return sessions, nil
}

// ClearRemoteRef removes the stale link to an externally deleted event.
func (s *DynamoLogStore) ClearRemoteRef(ctx context.Context, sessionID string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.logsTable),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: sessionID},
		},
		UpdateExpression:    aws.String("SET remote_event_ref = :empty"),
		ConditionExpression: aws.String("attribute_exists(id)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":empty": &types.AttributeValueMemberS{Value: ""},
		},
	})
	if err != nil {
		var condFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condFailed) {
			return fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
		}
		return fmt.Errorf("failed to clear remote event ref: %w", err)
	}
	return nil
}
