package timer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/ksaito/crewdesk/backend/internal/model"
)

// fakeDynamoClient implements DynamoAPI over in-memory tables and lets
// tests inject write failures per table.
type fakeDynamoClient struct {
	tables   map[string]map[string]map[string]types.AttributeValue
	keyAttrs map[string]string
	putErr   map[string]error
}

func newFakeDynamoClient() *fakeDynamoClient {
	return &fakeDynamoClient{
		tables: map[string]map[string]map[string]types.AttributeValue{
			"logs":   {},
			"active": {},
		},
		keyAttrs: map[string]string{
			"logs":   "id",
			"active": "work_item_id",
		},
		putErr: map[string]error{},
	}
}

func (f *fakeDynamoClient) stringAttr(item map[string]types.AttributeValue, name string) string {
	if s, ok := item[name].(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func (f *fakeDynamoClient) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	table := *params.TableName
	if err := f.putErr[table]; err != nil {
		return nil, err
	}
	key := f.stringAttr(params.Item, f.keyAttrs[table])
	if params.ConditionExpression != nil {
		if _, exists := f.tables[table][key]; exists {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
		}
	}
	f.tables[table][key] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamoClient) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	table := *params.TableName
	key := f.stringAttr(params.Key, f.keyAttrs[table])
	item, ok := f.tables[table][key]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func (f *fakeDynamoClient) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	table := *params.TableName
	key := f.stringAttr(params.Key, f.keyAttrs[table])
	item, ok := f.tables[table][key]
	if params.ConditionExpression != nil {
		want := f.stringAttr(params.ExpressionAttributeValues, ":sid")
		if !ok || f.stringAttr(item, "session_id") != want {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
		}
	}
	delete(f.tables[table], key)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamoClient) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamoClient) Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	return &dynamodb.ScanOutput{}, nil
}

func TestDynamoLogStore_InsertActive_Conflict(t *testing.T) {
	fake := newFakeDynamoClient()
	store := NewDynamoLogStore(fake, "logs", "active")
	ctx := context.Background()

	first := &model.TimeLogSession{ID: "s1", WorkItemID: "proj-1", UserID: "u1", StartedAt: time.Now()}
	if err := store.InsertActive(ctx, first); err != nil {
		t.Fatalf("First insert failed: %v", err)
	}

	second := &model.TimeLogSession{ID: "s2", WorkItemID: "proj-1", UserID: "u1", StartedAt: time.Now()}
	if err := store.InsertActive(ctx, second); !errors.Is(err, ErrActiveSessionExists) {
		t.Errorf("Expected ErrActiveSessionExists, got %v", err)
	}
}

func TestDynamoLogStore_InsertActive_RollsBackMarkerOnSessionWriteFailure(t *testing.T) {
	fake := newFakeDynamoClient()
	store := NewDynamoLogStore(fake, "logs", "active")
	ctx := context.Background()

	fake.putErr["logs"] = errors.New("throughput exceeded")

	session := &model.TimeLogSession{ID: "s1", WorkItemID: "proj-1", UserID: "u1", StartedAt: time.Now()}
	if err := store.InsertActive(ctx, session); err == nil {
		t.Fatal("Expected insert to fail when the session write fails")
	}

	if len(fake.tables["active"]) != 0 {
		t.Error("Expected the active-timer marker to be rolled back")
	}

	active, err := store.FindActive(ctx, "proj-1")
	if err != nil {
		t.Fatalf("FindActive failed: %v", err)
	}
	if active != nil {
		t.Errorf("Expected idle work item after rollback, got session %s", active.ID)
	}

	// The work item must accept the next start, not 409 forever.
	fake.putErr = map[string]error{}
	if err := store.InsertActive(ctx, session); err != nil {
		t.Errorf("Expected start to succeed after rollback, got %v", err)
	}

	active, err = store.FindActive(ctx, "proj-1")
	if err != nil {
		t.Fatalf("FindActive failed: %v", err)
	}
	if active == nil || active.ID != "s1" {
		t.Errorf("Expected session s1 active after retry, got %+v", active)
	}
}

func TestDynamoLogStore_RollbackKeepsMarkerOfNewerStart(t *testing.T) {
	fake := newFakeDynamoClient()
	store := NewDynamoLogStore(fake, "logs", "active")
	ctx := context.Background()

	winner := &model.TimeLogSession{ID: "s-winner", WorkItemID: "proj-1", UserID: "u1", StartedAt: time.Now()}
	if err := store.InsertActive(ctx, winner); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	loser := &model.TimeLogSession{ID: "s-loser", WorkItemID: "proj-1", UserID: "u1", StartedAt: time.Now()}
	store.rollbackMarker(ctx, loser)

	active, err := store.FindActive(ctx, "proj-1")
	if err != nil {
		t.Fatalf("FindActive failed: %v", err)
	}
	if active == nil || active.ID != "s-winner" {
		t.Errorf("Expected the winner's marker untouched, got %+v", active)
	}
}
