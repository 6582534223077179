package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"carbon-scribe/analytics-engine/pkg/errdefs"
	"carbon-scribe/analytics-engine/pkg/security"
	"carbon-scribe/analytics-engine/pkg/workflows"
)

// MockDynamo is a mock implementation of DynamoAPI
type MockDynamo struct {
	mock.Mock
}

func (m *MockDynamo) PutItem(ctx context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dynamodb.PutItemOutput), args.Error(1)
}

func (m *MockDynamo) GetItem(ctx context.Context, params *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dynamodb.GetItemOutput), args.Error(1)
}

func (m *MockDynamo) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dynamodb.UpdateItemOutput), args.Error(1)
}

func (m *MockDynamo) Scan(ctx context.Context, params *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dynamodb.ScanOutput), args.Error(1)
}

func TestDynamoStorePutGet(t *testing.T) {
	client := new(MockDynamo)
	store := NewDynamoStore(client, "schedules")

	next := time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC)
	sr := hourly()
	sr.Status = workflows.StatusIdle
	sr.NextRunAt = &next
	sr.Parameters = map[string]any{"minAge": 3}
	sr.RunAs = &security.Context{TenantID: "t1"}

	var item map[string]types.AttributeValue
	client.On("PutItem", mock.Anything, mock.MatchedBy(func(in *dynamodb.PutItemInput) bool {
		return *in.TableName == "schedules"
	})).Run(func(args mock.Arguments) {
		item = args.Get(1).(*dynamodb.PutItemInput).Item
	}).Return(&dynamodb.PutItemOutput{}, nil).Once()
	require.NoError(t, store.Put(context.Background(), sr))

	require.NotEmpty(t, item)
	client.On("GetItem", mock.Anything, mock.Anything).Return(&dynamodb.GetItemOutput{Item: item}, nil).Once()

	got, err := store.Get(context.Background(), "hourly")
	require.NoError(t, err)
	assert.Equal(t, "r1", got.ReportID)
	assert.Equal(t, workflows.StatusIdle, got.Status)
	assert.Equal(t, next, got.NextRunAt.UTC())
	assert.Equal(t, float64(3), got.Parameters["minAge"])
	assert.Equal(t, "t1", got.RunAs.TenantID)
}

func TestDynamoStoreGetMissing(t *testing.T) {
	client := new(MockDynamo)
	client.On("GetItem", mock.Anything, mock.Anything).Return(&dynamodb.GetItemOutput{}, nil).Once()

	_, err := NewDynamoStore(client, "schedules").Get(context.Background(), "nope")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestDynamoStoreAcquireIsConditional(t *testing.T) {
	client := new(MockDynamo)
	store := NewDynamoStore(client, "schedules")

	client.On("UpdateItem", mock.Anything, mock.MatchedBy(func(in *dynamodb.UpdateItemInput) bool {
		idle, ok := in.ExpressionAttributeValues[":idle"].(*types.AttributeValueMemberS)
		return ok && idle.Value == "idle" && *in.ConditionExpression == "attribute_exists(#id) AND #status = :idle"
	})).Return(&dynamodb.UpdateItemOutput{}, nil).Once()

	ok, err := store.Acquire(context.Background(), "hourly", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	client.On("UpdateItem", mock.Anything, mock.Anything).
		Return(nil, &types.ConditionalCheckFailedException{Message: new(string)}).Once()
	ok, err = store.Acquire(context.Background(), "hourly", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	client.On("UpdateItem", mock.Anything, mock.Anything).
		Return(nil, errors.New("throttled")).Once()
	_, err = store.Acquire(context.Background(), "hourly", time.Now())
	assert.Error(t, err)
}

func TestDynamoStoreListPaginates(t *testing.T) {
	client := new(MockDynamo)
	store := NewDynamoStore(client, "schedules")

	page := func(id string) map[string]types.AttributeValue {
		return map[string]types.AttributeValue{
			"id":        &types.AttributeValueMemberS{Value: id},
			"report_id": &types.AttributeValueMemberS{Value: "r1"},
			"status":    &types.AttributeValueMemberS{Value: "idle"},
		}
	}
	client.On("Scan", mock.Anything, mock.MatchedBy(func(in *dynamodb.ScanInput) bool {
		return in.ExclusiveStartKey == nil
	})).Return(&dynamodb.ScanOutput{
		Items:            []map[string]types.AttributeValue{page("b")},
		LastEvaluatedKey: map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: "b"}},
	}, nil).Once()
	client.On("Scan", mock.Anything, mock.MatchedBy(func(in *dynamodb.ScanInput) bool {
		return in.ExclusiveStartKey != nil
	})).Return(&dynamodb.ScanOutput{
		Items: []map[string]types.AttributeValue{page("a")},
	}, nil).Once()

	all, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, "b", all[1].ID)
	client.AssertExpectations(t)
}
