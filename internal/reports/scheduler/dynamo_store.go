package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"carbon-scribe/analytics-engine/pkg/errdefs"
	"carbon-scribe/analytics-engine/pkg/workflows"
)

// DynamoAPI is the subset of the DynamoDB client the store uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoStore keeps schedule state in a DynamoDB table keyed by "id", so
// several engine instances can share one schedule.
type DynamoStore struct {
	client DynamoAPI
	table  string
}

// NewDynamoStore creates a store over an existing table
func NewDynamoStore(client DynamoAPI, table string) *DynamoStore {
	return &DynamoStore{client: client, table: table}
}

func (s *DynamoStore) key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}}
}

func (s *DynamoStore) Put(ctx context.Context, sr *ScheduledReport) error {
	item, err := attributevalue.MarshalMap(sr)
	if err != nil {
		return fmt.Errorf("failed to marshal scheduled report %s: %w", sr.ID, err)
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("failed to put scheduled report %s: %w", sr.ID, err)
	}
	return nil
}

func (s *DynamoStore) Get(ctx context.Context, id string) (*ScheduledReport, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get scheduled report %s: %w", id, err)
	}
	if len(out.Item) == 0 {
		return nil, fmt.Errorf("scheduled report %s: %w", id, errdefs.ErrNotFound)
	}

	var sr ScheduledReport
	if err := attributevalue.UnmarshalMap(out.Item, &sr); err != nil {
		return nil, fmt.Errorf("failed to unmarshal scheduled report %s: %w", id, err)
	}
	return &sr, nil
}

func (s *DynamoStore) List(ctx context.Context) ([]*ScheduledReport, error) {
	var out []*ScheduledReport
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:      aws.String(s.table),
		ConsistentRead: aws.Bool(true),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scheduled reports: %w", err)
		}
		var batch []*ScheduledReport
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("failed to unmarshal scheduled reports: %w", err)
		}
		out = append(out, batch...)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Acquire flips status to running with a conditional update, which fails
// for every instance but one.
func (s *DynamoStore) Acquire(ctx context.Context, id string, at time.Time) (bool, error) {
	updatedAt, err := attributevalue.Marshal(at)
	if err != nil {
		return false, fmt.Errorf("failed to marshal timestamp: %w", err)
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 s.key(id),
		UpdateExpression:    aws.String("SET #status = :running, #updated = :at"),
		ConditionExpression: aws.String("attribute_exists(#id) AND #status = :idle"),
		ExpressionAttributeNames: map[string]string{
			"#id":      "id",
			"#status":  "status",
			"#updated": "updated_at",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":running": &types.AttributeValueMemberS{Value: string(workflows.StatusRunning)},
			":idle":    &types.AttributeValueMemberS{Value: string(workflows.StatusIdle)},
			":at":      updatedAt,
		},
	})
	if err != nil {
		var conditional *types.ConditionalCheckFailedException
		if errors.As(err, &conditional) {
			return false, nil
		}
		return false, fmt.Errorf("failed to acquire scheduled report %s: %w", id, err)
	}
	return true, nil
}
