package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amillerrr/vod-pipeline/pkg/models"
)

// mockDynamoDB implements DynamoDBAPI with per-method hooks.
type mockDynamoDB struct {
	getItem      func(*dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error)
	putItem      func(*dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error)
	updateItem   func(*dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error)
	deleteItem   func(*dynamodb.DeleteItemInput) (*dynamodb.DeleteItemOutput, error)
	query        func(*dynamodb.QueryInput) (*dynamodb.QueryOutput, error)
	transactions []*dynamodb.TransactWriteItemsInput
	transactErr  error
}

func (m *mockDynamoDB) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return m.getItem(in)
}

func (m *mockDynamoDB) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	return m.putItem(in)
}

func (m *mockDynamoDB) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	return m.updateItem(in)
}

func (m *mockDynamoDB) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	return m.deleteItem(in)
}

func (m *mockDynamoDB) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	return m.query(in)
}

func (m *mockDynamoDB) TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	m.transactions = append(m.transactions, in)
	return &dynamodb.TransactWriteItemsOutput{}, m.transactErr
}

func (m *mockDynamoDB) DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	return &dynamodb.DescribeTableOutput{}, nil
}

func videoAV(t *testing.T, v models.Video) map[string]types.AttributeValue {
	t.Helper()
	item, err := attributevalue.MarshalMap(videoItem{PK: videoPK(v.ID), SK: skMetadata, Video: v})
	require.NoError(t, err)
	return item
}

func renditionAV(t *testing.T, videoID, tier string) map[string]types.AttributeValue {
	t.Helper()
	item, err := attributevalue.MarshalMap(renditionItem{
		PK: videoPK(videoID), SK: renditionSK(tier),
		Rendition: models.Rendition{VideoID: videoID, Tier: tier, Available: true},
	})
	require.NoError(t, err)
	return item
}

func TestNewDynamoStoreRequiresTable(t *testing.T) {
	_, err := NewDynamoStore(&mockDynamoDB{}, "")
	assert.Error(t, err)
}

func TestDynamoGetVideo(t *testing.T) {
	m := &mockDynamoDB{getItem: func(in *dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error) {
		pk := in.Key["pk"].(*types.AttributeValueMemberS).Value
		if pk != "VIDEO#v1" {
			return &dynamodb.GetItemOutput{}, nil
		}
		return &dynamodb.GetItemOutput{Item: videoAV(t, models.Video{ID: "v1", Title: "T", Status: models.StatusPublished})}, nil
	}}
	s, err := NewDynamoStore(m, "videos")
	require.NoError(t, err)

	v, err := s.GetVideo(context.Background(), "v1")
	require.NoError(t, err)
	assert.Equal(t, "v1", v.ID)
	assert.Equal(t, models.StatusPublished, v.Status)

	_, err = s.GetVideo(context.Background(), "v2")
	assert.ErrorIs(t, err, models.ErrVideoNotFound)
}

func TestDynamoCreateVideoConflict(t *testing.T) {
	m := &mockDynamoDB{putItem: func(in *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
		assert.Equal(t, "attribute_not_exists(pk)", aws.ToString(in.ConditionExpression))
		return nil, &types.ConditionalCheckFailedException{}
	}}
	s, _ := NewDynamoStore(m, "videos")

	err := s.CreateVideo(context.Background(), &models.Video{ID: "v1", Title: "T", SourcePath: "videos/v1.mp4"})
	assert.ErrorIs(t, err, models.ErrVideoExists)
}

func TestDynamoBeginProcessing(t *testing.T) {
	m := &mockDynamoDB{
		getItem: func(in *dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error) {
			return &dynamodb.GetItemOutput{Item: videoAV(t, models.Video{ID: "v1", Status: models.StatusFailed, Attempts: 2})}, nil
		},
		query: func(in *dynamodb.QueryInput) (*dynamodb.QueryOutput, error) {
			return &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{renditionAV(t, "v1", "480p")}}, nil
		},
	}
	s, _ := NewDynamoStore(m, "videos")

	v, err := s.BeginProcessing(context.Background(), "v1", false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, v.Status)
	assert.Equal(t, 3, v.Attempts)

	require.Len(t, m.transactions, 1)
	items := m.transactions[0].TransactItems
	require.Len(t, items, 2)
	require.NotNil(t, items[0].Update)
	prev := items[0].Update.ExpressionAttributeValues[":prev"].(*types.AttributeValueMemberS).Value
	assert.Equal(t, "failed", prev, "update is guarded on the status read")
	require.NotNil(t, items[1].Delete)
	assert.Equal(t, "RENDITION#480p", items[1].Delete.Key["sk"].(*types.AttributeValueMemberS).Value)
}

func TestDynamoBeginProcessingRejectsPublished(t *testing.T) {
	m := &mockDynamoDB{getItem: func(in *dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error) {
		return &dynamodb.GetItemOutput{Item: videoAV(t, models.Video{ID: "v1", Status: models.StatusPublished})}, nil
	}}
	s, _ := NewDynamoStore(m, "videos")

	_, err := s.BeginProcessing(context.Background(), "v1", false)
	assert.ErrorIs(t, err, models.ErrInvalidStatus)
	assert.Empty(t, m.transactions)
}

func TestDynamoCompleteProcessing(t *testing.T) {
	m := &mockDynamoDB{
		query: func(in *dynamodb.QueryInput) (*dynamodb.QueryOutput, error) {
			// A stale 1080p rendition from an earlier run.
			return &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{renditionAV(t, "v1", "1080p")}}, nil
		},
	}
	s, _ := NewDynamoStore(m, "videos")

	err := s.CompleteProcessing(context.Background(), &models.ProcessingResult{
		VideoID: "v1",
		Status:  models.StatusPartiallyPublished,
		Renditions: []models.Rendition{
			{Tier: "480p", Available: true},
			{Tier: "720p", Available: true},
		},
	})
	require.NoError(t, err)

	require.Len(t, m.transactions, 1)
	items := m.transactions[0].TransactItems
	var puts, deletes int
	for _, it := range items {
		if it.Put != nil {
			puts++
		}
		if it.Delete != nil {
			deletes++
		}
	}
	assert.Equal(t, 2, puts)
	assert.Equal(t, 1, deletes)
	assert.Equal(t, "#status = :processing", aws.ToString(items[0].Update.ConditionExpression))
}

func TestDynamoTransactionConflict(t *testing.T) {
	m := &mockDynamoDB{
		query: func(in *dynamodb.QueryInput) (*dynamodb.QueryOutput, error) {
			return &dynamodb.QueryOutput{}, nil
		},
		transactErr: &types.TransactionCanceledException{
			CancellationReasons: []types.CancellationReason{{Code: aws.String("ConditionalCheckFailed")}},
		},
	}
	s, _ := NewDynamoStore(m, "videos")

	err := s.CompleteProcessing(context.Background(), &models.ProcessingResult{
		VideoID:    "v1",
		Status:     models.StatusPublished,
		Renditions: []models.Rendition{{Tier: "480p", Available: true}},
	})
	assert.ErrorIs(t, err, models.ErrInvalidStatus)
}

func TestDynamoLeaseErrors(t *testing.T) {
	ccf := &types.ConditionalCheckFailedException{}
	m := &mockDynamoDB{
		putItem: func(in *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
			assert.Equal(t, "LEASE", in.Item["sk"].(*types.AttributeValueMemberS).Value)
			return nil, ccf
		},
		updateItem: func(in *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
			return nil, ccf
		},
		deleteItem: func(in *dynamodb.DeleteItemInput) (*dynamodb.DeleteItemOutput, error) {
			return nil, ccf
		},
	}
	s, _ := NewDynamoStore(m, "videos")
	ctx := context.Background()

	assert.ErrorIs(t, s.AcquireLease(ctx, "v1", "w", time.Minute), models.ErrLeaseHeld)
	assert.ErrorIs(t, s.RenewLease(ctx, "v1", "w", time.Minute), models.ErrLeaseLost)
	assert.NoError(t, s.ReleaseLease(ctx, "v1", "w"))

	m.putItem = func(in *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
		return nil, errors.New("throttled")
	}
	err := s.AcquireLease(ctx, "v1", "w", time.Minute)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, models.ErrLeaseHeld)
}

func TestDynamoAcquireLeaseOnlyWhenFree(t *testing.T) {
	var cond string
	m := &mockDynamoDB{
		putItem: func(in *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
			cond = aws.ToString(in.ConditionExpression)
			return &dynamodb.PutItemOutput{}, nil
		},
	}
	s, _ := NewDynamoStore(m, "videos")

	require.NoError(t, s.AcquireLease(context.Background(), "v1", "w/run-1", time.Minute))
	assert.Equal(t, "attribute_not_exists(pk) OR expires_at <= :now", cond)
	assert.NotContains(t, cond, "owner", "a live lease is never handed to its own owner again")
}

func TestDynamoCompleteProcessingChecksLease(t *testing.T) {
	m := &mockDynamoDB{
		query: func(in *dynamodb.QueryInput) (*dynamodb.QueryOutput, error) {
			return &dynamodb.QueryOutput{}, nil
		},
	}
	s, _ := NewDynamoStore(m, "videos")
	result := &models.ProcessingResult{
		VideoID:    "v1",
		Status:     models.StatusPublished,
		Renditions: []models.Rendition{{Tier: "480p", Available: true}},
		LeaseOwner: "w/run-1",
	}

	require.NoError(t, s.CompleteProcessing(context.Background(), result))
	require.Len(t, m.transactions, 1)
	items := m.transactions[0].TransactItems
	require.NotNil(t, items[1].ConditionCheck)
	check := items[1].ConditionCheck
	assert.Equal(t, "LEASE", check.Key["sk"].(*types.AttributeValueMemberS).Value)
	assert.Equal(t, "w/run-1", check.ExpressionAttributeValues[":owner"].(*types.AttributeValueMemberS).Value)

	// The status update passes but the lease check fails.
	m.transactErr = &types.TransactionCanceledException{
		CancellationReasons: []types.CancellationReason{
			{Code: aws.String("None")},
			{Code: aws.String("ConditionalCheckFailed")},
			{Code: aws.String("None")},
		},
	}
	err := s.CompleteProcessing(context.Background(), result)
	assert.ErrorIs(t, err, models.ErrLeaseLost)
	assert.NotErrorIs(t, err, models.ErrInvalidStatus)
}
