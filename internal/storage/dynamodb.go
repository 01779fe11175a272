package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/amillerrr/vod-pipeline/pkg/models"
)

// DynamoDBAPI is the subset of the DynamoDB client used by DynamoStore.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Key layout: one partition per video holding its metadata, renditions
// and lease. GSI1 indexes videos by status for operator listings.
const (
	skMetadata        = "METADATA"
	skLease           = "LEASE"
	renditionSKPrefix = "RENDITION#"
	gsi1Name          = "GSI1"
)

func videoPK(id string) string { return "VIDEO#" + id }

func genrePK(id string) string { return "GENRE#" + id }

func renditionSK(tier string) string { return renditionSKPrefix + tier }

func statusGSI(s models.VideoStatus) string {
	return "STATUS#" + string(s)
}

type videoItem struct {
	PK     string `dynamodbav:"pk"`
	SK     string `dynamodbav:"sk"`
	GSI1PK string `dynamodbav:"gsi1pk"`
	GSI1SK string `dynamodbav:"gsi1sk"`
	models.Video
}

type renditionItem struct {
	PK string `dynamodbav:"pk"`
	SK string `dynamodbav:"sk"`
	models.Rendition
}

type genreItem struct {
	PK string `dynamodbav:"pk"`
	SK string `dynamodbav:"sk"`
	models.Genre
}

// DynamoStore implements Store on a single DynamoDB table.
type DynamoStore struct {
	client    DynamoDBAPI
	tableName string
}

var _ Store = (*DynamoStore)(nil)

// NewDynamoStore creates a store on tableName.
func NewDynamoStore(client DynamoDBAPI, tableName string) (*DynamoStore, error) {
	if tableName == "" {
		return nil, errors.New("DynamoDB table name is required")
	}
	return &DynamoStore{client: client, tableName: tableName}, nil
}

func (r *DynamoStore) key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pk},
		"sk": &types.AttributeValueMemberS{Value: sk},
	}
}

func (r *DynamoStore) Close() error { return nil }

func (r *DynamoStore) Ping(ctx context.Context) error {
	_, err := r.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(r.tableName),
	})
	return err
}

func (r *DynamoStore) CreateGenre(ctx context.Context, g *models.Genre) error {
	if g.CreatedAt == "" {
		g.CreatedAt = now()
	}
	item, err := attributevalue.MarshalMap(genreItem{PK: genrePK(g.ID), SK: skMetadata, Genre: *g})
	if err != nil {
		return fmt.Errorf("failed to marshal genre: %w", err)
	}
	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to create genre: %w", err)
	}
	return nil
}

func (r *DynamoStore) GetGenre(ctx context.Context, id string) (*models.Genre, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key:       r.key(genrePK(id), skMetadata),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get genre: %w", err)
	}
	if result.Item == nil {
		return nil, models.ErrGenreNotFound
	}
	var item genreItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal genre: %w", err)
	}
	return &item.Genre, nil
}

// CreateVideo creates a new video metadata record.
func (r *DynamoStore) CreateVideo(ctx context.Context, v *models.Video) error {
	ts := now()
	if v.Status == "" {
		v.Status = models.StatusUploaded
	}
	v.CreatedAt, v.UpdatedAt = ts, ts

	item, err := attributevalue.MarshalMap(videoItem{
		PK:     videoPK(v.ID),
		SK:     skMetadata,
		GSI1PK: statusGSI(v.Status),
		GSI1SK: ts + "#" + v.ID,
		Video:  *v,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal video: %w", err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return fmt.Errorf("%w: %s", models.ErrVideoExists, v.ID)
		}
		return fmt.Errorf("failed to create video: %w", err)
	}
	return nil
}

// GetVideo retrieves video metadata by ID.
func (r *DynamoStore) GetVideo(ctx context.Context, id string) (*models.Video, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            r.key(videoPK(id), skMetadata),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get video: %w", err)
	}
	if result.Item == nil {
		return nil, models.ErrVideoNotFound
	}

	var item videoItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal video: %w", err)
	}
	return &item.Video, nil
}

// ListVideos lists videos in a status, most recently updated first.
func (r *DynamoStore) ListVideos(ctx context.Context, status models.VideoStatus, limit int) ([]models.Video, error) {
	if status == "" {
		return nil, fmt.Errorf("%w: status filter is required", models.ErrInvalidStatus)
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}

	result, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		IndexName:              aws.String(gsi1Name),
		KeyConditionExpression: aws.String("gsi1pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: statusGSI(status)},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list videos: %w", err)
	}

	var items []videoItem
	if err := attributevalue.UnmarshalListOfMaps(result.Items, &items); err != nil {
		return nil, fmt.Errorf("failed to unmarshal videos: %w", err)
	}
	videos := make([]models.Video, len(items))
	for i := range items {
		videos[i] = items[i].Video
	}
	return videos, nil
}

func (r *DynamoStore) GetRendition(ctx context.Context, videoID, tier string) (*models.Rendition, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key:       r.key(videoPK(videoID), renditionSK(tier)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get rendition: %w", err)
	}
	if result.Item == nil {
		return nil, models.ErrNotFound
	}
	var item renditionItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rendition: %w", err)
	}
	return &item.Rendition, nil
}

func (r *DynamoStore) ListRenditions(ctx context.Context, videoID string) ([]models.Rendition, error) {
	result, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String("pk = :pk AND begins_with(sk, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: videoPK(videoID)},
			":prefix": &types.AttributeValueMemberS{Value: renditionSKPrefix},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list renditions: %w", err)
	}

	var items []renditionItem
	if err := attributevalue.UnmarshalListOfMaps(result.Items, &items); err != nil {
		return nil, fmt.Errorf("failed to unmarshal renditions: %w", err)
	}
	out := make([]models.Rendition, len(items))
	for i := range items {
		out[i] = items[i].Rendition
	}
	return out, nil
}

// BeginProcessing flips the video to processing and deletes previous
// renditions in one transaction, guarded on the status it was read in.
func (r *DynamoStore) BeginProcessing(ctx context.Context, videoID string, force bool) (*models.Video, error) {
	v, err := r.GetVideo(ctx, videoID)
	if err != nil {
		return nil, err
	}
	if err := canBegin(v.Status, force); err != nil {
		return nil, err
	}

	existing, err := r.ListRenditions(ctx, videoID)
	if err != nil {
		return nil, err
	}

	ts := now()
	items := []types.TransactWriteItem{{
		Update: &types.Update{
			TableName: aws.String(r.tableName),
			Key:       r.key(videoPK(videoID), skMetadata),
			UpdateExpression: aws.String(`SET #status = :status, attempts = attempts + :one,
				updated_at = :now, gsi1pk = :gsi1pk, gsi1sk = :gsi1sk, degraded = :false
				REMOVE duration_seconds, thumbnail_path, error_message, processed_at`),
			ConditionExpression: aws.String("#status = :prev"),
			ExpressionAttributeNames: map[string]string{
				"#status": "status",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":status": &types.AttributeValueMemberS{Value: string(models.StatusProcessing)},
				":prev":   &types.AttributeValueMemberS{Value: string(v.Status)},
				":one":    &types.AttributeValueMemberN{Value: "1"},
				":now":    &types.AttributeValueMemberS{Value: ts},
				":gsi1pk": &types.AttributeValueMemberS{Value: statusGSI(models.StatusProcessing)},
				":gsi1sk": &types.AttributeValueMemberS{Value: ts + "#" + videoID},
				":false":  &types.AttributeValueMemberBOOL{Value: false},
			},
		},
	}}
	for _, rd := range existing {
		items = append(items, types.TransactWriteItem{
			Delete: &types.Delete{
				TableName: aws.String(r.tableName),
				Key:       r.key(videoPK(videoID), renditionSK(rd.Tier)),
			},
		})
	}

	if err := r.transact(ctx, items); err != nil {
		return nil, err
	}

	v.Status = models.StatusProcessing
	v.Attempts++
	v.DurationSeconds, v.ThumbnailPath, v.Degraded, v.ErrorMessage, v.ProcessedAt = 0, "", false, "", ""
	v.UpdatedAt = ts
	return v, nil
}

// CompleteProcessing writes the final video status and the rendition set in one transaction.
func (r *DynamoStore) CompleteProcessing(ctx context.Context, res *models.ProcessingResult) error {
	if err := validateResult(res); err != nil {
		return err
	}

	existing, err := r.ListRenditions(ctx, res.VideoID)
	if err != nil {
		return err
	}

	ts := now()
	values := map[string]types.AttributeValue{
		":status":     &types.AttributeValueMemberS{Value: string(res.Status)},
		":processing": &types.AttributeValueMemberS{Value: string(models.StatusProcessing)},
		":duration":   &types.AttributeValueMemberN{Value: strconv.FormatFloat(res.DurationSeconds, 'f', -1, 64)},
		":degraded":   &types.AttributeValueMemberBOOL{Value: res.Degraded},
		":now":        &types.AttributeValueMemberS{Value: ts},
		":gsi1pk":     &types.AttributeValueMemberS{Value: statusGSI(res.Status)},
		":gsi1sk":     &types.AttributeValueMemberS{Value: ts + "#" + res.VideoID},
	}
	set := "SET #status = :status, duration_seconds = :duration, degraded = :degraded, " +
		"processed_at = :now, updated_at = :now, gsi1pk = :gsi1pk, gsi1sk = :gsi1sk"
	var remove []string
	if res.ThumbnailPath != "" {
		set += ", thumbnail_path = :thumb"
		values[":thumb"] = &types.AttributeValueMemberS{Value: res.ThumbnailPath}
	} else {
		remove = append(remove, "thumbnail_path")
	}
	if res.ErrorMessage != "" {
		set += ", error_message = :error"
		values[":error"] = &types.AttributeValueMemberS{Value: res.ErrorMessage}
	} else {
		remove = append(remove, "error_message")
	}
	expr := set
	if len(remove) > 0 {
		expr += " REMOVE " + strings.Join(remove, ", ")
	}

	items := []types.TransactWriteItem{{
		Update: &types.Update{
			TableName:                 aws.String(r.tableName),
			Key:                       r.key(videoPK(res.VideoID), skMetadata),
			UpdateExpression:          aws.String(expr),
			ConditionExpression:       aws.String("#status = :processing"),
			ExpressionAttributeNames:  map[string]string{"#status": "status"},
			ExpressionAttributeValues: values,
		},
	}}

	if res.LeaseOwner != "" {
		items = append(items, types.TransactWriteItem{
			ConditionCheck: &types.ConditionCheck{
				TableName:                aws.String(r.tableName),
				Key:                      r.key(videoPK(res.VideoID), skLease),
				ConditionExpression:      aws.String("#owner = :owner"),
				ExpressionAttributeNames: map[string]string{"#owner": "owner"},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":owner": &types.AttributeValueMemberS{Value: res.LeaseOwner},
				},
			},
		})
	}

	keep := make(map[string]bool, len(res.Renditions))
	for _, rd := range res.Renditions {
		keep[rd.Tier] = true
		rd.VideoID = res.VideoID
		if rd.CreatedAt == "" {
			rd.CreatedAt = ts
		}
		item, err := attributevalue.MarshalMap(renditionItem{
			PK:        videoPK(res.VideoID),
			SK:        renditionSK(rd.Tier),
			Rendition: rd,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal rendition: %w", err)
		}
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{TableName: aws.String(r.tableName), Item: item},
		})
	}
	for _, rd := range existing {
		if keep[rd.Tier] {
			continue
		}
		items = append(items, types.TransactWriteItem{
			Delete: &types.Delete{
				TableName: aws.String(r.tableName),
				Key:       r.key(videoPK(res.VideoID), renditionSK(rd.Tier)),
			},
		})
	}

	return r.transact(ctx, items)
}

// FailProcessing marks a video as failed and withdraws its renditions.
func (r *DynamoStore) FailProcessing(ctx context.Context, videoID, message string) error {
	v, err := r.GetVideo(ctx, videoID)
	if err != nil {
		return err
	}
	if !canFail(v.Status) {
		return fmt.Errorf("%w: video %s is %s", models.ErrInvalidStatus, videoID, v.Status)
	}

	existing, err := r.ListRenditions(ctx, videoID)
	if err != nil {
		return err
	}

	ts := now()
	items := []types.TransactWriteItem{{
		Update: &types.Update{
			TableName: aws.String(r.tableName),
			Key:       r.key(videoPK(videoID), skMetadata),
			UpdateExpression: aws.String(`SET #status = :status, error_message = :error,
				processed_at = :now, updated_at = :now, gsi1pk = :gsi1pk, gsi1sk = :gsi1sk
				REMOVE duration_seconds, thumbnail_path`),
			ConditionExpression: aws.String("#status = :prev"),
			ExpressionAttributeNames: map[string]string{
				"#status": "status",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":status": &types.AttributeValueMemberS{Value: string(models.StatusFailed)},
				":prev":   &types.AttributeValueMemberS{Value: string(v.Status)},
				":error":  &types.AttributeValueMemberS{Value: message},
				":now":    &types.AttributeValueMemberS{Value: ts},
				":gsi1pk": &types.AttributeValueMemberS{Value: statusGSI(models.StatusFailed)},
				":gsi1sk": &types.AttributeValueMemberS{Value: ts + "#" + videoID},
			},
		},
	}}
	for _, rd := range existing {
		items = append(items, types.TransactWriteItem{
			Delete: &types.Delete{
				TableName: aws.String(r.tableName),
				Key:       r.key(videoPK(videoID), renditionSK(rd.Tier)),
			},
		})
	}

	return r.transact(ctx, items)
}

func (r *DynamoStore) transact(ctx context.Context, items []types.TransactWriteItem) error {
	_, err := r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err == nil {
		return nil
	}

	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		// Reasons are positional; a failed lease check outranks a status conflict.
		var statusChanged bool
		for i, reason := range canceled.CancellationReasons {
			if aws.ToString(reason.Code) != "ConditionalCheckFailed" {
				continue
			}
			if i < len(items) && items[i].ConditionCheck != nil {
				return fmt.Errorf("%w: lease no longer held", models.ErrLeaseLost)
			}
			statusChanged = true
		}
		if statusChanged {
			return fmt.Errorf("%w: status changed concurrently", models.ErrInvalidStatus)
		}
	}
	return fmt.Errorf("failed to write transaction: %w", err)
}

// AcquireLease takes the lease item when it is absent or expired.
func (r *DynamoStore) AcquireLease(ctx context.Context, videoID, owner string, ttl time.Duration) error {
	nowT := time.Now()
	expires := nowT.Add(ttl)

	_, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item: map[string]types.AttributeValue{
			"pk":         &types.AttributeValueMemberS{Value: videoPK(videoID)},
			"sk":         &types.AttributeValueMemberS{Value: skLease},
			"owner":      &types.AttributeValueMemberS{Value: owner},
			"expires_at": &types.AttributeValueMemberN{Value: strconv.FormatInt(expires.UnixMilli(), 10)},
			// DynamoDB TTL reaps abandoned leases.
			"ttl": &types.AttributeValueMemberN{Value: strconv.FormatInt(expires.Add(time.Hour).Unix(), 10)},
		},
		ConditionExpression: aws.String("attribute_not_exists(pk) OR expires_at <= :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(nowT.UnixMilli(), 10)},
		},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return models.ErrLeaseHeld
		}
		return fmt.Errorf("failed to acquire lease: %w", err)
	}
	return nil
}

func (r *DynamoStore) RenewLease(ctx context.Context, videoID, owner string, ttl time.Duration) error {
	expires := time.Now().Add(ttl)
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 r.key(videoPK(videoID), skLease),
		UpdateExpression:    aws.String("SET expires_at = :exp, #ttl = :ttl"),
		ConditionExpression: aws.String("#owner = :owner"),
		ExpressionAttributeNames: map[string]string{
			"#owner": "owner",
			"#ttl":   "ttl",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":exp":   &types.AttributeValueMemberN{Value: strconv.FormatInt(expires.UnixMilli(), 10)},
			":ttl":   &types.AttributeValueMemberN{Value: strconv.FormatInt(expires.Add(time.Hour).Unix(), 10)},
			":owner": &types.AttributeValueMemberS{Value: owner},
		},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return models.ErrLeaseLost
		}
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	return nil
}

func (r *DynamoStore) ReleaseLease(ctx context.Context, videoID, owner string) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 r.key(videoPK(videoID), skLease),
		ConditionExpression: aws.String("#owner = :owner"),
		ExpressionAttributeNames: map[string]string{
			"#owner": "owner",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner": &types.AttributeValueMemberS{Value: owner},
		},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			// Someone else took over after expiry; nothing of ours to release.
			return nil
		}
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}
