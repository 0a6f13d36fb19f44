package history

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

const (
	skPrefixTurn = "TURN#"
	skPrefixDeck = "DECK#"

	// Fixed-width so sort keys order lexically by time.
	sortKeyTime = "2006-01-02T15:04:05.000000000Z"

	batchWriteLimit   = 25
	batchWriteRetries = 3
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
// *dynamodb.Client satisfies it.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoStore keeps history in a single DynamoDB table keyed by PK/SK.
// Chat turns carry a ttl attribute when a retention period is set; expiry
// is left to the table's TTL setting.
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
	retention time.Duration
}

func NewDynamoStore(api dynamodbAPI, tableName string, retention time.Duration) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("history: dynamodb api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("history: dynamodb table name must not be empty")
	}
	return &DynamoStore{api: api, tableName: tableName, retention: retention}, nil
}

func ownerPK(ownerID string) string {
	return "OWNER#" + strings.TrimSpace(ownerID)
}

// sortSeq orders items written in the same nanosecond by this process, so
// ties list newest-insert-first like the SQLite backend's id order.
var sortSeq atomic.Uint64

func sortKey(prefix string, ts time.Time) string {
	return fmt.Sprintf("%s%s#%016x#%s", prefix, ts.UTC().Format(sortKeyTime), sortSeq.Add(1), uuid.NewString())
}

func (s *DynamoStore) SaveChatTurn(ctx context.Context, turn ChatTurn) error {
	created := stamp(turn.CreatedAt)
	item := map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: ownerPK(turn.OwnerID)},
		"SK":        &types.AttributeValueMemberS{Value: sortKey(skPrefixTurn, created)},
		"ownerId":   &types.AttributeValueMemberS{Value: strings.TrimSpace(turn.OwnerID)},
		"text":      &types.AttributeValueMemberS{Value: turn.Text},
		"direction": &types.AttributeValueMemberS{Value: string(turn.Direction)},
		"createdAt": &types.AttributeValueMemberN{Value: strconv.FormatInt(created.UnixNano(), 10)},
	}
	if s.retention > 0 {
		item["ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(created.Add(s.retention).Unix(), 10)}
	}

	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("save chat turn: %w", err)
	}
	return nil
}

func (s *DynamoStore) ListChatTurns(ctx context.Context, ownerID string, limit int) ([]ChatTurn, error) {
	if limit <= 0 {
		limit = DefaultChatTurnLimit
	}
	items, err := s.query(ctx, ownerID, skPrefixTurn, limit, false)
	if err != nil {
		return nil, fmt.Errorf("list chat turns: %w", err)
	}

	result := make([]ChatTurn, 0, len(items))
	for _, item := range items {
		turn, err := itemToTurn(item)
		if err != nil {
			return nil, fmt.Errorf("list chat turns: %w", err)
		}
		result = append(result, turn)
	}
	return result, nil
}

func (s *DynamoStore) ClearChatTurns(ctx context.Context, ownerID string) error {
	keys, err := s.query(ctx, ownerID, skPrefixTurn, 0, true)
	if err != nil {
		return fmt.Errorf("clear chat turns: %w", err)
	}

	for start := 0; start < len(keys); start += batchWriteLimit {
		end := min(start+batchWriteLimit, len(keys))
		reqs := make([]types.WriteRequest, 0, end-start)
		for _, k := range keys[start:end] {
			reqs = append(reqs, types.WriteRequest{DeleteRequest: &types.DeleteRequest{
				Key: map[string]types.AttributeValue{"PK": k["PK"], "SK": k["SK"]},
			}})
		}
		if err := s.batchWrite(ctx, reqs); err != nil {
			return fmt.Errorf("clear chat turns: %w", err)
		}
	}
	return nil
}

// PruneChatTurns is not supported: the table's TTL attribute expires turns.
func (s *DynamoStore) PruneChatTurns(context.Context, time.Time) (int64, error) {
	return 0, ErrNotSupported
}

func (s *DynamoStore) SavePresentation(ctx context.Context, rec PresentationRecord) error {
	created := stamp(rec.CreatedAt)
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"PK":             &types.AttributeValueMemberS{Value: ownerPK(rec.OwnerID)},
			"SK":             &types.AttributeValueMemberS{Value: sortKey(skPrefixDeck, created)},
			"ownerId":        &types.AttributeValueMemberS{Value: strings.TrimSpace(rec.OwnerID)},
			"title":          &types.AttributeValueMemberS{Value: strings.TrimSpace(rec.Title)},
			"rawContent":     &types.AttributeValueMemberS{Value: rec.RawContent},
			"presentationId": &types.AttributeValueMemberS{Value: strings.TrimSpace(rec.PresentationID)},
			"url":            &types.AttributeValueMemberS{Value: strings.TrimSpace(rec.URL)},
			"createdAt":      &types.AttributeValueMemberN{Value: strconv.FormatInt(created.UnixNano(), 10)},
		},
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("save presentation: %w", err)
	}
	return nil
}

func (s *DynamoStore) ListPresentations(ctx context.Context, ownerID string) ([]PresentationRecord, error) {
	items, err := s.query(ctx, ownerID, skPrefixDeck, 0, false)
	if err != nil {
		return nil, fmt.Errorf("list presentations: %w", err)
	}

	result := make([]PresentationRecord, 0, len(items))
	for _, item := range items {
		rec, err := itemToPresentation(item)
		if err != nil {
			return nil, fmt.Errorf("list presentations: %w", err)
		}
		result = append(result, rec)
	}
	return result, nil
}

func (s *DynamoStore) Ping(ctx context.Context) error {
	_, err := s.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.tableName)})
	if err != nil {
		return fmt.Errorf("describe table %s: %w", s.tableName, err)
	}
	return nil
}

func (s *DynamoStore) Close() error { return nil }

// query reads one owner's items with the given sort-key prefix, newest first,
// following pagination until limit items are read (0 means all).
func (s *DynamoStore) query(ctx context.Context, ownerID, prefix string, limit int, keysOnly bool) ([]map[string]types.AttributeValue, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: ownerPK(ownerID)},
			":prefix": &types.AttributeValueMemberS{Value: prefix},
		},
		ScanIndexForward: aws.Bool(false),
	}
	if keysOnly {
		in.ProjectionExpression = aws.String("PK, SK")
	}

	var items []map[string]types.AttributeValue
	for {
		if limit > 0 {
			in.Limit = aws.Int32(int32(limit - len(items)))
		}
		out, err := s.api.Query(ctx, in)
		if err != nil {
			return nil, err
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 || (limit > 0 && len(items) >= limit) {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
	return items, nil
}

func (s *DynamoStore) batchWrite(ctx context.Context, reqs []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{s.tableName: reqs}
	for attempt := 0; attempt < batchWriteRetries; attempt++ {
		out, err := s.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return err
		}
		if out == nil || len(out.UnprocessedItems[s.tableName]) == 0 {
			return nil
		}
		pending = out.UnprocessedItems
	}
	return fmt.Errorf("%d unprocessed deletes after %d attempts", len(pending[s.tableName]), batchWriteRetries)
}

func itemToTurn(item map[string]types.AttributeValue) (ChatTurn, error) {
	sk, err := strAttr(item, "SK")
	if err != nil {
		return ChatTurn{}, err
	}
	owner, err := strAttr(item, "ownerId")
	if err != nil {
		return ChatTurn{}, err
	}
	text, _ := strAttr(item, "text") // allow empty
	direction, err := strAttr(item, "direction")
	if err != nil {
		return ChatTurn{}, err
	}
	created, err := timeAttr(item, "createdAt")
	if err != nil {
		return ChatTurn{}, err
	}
	return ChatTurn{
		ID:        sk,
		OwnerID:   owner,
		Text:      text,
		Direction: Direction(direction),
		CreatedAt: created,
	}, nil
}

func itemToPresentation(item map[string]types.AttributeValue) (PresentationRecord, error) {
	sk, err := strAttr(item, "SK")
	if err != nil {
		return PresentationRecord{}, err
	}
	owner, err := strAttr(item, "ownerId")
	if err != nil {
		return PresentationRecord{}, err
	}
	url, err := strAttr(item, "url")
	if err != nil {
		return PresentationRecord{}, err
	}
	created, err := timeAttr(item, "createdAt")
	if err != nil {
		return PresentationRecord{}, err
	}
	title, _ := strAttr(item, "title")
	raw, _ := strAttr(item, "rawContent")
	presID, _ := strAttr(item, "presentationId")

	return PresentationRecord{
		ID:             sk,
		OwnerID:        owner,
		Title:          title,
		RawContent:     raw,
		PresentationID: presID,
		URL:            url,
		CreatedAt:      created,
	}, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("history: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("history: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	v, ok := item[key]
	if !ok {
		return time.Time{}, fmt.Errorf("history: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return time.Time{}, fmt.Errorf("history: attribute %q is not a number", key)
	}
	nanos, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("history: parse attribute %q: %w", key, err)
	}
	return time.Unix(0, nanos).UTC(), nil
}
