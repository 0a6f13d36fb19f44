package history

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"
)

// fakeDynamo is an in-memory single-table fake. Query honors the PK/begins_with
// key condition, ScanIndexForward, Limit and ExclusiveStartKey.
type fakeDynamo struct {
	items       map[string]map[string]types.AttributeValue // PK + "|" + SK
	pageSize    int
	putErr      error
	queryErr    error
	describeErr error
	unprocessed int // BatchWriteItem calls that leave everything unprocessed

	lastPut    *dynamodb.PutItemInput
	queries    []*dynamodb.QueryInput
	batchCalls int
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func fakeKey(item map[string]types.AttributeValue) string {
	return item["PK"].(*types.AttributeValueMemberS).Value + "|" + item["SK"].(*types.AttributeValueMemberS).Value
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPut = in
	if f.putErr != nil {
		return nil, f.putErr
	}
	f.items[fakeKey(in.Item)] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	copied := *in
	f.queries = append(f.queries, &copied)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	pk := in.ExpressionAttributeValues[":pk"].(*types.AttributeValueMemberS).Value
	prefix := in.ExpressionAttributeValues[":prefix"].(*types.AttributeValueMemberS).Value

	var matched []map[string]types.AttributeValue
	for _, item := range f.items {
		if item["PK"].(*types.AttributeValueMemberS).Value != pk {
			continue
		}
		if strings.HasPrefix(item["SK"].(*types.AttributeValueMemberS).Value, prefix) {
			matched = append(matched, item)
		}
	}
	desc := in.ScanIndexForward != nil && !*in.ScanIndexForward
	sort.Slice(matched, func(i, j int) bool {
		a := matched[i]["SK"].(*types.AttributeValueMemberS).Value
		b := matched[j]["SK"].(*types.AttributeValueMemberS).Value
		if desc {
			return a > b
		}
		return a < b
	})

	start := 0
	if in.ExclusiveStartKey != nil {
		after := fakeKey(in.ExclusiveStartKey)
		for i, item := range matched {
			if fakeKey(item) == after {
				start = i + 1
				break
			}
		}
	}
	matched = matched[start:]

	n := len(matched)
	if in.Limit != nil && int(*in.Limit) < n {
		n = int(*in.Limit)
	}
	if f.pageSize > 0 && f.pageSize < n {
		n = f.pageSize
	}
	out := &dynamodb.QueryOutput{Items: matched[:n]}
	if n < len(matched) {
		last := matched[n-1]
		out.LastEvaluatedKey = map[string]types.AttributeValue{"PK": last["PK"], "SK": last["SK"]}
	}
	return out, nil
}

func (f *fakeDynamo) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.batchCalls++
	if f.unprocessed > 0 {
		f.unprocessed--
		return &dynamodb.BatchWriteItemOutput{UnprocessedItems: in.RequestItems}, nil
	}
	for _, reqs := range in.RequestItems {
		if len(reqs) > batchWriteLimit {
			return nil, fmt.Errorf("too many items: %d", len(reqs))
		}
		for _, r := range reqs {
			delete(f.items, fakeKey(r.DeleteRequest.Key))
		}
	}
	return &dynamodb.BatchWriteItemOutput{}, nil
}

func (f *fakeDynamo) DescribeTable(_ context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	return &dynamodb.DescribeTableOutput{Table: &types.TableDescription{TableName: in.TableName}}, nil
}

func mustNewDynamoStore(t *testing.T, db *fakeDynamo, retention time.Duration) *DynamoStore {
	t.Helper()
	s, err := NewDynamoStore(db, "deckbot-history", retention)
	require.NoError(t, err)
	return s
}

func TestNewDynamoStore_Validation(t *testing.T) {
	_, err := NewDynamoStore(nil, "t", 0)
	require.Error(t, err)
	_, err = NewDynamoStore(newFakeDynamo(), "  ", 0)
	require.Error(t, err)
}

func TestDynamoStore_SavePresentationItem(t *testing.T) {
	db := newFakeDynamo()
	s := mustNewDynamoStore(t, db, 0)
	at := time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC)

	err := s.SavePresentation(context.Background(), PresentationRecord{
		OwnerID: "whatsapp:123", Title: "Q3", RawContent: "/presentation Q3", PresentationID: "abc",
		URL: "https://docs.google.com/presentation/d/abc", CreatedAt: at,
	})
	require.NoError(t, err)
	require.NotNil(t, db.lastPut)

	item := db.lastPut.Item
	require.Equal(t, "OWNER#whatsapp:123", item["PK"].(*types.AttributeValueMemberS).Value)
	require.True(t, strings.HasPrefix(item["SK"].(*types.AttributeValueMemberS).Value, "DECK#2026-05-04T03:02:01.000000000Z#"))
	require.Equal(t, "abc", item["presentationId"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, fmt.Sprintf("%d", at.UnixNano()), item["createdAt"].(*types.AttributeValueMemberN).Value)
	require.NotNil(t, db.lastPut.ConditionExpression)
}

func TestDynamoStore_PresentationsNewestFirstAcrossPages(t *testing.T) {
	db := newFakeDynamo()
	db.pageSize = 2
	s := mustNewDynamoStore(t, db, 0)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for _, i := range []int{2, 0, 4, 1, 3} {
		require.NoError(t, s.SavePresentation(ctx, PresentationRecord{
			OwnerID: "u", Title: fmt.Sprintf("d%d", i), URL: "https://x", CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, s.SaveChatTurn(ctx, ChatTurn{OwnerID: "u", Text: "noise", Direction: Inbound}))

	recs, err := s.ListPresentations(ctx, "u")
	require.NoError(t, err)
	require.Len(t, recs, 5)
	for i, want := range []string{"d4", "d3", "d2", "d1", "d0"} {
		require.Equal(t, want, recs[i].Title)
	}
	require.True(t, recs[0].CreatedAt.Equal(base.Add(4*time.Second)))
	require.Len(t, db.queries, 3)
}

func TestDynamoStore_SameTimestampKeepsInsertOrder(t *testing.T) {
	api := newFakeDynamo()
	s, err := NewDynamoStore(api, "history", 0)
	require.NoError(t, err)
	ctx := context.Background()
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	titles := []string{"first", "second", "third", "fourth", "fifth"}
	for _, title := range titles {
		require.NoError(t, s.SavePresentation(ctx, PresentationRecord{OwnerID: "u", Title: title, RawContent: "x", URL: "u", CreatedAt: at}))
	}
	for _, text := range []string{"t1", "t2", "t3"} {
		require.NoError(t, s.SaveChatTurn(ctx, ChatTurn{OwnerID: "u", Text: text, Direction: Inbound, CreatedAt: at}))
	}

	recs, err := s.ListPresentations(ctx, "u")
	require.NoError(t, err)
	require.Len(t, recs, len(titles))
	for i, rec := range recs {
		require.Equal(t, titles[len(titles)-1-i], rec.Title)
	}

	turns, err := s.ListChatTurns(ctx, "u", 0)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	require.Equal(t, "t3", turns[0].Text)
	require.Equal(t, "t1", turns[2].Text)
}

func TestDynamoStore_ChatTurnsLimitAndTTL(t *testing.T) {
	db := newFakeDynamo()
	s := mustNewDynamoStore(t, db, 24*time.Hour)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 4; i++ {
		require.NoError(t, s.SaveChatTurn(ctx, ChatTurn{OwnerID: "u", Text: fmt.Sprintf("m%d", i), Direction: Outbound, CreatedAt: base.Add(time.Duration(i) * time.Minute)}))
	}
	ttl, ok := db.lastPut.Item["ttl"].(*types.AttributeValueMemberN)
	require.True(t, ok)
	require.Equal(t, fmt.Sprintf("%d", base.Add(3*time.Minute).Add(24*time.Hour).Unix()), ttl.Value)

	turns, err := s.ListChatTurns(ctx, "u", 2)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	require.Equal(t, "m3", turns[0].Text)
	require.Equal(t, "m2", turns[1].Text)
	require.Equal(t, Outbound, turns[0].Direction)
}

func TestDynamoStore_NoTTLWithoutRetention(t *testing.T) {
	db := newFakeDynamo()
	s := mustNewDynamoStore(t, db, 0)
	require.NoError(t, s.SaveChatTurn(context.Background(), ChatTurn{OwnerID: "u", Text: "x", Direction: Inbound}))
	_, ok := db.lastPut.Item["ttl"]
	require.False(t, ok)
}

func TestDynamoStore_ClearChatTurnsInChunks(t *testing.T) {
	db := newFakeDynamo()
	s := mustNewDynamoStore(t, db, 0)
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		require.NoError(t, s.SaveChatTurn(ctx, ChatTurn{OwnerID: "u", Text: "x", Direction: Inbound}))
	}
	require.NoError(t, s.SaveChatTurn(ctx, ChatTurn{OwnerID: "other", Text: "keep", Direction: Inbound}))
	require.NoError(t, s.SavePresentation(ctx, PresentationRecord{OwnerID: "u", URL: "https://x"}))

	require.NoError(t, s.ClearChatTurns(ctx, "u"))
	require.Equal(t, 3, db.batchCalls)

	turns, err := s.ListChatTurns(ctx, "u", 0)
	require.NoError(t, err)
	require.Empty(t, turns)

	other, err := s.ListChatTurns(ctx, "other", 0)
	require.NoError(t, err)
	require.Len(t, other, 1)

	recs, err := s.ListPresentations(ctx, "u")
	require.NoError(t, err)
	require.Len(t, recs, 1)

	require.NotNil(t, db.queries[0].ProjectionExpression)
}

func TestDynamoStore_ClearRetriesUnprocessed(t *testing.T) {
	db := newFakeDynamo()
	s := mustNewDynamoStore(t, db, 0)
	ctx := context.Background()
	require.NoError(t, s.SaveChatTurn(ctx, ChatTurn{OwnerID: "u", Text: "x", Direction: Inbound}))

	db.unprocessed = 1
	require.NoError(t, s.ClearChatTurns(ctx, "u"))
	require.Equal(t, 2, db.batchCalls)

	require.NoError(t, s.SaveChatTurn(ctx, ChatTurn{OwnerID: "u", Text: "x", Direction: Inbound}))
	db.unprocessed = batchWriteRetries
	err := s.ClearChatTurns(ctx, "u")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unprocessed")
}

func TestDynamoStore_Errors(t *testing.T) {
	db := newFakeDynamo()
	s := mustNewDynamoStore(t, db, 0)
	ctx := context.Background()

	db.putErr = errors.New("boom")
	err := s.SavePresentation(ctx, PresentationRecord{OwnerID: "u", URL: "x"})
	require.ErrorContains(t, err, "save presentation")

	db.queryErr = errors.New("boom")
	_, err = s.ListPresentations(ctx, "u")
	require.ErrorContains(t, err, "list presentations")

	n, err := s.PruneChatTurns(ctx, time.Now())
	require.ErrorIs(t, err, ErrNotSupported)
	require.Zero(t, n)

	db.describeErr = errors.New("no table")
	require.Error(t, s.Ping(ctx))
}

func TestItemToPresentation_MalformedCreatedAt(t *testing.T) {
	_, err := itemToPresentation(map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: "OWNER#u"},
		"SK":        &types.AttributeValueMemberS{Value: "DECK#x"},
		"ownerId":   &types.AttributeValueMemberS{Value: "u"},
		"url":       &types.AttributeValueMemberS{Value: "https://x"},
		"createdAt": &types.AttributeValueMemberS{Value: "yesterday"},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "not a number")
}
