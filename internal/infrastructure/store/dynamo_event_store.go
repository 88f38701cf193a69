package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	dynamoPendingIndex  = "pending-index"
	dynamoPendingMarker = "1"
	// dynamoTimeLayout is fixed width so timestamps sort lexically in the
	// pending index.
	dynamoTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

	// DynamoDB caps a transaction at 100 items.
	dynamoMaxTransactItems = 100
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoEventStore.
type DynamoAPI interface {
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoEventStore stores events and outbox entries in DynamoDB.
//
// Events table: partition key "stream" (S, "<type>/<id>"), sort key
// "version" (N). Outbox table: partition key "id" (S) with a sparse GSI
// "pending-index" on ("pending", "created_at") that only holds unsent rows.
type DynamoEventStore struct {
	client      DynamoAPI
	tableName   string
	outboxTable string
}

// dynamoEvent represents the DynamoDB item structure
type dynamoEvent struct {
	Stream        string `dynamodbav:"stream"`
	Version       int    `dynamodbav:"version"`
	ID            string `dynamodbav:"id"`
	AggregateID   string `dynamodbav:"aggregate_id"`
	AggregateType string `dynamodbav:"aggregate_type"`
	EventType     string `dynamodbav:"event_type"`
	EventVersion  int    `dynamodbav:"event_version"`
	Data          string `dynamodbav:"data"`
	AgentID       string `dynamodbav:"agent_id"`
	AgentType     string `dynamodbav:"agent_type"`
	IsSnapshot    bool   `dynamodbav:"is_snapshot"`
	CreatedAt     string `dynamodbav:"created_at"`
}

type dynamoOutbox struct {
	ID         string `dynamodbav:"id"`
	Target     string `dynamodbav:"target"`
	RoutingKey string `dynamodbav:"routing_key"`
	Key        string `dynamodbav:"key"`
	Payload    string `dynamodbav:"payload"`
	CreatedAt  string `dynamodbav:"created_at"`
	Sent       bool   `dynamodbav:"sent"`
	SentAt     string `dynamodbav:"sent_at,omitempty"`
	Attempts   int    `dynamodbav:"attempts"`
	LastError  string `dynamodbav:"last_error,omitempty"`
	Pending    string `dynamodbav:"pending,omitempty"`
}

func NewDynamoEventStore(client DynamoAPI, tableName, outboxTable string) *DynamoEventStore {
	return &DynamoEventStore{
		client:      client,
		tableName:   tableName,
		outboxTable: outboxTable,
	}
}

// Append writes events and outbox entries in one TransactWriteItems call.
// Each event put is conditional on its (stream, version) key being free.
func (es *DynamoEventStore) Append(ctx context.Context, batch AppendBatch) error {
	if err := batch.validate(); err != nil {
		return err
	}
	if len(batch.Events)+len(batch.Outbox) > dynamoMaxTransactItems {
		return fmt.Errorf("%w: too many items for one transaction", ErrInvalidBatch)
	}

	current, err := es.GetVersion(ctx, batch.AggregateType, batch.AggregateID)
	if err != nil {
		return err
	}
	if current != batch.ExpectedVersion {
		return ErrVersionConflict
	}

	items := make([]types.TransactWriteItem, 0, len(batch.Events)+len(batch.Outbox))
	for _, e := range batch.Events {
		put, err := es.eventPut(e)
		if err != nil {
			return err
		}
		items = append(items, put)
	}
	for _, o := range batch.Outbox {
		put, err := es.outboxPut(o)
		if err != nil {
			return err
		}
		items = append(items, put)
	}

	_, err = es.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		return translateDynamoErr(err)
	}
	return nil
}

func (es *DynamoEventStore) GetSnapshot(ctx context.Context, aggregateType, aggregateID string, maxVersion int) (*Event, error) {
	keyCond := "#s = :s"
	values := map[string]types.AttributeValue{
		":s":    &types.AttributeValueMemberS{Value: streamKey(aggregateType, aggregateID)},
		":snap": &types.AttributeValueMemberBOOL{Value: true},
	}
	if maxVersion > 0 {
		keyCond += " AND version <= :max"
		values[":max"] = &types.AttributeValueMemberN{Value: strconv.Itoa(maxVersion)}
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(es.tableName),
		KeyConditionExpression:    aws.String(keyCond),
		FilterExpression:          aws.String("is_snapshot = :snap"),
		ExpressionAttributeNames:  map[string]string{"#s": "stream"},
		ExpressionAttributeValues: values,
		ScanIndexForward:          aws.Bool(false), // newest first
	}
	for {
		result, err := es.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("query snapshot: %w", err)
		}
		if len(result.Items) > 0 {
			events, err := unmarshalDynamoEvents(result.Items[:1])
			if err != nil {
				return nil, err
			}
			return &events[0], nil
		}
		if len(result.LastEvaluatedKey) == 0 {
			return nil, nil
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}
}

func (es *DynamoEventStore) GetEventsFromVersion(ctx context.Context, aggregateType, aggregateID string, fromVersion, toVersion int) ([]Event, error) {
	// BETWEEN with a lower bound above the upper one is a ValidationException
	if toVersion > 0 && toVersion <= fromVersion {
		return nil, nil
	}
	values := map[string]types.AttributeValue{
		":s":    &types.AttributeValueMemberS{Value: streamKey(aggregateType, aggregateID)},
		":from": &types.AttributeValueMemberN{Value: strconv.Itoa(fromVersion + 1)},
		":snap": &types.AttributeValueMemberBOOL{Value: false},
	}
	keyCond := "#s = :s AND version >= :from"
	if toVersion > 0 {
		keyCond = "#s = :s AND version BETWEEN :from AND :to"
		values[":to"] = &types.AttributeValueMemberN{Value: strconv.Itoa(toVersion)}
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(es.tableName),
		KeyConditionExpression:    aws.String(keyCond),
		FilterExpression:          aws.String("is_snapshot = :snap"),
		ExpressionAttributeNames:  map[string]string{"#s": "stream"},
		ExpressionAttributeValues: values,
		ScanIndexForward:          aws.Bool(true), // Ascending order by version
	}

	var events []Event
	for {
		result, err := es.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("query events: %w", err)
		}
		page, err := unmarshalDynamoEvents(result.Items)
		if err != nil {
			return nil, err
		}
		events = append(events, page...)
		if len(result.LastEvaluatedKey) == 0 {
			return events, nil
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}
}

// GetVersion queries for the current max version
func (es *DynamoEventStore) GetVersion(ctx context.Context, aggregateType, aggregateID string) (int, error) {
	result, err := es.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(es.tableName),
		KeyConditionExpression: aws.String("#s = :s"),
		ExpressionAttributeNames: map[string]string{
			"#s": "stream",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":s": &types.AttributeValueMemberS{Value: streamKey(aggregateType, aggregateID)},
		},
		ScanIndexForward:     aws.Bool(false), // Descending order
		Limit:                aws.Int32(1),
		ProjectionExpression: aws.String("version"),
	})
	if err != nil {
		return 0, fmt.Errorf("query version: %w", err)
	}
	if len(result.Items) == 0 {
		return 0, nil
	}

	var item struct {
		Version int `dynamodbav:"version"`
	}
	if err := attributevalue.UnmarshalMap(result.Items[0], &item); err != nil {
		return 0, fmt.Errorf("unmarshal version: %w", err)
	}
	return item.Version, nil
}

// ReplaceHistory writes the snapshot and outbox entries atomically, then
// deletes the superseded records. Loads always start from the newest
// snapshot, so records left behind by an interrupted cleanup are never read.
func (es *DynamoEventStore) ReplaceHistory(ctx context.Context, expectedVersion int, snapshot Event, outbox []OutboxEntry) error {
	if !snapshot.IsSnapshot || snapshot.Version <= expectedVersion {
		return ErrInvalidBatch
	}
	err := es.Append(ctx, AppendBatch{
		AggregateType:   snapshot.AggregateType,
		AggregateID:     snapshot.AggregateID,
		ExpectedVersion: expectedVersion,
		Events:          []Event{snapshot},
		Outbox:          outbox,
	})
	if err != nil {
		return err
	}

	stream := streamKey(snapshot.AggregateType, snapshot.AggregateID)
	for version := 1; version < snapshot.Version; version++ {
		_, err := es.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(es.tableName),
			Key: map[string]types.AttributeValue{
				"stream":  &types.AttributeValueMemberS{Value: stream},
				"version": &types.AttributeValueMemberN{Value: strconv.Itoa(version)},
			},
		})
		if err != nil {
			return fmt.Errorf("delete superseded record %d: %w", version, err)
		}
	}
	return nil
}

func (es *DynamoEventStore) FetchPending(ctx context.Context, limit int) ([]OutboxEntry, error) {
	result, err := es.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(es.outboxTable),
		IndexName:              aws.String(dynamoPendingIndex),
		KeyConditionExpression: aws.String("pending = :p"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":p": &types.AttributeValueMemberS{Value: dynamoPendingMarker},
		},
		ScanIndexForward: aws.Bool(true), // oldest first
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("query pending outbox: %w", err)
	}
	return unmarshalDynamoOutbox(result.Items)
}

func (es *DynamoEventStore) MarkSent(ctx context.Context, id string) error {
	_, err := es.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(es.outboxTable),
		Key:                 outboxKey(id),
		UpdateExpression:    aws.String("SET sent = :t, sent_at = :now REMOVE pending"),
		ConditionExpression: aws.String("attribute_exists(id)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t":   &types.AttributeValueMemberBOOL{Value: true},
			":now": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(dynamoTimeLayout)},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrOutboxEntryNotFound
		}
		return fmt.Errorf("mark sent: %w", err)
	}
	return nil
}

func (es *DynamoEventStore) RecordFailure(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := es.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(es.outboxTable),
		Key:                 outboxKey(id),
		UpdateExpression:    aws.String("ADD attempts :one SET last_error = :e"),
		ConditionExpression: aws.String("attribute_exists(id)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
			":e":   &types.AttributeValueMemberS{Value: msg},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrOutboxEntryNotFound
		}
		return fmt.Errorf("record failure: %w", err)
	}
	return nil
}

func (es *DynamoEventStore) PurgeSent(ctx context.Context, before time.Time) (int, error) {
	input := &dynamodb.ScanInput{
		TableName:        aws.String(es.outboxTable),
		FilterExpression: aws.String("sent = :t AND sent_at < :before"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t":      &types.AttributeValueMemberBOOL{Value: true},
			":before": &types.AttributeValueMemberS{Value: before.UTC().Format(dynamoTimeLayout)},
		},
		ProjectionExpression: aws.String("id"),
	}

	purged := 0
	for {
		result, err := es.client.Scan(ctx, input)
		if err != nil {
			return purged, fmt.Errorf("scan sent outbox: %w", err)
		}
		for _, item := range result.Items {
			if _, err := es.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(es.outboxTable),
				Key:       map[string]types.AttributeValue{"id": item["id"]},
			}); err != nil {
				return purged, fmt.Errorf("delete outbox entry: %w", err)
			}
			purged++
		}
		if len(result.LastEvaluatedKey) == 0 {
			return purged, nil
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}
}

func (es *DynamoEventStore) eventPut(e Event) (types.TransactWriteItem, error) {
	av, err := attributevalue.MarshalMap(toDynamoEvent(e))
	if err != nil {
		return types.TransactWriteItem{}, fmt.Errorf("marshal event: %w", err)
	}
	return types.TransactWriteItem{
		Put: &types.Put{
			TableName:                aws.String(es.tableName),
			Item:                     av,
			ConditionExpression:      aws.String("attribute_not_exists(#s)"),
			ExpressionAttributeNames: map[string]string{"#s": "stream"},
		},
	}, nil
}

func (es *DynamoEventStore) outboxPut(o OutboxEntry) (types.TransactWriteItem, error) {
	av, err := attributevalue.MarshalMap(toDynamoOutbox(o))
	if err != nil {
		return types.TransactWriteItem{}, fmt.Errorf("marshal outbox entry: %w", err)
	}
	return types.TransactWriteItem{
		Put: &types.Put{
			TableName: aws.String(es.outboxTable),
			Item:      av,
		},
	}, nil
}

func toDynamoEvent(e Event) dynamoEvent {
	return dynamoEvent{
		Stream:        streamKey(e.AggregateType, e.AggregateID),
		Version:       e.Version,
		ID:            e.ID,
		AggregateID:   e.AggregateID,
		AggregateType: e.AggregateType,
		EventType:     e.EventType,
		EventVersion:  e.EventVersion,
		Data:          string(e.Data),
		AgentID:       e.AgentID,
		AgentType:     e.AgentType,
		IsSnapshot:    e.IsSnapshot,
		CreatedAt:     e.Timestamp.UTC().Format(dynamoTimeLayout),
	}
}

func toDynamoOutbox(o OutboxEntry) dynamoOutbox {
	item := dynamoOutbox{
		ID:         o.ID,
		Target:     o.Target,
		RoutingKey: o.RoutingKey,
		Key:        o.Key,
		Payload:    string(o.Payload),
		CreatedAt:  o.CreatedAt.UTC().Format(dynamoTimeLayout),
		Sent:       o.Sent,
		Attempts:   o.Attempts,
		LastError:  o.LastError,
	}
	if !o.Sent {
		item.Pending = dynamoPendingMarker
	}
	return item
}

// unmarshalDynamoEvents converts DynamoDB items to Event slice
func unmarshalDynamoEvents(items []map[string]types.AttributeValue) ([]Event, error) {
	events := make([]Event, 0, len(items))
	for _, item := range items {
		var de dynamoEvent
		if err := attributevalue.UnmarshalMap(item, &de); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		timestamp, err := time.Parse(dynamoTimeLayout, de.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		events = append(events, Event{
			ID:            de.ID,
			AggregateID:   de.AggregateID,
			AggregateType: de.AggregateType,
			EventType:     de.EventType,
			EventVersion:  de.EventVersion,
			Data:          json.RawMessage(de.Data),
			AgentID:       de.AgentID,
			AgentType:     de.AgentType,
			Timestamp:     timestamp,
			Version:       de.Version,
			IsSnapshot:    de.IsSnapshot,
		})
	}
	return events, nil
}

func unmarshalDynamoOutbox(items []map[string]types.AttributeValue) ([]OutboxEntry, error) {
	entries := make([]OutboxEntry, 0, len(items))
	for _, item := range items {
		var do dynamoOutbox
		if err := attributevalue.UnmarshalMap(item, &do); err != nil {
			return nil, fmt.Errorf("unmarshal outbox entry: %w", err)
		}
		createdAt, err := time.Parse(dynamoTimeLayout, do.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		entry := OutboxEntry{
			ID:         do.ID,
			Target:     do.Target,
			RoutingKey: do.RoutingKey,
			Key:        do.Key,
			Payload:    json.RawMessage(do.Payload),
			CreatedAt:  createdAt,
			Sent:       do.Sent,
			Attempts:   do.Attempts,
			LastError:  do.LastError,
		}
		if do.SentAt != "" {
			if sentAt, err := time.Parse(dynamoTimeLayout, do.SentAt); err == nil {
				entry.SentAt = &sentAt
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func outboxKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}}
}

// translateDynamoErr maps a cancelled transaction caused by a failed
// condition to ErrVersionConflict.
func translateDynamoErr(err error) error {
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		for _, reason := range tce.CancellationReasons {
			if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
				return fmt.Errorf("%w: %s", ErrVersionConflict, tce.ErrorMessage())
			}
		}
	}
	return fmt.Errorf("transact write: %w", err)
}
