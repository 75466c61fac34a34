package dynamokv

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/fieldkit/mcpcore/internal/storage"
)

// sessionItem is the DynamoDB item shape backing storage.Session.
type sessionItem struct {
	ID                 string `dynamodbav:"id"`
	ServerCapabilities string `dynamodbav:"server_capabilities"`
	ClientInfo         string `dynamodbav:"client_info"`
	ClientCapabilities string `dynamodbav:"client_capabilities"`
	NegotiatedVersion  string `dynamodbav:"negotiated_version"`
	Initialized        bool   `dynamodbav:"initialized"`
	State              string `dynamodbav:"state"`
	LoggingLevel       string `dynamodbav:"logging_level"`
	CreatedAt          int64  `dynamodbav:"created_at"`
	LastActivityAt     int64  `dynamodbav:"last_activity_at"`
	NextEventID        int64  `dynamodbav:"next_event_id"`
}

func toJSON(v any) string {
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func fromJSON[T any](s string, dst *T) {
	if s == "" {
		return
	}
	_ = json.Unmarshal([]byte(s), dst)
}

func (it sessionItem) toSession() storage.Session {
	s := storage.Session{
		ID:                it.ID,
		NegotiatedVersion: it.NegotiatedVersion,
		Initialized:       it.Initialized,
		LoggingLevel:      it.LoggingLevel,
		CreatedAt:         time.UnixMilli(it.CreatedAt),
		LastActivityAt:    time.UnixMilli(it.LastActivityAt),
		State:             map[string]any{},
	}
	fromJSON(it.ServerCapabilities, &s.ServerCapabilities)
	fromJSON(it.ClientInfo, &s.ClientInfo)
	fromJSON(it.ClientCapabilities, &s.ClientCapabilities)
	fromJSON(it.State, &s.State)
	return s
}

func (b *Backend) CreateSession(ctx context.Context, caps map[string]any) (storage.Session, error) {
	return b.CreateSessionWithID(ctx, uuid.NewString(), caps)
}

// CreateSessionWithID uses a conditional put (attribute_not_exists) so a
// duplicate ID surfaces as ConcurrentModification rather than clobbering an
// existing session, satisfying the idempotent-creation round-trip law.
func (b *Backend) CreateSessionWithID(ctx context.Context, id string, caps map[string]any) (storage.Session, error) {
	now := time.Now()
	item := sessionItem{
		ID:                 id,
		ServerCapabilities: toJSON(caps),
		State:              "{}",
		CreatedAt:          now.UnixMilli(),
		LastActivityAt:     now.UnixMilli(),
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return storage.Session{}, storage.ErrSerialization
	}

	cond := expression.AttributeNotExists(expression.Name("id"))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return storage.Session{}, storage.NewBackendError("build condition", err)
	}

	_, err = b.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 &b.sessionsTable,
		Item:                      av,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		var condFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condFailed) {
			return storage.Session{}, storage.ErrConcurrentModification
		}
		return storage.Session{}, storage.NewBackendError("create_session", err)
	}

	return item.toSession(), nil
}

func (b *Backend) GetSession(ctx context.Context, id string) (storage.Session, error) {
	key, _ := attributevalue.MarshalMap(map[string]string{"id": id})
	out, err := b.client.GetItem(ctx, &dynamodb.GetItemInput{TableName: &b.sessionsTable, Key: key})
	if err != nil {
		return storage.Session{}, storage.NewBackendError("get_session", err)
	}
	if out.Item == nil {
		return storage.Session{}, &storage.NotFoundError{Kind: "session", ID: id}
	}
	var item sessionItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return storage.Session{}, storage.ErrSerialization
	}
	return item.toSession(), nil
}

func (b *Backend) UpdateSession(ctx context.Context, s storage.Session) error {
	// UpdateSession is a whole-record write; preserve next_event_id by reading
	// the current item first rather than clobbering the counter.
	existing, err := b.getRawItem(ctx, s.ID)
	if err != nil {
		return err
	}

	item := sessionItem{
		ID:                 s.ID,
		ServerCapabilities: toJSON(s.ServerCapabilities),
		ClientInfo:         toJSON(s.ClientInfo),
		ClientCapabilities: toJSON(s.ClientCapabilities),
		NegotiatedVersion:  s.NegotiatedVersion,
		Initialized:        s.Initialized,
		State:              toJSON(s.State),
		LoggingLevel:       s.LoggingLevel,
		CreatedAt:          s.CreatedAt.UnixMilli(),
		LastActivityAt:     s.LastActivityAt.UnixMilli(),
		NextEventID:        existing.NextEventID,
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return storage.ErrSerialization
	}
	_, err = b.client.PutItem(ctx, &dynamodb.PutItemInput{TableName: &b.sessionsTable, Item: av})
	if err != nil {
		return storage.NewBackendError("update_session", err)
	}
	return nil
}

func (b *Backend) getRawItem(ctx context.Context, id string) (sessionItem, error) {
	key, _ := attributevalue.MarshalMap(map[string]string{"id": id})
	out, err := b.client.GetItem(ctx, &dynamodb.GetItemInput{TableName: &b.sessionsTable, Key: key})
	if err != nil {
		return sessionItem{}, storage.NewBackendError("get_session", err)
	}
	if out.Item == nil {
		return sessionItem{}, &storage.NotFoundError{Kind: "session", ID: id}
	}
	var item sessionItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return sessionItem{}, storage.ErrSerialization
	}
	return item, nil
}

// SetSessionState reads the session's state blob, sets key in it, and writes
// the whole state attribute back with an UpdateItem conditioned only on the
// session existing. The write is not atomic per key: a concurrent write to
// another key between the read and the write is overwritten.
func (b *Backend) SetSessionState(ctx context.Context, id, key string, value any) error {
	existing, err := b.getRawItem(ctx, id)
	if err != nil {
		return err
	}
	var state map[string]any
	fromJSON(existing.State, &state)
	if state == nil {
		state = map[string]any{}
	}
	state[key] = value
	existing.State = toJSON(state)

	return b.putStateField(ctx, id, existing.State)
}

func (b *Backend) putStateField(ctx context.Context, id, stateJSON string) error {
	keyAV, _ := attributevalue.MarshalMap(map[string]string{"id": id})
	valAV, err := attributevalue.Marshal(stateJSON)
	if err != nil {
		return storage.ErrSerialization
	}

	update := expression.Set(expression.Name("state"), expression.Value(valAV))
	expr, err := expression.NewBuilder().WithUpdate(update).
		WithCondition(expression.AttributeExists(expression.Name("id"))).Build()
	if err != nil {
		return storage.NewBackendError("build update", err)
	}

	_, err = b.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 &b.sessionsTable,
		Key:                       keyAV,
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		var condFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condFailed) {
			return &storage.NotFoundError{Kind: "session", ID: id}
		}
		return storage.NewBackendError("set_session_state", err)
	}
	return nil
}

func (b *Backend) GetSessionState(ctx context.Context, id, key string) (any, error) {
	s, err := b.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	v, ok := s.State[key]
	if !ok {
		return nil, &storage.NotFoundError{Kind: "session state key", ID: key}
	}
	return v, nil
}

func (b *Backend) RemoveSessionState(ctx context.Context, id, key string) error {
	existing, err := b.getRawItem(ctx, id)
	if err != nil {
		return err
	}
	var state map[string]any
	fromJSON(existing.State, &state)
	delete(state, key)
	return b.putStateField(ctx, id, toJSON(state))
}

func (b *Backend) DeleteSession(ctx context.Context, id string) (bool, error) {
	_, err := b.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	key, _ := attributevalue.MarshalMap(map[string]string{"id": id})
	_, err = b.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{TableName: &b.sessionsTable, Key: key})
	if err != nil {
		return false, storage.NewBackendError("delete_session", err)
	}
	return true, nil
}

func (b *Backend) ListSessions(ctx context.Context) ([]string, error) {
	out, err := b.client.Scan(ctx, &dynamodb.ScanInput{TableName: &b.sessionsTable})
	if err != nil {
		return nil, storage.NewBackendError("list_sessions", err)
	}
	var ids []string
	for _, item := range out.Items {
		var s sessionItem
		if err := attributevalue.UnmarshalMap(item, &s); err == nil {
			ids = append(ids, s.ID)
		}
	}
	return ids, nil
}

func (b *Backend) ExpireSessions(ctx context.Context, olderThan time.Time) ([]string, error) {
	out, err := b.client.Scan(ctx, &dynamodb.ScanInput{TableName: &b.sessionsTable})
	if err != nil {
		return nil, storage.NewBackendError("expire_sessions", err)
	}
	var expired []string
	cutoff := olderThan.UnixMilli()
	for _, raw := range out.Items {
		var s sessionItem
		if err := attributevalue.UnmarshalMap(raw, &s); err != nil {
			continue
		}
		if s.LastActivityAt < cutoff {
			key, _ := attributevalue.MarshalMap(map[string]string{"id": s.ID})
			if _, err := b.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{TableName: &b.sessionsTable, Key: key}); err == nil {
				expired = append(expired, s.ID)
			}
		}
	}
	return expired, nil
}

func (b *Backend) SessionCount(ctx context.Context) (int, error) {
	out, err := b.client.Scan(ctx, &dynamodb.ScanInput{TableName: &b.sessionsTable, Select: types.SelectCount})
	if err != nil {
		return 0, storage.NewBackendError("session_count", err)
	}
	return int(out.Count), nil
}
