package testutil

import (
	"context"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/patelg123/cumulus/internal/awsapi"
)

// LockEntry is one row held by the lock table fake.
type LockEntry struct {
	Owner   string
	Expires int64
}

// LockTable is an in-memory DynamoDB fake implementing exactly the
// conditional semantics the lock coordinator relies on: a put succeeds only
// when the key is absent or expired, a delete succeeds only for the owner.
// It is safe for concurrent use.
type LockTable struct {
	mu      sync.Mutex
	entries map[string]LockEntry

	// PutCalls counts acquisition attempts, including rejected ones.
	PutCalls int
}

// Interface guard.
var _ awsapi.DynamoAPI = (*LockTable)(nil)

// NewLockTable creates an empty lock table fake.
func NewLockTable() *LockTable {
	return &LockTable{entries: make(map[string]LockEntry)}
}

// Entry returns the stored row for a lock key and whether it exists.
func (t *LockTable) Entry(key string) (LockEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[key]
	return entry, ok
}

// Len returns the number of held locks.
func (t *LockTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// PutItem implements the conditional insert. The condition evaluated is the
// coordinator's "attribute_not_exists(#k) OR #e < :now".
func (t *LockTable) PutItem(
	_ context.Context,
	params *dynamodb.PutItemInput,
	_ ...func(*dynamodb.Options),
) (*dynamodb.PutItemOutput, error) {
	key := stringAttr(params.Item["lock_key"])
	owner := stringAttr(params.Item["owner"])
	expires := numberAttr(params.Item["expires_at"])
	now := numberAttr(params.ExpressionAttributeValues[":now"])

	t.mu.Lock()
	defer t.mu.Unlock()
	t.PutCalls++

	if existing, held := t.entries[key]; held && existing.Expires >= now {
		return nil, &types.ConditionalCheckFailedException{
			Message: aws.String("The conditional request failed"),
		}
	}

	t.entries[key] = LockEntry{Owner: owner, Expires: expires}
	return &dynamodb.PutItemOutput{}, nil
}

// DeleteItem implements the owner-conditional delete.
func (t *LockTable) DeleteItem(
	_ context.Context,
	params *dynamodb.DeleteItemInput,
	_ ...func(*dynamodb.Options),
) (*dynamodb.DeleteItemOutput, error) {
	key := stringAttr(params.Key["lock_key"])
	owner := stringAttr(params.ExpressionAttributeValues[":owner"])

	t.mu.Lock()
	defer t.mu.Unlock()

	existing, held := t.entries[key]
	if !held || existing.Owner != owner {
		return nil, &types.ConditionalCheckFailedException{
			Message: aws.String("The conditional request failed"),
		}
	}

	delete(t.entries, key)
	return &dynamodb.DeleteItemOutput{}, nil
}

func stringAttr(attr types.AttributeValue) string {
	if s, ok := attr.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func numberAttr(attr types.AttributeValue) int64 {
	if n, ok := attr.(*types.AttributeValueMemberN); ok {
		v, _ := strconv.ParseInt(n.Value, 10, 64)
		return v
	}
	return 0
}
