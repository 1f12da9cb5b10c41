// Package lock implements the per-(provider, granule) advisory lock that
// serializes conflicting transfers.
//
// Acquisition is a conditional insert into a shared DynamoDB table: the
// first successful conditional write wins, losers back off and retry until
// their wait budget elapses. Entries carry a TTL so a crashed holder cannot
// wedge the key permanently; a later acquirer reclaims an expired entry with
// the same conditional write.
//
// Workflows that already guarantee single-writer semantics disable locking
// with the Noop coordinator, since unconditional lock acquisition on every
// fetch is a throughput bottleneck.
package lock

import (
	"context"
	stderrors "errors"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/patelg123/cumulus/errors"
	"github.com/patelg123/cumulus/internal/awsapi"
)

// Table attribute names.
const (
	attrKey     = "lock_key"
	attrOwner   = "owner"
	attrExpires = "expires_at"
)

// DefaultTTL bounds how long a crashed holder can wedge a key.
const DefaultTTL = 5 * time.Minute

// Key identifies one advisory lock.
type Key struct {
	ProviderID string
	GranuleID  string
}

// String renders the composite table key.
func (k Key) String() string {
	return k.ProviderID + "/" + k.GranuleID
}

// Token proves ownership of an acquired lock. Release requires the token so
// only the acquiring invocation can free the key.
type Token struct {
	Key   Key
	Owner string
}

// Coordinator acquires and releases advisory locks.
type Coordinator interface {
	// Acquire obtains the lock for key, backing off and retrying until
	// maxWait elapses. Contention past the budget fails with
	// ErrResourcesLocked.
	Acquire(ctx context.Context, key Key, maxWait time.Duration) (*Token, error)

	// Release frees a previously acquired lock. Releasing a lock that has
	// already expired and been reclaimed is not an error.
	Release(ctx context.Context, token *Token) error
}

// Dynamo is the conditional-write Coordinator backed by a shared DynamoDB
// table.
type Dynamo struct {
	client awsapi.DynamoAPI
	table  string
	ttl    time.Duration

	// now is injected for expiry tests.
	now func() time.Time
}

// DynamoOption configures a Dynamo coordinator.
type DynamoOption func(*Dynamo)

// WithTTL overrides the lock entry TTL.
func WithTTL(ttl time.Duration) DynamoOption {
	return func(d *Dynamo) {
		if ttl > 0 {
			d.ttl = ttl
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) DynamoOption {
	return func(d *Dynamo) {
		d.now = now
	}
}

// NewDynamo creates a Dynamo coordinator writing to the named table.
func NewDynamo(client awsapi.DynamoAPI, table string, opts ...DynamoOption) *Dynamo {
	d := &Dynamo{
		client: client,
		table:  table,
		ttl:    DefaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Acquire implements Coordinator. The conditional put succeeds when the key
// is absent or its previous holder's entry has expired; there is at most one
// holder at any instant.
func (d *Dynamo) Acquire(ctx context.Context, key Key, maxWait time.Duration) (*Token, error) {
	owner := uuid.NewString()

	attempt := func() error {
		now := d.now()
		_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(d.table),
			Item: map[string]types.AttributeValue{
				attrKey:     &types.AttributeValueMemberS{Value: key.String()},
				attrOwner:   &types.AttributeValueMemberS{Value: owner},
				attrExpires: &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(d.ttl).Unix(), 10)},
			},
			ConditionExpression: aws.String("attribute_not_exists(#k) OR #e < :now"),
			ExpressionAttributeNames: map[string]string{
				"#k": attrKey,
				"#e": attrExpires,
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
			},
		})
		if err != nil {
			if isConditionFailed(err) {
				// Held by someone else; retry until the wait budget elapses.
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	// A non-positive wait budget means one attempt with no retries; zero
	// must not fall through to the backoff library's unlimited default.
	var policy backoff.BackOff = &backoff.StopBackOff{}
	if maxWait > 0 {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 200 * time.Millisecond
		bo.MaxInterval = 2 * time.Second
		bo.MaxElapsedTime = maxWait
		policy = bo
	}

	if err := backoff.Retry(attempt, backoff.WithContext(policy, ctx)); err != nil {
		if isConditionFailed(err) {
			return nil, errors.NewError("lock.acquire", errors.ErrResourcesLocked).
				WithProvider(key.ProviderID).
				WithMessage("lock held for " + key.String() + " past wait budget")
		}
		return nil, errors.NewError("lock.acquire", err).WithProvider(key.ProviderID)
	}

	return &Token{Key: key, Owner: owner}, nil
}

// Release implements Coordinator. The delete is conditional on ownership so
// a reclaimed key is never stolen back; losing that race is not an error.
func (d *Dynamo) Release(ctx context.Context, token *Token) error {
	if token == nil {
		return nil
	}

	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key: map[string]types.AttributeValue{
			attrKey: &types.AttributeValueMemberS{Value: token.Key.String()},
		},
		ConditionExpression: aws.String("#o = :owner"),
		ExpressionAttributeNames: map[string]string{
			"#o": attrOwner,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner": &types.AttributeValueMemberS{Value: token.Owner},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			// Expired and reclaimed by a later acquirer.
			return nil
		}
		return errors.NewError("lock.release", err).WithProvider(token.Key.ProviderID)
	}
	return nil
}

// Noop is the pass-through Coordinator used when the surrounding workflow
// already guarantees single-writer semantics.
type Noop struct{}

// Acquire implements Coordinator without taking any lock.
func (Noop) Acquire(_ context.Context, key Key, _ time.Duration) (*Token, error) {
	return &Token{Key: key}, nil
}

// Release implements Coordinator as a no-op.
func (Noop) Release(context.Context, *Token) error {
	return nil
}

// isConditionFailed checks for DynamoDB conditional-write rejection.
func isConditionFailed(err error) bool {
	var cond *types.ConditionalCheckFailedException
	return stderrors.As(err, &cond)
}
