// Package lock provides a DynamoDB-backed lease that keeps sync passes from
// overlapping.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/oklog/ulid/v2"

	"github.com/dwsmith1983/airflow-monitor/pkg/types"
)

const (
	prefixLock = "LOCK#"
	skLock     = "LOCK"
)

// DDBAPI is the subset of the DynamoDB client used by Lease.
type DDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

type leaseItem struct {
	PK         string `dynamodbav:"PK"`
	SK         string `dynamodbav:"SK"`
	Token      string `dynamodbav:"token"`
	Owner      string `dynamodbav:"owner,omitempty"`
	AcquiredAt string `dynamodbav:"acquiredAt"`
	TTL        int64  `dynamodbav:"ttl"`
}

// Lease is a TTL-bounded exclusive lease stored as one item per key. An
// expired lease can be taken over without being released.
type Lease struct {
	client DDBAPI
	table  string
	ttl    time.Duration
	owner  string
	now    func() time.Time
}

// New creates a Lease on table. owner is recorded on the item for operators.
func New(client DDBAPI, table string, ttl time.Duration, owner string) *Lease {
	return &Lease{client: client, table: table, ttl: ttl, owner: owner, now: time.Now}
}

// Acquire takes the lease for key and returns the token needed to release it.
// If another holder's lease has not expired the error wraps types.ErrLockHeld.
func (l *Lease) Acquire(ctx context.Context, key string) (string, error) {
	now := l.now()
	token := ulid.Make().String()

	item, err := attributevalue.MarshalMap(leaseItem{
		PK:         prefixLock + key,
		SK:         skLock,
		Token:      token,
		Owner:      l.owner,
		AcquiredAt: now.UTC().Format(time.RFC3339),
		TTL:        now.Add(l.ttl).Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("lock: marshal lease: %w", err)
	}

	_, err = l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(l.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) OR #ttl < :now"),
		ExpressionAttributeNames: map[string]string{
			"#ttl": "ttl",
		},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":now": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return "", fmt.Errorf("lock: %s: %w", key, types.ErrLockHeld)
		}
		return "", fmt.Errorf("lock: acquire %s: %w", key, err)
	}
	return token, nil
}

// Release deletes the lease if token still owns it. A lease that expired and
// was taken over is left alone.
func (l *Lease) Release(ctx context.Context, key, token string) error {
	_, err := l.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(l.table),
		Key: map[string]ddbtypes.AttributeValue{
			"PK": &ddbtypes.AttributeValueMemberS{Value: prefixLock + key},
			"SK": &ddbtypes.AttributeValueMemberS{Value: skLock},
		},
		ConditionExpression: aws.String("#token = :token"),
		ExpressionAttributeNames: map[string]string{
			"#token": "token",
		},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":token": &ddbtypes.AttributeValueMemberS{Value: token},
		},
	})
	if err != nil && !isConditionalCheckFailed(err) {
		return fmt.Errorf("lock: release %s: %w", key, err)
	}
	return nil
}

func isConditionalCheckFailed(err error) bool {
	var ccfe *ddbtypes.ConditionalCheckFailedException
	return errors.As(err, &ccfe)
}
