// Package directory persists subscriber records in a single DynamoDB table
// keyed by customer id. It also hands out per-customer leases so that at most
// one enrollment coordinator is in flight per customer.
package directory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no record exists for the customer.
	ErrNotFound = errors.New("directory: record not found")
	// ErrConflict is returned when a compare-and-set write lost the race.
	ErrConflict = errors.New("directory: concurrent update")
	// ErrLeaseHeld is returned when another coordinator run holds the
	// customer's lease.
	ErrLeaseHeld = errors.New("directory: enrollment already in flight")
)

const (
	defaultRegion   = "eu-north-1"
	defaultLeaseTTL = 2 * time.Minute
	leasePrefix     = "lease#"
)

// DeviceEntry is one device bound to a subscriber.
type DeviceEntry struct {
	DeviceID string    `dynamodbav:"device_id"`
	AddedAt  time.Time `dynamodbav:"added_at"`
}

// Record is the durable subscriber row. Devices stay ordered by AddedAt;
// LastEnrollmentURL and LastProfileUUID reflect the most recent successful
// coordinator run.
type Record struct {
	CustomerID        string        `dynamodbav:"customer_id"`
	Contact           string        `dynamodbav:"contact,omitempty"`
	Devices           []DeviceEntry `dynamodbav:"devices,omitempty"`
	LastEnrollmentURL string        `dynamodbav:"last_enrollment_url,omitempty"`
	LastProfileUUID   string        `dynamodbav:"last_profile_uuid,omitempty"`
	UpdatedAt         time.Time     `dynamodbav:"updated_at"`
	RevokedAt         *time.Time    `dynamodbav:"revoked_at,omitempty"`
}

// AppendDevice records a device binding. It is idempotent by device id and
// keeps AddedAt monotonically non-decreasing.
func (r *Record) AppendDevice(deviceID string, now time.Time) {
	for _, d := range r.Devices {
		if d.DeviceID == deviceID {
			return
		}
	}
	if n := len(r.Devices); n > 0 && r.Devices[n-1].AddedAt.After(now) {
		now = r.Devices[n-1].AddedAt
	}
	r.Devices = append(r.Devices, DeviceEntry{DeviceID: deviceID, AddedAt: now})
}

// ActiveDevice returns the device with the largest AddedAt, or false when the
// subscriber has none.
func (r *Record) ActiveDevice() (DeviceEntry, bool) {
	if len(r.Devices) == 0 {
		return DeviceEntry{}, false
	}
	active := r.Devices[0]
	for _, d := range r.Devices[1:] {
		if !d.AddedAt.Before(active.AddedAt) {
			active = d
		}
	}
	return active, true
}

// Revoked reports whether the subscriber has been revoked.
func (r *Record) Revoked() bool { return r.RevokedAt != nil }

type dynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Store reads and writes subscriber records.
type Store struct {
	api      dynamoAPI
	table    string
	leaseTTL time.Duration
	now      func() time.Time
}

// NewStore wraps a DynamoDB client for the given table.
func NewStore(api dynamoAPI, table string) *Store {
	return &Store{api: api, table: table, leaseTTL: defaultLeaseTTL, now: time.Now}
}

// NewStoreFromEnv builds a Store from SUBSCRIBERS_TABLE and the usual AWS
// environment (AWS_REGION defaults to eu-north-1).
func NewStoreFromEnv(ctx context.Context) (*Store, error) {
	table := os.Getenv("SUBSCRIBERS_TABLE")
	if table == "" {
		return nil, errors.New("SUBSCRIBERS_TABLE is required")
	}
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = defaultRegion
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewStore(dynamodb.NewFromConfig(cfg), table), nil
}

// Get returns the full record for a customer.
func (s *Store) Get(ctx context.Context, customerID string) (Record, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            recordKey(customerID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Record{}, fmt.Errorf("directory get %s: %w", customerID, err)
	}
	if len(out.Item) == 0 {
		return Record{}, ErrNotFound
	}

	var rec Record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return Record{}, fmt.Errorf("directory decode %s: %w", customerID, err)
	}
	return rec, nil
}

// Put writes the record with a compare-and-set on updated_at. expectedUpdatedAt
// is the UpdatedAt of the record as last read; pass the zero time when the
// record should not exist yet. On success the record's UpdatedAt is advanced.
func (s *Store) Put(ctx context.Context, rec Record, expectedUpdatedAt time.Time) (Record, error) {
	rec.UpdatedAt = s.now().UTC().Truncate(time.Millisecond)

	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return Record{}, fmt.Errorf("directory encode %s: %w", rec.CustomerID, err)
	}

	input := &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	}
	if expectedUpdatedAt.IsZero() {
		input.ConditionExpression = aws.String("attribute_not_exists(customer_id)")
	} else {
		input.ConditionExpression = aws.String("updated_at = :expected")
		expected, err := attributevalue.Marshal(expectedUpdatedAt)
		if err != nil {
			return Record{}, fmt.Errorf("directory encode expected: %w", err)
		}
		input.ExpressionAttributeValues = map[string]ddbtypes.AttributeValue{
			":expected": expected,
		}
	}

	if _, err := s.api.PutItem(ctx, input); err != nil {
		var cond *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &cond) {
			return Record{}, ErrConflict
		}
		return Record{}, fmt.Errorf("directory put %s: %w", rec.CustomerID, err)
	}
	return rec, nil
}

// Revoke marks the subscriber revoked without dropping the audit trail.
func (s *Store) Revoke(ctx context.Context, customerID string) (Record, error) {
	rec, err := s.Get(ctx, customerID)
	if err != nil {
		return Record{}, err
	}
	if rec.Revoked() {
		return rec, nil
	}
	now := s.now().UTC()
	rec.RevokedAt = &now
	return s.Put(ctx, rec, rec.UpdatedAt)
}

// Delete removes the record entirely.
func (s *Store) Delete(ctx context.Context, customerID string) error {
	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       recordKey(customerID),
	})
	if err != nil {
		return fmt.Errorf("directory delete %s: %w", customerID, err)
	}
	return nil
}

// Lease serializes coordinator runs for one customer.
type Lease struct {
	store      *Store
	customerID string
	token      string
}

// AcquireLease takes the per-customer lease. It fails with ErrLeaseHeld when
// another run holds an unexpired lease.
func (s *Store) AcquireLease(ctx context.Context, customerID string) (*Lease, error) {
	token := uuid.NewString()
	now := s.now().UTC()

	item, err := attributevalue.MarshalMap(leaseItem{
		CustomerID: leasePrefix + customerID,
		Token:      token,
		ExpiresAt:  now.Add(s.leaseTTL).Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("directory lease encode: %w", err)
	}
	nowAttr, err := attributevalue.Marshal(now.Unix())
	if err != nil {
		return nil, fmt.Errorf("directory lease encode: %w", err)
	}

	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(customer_id) OR expires_at < :now"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":now": nowAttr,
		},
	})
	if err != nil {
		var cond *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &cond) {
			return nil, ErrLeaseHeld
		}
		return nil, fmt.Errorf("directory lease %s: %w", customerID, err)
	}
	return &Lease{store: s, customerID: customerID, token: token}, nil
}

// Release frees the lease. Releasing a lease that expired and was taken over
// by another run is a no-op.
func (l *Lease) Release(ctx context.Context) error {
	tokenAttr, err := attributevalue.Marshal(l.token)
	if err != nil {
		return fmt.Errorf("directory lease encode: %w", err)
	}
	_, err = l.store.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(l.store.table),
		Key:                 recordKey(leasePrefix + l.customerID),
		ConditionExpression: aws.String("lease_token = :token"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":token": tokenAttr,
		},
	})
	if err != nil {
		var cond *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &cond) {
			return nil
		}
		return fmt.Errorf("directory lease release %s: %w", l.customerID, err)
	}
	return nil
}

// expires_at is epoch seconds so the takeover condition compares numbers,
// not RFC 3339 strings, and the attribute doubles as a table TTL.
type leaseItem struct {
	CustomerID string `dynamodbav:"customer_id"`
	Token      string `dynamodbav:"lease_token"`
	ExpiresAt  int64  `dynamodbav:"expires_at"`
}

func recordKey(customerID string) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		"customer_id": &ddbtypes.AttributeValueMemberS{Value: customerID},
	}
}
