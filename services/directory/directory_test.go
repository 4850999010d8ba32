package directory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeDynamo implements the subset of the DynamoDB API the store uses,
// including the condition expressions it writes with.
type fakeDynamo struct {
	items map[string]map[string]ddbtypes.AttributeValue
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: map[string]map[string]ddbtypes.AttributeValue{}}
}

func itemKey(item map[string]ddbtypes.AttributeValue) string {
	s, ok := item["customer_id"].(*ddbtypes.AttributeValueMemberS)
	if !ok {
		return ""
	}
	return s.Value
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	item, ok := f.items[itemKey(in.Key)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	key := itemKey(in.Item)
	existing, exists := f.items[key]

	if in.ConditionExpression != nil {
		switch *in.ConditionExpression {
		case "attribute_not_exists(customer_id)":
			if exists {
				return nil, &ddbtypes.ConditionalCheckFailedException{}
			}
		case "updated_at = :expected":
			if !exists || !attrEqual(existing["updated_at"], in.ExpressionAttributeValues[":expected"]) {
				return nil, &ddbtypes.ConditionalCheckFailedException{}
			}
		case "attribute_not_exists(customer_id) OR expires_at < :now":
			if exists {
				var expires, now int64
				if err := attributevalue.Unmarshal(existing["expires_at"], &expires); err != nil {
					return nil, err
				}
				if err := attributevalue.Unmarshal(in.ExpressionAttributeValues[":now"], &now); err != nil {
					return nil, err
				}
				if expires >= now {
					return nil, &ddbtypes.ConditionalCheckFailedException{}
				}
			}
		default:
			return nil, fmt.Errorf("fake: unhandled condition %q", *in.ConditionExpression)
		}
	}

	f.items[key] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	key := itemKey(in.Key)
	existing, exists := f.items[key]

	if in.ConditionExpression != nil {
		switch *in.ConditionExpression {
		case "lease_token = :token":
			if !exists || !attrEqual(existing["lease_token"], in.ExpressionAttributeValues[":token"]) {
				return nil, &ddbtypes.ConditionalCheckFailedException{}
			}
		default:
			return nil, fmt.Errorf("fake: unhandled condition %q", *in.ConditionExpression)
		}
	}

	delete(f.items, key)
	return &dynamodb.DeleteItemOutput{}, nil
}

func attrEqual(a, b ddbtypes.AttributeValue) bool {
	as, aok := a.(*ddbtypes.AttributeValueMemberS)
	bs, bok := b.(*ddbtypes.AttributeValueMemberS)
	return aok && bok && as.Value == bs.Value
}

func testStore(t *testing.T) (*Store, *fakeDynamo) {
	t.Helper()
	fake := newFakeDynamo()
	return NewStore(fake, "stj-subscribers"), fake
}

func TestPutGetRoundTrip(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	rec := Record{
		CustomerID:        "cust-42",
		Contact:           "parent@example.com",
		LastEnrollmentURL: "https://a.simplemdm.com/e/E1",
		LastProfileUUID:   "E2C5A7B0-0000-0000-0000-000000000001",
	}
	rec.AppendDevice("D1", time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC))

	written, err := s.Put(ctx, rec, time.Time{})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if written.UpdatedAt.IsZero() {
		t.Fatal("Put() did not stamp updated_at")
	}

	got, err := s.Get(ctx, "cust-42")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Contact != rec.Contact || got.LastEnrollmentURL != rec.LastEnrollmentURL {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if len(got.Devices) != 1 || got.Devices[0].DeviceID != "D1" {
		t.Fatalf("devices = %+v", got.Devices)
	}
}

func TestGetNotFound(t *testing.T) {
	s, _ := testStore(t)
	if _, err := s.Get(context.Background(), "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestPutCompareAndSet(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	first, err := s.Put(ctx, Record{CustomerID: "cust-1"}, time.Time{})
	if err != nil {
		t.Fatalf("initial Put() error = %v", err)
	}

	// A second create must observe the existing row.
	if _, err := s.Put(ctx, Record{CustomerID: "cust-1"}, time.Time{}); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate create error = %v, want ErrConflict", err)
	}

	// Stale updated_at loses.
	stale := first.UpdatedAt.Add(-time.Second)
	if _, err := s.Put(ctx, first, stale); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale CAS error = %v, want ErrConflict", err)
	}

	// Matching updated_at wins.
	first.Contact = "updated@example.com"
	if _, err := s.Put(ctx, first, first.UpdatedAt); err != nil {
		t.Fatalf("matching CAS error = %v", err)
	}
}

func TestAppendDevice(t *testing.T) {
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	var rec Record
	rec.AppendDevice("D1", base)
	rec.AppendDevice("D1", base.Add(time.Hour)) // idempotent
	if len(rec.Devices) != 1 {
		t.Fatalf("devices = %d, want 1", len(rec.Devices))
	}

	// A clock that went backwards must not break added_at monotonicity.
	rec.AppendDevice("D2", base.Add(-time.Hour))
	if len(rec.Devices) != 2 {
		t.Fatalf("devices = %d, want 2", len(rec.Devices))
	}
	if rec.Devices[1].AddedAt.Before(rec.Devices[0].AddedAt) {
		t.Fatalf("added_at not monotonic: %v then %v", rec.Devices[0].AddedAt, rec.Devices[1].AddedAt)
	}

	active, ok := rec.ActiveDevice()
	if !ok || active.DeviceID != "D2" {
		t.Fatalf("active device = %+v, want D2", active)
	}
}

func TestLeaseSerialization(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	lease, err := s.AcquireLease(ctx, "cust-9")
	if err != nil {
		t.Fatalf("AcquireLease() error = %v", err)
	}

	if _, err := s.AcquireLease(ctx, "cust-9"); !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("second acquire error = %v, want ErrLeaseHeld", err)
	}

	// A different customer is unaffected.
	other, err := s.AcquireLease(ctx, "cust-10")
	if err != nil {
		t.Fatalf("unrelated acquire error = %v", err)
	}
	if err := other.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	if err := lease.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := s.AcquireLease(ctx, "cust-9"); err != nil {
		t.Fatalf("acquire after release error = %v", err)
	}
}

func TestLeaseExpiryTakeover(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	if _, err := s.AcquireLease(ctx, "cust-9"); err != nil {
		t.Fatalf("AcquireLease() error = %v", err)
	}

	s.now = func() time.Time { return time.Now().Add(defaultLeaseTTL + time.Minute) }
	if _, err := s.AcquireLease(ctx, "cust-9"); err != nil {
		t.Fatalf("takeover of expired lease error = %v", err)
	}
}

func TestLeaseExpiryIsEpochSeconds(t *testing.T) {
	s, fake := testStore(t)

	if _, err := s.AcquireLease(context.Background(), "cust-9"); err != nil {
		t.Fatalf("AcquireLease() error = %v", err)
	}

	// DynamoDB compares number attributes numerically; an RFC 3339 string
	// here would make the takeover condition a lexicographic comparison.
	attr, ok := fake.items[leasePrefix+"cust-9"]["expires_at"].(*ddbtypes.AttributeValueMemberN)
	if !ok {
		t.Fatalf("expires_at = %T, want number attribute", fake.items[leasePrefix+"cust-9"]["expires_at"])
	}
	v, err := strconv.ParseInt(attr.Value, 10, 64)
	if err != nil {
		t.Fatalf("expires_at = %q, want epoch seconds", attr.Value)
	}
	if v <= time.Now().Unix() {
		t.Fatalf("expires_at = %d, want a future instant", v)
	}
}

func TestRevoke(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	if _, err := s.Put(ctx, Record{CustomerID: "cust-7", Contact: "x@example.com"}, time.Time{}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	rec, err := s.Revoke(ctx, "cust-7")
	if err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if !rec.Revoked() {
		t.Fatal("record not marked revoked")
	}

	again, err := s.Revoke(ctx, "cust-7")
	if err != nil {
		t.Fatalf("second Revoke() error = %v", err)
	}
	if !again.RevokedAt.Equal(*rec.RevokedAt) {
		t.Fatal("revoke is not idempotent")
	}
}
