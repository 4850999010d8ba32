package profiles

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	gos3 "stj/pkg/s3"
)

// ErrNotFound reports that no hosted profile exists under the requested key.
var ErrNotFound = errors.New("hosted profile not found")

// ErrConflict reports a strict-mode publish of different bytes under an
// existing object key.
var ErrConflict = errors.New("hosted profile conflict")

// HostedProfile is a ProfileDocument after publication to the object store.
type HostedProfile struct {
	ObjectKey   string    `json:"object_key"`
	DownloadURL string    `json:"download_url"`
	ProfileUUID uuid.UUID `json:"profile_uuid,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

// Store publishes profile documents to an S3 bucket with public-read
// semantics and resolves previously published keys.
type Store struct {
	s3     *gos3.Client
	bucket string
	strict bool
	now    func() time.Time
}

// NewStore wires a Store against the given S3 client and bucket. In strict
// mode a publish of different bytes under an existing key fails with
// ErrConflict instead of superseding the object.
func NewStore(client *gos3.Client, bucket string, strict bool) (*Store, error) {
	if client == nil {
		return nil, errors.New("s3 client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	return &Store{s3: client, bucket: bucket, strict: strict, now: time.Now}, nil
}

// NewStoreFromEnv builds a Store using PROFILE_BUCKET and the usual S3
// environment.
func NewStoreFromEnv(ctx context.Context) (*Store, error) {
	client, err := gos3.NewClientFromEnv(ctx)
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	return NewStore(client, os.Getenv("PROFILE_BUCKET"), false)
}

// Publish uploads the document under objectKey (defaulting to
// doc.ObjectKey()) with the Apple profile content type and an attachment
// disposition, and returns the resulting HostedProfile. Publishing
// byte-identical content under an existing key is a no-op; different bytes
// supersede the object unless the store is strict.
func (s *Store) Publish(ctx context.Context, doc *ProfileDocument, objectKey string) (*HostedProfile, error) {
	if s == nil {
		return nil, errors.New("nil store")
	}
	if doc == nil || len(doc.Bytes) == 0 {
		return nil, errors.New("profile document is required")
	}
	if objectKey == "" {
		objectKey = doc.ObjectKey()
	}

	sum := sha256.Sum256(doc.Bytes)
	digest := hex.EncodeToString(sum[:])

	info, exists, err := s.s3.Head(ctx, s.bucket, objectKey)
	if err != nil {
		return nil, fmt.Errorf("head %s: %w", objectKey, err)
	}
	if exists {
		if info.SHA256 == digest {
			return s.hosted(doc, objectKey), nil
		}
		if s.strict {
			return nil, fmt.Errorf("%w: key %q already holds different content", ErrConflict, objectKey)
		}
	}

	disposition := fmt.Sprintf("attachment; filename=%q", objectKey)
	if err := s.s3.PutObject(ctx, s.bucket, objectKey, doc.Bytes, ContentType, disposition); err != nil {
		return nil, fmt.Errorf("put %s: %w", objectKey, err)
	}

	return s.hosted(doc, objectKey), nil
}

// Resolve looks up a previously published object key. It returns ErrNotFound
// when the key does not exist.
func (s *Store) Resolve(ctx context.Context, objectKey string) (*HostedProfile, error) {
	if s == nil {
		return nil, errors.New("nil store")
	}
	_, exists, err := s.s3.Head(ctx, s.bucket, objectKey)
	if err != nil {
		return nil, fmt.Errorf("head %s: %w", objectKey, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, objectKey)
	}
	return &HostedProfile{
		ObjectKey:   objectKey,
		DownloadURL: s.s3.PublicURL(s.bucket, objectKey),
		PublishedAt: s.now().UTC(),
	}, nil
}

func (s *Store) hosted(doc *ProfileDocument, objectKey string) *HostedProfile {
	return &HostedProfile{
		ObjectKey:   objectKey,
		DownloadURL: s.s3.PublicURL(s.bucket, objectKey),
		ProfileUUID: doc.ProfileUUID,
		PublishedAt: s.now().UTC(),
	}
}
