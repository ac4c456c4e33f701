// Package storage manages the per-user S3 prefixes backing sandbox hot and
// cold storage tiers.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"
)

// TierStats reports object count and total size for one storage tier.
type TierStats struct {
	TotalSizeBytes int64
	TotalObjects   int
}

// Manager wraps an S3 client bound to a single bucket.
type Manager struct {
	client *s3.Client
	bucket string
}

// NewManager builds a Manager. client is expected to already be configured
// with the target region.
func NewManager(client *s3.Client, bucket string) *Manager {
	return &Manager{client: client, bucket: bucket}
}

// ValidateBucket checks that the configured bucket exists and is
// accessible. Called at startup to surface misconfiguration early; if
// bucket is empty it logs a warning and returns nil rather than treating
// storage as a hard startup dependency.
func (m *Manager) ValidateBucket(ctx context.Context) error {
	if m.bucket == "" {
		log.Warn().Msg("S3 bucket is not configured — storage operations will fail")
		return nil
	}

	_, err := m.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(m.bucket)})
	if err == nil {
		log.Info().Str("bucket", m.bucket).Msg("S3 bucket validated")
		return nil
	}

	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return fmt.Errorf("s3 bucket does not exist: %s", m.bucket)
	}
	return fmt.Errorf("cannot access s3 bucket %q: %w", m.bucket, err)
}

// EnsureUserStorage creates zero-byte marker objects for a user's hot and
// cold prefixes if they don't already have any objects, so tools that list
// prefixes (e.g. "aws s3 ls") show the paths exist.
func (m *Manager) EnsureUserStorage(ctx context.Context, userID string) error {
	for _, prefix := range []string{hotPrefix(userID), coldPrefix(userID)} {
		listOut, err := m.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:  aws.String(m.bucket),
			Prefix:  aws.String(prefix),
			MaxKeys: aws.Int32(1),
		})
		if err != nil {
			return fmt.Errorf("list storage prefix %s: %w", prefix, err)
		}
		if listOut.KeyCount != nil && *listOut.KeyCount > 0 {
			continue
		}
		_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(m.bucket),
			Key:    aws.String(prefix + ".keep"),
			Body:   nil,
		})
		if err != nil {
			return fmt.Errorf("create storage prefix %s: %w", prefix, err)
		}
		log.Info().Str("bucket", m.bucket).Str("prefix", prefix).Msg("created storage prefix")
	}
	return nil
}

// UserStorageStats returns per-tier object count and size for a user.
func (m *Manager) UserStorageStats(ctx context.Context, userID string) (map[string]TierStats, error) {
	stats := make(map[string]TierStats, 2)
	for _, tier := range []string{"hot", "cold"} {
		prefix := fmt.Sprintf("users/%s/%s/", userID, tier)
		var ts TierStats

		paginator := s3.NewListObjectsV2Paginator(m.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(m.bucket),
			Prefix: aws.String(prefix),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return nil, fmt.Errorf("list objects under %s: %w", prefix, err)
			}
			for _, obj := range page.Contents {
				if obj.Size != nil {
					ts.TotalSizeBytes += *obj.Size
				}
				ts.TotalObjects++
			}
		}
		stats[tier] = ts
	}
	return stats, nil
}

// CleanupUserStorage deletes every object under a user's tier prefix and
// returns the count deleted.
func (m *Manager) CleanupUserStorage(ctx context.Context, userID, tier string) (int, error) {
	prefix := fmt.Sprintf("users/%s/%s/", userID, tier)
	deleted := 0

	paginator := s3.NewListObjectsV2Paginator(m.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(m.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return deleted, fmt.Errorf("list objects under %s: %w", prefix, err)
		}
		if len(page.Contents) == 0 {
			continue
		}
		objects := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
		}
		_, err = m.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(m.bucket),
			Delete: &types.Delete{Objects: objects},
		})
		if err != nil {
			return deleted, fmt.Errorf("delete objects under %s: %w", prefix, err)
		}
		deleted += len(objects)
	}

	log.Info().Int("count", deleted).Str("bucket", m.bucket).Str("prefix", prefix).Msg("deleted storage objects")
	return deleted, nil
}

func hotPrefix(userID string) string  { return fmt.Sprintf("users/%s/hot/", userID) }
func coldPrefix(userID string) string { return fmt.Sprintf("users/%s/cold/", userID) }
