// Package resultstore implements the Result Store Adapter (C5): idempotent
// persistence of per-stage results and final reports. Stage results live in
// Redis under a correlation-id-scoped key with a bounded TTL; reports are
// additionally mirrored to an S3 blob backend for durable retrieval.
package resultstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
)

const (
	stageResultPrefix = "stage_result/"
	reportPrefix      = "scan:report:"
	defaultTTL        = 24 * time.Hour
)

// Config tunes the Redis and S3 backends.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TTL           time.Duration

	S3Bucket string // empty disables report mirroring to S3
}

func DefaultConfig() Config {
	return Config{RedisAddr: "localhost:6379", TTL: defaultTTL}
}

// Store is the concrete C5 implementation.
type Store struct {
	cfg      Config
	redis    *redis.Client
	s3Client *s3.Client
}

// New connects to Redis and, if cfg.S3Bucket is set, constructs an S3 client
// from the ambient AWS configuration.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	s := &Store{cfg: cfg, redis: client}

	if cfg.S3Bucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading AWS config for report store: %w", err)
		}
		s.s3Client = s3.NewFromConfig(awsCfg)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.redis.Close()
}

func stageKey(correlationID, stageID string) string {
	return stageResultPrefix + correlationID + "/" + stageID
}

func reportKey(correlationID string) string {
	return reportPrefix + correlationID
}

// contentHash is used to make PutStageResult idempotent: writing the same
// bytes twice is a no-op beyond refreshing the TTL.
func contentHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// PutStageResult persists one stage's output under (correlationID, stageID).
// A second call with byte-identical content only refreshes the TTL; a call
// with different content overwrites it, since stages never re-run for the
// same correlation id in practice but the store does not assume that.
func (s *Store) PutStageResult(ctx context.Context, correlationID, stageID string, result interface{}) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal stage result: %w", err)
	}
	key := stageKey(correlationID, stageID)

	existing, err := s.redis.Get(ctx, key).Result()
	if err == nil && contentHash([]byte(existing)) == contentHash(payload) {
		return s.redis.Expire(ctx, key, s.ttl()).Err()
	}

	return s.redis.Set(ctx, key, payload, s.ttl()).Err()
}

// GetStageResult fetches and unmarshals a previously stored stage result into
// out. It returns (false, nil) when the key has expired or was never set.
func (s *Store) GetStageResult(ctx context.Context, correlationID, stageID string, out interface{}) (bool, error) {
	raw, err := s.redis.Get(ctx, stageKey(correlationID, stageID)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get stage result: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("unmarshal stage result: %w", err)
	}
	return true, nil
}

// PutReport persists the final report to Redis and, if S3 mirroring is
// configured, to the blob backend under the same correlation id. It returns
// an opaque locator naming the most durable copy written.
func (s *Store) PutReport(ctx context.Context, correlationID string, report interface{}) (string, error) {
	payload, err := json.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}

	if err := s.redis.Set(ctx, reportKey(correlationID), payload, s.ttl()).Err(); err != nil {
		return "", fmt.Errorf("store report in redis: %w", err)
	}

	if s.s3Client == nil {
		return "redis://" + reportKey(correlationID), nil
	}

	key := correlationID + "/report.json"
	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.S3Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("mirror report to s3: %w", err)
	}
	return "s3://" + s.cfg.S3Bucket + "/" + key, nil
}

// GetReport fetches the final report. It checks Redis first and falls back
// to S3 when the Redis TTL has already elapsed, since the S3 copy is the
// durable archive.
func (s *Store) GetReport(ctx context.Context, correlationID string, out interface{}) (bool, error) {
	raw, err := s.redis.Get(ctx, reportKey(correlationID)).Bytes()
	if err == nil {
		return true, json.Unmarshal(raw, out)
	}
	if err != redis.Nil {
		return false, fmt.Errorf("get report from redis: %w", err)
	}
	if s.s3Client == nil {
		return false, nil
	}

	resp, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.S3Bucket),
		Key:    aws.String(correlationID + "/report.json"),
	})
	if err != nil {
		return false, nil
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(out); err != nil {
		return false, fmt.Errorf("decode report from s3: %w", err)
	}
	return true, nil
}

func (s *Store) ttl() time.Duration {
	if s.cfg.TTL <= 0 {
		return defaultTTL
	}
	return s.cfg.TTL
}
