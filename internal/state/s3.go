package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/picklr-io/tierctl/internal/ir"
	"github.com/picklr-io/tierctl/internal/logging"
)

const defaultS3Prefix = "tierctl/"

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// LockTableAPI is the subset of the DynamoDB client used for locking.
type LockTableAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// S3Options configures an S3Store.
type S3Options struct {
	Bucket    string
	Prefix    string
	LockTable string
	Encrypt   bool
	Encrypter *Encrypter
}

// S3Store keeps one JSON object per resource id under a key prefix, with
// per-id lock items in a DynamoDB table.
type S3Store struct {
	opts  S3Options
	s3    S3API
	locks LockTableAPI

	mu       sync.Mutex
	inMemory *lockSet
}

// NewS3Store creates a store from existing clients. locks may be nil, in
// which case ids are only locked within this process.
func NewS3Store(client S3API, locks LockTableAPI, opts S3Options) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 state store requires a bucket")
	}
	if opts.Prefix == "" {
		opts.Prefix = defaultS3Prefix
	}
	if !strings.HasSuffix(opts.Prefix, "/") {
		opts.Prefix += "/"
	}
	return &S3Store{
		opts:     opts,
		s3:       client,
		locks:    locks,
		inMemory: newLockSet(),
	}, nil
}

// NewS3StoreFromConfig loads AWS credentials from the default chain.
func NewS3StoreFromConfig(ctx context.Context, cfg ir.StateConfig) (*S3Store, error) {
	region := cfg.Region
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	enc, err := EncrypterFromEnv()
	if err != nil {
		return nil, err
	}

	var locks LockTableAPI
	if cfg.LockTable != "" {
		locks = dynamodb.NewFromConfig(awsCfg)
	}

	return NewS3Store(s3.NewFromConfig(awsCfg), locks, S3Options{
		Bucket:    cfg.Bucket,
		Prefix:    cfg.Prefix,
		LockTable: cfg.LockTable,
		Encrypt:   cfg.Encrypt,
		Encrypter: enc,
	})
}

func (s *S3Store) key(id string) string {
	return s.opts.Prefix + id + ".json"
}

func (s *S3Store) Get(ctx context.Context, id string) (*ir.ResourceState, error) {
	out, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state from s3://%s/%s: %w", s.opts.Bucket, s.key(id), err)
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read S3 object body: %w", err)
	}
	content, err := s.opts.Encrypter.Open(raw)
	if err != nil {
		return nil, err
	}

	var rs ir.ResourceState
	if err := json.Unmarshal(content, &rs); err != nil {
		return nil, fmt.Errorf("failed to parse state for %s: %w", id, err)
	}
	return &rs, nil
}

func (s *S3Store) Put(ctx context.Context, rs *ir.ResourceState) error {
	content, err := json.Marshal(rs)
	if err != nil {
		return fmt.Errorf("failed to encode state for %s: %w", rs.ID, err)
	}
	sealed, err := s.opts.Encrypter.Seal(content)
	if err != nil {
		return fmt.Errorf("failed to encrypt state: %w", err)
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.opts.Bucket),
		Key:         aws.String(s.key(rs.ID)),
		Body:        bytes.NewReader(sealed),
		ContentType: aws.String("application/json"),
	}
	if s.opts.Encrypt {
		input.ServerSideEncryption = s3types.ServerSideEncryptionAes256
	}

	if _, err := s.s3.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to write state to s3://%s/%s: %w", s.opts.Bucket, s.key(rs.ID), err)
	}
	return nil
}

func (s *S3Store) Delete(ctx context.Context, id string) error {
	_, err := s.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil && !isNoSuchKey(err) {
		return fmt.Errorf("failed to delete s3://%s/%s: %w", s.opts.Bucket, s.key(id), err)
	}
	return nil
}

func (s *S3Store) List(ctx context.Context) ([]*ir.ResourceState, error) {
	paginator := s3.NewListObjectsV2Paginator(s.s3, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.opts.Bucket),
		Prefix: aws.String(s.opts.Prefix),
	})

	var out []*ir.ResourceState
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list s3://%s/%s: %w", s.opts.Bucket, s.opts.Prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, ".json") {
				continue
			}
			id := strings.TrimSuffix(strings.TrimPrefix(key, s.opts.Prefix), ".json")
			rs, err := s.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			if rs != nil {
				out = append(out, rs)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Lock writes one conditional item per id. On contention every item
// acquired so far is released again.
func (s *S3Store) Lock(ctx context.Context, owner string, ids []string) (Unlock, error) {
	if s.locks == nil || s.opts.LockTable == "" {
		logging.Warn("s3 state store has no lock table; locking within this process only", "bucket", s.opts.Bucket)
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.inMemory.acquire(owner, ids); err != nil {
			return nil, err
		}
		held := append([]string(nil), ids...)
		return func() error {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.inMemory.release(owner, held)
			return nil
		}, nil
	}

	var acquired, contended []string
	holder := ""
	for _, id := range ids {
		_, err := s.locks.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(s.opts.LockTable),
			Item: map[string]dbtypes.AttributeValue{
				"LockID":  &dbtypes.AttributeValueMemberS{Value: s.lockKey(id)},
				"Owner":   &dbtypes.AttributeValueMemberS{Value: owner},
				"Created": &dbtypes.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
			},
			ConditionExpression: aws.String("attribute_not_exists(LockID) OR #owner = :owner"),
			ExpressionAttributeNames: map[string]string{
				"#owner": "Owner",
			},
			ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
				":owner": &dbtypes.AttributeValueMemberS{Value: owner},
			},
		})
		if err == nil {
			acquired = append(acquired, id)
			continue
		}

		var ccf *dbtypes.ConditionalCheckFailedException
		if !errors.As(err, &ccf) {
			s.release(owner, acquired)
			return nil, fmt.Errorf("failed to acquire lock for %s: %w", id, err)
		}
		contended = append(contended, id)
		if holder == "" {
			holder = s.holder(ctx, id)
		}
	}

	if len(contended) > 0 {
		s.release(owner, acquired)
		slices.Sort(contended)
		return nil, &ConcurrentPlanError{Holder: holder, IDs: contended}
	}

	return func() error {
		return s.release(owner, acquired)
	}, nil
}

func (s *S3Store) lockKey(id string) string {
	return s.opts.Bucket + "/" + s.opts.Prefix + id
}

func (s *S3Store) holder(ctx context.Context, id string) string {
	out, err := s.locks.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.opts.LockTable),
		Key: map[string]dbtypes.AttributeValue{
			"LockID": &dbtypes.AttributeValueMemberS{Value: s.lockKey(id)},
		},
	})
	if err != nil || out.Item == nil {
		return ""
	}
	if v, ok := out.Item["Owner"].(*dbtypes.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func (s *S3Store) release(owner string, ids []string) error {
	var errs []error
	for _, id := range ids {
		_, err := s.locks.DeleteItem(context.Background(), &dynamodb.DeleteItemInput{
			TableName: aws.String(s.opts.LockTable),
			Key: map[string]dbtypes.AttributeValue{
				"LockID": &dbtypes.AttributeValueMemberS{Value: s.lockKey(id)},
			},
			ConditionExpression: aws.String("#owner = :owner"),
			ExpressionAttributeNames: map[string]string{
				"#owner": "Owner",
			},
			ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
				":owner": &dbtypes.AttributeValueMemberS{Value: owner},
			},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to release lock for %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (s *S3Store) Close() error {
	return nil
}

func isNoSuchKey(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
