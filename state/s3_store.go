package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"

	core "github.com/FELIPEACASTRO/finops-orchestrator-core/core"
)

// S3API is the narrow slice of *s3.Client this backend depends on, so tests
// substitute an in-memory fake instead of talking to a live bucket.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// pointerRecord is the small object stored at accounts/<account>/latest_execution.json (§6.4).
type pointerRecord struct {
	ExecutionID string               `json:"execution_id"`
	LastUpdated time.Time            `json:"last_updated"`
	Status      core.ExecutionStatus `json:"status"`
}

// S3Store is the object-store backend (§4.3, §6.4): every execution is one
// JSON object at executions/<id>/state.json, and a small pointer object per
// account tracks the latest execution for GetLatestByAccount. It is the
// portable fallback when no document store with native secondary indexes and
// TTL is available. ListRecentByAccount and DeleteExpired fall back to
// listing under the executions/ prefix, since S3 has no native TTL index;
// production deployments are expected to pair this with a bucket lifecycle
// rule and treat DeleteExpired as a catch-up sweep, not the primary reclaim path.
type S3Store struct {
	api    S3API
	bucket string
	prefix string
	logger core.Logger
}

// NewS3Store builds an object-store backend over an already-configured
// *s3.Client (or any S3API-satisfying fake).
func NewS3Store(api S3API, bucket, prefix string, logger core.Logger) *S3Store {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &S3Store{api: api, bucket: bucket, prefix: strings.Trim(prefix, "/"), logger: logger}
}

var _ Store = (*S3Store)(nil)

func (s *S3Store) executionKey(executionID string) string {
	return s.joinPrefix("executions/" + executionID + "/state.json")
}

func (s *S3Store) pointerKey(accountID string) string {
	return s.joinPrefix("accounts/" + accountID + "/latest_execution.json")
}

func (s *S3Store) executionsPrefix() string {
	return s.joinPrefix("executions/")
}

func (s *S3Store) joinPrefix(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	return false
}

func isNotFoundErr(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func (s *S3Store) getObject(ctx context.Context, key string) ([]byte, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, out.Body); err != nil {
		return nil, fmt.Errorf("state: read object %s: %w", key, err)
	}
	return buf.Bytes(), nil
}

func (s *S3Store) putObject(ctx context.Context, key string, data []byte, ifNoneMatch bool) error {
	input := &s3.PutObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key), Body: bytes.NewReader(data)}
	if ifNoneMatch {
		input.IfNoneMatch = aws.String("*")
	}
	_, err := s.api.PutObject(ctx, input)
	return err
}

func (s *S3Store) Create(ctx context.Context, execution *core.Execution) error {
	if execution == nil || execution.ID == "" || execution.AccountID == "" {
		return fmt.Errorf("%w: execution with id and account_id required", errInvalidArgument)
	}

	data, err := json.Marshal(execution)
	if err != nil {
		return fmt.Errorf("state: marshal execution: %w", err)
	}

	err = s.putObject(ctx, s.executionKey(execution.ID), data, true)
	if isPreconditionFailed(err) {
		return fmt.Errorf("state: execution %s: %w", execution.ID, core.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("state: create %s: %w", execution.ID, err)
	}

	s.updatePointer(ctx, execution)
	return nil
}

func (s *S3Store) Get(ctx context.Context, executionID, accountID string) (*core.Execution, error) {
	data, err := s.getObject(ctx, s.executionKey(executionID))
	if isNotFoundErr(err) {
		return nil, fmt.Errorf("state: %s: %w", executionID, core.ErrExecutionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("state: get %s: %w", executionID, err)
	}

	var execution core.Execution
	if err := json.Unmarshal(data, &execution); err != nil {
		return nil, fmt.Errorf("state: unmarshal %s: %w", executionID, err)
	}
	if accountID != "" && execution.AccountID != accountID {
		return nil, fmt.Errorf("state: %s: %w", executionID, core.ErrExecutionNotFound)
	}
	return &execution, nil
}

func (s *S3Store) GetLatestByAccount(ctx context.Context, accountID string) (*core.Execution, error) {
	data, err := s.getObject(ctx, s.pointerKey(accountID))
	if isNotFoundErr(err) {
		return nil, fmt.Errorf("state: account %s: %w", accountID, core.ErrExecutionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("state: read pointer for %s: %w", accountID, err)
	}

	var ptr pointerRecord
	if err := json.Unmarshal(data, &ptr); err != nil {
		return nil, fmt.Errorf("state: unmarshal pointer for %s: %w", accountID, err)
	}
	return s.Get(ctx, ptr.ExecutionID, accountID)
}

func (s *S3Store) Update(ctx context.Context, execution *core.Execution, ifUnchangedSince *time.Time) error {
	if execution == nil || execution.ID == "" {
		return fmt.Errorf("%w: execution with id required", errInvalidArgument)
	}

	if ifUnchangedSince != nil {
		current, err := s.getObject(ctx, s.executionKey(execution.ID))
		if isNotFoundErr(err) {
			return fmt.Errorf("state: %s: %w", execution.ID, core.ErrExecutionNotFound)
		}
		if err != nil {
			return fmt.Errorf("state: read-before-update %s: %w", execution.ID, err)
		}
		var currentExec core.Execution
		if err := json.Unmarshal(current, &currentExec); err != nil {
			return fmt.Errorf("state: unmarshal %s: %w", execution.ID, err)
		}
		if !currentExec.LastUpdated.Equal(*ifUnchangedSince) {
			return fmt.Errorf("state: %s: %w", execution.ID, core.ErrConcurrencyConflict)
		}
	}

	data, err := json.Marshal(execution)
	if err != nil {
		return fmt.Errorf("state: marshal %s: %w", execution.ID, err)
	}

	if err := s.putObject(ctx, s.executionKey(execution.ID), data, false); err != nil {
		return fmt.Errorf("state: update %s: %w", execution.ID, err)
	}

	s.updatePointer(ctx, execution)
	return nil
}

// updatePointer keeps accounts/<account>/latest_execution.json pointed at
// the most recently started execution written so far; it is best-effort,
// logged-not-returned, since a stale pointer only degrades
// GetLatestByAccount and self-heals on the next write for that account.
func (s *S3Store) updatePointer(ctx context.Context, execution *core.Execution) {
	ptr := pointerRecord{ExecutionID: execution.ID, LastUpdated: execution.LastUpdated, Status: execution.Status}

	if current, err := s.getObject(ctx, s.pointerKey(execution.AccountID)); err == nil {
		var existing pointerRecord
		if json.Unmarshal(current, &existing) == nil && existing.ExecutionID != execution.ID {
			if other, err := s.Get(ctx, existing.ExecutionID, execution.AccountID); err == nil && other.StartedAt.After(execution.StartedAt) {
				return
			}
		}
	}

	data, err := json.Marshal(ptr)
	if err != nil {
		s.logger.Warn("failed to marshal account pointer", map[string]interface{}{"execution_id": execution.ID, "error": err.Error()})
		return
	}
	if err := s.putObject(ctx, s.pointerKey(execution.AccountID), data, false); err != nil {
		s.logger.Warn("failed to update account pointer", map[string]interface{}{"execution_id": execution.ID, "error": err.Error()})
	}
}

func (s *S3Store) listExecutionKeys(ctx context.Context) ([]string, error) {
	var keys []string
	var token *string
	for {
		out, err := s.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(s.executionsPrefix()),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, err
		}
		for _, obj := range out.Contents {
			if obj.Key != nil && strings.HasSuffix(*obj.Key, "state.json") {
				keys = append(keys, *obj.Key)
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated || out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}
	return keys, nil
}

func (s *S3Store) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	keys, err := s.listExecutionKeys(ctx)
	if err != nil {
		return 0, fmt.Errorf("state: list executions: %w", err)
	}

	deleted := 0
	for _, key := range keys {
		data, err := s.getObject(ctx, key)
		if err != nil {
			continue
		}
		var execution core.Execution
		if json.Unmarshal(data, &execution) != nil {
			continue
		}
		if execution.TTL.Before(cutoff) {
			_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
			if err != nil {
				s.logger.Warn("failed to delete expired object", map[string]interface{}{"key": key, "error": err.Error()})
				continue
			}
			deleted++
		}
	}
	return deleted, nil
}

func (s *S3Store) ListRecentByAccount(ctx context.Context, accountID string, limit int) ([]core.ExecutionSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	keys, err := s.listExecutionKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("state: list executions: %w", err)
	}

	var summaries []core.ExecutionSummary
	for _, key := range keys {
		data, err := s.getObject(ctx, key)
		if err != nil {
			continue
		}
		var execution core.Execution
		if json.Unmarshal(data, &execution) != nil || execution.AccountID != accountID {
			continue
		}
		summaries = append(summaries, execution.Summarize())
	}

	sort.Slice(summaries, func(i, j int) bool { return summaries[i].StartedAt.After(summaries[j].StartedAt) })
	if len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}
