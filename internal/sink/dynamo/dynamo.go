// Package dynamo implements the remote sink and its identifier allocator on
// a DynamoDB table keyed by (namespace, delivery_id). The counter of each
// namespace lives in the same table at delivery_id 0.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/shineum/maildrop-lite/internal/email"
	"github.com/shineum/maildrop-lite/internal/sink"
)

// maxRetries is the maximum number of retry attempts for throttled requests.
const maxRetries = 3

// tableWaitTimeout bounds how long a lazily created table may take to
// become active.
const tableWaitTimeout = 2 * time.Minute

const (
	attrNamespace = "namespace"
	attrID        = "delivery_id"
	attrLastID    = "last_id"
)

// Config holds the configuration for creating a Store.
type Config struct {
	Table           string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// API is the subset of the DynamoDB client used by Store.
// Used for testing with fake implementations.
type API interface {
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Store persists summaries as DynamoDB items.
type Store struct {
	client     API
	table      string
	retryDelay time.Duration

	// createMu serializes lazy table creation.
	createMu sync.Mutex
}

// item is the stored form of one delivered summary.
type item struct {
	Namespace  string        `dynamodbav:"namespace"`
	DeliveryID int64         `dynamodbav:"delivery_id"`
	Summary    email.Summary `dynamodbav:"summary"`
	CreatedAt  int64         `dynamodbav:"created_at"`
}

// New creates a Store using the default AWS credential chain, or static
// credentials when both keys are given.
func New(ctx context.Context, cfg Config) (*Store, error) {
	var opts []func(*awsconfig.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithClient(cfg.Table, client), nil
}

// NewWithClient creates a Store with a custom client, used for testing.
func NewWithClient(table string, client API) *Store {
	if table == "" {
		table = "messages"
	}
	return &Store{client: client, table: table, retryDelay: time.Second}
}

// Name returns the sink name.
func (s *Store) Name() string {
	return "dynamodb"
}

// Allocate atomically adds one to the counter item of key.
func (s *Store) Allocate(ctx context.Context, key string) (int64, error) {
	input := &dynamodb.UpdateItemInput{
		TableName:                aws.String(s.table),
		Key:                      itemKey(key, 0),
		UpdateExpression:         aws.String("ADD #v :one"),
		ExpressionAttributeNames: map[string]string{"#v": attrLastID},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	}

	var out *dynamodb.UpdateItemOutput
	err := s.withTable(ctx, "UpdateItem", func() (err error) {
		out, err = s.client.UpdateItem(ctx, input)
		return err
	})
	if err != nil {
		return 0, sink.AllocatorError(fmt.Errorf("incrementing counter for %s: %w", key, err))
	}

	var id int64
	if err := attributevalue.Unmarshal(out.Attributes[attrLastID], &id); err != nil {
		return 0, sink.AllocatorError(fmt.Errorf("decoding counter for %s: %w", key, err))
	}
	return id, nil
}

// Persist allocates an identifier for t and writes the summary of rec. The
// put is conditional so an existing item is never overwritten.
func (s *Store) Persist(ctx context.Context, t sink.Target, rec *email.Record) (int64, error) {
	id, err := s.Allocate(ctx, t.Key())
	if err != nil {
		return 0, err
	}

	av, err := attributevalue.MarshalMap(item{
		Namespace:  t.Key(),
		DeliveryID: id,
		Summary:    rec.Summary(),
		CreatedAt:  time.Now().Unix(),
	})
	if err != nil {
		return 0, sink.WriteError(s.Name(), err)
	}

	input := &dynamodb.PutItemInput{
		TableName:                aws.String(s.table),
		Item:                     av,
		ConditionExpression:      aws.String("attribute_not_exists(#id)"),
		ExpressionAttributeNames: map[string]string{"#id": attrID},
	}
	err = s.withTable(ctx, "PutItem", func() error {
		_, err := s.client.PutItem(ctx, input)
		return err
	})
	if err != nil {
		return 0, sink.WriteError(s.Name(), fmt.Errorf("putting %s #%d: %w", t.Key(), id, err))
	}
	return id, nil
}

// Get reads back the summary stored under (key, id).
func (s *Store) Get(ctx context.Context, key string, id int64) (email.Summary, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            itemKey(key, id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return email.Summary{}, fmt.Errorf("getting %s #%d: %w", key, id, err)
	}
	if out.Item == nil {
		return email.Summary{}, fmt.Errorf("getting %s #%d: not found", key, id)
	}

	var it item
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return email.Summary{}, fmt.Errorf("decoding %s #%d: %w", key, id, err)
	}
	return it.Summary, nil
}

// withTable runs op, creating the table and retrying once when it does not
// exist yet, and retrying throttled requests with exponential backoff.
func (s *Store) withTable(ctx context.Context, opName string, op func() error) error {
	created := false
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 && !created {
			slog.Debug("retrying DynamoDB request",
				"operation", opName,
				"attempt", attempt,
				"max_retries", maxRetries,
			)
			if err := sleepWithContext(ctx, s.backoffDelay(attempt)); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		}
		created = false

		err := op()
		if err == nil {
			return nil
		}
		lastErr = err

		var notFound *types.ResourceNotFoundException
		switch {
		case errors.As(err, &notFound):
			if err := s.createTable(ctx); err != nil {
				return err
			}
			created = true
		case isThrottle(err):
			slog.Warn("DynamoDB request throttled",
				"operation", opName,
				"attempt", attempt,
				"error", err,
			)
		default:
			return err
		}
	}
	return fmt.Errorf("%s failed after %d retries: %w", opName, maxRetries, lastErr)
}

func (s *Store) createTable(ctx context.Context) error {
	s.createMu.Lock()
	defer s.createMu.Unlock()

	slog.Info("creating DynamoDB table", "table", s.table)
	_, err := s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(attrNamespace), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(attrID), AttributeType: types.ScalarAttributeTypeN},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(attrNamespace), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(attrID), KeyType: types.KeyTypeRange},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	var inUse *types.ResourceInUseException
	if err != nil && !errors.As(err, &inUse) {
		return fmt.Errorf("creating table %s: %w", s.table, err)
	}

	waiter := dynamodb.NewTableExistsWaiter(s.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)}, tableWaitTimeout); err != nil {
		return fmt.Errorf("waiting for table %s: %w", s.table, err)
	}
	return nil
}

func itemKey(namespace string, id int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrNamespace: &types.AttributeValueMemberS{Value: namespace},
		attrID:        &types.AttributeValueMemberN{Value: strconv.FormatInt(id, 10)},
	}
}

func isThrottle(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "ProvisionedThroughputExceededException", "ThrottlingException", "RequestLimitExceeded":
		return true
	}
	return false
}

// backoffDelay returns the exponential backoff delay for the given attempt number.
func (s *Store) backoffDelay(attempt int) time.Duration {
	delay := s.retryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
