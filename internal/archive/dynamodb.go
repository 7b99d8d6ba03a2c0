package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/dennisdiepolder/monti/router/internal/types"
	"github.com/rs/zerolog"
)

// DynamoDBArchive implements Archive using AWS DynamoDB
type DynamoDBArchive struct {
	client *dynamodb.Client
	config DynamoConfig
	logger zerolog.Logger
}

// NewDynamoDBArchive creates a new DynamoDB archive
func NewDynamoDBArchive(ctx context.Context, cfg DynamoConfig, logger zerolog.Logger) (*DynamoDBArchive, error) {
	var client *dynamodb.Client

	if cfg.Mode == DynamoModeLocal {
		// For local mode, build the client directly without LoadDefaultConfig.
		// LoadDefaultConfig queries the EC2 IMDS endpoint which hangs on EC2
		// instances when static credentials are intended.
		client = dynamodb.New(dynamodb.Options{
			Region:       cfg.Region,
			BaseEndpoint: aws.String(cfg.Endpoint),
			Credentials:  credentials.NewStaticCredentialsProvider("local", "local", ""),
		})
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client = dynamodb.NewFromConfig(awsCfg)
	}

	if cfg.Mode == DynamoModeLocal {
		if err := CreateTableIfNotExist(ctx, client, cfg, logger); err != nil {
			return nil, err
		}
	}

	logger.Info().
		Str("mode", string(cfg.Mode)).
		Str("region", cfg.Region).
		Str("table", cfg.CallRecordsTable).
		Msg("DynamoDB archive initialized")

	return &DynamoDBArchive{
		client: client,
		config: cfg,
		logger: logger,
	}, nil
}

// New creates the archive selected by cfg.Mode
func New(ctx context.Context, cfg DynamoConfig, logger zerolog.Logger) (Archive, error) {
	switch cfg.Mode {
	case DynamoModeLocal, DynamoModeAWS:
		return NewDynamoDBArchive(ctx, cfg, logger)
	default:
		logger.Info().Msg("call archive disabled (DYNAMO_MODE=none)")
		return NewNoopArchive(), nil
	}
}

func (a *DynamoDBArchive) SaveCallRecord(ctx context.Context, record types.CallRecord) error {
	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return fmt.Errorf("failed to marshal call record: %w", err)
	}

	_, err = a.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(a.config.CallRecordsTable),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to save call record: %w", err)
	}
	return nil
}

func (a *DynamoDBArchive) GetCallRecords(ctx context.Context, dateKey string) ([]types.CallRecord, error) {
	keyCond := expression.Key("DateKey").Equal(expression.Value(dateKey))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}
	return a.query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(a.config.CallRecordsTable),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
}

func (a *DynamoDBArchive) GetAgentCallsByDate(ctx context.Context, agentID, date string) ([]types.CallRecord, error) {
	keyCond := expression.Key("DateKey").Equal(expression.Value(date))
	filter := expression.Name("AgentID").Equal(expression.Value(agentID))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).WithFilter(filter).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}
	return a.query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(a.config.CallRecordsTable),
		KeyConditionExpression:    expr.KeyCondition(),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
}

// query follows pagination until the result set is exhausted
func (a *DynamoDBArchive) query(ctx context.Context, input *dynamodb.QueryInput) ([]types.CallRecord, error) {
	var records []types.CallRecord
	paginator := dynamodb.NewQueryPaginator(a.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to query call records: %w", err)
		}
		var batch []types.CallRecord
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("failed to unmarshal call records: %w", err)
		}
		records = append(records, batch...)
	}
	return records, nil
}

// RecordFromSession flattens an ended session into its archive form
func RecordFromSession(s *types.CallSession) types.CallRecord {
	rec := types.CallRecord{
		DateKey:       s.StartTime.UTC().Format("2006-01-02"),
		SessionID:     s.ID,
		CustomerRef:   s.CustomerRef,
		RoomRef:       s.RoomRef,
		AgentID:       types.Deref(s.AgentRef),
		HandledBy:     string(s.HandledBy),
		QueueEntryID:  types.Deref(s.QueueEntryRef),
		StartTime:     s.StartTime.UTC().Format(time.RFC3339),
		TransferCount: s.TransferCount,
	}
	if s.EndTime != nil {
		rec.EndTime = s.EndTime.UTC().Format(time.RFC3339)
	}
	if s.DurationSeconds != nil {
		rec.DurationSeconds = *s.DurationSeconds
	}
	if reason, ok := s.OutcomeMetadata[types.MetaEndReason].(string); ok {
		rec.EndReason = reason
	}
	if sentiment, ok := s.OutcomeMetadata["sentiment"].(float64); ok {
		rec.Sentiment = sentiment
	}
	if len(s.OutcomeMetadata) > 0 {
		if b, err := json.Marshal(s.OutcomeMetadata); err == nil {
			rec.OutcomeJSON = string(b)
		}
	}
	return rec
}
