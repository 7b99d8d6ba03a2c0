package archive

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"
)

// CreateTableIfNotExist creates the call records table for local development
func CreateTableIfNotExist(ctx context.Context, client *dynamodb.Client, cfg DynamoConfig, logger zerolog.Logger) error {
	_, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(cfg.CallRecordsTable),
	})
	if err == nil {
		logger.Info().Str("table", cfg.CallRecordsTable).Msg("table already exists")
		return nil
	}

	_, err = client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(cfg.CallRecordsTable),
		KeySchema: []dbtypes.KeySchemaElement{
			{AttributeName: aws.String("DateKey"), KeyType: dbtypes.KeyTypeHash},
			{AttributeName: aws.String("SessionID"), KeyType: dbtypes.KeyTypeRange},
		},
		AttributeDefinitions: []dbtypes.AttributeDefinition{
			{AttributeName: aws.String("DateKey"), AttributeType: dbtypes.ScalarAttributeTypeS},
			{AttributeName: aws.String("SessionID"), AttributeType: dbtypes.ScalarAttributeTypeS},
		},
		BillingMode: dbtypes.BillingModePayPerRequest,
	})
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", cfg.CallRecordsTable, err)
	}
	logger.Info().Str("table", cfg.CallRecordsTable).Msg("table created")
	return nil
}
