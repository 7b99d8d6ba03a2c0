package archive

import "github.com/dennisdiepolder/monti/router/internal/config"

// DynamoMode represents the DynamoDB connection mode
type DynamoMode string

const (
	DynamoModeLocal DynamoMode = "local"
	DynamoModeAWS   DynamoMode = "aws"
	DynamoModeNone  DynamoMode = "none"
)

// DynamoConfig holds DynamoDB configuration
type DynamoConfig struct {
	Mode             DynamoMode
	Endpoint         string // for local mode
	Region           string
	CallRecordsTable string
}

// DynamoConfigFrom extracts the archive settings from the application config
func DynamoConfigFrom(cfg *config.Config) DynamoConfig {
	mode := DynamoMode(cfg.DynamoMode)
	if mode != DynamoModeLocal && mode != DynamoModeAWS {
		mode = DynamoModeNone
	}

	return DynamoConfig{
		Mode:             mode,
		Endpoint:         cfg.DynamoEndpoint,
		Region:           cfg.DynamoRegion,
		CallRecordsTable: cfg.DynamoCallsTable,
	}
}
