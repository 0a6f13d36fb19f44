package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

const (
	BackendSQLite   = "sqlite"
	BackendDynamoDB = "dynamodb"
)

// Options selects and configures a Store backend.
type Options struct {
	Backend     string
	DBPath      string
	DynamoTable string
	Region      string
	Retention   time.Duration
}

// Open builds the configured backend. An empty backend means SQLite.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", BackendSQLite:
		return NewSQLiteStore(opts.DBPath)
	case BackendDynamoDB:
		var loadOpts []func(*awsconfig.LoadOptions) error
		if opts.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return NewDynamoStore(dynamodb.NewFromConfig(cfg), opts.DynamoTable, opts.Retention)
	default:
		return nil, fmt.Errorf("unknown history backend %q", opts.Backend)
	}
}
