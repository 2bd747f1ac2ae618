package database

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	athenatypes "github.com/aws/aws-sdk-go-v2/service/athena/types"
	"github.com/aws/aws-sdk-go-v2/service/glue"
	gluetypes "github.com/aws/aws-sdk-go-v2/service/glue/types"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	gauerrors "github.com/chriscugliotta/glue-athena-utils/internal/errors"
	s3util "github.com/chriscugliotta/glue-athena-utils/internal/s3"
	"github.com/chriscugliotta/glue-athena-utils/pkg/types"
)

// AthenaConfig holds configuration for the Athena backend.
type AthenaConfig struct {
	// Region is the AWS region.
	Region string `json:"region" yaml:"region"`

	// Database is the Glue database name queries run against.
	Database string `json:"database" yaml:"database"`

	// Workgroup is the Athena workgroup statements execute in.
	Workgroup string `json:"workgroup" yaml:"workgroup"`

	// OutputPrefix is the s3:// prefix where Athena places query results.
	OutputPrefix string `json:"output_prefix" yaml:"output_prefix"`

	// DatabasePrefix is the s3:// prefix under which this database's
	// tables store their data. Used to derive default table locations.
	DatabasePrefix string `json:"database_prefix" yaml:"database_prefix"`

	// MaxAttempts is the maximum number of times each statement is
	// attempted. Only transient failures are retried.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// BaseDelay is the wait after the first failed attempt; it doubles
	// after each failure, capped at 15 minutes, with jitter.
	BaseDelay time.Duration `json:"base_delay" yaml:"base_delay"`

	// PollInterval is the wait between query status checks.
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
}

// AthenaConnection implements Connection over Amazon Athena with a Glue
// catalog and S3 table storage. Athena statements are asynchronous; every
// call here submits, then polls to completion, so the Connection contract
// stays blocking.
type AthenaConnection struct {
	cfg      AthenaConfig
	athena   *athena.Client
	glue     *glue.Client
	s3       *awss3.Client
	retry    retryPolicy
	pollWait time.Duration
}

// NewAthenaConnection constructs an Athena connection using ambient AWS
// credentials.
func NewAthenaConnection(ctx context.Context, cfg AthenaConfig) (*AthenaConnection, error) {
	if cfg.Database == "" {
		return nil, gauerrors.NewConfigurationError(gauerrors.CodeInvalidConfig, "athena database name is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, gauerrors.NewExecutionError(gauerrors.CodeStatementFailed, "failed to load AWS config", err)
	}

	conn := newAthenaConnection(cfg, athena.NewFromConfig(awsCfg), glue.NewFromConfig(awsCfg), awss3.NewFromConfig(awsCfg))
	log.Printf("database: constructed new athena connection, database = %s, workgroup = %s", cfg.Database, cfg.Workgroup)
	return conn, nil
}

// newAthenaConnection wires a connection from pre-built clients. Split out
// for tests.
func newAthenaConnection(cfg AthenaConfig, athenaClient *athena.Client, glueClient *glue.Client, s3Client *awss3.Client) *AthenaConnection {
	retry := retryPolicy{maxAttempts: cfg.MaxAttempts, baseDelay: cfg.BaseDelay}
	if retry.maxAttempts < 1 {
		retry.maxAttempts = 1
	}
	if retry.baseDelay <= 0 {
		retry.baseDelay = time.Second
	}
	pollWait := cfg.PollInterval
	if pollWait <= 0 {
		pollWait = time.Second
	}
	return &AthenaConnection{
		cfg:      cfg,
		athena:   athenaClient,
		glue:     glueClient,
		s3:       s3Client,
		retry:    retry,
		pollWait: pollWait,
	}
}

// Execute runs one or more statements sequentially, retrying transient
// failures per statement.
func (c *AthenaConnection) Execute(ctx context.Context, sqlText string) error {
	for _, stmt := range SplitStatements(sqlText) {
		err := c.retry.do(ctx, func() error {
			_, err := c.runStatement(ctx, stmt)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Query runs a select statement and materializes the full result, following
// result pagination.
func (c *AthenaConnection) Query(ctx context.Context, sqlText string) (*Result, error) {
	var result *Result
	err := c.retry.do(ctx, func() error {
		queryID, err := c.runStatement(ctx, sqlText)
		if err != nil {
			return err
		}
		result, err = c.fetchResults(ctx, queryID)
		return err
	})
	return result, err
}

// runStatement submits a statement, waits for a terminal state, and returns
// the query execution id.
func (c *AthenaConnection) runStatement(ctx context.Context, sqlText string) (string, error) {
	input := &athena.StartQueryExecutionInput{
		QueryString:           aws.String(sqlText),
		ClientRequestToken:    aws.String(uuid.NewString()),
		QueryExecutionContext: &athenatypes.QueryExecutionContext{Database: aws.String(c.cfg.Database)},
	}
	if c.cfg.Workgroup != "" {
		input.WorkGroup = aws.String(c.cfg.Workgroup)
	}
	if c.cfg.OutputPrefix != "" {
		input.ResultConfiguration = &athenatypes.ResultConfiguration{
			OutputLocation: aws.String(c.cfg.OutputPrefix),
		}
	}

	started, err := c.athena.StartQueryExecution(ctx, input)
	if err != nil {
		return "", c.classifyAPIError(err, sqlText)
	}
	queryID := aws.ToString(started.QueryExecutionId)

	for {
		status, err := c.athena.GetQueryExecution(ctx, &athena.GetQueryExecutionInput{
			QueryExecutionId: aws.String(queryID),
		})
		if err != nil {
			return "", c.classifyAPIError(err, sqlText)
		}

		state := status.QueryExecution.Status.State
		switch state {
		case athenatypes.QueryExecutionStateSucceeded:
			return queryID, nil
		case athenatypes.QueryExecutionStateFailed, athenatypes.QueryExecutionStateCancelled:
			reason := ""
			if status.QueryExecution.Status.StateChangeReason != nil {
				reason = *status.QueryExecution.Status.StateChangeReason
			}
			return "", c.classifyQueryFailure(reason, sqlText)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.pollWait):
		}
	}
}

// fetchResults downloads the full result set for a completed query.
func (c *AthenaConnection) fetchResults(ctx context.Context, queryID string) (*Result, error) {
	result := &Result{}
	var converters []func(string) any
	var token *string
	first := true

	for {
		page, err := c.athena.GetQueryResults(ctx, &athena.GetQueryResultsInput{
			QueryExecutionId: aws.String(queryID),
			NextToken:        token,
		})
		if err != nil {
			return nil, c.classifyAPIError(err, "")
		}

		rows := page.ResultSet.Rows
		if first {
			for _, info := range page.ResultSet.ResultSetMetadata.ColumnInfo {
				result.Columns = append(result.Columns, aws.ToString(info.Name))
				converters = append(converters, converterFor(aws.ToString(info.Type)))
			}
			// The first row of the first page is the header.
			if len(rows) > 0 {
				rows = rows[1:]
			}
			first = false
		}

		for _, row := range rows {
			values := make([]any, len(result.Columns))
			for i := range values {
				if i < len(row.Data) && row.Data[i].VarCharValue != nil {
					values[i] = converters[i](*row.Data[i].VarCharValue)
				}
			}
			result.Rows = append(result.Rows, values)
		}

		if page.NextToken == nil {
			return result, nil
		}
		token = page.NextToken
	}
}

// converterFor maps an Athena column type to a converter from its string
// representation.
func converterFor(columnType string) func(string) any {
	switch strings.ToLower(columnType) {
	case "tinyint", "smallint", "integer", "int", "bigint":
		return func(s string) any {
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return n
			}
			return s
		}
	case "float", "real", "double", "decimal":
		return func(s string) any {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return f
			}
			return s
		}
	case "boolean":
		return func(s string) any {
			if b, err := strconv.ParseBool(s); err == nil {
				return b
			}
			return s
		}
	default:
		return func(s string) any { return s }
	}
}

// ListPartitionKeys returns the distinct partition-key tuples in a table.
func (c *AthenaConnection) ListPartitionKeys(ctx context.Context, table string, partitionColumns []string) ([]types.PartitionKey, error) {
	return listPartitionKeys(ctx, c, table, partitionColumns)
}

// DescribeTable looks up the table's storage location and partition columns
// in the Glue catalog.
func (c *AthenaConnection) DescribeTable(ctx context.Context, name string) (*TableInfo, error) {
	out, err := c.glue.GetTable(ctx, &glue.GetTableInput{
		DatabaseName: aws.String(c.cfg.Database),
		Name:         aws.String(name),
	})
	if err != nil {
		var notFound *gluetypes.EntityNotFoundException
		if errors.As(err, &notFound) {
			return nil, gauerrors.Newf(gauerrors.ErrCategoryExecution, gauerrors.CodeTableNotFound,
				"table %s does not exist in database %s", name, c.cfg.Database)
		}
		return nil, c.classifyAPIError(err, "")
	}

	info := &TableInfo{Name: name}
	if out.Table.StorageDescriptor != nil {
		info.Location = aws.ToString(out.Table.StorageDescriptor.Location)
	}
	for _, key := range out.Table.PartitionKeys {
		info.PartitionColumns = append(info.PartitionColumns, aws.ToString(key.Name))
	}
	return info, nil
}

// TableExists reports whether the table exists in the Glue catalog.
func (c *AthenaConnection) TableExists(ctx context.Context, name string) (bool, error) {
	_, err := c.DescribeTable(ctx, name)
	if err != nil {
		if gauerrors.GetCode(err) == gauerrors.CodeTableNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CreateTable creates a new empty external table at the given location.
func (c *AthenaConnection) CreateTable(ctx context.Context, spec CreateSpec) error {
	defs := make([]string, len(spec.Columns))
	for i, col := range spec.Columns {
		defs[i] = col.Name + " " + col.Type
	}
	location := spec.Location
	if location == "" && c.cfg.DatabasePrefix != "" {
		location = strings.TrimSuffix(c.cfg.DatabasePrefix, "/") + "/" + spec.Name
	}
	sql := fmt.Sprintf("create external table %s (%s)\nlocation '%s'", spec.Name, strings.Join(defs, ", "), location)
	return c.Execute(ctx, sql)
}

// CloneTable creates an empty copy of a table's schema and partition layout
// via CTAS at a dedicated storage location.
func (c *AthenaConnection) CloneTable(ctx context.Context, spec CloneSpec) error {
	var with []string
	if spec.Location != "" {
		with = append(with, fmt.Sprintf("    external_location = '%s'", spec.Location))
	}
	if len(spec.PartitionColumns) > 0 {
		quoted := make([]string, len(spec.PartitionColumns))
		for i, col := range spec.PartitionColumns {
			quoted[i] = "'" + col + "'"
		}
		with = append(with, fmt.Sprintf("    partitioned_by = array[%s]", strings.Join(quoted, ", ")))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "create table %s\n", spec.Target)
	if len(with) > 0 {
		fmt.Fprintf(&sb, "with (\n%s\n)\n", strings.Join(with, ",\n"))
	}
	fmt.Fprintf(&sb, "as select *\nfrom %s\nwhere 1 = 0", spec.Source)
	return c.Execute(ctx, sb.String())
}

// DropTable drops a table and deletes its S3 data. The data prefix always
// gets a trailing slash before deletion; without it, a sibling prefix such
// as the table's backup would be deleted too and the data gone forever.
func (c *AthenaConnection) DropTable(ctx context.Context, name string) error {
	info, err := c.DescribeTable(ctx, name)
	if err != nil {
		if gauerrors.GetCode(err) == gauerrors.CodeTableNotFound {
			return nil
		}
		return err
	}

	if info.Location != "" {
		bucket, prefix, err := s3util.ParseURL(info.Location)
		if err != nil {
			return err
		}
		if !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		conn := s3util.NewWithClient(c.s3, bucket)
		if _, err := conn.DeletePrefix(ctx, prefix, ""); err != nil {
			return err
		}
	}

	log.Printf("database: dropping table %s", name)
	return c.Execute(ctx, fmt.Sprintf("drop table if exists `%s`", name))
}

// Close releases the connection. The AWS clients hold no resources that
// need explicit cleanup.
func (c *AthenaConnection) Close() error {
	return nil
}

// classifyQueryFailure maps an Athena failure reason onto the error
// taxonomy. Vague internal engine errors and capacity exhaustion are
// transient; everything else (e.g. SQL syntax errors) is permanent.
func (c *AthenaConnection) classifyQueryFailure(reason, sqlText string) error {
	code := gauerrors.CodeStatementFailed
	if strings.Contains(reason, "INTERNAL_ERROR_QUERY_ENGINE") ||
		strings.Contains(reason, "Query exhausted resources at this scale factor") {
		code = gauerrors.CodeThrottled
	}
	return gauerrors.Newf(gauerrors.ErrCategoryExecution, code, "athena query failed: %s", reason).
		WithDetails(map[string]interface{}{"sql": sqlText})
}

// classifyAPIError maps an AWS API error onto the error taxonomy,
// flagging concurrency-limit throttling as transient.
func (c *AthenaConnection) classifyAPIError(err error, sqlText string) error {
	code := gauerrors.CodeStatementFailed
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "TooManyRequestsException" {
		code = gauerrors.CodeThrottled
	}
	return gauerrors.NewExecutionError(code, "athena request failed", err).
		WithDetails(map[string]interface{}{"sql": sqlText})
}
