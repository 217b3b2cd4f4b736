package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"

	"github.com/cyderes/post-metrics-service/internal/config"
	"github.com/cyderes/post-metrics-service/internal/models"
)

const (
	rowNumberKey = "row_number"
	seqKey       = "seq"
	counterRow   = 0 // item holding the last assigned row number

	// maxAppendChunk keeps a chunk plus the counter update within the
	// 100-item transaction limit
	maxAppendChunk = 99
)

type dynamoLogItem struct {
	Seq     int64  `dynamodbav:"seq"`
	Date    string `dynamodbav:"date"`
	Column2 string `dynamodbav:"column2"`
	Column3 string `dynamodbav:"column3"`
	PostID  string `dynamodbav:"post_id"`
}

type dynamoMetricsItem struct {
	RowNumber int      `dynamodbav:"row_number"`
	PostID    string   `dynamodbav:"post_id"`
	Values    []string `dynamodbav:"values"`
}

// DynamoDBStorage implements Storage interface using AWS DynamoDB
type DynamoDBStorage struct {
	client       *dynamodb.DynamoDB
	tableName    string
	logTableName string
}

// NewDynamoDBStorage creates a new DynamoDB storage instance
func NewDynamoDBStorage(cfg config.StorageConfig) (*DynamoDBStorage, error) {
	awsConfig := &aws.Config{
		Region: aws.String(cfg.Region),
	}

	// For local testing with DynamoDB Local
	if cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	storage := &DynamoDBStorage{
		client:       dynamodb.New(sess),
		tableName:    cfg.TableName,
		logTableName: cfg.LogTableName,
	}

	if err := storage.ensureTable(storage.tableName, rowNumberKey); err != nil {
		return nil, fmt.Errorf("failed to ensure metrics table exists: %w", err)
	}
	if err := storage.ensureTable(storage.logTableName, seqKey); err != nil {
		return nil, fmt.Errorf("failed to ensure log table exists: %w", err)
	}

	return storage, nil
}

// ensureTable creates a table keyed by a numeric hash key if it doesn't exist
func (d *DynamoDBStorage) ensureTable(name, key string) error {
	_, err := d.client.DescribeTable(&dynamodb.DescribeTableInput{
		TableName: aws.String(name),
	})
	if err == nil {
		return nil
	}

	input := &dynamodb.CreateTableInput{
		TableName: aws.String(name),
		KeySchema: []*dynamodb.KeySchemaElement{
			{
				AttributeName: aws.String(key),
				KeyType:       aws.String("HASH"),
			},
		},
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{
				AttributeName: aws.String(key),
				AttributeType: aws.String("N"),
			},
		},
		BillingMode: aws.String("PAY_PER_REQUEST"),
	}

	if _, err := d.client.CreateTable(input); err != nil {
		return fmt.Errorf("failed to create table %s: %w", name, err)
	}

	return d.client.WaitUntilTableExists(&dynamodb.DescribeTableInput{
		TableName: aws.String(name),
	})
}

// ReadLogRows scans the log table and orders rows by sequence
func (d *DynamoDBStorage) ReadLogRows(ctx context.Context) ([]models.LogRow, error) {
	var items []dynamoLogItem
	var decodeErr error
	err := d.client.ScanPagesWithContext(ctx, &dynamodb.ScanInput{
		TableName: aws.String(d.logTableName),
	}, func(page *dynamodb.ScanOutput, lastPage bool) bool {
		var batch []dynamoLogItem
		if decodeErr = dynamodbattribute.UnmarshalListOfMaps(page.Items, &batch); decodeErr != nil {
			return false
		}
		items = append(items, batch...)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan log rows: %w", classifyDynamoError(err))
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to unmarshal log rows: %w", decodeErr)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })

	rows := make([]models.LogRow, 0, len(items))
	for _, item := range items {
		rows = append(rows, models.LogRow{
			Date:    item.Date,
			Column2: item.Column2,
			Column3: item.Column3,
			PostID:  strings.TrimSpace(item.PostID),
		})
	}
	return rows, nil
}

// ReadMetricsRows scans the metrics table, skipping the row counter
func (d *DynamoDBStorage) ReadMetricsRows(ctx context.Context) ([]models.StoredRow, error) {
	var items []dynamoMetricsItem
	var decodeErr error
	err := d.client.ScanPagesWithContext(ctx, &dynamodb.ScanInput{
		TableName: aws.String(d.tableName),
	}, func(page *dynamodb.ScanOutput, lastPage bool) bool {
		var batch []dynamoMetricsItem
		if decodeErr = dynamodbattribute.UnmarshalListOfMaps(page.Items, &batch); decodeErr != nil {
			return false
		}
		items = append(items, batch...)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan metrics rows: %w", classifyDynamoError(err))
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to unmarshal metrics rows: %w", decodeErr)
	}

	rows := make([]models.StoredRow, 0, len(items))
	for _, item := range items {
		if item.RowNumber < 2 {
			continue
		}
		rows = append(rows, models.StoredRow{RowNumber: item.RowNumber, Row: models.RowFromValues(item.Values)})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].RowNumber < rows[j].RowNumber })
	return rows, nil
}

// UpdateMetricsRow overwrites an existing row. The condition keeps an update
// from silently creating a row.
func (d *DynamoDBStorage) UpdateMetricsRow(ctx context.Context, rowNumber int, row models.MetricsRow) error {
	if rowNumber < 2 {
		return invalidRowNumber(rowNumber)
	}
	values, err := dynamodbattribute.Marshal(row.Values())
	if err != nil {
		return fmt.Errorf("failed to marshal row %d: %w", rowNumber, err)
	}

	_, err = d.client.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.tableName),
		Key:                 rowKey(rowNumber),
		UpdateExpression:    aws.String("SET post_id = :p, #v = :v"),
		ConditionExpression: aws.String("attribute_exists(row_number)"),
		ExpressionAttributeNames: map[string]*string{
			"#v": aws.String("values"),
		},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":p": {S: aws.String(row.PostID())},
			":v": values,
		},
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == dynamodb.ErrCodeConditionalCheckFailedException {
			return rowNotFound(rowNumber)
		}
		return fmt.Errorf("failed to update row %d: %w", rowNumber, classifyDynamoError(err))
	}
	return nil
}

// AppendMetricsRows stores rows after the last assigned row number. Each
// chunk is one transaction that also advances the counter item, so a failed
// chunk leaves nothing behind and can be retried.
func (d *DynamoDBStorage) AppendMetricsRows(ctx context.Context, rows []models.MetricsRow) error {
	for start := 0; start < len(rows); start += maxAppendChunk {
		end := min(start+maxAppendChunk, len(rows))
		if err := d.appendChunk(ctx, rows[start:end]); err != nil {
			if start > 0 {
				// earlier chunks are committed, a retry would store them again
				return Permanent(fmt.Errorf("appended %d of %d rows: %w", start, len(rows), err))
			}
			return err
		}
	}
	return nil
}

func (d *DynamoDBStorage) appendChunk(ctx context.Context, rows []models.MetricsRow) error {
	last, found, err := d.lastRow(ctx)
	if err != nil {
		return err
	}

	counter := &dynamodb.Update{
		TableName:        aws.String(d.tableName),
		Key:              rowKey(counterRow),
		UpdateExpression: aws.String("SET last_row = :next"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":next": {N: aws.String(strconv.Itoa(last + len(rows)))},
		},
	}
	if found {
		counter.ConditionExpression = aws.String("last_row = :last")
		counter.ExpressionAttributeValues[":last"] = &dynamodb.AttributeValue{N: aws.String(strconv.Itoa(last))}
	} else {
		counter.ConditionExpression = aws.String("attribute_not_exists(row_number)")
	}

	items := make([]*dynamodb.TransactWriteItem, 0, len(rows)+1)
	items = append(items, &dynamodb.TransactWriteItem{Update: counter})
	for i, row := range rows {
		item, err := dynamodbattribute.MarshalMap(dynamoMetricsItem{
			RowNumber: appendedRowNumber(last, i),
			PostID:    row.PostID(),
			Values:    row.Values(),
		})
		if err != nil {
			return fmt.Errorf("failed to marshal row for post %s: %w", row.PostID(), err)
		}
		items = append(items, &dynamodb.TransactWriteItem{Put: &dynamodb.Put{
			TableName:           aws.String(d.tableName),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(row_number)"),
		}})
	}

	_, err = d.client.TransactWriteItemsWithContext(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err != nil {
		return fmt.Errorf("failed to append %d rows: %w", len(rows), classifyDynamoError(err))
	}
	return nil
}

// lastRow reads the counter item. found is false before the first append.
func (d *DynamoDBStorage) lastRow(ctx context.Context) (last int, found bool, err error) {
	out, err := d.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            rowKey(counterRow),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, false, fmt.Errorf("failed to read row counter: %w", classifyDynamoError(err))
	}
	if len(out.Item) == 0 {
		return 0, false, nil
	}
	last, err = counterValue(out.Item)
	if err != nil {
		return 0, false, err
	}
	return last, true, nil
}

// Close closes the DynamoDB connection
func (d *DynamoDBStorage) Close() error {
	// DynamoDB client doesn't need explicit closing
	return nil
}

func rowKey(rowNumber int) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		rowNumberKey: {N: aws.String(strconv.Itoa(rowNumber))},
	}
}

func counterValue(attrs map[string]*dynamodb.AttributeValue) (int, error) {
	v, ok := attrs["last_row"]
	if !ok || v.N == nil {
		return 0, errors.New("row counter item has no last_row")
	}
	n, err := strconv.Atoi(*v.N)
	if err != nil {
		return 0, fmt.Errorf("invalid row counter %q: %w", *v.N, err)
	}
	return n, nil
}

// appendedRowNumber maps the i-th appended row to its row number when the
// counter reads last. The counter counts data rows, the header is row 1.
func appendedRowNumber(last, i int) int {
	return last + i + 2
}

// classifyDynamoError marks validation and missing-table errors as permanent.
func classifyDynamoError(err error) error {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case "ValidationException", dynamodb.ErrCodeResourceNotFoundException:
			return Permanent(err)
		}
	}
	return err
}
