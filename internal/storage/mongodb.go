package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/cyderes/post-metrics-service/internal/config"
	"github.com/cyderes/post-metrics-service/internal/models"
)

type logDocument struct {
	Seq     int64  `bson:"seq"`
	Date    string `bson:"date"`
	Column2 string `bson:"column2"`
	Column3 string `bson:"column3"`
	PostID  string `bson:"post_id"`
}

type metricsDocument struct {
	RowNumber int      `bson:"row_number"`
	PostID    string   `bson:"post_id"`
	Values    []string `bson:"values"`
}

// MongoDBStorage implements Storage using MongoDB collections
type MongoDBStorage struct {
	client  *mongo.Client
	logs    *mongo.Collection
	metrics *mongo.Collection
}

// NewMongoDBStorage connects to MongoDB and ensures the row number index exists
func NewMongoDBStorage(ctx context.Context, cfg config.StorageConfig) (*MongoDBStorage, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.MongoDBURI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	storage := newMongoDBStorage(client.Database(cfg.MongoDBName), cfg)

	_, err = storage.metrics.Indexes().CreateOne(connectCtx, mongo.IndexModel{
		Keys:    bson.D{{Key: "row_number", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create row number index: %w", err)
	}

	return storage, nil
}

func newMongoDBStorage(db *mongo.Database, cfg config.StorageConfig) *MongoDBStorage {
	return &MongoDBStorage{
		client:  db.Client(),
		logs:    db.Collection(cfg.LogTableName),
		metrics: db.Collection(cfg.TableName),
	}
}

// ReadLogRows returns logged posts ordered by sequence
func (m *MongoDBStorage) ReadLogRows(ctx context.Context) ([]models.LogRow, error) {
	cursor, err := m.logs.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to query log rows: %w", err)
	}

	var docs []logDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode log rows: %w", err)
	}

	rows := make([]models.LogRow, 0, len(docs))
	for _, doc := range docs {
		rows = append(rows, models.LogRow{
			Date:    doc.Date,
			Column2: doc.Column2,
			Column3: doc.Column3,
			PostID:  strings.TrimSpace(doc.PostID),
		})
	}
	return rows, nil
}

// ReadMetricsRows returns every metrics row ordered by row number
func (m *MongoDBStorage) ReadMetricsRows(ctx context.Context) ([]models.StoredRow, error) {
	cursor, err := m.metrics.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "row_number", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics rows: %w", err)
	}

	var docs []metricsDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode metrics rows: %w", err)
	}

	rows := make([]models.StoredRow, 0, len(docs))
	for _, doc := range docs {
		rows = append(rows, models.StoredRow{RowNumber: doc.RowNumber, Row: models.RowFromValues(doc.Values)})
	}
	return rows, nil
}

// UpdateMetricsRow overwrites one row
func (m *MongoDBStorage) UpdateMetricsRow(ctx context.Context, rowNumber int, row models.MetricsRow) error {
	result, err := m.metrics.UpdateOne(ctx,
		bson.M{"row_number": rowNumber},
		bson.M{"$set": bson.M{"post_id": row.PostID(), "values": row.Values()}},
	)
	if err != nil {
		return fmt.Errorf("failed to update row %d: %w", rowNumber, err)
	}
	if result.MatchedCount == 0 {
		return rowNotFound(rowNumber)
	}
	return nil
}

// AppendMetricsRows numbers rows after the current last row and inserts them
// in order. A failed insert is only reported as retryable when none of the
// rows were stored, so a retry never stores a row twice.
func (m *MongoDBStorage) AppendMetricsRows(ctx context.Context, rows []models.MetricsRow) error {
	if len(rows) == 0 {
		return nil
	}

	last := 1
	var top metricsDocument
	err := m.metrics.FindOne(ctx, bson.D{},
		options.FindOne().SetSort(bson.D{{Key: "row_number", Value: -1}}),
	).Decode(&top)
	switch {
	case err == nil:
		last = top.RowNumber
	case errors.Is(err, mongo.ErrNoDocuments):
	default:
		return fmt.Errorf("failed to read last row number: %w", err)
	}

	docs := make([]interface{}, 0, len(rows))
	ids := make([]string, 0, len(rows))
	for i, row := range rows {
		docs = append(docs, metricsDocument{
			RowNumber: last + 1 + i,
			PostID:    row.PostID(),
			Values:    row.Values(),
		})
		ids = append(ids, row.PostID())
	}

	_, err = m.metrics.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true))
	if err == nil {
		return nil
	}

	stored, serr := m.storedCount(ctx, err, last+1, ids)
	switch {
	case serr != nil:
		return Permanent(fmt.Errorf("failed to append %d rows, stored count unknown (%v): %w", len(rows), serr, err))
	case stored > 0:
		return Permanent(fmt.Errorf("stored %d of %d rows before failing: %w", stored, len(rows), err))
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("row numbers taken by a concurrent append: %w", err)
	default:
		return fmt.Errorf("failed to append %d rows: %w", len(rows), err)
	}
}

// storedCount reports how many rows of a failed ordered insert reached the
// collection. Write errors carry the index of the first rejected document;
// for any other failure the rows are counted.
func (m *MongoDBStorage) storedCount(ctx context.Context, insertErr error, first int, ids []string) (int64, error) {
	var bwe mongo.BulkWriteException
	if errors.As(insertErr, &bwe) && len(bwe.WriteErrors) > 0 {
		return int64(bwe.WriteErrors[0].Index), nil
	}
	return m.metrics.CountDocuments(ctx, bson.M{
		"row_number": bson.M{"$gte": first, "$lt": first + len(ids)},
		"post_id":    bson.M{"$in": ids},
	})
}

// Close disconnects the client
func (m *MongoDBStorage) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
