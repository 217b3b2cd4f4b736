package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/cyderes/post-metrics-service/internal/config"
	"github.com/cyderes/post-metrics-service/internal/models"
)

const metricsNS = "test.post_metrics"

func newMockMongo(mt *mtest.T) *MongoDBStorage {
	return newMongoDBStorage(mt.DB, config.StorageConfig{
		TableName:    "post_metrics",
		LogTableName: "post_log",
	})
}

// insertedRows decodes the documents of the insert commands sent so far.
func insertedRows(mt *mtest.T) []metricsDocument {
	var docs []metricsDocument
	for _, evt := range mt.GetAllStartedEvents() {
		if evt.CommandName != "insert" {
			continue
		}
		values, err := evt.Command.Lookup("documents").Array().Values()
		require.NoError(mt, err)
		for _, v := range values {
			var doc metricsDocument
			require.NoError(mt, v.Unmarshal(&doc))
			docs = append(docs, doc)
		}
	}
	return docs
}

func appendRows(ids ...string) []models.MetricsRow {
	rows := make([]models.MetricsRow, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, models.RowFromValues([]string{"now", id}))
	}
	return rows
}

func TestMongoDBStorage_AppendMetricsRows(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("empty collection starts at row 2", func(mt *mtest.T) {
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, metricsNS, mtest.FirstBatch),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 2}),
		)

		require.NoError(mt, newMockMongo(mt).AppendMetricsRows(context.Background(), appendRows("100", "200")))

		docs := insertedRows(mt)
		require.Len(mt, docs, 2)
		assert.Equal(mt, 2, docs[0].RowNumber)
		assert.Equal(mt, "100", docs[0].PostID)
		assert.Equal(mt, 3, docs[1].RowNumber)
		assert.Len(mt, docs[1].Values, models.MetricsColumns)
	})

	mt.Run("numbers follow the last row", func(mt *mtest.T) {
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, metricsNS, mtest.FirstBatch,
				bson.D{{Key: "row_number", Value: 7}, {Key: "post_id", Value: "42"}}),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}),
		)

		require.NoError(mt, newMockMongo(mt).AppendMetricsRows(context.Background(), appendRows("300")))

		docs := insertedRows(mt)
		require.Len(mt, docs, 1)
		assert.Equal(mt, 8, docs[0].RowNumber)
	})

	mt.Run("nothing to append", func(mt *mtest.T) {
		require.NoError(mt, newMockMongo(mt).AppendMetricsRows(context.Background(), nil))
		assert.Empty(mt, mt.GetAllStartedEvents())
	})
}

func TestMongoDBStorage_AppendFailures(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("concurrent append before any row is stored", func(mt *mtest.T) {
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, metricsNS, mtest.FirstBatch),
			mtest.CreateWriteErrorsResponse(mtest.WriteError{Index: 0, Code: 11000, Message: "E11000 duplicate key error"}),
		)

		err := newMockMongo(mt).AppendMetricsRows(context.Background(), appendRows("100", "200"))

		require.Error(mt, err)
		assert.False(mt, IsPermanent(err))
		assert.Contains(mt, err.Error(), "concurrent append")
	})

	mt.Run("partial insert is not retried", func(mt *mtest.T) {
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, metricsNS, mtest.FirstBatch),
			mtest.CreateWriteErrorsResponse(mtest.WriteError{Index: 1, Code: 11000, Message: "E11000 duplicate key error"}),
		)

		err := newMockMongo(mt).AppendMetricsRows(context.Background(), appendRows("100", "200", "300"))

		require.Error(mt, err)
		assert.True(mt, IsPermanent(err))
		assert.Contains(mt, err.Error(), "stored 1 of 3 rows")
	})

	mt.Run("command failure with nothing stored is retryable", func(mt *mtest.T) {
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, metricsNS, mtest.FirstBatch),
			mtest.CreateCommandErrorResponse(mtest.CommandError{Code: 2, Name: "BadValue", Message: "rejected"}),
			mtest.CreateCursorResponse(0, metricsNS, mtest.FirstBatch),
		)

		err := newMockMongo(mt).AppendMetricsRows(context.Background(), appendRows("100"))

		require.Error(mt, err)
		assert.False(mt, IsPermanent(err))
	})

	mt.Run("command failure after rows were stored", func(mt *mtest.T) {
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, metricsNS, mtest.FirstBatch),
			mtest.CreateCommandErrorResponse(mtest.CommandError{Code: 2, Name: "BadValue", Message: "rejected"}),
			mtest.CreateCursorResponse(0, metricsNS, mtest.FirstBatch, bson.D{{Key: "n", Value: 2}}),
		)

		err := newMockMongo(mt).AppendMetricsRows(context.Background(), appendRows("100", "200"))

		require.Error(mt, err)
		assert.True(mt, IsPermanent(err))
	})
}

func TestMongoDBStorage_UpdateMetricsRow(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("existing row", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 1},
		))

		err := newMockMongo(mt).UpdateMetricsRow(context.Background(), 4, models.RowFromValues([]string{"later", "42"}))
		require.NoError(mt, err)

		evt := mt.GetStartedEvent()
		require.NotNil(mt, evt)
		assert.Equal(mt, "update", evt.CommandName)
	})

	mt.Run("missing row", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 0},
			bson.E{Key: "nModified", Value: 0},
		))

		err := newMockMongo(mt).UpdateMetricsRow(context.Background(), 99, models.MetricsRow{})
		require.Error(mt, err)
		assert.True(mt, IsPermanent(err))
	})
}

func TestMongoDBStorage_ReadRows(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("metrics rows", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, metricsNS, mtest.FirstBatch,
			bson.D{{Key: "row_number", Value: 2}, {Key: "post_id", Value: "100"}, {Key: "values", Value: bson.A{"t", "100", "", "alice"}}},
			bson.D{{Key: "row_number", Value: 3}, {Key: "post_id", Value: "200"}, {Key: "values", Value: bson.A{"t", "200"}}},
		))

		rows, err := newMockMongo(mt).ReadMetricsRows(context.Background())

		require.NoError(mt, err)
		require.Len(mt, rows, 2)
		assert.Equal(mt, 2, rows[0].RowNumber)
		assert.Equal(mt, "alice", rows[0].Row[models.ColAuthor])
		assert.Equal(mt, "200", rows[1].Row.PostID())
	})

	mt.Run("log rows", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "test.post_log", mtest.FirstBatch,
			bson.D{{Key: "seq", Value: int64(1)}, {Key: "date", Value: "2024-01-15"}, {Key: "post_id", Value: " 10 "}},
		))

		rows, err := newMockMongo(mt).ReadLogRows(context.Background())

		require.NoError(mt, err)
		assert.Equal(mt, []models.LogRow{{Date: "2024-01-15", PostID: "10"}}, rows)
	})
}
