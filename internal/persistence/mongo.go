package persistence

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/loom/pkg/api"
)

// MongoDriver is a Driver backed by MongoDB. Keys live in a single kv
// collection with the key as _id, so ordered prefix listing is a range
// query over the primary index. Alarms use their own collection keyed by
// workflow ID.
type MongoDriver struct {
	kv     *mongo.Collection
	alarms *mongo.Collection
	poll   time.Duration
}

var _ api.Driver = (*MongoDriver)(nil)

type mongoKVDoc struct {
	ID    string `bson:"_id"`
	Value []byte `bson:"v"`
}

type mongoAlarmDoc struct {
	ID     string `bson:"_id"`
	WakeAt int64  `bson:"wake_at"`
}

// NewMongoDriver creates a Mongo-backed Driver.
// dbName defaults to "loom" if empty.
func NewMongoDriver(client *mongo.Client, dbName string) *MongoDriver {
	if dbName == "" {
		dbName = "loom"
	}
	db := client.Database(dbName)
	return &MongoDriver{
		kv:     db.Collection("kv"),
		alarms: db.Collection("alarms"),
		poll:   DefaultWorkerPollInterval,
	}
}

// rangeFilter builds the _id range filter for a prefix scan.
func rangeFilter(prefix []byte) bson.M {
	cond := bson.M{"$gte": string(prefix)}
	if end := PrefixEnd(prefix); end != nil {
		cond["$lt"] = string(end)
	}
	return bson.M{"_id": cond}
}

func (d *MongoDriver) Get(ctx context.Context, key []byte) ([]byte, error) {
	var doc mongoKVDoc
	err := d.kv.FindOne(ctx, bson.M{"_id": string(key)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.Value, nil
}

func (d *MongoDriver) Set(ctx context.Context, key, value []byte) error {
	_, err := d.kv.ReplaceOne(ctx,
		bson.M{"_id": string(key)},
		mongoKVDoc{ID: string(key), Value: value},
		options.Replace().SetUpsert(true),
	)
	return err
}

func (d *MongoDriver) Delete(ctx context.Context, key []byte) error {
	_, err := d.kv.DeleteOne(ctx, bson.M{"_id": string(key)})
	return err
}

func (d *MongoDriver) DeletePrefix(ctx context.Context, prefix []byte) error {
	_, err := d.kv.DeleteMany(ctx, rangeFilter(prefix))
	return err
}

func (d *MongoDriver) List(ctx context.Context, prefix []byte) ([]api.KV, error) {
	cur, err := d.kv.Find(ctx, rangeFilter(prefix), options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []api.KV
	for cur.Next(ctx) {
		var doc mongoKVDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, api.KV{Key: []byte(doc.ID), Value: doc.Value})
	}
	return out, cur.Err()
}

func (d *MongoDriver) Batch(ctx context.Context, ops []api.BatchOp) error {
	if len(ops) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, 0, len(ops))
	for _, op := range ops {
		if op.Delete {
			models = append(models, mongo.NewDeleteOneModel().
				SetFilter(bson.M{"_id": string(op.Key)}))
			continue
		}
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": string(op.Key)}).
			SetReplacement(mongoKVDoc{ID: string(op.Key), Value: op.Value}).
			SetUpsert(true))
	}
	_, err := d.kv.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true))
	return err
}

func (d *MongoDriver) SetAlarm(ctx context.Context, workflowID string, wakeAt time.Time) error {
	_, err := d.alarms.ReplaceOne(ctx,
		bson.M{"_id": workflowID},
		mongoAlarmDoc{ID: workflowID, WakeAt: wakeAt.UnixMilli()},
		options.Replace().SetUpsert(true),
	)
	return err
}

func (d *MongoDriver) ClearAlarm(ctx context.Context, workflowID string) error {
	_, err := d.alarms.DeleteOne(ctx, bson.M{"_id": workflowID})
	return err
}

func (d *MongoDriver) DueAlarms(ctx context.Context, now time.Time) ([]string, error) {
	filter := bson.M{"wake_at": bson.M{"$lte": now.UnixMilli()}}

	cur, err := d.alarms.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var due []string
	for cur.Next(ctx) {
		var doc mongoAlarmDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		due = append(due, doc.ID)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	if len(due) == 0 {
		return nil, nil
	}

	if _, err := d.alarms.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": due}}); err != nil {
		return nil, err
	}
	return due, nil
}

func (d *MongoDriver) WorkerPollInterval() time.Duration {
	return d.poll
}

func (d *MongoDriver) LoadMessages(ctx context.Context, workflowID string) ([]api.Message, error) {
	pairs, err := d.List(ctx, MessagePrefix(workflowID))
	if err != nil {
		return nil, err
	}
	return MessagesFromKV(pairs)
}

func (d *MongoDriver) AddMessage(ctx context.Context, workflowID string, msg api.Message) error {
	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	return d.Set(ctx, MessageKey(workflowID, msg.ID), data)
}

func (d *MongoDriver) DeleteMessages(ctx context.Context, workflowID string, ids []string) ([]string, error) {
	removed := make([]string, 0, len(ids))
	for _, id := range ids {
		res, err := d.kv.DeleteOne(ctx, bson.M{"_id": string(MessageKey(workflowID, id))})
		if err != nil {
			return nil, err
		}
		if res.DeletedCount > 0 {
			removed = append(removed, id)
		}
	}
	return removed, nil
}
