package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/hannabros/researchflow/pkg/api"
)

// MongoStore is a Store backed by two MongoDB collections: one document
// per instance projection and one document per history event. A unique
// index on (instance_id, seq) makes concurrent appends at the same sequence
// number fail instead of interleaving.
type MongoStore struct {
	instances *mongo.Collection
	history   *mongo.Collection
}

// Ensure MongoStore implements Store.
var _ Store = (*MongoStore)(nil)

// NewMongoStore creates a Mongo-backed store and ensures its indexes.
// dbName defaults to "researchflow".
func NewMongoStore(ctx context.Context, client *mongo.Client, dbName string) (*MongoStore, error) {
	if dbName == "" {
		dbName = "researchflow"
	}
	db := client.Database(dbName)
	s := &MongoStore{
		instances: db.Collection("instances"),
		history:   db.Collection("history_events"),
	}

	_, err := s.history.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "instance_id", Value: 1}, {Key: "seq", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("mongo history index: %w", err)
	}
	_, err = s.instances.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}},
	})
	if err != nil {
		return nil, fmt.Errorf("mongo instances index: %w", err)
	}
	return s, nil
}

type mongoInstanceDoc struct {
	ID        string `bson:"_id"`
	Workflow  string `bson:"workflow"`
	Status    string `bson:"status"`
	Record    []byte `bson:"record"`
	CreatedAt int64  `bson:"created_at"`
}

type mongoEventDoc struct {
	InstanceID string `bson:"instance_id"`
	Seq        int64  `bson:"seq"`
	Record     []byte `bson:"record"`
}

func toInstanceDoc(inst *api.Instance) (mongoInstanceDoc, error) {
	data, err := encodeInstance(inst)
	if err != nil {
		return mongoInstanceDoc{}, err
	}
	return mongoInstanceDoc{
		ID:        inst.ID,
		Workflow:  inst.Workflow,
		Status:    string(inst.Status),
		Record:    data,
		CreatedAt: inst.CreatedAt.UnixNano(),
	}, nil
}

func toEventDocs(events []api.HistoryEvent) ([]any, error) {
	docs := make([]any, 0, len(events))
	for _, ev := range events {
		data, err := encodeEvent(ev)
		if err != nil {
			return nil, err
		}
		docs = append(docs, mongoEventDoc{InstanceID: ev.InstanceID, Seq: ev.Seq, Record: data})
	}
	return docs, nil
}

func (s *MongoStore) CreateInstance(ctx context.Context, inst *api.Instance, started api.HistoryEvent) error {
	doc, err := toInstanceDoc(inst)
	if err != nil {
		return err
	}
	events, err := toEventDocs(stamp(inst.ID, 0, []api.HistoryEvent{started}))
	if err != nil {
		return err
	}

	if _, err := s.instances.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrInstanceExists
		}
		return err
	}
	if _, err := s.history.InsertMany(ctx, events); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrSequenceConflict
		}
		return err
	}
	return nil
}

func (s *MongoStore) lastSeq(ctx context.Context, instanceID string) (int64, error) {
	var doc mongoEventDoc
	err := s.history.FindOne(ctx,
		bson.M{"instance_id": instanceID},
		options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}}).SetProjection(bson.M{"record": 0}),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, nil
		}
		return 0, err
	}
	return doc.Seq, nil
}

func (s *MongoStore) AppendEvents(ctx context.Context, instanceID string, expectedLastSeq int64, events []api.HistoryEvent) ([]api.HistoryEvent, error) {
	n, err := s.instances.CountDocuments(ctx, bson.M{"_id": instanceID})
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrInstanceNotFound
	}

	last, err := s.lastSeq(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if last != expectedLastSeq {
		return nil, ErrSequenceConflict
	}

	stamped := stamp(instanceID, expectedLastSeq, events)
	docs, err := toEventDocs(stamped)
	if err != nil {
		return nil, err
	}
	if _, err := s.history.InsertMany(ctx, docs); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, ErrSequenceConflict
		}
		return nil, err
	}
	return stamped, nil
}

func (s *MongoStore) ListEvents(ctx context.Context, instanceID string) ([]api.HistoryEvent, error) {
	cur, err := s.history.Find(ctx,
		bson.M{"instance_id": instanceID},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []api.HistoryEvent
	for cur.Next(ctx) {
		var doc mongoEventDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		ev, err := decodeEvent(doc.Record)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrInstanceNotFound
	}
	return out, nil
}

func (s *MongoStore) UpdateInstance(ctx context.Context, inst *api.Instance) error {
	doc, err := toInstanceDoc(inst)
	if err != nil {
		return err
	}

	res, err := s.instances.UpdateByID(ctx, inst.ID, bson.M{
		"$set": bson.M{
			"status": doc.Status,
			"record": doc.Record,
		},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

func (s *MongoStore) GetInstance(ctx context.Context, id string) (*api.Instance, error) {
	var doc mongoInstanceDoc
	err := s.instances.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return decodeInstance(doc.Record)
}

func (s *MongoStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.Instance, error) {
	query := bson.M{}
	if filter.Workflow != "" {
		query["workflow"] = filter.Workflow
	}
	if filter.Status != "" {
		query["status"] = string(filter.Status)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cur, err := s.instances.Find(ctx, query,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []*api.Instance
	for cur.Next(ctx) {
		var doc mongoInstanceDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		inst, err := decodeInstance(doc.Record)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, cur.Err()
}
