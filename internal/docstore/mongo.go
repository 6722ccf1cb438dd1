package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	backendMongo        = "mongo"
	mongoCollectionName = "documents"
)

type mongoDoc struct {
	Path   string   `bson:"_id"`
	Parent string   `bson:"parent"`
	Key    string   `bson:"key"`
	Value  bson.Raw `bson:"value"`
}

// Mongo stores every document in one collection with the path as _id
type Mongo struct {
	client *mongo.Client
	coll   *mongo.Collection
	hub    *Hub
}

// NewMongo connects to MongoDB. A nil hub gets a private one.
func NewMongo(ctx context.Context, uri, database string, hub *Hub) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	if hub == nil {
		hub = NewHub()
	}
	return &Mongo{
		client: client,
		coll:   client.Database(database).Collection(mongoCollectionName),
		hub:    hub,
	}, nil
}

// EnsureIndexes creates the parent index used by List, Query and Subscribe
func (s *Mongo) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "parent", Value: 1}},
		Options: options.Index().SetName("parent_idx"),
	})
	if err != nil {
		return fmt.Errorf("failed to create parent index: %w", err)
	}
	return nil
}

func (s *Mongo) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Mongo) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *Mongo) Hub() *Hub {
	return s.hub
}

func (s *Mongo) Create(ctx context.Context, collection string) (string, error) {
	if _, err := cleanPath(collection); err != nil {
		return "", err
	}
	return NewKey()
}

func (s *Mongo) Write(ctx context.Context, path string, value any) error {
	defer observe(backendMongo, "write", time.Now())

	p, err := cleanPath(path)
	if err != nil {
		return err
	}
	b, err := encode(value)
	if err != nil {
		return err
	}
	var val bson.M
	if err := bson.UnmarshalExtJSON(b, false, &val); err != nil {
		return fmt.Errorf("failed to convert %s to bson: %w", p, err)
	}
	parent, key := splitPath(p)

	doc := bson.M{"_id": p, "parent": parent, "key": key, "value": val}
	_, err = s.coll.ReplaceOne(ctx, bson.M{"_id": p}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", p, err)
	}

	s.hub.Publish(ctx, p)
	return nil
}

func (s *Mongo) Update(ctx context.Context, path string, fields map[string]any) error {
	defer observe(backendMongo, "update", time.Now())

	p, err := cleanPath(path)
	if err != nil {
		return err
	}
	encoded, err := encodeFields(fields)
	if err != nil {
		return err
	}
	b, err := json.Marshal(encoded)
	if err != nil {
		return fmt.Errorf("failed to encode fields: %w", err)
	}
	var vals bson.M
	if err := bson.UnmarshalExtJSON(b, false, &vals); err != nil {
		return fmt.Errorf("failed to convert fields to bson: %w", err)
	}
	parent, key := splitPath(p)

	set := bson.M{"parent": parent, "key": key}
	for k, v := range vals {
		set["value."+k] = v
	}
	_, err = s.coll.UpdateOne(ctx, bson.M{"_id": p}, bson.M{"$set": set}, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", p, err)
	}

	s.hub.Publish(ctx, p)
	return nil
}

func (s *Mongo) Remove(ctx context.Context, path string) error {
	defer observe(backendMongo, "remove", time.Now())

	p, err := cleanPath(path)
	if err != nil {
		return err
	}

	filter := bson.M{"$or": bson.A{
		bson.M{"_id": p},
		bson.M{"_id": bson.M{"$regex": "^" + regexp.QuoteMeta(p+"/")}},
	}}
	if _, err := s.coll.DeleteMany(ctx, filter); err != nil {
		return fmt.Errorf("failed to remove %s: %w", p, err)
	}

	s.hub.Publish(ctx, p)
	return nil
}

func (s *Mongo) Get(ctx context.Context, path string, out any) error {
	defer observe(backendMongo, "get", time.Now())

	p, err := cleanPath(path)
	if err != nil {
		return err
	}

	var doc mongoDoc
	err = s.coll.FindOne(ctx, bson.M{"_id": p}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", p, err)
	}

	raw, err := bson.MarshalExtJSON(doc.Value, false, false)
	if err != nil {
		return fmt.Errorf("failed to convert %s to json: %w", p, err)
	}
	return json.Unmarshal(raw, out)
}

func (s *Mongo) List(ctx context.Context, collection string) (Snapshot, error) {
	defer observe(backendMongo, "list", time.Now())

	c, err := cleanPath(collection)
	if err != nil {
		return nil, err
	}
	return s.find(ctx, bson.M{"parent": c})
}

func (s *Mongo) Query(ctx context.Context, collection, field string, value any) (Snapshot, error) {
	defer observe(backendMongo, "query", time.Now())

	c, err := cleanPath(collection)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(map[string]any{"v": value})
	if err != nil {
		return nil, fmt.Errorf("failed to encode filter: %w", err)
	}
	var wrapped bson.M
	if err := bson.UnmarshalExtJSON(b, false, &wrapped); err != nil {
		return nil, fmt.Errorf("failed to convert filter to bson: %w", err)
	}
	return s.find(ctx, bson.M{"parent": c, "value." + field: wrapped["v"]})
}

func (s *Mongo) Subscribe(ctx context.Context, collection string, fn func(Snapshot)) (func(), error) {
	c, err := cleanPath(collection)
	if err != nil {
		return nil, err
	}
	return s.hub.subscribe(ctx, c, func(ctx context.Context) (Snapshot, error) {
		return s.List(ctx, c)
	}, fn)
}

func (s *Mongo) find(ctx context.Context, filter bson.M) (Snapshot, error) {
	cursor, err := s.coll.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to find documents: %w", err)
	}
	var docs []mongoDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode documents: %w", err)
	}

	snap := make(Snapshot, len(docs))
	for _, d := range docs {
		raw, err := bson.MarshalExtJSON(d.Value, false, false)
		if err != nil {
			return nil, fmt.Errorf("failed to convert %s to json: %w", d.Path, err)
		}
		snap[d.Key] = raw
	}
	return snap, nil
}
