// Package mongostore persists cache entries and recipients in MongoDB using
// the collections of the original deployment (newscaches, users).
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/NullMeDev/rsmn/internal/news"
	"github.com/NullMeDev/rsmn/internal/subscriber"
)

const (
	entriesCollection = "newscaches"
	usersCollection   = "users"
)

// Store implements news.Store and subscriber.Registry on MongoDB.
type Store struct {
	client  *mongo.Client
	entries *mongo.Collection
	users   *mongo.Collection
	now     func() time.Time
}

// Connect dials uri, pings the server and ensures indexes.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	db := client.Database(database)
	s := &Store{
		client:  client,
		entries: db.Collection(entriesCollection),
		users:   db.Collection(usersCollection),
		now:     time.Now,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "phone", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("creating users index: %w", err)
	}
	_, err = s.entries.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "createdAt", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("creating newscaches index: %w", err)
	}
	return nil
}

// Close disconnects the client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) InsertEntry(ctx context.Context, e news.Entry) error {
	if _, err := s.entries.InsertOne(ctx, e); err != nil {
		return fmt.Errorf("inserting entry %s: %w", e.ID, err)
	}
	return nil
}

func (s *Store) LatestEntry(ctx context.Context) (*news.Entry, error) {
	var e news.Entry
	err := s.entries.FindOne(ctx, bson.M{},
		options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: -1}}),
	).Decode(&e)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest entry: %w", err)
	}
	return &e, nil
}

func (s *Store) EntryIDsBeyond(ctx context.Context, n int) ([]string, error) {
	cur, err := s.entries.Find(ctx, bson.M{},
		options.Find().
			SetSort(bson.D{{Key: "createdAt", Value: -1}}).
			SetSkip(int64(n)).
			SetProjection(bson.M{"_id": 1}),
	)
	if err != nil {
		return nil, fmt.Errorf("querying old entries: %w", err)
	}
	defer cur.Close(ctx)

	var ids []string
	for cur.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decoding entry id: %w", err)
		}
		ids = append(ids, doc.ID)
	}
	return ids, cur.Err()
}

func (s *Store) DeleteEntries(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.entries.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}}); err != nil {
		return fmt.Errorf("deleting entries: %w", err)
	}
	return nil
}

func (s *Store) Subscribed(ctx context.Context) ([]subscriber.Recipient, error) {
	cur, err := s.users.Find(ctx, bson.M{"subscribed": true},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("querying recipients: %w", err)
	}
	var out []subscriber.Recipient
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decoding recipients: %w", err)
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, phone string) (subscriber.Recipient, error) {
	var r subscriber.Recipient
	err := s.users.FindOne(ctx, bson.M{"phone": phone}).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return subscriber.Recipient{}, subscriber.ErrNotFound
	}
	if err != nil {
		return subscriber.Recipient{}, fmt.Errorf("querying recipient %s: %w", phone, err)
	}
	return r, nil
}

func (s *Store) Upsert(ctx context.Context, p subscriber.UpsertParams) (subscriber.Recipient, error) {
	now := s.now()
	set := bson.M{"subscribed": true, "updatedAt": now}
	if p.LID != "" {
		set["lid"] = p.LID
	}
	if p.Email != "" {
		set["email"] = p.Email
	}
	update := bson.M{
		"$set": set,
		"$setOnInsert": bson.M{
			"phone":     p.Phone,
			"isPaid":    false,
			"createdAt": now,
		},
	}

	var r subscriber.Recipient
	err := s.users.FindOneAndUpdate(ctx, bson.M{"phone": p.Phone}, update,
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&r)
	if err != nil {
		return subscriber.Recipient{}, fmt.Errorf("upserting recipient %s: %w", p.Phone, err)
	}
	return r, nil
}

func (s *Store) SetSubscribed(ctx context.Context, phone string, subscribed bool) error {
	res, err := s.users.UpdateOne(ctx, bson.M{"phone": phone},
		bson.M{"$set": bson.M{"subscribed": subscribed, "updatedAt": s.now()}})
	if err != nil {
		return fmt.Errorf("updating recipient %s: %w", phone, err)
	}
	if res.MatchedCount == 0 {
		return subscriber.ErrNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, phone string) error {
	res, err := s.users.DeleteOne(ctx, bson.M{"phone": phone})
	if err != nil {
		return fmt.Errorf("deleting recipient %s: %w", phone, err)
	}
	if res.DeletedCount == 0 {
		return subscriber.ErrNotFound
	}
	return nil
}

func (s *Store) Stats(ctx context.Context) (subscriber.Stats, error) {
	total, err := s.users.CountDocuments(ctx, bson.M{})
	if err != nil {
		return subscriber.Stats{}, fmt.Errorf("counting users: %w", err)
	}
	active, err := s.users.CountDocuments(ctx, bson.M{"subscribed": true})
	if err != nil {
		return subscriber.Stats{}, fmt.Errorf("counting subscribers: %w", err)
	}
	paid, err := s.users.CountDocuments(ctx, bson.M{"isPaid": true})
	if err != nil {
		return subscriber.Stats{}, fmt.Errorf("counting paid users: %w", err)
	}
	return subscriber.Stats{
		TotalUsers:        int(total),
		ActiveSubscribers: int(active),
		PaidUsers:         int(paid),
		FreeUsers:         int(active - paid),
	}, nil
}
