package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/BlocUnited-LLC/mozaiks-core-sub003/pkg/models"
)

const (
	sessionsCollection = "chat_sessions"
	messagesCollection = "chat_messages"
	countersCollection = "usage_counters"

	mongoOpTimeout = 5 * time.Second
)

// MongoStore is the durable session backend.
type MongoStore struct {
	client   *mongo.Client
	db       *mongo.Database
	sessions *mongo.Collection
	messages *mongo.Collection
	counters *mongo.Collection
}

// NewMongoStore connects to MongoDB and ensures the indexes the access paths
// rely on.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	db := client.Database(database)
	s := &MongoStore{
		client:   client,
		db:       db,
		sessions: db.Collection(sessionsCollection),
		messages: db.Collection(messagesCollection),
		counters: db.Collection(countersCollection),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	if _, err := s.sessions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "chat_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("sessions index: %w", err)
	}
	if _, err := s.sessions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "app_id", Value: 1}, {Key: "user_id", Value: 1}, {Key: "updated_at", Value: -1}},
	}); err != nil {
		return fmt.Errorf("sessions list index: %w", err)
	}
	if _, err := s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "chat_id", Value: 1}, {Key: "sequence_no", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("messages index: %w", err)
	}
	if _, err := s.counters.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "app_id", Value: 1}, {Key: "user_id", Value: 1}, {Key: "period", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("counters index: %w", err)
	}
	return nil
}

func (s *MongoStore) CreateSession(ctx context.Context, sess *models.Session) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()
	if _, err := s.sessions.InsertOne(ctx, sess); err != nil {
		return fmt.Errorf("create session %s: %w", sess.ChatID, err)
	}
	return nil
}

func (s *MongoStore) GetSession(ctx context.Context, chatID string) (*models.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()
	var sess models.Session
	err := s.sessions.FindOne(ctx, bson.M{"chat_id": chatID}).Decode(&sess)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *MongoStore) FindReusable(ctx context.Context, appID, userID, workflowName, clientRequestID string, window time.Duration) (*models.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	var sess models.Session
	err := s.sessions.FindOne(ctx, bson.M{
		"app_id":            appID,
		"user_id":           userID,
		"workflow_name":     workflowName,
		"client_request_id": clientRequestID,
		"status":            bson.M{"$nin": terminalStatuses()},
		"created_at":        bson.M{"$gt": time.Now().Add(-window)},
	}, options.FindOne().SetSort(bson.D{{Key: "updated_at", Value: -1}})).Decode(&sess)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func terminalStatuses() []models.SessionStatus {
	return []models.SessionStatus{models.SessionCompleted, models.SessionFailed, models.SessionCancelled}
}

func (s *MongoStore) UpdateStatus(ctx context.Context, chatID string, status models.SessionStatus) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()
	res, err := s.sessions.UpdateOne(ctx,
		bson.M{"chat_id": chatID, "status": bson.M{"$nin": terminalStatuses()}},
		bson.M{"$set": bson.M{"status": status, "updated_at": time.Now().UTC()}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		if _, err := s.GetSession(ctx, chatID); err != nil {
			return err
		}
		return ErrTerminalStatus
	}
	return nil
}

func (s *MongoStore) ListSessions(ctx context.Context, appID, userID string, limit int) ([]*models.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cur, err := s.sessions.Find(ctx, bson.M{"app_id": appID, "user_id": userID}, opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []*models.Session
	for cur.Next(ctx) {
		var sess models.Session
		if err := cur.Decode(&sess); err != nil {
			return nil, err
		}
		out = append(out, &sess)
	}
	return out, cur.Err()
}

func (s *MongoStore) HasCompleted(ctx context.Context, appID, userID, workflowName string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()
	n, err := s.sessions.CountDocuments(ctx, bson.M{
		"app_id":        appID,
		"user_id":       userID,
		"workflow_name": workflowName,
		"status":        models.SessionCompleted,
	}, options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *MongoStore) AppendMessage(ctx context.Context, m *models.Message) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()
	if _, err := s.messages.InsertOne(ctx, m); err != nil {
		return fmt.Errorf("append message %s/%d: %w", m.ChatID, m.SequenceNo, err)
	}
	return nil
}

func (s *MongoStore) Messages(ctx context.Context, chatID string, afterSeq int64) ([]models.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()
	cur, err := s.messages.Find(ctx,
		bson.M{"chat_id": chatID, "sequence_no": bson.M{"$gt": afterSeq}},
		options.Find().SetSort(bson.D{{Key: "sequence_no", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []models.Message
	for cur.Next(ctx) {
		var m models.Message
		if err := cur.Decode(&m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, cur.Err()
}

func (s *MongoStore) SetLastSequence(ctx context.Context, chatID string, seq int64) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()
	_, err := s.sessions.UpdateOne(ctx,
		bson.M{"chat_id": chatID, "last_sequence_no": bson.M{"$lt": seq}},
		bson.M{"$set": bson.M{"last_sequence_no": seq, "updated_at": time.Now().UTC()}})
	return err
}

func (s *MongoStore) AddTokens(ctx context.Context, chatID string, tokens int64) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()
	_, err := s.sessions.UpdateOne(ctx,
		bson.M{"chat_id": chatID},
		bson.M{"$inc": bson.M{"total_tokens": tokens}})
	return err
}

func (s *MongoStore) LoadCounter(ctx context.Context, appID, userID, period string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()
	var doc struct {
		Used int64 `bson:"used"`
	}
	err := s.counters.FindOne(ctx,
		bson.M{"app_id": appID, "user_id": userID, "period": period}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return doc.Used, nil
}

func (s *MongoStore) SaveCounter(ctx context.Context, appID, userID, period string, used int64) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()
	_, err := s.counters.UpdateOne(ctx,
		bson.M{"app_id": appID, "user_id": userID, "period": period},
		bson.M{"$set": bson.M{"used": used, "updated_at": time.Now().UTC()}},
		options.UpdateOne().SetUpsert(true))
	return err
}

// Database exposes the underlying handle so sibling stores can share the
// connection.
func (s *MongoStore) Database() *mongo.Database {
	return s.db
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
