package artifacts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/BlocUnited-LLC/mozaiks-core-sub003/pkg/models"
)

const artifactsCollection = "artifact_states"

// MongoRepository is the durable artifact state backend.
type MongoRepository struct {
	coll *mongo.Collection
}

// NewMongoRepository wraps an existing database handle.
func NewMongoRepository(ctx context.Context, db *mongo.Database) (*MongoRepository, error) {
	coll := db.Collection(artifactsCollection)
	idxCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := coll.Indexes().CreateOne(idxCtx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "app_id", Value: 1},
			{Key: "chat_id", Value: 1},
			{Key: "artifact_id", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("artifact index: %w", err)
	}
	return &MongoRepository{coll: coll}, nil
}

func (r *MongoRepository) Put(ctx context.Context, state *models.ArtifactState) error {
	_, err := r.coll.UpdateOne(ctx,
		bson.M{"app_id": state.AppID, "chat_id": state.ChatID, "artifact_id": state.ArtifactID},
		bson.M{"$set": state},
		options.UpdateOne().SetUpsert(true))
	return err
}

func (r *MongoRepository) Get(ctx context.Context, appID, chatID, artifactID string) (*models.ArtifactState, error) {
	var state models.ArtifactState
	err := r.coll.FindOne(ctx,
		bson.M{"app_id": appID, "chat_id": chatID, "artifact_id": artifactID}).Decode(&state)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrArtifactNotFound
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (r *MongoRepository) Latest(ctx context.Context, appID, chatID string) (*models.ArtifactState, error) {
	var state models.ArtifactState
	err := r.coll.FindOne(ctx,
		bson.M{"app_id": appID, "chat_id": chatID},
		options.FindOne().SetSort(bson.D{{Key: "updated_at", Value: -1}})).Decode(&state)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrArtifactNotFound
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (r *MongoRepository) Delete(ctx context.Context, appID, chatID, artifactID string) error {
	_, err := r.coll.DeleteOne(ctx,
		bson.M{"app_id": appID, "chat_id": chatID, "artifact_id": artifactID})
	return err
}

func (r *MongoRepository) Prune(ctx context.Context, now time.Time) (int, error) {
	res, err := r.coll.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lt": now}})
	if err != nil {
		return 0, err
	}
	return int(res.DeletedCount), nil
}
