package mongostore

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/exchange/internal/store"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type chunkDoc struct {
	ID        string `bson:"_id"`
	MessageID string `bson:"message_id"`
	Position  int    `bson:"position"`
	Data      []byte `bson:"data"`
}

func chunkID(messageID string, position int) string {
	return fmt.Sprintf("%s/%d", messageID, position)
}

func (s *Store) CreateMessage(ctx context.Context, rec store.MessageRecord) error {
	coll, err := s.collection(ctx, collMessages)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if rec.Status == "" {
		rec.Status = store.StatusPending
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now
	_, err = coll.InsertOne(ctx, rec)
	return mapErr(err, "message "+rec.ID)
}

func (s *Store) PutChunk(ctx context.Context, chunk store.ChunkRecord) error {
	coll, err := s.collection(ctx, collChunks)
	if err != nil {
		return err
	}
	doc := chunkDoc{
		ID:        chunkID(chunk.MessageID, chunk.Position),
		MessageID: chunk.MessageID,
		Position:  chunk.Position,
		Data:      chunk.Data,
	}
	_, err = coll.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return mapErr(err, "chunk "+doc.ID)
}

func (s *Store) MarkReady(ctx context.Context, ids []string) error {
	coll, err := s.collection(ctx, collMessages)
	if err != nil {
		return err
	}
	filter := bson.M{"_id": bson.M{"$in": ids}}
	n, err := coll.CountDocuments(ctx, filter)
	if err != nil {
		return mapErr(err, "mark ready")
	}
	if n != int64(len(ids)) {
		return fmt.Errorf("%w: %d of %d messages", store.ErrNotFound, int64(len(ids))-n, len(ids))
	}
	_, err = coll.UpdateMany(ctx, filter, bson.M{"$set": bson.M{
		"status":     store.StatusReady,
		"updated_at": time.Now().UTC(),
	}})
	return mapErr(err, "mark ready")
}

func (s *Store) MarkRelayFailed(ctx context.Context, id string, reason string) error {
	coll, err := s.collection(ctx, collMessages)
	if err != nil {
		return err
	}
	res, err := coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"status":     store.StatusError,
		"reason":     reason,
		"updated_at": time.Now().UTC(),
	}})
	if err != nil {
		return mapErr(err, "message "+id)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: message %s", store.ErrNotFound, id)
	}
	return nil
}

func (s *Store) DiscardMessages(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	db, err := s.partition(ctx)
	if err != nil {
		return err
	}
	if _, err := db.Collection(collChunks).DeleteMany(ctx, bson.M{"message_id": bson.M{"$in": ids}}); err != nil {
		return mapErr(err, "discard chunks")
	}
	if _, err := db.Collection(collMessages).DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}}); err != nil {
		return mapErr(err, "discard messages")
	}
	return nil
}

func (s *Store) LoadMessage(ctx context.Context, id string) (store.MessageRecord, error) {
	coll, err := s.collection(ctx, collMessages)
	if err != nil {
		return store.MessageRecord{}, err
	}
	return findOne[store.MessageRecord](ctx, coll, bson.M{"_id": id}, "message "+id)
}

func (s *Store) LoadChunks(ctx context.Context, id string) ([]store.ChunkRecord, error) {
	if _, err := s.LoadMessage(ctx, id); err != nil {
		return nil, err
	}
	coll, err := s.collection(ctx, collChunks)
	if err != nil {
		return nil, err
	}
	cur, err := coll.Find(ctx, bson.M{"message_id": id}, options.Find().SetSort(bson.D{{Key: "position", Value: 1}}))
	if err != nil {
		return nil, mapErr(err, "chunks "+id)
	}
	var docs []chunkDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, mapErr(err, "chunks "+id)
	}
	out := make([]store.ChunkRecord, 0, len(docs))
	for _, d := range docs {
		out = append(out, store.ChunkRecord{MessageID: d.MessageID, Position: d.Position, Data: d.Data})
	}
	return out, nil
}
