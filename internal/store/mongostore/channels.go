package mongostore

import (
	"context"
	"fmt"

	"github.com/danmuck/exchange/internal/routing"
	"github.com/danmuck/exchange/internal/store"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func (s *Store) FindChannel(ctx context.Context, id int64) (store.Channel, error) {
	coll, err := s.collection(ctx, collChannels)
	if err != nil {
		return store.Channel{}, err
	}
	return findOne[store.Channel](ctx, coll, bson.M{"_id": id}, fmt.Sprintf("channel %d", id))
}

func endpointFilter(prefix string, e store.Endpoint) bson.M {
	f := bson.M{prefix + ".domain": e.Domain}
	if e.Local == "" {
		f[prefix+".local"] = bson.M{"$exists": false}
	} else {
		f[prefix+".local"] = e.Local
	}
	return f
}

func (s *Store) FindChannelByKey(ctx context.Context, zoneID int64, key routing.ChannelKey) (store.Channel, error) {
	coll, err := s.collection(ctx, collChannels)
	if err != nil {
		return store.Channel{}, err
	}
	filter := bson.M{"zone_id": zoneID, "service": key.Service}
	for k, v := range endpointFilter("origin", store.ParseEndpoint(key.Origin)) {
		filter[k] = v
	}
	for k, v := range endpointFilter("destination", store.ParseEndpoint(key.Destination)) {
		filter[k] = v
	}
	return findOne[store.Channel](ctx, coll, filter, "channel "+key.String())
}

func (s *Store) SearchChannels(ctx context.Context, zoneID int64, origin string) ([]store.Channel, error) {
	coll, err := s.collection(ctx, collChannels)
	if err != nil {
		return nil, err
	}
	filter := bson.M{"zone_id": zoneID}
	if origin != "" {
		e := store.ParseEndpoint(origin)
		filter["origin.domain"] = e.Domain
		if e.Local != "" {
			filter["origin.local"] = e.Local
		}
	}
	cur, err := coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, mapErr(err, "search channels")
	}
	out := make([]store.Channel, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, mapErr(err, "search channels")
	}
	return out, nil
}

func (s *Store) nextID(ctx context.Context, name string) (int64, error) {
	coll, err := s.collection(ctx, collCounters)
	if err != nil {
		return 0, err
	}
	var counter struct {
		Value int64 `bson:"value"`
	}
	err = coll.FindOneAndUpdate(
		ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"value": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, mapErr(err, "counter "+name)
	}
	return counter.Value, nil
}

func (s *Store) CreateChannel(ctx context.Context, ch store.Channel) (store.Channel, error) {
	coll, err := s.collection(ctx, collChannels)
	if err != nil {
		return store.Channel{}, err
	}
	if ch.ID == 0 {
		id, err := s.nextID(ctx, collChannels)
		if err != nil {
			return store.Channel{}, err
		}
		ch.ID = id
	}
	if _, err := coll.InsertOne(ctx, ch); err != nil {
		return store.Channel{}, mapErr(err, fmt.Sprintf("channel %d", ch.ID))
	}
	return ch, nil
}

func (s *Store) UpdateChannel(ctx context.Context, ch store.Channel) error {
	coll, err := s.collection(ctx, collChannels)
	if err != nil {
		return err
	}
	res, err := coll.ReplaceOne(ctx, bson.M{"_id": ch.ID}, ch)
	if err != nil {
		return mapErr(err, fmt.Sprintf("channel %d", ch.ID))
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: channel %d", store.ErrNotFound, ch.ID)
	}
	return nil
}

func (s *Store) PrecommitFlow(ctx context.Context, channelID int64, size int64) error {
	ch, err := s.FindChannel(ctx, channelID)
	if err != nil {
		return err
	}
	if !ch.Open {
		return store.ErrChannelClosed
	}
	if !ch.FlowOpen {
		return store.ErrFlowClosed
	}
	if ch.QuotaBytes < 0 {
		return nil
	}
	coll, err := s.collection(ctx, collChannels)
	if err != nil {
		return err
	}
	res, err := coll.UpdateOne(ctx,
		bson.M{"_id": channelID, "open": true, "flow_open": true, "quota_bytes": bson.M{"$gte": size}},
		bson.M{"$inc": bson.M{"quota_bytes": -size}},
	)
	if err != nil {
		return mapErr(err, fmt.Sprintf("channel %d", channelID))
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: quota exhausted", store.ErrFlowClosed)
	}
	return nil
}
