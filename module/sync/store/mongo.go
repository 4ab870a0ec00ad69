package store

import (
	"context"
	"fmt"
	"time"

	mongoutil "SProject/data/database/mgo/mongoutil"
	"SProject/module/sync/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Sequencer 序号发放（生产实现见 module/sync/seq）。
type Sequencer interface {
	Next(ctx context.Context, userID string) (int64, error)
	Commit(ctx context.Context, userID string, toSeq int64) error
}

type mongoDB struct {
	db  *mongo.Database
	tx  mongoutil.Tx
	seq Sequencer

	entityColl   *mongo.Collection
	metaColl     *mongo.Collection
	deltaColl    *mongo.Collection
	deviceColl   *mongo.Collection
	conflictColl *mongo.Collection
}

func NewMongoDB(db *mongo.Database, tx mongoutil.Tx, seq Sequencer) DB {
	var (
		e model.Entity
		m model.SyncMetadata
		d model.DeltaRecord
		p model.DevicePresence
		c model.ConflictLog
	)
	return &mongoDB{
		db:           db,
		tx:           tx,
		seq:          seq,
		entityColl:   db.Collection(e.GetTableName()),
		metaColl:     db.Collection(m.GetTableName()),
		deltaColl:    db.Collection(d.GetTableName()),
		deviceColl:   db.Collection(p.GetTableName()),
		conflictColl: db.Collection(c.GetTableName()),
	}
}

func (s *mongoDB) Tx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.tx.Transaction(ctx, fn)
}

// —— 实体 ——

func (s *mongoDB) GetEntity(ctx context.Context, userID, entityType, serverID string) (*model.Entity, error) {
	var out model.Entity
	err := s.entityColl.FindOne(ctx, bson.M{
		model.EntityFieldUserID:     userID,
		model.EntityFieldEntityType: entityType,
		model.EntityFieldServerID:   serverID,
	}).Decode(&out)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *mongoDB) InsertEntity(ctx context.Context, e *model.Entity) error {
	_, err := s.entityColl.InsertOne(ctx, e)
	return err
}

func (s *mongoDB) UpdateEntityData(ctx context.Context, userID, entityType, serverID string, expectVersion int64, data map[string]any, now time.Time) (bool, error) {
	res, err := s.entityColl.UpdateOne(ctx,
		bson.M{
			model.EntityFieldUserID:      userID,
			model.EntityFieldEntityType:  entityType,
			model.EntityFieldServerID:    serverID,
			model.EntityFieldSyncVersion: expectVersion, // 乐观锁：版本位被占则不命中
		},
		bson.M{
			"$set": bson.M{
				model.EntityFieldData:       data,
				model.EntityFieldUpdateTime: now,
			},
			"$inc": bson.M{model.EntityFieldSyncVersion: int64(1)},
		},
	)
	if err != nil {
		return false, err
	}
	return res.MatchedCount > 0, nil
}

func (s *mongoDB) DeleteEntityVersioned(ctx context.Context, userID, entityType, serverID string, expectVersion int64) (bool, error) {
	res, err := s.entityColl.DeleteOne(ctx, bson.M{
		model.EntityFieldUserID:      userID,
		model.EntityFieldEntityType:  entityType,
		model.EntityFieldServerID:    serverID,
		model.EntityFieldSyncVersion: expectVersion,
	})
	if err != nil {
		return false, err
	}
	return res.DeletedCount > 0, nil
}

// —— 映射 ——

func metaKey(userID, entityType, clientID, deviceID string) bson.M {
	return bson.M{
		model.MetaFieldUserID:     userID,
		model.MetaFieldEntityType: entityType,
		model.MetaFieldClientID:   clientID,
		model.MetaFieldDeviceID:   deviceID,
	}
}

func (s *mongoDB) GetMetadata(ctx context.Context, userID, entityType, clientID, deviceID string) (*model.SyncMetadata, error) {
	var out model.SyncMetadata
	err := s.metaColl.FindOne(ctx, metaKey(userID, entityType, clientID, deviceID)).Decode(&out)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *mongoDB) InsertMetadata(ctx context.Context, m *model.SyncMetadata) error {
	_, err := s.metaColl.InsertOne(ctx, m)
	return err
}

func (s *mongoDB) UpdateMetadataSynced(ctx context.Context, userID, entityType, clientID, deviceID string, version int64, now time.Time) error {
	_, err := s.metaColl.UpdateOne(ctx,
		metaKey(userID, entityType, clientID, deviceID),
		bson.M{"$set": bson.M{
			model.MetaFieldSyncVersion:    version,
			model.MetaFieldSyncStatus:     model.SyncStatusSynced,
			model.MetaFieldLastModifiedAt: now,
			model.MetaFieldLastSyncedAt:   now,
		}},
	)
	return err
}

func (s *mongoDB) DeleteMetadataByServerID(ctx context.Context, userID, entityType, serverID string) error {
	// 删除实体时所有设备的映射一起清掉
	_, err := s.metaColl.DeleteMany(ctx, bson.M{
		model.MetaFieldUserID:     userID,
		model.MetaFieldEntityType: entityType,
		model.MetaFieldServerID:   serverID,
	})
	return err
}

func (s *mongoDB) DeleteMetadataByDevice(ctx context.Context, userID, deviceID string) error {
	_, err := s.metaColl.DeleteMany(ctx, bson.M{
		model.MetaFieldUserID:   userID,
		model.MetaFieldDeviceID: deviceID,
	})
	return err
}

// —— delta 台账 ——

func (s *mongoDB) NextSeq(ctx context.Context, userID string) (int64, error) {
	return s.seq.Next(ctx, userID)
}

func (s *mongoDB) AppendDelta(ctx context.Context, d *model.DeltaRecord) error {
	if _, err := s.deltaColl.InsertOne(ctx, d); err != nil {
		return err
	}
	// 水位和台账同事务推进，拉取方看到的 max_seq 不会先于记录出现
	return s.seq.Commit(ctx, d.UserID, d.Seq)
}

func (s *mongoDB) QueryDeltas(ctx context.Context, userID string, q DeltaQuery) ([]*model.DeltaRecord, error) {
	filter := bson.M{
		model.DeltaFieldUserID: userID,
		model.DeltaFieldSeq:    bson.M{"$gt": q.SinceSeq},
	}
	if len(q.EntityTypes) > 0 {
		filter[model.DeltaFieldEntityType] = bson.M{"$in": q.EntityTypes}
	}
	if q.ExcludeDeviceID != "" {
		filter[model.DeltaFieldDeviceID] = bson.M{"$ne": q.ExcludeDeviceID}
	}
	opts := options.Find().SetSort(bson.D{{Key: model.DeltaFieldSeq, Value: 1}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	cur, err := s.deltaColl.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*model.DeltaRecord
	for cur.Next(ctx) {
		var d model.DeltaRecord
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, cur.Err()
}

func (s *mongoDB) PruneDeltas(ctx context.Context, userID string, before time.Time, belowSeq int64) (int64, error) {
	res, err := s.deltaColl.DeleteMany(ctx, bson.M{
		model.DeltaFieldUserID:     userID,
		model.DeltaFieldCreateTime: bson.M{"$lt": before},
		model.DeltaFieldSeq:        bson.M{"$lte": belowSeq},
	})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (s *mongoDB) DistinctDeltaUsers(ctx context.Context) ([]string, error) {
	vals, err := s.deltaColl.Distinct(ctx, model.DeltaFieldUserID, bson.M{})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// —— 设备在场 ——

func deviceKey(userID, deviceID string) bson.M {
	return bson.M{
		model.DeviceFieldUserID:   userID,
		model.DeviceFieldDeviceID: deviceID,
	}
}

func (s *mongoDB) UpsertDevice(ctx context.Context, d *model.DevicePresence) error {
	now := time.Now()
	_, err := s.deviceColl.UpdateOne(ctx,
		deviceKey(d.UserID, d.DeviceID),
		bson.M{
			"$set": bson.M{
				model.DeviceFieldDeviceName:   d.DeviceName,
				model.DeviceFieldDeviceType:   d.DeviceType,
				model.DeviceFieldAppVersion:   d.AppVersion,
				model.DeviceFieldCapabilities: d.Capabilities,
				model.DeviceFieldLastSeenAt:   d.LastSeenAt,
				model.DeviceFieldOnlineStatus: true,
				model.DeviceFieldUpdateTime:   now,
			},
			"$max":         bson.M{model.DeviceFieldSyncCursor: d.SyncCursor},
			"$setOnInsert": bson.M{model.DeviceFieldCreateTime: now},
		},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *mongoDB) GetDevice(ctx context.Context, userID, deviceID string) (*model.DevicePresence, error) {
	var out model.DevicePresence
	err := s.deviceColl.FindOne(ctx, deviceKey(userID, deviceID)).Decode(&out)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *mongoDB) ListDevices(ctx context.Context, userID string) ([]*model.DevicePresence, error) {
	cur, err := s.deviceColl.Find(ctx,
		bson.M{model.DeviceFieldUserID: userID},
		options.Find().SetSort(bson.D{{Key: model.DeviceFieldLastSeenAt, Value: -1}}),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*model.DevicePresence
	for cur.Next(ctx) {
		var d model.DevicePresence
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, cur.Err()
}

func (s *mongoDB) DeleteDevice(ctx context.Context, userID, deviceID string) error {
	_, err := s.deviceColl.DeleteOne(ctx, deviceKey(userID, deviceID))
	return err
}

func (s *mongoDB) AdvanceDeviceCursor(ctx context.Context, userID, deviceID string, cursor int64) error {
	_, err := s.deviceColl.UpdateOne(ctx,
		deviceKey(userID, deviceID),
		bson.M{
			"$max": bson.M{model.DeviceFieldSyncCursor: cursor},
			"$set": bson.M{model.DeviceFieldUpdateTime: time.Now()},
		},
	)
	return err
}

func (s *mongoDB) MarkStaleOffline(ctx context.Context, lastSeenBefore time.Time) (int64, error) {
	res, err := s.deviceColl.UpdateMany(ctx,
		bson.M{
			model.DeviceFieldOnlineStatus: true,
			model.DeviceFieldLastSeenAt:   bson.M{"$lt": lastSeenBefore},
		},
		bson.M{"$set": bson.M{
			model.DeviceFieldOnlineStatus: false,
			model.DeviceFieldUpdateTime:   time.Now(),
		}},
	)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

// —— 冲突审计 ——

func (s *mongoDB) InsertConflictLog(ctx context.Context, c *model.ConflictLog) error {
	_, err := s.conflictColl.InsertOne(ctx, c)
	return err
}

func (s *mongoDB) ListConflictLogs(ctx context.Context, userID string, limit int) ([]*model.ConflictLog, error) {
	opts := options.Find().SetSort(bson.D{{Key: model.ConflictFieldDetectedAt, Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.conflictColl.Find(ctx, bson.M{model.ConflictFieldUserID: userID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []*model.ConflictLog
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// —— 错误分类 ——

func (s *mongoDB) IsDuplicateErr(err error) bool {
	return mongo.IsDuplicateKeyError(err)
}

func (s *mongoDB) IsTransientErr(err error) bool {
	if err == nil {
		return false
	}
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return true
	}
	if cmdErr, ok := err.(mongo.CommandError); ok {
		return cmdErr.HasErrorLabel("TransientTransactionError")
	}
	return false
}

// EnsureIndexes 只创建缺失的索引（幂等，可在启动时调用）。
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	var (
		e model.Entity
		m model.SyncMetadata
		d model.DeltaRecord
		p model.DevicePresence
		q model.SeqUser
	)
	collections := map[string][]mongo.IndexModel{
		e.GetTableName(): {{
			Keys: bson.D{
				{Key: model.EntityFieldUserID, Value: 1},
				{Key: model.EntityFieldEntityType, Value: 1},
				{Key: model.EntityFieldServerID, Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_user_type_sid"),
		}},
		m.GetTableName(): {
			{
				Keys: bson.D{
					{Key: model.MetaFieldUserID, Value: 1},
					{Key: model.MetaFieldEntityType, Value: 1},
					{Key: model.MetaFieldClientID, Value: 1},
					{Key: model.MetaFieldDeviceID, Value: 1}},
				Options: options.Index().SetUnique(true).SetName("uniq_user_type_cid_dev"),
			},
			{
				Keys: bson.D{
					{Key: model.MetaFieldUserID, Value: 1},
					{Key: model.MetaFieldEntityType, Value: 1},
					{Key: model.MetaFieldServerID, Value: 1}},
				Options: options.Index().SetName("ix_meta_sid"),
			},
		},
		d.GetTableName(): {{
			Keys: bson.D{
				{Key: model.DeltaFieldUserID, Value: 1},
				{Key: model.DeltaFieldSeq, Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_user_seq"),
		}},
		p.GetTableName(): {{
			Keys: bson.D{
				{Key: model.DeviceFieldUserID, Value: 1},
				{Key: model.DeviceFieldDeviceID, Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_user_device"),
		}},
		q.GetTableName(): {{
			Keys:    bson.D{{Key: model.SeqUserFieldUserID, Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_seq_user"),
		}},
	}

	for collName, indexes := range collections {
		coll := db.Collection(collName)

		existing, err := coll.Indexes().ListSpecifications(ctx)
		if err != nil {
			return fmt.Errorf("list indexes for %s: %w", collName, err)
		}
		existingNames := make(map[string]struct{}, len(existing))
		for _, spec := range existing {
			existingNames[spec.Name] = struct{}{}
		}

		for _, idx := range indexes {
			if idx.Options != nil && idx.Options.Name != nil {
				if _, ok := existingNames[*idx.Options.Name]; ok {
					continue
				}
			}
			if _, err := coll.Indexes().CreateOne(ctx, idx); err != nil {
				return fmt.Errorf("create index %s on %s: %w", *idx.Options.Name, collName, err)
			}
		}
	}
	return nil
}
