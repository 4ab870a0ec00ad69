package seq

import (
	"context"
	"time"

	syncmodel "SProject/module/sync/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type DAO struct{ DB *mongo.Database }

func (d *DAO) coll() *mongo.Collection {
	s := syncmodel.SeqUser{}
	return d.DB.Collection(s.GetTableName())
}

// AllocSegment 原子从 Mongo 领一段：issued_seq += block，返回 [start,end]
func (d *DAO) AllocSegment(ctx context.Context, userID string, block int64) (start, end int64, err error) {
	if block <= 0 {
		block = 128
	}
	now := time.Now()

	filter := bson.M{syncmodel.SeqUserFieldUserID: userID}
	update := bson.M{
		"$inc": bson.M{syncmodel.SeqUserFieldIssuedSeq: block},
		"$setOnInsert": bson.M{
			syncmodel.SeqUserFieldMaxSeq:     int64(0),
			syncmodel.SeqUserFieldMinSeq:     int64(0),
			syncmodel.SeqUserFieldCreateTime: now,
		},
		"$set": bson.M{syncmodel.SeqUserFieldUpdateTime: now},
	}

	var before struct {
		IssuedSeq int64 `bson:"issued_seq"`
	}
	err = d.coll().FindOneAndUpdate(
		ctx, filter, update,
		options.FindOneAndUpdate().
			SetUpsert(true).
			SetReturnDocument(options.Before),
	).Decode(&before)
	if err != nil && err != mongo.ErrNoDocuments {
		return 0, 0, err
	}
	old := before.IssuedSeq // 不存在时视为0
	return old + 1, old + block, nil
}

// AdvanceCommit 提交可读水位：max_seq = max(max_seq, toSeq)
func (d *DAO) AdvanceCommit(ctx context.Context, userID string, toSeq int64) error {
	_, err := d.coll().UpdateOne(ctx,
		bson.M{syncmodel.SeqUserFieldUserID: userID},
		bson.M{
			"$max": bson.M{syncmodel.SeqUserFieldMaxSeq: toSeq},
			"$set": bson.M{syncmodel.SeqUserFieldUpdateTime: time.Now()},
		},
		options.Update().SetUpsert(true),
	)
	return err
}

// AdvanceMin 保留期清理后推进 min_seq（保护：newMin <= max_seq）
func (d *DAO) AdvanceMin(ctx context.Context, userID string, newMin int64) error {
	cond := bson.M{
		syncmodel.SeqUserFieldUserID: userID,
		syncmodel.SeqUserFieldMaxSeq: bson.M{"$gte": newMin},
	}
	_, err := d.coll().UpdateOne(ctx, cond,
		bson.M{
			"$max": bson.M{syncmodel.SeqUserFieldMinSeq: newMin},
			"$set": bson.M{syncmodel.SeqUserFieldUpdateTime: time.Now()},
		},
	)
	return err
}
