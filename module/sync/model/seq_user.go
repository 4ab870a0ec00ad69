package model

import (
	"time"

	"SProject/service/mgo"

	"go.mongodb.org/mongo-driver/mongo"
)

// SeqUser 每用户一条的发号水位。
// issued_seq 通过 $inc 原子推进，是 delta 台账序号的唯一来源；
// 不要求无洞，只要求严格递增。
type SeqUser struct {
	UserID    string `bson:"user_id"`
	IssuedSeq int64  `bson:"issued_seq"` // 已发出的最大序号
	MaxSeq    int64  `bson:"max_seq"`    // 已提交可读的最大序号（监控用）
	MinSeq    int64  `bson:"min_seq"`    // 保留期清理后的下界

	CreateTime time.Time `bson:"create_time"`
	UpdateTime time.Time `bson:"update_time"`
}

const (
	SeqUserFieldUserID     = "user_id"
	SeqUserFieldIssuedSeq  = "issued_seq"
	SeqUserFieldMaxSeq     = "max_seq"
	SeqUserFieldMinSeq     = "min_seq"
	SeqUserFieldCreateTime = "create_time"
	SeqUserFieldUpdateTime = "update_time"
)

func (s *SeqUser) GetTableName() string { return "seq_user" }

func (s *SeqUser) Collection() *mongo.Collection {
	return mgo.GetDB().Collection(s.GetTableName())
}
