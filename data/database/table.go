package database

import "go.mongodb.org/mongo-driver/mongo"

// Table 每个文档模型自述集合名与集合句柄。
type Table interface {
	GetTableName() string
	Collection() *mongo.Collection
}
