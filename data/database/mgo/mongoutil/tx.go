package mongoutil

import (
	"context"
	"strings"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

// Tx 事务抽象：fn 内的写要么全部可见，要么全部不可见。
type Tx interface {
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// NewMongoTx probes whether the deployment supports multi-document
// transactions (replica set / mongos). Standalone deployments fall back
// to plain sequential execution, which keeps local development workable.
func NewMongoTx(ctx context.Context, cli *mongo.Client) (Tx, error) {
	if supportsTransactions(ctx, cli) {
		return &sessionTx{cli: cli}, nil
	}
	return &directTx{}, nil
}

type sessionTx struct {
	cli *mongo.Client
}

func (t *sessionTx) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	opts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())
	sess, err := t.cli.StartSession()
	if err != nil {
		return err
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		return nil, fn(sc)
	}, opts)
	return err
}

// directTx 单机部署退化路径：无隔离保证，仅顺序执行。
type directTx struct{}

func (t *directTx) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func supportsTransactions(ctx context.Context, cli *mongo.Client) bool {
	sess, err := cli.StartSession()
	if err != nil {
		return false
	}
	defer sess.EndSession(ctx)
	err = mongo.WithSession(ctx, sess, func(sc mongo.SessionContext) error {
		if err := sess.StartTransaction(); err != nil {
			return err
		}
		return sess.AbortTransaction(sc)
	})
	if err == nil {
		return true
	}
	// "Transaction numbers are only allowed on a replica set member or mongos"
	return !strings.Contains(err.Error(), "Transaction numbers")
}
