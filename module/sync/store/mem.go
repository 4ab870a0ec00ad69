package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"SProject/module/sync/model"
)

var (
	ErrDupEntity = errors.New("unique (user,type,server_id) violated")
	ErrDupMeta   = errors.New("unique (user,type,client_id,device_id) violated")
	ErrDupSeq    = errors.New("unique (user,seq) violated")
)

// memDB 内存实现：测试与单机开发用。
// txMu 串行化事务（无回滚）；生产隔离语义由 Mongo 实现保证。
type memDB struct {
	txMu sync.Mutex
	mu   sync.RWMutex

	entities  map[string]*model.Entity        // user|type|sid
	metas     map[string]*model.SyncMetadata  // user|type|cid|dev
	deltas    map[string][]*model.DeltaRecord // user -> 按 seq 升序
	devices   map[string]*model.DevicePresence
	conflicts []*model.ConflictLog
	seqs      map[string]int64 // user -> issued
}

func NewMemDB() DB {
	return &memDB{
		entities: make(map[string]*model.Entity),
		metas:    make(map[string]*model.SyncMetadata),
		deltas:   make(map[string][]*model.DeltaRecord),
		devices:  make(map[string]*model.DevicePresence),
		seqs:     make(map[string]int64),
	}
}

func keyEntity(user, typ, sid string) string    { return user + "|" + typ + "|" + sid }
func keyMeta(user, typ, cid, dev string) string { return user + "|" + typ + "|" + cid + "|" + dev }
func keyDevice(user, dev string) string         { return user + "|" + dev }

func (db *memDB) Tx(ctx context.Context, fn func(ctx context.Context) error) error {
	db.txMu.Lock()
	defer db.txMu.Unlock()
	return fn(ctx)
}

// —— 实体 ——

func (db *memDB) GetEntity(_ context.Context, userID, entityType, serverID string) (*model.Entity, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if e, ok := db.entities[keyEntity(userID, entityType, serverID)]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, nil
}

func (db *memDB) InsertEntity(_ context.Context, e *model.Entity) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	k := keyEntity(e.UserID, e.EntityType, e.ServerID)
	if _, ok := db.entities[k]; ok {
		return ErrDupEntity
	}
	cp := *e
	db.entities[k] = &cp
	return nil
}

func (db *memDB) UpdateEntityData(_ context.Context, userID, entityType, serverID string, expectVersion int64, data map[string]any, now time.Time) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	e, ok := db.entities[keyEntity(userID, entityType, serverID)]
	if !ok || e.SyncVersion != expectVersion {
		return false, nil
	}
	e.Data = data
	e.SyncVersion++
	e.UpdateTime = now
	return true, nil
}

func (db *memDB) DeleteEntityVersioned(_ context.Context, userID, entityType, serverID string, expectVersion int64) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	k := keyEntity(userID, entityType, serverID)
	e, ok := db.entities[k]
	if !ok || e.SyncVersion != expectVersion {
		return false, nil
	}
	delete(db.entities, k)
	return true, nil
}

// —— 映射 ——

func (db *memDB) GetMetadata(_ context.Context, userID, entityType, clientID, deviceID string) (*model.SyncMetadata, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if m, ok := db.metas[keyMeta(userID, entityType, clientID, deviceID)]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, nil
}

func (db *memDB) InsertMetadata(_ context.Context, m *model.SyncMetadata) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	k := keyMeta(m.UserID, m.EntityType, m.ClientID, m.DeviceID)
	if _, ok := db.metas[k]; ok {
		return ErrDupMeta
	}
	cp := *m
	db.metas[k] = &cp
	return nil
}

func (db *memDB) UpdateMetadataSynced(_ context.Context, userID, entityType, clientID, deviceID string, version int64, now time.Time) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if m, ok := db.metas[keyMeta(userID, entityType, clientID, deviceID)]; ok {
		m.SyncVersion = version
		m.SyncStatus = model.SyncStatusSynced
		m.LastModifiedAt = now
		m.LastSyncedAt = now
	}
	return nil
}

func (db *memDB) DeleteMetadataByServerID(_ context.Context, userID, entityType, serverID string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	for k, m := range db.metas {
		if m.UserID == userID && m.EntityType == entityType && m.ServerID == serverID {
			delete(db.metas, k)
		}
	}
	return nil
}

func (db *memDB) DeleteMetadataByDevice(_ context.Context, userID, deviceID string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	for k, m := range db.metas {
		if m.UserID == userID && m.DeviceID == deviceID {
			delete(db.metas, k)
		}
	}
	return nil
}

// —— delta 台账 ——

func (db *memDB) NextSeq(_ context.Context, userID string) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.seqs[userID]++
	return db.seqs[userID], nil
}

func (db *memDB) AppendDelta(_ context.Context, d *model.DeltaRecord) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, ex := range db.deltas[d.UserID] {
		if ex.Seq == d.Seq {
			return ErrDupSeq
		}
	}
	cp := *d
	db.deltas[d.UserID] = append(db.deltas[d.UserID], &cp)
	sort.Slice(db.deltas[d.UserID], func(i, j int) bool {
		return db.deltas[d.UserID][i].Seq < db.deltas[d.UserID][j].Seq
	})
	return nil
}

func (db *memDB) QueryDeltas(_ context.Context, userID string, q DeltaQuery) ([]*model.DeltaRecord, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	typeOK := func(t string) bool {
		if len(q.EntityTypes) == 0 {
			return true
		}
		for _, et := range q.EntityTypes {
			if et == t {
				return true
			}
		}
		return false
	}

	var out []*model.DeltaRecord
	for _, d := range db.deltas[userID] {
		if d.Seq <= q.SinceSeq {
			continue
		}
		if q.ExcludeDeviceID != "" && d.DeviceID == q.ExcludeDeviceID {
			continue
		}
		if !typeOK(d.EntityType) {
			continue
		}
		cp := *d
		out = append(out, &cp)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (db *memDB) PruneDeltas(_ context.Context, userID string, before time.Time, belowSeq int64) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var kept []*model.DeltaRecord
	var pruned int64
	for _, d := range db.deltas[userID] {
		if d.CreateTime.Before(before) && d.Seq <= belowSeq {
			pruned++
			continue
		}
		kept = append(kept, d)
	}
	db.deltas[userID] = kept
	return pruned, nil
}

func (db *memDB) DistinctDeltaUsers(_ context.Context) ([]string, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]string, 0, len(db.deltas))
	for u := range db.deltas {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}

// —— 设备在场 ——

func (db *memDB) UpsertDevice(_ context.Context, d *model.DevicePresence) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	k := keyDevice(d.UserID, d.DeviceID)
	now := time.Now()
	if ex, ok := db.devices[k]; ok {
		ex.DeviceName = d.DeviceName
		ex.DeviceType = d.DeviceType
		ex.AppVersion = d.AppVersion
		ex.Capabilities = d.Capabilities
		ex.LastSeenAt = d.LastSeenAt
		ex.OnlineStatus = true
		if d.SyncCursor > ex.SyncCursor {
			ex.SyncCursor = d.SyncCursor
		}
		ex.UpdateTime = now
		return nil
	}
	cp := *d
	cp.OnlineStatus = true
	cp.CreateTime = now
	cp.UpdateTime = now
	db.devices[k] = &cp
	return nil
}

func (db *memDB) GetDevice(_ context.Context, userID, deviceID string) (*model.DevicePresence, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if d, ok := db.devices[keyDevice(userID, deviceID)]; ok {
		cp := *d
		return &cp, nil
	}
	return nil, nil
}

func (db *memDB) ListDevices(_ context.Context, userID string) ([]*model.DevicePresence, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var out []*model.DevicePresence
	for _, d := range db.devices {
		if d.UserID == userID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeenAt.After(out[j].LastSeenAt) })
	return out, nil
}

func (db *memDB) DeleteDevice(_ context.Context, userID, deviceID string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.devices, keyDevice(userID, deviceID))
	return nil
}

func (db *memDB) AdvanceDeviceCursor(_ context.Context, userID, deviceID string, cursor int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if d, ok := db.devices[keyDevice(userID, deviceID)]; ok {
		if cursor > d.SyncCursor {
			d.SyncCursor = cursor
		}
		d.UpdateTime = time.Now()
	}
	return nil
}

func (db *memDB) MarkStaleOffline(_ context.Context, lastSeenBefore time.Time) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var n int64
	for _, d := range db.devices {
		if d.OnlineStatus && d.LastSeenAt.Before(lastSeenBefore) {
			d.OnlineStatus = false
			n++
		}
	}
	return n, nil
}

// —— 冲突审计 ——

func (db *memDB) InsertConflictLog(_ context.Context, c *model.ConflictLog) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	cp := *c
	db.conflicts = append(db.conflicts, &cp)
	return nil
}

func (db *memDB) ListConflictLogs(_ context.Context, userID string, limit int) ([]*model.ConflictLog, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var out []*model.ConflictLog
	// 新的在前
	for i := len(db.conflicts) - 1; i >= 0; i-- {
		if db.conflicts[i].UserID != userID {
			continue
		}
		cp := *db.conflicts[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// —— 错误分类 ——

func (db *memDB) IsDuplicateErr(err error) bool {
	return errors.Is(err, ErrDupEntity) || errors.Is(err, ErrDupMeta) || errors.Is(err, ErrDupSeq)
}

func (db *memDB) IsTransientErr(err error) bool { return false }
