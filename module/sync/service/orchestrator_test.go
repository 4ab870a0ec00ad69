package service

import (
	"context"
	"testing"
	"time"

	"SProject/module/sync/model"
	"SProject/module/sync/store"
	"SProject/tools/errs"
)

type capturedNudge struct {
	userID string
	origin string
	seq    int64
}

type fakeNotifier struct {
	nudges []capturedNudge
}

func (f *fakeNotifier) PublishSyncChanged(_ context.Context, userID, originDeviceID string, seq int64) error {
	f.nudges = append(f.nudges, capturedNudge{userID, originDeviceID, seq})
	return nil
}

func newTestOrch(db store.DB, n Notifier) *Orchestrator {
	return NewOrchestrator(db, n, DefaultOptions())
}

func baseRequest(deviceID string, cursor int64, changes ...LocalChange) *SyncRequest {
	return &SyncRequest{
		DeviceID:       deviceID,
		DeviceType:     model.DeviceTypeIOS,
		LastSyncCursor: cursor,
		LocalChanges:   changes,
	}
}

func TestSyncPushPullRound(t *testing.T) {
	db := store.NewMemDB()
	o := newTestOrch(db, nil)
	ctx := context.Background()

	resp, err := o.Sync(ctx, "u1", baseRequest("dev-a", 0,
		createChange("c1", characterData("Luna")),
		createChange("c2", characterData("Milo")),
	))
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if resp.SyncStatus.Successful != 2 || resp.SyncStatus.Conflicts != 0 || resp.SyncStatus.Errors != 0 {
		t.Fatalf("bad summary: %+v", resp.SyncStatus)
	}
	// 自己的写入不回声，但游标盖过它们
	if len(resp.ServerChanges) != 0 {
		t.Fatalf("own writes must not echo back: %d", len(resp.ServerChanges))
	}
	if resp.SyncCursor != 2 {
		t.Fatalf("cursor must cover own writes, got %d", resp.SyncCursor)
	}
	if resp.NextSyncRecommendedAt.IsZero() {
		t.Fatalf("next_sync_recommended_at missing")
	}
	if resp.RealTimeEnabled {
		t.Fatalf("no notifier wired, real_time_enabled must be false")
	}
}

func TestSyncBatchTooLarge(t *testing.T) {
	db := store.NewMemDB()
	o := NewOrchestrator(db, nil, Options{MaxBatchSize: 2})

	req := baseRequest("dev-a", 0,
		createChange("c1", characterData("a")),
		createChange("c2", characterData("b")),
		createChange("c3", characterData("c")),
	)
	_, err := o.Sync(context.Background(), "u1", req)
	if err == nil {
		t.Fatalf("oversized batch must be rejected outright")
	}
	if errs.CodeOf(err) != errs.BatchTooLargeError {
		t.Fatalf("wrong code: %v", err)
	}
	// 整体拒绝：一条也没落
	deltas, _ := db.QueryDeltas(context.Background(), "u1", store.DeltaQuery{SinceSeq: 0})
	if len(deltas) != 0 {
		t.Fatalf("rejected batch must process nothing, got %d deltas", len(deltas))
	}
}

// 单条失败不阻断批内其它变更（尽力而为）。
func TestSyncPartialBatch(t *testing.T) {
	db := store.NewMemDB()
	o := newTestOrch(db, nil)
	ctx := context.Background()

	first, _ := o.Sync(ctx, "u1", baseRequest("dev-a", 0, createChange("c1", characterData("Luna"))))
	if first.SyncStatus.Successful != 1 {
		t.Fatalf("setup failed: %+v", first.SyncStatus)
	}

	// 重复 create（冲突）夹在两条好变更中间
	resp, err := o.Sync(ctx, "u1", baseRequest("dev-a", first.SyncCursor,
		createChange("c2", characterData("Milo")),
		createChange("c1", characterData("Luna again")),
		createChange("c3", characterData("Iris")),
	))
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if resp.SyncStatus.Successful != 2 || resp.SyncStatus.Conflicts != 1 {
		t.Fatalf("conflict must not block the rest: %+v", resp.SyncStatus)
	}
	if len(resp.Conflicts) != 1 {
		t.Fatalf("conflicts must ride the response: %d", len(resp.Conflicts))
	}
}

func TestSyncCursorNeverRegresses(t *testing.T) {
	db := store.NewMemDB()
	o := newTestOrch(db, nil)
	ctx := context.Background()

	r1, _ := o.Sync(ctx, "u1", baseRequest("dev-a", 0, createChange("c1", characterData("Luna"))))

	// 带旧游标再来（比如客户端状态回滚），没有新增量
	r2, err := o.Sync(ctx, "u1", baseRequest("dev-a", r1.SyncCursor))
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if r2.SyncCursor < r1.SyncCursor {
		t.Fatalf("cursor regressed: %d -> %d", r1.SyncCursor, r2.SyncCursor)
	}

	// 空轮次游标保持原值
	r3, _ := o.Sync(ctx, "u1", baseRequest("dev-a", r2.SyncCursor))
	if r3.SyncCursor != r2.SyncCursor {
		t.Fatalf("empty round must keep cursor: %d != %d", r3.SyncCursor, r2.SyncCursor)
	}
}

func TestSyncEntityTypeFilter(t *testing.T) {
	db := store.NewMemDB()
	o := newTestOrch(db, nil)
	ctx := context.Background()

	o.Sync(ctx, "u1", baseRequest("dev-a", 0,
		createChange("c1", characterData("Luna")),
		LocalChange{
			EntityType: model.EntityTypeStory,
			ClientID:   "s1",
			Operation:  model.OpCreate,
			Data:       map[string]any{"title": "The Moon", "text": "once upon"},
			Version:    1,
			Timestamp:  nowISO(),
		},
	))

	req := baseRequest("dev-b", 0)
	req.EntityTypes = []string{model.EntityTypeStory}
	resp, err := o.Sync(ctx, "u1", req)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(resp.ServerChanges) != 1 || resp.ServerChanges[0].EntityType != model.EntityTypeStory {
		t.Fatalf("filter leaked other types: %+v", resp.ServerChanges)
	}
}

// 两台设备各自离线编辑的完整来回：A 建角色，B 拉到；双方基于同一版本编辑，后到者冲突。
func TestTwoDeviceScenario(t *testing.T) {
	db := store.NewMemDB()
	o := newTestOrch(db, nil)
	ctx := context.Background()

	// 设备A：离线建角色后同步
	ra, err := o.Sync(ctx, "u1", baseRequest("dev-a", 0, createChange("ca", characterData("Luna"))))
	if err != nil || ra.SyncStatus.Successful != 1 {
		t.Fatalf("device A push failed: %v %+v", err, ra)
	}

	// 设备B：拉到 A 的角色
	rb, err := o.Sync(ctx, "u1", baseRequest("dev-b", 0))
	if err != nil {
		t.Fatalf("device B pull failed: %v", err)
	}
	if len(rb.ServerChanges) != 1 {
		t.Fatalf("device B must see A's create, got %d", len(rb.ServerChanges))
	}
	serverID := rb.ServerChanges[0].EntityID
	if rb.ServerChanges[0].Operation != model.OpCreate {
		t.Fatalf("expected create delta, got %s", rb.ServerChanges[0].Operation)
	}

	// 双方都基于 v1 编辑。B 先到。
	edit := func(dev, cid, name string) *SyncRequest {
		return baseRequest(dev, rb.SyncCursor, LocalChange{
			EntityType: model.EntityTypeCharacter,
			ClientID:   cid,
			ServerID:   serverID,
			Operation:  model.OpUpdate,
			Data:       characterData(name),
			Version:    1,
			Timestamp:  nowISO(),
		})
	}
	rbe, _ := o.Sync(ctx, "u1", edit("dev-b", "cb", "Luna B"))
	if rbe.SyncStatus.Successful != 1 {
		t.Fatalf("B's edit should win: %+v", rbe.SyncStatus)
	}

	rae, _ := o.Sync(ctx, "u1", edit("dev-a", "ca2", "Luna A"))
	if rae.SyncStatus.Conflicts != 1 || len(rae.Conflicts) != 1 {
		t.Fatalf("A's stale edit must conflict: %+v", rae.SyncStatus)
	}
	c := rae.Conflicts[0]
	if c.ConflictType != model.ConflictVersionMismatch || c.EntityID != serverID {
		t.Fatalf("bad conflict: %+v", c)
	}
	// A 同轮还拉到 B 的 update
	found := false
	for _, sc := range rae.ServerChanges {
		if sc.EntityID == serverID && sc.Operation == model.OpUpdate {
			found = true
		}
	}
	if !found {
		t.Fatalf("A must pull B's update in the same round: %+v", rae.ServerChanges)
	}
}

// 冲突照常落审计表。
func TestSyncConflictAudit(t *testing.T) {
	db := store.NewMemDB()
	o := newTestOrch(db, nil)
	ctx := context.Background()

	o.Sync(ctx, "u1", baseRequest("dev-a", 0, createChange("c1", characterData("Luna"))))
	resp, _ := o.Sync(ctx, "u1", baseRequest("dev-a", 2, createChange("c1", characterData("again"))))
	if resp.SyncStatus.Conflicts != 1 {
		t.Fatalf("setup: expected conflict")
	}

	logs, err := db.ListConflictLogs(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("list conflict logs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("conflict must be audited, got %d", len(logs))
	}
	if logs[0].ConflictID == "" {
		t.Fatalf("audit row needs an id")
	}
	if logs[0].UserID != "u1" || logs[0].DeviceID != "dev-a" {
		t.Fatalf("bad audit row: %+v", logs[0])
	}
}

// 有接受的变更且设备声明实时能力 → 发一次提醒，带来源设备。
func TestSyncRealTimeNudge(t *testing.T) {
	db := store.NewMemDB()
	n := &fakeNotifier{}
	o := newTestOrch(db, n)
	ctx := context.Background()

	req := baseRequest("dev-a", 0, createChange("c1", characterData("Luna")))
	req.Capabilities = &model.DeviceCapabilities{SupportsRealTime: true}
	resp, err := o.Sync(ctx, "u1", req)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !resp.RealTimeEnabled {
		t.Fatalf("notifier wired, real_time_enabled must be true")
	}
	if len(n.nudges) != 1 {
		t.Fatalf("expected one nudge, got %d", len(n.nudges))
	}
	if n.nudges[0].userID != "u1" || n.nudges[0].origin != "dev-a" || n.nudges[0].seq != 1 {
		t.Fatalf("bad nudge: %+v", n.nudges[0])
	}

	// 纯拉取轮不提醒
	o.Sync(ctx, "u1", baseRequest("dev-b", 0))
	if len(n.nudges) != 1 {
		t.Fatalf("pull-only round must not nudge")
	}
}

func TestSyncValidationRejects(t *testing.T) {
	db := store.NewMemDB()
	o := newTestOrch(db, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		mut  func(*SyncRequest)
		code int
	}{
		{"missing device_id", func(r *SyncRequest) { r.DeviceID = "" }, errs.ArgsError},
		{"bad device_type", func(r *SyncRequest) { r.DeviceType = "toaster" }, errs.ArgsError},
		{"negative cursor", func(r *SyncRequest) { r.LastSyncCursor = -1 }, errs.ArgsError},
		{"unknown filter type", func(r *SyncRequest) { r.EntityTypes = []string{"pet"} }, errs.UnknownEntityError},
	}
	for _, tc := range cases {
		req := baseRequest("dev-a", 0)
		tc.mut(req)
		_, err := o.Sync(ctx, "u1", req)
		if err == nil {
			t.Fatalf("%s: expected rejection", tc.name)
		}
		if errs.CodeOf(err) != tc.code {
			t.Fatalf("%s: code = %v, want %d", tc.name, err, tc.code)
		}
	}
}

type capturePresence struct {
	touched []*model.DevicePresence
}

func (p *capturePresence) Touch(_ context.Context, d *model.DevicePresence) error {
	p.touched = append(p.touched, d)
	return nil
}

// 在场登记要走注入的入口，Redis 在线镜像才会被刷新。
func TestSyncRoutesPresenceThroughHook(t *testing.T) {
	db := store.NewMemDB()
	p := &capturePresence{}
	o := newTestOrch(db, nil).WithPresence(p)
	ctx := context.Background()

	if _, err := o.Sync(ctx, "u1", baseRequest("dev-a", 0, createChange("c1", characterData("Luna")))); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(p.touched) != 1 {
		t.Fatalf("presence hook invoked %d times, want 1", len(p.touched))
	}
	d := p.touched[0]
	if d.UserID != "u1" || d.DeviceID != "dev-a" || d.DeviceType != model.DeviceTypeIOS {
		t.Fatalf("presence payload wrong: %+v", d)
	}
}

// 保留期裁剪之后设备带着旧游标回来：返回的游标不能低于已经发过的。
func TestSyncStaleCursorResubmitAfterPrune(t *testing.T) {
	db := store.NewMemDB()
	o := newTestOrch(db, nil)
	ctx := context.Background()

	r1, err := o.Sync(ctx, "u1", baseRequest("dev-a", 0,
		createChange("c1", characterData("Luna")),
		createChange("c2", characterData("Milo")),
		createChange("c3", characterData("Nova")),
	))
	if err != nil || r1.SyncCursor != 3 {
		t.Fatalf("setup sync: err=%v cursor=%d", err, r1.SyncCursor)
	}

	// 台账整体被裁掉，旧游标再也抬不回来
	if _, err := db.PruneDeltas(ctx, "u1", time.Now().Add(time.Hour), 3); err != nil {
		t.Fatalf("prune: %v", err)
	}

	r2, err := o.Sync(ctx, "u1", baseRequest("dev-a", 1))
	if err != nil {
		t.Fatalf("resubmit sync: %v", err)
	}
	if r2.SyncCursor < r1.SyncCursor {
		t.Fatalf("cursor regressed after prune: %d < %d", r2.SyncCursor, r1.SyncCursor)
	}
}
