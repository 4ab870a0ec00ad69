package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"SProject/global"
	"SProject/module/device"
	"SProject/module/sync/model"
	syncsrv "SProject/module/sync/service"
	"SProject/module/sync/store"
	sec "SProject/tools/security"

	"github.com/gin-gonic/gin"
)

func newTestServer() (*gin.Engine, store.DB) {
	gin.SetMode(gin.TestMode)
	db := store.NewMemDB()
	orch := syncsrv.NewOrchestrator(db, nil, syncsrv.DefaultOptions())
	reg := device.NewRegistry(db, time.Minute, false)
	h := NewHandler(orch, reg)

	r := gin.New()
	h.Register(r)
	return r, db
}

func bearerFor(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := sec.Generate(sec.DefaultOptions(global.GetJwtSecret()), userID)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return "Bearer " + token
}

func doJSON(t *testing.T, r *gin.Engine, method, path, auth string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestSyncEndpoint(t *testing.T) {
	r, _ := newTestServer()
	auth := bearerFor(t, "u1")

	body := map[string]any{
		"device_id":        "dev-a",
		"device_type":      model.DeviceTypeIOS,
		"last_sync_cursor": 0,
		"local_changes": []map[string]any{{
			"entity_type": model.EntityTypeCharacter,
			"client_id":   "c1",
			"operation":   model.OpCreate,
			"data":        map[string]any{"name": "Luna"},
			"version":     1,
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
		}},
	}
	w := doJSON(t, r, http.MethodPost, "/api/v1/sync", auth, body)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}

	var env struct {
		Code int `json:"code"`
		Data struct {
			SyncCursor int64 `json:"sync_cursor"`
			SyncStatus struct {
				Successful int `json:"successful"`
			} `json:"sync_status"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if env.Code != 200 || env.Data.SyncStatus.Successful != 1 || env.Data.SyncCursor != 1 {
		t.Fatalf("bad envelope: %s", w.Body.String())
	}
}

func TestSyncEndpointRejectsBadRequest(t *testing.T) {
	r, _ := newTestServer()
	auth := bearerFor(t, "u1")

	// device_type 非法 → 400
	w := doJSON(t, r, http.MethodPost, "/api/v1/sync", auth, map[string]any{
		"device_id":   "dev-a",
		"device_type": "toaster",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("want 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSyncEndpointRequiresAuth(t *testing.T) {
	r, _ := newTestServer()

	w := doJSON(t, r, http.MethodPost, "/api/v1/sync", "", map[string]any{})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("want 401, got %d", w.Code)
	}
	w = doJSON(t, r, http.MethodPost, "/api/v1/sync", "Bearer garbage", map[string]any{})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: want 401, got %d", w.Code)
	}
}

func TestDeviceEndpoints(t *testing.T) {
	r, db := newTestServer()
	auth := bearerFor(t, "u1")

	// 同步一轮把设备登记上
	doJSON(t, r, http.MethodPost, "/api/v1/sync", auth, map[string]any{
		"device_id":   "dev-a",
		"device_type": model.DeviceTypeIOS,
		"device_name": "Dad's iPhone",
	})

	w := doJSON(t, r, http.MethodGet, "/api/v1/sync/devices", auth, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list devices: %d", w.Code)
	}
	var list struct {
		Data struct {
			Devices []model.DevicePresence `json:"devices"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Data.Devices) != 1 || list.Data.Devices[0].DeviceID != "dev-a" {
		t.Fatalf("bad device list: %s", w.Body.String())
	}

	// 注销
	w = doJSON(t, r, http.MethodDelete, "/api/v1/sync/devices/dev-a", auth, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("forget device: %d", w.Code)
	}
	d, _ := db.GetDevice(context.Background(), "u1", "dev-a")
	if d != nil {
		t.Fatalf("device must be gone")
	}
}

func TestConflictsEndpoint(t *testing.T) {
	r, _ := newTestServer()
	auth := bearerFor(t, "u1")

	mk := func(cid string) map[string]any {
		return map[string]any{
			"device_id":        "dev-a",
			"device_type":      model.DeviceTypeIOS,
			"last_sync_cursor": 0,
			"local_changes": []map[string]any{{
				"entity_type": model.EntityTypeCharacter,
				"client_id":   cid,
				"operation":   model.OpCreate,
				"data":        map[string]any{"name": "Luna"},
				"version":     1,
				"timestamp":   time.Now().UTC().Format(time.RFC3339),
			}},
		}
	}
	doJSON(t, r, http.MethodPost, "/api/v1/sync", auth, mk("c1"))
	doJSON(t, r, http.MethodPost, "/api/v1/sync", auth, mk("c1")) // 重复 create → 冲突

	w := doJSON(t, r, http.MethodGet, "/api/v1/sync/conflicts", auth, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list conflicts: %d", w.Code)
	}
	var out struct {
		Data struct {
			Conflicts []model.ConflictLog `json:"conflicts"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Data.Conflicts) != 1 || out.Data.Conflicts[0].Record.ConflictType != model.ConflictConcurrentEdit {
		t.Fatalf("bad conflicts payload: %s", w.Body.String())
	}
}
