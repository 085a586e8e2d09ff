package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/lostfound/internal/livesync"
	"github.com/vyrodovalexey/lostfound/internal/model"
	"github.com/vyrodovalexey/lostfound/internal/view"
)

func newTestRouter(source LiveCollection) *mux.Router {
	router := mux.NewRouter()
	NewRESTHandler(source, nil, Settings{}, zap.NewNop()).RegisterRoutes(router)
	return router
}

func serve(router http.Handler, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func decodeData[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()

	var response model.APIResponse[T]
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !response.Success {
		t.Error("Expected success to be true")
	}
	return response.Data
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) model.ErrorResponse {
	t.Helper()

	var response model.ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode error response: %v", err)
	}
	return response
}

func TestNewRESTHandler(t *testing.T) {
	// Arrange
	source := newMockCollection()
	logger := zap.NewNop()

	// Act
	handler := NewRESTHandler(source, nil, Settings{}, logger)

	// Assert
	if handler == nil {
		t.Fatal("NewRESTHandler() returned nil")
	}
	if handler.pipeline == nil {
		t.Error("pipeline should default to a new pipeline")
	}
	if handler.settings.Location != time.UTC {
		t.Errorf("Location = %v, want UTC", handler.settings.Location)
	}
	if handler.settings.SimilarRadiusKm != 0.5 {
		t.Errorf("SimilarRadiusKm = %v, want 0.5", handler.settings.SimilarRadiusKm)
	}
	if handler.settings.SimilarLimit != 3 {
		t.Errorf("SimilarLimit = %d, want 3", handler.settings.SimilarLimit)
	}
}

func TestRESTHandler_HealthCheck(t *testing.T) {
	// Arrange
	router := newTestRouter(newMockCollection())

	// Act
	rr := serve(router, http.MethodGet, "/health")

	// Assert
	if rr.Code != http.StatusOK {
		t.Errorf("Status = %d, want %d", rr.Code, http.StatusOK)
	}

	health := decodeData[HealthResponse](t, rr)
	if health.Status != "healthy" {
		t.Errorf("Status = %q, want %q", health.Status, "healthy")
	}
	if health.Version != Version {
		t.Errorf("Version = %q, want %q", health.Version, Version)
	}
}

func TestRESTHandler_ReadyCheck(t *testing.T) {
	tests := []struct {
		name       string
		snap       livesync.Snapshot
		wantStatus int
		wantState  string
		wantError  string
		wantItems  int
	}{
		{
			name:       "initial load in flight",
			snap:       livesync.Snapshot{Loading: true},
			wantStatus: http.StatusServiceUnavailable,
			wantState:  "loading",
		},
		{
			name: "loaded",
			snap: livesync.Snapshot{
				Items:    []model.Item{testItem("1", "Keys", model.CategoryOther, model.StatusPending, testTime)},
				LoadedAt: testTime,
			},
			wantStatus: http.StatusOK,
			wantState:  "ready",
			wantItems:  1,
		},
		{
			name:       "load failed",
			snap:       livesync.Snapshot{Err: errors.New("failed to load items: timeout"), LoadedAt: testTime},
			wantStatus: http.StatusOK,
			wantState:  "ready",
			wantError:  "failed to load items: timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			source := newMockCollection()
			source.snap = tt.snap
			router := newTestRouter(source)

			// Act
			rr := serve(router, http.MethodGet, "/ready")

			// Assert
			if rr.Code != tt.wantStatus {
				t.Errorf("Status = %d, want %d", rr.Code, tt.wantStatus)
			}

			ready := decodeData[ReadyResponse](t, rr)
			if ready.Status != tt.wantState {
				t.Errorf("Status = %q, want %q", ready.Status, tt.wantState)
			}
			if ready.Error != tt.wantError {
				t.Errorf("Error = %q, want %q", ready.Error, tt.wantError)
			}
			if ready.Items != tt.wantItems {
				t.Errorf("Items = %d, want %d", ready.Items, tt.wantItems)
			}
		})
	}
}

func TestRESTHandler_ListItems(t *testing.T) {
	source := newMockCollection(
		testItem("3", "Calculator", model.CategoryElectronics, model.StatusPending, testTime.Add(2*time.Hour)),
		testItem("2", "Blue Wallet", model.CategoryAccessories, model.StatusFound, testTime.Add(time.Hour)),
		testItem("1", "Black Wallet", model.CategoryAccessories, model.StatusPending, testTime),
	)

	tests := []struct {
		name      string
		target    string
		wantIDs   []string
		wantEmpty bool
	}{
		{
			name:    "no criteria",
			target:  "/api/v1/items",
			wantIDs: []string{"3", "2", "1"},
		},
		{
			name:    "misspelled query",
			target:  "/api/v1/items?q=waalet",
			wantIDs: []string{"2", "1"},
		},
		{
			name:    "category filter",
			target:  "/api/v1/items?category=accessories&status=found",
			wantIDs: []string{"2"},
		},
		{
			name:    "oldest first",
			target:  "/api/v1/items?q=wallet&sort=oldest",
			wantIDs: []string{"1", "2"},
		},
		{
			name:      "start date",
			target:    "/api/v1/items?start=2024-01-11",
			wantIDs:   []string{},
			wantEmpty: true,
		},
		{
			name:      "no matches",
			target:    "/api/v1/items?category=books",
			wantIDs:   []string{},
			wantEmpty: true,
		},
	}

	router := newTestRouter(source)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Act
			rr := serve(router, http.MethodGet, tt.target)

			// Assert
			if rr.Code != http.StatusOK {
				t.Fatalf("Status = %d, want %d; body: %s", rr.Code, http.StatusOK, rr.Body.String())
			}

			v := decodeData[view.View](t, rr)
			if len(v.Items) != len(tt.wantIDs) {
				t.Fatalf("len(Items) = %d, want %d", len(v.Items), len(tt.wantIDs))
			}
			for i, id := range tt.wantIDs {
				if v.Items[i].ID != id {
					t.Errorf("Items[%d].ID = %q, want %q", i, v.Items[i].ID, id)
				}
			}
			if v.Total != len(tt.wantIDs) {
				t.Errorf("Total = %d, want %d", v.Total, len(tt.wantIDs))
			}
			if v.Empty != tt.wantEmpty {
				t.Errorf("Empty = %v, want %v", v.Empty, tt.wantEmpty)
			}
			if v.Version != 1 {
				t.Errorf("Version = %d, want 1", v.Version)
			}
		})
	}
}

func TestRESTHandler_ListItems_LoadError(t *testing.T) {
	// Arrange
	source := newMockCollection()
	source.snap.Err = errors.New("failed to load items: backend returned status 401")
	router := newTestRouter(source)

	// Act
	rr := serve(router, http.MethodGet, "/api/v1/items")

	// Assert
	if rr.Code != http.StatusOK {
		t.Errorf("Status = %d, want %d", rr.Code, http.StatusOK)
	}

	v := decodeData[view.View](t, rr)
	if v.Error == "" {
		t.Error("Expected the load error to be reported")
	}
	if v.Empty {
		t.Error("A failed load must not be reported as empty")
	}
}

func TestRESTHandler_ListItems_InvalidCriteria(t *testing.T) {
	tests := []struct {
		name   string
		target string
	}{
		{"bad start date", "/api/v1/items?start=10-01-2024"},
		{"bad end date", "/api/v1/items?end=tomorrow"},
		{"bad sort", "/api/v1/items?sort=relevance"},
	}

	router := newTestRouter(newMockCollection())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(router, http.MethodGet, tt.target)

			if rr.Code != http.StatusBadRequest {
				t.Errorf("Status = %d, want %d", rr.Code, http.StatusBadRequest)
			}
			if resp := decodeError(t, rr); resp.Code != http.StatusBadRequest {
				t.Errorf("Code = %d, want %d", resp.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestRESTHandler_GetItem(t *testing.T) {
	source := newMockCollection(testItem("1", "Black Wallet", model.CategoryAccessories, model.StatusPending, testTime))
	router := newTestRouter(source)

	t.Run("found", func(t *testing.T) {
		rr := serve(router, http.MethodGet, "/api/v1/items/1")

		if rr.Code != http.StatusOK {
			t.Fatalf("Status = %d, want %d", rr.Code, http.StatusOK)
		}
		item := decodeData[model.Item](t, rr)
		if item.Name != "Black Wallet" {
			t.Errorf("Name = %q, want %q", item.Name, "Black Wallet")
		}
	})

	t.Run("not found", func(t *testing.T) {
		rr := serve(router, http.MethodGet, "/api/v1/items/99")

		if rr.Code != http.StatusNotFound {
			t.Fatalf("Status = %d, want %d", rr.Code, http.StatusNotFound)
		}
		if resp := decodeError(t, rr); resp.Message != "item not found" {
			t.Errorf("Message = %q, want %q", resp.Message, "item not found")
		}
	})
}

func TestRESTHandler_SimilarItems(t *testing.T) {
	near := func(id string, dLat float64) model.Item {
		item := testItem(id, "Phone "+id, model.CategoryElectronics, model.StatusPending, testTime)
		item.Latitude += dLat
		return item
	}

	source := newMockCollection(
		near("target", 0),
		near("a", 0.001),
		near("b", 0.002),
		near("far", 0.05),
		near("c", -0.001),
		near("d", -0.002),
		testItem("book", "Notebook", model.CategoryBooks, model.StatusPending, testTime),
	)
	router := newTestRouter(source)

	tests := []struct {
		name       string
		target     string
		wantStatus int
		wantIDs    []string
	}{
		{"defaults", "/api/v1/items/target/similar", http.StatusOK, []string{"a", "b", "c"}},
		{"custom limit", "/api/v1/items/target/similar?limit=1", http.StatusOK, []string{"a"}},
		{"zero limit", "/api/v1/items/target/similar?limit=0", http.StatusOK, []string{}},
		{"wide radius", "/api/v1/items/target/similar?radius_km=10&limit=10", http.StatusOK,
			[]string{"a", "b", "far", "c", "d"}},
		{"bad radius", "/api/v1/items/target/similar?radius_km=-1", http.StatusBadRequest, nil},
		{"bad limit", "/api/v1/items/target/similar?limit=many", http.StatusBadRequest, nil},
		{"unknown target", "/api/v1/items/nope/similar", http.StatusNotFound, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(router, http.MethodGet, tt.target)

			if rr.Code != tt.wantStatus {
				t.Fatalf("Status = %d, want %d; body: %s", rr.Code, tt.wantStatus, rr.Body.String())
			}
			if tt.wantIDs == nil {
				return
			}

			items := decodeData[[]model.Item](t, rr)
			if len(items) != len(tt.wantIDs) {
				t.Fatalf("len(items) = %d, want %d", len(items), len(tt.wantIDs))
			}
			for i, id := range tt.wantIDs {
				if items[i].ID != id {
					t.Errorf("items[%d].ID = %q, want %q", i, items[i].ID, id)
				}
			}
		})
	}
}

func TestRESTHandler_ReloadItems(t *testing.T) {
	// Arrange
	source := newMockCollection()
	router := newTestRouter(source)

	// Act
	rr := serve(router, http.MethodPost, "/api/v1/items/reload")

	// Assert
	if rr.Code != http.StatusAccepted {
		t.Errorf("Status = %d, want %d", rr.Code, http.StatusAccepted)
	}
	if source.reloadCount() != 1 {
		t.Errorf("reloads = %d, want 1", source.reloadCount())
	}
	if resp := decodeData[ReloadResponse](t, rr); resp.Status != "reload scheduled" {
		t.Errorf("Status = %q, want %q", resp.Status, "reload scheduled")
	}
}

func TestRESTHandler_RegisterRoutes(t *testing.T) {
	router := newTestRouter(newMockCollection(testItem("1", "Keys", model.CategoryOther, model.StatusPending, testTime)))

	routes := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/health"},
		{http.MethodGet, "/ready"},
		{http.MethodGet, "/api/v1/items"},
		{http.MethodGet, "/api/v1/items/1"},
		{http.MethodGet, "/api/v1/items/1/similar"},
		{http.MethodPost, "/api/v1/items/reload"},
	}

	for _, route := range routes {
		t.Run(route.method+" "+route.path, func(t *testing.T) {
			rr := serve(router, route.method, route.path)

			if rr.Code == http.StatusNotFound || rr.Code == http.StatusMethodNotAllowed {
				t.Errorf("Route %s %s not registered, got %d", route.method, route.path, rr.Code)
			}
		})
	}

	if rr := serve(router, http.MethodDelete, "/api/v1/items/1"); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("DELETE /api/v1/items/1 status = %d, want %d", rr.Code, http.StatusMethodNotAllowed)
	}
}

func TestRESTHandler_ContentType(t *testing.T) {
	router := newTestRouter(newMockCollection())

	rr := serve(router, http.MethodGet, "/api/v1/items")

	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}
}
