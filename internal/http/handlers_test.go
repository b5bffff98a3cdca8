package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/rating"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/rideerr"
	"github.com/example/ride-dispatch/internal/ws"
)

// fakeVerifier maps opaque tokens to identities.
type fakeVerifier map[string]*auth.Identity

func (f fakeVerifier) Verify(token string) (*auth.Identity, error) {
	if id, ok := f[token]; ok {
		return id, nil
	}
	return nil, rideerr.New(rideerr.KindAuthentication, rideerr.CodeInvalidToken, "invalid token")
}

type testServer struct {
	srv     *Server
	tracker *presence.Tracker
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	rides := ride.NewMemoryRepository()
	machine := ride.NewMachine(rides)
	tracker := presence.NewTracker(presence.NewMemoryRepository(), 2*time.Minute, nil)
	registry := ws.NewRegistry(time.Minute, nil, nil)
	stats := rating.NewMemoryStatsRepository()
	orch := dispatch.NewOrchestrator(machine, rides, tracker, registry, stats, dispatch.Config{}, nil)
	ratings := rating.NewAggregator(rides, rating.NewMemoryRepository(), stats, nil)

	verifier := fakeVerifier{
		"client-token": {ID: "c1", Role: models.RoleClient},
		"driver-token": {ID: "d1", Role: models.RoleDriver, VehicleType: models.VehicleSedan},
	}
	srv := NewServer(orch, ratings, tracker, registry, verifier, config.ServerConfig{}, nil)
	return &testServer{srv: srv, tracker: tracker}
}

func (ts *testServer) addDriver(t *testing.T, id string, vehicle models.VehicleType) {
	t.Helper()
	ctx := context.Background()
	if err := ts.tracker.MarkOnline(ctx, id, vehicle); err != nil {
		t.Fatalf("mark online: %v", err)
	}
	if _, err := ts.tracker.UpdateLocation(ctx, id, 41.30, 69.24, 0); err != nil {
		t.Fatalf("update location: %v", err)
	}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, req)
	return rec
}

func decodeRide(t *testing.T, rec *httptest.ResponseRecorder) *models.Ride {
	t.Helper()
	var r models.Ride
	if err := json.NewDecoder(rec.Body).Decode(&r); err != nil {
		t.Fatalf("decode ride: %v", err)
	}
	return &r
}

func rideBody() models.RideSpec {
	return models.RideSpec{
		RideType:       models.ServiceGo,
		Pickup:         models.Coord{Lat: 41.30, Lng: 69.24},
		Destination:    models.Coord{Lat: 41.32, Lng: 69.28},
		EstimatedPrice: 10,
	}
}

func TestMissingBearerToken(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/v1/rides", "", rideBody())
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestRequestRideEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.addDriver(t, "d1", models.VehicleSedan)

	rec := ts.do(t, http.MethodPost, "/api/v1/rides", "client-token", rideBody())
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	r := decodeRide(t, rec)
	if r.Status != models.StatusPending || r.ClientID != "c1" {
		t.Fatalf("ride = %+v", r)
	}

	// drivers cannot request rides
	rec = ts.do(t, http.MethodPost, "/api/v1/rides", "driver-token", rideBody())
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestRequestRideNoDriversReturns404(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/v1/rides", "client-token", rideBody())
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var resp errorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Error.Code != rideerr.CodeNoDriversAvailable {
		t.Fatalf("code = %s", resp.Error.Code)
	}
}

func TestAcceptAndConflict(t *testing.T) {
	ts := newTestServer(t)
	ts.addDriver(t, "d1", models.VehicleSedan)

	rec := ts.do(t, http.MethodPost, "/api/v1/rides", "client-token", rideBody())
	r := decodeRide(t, rec)

	rec = ts.do(t, http.MethodPost, "/api/v1/rides/"+r.ID+"/accept", "driver-token", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("accept status = %d body=%s", rec.Code, rec.Body.String())
	}
	accepted := decodeRide(t, rec)
	if accepted.Status != models.StatusAccepted || accepted.DriverID != "d1" {
		t.Fatalf("ride = %+v", accepted)
	}

	// a second accept must surface the state conflict
	rec = ts.do(t, http.MethodPost, "/api/v1/rides/"+r.ID+"/accept", "driver-token", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second accept status = %d, want 409", rec.Code)
	}
}

func TestLifecycleAndRatingOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	ts.addDriver(t, "d1", models.VehicleSedan)

	r := decodeRide(t, ts.do(t, http.MethodPost, "/api/v1/rides", "client-token", rideBody()))
	for _, step := range []string{"accept", "arrive", "start"} {
		rec := ts.do(t, http.MethodPost, "/api/v1/rides/"+r.ID+"/"+step, "driver-token", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d body=%s", step, rec.Code, rec.Body.String())
		}
	}
	rec := ts.do(t, http.MethodPost, "/api/v1/rides/"+r.ID+"/complete", "driver-token", map[string]any{"final_price": 14.5})
	if rec.Code != http.StatusOK {
		t.Fatalf("complete status = %d body=%s", rec.Code, rec.Body.String())
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/rides/"+r.ID+"/rating", "client-token", map[string]any{"rating": 5, "comment": "smooth"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("rating status = %d body=%s", rec.Code, rec.Body.String())
	}
	rec = ts.do(t, http.MethodPost, "/api/v1/rides/"+r.ID+"/rating", "client-token", map[string]any{"rating": 2})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate rating status = %d, want 409", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/drivers/d1/stats", "client-token", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}
	var stats models.DriverStats
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Rating != 5 || stats.CompletedRides != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestCurrentAndHistory(t *testing.T) {
	ts := newTestServer(t)
	ts.addDriver(t, "d1", models.VehicleSedan)

	rec := ts.do(t, http.MethodGet, "/api/v1/rides/current", "client-token", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("current with no ride = %d, want 404", rec.Code)
	}

	r := decodeRide(t, ts.do(t, http.MethodPost, "/api/v1/rides", "client-token", rideBody()))
	rec = ts.do(t, http.MethodGet, "/api/v1/rides/current", "client-token", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("current status = %d", rec.Code)
	}
	if got := decodeRide(t, rec); got.ID != r.ID {
		t.Fatalf("current ride = %s, want %s", got.ID, r.ID)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/rides/history?status=pending", "client-token", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history status = %d", rec.Code)
	}
	var resp struct {
		Rides []*models.Ride `json:"rides"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(resp.Rides) != 1 || resp.Rides[0].ID != r.ID {
		t.Fatalf("history = %+v", resp.Rides)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/rides/history?status=teleporting", "client-token", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad status filter = %d, want 400", rec.Code)
	}
}

func TestNearbyDriversEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.addDriver(t, "d1", models.VehicleSedan)

	rec := ts.do(t, http.MethodGet, "/api/v1/drivers/nearby?latitude=41.30&longitude=69.24", "client-token", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("nearby status = %d body=%s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Drivers []dispatch.NearbyDriver `json:"drivers"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode nearby: %v", err)
	}
	if len(resp.Drivers) != 1 || resp.Drivers[0].DriverID != "d1" {
		t.Fatalf("nearby = %+v", resp.Drivers)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/drivers/nearby", "client-token", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing coords status = %d, want 400", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
}
