//go:build integration

package integration

import (
	"context"
	"fmt"
	"math"
	"net"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/HatiCode/pvsite/pkg/datasources"
	"github.com/HatiCode/pvsite/pkg/models"
	"github.com/HatiCode/pvsite/pkg/rpc"
	"github.com/HatiCode/pvsite/pkg/storage"
)

// forecastTime is the time every site is forecast at.
var forecastTime = time.Date(2024, 6, 4, 12, 0, 0, 0, time.UTC)

// modelPredictor predicts snapshots with a model, like the forecaster does.
type modelPredictor struct {
	model models.Model
}

func (p modelPredictor) PredictAt(ctx context.Context, pvID string, ts time.Time) (storage.Snapshot, error) {
	y, err := models.Predict(ctx, p.model, models.X{PvID: pvID, TS: ts})
	if err != nil {
		return storage.Snapshot{}, err
	}
	return storage.Snapshot{
		PvID:           pvID,
		GeneratedAt:    ts,
		HorizonMinutes: p.model.Config().Horizons.Duration(),
		Powers:         y.Powers,
		Model:          p.model.Name(),
	}, nil
}

// pvSource holds three days of readings every 15 minutes: site a reads 1 kW
// and site b 3 kW.
func pvSource(t *testing.T) *datasources.PvSource {
	t.Helper()
	start := forecastTime.Add(-72 * time.Hour)
	var times []time.Time
	for ts := start; ts.Before(forecastTime); ts = ts.Add(15 * time.Minute) {
		times = append(times, ts)
	}
	a := make([]float64, len(times))
	b := make([]float64, len(times))
	for i := range times {
		a[i], b[i] = 1, 3
	}
	pv, err := datasources.NewPvSourceFromDataset(&datasources.PvDataset{
		IDs:   []string{"a", "b"},
		Times: times,
		Vars:  map[string][][]float64{datasources.VarPower: {a, b}},
	}, datasources.PvSourceOptions{})
	if err != nil {
		t.Fatalf("NewPvSourceFromDataset() error = %v", err)
	}
	return pv
}

// startRedis starts a Redis container and returns its host:port.
func startRedis(t *testing.T, ctx context.Context) string {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("Failed to terminate redis container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get redis host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get redis port: %v", err)
	}
	return fmt.Sprintf("%s:%s", host, port.Port())
}

// TestForecastServingE2E saves a model to Redis, loads it back, stores one
// forecast per site in Redis and reads them through the gRPC API.
func TestForecastServingE2E(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	addr := startRedis(t, ctx)
	pv := pvSource(t)

	// 1. Publish a model to the Redis blob store and load it back
	modelURI := fmt.Sprintf("redis://%s/0/models/current", addr)
	baseline := models.NewYesterdayModel(models.Config{Horizons: models.MustHorizons(30, 4)}, nil, 0)
	if err := models.SaveModel(ctx, baseline, modelURI); err != nil {
		t.Fatalf("SaveModel failed: %v", err)
	}
	model, err := models.LoadModel(ctx, modelURI)
	if err != nil {
		t.Fatalf("LoadModel failed: %v", err)
	}
	setter, ok := model.(models.DataSourceSetter)
	if !ok {
		t.Fatalf("%s model does not take data sources", model.Name())
	}
	if err := setter.SetDataSources(models.DataSources{PV: pv}); err != nil {
		t.Fatalf("SetDataSources failed: %v", err)
	}

	// 2. Run one forecast cycle into the Redis snapshot store
	store, err := storage.NewRedisStore(addr, "", 0, time.Minute)
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	defer store.Close()

	predictor := modelPredictor{model: model}
	for _, id := range pv.ListPvIDs() {
		snap, err := predictor.PredictAt(ctx, id, forecastTime)
		if err != nil {
			t.Fatalf("PredictAt(%s) failed: %v", id, err)
		}
		if err := store.Put(ctx, snap); err != nil {
			t.Fatalf("Put(%s) failed: %v", id, err)
		}
	}

	// 3. Serve the gRPC API over TCP
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	srv := rpc.NewServer(rpc.NewService(predictor, store, nil), nil, nil)
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("Failed to connect to forecaster: %v", err)
	}
	defer conn.Close()
	client := rpc.NewForecasterClient(conn)

	t.Run("Health", func(t *testing.T) {
		resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: rpc.ServiceName})
		if err != nil {
			t.Fatalf("Health check failed: %v", err)
		}
		if resp.Status != grpc_health_v1.HealthCheckResponse_SERVING {
			t.Errorf("Expected SERVING, got %s", resp.Status)
		}
	})

	t.Run("GetCurrent", func(t *testing.T) {
		tests := []struct {
			pvID string
			want float64
		}{
			{"a", 1},
			{"b", 3},
		}
		for _, tt := range tests {
			snap, err := client.GetCurrent(ctx, tt.pvID)
			if err != nil {
				t.Fatalf("GetCurrent(%s) failed: %v", tt.pvID, err)
			}
			if snap.Model != "yesterday" || snap.HorizonMinutes != 30 || !snap.GeneratedAt.Equal(forecastTime) {
				t.Errorf("GetCurrent(%s) = %+v", tt.pvID, snap)
			}
			if len(snap.Powers) != 4 {
				t.Fatalf("Expected 4 horizons, got %d", len(snap.Powers))
			}
			for i, p := range snap.Powers {
				if math.Abs(p-tt.want) > 1e-9 {
					t.Errorf("%s power[%d] = %v, want %v", tt.pvID, i, p, tt.want)
				}
			}
		}
	})

	t.Run("Predict", func(t *testing.T) {
		ts := forecastTime.Add(-2 * time.Hour)
		snap, err := client.Predict(ctx, "b", ts)
		if err != nil {
			t.Fatalf("Predict failed: %v", err)
		}
		if !snap.GeneratedAt.Equal(ts) || snap.Powers[0] != 3 {
			t.Errorf("Predict() = %+v", snap)
		}
	})

	t.Run("UnknownSite", func(t *testing.T) {
		_, err := client.Predict(ctx, "unknown", forecastTime)
		if status.Code(err) != codes.NotFound {
			t.Errorf("Expected NotFound, got %v", err)
		}
		_, err = client.GetCurrent(ctx, "unknown")
		if status.Code(err) != codes.NotFound {
			t.Errorf("Expected NotFound, got %v", err)
		}
	})
}
