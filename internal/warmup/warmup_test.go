package warmup

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/signaler/engine/models"
)

func TestRunFiresOneRequestPerUniquePath(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	targets := []models.Target{
		{Path: "/", Device: models.DeviceMobile},
		{Path: "/", Device: models.DeviceDesktop},
		{Path: "/about", Device: models.DeviceMobile},
	}

	stats := Run(context.Background(), targets, Config{BaseURL: srv.URL}, 4)

	assert.EqualValues(t, 2, stats.Attempted)
	assert.EqualValues(t, 2, stats.Succeeded)
}

func TestRunRespectsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	targets := []models.Target{{Path: "/", Device: models.DeviceMobile}}
	stats := Run(ctx, targets, Config{BaseURL: "http://127.0.0.1:9"}, 4)

	assert.EqualValues(t, 0, stats.Attempted)
}

func TestRunIgnoresFailures(t *testing.T) {
	targets := []models.Target{{Path: "/missing", Device: models.DeviceMobile}}
	stats := Run(context.Background(), targets, Config{BaseURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond}, 2)

	assert.EqualValues(t, 1, stats.Attempted)
	assert.EqualValues(t, 1, stats.Failed)
}
