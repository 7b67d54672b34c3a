package training

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// TestDefaultPlottingServiceConfig tests the default configuration
func TestDefaultPlottingServiceConfig(t *testing.T) {
	config := DefaultPlottingServiceConfig()

	if config.BaseURL != "http://localhost:8080" {
		t.Errorf("Expected BaseURL http://localhost:8080, got %s", config.BaseURL)
	}
	if config.Timeout != 30*time.Second {
		t.Errorf("Expected timeout 30s, got %v", config.Timeout)
	}
	if config.RetryAttempts != 3 {
		t.Errorf("Expected retry attempts 3, got %d", config.RetryAttempts)
	}
	if config.RetryDelay != 1*time.Second {
		t.Errorf("Expected retry delay 1s, got %v", config.RetryDelay)
	}
}

// TestNewPlottingService tests plotting service creation
func TestNewPlottingService(t *testing.T) {
	config := PlottingServiceConfig{
		BaseURL:       "http://test:9090/",
		Timeout:       15 * time.Second,
		RetryAttempts: 0,
		RetryDelay:    2 * time.Second,
	}

	ps := NewPlottingService(config)

	if ps.baseURL != "http://test:9090" {
		t.Errorf("Expected trailing slash trimmed, got %s", ps.baseURL)
	}
	if ps.httpClient.Timeout != config.Timeout {
		t.Errorf("Expected timeout %v, got %v", config.Timeout, ps.httpClient.Timeout)
	}
	if ps.retryAttempts != 1 {
		t.Errorf("Expected at least one attempt, got %d", ps.retryAttempts)
	}
	if ps.IsEnabled() {
		t.Error("Expected service to be disabled by default")
	}
	ps.Enable()
	if !ps.IsEnabled() {
		t.Error("Service should be enabled after Enable()")
	}
	ps.Disable()
	if ps.IsEnabled() {
		t.Error("Service should be disabled after Disable()")
	}
}

func testPlot() PlotData {
	return NewHistoryPlot(History{MetricLoss: {0.9, 0.5}, MetricAccuracy: {0.6, 0.8}}, "test")
}

func newTestService(url string, attempts int) *PlottingService {
	ps := NewPlottingService(PlottingServiceConfig{
		BaseURL:       url,
		Timeout:       5 * time.Second,
		RetryAttempts: attempts,
		RetryDelay:    time.Millisecond,
	})
	ps.Enable()
	return ps
}

func TestSendPlotData(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/plot" {
			t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Expected JSON content type, got %s", ct)
		}
		var pd PlotData
		if err := json.NewDecoder(r.Body).Decode(&pd); err != nil {
			t.Errorf("Failed to decode plot data: %v", err)
		}
		if pd.PlotType != TrainingCurves || len(pd.Series) != 2 {
			t.Errorf("Unexpected plot payload: %s with %d series", pd.PlotType, len(pd.Series))
		}
		json.NewEncoder(w).Encode(PlottingResponse{Success: true, PlotID: "p1", ViewURL: "http://view/p1"})
	}))
	defer server.Close()

	resp, err := newTestService(server.URL, 1).SendPlotData(context.Background(), testPlot())
	if err != nil {
		t.Fatalf("SendPlotData failed: %v", err)
	}
	if !resp.Success || resp.PlotID != "p1" {
		t.Errorf("Unexpected response %+v", resp)
	}
}

func TestSendPlotDataDisabled(t *testing.T) {
	ps := NewPlottingService(DefaultPlottingServiceConfig())
	resp, err := ps.SendPlotData(context.Background(), testPlot())
	if err != nil {
		t.Fatalf("Expected no error when disabled, got %v", err)
	}
	if resp.Success {
		t.Error("Expected unsuccessful response when disabled")
	}
	if err := ps.CheckHealth(context.Background()); err == nil {
		t.Error("Expected health check to fail when disabled")
	}
}

func TestSendPlotDataWithRetry(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(PlottingResponse{Message: "busy"})
			return
		}
		json.NewEncoder(w).Encode(PlottingResponse{Success: true})
	}))
	defer server.Close()

	resp, err := newTestService(server.URL, 3).SendPlotDataWithRetry(context.Background(), testPlot())
	if err != nil {
		t.Fatalf("Expected success on third attempt, got %v", err)
	}
	if !resp.Success {
		t.Error("Expected successful response")
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}

	atomic.StoreInt32(&calls, -10)
	if _, err := newTestService(server.URL, 2).SendPlotDataWithRetry(context.Background(), testPlot()); err == nil {
		t.Error("Expected failure after exhausting retries")
	}
}

func TestCheckHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	if err := newTestService(server.URL, 1).CheckHealth(context.Background()); err != nil {
		t.Errorf("Expected healthy service, got %v", err)
	}
}

func TestBatchSendPlots(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/batch-plot" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		var payload struct {
			Plots []PlotData `json:"plots"`
			Batch bool       `json:"batch"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("Failed to decode batch: %v", err)
		}
		json.NewEncoder(w).Encode(BatchPlottingResponse{
			Success: true,
			Summary: BatchSummary{TotalPlots: len(payload.Plots), Successful: len(payload.Plots)},
		})
	}))
	defer server.Close()

	resp, err := newTestService(server.URL, 1).BatchSendPlots(context.Background(), []PlotData{testPlot(), testPlot()})
	if err != nil {
		t.Fatalf("BatchSendPlots failed: %v", err)
	}
	if resp.Summary.TotalPlots != 2 {
		t.Errorf("Expected 2 plots in summary, got %d", resp.Summary.TotalPlots)
	}
}

func TestPublishSwallowsFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	vc := NewVisualizationCollector("test")
	vc.Enable()
	vc.RecordEpoch(map[string]float64{MetricLoss: 1, MetricAccuracy: 0.5})

	results := newTestService(server.URL, 2).PublishCollector(context.Background(), vc)
	resp, ok := results[TrainingCurves]
	if !ok {
		t.Fatal("Expected a result for the training curves")
	}
	if resp.Success {
		t.Error("Expected a failed delivery")
	}
}
