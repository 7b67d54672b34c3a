package training

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// PlottingService is a client for the sidecar plotting application.
type PlottingService struct {
	baseURL    string
	httpClient *http.Client
	enabled    bool

	retryAttempts int
	retryDelay    time.Duration
}

// PlottingServiceConfig contains configuration for the plotting service
type PlottingServiceConfig struct {
	BaseURL       string        `json:"base_url"`
	Timeout       time.Duration `json:"timeout"`
	RetryAttempts int           `json:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay"`
}

// PlottingResponse represents the response from the plotting service
type PlottingResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	PlotURL   string `json:"plot_url,omitempty"`
	ViewURL   string `json:"view_url,omitempty"`
	PlotID    string `json:"plot_id,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// BatchPlottingResponse represents the response from the batch plotting endpoint
type BatchPlottingResponse struct {
	Success      bool              `json:"success"`
	Message      string            `json:"message"`
	BatchID      string            `json:"batch_id,omitempty"`
	Results      []BatchPlotResult `json:"results,omitempty"`
	DashboardURL string            `json:"dashboard_url,omitempty"`
	Summary      BatchSummary      `json:"summary,omitempty"`
}

// BatchPlotResult represents a single plot result within a batch response
type BatchPlotResult struct {
	Success   bool   `json:"success"`
	PlotID    string `json:"plot_id,omitempty"`
	PlotURL   string `json:"plot_url,omitempty"`
	PlotType  string `json:"plot_type,omitempty"`
	Message   string `json:"message,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// BatchSummary represents the summary of a batch operation
type BatchSummary struct {
	TotalPlots int `json:"total_plots"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// DefaultPlottingServiceConfig returns default configuration for the plotting service
func DefaultPlottingServiceConfig() PlottingServiceConfig {
	return PlottingServiceConfig{
		BaseURL:       "http://localhost:8080",
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    1 * time.Second,
	}
}

// NewPlottingService creates a disabled plotting service client
func NewPlottingService(config PlottingServiceConfig) *PlottingService {
	attempts := config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return &PlottingService{
		baseURL:       strings.TrimRight(config.BaseURL, "/"),
		httpClient:    &http.Client{Timeout: config.Timeout},
		retryAttempts: attempts,
		retryDelay:    config.RetryDelay,
	}
}

// Enable enables the plotting service
func (ps *PlottingService) Enable() {
	ps.enabled = true
}

// Disable disables the plotting service
func (ps *PlottingService) Disable() {
	ps.enabled = false
}

// IsEnabled returns whether the plotting service is enabled
func (ps *PlottingService) IsEnabled() bool {
	return ps.enabled
}

var disabledResponse = PlottingResponse{Success: false, Message: "Plotting service is disabled"}

// postJSON sends payload and decodes the JSON reply into out. A non-200
// status is an error, but out is still filled when the body parses.
func (ps *PlottingService) postJSON(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "failed to marshal plot data")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ps.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to create HTTP request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "firenet-training")

	resp, err := ps.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to send HTTP request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read response body")
	}
	parseErr := json.Unmarshal(respBody, out)

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("HTTP request to %s failed with status %d", path, resp.StatusCode)
	}
	if parseErr != nil {
		return errors.Wrap(parseErr, "failed to parse response JSON")
	}
	return nil
}

// SendPlotData sends plot data to the sidecar plotting service once.
func (ps *PlottingService) SendPlotData(ctx context.Context, plotData PlotData) (*PlottingResponse, error) {
	if !ps.enabled {
		r := disabledResponse
		return &r, nil
	}
	var plotResponse PlottingResponse
	if err := ps.postJSON(ctx, "/api/plot", plotData, &plotResponse); err != nil {
		return &plotResponse, err
	}
	return &plotResponse, nil
}

// SendPlotDataWithRetry sends plot data, retrying failed attempts after the
// configured delay. Context cancellation ends the retries.
func (ps *PlottingService) SendPlotDataWithRetry(ctx context.Context, plotData PlotData) (*PlottingResponse, error) {
	if !ps.enabled {
		r := disabledResponse
		return &r, nil
	}

	var lastErr error
	for attempt := 1; attempt <= ps.retryAttempts; attempt++ {
		resp, err := ps.SendPlotData(ctx, plotData)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		klog.V(1).Infof("plot %s: attempt %d/%d failed: %v", plotData.PlotType, attempt, ps.retryAttempts, err)

		if attempt < ps.retryAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(ps.retryDelay):
			}
		}
	}
	return nil, errors.Wrapf(lastErr, "failed to send plot data after %d attempts", ps.retryAttempts)
}

// CheckHealth checks if the plotting service is available
func (ps *PlottingService) CheckHealth(ctx context.Context) error {
	if !ps.enabled {
		return errors.New("plotting service is disabled")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ps.baseURL+"/health", nil)
	if err != nil {
		return errors.Wrap(err, "failed to create health check request")
	}
	resp, err := ps.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to send health check request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("health check failed with status %d", resp.StatusCode)
	}
	return nil
}

// BatchSendPlots sends multiple plots in a single request
func (ps *PlottingService) BatchSendPlots(ctx context.Context, plotDataList []PlotData) (*BatchPlottingResponse, error) {
	if !ps.enabled {
		return &BatchPlottingResponse{Success: false, Message: disabledResponse.Message}, nil
	}

	payload := map[string]interface{}{
		"plots": plotDataList,
		"batch": true,
	}
	var batchResponse BatchPlottingResponse
	if err := ps.postJSON(ctx, "/api/batch-plot", payload, &batchResponse); err != nil {
		return &batchResponse, err
	}
	return &batchResponse, nil
}

// Publish sends each plot with retries. Failures are logged as warnings and
// never returned: the sidecar is optional.
func (ps *PlottingService) Publish(ctx context.Context, plots ...PlotData) map[PlotType]*PlottingResponse {
	results := make(map[PlotType]*PlottingResponse)
	if !ps.enabled {
		return results
	}

	for _, pd := range plots {
		if len(pd.Series) == 0 {
			continue
		}
		resp, err := ps.SendPlotDataWithRetry(ctx, pd)
		if err != nil {
			klog.Warningf("Plotting service: %s not delivered: %v", pd.PlotType, err)
			results[pd.PlotType] = &PlottingResponse{Success: false, Message: err.Error()}
			continue
		}
		if resp.ViewURL != "" {
			klog.Infof("Plotting service: %s available at %s", pd.PlotType, resp.ViewURL)
		}
		results[pd.PlotType] = resp
	}
	return results
}

// PublishCollector sends every plot the collector has data for.
func (ps *PlottingService) PublishCollector(ctx context.Context, collector *VisualizationCollector) map[PlotType]*PlottingResponse {
	return ps.Publish(ctx, collector.GenerateAll()...)
}
