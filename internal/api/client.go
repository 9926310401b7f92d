package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"rs_viewer/native/internal/domain"
	"rs_viewer/native/internal/signal"
)

type startRequest struct {
	Configs      []domain.StreamConfig `json:"configs"`
	AlignTo      *string               `json:"align_to"`
	ApplyFilters bool                  `json:"apply_filters"`
}

type optionRequest struct {
	Value float64 `json:"value"`
}

// Client calls the backend's device REST API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a device API client. A nil httpClient uses http.DefaultClient.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

// ListDevices returns the connected devices.
func (c *Client) ListDevices(ctx context.Context) ([]domain.Device, error) {
	var devices []domain.Device
	if err := c.do(ctx, "list devices", http.MethodGet, "/api/devices/", nil, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// ListSensors returns the sensors of deviceID with their stream profiles.
func (c *Client) ListSensors(ctx context.Context, deviceID string) ([]domain.Sensor, error) {
	var sensors []domain.Sensor
	if err := c.do(ctx, "list sensors", http.MethodGet, devicePath(deviceID, "sensors/"), nil, &sensors); err != nil {
		return nil, err
	}
	return sensors, nil
}

// ListOptions returns the adjustable options of one sensor.
func (c *Client) ListOptions(ctx context.Context, deviceID, sensorID string) ([]domain.SensorOption, error) {
	var opts []domain.SensorOption
	path := devicePath(deviceID, "sensors", url.PathEscape(sensorID), "options/")
	if err := c.do(ctx, "list options", http.MethodGet, path, nil, &opts); err != nil {
		return nil, err
	}
	return opts, nil
}

// SetOption changes one sensor option.
func (c *Client) SetOption(ctx context.Context, deviceID, sensorID string, optionID domain.OptionID, value float64) error {
	path := devicePath(deviceID, "sensors", url.PathEscape(sensorID), "options", url.PathEscape(string(optionID)))
	if err := c.do(ctx, "set option", http.MethodPut, path, optionRequest{Value: value}, nil); err != nil {
		return err
	}
	log.Info().Str("module", "api").Str("device", deviceID).Str("option", string(optionID)).Float64("value", value).Msg("option set")
	return nil
}

// StartStream starts the given stream configurations on deviceID.
func (c *Client) StartStream(ctx context.Context, deviceID string, configs []domain.StreamConfig) error {
	if len(configs) == 0 {
		return fmt.Errorf("start stream: no stream configs")
	}
	req := startRequest{Configs: configs}
	if err := c.do(ctx, "start stream", http.MethodPost, devicePath(deviceID, "stream", "start"), req, nil); err != nil {
		return err
	}
	types := make([]string, len(configs))
	for i, cfg := range configs {
		types[i] = cfg.StreamType
	}
	log.Info().Str("module", "api").Str("device", deviceID).Strs("streams", types).Msg("streams started")
	return nil
}

// StopStream stops every stream of deviceID.
func (c *Client) StopStream(ctx context.Context, deviceID string) error {
	if err := c.do(ctx, "stop stream", http.MethodPost, devicePath(deviceID, "stream", "stop"), nil, nil); err != nil {
		return err
	}
	log.Info().Str("module", "api").Str("device", deviceID).Msg("streams stopped")
	return nil
}

// ActivatePointCloud enables point cloud generation on the backend.
func (c *Client) ActivatePointCloud(ctx context.Context, deviceID string) error {
	return c.do(ctx, "activate point cloud", http.MethodPost, devicePath(deviceID, "point_cloud", "activate"), nil, nil)
}

func (c *Client) DeactivatePointCloud(ctx context.Context, deviceID string) error {
	return c.do(ctx, "deactivate point cloud", http.MethodPost, devicePath(deviceID, "point_cloud", "deactivate"), nil, nil)
}

// HardwareReset power-cycles the device. Its streams stop.
func (c *Client) HardwareReset(ctx context.Context, deviceID string) error {
	return c.do(ctx, "hardware reset", http.MethodPost, devicePath(deviceID, "hw_reset"), nil, nil)
}

func devicePath(deviceID string, parts ...string) string {
	return "/api/devices/" + url.PathEscape(deviceID) + "/" + strings.Join(parts, "/")
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: create http request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", op, signal.ErrNetwork, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read response: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &signal.StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%s: unmarshal response: %w", op, err)
	}
	return nil
}
