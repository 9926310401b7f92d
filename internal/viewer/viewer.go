package viewer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"rs_viewer/native/internal/api"
	"rs_viewer/native/internal/binding"
	"rs_viewer/native/internal/domain"
)

// ErrNoDevice is returned by Start when the backend lists no device.
var ErrNoDevice = errors.New("no device connected")

// Devices is the part of the device REST API the viewer drives.
type Devices interface {
	ListDevices(ctx context.Context) ([]domain.Device, error)
	ListSensors(ctx context.Context, deviceID string) ([]domain.Sensor, error)
	StartStream(ctx context.Context, deviceID string, configs []domain.StreamConfig) error
	StopStream(ctx context.Context, deviceID string) error
	ActivatePointCloud(ctx context.Context, deviceID string) error
	DeactivatePointCloud(ctx context.Context, deviceID string) error
	ListOptions(ctx context.Context, deviceID, sensorID string) ([]domain.SensorOption, error)
	SetOption(ctx context.Context, deviceID, sensorID string, optionID domain.OptionID, value float64) error
	HardwareReset(ctx context.Context, deviceID string) error
}

// Session negotiates the media session for a stream order.
type Session interface {
	Connect(ctx context.Context, deviceID string, order domain.StreamOrder,
		onState func(domain.ConnectionState), onTrack func(*binding.Handle)) (string, error)
	Disconnect(ctx context.Context)
	Registry() *binding.Registry
}

// Gate reports when streams publish live metadata.
type Gate interface {
	WaitUntilReady(ctx context.Context, ids []domain.StreamID, timeout, poll time.Duration) bool
}

// Emitter sends events on the metadata channel.
type Emitter interface {
	Emit(event string, payload any) error
}

// SinkFactory creates the sink for one stream.
type SinkFactory func(stream domain.StreamID) (binding.Sink, error)

type Options struct {
	ReadyTimeout time.Duration
	ReadyPoll    time.Duration
	// SettleDelay separates readiness from negotiation so the backend can
	// flush its pipeline buffers.
	SettleDelay time.Duration
	NewSink     SinkFactory
	// Emitter is optional; without it the point cloud toggle skips the
	// renderer notification.
	Emitter Emitter
	OnState func(domain.ConnectionState)
}

// Viewer runs the start -> wait ready -> negotiate -> bind flow for one device.
type Viewer struct {
	devices Devices
	session Session
	gate    Gate
	opts    Options

	mu         sync.Mutex
	deviceID   string
	order      domain.StreamOrder
	negotiated domain.StreamOrder
	sinks      map[domain.StreamID]binding.Sink
	pointCloud bool
}

func New(devices Devices, session Session, gate Gate, opts Options) *Viewer {
	return &Viewer{
		devices: devices,
		session: session,
		gate:    gate,
		opts:    opts,
		sinks:   make(map[domain.StreamID]binding.Sink),
	}
}

// Start starts order on deviceID (the first listed device when empty) and
// negotiates a session for its video streams. It returns the session id, or
// "" when order has no video stream to negotiate.
func (v *Viewer) Start(ctx context.Context, deviceID string, order domain.StreamOrder) (string, error) {
	return v.start(ctx, deviceID, order, nil)
}

func (v *Viewer) start(ctx context.Context, deviceID string, order domain.StreamOrder, overrides []domain.StreamConfig) (string, error) {
	if len(order) == 0 {
		return "", fmt.Errorf("start: empty stream order")
	}
	deviceID, err := v.resolveDevice(ctx, deviceID)
	if err != nil {
		return "", err
	}

	// A request the device cannot serve leaves the running streams alone.
	sensors, err := v.devices.ListSensors(ctx, deviceID)
	if err != nil {
		return "", fmt.Errorf("list sensors: %w", err)
	}
	configs, err := api.BuildStreamConfigs(sensors, order)
	if err != nil {
		return "", err
	}
	if configs, err = api.ApplyOverrides(sensors, configs, overrides); err != nil {
		return "", err
	}

	v.Stop(ctx)
	if err := v.devices.StartStream(ctx, deviceID, configs); err != nil {
		return "", fmt.Errorf("start streams: %w", err)
	}

	// Only video streams are carried over WebRTC.
	var negotiated domain.StreamOrder
	for _, id := range order {
		if domain.IsVideo(id) {
			negotiated = append(negotiated, id)
		}
	}

	v.mu.Lock()
	v.deviceID = deviceID
	v.order = order.Clone()
	v.negotiated = negotiated
	v.mu.Unlock()

	if len(negotiated) == 0 {
		log.Info().Str("module", "viewer").Strs("streams", order.Strings()).Msg("no video streams to negotiate")
		return "", nil
	}

	if err := v.registerSinks(negotiated); err != nil {
		v.stopStreams(ctx, deviceID)
		return "", err
	}

	if !v.gate.WaitUntilReady(ctx, negotiated, v.opts.ReadyTimeout, v.opts.ReadyPoll) {
		log.Warn().Str("module", "viewer").Strs("streams", negotiated.Strings()).Msg("readiness not confirmed, negotiating anyway")
	}
	if v.opts.SettleDelay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(v.opts.SettleDelay):
		}
	}

	sid, err := v.session.Connect(ctx, deviceID, negotiated, v.onState, v.onTrack)
	if err != nil {
		return "", fmt.Errorf("connect: %w", err)
	}
	return sid, nil
}

// Stop disconnects the session, stops the device streams and closes the
// sinks. Safe to call when nothing is running.
func (v *Viewer) Stop(ctx context.Context) {
	v.session.Disconnect(ctx)

	v.mu.Lock()
	deviceID := v.deviceID
	sinks := v.sinks
	v.deviceID, v.order, v.negotiated = "", nil, nil
	v.sinks = make(map[domain.StreamID]binding.Sink)
	v.mu.Unlock()

	reg := v.session.Registry()
	for id, s := range sinks {
		reg.UnregisterSink(id)
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				log.Warn().Err(err).Str("module", "viewer").Str("stream", string(id)).Msg("close sink")
			}
		}
	}
	if deviceID != "" {
		v.stopStreams(ctx, deviceID)
	}
}

// Restart replaces the running stream set. Stream order is fixed per
// session, so a changed set always renegotiates. overrides pick the profile
// of individual streams and must be supported by the device.
func (v *Viewer) Restart(ctx context.Context, order domain.StreamOrder, overrides []domain.StreamConfig) (string, error) {
	v.mu.Lock()
	deviceID := v.deviceID
	v.mu.Unlock()
	return v.start(ctx, deviceID, order, overrides)
}

// SensorOptions lists the options of one sensor of the current device.
func (v *Viewer) SensorOptions(ctx context.Context, sensorID string) ([]domain.SensorOption, error) {
	deviceID, err := v.resolveDevice(ctx, v.currentDevice())
	if err != nil {
		return nil, err
	}
	return v.devices.ListOptions(ctx, deviceID, sensorID)
}

// SetSensorOption changes one option of a sensor of the current device.
func (v *Viewer) SetSensorOption(ctx context.Context, sensorID string, optionID domain.OptionID, value float64) error {
	deviceID, err := v.resolveDevice(ctx, v.currentDevice())
	if err != nil {
		return err
	}
	return v.devices.SetOption(ctx, deviceID, sensorID, optionID, value)
}

// HardwareReset stops the viewer and power-cycles the device. The device
// drops its streams, so the viewer has to be started again afterwards.
func (v *Viewer) HardwareReset(ctx context.Context) (string, error) {
	deviceID, err := v.resolveDevice(ctx, v.currentDevice())
	if err != nil {
		return "", err
	}
	v.Stop(ctx)
	if err := v.devices.HardwareReset(ctx, deviceID); err != nil {
		return "", fmt.Errorf("hardware reset: %w", err)
	}
	log.Info().Str("module", "viewer").Str("device", deviceID).Msg("hardware reset")
	return deviceID, nil
}

func (v *Viewer) currentDevice() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.deviceID
}

// resolveDevice returns deviceID, or the first listed device when it is empty.
func (v *Viewer) resolveDevice(ctx context.Context, deviceID string) (string, error) {
	if deviceID != "" {
		return deviceID, nil
	}
	devices, err := v.devices.ListDevices(ctx)
	if err != nil {
		return "", fmt.Errorf("list devices: %w", err)
	}
	if len(devices) == 0 {
		return "", ErrNoDevice
	}
	log.Info().Str("module", "viewer").Str("device", devices[0].DeviceID).Str("name", devices[0].Name).Msg("using first device")
	return devices[0].DeviceID, nil
}

// SetPointCloud toggles backend point cloud generation and tells the
// renderer through the metadata channel.
func (v *Viewer) SetPointCloud(ctx context.Context, enabled bool) error {
	deviceID := v.currentDevice()
	if deviceID == "" {
		return fmt.Errorf("point cloud: no device started")
	}

	var err error
	if enabled {
		err = v.devices.ActivatePointCloud(ctx, deviceID)
	} else {
		err = v.devices.DeactivatePointCloud(ctx, deviceID)
	}
	if err != nil {
		return fmt.Errorf("point cloud: %w", err)
	}
	if v.opts.Emitter != nil {
		if err := v.opts.Emitter.Emit("toggle_3d", map[string]any{"device_id": deviceID, "enabled": enabled}); err != nil {
			log.Warn().Err(err).Str("module", "viewer").Msg("toggle_3d not sent")
		}
	}

	v.mu.Lock()
	v.pointCloud = enabled
	v.mu.Unlock()
	return nil
}

// Status describes what the viewer is running.
type Status struct {
	DeviceID   string   `json:"device_id"`
	Streams    []string `json:"streams"`
	Negotiated []string `json:"negotiated"`
	PointCloud bool     `json:"point_cloud"`
}

func (v *Viewer) Status() Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	return Status{
		DeviceID:   v.deviceID,
		Streams:    v.order.Strings(),
		Negotiated: v.negotiated.Strings(),
		PointCloud: v.pointCloud,
	}
}

func (v *Viewer) registerSinks(order domain.StreamOrder) error {
	if v.opts.NewSink == nil {
		return nil
	}
	reg := v.session.Registry()
	for _, id := range order {
		s, err := v.opts.NewSink(id)
		if err != nil {
			return fmt.Errorf("create sink for %s: %w", id, err)
		}
		v.mu.Lock()
		v.sinks[id] = s
		v.mu.Unlock()
		reg.RegisterSink(id, s)
	}
	return nil
}

func (v *Viewer) stopStreams(ctx context.Context, deviceID string) {
	if err := v.devices.StopStream(context.WithoutCancel(ctx), deviceID); err != nil {
		log.Warn().Err(err).Str("module", "viewer").Str("device", deviceID).Msg("stop streams")
	}
}

func (v *Viewer) onState(st domain.ConnectionState) {
	log.Info().Str("module", "viewer").Str("state", string(st)).Msg("connection state")
	if v.opts.OnState != nil {
		v.opts.OnState(st)
	}
}

func (v *Viewer) onTrack(h *binding.Handle) {
	log.Info().
		Str("module", "viewer").
		Str("stream", string(h.Stream)).
		Int("position", h.Position).
		Str("codec", h.Track().Codec()).
		Bool("fallback", h.Fallback).
		Msg("stream live")
}
