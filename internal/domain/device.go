package domain

import (
	"encoding/json"
	"strconv"
)

// Device is one camera as listed by the backend.
type Device struct {
	DeviceID        string `json:"device_id"`
	Name            string `json:"name"`
	SerialNumber    string `json:"serial_number,omitempty"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
	USBType         string `json:"usb_type,omitempty"`
}

// Sensor is a device sensor with the stream profiles it supports.
type Sensor struct {
	SensorID                string          `json:"sensor_id"`
	Name                    string          `json:"name"`
	Type                    string          `json:"type"`
	SupportedStreamProfiles []StreamProfile `json:"supported_stream_profiles"`
}

// StreamProfile lists the formats, resolutions and frame rates of one stream type.
type StreamProfile struct {
	StreamType  string   `json:"stream_type"`
	Format      string   `json:"format,omitempty"`
	Formats     []string `json:"formats,omitempty"`
	Resolutions [][]int  `json:"resolutions,omitempty"`
	FPS         []int    `json:"fps,omitempty"`
}

// AllFormats merges Format and Formats.
func (p StreamProfile) AllFormats() []string {
	if len(p.Formats) > 0 {
		return p.Formats
	}
	if p.Format != "" {
		return []string{p.Format}
	}
	return nil
}

// Resolution is a frame size in pixels. IMU streams use 0x0.
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// StreamConfig is one entry of a stream start request.
type StreamConfig struct {
	StreamType string     `json:"stream_type"`
	Format     string     `json:"format"`
	Resolution Resolution `json:"resolution"`
	Framerate  int        `json:"framerate"`
	SensorID   string     `json:"sensor_id"`
	Enable     bool       `json:"enable"`
}

// OptionID accepts both numeric and string identifiers.
type OptionID string

func (o *OptionID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*o = OptionID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*o = OptionID(n.String())
	return nil
}

// SensorOption is an adjustable sensor setting.
type SensorOption struct {
	OptionID     OptionID `json:"option_id"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	CurrentValue float64  `json:"current_value"`
	DefaultValue *float64 `json:"default_value,omitempty"`
	MinValue     float64  `json:"min_value"`
	MaxValue     float64  `json:"max_value"`
	Step         float64  `json:"step"`
	ReadOnly     bool     `json:"read_only"`
}

// Default returns the option's default value, or 0 when the backend omits it.
func (o SensorOption) Default() float64 {
	if o.DefaultValue == nil {
		return 0
	}
	return *o.DefaultValue
}

func (o SensorOption) String() string {
	return o.Name + "=" + strconv.FormatFloat(o.CurrentValue, 'g', -1, 64)
}
