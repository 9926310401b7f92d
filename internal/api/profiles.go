package api

import (
	"errors"
	"fmt"
	"slices"

	"rs_viewer/native/internal/domain"
)

// Preferred settings, used when the device supports them.
var (
	preferredFormat = map[domain.StreamID]string{
		"color":      "rgb8",
		"infrared-1": "y8",
		"infrared-2": "y8",
		"depth":      "z16",
		"gyro":       "motion_xyz32f",
		"accel":      "motion_xyz32f",
	}
	preferredFPS = map[domain.StreamID]int{
		"gyro":  200,
		"accel": 63,
	}
	preferredResolution = domain.Resolution{Width: 1280, Height: 720}
)

const preferredVideoFPS = 30

// ErrUnsupportedProfile is returned when a requested stream profile is not
// advertised by the device.
var ErrUnsupportedProfile = errors.New("unsupported stream profile")

// BuildStreamConfigs picks a supported profile for every stream of order,
// preferring the usual defaults. It fails when a stream has no sensor.
func BuildStreamConfigs(sensors []domain.Sensor, order domain.StreamOrder) ([]domain.StreamConfig, error) {
	configs := make([]domain.StreamConfig, 0, len(order))
	for _, id := range order {
		sensor, profile, ok := findProfile(sensors, id)
		if !ok {
			return nil, fmt.Errorf("no sensor supports stream %q", id)
		}
		configs = append(configs, domain.StreamConfig{
			StreamType: string(id),
			Format:     pick(profile.AllFormats(), preferredFormat[id]),
			Resolution: pickResolution(profile.Resolutions),
			Framerate:  pick(profile.FPS, fpsFor(id)),
			SensorID:   sensor.SensorID,
			Enable:     true,
		})
	}
	return configs, nil
}

// ProfileSupported reports whether cfg names a format, resolution and frame
// rate its sensor advertises. Empty lists in a profile accept anything.
func ProfileSupported(sensors []domain.Sensor, cfg domain.StreamConfig) bool {
	id := domain.CanonicalStream(cfg.StreamType)
	for _, s := range sensors {
		if s.SensorID != cfg.SensorID {
			continue
		}
		for _, p := range s.SupportedStreamProfiles {
			if domain.CanonicalStream(p.StreamType) != id {
				continue
			}
			formats := p.AllFormats()
			if len(formats) > 0 && !slices.Contains(formats, cfg.Format) {
				continue
			}
			if len(p.FPS) > 0 && !slices.Contains(p.FPS, cfg.Framerate) {
				continue
			}
			if len(p.Resolutions) > 0 && !slices.ContainsFunc(p.Resolutions, func(r []int) bool {
				return toResolution(r) == cfg.Resolution
			}) {
				continue
			}
			return true
		}
	}
	return false
}

// ApplyOverrides replaces entries of configs with the caller's choice of
// format, resolution and frame rate for the same stream. An override without
// a sensor id inherits the one of the config it replaces. Overrides for
// streams not in configs, or that no sensor supports, are rejected.
func ApplyOverrides(sensors []domain.Sensor, configs, overrides []domain.StreamConfig) ([]domain.StreamConfig, error) {
	out := slices.Clone(configs)
	for _, o := range overrides {
		id := domain.CanonicalStream(o.StreamType)
		i := slices.IndexFunc(out, func(c domain.StreamConfig) bool { return domain.CanonicalStream(c.StreamType) == id })
		if i < 0 {
			return nil, fmt.Errorf("override for %q: stream not requested", id)
		}
		o.StreamType = out[i].StreamType
		if o.SensorID == "" {
			o.SensorID = out[i].SensorID
		}
		o.Enable = true
		if !ProfileSupported(sensors, o) {
			return nil, fmt.Errorf("%w: %s %s %dx%d@%d", ErrUnsupportedProfile,
				id, o.Format, o.Resolution.Width, o.Resolution.Height, o.Framerate)
		}
		out[i] = o
	}
	return out, nil
}

func findProfile(sensors []domain.Sensor, id domain.StreamID) (domain.Sensor, domain.StreamProfile, bool) {
	for _, s := range sensors {
		for _, p := range s.SupportedStreamProfiles {
			if domain.CanonicalStream(p.StreamType) == id {
				return s, p, true
			}
		}
	}
	return domain.Sensor{}, domain.StreamProfile{}, false
}

func fpsFor(id domain.StreamID) int {
	if fps, ok := preferredFPS[id]; ok {
		return fps
	}
	return preferredVideoFPS
}

// pick returns want when offered, else the first offered value.
func pick[T comparable](offered []T, want T) T {
	if len(offered) == 0 || slices.Contains(offered, want) {
		return want
	}
	return offered[0]
}

func pickResolution(offered [][]int) domain.Resolution {
	if len(offered) == 0 {
		// IMU streams carry no frame size
		return domain.Resolution{}
	}
	for _, r := range offered {
		if toResolution(r) == preferredResolution {
			return preferredResolution
		}
	}
	return toResolution(offered[0])
}

func toResolution(r []int) domain.Resolution {
	if len(r) < 2 {
		return domain.Resolution{}
	}
	return domain.Resolution{Width: r[0], Height: r[1]}
}
