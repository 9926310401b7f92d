package diag

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"rs_viewer/native/internal/api"
	"rs_viewer/native/internal/binding"
	"rs_viewer/native/internal/domain"
	"rs_viewer/native/internal/session"
	"rs_viewer/native/internal/signal"
	"rs_viewer/native/internal/sink"
	"rs_viewer/native/internal/viewer"
)

// Session is the read side of session.Session.
type Session interface {
	State() domain.ConnectionState
	SessionID() string
	StreamOrder() domain.StreamOrder
	Bindings() []session.Binding
	Fallbacks() int
	Registry() *binding.Registry
}

// Viewer is the control side of viewer.Viewer.
type Viewer interface {
	Status() viewer.Status
	Restart(ctx context.Context, order domain.StreamOrder, overrides []domain.StreamConfig) (string, error)
	SetPointCloud(ctx context.Context, enabled bool) error
	SensorOptions(ctx context.Context, sensorID string) ([]domain.SensorOption, error)
	SetSensorOption(ctx context.Context, sensorID string, optionID domain.OptionID, value float64) error
	HardwareReset(ctx context.Context) (string, error)
}

// MetadataStore holds the latest metadata push.
type MetadataStore interface {
	domain.MetadataSource
	Updated() (time.Time, uint64)
}

// Channel is the connection side of metadata.Client.
type Channel interface {
	Connected() bool
	Endpoint() string
}

// SessionInfoFunc fetches the backend's view of a session.
type SessionInfoFunc func(ctx context.Context, sessionID string) (map[string]any, error)

type Deps struct {
	Session     Session
	Viewer      Viewer
	Metadata    MetadataStore
	Channel     Channel
	SessionInfo SessionInfoFunc
	Debug       bool
}

type statusResponse struct {
	State     domain.ConnectionState `json:"state"`
	SessionID string                 `json:"session_id"`
	Order     []string               `json:"stream_order"`
	Fallbacks int                    `json:"fallbacks"`
	Live      []domain.StreamID      `json:"live_streams"`
	Viewer    *viewer.Status         `json:"viewer,omitempty"`
	Metadata  *metadataStatus        `json:"metadata,omitempty"`
}

type metadataStatus struct {
	Endpoint   string     `json:"endpoint,omitempty"`
	Connected  bool       `json:"connected"`
	Updates    uint64     `json:"updates"`
	LastUpdate *time.Time `json:"last_update"`
}

type bindingResponse struct {
	session.Binding
	Packets uint64      `json:"packets"`
	Bytes   uint64      `json:"bytes"`
	Sink    *sink.Stats `json:"sink,omitempty"`
}

type restartRequest struct {
	Streams []string              `json:"streams"`
	Configs []domain.StreamConfig `json:"configs"`
}

type optionRequest struct {
	Value *float64 `json:"value"`
}

type pointCloudRequest struct {
	Enabled *bool `json:"enabled"`
}

// SetupRouter builds the diagnostics API.
func SetupRouter(d Deps) *gin.Engine {
	if !d.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/status", func(c *gin.Context) {
		resp := statusResponse{
			State:     d.Session.State(),
			SessionID: d.Session.SessionID(),
			Order:     d.Session.StreamOrder().Strings(),
			Fallbacks: d.Session.Fallbacks(),
			Live:      d.Session.Registry().Streams(),
		}
		if d.Viewer != nil {
			st := d.Viewer.Status()
			resp.Viewer = &st
		}
		if d.Metadata != nil || d.Channel != nil {
			ms := &metadataStatus{}
			if d.Channel != nil {
				ms.Endpoint, ms.Connected = d.Channel.Endpoint(), d.Channel.Connected()
			}
			if d.Metadata != nil {
				at, n := d.Metadata.Updated()
				ms.Updates = n
				if n > 0 {
					ms.LastUpdate = &at
				}
			}
			resp.Metadata = ms
		}
		c.JSON(http.StatusOK, resp)
	})

	r.GET("/bindings", func(c *gin.Context) {
		reg := d.Session.Registry()
		out := make([]bindingResponse, 0)
		for _, b := range d.Session.Bindings() {
			br := bindingResponse{Binding: b}
			if h, ok := reg.Handle(b.Stream); ok && h.Track().ID() == b.TrackID {
				br.Packets, br.Bytes = h.Stats()
			}
			if s, ok := reg.Sink(b.Stream); ok {
				if rep, ok := s.(sink.Reporter); ok {
					st := rep.Stats()
					br.Sink = &st
				}
			}
			out = append(out, br)
		}
		c.JSON(http.StatusOK, out)
	})

	r.GET("/metadata", func(c *gin.Context) {
		if d.Metadata == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "metadata channel disabled"})
			return
		}
		c.JSON(http.StatusOK, d.Metadata.Snapshot())
	})

	r.GET("/session", func(c *gin.Context) {
		sid := d.Session.SessionID()
		if sid == "" {
			c.JSON(http.StatusNotFound, gin.H{"error": "no active session"})
			return
		}
		if d.SessionInfo == nil {
			c.JSON(http.StatusOK, gin.H{"session_id": sid})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		info, err := d.SessionInfo(ctx, sid)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, info)
	})

	if d.Viewer != nil {
		r.POST("/restart", func(c *gin.Context) {
			var req restartRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid streams"})
				return
			}
			ids := make([]string, len(req.Streams))
			for i, s := range req.Streams {
				ids[i] = string(domain.CanonicalStream(s))
			}
			order, err := domain.NewStreamOrder(ids...)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			sid, err := d.Viewer.Restart(c.Request.Context(), order, req.Configs)
			if err != nil {
				c.JSON(errorStatus(err), gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"session_id": sid, "streams": order.Strings()})
		})

		r.POST("/point_cloud", func(c *gin.Context) {
			var req pointCloudRequest
			if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid enabled"})
				return
			}
			if err := d.Viewer.SetPointCloud(c.Request.Context(), *req.Enabled); err != nil {
				c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"enabled": *req.Enabled})
		})

		r.GET("/sensors/:sid/options", func(c *gin.Context) {
			opts, err := d.Viewer.SensorOptions(c.Request.Context(), c.Param("sid"))
			if err != nil {
				c.JSON(errorStatus(err), gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, opts)
		})

		r.PUT("/sensors/:sid/options/:oid", func(c *gin.Context) {
			var req optionRequest
			if err := c.ShouldBindJSON(&req); err != nil || req.Value == nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid value"})
				return
			}
			oid := domain.OptionID(c.Param("oid"))
			if err := d.Viewer.SetSensorOption(c.Request.Context(), c.Param("sid"), oid, *req.Value); err != nil {
				c.JSON(errorStatus(err), gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"option_id": oid, "value": *req.Value})
		})

		r.POST("/hw_reset", func(c *gin.Context) {
			deviceID, err := d.Viewer.HardwareReset(c.Request.Context())
			if err != nil {
				c.JSON(errorStatus(err), gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"device_id": deviceID, "reset": true})
		})
	}

	log.Info().Str("module", "diag").Msg("router setup")
	return r
}

// errorStatus maps viewer and backend errors onto a response code.
func errorStatus(err error) int {
	var se *signal.StatusError
	switch {
	case errors.Is(err, viewer.ErrNoDevice):
		return http.StatusNotFound
	case errors.Is(err, api.ErrUnsupportedProfile):
		return http.StatusBadRequest
	case errors.As(err, &se) && se.StatusCode == http.StatusNotFound:
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("module", "diag").
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}
