package bridge

import (
	"context"
	"encoding/hex"
	"errors"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/meshbridge/internal/codec"
	"github.com/danmuck/meshbridge/internal/observability"
	"github.com/danmuck/meshbridge/internal/radio"
	"github.com/danmuck/meshbridge/internal/registry"
	"github.com/danmuck/meshbridge/internal/relay"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

var (
	ErrNoSimulator  = errors.New("bridge: no simulated radio")
	ErrRxRejected   = errors.New("bridge: simulated radio not receiving")
	ErrInvalidFrame = errors.New("bridge: invalid frame data")
)

// ModulationView is the JSON form of radio.Modulation.
type ModulationView struct {
	FrequencyHz     uint32 `json:"frequency_hz"`
	Bandwidth       uint8  `json:"bandwidth"`
	BandwidthHz     uint32 `json:"bandwidth_hz"`
	SpreadingFactor uint8  `json:"spreading_factor"`
	CodingRate      uint8  `json:"coding_rate"`
	SyncWord        uint8  `json:"sync_word"`
	PreambleLen     uint16 `json:"preamble_len"`
	InvertIQ        bool   `json:"invert_iq"`
	CRC             bool   `json:"crc"`
}

// ProtocolView is one protocol's configuration and counters.
type ProtocolView struct {
	ID         codec.ID       `json:"id"`
	Name       string         `json:"name"`
	Modulation ModulationView `json:"modulation"`
	Stats      registry.Stats `json:"stats"`
}

// InfoView is the JSON form of relay.Info with durations in milliseconds.
type InfoView struct {
	Listen           string         `json:"listen"`
	AutoSwitch       bool           `json:"auto_switch"`
	SwitchIntervalMS int64          `json:"switch_interval_ms"`
	TxTimeoutMS      int64          `json:"tx_timeout_ms"`
	Targets          []string       `json:"targets"`
	State            string         `json:"state"`
	Online           bool           `json:"online"`
	Protocols        []ProtocolView `json:"protocols"`
	Totals           registry.Stats `json:"totals"`
}

// ModulationPatch updates selected fields of a protocol configuration.
type ModulationPatch struct {
	FrequencyHz     *uint32 `json:"frequency_hz"`
	Bandwidth       *uint8  `json:"bandwidth"`
	SpreadingFactor *uint8  `json:"spreading_factor"`
	CodingRate      *uint8  `json:"coding_rate"`
	SyncWord        *uint8  `json:"sync_word"`
	PreambleLen     *uint16 `json:"preamble_len"`
}

func (p ModulationPatch) apply(m radio.Modulation) radio.Modulation {
	if p.FrequencyHz != nil {
		m.FrequencyHz = *p.FrequencyHz
	}
	if p.Bandwidth != nil {
		m.Bandwidth = *p.Bandwidth
	}
	if p.SpreadingFactor != nil {
		m.SpreadingFactor = *p.SpreadingFactor
	}
	if p.CodingRate != nil {
		m.CodingRate = *p.CodingRate
	}
	if p.SyncWord != nil {
		m.SyncWord = *p.SyncWord
	}
	if p.PreambleLen != nil {
		m.PreambleLen = *p.PreambleLen
	}
	return m
}

type listenRequest struct {
	Mode string `json:"mode" binding:"required"`
}

type targetsRequest struct {
	Protocols []string `json:"protocols"`
}

type intervalRequest struct {
	MS *int64 `json:"ms" binding:"required"`
}

type testRequest struct {
	Protocol string `json:"protocol"`
}

type rxRequest struct {
	Protocol string `json:"protocol"`
	Data     string `json:"data" binding:"required"`
	RSSI     int16  `json:"rssi"`
	SNR      int8   `json:"snr"`
}

func viewModulation(m radio.Modulation) ModulationView {
	bw, _ := radio.BandwidthHz(m.Bandwidth)
	return ModulationView{
		FrequencyHz:     m.FrequencyHz,
		Bandwidth:       m.Bandwidth,
		BandwidthHz:     bw,
		SpreadingFactor: m.SpreadingFactor,
		CodingRate:      m.CodingRate,
		SyncWord:        m.SyncWord,
		PreambleLen:     m.PreambleLen,
		InvertIQ:        m.InvertIQ,
		CRC:             m.CRC,
	}
}

func viewInfo(e *relay.Engine) InfoView {
	info := e.Info()
	out := InfoView{
		Listen:           info.ListenName,
		AutoSwitch:       info.AutoSwitch,
		SwitchIntervalMS: info.SwitchInterval.Milliseconds(),
		TxTimeoutMS:      info.TxTimeout.Milliseconds(),
		Targets:          make([]string, 0, len(info.Targets)),
		State:            info.State,
		Online:           info.Online,
		Protocols:        make([]ProtocolView, 0, len(info.Protocols)),
		Totals:           info.Totals,
	}
	for _, id := range info.Targets {
		out.Targets = append(out.Targets, e.Codecs().Name(id))
	}
	for _, p := range info.Protocols {
		out.Protocols = append(out.Protocols, ProtocolView{
			ID:         p.ID,
			Name:       p.Name,
			Modulation: viewModulation(p.Config),
			Stats:      p.Stats,
		})
	}
	return out
}

func (s *Service) newRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(s.cfg.ID))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(s.cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST", "PUT"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": s.cfg.ID,
			"version": version,
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/events", gin.WrapH(s.hub))

	r.GET("/info", func(c *gin.Context) {
		var out InfoView
		s.respond(c, func(e *relay.Engine) error {
			out = viewInfo(e)
			return nil
		}, func() any { return out })
	})

	r.GET("/stats", func(c *gin.Context) {
		var info relay.Info
		s.respond(c, func(e *relay.Engine) error {
			info = e.Info()
			return nil
		}, func() any {
			per := make(map[string]registry.Stats, len(info.Protocols))
			for _, p := range info.Protocols {
				per[p.Name] = p.Stats
			}
			return gin.H{"protocols": per, "totals": info.Totals}
		})
	})

	r.GET("/protocols", func(c *gin.Context) {
		var out InfoView
		s.respond(c, func(e *relay.Engine) error {
			out = viewInfo(e)
			return nil
		}, func() any { return gin.H{"protocols": out.Protocols} })
	})

	r.PUT("/protocols/:name", func(c *gin.Context) {
		id, ok := s.lookup(c, c.Param("name"))
		if !ok {
			return
		}
		var patch ModulationPatch
		if err := c.ShouldBindJSON(&patch); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		var view ModulationView
		s.respond(c, func(e *relay.Engine) error {
			current, err := s.reg.Config(id)
			if err != nil {
				return err
			}
			next := patch.apply(current)
			if err := e.SetModulation(id, next); err != nil {
				return err
			}
			view = viewModulation(next)
			return nil
		}, func() any { return gin.H{"status": "ok", "modulation": view} })
	})

	r.POST("/listen", func(c *gin.Context) {
		var req listenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		mode := relay.AutoMode()
		if !strings.EqualFold(strings.TrimSpace(req.Mode), "auto") {
			id, ok := s.lookup(c, req.Mode)
			if !ok {
				return
			}
			mode = relay.PinnedMode(id)
		}
		s.respond(c, func(e *relay.Engine) error { return e.SetMode(mode) }, statusOK)
	})

	r.POST("/targets", func(c *gin.Context) {
		var req targetsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		var mask uint8
		for _, name := range req.Protocols {
			id, ok := s.lookup(c, name)
			if !ok {
				return
			}
			mask |= id.Mask()
		}
		s.respond(c, func(e *relay.Engine) error { return e.SetTargets(mask) }, statusOK)
	})

	r.POST("/interval", func(c *gin.Context) {
		var req intervalRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if *req.MS < 0 || *req.MS > math.MaxUint16 {
			c.JSON(http.StatusBadRequest, gin.H{"error": relay.ErrInvalidInterval.Error()})
			return
		}
		d := time.Duration(*req.MS) * time.Millisecond
		s.respond(c, func(e *relay.Engine) error { return e.SetSwitchInterval(d) }, statusOK)
	})

	r.POST("/test", func(c *gin.Context) {
		var req testRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		name := strings.TrimSpace(req.Protocol)
		if name == "" || strings.EqualFold(name, "all") {
			s.respond(c, func(e *relay.Engine) error { return e.SendTestAll(c.Request.Context()) }, statusOK)
			return
		}
		id, found := s.lookup(c, name)
		if !found {
			return
		}
		s.respond(c, func(e *relay.Engine) error { return e.SendTest(c.Request.Context(), id) }, statusOK)
	})

	r.POST("/stats/reset", func(c *gin.Context) {
		s.respond(c, func(e *relay.Engine) error {
			e.ResetStats()
			return nil
		}, statusOK)
	})

	r.POST("/sim/rx", func(c *gin.Context) {
		if s.sim == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": ErrNoSimulator.Error()})
			return
		}
		var req rxRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		frame, err := hex.DecodeString(strings.TrimSpace(req.Data))
		if err != nil || len(frame) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": ErrInvalidFrame.Error()})
			return
		}
		s.respond(c, func(e *relay.Engine) error {
			if name := strings.TrimSpace(req.Protocol); name != "" {
				p, found := e.Codecs().Lookup(name)
				if !found {
					return relay.ErrUnknownProtocol
				}
				if p.ID() != e.Listen() {
					return ErrRxRejected
				}
			}
			if !s.sim.InjectRx(frame, req.RSSI, req.SNR) {
				return ErrRxRejected
			}
			return nil
		}, statusOK)
	})

	return r
}

func statusOK() any { return gin.H{"status": "ok"} }

// respond runs fn on the control loop and writes body() or the mapped error.
func (s *Service) respond(c *gin.Context, fn func(*relay.Engine) error, body func() any) {
	if err := s.Do(c.Request.Context(), fn); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, body())
}

func (s *Service) lookup(c *gin.Context, name string) (codec.ID, bool) {
	p, found := s.codecs.Lookup(name)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": relay.ErrUnknownProtocol.Error(), "protocol": name})
		return 0, false
	}
	return p.ID(), true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, relay.ErrUnknownProtocol), errors.Is(err, registry.ErrUnknownProtocol):
		return http.StatusNotFound
	case errors.Is(err, relay.ErrInvalidInterval),
		errors.Is(err, relay.ErrInvalidMask),
		errors.Is(err, relay.ErrAutoSwitchNoTime),
		errors.Is(err, radio.ErrInvalidBandwidth),
		errors.Is(err, radio.ErrFrequencyRange):
		return http.StatusBadRequest
	case errors.Is(err, relay.ErrRadioOffline), errors.Is(err, radio.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrRxRejected):
		return http.StatusConflict
	case errors.Is(err, ErrServiceStopped), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Service) serveHTTP(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", addr).Msg("bridge.Service.serveHTTP listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
