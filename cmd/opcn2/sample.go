package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/waggle-sensor/opcn2/internal/link"
	"github.com/waggle-sensor/opcn2/internal/monitoring"
	"github.com/waggle-sensor/opcn2/internal/protocol"
)

// sampleRecord is one JSON line written by `opcn2 sample`.
type sampleRecord struct {
	Time       time.Time `json:"time"`
	SessionID  uuid.UUID `json:"session_id"`
	Port       string    `json:"port"`
	WindowS    float64   `json:"window_s"`
	TotalCount uint64    `json:"total_count"`
	Retries    int       `json:"link_retries"`
	*protocol.HistogramReading
	PM *protocol.PMReading `json:"pm,omitempty"`
}

func (c *cli) handleSample(ctx context.Context, args []string) error {
	fs := c.newFlagSet("sample")
	common := addCommonFlags(fs)
	window := fs.Duration("window", 0, "Accumulation window (default from config, 10s)")
	count := fs.Int("count", 0, "Number of windows to read (0 runs until interrupted)")
	withPM := fs.Bool("pm", false, "Also read the PM registers after each histogram")
	fanPower := fs.Int("fan-power", -1, "Fan DAC level 0-255 to set before sampling")
	laserPower := fs.Int("laser-power", -1, "Laser DAC level 0-255 to set before sampling")
	metricsListen := fs.String("metrics-listen", "", "Serve Prometheus metrics on this address")
	if help, err := parse(fs, args); help || err != nil {
		return err
	}
	if *fanPower > 255 || *laserPower > 255 {
		return errors.New("fan and laser power must be at most 255")
	}

	env, err := c.openDevice(common, openOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := env.close(); cerr != nil {
			monitoring.Logf("closing device: %v", cerr)
		}
	}()

	if *window <= 0 {
		*window = env.cfg.GetSampleWindow()
	}
	if *metricsListen != "" {
		stop := serveMetrics(*metricsListen)
		defer stop()
	}

	s := env.session
	if err := s.PowerOn(ctx); err != nil {
		return fmt.Errorf("power on: %w", err)
	}
	if fw := s.Firmware(); fw != nil {
		monitoring.Logf("OPC-N2 on %s: %s", env.cfg.GetPort(), fw)
	}
	if *fanPower >= 0 {
		if err := s.SetFanPower(ctx, byte(*fanPower)); err != nil {
			return err
		}
	}
	if *laserPower >= 0 {
		if err := s.SetLaserPower(ctx, byte(*laserPower)); err != nil {
			return err
		}
	}
	if err := s.FanOn(ctx); err != nil {
		return err
	}
	if err := s.LaserOn(ctx); err != nil {
		return err
	}
	// The first read clears whatever accumulated while the fan spun up.
	if _, err := s.ReadHistogram(ctx); err != nil {
		monitoring.Logf("discarding initial histogram: %v", err)
	}

	enc := json.NewEncoder(c.stdout)
	for i := 0; *count == 0 || i < *count; i++ {
		if err := s.BeginSampleWindow(); err != nil {
			return err
		}
		if err := c.sleep(ctx, *window); err != nil {
			// Interrupted: Close powers the device down.
			return nil
		}
		h, err := s.ReadHistogram(ctx)
		if err != nil {
			if errors.Is(err, link.ErrDeviceUnresponsive) || errors.Is(err, link.ErrTimeout) {
				return err
			}
			monitoring.Logf("window %d dropped: %v", i, err)
			if err := s.AbandonSampleWindow(); err != nil {
				return err
			}
			continue
		}
		rec := sampleRecord{
			Time:             c.clock.Now().UTC(),
			SessionID:        s.ID(),
			Port:             env.cfg.GetPort(),
			WindowS:          window.Seconds(),
			TotalCount:       h.TotalCount(),
			Retries:          s.LinkStats().Retries,
			HistogramReading: h,
		}
		if *withPM {
			pm, err := s.ReadPM(ctx)
			if err != nil {
				monitoring.Logf("window %d: read pm: %v", i, err)
			} else {
				rec.PM = &pm
			}
		}
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}
	return nil
}

// serveMetrics starts a /metrics endpoint and returns a function that shuts
// it down.
func serveMetrics(addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			monitoring.Logf("metrics server: %v", err)
		}
	}()
	monitoring.Logf("serving metrics on %s/metrics", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			monitoring.Logf("metrics server shutdown: %v", err)
		}
	}
}
