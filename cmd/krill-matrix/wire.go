// ABOUTME: Builds the protocol components from bridge configuration
// ABOUTME: Pairing store, senses, config patch engine and health responder

package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/silverbacking/krill/internal/config"
	"github.com/silverbacking/krill/internal/configpatch"
	"github.com/silverbacking/krill/internal/keylock"
	"github.com/silverbacking/krill/internal/pairing"
	"github.com/silverbacking/krill/internal/senses"
)

// components are the stateful parts behind the dispatcher.
type components struct {
	store    pairing.Store
	pairing  *pairing.Service
	location *senses.LocationTracker
	audio    *senses.AudioSense
	camera   *senses.CameraSense
	engine   *configpatch.Engine
}

func buildComponents(cfg *config.Config, media senses.MediaFetcher, logger *slog.Logger) (*components, error) {
	store, err := pairing.Open(cfg.Pairing.Backend, cfg.Pairing.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("opening pairing store: %w", err)
	}
	c := &components{store: store}

	agents := make([]pairing.Agent, 0, len(cfg.Pairing.Agents))
	for _, a := range cfg.Pairing.Agents {
		agents = append(agents, pairing.Agent{ID: a.ID, DisplayName: a.DisplayName})
	}
	c.pairing = pairing.NewService(store, agents, cfg.Pairing.DefaultAgent, logger)

	dirs := senses.NewDirs(cfg.DataDir)
	locks := &keylock.Map{}
	sc := cfg.Senses

	if config.SenseEnabled(sc.Location.Enabled) {
		opts := senses.LocationOptions{
			MovementThresholdM: sc.Location.MovementThresholdM,
			DefaultGeofences:   geofences(sc.Location.Geofences),
			GeocodeTimeout:     sc.Location.GeocodeTimeout,
		}
		if sc.Location.GeocoderURL != "" {
			opts.Geocoder = senses.NewNominatimGeocoder(sc.Location.GeocoderURL, sc.Location.GeocoderUserAgent)
		}
		c.location = senses.NewLocationTracker(dirs, opts, locks, logger)
	}

	if config.SenseEnabled(sc.Audio.Enabled) {
		c.audio, err = senses.NewAudioSense(dirs, senses.AudioOptions{
			RingCapacity:       sc.Audio.RingCapacity,
			MaxTranscriptBytes: sc.Audio.MaxTranscriptBytes,
			Defaults: senses.AudioConfig{
				WakeWords:            sc.Audio.WakeWords,
				Language:             sc.Audio.Language,
				ContextWindowSeconds: sc.Audio.ContextWindowSeconds,
			},
		}, locks, logger)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("creating audio sense: %w", err)
		}
	}

	if config.SenseEnabled(sc.Camera.Enabled) {
		web := senses.NewHTTPFetcher(sc.Camera.MediaToken)
		fetcher := senses.SchemeFetcher{"https": web, "http": web}
		if media != nil {
			fetcher["mxc"] = media
		}
		c.camera = senses.NewCameraSense(dirs, fetcher, senses.CameraOptions{
			MinBytes:        sc.Camera.MinBytes,
			MaxCaptures:     sc.Camera.MaxCaptures,
			MaxMotionLog:    sc.Camera.MaxMotionLog,
			FetchTimeout:    sc.Camera.FetchTimeout,
			CaptureInterval: sc.Camera.CaptureInterval,
			CaptureBurst:    sc.Camera.CaptureBurst,
		}, locks, logger)
	}

	if cfg.Patch.Target != "" {
		c.engine, err = configpatch.FromConfig(cfg.Patch, logger)
		if err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

func geofences(in []config.GeofenceConfig) []senses.Geofence {
	out := make([]senses.Geofence, 0, len(in))
	for _, g := range in {
		name := g.Name
		if name == "" {
			name = g.ID
		}
		out = append(out, senses.Geofence{ID: g.ID, Name: name, Lat: g.Lat, Lon: g.Lon, RadiusM: g.RadiusM})
	}
	return out
}

// Close releases stores and encoders.
func (c *components) Close() error {
	var errs []error
	if c.audio != nil {
		errs = append(errs, c.audio.Close())
	}
	if c.store != nil {
		errs = append(errs, c.store.Close())
	}
	return errors.Join(errs...)
}
