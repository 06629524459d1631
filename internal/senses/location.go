// ABOUTME: Location sense: significant-movement filtering, history log and geofence transitions
// ABOUTME: Small moves only refresh freshness; geofences are evaluated on significant moves only

package senses

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/silverbacking/krill/internal/fsutil"
	"github.com/silverbacking/krill/internal/keylock"
	"github.com/silverbacking/krill/internal/protocol"
)

// DefaultMovementThreshold is the distance below which a fix is not significant.
const DefaultMovementThreshold = 50.0

// DefaultGeocodeTimeout bounds reverse geocoding.
const DefaultGeocodeTimeout = 5 * time.Second

// Fix is one location report from a device.
type Fix struct {
	Lat       *float64  `json:"lat"`
	Lon       *float64  `json:"lon"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Altitude  *float64  `json:"altitude,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
	Timestamp Timestamp `json:"timestamp"`
}

// CurrentLocation is the latest significant fix plus freshness.
type CurrentLocation struct {
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Altitude  *float64  `json:"altitude,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	UpdatedAt time.Time `json:"updated_at"`
	Place     string    `json:"place,omitempty"`
	Geofence  string    `json:"geofence,omitempty"`
}

// HistoryEntry is one line of the daily history log.
type HistoryEntry struct {
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	DistanceM float64   `json:"distance_m"`
	Place     string    `json:"place,omitempty"`
}

// GeofenceState is the persisted containment state of one geofence.
type GeofenceState struct {
	Inside bool       `json:"inside"`
	Since  *time.Time `json:"since,omitempty"`
}

// Geofence transition kinds.
const (
	GeofenceEnter = "enter"
	GeofenceExit  = "exit"
)

// GeofenceEvent is a containment transition.
type GeofenceEvent struct {
	Kind       string        `json:"kind"`
	GeofenceID string        `json:"geofence_id"`
	Name       string        `json:"name"`
	At         time.Time     `json:"at"`
	Since      *time.Time    `json:"since,omitempty"`
	Duration   time.Duration `json:"duration_ns,omitempty"`
}

// Describe renders the event as an agent-facing sentence.
func (e GeofenceEvent) Describe() string {
	if e.Kind == GeofenceEnter {
		return fmt.Sprintf("📍 Arrived at %s", e.Name)
	}
	if e.Duration > 0 {
		return fmt.Sprintf("📍 Left %s (after %s)", e.Name, formatDuration(e.Duration))
	}
	return fmt.Sprintf("📍 Left %s", e.Name)
}

// LocationUpdate is the outcome of one fix.
type LocationUpdate struct {
	Significant bool            `json:"significant"`
	DistanceM   float64         `json:"distance_m"`
	Current     CurrentLocation `json:"current"`
	Events      []GeofenceEvent `json:"events,omitempty"`
}

// Geocoder resolves coordinates to a human-readable place name.
type Geocoder interface {
	ReverseGeocode(ctx context.Context, lat, lon float64) (string, error)
}

// LocationOptions configures a LocationTracker.
type LocationOptions struct {
	MovementThresholdM float64
	DefaultGeofences   []Geofence
	Geocoder           Geocoder
	GeocodeTimeout     time.Duration
}

// LocationTracker owns the location sense for all agents.
type LocationTracker struct {
	dirs   Dirs
	opts   LocationOptions
	locks  *keylock.Map
	logger *slog.Logger
	now    func() time.Time
}

// NewLocationTracker creates a tracker. locks serializes per-agent state and
// may be shared with other components.
func NewLocationTracker(dirs Dirs, opts LocationOptions, locks *keylock.Map, logger *slog.Logger) *LocationTracker {
	if opts.MovementThresholdM <= 0 {
		opts.MovementThresholdM = DefaultMovementThreshold
	}
	if opts.GeocodeTimeout <= 0 {
		opts.GeocodeTimeout = DefaultGeocodeTimeout
	}
	if locks == nil {
		locks = &keylock.Map{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocationTracker{
		dirs:   dirs,
		opts:   opts,
		locks:  locks,
		logger: logger.With("component", "sense-location"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Update processes a fix for agentID.
func (t *LocationTracker) Update(ctx context.Context, agentID string, fix Fix) (*LocationUpdate, error) {
	if fix.Lat == nil || fix.Lon == nil {
		return nil, fmt.Errorf("%w: lat and lon are required", protocol.ErrValidation)
	}
	lat, lon := *fix.Lat, *fix.Lon
	if !validCoordinates(lat, lon) {
		return nil, fmt.Errorf("%w: coordinates out of range", protocol.ErrValidation)
	}

	unlock := t.locks.Lock("location:" + agentID)
	defer unlock()

	now := t.now()
	fixTime := fix.Timestamp.orNow(now)

	prev, err := t.loadCurrent(agentID)
	if err != nil {
		// A damaged current file is treated like a first fix.
		t.logger.Warn("unreadable current location, treating fix as first", "agent_id", agentID, "error", err)
		prev = nil
	}

	var distance float64
	if prev != nil {
		distance = Haversine(prev.Lat, prev.Lon, lat, lon)
		if distance < t.opts.MovementThresholdM {
			prev.UpdatedAt = now
			if err := fsutil.WriteJSONAtomic(t.dirs.CurrentLocationPath(agentID), prev, 0644); err != nil {
				return nil, fmt.Errorf("%w: refreshing current location: %v", protocol.ErrTransient, err)
			}
			return &LocationUpdate{Significant: false, DistanceM: distance, Current: *prev}, nil
		}
	}

	current := CurrentLocation{
		Lat:       lat,
		Lon:       lon,
		Accuracy:  fix.Accuracy,
		Altitude:  fix.Altitude,
		Speed:     fix.Speed,
		Heading:   fix.Heading,
		Timestamp: fixTime,
		UpdatedAt: now,
		Place:     t.reverseGeocode(ctx, lat, lon),
	}

	events, insideName, states := t.evaluateGeofences(agentID, lat, lon, now)
	current.Geofence = insideName

	// Transitions are persisted only once the fix itself is, so a failed
	// write leaves them to be detected again on retry.
	if err := fsutil.WriteJSONAtomic(t.dirs.CurrentLocationPath(agentID), current, 0644); err != nil {
		return nil, fmt.Errorf("%w: saving current location: %v", protocol.ErrTransient, err)
	}
	if states != nil {
		if err := fsutil.WriteJSONAtomic(t.dirs.GeofenceStatePath(agentID), states, 0644); err != nil {
			t.logger.Warn("failed to save geofence state, transitions may repeat", "agent_id", agentID, "error", err)
		}
	}

	entry, err := json.Marshal(HistoryEntry{
		Lat:       lat,
		Lon:       lon,
		Accuracy:  fix.Accuracy,
		Timestamp: fixTime,
		DistanceM: distance,
		Place:     current.Place,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling history entry: %w", err)
	}
	if err := appendLine(t.dirs.HistoryPath(agentID, fixTime), entry); err != nil {
		t.logger.Warn("failed to append location history", "agent_id", agentID, "error", err)
	}

	for _, e := range events {
		t.logger.Info("geofence transition", "agent_id", agentID, "geofence", e.GeofenceID, "kind", e.Kind)
	}
	return &LocationUpdate{Significant: true, DistanceM: distance, Current: current, Events: events}, nil
}

// evaluateGeofences compares containment with persisted state. It returns
// the transitions, the name of a containing fence, and the new state to
// persist (nil when nothing changed).
func (t *LocationTracker) evaluateGeofences(agentID string, lat, lon float64, now time.Time) ([]GeofenceEvent, string, map[string]GeofenceState) {
	fences, err := t.Geofences(agentID)
	if err != nil {
		t.logger.Warn("unreadable geofences, skipping evaluation", "agent_id", agentID, "error", err)
		return nil, "", nil
	}
	if len(fences) == 0 {
		return nil, "", nil
	}

	states, err := t.loadStates(agentID)
	if err != nil {
		t.logger.Warn("unreadable geofence state, starting fresh", "agent_id", agentID, "error", err)
		states = make(map[string]GeofenceState)
	}

	var events []GeofenceEvent
	var insideName string
	changed := false
	for _, g := range fences {
		inside := g.Contains(lat, lon)
		if inside && insideName == "" {
			insideName = g.Name
		}

		prev := states[g.ID]
		switch {
		case inside && !prev.Inside:
			since := now
			states[g.ID] = GeofenceState{Inside: true, Since: &since}
			events = append(events, GeofenceEvent{Kind: GeofenceEnter, GeofenceID: g.ID, Name: g.Name, At: now, Since: &since})
			changed = true
		case !inside && prev.Inside:
			ev := GeofenceEvent{Kind: GeofenceExit, GeofenceID: g.ID, Name: g.Name, At: now, Since: prev.Since}
			if prev.Since != nil {
				ev.Duration = now.Sub(*prev.Since)
			}
			states[g.ID] = GeofenceState{Inside: false}
			events = append(events, ev)
			changed = true
		}
	}

	if !changed {
		return events, insideName, nil
	}
	return events, insideName, states
}

// Geofences returns the agent's geofences, falling back to the configured
// defaults when no geofences file exists.
func (t *LocationTracker) Geofences(agentID string) ([]Geofence, error) {
	var fences []Geofence
	err := fsutil.ReadJSON(t.dirs.GeofencesPath(agentID), &fences)
	if errors.Is(err, os.ErrNotExist) {
		return t.opts.DefaultGeofences, nil
	}
	if err != nil {
		return nil, err
	}
	return fences, nil
}

// SetGeofences replaces the agent's geofence definitions.
func (t *LocationTracker) SetGeofences(agentID string, fences []Geofence) error {
	seen := make(map[string]bool, len(fences))
	for _, g := range fences {
		if g.ID == "" || g.RadiusM <= 0 || !validCoordinates(g.Lat, g.Lon) {
			return fmt.Errorf("%w: invalid geofence %q", protocol.ErrValidation, g.ID)
		}
		if seen[g.ID] {
			return fmt.Errorf("%w: duplicate geofence id %q", protocol.ErrValidation, g.ID)
		}
		seen[g.ID] = true
	}

	unlock := t.locks.Lock("location:" + agentID)
	defer unlock()
	return fsutil.WriteJSONAtomic(t.dirs.GeofencesPath(agentID), fences, 0644)
}

// Current returns the agent's current location, or nil when none is recorded.
func (t *LocationTracker) Current(agentID string) (*CurrentLocation, error) {
	return t.loadCurrent(agentID)
}

func (t *LocationTracker) loadCurrent(agentID string) (*CurrentLocation, error) {
	var cur CurrentLocation
	err := fsutil.ReadJSON(t.dirs.CurrentLocationPath(agentID), &cur)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cur, nil
}

func (t *LocationTracker) loadStates(agentID string) (map[string]GeofenceState, error) {
	states := make(map[string]GeofenceState)
	err := fsutil.ReadJSON(t.dirs.GeofenceStatePath(agentID), &states)
	if errors.Is(err, os.ErrNotExist) {
		return states, nil
	}
	if err != nil {
		return nil, err
	}
	return states, nil
}

// reverseGeocode is best effort: any failure yields "".
func (t *LocationTracker) reverseGeocode(ctx context.Context, lat, lon float64) string {
	if t.opts.Geocoder == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, t.opts.GeocodeTimeout)
	defer cancel()

	place, err := t.opts.Geocoder.ReverseGeocode(ctx, lat, lon)
	if err != nil {
		t.logger.Debug("reverse geocode failed", "error", err)
		return ""
	}
	return place
}

// formatDuration renders durations like "2h 5m" or "45s".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm", m)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
