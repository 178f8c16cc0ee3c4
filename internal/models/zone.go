package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ZoneKind tags the domain entity a geofence zone watches
type ZoneKind string

const (
	ZoneTask    ZoneKind = "task"
	ZoneBarStop ZoneKind = "bar_stop"
	ZoneCustom  ZoneKind = "custom"
)

// GeofenceZone is a monitored circular region tied to a domain entity.
// Identity and coordinates are structured fields; nothing is encoded in the
// zone id string
type GeofenceZone struct {
	ID           string     `json:"id"`
	DomainID     uuid.UUID  `json:"domain_id"`
	ParentID     *uuid.UUID `json:"parent_id,omitempty"`
	CenterLat    float64    `json:"center_lat"`
	CenterLon    float64    `json:"center_lon"`
	RadiusMeters float64    `json:"radius_meters"`
	Kind         ZoneKind   `json:"kind"`
}

func (z GeofenceZone) Validate() error {
	if z.ID == "" {
		return fmt.Errorf("zone missing id")
	}
	if z.DomainID == uuid.Nil {
		return fmt.Errorf("zone %s missing domain id", z.ID)
	}
	if z.CenterLat < -90 || z.CenterLat > 90 || z.CenterLon < -180 || z.CenterLon > 180 {
		return fmt.Errorf("zone %s has out-of-range coordinates", z.ID)
	}
	if z.RadiusMeters <= 0 {
		return fmt.Errorf("zone %s has non-positive radius", z.ID)
	}
	return nil
}

// EventKind maps the zone kind to the domain event it produces on entry.
// Custom zones produce generic events
func (z GeofenceZone) EventKind() EventKind {
	switch z.Kind {
	case ZoneTask:
		return EventTaskCompletion
	case ZoneBarStop:
		return EventBarStopVisit
	default:
		return EventGeneric
	}
}

// Location is a single fix from the platform location provider
type Location struct {
	Lat            float64   `json:"lat"`
	Lon            float64   `json:"lon"`
	AccuracyMeters float64   `json:"accuracy_meters"`
	Timestamp      time.Time `json:"timestamp"`
}
