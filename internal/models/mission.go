package models

import "time"

// Waypoint is a single navigation target.
type Waypoint struct {
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Altitude float64 `json:"altitude,omitempty"`
	Action   string  `json:"action,omitempty"`
}

// Mission is the validated instruction set supplied by the waypoint editor.
type Mission struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Type       string     `json:"type"`
	Priority   string     `json:"priority"`
	Waypoints  []Waypoint `json:"waypoints"`
	Duration   int        `json:"duration"` // minutes
	GPSAllowed bool       `json:"gpsAllowed"`
	CreatedAt  time.Time  `json:"createdAt,omitempty"`
}

// MissionBody is the encrypted portion of a Mission.
type MissionBody struct {
	Name       string     `json:"name"`
	Type       string     `json:"type"`
	Priority   string     `json:"priority"`
	Waypoints  []Waypoint `json:"waypoints"`
	Duration   int        `json:"duration"`
	GPSAllowed bool       `json:"gpsAllowed"`
}

// Body returns the fields of m that are covered by encryption.
func (m Mission) Body() MissionBody {
	return MissionBody{
		Name:       m.Name,
		Type:       m.Type,
		Priority:   m.Priority,
		Waypoints:  m.Waypoints,
		Duration:   m.Duration,
		GPSAllowed: m.GPSAllowed,
	}
}

// Mission rebuilds a Mission from a decrypted body.
func (b MissionBody) Mission(id string) Mission {
	return Mission{
		ID:         id,
		Name:       b.Name,
		Type:       b.Type,
		Priority:   b.Priority,
		Waypoints:  b.Waypoints,
		Duration:   b.Duration,
		GPSAllowed: b.GPSAllowed,
	}
}
