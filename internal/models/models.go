package models

import (
	"encoding/json"
	"time"
)

// ObservationsResponse models the JSON payload returned by the observations_tr endpoint.
type ObservationsResponse struct {
	Count      int           `json:"count"`
	Next       *string       `json:"next"`
	APIVersion string        `json:"api_version"`
	Data       []Observation `json:"data"`
}

// Observation is a single entry of the observations_tr feed.
type Observation struct {
	StationCode string   `json:"code_station"`
	DateObs     string   `json:"date_obs"`
	Result      *float64 `json:"resultat_obs"`
}

// StationsResponse models the JSON payload returned by the station referential.
type StationsResponse struct {
	Count      int              `json:"count"`
	Next       *string          `json:"next"`
	APIVersion string           `json:"api_version"`
	Data       []StationPayload `json:"data"`
}

// StationPayload is one station entry of the referential feed.
type StationPayload struct {
	Code            string      `json:"code_station"`
	Name            string      `json:"libelle_station"`
	SiteCode        string      `json:"code_site"`
	SiteName        string      `json:"libelle_site"`
	CommuneCode     string      `json:"code_commune_station"`
	DepartmentCode  string      `json:"code_departement"`
	RegionCode      string      `json:"code_region"`
	WatercourseCode string      `json:"code_cours_eau"`
	WatercourseName string      `json:"libelle_cours_eau"`
	Longitude       *float64    `json:"longitude_station"`
	Latitude        *float64    `json:"latitude_station"`
	Projection      json.Number `json:"code_projection"`
	Comment         string      `json:"commentaire_station"`
	Type            string      `json:"type_station"`
	InService       *bool       `json:"en_service"`
}

// Station is the stored metadata of a monitoring station.
type Station struct {
	Code            string    `json:"code"`
	Name            string    `json:"name"`
	SiteCode        string    `json:"site_code,omitempty"`
	SiteName        string    `json:"site_name,omitempty"`
	CommuneCode     string    `json:"commune_code,omitempty"`
	DepartmentCode  string    `json:"department_code,omitempty"`
	RegionCode      string    `json:"region_code,omitempty"`
	WatercourseCode string    `json:"watercourse_code,omitempty"`
	WatercourseName string    `json:"watercourse_name,omitempty"`
	Longitude       float64   `json:"longitude"`
	Latitude        float64   `json:"latitude"`
	Projection      string    `json:"projection,omitempty"`
	Comment         string    `json:"comment,omitempty"`
	Type            string    `json:"type,omitempty"`
	InService       bool      `json:"in_service"`
	RefreshedAt     time.Time `json:"refreshed_at"`
}

// Item is one raw entry of a measurement page, height still in millimeters.
type Item struct {
	Timestamp time.Time
	HeightMM  float64
}

// Page is one slice of the paginated measurement feed.
type Page struct {
	Items      []Item
	HasMore    bool
	NextCursor string
}

// Reading is a normalized measurement ready for insertion, height in meters.
type Reading struct {
	Timestamp time.Time
	HeightM   float64
}

// Measurement is a stored water-height observation.
type Measurement struct {
	StationCode string    `json:"station_code"`
	Timestamp   time.Time `json:"ts"`
	HeightM     float64   `json:"height_m"`
}
