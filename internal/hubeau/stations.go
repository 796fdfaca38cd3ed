package hubeau

import (
	"context"
	"net/url"
	"strconv"

	"github.com/padorange/hubeau/internal/models"
)

const opStations = "stations"

// StationQuery holds the referential filters. Empty fields are not sent.
type StationQuery struct {
	Code            string
	Name            string
	CommuneCode     string
	DepartmentCode  string
	WatercourseName string
}

// StationPage is one slice of the paginated station referential.
type StationPage struct {
	Stations   []models.StationPayload
	HasMore    bool
	NextCursor string
}

// FetchStations retrieves one page of the station referential.
func (c *Client) FetchStations(ctx context.Context, q StationQuery, pageSize int, cursor string) (StationPage, error) {
	if pageSize <= 0 {
		pageSize = 100
	}

	rawURL := cursor
	if rawURL == "" {
		params := url.Values{}
		params.Set("format", "json")
		params.Set("size", strconv.Itoa(pageSize))
		setIf(params, "code_station", q.Code)
		setIf(params, "libelle_station", q.Name)
		setIf(params, "code_commune_station", q.CommuneCode)
		setIf(params, "code_departement", q.DepartmentCode)
		setIf(params, "libelle_cours_eau", q.WatercourseName)
		rawURL = c.endpoint("/referentiel/stations", params)
	}

	var payload models.StationsResponse
	if _, err := c.getJSON(ctx, opStations, rawURL, &payload); err != nil {
		return StationPage{}, err
	}
	if err := checkAPIVersion(opStations, payload.APIVersion); err != nil {
		return StationPage{}, err
	}

	page := StationPage{Stations: payload.Data}
	if payload.Next != nil {
		page.NextCursor = *payload.Next
	}
	page.HasMore = page.NextCursor != ""
	return page, nil
}

func setIf(params url.Values, key, value string) {
	if value != "" {
		params.Set(key, value)
	}
}
