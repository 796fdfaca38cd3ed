package hubeau

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/padorange/hubeau/internal/apperr"
	"github.com/padorange/hubeau/internal/models"
	"github.com/padorange/hubeau/internal/utils"
)

const opObservations = "observations"

// FetchPage retrieves one page of water-height observations for a station.
//
// Without a cursor the request starts at since (inclusive, as the API does); with a
// cursor the opaque next URL returned by the previous page is followed as is. Items
// are returned in feed order. Page sizes above the service maximum are rejected by
// the service with a 400, which surfaces as a client error.
func (c *Client) FetchPage(ctx context.Context, station string, since time.Time, pageSize int, cursor string) (models.Page, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	rawURL := cursor
	if rawURL == "" {
		params := url.Values{}
		params.Set("code_entite", station)
		params.Set("grandeur_hydro", "H")
		params.Set("size", strconv.Itoa(pageSize))
		params.Set("sort", "asc")
		params.Set("fields", "code_station,date_obs,resultat_obs")
		if !since.IsZero() {
			params.Set("date_debut_obs", utils.FormatTimestamp(since))
		}
		rawURL = c.endpoint("/observations_tr", params)
	}

	var payload models.ObservationsResponse
	status, err := c.getJSON(ctx, opObservations, rawURL, &payload)
	if err != nil {
		return models.Page{}, apperr.WithStation(err, station)
	}
	if err := checkAPIVersion(opObservations, payload.APIVersion); err != nil {
		return models.Page{}, apperr.WithStation(err, station)
	}

	page := models.Page{Items: make([]models.Item, 0, len(payload.Data))}
	for i, obs := range payload.Data {
		if obs.Result == nil {
			continue
		}
		ts, err := utils.ParseTimestamp(obs.DateObs)
		if err != nil {
			return models.Page{}, apperr.WithStation(apperr.New(apperr.KindData, opObservations,
				fmt.Errorf("item %d: invalid date_obs %q: %w", i, obs.DateObs, err)), station)
		}
		page.Items = append(page.Items, models.Item{Timestamp: ts, HeightMM: *obs.Result})
	}

	if payload.Next != nil {
		page.NextCursor = *payload.Next
	}
	page.HasMore = page.NextCursor != ""
	if status == http.StatusPartialContent && !page.HasMore {
		return models.Page{}, apperr.WithStation(apperr.New(apperr.KindData, opObservations,
			errors.New("partial page without next cursor")), station)
	}

	return page, nil
}
