// Package hubeautest provides an in-process fake of the Hub'Eau hydrometry API.
package hubeautest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/padorange/hubeau/internal/models"
	"github.com/padorange/hubeau/internal/utils"
)

// Observation is one measurement served by the fake, height in millimeters.
type Observation struct {
	Timestamp time.Time
	HeightMM  float64
}

// Server is a fake Hub'Eau API backed by httptest.
type Server struct {
	*httptest.Server

	mu           sync.Mutex
	observations map[string][]Observation
	stations     []models.StationPayload
	statuses     map[string][]int
	requests     map[string]int

	// Descending serves observations most-recent-first regardless of the sort parameter.
	Descending bool

	// Overlap repeats the last Overlap items of a page at the start of the next one.
	Overlap int

	// MaxPageSize rejects larger size parameters with a 400.
	MaxPageSize int

	// PartialStatus answers 206 instead of 200 when more pages follow.
	PartialStatus bool
}

// NewServer starts a fake API. Call Close when done.
func NewServer() *Server {
	s := &Server{
		observations: make(map[string][]Observation),
		statuses:     make(map[string][]int),
		requests:     make(map[string]int),
		MaxPageSize:  20000,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/observations_tr", s.handleObservations)
	mux.HandleFunc("/referentiel/stations", s.handleStations)
	s.Server = httptest.NewServer(mux)
	return s
}

// AddObservations appends observations for a station.
func (s *Server) AddObservations(station string, obs ...Observation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observations[station] = append(s.observations[station], obs...)
}

// AddStations registers referential entries.
func (s *Server) AddStations(stations ...models.StationPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stations = append(s.stations, stations...)
}

// FailWith queues HTTP statuses answered to the next observation requests of a
// station. A status of 0 lets the request through. The last queued status
// repeats forever when sticky is true.
func (s *Server) FailWith(station string, sticky bool, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sticky && len(statuses) > 0 {
		statuses = append(statuses, -statuses[len(statuses)-1])
	}
	s.statuses[station] = statuses
}

// Requests returns the number of observation requests received for a station.
func (s *Server) Requests(station string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[station]
}

// ResetRequests clears the request counters.
func (s *Server) ResetRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = make(map[string]int)
}

func (s *Server) nextStatus(station string) int {
	queue := s.statuses[station]
	if len(queue) == 0 {
		return 0
	}
	st := queue[0]
	if st < 0 {
		return -st
	}
	s.statuses[station] = queue[1:]
	return st
}

func (s *Server) handleObservations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	station := q.Get("code_entite")

	s.mu.Lock()
	s.requests[station]++
	status := s.nextStatus(station)
	all := append([]Observation(nil), s.observations[station]...)
	s.mu.Unlock()

	if status != 0 {
		writeError(w, status)
		return
	}

	size, err := strconv.Atoi(q.Get("size"))
	if err != nil || size <= 0 || size > s.MaxPageSize {
		writeError(w, http.StatusBadRequest)
		return
	}

	if v := q.Get("date_debut_obs"); v != "" {
		since, err := time.Parse(utils.TimeFormat, v)
		if err != nil {
			writeError(w, http.StatusBadRequest)
			return
		}
		kept := all[:0]
		for _, o := range all {
			if !o.Timestamp.Before(since) {
				kept = append(kept, o)
			}
		}
		all = kept
	}

	desc := s.Descending || q.Get("sort") == "desc"
	sort.SliceStable(all, func(i, j int) bool {
		if desc {
			return all[i].Timestamp.After(all[j].Timestamp)
		}
		return all[i].Timestamp.Before(all[j].Timestamp)
	})

	offset, _ := strconv.Atoi(q.Get("cursor"))
	if offset > len(all) {
		offset = len(all)
	}
	end := offset + size
	if end > len(all) {
		end = len(all)
	}

	data := make([]map[string]any, 0, end-offset)
	for _, o := range all[offset:end] {
		data = append(data, map[string]any{
			"code_station": station,
			"date_obs":     o.Timestamp.UTC().Format(utils.TimeFormat),
			"resultat_obs": o.HeightMM,
		})
	}

	var next *string
	if end < len(all) {
		nextOffset := end - s.Overlap
		if nextOffset <= offset {
			nextOffset = end
		}
		params := cloneValues(q)
		params.Set("cursor", strconv.Itoa(nextOffset))
		u := s.URL + "/observations_tr?" + params.Encode()
		next = &u
	}

	status = http.StatusOK
	if next != nil && s.PartialStatus {
		status = http.StatusPartialContent
	}
	writeJSON(w, status, map[string]any{
		"count":       len(all),
		"next":        next,
		"api_version": "1.0.1",
		"data":        data,
	})
}

func (s *Server) handleStations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	s.mu.Lock()
	all := append([]models.StationPayload(nil), s.stations...)
	s.mu.Unlock()

	matches := make([]models.StationPayload, 0, len(all))
	for _, st := range all {
		if v := q.Get("code_station"); v != "" && st.Code != v {
			continue
		}
		if v := q.Get("libelle_station"); v != "" && !strings.Contains(strings.ToUpper(st.Name), strings.ToUpper(v)) {
			continue
		}
		if v := q.Get("code_commune_station"); v != "" && st.CommuneCode != v {
			continue
		}
		if v := q.Get("code_departement"); v != "" && st.DepartmentCode != v {
			continue
		}
		if v := q.Get("libelle_cours_eau"); v != "" && !strings.Contains(strings.ToUpper(st.WatercourseName), strings.ToUpper(v)) {
			continue
		}
		matches = append(matches, st)
	}

	size, err := strconv.Atoi(q.Get("size"))
	if err != nil || size <= 0 {
		size = 100
	}
	offset, _ := strconv.Atoi(q.Get("cursor"))
	if offset > len(matches) {
		offset = len(matches)
	}
	end := offset + size
	if end > len(matches) {
		end = len(matches)
	}

	var next *string
	if end < len(matches) {
		params := cloneValues(q)
		// repeat the last entry on the next page, as the live referential sometimes does
		params.Set("cursor", strconv.Itoa(end-1))
		u := s.URL + "/referentiel/stations?" + params.Encode()
		next = &u
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count":       len(matches),
		"next":        next,
		"api_version": "1.0.1",
		"data":        matches[offset:end],
	})
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int) {
	writeJSON(w, status, map[string]any{
		"code":    strconv.Itoa(status),
		"message": fmt.Sprintf("fake error %d", status),
	})
}

// Series builds n observations spaced by step, starting at start, with heights
// starting at baseMM and increasing by 1 mm.
func Series(start time.Time, step time.Duration, n int, baseMM float64) []Observation {
	out := make([]Observation, n)
	for i := range out {
		out[i] = Observation{Timestamp: start.Add(time.Duration(i) * step).UTC(), HeightMM: baseMM + float64(i)}
	}
	return out
}
