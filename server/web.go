package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/janelia-flyem/labelmerge/dvid"
	"github.com/janelia-flyem/labelmerge/labels"
	"github.com/janelia-flyem/labelmerge/layer"
	"github.com/janelia-flyem/labelmerge/merge"
	"github.com/janelia-flyem/labelmerge/points"
	"github.com/janelia-flyem/labelmerge/storage"

	"github.com/rs/cors"
	"github.com/zenazn/goji/web"
	"github.com/zenazn/goji/web/middleware"
)

// WebAPIPath is the prefix of all HTTP API calls.
const WebAPIPath = "/api/"

const webHelp = `
labelmerge HTTP API

GET  /api/help
	This help text.

GET  /api/server/info
	JSON with host, note, version, storage engines and served layers.

GET  /api/dims
POST /api/dims
	Read or set the current step: {"currentStep": [t, z, y, x]}

GET    /api/points/<name>
POST   /api/points/<name>[?replace=true]
DELETE /api/points/<name>
	List, append (or replace) or clear marker points in the points layer's
	data space: {"data": [[t, z, y, x], ...]}

GET  /api/labels/<name>/info
	JSON with shape, data to world transform and refresh count.

GET  /api/labels/<name>/slice?idx=a,b[&format=raw]
POST /api/labels/<name>/slice?idx=a,b
	Read or write the slice obtained by fixing the leading axes to idx.  JSON
	is {"shape": [...], "data": [...]}; raw is little-endian uint64 labels,
	accepted on POST with Content-Type application/octet-stream.

POST /api/merge
	Merge all labels under the points lying in the displayed slice into the
	smallest of them, then clear the points.
	{"labels": "seg", "points": "markers", "ndim": 3, "wait": false}
	Returns {"mutationID", "target", "merged", "coords", "region"} or {} if
	there was nothing to merge.  If wait is true, returns after the merged
	slice has been stored.

GET  /api/mutations/<labels>
	JSON array of the merge records logged for a label layer.
`

// BadRequest writes a 400 error and logs it.
func BadRequest(w http.ResponseWriter, r *http.Request, format interface{}, args ...interface{}) {
	httpError(w, r, http.StatusBadRequest, format, args...)
}

// Unauthorized writes a 401 error and logs it.
func Unauthorized(w http.ResponseWriter, r *http.Request, format interface{}, args ...interface{}) {
	httpError(w, r, http.StatusUnauthorized, format, args...)
}

// ServerError writes a 500 error and logs it.
func ServerError(w http.ResponseWriter, r *http.Request, format interface{}, args ...interface{}) {
	httpError(w, r, http.StatusInternalServerError, format, args...)
}

func httpError(w http.ResponseWriter, r *http.Request, code int, format interface{}, args ...interface{}) {
	var message string
	switch v := format.(type) {
	case error:
		message = v.Error()
	case string:
		message = fmt.Sprintf(v, args...)
	default:
		message = fmt.Sprintf("%v", v)
	}
	errorMsg := fmt.Sprintf("%s (%s).", message, r.URL.Path)
	dvid.Errorf("%s\n", errorMsg)
	http.Error(w, errorMsg, code)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		dvid.Errorf("unable to write JSON response: %v\n", err)
	}
}

func initRoutes() *web.Mux {
	mux := web.New()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.Recoverer)
	mux.Use(logRequests)
	if len(tc.Server.CorsDomains) != 0 {
		c := cors.New(cors.Options{
			AllowedOrigins:   tc.Server.CorsDomains,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "HEAD"},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
		})
		mux.Use(c.Handler)
	}
	mux.Use(isAuthorized)

	mux.Get("/api/help", helpHandler)
	mux.Get("/api/server/info", serverInfoHandler)

	mux.Get("/api/dims", getDimsHandler)
	mux.Post("/api/dims", postDimsHandler)

	mux.Get("/api/points/:name", getPointsHandler)
	mux.Post("/api/points/:name", postPointsHandler)
	mux.Delete("/api/points/:name", deletePointsHandler)

	mux.Get("/api/labels/:name/info", labelsInfoHandler)
	mux.Get("/api/labels/:name/slice", getSliceHandler)
	mux.Post("/api/labels/:name/slice", postSliceHandler)

	mux.Post("/api/merge", mergeHandler)
	mux.Get("/api/mutations/:labels", mutationsHandler)

	mux.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, fmt.Sprintf("Could not find the URL: %s", r.URL.Path), http.StatusNotFound)
	})
	return mux
}

func logRequests(c *web.C, h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		timedLog := dvid.NewTimeLog()
		h.ServeHTTP(w, r)
		timedLog.Debugf("HTTP %s: %s [%s]", r.Method, r.URL, middleware.GetReqID(*c))
	}
	return http.HandlerFunc(fn)
}

func helpHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, webHelp)
}

func serverInfoHandler(w http.ResponseWriter, r *http.Request) {
	reg := Layers()
	info := struct {
		Host    string
		Note    string
		Version string
		Config  string
		Kafka   bool
		Engines map[string]string
		Labels  []string
		Points  []string
	}{
		Host:    Host(),
		Note:    Note(),
		Version: Version.String(),
		Config:  ConfigLocation(),
		Kafka:   KafkaAvailable(),
		Engines: storage.Versions(),
		Labels:  reg.LabelNames(),
		Points:  reg.PointNames(),
	}
	writeJSON(w, info)
}

type dimsJSON struct {
	CurrentStep []int `json:"currentStep"`
}

func getDimsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, dimsJSON{CurrentStep: Layers().Dims.CurrentStep()})
}

func postDimsHandler(w http.ResponseWriter, r *http.Request) {
	var d dimsJSON
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		BadRequest(w, r, "bad dims JSON: %v", err)
		return
	}
	if err := Layers().Dims.SetCurrentStep(d.CurrentStep); err != nil {
		BadRequest(w, r, err)
		return
	}
	writeJSON(w, d)
}

type pointsJSON struct {
	Width int        `json:"width,omitempty"`
	Data  points.Set `json:"data"`
}

func getPoints(w http.ResponseWriter, r *http.Request, name string) (*layer.Points, bool) {
	p, found := Layers().Points(name)
	if !found {
		BadRequest(w, r, "no points layer %q", name)
	}
	return p, found
}

func getPointsHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	p, found := getPoints(w, r, c.URLParams["name"])
	if !found {
		return
	}
	data := p.Data()
	if data == nil {
		data = points.Set{}
	}
	writeJSON(w, pointsJSON{Width: p.Width(), Data: data})
}

func postPointsHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	p, found := getPoints(w, r, c.URLParams["name"])
	if !found {
		return
	}
	var pj pointsJSON
	if err := json.NewDecoder(r.Body).Decode(&pj); err != nil {
		BadRequest(w, r, "bad points JSON: %v", err)
		return
	}
	var err error
	if r.URL.Query().Get("replace") == "true" {
		err = p.Replace(pj.Data)
	} else {
		err = p.Add(pj.Data)
	}
	if err != nil {
		BadRequest(w, r, err)
		return
	}
	writeJSON(w, map[string]int{"count": p.Len()})
}

func deletePointsHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	p, found := getPoints(w, r, c.URLParams["name"])
	if !found {
		return
	}
	p.SetData(points.Set{})
}

func getLabels(w http.ResponseWriter, r *http.Request, name string) (*layer.Labels, bool) {
	l, found := Layers().Labels(name)
	if !found {
		BadRequest(w, r, "no labels layer %q", name)
	}
	return l, found
}

func labelsInfoHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	l, found := getLabels(w, r, c.URLParams["name"])
	if !found {
		return
	}
	toWorld, err := l.DataToWorld()
	if err != nil {
		ServerError(w, r, err)
		return
	}
	refreshes, last := l.Refreshes()
	info := struct {
		Name        string
		Store       string
		Shape       []int
		DataToWorld [][]float64
		Refreshes   uint64
		LastRefresh *labels.Region `json:",omitempty"`
	}{
		Name:        l.Name(),
		Store:       l.LabelStore.String(),
		Shape:       l.Shape(),
		DataToWorld: toWorld.Matrix(),
		Refreshes:   refreshes,
	}
	if refreshes != 0 {
		info.LastRefresh = &last
	}
	writeJSON(w, info)
}

// parseSliceIndex parses a comma-separated slice index, e.g. "3,0".
func parseSliceIndex(s string) ([]int, error) {
	if s == "" {
		return []int{}, nil
	}
	parts := strings.Split(s, ",")
	idx := make([]int, len(parts))
	for i, part := range parts {
		c, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("bad slice index %q: %v", s, err)
		}
		idx[i] = c
	}
	return idx, nil
}

type sliceJSON struct {
	Shape []int    `json:"shape"`
	Data  []uint64 `json:"data"`
}

func getSliceHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	l, found := getLabels(w, r, c.URLParams["name"])
	if !found {
		return
	}
	idx, err := parseSliceIndex(r.URL.Query().Get("idx"))
	if err != nil {
		BadRequest(w, r, err)
		return
	}
	vol, err := l.ReadSlice(r.Context(), idx)
	if err != nil {
		BadRequest(w, r, err)
		return
	}
	switch r.URL.Query().Get("format") {
	case "raw":
		w.Header().Set("Content-Type", "application/octet-stream")
		if _, err := w.Write(vol.Bytes()); err != nil {
			dvid.Errorf("unable to write slice %v of labels %q: %v\n", idx, l.Name(), err)
		}
	case "", "json":
		writeJSON(w, sliceJSON{Shape: vol.Shape(), Data: vol.Data()})
	default:
		BadRequest(w, r, "unknown slice format %q", r.URL.Query().Get("format"))
	}
}

func postSliceHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	l, found := getLabels(w, r, c.URLParams["name"])
	if !found {
		return
	}
	idx, err := parseSliceIndex(r.URL.Query().Get("idx"))
	if err != nil {
		BadRequest(w, r, err)
		return
	}
	shape := l.Shape()
	if len(idx) >= len(shape) {
		BadRequest(w, r, "slice index %v fixes all axes of %d-d labels", idx, len(shape))
		return
	}
	var vol *labels.Volume
	if r.Header.Get("Content-Type") == "application/octet-stream" {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			BadRequest(w, r, err)
			return
		}
		if vol, err = labels.NewVolume(shape[len(idx):]); err != nil {
			BadRequest(w, r, err)
			return
		}
		if err := vol.SetBytes(data); err != nil {
			BadRequest(w, r, err)
			return
		}
	} else {
		var sj sliceJSON
		if err := json.NewDecoder(r.Body).Decode(&sj); err != nil {
			BadRequest(w, r, "bad slice JSON: %v", err)
			return
		}
		if vol, err = labels.NewVolumeFromData(sj.Shape, sj.Data); err != nil {
			BadRequest(w, r, err)
			return
		}
	}
	if err := l.WriteSlice(idx, vol).Wait(); err != nil {
		BadRequest(w, r, err)
		return
	}
	l.Refresh(labels.Region{SliceIdx: idx, Bounds: labels.FullBounds(vol.Shape())})
}

type mergeResponse struct {
	MutationID uint64         `json:"mutationID,omitempty"`
	Target     uint64         `json:"target,omitempty"`
	Merged     []uint64       `json:"merged,omitempty"`
	Coords     [][]int        `json:"coords,omitempty"`
	Region     *labels.Region `json:"region,omitempty"`
}

func mergeHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		BadRequest(w, r, err)
		return
	}
	req, err := parseMergeRequest(data)
	if err != nil {
		BadRequest(w, r, err)
		return
	}
	l, found := getLabels(w, r, req.Labels)
	if !found {
		return
	}
	p, found := getPoints(w, r, req.Points)
	if !found {
		return
	}
	result, err := merge.Merge(r.Context(), Layers().Dims, l, p, req.ndim())
	if err != nil {
		if errors.Is(err, merge.ErrInvalidArgument) || errors.Is(err, merge.ErrInvalidState) {
			BadRequest(w, r, err)
		} else {
			ServerError(w, r, err)
		}
		return
	}
	var resp mergeResponse
	if result != nil && result.Write != nil {
		rec := NewMergeRecord(l.Name(), p.Name(), result.Op, result.Region)
		pendingWrites.Add(1)
		result.Write.AddDoneCallback(func(err error) {
			defer pendingWrites.Done()
			if err != nil {
				return
			}
			if err := LogMerge(rec); err != nil {
				dvid.Errorf("unable to log merge %d on labels %q: %v\n", rec.MutationID, rec.Labels, err)
			}
		})
		if req.Wait {
			if err := result.Write.Wait(); err != nil {
				ServerError(w, r, "merge of labels %q failed on write: %v", l.Name(), err)
				return
			}
		}
		resp = mergeResponse{
			MutationID: rec.MutationID,
			Target:     rec.Target,
			Merged:     rec.Merged,
			Coords:     result.Coords,
			Region:     &result.Region,
		}
	}
	writeJSON(w, resp)
}

func mutationsHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	l, found := getLabels(w, r, c.URLParams["labels"])
	if !found {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := ReadJSONMutations(w, l.Name()); err != nil {
		BadRequest(w, r, err)
	}
}
