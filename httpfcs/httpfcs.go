/*Package httpfcs exposes the FCS status and the tracking loop controls
over HTTP for the observatory GUIs.

Read routes serve the live keyword state and the sqlite correction
history; the single mutating route toggles tracking and sits behind a
Locker so concurrent clients cannot fight over the loop.
*/
package httpfcs

import (
	"encoding/json"
	"fmt"
	"go/types"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"goji.io"
	"goji.io/pat"

	"github.com/wmko/deifcs/ktl"
	"github.com/wmko/deifcs/track/history"
)

// Tracker is the loop control surface the server drives.
type Tracker interface {
	// Tracking reports whether the loop is running
	Tracking() bool

	// SetTracking starts or stops the loop
	SetTracking(enable bool) error
}

// HTTPFCS binds the FCS status routes.  BindRoutes must be called on it.
type HTTPFCS struct {
	// Fcs is the deifcs keyword service the status is read from
	Fcs ktl.Service

	// Hist is the correction history; nil disables the history routes
	Hist *history.Store

	// Trk controls the tracking loop
	Trk Tracker

	// RouteTable maps goji patterns to http handlers
	RouteTable map[goji.Pattern]http.HandlerFunc
}

// New returns an HTTPFCS with the route table pre-configured.
func New(fcs ktl.Service, hist *history.Store, trk Tracker) *HTTPFCS {
	h := &HTTPFCS{Fcs: fcs, Hist: hist, Trk: trk}
	h.RouteTable = map[goji.Pattern]http.HandlerFunc{
		pat.Get("/status"):          h.Status,
		pat.Get("/reference"):       h.Reference,
		pat.Get("/correction/last"): h.LastCorrection,
		pat.Get("/history/:n"):      h.History,
		pat.Get("/tracking"):        h.GetTracking,
		pat.Post("/tracking"):       h.SetTracking,
	}
	return h
}

// RT satisfies the route-table convention used by the lock injection.
func (h *HTTPFCS) RT() map[goji.Pattern]http.HandlerFunc { return h.RouteTable }

// Bind attaches every route in the table to mux.
func (h *HTTPFCS) Bind(mux *goji.Mux) {
	for ptrn, handler := range h.RouteTable {
		mux.Handle(ptrn, handler)
	}
}

// InjectLocker adds the lock manipulation routes to the table.
func (h *HTTPFCS) InjectLocker(l *Locker) {
	h.RouteTable[pat.Get("/lock")] = l.HTTPGet
	h.RouteTable[pat.Post("/lock")] = l.HTTPSet
}

// NewRouter assembles the chi router: request logging, lock checking,
// and the goji route table mounted at the root.
func NewRouter(h *HTTPFCS, l *Locker) chi.Router {
	h.InjectLocker(l)
	mux := goji.NewMux()
	h.Bind(mux)
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	root.Use(l.Check)
	root.Mount("/", mux)
	return root
}

// statusKeywords are the deifcs keywords served by the status route.
var statusKeywords = []string{
	"FCSSTATE", "FCSSTA", "FCSMODE", "FCSTRACK", "FCSTASK",
	"FCSERR", "FCSMSG", "FCSREFFI", "FCSIMGFI", "FCSINTXM", "FCSINTYM",
}

// Status serves a JSON object of the FCS keywords, lowercased.
func (h *HTTPFCS) Status(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]string, len(statusKeywords))
	for _, kw := range statusKeywords {
		v, err := h.Fcs.Show(kw)
		if err != nil {
			http.Error(w, fmt.Sprintf("cannot read %s: %v", kw, err), http.StatusBadGateway)
			return
		}
		out[kw] = v
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(out); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Reference serves the reference file path the loop is tracking against.
func (h *HTTPFCS) Reference(w http.ResponseWriter, r *http.Request) {
	v, err := h.Fcs.Show("FCSREFFI")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	hp := HumanPayload{T: types.String, String: v}
	hp.EncodeAndRespond(w, r)
}

// LastCorrection serves the most recent history record.
func (h *HTTPFCS) LastCorrection(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Hist.Last()
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(rec); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// History serves the n most recent correction records.
func (h *HTTPFCS) History(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(pat.Param(r, "n"))
	if err != nil || n < 1 {
		http.Error(w, "history length must be a positive integer", http.StatusBadRequest)
		return
	}
	recs, err := h.Hist.Recent(n)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(recs); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// GetTracking reports whether the loop is running.
func (h *HTTPFCS) GetTracking(w http.ResponseWriter, r *http.Request) {
	hp := HumanPayload{T: types.Bool, Bool: h.Trk.Tracking()}
	hp.EncodeAndRespond(w, r)
}

// SetTracking starts or stops the loop from json:bool.
func (h *HTTPFCS) SetTracking(w http.ResponseWriter, r *http.Request) {
	b := BoolT{}
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	if err := h.Trk.SetTracking(b.Bool); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
