package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strconv"

	"github.com/vxlantun/vxlantund/internal/endpoint"
	"github.com/vxlantun/vxlantund/internal/fdb"
)

// API implements the JSON-over-HTTP control surface (spec 6.1, 6.2),
// delegating every operation to an endpoint.Manager. It is the
// net/http analogue of the teacher's BFDServer
// (internal/server/server.go): a thin adapter between the wire format
// and the domain Manager.
type API struct {
	endpoints *endpoint.Manager
	logger    *slog.Logger
}

// New creates an API bound to mgr.
func New(mgr *endpoint.Manager, logger *slog.Logger) *API {
	return &API{endpoints: mgr, logger: logger.With(slog.String("component", "control"))}
}

// Mux builds a ServeMux with every control-plane route registered,
// wrapped in the logging and recovery middleware (spec 7).
func (a *API) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/endpoints", a.handleCreateEndpoint)
	mux.HandleFunc("DELETE /v1/endpoints/{vni}/{port}", a.handleDeleteEndpoint)
	mux.HandleFunc("GET /v1/endpoints", a.handleListEndpoints)
	mux.HandleFunc("GET /v1/endpoints/{vni}/{port}/stats", a.handleEndpointStats)
	mux.HandleFunc("POST /v1/fdb", a.handleAddFDB)
	mux.HandleFunc("DELETE /v1/fdb", a.handleDelFDB)
	mux.HandleFunc("GET /v1/fdb", a.handleDumpFDB)
	return RecoveryMiddleware(a.logger)(LoggingMiddleware(a.logger)(mux))
}

func (a *API) handleCreateEndpoint(w http.ResponseWriter, r *http.Request) {
	var req CreateEndpointRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cfg, err := req.toConfig()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ep, err := a.endpoints.CreateEndpoint(cfg)
	if err != nil {
		writeError(w, mapManagerErrorStatus(err), err)
		return
	}
	if err := ep.Up(); err != nil {
		writeError(w, mapManagerErrorStatus(err), err)
		return
	}

	writeJSON(w, http.StatusCreated, endpointViewFrom(ep))
}

func (a *API) handleDeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	vni, port, ok := vniPortFromPath(w, r)
	if !ok {
		return
	}
	ns := r.URL.Query().Get("namespace")

	if err := a.endpoints.DeleteEndpoint(vni, ns, port); err != nil {
		writeError(w, mapManagerErrorStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListEndpoints(w http.ResponseWriter, _ *http.Request) {
	eps := a.endpoints.All()
	views := make([]EndpointView, 0, len(eps))
	for _, ep := range eps {
		views = append(views, endpointViewFrom(ep))
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *API) handleEndpointStats(w http.ResponseWriter, r *http.Request) {
	vni, port, ok := vniPortFromPath(w, r)
	if !ok {
		return
	}
	ns := r.URL.Query().Get("namespace")

	ep, found := a.endpoints.Lookup(ns, vni, port)
	if !found {
		writeError(w, http.StatusNotFound, endpoint.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, countersViewFrom(ep.Counters.Snapshot()))
}

func (a *API) handleAddFDB(w http.ResponseWriter, r *http.Request) {
	var req AddFDBRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ep, found := a.endpoints.Lookup(req.Namespace, req.VNI, effectivePort(req.Port))
	if !found {
		writeError(w, http.StatusNotFound, endpoint.ErrNotFound)
		return
	}
	mac, err := fdb.ParseMAC(req.MAC)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ip, err := netip.ParseAddr(req.RemoteIP)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("remote_ip: %w", err))
		return
	}

	dst := fdb.Destination{IP: ip, Port: req.RemotePort, VNI: req.RemoteVNI}
	state := fdb.StateReachable
	if req.Permanent {
		state = fdb.StatePermanent
	}
	opt := fdb.OptCreate | fdb.OptReplace
	if req.Append {
		opt = fdb.OptCreate | fdb.OptAppend
	}

	if err := ep.FDB.CreateOrUpdate(mac, dst, state, 0, opt); err != nil {
		writeError(w, mapFDBErrorStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleDelFDB(w http.ResponseWriter, r *http.Request) {
	var req DelFDBRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ep, found := a.endpoints.Lookup(req.Namespace, req.VNI, effectivePort(req.Port))
	if !found {
		writeError(w, http.StatusNotFound, endpoint.ErrNotFound)
		return
	}
	mac, err := fdb.ParseMAC(req.MAC)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var filter *fdb.Destination
	if req.RemoteIP != "" {
		ip, err := netip.ParseAddr(req.RemoteIP)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("remote_ip: %w", err))
			return
		}
		filter = &fdb.Destination{IP: ip}
	}

	if err := ep.FDB.Delete(mac, filter); err != nil {
		writeError(w, mapFDBErrorStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDumpFDB implements GET /v1/fdb?vni=...&port=...&namespace=...; the
// supplemented all=true query flushes instead of dumping, matching
// vxlan.c's vxlan_flush ioctl (spec 4 SUPPLEMENTED FEATURES).
func (a *API) handleDumpFDB(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	vni, err := parseVNI(q.Get("vni"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	port := effectivePort(parsePortOrZero(q.Get("port")))
	ns := q.Get("namespace")

	ep, found := a.endpoints.Lookup(ns, vni, port)
	if !found {
		writeError(w, http.StatusNotFound, endpoint.ErrNotFound)
		return
	}

	if q.Get("all") == "true" {
		ep.FDB.Flush(true)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	records := ep.FDB.Dump()
	views := make([]FDBRecordView, 0, len(records))
	for _, rec := range records {
		views = append(views, fdbRecordViewFrom(rec))
	}
	writeJSON(w, http.StatusOK, views)
}

func effectivePort(p uint16) uint16 {
	if p == 0 {
		return endpoint.DefaultDstPort
	}
	return p
}

func parseVNI(s string) (uint32, error) {
	if s == "" {
		return 0, errors.New("control: missing vni query parameter")
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("control: invalid vni: %w", err)
	}
	return uint32(n), nil
}

func parsePortOrZero(s string) uint16 {
	n, _ := strconv.ParseUint(s, 10, 16)
	return uint16(n)
}

func vniPortFromPath(w http.ResponseWriter, r *http.Request) (vni uint32, port uint16, ok bool) {
	vniStr := r.PathValue("vni")
	portStr := r.PathValue("port")

	v, err := strconv.ParseUint(vniStr, 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("control: invalid vni %q: %w", vniStr, err))
		return 0, 0, false
	}
	p, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("control: invalid port %q: %w", portStr, err))
		return 0, 0, false
	}
	return uint32(v), uint16(p), true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer func() { _ = r.Body.Close() }()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("control: decode request body: %w", err))
		return false
	}
	return true
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// mapManagerErrorStatus maps endpoint.Manager errors to HTTP status codes
// (spec 7), the net/http analogue of the teacher's mapManagerError
// (internal/server/server.go) mapping the same domain errors to ConnectRPC
// codes.
func mapManagerErrorStatus(err error) int {
	switch {
	case errors.Is(err, endpoint.ErrDuplicateEndpoint):
		return http.StatusConflict
	case errors.Is(err, endpoint.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, endpoint.ErrInvalidVNI),
		errors.Is(err, endpoint.ErrInvalidPortRange),
		errors.Is(err, endpoint.ErrMulticastNoIface):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func mapFDBErrorStatus(err error) int {
	switch {
	case errors.Is(err, fdb.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, fdb.ErrExists), errors.Is(err, fdb.ErrUnsupported):
		return http.StatusConflict
	case errors.Is(err, fdb.ErrCapacity):
		return http.StatusInsufficientStorage
	case errors.Is(err, fdb.ErrInvalidMAC):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
