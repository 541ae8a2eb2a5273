package bank

import (
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/saturnpay/saturn/authority"
	"github.com/saturnpay/saturn/interbanking"
)

const maxRequestSize = 1 << 20

// API exposes the bank's protocol surface: the service endpoint, the
// published authority objects, and the interbanking endpoint.
type API struct {
	service   *Service
	manager   *authority.Manager
	interbank *interbanking.Server
}

func NewAPI(service *Service, manager *authority.Manager, interbank *interbanking.Server) *API {
	return &API{service: service, manager: manager, interbank: interbank}
}

func (a *API) AppendRoutes(router chi.Router) {
	router.Post("/service", a.handleService)
	router.Get("/authority", a.handleAuthority)
	router.Get("/payees/{id}", a.handlePayeeAuthority)
	router.Method(http.MethodPost, "/interbanking", a.interbank)
}

func (a *API) handleService(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		http.Error(w, "expected application/json", http.StatusUnsupportedMediaType)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err != nil {
		http.Error(w, "reading request", http.StatusBadRequest)
		return
	}

	clientIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		clientIP = host
	}

	out := a.service.Process(r.Context(), body, clientIP)
	if out.Body != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(out.HTTPStatus)
		w.Write(out.Body)
		return
	}
	// Hard failures travel as clear text; there is deliberately no
	// machine-readable error schema for them.
	http.Error(w, string(out.Reason), out.HTTPStatus)
}

func (a *API) handleAuthority(w http.ResponseWriter, r *http.Request) {
	doc := a.manager.CurrentAuthority()
	if doc == nil {
		http.Error(w, "authority not yet published", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(doc)
}

func (a *API) handlePayeeAuthority(w http.ResponseWriter, r *http.Request) {
	doc, ok := a.manager.PayeeAuthority(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "no such payee", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(doc)
}
