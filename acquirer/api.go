package acquirer

import (
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/saturnpay/saturn/authority"
)

const maxRequestSize = 1 << 20

// API exposes the acquirer's protocol surface: the card operation
// endpoint and the published authority object.
type API struct {
	service *Service
	manager *authority.Manager
}

func NewAPI(service *Service, manager *authority.Manager) *API {
	return &API{service: service, manager: manager}
}

func (a *API) AppendRoutes(router chi.Router) {
	router.Post("/service", a.handleService)
	router.Get("/authority", a.handleAuthority)
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

	out := a.service.Process(r.Context(), body)
	if out.Body != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(out.HTTPStatus)
		w.Write(out.Body)
		return
	}
	http.Error(w, out.Message, out.HTTPStatus)
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
