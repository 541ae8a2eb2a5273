package interbanking

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"

	"github.com/saturnpay/saturn/envelope"
	"github.com/saturnpay/saturn/protocol"
)

// Handler executes one verified settlement operation against the local
// ledger and returns the local reference for it.
type Handler func(r *http.Request, req *Request) (ourReference string, err error)

// Server answers settlement calls. Card operations verify against the
// acquirer root, everything else against the payment root, and the
// caller's signature is checked before any handler runs. That ordering
// is the whole point: never mutate on behalf of an unverified caller.
type Server struct {
	logger       *slog.Logger
	signer       envelope.Signer
	paymentRoot  *envelope.TrustRoot
	acquirerRoot *envelope.TrustRoot
	handlers     map[Operation]Handler
}

func NewServer(logger *slog.Logger, signer envelope.Signer, paymentRoot, acquirerRoot *envelope.TrustRoot) *Server {
	return &Server{
		logger:       logger.With(slog.String("component", "interbanking-server")),
		signer:       signer,
		paymentRoot:  paymentRoot,
		acquirerRoot: acquirerRoot,
		handlers:     make(map[Operation]Handler),
	}
}

// Handle registers the handler for one operation.
func (s *Server) Handle(op Operation, h Handler) {
	s.handlers[op] = h
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		http.Error(w, "expected application/json", http.StatusUnsupportedMediaType)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxResponseSize))
	if err != nil {
		http.Error(w, "reading request", http.StatusBadRequest)
		return
	}

	var req Request
	signedBy, err := envelope.Verify(body, ContextURI, QualifierRequest, &req)
	if err != nil {
		s.logger.Warn("interbanking request rejected", "err", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !req.Operation.Valid() {
		http.Error(w, fmt.Sprintf("unknown operation %q", req.Operation), http.StatusBadRequest)
		return
	}

	root := s.paymentRoot
	if req.Operation.CardOperation() {
		root = s.acquirerRoot
	}
	if root == nil || !root.Contains(signedBy) {
		s.logger.Warn("interbanking caller not trusted",
			slog.String("operation", string(req.Operation)))
		http.Error(w, ErrUntrustedCaller.Error(), http.StatusForbidden)
		return
	}

	if err := protocol.CheckAmount(req.Amount, req.Currency); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var ourReference string
	if req.TestMode {
		// Test mode exercises the protocol without touching any
		// ledger; the reference is synthetic but unique.
		ourReference = "test-" + uuid.NewString()
	} else {
		h, ok := s.handlers[req.Operation]
		if !ok {
			http.Error(w, fmt.Sprintf("operation %q not supported here", req.Operation), http.StatusBadRequest)
			return
		}
		ourReference, err = h(r, &req)
		if err != nil {
			s.logger.Error("interbanking operation failed",
				slog.String("operation", string(req.Operation)), "err", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	resp := Response{
		Head:         newHead(QualifierResponse),
		OurReference: ourReference,
		TestMode:     req.TestMode,
		Timestamp:    protocol.Now(),
	}
	signed, err := envelope.Sign(resp, s.signer)
	if err != nil {
		s.logger.Error("signing interbanking response", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.logger.Info("interbanking operation handled",
		slog.String("operation", string(req.Operation)),
		slog.String("ourReference", ourReference),
		slog.Bool("testMode", req.TestMode),
	)

	w.Header().Set("Content-Type", "application/json")
	w.Write(signed)
}
