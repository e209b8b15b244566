// Package httpserver exposes the REST facade over the escrow registry.
package httpserver

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tidemark/escrowd/errs"
	"github.com/tidemark/escrowd/internal/domain/eventlog"
	"github.com/tidemark/escrowd/internal/escrow"
	"github.com/tidemark/escrowd/internal/registry"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	escrowsPath        = "/escrows"
	escrowDetailPrefix = escrowsPath + "/"

	transferOutcomePath = "/transfers/outcome"
	healthPath          = "/healthz"

	// resolveTokenHeader carries the shared secret guarding the transfer
	// outcome endpoints when one is configured.
	resolveTokenHeader = "X-Resolve-Token"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	registry     *registry.Registry
	events       eventlog.Store
	resolveToken string
}

// HandlerOption customises the HTTP handler.
type HandlerOption func(*httpServer)

// WithResolveToken requires the shared secret on the transfer outcome
// endpoints. An empty token leaves them open, which suits deployments where
// outcomes arrive from an in-process backend only.
func WithResolveToken(token string) HandlerOption {
	return func(s *httpServer) {
		s.resolveToken = token
	}
}

// NewHandler creates the HTTP handler for escrow operations. The event store
// is optional; without it the event listing endpoint reports unavailable.
func NewHandler(reg *registry.Registry, events eventlog.Store, opts ...HandlerOption) http.Handler {
	server := &httpServer{registry: reg, events: events}
	for _, opt := range opts {
		if opt != nil {
			opt(server)
		}
	}
	mux := http.NewServeMux()

	mux.Handle(escrowsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.listEscrows,
		http.MethodPost: server.createEscrow,
	}))
	mux.Handle(escrowDetailPrefix, http.HandlerFunc(server.handleEscrow))

	mux.Handle(transferOutcomePath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.resolveOutcome,
	}))

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "escrows": s.registry.Len()})
}

func (s *httpServer) listEscrows(w http.ResponseWriter, _ *http.Request) {
	ids := s.registry.IDs()
	sort.Strings(ids)
	writeJSON(w, http.StatusOK, map[string]any{"escrows": ids})
}

type createPayload struct {
	Params *escrow.Params `json:"params"`
}

func (s *httpServer) createEscrow(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var payload createPayload
	if err := decodeBody(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	if payload.Params == nil {
		writeError(w, http.StatusBadRequest, "params required")
		return
	}
	id, err := s.registry.Create(r.Context(), payload.Params)
	if err != nil {
		s.writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"escrow_id": id})
}

func (s *httpServer) handleEscrow(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, escrowDetailPrefix), "/")
	if rest == "" {
		writeError(w, http.StatusNotFound, "escrow id required")
		return
	}

	id, action, hasAction := strings.Cut(rest, "/")
	id = strings.TrimSpace(id)
	if id == "" {
		writeError(w, http.StatusNotFound, "escrow id required")
		return
	}

	if !hasAction {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.getEscrow(w, id)
		return
	}

	s.handleEscrowAction(w, r, id, strings.TrimSpace(action))
}

func (s *httpServer) getEscrow(w http.ResponseWriter, id string) {
	state, err := s.registry.State(id)
	if err != nil {
		s.writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stateResponse(id, state))
}

func (s *httpServer) handleEscrowAction(w http.ResponseWriter, r *http.Request, id, action string) {
	if action == "events" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.listEvents(w, r, id)
		return
	}

	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	limitRequestBody(w, r)

	switch action {
	case "deposit":
		s.deposit(w, r, id)
	case "fill":
		s.fill(w, r, id)
	case "close":
		s.close(w, r, id)
	case "sweep":
		s.sweep(w, r, id)
	case "resolve":
		s.resolve(w, r, id)
	case "terms":
		s.adoptTerms(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "unsupported action")
	}
}

type depositPayload struct {
	Sender escrow.Identity `json:"sender"`
	Asset  escrow.AssetID  `json:"asset"`
	Amount uint64          `json:"amount"`
	Params *escrow.Params  `json:"params"`
}

func (s *httpServer) deposit(w http.ResponseWriter, r *http.Request, id string) {
	var payload depositPayload
	if err := decodeBody(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	accepted, err := s.registry.Deposit(r.Context(), id, payload.Sender, payload.Asset, payload.Amount, payload.Params)
	if err != nil {
		s.writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"escrow_id": id, "accepted": accepted})
}

type fillPayload struct {
	Sender escrow.Identity    `json:"sender"`
	Asset  escrow.AssetID     `json:"asset"`
	Amount uint64             `json:"amount"`
	Params *escrow.Params     `json:"params"`
	Fill   escrow.FillRequest `json:"fill"`
}

func (s *httpServer) fill(w http.ResponseWriter, r *http.Request, id string) {
	var payload fillPayload
	if err := decodeBody(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	unused, err := s.registry.Fill(r.Context(), id, payload.Sender, payload.Asset, payload.Amount, payload.Params, payload.Fill)
	if err != nil {
		s.writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"escrow_id": id, "dst_unused": unused})
}

type closePayload struct {
	Sender escrow.Identity `json:"sender"`
	Params *escrow.Params  `json:"params"`
}

func (s *httpServer) close(w http.ResponseWriter, r *http.Request, id string) {
	var payload closePayload
	if err := decodeBody(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	cleaned, err := s.registry.Close(r.Context(), id, payload.Sender, payload.Params)
	if err != nil {
		s.writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"escrow_id": id, "status": "closed", "cleaned_up": cleaned})
}

type sweepPayload struct {
	Params *escrow.Params `json:"params"`
}

func (s *httpServer) sweep(w http.ResponseWriter, r *http.Request, id string) {
	var payload sweepPayload
	if err := decodeBody(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	cleaned, err := s.registry.Sweep(r.Context(), id, payload.Params)
	if err != nil {
		s.writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"escrow_id": id, "status": "swept", "cleaned_up": cleaned})
}

type outcomePayload struct {
	LegID  uuid.UUID      `json:"leg_id"`
	Asset  escrow.AssetID `json:"asset"`
	Amount uint64         `json:"amount"`
	Result string         `json:"result"`
}

func (p outcomePayload) toOutcome() (escrow.TransferOutcome, error) {
	out := escrow.TransferOutcome{
		LegID:  p.LegID,
		Asset:  p.Asset,
		Amount: p.Amount,
	}
	switch p.Result {
	case "success":
		out.Result = escrow.ResultSuccess
	case "failure":
		out.Result = escrow.ResultFailure
	case "unknown":
		out.Result = escrow.ResultUnknown
	default:
		return out, fmt.Errorf("result must be success, failure or unknown")
	}
	if out.LegID == uuid.Nil {
		return out, fmt.Errorf("leg_id required")
	}
	return out, nil
}

type resolvePayload struct {
	Outcomes []outcomePayload `json:"outcomes"`
}

// authorizeResolve gates outcome reconciliation behind the shared secret.
// Settlement backends are the only legitimate callers of these endpoints.
func (s *httpServer) authorizeResolve(r *http.Request) error {
	if s.resolveToken == "" {
		return nil
	}
	supplied := r.Header.Get(resolveTokenHeader)
	if subtle.ConstantTimeCompare([]byte(supplied), []byte(s.resolveToken)) == 1 {
		return nil
	}
	return errs.New("", errs.CodeUnauthorized, errs.WithMessage("resolve token required"))
}

func (s *httpServer) resolve(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.authorizeResolve(r); err != nil {
		s.writeEscrowError(w, err)
		return
	}
	var payload resolvePayload
	if err := decodeBody(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	if len(payload.Outcomes) == 0 {
		writeError(w, http.StatusBadRequest, "outcomes required")
		return
	}
	outcomes := make([]escrow.TransferOutcome, 0, len(payload.Outcomes))
	for _, p := range payload.Outcomes {
		out, err := p.toOutcome()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		outcomes = append(outcomes, out)
	}
	cleaned, err := s.registry.Resolve(r.Context(), id, outcomes)
	if err != nil {
		s.writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"escrow_id": id, "cleaned_up": cleaned})
}

func (s *httpServer) resolveOutcome(w http.ResponseWriter, r *http.Request) {
	if err := s.authorizeResolve(r); err != nil {
		s.writeEscrowError(w, err)
		return
	}
	limitRequestBody(w, r)
	var payload outcomePayload
	if err := decodeBody(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	out, err := payload.toOutcome()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.registry.ResolveOutcome(r.Context(), out)
	if err != nil {
		s.writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"escrow_id": id, "status": "resolved"})
}

type termsPayload struct {
	Params *escrow.Params `json:"params"`
}

func (s *httpServer) adoptTerms(w http.ResponseWriter, r *http.Request, id string) {
	var payload termsPayload
	if err := decodeBody(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	if payload.Params == nil {
		writeError(w, http.StatusBadRequest, "params required")
		return
	}
	if err := s.registry.AdoptTerms(id, payload.Params); err != nil {
		s.writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"escrow_id": id, "status": "terms adopted"})
}

func (s *httpServer) listEvents(w http.ResponseWriter, r *http.Request, id string) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event log unavailable")
		return
	}
	records, err := s.events.ListByEscrow(r.Context(), id, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"escrow_id": id, "events": records})
}

func stateResponse(id string, state escrow.Snapshot) map[string]any {
	return map[string]any{
		"escrow_id":     id,
		"src_remaining": state.SrcRemaining,
		"dst_lost":      state.DstLost,
		"src_lost":      state.SrcLost,
		"closed":        state.Closed,
		"in_flight":     state.InFlight,
	}
}

func (s *httpServer) writeEscrowError(w http.ResponseWriter, err error) {
	switch errs.CodeOf(err) {
	case errs.CodeNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case errs.CodeConflict, errs.CodeClosed, errs.CodeCleanupInProgress:
		writeError(w, http.StatusConflict, err.Error())
	case errs.CodeUnauthorized, errs.CodeWrongSender:
		writeError(w, http.StatusForbidden, err.Error())
	case errs.CodeUnavailable:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case "":
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func decodeBody(r *http.Request, dst any) error {
	defer func() {
		_ = r.Body.Close()
	}()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+resolveTokenHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
