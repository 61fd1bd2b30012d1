// Package rpc exposes the swap handlers over a JSON REST API. Business
// failures travel inside a 200 response as {code, msg, data}; HTTP status
// codes are reserved for malformed requests (400) and server faults (500).
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/crossport-exchange/crossport/internal/config"
	"github.com/crossport-exchange/crossport/internal/intermediary"
	"github.com/crossport-exchange/crossport/pkg/logging"
)

// maxBodyBytes bounds request bodies; swap requests are small.
const maxBodyBytes = 1 << 20

// Server is the HTTP front of the intermediary.
type Server struct {
	cfg config.APIConfig
	log *logging.Logger

	info      *intermediary.InfoHandler
	toBtcLn   *intermediary.ToBtcLnHandler
	toBtc     *intermediary.ToBtcHandler
	fromBtcLn *intermediary.FromBtcLnHandler
	fromBtc   *intermediary.FromBtcHandler

	wsHub *WSHub

	server   *http.Server
	listener net.Listener
}

// Handlers bundles the swap handlers the server serves.
type Handlers struct {
	Info      *intermediary.InfoHandler
	ToBtcLn   *intermediary.ToBtcLnHandler
	ToBtc     *intermediary.ToBtcHandler
	FromBtcLn *intermediary.FromBtcLnHandler
	FromBtc   *intermediary.FromBtcHandler
}

// NewServer creates the REST server over the given handlers.
func NewServer(cfg config.APIConfig, h *Handlers) *Server {
	return &Server{
		cfg:       cfg,
		log:       logging.GetDefault().Component("rpc"),
		info:      h.Info,
		toBtcLn:   h.ToBtcLn,
		toBtc:     h.ToBtc,
		fromBtcLn: h.FromBtcLn,
		fromBtc:   h.FromBtc,
		wsHub:     NewWSHub(),
	}
}

// Start binds the listener and serves until Stop.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = listener

	go s.wsHub.Run()

	p := strings.TrimSuffix(s.cfg.PathPrefix, "/")
	mux := http.NewServeMux()

	mux.HandleFunc("POST "+p+"/info", s.handleInfo)

	mux.HandleFunc("POST "+p+"/ln/payInvoice", s.handlePayInvoice)
	mux.HandleFunc("POST "+p+"/ln/getRefundAuthorization", s.handleLnRefundAuthorization)

	mux.HandleFunc("POST "+p+"/onchain/getQuote", s.handleGetQuote)
	mux.HandleFunc("POST "+p+"/onchain/getQuoteCommit", s.handleGetQuoteCommit)
	mux.HandleFunc("POST "+p+"/onchain/getRefundAuthorization", s.handleOnchainRefundAuthorization)

	mux.HandleFunc("POST "+p+"/ln/createInvoice", s.handleCreateInvoice)
	mux.HandleFunc("GET "+p+"/ln/getInvoiceStatus", s.handleInvoiceStatus)
	mux.HandleFunc("POST "+p+"/ln/getInvoiceStatus", s.handleInvoiceStatus)
	mux.HandleFunc("GET "+p+"/ln/getInvoicePaymentAuth", s.handleInvoicePaymentAuth)
	mux.HandleFunc("POST "+p+"/ln/getInvoicePaymentAuth", s.handleInvoicePaymentAuth)

	mux.HandleFunc("POST "+p+"/onchain/getAddress", s.handleGetAddress)

	mux.HandleFunc("GET "+p+"/ws", s.handleWS)

	s.server = &http.Server{
		Handler:      corsMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("server error", "error", err)
		}
	}()

	s.log.Info("API server started", "addr", s.cfg.ListenAddr, "prefix", p)
	return nil
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Addr returns the bound listen address, useful when the port was 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// WSHub returns the WebSocket hub for event wiring.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// envelope is the uniform response body.
type envelope struct {
	Code int         `json:"code"`
	Msg  string      `json:"msg"`
	Data interface{} `json:"data,omitempty"`
}

func (s *Server) writeSuccess(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(&envelope{Code: intermediary.CodeSuccess, Msg: "success", Data: data})
}

// writeBusiness serializes a handler error. Secrets and bound hints ride in
// the error's data field; 200 unless the handler marked a server fault.
func (s *Server) writeBusiness(w http.ResponseWriter, serr *intermediary.Error, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if serr.HTTPStatus != 0 {
		w.WriteHeader(serr.HTTPStatus)
	}
	if data == nil {
		data = serr.Data
	}
	json.NewEncoder(w).Encode(&envelope{Code: serr.Code, Msg: serr.Msg, Data: data})
}

// readBody decodes the request into dst and returns the raw bytes for swap
// metadata. A decode failure is a 400.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request, dst interface{}) (json.RawMessage, bool) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err == nil && len(raw) > 0 {
		err = json.Unmarshal(raw, dst)
	} else if len(raw) == 0 {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(&envelope{Code: intermediary.CodeInvalidBody, Msg: "invalid request body"})
		return nil, false
	}
	return raw, true
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	var req intermediary.InfoRequest
	if _, ok := s.readBody(w, r, &req); !ok {
		return
	}
	resp, serr := s.info.GetInfo(&req)
	if serr != nil {
		s.writeBusiness(w, serr, nil)
		return
	}
	s.writeSuccess(w, resp)
}

func (s *Server) handlePayInvoice(w http.ResponseWriter, r *http.Request) {
	var req intermediary.PayInvoiceRequest
	raw, ok := s.readBody(w, r, &req)
	if !ok {
		return
	}
	resp, serr := s.toBtcLn.PayInvoice(r.Context(), &req, raw)
	if serr != nil {
		s.writeBusiness(w, serr, nil)
		return
	}
	s.writeSuccess(w, resp)
}

func (s *Server) handleLnRefundAuthorization(w http.ResponseWriter, r *http.Request) {
	var req intermediary.RefundAuthorizationRequest
	if _, ok := s.readBody(w, r, &req); !ok {
		return
	}
	resp, serr := s.toBtcLn.GetRefundAuthorization(r.Context(), &req)
	if serr != nil {
		// Already-paid responses carry the revealed secret alongside the code.
		s.writeBusiness(w, serr, resp)
		return
	}
	s.writeSuccess(w, resp)
}

func (s *Server) handleGetQuote(w http.ResponseWriter, r *http.Request) {
	var req intermediary.GetQuoteRequest
	if _, ok := s.readBody(w, r, &req); !ok {
		return
	}
	resp, serr := s.toBtc.GetQuote(r.Context(), &req)
	if serr != nil {
		s.writeBusiness(w, serr, nil)
		return
	}
	s.writeSuccess(w, resp)
}

func (s *Server) handleGetQuoteCommit(w http.ResponseWriter, r *http.Request) {
	var req intermediary.GetQuoteCommitRequest
	raw, ok := s.readBody(w, r, &req)
	if !ok {
		return
	}
	resp, serr := s.toBtc.GetQuoteCommit(r.Context(), &req, raw)
	if serr != nil {
		s.writeBusiness(w, serr, nil)
		return
	}
	s.writeSuccess(w, resp)
}

func (s *Server) handleOnchainRefundAuthorization(w http.ResponseWriter, r *http.Request) {
	var req intermediary.RefundAuthorizationRequest
	if _, ok := s.readBody(w, r, &req); !ok {
		return
	}
	resp, serr := s.toBtc.GetRefundAuthorization(r.Context(), &req)
	if serr != nil {
		s.writeBusiness(w, serr, resp)
		return
	}
	s.writeSuccess(w, resp)
}

func (s *Server) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req intermediary.CreateInvoiceRequest
	raw, ok := s.readBody(w, r, &req)
	if !ok {
		return
	}
	resp, serr := s.fromBtcLn.CreateInvoice(r.Context(), &req, raw)
	if serr != nil {
		s.writeBusiness(w, serr, nil)
		return
	}
	s.writeSuccess(w, resp)
}

// invoiceStatusRequest pulls the payment hash from the query string on GET
// and from the body on POST.
func (s *Server) invoiceStatusRequest(w http.ResponseWriter, r *http.Request) (*intermediary.InvoiceStatusRequest, bool) {
	if r.Method == http.MethodGet {
		return &intermediary.InvoiceStatusRequest{PaymentHash: r.URL.Query().Get("paymentHash")}, true
	}
	var req intermediary.InvoiceStatusRequest
	if _, ok := s.readBody(w, r, &req); !ok {
		return nil, false
	}
	return &req, true
}

func (s *Server) handleInvoiceStatus(w http.ResponseWriter, r *http.Request) {
	req, ok := s.invoiceStatusRequest(w, r)
	if !ok {
		return
	}
	// The status itself is a business code; there is no separate success
	// payload.
	s.writeBusiness(w, s.fromBtcLn.GetInvoiceStatus(r.Context(), req), nil)
}

func (s *Server) handleInvoicePaymentAuth(w http.ResponseWriter, r *http.Request) {
	req, ok := s.invoiceStatusRequest(w, r)
	if !ok {
		return
	}
	resp, serr := s.fromBtcLn.GetInvoicePaymentAuth(r.Context(), req)
	if serr != nil {
		s.writeBusiness(w, serr, nil)
		return
	}
	s.writeSuccess(w, resp)
}

// handleGetAddress streams the sign-data prefetch as soon as it is known,
// then the final envelope, as newline-delimited JSON.
func (s *Server) handleGetAddress(w http.ResponseWriter, r *http.Request) {
	var req intermediary.GetAddressRequest
	raw, ok := s.readBody(w, r, &req)
	if !ok {
		return
	}

	stream := newJSONStream(w)
	resp, serr := s.fromBtc.GetAddress(r.Context(), &req, raw, stream)
	if serr != nil {
		if stream.wrote() {
			// Headers are gone; the error must travel in-stream.
			stream.WriteField("error", &envelope{Code: serr.Code, Msg: serr.Msg, Data: serr.Data})
			return
		}
		s.writeBusiness(w, serr, nil)
		return
	}
	if err := stream.WriteFinal(&envelope{Code: intermediary.CodeSuccess, Msg: "success", Data: resp}); err != nil {
		s.log.Debug("client went away mid-stream", "error", err)
	}
}

// corsMiddleware lets browser clients talk to the API from any origin.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
