package intermediary

import (
	"encoding/json"

	"github.com/crossport-exchange/crossport/internal/chains"
	"github.com/crossport-exchange/crossport/pkg/helpers"
	"github.com/crossport-exchange/crossport/pkg/logging"
)

// maxInfoNonceLen bounds the client nonce binding the /info response.
const maxInfoNonceLen = 64

// InfoHandler serves the signed discovery envelope describing every swap
// handler's static parameters.
type InfoHandler struct {
	registry *chains.Registry
	handlers []Handler
	log      *logging.Logger
}

// NewInfoHandler creates the discovery handler over the given swap handlers.
func NewInfoHandler(registry *chains.Registry, handlers ...Handler) *InfoHandler {
	return &InfoHandler{
		registry: registry,
		handlers: handlers,
		log:      logging.GetDefault().Component("info"),
	}
}

// InfoRequest is the body of POST /info.
type InfoRequest struct {
	Nonce string `json:"nonce"`
}

// ChainSignature is one chain's signature over the envelope.
type ChainSignature struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
}

// InfoResponse carries the JSON envelope and its per-chain signatures. The
// top-level address and signature belong to the first registered chain.
type InfoResponse struct {
	Envelope  string                    `json:"envelope"`
	Address   string                    `json:"address"`
	Signature string                    `json:"signature"`
	Chains    map[string]ChainSignature `json:"chains"`
}

type infoEnvelope struct {
	Nonce    string                  `json:"nonce"`
	Services map[string]*HandlerInfo `json:"services"`
}

// GetInfo builds and signs the discovery envelope. The caller's nonce is
// echoed inside the signed payload so the response cannot be replayed.
func (h *InfoHandler) GetInfo(req *InfoRequest) (*InfoResponse, *Error) {
	if len(req.Nonce) > maxInfoNonceLen || (req.Nonce != "" && !helpers.IsHex(req.Nonce)) {
		return nil, NewError(CodeInvalidBody, "invalid nonce")
	}

	services := make(map[string]*HandlerInfo, len(h.handlers))
	for _, handler := range h.handlers {
		services[handler.Kind()] = handler.Info()
	}

	envelope, err := json.Marshal(&infoEnvelope{Nonce: req.Nonce, Services: services})
	if err != nil {
		return nil, &Error{Code: CodePluginMessage, Msg: "envelope encoding failed", HTTPStatus: 500}
	}

	resp := &InfoResponse{
		Envelope: string(envelope),
		Chains:   make(map[string]ChainSignature),
	}
	for _, contract := range h.registry.All() {
		sig, serr := contract.SignMessage(envelope)
		if serr != nil {
			h.log.Error("envelope signing failed", "chain", contract.ChainID(), "error", serr)
			return nil, &Error{Code: CodePluginMessage, Msg: "envelope signing failed", HTTPStatus: 500}
		}
		resp.Chains[contract.ChainID()] = ChainSignature{
			Address:   sig.Address,
			Signature: sig.Signature,
		}
		if resp.Address == "" {
			resp.Address = sig.Address
			resp.Signature = sig.Signature
		}
	}
	return resp, nil
}
