// Package httpapi maps the HTTP endpoint table of spec.md §6.1 onto the
// mint engine. It stops at request/response mapping: no listener is
// started here and no transport framing decisions are made, per spec.md's
// explicit Non-goal on routing/framing.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/cashubtc/cdk-sub008/cashu"
	"github.com/cashubtc/cdk-sub008/cashu/nuts/nut01"
	"github.com/cashubtc/cdk-sub008/cashu/nuts/nut02"
	"github.com/cashubtc/cdk-sub008/cashu/nuts/nut03"
	"github.com/cashubtc/cdk-sub008/cashu/nuts/nut04"
	"github.com/cashubtc/cdk-sub008/cashu/nuts/nut05"
	"github.com/cashubtc/cdk-sub008/cashu/nuts/nut07"
	"github.com/cashubtc/cdk-sub008/cashu/nuts/nut09"
	"github.com/cashubtc/cdk-sub008/mint"
	"github.com/cashubtc/cdk-sub008/mint/cache"
	"github.com/cashubtc/cdk-sub008/mint/storage"
)

const bolt11 = "bolt11"

// Handlers registers the §6.1 endpoint table on a gorilla/mux router built
// around a single Mint. cache may be nil, in which case the NUT-19 replay
// behavior is skipped (responses are always recomputed).
type Handlers struct {
	mint  *mint.Mint
	cache *cache.Cache
}

// Register wires every §6.1 route onto r.
func Register(r *mux.Router, m *mint.Mint, c *cache.Cache) {
	h := &Handlers{mint: m, cache: c}

	r.HandleFunc("/v1/info", h.getInfo).Methods(http.MethodGet)
	r.HandleFunc("/v1/keys", h.getActiveKeys).Methods(http.MethodGet)
	r.HandleFunc("/v1/keys/{keyset_id}", h.getKeysById).Methods(http.MethodGet)
	r.HandleFunc("/v1/keysets", h.getKeysets).Methods(http.MethodGet)

	r.HandleFunc("/v1/mint/quote/bolt11", h.postMintQuote).Methods(http.MethodPost)
	r.HandleFunc("/v1/mint/quote/bolt11/{quote_id}", h.getMintQuote).Methods(http.MethodGet)
	r.HandleFunc("/v1/mint/bolt11", h.postMint).Methods(http.MethodPost)

	r.HandleFunc("/v1/melt/quote/bolt11", h.postMeltQuote).Methods(http.MethodPost)
	r.HandleFunc("/v1/melt/quote/bolt11/{quote_id}", h.getMeltQuote).Methods(http.MethodGet)
	r.HandleFunc("/v1/melt/bolt11", h.postMelt).Methods(http.MethodPost)

	r.HandleFunc("/v1/swap", h.postSwap).Methods(http.MethodPost)
	r.HandleFunc("/v1/checkstate", h.postCheckState).Methods(http.MethodPost)
	r.HandleFunc("/v1/restore", h.postRestore).Methods(http.MethodPost)
}

func (h *Handlers) getInfo(rw http.ResponseWriter, req *http.Request) {
	info, err := h.mint.RetrieveMintInfo(req.Context())
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, info)
}

func (h *Handlers) getActiveKeys(rw http.ResponseWriter, req *http.Request) {
	keysets := h.mint.ActivePublicKeysets()
	writeJSON(rw, http.StatusOK, nut01.GetKeysResponse{Keysets: keysets})
}

func (h *Handlers) getKeysById(rw http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["keyset_id"]
	keyset, err := h.mint.PublicKeysetById(id)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, nut01.GetKeysResponse{Keysets: []nut01.Keyset{keyset}})
}

func (h *Handlers) getKeysets(rw http.ResponseWriter, req *http.Request) {
	infos := h.mint.ListKeysetInfo()
	response := nut02.GetKeysetsResponse{Keysets: make([]nut02.Keyset, len(infos))}
	for i, info := range infos {
		response.Keysets[i] = nut02.Keyset{
			Id:          info.Id,
			Unit:        info.Unit,
			Active:      info.Active,
			InputFeePpk: info.InputFeePpk,
		}
	}
	writeJSON(rw, http.StatusOK, response)
}

func (h *Handlers) postMintQuote(rw http.ResponseWriter, req *http.Request) {
	var request nut04.PostMintQuoteBolt11Request
	if err := decodeJsonReqBody(req, &request); err != nil {
		writeError(rw, err)
		return
	}

	quote, err := h.mint.RequestMintQuote(req.Context(), bolt11, request.Amount, request.Unit, request.Description, request.Pubkey)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, mintQuoteResponse(quote))
}

func (h *Handlers) getMintQuote(rw http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["quote_id"]
	quote, err := h.mint.GetMintQuoteState(req.Context(), bolt11, id)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, mintQuoteResponse(quote))
}

func (h *Handlers) postMint(rw http.ResponseWriter, req *http.Request) {
	var request nut04.PostMintBolt11Request
	if err := decodeJsonReqBody(req, &request); err != nil {
		writeError(rw, err)
		return
	}

	key, hit := h.cacheLookup(req, rw)
	if hit {
		return
	}

	signatures, err := h.mint.MintTokens(req.Context(), bolt11, request.Quote, request.Outputs, request.Signature)
	if err != nil {
		writeError(rw, err)
		return
	}
	h.cacheStore(key, writeJSON(rw, http.StatusOK, nut04.PostMintBolt11Response{Signatures: signatures}))
}

func (h *Handlers) postMeltQuote(rw http.ResponseWriter, req *http.Request) {
	var request nut05.PostMeltQuoteBolt11Request
	if err := decodeJsonReqBody(req, &request); err != nil {
		writeError(rw, err)
		return
	}

	quote, err := h.mint.RequestMeltQuote(req.Context(), bolt11, request.Request, request.Unit, request.Options)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, meltQuoteResponse(quote))
}

func (h *Handlers) getMeltQuote(rw http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["quote_id"]
	quote, err := h.mint.GetMeltQuoteState(req.Context(), bolt11, id)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, meltQuoteResponse(quote))
}

func (h *Handlers) postMelt(rw http.ResponseWriter, req *http.Request) {
	var request nut05.PostMeltBolt11Request
	if err := decodeJsonReqBody(req, &request); err != nil {
		writeError(rw, err)
		return
	}

	key, hit := h.cacheLookup(req, rw)
	if hit {
		return
	}

	quote, change, err := h.mint.MeltTokens(req.Context(), bolt11, request.Quote, request.Inputs, request.Outputs)
	if err != nil {
		writeError(rw, err)
		return
	}
	response := nut05.PostMeltBolt11Response{PostMeltQuoteBolt11Response: meltQuoteResponse(quote), Change: change}
	h.cacheStore(key, writeJSON(rw, http.StatusOK, response))
}

func (h *Handlers) postSwap(rw http.ResponseWriter, req *http.Request) {
	var request nut03.PostSwapRequest
	if err := decodeJsonReqBody(req, &request); err != nil {
		writeError(rw, err)
		return
	}

	key, hit := h.cacheLookup(req, rw)
	if hit {
		return
	}

	signatures, err := h.mint.Swap(req.Context(), request.Inputs, request.Outputs)
	if err != nil {
		writeError(rw, err)
		return
	}
	h.cacheStore(key, writeJSON(rw, http.StatusOK, nut03.PostSwapResponse{Signatures: signatures}))
}

func (h *Handlers) postCheckState(rw http.ResponseWriter, req *http.Request) {
	var request nut07.PostCheckStateRequest
	if err := decodeJsonReqBody(req, &request); err != nil {
		writeError(rw, err)
		return
	}

	states, err := h.mint.CheckState(req.Context(), request.Ys)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, nut07.PostCheckStateResponse{States: states})
}

func (h *Handlers) postRestore(rw http.ResponseWriter, req *http.Request) {
	var request nut09.PostRestoreRequest
	if err := decodeJsonReqBody(req, &request); err != nil {
		writeError(rw, err)
		return
	}

	outputs, signatures, err := h.mint.Restore(req.Context(), request.Outputs)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, nut09.PostRestoreResponse{Outputs: outputs, Signatures: signatures})
}

func mintQuoteResponse(quote storage.MintQuote) nut04.PostMintQuoteBolt11Response {
	pubkey := ""
	if quote.Pubkey != nil {
		pubkey = fmt.Sprintf("%x", quote.Pubkey.SerializeCompressed())
	}
	return nut04.PostMintQuoteBolt11Response{
		Quote:        quote.Id,
		Request:      quote.PaymentRequest,
		State:        quote.State,
		Expiry:       int64(quote.Expiry),
		Pubkey:       pubkey,
		AmountPaid:   quote.AmountPaid,
		AmountIssued: quote.AmountIssued,
	}
}

func meltQuoteResponse(quote storage.MeltQuote) nut05.PostMeltQuoteBolt11Response {
	return nut05.PostMeltQuoteBolt11Response{
		Quote:      quote.Id,
		Amount:     quote.Amount,
		FeeReserve: quote.FeeReserve,
		State:      quote.State,
		Preimage:   quote.Preimage,
	}
}

// cacheLookup replays a cached response for NUT-19-eligible paths (spec.md
// §6.2). It reads req.Body fully and restores it so the caller can still
// decode the request normally; key is empty when caching is disabled.
func (h *Handlers) cacheLookup(req *http.Request, rw http.ResponseWriter) (key string, hit bool) {
	if h.cache == nil {
		return "", false
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return "", false
	}
	key = req.URL.Path + ":" + cache.Key(body)
	if response, ok := h.cache.Get(key); ok {
		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(http.StatusOK)
		rw.Write(response)
		return key, true
	}
	return key, false
}

// cacheStore persists response under key once the handler has already
// written it to the client; response is the exact bytes sent, so a replay
// is byte-identical (spec.md §6.2).
func (h *Handlers) cacheStore(key string, response []byte) {
	if h.cache == nil || key == "" || response == nil {
		return
	}
	_ = h.cache.Put(key, response, time.Now())
}

func decodeJsonReqBody(req *http.Request, dst any) error {
	ct := req.Header.Get("Content-Type")
	if ct != "" {
		mediaType := strings.ToLower(strings.Split(ct, ";")[0])
		if mediaType != "application/json" {
			return cashu.BuildCashuError("Content-Type header is not application/json", cashu.StandardErrCode)
		}
	}

	dec := json.NewDecoder(req.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError

		switch {
		case errors.As(err, &syntaxErr):
			return cashu.BuildCashuError(fmt.Sprintf("bad json at %d", syntaxErr.Offset), cashu.StandardErrCode)
		case errors.As(err, &typeErr):
			return cashu.BuildCashuError(fmt.Sprintf("invalid %v for field %q", typeErr.Value, typeErr.Field), cashu.StandardErrCode)
		case errors.Is(err, io.EOF):
			return cashu.EmptyBodyErr
		case strings.HasPrefix(err.Error(), "json: unknown field "):
			field := strings.TrimPrefix(err.Error(), "json: unknown field ")
			return cashu.BuildCashuError(fmt.Sprintf("request body contains unknown field %s", field), cashu.StandardErrCode)
		default:
			return cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
		}
	}
	return nil
}

func writeJSON(rw http.ResponseWriter, status int, v any) []byte {
	body, err := json.Marshal(v)
	if err != nil {
		rw.WriteHeader(http.StatusInternalServerError)
		return nil
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	rw.Write(body)
	return body
}

func writeError(rw http.ResponseWriter, err error) {
	var cashuErr *cashu.Error
	if !errors.As(err, &cashuErr) {
		cashuErr = cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusBadRequest)
	body, _ := json.Marshal(cashuErr)
	rw.Write(body)
}
