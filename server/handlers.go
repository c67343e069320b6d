// Copyright 2026 Google LLC. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes a relay.Service as a JSON over HTTP API under
// /relay/v1/.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/merklerelay/relay/headers"
	"github.com/merklerelay/relay/merkle"
	"github.com/merklerelay/relay/registry"
	"github.com/merklerelay/relay/relay"
	"github.com/merklerelay/relay/stake"
	"github.com/merklerelay/relay/storage"
	"github.com/merklerelay/relay/types"
	"k8s.io/klog/v2"
)

// PathPrefix is the prefix of every relay entrypoint.
const PathPrefix = "/relay/v1/"

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 8 << 20

// watchBuffer is the number of NewRoot events buffered per watcher before
// events are dropped for it.
const watchBuffer = 64

// RelayContext holds what the handlers need to serve one relay.
type RelayContext struct {
	svc *relay.Service
	// timeout bounds each request. Zero means no limit beyond the
	// client's own.
	timeout time.Duration
	// roots feeds watch-roots. Nil disables the endpoint.
	roots *relay.Broadcaster
}

// NewRelayContext returns a RelayContext serving svc.
func NewRelayContext(svc *relay.Service, timeout time.Duration) *RelayContext {
	return &RelayContext{svc: svc, timeout: timeout}
}

// WatchRoots enables the watch-roots stream, fed by b. b must also be
// among the notifiers of the served relay.Service.
func (c *RelayContext) WatchRoots(b *relay.Broadcaster) *RelayContext {
	c.roots = b
	return c
}

// appHandler holds a RelayContext and a handler function that uses it,
// and is an implementation of the http.Handler interface.
type appHandler struct {
	context *RelayContext
	handler func(context.Context, *RelayContext, http.ResponseWriter, *http.Request) (int, error)
	name    string
	// streaming handlers are not bound by the request timeout.
	streaming bool
}

// ServeHTTP for an appHandler invokes the underlying handler function but
// does additional common error processing.
func (a appHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	klog.V(2).Infof("relay: request %v %q => %s", r.Method, r.URL, a.name)
	ctx := r.Context()
	if a.context.timeout > 0 && !a.streaming {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.context.timeout)
		defer cancel()
	}
	status, err := a.handler(ctx, a.context, w, r)
	klog.V(2).Infof("relay: %s status=%d", a.name, status)
	if err != nil {
		klog.Warningf("relay: %s handler error: %v", a.name, err)
		sendHTTPError(w, status, err)
		return
	}

	// For consistency the handler must return an error for non-200 status.
	if status != http.StatusOK {
		klog.Warningf("relay: %s handler non 200 without error: %d", a.name, status)
		sendHTTPError(w, http.StatusInternalServerError, fmt.Errorf("http handler misbehaved, status: %d", status))
	}
}

// RegisterHandlers binds the relay entrypoints on mux.
func (c *RelayContext) RegisterHandlers(mux *http.ServeMux) {
	for _, e := range []struct {
		path      string
		name      string
		handler   func(context.Context, *RelayContext, http.ResponseWriter, *http.Request) (int, error)
		streaming bool
	}{
		{"submit-root", "SubmitRoot", submitRoot, false},
		{"verify-block", "VerifyBlock", verifyBlock, false},
		{"get-proof", "GetProof", getProof, false},
		{"get-root", "GetExtendedRootMetadata", getRoot, false},
		{"get-endpoint", "GetEndpoint", getEndpoint, false},
		{"get-number-of-forks", "GetNumberOfForks", getNumberOfForks, false},
		{"get-longest-chain-endpoint", "GetLongestChainEndpoint", getLongestChainEndpoint, false},
		{"deposit-stake", "DepositStake", depositStake, false},
		{"withdraw-stake", "WithdrawStake", withdrawStake, false},
		{"get-stake", "GetStake", getStake, false},
		{"get-required-stake", "GetRequiredStakePerRoot", getRequiredStake, false},
		{"watch-roots", "WatchRoots", watchRoots, true},
	} {
		mux.Handle(PathPrefix+e.path, appHandler{context: c, handler: e.handler, name: e.name, streaming: e.streaming})
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func sendHTTPError(w http.ResponseWriter, statusCode int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(errorResponse{Error: err.Error()}); err != nil {
		klog.Warningf("relay: failed to write error response: %v", err)
	}
}

// errBadRequest marks failures to parse a request.
var errBadRequest = errors.New("bad request")

// statusFor maps a relay error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, stake.ErrAmountMismatch),
		errors.Is(err, stake.ErrEmptyOwner),
		errors.Is(err, stake.ErrBalanceOverflow),
		errors.Is(err, registry.ErrDiscontinuousBatch),
		errors.Is(err, merkle.ErrLengthMismatch),
		errors.Is(err, merkle.ErrEmptyTree),
		errors.Is(err, merkle.ErrIndexOutOfRange),
		errors.Is(err, headers.ErrInvalidHeader):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrUnknownRoot),
		errors.Is(err, registry.ErrUnknownParent),
		errors.Is(err, registry.ErrEndpointOutOfRange):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrDuplicateRoot):
		return http.StatusConflict
	case errors.Is(err, stake.ErrInsufficientStake),
		errors.Is(err, stake.ErrInsufficientUnlockedStake):
		return http.StatusPreconditionFailed
	case errors.Is(err, storage.ErrRelayNeedsInit):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// enforceMethod checks the request method and, for GET requests, parses
// the query.
func enforceMethod(r *http.Request, method string) (int, error) {
	if r.Method != method {
		return http.StatusMethodNotAllowed, fmt.Errorf("method not allowed: %s", r.Method)
	}
	if method == http.MethodGet {
		if err := r.ParseForm(); err != nil {
			return http.StatusBadRequest, fmt.Errorf("%w: %v", errBadRequest, err)
		}
	}
	return http.StatusOK, nil
}

func parseBody(w http.ResponseWriter, r *http.Request, req interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(req); err != nil {
		return fmt.Errorf("%w: failed to parse request body: %v", errBadRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, resp interface{}) (int, error) {
	body, err := json.Marshal(resp)
	if err != nil {
		return http.StatusInternalServerError, fmt.Errorf("failed to marshal response: %v", err)
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(body); err != nil {
		return http.StatusInternalServerError, fmt.Errorf("failed to write response: %v", err)
	}
	return http.StatusOK, nil
}

func hashParam(r *http.Request, name string) (types.Hash, error) {
	v := r.Form.Get(name)
	if v == "" {
		return types.Hash{}, fmt.Errorf("%w: missing %s parameter", errBadRequest, name)
	}
	h, err := types.ParseHash(v)
	if err != nil {
		return types.Hash{}, fmt.Errorf("%w: %s: %v", errBadRequest, name, err)
	}
	return h, nil
}

type submitRootRequest struct {
	// At most one of Headers and EncodedHeaders may be set. EncodedHeaders
	// holds headers in the relay codec's own encoding.
	Headers        []*headers.Header `json:"headers,omitempty"`
	EncodedHeaders [][]byte          `json:"encoded_headers,omitempty"`
	Parent         types.Hash        `json:"parent"`
	Submitter      string            `json:"submitter"`
}

func submitRoot(ctx context.Context, c *RelayContext, w http.ResponseWriter, r *http.Request) (int, error) {
	if status, err := enforceMethod(r, http.MethodPost); err != nil {
		return status, err
	}
	var req submitRootRequest
	if err := parseBody(w, r, &req); err != nil {
		return http.StatusBadRequest, err
	}
	batch := req.Headers
	if len(req.EncodedHeaders) > 0 {
		if len(req.Headers) > 0 {
			return http.StatusBadRequest, fmt.Errorf("%w: both headers and encoded_headers set", errBadRequest)
		}
		var err error
		if batch, err = headers.Decode(c.svc.Codec(), req.EncodedHeaders); err != nil {
			return statusFor(err), err
		}
	}
	n, err := c.svc.SubmitRoot(ctx, batch, req.Parent, req.Submitter)
	if err != nil {
		return statusFor(err), err
	}
	return writeJSON(w, n)
}

type verifyBlockRequest struct {
	ProofHashes    [][]byte `json:"proof_hashes"`
	ProofPositions []bool   `json:"proof_positions"`
	// Exactly one of Header and Leaf must be set. Leaf is the encoded
	// header.
	Header *headers.Header `json:"header,omitempty"`
	Leaf   []byte          `json:"leaf,omitempty"`
	Root   types.Hash      `json:"root"`
}

type verifyBlockResponse struct {
	Valid bool `json:"valid"`
}

func verifyBlock(ctx context.Context, c *RelayContext, w http.ResponseWriter, r *http.Request) (int, error) {
	if status, err := enforceMethod(r, http.MethodPost); err != nil {
		return status, err
	}
	var req verifyBlockRequest
	if err := parseBody(w, r, &req); err != nil {
		return http.StatusBadRequest, err
	}
	var ok bool
	var err error
	switch {
	case req.Header != nil && req.Leaf == nil:
		ok, err = c.svc.VerifyHeader(ctx, req.ProofHashes, req.ProofPositions, req.Header, req.Root)
	case req.Header == nil && req.Leaf != nil:
		ok, err = c.svc.VerifyBlock(ctx, req.ProofHashes, req.ProofPositions, req.Leaf, req.Root)
	default:
		return http.StatusBadRequest, fmt.Errorf("%w: exactly one of header and leaf is required", errBadRequest)
	}
	if err != nil {
		return statusFor(err), err
	}
	return writeJSON(w, verifyBlockResponse{Valid: ok})
}

type getProofRequest struct {
	Headers []*headers.Header `json:"headers"`
	Index   int               `json:"index"`
}

func getProof(_ context.Context, c *RelayContext, w http.ResponseWriter, r *http.Request) (int, error) {
	if status, err := enforceMethod(r, http.MethodPost); err != nil {
		return status, err
	}
	var req getProofRequest
	if err := parseBody(w, r, &req); err != nil {
		return http.StatusBadRequest, err
	}
	p, err := c.svc.GetProof(req.Headers, req.Index)
	if err != nil {
		return statusFor(err), err
	}
	return writeJSON(w, p)
}

func getRoot(ctx context.Context, c *RelayContext, w http.ResponseWriter, r *http.Request) (int, error) {
	if status, err := enforceMethod(r, http.MethodGet); err != nil {
		return status, err
	}
	h, err := hashParam(r, "hash")
	if err != nil {
		return http.StatusBadRequest, err
	}
	n, err := c.svc.GetExtendedRootMetadata(ctx, h)
	if err != nil {
		return statusFor(err), err
	}
	return writeJSON(w, n)
}

type endpointResponse struct {
	Endpoint types.Hash `json:"endpoint"`
}

func getEndpoint(ctx context.Context, c *RelayContext, w http.ResponseWriter, r *http.Request) (int, error) {
	if status, err := enforceMethod(r, http.MethodGet); err != nil {
		return status, err
	}
	i, err := strconv.ParseUint(r.Form.Get("index"), 10, 64)
	if err != nil {
		return http.StatusBadRequest, fmt.Errorf("%w: index: %v", errBadRequest, err)
	}
	h, err := c.svc.GetEndpoint(ctx, i)
	if err != nil {
		return statusFor(err), err
	}
	return writeJSON(w, endpointResponse{Endpoint: h})
}

type forksResponse struct {
	Forks uint64 `json:"forks"`
}

func getNumberOfForks(ctx context.Context, c *RelayContext, w http.ResponseWriter, r *http.Request) (int, error) {
	if status, err := enforceMethod(r, http.MethodGet); err != nil {
		return status, err
	}
	n, err := c.svc.GetNumberOfForks(ctx)
	if err != nil {
		return statusFor(err), err
	}
	return writeJSON(w, forksResponse{Forks: n})
}

func getLongestChainEndpoint(ctx context.Context, c *RelayContext, w http.ResponseWriter, r *http.Request) (int, error) {
	if status, err := enforceMethod(r, http.MethodGet); err != nil {
		return status, err
	}
	h, err := c.svc.GetLongestChainEndpoint(ctx)
	if err != nil {
		return statusFor(err), err
	}
	return writeJSON(w, endpointResponse{Endpoint: h})
}

type stakeRequest struct {
	Owner  string `json:"owner"`
	Amount uint64 `json:"amount"`
	// Transferred is the value sent with a deposit.
	Transferred uint64 `json:"transferred,omitempty"`
}

type stakeResponse struct {
	Owner   string `json:"owner"`
	Balance uint64 `json:"balance"`
	Locked  uint64 `json:"locked"`
}

func depositStake(ctx context.Context, c *RelayContext, w http.ResponseWriter, r *http.Request) (int, error) {
	if status, err := enforceMethod(r, http.MethodPost); err != nil {
		return status, err
	}
	var req stakeRequest
	if err := parseBody(w, r, &req); err != nil {
		return http.StatusBadRequest, err
	}
	bal, err := c.svc.DepositStake(ctx, req.Owner, req.Amount, req.Transferred)
	if err != nil {
		return statusFor(err), err
	}
	return stakeReply(ctx, c, w, req.Owner, bal)
}

func withdrawStake(ctx context.Context, c *RelayContext, w http.ResponseWriter, r *http.Request) (int, error) {
	if status, err := enforceMethod(r, http.MethodPost); err != nil {
		return status, err
	}
	var req stakeRequest
	if err := parseBody(w, r, &req); err != nil {
		return http.StatusBadRequest, err
	}
	if req.Transferred != 0 {
		return http.StatusBadRequest, fmt.Errorf("%w: withdrawals carry no value", errBadRequest)
	}
	bal, err := c.svc.WithdrawStake(ctx, req.Owner, req.Amount)
	if err != nil {
		return statusFor(err), err
	}
	return stakeReply(ctx, c, w, req.Owner, bal)
}

func stakeReply(ctx context.Context, c *RelayContext, w http.ResponseWriter, owner string, bal uint64) (int, error) {
	locked, err := c.svc.GetLockedStake(ctx, owner)
	if err != nil {
		return statusFor(err), err
	}
	return writeJSON(w, stakeResponse{Owner: owner, Balance: bal, Locked: locked})
}

func getStake(ctx context.Context, c *RelayContext, w http.ResponseWriter, r *http.Request) (int, error) {
	if status, err := enforceMethod(r, http.MethodGet); err != nil {
		return status, err
	}
	owner := r.Form.Get("owner")
	if owner == "" {
		return http.StatusBadRequest, fmt.Errorf("%w: missing owner parameter", errBadRequest)
	}
	bal, err := c.svc.GetStake(ctx, owner)
	if err != nil {
		return statusFor(err), err
	}
	return stakeReply(ctx, c, w, owner, bal)
}

type requiredStakeResponse struct {
	RequiredStakePerRoot uint64 `json:"required_stake_per_root"`
}

func getRequiredStake(_ context.Context, c *RelayContext, w http.ResponseWriter, r *http.Request) (int, error) {
	if status, err := enforceMethod(r, http.MethodGet); err != nil {
		return status, err
	}
	return writeJSON(w, requiredStakeResponse{RequiredStakePerRoot: c.svc.GetRequiredStakePerRoot()})
}

// watchRoots streams NewRoot events as newline delimited JSON until the
// client goes away or the broadcaster is closed.
func watchRoots(ctx context.Context, c *RelayContext, w http.ResponseWriter, r *http.Request) (int, error) {
	if status, err := enforceMethod(r, http.MethodGet); err != nil {
		return status, err
	}
	if c.roots == nil {
		return http.StatusNotImplemented, errors.New("watching roots is not enabled")
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		return http.StatusInternalServerError, errors.New("response does not support streaming")
	}
	events, unsubscribe := c.roots.Subscribe(watchBuffer)
	defer unsubscribe()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	enc := json.NewEncoder(w)
	// The status is committed from here on, so failures end the stream
	// rather than being reported.
	for {
		select {
		case <-ctx.Done():
			return http.StatusOK, nil
		case ev, ok := <-events:
			if !ok {
				return http.StatusOK, nil
			}
			if err := enc.Encode(ev); err != nil {
				klog.V(1).Infof("relay: watch-roots client gone: %v", err)
				return http.StatusOK, nil
			}
			flusher.Flush()
		}
	}
}
