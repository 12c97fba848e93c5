// Package sdk is the wire contract between a control node and the service
// it fronts. Service authors implement the HTTP side of this contract; the
// node's invoker speaks the client side. Keeping both on one package means
// the contract cannot drift.
package sdk

import (
	"context"
	"encoding/json"
	"net/http"
)

// Invocation is the request body a control node posts to its service.
type Invocation struct {
	// TokenID identifies the token being processed. Services treating it
	// as an idempotency key survive the node's retry policy.
	TokenID uint64 `json:"token_id"`

	// Version is the rule base version the token runs under.
	Version string `json:"rule_base_version"`

	// Service and Operation name the node the invocation came from.
	Service   string `json:"service"`
	Operation string `json:"operation"`

	// Attrs holds the token's join attributes at ingress.
	Attrs map[string]string `json:"attributes"`
}

// Result is the response body the node expects back. Attrs become the
// outgoing token's attribute section; a non-empty Error fails the token
// without retry.
type Result struct {
	Attrs map[string]string `json:"attributes"`
	Error string            `json:"error,omitempty"`
}

// Func computes the produced attributes for one invocation.
type Func func(ctx context.Context, inv *Invocation) (map[string]string, error)

// Handler adapts fn into the HTTP contract: decode the invocation, run fn,
// encode the result. Errors from fn are returned in-band as Result.Error
// so the node fails the token instead of retrying it.
func Handler(fn Func) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var inv Invocation
		if err := json.NewDecoder(r.Body).Decode(&inv); err != nil {
			http.Error(w, "malformed invocation: "+err.Error(), http.StatusBadRequest)
			return
		}

		attrs, err := fn(r.Context(), &inv)
		out := Result{Attrs: attrs}
		if err != nil {
			out = Result{Error: err.Error()}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})
}
