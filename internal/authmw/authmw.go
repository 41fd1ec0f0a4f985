// Package authmw authenticates reviewers on the review API with bearer tokens.
package authmw

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
)

// DefaultReviewer names the holder of a bare, unnamed token.
const DefaultReviewer = "reviewer"

type reviewerKey struct{}

// Reviewers maps reviewer name to bearer token.
type Reviewers map[string]string

// ParseReviewers accepts either a bare token or a comma separated list of
// name=token pairs.
func ParseReviewers(spec string) (Reviewers, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("no review token configured")
	}
	if !strings.Contains(spec, "=") {
		return Reviewers{DefaultReviewer: spec}, nil
	}

	out := make(Reviewers)
	for _, pair := range strings.Split(spec, ",") {
		name, token, ok := strings.Cut(strings.TrimSpace(pair), "=")
		name, token = strings.TrimSpace(name), strings.TrimSpace(token)
		if !ok || name == "" || token == "" {
			return nil, fmt.Errorf("malformed reviewer entry %q, want name=token", pair)
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("reviewer %q listed twice", name)
		}
		out[name] = token
	}
	return out, nil
}

// BearerToken accepts a single token held by DefaultReviewer.
func BearerToken(token string) func(http.Handler) http.Handler {
	return BearerTokens(Reviewers{DefaultReviewer: token})
}

// BearerTokens returns middleware that admits requests carrying any
// reviewer's token and stores the reviewer name in the request context.
// Every token is compared in constant time, whether or not an earlier one matched.
func BearerTokens(reviewers Reviewers) func(http.Handler) http.Handler {
	type entry struct {
		name  string
		token []byte
	}
	entries := make([]entry, 0, len(reviewers))
	for name, tok := range reviewers {
		entries = append(entries, entry{name: name, token: []byte(tok)})
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, `{"error":"missing or malformed authorization header"}`, http.StatusUnauthorized)
				return
			}
			got := []byte(auth[len("Bearer "):])

			matched := ""
			for _, e := range entries {
				if subtle.ConstantTimeCompare(got, e.token) == 1 && len(e.token) > 0 {
					matched = e.name
				}
			}
			if matched == "" {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), reviewerKey{}, matched)))
		})
	}
}

// ReviewerFromContext returns the authenticated reviewer name, if any.
func ReviewerFromContext(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(reviewerKey{}).(string)
	return name, ok
}
