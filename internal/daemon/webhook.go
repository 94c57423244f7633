package daemon

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/developingchet/ban-evasion-guard/internal/evasion"
	"github.com/rs/zerolog"
)

const (
	// ModActionPath receives platform mod-action events.
	ModActionPath = "/v1/events/modaction"
	// SecretHeader carries the shared webhook secret.
	SecretHeader = "X-Webhook-Secret"

	maxEventBytes = 64 << 10
)

// SignalRouter consumes decoded events. *evasion.Router satisfies it.
type SignalRouter interface {
	HandleModAction(ctx context.Context, sig evasion.Signal) error
}

// NewWebhookHandler returns the ingress handler. An empty secret disables
// the secret check.
func NewWebhookHandler(router SignalRouter, secret string, log zerolog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(ModActionPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(SecretHeader)), []byte(secret)) != 1 {
			log.Warn().Str("remote", r.RemoteAddr).Msg("webhook: bad secret")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		var sig evasion.Signal
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBytes))
		if err := dec.Decode(&sig); err != nil {
			http.Error(w, "malformed event: "+err.Error(), http.StatusBadRequest)
			return
		}
		if sig.Kind == "" {
			http.Error(w, "malformed event: action is required", http.StatusBadRequest)
			return
		}

		if err := router.HandleModAction(r.Context(), sig); err != nil {
			log.Error().Err(err).Str("kind", string(sig.Kind)).Str("target", sig.TargetID).Msg("webhook: routing failed")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	return mux
}
