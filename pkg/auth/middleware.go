package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/localrouter/gateway/pkg/contextkeys"
	"github.com/localrouter/gateway/pkg/log"
)

// Authenticator resolves the Authorization header to a client id. Bearer
// tokens are checked first (O(1) map lookup); long-lived client secrets
// second (hash verification across enabled clients).
type Authenticator struct {
	Registry *Registry
	Tokens   *TokenStore
}

// Authenticate returns the client id behind the bearer value, or false.
func (a *Authenticator) Authenticate(bearer string) (string, bool) {
	if bearer == "" {
		return "", false
	}
	if clientID, ok := a.Tokens.Verify(bearer); ok {
		// A token is honored only while its client exists and is enabled;
		// disabling or removing the client rejects its tokens at once.
		if c, ok := a.Registry.Get(clientID); ok && c.Enabled {
			return clientID, true
		}
		return "", false
	}
	return a.Registry.VerifyClientSecret(bearer)
}

// publicPaths are served without credentials.
var publicPaths = map[string]bool{
	"/health":       true,
	"/oauth/token":  true,
	"/openapi.json": true,
	"/openapi.yaml": true,
	"/metrics":      true,
}

// Middleware validates the Authorization header on every non-public
// endpoint and stores the authenticated client id in the request context.
// The doc page (GET /) is public; POST / is the authenticated gateway.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] || (r.Method == http.MethodGet && r.URL.Path == "/") {
			next.ServeHTTP(w, r)
			return
		}

		bearer := bearerValue(r)
		clientID, ok := a.Authenticate(bearer)
		if !ok {
			if looksLikeJWT(bearer) {
				logJWTRejection(bearer)
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="LocalRouter Gateway"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), contextkeys.ClientIDKey, clientID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClientIDFromContext returns the client id the middleware stored.
func ClientIDFromContext(ctx context.Context) (string, bool) {
	clientID, ok := ctx.Value(contextkeys.ClientIDKey).(string)
	return clientID, ok
}

func bearerValue(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}

// looksLikeJWT reports whether a credential is a three-part dotted token.
// The gateway's own tokens are opaque random strings, so a JWT here is a
// misconfigured caller worth a clearer log line.
func looksLikeJWT(bearer string) bool {
	return strings.Count(bearer, ".") == 2 && strings.HasPrefix(bearer, "eyJ")
}

// logJWTRejection parses the presented JWT without verifying it, purely to
// log which issuer/expiry the confused caller sent. The token is never
// accepted — this gateway does not trust external signers.
func logJWTRejection(bearer string) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(bearer, claims); err != nil {
		return
	}
	issuer, _ := claims.GetIssuer()
	expiry, _ := claims.GetExpirationTime()
	expires := "unknown"
	if expiry != nil {
		expires = expiry.Format(time.RFC3339)
	}
	log.Logf("! Rejected JWT credential (issuer %q, expires %s): this gateway accepts only its own lr- secrets and tokens", issuer, expires)
}

// tokenResponse is the /oauth/token success body.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

type tokenErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// TokenEndpoint handles POST /oauth/token with the client_credentials
// grant: on a credential match it mints a bearer token.
func (a *Authenticator) TokenEndpoint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	grantType, clientID, clientSecret, ok := tokenRequestCredentials(r)
	if !ok {
		writeTokenError(w, http.StatusBadRequest, "invalid_request", "malformed token request")
		return
	}
	if grantType != "client_credentials" {
		writeTokenError(w, http.StatusBadRequest, "unsupported_grant_type", "")
		return
	}

	client, found := a.Registry.Get(clientID)
	if !found || !client.Enabled || !VerifySecret(clientSecret, client.SecretHash) {
		writeTokenError(w, http.StatusUnauthorized, "invalid_client", "")
		return
	}

	token, expiresIn, err := a.Tokens.Generate(clientID)
	if err != nil {
		writeTokenError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	log.Logf("- Minted bearer token for client %s (expires in %ds)", clientID, expiresIn)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(tokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   expiresIn,
	})
}

// tokenRequestCredentials accepts both form-encoded and JSON bodies.
func tokenRequestCredentials(r *http.Request) (grantType, clientID, clientSecret string, ok bool) {
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "application/json") {
		var body struct {
			GrantType    string `json:"grant_type"`
			ClientID     string `json:"client_id"`
			ClientSecret string `json:"client_secret"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return "", "", "", false
		}
		return body.GrantType, body.ClientID, body.ClientSecret, true
	}

	if err := r.ParseForm(); err != nil {
		return "", "", "", false
	}
	return r.PostForm.Get("grant_type"), r.PostForm.Get("client_id"), r.PostForm.Get("client_secret"), true
}

func writeTokenError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(tokenErrorResponse{Error: code, ErrorDescription: description})
}
