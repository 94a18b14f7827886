package proxy

import (
	"context"
	"net/http"
	"strings"
)

// Config wires together the three named routers the front-door mounts:
// api (backend REST traffic), api_utils (the backend's exact docs
// endpoints), and ui (everything else, forwarded to the frontend
// bundler).
type Config struct {
	BackendBaseURL  string
	FrontendBaseURL string

	DevToken string

	// FetchAccessToken obtains a fresh bearer credential for API requests,
	// e.g. from a local auth provider. Optional: when nil, no TokenManager
	// is built and the api and api_utils routers forward without the
	// access-token header.
	FetchAccessToken func(ctx context.Context) (string, error)
	ForwardedUserJSON string

	HTTPClient *http.Client
}

// Routers holds the three built routers, ready to be mounted on a mux.
type Routers struct {
	API      *Route
	APIUtils *Route
	UI       *Route
}

// Build constructs the three routers described by cfg. The api and
// api_utils routers share a single TokenManager so they refresh the same
// credential on the same schedule.
func Build(ctx context.Context, cfg Config) (*Routers, error) {
	var tm *TokenManager
	if cfg.FetchAccessToken != nil {
		var err error
		tm, err = NewTokenManager(ctx, cfg.FetchAccessToken)
		if err != nil {
			return nil, err
		}
	}

	api := &Route{
		Target:            Target{BaseURL: cfg.BackendBaseURL},
		InjectAuth:        true,
		TokenManager:      tm,
		ForwardedUserJSON: cfg.ForwardedUserJSON,
		HTTPClient:        cfg.HTTPClient,
	}

	apiUtils := &Route{
		Target:            Target{BaseURL: cfg.BackendBaseURL},
		InjectAuth:        true,
		TokenManager:      tm,
		ForwardedUserJSON: cfg.ForwardedUserJSON,
		HTTPClient:        cfg.HTTPClient,
	}

	ui := &Route{
		Target:         Target{BaseURL: cfg.FrontendBaseURL},
		InjectDevToken: true,
		DevToken:       cfg.DevToken,
		HTTPClient:     cfg.HTTPClient,
	}

	return &Routers{API: api, APIUtils: apiUtils, UI: ui}, nil
}

// apiUtilsPaths are the exact paths the api_utils router matches; unlike
// the api router it does not match a prefix.
var apiUtilsPaths = map[string]bool{
	"/docs":         true,
	"/redoc":        true,
	"/openapi.json": true,
}

// Mount registers the three routers on mux according to their matching
// rules: api matches "/api" and "/api/*"; api_utils matches the exact
// docs paths; ui is the catch-all.
func (r *Routers) Mount(mux *http.ServeMux) {
	mux.Handle("/api", r.API)
	mux.Handle("/api/", r.API)

	for path := range apiUtilsPaths {
		mux.Handle(path, r.APIUtils)
	}

	mux.Handle("/", r.UI)
}

// MatchesAPIUtils reports whether path is one of the exact paths the
// api_utils router serves. Exposed for callers building their own mux.
func MatchesAPIUtils(path string) bool {
	return apiUtilsPaths[strings.TrimSuffix(path, "/")]
}

// MatchesAPI reports whether path falls under the api router's prefix.
func MatchesAPI(path string) bool {
	return path == "/api" || strings.HasPrefix(path, "/api/")
}
