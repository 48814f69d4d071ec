package platform

import (
	"errors"
	"fmt"
	"os"
)

// Platform identifies a supported brokerage.
type Platform string

// Environment selects the brokerage's trading environment.
type Environment string

const (
	Tradier Platform = "tradier"
	Schwab  Platform = "schwab"

	Sandbox    Environment = "sandbox"
	Production Environment = "production"
)

var (
	ErrUnsupportedPlatform    = errors.New("platform: unsupported platform")
	ErrUnsupportedEnvironment = errors.New("platform: unsupported environment")
)

// Parse validates raw platform and environment strings against the supported
// set. Schwab offers no sandbox, so that pair is rejected here.
func Parse(platform, environment string) (Platform, Environment, error) {
	var p Platform
	switch Platform(platform) {
	case Tradier:
		p = Tradier
	case Schwab:
		p = Schwab
	default:
		return "", "", fmt.Errorf("%w: %q", ErrUnsupportedPlatform, platform)
	}

	var env Environment
	switch Environment(environment) {
	case Sandbox:
		env = Sandbox
	case Production:
		env = Production
	default:
		return "", "", fmt.Errorf("%w: %q", ErrUnsupportedEnvironment, environment)
	}

	if p == Schwab && env == Sandbox {
		return "", "", fmt.Errorf("%w: schwab has no sandbox", ErrUnsupportedEnvironment)
	}
	return p, env, nil
}

// Endpoints are the external OAuth and account URLs for one
// platform/environment pair.
type Endpoints struct {
	AuthorizeURL string
	TokenURL     string
	AccountsURL  string
}

// ResolveEndpoints returns the URLs for a platform/environment pair.
func ResolveEndpoints(p Platform, env Environment) (Endpoints, error) {
	switch p {
	case Tradier:
		base := "https://api.tradier.com"
		if env == Sandbox {
			base = "https://sandbox.tradier.com"
		}
		return Endpoints{
			// Tradier hosts the grant screen on the production API host
			// regardless of which environment the token targets.
			AuthorizeURL: "https://api.tradier.com/v1/oauth/authorize",
			TokenURL:     base + "/v1/oauth/accesstoken",
			AccountsURL:  base + "/v1/user/profile",
		}, nil
	case Schwab:
		if env != Production {
			return Endpoints{}, fmt.Errorf("%w: schwab has no sandbox", ErrUnsupportedEnvironment)
		}
		return Endpoints{
			AuthorizeURL: "https://api.schwabapi.com/v1/oauth/authorize",
			TokenURL:     "https://api.schwabapi.com/v1/oauth/token",
			AccountsURL:  "https://api.schwabapi.com/trader/v1/accounts/accountNumbers",
		}, nil
	default:
		return Endpoints{}, fmt.Errorf("%w: %q", ErrUnsupportedPlatform, p)
	}
}

// App holds the OAuth client credentials this server uses toward one
// brokerage.
type App struct {
	ClientID     string
	ClientSecret string
}

// AppsFromEnv loads brokerage app credentials from the environment. Platforms
// without configured credentials are simply absent from the map; the bridge
// rejects initiate requests for them.
func AppsFromEnv() map[Platform]App {
	apps := make(map[Platform]App)
	if id := os.Getenv("TRADIER_CLIENT_ID"); id != "" {
		apps[Tradier] = App{ClientID: id, ClientSecret: os.Getenv("TRADIER_CLIENT_SECRET")}
	}
	if id := os.Getenv("SCHWAB_CLIENT_ID"); id != "" {
		apps[Schwab] = App{ClientID: id, ClientSecret: os.Getenv("SCHWAB_CLIENT_SECRET")}
	}
	return apps
}
