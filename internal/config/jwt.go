package config

import "fmt"

// MinJWTSecretLength is the shortest HS256 secret accepted.
const MinJWTSecretLength = 32

// AuthConfig enables bearer token checks on the job routes. An empty secret
// leaves the API open; authorization policy lives outside this service.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
	Audience  string `mapstructure:"audience"`
}

// Enabled reports whether bearer tokens are required.
func (c AuthConfig) Enabled() bool {
	return c.JWTSecret != ""
}

func (c AuthConfig) normalize() error {
	if c.Enabled() && len(c.JWTSecret) < MinJWTSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes, got %d", MinJWTSecretLength, len(c.JWTSecret))
	}
	return nil
}
