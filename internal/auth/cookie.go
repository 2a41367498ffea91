package auth

import (
	"net/http"
	"net/url"
	"strings"
)

// DefaultRenewalCookie is the cookie the Resource API uses for the renewal token.
const DefaultRenewalCookie = "refreshToken"

// CookieRenewalSource looks for the renewal cookie in the jar shared with the HTTP client that
// performs the exchange.
type CookieRenewalSource struct {
	Jar  http.CookieJar
	URL  *url.URL
	Name string
}

// NewCookieRenewalSource watches cookie name for requests to refreshURL.
func NewCookieRenewalSource(jar http.CookieJar, refreshURL, name string) (*CookieRenewalSource, error) {
	u, err := url.Parse(refreshURL)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		name = DefaultRenewalCookie
	}
	return &CookieRenewalSource{Jar: jar, URL: u, Name: name}, nil
}

// HasRenewalToken reports whether a non-empty renewal cookie would be sent with the exchange.
func (s *CookieRenewalSource) HasRenewalToken() bool {
	if s == nil || s.Jar == nil || s.URL == nil {
		return false
	}
	for _, c := range s.Jar.Cookies(s.URL) {
		if c.Name == s.Name && strings.TrimSpace(c.Value) != "" {
			return true
		}
	}
	return false
}
