package session

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"

	"github.com/memohai/tenantdesk/internal/auth"
	"github.com/memohai/tenantdesk/internal/config"
	"github.com/memohai/tenantdesk/internal/gateway"
	"github.com/memohai/tenantdesk/internal/realtime"
)

// New builds a Manager from cfg: one cookie jar shared by the gateway, the renewal exchange and the
// realtime handshake.
func New(log *slog.Logger, cfg config.Config) (*Manager, error) {
	timeout, err := config.Duration(cfg.API.Timeout, config.DefaultAPITimeout)
	if err != nil {
		return nil, fmt.Errorf("api.timeout: %w", err)
	}
	leeway, err := config.Duration(cfg.API.CredentialLeeway, config.DefaultCredentialLeeway)
	if err != nil {
		return nil, fmt.Errorf("api.credential_leeway: %w", err)
	}
	minDelay, err := config.Duration(cfg.Realtime.ReconnectMin, config.DefaultReconnectMin)
	if err != nil {
		return nil, fmt.Errorf("realtime.reconnect_min: %w", err)
	}
	maxDelay, err := config.Duration(cfg.Realtime.ReconnectMax, config.DefaultReconnectMax)
	if err != nil {
		return nil, fmt.Errorf("realtime.reconnect_max: %w", err)
	}
	writeTimeout, err := config.Duration(cfg.Realtime.WriteTimeout, config.DefaultWriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("realtime.write_timeout: %w", err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	httpClient := &http.Client{Timeout: timeout, Jar: jar}

	refresher := gateway.NewRefresher(httpClient, cfg.API.BaseURL)
	source, err := auth.NewCookieRenewalSource(jar, refresher.RefreshURL(), auth.DefaultRenewalCookie)
	if err != nil {
		return nil, fmt.Errorf("api.base_url: %w", err)
	}
	store := auth.NewStore(log, source, refresher, auth.WithLeeway(leeway))
	gw := gateway.New(log, httpClient, cfg.API.BaseURL, store, gateway.WithRateLimit(cfg.API.RateLimit, cfg.API.RateBurst))
	client := gateway.NewClient(gw)

	dialer := &realtime.WebsocketDialer{
		URL:          cfg.RealtimeURL(),
		Jar:          jar,
		Header:       BearerHeader(gw),
		WriteTimeout: writeTimeout,
	}
	return NewManager(log, client, dialer, Options{
		PageSize: cfg.Activity.PageSize,
		Realtime: realtime.Options{
			Enabled: cfg.Realtime.Enabled,
			Backoff: realtime.Backoff{
				Min:         minDelay,
				Max:         maxDelay,
				MaxAttempts: cfg.Realtime.MaxAttempts,
			},
			WriteTimeout: writeTimeout,
		},
	}), nil
}
