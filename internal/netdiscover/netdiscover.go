// Package netdiscover best-effort discovers this node's public IP address
// and geographic region, as the original standalone helper did. Neither
// call may block startup on failure.
package netdiscover

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const perEndpointTimeout = 5 * time.Second

var ipEndpoints = []string{
	"https://api.ipify.org",
	"https://ifconfig.me/ip",
	"https://icanhazip.com",
}

// DetectPublicIP queries a sequence of external services until one returns
// a non-empty body, as documented in 4.N. Returns an error only if every
// endpoint fails — callers should treat that as a StartupFailure unless an
// explicit --public-ip override was given.
func DetectPublicIP(ctx context.Context, logger *zap.Logger) (string, error) {
	client := &http.Client{Timeout: perEndpointTimeout}

	for _, endpoint := range ipEndpoints {
		ip, err := fetchTrimmed(ctx, client, endpoint)
		if err != nil {
			if logger != nil {
				logger.Debug("public IP detection failed", zap.String("endpoint", endpoint), zap.Error(err))
			}
			continue
		}
		if ip == "" {
			continue
		}
		if logger != nil {
			logger.Info("detected public IP", zap.String("ip", ip), zap.String("source", endpoint))
		}
		return ip, nil
	}
	return "", fmt.Errorf("failed to detect public IP from any source; use --public-ip")
}

// DetectRegion is best-effort: on any failure it returns "" rather than an
// error, since region detection must never block startup.
func DetectRegion(ctx context.Context, ip string, logger *zap.Logger) string {
	client := &http.Client{Timeout: perEndpointTimeout}

	httpsURL := fmt.Sprintf("https://ipinfo.io/%s/country", ip)
	if code, err := fetchTrimmed(ctx, client, httpsURL); err == nil && code != "" && len(code) <= 3 {
		if logger != nil {
			logger.Info("detected region", zap.String("region", code), zap.String("ip", ip), zap.String("source", "ipinfo.io"))
		}
		return code
	}

	fallbackURL := fmt.Sprintf("http://ip-api.com/json/%s?fields=countryCode", ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fallbackURL, nil)
	if err != nil {
		return ""
	}
	resp, err := client.Do(req)
	if err != nil {
		if logger != nil {
			logger.Debug("region detection failed", zap.String("ip", ip), zap.Error(err))
		}
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ""
	}

	var body struct {
		CountryCode string `json:"countryCode"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.CountryCode == "" {
		return ""
	}
	if logger != nil {
		logger.Info("detected region", zap.String("region", body.CountryCode), zap.String("ip", ip), zap.String("source", "ip-api.com"))
	}
	return body.CountryCode
}

func fetchTrimmed(ctx context.Context, client *http.Client, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}
