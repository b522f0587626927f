package geoip

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPResolver queries an external geo-IP service. The service is expected
// to answer GET <endpoint>/<addr> with a JSON body carrying a countryCode
// field.
type HTTPResolver struct {
	endpoint string
	client   *http.Client
}

var _ Resolver = (*HTTPResolver)(nil)

// NewHTTPResolver creates a resolver against the given endpoint.
func NewHTTPResolver(endpoint string, timeout time.Duration) *HTTPResolver {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPResolver{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
	}
}

// Country implements Resolver.
func (r *HTTPResolver) Country(ctx context.Context, addr string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		r.endpoint+"/"+url.PathEscape(addr), nil)
	if err != nil {
		return "", err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrUnknownAddress
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("geoip service returned status %d", resp.StatusCode)
	}

	var body struct {
		CountryCode string `json:"countryCode"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return strings.ToUpper(body.CountryCode), nil
}
