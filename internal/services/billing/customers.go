// Copyright (c) 2026, the Draftbill authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"github.com/draftbill/portal/internal/buildinfo"
)

// HTTPCustomerResolver fetches customer records from the processor's REST
// API. Only the email is read; everything else about the customer lives with
// the processor.
type HTTPCustomerResolver struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPCustomerResolver(baseURL, apiKey string) *HTTPCustomerResolver {
	return &HTTPCustomerResolver{
		baseURL: baseURL,
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// CustomerEmail implements CustomerResolver.
func (r *HTTPCustomerResolver) CustomerEmail(ctx context.Context, customerID string) (string, error) {
	endpoint := fmt.Sprintf("%s/v1/customers/%s", r.baseURL, url.PathEscape(customerID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to build customer request")
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	req.Header.Set("User-Agent", buildinfo.UserAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "failed to fetch customer %s", customerID)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("customer lookup for %s returned status %d", customerID, resp.StatusCode)
	}

	var customer struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&customer); err != nil {
		return "", errors.Wrap(err, "failed to decode customer response")
	}
	if customer.Email == "" {
		return "", errors.Errorf("customer %s has no email", customerID)
	}

	return customer.Email, nil
}
