package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"panelflow/dispute"
	"panelflow/notify"
)

// httpRater delegates sub-disputes to a rater's HTTP endpoint.
type httpRater struct {
	base   string
	client *http.Client
}

func (r *httpRater) OpenSubDispute(ctx context.Context, choices int, extra []byte) (int64, error) {
	body, err := json.Marshal(map[string]any{
		"choices": choices,
		"extra":   string(extra),
	})
	if err != nil {
		return 0, fmt.Errorf("marshal sub-dispute request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base+"/subdisputes", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("rater endpoint returned %d", resp.StatusCode)
	}

	var out struct {
		SubDisputeID int64 `json:"subDisputeId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode sub-dispute response: %w", err)
	}
	return out.SubDisputeID, nil
}

// httpRaterResolver maps rater handles to configured base URLs.
type httpRaterResolver struct {
	endpoints map[string]string
	client    *http.Client
}

func newRaterResolver(endpoints map[string]string) *httpRaterResolver {
	return &httpRaterResolver{
		endpoints: endpoints,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *httpRaterResolver) Resolve(handle string) (dispute.Rater, error) {
	base, ok := r.endpoints[handle]
	if !ok {
		return nil, fmt.Errorf("no endpoint configured for rater %s", handle)
	}
	return &httpRater{base: base, client: r.client}, nil
}

// httpClaimant posts the fused ruling back to the claimant's callback URL.
type httpClaimant struct {
	url    string
	client *http.Client
}

func (c *httpClaimant) NotifyRuling(ctx context.Context, disputeID int64, ruling int) error {
	body, err := json.Marshal(map[string]any{
		"disputeId": disputeID,
		"ruling":    ruling,
	})
	if err != nil {
		return fmt.Errorf("marshal ruling notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("claimant callback returned %d", resp.StatusCode)
	}
	return nil
}

type httpClaimantResolver struct {
	callbacks map[string]string
	client    *http.Client
}

func newClaimantResolver(callbacks map[string]string) *httpClaimantResolver {
	return &httpClaimantResolver{
		callbacks: callbacks,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *httpClaimantResolver) Resolve(handle string) (notify.Claimant, error) {
	url, ok := r.callbacks[handle]
	if !ok {
		return nil, fmt.Errorf("no callback configured for claimant %s", handle)
	}
	return &httpClaimant{url: url, client: r.client}, nil
}
