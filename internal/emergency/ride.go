package emergency

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"safety-guardian/internal/models"
)

// RideClient books an emergency ride through the SOS endpoint. One call
// per escalation, no retries.
type RideClient struct {
	url    string
	userID string
	client *http.Client
}

type rideRequest struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	UserID    string  `json:"user_id"`
}

// NewRideClient creates a client for the configured SOS endpoint
func NewRideClient(config *models.SOSConfig) *RideClient {
	return &RideClient{
		url:    config.URL,
		userID: config.UserID,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// RequestRide posts the pickup coordinates to the SOS endpoint. Missing
// coordinates are sent as zero, the dispatcher falls back to the last
// known position.
func (r *RideClient) RequestRide(ctx context.Context, snap models.Snapshot) error {
	req := rideRequest{UserID: r.userID}
	if snap.Lat != nil && snap.Lng != nil {
		req.Latitude, req.Longitude = *snap.Lat, *snap.Lng
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal ride request: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build ride request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ride request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ride endpoint returned status %d", resp.StatusCode)
	}

	log.Printf("[RideClient] Emergency ride requested")
	return nil
}
