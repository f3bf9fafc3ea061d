package device

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pion/logging"
)

// Client talks to the relay's device registration REST API.
type Client struct {
	baseURL string
	http    *http.Client
	log     logging.LeveledLogger
}

func NewClient(baseURL string, lf logging.LoggerFactory) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		log:     lf.NewLogger("device"),
	}
}

type registerRequest struct {
	DeviceID        string `json:"deviceId"`
	Name            string `json:"name"`
	RegistrationKey string `json:"registrationKey"`
}

type registerResponse struct {
	DeviceID string `json:"deviceId"`
	Status   string `json:"status"`
}

// Register announces the device to the relay. The relay may already know the
// device id; re-registering is not an error.
func (c *Client) Register(ctx context.Context, reg Registration) error {
	body, _ := json.Marshal(registerRequest{
		DeviceID:        reg.DeviceID,
		Name:            reg.Name,
		RegistrationKey: reg.Key,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/devices", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("register: status %s", resp.Status)
	}

	var out registerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err == nil && out.DeviceID != "" && out.DeviceID != reg.DeviceID {
		c.log.Warnf("relay assigned device id %s, local id is %s", out.DeviceID, reg.DeviceID)
	}
	c.log.Infof("registered device %s (%s)", reg.DeviceID, reg.Name)
	return nil
}

// Unregister removes the device from the relay, authenticating with a
// short-lived session token.
func (c *Client) Unregister(ctx context.Context, reg Registration) error {
	token, err := SessionToken(reg, 5*time.Minute)
	if err != nil {
		return fmt.Errorf("unregister: mint token: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api/devices/"+reg.DeviceID, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("unregister: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotFound {
		// Already gone; treat as success.
		return nil
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("unregister: status %s", resp.Status)
	}
	c.log.Infof("unregistered device %s", reg.DeviceID)
	return nil
}
