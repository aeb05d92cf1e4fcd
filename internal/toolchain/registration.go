package toolchain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"device_provisioner/internal/models"
)

var (
	ErrRegistrationRejected = errors.New("registration rejected")
	errNoRegistrationURL    = errors.New("registration url is not configured")
)

type registrationResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		ClientID string `json:"clientId"`
		APIKey   string `json:"apiKey"`
		BindKey  string `json:"bindKey"`
	} `json:"data"`
}

// RegisterDevice posts req to the registration backend and returns the
// assigned client id and bind key. A response without a client id falls
// back to the MAC address without separators.
func (e *ESP) RegisterDevice(ctx context.Context, req models.Registration) (string, string, error) {
	if e.registrationURL == "" {
		return "", "", errNoRegistrationURL
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", "", fmt.Errorf("encode registration: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.registrationURL, bytes.NewReader(body))
	if err != nil {
		return "", "", fmt.Errorf("build registration request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.http.Do(httpReq)
	if err != nil {
		return "", "", fmt.Errorf("post registration: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", "", fmt.Errorf("read registration response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", "", fmt.Errorf("%w: http %d: %s", ErrRegistrationRejected, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out registrationResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", "", fmt.Errorf("decode registration response: %w", err)
	}
	if out.Code != 0 {
		return "", "", fmt.Errorf("%w: code %d: %s", ErrRegistrationRejected, out.Code, out.Msg)
	}

	bindKey := out.Data.BindKey
	if bindKey == "" {
		bindKey = out.Data.APIKey
	}
	if bindKey == "" {
		return "", "", fmt.Errorf("%w: response carries no api key", ErrRegistrationRejected)
	}
	clientID := out.Data.ClientID
	if clientID == "" {
		clientID = strings.ReplaceAll(req.MACAddress, ":", "")
		e.log.Warnw("registration returned no client id, using MAC", "mac", req.MACAddress)
	}
	return clientID, bindKey, nil
}
