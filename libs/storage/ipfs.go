package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// IPFS is a content store backed by an IPFS node's HTTP API. Pins go
// through /api/v0/add; reads go through the gateway.
type IPFS struct {
	apiURL     string
	gatewayURL string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewIPFS creates an IPFS-backed store. Empty URLs default to a local node.
func NewIPFS(apiURL, gatewayURL string, logger *zap.Logger) *IPFS {
	if apiURL == "" {
		apiURL = "http://localhost:5001/api/v0"
	}
	if gatewayURL == "" {
		gatewayURL = "http://localhost:8080/ipfs"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IPFS{
		apiURL:     apiURL,
		gatewayURL: gatewayURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// Pin uploads the blob to the IPFS node and returns the reported CID.
func (i *IPFS) Pin(ctx context.Context, data []byte) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "content.json")
	if err != nil {
		return "", fmt.Errorf("failed to build upload: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("failed to build upload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.apiURL+"/add", &body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := i.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ipfs add failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read ipfs response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ipfs add failed (status %d): %s", resp.StatusCode, respBody)
	}

	var parsed struct {
		Hash string `json:"Hash"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse ipfs response: %w", err)
	}
	if parsed.Hash == "" {
		return "", fmt.Errorf("ipfs add returned no hash")
	}

	i.logger.Info("content pinned to ipfs",
		zap.String("cid", parsed.Hash),
		zap.Int("size", len(data)),
	)
	return parsed.Hash, nil
}

// Get fetches a blob from the gateway by CID.
func (i *IPFS) Get(ctx context.Context, hash string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.gatewayURL+"/"+hash, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := i.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ipfs get failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ipfs get failed (status %d)", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Exists probes the gateway for the CID.
func (i *IPFS) Exists(ctx context.Context, hash string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, i.gatewayURL+"/"+hash, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := i.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("ipfs head failed: %w", err)
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK, nil
}

// GatewayURL returns the public URL for a pinned CID.
func (i *IPFS) GatewayURL(hash string) string {
	return i.gatewayURL + "/" + hash
}
