package instagram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/ifuryst/postflow/internal/service/publisher"

	"go.uber.org/zap"
)

// Client talks to the Instagram publishing bridge over HTTP.
type Client struct {
	logger  *zap.Logger
	client  *http.Client
	baseURL string
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

type mediaResponse struct {
	ID string `json:"id"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		logger:  logger,
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

var _ publisher.Transport = (*Client)(nil)

// Authenticate logs in and returns a session token.
func (c *Client) Authenticate(ctx context.Context, creds publisher.Credentials) (*publisher.Session, error) {
	if creds.Username == "" || creds.Password == "" {
		return nil, fmt.Errorf("instagram credentials not configured")
	}

	jsonBody, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal credentials: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/v1/accounts/login", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var loginResp loginResponse
	if err := c.send(req, &loginResp); err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}
	if loginResp.Token == "" {
		return nil, fmt.Errorf("login failed: empty token")
	}

	session := &publisher.Session{Token: loginResp.Token}
	if loginResp.ExpiresIn > 0 {
		session.ExpiresAt = time.Now().Add(time.Duration(loginResp.ExpiresIn) * time.Second)
	}
	c.logger.Debug("Instagram login succeeded", zap.String("username", creds.Username))
	return session, nil
}

// UploadPhoto posts the artifact to the feed.
func (c *Client) UploadPhoto(ctx context.Context, session *publisher.Session, artifactPath, caption string) (string, error) {
	return c.upload(ctx, session, "/api/v1/media/photo", artifactPath, caption)
}

// UploadStory posts the artifact as a story.
func (c *Client) UploadStory(ctx context.Context, session *publisher.Session, artifactPath string) (string, error) {
	return c.upload(ctx, session, "/api/v1/media/story", artifactPath, "")
}

func (c *Client) upload(ctx context.Context, session *publisher.Session, endpoint, artifactPath, caption string) (string, error) {
	if session == nil || session.Token == "" {
		return "", publisher.ErrSessionExpired
	}

	content, name, err := c.openArtifact(ctx, artifactPath)
	if err != nil {
		return "", err
	}
	defer content.Close()

	// Create multipart form
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("photo", name)
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return "", fmt.Errorf("failed to copy file content: %w", err)
	}
	if caption != "" {
		if err := writer.WriteField("caption", caption); err != nil {
			return "", fmt.Errorf("failed to write caption: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+endpoint, body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+session.Token)

	var mediaResp mediaResponse
	if err := c.send(req, &mediaResp); err != nil {
		return "", err
	}
	if mediaResp.ID == "" {
		return "", fmt.Errorf("instagram API returned no media id")
	}

	c.logger.Info("Uploaded media to Instagram",
		zap.String("endpoint", endpoint),
		zap.String("external_id", mediaResp.ID))
	return mediaResp.ID, nil
}

// send performs req and decodes a 2xx JSON body into out. A 401 or 403 maps
// to publisher.ErrSessionExpired.
func (c *Client) send(req *http.Request, out interface{}) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("instagram API status %d: %w", resp.StatusCode, publisher.ErrSessionExpired)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		var errResp errorResponse
		if json.Unmarshal(respBody, &errResp) == nil && (errResp.Message != "" || errResp.Error != "") {
			return fmt.Errorf("instagram API error: %d - %s", resp.StatusCode, strings.TrimSpace(errResp.Error+" "+errResp.Message))
		}
		return fmt.Errorf("instagram API error: status %d", resp.StatusCode)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// openArtifact opens a local file or downloads an http(s) artifact.
func (c *Client) openArtifact(ctx context.Context, artifactPath string) (io.ReadCloser, string, error) {
	if strings.HasPrefix(artifactPath, "http://") || strings.HasPrefix(artifactPath, "https://") {
		req, err := http.NewRequestWithContext(ctx, "GET", artifactPath, nil)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create download request: %w", err)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, "", fmt.Errorf("failed to download artifact: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, "", fmt.Errorf("failed to download artifact: status %d", resp.StatusCode)
		}
		name := path.Base(req.URL.Path)
		if name == "." || name == "/" {
			name = "artifact.png"
		}
		return resp.Body, name, nil
	}

	file, err := os.Open(artifactPath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open artifact: %w", err)
	}
	return file, filepath.Base(artifactPath), nil
}
