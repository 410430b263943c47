package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ifuryst/postflow/internal/models"

	"go.uber.org/zap"
)

// ErrRenderFailed classifies every failure to produce an artifact.
var ErrRenderFailed = errors.New("rendering failed")

// Renderer produces a finished artifact for a content item and returns a
// reference to it.
type Renderer interface {
	Render(ctx context.Context, item *models.ContentItem) (string, error)
}

// Client calls an HTTP rendering service.
type Client struct {
	logger  *zap.Logger
	client  *http.Client
	baseURL string
}

type renderRequest struct {
	ContentID    string   `json:"content_id"`
	Title        string   `json:"title"`
	Location     string   `json:"location"`
	Email        string   `json:"email"`
	Requirements []string `json:"requirements"`
}

type renderResponse struct {
	ArtifactRef string `json:"artifact_ref"`
	Error       string `json:"error"`
}

func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		logger:  logger,
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func (c *Client) Render(ctx context.Context, item *models.ContentItem) (string, error) {
	reqBody := renderRequest{
		ContentID: item.ID,
		Title:     item.Title,
		Location:  item.Location,
		Email:     item.Email,
	}
	for _, line := range strings.Split(item.Requirements, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			reqBody.Requirements = append(reqBody.Requirements, line)
		}
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("%w: failed to marshal request: %v", ErrRenderFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/render", bytes.NewBuffer(jsonBody))
	if err != nil {
		return "", fmt.Errorf("%w: failed to create request: %v", ErrRenderFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: failed to send request: %v", ErrRenderFailed, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: failed to read response: %v", ErrRenderFailed, err)
	}

	var renderResp renderResponse
	_ = json.Unmarshal(respBody, &renderResp)

	if resp.StatusCode != http.StatusOK {
		if renderResp.Error != "" {
			return "", fmt.Errorf("%w: status %d: %s", ErrRenderFailed, resp.StatusCode, renderResp.Error)
		}
		return "", fmt.Errorf("%w: status %d", ErrRenderFailed, resp.StatusCode)
	}
	if renderResp.ArtifactRef == "" {
		return "", fmt.Errorf("%w: service returned no artifact", ErrRenderFailed)
	}

	c.logger.Debug("Rendered artifact",
		zap.String("content_id", item.ID),
		zap.String("artifact_ref", renderResp.ArtifactRef))
	return renderResp.ArtifactRef, nil
}
