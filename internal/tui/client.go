package tui

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/fentz26/quizpilot/internal/models"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the quizpilot API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// ListChains fetches chains, optionally filtered by state and email.
func (c *Client) ListChains(state, email string) ([]models.Chain, error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	if email != "" {
		q.Set("email", email)
	}
	path := "/chains"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var chains []models.Chain
	if err := c.get(path, &chains); err != nil {
		return nil, err
	}
	return chains, nil
}

// GetChain fetches one chain with its attempt history.
func (c *Client) GetChain(id string) (*models.Chain, error) {
	var chain models.Chain
	if err := c.get("/chains/"+url.PathEscape(id), &chain); err != nil {
		return nil, err
	}
	return &chain, nil
}

// GetWorkers fetches worker pool statistics.
func (c *Client) GetWorkers() (*WorkersStats, error) {
	var stats WorkersStats
	if err := c.get("/workers", &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// CheckHealth checks if the daemon is healthy
func (c *Client) CheckHealth() (bool, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/health")
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, nil
	}

	var health struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false, err
	}

	return health.OK, nil
}

func (c *Client) get(path string, out interface{}) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		var msg struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &msg) == nil && msg.Message != "" {
			return fmt.Errorf("API error: %s", msg.Message)
		}
		return fmt.Errorf("API error: %s", string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
