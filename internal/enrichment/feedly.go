// Package enrichment fetches threat actor profiles and technique usage
// from the Feedly threat intelligence API.
package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/taprofiler/internal/cache"
	"github.com/lvonguyen/taprofiler/internal/httpclient"
)

var (
	// ErrNotFound means the vendor has no entity for the given ID.
	ErrNotFound = errors.New("entity not found")

	// ErrNoToken means the API token env var is unset.
	ErrNoToken = errors.New("enrichment API token not configured")
)

// Config configures the Feedly client.
type Config struct {
	BaseURL  string        `yaml:"base_url"`
	TokenEnv string        `yaml:"token_env"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:  "https://api.feedly.com",
		TokenEnv: "FEEDLY_API_TOKEN",
		CacheTTL: 6 * time.Hour,
	}
}

// Client talks to the Feedly entity and trends endpoints. Entity
// responses are cached, including negative entries for unknown IDs.
type Client struct {
	config     Config
	httpClient *httpclient.Client
	cache      cache.Cache
	logger     *zap.Logger
}

// NewClient creates a Feedly client.
func NewClient(cfg Config, httpClient *httpclient.Client, c cache.Cache, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultConfig().BaseURL
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = DefaultConfig().CacheTTL
	}
	return &Client{
		config:     cfg,
		httpClient: httpClient,
		cache:      c,
		logger:     logger,
	}
}

func (c *Client) token() (string, error) {
	token := strings.Trim(os.Getenv(c.config.TokenEnv), "'\" ")
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// Enrich fetches and parses the profile for a vendor entity ID.
func (c *Client) Enrich(ctx context.Context, entityID string) (*Profile, error) {
	if c.cache != nil {
		if body, found := c.cache.Get(ctx, entityID); found {
			if body == nil {
				return nil, fmt.Errorf("%s: %w", entityID, ErrNotFound)
			}
			c.logger.Debug("Enrichment cache hit", zap.String("entity_id", entityID))
			return c.parseBody(entityID, body)
		}
	}

	token, err := c.token()
	if err != nil {
		return nil, err
	}

	reqURL := c.config.BaseURL + "/v3/entities/" + url.PathEscape(entityID)
	headers := map[string]string{"Authorization": "Bearer " + token}

	body, err := c.httpClient.Get(ctx, reqURL, headers)
	if err != nil {
		var statusErr *httpclient.StatusError
		if errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound {
			if c.cache != nil {
				c.cache.Set(ctx, entityID, nil, c.config.CacheTTL)
			}
			return nil, fmt.Errorf("%s: %w", entityID, ErrNotFound)
		}
		return nil, err
	}

	if c.cache != nil {
		c.cache.Set(ctx, entityID, body, c.config.CacheTTL)
	}
	return c.parseBody(entityID, body)
}

func (c *Client) parseBody(entityID string, body []byte) (*Profile, error) {
	var resp entityResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", httpclient.ErrDecode, err)
	}
	profile := parseEntityResponse(&resp)
	if profile.EntityID == "" {
		profile.EntityID = entityID
	}
	return profile, nil
}

// FetchTechniqueUsage queries the trends dashboard for technique usage
// across a set of entity IDs within one period.
func (c *Client) FetchTechniqueUsage(ctx context.Context, entityIDs []string, period Period) ([]UsageRow, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}

	token, err := c.token()
	if err != nil {
		return nil, err
	}

	payload := usageRequest{
		ThreatLayers: [][]string{entityIDs},
		Period:       period,
	}
	headers := map[string]string{
		"Accept":        "application/json",
		"Authorization": "Bearer " + token,
	}

	var resp usageResponse
	reqURL := c.config.BaseURL + "/v3/trends/ttp-dashboard"
	if err := c.httpClient.PostJSON(ctx, reqURL, headers, payload, &resp); err != nil {
		return nil, err
	}

	c.logger.Info("Fetched technique usage",
		zap.Int("actors", len(entityIDs)),
		zap.Int("rows", len(resp.Rows)))
	return resp.Rows, nil
}

// Period selects the reporting window for technique usage queries.
type Period struct {
	Type      string `json:"type"`
	Label     string `json:"label"`
	StartDate string `json:"startDate,omitempty"`
	EndDate   string `json:"endDate,omitempty"`
}

// UsageRow is one technique row from the trends dashboard.
type UsageRow struct {
	TTP    UsageTechnique `json:"ttp"`
	Actors []ActorRef     `json:"actors"`
}

// UsageTechnique identifies the technique in a usage row.
type UsageTechnique struct {
	MitreID string   `json:"mitreId"`
	Name    string   `json:"name"`
	Tactics []string `json:"tactics"`
}

// ActorRef is an actor reference in a usage row.
type ActorRef struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

type usageRequest struct {
	ThreatLayers [][]string `json:"threatLayers"`
	Period       Period     `json:"period"`
}

type usageResponse struct {
	Rows []UsageRow `json:"rows"`
}

// flexValue tolerates a JSON string or number and keeps its text form.
// Any other shape decodes to the empty string instead of failing the
// enclosing record.
type flexValue string

// UnmarshalJSON implements json.Unmarshaler.
func (f *flexValue) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexValue(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexValue(n.String())
		return nil
	}
	*f = ""
	return nil
}

// entityResponse mirrors the vendor entity endpoint payload.
type entityResponse struct {
	ID                 string    `json:"id"`
	Description        string    `json:"description"`
	Popularity         int       `json:"popularity"`
	KnowledgeBaseURL   string    `json:"knowledgeBaseUrl"`
	Badges             []string  `json:"badges"`
	FirstSeenAt        flexValue `json:"firstSeenAt"`
	ThreatActorDetails struct {
		Country          string   `json:"country"`
		Targets          []string `json:"targets"`
		Motivations      []string `json:"motivations"`
		TargetIndustries []struct {
			Label string `json:"label"`
		} `json:"targetIndustries"`
		AssociatedMalwares []struct {
			ID    string `json:"id"`
			Label string `json:"label"`
		} `json:"associatedMalwares"`
		MalpediaDescription string `json:"malpediaDescription"`
	} `json:"threatActorDetails"`
}
