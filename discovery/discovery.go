// Package discovery resolves the set of repositories a run operates
// on. Explicit repo identifiers are merged with repos discovered from a
// service catalog, then normalized and deduplicated.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/randalmurphal/prflow/giturl"
)

// Discovery errors
var (
	// ErrMissingCredentials indicates catalog discovery was requested
	// without API credentials.
	ErrMissingCredentials = errors.New("catalog API key and app key are required for discovery")

	// ErrNoRepos indicates no repositories were provided or discovered.
	ErrNoRepos = errors.New("no repositories provided or discovered")
)

// DefaultSite is the catalog API site used when none is configured.
const DefaultSite = "datadoghq.com"

const pageSize = 200

// Catalog queries a service catalog for the repositories owned by a
// team.
type Catalog struct {
	site    string
	apiKey  string
	appKey  string
	baseURL string // test override, normally derived from site
	http    *retryablehttp.Client
	logger  *slog.Logger
}

// CatalogConfig configures a Catalog client.
type CatalogConfig struct {
	Site    string // Catalog site, e.g. "datadoghq.com" (env CATALOG_SITE)
	APIKey  string // env CATALOG_API_KEY
	AppKey  string // env CATALOG_APP_KEY
	BaseURL string // Overrides the API endpoint, for tests
	Logger  *slog.Logger
}

// NewCatalog creates a catalog client. Credentials are validated at
// query time so a client can always be constructed.
func NewCatalog(cfg CatalogConfig) *Catalog {
	site := cfg.Site
	if site == "" {
		site = os.Getenv("CATALOG_SITE")
	}
	if site == "" {
		site = DefaultSite
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("CATALOG_API_KEY")
	}
	appKey := cfg.AppKey
	if appKey == "" {
		appKey = os.Getenv("CATALOG_APP_KEY")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.Logger = nil

	return &Catalog{
		site:    site,
		apiKey:  apiKey,
		appKey:  appKey,
		baseURL: cfg.BaseURL,
		http:    client,
		logger:  logger,
	}
}

// serviceList mirrors the catalog v2 services payload, reduced to the
// fields discovery reads.
type serviceList struct {
	Data []struct {
		Attributes struct {
			Integrations struct {
				GitHub struct {
					URL           string `json:"url"`
					RepositoryURL string `json:"repository_url"`
					Repository    string `json:"repository"`
				} `json:"github"`
			} `json:"integrations"`
		} `json:"attributes"`
	} `json:"data"`
	Meta struct {
		Page struct {
			TotalFilteredCount *int `json:"total_filtered_count"`
		} `json:"page"`
	} `json:"meta"`
}

// TeamRepos returns the sorted, deduplicated repository URLs attached
// to the team's services.
func (c *Catalog) TeamRepos(ctx context.Context, team string) ([]string, error) {
	if c.apiKey == "" || c.appKey == "" {
		return nil, ErrMissingCredentials
	}

	repos := map[string]struct{}{}
	for page := 0; ; page++ {
		list, err := c.listServices(ctx, team, page)
		if err != nil {
			return nil, err
		}

		for _, svc := range list.Data {
			gh := svc.Attributes.Integrations.GitHub
			for _, candidate := range []string{gh.URL, gh.RepositoryURL, gh.Repository} {
				if candidate != "" {
					repos[candidate] = struct{}{}
				}
			}
		}

		if len(list.Data) < pageSize {
			break
		}
		if total := list.Meta.Page.TotalFilteredCount; total != nil && (page+1)*pageSize >= *total {
			break
		}
	}

	out := make([]string, 0, len(repos))
	for r := range repos {
		out = append(out, r)
	}
	sort.Strings(out)

	c.logger.Info("catalog discovery finished", "team", team, "repos", len(out))
	return out, nil
}

func (c *Catalog) listServices(ctx context.Context, team string, page int) (*serviceList, error) {
	endpoint := c.baseURL
	if endpoint == "" {
		endpoint = "https://api." + c.site
	}

	q := url.Values{}
	q.Set("filter[team]", team)
	q.Set("page[size]", strconv.Itoa(pageSize))
	q.Set("page[number]", strconv.Itoa(page))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet,
		endpoint+"/api/v2/services?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build catalog request: %w", err)
	}
	req.Header.Set("DD-API-KEY", c.apiKey)
	req.Header.Set("DD-APPLICATION-KEY", c.appKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list services page %d: %w", page, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("list services page %d: status %d: %s", page, resp.StatusCode, body)
	}

	var list serviceList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode services page %d: %w", page, err)
	}
	return &list, nil
}

// Resolve merges explicit repo identifiers with catalog discovery for
// team (skipped when team is empty), normalizes each identifier to a
// canonical URL, and deduplicates preserving first-seen order.
func Resolve(ctx context.Context, catalog *Catalog, explicit []string, team, defaultOrg string) ([]string, error) {
	combined := append([]string{}, explicit...)

	if team != "" {
		discovered, err := catalog.TeamRepos(ctx, team)
		if err != nil {
			return nil, err
		}
		combined = append(combined, discovered...)
	}

	if defaultOrg == "" {
		defaultOrg = os.Getenv("GITHUB_DEFAULT_ORG")
	}

	seen := map[string]struct{}{}
	var out []string
	for _, r := range combined {
		norm := giturl.Normalize(r, defaultOrg)
		if norm == "" {
			continue
		}
		if _, dup := seen[norm]; dup {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
	}

	if len(out) == 0 {
		return nil, ErrNoRepos
	}
	return out, nil
}
