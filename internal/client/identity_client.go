package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"gp-session-sync/internal/config"
	"gp-session-sync/internal/models"
	"gp-session-sync/internal/util"
)

const (
	internalUserPath   = "/ers/config/internaluser"
	deploymentNodePath = "/api/v1/deployment/node"
)

// IdentityAPI is the identity-store collaborator.
type IdentityAPI interface {
	// ListUsers returns one page of users and the token of the next page, empty on the last.
	ListUsers(ctx context.Context, endpoint, page string) ([]models.IdentityRecord, string, error)
	GetUser(ctx context.Context, endpoint, id string) (models.IdentityRecord, error)
	PutUser(ctx context.Context, endpoint string, rec models.IdentityRecord, attrs map[string]string) error
	GetActiveNodes(ctx context.Context, endpoint string) ([]models.NodeInfo, error)
}

// IdentityClient talks to the Cisco ISE ERS and OpenAPI endpoints.
type IdentityClient struct {
	remote   *remote
	port     int
	pageSize int
	auth     string
}

func NewIdentityClient(cfg config.IdentityConfig, retry util.RetryPolicy, logger *zap.Logger) *IdentityClient {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	return &IdentityClient{
		remote:   newRemote(cfg.Timeout, cfg.VerifyTLS, retry, logger),
		port:     cfg.Port,
		pageSize: pageSize,
		auth:     AuthHeader(cfg.Token, cfg.Username, cfg.Password),
	}
}

// AuthHeader builds the Basic authorization value. A pre-computed token wins over the
// username and password; it may be given with or without the "Basic " prefix.
func AuthHeader(token, username, password string) string {
	if token != "" {
		if strings.HasPrefix(token, "Basic ") {
			return token
		}
		return "Basic " + token
	}
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

type ersUser struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	CustomAttributes map[string]string `json:"customAttributes,omitempty"`
}

type ersUserEnvelope struct {
	InternalUser *ersUser `json:"InternalUser"`
}

type ersSearchEnvelope struct {
	SearchResult *struct {
		Total     int       `json:"total"`
		Resources []ersUser `json:"resources"`
		NextPage  *struct {
			Href string `json:"href"`
		} `json:"nextPage"`
	} `json:"SearchResult"`
}

type nodeEnvelope struct {
	Response []models.NodeInfo `json:"response"`
}

// ListUsers fetches one page. The page token is the nextPage href returned by the previous
// page; only its path and query are used so the call stays on endpoint.
func (c *IdentityClient) ListUsers(ctx context.Context, endpoint, page string) ([]models.IdentityRecord, string, error) {
	const op = "identity.list_users"

	target := baseURL(endpoint, c.port) + internalUserPath + "?size=" + strconv.Itoa(c.pageSize) + "&page=1"
	if page != "" {
		u, err := url.Parse(page)
		if err != nil {
			return nil, "", &models.RemoteError{Op: op, Endpoint: endpoint, Kind: models.ErrMalformedPayload, Err: err}
		}
		target = baseURL(endpoint, c.port) + u.RequestURI()
	}

	body, err := c.remote.do(ctx, c.request(op, endpoint, http.MethodGet, target, nil))
	if err != nil {
		return nil, "", err
	}

	var env ersSearchEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, "", c.remote.malformed(op, endpoint, body, err)
	}
	if env.SearchResult == nil {
		return nil, "", c.remote.malformed(op, endpoint, body, errors.New("missing SearchResult"))
	}

	records := make([]models.IdentityRecord, 0, len(env.SearchResult.Resources))
	for _, r := range env.SearchResult.Resources {
		if r.ID == "" || r.Name == "" {
			return nil, "", c.remote.malformed(op, endpoint, body, errors.New("user resource without id or name"))
		}
		records = append(records, models.IdentityRecord{ID: r.ID, Name: r.Name})
	}

	next := ""
	if env.SearchResult.NextPage != nil {
		next = env.SearchResult.NextPage.Href
	}
	return records, next, nil
}

// GetUser fetches one user with its custom attributes. FetchedAt is left for the caller.
func (c *IdentityClient) GetUser(ctx context.Context, endpoint, id string) (models.IdentityRecord, error) {
	const op = "identity.get_user"

	target := baseURL(endpoint, c.port) + internalUserPath + "/" + url.PathEscape(id)
	body, err := c.remote.do(ctx, c.request(op, endpoint, http.MethodGet, target, nil))
	if err != nil {
		return models.IdentityRecord{}, err
	}

	var env ersUserEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return models.IdentityRecord{}, c.remote.malformed(op, endpoint, body, err)
	}
	if env.InternalUser == nil || env.InternalUser.ID == "" {
		return models.IdentityRecord{}, c.remote.malformed(op, endpoint, body, errors.New("missing InternalUser"))
	}

	return models.IdentityRecord{
		ID:               env.InternalUser.ID,
		Name:             env.InternalUser.Name,
		CustomAttributes: env.InternalUser.CustomAttributes,
	}, nil
}

// PutUser writes attrs as the user's custom attributes.
func (c *IdentityClient) PutUser(ctx context.Context, endpoint string, rec models.IdentityRecord, attrs map[string]string) error {
	const op = "identity.put_user"

	payload, err := json.Marshal(ersUserEnvelope{InternalUser: &ersUser{
		ID:               rec.ID,
		Name:             rec.Name,
		CustomAttributes: attrs,
	}})
	if err != nil {
		return &models.RemoteError{Op: op, Endpoint: endpoint, Kind: models.ErrRemoteRejected, Err: err}
	}

	target := baseURL(endpoint, c.port) + internalUserPath + "/" + url.PathEscape(rec.ID)
	if _, err := c.remote.do(ctx, c.request(op, endpoint, http.MethodPut, target, payload)); err != nil {
		return err
	}

	c.remote.logger.Debug("Identity record updated",
		util.Username(rec.Name),
		util.Endpoint(endpoint),
		zap.Any("attributes", attrs))
	return nil
}

// GetActiveNodes lists the deployment's nodes and their roles.
func (c *IdentityClient) GetActiveNodes(ctx context.Context, endpoint string) ([]models.NodeInfo, error) {
	const op = "identity.nodes"

	body, err := c.remote.do(ctx, c.request(op, endpoint, http.MethodGet, baseURL(endpoint, c.port)+deploymentNodePath, nil))
	if err != nil {
		return nil, err
	}

	var env nodeEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, c.remote.malformed(op, endpoint, body, err)
	}
	return env.Response, nil
}

// Prober returns a probe for the HA pair primary/secondary that classifies a node from the
// deployment listing it serves.
func (c *IdentityClient) Prober(primary, secondary string) func(ctx context.Context, endpoint string) (models.HARole, error) {
	return func(ctx context.Context, endpoint string) (models.HARole, error) {
		peer := primary
		if endpoint == primary {
			peer = secondary
		}
		nodes, err := c.GetActiveNodes(ctx, endpoint)
		if err != nil {
			return models.HARoleUnknown, err
		}
		return models.IdentityRole(nodes, hostOf(endpoint), hostOf(peer)), nil
	}
}

func (c *IdentityClient) request(op, endpoint, method, target string, body []byte) request {
	headers := map[string]string{
		"Authorization": c.auth,
		"Accept":        "application/json",
	}
	if body != nil {
		headers["Content-Type"] = "application/json"
	}
	return request{op: op, endpoint: endpoint, method: method, url: target, body: body, headers: headers}
}

// hostOf strips scheme and port so an endpoint can be matched against node addresses.
func hostOf(endpoint string) string {
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		return u.Hostname()
	}
	if host, _, found := strings.Cut(endpoint, ":"); found {
		return host
	}
	return endpoint
}
