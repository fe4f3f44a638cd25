package client

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"gp-session-sync/internal/config"
	"gp-session-sync/internal/models"
	"gp-session-sync/internal/util"
)

const (
	cmdCurrentUsers = "<show><global-protect-gateway><current-user/></global-protect-gateway></show>"
	cmdHAState      = "<show><high-availability><state/></high-availability></show>"
)

// GatewayAPI is the GlobalProtect gateway collaborator.
type GatewayAPI interface {
	ListConnectedSessions(ctx context.Context, endpoint string) ([]models.ConnectedSession, error)
	ProbeHAState(ctx context.Context, endpoint string) (models.HAState, error)
}

// GatewayClient talks to the PAN-OS XML API.
type GatewayClient struct {
	remote *remote
	apiKey string
	now    func() time.Time
}

func NewGatewayClient(cfg config.GatewayConfig, retry util.RetryPolicy, logger *zap.Logger) *GatewayClient {
	return &GatewayClient{
		remote: newRemote(cfg.Timeout, cfg.VerifyTLS, retry, logger),
		apiKey: cfg.APIKey,
		now:    time.Now,
	}
}

type panMsg struct {
	Text  string   `xml:",chardata"`
	Lines []string `xml:"line"`
}

func (m panMsg) String() string {
	if len(m.Lines) > 0 {
		return strings.Join(m.Lines, "; ")
	}
	return strings.TrimSpace(m.Text)
}

type panField struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

type panSessionsResponse struct {
	XMLName xml.Name `xml:"response"`
	Status  string   `xml:"status,attr"`
	Msg     panMsg   `xml:"msg"`
	Entries []struct {
		Fields []panField `xml:",any"`
	} `xml:"result>entry"`
}

type panHAResponse struct {
	XMLName    xml.Name `xml:"response"`
	Status     string   `xml:"status,attr"`
	Msg        panMsg   `xml:"msg"`
	Enabled    string   `xml:"result>enabled"`
	LocalState string   `xml:"result>group>local-info>state"`
	PeerState  string   `xml:"result>group>peer-info>state"`
}

type panKeygenResponse struct {
	XMLName xml.Name `xml:"response"`
	Status  string   `xml:"status,attr"`
	Msg     panMsg   `xml:"msg"`
	Key     string   `xml:"result>key"`
}

// ListConnectedSessions returns every session the gateway reports. A single entry and an
// empty result are both valid.
func (c *GatewayClient) ListConnectedSessions(ctx context.Context, endpoint string) ([]models.ConnectedSession, error) {
	const op = "gateway.list_sessions"

	body, err := c.op(ctx, op, endpoint, cmdCurrentUsers)
	if err != nil {
		return nil, err
	}

	var resp panSessionsResponse
	if err := xml.Unmarshal(body, &resp); err != nil {
		return nil, c.remote.malformed(op, endpoint, body, err)
	}
	if err := c.checkStatus(op, endpoint, resp.Status, resp.Msg); err != nil {
		return nil, err
	}

	observed := c.now().UTC()
	sessions := make([]models.ConnectedSession, 0, len(resp.Entries))
	for _, entry := range resp.Entries {
		raw := make(map[string]string, len(entry.Fields))
		for _, f := range entry.Fields {
			raw[f.XMLName.Local] = strings.TrimSpace(f.Value)
		}
		if raw["username"] == "" {
			return nil, c.remote.malformed(op, endpoint, body, errors.New("session entry without username"))
		}
		sessions = append(sessions, models.ConnectedSession{
			Username:   raw["username"],
			Hostname:   raw["computer"],
			OS:         raw["client"],
			SourceIP:   raw["client-ip"],
			Region:     raw["source-region"],
			Raw:        raw,
			ObservedAt: observed,
		})
	}

	c.remote.logger.Debug("Gateway sessions listed",
		util.Endpoint(endpoint),
		zap.Int("sessions", len(sessions)))
	return sessions, nil
}

// ProbeHAState returns the gateway's high-availability report.
func (c *GatewayClient) ProbeHAState(ctx context.Context, endpoint string) (models.HAState, error) {
	const op = "gateway.ha_state"

	body, err := c.op(ctx, op, endpoint, cmdHAState)
	if err != nil {
		return models.HAState{}, err
	}

	var resp panHAResponse
	if err := xml.Unmarshal(body, &resp); err != nil {
		return models.HAState{}, c.remote.malformed(op, endpoint, body, err)
	}
	if err := c.checkStatus(op, endpoint, resp.Status, resp.Msg); err != nil {
		return models.HAState{}, err
	}

	return models.HAState{
		Enabled:    strings.EqualFold(strings.TrimSpace(resp.Enabled), "yes"),
		LocalState: strings.TrimSpace(resp.LocalState),
		PeerState:  strings.TrimSpace(resp.PeerState),
	}, nil
}

// Probe classifies endpoint for the active-endpoint resolver.
func (c *GatewayClient) Probe(ctx context.Context, endpoint string) (models.HARole, error) {
	state, err := c.ProbeHAState(ctx, endpoint)
	if err != nil {
		return models.HARoleUnknown, err
	}
	return state.Role(), nil
}

// Keygen exchanges administrator credentials for an API key.
func (c *GatewayClient) Keygen(ctx context.Context, endpoint, user, password string) (string, error) {
	const op = "gateway.keygen"

	q := url.Values{}
	q.Set("type", "keygen")
	q.Set("user", user)
	q.Set("password", password)

	body, err := c.remote.do(ctx, request{
		op:       op,
		endpoint: endpoint,
		method:   http.MethodGet,
		url:      baseURL(endpoint, 0) + "/api/?" + q.Encode(),
	})
	if err != nil {
		return "", err
	}

	var resp panKeygenResponse
	if err := xml.Unmarshal(body, &resp); err != nil {
		return "", c.remote.malformed(op, endpoint, body, err)
	}
	if err := c.checkStatus(op, endpoint, resp.Status, resp.Msg); err != nil {
		return "", err
	}
	key := strings.TrimSpace(resp.Key)
	if key == "" {
		return "", c.remote.malformed(op, endpoint, body, errors.New("response has no key"))
	}
	return key, nil
}

func (c *GatewayClient) op(ctx context.Context, op, endpoint, cmd string) ([]byte, error) {
	q := url.Values{}
	q.Set("type", "op")
	q.Set("cmd", cmd)

	return c.remote.do(ctx, request{
		op:       op,
		endpoint: endpoint,
		method:   http.MethodGet,
		url:      baseURL(endpoint, 0) + "/api/?" + q.Encode(),
		headers:  map[string]string{"X-PAN-KEY": c.apiKey},
	})
}

func (c *GatewayClient) checkStatus(op, endpoint, status string, msg panMsg) error {
	if status == "success" {
		return nil
	}
	return &models.RemoteError{
		Op:       op,
		Endpoint: endpoint,
		Kind:     models.ErrRemoteRejected,
		Err:      fmt.Errorf("status %q: %s", status, msg),
	}
}
