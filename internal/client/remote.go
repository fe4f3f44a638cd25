package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"gp-session-sync/internal/models"
	"gp-session-sync/internal/util"
)

// maxBodyBytes caps how much of a remote response is read.
const maxBodyBytes = 32 << 20

// remote is the HTTP plumbing shared by the gateway and identity-store clients. Every call
// is retried under the configured policy; only transport failures and 5xx are retried.
type remote struct {
	http   *http.Client
	retry  util.RetryPolicy
	logger *zap.Logger
}

func newRemote(timeout time.Duration, verifyTLS bool, retry util.RetryPolicy, logger *zap.Logger) *remote {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !verifyTLS, // appliances commonly present self-signed certificates
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &remote{
		http:   &http.Client{Timeout: timeout, Transport: transport},
		retry:  retry,
		logger: logger,
	}
}

type request struct {
	op       string
	endpoint string
	method   string
	url      string
	body     []byte
	headers  map[string]string
}

// do returns the response body of the first successful attempt, or a *models.RemoteError.
func (r *remote) do(ctx context.Context, req request) ([]byte, error) {
	var out []byte
	err := util.Retry(ctx, r.retry, models.IsRetryable, func(ctx context.Context) error {
		body, err := r.once(ctx, req)
		if err != nil {
			r.logger.Warn("Remote call failed",
				zap.String("op", req.op),
				util.Endpoint(req.endpoint),
				zap.Error(err))
			return err
		}
		out = body
		return nil
	})
	return out, err
}

func (r *remote) once(ctx context.Context, req request) ([]byte, error) {
	var reader io.Reader
	if len(req.body) > 0 {
		reader = bytes.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, req.url, reader)
	if err != nil {
		return nil, &models.RemoteError{Op: req.op, Endpoint: req.endpoint, Kind: models.ErrRemoteRejected, Err: err}
	}
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := r.http.Do(httpReq)
	if err != nil {
		return nil, &models.RemoteError{Op: req.op, Endpoint: req.endpoint, Kind: models.ErrSourceUnreachable, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &models.RemoteError{Op: req.op, Endpoint: req.endpoint, StatusCode: resp.StatusCode, Kind: models.ErrSourceUnreachable, Err: err}
	}

	if kind := models.KindForStatus(resp.StatusCode); kind != nil {
		r.logger.Debug("Remote call rejected",
			zap.String("op", req.op),
			util.Endpoint(req.endpoint),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", body))
		return nil, &models.RemoteError{Op: req.op, Endpoint: req.endpoint, StatusCode: resp.StatusCode, Kind: kind}
	}
	return body, nil
}

// malformed logs the raw payload at debug level and returns the typed error.
func (r *remote) malformed(op, endpoint string, body []byte, err error) error {
	r.logger.Debug("Malformed remote payload",
		zap.String("op", op),
		util.Endpoint(endpoint),
		zap.ByteString("payload", body),
		zap.Error(err))
	return &models.RemoteError{Op: op, Endpoint: endpoint, Kind: models.ErrMalformedPayload, Err: err}
}

// baseURL turns an endpoint into a URL root. Endpoints that already carry a scheme are used
// as is; bare addresses get https and, when port is non-zero, that port.
func baseURL(endpoint string, port int) string {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	if port > 0 && !strings.Contains(endpoint, ":") {
		return "https://" + endpoint + ":" + strconv.Itoa(port)
	}
	return "https://" + endpoint
}
