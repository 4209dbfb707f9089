package writing

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/bt-bridge/writing-session/shared"
	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
)

// TokenSource mints the single-use token that authorizes one socket
// connection to a leaderboard. An empty token with a nil error means the
// server had none to give.
type TokenSource interface {
	Token(ctx context.Context, leaderboardID int) (string, error)
}

type TokenSourceFunc func(ctx context.Context, leaderboardID int) (string, error)

func (f TokenSourceFunc) Token(ctx context.Context, leaderboardID int) (string, error) {
	return f(ctx, leaderboardID)
}

const defaultTokenTimeout = 10 * time.Second

// RESTTokenSource asks the REST API (POST ws_token) for connection tokens,
// authenticating with a bearer key.
type RESTTokenSource struct {
	baseUrl *url.URL
	apiKey  string
	client  *fasthttp.Client
	timeout time.Duration
}

var _ TokenSource = (*RESTTokenSource)(nil)

func NewRESTTokenSource(baseUrl, apiKey string) (*RESTTokenSource, error) {
	if apiKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	u, err := url.Parse(baseUrl)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base URL %q must be absolute", baseUrl)
	}
	return &RESTTokenSource{
		baseUrl: u,
		apiKey:  apiKey,
		client:  &fasthttp.Client{},
		timeout: defaultTokenTimeout,
	}, nil
}

func (s *RESTTokenSource) Token(ctx context.Context, leaderboardID int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	body, err := sonic.Marshal(map[string]any{"leaderboard_id": leaderboardID})
	if err != nil {
		return "", fmt.Errorf("marshaling token request: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(s.baseUrl.JoinPath("ws_token").String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	deadline := time.Now().Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.client.DoDeadline(req, resp, deadline); err != nil {
		return "", fmt.Errorf("performing HTTP request: %w", err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		// the API answers non-200 when it has no token to hand out
		return "", nil
	}

	var out struct {
		WSToken string `json:"ws_token"`
	}
	if err := sonic.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	return out.WSToken, nil
}

// ConnectionURL is <wsBase>/<leaderboardID>?token=<token>.
func ConnectionURL(wsBase string, leaderboardID int, token string) (string, error) {
	u, err := url.Parse(wsBase)
	if err != nil {
		return "", fmt.Errorf("parsing websocket base URL: %w", err)
	}
	u = u.JoinPath(fmt.Sprint(leaderboardID))
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
