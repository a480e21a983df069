package linkrewrite

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// DefaultEndpoint is the Shopee affiliate GraphQL endpoint.
const DefaultEndpoint = "https://open-api.affiliate.shopee.com.br/graphql"

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ShopeeOptions configures a ShopeeClient.
type ShopeeOptions struct {
	Endpoint   string
	SubIDs     []string
	RatePerSec int
	HTTPClient HTTPClient
}

// ShopeeClient generates affiliate short links through the Shopee open API.
type ShopeeClient struct {
	appID    string
	secret   string
	endpoint string
	subIDs   []string
	client   HTTPClient
	limiter  *rate.Limiter
	now      func() time.Time
}

// NewShopee creates a client signing requests with the given credentials.
func NewShopee(appID, secret string, opts ShopeeOptions) *ShopeeClient {
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	limit := rate.Inf
	burst := 1
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
		burst = opts.RatePerSec
	}
	subIDs := opts.SubIDs
	if subIDs == nil {
		subIDs = []string{}
	}
	return &ShopeeClient{
		appID:    appID,
		secret:   secret,
		endpoint: endpoint,
		subIDs:   subIDs,
		client:   client,
		limiter:  rate.NewLimiter(limit, burst),
		now:      time.Now,
	}
}

type graphQLRequest struct {
	Query string `json:"query"`
}

type shortLinkResponse struct {
	Data struct {
		GenerateShortLink struct {
			ShortLink string `json:"shortLink"`
		} `json:"generateShortLink"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// ShortLink returns the affiliate short link for originURL.
func (c *ShopeeClient) ShortLink(ctx context.Context, originURL string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("wait for rate limiter: %w", err)
	}

	payload, err := c.payload(originURL)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.authorization(payload))

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var out shortLinkResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(out.Errors) > 0 {
		return "", fmt.Errorf("api error: %s", out.Errors[0].Message)
	}
	link := out.Data.GenerateShortLink.ShortLink
	if link == "" {
		return "", fmt.Errorf("empty short link in response")
	}
	return link, nil
}

func (c *ShopeeClient) payload(originURL string) ([]byte, error) {
	origin, err := json.Marshal(originURL)
	if err != nil {
		return nil, fmt.Errorf("encode url: %w", err)
	}
	subIDs, err := json.Marshal(c.subIDs)
	if err != nil {
		return nil, fmt.Errorf("encode sub ids: %w", err)
	}
	query := fmt.Sprintf(
		"mutation { generateShortLink(input: { originUrl: %s, subIds: %s }) { shortLink } }",
		origin, subIDs,
	)
	body, err := json.Marshal(graphQLRequest{Query: query})
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return body, nil
}

// authorization signs sha256(appID + timestamp + payload + secret).
func (c *ShopeeClient) authorization(payload []byte) string {
	ts := strconv.FormatInt(c.now().Unix(), 10)
	return fmt.Sprintf("SHA256 Credential=%s, Timestamp=%s, Signature=%s",
		c.appID, ts, Signature(c.appID, ts, payload, c.secret))
}

// Signature computes the hex request signature expected by the affiliate API.
func Signature(appID, timestamp string, payload []byte, secret string) string {
	h := sha256.New()
	h.Write([]byte(appID))
	h.Write([]byte(timestamp))
	h.Write(payload)
	h.Write([]byte(secret))
	return hex.EncodeToString(h.Sum(nil))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
