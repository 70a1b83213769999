package source

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"os"
	"strings"
	"time"

	"nitewatch/internal/exam"
	logx "nitewatch/pkg/logx"
)

const (
	DefaultMainURL = "https://niteop.nite.org.il"
	DefaultAPIURL  = "https://proxy.nite.org.il/net-registration/all-days?networkExamId=3"
	DefaultTimeout = 10 * time.Second

	maxBody = 4 << 20
)

type EmptyPolicy string

const (
	EmptyAccept EmptyPolicy = "accept"
	EmptyReject EmptyPolicy = "reject"
)

// DefaultHeaders are what the registration site's own frontend sends; the API
// rejects requests without them.
func DefaultHeaders() map[string]string {
	return map[string]string{
		"accept":     "application/json, text/plain, */*",
		"origin":     "https://niteop.nite.org.il",
		"referer":    "https://niteop.nite.org.il/",
		"user-agent": "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/139.0.0.0 Safari/537.36",
	}
}

type Config struct {
	MainURL            string
	APIURL             string
	Headers            map[string]string
	Timeout            time.Duration
	CAFile             string
	InsecureSkipVerify bool
	EmptySnapshot      EmptyPolicy
}

// NITE fetches the all-days schedule. Each Fetch runs in a fresh cookie session:
// a warm-up request to the main site followed by the API call.
type NITE struct {
	cfg    Config
	client *http.Client
	log    logx.Logger
}

func NewNITE(cfg Config, log logx.Logger) (*NITE, error) {
	if strings.TrimSpace(cfg.APIURL) == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Headers == nil {
		cfg.Headers = DefaultHeaders()
	}
	if cfg.EmptySnapshot == "" {
		cfg.EmptySnapshot = EmptyAccept
	}

	tlsCfg, err := tlsConfig(cfg)
	if err != nil {
		return nil, err
	}
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
		TLSClientConfig:     tlsCfg,
	}
	if cfg.InsecureSkipVerify {
		log.Warn("TLS verification disabled for schedule source")
	}
	return &NITE{
		cfg:    cfg,
		client: &http.Client{Transport: tr},
		log:    log,
	}, nil
}

func tlsConfig(cfg Config) (*tls.Config, error) {
	tc := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: cfg.InsecureSkipVerify}
	if strings.TrimSpace(cfg.CAFile) == "" {
		return tc, nil
	}
	pem, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read ca_file: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("ca_file %s: no certificates found", cfg.CAFile)
	}
	tc.RootCAs = pool
	return tc, nil
}

// Fetch returns the schedule or a *FetchError. The whole exchange is bounded by
// the configured timeout.
func (n *NITE) Fetch(ctx context.Context) (exam.Schedule, error) {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, &FetchError{Kind: KindNetwork, URL: n.cfg.APIURL, Err: err}
	}
	client := *n.client
	client.Jar = jar

	if main := strings.TrimSpace(n.cfg.MainURL); main != "" {
		if err := n.warmUp(ctx, &client, main); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.cfg.APIURL, nil)
	if err != nil {
		return nil, &FetchError{Kind: KindNetwork, URL: n.cfg.APIURL, Err: err}
	}
	for k, v := range n.cfg.Headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, transportError(n.cfg.APIURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &FetchError{
			Kind:   KindStatus,
			URL:    n.cfg.APIURL,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("unexpected status: %s", strings.TrimSpace(string(snippet))),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, transportError(n.cfg.APIURL, err)
	}
	sched, err := ParseSchedule(body)
	if err != nil {
		return nil, &FetchError{Kind: KindPayload, URL: n.cfg.APIURL, Status: resp.StatusCode, Err: err}
	}
	if len(sched) == 0 && n.cfg.EmptySnapshot == EmptyReject {
		return nil, &FetchError{Kind: KindEmpty, URL: n.cfg.APIURL, Status: resp.StatusCode, Err: ErrEmptySnapshot}
	}
	n.log.Debug("schedule fetched", logx.Int("dates", len(sched)), logx.Int("events", sched.Len()))
	return sched, nil
}

func (n *NITE) warmUp(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &FetchError{Kind: KindNetwork, URL: url, Err: err}
	}
	if ua := n.cfg.Headers["user-agent"]; ua != "" {
		req.Header.Set("user-agent", ua)
	}
	resp, err := client.Do(req)
	if err != nil {
		return transportError(url, err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
	resp.Body.Close()
	return nil
}

// ParseSchedule decodes the all-days payload: a JSON object mapping
// YYYY-MM-DD dates to arrays of location ids.
func ParseSchedule(body []byte) (exam.Schedule, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" || trimmed == "null" {
		return nil, errors.New("empty response body")
	}
	var raw map[string][]exam.LocationID
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return nil, fmt.Errorf("decode schedule: %w", err)
	}
	out := make(exam.Schedule, len(raw))
	for k, locs := range raw {
		d, err := exam.ParseDate(k)
		if err != nil {
			return nil, err
		}
		out[d] = append(out[d], locs...)
	}
	return out, nil
}
