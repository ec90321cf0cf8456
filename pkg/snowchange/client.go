package snowchange

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/flagext"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	createURLFmt = "%s/api/sn_chg_rest/change/standard/%s"
	changeURLFmt = "%s/api/sn_chg_rest/change/%s"

	closeNotesSuccessful   = "Change completed successfully"
	closeNotesUnsuccessful = "Change did not complete successfully"
)

type Config struct {
	URL      string         `yaml:"url"`
	Username string         `yaml:"username"`
	Password flagext.Secret `yaml:"password"`
	Timeout  time.Duration  `yaml:"timeout"`
	RetryMax int            `yaml:"retry_max"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.StringVar(&c.URL, flagPrefix+"url", "", `Base URL of the ServiceNow instance.`)
	f.StringVar(&c.Username, flagPrefix+"username", "", `User for basic authentication.`)
	f.Var(&c.Password, flagPrefix+"password", `Password for basic authentication.`)
	f.DurationVar(&c.Timeout, flagPrefix+"timeout", 30*time.Second, `Request timeout.`)
	f.IntVar(&c.RetryMax, flagPrefix+"retry-max", 0, `Max transport level retries per request.`)
}

// Client drives a single standard change through the sn_chg_rest API. It is
// sequential by design: each lifecycle step depends on the previous one, so
// a Client must not be shared between goroutines.
type Client struct {
	cfg        Config
	httpClient *retryablehttp.Client
	log        log.Logger

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func New(cfg Config, reg prometheus.Registerer, logger log.Logger) *Client {
	cfg.URL = strings.TrimRight(cfg.URL, "/")

	c := retryablehttp.NewClient()
	c.RetryMax = cfg.RetryMax
	c.HTTPClient.Timeout = cfg.Timeout

	reg = prometheus.WrapRegistererWithPrefix("chgctl_", reg)

	return &Client{
		cfg:        cfg,
		httpClient: c,
		log:        log.With(logger, "component", "snowchange"),
		requests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Requests issued against the change API.",
		}, []string{"op", "code"}),
		duration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name: "api_request_duration_seconds",
			Help: "Change API request duration.",
		}, []string{"op"}),
	}
}

type CreateParams struct {
	TemplateRef      string
	ShortDescription string
	AssignmentGroup  string
}

// Create inserts a new change from a standard change template. The remote
// system assigns sys_id, number and the initial Scheduled state.
func (c *Client) Create(ctx context.Context, p CreateParams) (*ChangeRecord, error) {
	if p.TemplateRef == "" {
		return nil, errors.New("create: template ref is required")
	}

	params := url.Values{}
	params.Set("short_description", p.ShortDescription)
	params.Set("state", string(StateScheduled))
	if p.AssignmentGroup != "" {
		params.Set("assignment_group", p.AssignmentGroup)
	}

	u := fmt.Sprintf(createURLFmt, c.cfg.URL, p.TemplateRef) + "?" + params.Encode()

	rec, err := c.do(ctx, "create", http.MethodPost, u, nil, "")
	if err != nil {
		return nil, err
	}

	if rec.SysID == "" || rec.Number == "" {
		return nil, &CreateError{Reason: "response is missing sys_id or number", Body: string(rec.Raw)}
	}

	// The template field is not echoed by every instance version, so carry
	// the reference we created from.
	rec.TemplateRef = p.TemplateRef

	return rec, nil
}

// Update moves an existing change to target. The workflow engine can accept
// the request and still refuse the transition, so the echoed state is checked
// against the requested one instead of trusting the status code.
func (c *Client) Update(ctx context.Context, sysID string, target State) (*ChangeRecord, error) {
	if target != StateImplement && target != StateReview {
		return nil, errors.Errorf("update: state must be one of: %s, %s", StateImplement, StateReview)
	}
	if sysID == "" {
		return nil, errors.New("update: sys_id is required")
	}

	rec, err := c.patch(ctx, "update", sysID, map[string]string{"state": string(target)})
	if err != nil {
		return nil, err
	}

	if rec.State != target {
		return nil, &TransitionError{Op: "update", SysID: sysID, Want: target, Got: rec.State}
	}

	return rec, nil
}

// Close moves an existing change to Closed with the given close code.
func (c *Client) Close(ctx context.Context, sysID string, result CloseCode) (*ChangeRecord, error) {
	if result != CloseSuccessful && result != CloseUnsuccessful {
		return nil, errors.Errorf("close: result must be one of: %s, %s", CloseSuccessful, CloseUnsuccessful)
	}
	if sysID == "" {
		return nil, errors.New("close: sys_id is required")
	}

	notes := closeNotesSuccessful
	if result == CloseUnsuccessful {
		notes = closeNotesUnsuccessful
	}

	rec, err := c.patch(ctx, "close", sysID, map[string]string{
		"state":       string(StateClosed),
		"close_code":  string(result),
		"close_notes": notes,
	})
	if err != nil {
		return nil, err
	}

	if rec.State != StateClosed {
		return nil, &TransitionError{Op: "close", SysID: sysID, Want: StateClosed, Got: rec.State}
	}
	if rec.CloseCode != result {
		return nil, &TransitionError{Op: "close", SysID: sysID,
			Want: StateClosed, Got: rec.State, WantCode: result, GotCode: rec.CloseCode}
	}

	return rec, nil
}

// Get reads the current remote state of a change.
func (c *Client) Get(ctx context.Context, sysID string) (*ChangeRecord, error) {
	if sysID == "" {
		return nil, errors.New("get: sys_id is required")
	}

	u := fmt.Sprintf(changeURLFmt, c.cfg.URL, sysID)

	rec, err := c.do(ctx, "get", http.MethodGet, u, nil, sysID)
	if err != nil {
		return nil, err
	}

	if rec.SysID == "" {
		return nil, &NotFoundError{Op: "get", SysID: sysID, Status: http.StatusOK}
	}

	return rec, nil
}

func (c *Client) patch(ctx context.Context, op, sysID string, fields map[string]string) (*ChangeRecord, error) {
	body, err := json.Marshal(fields)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}

	u := fmt.Sprintf(changeURLFmt, c.cfg.URL, sysID)

	return c.do(ctx, op, http.MethodPatch, u, body, sysID)
}

func (c *Client) do(ctx context.Context, op, method, u string, body []byte, sysID string) (*ChangeRecord, error) {
	req, err := retryablehttp.NewRequest(method, u, body)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password.String())

	start := time.Now()
	resp, err := c.httpClient.Do(req.WithContext(ctx))
	if err != nil {
		c.requests.WithLabelValues(op, "error").Inc()
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	c.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	c.requests.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()
	level.Debug(c.log).Log("msg", "api call", "op", op, "method", method, "url", u, "status", resp.StatusCode)

	if err := classifyStatus(op, sysID, resp); err != nil {
		return nil, err
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: op, Err: errors.Wrap(err, "read response")}
	}

	env := resultEnvelope{}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &TransportError{Op: op, Err: errors.Wrap(err, "decode response")}
	}

	if env.Result == nil {
		switch op {
		case "create":
			return nil, &CreateError{Reason: "response has no result", Body: string(raw)}
		case "get":
			return nil, &NotFoundError{Op: op, SysID: sysID, Status: resp.StatusCode}
		default:
			return nil, &TransportError{Op: op, Err: errors.New("response has no result")}
		}
	}

	return env.Result.toRecord(raw), nil
}
