// Package acs implements the work queue on Azure Communication Services Job
// Router over its REST API.
package acs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/harunnryd/callcenter/pkg/errorsx"
	"github.com/harunnryd/callcenter/pkg/logging"
	"github.com/harunnryd/callcenter/pkg/workqueue"
)

const (
	DefaultAPIVersion = "2023-11-01"
	DefaultTimeout    = 10 * time.Second

	contentTypeJSON       = "application/json"
	contentTypeMergePatch = "application/merge-patch+json"
)

type Config struct {
	ConnectionString string `mapstructure:"connection_string"`
	APIVersion       string `mapstructure:"api_version"`
	TimeoutMS        int    `mapstructure:"timeout_ms"`
}

type Client struct {
	http       *resty.Client
	host       string
	apiVersion string
	signer     *signer
	logger     *slog.Logger
}

var (
	_ workqueue.Router      = (*Client)(nil)
	_ workqueue.Provisioner = (*Client)(nil)
)

func New(cfg Config, logger *slog.Logger) (*Client, error) {
	return newClient(cfg, logger, nil)
}

func newClient(cfg Config, logger *slog.Logger, now func() time.Time) (*Client, error) {
	endpoint, key, err := ParseConnectionString(cfg.ConnectionString)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("acs: invalid endpoint %q", endpoint)
	}
	s, err := newSigner(key, now)
	if err != nil {
		return nil, err
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	timeout := DefaultTimeout
	if cfg.TimeoutMS > 0 {
		timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(u.Scheme+"://"+u.Host, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", contentTypeJSON)
	return &Client{
		http:       httpClient,
		host:       u.Host,
		apiVersion: cfg.APIVersion,
		signer:     s,
		logger:     logging.NewComponentLogger(logger, "acs_router"),
	}, nil
}

func (c *Client) UpsertDistributionPolicy(ctx context.Context, p workqueue.DistributionPolicy) error {
	mode := p.Mode
	if mode == "" {
		mode = "longestIdle"
	}
	body := distributionPolicyBody{
		Name:                     p.Name,
		OfferExpiresAfterSeconds: int(p.OfferExpiresAfter / time.Second),
		Mode:                     policyMode{Kind: mode, MinConcurrentOffers: 1, MaxConcurrentOffers: 1},
	}
	return c.do(ctx, http.MethodPatch, "/routing/distributionPolicies/"+url.PathEscape(p.ID), body, nil)
}

func (c *Client) UpsertQueue(ctx context.Context, q workqueue.Queue) error {
	body := queueBody{Name: q.Name, DistributionPolicyID: q.DistributionPolicyID}
	return c.do(ctx, http.MethodPatch, "/routing/queues/"+url.PathEscape(q.ID), body, nil)
}

func (c *Client) UpsertWorker(ctx context.Context, w workqueue.Worker) error {
	body := workerBody{
		Capacity:           w.Capacity,
		Queues:             w.QueueIDs,
		Labels:             w.Labels,
		AvailableForOffers: w.AvailableForOffers,
	}
	for _, ch := range w.Channels {
		body.Channels = append(body.Channels, channelBody{ChannelID: ch.ID, CapacityCostPerJob: ch.CapacityCostPerJob})
	}
	return c.do(ctx, http.MethodPatch, "/routing/workers/"+url.PathEscape(w.ID), body, nil)
}

func (c *Client) ListWorkers(ctx context.Context) ([]workqueue.Worker, error) {
	var out []workqueue.Worker
	err := c.paginate(ctx, "/routing/workers", func(raw json.RawMessage) error {
		var w workerBody
		if err := json.Unmarshal(raw, &w); err != nil {
			return err
		}
		out = append(out, w.toWorker())
		return nil
	})
	return out, err
}

func (c *Client) UpsertJob(ctx context.Context, req workqueue.JobRequest) (workqueue.Job, error) {
	body := jobBody{
		ChannelID:                req.ChannelID,
		QueueID:                  req.QueueID,
		Priority:                 req.Priority,
		RequestedWorkerSelectors: req.Selectors,
	}
	var out jobBody
	if err := c.do(ctx, http.MethodPatch, "/routing/jobs/"+url.PathEscape(req.ID), body, &out); err != nil {
		return workqueue.Job{}, err
	}
	if out.ID == "" {
		out.ID = req.ID
	}
	return out.toJob(), nil
}

func (c *Client) GetJob(ctx context.Context, jobID string) (workqueue.Job, error) {
	var out jobBody
	if err := c.do(ctx, http.MethodGet, "/routing/jobs/"+url.PathEscape(jobID), nil, &out); err != nil {
		return workqueue.Job{}, err
	}
	return out.toJob(), nil
}

func (c *Client) ListJobs(ctx context.Context) ([]workqueue.Job, error) {
	var out []workqueue.Job
	err := c.paginate(ctx, "/routing/jobs", func(raw json.RawMessage) error {
		var j jobBody
		if err := json.Unmarshal(raw, &j); err != nil {
			return err
		}
		out = append(out, j.toJob())
		return nil
	})
	return out, err
}

func (c *Client) DeleteJob(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodDelete, "/routing/jobs/"+url.PathEscape(jobID), nil, nil)
}

func (c *Client) CancelJob(ctx context.Context, jobID, disposition string) error {
	return c.do(ctx, http.MethodPost, "/routing/jobs/"+url.PathEscape(jobID)+":cancel", dispositionBody{DispositionCode: disposition}, nil)
}

func (c *Client) Offers(ctx context.Context, workerID string) ([]workqueue.Offer, error) {
	var w workerBody
	if err := c.do(ctx, http.MethodGet, "/routing/workers/"+url.PathEscape(workerID), nil, &w); err != nil {
		return nil, err
	}
	out := make([]workqueue.Offer, 0, len(w.Offers))
	for _, o := range w.Offers {
		out = append(out, workqueue.Offer{OfferID: o.OfferID, JobID: o.JobID, WorkerID: workerID})
	}
	return out, nil
}

func (c *Client) AcceptOffer(ctx context.Context, workerID, offerID string) (workqueue.Assignment, error) {
	var out acceptResult
	path := "/routing/workers/" + url.PathEscape(workerID) + "/offers/" + url.PathEscape(offerID) + ":accept"
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return workqueue.Assignment{}, err
	}
	return workqueue.Assignment{
		AssignmentID: out.AssignmentID,
		JobID:        out.JobID,
		WorkerID:     out.WorkerID,
		AcceptedAt:   time.Now(),
	}, nil
}

func (c *Client) CompleteJob(ctx context.Context, jobID, assignmentID string) error {
	path := "/routing/jobs/" + url.PathEscape(jobID) + "/assignments/" + url.PathEscape(assignmentID) + ":complete"
	return c.do(ctx, http.MethodPost, path, struct{}{}, nil)
}

func (c *Client) CloseJob(ctx context.Context, jobID, assignmentID, disposition string) error {
	path := "/routing/jobs/" + url.PathEscape(jobID) + "/assignments/" + url.PathEscape(assignmentID) + ":close"
	return c.do(ctx, http.MethodPost, path, dispositionBody{DispositionCode: disposition}, nil)
}

// paginate follows nextLink until the collection is exhausted.
func (c *Client) paginate(ctx context.Context, path string, each func(json.RawMessage) error) error {
	next := path + "?api-version=" + c.apiVersion
	for next != "" {
		var page pageBody
		if err := c.doRaw(ctx, http.MethodGet, next, nil, &page); err != nil {
			return err
		}
		for _, raw := range page.Value {
			if err := each(raw); err != nil {
				return errorsx.Wrapf(err, errorsx.ReasonProtocolUnexpected, "decode %s", path)
			}
		}
		next = ""
		if page.NextLink != "" {
			u, err := url.Parse(page.NextLink)
			if err != nil {
				return errorsx.Wrapf(err, errorsx.ReasonProtocolUnexpected, "next link")
			}
			next = u.RequestURI()
		}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	return c.doRaw(ctx, method, path+"?api-version="+c.apiVersion, body, out)
}

// doRaw signs and sends one request. pathAndQuery already carries the query.
func (c *Client) doRaw(ctx context.Context, method, pathAndQuery string, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}
	req := c.http.R().
		SetContext(ctx).
		SetHeaders(c.signer.headers(method, c.host, pathAndQuery, payload))
	if payload != nil {
		contentType := contentTypeJSON
		if method == http.MethodPatch {
			contentType = contentTypeMergePatch
		}
		req.SetHeader("Content-Type", contentType).SetBody(payload)
	}
	resp, err := req.Execute(method, pathAndQuery)
	if err != nil {
		return errorsx.Wrapf(err, errorsx.ReasonQueueUnavailable, "%s %s", method, pathAndQuery)
	}
	status := resp.StatusCode()
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", method, pathAndQuery, workqueue.ErrNotFound)
	case status == http.StatusTooManyRequests || status >= 500:
		return errorsx.New(errorsx.ReasonQueueUnavailable, fmt.Sprintf("%s %s: status %d", method, pathAndQuery, status))
	case status >= 400:
		c.logger.Warn("router_request_rejected", "method", method, "path", pathAndQuery, "status", status, "body", string(resp.Body()))
		return fmt.Errorf("%s %s: status %d: %s", method, pathAndQuery, status, strings.TrimSpace(string(resp.Body())))
	}
	if out != nil && len(resp.Body()) > 0 {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return errorsx.Wrapf(err, errorsx.ReasonProtocolUnexpected, "decode %s", pathAndQuery)
		}
	}
	return nil
}
