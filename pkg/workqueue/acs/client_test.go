package acs

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/callcenter/pkg/workqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = base64.StdEncoding.EncodeToString([]byte("secret-key"))

type captured struct {
	Method string
	URI    string
	Body   string
	Header http.Header
}

type fakeRouter struct {
	mu       sync.Mutex
	requests []captured
	handler  func(w http.ResponseWriter, r *http.Request, body []byte)
}

func (f *fakeRouter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, captured{Method: r.Method, URI: r.URL.RequestURI(), Body: string(body), Header: r.Header.Clone()})
	f.mu.Unlock()
	if f.handler != nil {
		f.handler(w, r, body)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{}`))
}

func (f *fakeRouter) last() captured {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func newTestClient(t *testing.T, f *fakeRouter) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	fixed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	c, err := newClient(Config{ConnectionString: "endpoint=" + srv.URL + "/;accesskey=" + testKey}, nil, func() time.Time { return fixed })
	require.NoError(t, err)
	return c, srv
}

func TestParseConnectionString(t *testing.T) {
	ep, key, err := ParseConnectionString("endpoint=https://acs.example.com/;accesskey=abc==")
	require.NoError(t, err)
	assert.Equal(t, "https://acs.example.com/", ep)
	assert.Equal(t, "abc==", key)

	_, _, err = ParseConnectionString("endpoint=https://acs.example.com/")
	assert.Error(t, err)
}

func TestRequestsAreSigned(t *testing.T) {
	f := &fakeRouter{}
	c, srv := newTestClient(t, f)

	_, err := c.UpsertJob(context.Background(), workqueue.JobRequest{
		ID:        "job-1",
		ChannelID: "voice",
		QueueID:   "q",
		Priority:  1,
		Selectors: []workqueue.Selector{{Key: "Role", Operator: "equal", Value: "RoleB"}},
	})
	require.NoError(t, err)

	req := f.last()
	assert.Equal(t, http.MethodPatch, req.Method)
	assert.Equal(t, "/routing/jobs/job-1?api-version=2023-11-01", req.URI)
	assert.Equal(t, "application/merge-patch+json", req.Header.Get("Content-Type"))
	assert.Equal(t, "Wed, 01 May 2024 10:00:00 GMT", req.Header.Get("x-ms-date"))

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(req.Body), &body))
	assert.Equal(t, "q", body["queueId"])
	selectors := body["requestedWorkerSelectors"].([]any)
	assert.Equal(t, "RoleB", selectors[0].(map[string]any)["value"])
	assert.Equal(t, "equal", selectors[0].(map[string]any)["labelOperator"])

	sum := sha256.Sum256([]byte(req.Body))
	hash := base64.StdEncoding.EncodeToString(sum[:])
	assert.Equal(t, hash, req.Header.Get("x-ms-content-sha256"))

	u, _ := url.Parse(srv.URL)
	mac := hmac.New(sha256.New, []byte("secret-key"))
	mac.Write([]byte("PATCH\n" + req.URI + "\n" + req.Header.Get("x-ms-date") + ";" + u.Host + ";" + hash))
	want := "HMAC-SHA256 SignedHeaders=x-ms-date;host;x-ms-content-sha256&Signature=" + base64.StdEncoding.EncodeToString(mac.Sum(nil))
	assert.Equal(t, want, req.Header.Get("Authorization"))
}

func TestOffersAndAccept(t *testing.T) {
	f := &fakeRouter{handler: func(w http.ResponseWriter, r *http.Request, _ []byte) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/routing/workers/worker-1":
			_, _ = w.Write([]byte(`{"id":"worker-1","state":"active","offers":[{"offerId":"o-1","jobId":"job-1"}]}`))
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, ":accept"):
			_, _ = w.Write([]byte(`{"assignmentId":"a-1","jobId":"job-1","workerId":"worker-1"}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}}
	c, _ := newTestClient(t, f)
	ctx := context.Background()

	offers, err := c.Offers(ctx, "worker-1")
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, workqueue.Offer{OfferID: "o-1", JobID: "job-1", WorkerID: "worker-1"}, offers[0])

	a, err := c.AcceptOffer(ctx, "worker-1", "o-1")
	require.NoError(t, err)
	assert.Equal(t, "a-1", a.AssignmentID)
	assert.Equal(t, "/routing/workers/worker-1/offers/o-1:accept?api-version=2023-11-01", f.last().URI)
}

func TestNotFoundAndUnavailable(t *testing.T) {
	f := &fakeRouter{handler: func(w http.ResponseWriter, r *http.Request, _ []byte) {
		if strings.Contains(r.URL.Path, "gone") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}}
	c, _ := newTestClient(t, f)
	ctx := context.Background()

	err := c.DeleteJob(ctx, "gone")
	assert.ErrorIs(t, err, workqueue.ErrNotFound)
	assert.True(t, workqueue.IsNotFound(err))

	_, err = c.GetJob(ctx, "busy")
	require.Error(t, err)
	assert.False(t, workqueue.IsNotFound(err))
}

func TestCloseSendsDisposition(t *testing.T) {
	f := &fakeRouter{}
	c, _ := newTestClient(t, f)
	require.NoError(t, c.CloseJob(context.Background(), "job-1", "a-1", workqueue.DispositionResolved))
	req := f.last()
	assert.Equal(t, "/routing/jobs/job-1/assignments/a-1:close?api-version=2023-11-01", req.URI)
	assert.JSONEq(t, `{"dispositionCode":"Resolved"}`, req.Body)
}

func TestListJobsFollowsNextLink(t *testing.T) {
	var srvURL string
	f := &fakeRouter{handler: func(w http.ResponseWriter, r *http.Request, _ []byte) {
		if r.URL.Query().Get("page") == "2" {
			_, _ = w.Write([]byte(`{"value":[{"id":"job-2","status":"closed"}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"value":[{"id":"job-1","status":"assigned","assignments":{"a-1":{"assignmentId":"a-1","workerId":"worker-0"}}}],"nextLink":"` + srvURL + `/routing/jobs?api-version=2023-11-01&page=2"}`))
	}}
	c, srv := newTestClient(t, f)
	srvURL = srv.URL

	jobs, err := c.ListJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, workqueue.StatusAssigned, jobs[0].Status)
	assert.Equal(t, "worker-0", jobs[0].Assignments["a-1"])
	assert.Equal(t, workqueue.StatusClosed, jobs[1].Status)
}

func TestProvisioningBodies(t *testing.T) {
	f := &fakeRouter{}
	c, _ := newTestClient(t, f)
	ctx := context.Background()

	require.NoError(t, c.UpsertDistributionPolicy(ctx, workqueue.DistributionPolicy{ID: "p", Name: "policy", OfferExpiresAfter: time.Minute}))
	assert.JSONEq(t, `{"name":"policy","offerExpiresAfterSeconds":60,"mode":{"kind":"longestIdle","minConcurrentOffers":1,"maxConcurrentOffers":1}}`, f.last().Body)

	require.NoError(t, c.UpsertWorker(ctx, workqueue.Worker{
		ID:                 "worker-0",
		Capacity:           10,
		QueueIDs:           []string{"q"},
		Labels:             map[string]string{"Role": "Default"},
		Channels:           []workqueue.Channel{{ID: "voice", CapacityCostPerJob: 1}},
		AvailableForOffers: true,
	}))
	assert.JSONEq(t, `{"capacity":10,"queues":["q"],"labels":{"Role":"Default"},"channels":[{"channelId":"voice","capacityCostPerJob":1}],"availableForOffers":true}`, f.last().Body)
	assert.Equal(t, "/routing/workers/worker-0?api-version=2023-11-01", f.last().URI)
}
