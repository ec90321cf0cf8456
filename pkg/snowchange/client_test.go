package snowchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(srvURL string) *Client {
	cfg := Config{
		URL:      srvURL,
		Username: "svc-chg",
		Password: flagext.SecretWithValue("hunter2"),
		Timeout:  5 * time.Second,
	}

	return New(cfg, prometheus.NewPedanticRegistry(), log.NewNopLogger())
}

func writeResult(w http.ResponseWriter, fields map[string]map[string]string) {
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"result": fields})
}

func field(value, display string) map[string]string {
	return map[string]string{"value": value, "display_value": display}
}

func TestCreate(t *testing.T) {
	var gotReq *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReq = r
		writeResult(w, map[string]map[string]string{
			"sys_id": field("a1b2c3d4", "a1b2c3d4"),
			"number": field("CHG0031001", "CHG0031001"),
			"state":  field("-2", "Scheduled"),
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	rec, err := c.Create(context.Background(), CreateParams{
		TemplateRef:      "abc123",
		ShortDescription: "patch web tier",
		AssignmentGroup:  "ag01",
	})

	require.NoError(t, err)
	assert.Equal(t, "a1b2c3d4", rec.SysID)
	assert.Regexp(t, `^CHG\d+$`, rec.Number)
	assert.Equal(t, StateScheduled, rec.State)
	assert.Equal(t, "abc123", rec.TemplateRef)

	require.NotNil(t, gotReq)
	assert.Equal(t, http.MethodPost, gotReq.Method)
	assert.Equal(t, "/api/sn_chg_rest/change/standard/abc123", gotReq.URL.Path)
	assert.Equal(t, "patch web tier", gotReq.URL.Query().Get("short_description"))
	assert.Equal(t, "Scheduled", gotReq.URL.Query().Get("state"))
	assert.Equal(t, "ag01", gotReq.URL.Query().Get("assignment_group"))

	user, pass, ok := gotReq.BasicAuth()
	require.True(t, ok)
	assert.Equal(t, "svc-chg", user)
	assert.Equal(t, "hunter2", pass)
}

func TestCreateMissingFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, map[string]map[string]string{
			"state": field("-2", "Scheduled"),
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Create(context.Background(), CreateParams{TemplateRef: "abc123"})

	createErr := &CreateError{}
	require.ErrorAs(t, err, &createErr)
}

func TestCreateEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Create(context.Background(), CreateParams{TemplateRef: "abc123"})

	createErr := &CreateError{}
	require.ErrorAs(t, err, &createErr)
}

func TestCreateRequiresTemplateRef(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Create(context.Background(), CreateParams{})

	assert.Error(t, err)
	assert.False(t, called, "no request should be sent without a template ref")
}

func TestUpdate(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/api/sn_chg_rest/change/a1b2c3d4", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		writeResult(w, map[string]map[string]string{
			"sys_id": field("a1b2c3d4", "a1b2c3d4"),
			"number": field("CHG0031001", "CHG0031001"),
			"state":  field("-1", "Implement"),
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	rec, err := c.Update(context.Background(), "a1b2c3d4", StateImplement)

	require.NoError(t, err)
	assert.Equal(t, StateImplement, rec.State)
	assert.Equal(t, map[string]string{"state": "Implement"}, gotBody)
}

func TestUpdateSilentNoop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// HTTP success, but the workflow engine refused the transition and
		// the state did not move.
		writeResult(w, map[string]map[string]string{
			"sys_id": field("a1b2c3d4", "a1b2c3d4"),
			"number": field("CHG0031001", "CHG0031001"),
			"state":  field("-2", "Scheduled"),
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Update(context.Background(), "a1b2c3d4", StateReview)

	transitionErr := &TransitionError{}
	require.ErrorAs(t, err, &transitionErr)
	assert.Equal(t, StateReview, transitionErr.Want)
	assert.Equal(t, StateScheduled, transitionErr.Got)
	assert.Equal(t, "a1b2c3d4", transitionErr.SysID)
}

func TestUpdateRejectsInvalidState(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Update(context.Background(), "a1b2c3d4", StateScheduled)

	assert.Error(t, err)
	assert.False(t, called, "invalid target states should be rejected before any request")
}

func TestClose(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		writeResult(w, map[string]map[string]string{
			"sys_id":     field("a1b2c3d4", "a1b2c3d4"),
			"number":     field("CHG0031001", "CHG0031001"),
			"state":      field("3", "Closed"),
			"close_code": field("successful", "Successful"),
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	rec, err := c.Close(context.Background(), "a1b2c3d4", CloseSuccessful)

	require.NoError(t, err)
	assert.Equal(t, StateClosed, rec.State)
	assert.Equal(t, CloseSuccessful, rec.CloseCode)
	assert.Equal(t, map[string]string{
		"state":       "Closed",
		"close_code":  "successful",
		"close_notes": "Change completed successfully",
	}, gotBody)
}

func TestCloseUnsuccessful(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		writeResult(w, map[string]map[string]string{
			"sys_id":     field("a1b2c3d4", "a1b2c3d4"),
			"number":     field("CHG0031001", "CHG0031001"),
			"state":      field("3", "Closed"),
			"close_code": field("unsuccessful", "Unsuccessful"),
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	rec, err := c.Close(context.Background(), "a1b2c3d4", CloseUnsuccessful)

	require.NoError(t, err)
	assert.Equal(t, CloseUnsuccessful, rec.CloseCode)
	assert.Equal(t, "Change did not complete successfully", gotBody["close_notes"])
}

func TestCloseCodeMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, map[string]map[string]string{
			"sys_id": field("a1b2c3d4", "a1b2c3d4"),
			"number": field("CHG0031001", "CHG0031001"),
			"state":  field("3", "Closed"),
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Close(context.Background(), "a1b2c3d4", CloseSuccessful)

	transitionErr := &TransitionError{}
	require.ErrorAs(t, err, &transitionErr)
	assert.Equal(t, CloseSuccessful, transitionErr.WantCode)
}

func TestGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		writeResult(w, map[string]map[string]string{
			"sys_id":     field("a1b2c3d4", "a1b2c3d4"),
			"number":     field("CHG0031001", "CHG0031001"),
			"state":      field("3", "Closed"),
			"close_code": field("successful", "Successful"),
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	rec, err := c.Get(context.Background(), "a1b2c3d4")

	require.NoError(t, err)
	assert.Equal(t, StateClosed, rec.State)
	assert.Equal(t, CloseSuccessful, rec.CloseCode)
	assert.NotEmpty(t, rec.Raw)
}

func TestGetNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"No Record found"}}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Get(context.Background(), "deadbeef")

	notFoundErr := &NotFoundError{}
	require.ErrorAs(t, err, &notFoundErr)
	assert.Equal(t, "deadbeef", notFoundErr.SysID)
}

func TestAuthRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"User Not Authenticated"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Create(context.Background(), CreateParams{TemplateRef: "abc123"})

	authErr := &AuthError{}
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, http.StatusUnauthorized, authErr.Status)
}

func TestRemoteError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"invalid field"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Update(context.Background(), "a1b2c3d4", StateImplement)

	remoteErr := &RemoteError{}
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, http.StatusBadRequest, remoteErr.Status)
}

func TestTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Get(context.Background(), "a1b2c3d4")

	transportErr := &TransportError{}
	require.ErrorAs(t, err, &transportErr)
	assert.Error(t, errors.Unwrap(transportErr))
}

func TestMalformedResponseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>maintenance</html>`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Get(context.Background(), "a1b2c3d4")

	transportErr := &TransportError{}
	require.ErrorAs(t, err, &transportErr)
}
