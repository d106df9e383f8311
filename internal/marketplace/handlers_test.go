package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudo-init-do/gighub/internal/wallet"
)

type call struct {
	method string
	body   string
	user   string
	params map[string]string
}

func serve(t *testing.T, h echo.HandlerFunc, c call) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(c.method, "/", strings.NewReader(c.body))
	if c.body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	if c.user != "" {
		ctx.Set("user_id", c.user)
	}
	names := make([]string, 0, len(c.params))
	values := make([]string, 0, len(c.params))
	for k, v := range c.params {
		names = append(names, k)
		values = append(values, v)
	}
	ctx.SetParamNames(names...)
	ctx.SetParamValues(values...)

	require.NoError(t, h(ctx))
	out := map[string]any{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func newTestHandler(t *testing.T, opts ...Option) (*fixture, *Handler) {
	f := newFixture(t, opts...)
	return f, NewHandler(f.coord, quietLogger())
}

func TestCreateJobHandler(t *testing.T) {
	_, h := newTestHandler(t)

	rec, _ := serve(t, h.CreateJob, call{method: http.MethodPost, body: `{"title":"Poster","salary":100,"slots":2}`})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, body := serve(t, h.CreateJob, call{method: http.MethodPost, user: "owner", body: `{"title":"Poster","salary":100,"slots":2}`})
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "open", body["status"])

	rec, _ = serve(t, h.CreateJob, call{method: http.MethodPost, user: "owner", body: `{"title":"","salary":100,"slots":2}`})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartHandlerReportsShortfall(t *testing.T) {
	f, h := newTestHandler(t)
	job := f.postJob(t, "owner", 100, 2)
	f.hire(t, job.ID, "w1")
	f.fund(t, "owner", 30)

	rec, body := serve(t, h.Start, call{method: http.MethodPost, user: "owner", params: map[string]string{"id": job.ID}})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.EqualValues(t, 100, body["required"])
	assert.EqualValues(t, 30, body["available"])
	assert.EqualValues(t, 70, body["shortfall"])
}

func TestHandlerStatusMapping(t *testing.T) {
	f, h := newTestHandler(t)
	job := f.postJob(t, "owner", 100, 1)
	f.hire(t, job.ID, "w1")

	rec, _ := serve(t, h.Start, call{method: http.MethodPost, user: "w1", params: map[string]string{"id": job.ID}})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = serve(t, h.GetJob, call{method: http.MethodGet, user: "w1", params: map[string]string{"id": "missing"}})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = serve(t, h.Apply, call{method: http.MethodPost, user: "w1", params: map[string]string{"id": job.ID}})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = serve(t, h.Finish, call{method: http.MethodPost, user: "owner", params: map[string]string{"id": job.ID}})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAcceptHandlerIsOwnerOnly(t *testing.T) {
	f, h := newTestHandler(t)
	job := f.postJob(t, "owner", 100, 1)
	_, err := f.coord.ApplyToJob(context.Background(), job.ID, "w1")
	require.NoError(t, err)
	_, err = f.coord.ApplyToJob(context.Background(), job.ID, "w2")
	require.NoError(t, err)

	params := map[string]string{"id": job.ID, "uid": "w1"}
	rec, _ := serve(t, h.Accept, call{method: http.MethodPost, user: "w2", params: params})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, body := serve(t, h.Accept, call{method: http.MethodPost, user: "owner", params: params})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["accepted_count"])

	rec, _ = serve(t, h.Accept, call{method: http.MethodPost, user: "owner", params: map[string]string{"id": job.ID, "uid": "w2"}})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, body = serve(t, h.GetJob, call{method: http.MethodGet, user: "w2", params: map[string]string{"id": job.ID}})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["has_applied"])
	assert.EqualValues(t, 1, body["accepted"])
}

func TestStartHandlerUnavailableLedger(t *testing.T) {
	f, h := newTestHandler(t)
	job := f.postJob(t, "owner", 100, 1)
	f.hire(t, job.ID, "w1")
	f.fund(t, "owner", 100)
	f.ledger.failTransfersTo(job.EscrowAccount, wallet.ErrLedgerUnreachable)

	rec, body := serve(t, h.Start, call{method: http.MethodPost, user: "owner", params: map[string]string{"id": job.ID}})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, true, body["retry"])
}

func TestFinishAndRatingsHandlers(t *testing.T) {
	f, h := newTestHandler(t)
	job := f.postJob(t, "owner", 100, 2)
	f.hire(t, job.ID, "w1", "w2")
	f.fund(t, "owner", 100)
	_, err := f.coord.StartJob(context.Background(), job.ID, "owner")
	require.NoError(t, err)
	f.ledger.failTransfersTo(wallet.UserAccount("w2"), errors.New("account closed"))

	params := map[string]string{"id": job.ID}
	rec, body := serve(t, h.Finish, call{method: http.MethodPost, user: "owner", params: params})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 50, body["per_worker"])
	ratings, ok := body["ratings"].([]any)
	require.True(t, ok)
	assert.Len(t, ratings, 2)

	rec, body = serve(t, h.RetryPayouts, call{method: http.MethodPost, user: "owner", params: params})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["failed"])

	rec, _ = serve(t, h.Ratings, call{method: http.MethodGet, user: "w1", params: params})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, body = serve(t, h.Ratings, call{method: http.MethodGet, user: "owner", params: params})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["fully_rated"])
	outstanding := body["outstanding"].([]any)
	require.Len(t, outstanding, 2)
	firstID := outstanding[0].(map[string]any)["id"].(string)

	rec, _ = serve(t, h.SubmitRatings, call{method: http.MethodPost, user: "owner", params: params, body: `{"ratings":{}}`})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = serve(t, h.SubmitRatings, call{method: http.MethodPost, user: "owner", params: params, body: `{"ratings":{"` + firstID + `":9}}`})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = serve(t, h.SubmitRatings, call{method: http.MethodPost, user: "owner", params: params, body: `{"ratings":{"` + firstID + `":5}}`})
	assert.Equal(t, http.StatusOK, rec.Code)
	result := body["result"].(map[string]any)
	assert.Len(t, result["submitted"], 1)
}

func TestRatingsHandlerReportsFullyRated(t *testing.T) {
	f, h := newTestHandler(t)
	ctx := context.Background()
	job := f.postJob(t, "owner", 100, 1)
	f.hire(t, job.ID, "w1")
	f.fund(t, "owner", 100)
	_, err := f.coord.StartJob(ctx, job.ID, "owner")
	require.NoError(t, err)
	finished, err := f.coord.FinishJob(ctx, job.ID, "owner")
	require.NoError(t, err)
	require.Len(t, finished.Ratings, 1)

	_, err = f.coord.SubmitRatings(ctx, job.ID, map[string]int{finished.Ratings[0].ID: 4})
	require.NoError(t, err)

	rec, body := serve(t, h.Ratings, call{method: http.MethodGet, user: "owner", params: map[string]string{"id": job.ID}})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["fully_rated"])
	assert.Empty(t, body["outstanding"])

	rec, _ = serve(t, h.Ratings, call{method: http.MethodGet, user: "owner", params: map[string]string{"id": "missing"}})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
