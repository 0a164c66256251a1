package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/realtime-worker/internal/apperrors"
	"github.com/ocx/realtime-worker/internal/types"
)

type fakeController struct {
	startErr, pauseErr, resumeErr, endErr error
	snapshot                              types.RuntimeSnapshot
	hasSnapshot                           bool
	running                               []string
}

func (f *fakeController) StartEvent(ctx context.Context, eventID, profile string) error {
	return f.startErr
}
func (f *fakeController) PauseEvent(ctx context.Context, eventID string) error  { return f.pauseErr }
func (f *fakeController) ResumeEvent(ctx context.Context, eventID string) error { return f.resumeErr }
func (f *fakeController) EndEvent(ctx context.Context, eventID string) error    { return f.endErr }
func (f *fakeController) Snapshot(eventID string) (types.RuntimeSnapshot, bool) {
	return f.snapshot, f.hasSnapshot
}
func (f *fakeController) RunningEvents() []string { return f.running }

func TestHandleStart_Success(t *testing.T) {
	ctrl := &fakeController{}
	srv := httptest.NewServer(NewServer(ctrl).Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/events/evt-1/start", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandleStart_IllegalTransitionReturns409(t *testing.T) {
	ctrl := &fakeController{startErr: apperrors.NewStateTransitionError("evt-1", "ended", "start", "too old to resume")}
	srv := httptest.NewServer(NewServer(ctrl).Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/events/evt-1/start", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHandleSnapshot_NotFound(t *testing.T) {
	ctrl := &fakeController{hasSnapshot: false}
	srv := httptest.NewServer(NewServer(ctrl).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/events/evt-unknown")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleSnapshot_Found(t *testing.T) {
	ctrl := &fakeController{hasSnapshot: true, snapshot: types.RuntimeSnapshot{EventID: "evt-1", Status: types.RuntimeRunning}}
	srv := httptest.NewServer(NewServer(ctrl).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/events/evt-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandleListEvents(t *testing.T) {
	ctrl := &fakeController{running: []string{"evt-1", "evt-2"}}
	srv := httptest.NewServer(NewServer(ctrl).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
