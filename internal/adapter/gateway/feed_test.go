package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"isa-warehouse/internal/domain"
	"isa-warehouse/internal/infra/logger"
	"isa-warehouse/internal/usecase"
	"isa-warehouse/internal/usecase/eventbus"
)

func newFeedServer(t *testing.T) (*httptest.Server, *eventbus.Bus, *Feed) {
	t.Helper()
	log := logger.Discard()
	rules := append([]domain.Rule{}, testRules...)
	rules = append(rules, domain.Rule{Role: "study_reader", Grants: []domain.ResourceGrant{
		{Resources: []string{"study"}, Actions: []domain.Action{domain.ActionRead}},
	}})
	resolver, err := usecase.NewResolver(rules, usecase.KnownResources(testModels))
	require.NoError(t, err)

	auth := NewStaticTokenAuth(append([]TokenEntry{
		{Token: "tok-study", User: "sam", Roles: []string{"study_reader"}},
	}, testTokens...))
	bus := eventbus.New(log)
	feed := NewFeed(bus, resolver, auth, log)
	srv := NewServer(ServerOptions{}, NewAPI(nil, resolver, auth, nil, log), feed, log)

	ts := httptest.NewServer(srv.Handler(context.Background()))
	t.Cleanup(func() {
		feed.Close()
		ts.Close()
		bus.Close()
	})
	return ts, bus, feed
}

func dialFeed(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })

	hello := readFrame(t, ws)
	require.Equal(t, FrameTypeHello, hello.Type)
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var f Frame
	require.NoError(t, wsjson.Read(ctx, ws, &f))
	return f
}

func readEvent(t *testing.T, ws *websocket.Conn) domain.Event {
	t.Helper()
	f := readFrame(t, ws)
	require.Equal(t, FrameTypeEvent, f.Type)
	var e domain.Event
	require.NoError(t, json.Unmarshal(f.Payload, &e))
	return e
}

func TestFeedRejectsUnauthenticated(t *testing.T) {
	ts, _, _ := newFeedServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=bogus"
	_, resp, err := websocket.Dial(context.Background(), url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestFeedQueryToken(t *testing.T) {
	ts, _, feed := newFeedServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=tok-reader"
	ws, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer ws.Close(websocket.StatusNormalClosure, "")

	hello := readFrame(t, ws)
	var body map[string]any
	require.NoError(t, json.Unmarshal(hello.Payload, &body))
	assert.Equal(t, "viewer", body["user"])
	assert.Equal(t, 1, feed.Clients())
}

func TestFeedFiltersByReadPermission(t *testing.T) {
	ts, bus, _ := newFeedServer(t)
	curator := dialFeed(t, ts, "tok-curator")
	sam := dialFeed(t, ts, "tok-study")
	admin := dialFeed(t, ts, "tok-admin")

	ctx := context.Background()
	bus.Publish(ctx, domain.Event{Type: domain.EventAccessDenied, Model: "sample", Actor: "mallory"})
	bus.Publish(ctx, domain.Event{Type: domain.EventRecordCreated, Model: "sample", RecordID: "s-1"})
	time.Sleep(50 * time.Millisecond)
	bus.Publish(ctx, domain.Event{Type: domain.EventRecordUpdated, Model: "study", RecordID: "st-1"})

	e := readEvent(t, curator)
	assert.Equal(t, domain.EventRecordCreated, e.Type)
	assert.Equal(t, "s-1", e.RecordID)
	e = readEvent(t, curator)
	assert.Equal(t, domain.EventRecordUpdated, e.Type)

	// sam may read studies only; the sample event is never delivered.
	e = readEvent(t, sam)
	assert.Equal(t, "study", e.Model)
	assert.Equal(t, "st-1", e.RecordID)

	// Administrators manage access control and read no models.
	rctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	var f Frame
	assert.Error(t, wsjson.Read(rctx, admin, &f))
}

func TestFeedCloseDisconnectsClients(t *testing.T) {
	ts, _, feed := newFeedServer(t)
	ws := dialFeed(t, ts, "tok-reader")
	require.Equal(t, 1, feed.Clients())

	feed.Close()
	assert.Equal(t, 0, feed.Clients())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var f Frame
	assert.Error(t, wsjson.Read(ctx, ws, &f))
}
