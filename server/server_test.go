package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/AndreMMuniz/agent-multichat/chat"
	"github.com/AndreMMuniz/agent-multichat/graph/checkpoint/inmemory"
	"github.com/AndreMMuniz/agent-multichat/model"
)

type stubModel struct {
	reply string
	err   error
}

func (m *stubModel) Info() model.Info { return model.Info{Name: "stub"} }

func (m *stubModel) Complete(ctx context.Context, msgs []model.Message) (string, error) {
	return m.reply, m.err
}

type stubRetriever struct{}

func (stubRetriever) Retrieve(ctx context.Context, query string) (string, error) {
	return "", nil
}

func newTestServer(t *testing.T, m model.Model) *httptest.Server {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store, err := chat.NewStore(db)
	require.NoError(t, err)
	engine, err := chat.NewEngine(store, m, stubRetriever{}, inmemory.NewSaver())
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	ts := httptest.NewServer(New(engine).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, &stubModel{reply: "ok"})
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestChatRejectsMissingFields(t *testing.T) {
	ts := newTestServer(t, &stubModel{reply: "ok"})
	resp, body := postJSON(t, ts.URL+"/chat", map[string]string{"channel": "whatsapp"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, body["detail"], "required")
}

func TestChatReturnsResult(t *testing.T) {
	ts := newTestServer(t, &stubModel{reply: "Posso ajudar sim!"})
	resp, body := postJSON(t, ts.URL+"/chat", map[string]string{
		"channel":         "whatsapp",
		"user_identifier": "u1",
		"content":         "oi, tudo bem?",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, chat.StatusCompleted, body["status"])
	require.NotEmpty(t, body["response"])
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t, &stubModel{err: errors.New("model down")})

	resp, body := postJSON(t, ts.URL+"/chat", map[string]string{
		"channel":         "whatsapp",
		"user_identifier": "u1",
		"content":         "quero um estorno da cobrança",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, chat.StatusPendingApproval, body["status"])
	actionID := int64(body["pending_action_id"].(float64))
	require.NotZero(t, actionID)

	// The pending action is visible on the review endpoint.
	listResp, err := http.Get(ts.URL + "/pending-actions/u1")
	require.NoError(t, err)
	defer listResp.Body.Close()
	var actions []chat.PendingAction
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&actions))
	require.Len(t, actions, 1)
	require.Equal(t, actionID, actions[0].ID)

	approveURL := fmt.Sprintf("%s/approve-action/%d", ts.URL, actionID)
	resp, body = postJSON(t, approveURL, map[string]bool{"approved": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, chat.StatusCompleted, body["status"])
	require.Contains(t, body["response"], "Reembolso processado")

	// A second decision on the same action is rejected.
	resp, _ = postJSON(t, approveURL, map[string]bool{"approved": true})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestApproveUnknownActionReturns404(t *testing.T) {
	ts := newTestServer(t, &stubModel{reply: "ok"})
	resp, _ := postJSON(t, ts.URL+"/approve-action/12345", map[string]bool{"approved": true})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHistoryEndpoint(t *testing.T) {
	ts := newTestServer(t, &stubModel{reply: "resposta"})

	resp, err := http.Get(ts.URL + "/history/whatsapp/u1")
	require.NoError(t, err)
	defer resp.Body.Close()
	var empty []chat.StoredMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&empty))
	require.Empty(t, empty)

	postJSON(t, ts.URL+"/chat", map[string]string{
		"channel":         "whatsapp",
		"user_identifier": "u1",
		"content":         "primeira mensagem",
	})

	resp, err = http.Get(ts.URL + "/history/whatsapp/u1")
	require.NoError(t, err)
	defer resp.Body.Close()
	var msgs []chat.StoredMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msgs))
	require.NotEmpty(t, msgs)
	require.Equal(t, "user", msgs[0].Sender)
}

func TestUserProfileEndpoint(t *testing.T) {
	ts := newTestServer(t, &stubModel{reply: "ok"})
	postJSON(t, ts.URL+"/chat", map[string]string{
		"channel":         "whatsapp",
		"user_identifier": "u1",
		"content":         "olá",
	})

	resp, err := http.Get(ts.URL + "/user-profile/u1")
	require.NoError(t, err)
	defer resp.Body.Close()
	var profile chat.UserProfile
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&profile))
	require.Equal(t, "u1", profile.UserID)
}
