package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rpcHandler decodes the envelope and delegates, writing the JSON-RPC
// reply around whatever the handler returns.
func rpcHandler(t *testing.T, handle func(req Request) (any, *Error)) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, Version, req.JSONRPC)
		assert.NotEmpty(t, req.ID)

		resp := Response{JSONRPC: Version, ID: json.RawMessage(fmt.Sprintf("%q", req.ID))}
		result, rpcErr := handle(req)
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			raw, err := json.Marshal(result)
			require.NoError(t, err)
			resp.Result = raw
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(ClientConfig{Endpoint: srv.URL})
	require.NoError(t, err)
	return client
}

func TestSendDirectReply(t *testing.T) {
	var gotAuth string
	inner := rpcHandler(t, func(req Request) (any, *Error) {
		assert.Equal(t, MethodMessageSend, req.Method)
		var params sendParams
		require.NoError(t, json.Unmarshal(req.Params, &params))
		assert.Equal(t, "onboard alice", params.Message.Text())
		return NewTextMessage(RoleAgent, "started onboarding for alice"), nil
	})
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		inner(w, r)
	}))

	result, err := client.Send(context.Background(), "tok-123", NewTextMessage(RoleUser, "onboard alice"))
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-123", gotAuth)
	require.NotNil(t, result.Message)
	assert.Equal(t, "started onboarding for alice", result.Message.Text())
	assert.Nil(t, result.Task)
}

func TestSendTaskSnapshot(t *testing.T) {
	client := newTestClient(t, rpcHandler(t, func(req Request) (any, *Error) {
		return Task{ID: "rt-1", Status: TaskStatus{State: TaskStateWorking}}, nil
	}))

	result, err := client.Send(context.Background(), "tok", NewTextMessage(RoleUser, "long job"))
	require.NoError(t, err)
	require.NotNil(t, result.Task)
	assert.Equal(t, "rt-1", result.Task.ID)
	assert.Equal(t, TaskStateWorking, result.Task.Status.State)
}

func TestTaskGetAndCancel(t *testing.T) {
	client := newTestClient(t, rpcHandler(t, func(req Request) (any, *Error) {
		var params taskParams
		require.NoError(t, json.Unmarshal(req.Params, &params))
		assert.Equal(t, "rt-7", params.ID)
		switch req.Method {
		case MethodTasksGet:
			return Task{ID: params.ID, Status: TaskStatus{State: TaskStateCompleted}}, nil
		case MethodTasksCancel:
			return Task{ID: params.ID, Status: TaskStatus{State: TaskStateCanceled}}, nil
		default:
			return nil, &Error{Code: CodeMethodNotFound, Message: "unknown method"}
		}
	}))

	task, err := client.Task(context.Background(), "tok", "rt-7")
	require.NoError(t, err)
	assert.Equal(t, TaskStateCompleted, task.Status.State)

	require.NoError(t, client.Cancel(context.Background(), "tok", "rt-7"))
}

func TestProtocolErrorMatchableByCode(t *testing.T) {
	client := newTestClient(t, rpcHandler(t, func(req Request) (any, *Error) {
		return nil, &Error{Code: CodeTaskNotFound, Message: "no task rt-404"}
	}))

	_, err := client.Task(context.Background(), "tok", "rt-404")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTaskNotFound)
	assert.NotErrorIs(t, err, ErrAgentUnavailable, "a protocol answer is not a transport failure")

	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, "no task rt-404", rpcErr.Message)
}

func TestUnreachableAgent(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	client, err := NewClient(ClientConfig{Endpoint: endpoint})
	require.NoError(t, err)

	_, err = client.Send(context.Background(), "tok", NewTextMessage(RoleUser, "hi"))
	assert.ErrorIs(t, err, ErrAgentUnavailable)
}

func TestHTTPErrorStatus(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))

	_, err := client.Send(context.Background(), "tok", NewTextMessage(RoleUser, "hi"))
	assert.ErrorIs(t, err, ErrAgentUnavailable)
	assert.ErrorContains(t, err, "503")
}

func writeSSE(t *testing.T, w http.ResponseWriter, result any) {
	t.Helper()
	raw, err := json.Marshal(result)
	require.NoError(t, err)
	resp := Response{JSONRPC: Version, ID: json.RawMessage(`"1"`), Result: raw}
	envelope, err := json.Marshal(resp)
	require.NoError(t, err)
	_, err = fmt.Fprintf(w, "data: %s\n\n", envelope)
	require.NoError(t, err)
	w.(http.Flusher).Flush()
}

func TestStreamDeliversUntilFinal(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(t, w, Task{ID: "rt-2", Status: TaskStatus{State: TaskStateSubmitted}})
		writeSSE(t, w, StatusUpdate{TaskID: "rt-2", Status: TaskStatus{State: TaskStateWorking}})
		writeSSE(t, w, NewTextMessage(RoleAgent, "progress: 50%"))
		writeSSE(t, w, StatusUpdate{TaskID: "rt-2", Status: TaskStatus{State: TaskStateCompleted}, Final: true})
	}))

	events, err := client.Stream(context.Background(), "tok", NewTextMessage(RoleUser, "go"))
	require.NoError(t, err)

	var kinds []string
	for ev := range events {
		require.NoError(t, ev.Err)
		switch {
		case ev.Task != nil:
			kinds = append(kinds, "task")
		case ev.Message != nil:
			kinds = append(kinds, "message")
		case ev.Status != nil:
			kinds = append(kinds, string(ev.Status.Status.State))
		}
	}
	assert.Equal(t, []string{"task", "working", "message", "completed"}, kinds)
}

func TestStreamSurfacesProtocolError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		resp := Response{JSONRPC: Version, ID: json.RawMessage(`"1"`), Error: &Error{Code: CodeInternal, Message: "agent crashed"}}
		envelope, err := json.Marshal(resp)
		require.NoError(t, err)
		fmt.Fprintf(w, "data: %s\n\n", envelope)
		w.(http.Flusher).Flush()
	}))

	events, err := client.Stream(context.Background(), "tok", NewTextMessage(RoleUser, "go"))
	require.NoError(t, err)

	ev, ok := <-events
	require.True(t, ok)
	require.Error(t, ev.Err)
	assert.ErrorContains(t, ev.Err, "agent crashed")

	_, ok = <-events
	assert.False(t, ok, "channel closes after the error event")
}

func TestStreamStopsOnContextCancel(t *testing.T) {
	release := make(chan struct{})
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(t, w, StatusUpdate{TaskID: "rt-3", Status: TaskStatus{State: TaskStateWorking}})
		<-release // hold the stream open
	}))
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	events, err := client.Stream(ctx, "tok", NewTextMessage(RoleUser, "go"))
	require.NoError(t, err)

	ev := <-events
	require.NotNil(t, ev.Status)
	cancel()

	select {
	case _, ok := <-events:
		assert.False(t, ok, "channel must close after cancellation")
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop after context cancellation")
	}
}

func TestNewClientRequiresEndpoint(t *testing.T) {
	_, err := NewClient(ClientConfig{})
	assert.Error(t, err)
}

func TestErrorIs(t *testing.T) {
	err := fmt.Errorf("call failed: %w", &Error{Code: CodeTaskNotCancelable, Message: "already terminal"})
	assert.ErrorIs(t, err, ErrTaskNotCancelable)
	assert.False(t, errors.Is(err, ErrTaskNotFound))
}
