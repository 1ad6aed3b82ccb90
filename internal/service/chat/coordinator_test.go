package chat_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-tavern/chatstream/internal/model/chat"
	chatservice "github.com/zhouzirui/z-tavern/chatstream/internal/service/chat"
	"github.com/zhouzirui/z-tavern/chatstream/internal/stream"
)

// echoServer replies with "echo: <message>" split over two frames and
// records every request it receives.
type echoServer struct {
	*httptest.Server
	hits     atomic.Int32
	requests chan chat.Request
	status   int
}

func newEchoServer(t *testing.T) *echoServer {
	return newEchoServerWithStatus(t, http.StatusOK)
}

func newEchoServerWithStatus(t *testing.T, status int) *echoServer {
	t.Helper()
	es := &echoServer{requests: make(chan chat.Request, 16), status: status}
	r := chi.NewRouter()
	r.Post("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		es.hits.Add(1)
		var req chat.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		es.requests <- req
		if es.status != http.StatusOK {
			http.Error(w, "unavailable", es.status)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: {\"text\":\"echo: \"}\n\n")
		w.(http.Flusher).Flush()
		payload, _ := json.Marshal(chat.Delta{Text: req.Message})
		fmt.Fprintf(w, "data: %s\n\ndata: [DONE]\n\n", payload)
	})
	es.Server = httptest.NewServer(r)
	t.Cleanup(es.Close)
	return es
}

func (es *echoServer) endpoint() string { return es.URL + "/api/chat" }

func waitSession(t *testing.T, s *stream.Session) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Wait(ctx)
}

func TestSubmitRecordsUserAndBotTurns(t *testing.T) {
	srv := newEchoServer(t)
	store := chatservice.NewStore(40)
	coord := chatservice.NewCoordinator(store, srv.Client(), srv.endpoint())

	var deltas []string
	var full string
	session, err := coord.Submit(context.Background(), "  hello  ", stream.Callbacks{
		OnDelta:    func(text string) { deltas = append(deltas, text) },
		OnComplete: func(text string) { full = text },
	})
	require.NoError(t, err)
	require.NoError(t, waitSession(t, session))

	assert.Equal(t, []string{"echo: ", "hello"}, deltas)
	assert.Equal(t, "echo: hello", full)

	first := <-srv.requests
	assert.Equal(t, "hello", first.Message)
	assert.Empty(t, first.History)

	history := coord.History()
	require.Len(t, history, 2)
	assert.Equal(t, chat.RoleUser, history[0].Role)
	assert.Equal(t, "hello", history[0].Content)
	assert.Equal(t, chat.RoleBot, history[1].Role)
	assert.Equal(t, "echo: hello", history[1].Content)

	session, err = coord.Submit(context.Background(), "again", stream.Callbacks{})
	require.NoError(t, err)
	require.NoError(t, waitSession(t, session))

	second := <-srv.requests
	assert.Equal(t, []chat.HistoryEntry{
		{Role: chat.RoleUser, Content: "hello"},
		{Role: chat.RoleBot, Content: "echo: hello"},
	}, second.History)
	assert.Nil(t, coord.Active())
}

func TestSubmitRejectsBlankInput(t *testing.T) {
	srv := newEchoServer(t)
	store := chatservice.NewStore(40)
	coord := chatservice.NewCoordinator(store, srv.Client(), srv.endpoint())

	for _, input := range []string{"", "   ", "\n\t "} {
		session, err := coord.Submit(context.Background(), input, stream.Callbacks{})
		assert.Nil(t, session)
		var validation *chatservice.ValidationError
		require.ErrorAs(t, err, &validation)
		assert.ErrorIs(t, err, chatservice.ErrEmptyMessage)
	}

	assert.Zero(t, store.Len())
	assert.Zero(t, srv.hits.Load())
	assert.Nil(t, coord.Active())
}

func TestSubmitRejectsOverLongInput(t *testing.T) {
	srv := newEchoServer(t)
	store := chatservice.NewStore(40)
	coord := chatservice.NewCoordinator(store, srv.Client(), srv.endpoint(), chatservice.WithMaxMessageLength(5))

	_, err := coord.Submit(context.Background(), "ünïcø", stream.Callbacks{})
	require.NoError(t, err)
	coord.Cancel()

	_, err = coord.Submit(context.Background(), "abcdef", stream.Callbacks{})
	var validation *chatservice.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.ErrorIs(t, err, chatservice.ErrMessageTooLong)
	assert.Equal(t, 6, validation.Length)
	assert.Equal(t, 5, validation.Max)
	assert.Equal(t, 1, store.Len())
}

func TestFailedSessionDoesNotRecordBotTurn(t *testing.T) {
	srv := newEchoServerWithStatus(t, http.StatusBadGateway)
	store := chatservice.NewStore(40)
	coord := chatservice.NewCoordinator(store, srv.Client(), srv.endpoint())

	var reasons []error
	session, err := coord.Submit(context.Background(), "hello", stream.Callbacks{
		OnError:    func(err error) { reasons = append(reasons, err) },
		OnComplete: func(string) { t.Error("unexpected completion") },
	})
	require.NoError(t, err)

	err = waitSession(t, session)
	var connErr *stream.ConnectivityError
	require.ErrorAs(t, err, &connErr)
	assert.Len(t, reasons, 1)

	history := coord.History()
	require.Len(t, history, 1)
	assert.Equal(t, chat.RoleUser, history[0].Role)
}

func TestBrokenStreamDoesNotRecordBotTurn(t *testing.T) {
	doer := &gatedDoer{writers: make(chan *io.PipeWriter, 1)}
	store := chatservice.NewStore(40)
	coord := chatservice.NewCoordinator(store, doer, "http://chat.invalid/api/chat")

	gotDelta := make(chan struct{}, 1)
	session, err := coord.Submit(context.Background(), "hello", stream.Callbacks{
		OnDelta:    func(string) { gotDelta <- struct{}{} },
		OnComplete: func(string) { t.Error("unexpected completion") },
	})
	require.NoError(t, err)
	pipe := <-doer.writers

	_, err = pipe.Write([]byte("data: {\"text\":\"partial\"}\n"))
	require.NoError(t, err)
	<-gotDelta
	require.NoError(t, pipe.CloseWithError(errors.New("connection reset by peer")))

	err = waitSession(t, session)
	var transportErr *stream.TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, "partial", transportErr.Partial)
	assert.Equal(t, stream.StatusFailed, session.Status())

	history := store.Turns()
	require.Len(t, history, 1)
	assert.Equal(t, chat.RoleUser, history[0].Role)
	assert.Equal(t, "hello", history[0].Content)
}

func TestSubmitUndoesUserTurnWhenSessionCannotStart(t *testing.T) {
	srv := newEchoServer(t)
	store := chatservice.NewStore(40)
	closeEarly := stream.Option(func(s *stream.Session) { s.Cancel() })
	coord := chatservice.NewCoordinator(store, srv.Client(), srv.endpoint(),
		chatservice.WithSessionOptions(closeEarly))

	session, err := coord.Submit(context.Background(), "hello", stream.Callbacks{})
	assert.Nil(t, session)
	assert.ErrorIs(t, err, stream.ErrSessionClosed)
	assert.Zero(t, store.Len())
	assert.Nil(t, coord.Active())
	assert.Zero(t, srv.hits.Load())

	_, err = coord.Retry(context.Background(), stream.Callbacks{})
	assert.ErrorIs(t, err, chatservice.ErrNothingToRetry)
}

func TestContextWindowBoundsRequestHistory(t *testing.T) {
	srv := newEchoServer(t)
	store := chatservice.NewStore(3)
	for i := 1; i <= 5; i++ {
		_, err := store.Append(chat.RoleUser, fmt.Sprintf("old %d", i))
		require.NoError(t, err)
	}
	coord := chatservice.NewCoordinator(store, srv.Client(), srv.endpoint())

	session, err := coord.Submit(context.Background(), "new", stream.Callbacks{})
	require.NoError(t, err)
	require.NoError(t, waitSession(t, session))

	req := <-srv.requests
	require.Len(t, req.History, 3)
	assert.Equal(t, "old 3", req.History[0].Content)
	assert.Equal(t, "old 5", req.History[2].Content)
	assert.Equal(t, "new", req.Message)
}

// gatedDoer hands the test one pipe per request so it controls exactly when
// bytes reach each session.
type gatedDoer struct {
	writers chan *io.PipeWriter
}

func (g *gatedDoer) Do(req *http.Request) (*http.Response, error) {
	pr, pw := io.Pipe()
	go func() {
		<-req.Context().Done()
		pw.CloseWithError(req.Context().Err())
	}()
	g.writers <- pw
	return &http.Response{StatusCode: http.StatusOK, Status: "200 OK", Header: make(http.Header), Body: pr}, nil
}

func TestSubmitSupersedesStreamingSession(t *testing.T) {
	doer := &gatedDoer{writers: make(chan *io.PipeWriter, 2)}
	store := chatservice.NewStore(40)
	coord := chatservice.NewCoordinator(store, doer, "http://chat.invalid/api/chat")

	var mu sync.Mutex
	var firstDeltas, secondDeltas []string
	firstCancelled := make(chan struct{})
	gotFirstDelta := make(chan struct{}, 1)

	first, err := coord.Submit(context.Background(), "first", stream.Callbacks{
		OnDelta: func(text string) {
			mu.Lock()
			firstDeltas = append(firstDeltas, text)
			mu.Unlock()
			gotFirstDelta <- struct{}{}
		},
		OnCancelled: func() { close(firstCancelled) },
	})
	require.NoError(t, err)
	firstPipe := <-doer.writers

	_, err = firstPipe.Write([]byte("data: {\"text\":\"partial\"}\n"))
	require.NoError(t, err)
	<-gotFirstDelta
	assert.Equal(t, stream.StatusStreaming, first.Status())
	assert.Same(t, first, coord.Active())

	second, err := coord.Submit(context.Background(), "second", stream.Callbacks{
		OnDelta: func(text string) {
			mu.Lock()
			secondDeltas = append(secondDeltas, text)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	select {
	case <-firstCancelled:
	default:
		t.Fatal("first session was not cancelled before Submit returned")
	}
	assert.Equal(t, stream.StatusCancelled, first.Status())

	_, _ = firstPipe.Write([]byte("data: {\"text\":\"late\"}\n"))
	require.NoError(t, waitSession(t, first))

	secondPipe := <-doer.writers
	_, err = secondPipe.Write([]byte("data: {\"text\":\"fresh\"}\ndata: [DONE]\n"))
	require.NoError(t, err)
	require.NoError(t, waitSession(t, second))

	mu.Lock()
	assert.Equal(t, []string{"partial"}, firstDeltas)
	assert.Equal(t, []string{"fresh"}, secondDeltas)
	mu.Unlock()

	history := coord.History()
	contents := make([]string, 0, len(history))
	for _, turn := range history {
		contents = append(contents, string(turn.Role)+":"+turn.Content)
	}
	assert.Equal(t, []string{"user:first", "user:second", "bot:fresh"}, contents)
}

func TestRetryResubmitsLastMessage(t *testing.T) {
	srv := newEchoServer(t)
	coord := chatservice.NewCoordinator(chatservice.NewStore(40), srv.Client(), srv.endpoint())

	_, err := coord.Retry(context.Background(), stream.Callbacks{})
	assert.ErrorIs(t, err, chatservice.ErrNothingToRetry)

	session, err := coord.Submit(context.Background(), "ping", stream.Callbacks{})
	require.NoError(t, err)
	require.NoError(t, waitSession(t, session))
	<-srv.requests

	session, err = coord.Retry(context.Background(), stream.Callbacks{})
	require.NoError(t, err)
	require.NoError(t, waitSession(t, session))

	req := <-srv.requests
	assert.Equal(t, "ping", req.Message)
	assert.Len(t, coord.History(), 4)
}

func TestCancelAndReset(t *testing.T) {
	doer := &gatedDoer{writers: make(chan *io.PipeWriter, 1)}
	store := chatservice.NewStore(40)
	coord := chatservice.NewCoordinator(store, doer, "http://chat.invalid/api/chat")

	session, err := coord.Submit(context.Background(), "hello", stream.Callbacks{})
	require.NoError(t, err)
	<-doer.writers

	coord.Cancel()
	require.NoError(t, waitSession(t, session))
	assert.Equal(t, stream.StatusCancelled, session.Status())
	assert.Nil(t, coord.Active())
	assert.Equal(t, 1, store.Len())

	coord.Reset()
	assert.Zero(t, store.Len())
	_, err = coord.Retry(context.Background(), stream.Callbacks{})
	assert.ErrorIs(t, err, chatservice.ErrNothingToRetry)
}

func TestValidationErrorMessage(t *testing.T) {
	err := &chatservice.ValidationError{Err: chatservice.ErrMessageTooLong, Length: 10, Max: 5}
	assert.True(t, strings.Contains(err.Error(), "10 > 5"))
}
