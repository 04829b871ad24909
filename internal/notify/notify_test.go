package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meeting-jobcore/internal/models"
	"meeting-jobcore/internal/ratelimit"
	"meeting-jobcore/internal/retry"
)

func chatMessage(url string) models.OutboxMessage {
	return models.OutboxMessage{
		ID:                   "o1",
		AuditRecordID:        "a1",
		Payload:              json.RawMessage(`{"text":"Minutes for Weekly Sync are ready"}`),
		DestinationReference: "chat:" + url,
	}
}

func TestChatDelivererPostsPayload(t *testing.T) {
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "a1", r.Header.Get("Idempotency-Key"))
		got, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewChatDeliverer(srv.Client(), nil, zerolog.Nop())
	require.NoError(t, d.Deliver(context.Background(), chatMessage(srv.URL)))
	assert.JSONEq(t, `{"text":"Minutes for Weekly Sync are ready"}`, string(got))
}

func TestChatDelivererClassifiesStatus(t *testing.T) {
	cases := []struct {
		status    int
		permanent bool
	}{
		{http.StatusNotFound, true},
		{http.StatusGone, true},
		{http.StatusUnauthorized, true},
		{http.StatusForbidden, true},
		{http.StatusTooManyRequests, false},
		{http.StatusBadGateway, false},
		{http.StatusServiceUnavailable, false},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tc.status)
			}))
			defer srv.Close()

			err := NewChatDeliverer(srv.Client(), nil, zerolog.Nop()).Deliver(context.Background(), chatMessage(srv.URL))
			require.Error(t, err)
			assert.Equal(t, tc.permanent, retry.IsPermanent(err))
		})
	}
}

func TestChatDelivererTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := NewChatDeliverer(srv.Client(), nil, zerolog.Nop()).Deliver(ctx, chatMessage(srv.URL))
	require.Error(t, err)
	assert.False(t, retry.IsPermanent(err))
}

func TestChatDelivererRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	bucket := ratelimit.NewTokenBucket(client, "rl:chat:", 1, 0.01, time.Minute)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	d := NewChatDeliverer(srv.Client(), bucket, zerolog.Nop())
	require.NoError(t, d.Deliver(context.Background(), chatMessage(srv.URL)))

	err := d.Deliver(context.Background(), chatMessage(srv.URL))
	require.ErrorIs(t, err, ErrRateLimited)
	assert.False(t, retry.IsPermanent(err))
	assert.Equal(t, int32(1), hits.Load())
}

type recordingMailer struct {
	sent []Email
	err  error
}

func (m *recordingMailer) Send(_ context.Context, e Email) error {
	m.sent = append(m.sent, e)
	return m.err
}

func TestDispatcherRoutesByScheme(t *testing.T) {
	mailer := &recordingMailer{}
	d := NewDispatcher().Handle("email", NewEmailDeliverer(mailer))

	err := d.Deliver(context.Background(), models.OutboxMessage{
		Payload:              json.RawMessage(`{"subject":"Minutes","body":"hello"}`),
		DestinationReference: "email:owner@example.com",
	})
	require.NoError(t, err)
	require.Len(t, mailer.sent, 1)
	assert.Equal(t, []string{"owner@example.com"}, mailer.sent[0].To)
	assert.Equal(t, "Minutes", mailer.sent[0].Subject)

	err = d.Deliver(context.Background(), models.OutboxMessage{DestinationReference: "pager:oncall"})
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))

	err = d.Deliver(context.Background(), models.OutboxMessage{DestinationReference: "no-scheme"})
	assert.True(t, retry.IsPermanent(err))
}

func TestClassifySMTP(t *testing.T) {
	assert.True(t, retry.IsPermanent(classifySMTP("rcpt", &textproto.Error{Code: 550, Msg: "no such user"})))
	assert.False(t, retry.IsPermanent(classifySMTP("rcpt", &textproto.Error{Code: 451, Msg: "try later"})))
	assert.False(t, retry.IsPermanent(classifySMTP("data", errors.New("connection reset"))))
}

func TestBuildMessage(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	msg := string(buildMessage("minutes@example.com", Email{
		To:      []string{"a@example.com", "b@example.com"},
		Subject: "Minutes: Weekly Sync",
		Body:    "line one\nline two",
	}, now))

	assert.Contains(t, msg, "From: minutes@example.com\r\n")
	assert.Contains(t, msg, "To: a@example.com, b@example.com\r\n")
	assert.Contains(t, msg, "Subject: Minutes: Weekly Sync\r\n")
	assert.True(t, strings.HasSuffix(msg, "\r\n\r\nline one\r\nline two\r\n"))
}

func TestSMTPMailerRejectsEmptyRecipients(t *testing.T) {
	m, err := NewSMTPMailer("localhost:2525", "", "", "minutes@example.com")
	require.NoError(t, err)
	err = m.Send(context.Background(), Email{Subject: "x"})
	assert.True(t, retry.IsPermanent(err))

	_, err = NewSMTPMailer("no-port", "", "", "x")
	assert.Error(t, err)
}
