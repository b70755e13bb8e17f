package sms_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrifutures/futures-engine/internal/sms"
)

func TestTwilioSendPostsForm(t *testing.T) {
	var (
		path, user, pass string
		to, from, body   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		user, pass, _ = r.BasicAuth()
		assert.NoError(t, r.ParseForm())
		to, from, body = r.PostForm.Get("To"), r.PostForm.Get("From"), r.PostForm.Get("Body")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM1"}`))
	}))
	defer srv.Close()

	tw := sms.NewTwilio(sms.Config{BaseURL: srv.URL, AccountSID: "AC1", AuthToken: "tok", From: "+15550001", Timeout: time.Second})
	require.NoError(t, tw.Send(context.Background(), "+254700000001", "Karibu AgriFutures!"))

	assert.Equal(t, "/2010-04-01/Accounts/AC1/Messages.json", path)
	assert.Equal(t, "AC1", user)
	assert.Equal(t, "tok", pass)
	assert.Equal(t, "+254700000001", to)
	assert.Equal(t, "+15550001", from)
	assert.Equal(t, "Karibu AgriFutures!", body)
}

func TestTwilioSendReportsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":21211,"message":"Invalid 'To' Phone Number"}`))
	}))
	defer srv.Close()

	tw := sms.NewTwilio(sms.Config{BaseURL: srv.URL, AccountSID: "AC1", Timeout: time.Second})
	err := tw.Send(context.Background(), "bogus", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "21211")
}

func TestOutbox(t *testing.T) {
	o := &sms.Outbox{}
	require.NoError(t, o.Send(context.Background(), "+1", "a"))
	o.Err = errors.New("down")
	assert.Error(t, o.Send(context.Background(), "+1", "b"))
	assert.Equal(t, []sms.Message{{To: "+1", Body: "a"}}, o.Messages())
}
