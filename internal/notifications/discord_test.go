package notifications

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscord_Disabled(t *testing.T) {
	d := NewDiscord("", zerolog.Nop(), 0)
	assert.False(t, d.Enabled())
	assert.False(t, d.NotifyUpstreamFatal(context.Background(), "s1", "boom"))

	var nilNotifier *Discord
	assert.False(t, nilNotifier.Enabled())
}

func TestDiscord_SendsAndSuppressesDuplicates(t *testing.T) {
	got := make(chan discordMessage, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var msg discordMessage
		_ = json.Unmarshal(body, &msg)
		got <- msg
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscord(srv.URL, zerolog.Nop(), time.Minute)
	require.True(t, d.NotifyUpstreamFatal(context.Background(), "s1", "upstream closed"))
	assert.False(t, d.NotifyUpstreamFatal(context.Background(), "s2", "upstream closed"))
	assert.True(t, d.NotifyUpstreamFatal(context.Background(), "s3", "different failure"))
	assert.True(t, d.NotifyGenerationFailure(context.Background(), "stage1", "upstream closed"))

	for i := 0; i < 3; i++ {
		select {
		case msg := <-got:
			require.Len(t, msg.Embeds, 1)
			assert.NotEmpty(t, msg.Embeds[0].Title)
		case <-time.After(5 * time.Second):
			t.Fatal("webhook not called")
		}
	}
}

func TestDiscord_CancelledContextStillDelivers(t *testing.T) {
	called := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called <- struct{}{}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := NewDiscord(srv.URL, zerolog.Nop(), time.Minute)
	require.True(t, d.NotifyGenerationFailure(ctx, "stage2", "timeout"))
	select {
	case <-called:
	case <-time.After(5 * time.Second):
		t.Fatal("webhook not called")
	}
}
