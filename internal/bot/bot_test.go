package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capwatch/internal/config"
	"capwatch/internal/hetzner"
	"capwatch/internal/notifier"
	"capwatch/internal/rebuild"
	"capwatch/internal/report"
)

type fakeProvider struct {
	servers []hetzner.Server
	err     error
}

func (f *fakeProvider) ListServers(ctx context.Context) ([]hetzner.Server, error) {
	return f.servers, f.err
}

func (f *fakeProvider) GetServer(ctx context.Context, id int64) (*hetzner.Server, error) {
	for i := range f.servers {
		if f.servers[i].ID == id {
			return &f.servers[i], nil
		}
	}
	return nil, fmt.Errorf("server %d not found", id)
}

func (f *fakeProvider) GetServerMetrics(ctx context.Context, id int64, start, end time.Time) (*hetzner.Metrics, error) {
	return &hetzner.Metrics{}, nil
}

type fakeRebuilder struct {
	calls  []int64
	result rebuild.Result
}

func (f *fakeRebuilder) Rebuild(ctx context.Context, serverID int64, serverName, reason string) rebuild.Result {
	f.calls = append(f.calls, serverID)
	return f.result
}

func i64(v int64) *int64 { return &v }

func newTestBot(p *fakeProvider, r *fakeRebuilder, tg *notifier.Telegram) *Bot {
	if tg == nil {
		tg = notifier.NewTelegram("tok", "123")
	}
	reporter := report.NewBuilder(p, &config.Config{})
	return New(tg, p, r, reporter, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestHandleHelp(t *testing.T) {
	b := newTestBot(&fakeProvider{}, &fakeRebuilder{}, nil)
	for _, cmd := range []string{"/start", "/help"} {
		reply := b.handle(context.Background(), cmd)
		assert.Contains(t, reply, "/status")
		assert.Contains(t, reply, "/rebuild")
	}
}

func TestHandleStatus(t *testing.T) {
	p := &fakeProvider{servers: []hetzner.Server{{
		ID: 1, Name: "web",
		OutgoingTraffic: i64(1 << 40),
		IngoingTraffic:  i64(1 << 39),
	}}}
	b := newTestBot(p, &fakeRebuilder{}, nil)

	for _, cmd := range []string{"/status", "/ll"} {
		reply := b.handle(context.Background(), cmd)
		assert.Contains(t, reply, "Daily traffic report")
		assert.Contains(t, reply, "`web`")
		assert.Contains(t, reply, "out: `1.000 TB`")
	}
}

func TestHandleRebuild(t *testing.T) {
	p := &fakeProvider{servers: []hetzner.Server{{ID: 1, Name: "web"}, {ID: 2, Name: "db"}}}
	r := &fakeRebuilder{result: rebuild.Result{Success: true, NewServerID: 9, NewIP: "203.0.113.9"}}
	b := newTestBot(p, r, nil)

	reply := b.handle(context.Background(), "/rebuild db")
	assert.Contains(t, reply, "rebuild of db triggered")
	assert.Contains(t, reply, "203.0.113.9")
	assert.Equal(t, []int64{2}, r.calls)
}

func TestHandleRebuildUnknownName(t *testing.T) {
	p := &fakeProvider{servers: []hetzner.Server{{ID: 1, Name: "web"}}}
	r := &fakeRebuilder{}
	b := newTestBot(p, r, nil)

	reply := b.handle(context.Background(), "/rebuild ghost")
	assert.Equal(t, "no server with that name", reply)
	assert.Empty(t, r.calls)
}

func TestHandleRebuildMissingArg(t *testing.T) {
	b := newTestBot(&fakeProvider{}, &fakeRebuilder{}, nil)
	assert.Contains(t, b.handle(context.Background(), "/rebuild"), "usage:")
	assert.Contains(t, b.handle(context.Background(), "/rebuild   "), "usage:")
}

func TestHandleRebuildInProgress(t *testing.T) {
	p := &fakeProvider{servers: []hetzner.Server{{ID: 1, Name: "web"}}}
	r := &fakeRebuilder{result: rebuild.Result{Err: rebuild.ErrInProgress}}
	b := newTestBot(p, r, nil)

	reply := b.handle(context.Background(), "/rebuild web")
	assert.Contains(t, reply, "rebuild failed")
	assert.Contains(t, reply, "already in progress")
}

func TestHandleUnknownCommand(t *testing.T) {
	b := newTestBot(&fakeProvider{}, &fakeRebuilder{}, nil)
	assert.Equal(t, "unknown command", b.handle(context.Background(), "/selfdestruct"))
}

func TestPollFiltersChatAndAdvancesOffset(t *testing.T) {
	var sent []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/bottok/getUpdates":
			if r.URL.Query().Get("offset") != "0" {
				w.Write([]byte(`{"ok":true,"result":[]}`))
				return
			}
			w.Write([]byte(`{"ok":true,"result":[
				{"update_id":7,"message":{"text":"/help","chat":{"id":999}}},
				{"update_id":8,"message":{"text":"/help","chat":{"id":123}}}
			]}`))
		case "/bottok/sendMessage":
			var payload map[string]any
			json.NewDecoder(r.Body).Decode(&payload)
			sent = append(sent, payload["text"].(string))
			w.Write([]byte(`{"ok":true}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	tg := notifier.NewTelegram("tok", "123")
	tg.BaseURL = srv.URL
	b := newTestBot(&fakeProvider{}, &fakeRebuilder{}, tg)

	b.Poll(context.Background())
	require.Len(t, sent, 1, "only the configured chat gets a reply")
	assert.Contains(t, sent[0], "/status")
	assert.Equal(t, int64(9), b.offset)

	// Second poll starts past the consumed batch.
	b.Poll(context.Background())
	assert.Len(t, sent, 1)
}

func TestPollDisabledIsNoop(t *testing.T) {
	tg := notifier.NewTelegram("", "")
	b := newTestBot(&fakeProvider{}, &fakeRebuilder{}, tg)
	b.Poll(context.Background()) // must not panic or hit the network
}
