package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/require"

	"github.com/pmav99/thalassa-server/pkg/config"
)

type recorder struct {
	lock  sync.Mutex
	calls [][]string
}

func (r *recorder) run(_ context.Context, args []string) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.calls = append(r.calls, args)
	return nil
}

func TestBuildCommand(t *testing.T) {
	require := require.New(t)

	args, err := BuildCommand(Commands[2], `it's "broken"; rm -rf /`)
	require.NoError(err)
	require.Equal([]string{"osascript", "-e", `display notification "it's "broken"; rm -rf /"`}, args)

	args, err = BuildCommand(`ntfy send --title thalassa '{msg}'`, "$HOME")
	require.NoError(err)
	require.Equal([]string{"ntfy", "send", "--title", "thalassa", "$HOME"}, args)

	_, err = BuildCommand("", "x")
	require.Error(err)

	_, err = BuildCommand("notify-send 'unterminated", "x")
	require.Error(err)
}

func TestDetect(t *testing.T) {
	require := require.New(t)

	lookPath := func(available ...string) func(string) (string, error) {
		return func(name string) (string, error) {
			for _, a := range available {
				if a == name {
					return "/usr/bin/" + name, nil
				}
			}
			return "", eris.New("not found")
		}
	}

	require.Equal(Commands[0], detectWith(lookPath("ntfy", "notify-send")))
	require.Equal(Commands[1], detectWith(lookPath("notify-send")))
	require.Equal(Commands[2], detectWith(lookPath("osascript")))
	require.Equal("", detectWith(lookPath()))
}

func TestNotify(t *testing.T) {
	require := require.New(t)

	cfg, err := config.Defaults()
	require.NoError(err)
	cfg.Notify.Disable = true

	rec := &recorder{}
	n := New(cfg)
	// no notifier available, only logs a warning
	n.Notify(context.Background(), "nothing")

	n.WithRunner(`notify-send '{msg}'`, rec.run)
	n.Error(context.Background(), eris.New("dataset exploded"))

	require.Len(rec.calls, 1)
	require.Equal("notify-send", rec.calls[0][0])
	require.True(strings.HasPrefix(rec.calls[0][1], "dataset exploded"))
}

func TestExceptions(t *testing.T) {
	require := require.New(t)

	cfg, err := config.Defaults()
	require.NoError(err)

	rec := &recorder{}
	n := New(cfg).WithRunner(`notify-send '{msg}'`, rec.run)

	handler := n.Exceptions(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/boom" {
			panic("kaboom")
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/ok", nil))
	require.Equal(http.StatusNoContent, resp.Code)
	require.Empty(rec.calls)

	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/boom", nil))
	require.Equal(http.StatusInternalServerError, resp.Code)
	require.Len(rec.calls, 1)
	require.True(strings.HasPrefix(rec.calls[0][1], "kaboom\n"))
	require.Contains(rec.calls[0][1], "goroutine")
}
