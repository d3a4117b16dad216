package replay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMonitor_Check(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	var restored int
	monitor := NewMonitor(server.Client(), server.URL, 0, func(ctx context.Context) { restored++ })

	t.Run("should start offline", func(t *testing.T) {
		if monitor.Online() {
			t.Error("expected the monitor to start offline")
		}
	})

	t.Run("should fire once on the transition to online", func(t *testing.T) {
		monitor.Check(context.Background())
		monitor.Check(context.Background())

		if !monitor.Online() {
			t.Error("expected the monitor to be online")
		}
		if restored != 1 {
			t.Errorf("\nwanted:\n1\ngot:\n%d", restored)
		}
	})

	t.Run("should fire again after losing connectivity", func(t *testing.T) {
		monitor.CheckURL = "http://127.0.0.1:1"
		if monitor.Check(context.Background()) {
			t.Fatal("expected the check to fail")
		}

		monitor.CheckURL = server.URL
		monitor.Check(context.Background())
		if restored != 2 {
			t.Errorf("\nwanted:\n2\ngot:\n%d", restored)
		}
	})
}
