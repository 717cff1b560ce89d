package cluster

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"modelpool/internal/ollama"
	"modelpool/pkg/types"
)

// fakeInstance serves the probe endpoints. Individual endpoints can be
// forced to fail to exercise partial degradation.
type fakeInstance struct {
	srv         *httptest.Server
	failTags    bool
	failVersion bool
	failPS      bool
	models      []string
	running     map[string]int64 // name -> size_vram
}

func newFakeInstance(t *testing.T) *fakeInstance {
	t.Helper()
	fi := &fakeInstance{models: []string{"llama3.1", "nomic-embed-text"}, running: map[string]int64{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		if fi.failTags {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"models":[`)
		for i, name := range fi.models {
			if i > 0 {
				fmt.Fprint(w, ",")
			}
			fmt.Fprintf(w, `{"name":%q,"size":1000}`, name)
		}
		fmt.Fprint(w, `]}`)
	})
	mux.HandleFunc("/api/version", func(w http.ResponseWriter, r *http.Request) {
		if fi.failVersion {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"version":"0.6.2"}`)
	})
	mux.HandleFunc("/api/ps", func(w http.ResponseWriter, r *http.Request) {
		if fi.failPS {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"models":[`)
		first := true
		for name, vram := range fi.running {
			if !first {
				fmt.Fprint(w, ",")
			}
			first = false
			fmt.Fprintf(w, `{"name":%q,"size":%d,"size_vram":%d}`, name, vram, vram)
		}
		fmt.Fprint(w, `]}`)
	})
	fi.srv = httptest.NewServer(mux)
	t.Cleanup(fi.srv.Close)
	return fi
}

func (fi *fakeInstance) config(id string) types.InstanceConfig {
	return types.InstanceConfig{ID: id, URL: fi.srv.URL, Type: types.ProviderOllama, TotalMemory: 16 * gib}
}

func TestPollHealthyInstance(t *testing.T) {
	fi := newFakeInstance(t)
	fi.running["llama3.1"] = 4 * gib

	p := NewPoller(ollama.New(time.Second))
	res := p.Poll(context.Background(), fi.config("i1"))

	if !res.Available {
		t.Fatalf("expected available: %+v", res)
	}
	if res.Version != "0.6.2" {
		t.Fatalf("version: %q", res.Version)
	}
	if len(res.Models) != 2 || !res.ModelsOK {
		t.Fatalf("models: %+v", res)
	}
	if res.UsedMemory != 4*gib || !res.LoadOK {
		t.Fatalf("used memory: %d", res.UsedMemory)
	}
}

func TestPollPartialFailureDegrades(t *testing.T) {
	fi := newFakeInstance(t)
	fi.failTags = true

	p := NewPoller(ollama.New(time.Second))
	res := p.Poll(context.Background(), fi.config("i1"))

	if !res.Available {
		t.Fatalf("single probe failure must not mark instance unavailable")
	}
	if res.ModelsOK {
		t.Fatalf("tags failure must leave models degraded")
	}
	if !res.LoadOK || res.Version == "" {
		t.Fatalf("other probes must still succeed: %+v", res)
	}
}

func TestPollUnreachableInstance(t *testing.T) {
	p := NewPoller(ollama.New(200 * time.Millisecond))
	res := p.Poll(context.Background(), types.InstanceConfig{ID: "down", URL: "http://127.0.0.1:1"})

	if res.Available {
		t.Fatalf("unreachable instance reported available")
	}
	if res.Err == nil {
		t.Fatalf("expected error attached")
	}
}

func TestPollAllIsolatesFailures(t *testing.T) {
	fi := newFakeInstance(t)
	p := NewPoller(ollama.New(200 * time.Millisecond))

	results := p.PollAll(context.Background(), []types.InstanceConfig{
		fi.config("up"),
		{ID: "down", URL: "http://127.0.0.1:1"},
	})

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Instance.ID != "up" || !results[0].Available {
		t.Fatalf("healthy instance corrupted by neighbor failure: %+v", results[0])
	}
	if results[1].Available {
		t.Fatalf("down instance reported available")
	}
}
