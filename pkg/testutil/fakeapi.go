package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// FakeAPI serves pre-built pages on /breweries, honoring page and per_page
// like the real API. Individual pages can be made to fail.
type FakeAPI struct {
	server *httptest.Server

	mu       sync.Mutex
	records  []string
	failures map[int]pageFailure
	requests map[int]int
}

type pageFailure struct {
	status    int
	remaining int // -1 fails forever
}

// NewFakeAPI starts a server holding records in API order. It is closed
// when the test completes.
func NewFakeAPI(t *testing.T, records ...string) *FakeAPI {
	t.Helper()
	f := &FakeAPI{
		records:  records,
		failures: make(map[int]pageFailure),
		requests: make(map[int]int),
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

// URL returns the API base URL.
func (f *FakeAPI) URL() string {
	return f.server.URL
}

// SetRecords replaces the served records.
func (f *FakeAPI) SetRecords(records ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = records
}

// FailPage makes page answer with status for the next times requests, or
// forever when times is negative.
func (f *FakeAPI) FailPage(page, status, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if times < 0 {
		times = -1
	}
	f.failures[page] = pageFailure{status: status, remaining: times}
}

// Heal removes all configured failures.
func (f *FakeAPI) Heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = make(map[int]pageFailure)
}

// Requests returns how many times page was requested.
func (f *FakeAPI) Requests(page int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[page]
}

// TotalRequests returns the number of page requests served.
func (f *FakeAPI) TotalRequests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.requests {
		total += n
	}
	return total
}

func (f *FakeAPI) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/breweries" {
		http.NotFound(w, r)
		return
	}
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		http.Error(w, "bad page", http.StatusBadRequest)
		return
	}
	perPage, err := strconv.Atoi(r.URL.Query().Get("per_page"))
	if err != nil || perPage < 1 {
		http.Error(w, "bad per_page", http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.requests[page]++
	if fail, ok := f.failures[page]; ok && fail.remaining != 0 {
		if fail.remaining > 0 {
			fail.remaining--
			f.failures[page] = fail
		}
		f.mu.Unlock()
		http.Error(w, http.StatusText(fail.status), fail.status)
		return
	}
	start := min((page-1)*perPage, len(f.records))
	end := min(start+perPage, len(f.records))
	body := fmt.Sprintf("[%s]", strings.Join(f.records[start:end], ","))
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body))
}
