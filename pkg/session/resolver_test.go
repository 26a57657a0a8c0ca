package session

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
)

func TestResolveGeneratesOnce(t *testing.T) {
	r := NewResolver("")
	st := NewState("")

	id := r.Resolve(st)
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("Resolve() = %q, not a UUID: %v", id, err)
	}
	if again := r.Resolve(st); again != id {
		t.Errorf("second Resolve() = %q, want %q", again, id)
	}
	if st.ID() != id {
		t.Errorf("State.ID() = %q, want %q", st.ID(), id)
	}
}

func TestResolveDistinctStates(t *testing.T) {
	r := NewResolver("")
	if r.Resolve(NewState("")) == r.Resolve(NewState("")) {
		t.Error("two fresh states resolved to the same identifier")
	}
}

func TestResolveConcurrent(t *testing.T) {
	r := NewResolver("")
	st := NewState("")

	ids := make([]string, 20)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = r.Resolve(st)
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("concurrent Resolve returned %q and %q", ids[0], id)
		}
	}
}

func TestFromRequest(t *testing.T) {
	r := NewResolver("sid")
	known := uuid.NewString()

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.AddCookie(&http.Cookie{Name: "sid", Value: known})
	if got := r.Resolve(r.FromRequest(req)); got != known {
		t.Errorf("Resolve(cookie state) = %q, want %q", got, known)
	}

	bad := httptest.NewRequest(http.MethodGet, "/ws", nil)
	bad.AddCookie(&http.Cookie{Name: "sid", Value: "../../etc/passwd"})
	if got := r.FromRequest(bad).ID(); got != "" {
		t.Errorf("invalid cookie seeded state with %q", got)
	}

	none := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if got := r.FromRequest(none).ID(); got != "" {
		t.Errorf("missing cookie seeded state with %q", got)
	}
}

func TestCookie(t *testing.T) {
	c := NewResolver("sid").Cookie("abc")
	if c.Name != "sid" || c.Value != "abc" || !c.HttpOnly || c.Path != "/" {
		t.Errorf("Cookie() = %+v", c)
	}
}
