package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"aasgate/internal/fetch"
	"aasgate/internal/oidc"
	"aasgate/internal/protocol"
)

type fakeFlow struct {
	result    oidc.Result
	loginURL  string
	logoutURL string
	initCalls atomic.Int32
	block     chan struct{}
}

func (f *fakeFlow) Initialize(ctx context.Context, sessionID, currentURL string) oidc.Result {
	f.initCalls.Add(1)
	if f.block != nil {
		<-f.block
	}
	return f.result
}

func (f *fakeFlow) LoginURL(state string) (string, error) { return f.loginURL, nil }
func (f *fakeFlow) LogoutURL() string                     { return f.logoutURL }
func (f *fakeFlow) Tokens() fetch.TokenProvider           { return nil }

func authenticated(username string) oidc.Result {
	return oidc.Result{Claims: &protocol.TokenClaims{
		Subject:   "user-1",
		Username:  username,
		ExpiresAt: time.Now().Add(time.Hour),
	}}
}

const (
	uaSafari = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Safari/605.1.15"
	uaChrome = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
)

func TestControllerSelectsPathByUserAgent(t *testing.T) {
	t.Run("standard for unrestricted browsers", func(t *testing.T) {
		standard := &fakeFlow{result: authenticated("alice")}
		manual := &fakeFlow{}
		c := NewController(standard, manual, nil, nil, nil)

		c.Initialize(context.Background(), "sid-1", uaChrome, "https://app.example.com/")
		if standard.initCalls.Load() != 1 || manual.initCalls.Load() != 0 {
			t.Errorf("standard=%d manual=%d, want 1/0", standard.initCalls.Load(), manual.initCalls.Load())
		}
	})

	t.Run("manual for the restricted family", func(t *testing.T) {
		standard := &fakeFlow{}
		manual := &fakeFlow{result: authenticated("alice")}
		c := NewController(standard, manual, nil, nil, nil)

		c.Initialize(context.Background(), "sid-1", uaSafari, "https://app.example.com/")
		if standard.initCalls.Load() != 0 || manual.initCalls.Load() != 1 {
			t.Errorf("standard=%d manual=%d, want 0/1", standard.initCalls.Load(), manual.initCalls.Load())
		}
	})
}

func TestControllerInitializesExactlyOnce(t *testing.T) {
	standard := &fakeFlow{result: authenticated("alice")}
	c := NewController(standard, &fakeFlow{}, nil, nil, nil)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Initialize(context.Background(), "sid-1", uaChrome, "https://app.example.com/")
		}()
	}
	wg.Wait()

	if got := standard.initCalls.Load(); got != 1 {
		t.Errorf("initCalls = %d, want 1", got)
	}
	st := c.State()
	if !st.Ready || !st.Authenticated || st.Identity == nil || st.Identity.Username != "alice" {
		t.Errorf("state = %+v", st)
	}
}

func TestControllerNotReadyUntilFlowFinishes(t *testing.T) {
	block := make(chan struct{})
	standard := &fakeFlow{result: authenticated("alice"), block: block}
	c := NewController(standard, &fakeFlow{}, nil, nil, nil)

	done := make(chan State, 1)
	go func() {
		done <- c.Initialize(context.Background(), "sid-1", uaChrome, "https://app.example.com/")
	}()

	for c.Phase() != PhaseStandardPending {
		time.Sleep(time.Millisecond)
	}
	if st := c.State(); st.Ready {
		t.Error("ready before the flow finished")
	}

	close(block)
	st := <-done
	if !st.Ready || !st.Authenticated {
		t.Errorf("state = %+v, want ready and authenticated", st)
	}
	if c.Phase() != PhaseReady {
		t.Errorf("phase = %v, want ready", c.Phase())
	}
}

func TestControllerUnauthenticatedIsStillReady(t *testing.T) {
	c := NewController(&fakeFlow{}, &fakeFlow{}, nil, nil, nil)
	st := c.Initialize(context.Background(), "sid-1", uaChrome, "https://app.example.com/")
	if !st.Ready {
		t.Error("not ready after an unauthenticated outcome")
	}
	if st.Authenticated || st.Identity != nil {
		t.Errorf("state = %+v, want unauthenticated", st)
	}
}

func TestControllerPublishesStateChanges(t *testing.T) {
	var mu sync.Mutex
	var published []State
	publish := func(st State) {
		mu.Lock()
		published = append(published, st)
		mu.Unlock()
	}

	c := NewController(&fakeFlow{result: authenticated("alice")}, &fakeFlow{}, nil, publish, nil)
	c.Initialize(context.Background(), "sid-1", uaChrome, "https://app.example.com/")
	c.Logout()

	mu.Lock()
	defer mu.Unlock()
	if len(published) != 2 {
		t.Fatalf("published %d states, want 2", len(published))
	}
	if !published[0].Authenticated {
		t.Error("first published state should be the signed-in one")
	}
	if published[1].Authenticated || !published[1].Ready {
		t.Errorf("post-logout state = %+v, want ready and unauthenticated", published[1])
	}
}

func TestControllerLogout(t *testing.T) {
	standard := &fakeFlow{result: authenticated("alice"), logoutURL: "https://idp.example.com/logout?x=1"}
	c := NewController(standard, &fakeFlow{}, nil, nil, nil)
	c.Initialize(context.Background(), "sid-1", uaChrome, "https://app.example.com/")

	if got := c.Logout(); got != "https://idp.example.com/logout?x=1" {
		t.Errorf("logout URL = %q", got)
	}
	st := c.State()
	if !st.Ready {
		t.Error("logout must keep the session ready")
	}
	if st.Authenticated || st.Identity != nil {
		t.Errorf("state = %+v, want unauthenticated", st)
	}
	if got := standard.initCalls.Load(); got != 1 {
		t.Errorf("initCalls = %d after logout, want 1 (no re-detection)", got)
	}
}

func TestControllerCleanURL(t *testing.T) {
	standard := &fakeFlow{result: oidc.Result{
		Claims:   authenticated("alice").Claims,
		CleanURL: "https://app.example.com/models?page=2",
	}}
	c := NewController(standard, &fakeFlow{}, nil, nil, nil)
	c.Initialize(context.Background(), "sid-1", uaChrome, "https://app.example.com/models?code=c1&session_state=ss&page=2")

	if got := c.CleanURL(); got != "https://app.example.com/models?page=2" {
		t.Errorf("CleanURL = %q", got)
	}
}

func TestNeedsManualFlow(t *testing.T) {
	tests := []struct {
		name string
		ua   string
		want bool
	}{
		{"desktop safari", uaSafari, true},
		{"mobile safari", "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1", true},
		{"chrome", uaChrome, false},
		{"chrome on ios", "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) CriOS/120.0 Mobile/15E148 Safari/604.1", false},
		{"edge", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36 Edg/120.0", false},
		{"firefox", "Mozilla/5.0 (X11; Linux x86_64; rv:120.0) Gecko/20100101 Firefox/120.0", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NeedsManualFlow(tt.ua); got != tt.want {
				t.Errorf("NeedsManualFlow(%q) = %v, want %v", tt.ua, got, tt.want)
			}
		})
	}
}
