package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brensch/breadrl/game"
	"github.com/gorilla/websocket"
)

// fakeServer is a minimal BreadQuest server. Each websocket message is
// recorded and answered by the reply function.
type fakeServer struct {
	password string

	mu       sync.Mutex
	created  []string
	dials    int
	received [][]map[string]any
	reply    func(cmds []map[string]any) any
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/createAccountAction", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.created = append(f.created, r.FormValue("username")+":"+r.FormValue("avatar"))
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "message": "exists"})
	})
	mux.HandleFunc("/loginAction", func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("password") != f.password {
			_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "message": "bad password"})
			return
		}
		http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: "sid-" + r.FormValue("username")})
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	})
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	mux.HandleFunc("/gameUpdate", func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie(SessionCookie)
		if err != nil || c.Value == "" {
			http.Error(w, "no session", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		f.mu.Lock()
		f.dials++
		f.mu.Unlock()
		for {
			var cmds []map[string]any
			if err := conn.ReadJSON(&cmds); err != nil {
				return
			}
			f.mu.Lock()
			f.received = append(f.received, cmds)
			reply := f.reply
			f.mu.Unlock()
			if err := conn.WriteJSON(reply(cmds)); err != nil {
				return
			}
		}
	})
	return mux
}

func (f *fakeServer) last() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.received) == 0 {
		return nil
	}
	return f.received[len(f.received)-1]
}

func (f *fakeServer) setReply(fn func(cmds []map[string]any) any) {
	f.mu.Lock()
	f.reply = fn
	f.mu.Unlock()
}

func ok(cmds ...map[string]any) any {
	if cmds == nil {
		cmds = []map[string]any{}
	}
	return map[string]any{"success": true, "commandList": cmds}
}

func startFake(t *testing.T) (*fakeServer, Config) {
	t.Helper()
	f := &fakeServer{password: "pw"}
	f.reply = func([]map[string]any) any { return ok() }
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL + "/"
	cfg.VisionSize = 3
	cfg.ReadTimeout = 5 * time.Second
	cfg.DialAttempts = 2
	cfg.DialBackoff = 10 * time.Millisecond
	return f, cfg
}

func TestConnectRefreshAndPerform(t *testing.T) {
	f, cfg := startFake(t)
	ctx := context.Background()

	s, err := Connect(ctx, cfg, Credentials{Username: "bot_0", Password: "pw", Email: "a@b.c", Avatar: 5}, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Close()
	f.mu.Lock()
	created := append([]string(nil), f.created...)
	f.mu.Unlock()
	if len(created) != 1 || created[0] != "bot_0:5" {
		t.Errorf("created = %v", created)
	}

	tiles := []int{129, 128, 137, 145, 128, 149, 300, 142, 128}
	f.setReply(func([]map[string]any) any {
		return ok(
			map[string]any{"commandName": "setLocalPlayerInfo", "username": "bot_0", "avatar": 2, "breadCount": 4},
			map[string]any{"commandName": "addEntity", "entityInfo": map[string]any{"className": "Player", "username": "other", "pos": map[string]any{"x": 12, "y": 11}}},
			map[string]any{"commandName": "addEntity", "entityInfo": map[string]any{"className": "Player", "username": "bot_0", "pos": map[string]any{"x": 11, "y": 11}}},
			map[string]any{"commandName": "setTiles", "pos": map[string]any{"x": 10, "y": 10}, "size": 3, "tileList": tiles},
		)
	})
	if err := s.RefreshWorld(ctx); err != nil {
		t.Fatalf("RefreshWorld: %v", err)
	}

	sent := f.last()
	wantNames := []string{"startPlaying", "getTiles", "getEntities", "getInventoryChanges"}
	if len(sent) != len(wantNames) {
		t.Fatalf("sent %v", sent)
	}
	for i, name := range wantNames {
		if sent[i]["commandName"] != name {
			t.Errorf("command %d = %v, want %s", i, sent[i]["commandName"], name)
		}
	}
	if sent[1]["size"] != float64(3) {
		t.Errorf("getTiles size = %v", sent[1]["size"])
	}

	if s.Score() != 4 || s.OwnerColor() != 2 {
		t.Errorf("score %v colour %d", s.Score(), s.OwnerColor())
	}
	w := s.World()
	if len(w) != 9 {
		t.Fatalf("world has %d cells", len(w))
	}
	if w[game.Offset{X: -1, Y: -1}] != 129 || w[game.Offset{X: 1, Y: 1}] != 128 {
		t.Errorf("corners = %d %d", w[game.Offset{X: -1, Y: -1}], w[game.Offset{X: 1, Y: 1}])
	}
	if w[game.Offset{X: 1, Y: 0}] != game.EnemyTileID {
		t.Errorf("other player not marked: %d", w[game.Offset{X: 1, Y: 0}])
	}
	if w[game.Offset{X: 0, Y: 0}] != 128 {
		t.Errorf("own position overwritten: %d", w[game.Offset{X: 0, Y: 0}])
	}
	w[game.Offset{X: 0, Y: 0}] = 0
	if got := s.World()[game.Offset{X: 0, Y: 0}]; got != 128 {
		t.Errorf("World shares its map with the caller: %d", got)
	}

	f.setReply(func([]map[string]any) any { return ok() })
	if err := s.RefreshWorld(ctx); err != nil {
		t.Fatal(err)
	}
	if got := f.last()[0]["commandName"]; got != "getTiles" {
		t.Errorf("second refresh starts with %v", got)
	}

	if err := s.Perform(ctx, game.WalkRight); err != nil {
		t.Fatalf("Perform: %v", err)
	}
	sent = f.last()
	if len(sent) != 1 || sent[0]["commandName"] != "walk" || sent[0]["direction"] != float64(1) {
		t.Errorf("walk sent %v", sent)
	}

	if err := s.Perform(ctx, game.Eat); err != nil {
		t.Fatal(err)
	}
	sent = f.last()
	if _, has := sent[0]["direction"]; has || sent[0]["commandName"] != "eatBread" {
		t.Errorf("eat sent %v", sent)
	}

	if err := s.Perform(ctx, game.Action(99)); err == nil {
		t.Errorf("invalid action accepted")
	}
}

func TestUnsuccessfulReply(t *testing.T) {
	f, cfg := startFake(t)
	s, err := Connect(context.Background(), cfg, Credentials{Username: "bot_1", Password: "pw"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	f.setReply(func([]map[string]any) any {
		return map[string]any{"success": false, "message": "not playing"}
	})
	if err := s.Perform(context.Background(), game.BreakUp); !errors.Is(err, ErrUnsuccessful) {
		t.Errorf("err = %v, want ErrUnsuccessful", err)
	}
}

func TestLoginRejected(t *testing.T) {
	_, cfg := startFake(t)
	_, err := Connect(context.Background(), cfg, Credentials{Username: "bot_2", Password: "wrong"}, nil)
	if !errors.Is(err, ErrLoginFailed) {
		t.Errorf("err = %v, want ErrLoginFailed", err)
	}
}

func TestRefreshHonoursCancel(t *testing.T) {
	f, cfg := startFake(t)
	s, err := Connect(context.Background(), cfg, Credentials{Username: "bot_3", Password: "pw"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	block := make(chan struct{})
	defer close(block)
	f.setReply(func([]map[string]any) any {
		<-block
		return ok()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.RefreshWorld(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestWebsocketURL(t *testing.T) {
	tests := []struct {
		cfg  Config
		want string
	}{
		{Config{BaseURL: "http://localhost:2080/"}, "ws://localhost:2080/gameUpdate"},
		{Config{BaseURL: "https://bread.example"}, "wss://bread.example/gameUpdate"},
		{Config{BaseURL: "http://x", WebsocketURL: "ws://y:1/"}, "ws://y:1/gameUpdate"},
	}
	for _, tt := range tests {
		got, err := websocketURL(tt.cfg)
		if err != nil || got != tt.want {
			t.Errorf("websocketURL(%+v) = %q, %v; want %q", tt.cfg, got, err, tt.want)
		}
	}
	if _, err := websocketURL(Config{BaseURL: "ftp://x"}); err == nil {
		t.Errorf("ftp base accepted")
	}
}

func TestRegisteredAccountSkipsCreate(t *testing.T) {
	f, cfg := startFake(t)
	s, err := Connect(context.Background(), cfg, Credentials{Username: "bot_4", Password: "pw", Registered: true}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) != 0 {
		t.Errorf("known account registered again: %v", f.created)
	}
}

func TestRegisteredAccountRecreatedAfterRejection(t *testing.T) {
	f, cfg := startFake(t)
	_, err := Connect(context.Background(), cfg, Credentials{Username: "bot_5", Password: "wrong", Registered: true}, nil)
	if !errors.Is(err, ErrLoginFailed) {
		t.Fatalf("err = %v, want ErrLoginFailed", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) != 1 {
		t.Errorf("created = %v, want one registration attempt", f.created)
	}
}

func TestRoundTripRedialsAfterTimeout(t *testing.T) {
	f, cfg := startFake(t)
	cfg.ReadTimeout = 100 * time.Millisecond
	s, err := Connect(context.Background(), cfg, Credentials{Username: "bot_6", Password: "pw"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	var slow atomic.Bool
	slow.Store(true)
	f.setReply(func([]map[string]any) any {
		if slow.CompareAndSwap(true, false) {
			time.Sleep(300 * time.Millisecond)
		}
		return ok()
	})

	ctx := context.Background()
	if err := s.RefreshWorld(ctx); err == nil {
		t.Fatalf("slow reply did not time out")
	}
	if err := s.RefreshWorld(ctx); err != nil {
		t.Fatalf("refresh after timeout: %v", err)
	}
	if got := f.last()[0]["commandName"]; got != "startPlaying" {
		t.Errorf("refresh on new socket starts with %v", got)
	}

	slow.Store(true)
	if err := s.Perform(ctx, game.WalkUp); err == nil {
		t.Fatalf("slow perform did not time out")
	}
	if err := s.Perform(ctx, game.WalkUp); err != nil {
		t.Fatalf("perform after timeout: %v", err)
	}
	sent := f.last()
	if len(sent) != 2 || sent[0]["commandName"] != "startPlaying" || sent[1]["commandName"] != "walk" {
		t.Errorf("perform on new socket sent %v", sent)
	}

	f.mu.Lock()
	dials := f.dials
	f.mu.Unlock()
	if dials != 3 {
		t.Errorf("dials = %d, want 3", dials)
	}
}

func TestClosedSessionFailsFast(t *testing.T) {
	_, cfg := startFake(t)
	s, err := Connect(context.Background(), cfg, Credentials{Username: "bot_7", Password: "pw"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.RefreshWorld(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
