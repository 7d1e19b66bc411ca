// Package client speaks the BreadQuest HTTP login flow and the gameUpdate
// websocket protocol for one bot account.
//
// Every exchange is a JSON array of commands answered by one reply:
//
//	-> [{"commandName":"getTiles","size":11},{"commandName":"getEntities"}]
//	<- {"success":true,"commandList":[{"commandName":"setTiles",...}]}
//
// A Session is safe for concurrent use but round trips are serialised. A
// send or read failure drops the websocket; the next round trip dials a new
// one with the same session cookie, so callers can simply retry.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/brensch/breadrl/game"
	"github.com/gorilla/websocket"
)

var (
	// ErrLoginFailed is returned when the server rejects the credentials or
	// hands back no session cookie.
	ErrLoginFailed = errors.New("client: login failed")
	// ErrUnsuccessful is returned when a reply carries success=false.
	ErrUnsuccessful = errors.New("client: server reported failure")
	// ErrClosed is returned by round trips on a closed session.
	ErrClosed = errors.New("client: session closed")
)

// SessionCookie is the cookie that authenticates the websocket.
const SessionCookie = "connect.sid"

// Config holds connection settings shared by every session.
type Config struct {
	BaseURL      string // http(s) root serving the login endpoints
	WebsocketURL string // ws(s) root serving gameUpdate; derived from BaseURL when empty
	// VisionSize is the side of the square tile window requested on refresh.
	VisionSize       int
	HTTPTimeout      time.Duration
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	DialAttempts     int
	DialBackoff      time.Duration
}

// DefaultConfig returns settings for a local server with an 11x11 view.
func DefaultConfig() Config {
	return Config{
		BaseURL:          "http://localhost:2080/",
		VisionSize:       11,
		HTTPTimeout:      10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      30 * time.Second,
		DialAttempts:     12,
		DialBackoff:      200 * time.Millisecond,
	}
}

// Credentials identify one bot account. Avatar doubles as the colour of the
// account's trail.
type Credentials struct {
	Username string
	Password string
	Email    string
	Avatar   int
	// Registered skips account creation. If the login is then rejected the
	// account is created and the login retried once.
	Registered bool
}

type command map[string]any

type reply struct {
	Success     bool            `json:"success"`
	Message     string          `json:"message,omitempty"`
	CommandList []serverCommand `json:"commandList"`
}

type position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type entityInfo struct {
	ClassName string    `json:"className"`
	Username  string    `json:"username"`
	Pos       *position `json:"pos"`
}

type serverCommand struct {
	CommandName string      `json:"commandName"`
	Username    string      `json:"username,omitempty"`
	Avatar      *int        `json:"avatar,omitempty"`
	BreadCount  *int        `json:"breadCount,omitempty"`
	Size        int         `json:"size,omitempty"`
	TileList    []int       `json:"tileList,omitempty"`
	Pos         *position   `json:"pos,omitempty"`
	EntityInfo  *entityInfo `json:"entityInfo,omitempty"`
}

// Session is one logged-in bot with its own websocket and world view.
type Session struct {
	cfg    Config
	logger *slog.Logger
	creds  Credentials

	wsURL  string
	header http.Header

	rt   sync.Mutex      // serialises round trips and guards the fields below
	conn *websocket.Conn // nil after a transport failure until redialled
	// rejoin is set on a redialled connection that has not sent
	// startPlaying yet.
	rejoin bool
	closed bool

	mu         sync.RWMutex
	entered    bool
	breadCount int
	avatar     int
	world      game.World
}

// Connect registers the account if it does not exist yet, logs in and opens
// the gameUpdate websocket.
func Connect(ctx context.Context, cfg Config, creds Credentials, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("user", creds.Username)

	sid, err := login(ctx, cfg, creds, logger)
	if err != nil {
		return nil, err
	}

	wsURL, err := websocketURL(cfg)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Cookie", SessionCookie+"="+sid)
	conn, err := dialWithRetry(ctx, cfg, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	logger.Info("connected", "url", wsURL)

	return &Session{
		cfg:    cfg,
		logger: logger,
		creds:  creds,
		wsURL:  wsURL,
		header: header,
		conn:   conn,
		avatar: creds.Avatar,
		world:  game.World{},
	}, nil
}

func login(ctx context.Context, cfg Config, creds Credentials, logger *slog.Logger) (string, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return "", err
	}
	hc := &http.Client{Timeout: cfg.HTTPTimeout, Jar: jar}

	if !creds.Registered {
		register(ctx, hc, cfg, creds, logger)
		return loginOnce(ctx, hc, cfg, creds)
	}
	sid, err := loginOnce(ctx, hc, cfg, creds)
	if errors.Is(err, ErrLoginFailed) {
		logger.Info("login rejected, registering account again", "err", err)
		register(ctx, hc, cfg, creds, logger)
		return loginOnce(ctx, hc, cfg, creds)
	}
	return sid, err
}

// register creates the account. The server refuses existing names, so the
// outcome is only logged.
func register(ctx context.Context, hc *http.Client, cfg Config, creds Credentials, logger *slog.Logger) {
	form := url.Values{
		"username": {creds.Username},
		"password": {creds.Password},
		"email":    {creds.Email},
		"avatar":   {strconv.Itoa(creds.Avatar)},
	}
	resp, err := postForm(ctx, hc, cfg.BaseURL, "createAccountAction", form)
	if err != nil {
		logger.Debug("create account failed", "err", err)
		return
	}
	resp.Body.Close()
}

func loginOnce(ctx context.Context, hc *http.Client, cfg Config, creds Credentials) (string, error) {
	resp, err := postForm(ctx, hc, cfg.BaseURL, "loginAction", url.Values{
		"username": {creds.Username},
		"password": {creds.Password},
	})
	if err != nil {
		return "", fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()

	var result reply
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrLoginFailed, err)
	}
	if !result.Success {
		return "", fmt.Errorf("%w: %s %s", ErrLoginFailed, creds.Username, result.Message)
	}
	for _, c := range resp.Cookies() {
		if c.Name == SessionCookie && c.Value != "" {
			return c.Value, nil
		}
	}
	return "", fmt.Errorf("%w: no %s cookie", ErrLoginFailed, SessionCookie)
}

func postForm(ctx context.Context, hc *http.Client, base, path string, form url.Values) (*http.Response, error) {
	endpoint, err := url.JoinPath(base, path)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return hc.Do(req)
}

func websocketURL(cfg Config) (string, error) {
	root := cfg.WebsocketURL
	if root == "" {
		switch {
		case strings.HasPrefix(cfg.BaseURL, "https://"):
			root = "wss://" + strings.TrimPrefix(cfg.BaseURL, "https://")
		case strings.HasPrefix(cfg.BaseURL, "http://"):
			root = "ws://" + strings.TrimPrefix(cfg.BaseURL, "http://")
		default:
			return "", fmt.Errorf("cannot derive websocket url from %q", cfg.BaseURL)
		}
	}
	if !strings.HasPrefix(root, "ws://") && !strings.HasPrefix(root, "wss://") {
		return "", fmt.Errorf("invalid ws url: %s", root)
	}
	return url.JoinPath(root, "gameUpdate")
}

func dialWithRetry(ctx context.Context, cfg Config, wsURL string, header http.Header) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	attempts := max(cfg.DialAttempts, 1)
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		conn, _, err := dialer.DialContext(ctx, wsURL, header)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if attempt == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.DialBackoff):
		}
	}
	return nil, lastErr
}

// ensureConn returns the live websocket, dialling a new one if the last
// round trip broke it.
func (s *Session) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if s.conn != nil {
		return s.conn, nil
	}
	conn, err := dialWithRetry(ctx, s.cfg, s.wsURL, s.header)
	if err != nil {
		return nil, contextError(ctx, fmt.Errorf("redial %s: %w", s.wsURL, err))
	}
	s.logger.Info("reconnected", "url", s.wsURL)
	s.conn = conn
	s.rejoin = true
	return conn, nil
}

// drop closes a websocket whose stream can no longer be trusted. A late
// reply to the failed request must not be read as the answer to the next.
func (s *Session) drop(conn *websocket.Conn, err error) {
	s.logger.Warn("dropping websocket", "err", err)
	_ = conn.Close()
	s.conn = nil
}

// roundTrip sends commands and reads the single reply. Cancelling ctx
// unblocks a pending read.
func (s *Session) roundTrip(ctx context.Context, commands []command) (*reply, error) {
	s.rt.Lock()
	defer s.rt.Unlock()

	conn, err := s.ensureConn(ctx)
	if err != nil {
		return nil, err
	}
	if s.rejoin && (len(commands) == 0 || commands[0]["commandName"] != "startPlaying") {
		commands = append([]command{{"commandName": "startPlaying"}}, commands...)
	}

	var deadline time.Time
	if s.cfg.ReadTimeout > 0 {
		deadline = time.Now().Add(s.cfg.ReadTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.SetReadDeadline(deadline)

	stop := context.AfterFunc(ctx, func() {
		now := time.Now()
		_ = conn.SetWriteDeadline(now)
		_ = conn.SetReadDeadline(now)
	})
	defer stop()

	if err := conn.WriteJSON(commands); err != nil {
		s.drop(conn, err)
		return nil, contextError(ctx, fmt.Errorf("send: %w", err))
	}
	_, payload, err := conn.ReadMessage()
	if err != nil {
		s.drop(conn, err)
		return nil, contextError(ctx, fmt.Errorf("read: %w", err))
	}
	s.rejoin = false

	var r reply
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	if !r.Success {
		return nil, fmt.Errorf("%w: %s", ErrUnsuccessful, r.Message)
	}
	return &r, nil
}

// contextError prefers ctx's error when a socket deadline derived from ctx
// fired before ctx itself noticed.
func contextError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
		return context.DeadlineExceeded
	}
	return err
}

// RefreshWorld fetches the tiles around the player, the visible entities and
// the bread count. The first refresh also enters the game.
func (s *Session) RefreshWorld(ctx context.Context) error {
	s.mu.RLock()
	entered := s.entered
	s.mu.RUnlock()

	commands := make([]command, 0, 4)
	if !entered {
		commands = append(commands, command{"commandName": "startPlaying"})
	}
	commands = append(commands,
		command{"commandName": "getTiles", "size": s.cfg.VisionSize},
		command{"commandName": "getEntities"},
		command{"commandName": "getInventoryChanges"},
	)

	r, err := s.roundTrip(ctx, commands)
	if err != nil {
		return fmt.Errorf("refresh %s: %w", s.creds.Username, err)
	}
	s.apply(r.CommandList)
	return nil
}

func (s *Session) apply(cmds []serverCommand) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var origin *position
	var players []position
	for _, c := range cmds {
		switch c.CommandName {
		case "setLocalPlayerInfo":
			s.entered = true
			if c.BreadCount != nil {
				s.breadCount = *c.BreadCount
			}
			if c.Avatar != nil {
				s.avatar = *c.Avatar
			}
		case "setTiles":
			s.world.FillSquare(c.Size, c.TileList)
			if c.Pos != nil {
				center := c.Size / 2
				origin = &position{X: c.Pos.X + center, Y: c.Pos.Y + center}
			}
		case "addEntity":
			e := c.EntityInfo
			if e == nil || e.ClassName != "Player" || e.Pos == nil || e.Username == s.creds.Username {
				continue
			}
			players = append(players, *e.Pos)
		}
	}

	// Entity positions are absolute; they can only be placed relative to
	// the player when the tile window reported where it starts.
	if origin == nil {
		return
	}
	for _, p := range players {
		off := game.Offset{X: p.X - origin.X, Y: p.Y - origin.Y}
		if _, visible := s.world[off]; visible {
			s.world[off] = game.EnemyTileID
		}
	}
}

// Perform sends one action and waits for the server to accept it.
func (s *Session) Perform(ctx context.Context, a game.Action) error {
	if !a.Valid() {
		return fmt.Errorf("perform %s: invalid action %d", s.creds.Username, int(a))
	}
	name, dir, hasDir := a.Command()
	cmd := command{"commandName": name}
	if hasDir {
		cmd["direction"] = int(dir)
	}
	if _, err := s.roundTrip(ctx, []command{cmd}); err != nil {
		return fmt.Errorf("perform %s %s: %w", s.creds.Username, a, err)
	}
	return nil
}

// World returns a copy of the view from the last refresh.
func (s *Session) World() game.World {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.world.Clone()
}

// Score is the player's bread count.
func (s *Session) Score() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return float64(s.breadCount)
}

// OwnerColor is the avatar colour used for this player's trail.
func (s *Session) OwnerColor() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.avatar
}

// Username is the account name the session logged in with.
func (s *Session) Username() string { return s.creds.Username }

// Close sends a close frame and closes the websocket. Later round trips
// fail with ErrClosed.
func (s *Session) Close() error {
	s.rt.Lock()
	defer s.rt.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.conn == nil {
		return nil
	}
	conn := s.conn
	s.conn = nil
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return conn.Close()
}
