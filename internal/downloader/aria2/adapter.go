package aria2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"feedloom/internal/config"
	"feedloom/internal/downloader"
	"feedloom/internal/logging"
	"feedloom/internal/services"
)

const (
	notifyBuffer      = 256
	maxLoggedFrameLen = 512
)

// Adapter is the aria2 download backend.
type Adapter struct {
	url            string
	secret         string
	downloadDir    string
	trackers       []string
	reconnect      time.Duration
	requestTimeout time.Duration
	logger         *slog.Logger
	dialer         *websocket.Dialer

	connMu  sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan envelope
	writeMu sync.Mutex

	tasksMu sync.RWMutex
	tasks   map[int64]*task
	gids    map[string]*task

	connected atomic.Bool
	notifyCh  chan notification
	lost      chan struct{}
	closeCh   chan struct{}
	closeOnce sync.Once
	startOnce sync.Once
	wg        sync.WaitGroup
}

// New builds an aria2 adapter from configuration. No connection is made until
// Initialize.
func New(cfg *config.Config, logger *slog.Logger) (downloader.Adapter, error) {
	return newAdapter(cfg, logger), nil
}

func newAdapter(cfg *config.Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = logging.NewNop()
	}
	requestTimeout := time.Duration(cfg.Aria2.RequestTimeoutSeconds) * time.Second
	return &Adapter{
		url:            cfg.Aria2.URL,
		secret:         cfg.Aria2.Secret,
		downloadDir:    cfg.Paths.DownloadDir,
		trackers:       append([]string(nil), cfg.Downloader.Trackers...),
		reconnect:      time.Duration(cfg.Aria2.ReconnectIntervalSeconds) * time.Second,
		requestTimeout: requestTimeout,
		logger:         logging.NewComponentLogger(logger, "aria2").With(logging.String(logging.FieldBackend, Name)),
		dialer:         &websocket.Dialer{HandshakeTimeout: requestTimeout},
		pending:        make(map[string]chan envelope),
		tasks:          make(map[int64]*task),
		gids:           make(map[string]*task),
		notifyCh:       make(chan notification, notifyBuffer),
		lost:           make(chan struct{}, 1),
		closeCh:        make(chan struct{}),
	}
}

// Name implements downloader.Adapter.
func (a *Adapter) Name() string { return Name }

// Ready implements downloader.Adapter.
func (a *Adapter) Ready() bool {
	return a.connected.Load() && !a.isClosed()
}

// Initialize connects to aria2 and verifies the RPC secret with getVersion.
func (a *Adapter) Initialize(ctx context.Context) error {
	if a.isClosed() {
		return errors.New("aria2 adapter closed")
	}
	if a.connected.Load() {
		return nil
	}
	version, err := a.connect(ctx)
	if err != nil {
		return err
	}
	a.startOnce.Do(func() {
		a.wg.Add(2)
		go a.notificationLoop()
		go a.keepConnected()
	})
	a.logger.Info("connected to aria2", logging.String("url", a.url), logging.String("version", version))
	return nil
}

func (a *Adapter) connect(ctx context.Context) (string, error) {
	conn, _, err := a.dialer.DialContext(ctx, a.url, nil)
	if err != nil {
		return "", services.Wrap(services.ErrAdapterUnavailable, "aria2", "dial", a.url, err)
	}
	a.attach(conn)

	var version struct {
		Version string `json:"version"`
	}
	if err := a.call(ctx, "aria2.getVersion", nil, &version); err != nil {
		a.detach(conn)
		return "", err
	}
	// readLoop may already have detached conn; connected must only ever
	// describe the attached connection.
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.conn != conn {
		return "", services.Wrap(services.ErrAdapterUnavailable, "aria2", "connect", "connection closed after handshake", nil)
	}
	a.connected.Store(true)
	return version.Version, nil
}

func (a *Adapter) attach(conn *websocket.Conn) {
	a.connMu.Lock()
	a.conn = conn
	a.connMu.Unlock()
	a.wg.Add(1)
	go a.readLoop(conn)
}

// detach drops conn and fails its in-flight calls. It reports whether conn
// was an established connection; detaching a replaced connection is a no-op.
func (a *Adapter) detach(conn *websocket.Conn) bool {
	wasConnected := false
	a.connMu.Lock()
	if a.conn == conn {
		a.conn = nil
		wasConnected = a.connected.Swap(false)
		for id, ch := range a.pending {
			close(ch)
			delete(a.pending, id)
		}
	}
	a.connMu.Unlock()
	_ = conn.Close()
	return wasConnected
}

func (a *Adapter) readLoop(conn *websocket.Conn) {
	defer a.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if a.detach(conn) && !a.isClosed() {
				logging.WarnWithContext(a.logger, "aria2 connection lost", "backend_disconnected",
					logging.Error(err),
					logging.Duration("reconnect_in", a.reconnect),
					logging.String(logging.FieldErrorHint, "aria2 may have restarted; the adapter reconnects automatically"),
				)
				select {
				case a.lost <- struct{}{}:
				default:
				}
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			a.logMalformed(err, data)
			continue
		}
		if env.ID != nil && env.Method == "" {
			a.connMu.Lock()
			if ch, ok := a.pending[*env.ID]; ok {
				ch <- env
				delete(a.pending, *env.ID)
			}
			a.connMu.Unlock()
			continue
		}
		if env.Method == "" {
			a.logMalformed(errors.New("frame has neither id nor method"), data)
			continue
		}
		n, err := parseNotification(env)
		if err != nil {
			a.logMalformed(err, data)
			continue
		}
		select {
		case a.notifyCh <- n:
		case <-a.closeCh:
			return
		}
	}
}

func (a *Adapter) keepConnected() {
	defer a.wg.Done()
	for {
		select {
		case <-a.closeCh:
			return
		case <-a.lost:
		}
		if a.connected.Load() {
			continue
		}
		for {
			select {
			case <-a.closeCh:
				return
			case <-time.After(a.reconnect):
			}
			ctx, cancel := context.WithTimeout(context.Background(), a.requestTimeout)
			_, err := a.connect(ctx)
			cancel()
			if err != nil {
				a.logger.Debug("aria2 reconnect failed", logging.Error(err))
				continue
			}
			a.logger.Info("reconnected to aria2", logging.String("url", a.url))
			a.resync()
			break
		}
	}
}

func (a *Adapter) notificationLoop() {
	defer a.wg.Done()
	for {
		select {
		case <-a.closeCh:
			return
		case n := <-a.notifyCh:
			a.handle(n)
		}
	}
}

// call performs one JSON-RPC request and decodes the result into out.
func (a *Adapter) call(ctx context.Context, method string, params []any, out any) error {
	a.connMu.Lock()
	conn := a.conn
	if conn == nil {
		a.connMu.Unlock()
		return services.Wrap(services.ErrAdapterUnavailable, "aria2", method, "not connected", nil)
	}
	id := uuid.NewString()
	ch := make(chan envelope, 1)
	a.pending[id] = ch
	a.connMu.Unlock()
	defer func() {
		a.connMu.Lock()
		delete(a.pending, id)
		a.connMu.Unlock()
	}()

	full := make([]any, 0, len(params)+1)
	if a.secret != "" {
		full = append(full, "token:"+a.secret)
	}
	full = append(full, params...)

	a.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(a.requestTimeout))
	err := conn.WriteJSON(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: full})
	a.writeMu.Unlock()
	if err != nil {
		return services.Wrap(services.ErrAdapterUnavailable, "aria2", method, "write request", err)
	}

	timer := time.NewTimer(a.requestTimeout)
	defer timer.Stop()
	select {
	case env, ok := <-ch:
		if !ok {
			return services.Wrap(services.ErrAdapterUnavailable, "aria2", method, "connection closed", nil)
		}
		if env.Error != nil {
			return env.Error
		}
		if out != nil && len(env.Result) > 0 {
			if err := json.Unmarshal(env.Result, out); err != nil {
				return fmt.Errorf("aria2 %s: decode result: %w", method, err)
			}
		}
		return nil
	case <-timer.C:
		return services.Wrap(services.ErrTimeout, "aria2", method, fmt.Sprintf("no response within %s", a.requestTimeout), nil)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) tellStatus(ctx context.Context, gid string) (status, error) {
	var st status
	err := a.call(ctx, "aria2.tellStatus", []any{gid, statusKeys}, &st)
	return st, err
}

// CreateTask implements downloader.Adapter.
func (a *Adapter) CreateTask(ctx context.Context, req downloader.TaskRequest) (downloader.Task, error) {
	opts := map[string]any{}
	dir := req.SaveDir
	if dir == "" {
		dir = a.downloadDir
	}
	if dir != "" {
		opts["dir"] = dir
	}
	if len(a.trackers) > 0 {
		opts["bt-tracker"] = strings.Join(a.trackers, ",")
	}

	a.tasksMu.Lock()
	defer a.tasksMu.Unlock()

	var gid string
	if err := a.call(ctx, "aria2.addUri", []any{[]string{req.URL}, opts}, &gid); err != nil {
		return nil, fmt.Errorf("aria2 addUri: %w", err)
	}
	emitter := downloader.NewEmitter().WithLogger(a.logger.With(logging.Int64(logging.FieldItemID, req.ID)))
	t := &task{id: req.ID, adapter: a, emitter: emitter, gids: []string{gid}}
	a.tasks[req.ID] = t
	a.gids[gid] = t
	a.logger.Debug("aria2 task added", logging.Int64(logging.FieldItemID, req.ID), logging.String("gid", gid))
	return t, nil
}

// State implements downloader.Adapter.
func (a *Adapter) State(ctx context.Context, handle downloader.Task) (downloader.State, error) {
	t, ok := handle.(*task)
	if !ok {
		return downloader.State{}, fmt.Errorf("aria2: foreign task %T", handle)
	}
	st, err := a.tellStatus(ctx, t.current())
	if err != nil {
		return downloader.State{}, err
	}
	state := downloader.State{
		TotalLength:     parseInt(st.TotalLength),
		CompletedLength: parseInt(st.CompletedLength),
		DownloadSpeed:   parseInt(st.DownloadSpeed),
	}
	if state.TotalLength > 0 {
		state.Progress = float64(state.CompletedLength) / float64(state.TotalLength)
	}
	return state, nil
}

// Close implements downloader.Adapter. It is safe to call more than once.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		close(a.closeCh)
		a.connMu.Lock()
		conn := a.conn
		a.connMu.Unlock()
		if conn != nil {
			a.detach(conn)
		}
		a.wg.Wait()
	})
	return nil
}

func (a *Adapter) isClosed() bool {
	select {
	case <-a.closeCh:
		return true
	default:
		return false
	}
}

func (a *Adapter) handle(n notification) {
	ctx, cancel := context.WithTimeout(context.Background(), a.requestTimeout)
	defer cancel()

	t := a.resolve(ctx, n.GID)
	if t == nil {
		a.logger.Debug("notification for untracked gid", logging.String("gid", n.GID), logging.String("method", n.Method))
		return
	}

	switch n.Method {
	case "aria2.onDownloadStart":
		t.emitter.Started()
	case "aria2.onDownloadPause":
		t.emitter.Paused()
	case "aria2.onDownloadStop":
		if t.emitter.Removed() {
			a.forget(t)
		}
	case "aria2.onDownloadComplete", "aria2.onBtDownloadComplete":
		a.complete(ctx, t, n.GID)
	case "aria2.onDownloadError":
		reason := "download failed"
		if st, err := a.tellStatus(ctx, n.GID); err == nil {
			reason = st.failureReason()
		}
		if t.emitter.Failed(reason) {
			a.forget(t)
		}
	default:
		logging.WarnWithContext(a.logger, "ignoring unknown aria2 notification", "backend_notification_invalid",
			logging.Error(services.Wrap(services.ErrBackendNotification, "aria2", "dispatch", n.Method, nil)),
			logging.String("gid", n.GID),
		)
	}
}

// complete handles a finished GID: metadata GIDs hand the task to their
// followers, payload GIDs end it.
func (a *Adapter) complete(ctx context.Context, t *task, gid string) {
	st, err := a.tellStatus(ctx, gid)
	if err != nil {
		logging.WarnWithContext(a.logger, "aria2 status lookup failed after completion", "backend_status_failed",
			logging.Error(err),
			logging.String("gid", gid),
			logging.Int64(logging.FieldItemID, t.id),
		)
		return
	}
	if len(st.FollowedBy) > 0 {
		a.tasksMu.Lock()
		for _, follower := range st.FollowedBy {
			a.gids[follower] = t
		}
		a.tasksMu.Unlock()
		t.follow(st.FollowedBy...)
		return
	}
	paths := st.selectedPaths()
	if isMetadataOnly(paths) {
		return
	}
	files, err := downloader.CollectFiles(paths)
	if err != nil {
		if t.emitter.Failed(err.Error()) {
			a.forget(t)
		}
		return
	}
	if t.emitter.Done(files) {
		a.forget(t)
	}
}

// resolve maps a GID to its task, consulting aria2 for the parent of a GID
// that was spawned before the adapter saw it.
func (a *Adapter) resolve(ctx context.Context, gid string) *task {
	a.tasksMu.RLock()
	t := a.gids[gid]
	a.tasksMu.RUnlock()
	if t != nil {
		return t
	}
	st, err := a.tellStatus(ctx, gid)
	if err != nil {
		return nil
	}
	for _, parent := range []string{st.Following, st.BelongsTo} {
		if parent == "" {
			continue
		}
		a.tasksMu.Lock()
		t = a.gids[parent]
		if t != nil {
			a.gids[gid] = t
		}
		a.tasksMu.Unlock()
		if t != nil {
			t.follow(gid)
			return t
		}
	}
	return nil
}

// resync reconciles every tracked task with aria2 after a reconnect.
func (a *Adapter) resync() {
	a.tasksMu.RLock()
	tasks := make([]*task, 0, len(a.tasks))
	for _, t := range a.tasks {
		tasks = append(tasks, t)
	}
	a.tasksMu.RUnlock()

	for _, t := range tasks {
		ctx, cancel := context.WithTimeout(context.Background(), a.requestTimeout)
		gid := t.current()
		st, err := a.tellStatus(ctx, gid)
		if err != nil {
			var rpcErr *rpcError
			if errors.As(err, &rpcErr) && t.emitter.Failed("download lost by aria2: "+rpcErr.Message) {
				a.forget(t)
			}
			cancel()
			continue
		}
		switch st.Status {
		case "complete":
			a.complete(ctx, t, gid)
		case "error":
			if t.emitter.Failed(st.failureReason()) {
				a.forget(t)
			}
		case "removed":
			if t.emitter.Removed() {
				a.forget(t)
			}
		case "paused":
			t.emitter.Paused()
		case "active", "waiting":
			t.emitter.Started()
		}
		cancel()
	}
}

func (a *Adapter) forget(t *task) {
	a.tasksMu.Lock()
	defer a.tasksMu.Unlock()
	if a.tasks[t.id] == t {
		delete(a.tasks, t.id)
	}
	for _, gid := range t.allGIDs() {
		if a.gids[gid] == t {
			delete(a.gids, gid)
		}
	}
}

func (a *Adapter) logMalformed(err error, frame []byte) {
	payload := string(frame)
	if len(payload) > maxLoggedFrameLen {
		payload = payload[:maxLoggedFrameLen] + "..."
	}
	logging.WarnWithContext(a.logger, "ignoring malformed aria2 frame", "backend_notification_invalid",
		logging.Error(services.Wrap(services.ErrBackendNotification, "aria2", "parse frame", "", err)),
		logging.String("payload", payload),
	)
}

func isMetadataOnly(paths []string) bool {
	if len(paths) == 0 {
		return false
	}
	for _, p := range paths {
		base := p[strings.LastIndex(p, "/")+1:]
		if !strings.HasPrefix(base, "[METADATA]") {
			return false
		}
	}
	return true
}
