package swarm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/storage"

	"feedloom/internal/config"
	"feedloom/internal/downloader"
	"feedloom/internal/logging"
	"feedloom/internal/services"
)

const (
	pollInterval     = time.Second
	maxTorrentFileSz = 10 << 20
)

// Adapter is the embedded swarm download backend.
type Adapter struct {
	cfg             config.Swarm
	downloadDir     string
	trackers        []string
	metainfoTimeout time.Duration
	httpClient      *http.Client
	logger          *slog.Logger

	mu     sync.Mutex
	client *torrent.Client
	tasks  map[int64]*task
	closed bool
	wg     sync.WaitGroup
}

// New builds a swarm adapter. The engine starts on Initialize.
func New(cfg *config.Config, logger *slog.Logger) (downloader.Adapter, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Adapter{
		cfg:             cfg.Swarm,
		downloadDir:     cfg.Paths.DownloadDir,
		trackers:        append([]string(nil), cfg.Downloader.Trackers...),
		metainfoTimeout: cfg.MetainfoTimeout(),
		httpClient:      &http.Client{Timeout: cfg.FetchTimeout()},
		logger:          logging.NewComponentLogger(logger, "swarm").With(logging.String(logging.FieldBackend, Name)),
		tasks:           make(map[int64]*task),
	}, nil
}

// Name implements downloader.Adapter.
func (a *Adapter) Name() string { return Name }

// Initialize starts the engine. It is idempotent.
func (a *Adapter) Initialize(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.New("swarm adapter closed")
	}
	if a.client != nil {
		return nil
	}
	clientCfg := torrent.NewDefaultClientConfig()
	clientCfg.DataDir = a.downloadDir
	clientCfg.ListenPort = a.cfg.ListenPort
	clientCfg.NoUpload = a.cfg.NoUpload
	clientCfg.Seed = a.cfg.Seed
	clientCfg.NoDHT = a.cfg.DisableDHT
	clientCfg.NoDefaultPortForwarding = true

	client, err := torrent.NewClient(clientCfg)
	if err != nil {
		return services.Wrap(services.ErrAdapterUnavailable, "swarm", "start engine", "", err)
	}
	a.client = client
	a.logger.Info("swarm engine started", logging.Int("listen_port", a.cfg.ListenPort), logging.Bool("dht", !a.cfg.DisableDHT))
	return nil
}

// Ready implements downloader.Adapter.
func (a *Adapter) Ready() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client != nil && !a.closed
}

// CreateTask implements downloader.Adapter.
func (a *Adapter) CreateTask(ctx context.Context, req downloader.TaskRequest) (downloader.Task, error) {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return nil, services.Wrap(services.ErrAdapterUnavailable, "swarm", "create task", "engine not started", nil)
	}

	spec, err := a.specFor(ctx, req.URL)
	if err != nil {
		return nil, err
	}
	dir := req.SaveDir
	if dir == "" {
		dir = a.downloadDir
	}
	files := storage.NewFile(dir)
	spec.Storage = files
	if len(a.trackers) > 0 {
		spec.Trackers = append(spec.Trackers, a.trackers)
	}

	tor, isNew, err := client.AddTorrentSpec(spec)
	if err != nil {
		_ = files.Close()
		return nil, fmt.Errorf("swarm add torrent: %w", err)
	}
	if !isNew {
		_ = files.Close()
		return nil, fmt.Errorf("swarm: torrent %s is already active", spec.InfoHash.HexString())
	}

	t := &task{
		id:      req.ID,
		adapter: a,
		torrent: tor,
		storage: files,
		saveDir: dir,
		emitter: downloader.NewEmitter().WithLogger(a.logger.With(logging.Int64(logging.FieldItemID, req.ID))),
		stop:    make(chan struct{}),
	}
	a.mu.Lock()
	a.tasks[req.ID] = t
	a.mu.Unlock()

	a.wg.Add(1)
	go a.watch(t)
	a.logger.Debug("swarm task added",
		logging.Int64(logging.FieldItemID, req.ID),
		logging.String("info_hash", spec.InfoHash.HexString()),
	)
	return t, nil
}

func (a *Adapter) specFor(ctx context.Context, raw string) (*torrent.TorrentSpec, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(strings.ToLower(raw), "magnet:") {
		spec, err := torrent.TorrentSpecFromMagnetUri(raw)
		if err != nil {
			return nil, services.Wrap(services.ErrValidation, "swarm", "parse magnet", "", err)
		}
		return spec, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, services.Wrap(services.ErrValidation, "swarm", "create task", fmt.Sprintf("unsupported url %q", raw), err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("swarm: build request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("swarm: fetch torrent file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("swarm: fetch torrent file: status %d", resp.StatusCode)
	}
	mi, err := metainfo.Load(io.LimitReader(resp.Body, maxTorrentFileSz))
	if err != nil {
		return nil, fmt.Errorf("swarm: parse torrent file: %w", err)
	}
	spec, err := torrent.TorrentSpecFromMetaInfoErr(mi)
	if err != nil {
		return nil, fmt.Errorf("swarm: torrent spec: %w", err)
	}
	return spec, nil
}

// watch waits for metadata, downloads everything and emits the outcome.
func (a *Adapter) watch(t *task) {
	defer a.wg.Done()

	timer := time.NewTimer(a.metainfoTimeout)
	defer timer.Stop()
	select {
	case <-t.torrent.GotInfo():
	case <-timer.C:
		if t.emitter.Failed(fmt.Sprintf("no metadata received within %s", a.metainfoTimeout)) {
			a.release(t)
		}
		return
	case <-t.stop:
		return
	}

	t.torrent.DownloadAll()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
		}
		length := t.torrent.Length()
		if length <= 0 || t.torrent.BytesCompleted() < length {
			continue
		}
		a.complete(t)
		return
	}
}

func (a *Adapter) complete(t *task) {
	var paths []string
	for _, f := range t.torrent.Files() {
		paths = append(paths, filepath.Join(t.saveDir, filepath.FromSlash(f.Path())))
	}
	files, err := downloader.CollectFiles(paths)
	if err != nil {
		if t.emitter.Failed(err.Error()) {
			a.release(t)
		}
		return
	}
	if !t.emitter.Done(files) {
		return
	}
	if a.cfg.Seed {
		a.forget(t)
		return
	}
	a.release(t)
}

// release drops the torrent from the engine and forgets the task.
func (a *Adapter) release(t *task) {
	t.stopOnce.Do(func() { close(t.stop) })
	t.torrent.Drop()
	_ = t.storage.Close()
	a.forget(t)
}

func (a *Adapter) forget(t *task) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tasks[t.id] == t {
		delete(a.tasks, t.id)
	}
}

// State implements downloader.Adapter.
func (a *Adapter) State(_ context.Context, handle downloader.Task) (downloader.State, error) {
	t, ok := handle.(*task)
	if !ok {
		return downloader.State{}, fmt.Errorf("swarm: foreign task %T", handle)
	}
	return t.snapshot(), nil
}

// Close drops every task and stops the engine. It is safe to call more than once.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	client := a.client
	tasks := make([]*task, 0, len(a.tasks))
	for _, t := range a.tasks {
		tasks = append(tasks, t)
	}
	a.mu.Unlock()

	for _, t := range tasks {
		t.stopOnce.Do(func() { close(t.stop) })
	}
	a.wg.Wait()
	for _, t := range tasks {
		_ = t.storage.Close()
	}
	if client == nil {
		return nil
	}
	return errors.Join(client.Close()...)
}

