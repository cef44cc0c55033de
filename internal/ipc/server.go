package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"sync"
	"time"

	"feedloom/internal/api"
	"feedloom/internal/daemon"
	"feedloom/internal/logging"
	"feedloom/internal/logs"
	"feedloom/internal/orchestrator"
	"feedloom/internal/store"
	"feedloom/internal/subscription"
)

// Server exposes daemon control via JSON-RPC over a Unix domain socket.
type Server struct {
	path      string
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer configures the IPC server at the given socket path.
func NewServer(ctx context.Context, path string, d *daemon.Daemon, logger *slog.Logger) (*Server, error) {
	if d == nil {
		return nil, errors.New("ipc server requires daemon")
	}
	logger = logging.NewComponentLogger(logger, "ipc")

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	rpcServer := rpc.NewServer()
	srv := &service{daemon: d, subs: d.Subscriptions(), logger: logger, ctx: ctx}
	if err := rpcServer.RegisterName(serviceName, srv); err != nil {
		listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	return &Server{
		path:      path,
		logger:    logger,
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
	}, nil
}

// Serve starts accepting RPC connections until the context is canceled.
func (s *Server) Serve() {
	s.logger.Debug("IPC server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				logging.WarnWithContext(s.logger, "accept failed", "ipc_accept_failed",
					logging.Error(err),
					logging.String(logging.FieldImpact, "IPC clients may fail to connect"),
					logging.String(logging.FieldErrorHint, "check socket permissions and restart the daemon if needed"))
				continue
			}
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
}

// Close stops the server and removes the socket file. Connected clients are
// served until they disconnect.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		logging.WarnWithContext(s.logger, "failed to remove socket", "ipc_socket_cleanup_failed",
			logging.String("socket", s.path),
			logging.Error(err),
			logging.String(logging.FieldImpact, "stale IPC socket may block future starts"),
			logging.String(logging.FieldErrorHint, "remove the socket file manually"))
	}
}

type service struct {
	daemon *daemon.Daemon
	subs   *subscription.Service
	logger *slog.Logger
	ctx    context.Context
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	resp.Status = s.daemon.Status(s.ctx)
	return nil
}

func (s *service) SourceList(_ SourceListRequest, resp *SourceListResponse) error {
	items, err := s.daemon.Sources(s.ctx)
	if err != nil {
		return err
	}
	resp.Items = items
	return nil
}

func (s *service) SourceAdd(req SourceAddRequest, resp *SourceResponse) error {
	src, err := s.subs.CreateSource(s.ctx, req.Source)
	if err != nil {
		return err
	}
	resp.Item = s.daemon.DescribeSource(src)
	return nil
}

func (s *service) SourceUpdate(req SourceUpdateRequest, resp *SourceResponse) error {
	src, err := s.subs.UpdateSource(s.ctx, req.ID, req.Source)
	if err != nil {
		return err
	}
	resp.Item = s.daemon.DescribeSource(src)
	return nil
}

func (s *service) SourceEnable(req SourceEnableRequest, resp *SourceResponse) error {
	src, err := s.subs.SetEnabled(s.ctx, req.ID, req.Enabled)
	if err != nil {
		return err
	}
	resp.Item = s.daemon.DescribeSource(src)
	return nil
}

func (s *service) SourceRemove(req SourceRemoveRequest, resp *SourceRemoveResponse) error {
	if err := s.subs.RemoveSource(s.ctx, req.ID); err != nil {
		return err
	}
	resp.Removed = true
	s.logger.Info("source removed via IPC",
		logging.String(logging.FieldEventType, "source_remove"),
		logging.Int64(logging.FieldSourceID, req.ID))
	return nil
}

func (s *service) SourceRun(req SourceRunRequest, resp *SourceRunResponse) error {
	queued, err := s.daemon.RunSource(s.ctx, req.ID)
	if err != nil {
		return err
	}
	resp.Queued = queued
	return nil
}

func (s *service) RuleList(_ RuleListRequest, resp *RuleListResponse) error {
	rules, err := s.subs.ListRules(s.ctx)
	if err != nil {
		return err
	}
	resp.Items = api.FromRules(rules)
	return nil
}

func (s *service) RuleAdd(req RuleAddRequest, resp *RuleResponse) error {
	rule, err := s.subs.AddRule(s.ctx, subscription.RuleInput{Name: req.Name, Series: req.Series, Code: req.Code})
	if err != nil {
		return err
	}
	resp.Item = api.FromRule(rule)
	return nil
}

func (s *service) RuleShow(req RuleShowRequest, resp *RuleShowResponse) error {
	rule, err := s.subs.GetRule(s.ctx, req.ID)
	if err != nil {
		return err
	}
	code, err := s.subs.ReadCode(s.ctx, req.ID)
	if err != nil {
		return err
	}
	resp.Item = api.FromRule(rule)
	resp.Code = code
	return nil
}

func (s *service) RuleUpdate(req RuleUpdateRequest, resp *RuleResponse) error {
	rule, err := s.subs.UpdateRule(s.ctx, req.ID, subscription.RuleUpdate{Name: req.Name, Series: req.Series, Code: req.Code})
	if err != nil {
		return err
	}
	resp.Item = api.FromRule(rule)
	return nil
}

func (s *service) RuleRemove(req RuleRemoveRequest, resp *RuleRemoveResponse) error {
	if err := s.subs.RemoveRule(s.ctx, req.ID); err != nil {
		return err
	}
	resp.Removed = true
	s.logger.Info("rule removed via IPC",
		logging.String(logging.FieldEventType, "rule_remove"),
		logging.Int64(logging.FieldRuleID, req.ID))
	return nil
}

func (s *service) DownloadList(req DownloadListRequest, resp *DownloadListResponse) error {
	statuses, err := parseStatuses(req.Statuses)
	if err != nil {
		return err
	}
	items, err := s.daemon.ListDownloads(s.ctx, orchestrator.Filter{
		Statuses: statuses,
		SourceID: req.SourceID,
		Limit:    req.Limit,
	})
	if err != nil {
		return err
	}
	resp.Items = api.FromDownloadItems(items)
	return nil
}

func (s *service) DownloadShow(req DownloadShowRequest, resp *DownloadResponse) error {
	item, err := s.daemon.DescribeDownload(s.ctx, req.ID)
	if err != nil {
		return err
	}
	resp.Item = item
	return nil
}

func (s *service) DownloadAdd(req DownloadAddRequest, resp *DownloadResponse) error {
	item, err := s.daemon.AddDownload(s.ctx, req.URL, req.Name)
	if err != nil {
		return err
	}
	resp.Item = api.FromDownloadItem(item)
	return nil
}

func (s *service) DownloadPause(req DownloadControlRequest, resp *DownloadResponse) error {
	item, err := s.daemon.PauseDownload(s.ctx, req.ID)
	if err != nil {
		return err
	}
	resp.Item = api.FromDownloadItem(item)
	return nil
}

func (s *service) DownloadResume(req DownloadControlRequest, resp *DownloadResponse) error {
	item, err := s.daemon.ResumeDownload(s.ctx, req.ID)
	if err != nil {
		return err
	}
	resp.Item = api.FromDownloadItem(item)
	return nil
}

func (s *service) DownloadRemove(req DownloadRemoveRequest, resp *DownloadRemoveResponse) error {
	statuses, err := parseStatuses(req.Statuses)
	if err != nil {
		return err
	}
	removed, err := s.daemon.RemoveDownloads(s.ctx, orchestrator.Filter{IDs: req.IDs, Statuses: statuses})
	if err != nil {
		return err
	}
	resp.Removed = removed
	s.logger.Info("downloads removed via IPC",
		logging.String(logging.FieldEventType, "download_remove"),
		logging.Int("removed_count", removed))
	return nil
}

func (s *service) FetchLogs(req FetchLogsRequest, resp *FetchLogsResponse) error {
	logs, err := s.daemon.FetchLogs(s.ctx, req.SourceID, req.Limit)
	if err != nil {
		return err
	}
	resp.Items = api.FromFetchLogs(logs)
	return nil
}

func (s *service) RuleErrors(req RuleErrorsRequest, resp *RuleErrorsResponse) error {
	logs, err := s.daemon.RuleErrors(s.ctx, req.RuleID, req.Limit)
	if err != nil {
		return err
	}
	resp.Items = api.FromRuleErrorLogs(logs)
	return nil
}

func (s *service) TestNotification(_ TestNotificationRequest, resp *TestNotificationResponse) error {
	sent, message, err := s.daemon.TestNotification(s.ctx)
	resp.Sent = sent
	resp.Message = message
	if err != nil {
		resp.Message = fmt.Sprintf("%s: %v", message, err)
	}
	return nil
}

func (s *service) LogTail(req LogTailRequest, resp *LogTailResponse) error {
	wait := time.Duration(req.WaitMillis) * time.Millisecond
	if wait <= 0 && req.Follow {
		wait = time.Second
	}
	ctx := s.ctx
	if req.Follow {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(s.ctx, wait+500*time.Millisecond)
		defer cancel()
	}
	result, err := logs.Tail(ctx, s.daemon.LogPath(), logs.TailOptions{
		Offset:    req.Offset,
		Limit:     req.Limit,
		Follow:    req.Follow,
		Wait:      wait,
		Component: req.Component,
	})
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	resp.Lines = result.Lines
	resp.Offset = result.Offset
	return nil
}

func parseStatuses(values []string) ([]store.Status, error) {
	statuses := make([]store.Status, 0, len(values))
	for _, value := range values {
		status, ok := store.ParseStatus(value)
		if !ok {
			return nil, fmt.Errorf("unknown download status %q", value)
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}
