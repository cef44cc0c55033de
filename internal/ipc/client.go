package ipc

import (
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"
)

// Client provides RPC access to the daemon.
type Client struct {
	conn   net.Conn
	client *rpc.Client
}

// Dial connects to the IPC server at the given socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) call(method string, req, resp any) error {
	return c.client.Call(serviceName+"."+method, req, resp)
}

// Status retrieves the daemon status.
func (c *Client) Status() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.call("Status", StatusRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SourceList lists live sources.
func (c *Client) SourceList() (*SourceListResponse, error) {
	var resp SourceListResponse
	if err := c.call("SourceList", SourceListRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SourceAdd creates a source.
func (c *Client) SourceAdd(req SourceAddRequest) (*SourceResponse, error) {
	var resp SourceResponse
	if err := c.call("SourceAdd", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SourceUpdate replaces a source's editable fields.
func (c *Client) SourceUpdate(req SourceUpdateRequest) (*SourceResponse, error) {
	var resp SourceResponse
	if err := c.call("SourceUpdate", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SourceEnable enables or disables polling of a source.
func (c *Client) SourceEnable(req SourceEnableRequest) (*SourceResponse, error) {
	var resp SourceResponse
	if err := c.call("SourceEnable", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SourceRemove soft-deletes a source.
func (c *Client) SourceRemove(req SourceRemoveRequest) (*SourceRemoveResponse, error) {
	var resp SourceRemoveResponse
	if err := c.call("SourceRemove", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SourceRun queues an immediate fetch of a source.
func (c *Client) SourceRun(req SourceRunRequest) (*SourceRunResponse, error) {
	var resp SourceRunResponse
	if err := c.call("SourceRun", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RuleList lists rules.
func (c *Client) RuleList() (*RuleListResponse, error) {
	var resp RuleListResponse
	if err := c.call("RuleList", RuleListRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RuleAdd stores a new rule.
func (c *Client) RuleAdd(req RuleAddRequest) (*RuleResponse, error) {
	var resp RuleResponse
	if err := c.call("RuleAdd", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RuleShow returns a rule and its code.
func (c *Client) RuleShow(req RuleShowRequest) (*RuleShowResponse, error) {
	var resp RuleShowResponse
	if err := c.call("RuleShow", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RuleUpdate edits a rule.
func (c *Client) RuleUpdate(req RuleUpdateRequest) (*RuleResponse, error) {
	var resp RuleResponse
	if err := c.call("RuleUpdate", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RuleRemove deletes a rule.
func (c *Client) RuleRemove(req RuleRemoveRequest) (*RuleRemoveResponse, error) {
	var resp RuleRemoveResponse
	if err := c.call("RuleRemove", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DownloadList lists downloads.
func (c *Client) DownloadList(req DownloadListRequest) (*DownloadListResponse, error) {
	var resp DownloadListResponse
	if err := c.call("DownloadList", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DownloadShow returns one download with live progress.
func (c *Client) DownloadShow(req DownloadShowRequest) (*DownloadResponse, error) {
	var resp DownloadResponse
	if err := c.call("DownloadShow", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DownloadAdd starts a manual download.
func (c *Client) DownloadAdd(req DownloadAddRequest) (*DownloadResponse, error) {
	var resp DownloadResponse
	if err := c.call("DownloadAdd", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DownloadPause pauses a download.
func (c *Client) DownloadPause(req DownloadControlRequest) (*DownloadResponse, error) {
	var resp DownloadResponse
	if err := c.call("DownloadPause", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DownloadResume resumes a paused download.
func (c *Client) DownloadResume(req DownloadControlRequest) (*DownloadResponse, error) {
	var resp DownloadResponse
	if err := c.call("DownloadResume", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DownloadRemove deletes downloads.
func (c *Client) DownloadRemove(req DownloadRemoveRequest) (*DownloadRemoveResponse, error) {
	var resp DownloadRemoveResponse
	if err := c.call("DownloadRemove", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FetchLogs returns recent fetch logs.
func (c *Client) FetchLogs(req FetchLogsRequest) (*FetchLogsResponse, error) {
	var resp FetchLogsResponse
	if err := c.call("FetchLogs", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RuleErrors returns recent rule errors.
func (c *Client) RuleErrors(req RuleErrorsRequest) (*RuleErrorsResponse, error) {
	var resp RuleErrorsResponse
	if err := c.call("RuleErrors", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TestNotification sends a test notification.
func (c *Client) TestNotification() (*TestNotificationResponse, error) {
	var resp TestNotificationResponse
	if err := c.call("TestNotification", TestNotificationRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LogTail returns daemon log lines.
func (c *Client) LogTail(req LogTailRequest) (*LogTailResponse, error) {
	var resp LogTailResponse
	if err := c.call("LogTail", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
