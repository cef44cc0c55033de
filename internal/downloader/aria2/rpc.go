package aria2

import (
	"encoding/json"
	"fmt"
	"strconv"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("aria2 error %d: %s", e.Code, e.Message)
}

// envelope is any frame read from the socket: a response carries an id, a
// notification carries a method.
type envelope struct {
	ID     *string         `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type notification struct {
	Method string
	GID    string
}

type gidEvent struct {
	GID string `json:"gid"`
}

func parseNotification(env envelope) (notification, error) {
	var params []gidEvent
	if err := json.Unmarshal(env.Params, &params); err != nil {
		return notification{}, fmt.Errorf("decode params: %w", err)
	}
	if len(params) == 0 || params[0].GID == "" {
		return notification{}, fmt.Errorf("missing gid")
	}
	return notification{Method: env.Method, GID: params[0].GID}, nil
}

type statusFile struct {
	Path     string `json:"path"`
	Length   string `json:"length"`
	Selected string `json:"selected"`
}

type status struct {
	GID             string       `json:"gid"`
	Status          string       `json:"status"`
	TotalLength     string       `json:"totalLength"`
	CompletedLength string       `json:"completedLength"`
	DownloadSpeed   string       `json:"downloadSpeed"`
	ErrorCode       string       `json:"errorCode"`
	ErrorMessage    string       `json:"errorMessage"`
	FollowedBy      []string     `json:"followedBy"`
	Following       string       `json:"following"`
	BelongsTo       string       `json:"belongsTo"`
	Dir             string       `json:"dir"`
	Files           []statusFile `json:"files"`
}

var statusKeys = []string{
	"gid", "status", "totalLength", "completedLength", "downloadSpeed",
	"errorCode", "errorMessage", "followedBy", "following", "belongsTo", "dir", "files",
}

func (s status) selectedPaths() []string {
	paths := make([]string, 0, len(s.Files))
	for _, f := range s.Files {
		if f.Path == "" || f.Selected == "false" {
			continue
		}
		paths = append(paths, f.Path)
	}
	return paths
}

func (s status) failureReason() string {
	switch {
	case s.ErrorMessage != "":
		return s.ErrorMessage
	case s.ErrorCode != "" && s.ErrorCode != "0":
		return "aria2 error code " + s.ErrorCode
	default:
		return "download failed"
	}
}

func parseInt(value string) int64 {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
