package logs

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const (
	chunkSize    = 32 * 1024
	maxLineBytes = 1024 * 1024
	pollInterval = 250 * time.Millisecond
)

// TailOptions controls one Tail call. A negative Offset reads the last Limit
// lines; otherwise reading resumes at Offset.
type TailOptions struct {
	Offset    int64
	Limit     int
	Follow    bool
	Wait      time.Duration
	Component string
}

// TailResult holds the lines read and the offset to resume from.
type TailResult struct {
	Lines  []string
	Offset int64
}

// Tail reads lines from the log file at path. A missing file yields no lines.
func Tail(ctx context.Context, path string, opts TailOptions) (TailResult, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return TailResult{}, nil
	}
	if err != nil {
		return TailResult{}, fmt.Errorf("stat log file: %w", err)
	}
	if info.IsDir() {
		return TailResult{}, fmt.Errorf("log path %q is a directory", path)
	}

	var result TailResult
	if opts.Offset < 0 {
		result, err = lastLines(path, info.Size(), opts.Limit, opts.Component)
	} else {
		offset := opts.Offset
		// A shrunken file was rotated or truncated; start over.
		if offset > info.Size() {
			offset = 0
		}
		result, err = readFrom(path, offset, opts.Component)
	}
	if err != nil || !opts.Follow || len(result.Lines) > 0 || opts.Wait <= 0 {
		return result, err
	}
	return poll(ctx, path, result.Offset, opts.Wait, opts.Component)
}

// lastLines scans backwards from the end of the file in fixed chunks until
// it has collected limit matching lines or reached the start.
func lastLines(path string, size int64, limit int, component string) (TailResult, error) {
	result := TailResult{Offset: size}
	if limit <= 0 || size == 0 {
		return result, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return result, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	var (
		collected []string
		carry     []byte
		pos       = size
	)
	for pos > 0 && len(collected) < limit {
		n := int64(chunkSize)
		if pos < n {
			n = pos
		}
		pos -= n
		buf := make([]byte, n, int(n)+len(carry))
		if _, err := file.ReadAt(buf, pos); err != nil && !errors.Is(err, io.EOF) {
			return result, fmt.Errorf("read log file: %w", err)
		}
		buf = append(buf, carry...)

		parts := bytes.Split(buf, []byte{'\n'})
		// The first part may continue in the previous chunk.
		carry = parts[0]
		if len(carry) > maxLineBytes {
			carry = carry[len(carry)-maxLineBytes:]
		}
		for i := len(parts) - 1; i >= 1 && len(collected) < limit; i-- {
			if line := string(parts[i]); keep(line, component) {
				collected = append(collected, line)
			}
		}
	}
	if pos == 0 && len(collected) < limit && keep(string(carry), component) {
		collected = append(collected, string(carry))
	}

	for i, j := 0, len(collected)-1; i < j; i, j = i+1, j-1 {
		collected[i], collected[j] = collected[j], collected[i]
	}
	result.Lines = collected
	return result, nil
}

func readFrom(path string, offset int64, component string) (TailResult, error) {
	result := TailResult{Offset: offset}
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return TailResult{}, nil
		}
		return result, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return result, fmt.Errorf("seek log file: %w", err)
	}

	reader := bufio.NewReaderSize(file, chunkSize)
	for {
		line, err := reader.ReadString('\n')
		if errors.Is(err, io.EOF) {
			// Leave a partial trailing line for the next call.
			return result, nil
		}
		if err != nil {
			return result, fmt.Errorf("read log file: %w", err)
		}
		result.Offset += int64(len(line))
		if line = strings.TrimRight(line, "\r\n"); keep(line, component) {
			result.Lines = append(result.Lines, line)
		}
	}
}

func poll(ctx context.Context, path string, offset int64, wait time.Duration, component string) (TailResult, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	result := TailResult{Offset: offset}
	for {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-timer.C:
			return result, nil
		case <-ticker.C:
		}
		next, err := readFrom(path, result.Offset, component)
		if err != nil {
			return result, err
		}
		result = next
		if len(result.Lines) > 0 {
			return result, nil
		}
	}
}

// keep reports whether line is non-empty and, when component is set, was
// logged by that component in either the console or the JSON format.
func keep(line, component string) bool {
	if line == "" {
		return false
	}
	if component == "" {
		return true
	}
	return strings.Contains(line, " "+component+": ") ||
		strings.Contains(line, `"component":"`+component+`"`)
}
