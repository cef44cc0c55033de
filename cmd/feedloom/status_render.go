package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

const (
	statusLabelWidth = 18
	statusIndent     = "  "
)

var kindStyles = map[statusKind]struct{ label, color string }{
	statusInfo:  {"INFO", ansiBlue},
	statusOK:    {"OK", ansiGreen},
	statusWarn:  {"WARN", ansiYellow},
	statusError: {"ERROR", ansiRed},
}

// downloadKinds maps download statuses to display severity; unlisted
// statuses render as info.
var downloadKinds = map[string]statusKind{
	"SUCCESS": statusOK,
	"PAUSED":  statusWarn,
	"FAILED":  statusError,
}

// statusPrinter writes aligned "label: [KIND] message" lines, colored when
// the destination is a terminal.
type statusPrinter struct {
	w        io.Writer
	colorize bool
}

func newStatusPrinter(w io.Writer) *statusPrinter {
	return &statusPrinter{w: w, colorize: shouldColorize(w)}
}

func (p *statusPrinter) line(label string, kind statusKind, message string) {
	fmt.Fprintln(p.w, renderStatusLine(label, kind, message, p.colorize))
}

func (p *statusPrinter) info(label, message string) {
	p.line(label, statusInfo, message)
}

func (p *statusPrinter) section(title string) {
	heading := "== " + strings.TrimSpace(title) + " =="
	underline := strings.Repeat("-", len(heading))
	if p.colorize {
		heading = ansiBlue + heading + ansiReset
		underline = ansiBlue + underline + ansiReset
	}
	fmt.Fprintln(p.w, heading)
	fmt.Fprintln(p.w, underline)
}

func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	style := kindStyles[kind]
	text := "[" + style.label + "]"
	if message != "" {
		text += " " + message
	}
	line := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", text)
	if colorize && style.color != "" {
		return style.color + line + ansiReset
	}
	return line
}

func downloadStatusKind(status string) statusKind {
	return downloadKinds[status]
}

func colorStatus(status string, colorize bool) string {
	if !colorize {
		return status
	}
	return kindStyles[downloadStatusKind(status)].color + status + ansiReset
}

func shouldColorize(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(file.Fd()) || isatty.IsCygwinTerminal(file.Fd())
}
