// Command feedloom is the CLI for the feedloom subscription download daemon.
//
// Every management command talks to a running daemon over its JSON-RPC Unix
// socket; `feedloom start` launches one in the background and the hidden
// `feedloom daemon` command runs it in the foreground. Output is rendered as
// tables by default, or JSON with --json where supported.
package main
