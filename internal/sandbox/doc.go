// Package sandbox compiles and runs user-supplied rule code.
//
// A rule module default-exports an object with optional validate and describe
// hooks and an optional static meta object. Each compiled rule owns a fresh
// JavaScript runtime that exposes only the language builtins: no module
// loader, timers, network or filesystem. Values cross the boundary as JSON, so
// hooks receive and return copies, never shared references.
//
// Every hook call runs under a wall-clock timeout enforced by interrupting the
// runtime. The string builders repeat, padStart and padEnd refuse results
// longer than 8388608 characters; no other allocation limit exists. The number of live runtimes is bounded; Compile waits for a free
// slot and VM.Release returns it.
package sandbox
