// Package subscription manages sources and rules on behalf of the API and
// CLI surfaces.
//
// Source edits are validated (URL, cron expression, attached rules) before
// anything is persisted, and every successful write reinstalls the source's
// schedule. Rule code is checked in the sandbox on save and stored as a
// content-addressed file under the rules directory; the file is removed when
// the last rule referencing its hash is deleted.
package subscription
