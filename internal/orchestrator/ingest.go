package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"feedloom/internal/downloader"
	"feedloom/internal/feed"
	"feedloom/internal/logging"
	"feedloom/internal/sandbox"
	"feedloom/internal/store"
)

// Ingestor receives the media files of completed downloads.
type Ingestor interface {
	Ingest(ctx context.Context, itemID int64, file sandbox.File, desc *sandbox.Descriptor) (*store.Media, error)
	UpsertSeriesEpisode(ctx context.Context, series string, episode float64, media *store.Media, overwrite bool) error
}

const (
	hookCompile  = "compile"
	hookDescribe = "describe"
)

func (o *Orchestrator) ingest(ctx context.Context, logger *slog.Logger, item *store.DownloadItem, files []downloader.File) {
	media := o.mediaFiles(logger, files)
	if len(media) == 0 {
		logger.Info("no media files to ingest",
			logging.Args(logging.DecisionAttrs("media_filter", "skipped", "no file matched media_mime_prefixes")...)...,
		)
		return
	}

	var entry feed.Entry
	if item.EntryJSON != "" {
		if err := json.Unmarshal([]byte(item.EntryJSON), &entry); err != nil {
			logger.Warn("stored feed entry unreadable", logging.Error(err))
		}
	}

	var (
		vm   *sandbox.VM
		rule *store.Rule
	)
	if item.RuleID != 0 {
		vm, rule = o.compileRule(ctx, logger, item)
		if vm != nil {
			defer vm.Release()
		}
	}

	paths := make([]string, 0, len(files))
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	dctx := sandbox.DescribeContext{
		ItemID:   item.ID,
		Name:     item.Name,
		URL:      item.URL,
		SaveDir:  item.SaveDir,
		SourceID: item.SourceID,
		RuleID:   item.RuleID,
		Files:    paths,
	}

	for _, file := range media {
		var desc *sandbox.Descriptor
		if vm.HasDescribe() {
			d, err := vm.Describe(ctx, entry, file, dctx)
			if err != nil {
				o.recordRuleError(ctx, logger, item, hookDescribe, err)
			} else {
				desc = d
			}
		}
		if desc != nil && desc.Series == "" && rule != nil {
			desc.Series = rule.Series
		}

		record, err := o.ingestor.Ingest(ctx, item.ID, file, desc)
		if err != nil {
			logging.ErrorWithContext(logger, "media ingestion failed", "ingest_failed",
				logging.Error(err),
				logging.String("path", file.Path),
				logging.String(logging.FieldErrorHint, "check library_dir permissions and free space"),
			)
			continue
		}
		if !desc.HasEpisode() {
			continue
		}
		if err := o.ingestor.UpsertSeriesEpisode(ctx, desc.Series, *desc.Episode, record, desc.OverwriteEpisode); err != nil {
			logging.ErrorWithContext(logger, "episode link failed", "episode_link_failed",
				logging.Error(err),
				logging.String("series", desc.Series),
			)
		}
	}
}

// mediaFiles keeps files whose sniffed content type, or any parent type,
// matches a configured media prefix.
func (o *Orchestrator) mediaFiles(logger *slog.Logger, files []downloader.File) []sandbox.File {
	out := make([]sandbox.File, 0, len(files))
	for _, f := range files {
		mt, err := mimetype.DetectFile(f.Path)
		if err != nil {
			logger.Warn("content type detection failed", logging.String("path", f.Path), logging.Error(err))
			continue
		}
		if !o.isMedia(mt) {
			logger.Debug("non-media file skipped", logging.String("path", f.Path), logging.String("mime_type", mt.String()))
			continue
		}
		out = append(out, sandbox.File{
			Path:     f.Path,
			Name:     filepath.Base(f.Path),
			Size:     f.Size,
			MimeType: mt.String(),
			Hash:     f.Hash,
		})
	}
	return out
}

func (o *Orchestrator) isMedia(mt *mimetype.MIME) bool {
	for m := mt; m != nil; m = m.Parent() {
		for _, prefix := range o.cfg.Downloader.MediaMIMEPrefixes {
			if strings.HasPrefix(m.String(), prefix) {
				return true
			}
		}
	}
	return false
}

// compileRule loads the rule attached to item. The rule is compiled afresh so
// edits made while the download ran take effect.
func (o *Orchestrator) compileRule(ctx context.Context, logger *slog.Logger, item *store.DownloadItem) (*sandbox.VM, *store.Rule) {
	rule, err := o.store.GetRule(ctx, item.RuleID)
	if err != nil {
		logger.Warn("load rule for describe failed", logging.Int64(logging.FieldRuleID, item.RuleID), logging.Error(err))
		return nil, nil
	}
	if rule == nil {
		logger.Info("rule deleted before completion; ingesting without descriptor",
			logging.Int64(logging.FieldRuleID, item.RuleID),
		)
		return nil, nil
	}
	vm, err := o.sandbox.CompileFile(ctx, rule.CodePath)
	if err != nil {
		o.recordRuleError(ctx, logger, item, hookCompile, err)
		return nil, rule
	}
	return vm, rule
}

func (o *Orchestrator) recordRuleError(ctx context.Context, logger *slog.Logger, item *store.DownloadItem, hook string, hookErr error) {
	logging.WarnWithContext(logger, "rule hook failed", "rule_hook_failed",
		logging.Int64(logging.FieldRuleID, item.RuleID),
		logging.String("hook", hook),
		logging.Error(hookErr),
		logging.String(logging.FieldErrorHint, "fix the rule code; see rule error logs"),
		logging.String(logging.FieldImpact, "file ingested without a descriptor"),
	)
	_, err := o.store.CreateRuleErrorLog(ctx, store.RuleErrorLog{
		RuleID:         item.RuleID,
		SourceID:       item.SourceID,
		FetchLogID:     item.FetchLogID,
		DownloadItemID: item.ID,
		Hook:           hook,
		EntryJSON:      item.EntryJSON,
		Error:          hookErr.Error(),
	})
	if err != nil {
		logger.Error("record rule error failed", logging.Error(err))
	}
}
