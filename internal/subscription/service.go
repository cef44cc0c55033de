package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"

	"feedloom/internal/config"
	"feedloom/internal/logging"
	"feedloom/internal/sandbox"
	"feedloom/internal/scheduler"
	"feedloom/internal/services"
	"feedloom/internal/store"
)

var inputValidator = validator.New(validator.WithRequiredStructEnabled())

// Installer keeps source schedules in sync with stored sources.
type Installer interface {
	Install(src *store.Source) error
	Uninstall(sourceID int64) bool
}

// SourceInput carries user-editable source fields.
type SourceInput struct {
	URL     string  `json:"url" validate:"required,url"`
	Title   string  `json:"title,omitempty" validate:"max=256"`
	Remark  string  `json:"remark,omitempty" validate:"max=1024"`
	Cron    string  `json:"cron" validate:"required"`
	Enabled bool    `json:"enabled"`
	Owner   string  `json:"owner,omitempty" validate:"max=128"`
	RuleIDs []int64 `json:"rule_ids,omitempty" validate:"dive,gt=0"`
}

// RuleInput carries the code and labels of a new rule.
type RuleInput struct {
	Name   string `json:"name,omitempty" validate:"max=128"`
	Series string `json:"series,omitempty" validate:"max=256"`
	Code   string `json:"code" validate:"required"`
}

// RuleUpdate carries the edits to an existing rule. Nil fields keep their
// current value; an empty Series clears it.
type RuleUpdate struct {
	Name   *string `json:"name,omitempty" validate:"omitempty,max=128"`
	Series *string `json:"series,omitempty" validate:"omitempty,max=256"`
	Code   *string `json:"code,omitempty"`
}

// Service owns source and rule lifecycle.
type Service struct {
	cfg       *config.Config
	store     *store.Store
	sandbox   *sandbox.Sandbox
	scheduler Installer
	logger    *slog.Logger
}

// NewService wires the subscription service.
func NewService(cfg *config.Config, st *store.Store, sb *sandbox.Sandbox, sched Installer, logger *slog.Logger) *Service {
	if sb == nil {
		sb = sandbox.New(cfg, logger)
	}
	return &Service{
		cfg:       cfg,
		store:     st,
		sandbox:   sb,
		scheduler: sched,
		logger:    logging.NewComponentLogger(logger, "subscription"),
	}
}

// ListSources returns the sources that have not been deleted.
func (s *Service) ListSources(ctx context.Context) ([]*store.Source, error) {
	return s.store.ListSources(ctx, false)
}

// GetSource returns one live source.
func (s *Service) GetSource(ctx context.Context, id int64) (*store.Source, error) {
	src, err := s.store.GetSource(ctx, id)
	if err != nil {
		return nil, err
	}
	if src == nil || src.DeletedAt != nil {
		return nil, services.Wrap(services.ErrNotFound, "subscription", "get source", fmt.Sprintf("source %d", id), nil)
	}
	return src, nil
}

// CreateSource validates and stores a source, then installs its schedule.
func (s *Service) CreateSource(ctx context.Context, in SourceInput) (*store.Source, error) {
	in = in.normalized()
	if err := s.validateSource(ctx, in); err != nil {
		return nil, err
	}
	src, err := s.store.CreateSource(ctx, store.Source{
		URL:     in.URL,
		Title:   in.Title,
		Remark:  in.Remark,
		Cron:    in.Cron,
		Enabled: in.Enabled,
		Owner:   in.Owner,
		RuleIDs: in.RuleIDs,
	})
	if err != nil {
		return nil, fmt.Errorf("create source: %w", err)
	}
	if err := s.scheduler.Install(src); err != nil {
		return src, err
	}
	s.logger.Info("source created",
		logging.Int64(logging.FieldSourceID, src.ID),
		logging.String("url", src.URL),
		logging.String("cron", src.Cron),
		logging.Bool("enabled", src.Enabled),
	)
	return src, nil
}

// UpdateSource replaces the editable fields of a source. The schedule is
// reinstalled so cron and enabled changes take effect immediately.
func (s *Service) UpdateSource(ctx context.Context, id int64, in SourceInput) (*store.Source, error) {
	src, err := s.GetSource(ctx, id)
	if err != nil {
		return nil, err
	}
	in = in.normalized()
	if err := s.validateSource(ctx, in); err != nil {
		return nil, err
	}
	src.URL = in.URL
	src.Title = in.Title
	src.Remark = in.Remark
	src.Cron = in.Cron
	src.Enabled = in.Enabled
	src.Owner = in.Owner
	src.RuleIDs = in.RuleIDs
	if err := s.store.UpdateSource(ctx, src); err != nil {
		return nil, fmt.Errorf("update source: %w", err)
	}
	if err := s.scheduler.Install(src); err != nil {
		return src, err
	}
	s.logger.Info("source updated",
		logging.Int64(logging.FieldSourceID, src.ID),
		logging.String("cron", src.Cron),
		logging.Bool("enabled", src.Enabled),
	)
	return src, nil
}

// SetEnabled toggles polling for a source.
func (s *Service) SetEnabled(ctx context.Context, id int64, enabled bool) (*store.Source, error) {
	src, err := s.GetSource(ctx, id)
	if err != nil {
		return nil, err
	}
	in := sourceInputFrom(src)
	in.Enabled = enabled
	return s.UpdateSource(ctx, id, in)
}

// RemoveSource soft-deletes a source and tears down its schedule.
func (s *Service) RemoveSource(ctx context.Context, id int64) error {
	deleted, err := s.store.SoftDeleteSource(ctx, id)
	if err != nil {
		return fmt.Errorf("remove source: %w", err)
	}
	s.scheduler.Uninstall(id)
	if !deleted {
		return services.Wrap(services.ErrNotFound, "subscription", "remove source", fmt.Sprintf("source %d", id), nil)
	}
	s.logger.Info("source removed", logging.Int64(logging.FieldSourceID, id))
	return nil
}

func (s *Service) validateSource(ctx context.Context, in SourceInput) error {
	if err := inputValidator.Struct(in); err != nil {
		return validationError("validate source", err)
	}
	if !strings.HasPrefix(in.URL, "http://") && !strings.HasPrefix(in.URL, "https://") {
		return services.Wrap(services.ErrValidation, "subscription", "validate source", "url must use http or https", nil)
	}
	if err := scheduler.Validate(in.Cron); err != nil {
		return err
	}
	for _, ruleID := range in.RuleIDs {
		rule, err := s.store.GetRule(ctx, ruleID)
		if err != nil {
			return fmt.Errorf("load rule %d: %w", ruleID, err)
		}
		if rule == nil {
			return services.Wrap(services.ErrValidation, "subscription", "validate source", fmt.Sprintf("rule %d does not exist", ruleID), nil)
		}
	}
	return nil
}

func (in SourceInput) normalized() SourceInput {
	in.URL = strings.TrimSpace(in.URL)
	in.Title = strings.TrimSpace(in.Title)
	in.Remark = strings.TrimSpace(in.Remark)
	in.Cron = strings.TrimSpace(in.Cron)
	in.Owner = strings.TrimSpace(in.Owner)
	seen := make(map[int64]struct{}, len(in.RuleIDs))
	ids := make([]int64, 0, len(in.RuleIDs))
	for _, id := range in.RuleIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	in.RuleIDs = ids
	return in
}

func sourceInputFrom(src *store.Source) SourceInput {
	return SourceInput{
		URL:     src.URL,
		Title:   src.Title,
		Remark:  src.Remark,
		Cron:    src.Cron,
		Enabled: src.Enabled,
		Owner:   src.Owner,
		RuleIDs: append([]int64(nil), src.RuleIDs...),
	}
}

// validationError renders validator failures as field-level messages.
func validationError(op string, err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return services.Wrap(services.ErrValidation, "subscription", op, "", err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return services.Wrap(services.ErrValidation, "subscription", op, strings.Join(msgs, "; "), nil)
}
