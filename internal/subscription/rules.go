package subscription

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"feedloom/internal/logging"
	"feedloom/internal/services"
	"feedloom/internal/store"
)

// ListRules returns every stored rule.
func (s *Service) ListRules(ctx context.Context) ([]*store.Rule, error) {
	return s.store.ListRules(ctx)
}

// AddRule checks code in the sandbox, writes it to its content-addressed
// path and records the rule. Code that does not compile is rejected with
// services.ErrCompile and nothing is written.
func (s *Service) AddRule(ctx context.Context, in RuleInput) (*store.Rule, error) {
	if err := inputValidator.Struct(in); err != nil {
		return nil, validationError("add rule", err)
	}
	info, err := s.sandbox.Check(ctx, in.Code)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(in.Name)
	if name == "" {
		if metaName, ok := info.Meta["name"].(string); ok {
			name = strings.TrimSpace(metaName)
		}
	}
	if name == "" {
		return nil, services.Wrap(services.ErrValidation, "subscription", "add rule", "rule name is required (flag or meta.name)", nil)
	}
	metaJSON := ""
	if len(info.Meta) > 0 {
		data, err := json.Marshal(info.Meta)
		if err != nil {
			return nil, services.Wrap(services.ErrValidation, "subscription", "add rule", "meta is not serializable", err)
		}
		metaJSON = string(data)
	}

	hash, path, err := s.writeCode(in.Code)
	if err != nil {
		return nil, err
	}
	rule, err := s.store.CreateRule(ctx, store.Rule{
		Name:     name,
		CodePath: path,
		CodeHash: hash,
		Series:   strings.TrimSpace(in.Series),
		MetaJSON: metaJSON,
	})
	if err != nil {
		s.removeCodeIfUnused(ctx, hash, path)
		return nil, fmt.Errorf("create rule: %w", err)
	}
	s.logger.Info("rule added",
		logging.Int64(logging.FieldRuleID, rule.ID),
		logging.String("name", rule.Name),
		logging.String("code_hash", hash),
		logging.Bool("validate", info.HasValidate),
		logging.Bool("describe", info.HasDescribe),
	)
	return rule, nil
}

// UpdateRule applies edits to a rule. New code is checked in the sandbox
// before anything is written; code that does not compile is rejected with
// services.ErrCompile and the rule keeps its current code. The previous code
// file is deleted once no rule references it.
func (s *Service) UpdateRule(ctx context.Context, id int64, in RuleUpdate) (*store.Rule, error) {
	if err := inputValidator.Struct(in); err != nil {
		return nil, validationError("update rule", err)
	}
	rule, err := s.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	oldHash, oldPath := rule.CodeHash, rule.CodePath

	if in.Code != nil {
		if strings.TrimSpace(*in.Code) == "" {
			return nil, services.Wrap(services.ErrValidation, "subscription", "update rule", "rule code cannot be empty", nil)
		}
		info, err := s.sandbox.Check(ctx, *in.Code)
		if err != nil {
			return nil, err
		}
		metaJSON := ""
		if len(info.Meta) > 0 {
			data, err := json.Marshal(info.Meta)
			if err != nil {
				return nil, services.Wrap(services.ErrValidation, "subscription", "update rule", "meta is not serializable", err)
			}
			metaJSON = string(data)
		}
		hash, path, err := s.writeCode(*in.Code)
		if err != nil {
			return nil, err
		}
		rule.CodeHash, rule.CodePath, rule.MetaJSON = hash, path, metaJSON
	}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, services.Wrap(services.ErrValidation, "subscription", "update rule", "rule name cannot be empty", nil)
		}
		rule.Name = name
	}
	if in.Series != nil {
		rule.Series = strings.TrimSpace(*in.Series)
	}

	if err := s.store.UpdateRule(ctx, rule); err != nil {
		if rule.CodeHash != oldHash {
			s.removeCodeIfUnused(ctx, rule.CodeHash, rule.CodePath)
		}
		return nil, err
	}
	if rule.CodeHash != oldHash {
		s.removeCodeIfUnused(ctx, oldHash, oldPath)
	}
	s.logger.Info("rule updated",
		logging.Int64(logging.FieldRuleID, rule.ID),
		logging.String("name", rule.Name),
		logging.String("code_hash", rule.CodeHash),
		logging.Bool("code_changed", rule.CodeHash != oldHash),
	)
	return s.GetRule(ctx, id)
}

// RemoveRule deletes a rule, detaching it from every source. The code file
// is deleted unless another rule shares its hash.
func (s *Service) RemoveRule(ctx context.Context, id int64) error {
	rule, err := s.store.GetRule(ctx, id)
	if err != nil {
		return fmt.Errorf("load rule: %w", err)
	}
	if rule == nil {
		return services.Wrap(services.ErrNotFound, "subscription", "remove rule", fmt.Sprintf("rule %d", id), nil)
	}
	if _, err := s.store.DeleteRule(ctx, id); err != nil {
		return fmt.Errorf("remove rule: %w", err)
	}
	s.removeCodeIfUnused(ctx, rule.CodeHash, rule.CodePath)
	s.logger.Info("rule removed", logging.Int64(logging.FieldRuleID, id), logging.String("name", rule.Name))
	return nil
}

// GetRule returns one rule.
func (s *Service) GetRule(ctx context.Context, id int64) (*store.Rule, error) {
	rule, err := s.store.GetRule(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load rule: %w", err)
	}
	if rule == nil {
		return nil, services.Wrap(services.ErrNotFound, "subscription", "get rule", fmt.Sprintf("rule %d", id), nil)
	}
	return rule, nil
}

// ReadCode returns the stored source of a rule.
func (s *Service) ReadCode(ctx context.Context, id int64) (string, error) {
	rule, err := s.GetRule(ctx, id)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(rule.CodePath)
	if err != nil {
		return "", services.Wrap(services.ErrNotFound, "subscription", "read rule", rule.CodePath, err)
	}
	return string(data), nil
}

func (s *Service) writeCode(code string) (string, string, error) {
	sum := sha256.Sum256([]byte(code))
	hash := hex.EncodeToString(sum[:])
	dir := s.cfg.Paths.RulesDir
	if strings.TrimSpace(dir) == "" {
		return "", "", services.Wrap(services.ErrConfiguration, "subscription", "write rule", "paths.rules_dir is not set", nil)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create rules dir: %w", err)
	}
	path := filepath.Join(dir, hash+".js")
	if _, err := os.Stat(path); err == nil {
		return hash, path, nil
	}

	tmp, err := os.CreateTemp(dir, ".rule-*.tmp")
	if err != nil {
		return "", "", fmt.Errorf("create rule file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(code); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", "", fmt.Errorf("write rule file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", "", fmt.Errorf("close rule file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", "", fmt.Errorf("commit rule file: %w", err)
	}
	return hash, path, nil
}

func (s *Service) removeCodeIfUnused(ctx context.Context, hash, path string) {
	count, err := s.store.CountRulesByHash(ctx, hash)
	if err != nil {
		s.logger.Warn("rule file reference count failed", logging.String("code_hash", hash), logging.Error(err))
		return
	}
	if count > 0 {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("rule file not removed", logging.String("code_path", path), logging.Error(err))
	}
}
