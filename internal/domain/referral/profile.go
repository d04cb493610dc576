package referral

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofhir/validator/pkg/issue"
	"github.com/gofhir/validator/pkg/validator"
	"github.com/rs/zerolog"

	"github.com/wccg/ereferrals/internal/platform/fhir"
)

// ProfileValidator checks a bundle against the configured FHIR profiles. The
// returned outcome may hold warnings; only error and fatal issues reject.
type ProfileValidator interface {
	Validate(ctx context.Context, bundle []byte) (*fhir.OperationOutcome, error)
}

// ProfileValidatorConfig controls the profile validator.
type ProfileValidatorConfig struct {
	Enabled      bool
	FHIRVersion  string
	PackagePaths []string
}

// ErrNoPackagePaths is returned when validation is enabled without packages.
var ErrNoPackagePaths = errors.New("FHIR profile validation is enabled, but no package paths are configured")

// GoFHIRProfileValidator adapts the gofhir validator. The engine is built on
// first use and is read-only afterwards; a build failure is returned on every
// call.
type GoFHIRProfileValidator struct {
	cfg    ProfileValidatorConfig
	logger zerolog.Logger

	once     sync.Once
	engine   *validator.Validator
	buildErr error
}

func NewGoFHIRProfileValidator(cfg ProfileValidatorConfig, logger zerolog.Logger) *GoFHIRProfileValidator {
	if cfg.FHIRVersion == "" {
		cfg.FHIRVersion = "4.0.1"
	}
	return &GoFHIRProfileValidator{cfg: cfg, logger: logger}
}

// Validate returns an empty outcome when validation is disabled.
func (v *GoFHIRProfileValidator) Validate(ctx context.Context, bundle []byte) (*fhir.OperationOutcome, error) {
	if !v.cfg.Enabled {
		v.logger.Debug().Msg("FHIR profile validation disabled")
		return fhir.EmptyOutcome(), nil
	}

	v.once.Do(func() {
		v.engine, v.buildErr = v.build()
	})
	if v.buildErr != nil {
		return nil, v.buildErr
	}

	v.logger.Debug().Int("bytes", len(bundle)).Msg("starting FHIR profile validation")
	result, err := v.engine.Validate(ctx, bundle)
	if err != nil {
		return nil, fmt.Errorf("profile validation: %w", err)
	}

	outcome := outcomeFromResult(result)
	v.logger.Debug().Int("issues", len(outcome.Issue)).Msg("completed FHIR profile validation")
	return outcome, nil
}

func (v *GoFHIRProfileValidator) build() (*validator.Validator, error) {
	var paths, missing []string
	for _, p := range v.cfg.PackagePaths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		paths = append(paths, p)
		if _, err := os.Stat(p); err != nil {
			missing = append(missing, p)
		}
	}

	v.logger.Debug().
		Int("configured_package_paths", len(paths)).
		Int("found_package_files", len(paths)-len(missing)).
		Msg("building FHIR validator")

	if len(paths) == 0 {
		return nil, ErrNoPackagePaths
	}
	if len(missing) > 0 {
		v.logger.Warn().Strs("missing", missing).Msg("configured FHIR package files not found")
		return nil, fmt.Errorf("FHIR profile validation is enabled, but %d configured package file(s) do not exist: %s",
			len(missing), strings.Join(missing, "; "))
	}

	opts := []validator.Option{validator.WithVersion(v.cfg.FHIRVersion)}
	for _, p := range paths {
		opts = append(opts, validator.WithPackageTgz(p))
	}
	engine, err := validator.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("build FHIR validator: %w", err)
	}
	return engine, nil
}

func outcomeFromResult(result *issue.Result) *fhir.OperationOutcome {
	b := fhir.NewOutcomeBuilder()
	if result == nil {
		return b.Build()
	}
	for _, is := range result.Issues {
		b.AddIssue(fhir.OperationOutcomeIssue{
			Severity:    string(is.Severity),
			Code:        string(is.Code),
			Diagnostics: is.Diagnostics,
			Expression:  is.Expression,
		})
	}
	return b.Build()
}

// NoopProfileValidator accepts every bundle.
type NoopProfileValidator struct{}

func (NoopProfileValidator) Validate(context.Context, []byte) (*fhir.OperationOutcome, error) {
	return fhir.EmptyOutcome(), nil
}
