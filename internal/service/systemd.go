package service

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/farouk15160/edgeconnect/internal/logger"
)

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// CommandError is returned when systemctl ran but reported failure.
type CommandError struct {
	Args     []string
	ExitCode int
	Output   string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("systemctl %s exited with code %d", strings.Join(e.Args, " "), e.ExitCode)
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

// Systemd manages services through systemctl.
type Systemd struct {
	Binary string
	Run    Runner
	log    *zap.SugaredLogger
}

// NewSystemd returns a Manager backed by systemctl.
func NewSystemd() *Systemd {
	return &Systemd{
		Binary: "systemctl",
		Run:    execRunner,
		log:    logger.For("systemd"),
	}
}

func (s *Systemd) Name() string {
	return "systemd"
}

// CheckOperational verifies systemctl can be executed.
func (s *Systemd) CheckOperational(ctx context.Context) error {
	if _, err := s.Run(ctx, s.Binary, "--version"); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrServiceManagerUnavailable, s.Name(), err)
	}
	return nil
}

func (s *Systemd) Restart(ctx context.Context, svc Service) error {
	return s.call(ctx, "restart", svc)
}

func (s *Systemd) Enable(ctx context.Context, svc Service) error {
	return s.call(ctx, "enable", svc)
}

// StartAndEnable starts svc and enables it at boot. Both steps are
// attempted; failures are logged and the first one returned.
func (s *Systemd) StartAndEnable(ctx context.Context, svc Service) error {
	startErr := s.call(ctx, "start", svc)
	if startErr != nil {
		s.log.Warnf("Failed to start %s: %v", svc, startErr)
	}
	enableErr := s.call(ctx, "enable", svc)
	if enableErr != nil {
		s.log.Warnf("Failed to enable %s: %v", svc, enableErr)
	}
	if startErr != nil {
		return startErr
	}
	return enableErr
}

func (s *Systemd) call(ctx context.Context, verb string, svc Service) error {
	args := []string{verb, string(svc) + ".service"}
	s.log.Debugf("Running %s %s", s.Binary, strings.Join(args, " "))

	out, err := s.Run(ctx, s.Binary, args...)
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &CommandError{Args: args, ExitCode: exitErr.ExitCode(), Output: strings.TrimSpace(string(out))}
	}
	return fmt.Errorf("%w: %s %s: %w", ErrServiceManagerUnavailable, s.Binary, strings.Join(args, " "), err)
}
