package logger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pterm/pterm"

	"github.com/sevrin/gantry/internal/core/domain"
	"github.com/sevrin/gantry/theme"
)

// StyledLogger wraps slog.Logger with Theme-aware formatting
type StyledLogger struct {
	logger *slog.Logger
	Theme  *theme.Theme
}

func NewStyledLogger(logger *slog.Logger, theme *theme.Theme) *StyledLogger {
	return &StyledLogger{
		logger: logger,
		Theme:  theme,
	}
}

func (sl *StyledLogger) Debug(msg string, args ...any) {
	sl.logger.Debug(msg, args...)
}

func (sl *StyledLogger) Info(msg string, args ...any) {
	sl.logger.Info(msg, args...)
}

func (sl *StyledLogger) Warn(msg string, args ...any) {
	sl.logger.Warn(msg, args...)
}

func (sl *StyledLogger) Error(msg string, args ...any) {
	sl.logger.Error(msg, args...)
}

func (sl *StyledLogger) InfoWithStatus(msg string, status string, args ...any) {
	styledMsg := fmt.Sprintf("[ %s ] %s", sl.Theme.Success.Sprint(status), msg)
	sl.logger.Info(styledMsg, args...)
}

// ResetLine moves the cursor up one line and clears it.
func (sl *StyledLogger) ResetLine() {
	fmt.Print("\033[1A\033[2K")
}

func (sl *StyledLogger) InfoWithCount(msg string, count int, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, sl.Theme.Counts.Sprint("(", count, ")"))
	sl.logger.Info(styledMsg, args...)
}

func (sl *StyledLogger) InfoWithServer(msg string, server string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, sl.Theme.Server.Sprint(server))
	sl.logger.Info(styledMsg, args...)
}

func (sl *StyledLogger) WarnWithServer(msg string, server string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, sl.Theme.Server.Sprint(server))
	sl.logger.Warn(styledMsg, args...)
}

func (sl *StyledLogger) ErrorWithServer(msg string, server string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, sl.Theme.Server.Sprint(server))
	sl.logger.Error(styledMsg, args...)
}

func (sl *StyledLogger) InfoWithTool(msg string, tool string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, sl.Theme.Tool.Sprint(tool))
	sl.logger.Info(styledMsg, args...)
}

func (sl *StyledLogger) InfoWithNumbers(msg string, numbers ...int64) {
	var formattedNums []string
	for _, num := range numbers {
		formattedNums = append(formattedNums, sl.Theme.Number.Sprint(num))
	}

	styledMsg := fmt.Sprintf(msg, toInterfaceSlice(formattedNums)...)
	sl.logger.Info(styledMsg)
}

// InfoConnectionStatus renders a server's connection transition with the
// status coloured by severity.
func (sl *StyledLogger) InfoConnectionStatus(msg string, name string, status domain.ConnectionStatus, args ...any) {
	var statusStyle *pterm.Style
	var statusText string

	switch status {
	case domain.ConnectionConnected:
		statusStyle = sl.Theme.StateUp
		statusText = "Connected"
	case domain.ConnectionConnecting:
		statusStyle = sl.Theme.StateDegraded
		statusText = "Connecting"
	case domain.ConnectionDisconnected:
		statusStyle = sl.Theme.Muted
		statusText = "Disconnected"
	case domain.ConnectionError:
		statusStyle = sl.Theme.StateDown
		statusText = "Error"
	default:
		statusStyle = sl.Theme.Muted
		statusText = string(status)
	}

	styledMsg := fmt.Sprintf("%s %s is %s",
		msg,
		sl.Theme.Server.Sprint(name), statusStyle.Sprint(statusText))
	sl.logger.Info(styledMsg, args...)
}

// InfoBreakerState renders a breaker transition; open is loud on purpose.
func (sl *StyledLogger) InfoBreakerState(msg string, name string, state domain.BreakerState, args ...any) {
	var stateStyle *pterm.Style

	switch state {
	case domain.BreakerClosed:
		stateStyle = sl.Theme.StateUp
	case domain.BreakerHalfOpen:
		stateStyle = sl.Theme.StateDegraded
	case domain.BreakerOpen:
		stateStyle = sl.Theme.StateDown
	default:
		stateStyle = sl.Theme.Muted
	}

	styledMsg := fmt.Sprintf("%s %s: %s",
		msg,
		sl.Theme.Server.Sprint(name), stateStyle.Sprint(string(state)))
	sl.logger.Info(styledMsg, args...)
}

func (sl *StyledLogger) GetUnderlying() *slog.Logger {
	return sl.logger
}

func (sl *StyledLogger) WithRequestID(requestID string) *StyledLogger {
	return sl.With("request_id", requestID)
}

func (sl *StyledLogger) WithAttrs(attrs ...slog.Attr) *StyledLogger {
	args := make([]any, 0, len(attrs)*2)
	for _, attr := range attrs {
		args = append(args, attr.Key, attr.Value)
	}

	return &StyledLogger{
		logger: sl.logger.With(args...),
		Theme:  sl.Theme,
	}
}

func (sl *StyledLogger) With(args ...any) *StyledLogger {
	return &StyledLogger{
		logger: sl.logger.With(args...),
		Theme:  sl.Theme,
	}
}

func toInterfaceSlice(strs []string) []interface{} {
	result := make([]interface{}, len(strs))
	for i, s := range strs {
		result[i] = s
	}
	return result
}

func NewWithTheme(cfg *Config) (*slog.Logger, *StyledLogger, func(), error) {
	logger, cleanup, err := New(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	appTheme := theme.GetTheme(cfg.Theme)
	styledLogger := NewStyledLogger(logger, appTheme)

	return logger, styledLogger, cleanup, nil
}

/**
 * LogContext provides a structured way to separate user-facing and detailed logging context.
 * This allows for cleaner terminal output while still capturing all necessary details in the log file.
 * That way, we get a clean TUI output with user-friendly messages, and detailed logs for debugging.
 */

// LogContext separates user-facing from detailed logging context
type LogContext struct {
	UserArgs     []interface{}
	DetailedArgs []interface{}
}

func (sl *StyledLogger) InfoWithContext(msg string, server string, ctx LogContext) {
	sl.logWithContext(LogLevelInfo, msg, server, ctx)
}

func (sl *StyledLogger) WarnWithContext(msg string, server string, ctx LogContext) {
	sl.logWithContext(LogLevelWarn, msg, server, ctx)
}

func (sl *StyledLogger) ErrorWithContext(msg string, server string, ctx LogContext) {
	sl.logWithContext(LogLevelError, msg, server, ctx)
}

// logWithContext is the internal method that handles the dual logging logic
func (sl *StyledLogger) logWithContext(level string, msg string, server string, ctx LogContext) {
	// CLI: clean messaging
	styledMsg := fmt.Sprintf("%s %s", msg, sl.Theme.Server.Sprint(server))

	switch level {
	case LogLevelInfo:
		sl.logger.Info(styledMsg, ctx.UserArgs...)
	case LogLevelWarn:
		sl.logger.Warn(styledMsg, ctx.UserArgs...)
	case LogLevelError:
		sl.logger.Error(styledMsg, ctx.UserArgs...)
	}

	// log file: detailed hopefully
	if len(ctx.DetailedArgs) > 0 {
		allArgs := make([]interface{}, 0, len(ctx.UserArgs)+len(ctx.DetailedArgs)+2)
		allArgs = append(allArgs, "server_name", server)
		allArgs = append(allArgs, ctx.UserArgs...)
		allArgs = append(allArgs, ctx.DetailedArgs...)

		detailedCtx := context.WithValue(context.Background(), DefaultDetailedCookie, true)

		switch level {
		case LogLevelInfo:
			sl.logger.InfoContext(detailedCtx, msg, allArgs...)
		case LogLevelWarn:
			sl.logger.WarnContext(detailedCtx, msg, allArgs...)
		case LogLevelError:
			sl.logger.ErrorContext(detailedCtx, msg, allArgs...)
		}
	}
}
