// Package logging provides a leveled, printf-style logging interface for the
// image optimizer, backed by logrus.
//
// It supports the following log levels:
//   - DEBUG: Verbose debugging information
//   - INFO: General operational messages
//   - WARN: Warning conditions
//   - ERROR: Error conditions
//
// The log level is configured via the LOG_LEVEL environment variable (or
// DEBUG=true). LOG_FORMAT=json switches to JSON output. WithFields attaches
// structured fields such as the file path being optimized.
package logging
