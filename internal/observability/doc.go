// Package observability builds the process logger.
//
// Every component receives a *zap.Logger from here. Production runs use
// the JSON encoder so log lines can be shipped as-is; LOG_FORMAT=text
// switches to the console encoder for local work.
package observability
