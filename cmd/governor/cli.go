package main

import (
	"io"

	"github.com/alecthomas/kong"
)

// Globals are flags shared by every command.
type Globals struct {
	Config   string           `help:"TOML config file (overrides GOVERNOR_CONFIG)" type:"path"`
	LogLevel string           `help:"Log level (DEBUG, INFO, WARN, ERROR)" env:"LOG_LEVEL"`
	Version  kong.VersionFlag `help:"Show version information"`
}

// CLI defines the command-line interface.
type CLI struct {
	Globals

	Serve    ServeCmd    `cmd:"" help:"Run the governance HTTP server"`
	Profiles ProfilesCmd `cmd:"" help:"List runtime profiles"`
	Resolve  ResolveCmd  `cmd:"" help:"Resolve tool ids to capability and risk"`
	Events   EventsCmd   `cmd:"" help:"Print the audit trail of an execution"`
	Verify   VerifyCmd   `cmd:"" help:"Verify the hash chain of an execution"`
	Archive  ArchiveCmd  `cmd:"" help:"Export an execution's evidence bundle to the archive sink"`
}

// Env is bound into every command's Run.
type Env struct {
	Stdout  io.Writer
	Stderr  io.Writer
	Globals *Globals
}

type ServeCmd struct {
	Addr string `help:"Listen address (overrides GOVERNOR_ADDR)"`
}

type ProfilesCmd struct {
	JSON bool `help:"Print JSON instead of a table"`
}

type ResolveCmd struct {
	ToolIDs []string `arg:"" name:"tool-id" help:"Tool ids to resolve"`
}

type EventsCmd struct {
	ExecutionID string   `arg:"" name:"execution-id" help:"Execution id"`
	Kind        []string `short:"k" help:"Only these kinds (policy, quality, orchestration, lifecycle)"`
}

type VerifyCmd struct {
	ExecutionID string `arg:"" name:"execution-id" help:"Execution id"`
}

type ArchiveCmd struct {
	ExecutionID string `arg:"" name:"execution-id" help:"Execution id"`
	Sink        string `help:"Override the archive sink (fs, s3, gcs, minio)"`
	Bucket      string `help:"Override the archive bucket (directory for fs)"`
}
