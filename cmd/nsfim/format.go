package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"golang.org/x/sys/unix"

	"github.com/nsfim/nsfim/sink"
)

// maskNames follows fim-inotify.c's handle_events in naming every listed
// bit set in the raw mask rather than a single symbolic name; maskString
// joins those names with "|". IN_ISDIR is not listed and never rendered.
var maskNames = []struct {
	bit  uint32
	name string
}{
	{unix.IN_ACCESS, "IN_ACCESS"},
	{unix.IN_MODIFY, "IN_MODIFY"},
	{unix.IN_ATTRIB, "IN_ATTRIB"},
	{unix.IN_OPEN, "IN_OPEN"},
	{unix.IN_CLOSE_WRITE, "IN_CLOSE_WRITE"},
	{unix.IN_CLOSE_NOWRITE, "IN_CLOSE_NOWRITE"},
	{unix.IN_MOVED_FROM, "IN_MOVED_FROM"},
	{unix.IN_MOVED_TO, "IN_MOVED_TO"},
	{unix.IN_MOVE_SELF, "IN_MOVE_SELF"},
	{unix.IN_CREATE, "IN_CREATE"},
	{unix.IN_DELETE, "IN_DELETE"},
	{unix.IN_DELETE_SELF, "IN_DELETE_SELF"},
}

func maskString(mask uint32) string {
	var names []string
	for _, m := range maskNames {
		if mask&m.bit != 0 {
			names = append(names, m.name)
		}
	}
	if len(names) == 0 {
		return "IN_UNKNOWN"
	}
	return strings.Join(names, "|")
}

// printEvent renders one sink.Event to stdout, either as a plain
// "IN_FOO: path/to/file [file]" line ("[directory]" for directories) or,
// for format "json", as one JSON object per line.
func printEvent(format string, e sink.Event) {
	switch format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		_ = enc.Encode(struct {
			Session string `json:"session"`
			Mask    string `json:"mask"`
			Path    string `json:"path"`
			IsDir   bool   `json:"is_dir"`
		}{
			Session: e.SessionID,
			Mask:    maskString(e.Mask),
			Path:    joinEventPath(e),
			IsDir:   e.IsDir,
		})
	default:
		kind := "file"
		if e.IsDir {
			kind = color.CyanString("directory")
		}
		fmt.Printf("%s: %s [%s]\n", maskString(e.Mask), joinEventPath(e), kind)
	}
}

func joinEventPath(e sink.Event) string {
	if e.FileName == "" {
		return e.DirectoryPath
	}
	return e.DirectoryPath + "/" + e.FileName
}
