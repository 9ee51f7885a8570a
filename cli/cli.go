package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

type Command int

const (
	Monitor Command = iota
	List
	Scan
	Rename
	Watch
	Unwatch
)

var ErrConflictingCommands = errors.New("only one of -list, -scan, -name, -watch, -unwatch may be given")

type Flags struct {
	ConfigFileName   *string
	IfaceName        *string
	Segment          *string
	LogFileName      *string
	DatabaseFileName *string
	RenderConfig     *bool
	List             *bool
	Scan             *bool
	Name             *string
	Watch            *string
	Unwatch          *string
}

func GetFlags() (Flags, error) {
	return ParseFlags(os.Args[0], os.Args[1:], os.Stderr)
}

func ParseFlags(name string, args []string, output io.Writer) (Flags, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(output)

	flags := Flags{
		ConfigFileName:   fs.String("c", "", "YAML config file (default none)"),
		IfaceName:        fs.String("i", "", "interface name, e.g. eth0 (default first usable)"),
		Segment:          fs.String("s", "", "network segment to scan, e.g. 192.168.1.0/24 (default interface network)"),
		LogFileName:      fs.String("l", "", "log file (default lanmonitor.log)"),
		DatabaseFileName: fs.String("d", "", "SQLite database file (default lanmonitor.db)"),
		RenderConfig:     fs.Bool("r", false, "render config and exit (default false)"),
		List:             fs.Bool("list", false, "list known devices and exit"),
		Scan:             fs.Bool("scan", false, "run a single scan, list connected devices and exit"),
		Name:             fs.String("name", "", "set a device name and exit, e.g. 3=Printer or aa:bb:cc:dd:ee:01=Printer"),
		Watch:            fs.String("watch", "", "watch a device by ID or MAC and exit"),
		Unwatch:          fs.String("unwatch", "", "stop watching a device by ID or MAC and exit"),
	}

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}
	if fs.NArg() > 0 {
		return Flags{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if _, err := flags.Command(); err != nil {
		return Flags{}, err
	}
	return flags, nil
}

// Command returns the one-shot command requested, or Monitor when none was given.
func (f Flags) Command() (Command, error) {
	var commands []Command
	if f.List != nil && *f.List {
		commands = append(commands, List)
	}
	if f.Scan != nil && *f.Scan {
		commands = append(commands, Scan)
	}
	if f.Name != nil && *f.Name != "" {
		commands = append(commands, Rename)
	}
	if f.Watch != nil && *f.Watch != "" {
		commands = append(commands, Watch)
	}
	if f.Unwatch != nil && *f.Unwatch != "" {
		commands = append(commands, Unwatch)
	}

	switch len(commands) {
	case 0:
		return Monitor, nil
	case 1:
		if commands[0] == Rename {
			if _, _, err := ParseRename(*f.Name); err != nil {
				return Monitor, err
			}
		}
		return commands[0], nil
	default:
		return Monitor, ErrConflictingCommands
	}
}

// ParseRename splits a ref=name argument. An empty name clears the custom name.
func ParseRename(value string) (string, string, error) {
	ref, name, ok := strings.Cut(value, "=")
	ref = strings.TrimSpace(ref)
	if !ok || ref == "" {
		return "", "", fmt.Errorf("invalid -name value %q, expected ref=name", value)
	}
	return ref, strings.TrimSpace(name), nil
}
