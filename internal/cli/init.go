package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/calvinalkan/tiercache/internal/config"
	"github.com/calvinalkan/tiercache/internal/fs"

	flag "github.com/spf13/pflag"
)

var errConfigExists = errors.New("config file already exists (use --force to overwrite)")

// InitCmd returns the init command.
func InitCmd(a *app) *Command {
	flags := flag.NewFlagSet("init", flag.ContinueOnError)
	force := flags.Bool("force", false, "Overwrite an existing config file")

	return &Command{
		Flags: flags,
		Usage: "init [--force]",
		Short: "Write a default " + config.FileName,
		Long:  "Write the default configuration to " + config.FileName + " in the working directory.",
		Exec: func(_ context.Context, o *IO, args []string) error {
			if len(args) != 0 {
				return usageError("init")
			}

			return execInit(o, fs.NewReal(), filepath.Join(a.cfg.EffectiveCwd, config.FileName), *force)
		},
	}
}

func execInit(o *IO, fsys fs.FS, path string, force bool) error {
	exists, err := fsys.Exists(path)
	if err != nil {
		return fmt.Errorf("checking %s: %w", path, err)
	}

	if exists && !force {
		return fmt.Errorf("%w: %s", errConfigExists, path)
	}

	data, err := config.Default().Marshal()
	if err != nil {
		return err
	}

	err = fsys.WriteFileAtomic(path, data, 0o644)
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	o.Println("wrote " + path)

	return nil
}

// PrintConfigCmd returns the print-config command.
func PrintConfigCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("print-config", flag.ContinueOnError),
		Usage: "print-config",
		Short: "Show resolved configuration",
		Long:  "Display the effective configuration and which files it was loaded from.",
		Exec: func(_ context.Context, o *IO, _ []string) error {
			return execPrintConfig(o, a.cfg)
		},
	}
}

func execPrintConfig(o *IO, cfg config.Config) error {
	data, err := cfg.Marshal()
	if err != nil {
		return err
	}

	_, _ = o.Write(data)

	o.Println("")
	o.Println("# resolved")
	o.Println("effective_cwd=" + cfg.EffectiveCwd)

	if cfg.Has(config.TierSegment) {
		o.Println("segment_path=" + cfg.SegmentPathAbs)
	}

	if cfg.Has(config.TierDurable) {
		o.Println("durable_path=" + cfg.DurablePathAbs)
	}

	o.Println("")
	o.Println("# sources")

	if cfg.Sources.Global == "" && cfg.Sources.Project == "" {
		o.Println("(defaults only)")
	} else {
		if cfg.Sources.Global != "" {
			o.Println("global_config=" + cfg.Sources.Global)
		}

		if cfg.Sources.Project != "" {
			o.Println("project_config=" + cfg.Sources.Project)
		}
	}

	return nil
}
