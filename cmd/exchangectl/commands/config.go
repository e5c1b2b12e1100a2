package commands

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/exchange/internal/config"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

const redacted = "<redacted>"

// defaultedKeys are reported by check when the file leaves them unset.
var defaultedKeys = map[string][]string{
	"node":       {"id", "addr", "segment", "kinds", "capacity", "admin_addr", "admin_token", "controller_addr", "idle_threshold", "sweep_interval", "store.driver"},
	"controller": {"id", "addr", "admin_addr", "admin_token", "node_token", "node_rpc_timeout"},
}

// CheckReport is the outcome of checking one config file.
type CheckReport struct {
	Kind      string
	Unknown   []string
	Defaulted []string
	Err       error
}

func checkConfig(kind, path string) (CheckReport, error) {
	report := CheckReport{Kind: kind}
	var (
		meta toml.MetaData
		err  error
	)
	switch kind {
	case "node":
		var raw config.NodeConfig
		meta, err = toml.DecodeFile(path, &raw)
		if err == nil {
			_, report.Err = config.LoadNodeConfig(path)
		}
	case "controller":
		var raw config.ControllerConfig
		meta, err = toml.DecodeFile(path, &raw)
		if err == nil {
			_, report.Err = config.LoadControllerConfig(path)
		}
	default:
		return CheckReport{}, fmt.Errorf("unknown config kind: %s", kind)
	}
	if err != nil {
		return CheckReport{}, fmt.Errorf("parse %s: %w", path, err)
	}
	for _, key := range meta.Undecoded() {
		report.Unknown = append(report.Unknown, key.String())
	}
	for _, key := range defaultedKeys[kind] {
		if !meta.IsDefined(strings.Split(key, ".")...) {
			report.Defaulted = append(report.Defaulted, key)
		}
	}
	sort.Strings(report.Unknown)
	return report, nil
}

func printCheck(w io.Writer, path string, r CheckReport) {
	for _, key := range r.Unknown {
		fmt.Fprintf(w, "%s unknown key %s\n", color.YellowString("warn"), key)
	}
	for _, key := range r.Defaulted {
		fmt.Fprintf(w, "%s %s uses the default\n", color.CyanString("info"), key)
	}
	if r.Err != nil {
		fmt.Fprintf(w, "%s %s: %v\n", color.RedString("fail"), path, r.Err)
		return
	}
	fmt.Fprintf(w, "%s %s is a valid %s config\n", color.GreenString("ok"), path, r.Kind)
}

func showConfig(w io.Writer, kind, path string) error {
	var loaded any
	switch kind {
	case "node":
		cfg, err := config.LoadNodeConfig(path)
		if err != nil {
			return err
		}
		redact(&cfg.AdminToken)
		redact(&cfg.ControllerToken)
		loaded = cfg
	case "controller":
		cfg, err := config.LoadControllerConfig(path)
		if err != nil {
			return err
		}
		redact(&cfg.AdminToken)
		redact(&cfg.NodeToken)
		loaded = cfg
	default:
		return fmt.Errorf("unknown config kind: %s", kind)
	}
	return toml.NewEncoder(w).Encode(loaded)
}

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create, check and print node or controller configs",
	}

	var (
		kind  string
		path  string
		force bool
	)
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config template",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				path = kind + ".toml"
			}
			if err := config.WriteTemplate(path, kind, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s wrote %s template to %s\n", color.GreenString("ok"), kind, path)
			return nil
		},
	}
	initCmd.Flags().StringVar(&kind, "kind", "node", "template kind (node or controller)")
	initCmd.Flags().StringVar(&path, "path", "", "output path (default <kind>.toml)")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	var checkKind string
	check := &cobra.Command{
		Use:   "check <path>",
		Short: "Validate a config and report unknown or defaulted keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := checkConfig(checkKind, args[0])
			if err != nil {
				return err
			}
			printCheck(cmd.OutOrStdout(), args[0], report)
			return report.Err
		},
	}
	check.Flags().StringVar(&checkKind, "kind", "node", "config kind (node or controller)")

	var showKind string
	show := &cobra.Command{
		Use:   "show <path>",
		Short: "Print a loaded config with secrets redacted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return showConfig(cmd.OutOrStdout(), showKind, args[0])
		},
	}
	show.Flags().StringVar(&showKind, "kind", "node", "config kind (node or controller)")

	cmd.AddCommand(initCmd, check, show)
	return cmd
}
