package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"anatprep/internal/config"
)

func newConfigCommand(ctx *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}

	configCmd.AddCommand(newConfigInitCommand(ctx))
	configCmd.AddCommand(newConfigValidateCommand(ctx))
	configCmd.AddCommand(newConfigShowCommand(ctx))

	return configCmd
}

func newConfigInitCommand(ctx *commandContext) *cobra.Command {
	var targetPath string
	var overwrite bool

	cmd := &cobra.Command{
		Use:         "init",
		Short:       "Create a sample configuration file in the study's code/ directory",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := initTarget(ctx, targetPath)
			if err != nil {
				return err
			}

			if !overwrite {
				if _, err := os.Stat(target); err == nil {
					return fmt.Errorf("config file already exists at %s (use --overwrite to replace it)", target)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("check config path: %w", err)
				}
			}

			if err := config.CreateSample(target); err != nil {
				return fmt.Errorf("create sample config: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Wrote sample configuration to %s\n", target)
			fmt.Fprintf(out, "Set tools.spm_path and freesurfer.license, and add code/%s with the MP2RAGE sequence parameters.\n", config.MP2RAGEFileName)
			return nil
		},
	}

	cmd.Flags().StringVarP(&targetPath, "path", "p", "", "Destination for the configuration file")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Overwrite existing configuration if present")
	return cmd
}

// initTarget picks the file config init writes. Without --path it is the
// study's code/anatprep.toml, where the study defaults to the working
// directory when no study marker is found.
func initTarget(ctx *commandContext, targetPath string) (string, error) {
	if target := strings.TrimSpace(targetPath); target != "" {
		expanded, err := config.ExpandPath(target)
		if err != nil {
			return "", fmt.Errorf("resolve config path: %w", err)
		}
		return expanded, nil
	}
	studyDir, err := config.ResolveStudyDir(deref(ctx.studyFlag))
	if errors.Is(err, config.ErrStudyDirNotFound) {
		studyDir, err = os.Getwd()
	}
	if err != nil {
		return "", err
	}
	return filepath.Join(studyDir, "code", config.ConfigFileName), nil
}

func newConfigValidateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the study configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			fmt.Fprintln(out, renderStatusLine("Study", statusInfo, cfg.StudyDir, colorize))
			if ctx.configExists {
				fmt.Fprintln(out, renderStatusLine("Config", statusOK, ctx.configPath, colorize))
			} else {
				fmt.Fprintln(out, renderStatusLine("Config", statusWarn, ctx.configPath+" does not exist; defaults were used", colorize))
			}
			if _, err := cfg.LoadMP2RAGEParams(); err != nil {
				fmt.Fprintln(out, renderStatusLine(config.MP2RAGEFileName, statusWarn, err.Error(), colorize))
			} else {
				fmt.Fprintln(out, renderStatusLine(config.MP2RAGEFileName, statusOK, cfg.MP2RAGEPath(), colorize))
			}
			if err := cfg.RequireSPM(); err != nil {
				fmt.Fprintln(out, renderStatusLine("SPM", statusWarn, err.Error(), colorize))
			}
			if err := cfg.RequireFreeSurferLicense(); err != nil {
				fmt.Fprintln(out, renderStatusLine("FreeSurfer license", statusWarn, err.Error(), colorize))
			}
			fmt.Fprintln(out, "Configuration valid")
			return nil
		},
	}
}

func newConfigShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as TOML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			data, err := cfg.Encode()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# %s\n", ctx.configPath)
			_, err = out.Write(data)
			return err
		},
	}
}
