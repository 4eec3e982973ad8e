package main

import (
	"github.com/spf13/cobra"
)

const rootLong = `anatprep: anatomical preprocessing for 7T MP2RAGE data.

Takes BIDS rawdata (from dcm2bids) through pymp2rage fitting, brain masking,
denoising, CAT12 segmentation, sinus masking, and iterative brainmask
refinement with fMRIprep.

Typical workflow:
   1. anatprep pymp2rage       Compute T1w (UNIT1) and T1map
   2. anatprep mask            Brain mask from INV2 (--bet or --spm)
   3. anatprep denoise         Remove background noise
   4. anatprep cat12           CAT12 segmentation
   5. anatprep sinus-auto      Auto-generate the sinus exclusion mask
   6. anatprep sinus-edit      Manual edit in ITK-SNAP
   7. anatprep fmriprep        Run fMRIprep and FreeSurfer
   8. anatprep status          Check iteration status
   9. anatprep brainmask-edit  Refine the brainmask in ITK-SNAP
  10. anatprep fmriprep        Re-run with the refined mask
      ... repeat 8-10, then 'anatprep iteration finalize'`

func newRootCommand() *cobra.Command {
	var studyFlag string
	var configFlag string
	var verbose bool

	ctx := newCommandContext(&studyFlag, &configFlag, &verbose)

	rootCmd := &cobra.Command{
		Use:           "anatprep",
		Short:         "Anatomical preprocessing for 7T MP2RAGE data",
		Long:          rootLong,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if shouldSkipConfig(cmd) {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&studyFlag, "studydir", "s", "", "Path to the BIDS study directory (default: auto-detect from the working directory)")
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path (default: <studydir>/code/anatprep.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	for _, cmd := range newStageCommands(ctx) {
		rootCmd.AddCommand(cmd)
	}
	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newIterationCommand(ctx))
	rootCmd.AddCommand(newHistoryCommand(ctx))
	rootCmd.AddCommand(newInspectCommand(ctx))
	rootCmd.AddCommand(newConfigCommand(ctx))

	return rootCmd
}
