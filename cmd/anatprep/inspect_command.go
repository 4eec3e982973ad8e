package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"anatprep/internal/nifti"
	"anatprep/internal/tracker"
)

type inspectedImage struct {
	Stage string      `json:"stage,omitempty"`
	Path  string      `json:"path"`
	Info  *nifti.Info `json:"info,omitempty"`
	Error string      `json:"error,omitempty"`
}

func newInspectCommand(ctx *commandContext) *cobra.Command {
	var flags sessionFlags
	var stageName string
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "inspect [image.nii[.gz]...]",
		Short: "Show NIfTI header summaries for images or a subject's stage outputs",
		RunE: func(cmd *cobra.Command, args []string) error {
			var images []inspectedImage
			switch {
			case len(args) > 0:
				for _, path := range args {
					images = append(images, inspectImage("", path))
				}
			case strings.TrimSpace(flags.subject) != "":
				collected, err := collectStageOutputs(ctx, flags, stageName)
				if err != nil {
					return err
				}
				images = collected
			default:
				return errors.New("pass image paths or --subject")
			}

			if jsonOut {
				if images == nil {
					images = []inspectedImage{}
				}
				return writeJSON(cmd, images)
			}
			printImages(cmd, images)
			return nil
		},
	}
	addSessionFlags(cmd, &flags)
	cmd.Flags().StringVar(&stageName, "stage", "", "Only inspect outputs of this stage")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func collectStageOutputs(ctx *commandContext, flags sessionFlags, stageName string) ([]inspectedImage, error) {
	if stageName != "" && !tracker.KnownStage(stageName) {
		return nil, fmt.Errorf("unknown stage %q (valid: %s)", stageName, strings.Join(tracker.Stages, ", "))
	}
	layout, err := ctx.layout()
	if err != nil {
		return nil, err
	}
	if _, err := layout.ResolveSessions(flags.subject, flags.session); err != nil {
		return nil, err
	}
	tr, err := ctx.tracker(nil)
	if err != nil {
		return nil, err
	}
	report, err := tr.Status(flags.subject, flags.session, false)
	if err != nil {
		return nil, err
	}
	var images []inspectedImage
	for _, ses := range report.Sessions {
		for _, view := range ses.Stages {
			if stageName != "" && view.Stage != stageName {
				continue
			}
			for _, output := range view.Outputs {
				if !isNIfTI(output) {
					continue
				}
				images = append(images, inspectImage(view.Stage, output))
			}
		}
	}
	return images, nil
}

func inspectImage(stageName, path string) inspectedImage {
	image := inspectedImage{Stage: stageName, Path: path}
	info, err := nifti.Read(path)
	if err != nil {
		image.Error = err.Error()
		return image
	}
	image.Info = &info
	return image
}

func isNIfTI(path string) bool {
	return strings.HasSuffix(path, ".nii.gz") || strings.HasSuffix(path, ".nii")
}

func printImages(cmd *cobra.Command, images []inspectedImage) {
	out := cmd.OutOrStdout()
	if len(images) == 0 {
		fmt.Fprintln(out, "No images to inspect")
		return
	}
	rows := make([][]string, 0, len(images))
	for _, image := range images {
		if image.Info == nil {
			rows = append(rows, []string{image.Stage, image.Path, "", "", "", image.Error})
			continue
		}
		rows = append(rows, []string{
			image.Stage,
			image.Path,
			joinInts(image.Info.Dims),
			joinFloats(image.Info.VoxelSize),
			image.Info.DataType,
			fmt.Sprintf("qform %d sform %d", image.Info.QFormCode, image.Info.SFormCode),
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"Stage", "Path", "Dims", "Voxel (mm)", "Type", "Orientation"},
		rows,
		nil,
	))
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return strings.Join(parts, "x")
}

func joinFloats(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprintf("%.2f", v)
	}
	return strings.Join(parts, "x")
}
